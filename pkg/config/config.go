package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/vyvo/buildfarm/pkg/chroots"
	"github.com/vyvo/buildfarm/pkg/worker"
)

// BuilderConfig declares one worker machine to the master.
type BuilderConfig struct {
	Name        string `mapstructure:"name"`
	URL         string `mapstructure:"url"`
	Processor   string `mapstructure:"processor"`
	Virtualized bool   `mapstructure:"virtualized"`
	Manual      bool   `mapstructure:"manual"`
}

// MasterConfig captures runtime settings for the build master.
type MasterConfig struct {
	ListenAddr       string          `mapstructure:"listen_addr"`
	DatabaseURL      string          `mapstructure:"database_url"`
	RedisURL         string          `mapstructure:"redis_url"`
	AMQPURL          string          `mapstructure:"amqp_url"`
	AMQPExchange     string          `mapstructure:"amqp_exchange"`
	GrabDir          string          `mapstructure:"grab_dir"`
	IncomingDir      string          `mapstructure:"incoming_dir"`
	IncomingSFTPAddr string          `mapstructure:"incoming_sftp_addr"`
	IncomingSFTPUser string          `mapstructure:"incoming_sftp_user"`
	IncomingSFTPKey  string          `mapstructure:"incoming_sftp_key"`
	LogDir           string          `mapstructure:"log_dir"`
	S3Endpoint       string          `mapstructure:"s3_endpoint"`
	S3AccessKey      string          `mapstructure:"s3_access_key"`
	S3SecretKey      string          `mapstructure:"s3_secret_key"`
	S3Bucket         string          `mapstructure:"s3_bucket"`
	S3Secure         bool            `mapstructure:"s3_secure"`
	PollInterval     time.Duration   `mapstructure:"poll_interval"`
	ProgressTimeout  time.Duration   `mapstructure:"progress_timeout"`
	WorkerKey        string          `mapstructure:"worker_key"`
	Tracing          bool            `mapstructure:"tracing"`
	Chroots          []chroots.Entry `mapstructure:"chroots"`
	Builders         []BuilderConfig `mapstructure:"builders"`
}

// WorkerConfig captures runtime settings for a build worker.
type WorkerConfig struct {
	ListenAddr   string          `mapstructure:"listen_addr"`
	CacheDir     string          `mapstructure:"cache_dir"`
	BuildDir     string          `mapstructure:"build_dir"`
	APIKey       string          `mapstructure:"api_key"`
	GracePeriod  time.Duration   `mapstructure:"grace_period"`
	StageTimeout time.Duration   `mapstructure:"stage_timeout"`
	PatternsFile string          `mapstructure:"patterns_file"`
	Tracing      bool            `mapstructure:"tracing"`
	Commands     worker.Commands `mapstructure:"commands"`
}

// MasterFlags declares the master's command line. Flag names are the
// configuration keys with dashes.
func MasterFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("buildd-master", pflag.ContinueOnError)
	fs.String("config", "", "path to a configuration file")
	fs.String("listen-addr", ":8090", "admin API listen address")
	fs.String("database-url", "", "postgres connection string; empty keeps records in memory")
	fs.String("redis-url", "", "redis URL for progress tracking; empty tracks in memory")
	fs.String("amqp-url", "", "AMQP broker URL for notifications; empty logs them")
	fs.String("grab-dir", "/srv/buildd/grabbing", "staging directory for fetched artifacts")
	fs.String("incoming-dir", "/srv/buildd/incoming", "directory the upload processor watches")
	fs.String("log-dir", "/srv/buildd/logs", "build log directory when no S3 bucket is set")
	fs.Duration("poll-interval", 15*time.Second, "time between session ticks per builder")
	fs.Duration("progress-timeout", 150*time.Minute, "abort builds silent for longer than this")
	fs.Bool("tracing", false, "export spans to stdout")
	return fs
}

// WorkerFlags declares the worker's command line.
func WorkerFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("buildd-worker", pflag.ContinueOnError)
	fs.String("config", "", "path to a configuration file")
	fs.String("listen-addr", ":8221", "wire API listen address")
	fs.String("cache-dir", "/var/cache/buildd", "content cache directory")
	fs.String("build-dir", "/home/buildd/build", "root for per-build directories")
	fs.String("patterns-file", "", "YAML give-back and dependency patterns; empty uses the built-in set")
	fs.Duration("grace-period", 10*time.Second, "time between interrupt and kill when stopping a stage")
	fs.Duration("stage-timeout", 0, "upper bound for a single stage; zero disables it")
	fs.Bool("tracing", false, "export spans to stdout")
	return fs
}

// LoadMaster loads master configuration from defaults, files, env vars and
// the command line in args.
func LoadMaster(args []string) (MasterConfig, error) {
	v, err := load("buildd-master", "BUILDD_MASTER", MasterFlags(), args)
	if err != nil {
		return MasterConfig{}, err
	}
	// Every key needs a default for AutomaticEnv to reach it in Unmarshal.
	v.SetDefault("amqp_exchange", "buildfarm")
	v.SetDefault("incoming_sftp_addr", "")
	v.SetDefault("incoming_sftp_user", "buildd")
	v.SetDefault("incoming_sftp_key", "")
	v.SetDefault("s3_endpoint", "")
	v.SetDefault("s3_access_key", "")
	v.SetDefault("s3_secret_key", "")
	v.SetDefault("s3_bucket", "")
	v.SetDefault("s3_secure", true)
	v.SetDefault("worker_key", "")

	var cfg MasterConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return MasterConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return MasterConfig{}, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail late.
func (c MasterConfig) Validate() error {
	if c.PollInterval <= 0 {
		return errors.New("poll_interval must be positive")
	}
	if c.ProgressTimeout <= 0 {
		return errors.New("progress_timeout must be positive")
	}
	if c.S3Bucket != "" && c.S3Endpoint == "" {
		return errors.New("s3_bucket requires s3_endpoint")
	}
	if c.IncomingSFTPAddr != "" && c.IncomingSFTPKey == "" {
		return errors.New("incoming_sftp_addr requires incoming_sftp_key")
	}
	seen := map[string]bool{}
	for _, b := range c.Builders {
		if b.Name == "" || b.URL == "" {
			return fmt.Errorf("builder entries need a name and url: %+v", b)
		}
		if seen[b.Name] {
			return fmt.Errorf("builder %s declared twice", b.Name)
		}
		seen[b.Name] = true
	}
	return nil
}

// LoadWorker loads worker configuration from defaults, files, env vars and
// the command line in args.
func LoadWorker(args []string) (WorkerConfig, error) {
	v, err := load("buildd-worker", "BUILDD_WORKER", WorkerFlags(), args)
	if err != nil {
		return WorkerConfig{}, err
	}
	v.SetDefault("api_key", "")
	defaults := worker.DefaultCommands()
	v.SetDefault("commands.unpack", defaults.Unpack)
	v.SetDefault("commands.mount", defaults.Mount)
	v.SetDefault("commands.configure_layer", defaults.ConfigureLayer)
	v.SetDefault("commands.override_sources", defaults.OverrideSources)
	v.SetDefault("commands.update_chroot", defaults.UpdateChroot)
	v.SetDefault("commands.build_tool", defaults.BuildTool)
	v.SetDefault("commands.reap", defaults.Reap)
	v.SetDefault("commands.unmount", defaults.Unmount)
	v.SetDefault("commands.cleanup", defaults.Cleanup)

	var cfg WorkerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return WorkerConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.CacheDir == "" || cfg.BuildDir == "" {
		return WorkerConfig{}, errors.New("cache_dir and build_dir are required")
	}
	return cfg, nil
}

func load(name, envPrefix string, fs *pflag.FlagSet, args []string) (*viper.Viper, error) {
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})
	if bindErr != nil {
		return nil, fmt.Errorf("bind flags: %w", bindErr)
	}

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		return v, nil
	}

	v.SetConfigName(name)
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/buildfarm")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	return v, nil
}
