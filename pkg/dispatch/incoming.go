package dispatch

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Incoming is where finished builds are handed to the upload processor.
// Files are written to a staging directory first and appear in the incoming
// tree all at once.
type Incoming interface {
	Begin(name string) (Upload, error)
}

// Upload is one staged attempt.
type Upload interface {
	Create(filename string) (io.WriteCloser, error)
	// Commit atomically moves the staged directory into the incoming tree
	// and returns its final location.
	Commit() (string, error)
	Discard() error
}

// LocalIncoming stages under GrabDir and publishes under IncomingDir. Both
// must be on the same filesystem for the rename to be atomic.
type LocalIncoming struct {
	GrabDir     string
	IncomingDir string
}

func (l LocalIncoming) Begin(name string) (Upload, error) {
	if err := checkComponent(name); err != nil {
		return nil, err
	}
	dir := filepath.Join(l.GrabDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &localUpload{dir: dir, incoming: l.IncomingDir, name: name}, nil
}

type localUpload struct {
	dir      string
	incoming string
	name     string
}

func (u *localUpload) Create(filename string) (io.WriteCloser, error) {
	if err := checkComponent(filename); err != nil {
		return nil, err
	}
	return os.Create(filepath.Join(u.dir, filename))
}

func (u *localUpload) Commit() (string, error) {
	if err := os.MkdirAll(u.incoming, 0o755); err != nil {
		return "", fmt.Errorf("create incoming dir: %w", err)
	}
	dst := filepath.Join(u.incoming, u.name)
	if err := os.Rename(u.dir, dst); err != nil {
		return "", fmt.Errorf("publish %s: %w", u.name, err)
	}
	return dst, nil
}

func (u *localUpload) Discard() error {
	return os.RemoveAll(u.dir)
}

// SFTPConfig locates a remote incoming tree.
type SFTPConfig struct {
	Addr        string
	User        string
	KeyFile     string
	GrabDir     string
	IncomingDir string
}

// SFTPIncoming writes uploads to another host over SFTP and publishes them
// with a POSIX rename on the server.
type SFTPIncoming struct {
	ssh         *ssh.Client
	client      *sftp.Client
	grabDir     string
	incomingDir string
}

// DialSFTPIncoming connects with the configured key.
func DialSFTPIncoming(cfg SFTPConfig) (*SFTPIncoming, error) {
	keyData, err := os.ReadFile(expandHome(cfg.KeyFile))
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse ssh private key: %w", err)
	}

	config := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}
	conn, err := ssh.Dial("tcp", cfg.Addr, config)
	if err != nil {
		return nil, fmt.Errorf("ssh dial failed: %w", err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("start sftp: %w", err)
	}
	return &SFTPIncoming{ssh: conn, client: client, grabDir: cfg.GrabDir, incomingDir: cfg.IncomingDir}, nil
}

// NewSFTPIncoming uses an established SFTP session.
func NewSFTPIncoming(client *sftp.Client, grabDir, incomingDir string) *SFTPIncoming {
	return &SFTPIncoming{client: client, grabDir: grabDir, incomingDir: incomingDir}
}

func (s *SFTPIncoming) Begin(name string) (Upload, error) {
	if err := checkComponent(name); err != nil {
		return nil, err
	}
	dir := path.Join(s.grabDir, name)
	if err := s.client.MkdirAll(dir); err != nil {
		return nil, fmt.Errorf("create remote staging dir: %w", err)
	}
	return &sftpUpload{s: s, dir: dir, name: name}, nil
}

// Close ends the SFTP session and the SSH connection it rides on.
func (s *SFTPIncoming) Close() error {
	err := s.client.Close()
	if s.ssh != nil {
		if cerr := s.ssh.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

type sftpUpload struct {
	s    *SFTPIncoming
	dir  string
	name string
}

func (u *sftpUpload) Create(filename string) (io.WriteCloser, error) {
	if err := checkComponent(filename); err != nil {
		return nil, err
	}
	return u.s.client.Create(path.Join(u.dir, filename))
}

func (u *sftpUpload) Commit() (string, error) {
	if err := u.s.client.MkdirAll(u.s.incomingDir); err != nil {
		return "", fmt.Errorf("create remote incoming dir: %w", err)
	}
	dst := path.Join(u.s.incomingDir, u.name)
	if err := u.s.client.PosixRename(u.dir, dst); err != nil {
		return "", fmt.Errorf("publish %s: %w", u.name, err)
	}
	return dst, nil
}

func (u *sftpUpload) Discard() error {
	entries, err := u.s.client.ReadDir(u.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := u.s.client.Remove(path.Join(u.dir, e.Name())); err != nil {
			return err
		}
	}
	return u.s.client.RemoveDirectory(u.dir)
}

func checkComponent(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid path component %q", name)
	}
	return nil
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
