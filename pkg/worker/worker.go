package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/vyvo/buildfarm/pkg/protocol"
)

var (
	// ErrBusy is returned when a call does not fit the worker's status.
	ErrBusy = errors.New("worker busy")
	// ErrMissingFile is returned when a build names a hash that is not cached.
	ErrMissingFile = errors.New("build input not cached")
)

// Build arguments the worker consumes itself rather than passing on.
const (
	ArgLayer   = "layer"
	ArgSources = "archives"
)

const logTailSize = 2048

var safeCookie = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Config holds the worker's filesystem layout and helper commands.
type Config struct {
	BuildRoot string
	Commands  Commands
}

// Worker owns the single build slot of a build machine.
type Worker struct {
	cfg        Config
	cache      *Cache
	runner     Runner
	classifier *Classifier
	logger     *slog.Logger

	mu      sync.Mutex
	status  protocol.BuilderStatus
	cookie  string
	machine *Machine
	result  Result
	logPath string
	done    chan struct{}
}

func New(cfg Config, cache *Cache, runner Runner, classifier *Classifier, logger *slog.Logger) (*Worker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.BuildRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create build root: %w", err)
	}
	return &Worker{
		cfg:        cfg,
		cache:      cache,
		runner:     runner,
		classifier: classifier,
		logger:     logger.With("component", "worker"),
		status:     protocol.BuilderIdle,
	}, nil
}

// Cache exposes the worker's content cache.
func (w *Worker) Cache() *Cache { return w.cache }

// StartBuild begins an attempt in the background. The worker must be idle
// and the chroot and every input must already be cached.
func (w *Worker) StartBuild(req protocol.BuildRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if !w.cache.Has(req.ChrootHash) {
		return fmt.Errorf("chroot %s: %w", req.ChrootHash, ErrMissingFile)
	}
	for name, hash := range req.Files {
		if name != filepath.Base(name) {
			return fmt.Errorf("input name %q is not a plain file name", name)
		}
		if !w.cache.Has(hash) {
			return fmt.Errorf("input %s (%s): %w", name, hash, ErrMissingFile)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != protocol.BuilderIdle {
		return ErrBusy
	}

	buildID := "build-" + safeCookie.ReplaceAllString(req.Cookie, "_")
	buildDir := filepath.Join(w.cfg.BuildRoot, buildID)
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return fmt.Errorf("create build dir: %w", err)
	}

	inputs := make([]string, 0, len(req.Files))
	for name, hash := range req.Files {
		if err := w.cache.Link(hash, filepath.Join(buildDir, name)); err != nil {
			return fmt.Errorf("stage input %s: %w", name, err)
		}
		inputs = append(inputs, name)
	}
	sort.Strings(inputs)

	logPath := filepath.Join(w.cfg.BuildRoot, buildID+".log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("create build log: %w", err)
	}

	attempt := Attempt{
		BuildID:    buildID,
		ChrootPath: w.cache.Path(req.ChrootHash),
		Args:       map[string]string{},
		Inputs:     inputs,
	}
	for k, v := range req.Args {
		switch k {
		case ArgLayer:
			attempt.Layer = v
		case ArgSources:
			attempt.Sources = strings.Fields(v)
		default:
			attempt.Args[k] = v
		}
	}
	if req.BuilderType != "" {
		attempt.Args["builder-type"] = req.BuilderType
	}

	gather := func(context.Context) (map[string]string, error) {
		return gatherArtifacts(w.cache, buildDir)
	}
	m := NewMachine(w.runner, w.cfg.Commands, w.classifier, gather, attempt, logFile, w.logger)

	w.status = protocol.BuilderBuilding
	w.cookie = req.Cookie
	w.machine = m
	w.result = Result{}
	w.logPath = logPath
	w.done = make(chan struct{})

	w.logger.Info("build started", "cookie", req.Cookie, "build_id", buildID)
	go w.run(m, logFile, w.done)
	return nil
}

func (w *Worker) run(m *Machine, logFile *os.File, done chan struct{}) {
	result := m.Run(context.Background())
	if err := logFile.Close(); err != nil {
		w.logger.Warn("closing build log", "error", err)
	}

	w.mu.Lock()
	w.result = result
	w.status = protocol.BuilderWaiting
	w.machine = nil
	cookie := w.cookie
	w.mu.Unlock()
	close(done)

	w.logger.Info("build finished", "cookie", cookie, "status", string(result.Status))
}

// Status reports the worker's current state.
func (w *Worker) Status() protocol.StatusResponse {
	w.mu.Lock()
	defer w.mu.Unlock()

	resp := protocol.StatusResponse{
		BuilderStatus: w.status,
		Cookie:        w.cookie,
	}
	if w.status == protocol.BuilderWaiting {
		resp.BuildStatus = w.result.Status
		resp.Files = w.result.Files
		resp.Dependencies = w.result.Dependencies
	}
	if w.logPath != "" {
		resp.LogTail = readTail(w.logPath, logTailSize)
	}
	return resp
}

// Abort stops the running attempt. The attempt still drains through its
// cleanup stages and then reports ABORTED.
func (w *Worker) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.status {
	case protocol.BuilderAborting:
		return nil
	case protocol.BuilderBuilding:
	default:
		return ErrBusy
	}
	if w.machine.Abort() {
		w.status = protocol.BuilderAborting
		w.logger.Info("abort requested", "cookie", w.cookie)
	}
	return nil
}

// Clean discards a finished attempt and returns the worker to IDLE.
func (w *Worker) Clean() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != protocol.BuilderWaiting {
		return ErrBusy
	}
	if w.logPath != "" {
		if err := os.Remove(w.logPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			w.logger.Warn("removing build log", "error", err)
		}
	}
	w.status = protocol.BuilderIdle
	w.cookie = ""
	w.result = Result{}
	w.logPath = ""
	return nil
}

// Wait blocks until the current attempt finishes or ctx ends.
func (w *Worker) Wait(ctx context.Context) error {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpenFile returns the build log for BuildLogKey, otherwise the cached entry
// with that hash.
func (w *Worker) OpenFile(key string) (io.ReadCloser, error) {
	if key == protocol.BuildLogKey {
		w.mu.Lock()
		path := w.logPath
		w.mu.Unlock()
		if path == "" {
			return nil, ErrNotCached
		}
		f, err := os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotCached
		}
		return f, err
	}
	return w.cache.Open(key)
}

func readTail(path string, n int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return ""
	}
	off := info.Size() - n
	if off < 0 {
		off = 0
	}
	buf := make([]byte, info.Size()-off)
	if _, err := f.ReadAt(buf, off); err != nil && !errors.Is(err, io.EOF) {
		return ""
	}
	return string(buf)
}
