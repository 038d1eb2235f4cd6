//go:build unix

package eventstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/vyvo/buildfarm/pkg/procutil"
	"github.com/vyvo/buildfarm/pkg/queue"
)

// ErrTimeout is returned when the helper sent nothing for longer than the
// progress timeout.
var ErrTimeout = errors.New("helper made no progress")

// Listener receives the helper's events, one at a time and in order. An
// error stops the helper and discards events not yet delivered.
type Listener interface {
	StartMirroring(ctx context.Context) error
	MirrorSucceeded(ctx context.Context, revisionID string) error
	MirrorFailed(ctx context.Context, message, diagnosticID string) error
}

// Supervisor runs a helper process and relays the events it writes to
// stdout.
type Supervisor struct {
	Argv            []string
	Env             []string
	Dir             string
	Stderr          io.Writer
	Grace           time.Duration
	ProgressTimeout time.Duration
	Logger          *slog.Logger
}

type readResult struct {
	err error
}

// Run starts the helper and blocks until it exits. The helper is stopped
// in two stages when it sends a corrupt frame, goes quiet for longer than
// ProgressTimeout, a listener fails or ctx ends. The first of those errors
// is returned; otherwise a non-zero exit or a stream that ended without a
// terminal event is an error.
func (s *Supervisor) Run(ctx context.Context, l Listener) error {
	if len(s.Argv) == 0 {
		return errors.New("supervisor: empty command")
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "supervisor", "helper", s.Argv[0])

	cmd := exec.Command(s.Argv[0], s.Argv[1:]...)
	cmd.Dir = s.Dir
	cmd.Stderr = s.Stderr
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.Argv[0], err)
	}
	term := procutil.NewTerminator(procutil.ProcessGroup(cmd.Process.Pid), s.Grace)

	events := make(chan Event)
	readDone := make(chan readResult, 1)
	stop := make(chan struct{})
	go func() {
		for {
			ev, err := ReadEvent(stdout)
			if err != nil {
				readDone <- readResult{err: err}
				return
			}
			select {
			case events <- ev:
			case <-stop:
				readDone <- readResult{}
				return
			}
		}
	}()

	q := queue.NewOrdered(ctx)
	timeout := s.ProgressTimeout
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		failure    error
		outcome    *Event
		readFinish bool
	)
loop:
	for {
		select {
		case ev := <-events:
			resetTimer(timer, timeout)
			if outcome != nil {
				failure = fmt.Errorf("%s after %s: %w", ev.Kind, outcome.Kind, ErrProtocol)
				break loop
			}
			if ev.Terminal() {
				e := ev
				outcome = &e
			}
			logger.Debug("event", "kind", string(ev.Kind))
			if err := q.Submit(func(ctx context.Context) error { return deliver(ctx, l, ev) }); err != nil {
				failure = err
				break loop
			}
		case res := <-readDone:
			readFinish = true
			if !errors.Is(res.err, io.EOF) {
				failure = res.err
			}
			break loop
		case <-timer.C:
			failure = fmt.Errorf("%s quiet for %s: %w", s.Argv[0], timeout, ErrTimeout)
			break loop
		case <-q.Done():
			failure = q.Err()
			if failure == nil {
				failure = ctx.Err()
			}
			break loop
		}
	}
	close(stop)

	if failure != nil {
		logger.Warn("stopping helper", "error", failure)
		if err := term.Terminate(); err != nil {
			logger.Warn("terminate failed", "error", err)
		}
	}
	if !readFinish {
		<-readDone
	}
	waitErr := cmd.Wait()
	term.Exited()

	qErr := q.Wait()
	switch {
	case failure != nil:
		return failure
	case qErr != nil:
		return qErr
	case waitErr != nil:
		return fmt.Errorf("%s: %w", s.Argv[0], waitErr)
	case outcome == nil:
		return fmt.Errorf("%s exited without an outcome: %w", s.Argv[0], ErrProtocol)
	}
	return nil
}

func deliver(ctx context.Context, l Listener, ev Event) error {
	switch ev.Kind {
	case KindStartMirroring:
		return l.StartMirroring(ctx)
	case KindMirrorSucceeded:
		return l.MirrorSucceeded(ctx, ev.RevisionID)
	case KindMirrorFailed:
		return l.MirrorFailed(ctx, ev.Message, ev.DiagnosticID)
	}
	return fmt.Errorf("unknown event %q: %w", ev.Kind, ErrProtocol)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
