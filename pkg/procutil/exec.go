//go:build unix

package procutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Exec runs commands in their own process group so a stop reaches every
// child the command spawned.
type Exec struct {
	Grace   time.Duration
	Timeout time.Duration
	Dir     string
	Env     []string
}

// Run executes argv, writing stdout and stderr to out. It returns the exit
// code; a process killed by a signal reports -1. When ctx ends or the
// timeout passes the process is stopped in two stages and the context error
// is returned with the exit code.
func (e Exec) Run(ctx context.Context, argv []string, out io.Writer) (int, error) {
	if len(argv) == 0 {
		return -1, errors.New("run: empty command")
	}
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Dir = e.Dir
	if len(e.Env) > 0 {
		cmd.Env = append(os.Environ(), e.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start %s: %w", argv[0], err)
	}

	term := NewTerminator(processGroup(cmd.Process.Pid), e.Grace)
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var (
		waitErr error
		ctxErr  error
	)
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		ctxErr = ctx.Err()
		_ = term.Terminate()
		waitErr = <-done
	}
	term.Exited()

	code := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return -1, fmt.Errorf("wait %s: %w", argv[0], waitErr)
		}
		code = exitErr.ExitCode()
	}
	return code, ctxErr
}

// ProcessGroup returns a Signaller for the process group led by pid. The
// process must have been started with Setpgid.
func ProcessGroup(pid int) Signaller {
	return processGroup(pid)
}

// processGroup signals every process in a group.
type processGroup int

func (pg processGroup) Signal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("unsupported signal %v", sig)
	}
	return syscall.Kill(-int(pg), s)
}
