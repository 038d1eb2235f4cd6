// Package procutil runs subprocesses and stops them in two stages: an
// interrupt first, then a kill if the process outlives its grace period.
package procutil

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// ErrNotRunning is returned when signalling a process that already exited.
var ErrNotRunning = errors.New("process not running")

// Signaller delivers a signal to a process. *os.Process satisfies it.
type Signaller interface {
	Signal(sig os.Signal) error
}

// TermState is where a process stands in the termination sequence.
type TermState int

const (
	Running TermState = iota
	// InterruptSent means the graceful signal went out and a kill is
	// scheduled for when the grace period runs out.
	InterruptSent
	// Killed means the forceful signal went out; only the exit remains.
	Killed
	Exited
)

func (s TermState) String() string {
	switch s {
	case Running:
		return "running"
	case InterruptSent:
		return "interrupt-sent"
	case Killed:
		return "killed"
	case Exited:
		return "exited"
	}
	return fmt.Sprintf("TermState(%d)", int(s))
}

// Terminator drives the two-stage stop of one process. There is at most one
// scheduled kill, and Exited cancels it.
type Terminator struct {
	mu        sync.Mutex
	proc      Signaller
	grace     time.Duration
	state     TermState
	killTimer *time.Timer

	Interrupt os.Signal
	Kill      os.Signal
}

// NewTerminator prepares a terminator for proc. A zero grace period kills
// immediately.
func NewTerminator(proc Signaller, grace time.Duration) *Terminator {
	return &Terminator{
		proc:      proc,
		grace:     grace,
		Interrupt: os.Interrupt,
		Kill:      os.Kill,
	}
}

// State returns the current termination state.
func (t *Terminator) State() TermState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Terminate starts the stop sequence. Repeated calls while the sequence is
// under way do nothing.
func (t *Terminator) Terminate() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case Exited:
		return ErrNotRunning
	case InterruptSent, Killed:
		return nil
	}
	if t.grace <= 0 {
		return t.killLocked()
	}
	if err := t.proc.Signal(t.Interrupt); err != nil {
		// Interrupt could not be delivered; escalate right away.
		return t.killLocked()
	}
	t.state = InterruptSent
	t.killTimer = time.AfterFunc(t.grace, t.escalate)
	return nil
}

// ForceKill skips the grace period.
func (t *Terminator) ForceKill() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == Exited {
		return ErrNotRunning
	}
	if t.killTimer != nil {
		t.killTimer.Stop()
		t.killTimer = nil
	}
	return t.killLocked()
}

// Exited records that the process is gone and cancels any pending kill.
func (t *Terminator) Exited() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.killTimer != nil {
		t.killTimer.Stop()
		t.killTimer = nil
	}
	t.state = Exited
}

func (t *Terminator) escalate() {
	t.mu.Lock()
	defer t.mu.Unlock()

	// The timer may fire concurrently with Exited; the state decides.
	if t.state != InterruptSent {
		return
	}
	t.killTimer = nil
	_ = t.killLocked()
}

func (t *Terminator) killLocked() error {
	t.state = Killed
	if err := t.proc.Signal(t.Kill); err != nil {
		return fmt.Errorf("kill process: %w", err)
	}
	return nil
}
