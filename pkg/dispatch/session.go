package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vyvo/buildfarm/pkg/farm"
	"github.com/vyvo/buildfarm/pkg/protocol"
)

// Session drives one builder: each tick either polls its running attempt or
// hands it the best waiting job it can run.
type Session struct {
	d         *Dispatcher
	builderID int64
}

func (d *Dispatcher) Session(builderID int64) *Session {
	return &Session{d: d, builderID: builderID}
}

// Tick performs one round of work for the builder.
func (s *Session) Tick(ctx context.Context) error {
	builder, err := s.d.repo.GetBuilder(ctx, s.builderID)
	if err != nil {
		return err
	}
	// A running attempt is followed to the end even after the builder is
	// switched to manual or marked broken.
	if builder.CurrentJobID != 0 {
		job, err := s.d.repo.GetJob(ctx, builder.CurrentJobID)
		if err != nil {
			return err
		}
		return s.d.Poll(ctx, job, builder)
	}
	if !builder.Available() {
		return nil
	}

	job, err := s.d.repo.NextCandidate(ctx, builder)
	if errors.Is(err, farm.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.ensureIdle(ctx, builder); err != nil {
		return err
	}
	_, err = s.d.DispatchBuildToWorker(ctx, job, builder)
	return err
}

// ensureIdle brings a worker the master believes free back to IDLE. A
// worker still holding an old attempt's result is cleaned; one still
// building something unknown is aborted and skipped this tick.
func (s *Session) ensureIdle(ctx context.Context, builder farm.Builder) error {
	client := s.d.connect(builder)
	st, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("status of %s: %w", builder.Name, err)
	}
	switch st.BuilderStatus {
	case protocol.BuilderIdle:
		return nil
	case protocol.BuilderWaiting:
		s.d.logger.Info("cleaning leftover attempt", "builder", builder.Name, "cookie", st.Cookie)
		return client.Clean(ctx)
	case protocol.BuilderBuilding:
		s.d.logger.Warn("aborting unassigned build", "builder", builder.Name, "cookie", st.Cookie)
		if err := client.Abort(ctx); err != nil {
			return err
		}
		return fmt.Errorf("builder %s is running an unassigned build", builder.Name)
	}
	return fmt.Errorf("builder %s is %s", builder.Name, st.BuilderStatus)
}

// Manager runs a Session per builder, each on its own ticker.
type Manager struct {
	d        *Dispatcher
	interval time.Duration
}

func NewManager(d *Dispatcher, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Manager{d: d, interval: interval}
}

// Run keeps one session going per builder and blocks until ctx is done.
// The builder list is rescanned every interval, so builders registered
// while the scheduler runs get a session of their own.
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	running := make(map[int64]bool)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if err := m.startSessions(ctx, running, &wg); err != nil && ctx.Err() == nil {
			m.d.logger.Warn("listing builders failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) startSessions(ctx context.Context, running map[int64]bool, wg *sync.WaitGroup) error {
	builders, err := m.d.repo.ListBuilders(ctx)
	if err != nil {
		return fmt.Errorf("list builders: %w", err)
	}
	for _, b := range builders {
		if running[b.ID] {
			continue
		}
		running[b.ID] = true
		m.d.logger.Info("session started", "builder", b.Name, "interval", m.interval.String())
		wg.Add(1)
		go func(b farm.Builder) {
			defer wg.Done()
			m.runSession(ctx, b)
		}(b)
	}
	return nil
}

func (m *Manager) runSession(ctx context.Context, b farm.Builder) {
	session := m.d.Session(b.ID)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if err := session.Tick(ctx); err != nil && ctx.Err() == nil {
			m.d.logger.Warn("session tick failed", "builder", b.Name, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
