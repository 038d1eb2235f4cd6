package farm

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore keeps jobs and builders in memory. A single mutex serialises all
// updates, which gives UpdateAttempt its all-or-nothing behaviour.
type MemStore struct {
	mu            sync.RWMutex
	jobs          map[int64]*Job
	builders      map[int64]*Builder
	nextJobID     int64
	nextBuilderID int64
}

func NewMemStore() *MemStore {
	return &MemStore{
		jobs:     make(map[int64]*Job),
		builders: make(map[int64]*Builder),
	}
}

func (s *MemStore) CreateJob(_ context.Context, job *Job) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := cloneJob(*job)
	if rec.ID == 0 {
		s.nextJobID++
		rec.ID = s.nextJobID
	} else if rec.ID > s.nextJobID {
		s.nextJobID = rec.ID
	}
	if rec.Status == "" {
		rec.Status = StatusNeedsBuild
	}
	if rec.DateCreated.IsZero() {
		rec.DateCreated = time.Now().UTC()
	}
	s.jobs[rec.ID] = &rec
	return cloneJob(rec), nil
}

func (s *MemStore) GetJob(_ context.Context, id int64) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	return cloneJob(*rec), nil
}

func (s *MemStore) UpdateJob(_ context.Context, id int64, fn func(j *Job) error) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	working := cloneJob(*rec)
	if err := fn(&working); err != nil {
		return Job{}, err
	}
	s.jobs[id] = &working
	return cloneJob(working), nil
}

func (s *MemStore) ListJobs(_ context.Context, statuses ...JobStatus) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Job, 0, len(s.jobs))
	for _, rec := range s.jobs {
		if len(statuses) > 0 && !containsStatus(statuses, rec.Status) {
			continue
		}
		result = append(result, cloneJob(*rec))
	}
	sort.Slice(result, func(i, k int) bool { return result[i].ID < result[k].ID })
	return result, nil
}

func (s *MemStore) CreateBuilder(_ context.Context, builder *Builder) (Builder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.builders {
		if existing.Name == builder.Name {
			existing.URL = builder.URL
			existing.Processor = builder.Processor
			existing.Virtualized = builder.Virtualized
			existing.Manual = builder.Manual
			return *existing, nil
		}
	}
	rec := *builder
	s.nextBuilderID++
	rec.ID = s.nextBuilderID
	s.builders[rec.ID] = &rec
	return rec, nil
}

func (s *MemStore) GetBuilder(_ context.Context, id int64) (Builder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.builders[id]
	if !ok {
		return Builder{}, fmt.Errorf("builder %d: %w", id, ErrNotFound)
	}
	return *rec, nil
}

func (s *MemStore) ListBuilders(_ context.Context) ([]Builder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Builder, 0, len(s.builders))
	for _, rec := range s.builders {
		result = append(result, *rec)
	}
	sort.Slice(result, func(i, k int) bool { return result[i].ID < result[k].ID })
	return result, nil
}

func (s *MemStore) UpdateBuilder(_ context.Context, id int64, fn func(b *Builder) error) (Builder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.builders[id]
	if !ok {
		return Builder{}, fmt.Errorf("builder %d: %w", id, ErrNotFound)
	}
	working := *rec
	if err := fn(&working); err != nil {
		return Builder{}, err
	}
	s.builders[id] = &working
	return working, nil
}

func (s *MemStore) UpdateAttempt(_ context.Context, jobID, builderID int64, fn func(j *Job, b *Builder) error) (Job, Builder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return Job{}, Builder{}, fmt.Errorf("job %d: %w", jobID, ErrNotFound)
	}
	builder, ok := s.builders[builderID]
	if !ok {
		return Job{}, Builder{}, fmt.Errorf("builder %d: %w", builderID, ErrNotFound)
	}
	workingJob := cloneJob(*job)
	workingBuilder := *builder
	if err := fn(&workingJob, &workingBuilder); err != nil {
		return Job{}, Builder{}, err
	}
	s.jobs[jobID] = &workingJob
	s.builders[builderID] = &workingBuilder
	return cloneJob(workingJob), workingBuilder, nil
}

func (s *MemStore) NextCandidate(_ context.Context, builder Builder) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *Job
	for _, rec := range s.jobs {
		if rec.Status != StatusNeedsBuild || !builder.CanRun(rec.Platform()) {
			continue
		}
		if best == nil || better(*rec, *best) {
			best = rec
		}
	}
	if best == nil {
		return Job{}, fmt.Errorf("candidate for builder %s: %w", builder.Name, ErrNotFound)
	}
	return cloneJob(*best), nil
}

func containsStatus(statuses []JobStatus, status JobStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func cloneJob(j Job) Job {
	j.Inputs = append([]InputFile(nil), j.Inputs...)
	if j.Args != nil {
		args := make(map[string]string, len(j.Args))
		for k, v := range j.Args {
			args[k] = v
		}
		j.Args = args
	}
	j.DateStarted = cloneTime(j.DateStarted)
	j.DateFinished = cloneTime(j.DateFinished)
	j.DateFirstDispatched = cloneTime(j.DateFirstDispatched)
	j.DateDispatched = cloneTime(j.DateDispatched)
	return j
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
