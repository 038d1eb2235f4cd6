package farm

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a job or builder does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidTransition is returned when a status change is not allowed
	// from the record's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// JobStatus represents the lifecycle state of a build job.
type JobStatus string

const (
	StatusNeedsBuild     JobStatus = "NEEDSBUILD"
	StatusBuilding       JobStatus = "BUILDING"
	StatusUploading      JobStatus = "UPLOADING"
	StatusFullyBuilt     JobStatus = "FULLYBUILT"
	StatusFailedToBuild  JobStatus = "FAILEDTOBUILD"
	StatusManualDepWait  JobStatus = "MANUALDEPWAIT"
	StatusChrootWait     JobStatus = "CHROOTWAIT"
	StatusCancelling     JobStatus = "CANCELLING"
	StatusCancelled      JobStatus = "CANCELLED"
	StatusSuperseded     JobStatus = "SUPERSEDED"
	StatusFailedToUpload JobStatus = "FAILEDTOUPLOAD"
)

// transitions lists the statuses reachable from each status. Statuses with
// no entry are final.
var transitions = map[JobStatus][]JobStatus{
	StatusNeedsBuild: {StatusBuilding, StatusCancelled, StatusSuperseded},
	StatusBuilding: {
		StatusUploading, StatusFailedToBuild, StatusManualDepWait, StatusChrootWait,
		StatusFailedToUpload, StatusCancelling, StatusNeedsBuild,
	},
	StatusCancelling:     {StatusCancelled},
	StatusUploading:      {StatusFullyBuilt, StatusFailedToUpload},
	StatusFailedToBuild:  {StatusNeedsBuild},
	StatusManualDepWait:  {StatusNeedsBuild},
	StatusChrootWait:     {StatusNeedsBuild},
	StatusFailedToUpload: {StatusNeedsBuild},
}

// CanTransition reports whether a job may move from s to next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, candidate := range transitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status ends a build attempt.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusFullyBuilt, StatusFailedToBuild, StatusManualDepWait, StatusChrootWait,
		StatusCancelled, StatusSuperseded, StatusFailedToUpload:
		return true
	}
	return false
}

// Platform is the capability pair a job requires and a builder offers. An
// empty Processor means any processor.
type Platform struct {
	Processor   string `json:"processor,omitempty"`
	Virtualized bool   `json:"virtualized"`
}

// Independent reports whether the platform is not tied to a processor.
func (p Platform) Independent() bool {
	return p.Processor == ""
}

// Competes reports whether jobs on p and other fight over the same builders:
// the virtualization flag must match and either the processors are equal or
// one side is processor independent.
func (p Platform) Competes(other Platform) bool {
	if p.Virtualized != other.Virtualized {
		return false
	}
	return p.Independent() || other.Independent() || p.Processor == other.Processor
}

func (p Platform) String() string {
	proc := p.Processor
	if proc == "" {
		proc = "any"
	}
	if p.Virtualized {
		return proc + "/virtual"
	}
	return proc + "/native"
}

// InputFile is a build input transferred to the worker by content hash.
type InputFile struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Hash string `json:"hash"`
}

// Job is one build request and its lifecycle state.
type Job struct {
	ID                  int64             `json:"id"`
	JobType             string            `json:"job_type"`
	Status              JobStatus         `json:"status"`
	Processor           string            `json:"processor,omitempty"`
	Virtualized         bool              `json:"virtualized"`
	Score               int               `json:"score"`
	BuilderID           int64             `json:"builder_id,omitempty"`
	Cookie              string            `json:"cookie,omitempty"`
	DateCreated         time.Time         `json:"date_created"`
	DateStarted         *time.Time        `json:"date_started,omitempty"`
	DateFinished        *time.Time        `json:"date_finished,omitempty"`
	DateFirstDispatched *time.Time        `json:"date_first_dispatched,omitempty"`
	DateDispatched      *time.Time        `json:"date_dispatched,omitempty"`
	FailureCount        int               `json:"failure_count"`
	EstimatedDuration   time.Duration     `json:"estimated_duration"`
	Inputs              []InputFile       `json:"inputs,omitempty"`
	Args                map[string]string `json:"args,omitempty"`
	Dependencies        string            `json:"dependencies,omitempty"`
	LogURL              string            `json:"log_url,omitempty"`
}

// Platform returns the capability pair the job requires.
func (j *Job) Platform() Platform {
	return Platform{Processor: j.Processor, Virtualized: j.Virtualized}
}

// Rescore changes the priority of a job that is still waiting.
func (j *Job) Rescore(score int) error {
	if j.Status != StatusNeedsBuild {
		return fmt.Errorf("rescore job %d in %s: %w", j.ID, j.Status, ErrInvalidTransition)
	}
	j.Score = score
	return nil
}

// MarkDispatched records an acknowledged dispatch to builderID.
func (j *Job) MarkDispatched(builderID int64, cookie string, now time.Time) error {
	if !j.Status.CanTransition(StatusBuilding) {
		return fmt.Errorf("dispatch job %d in %s: %w", j.ID, j.Status, ErrInvalidTransition)
	}
	j.Status = StatusBuilding
	j.BuilderID = builderID
	j.Cookie = cookie
	at := now
	j.DateDispatched = &at
	if j.DateStarted == nil {
		j.DateStarted = &at
	}
	if j.DateFirstDispatched == nil {
		j.DateFirstDispatched = &at
	}
	return nil
}

// SetStatus moves the job to next, stamping date_finished the first time a
// terminal status is reached after the job started.
func (j *Job) SetStatus(next JobStatus, now time.Time) error {
	if !j.Status.CanTransition(next) {
		return fmt.Errorf("job %d %s -> %s: %w", j.ID, j.Status, next, ErrInvalidTransition)
	}
	j.Status = next
	if next.Terminal() && j.DateStarted != nil && j.DateFinished == nil {
		at := now
		j.DateFinished = &at
	}
	return nil
}

// Reset returns the job to the queue, detaching it from its builder.
func (j *Job) Reset() error {
	if !j.Status.CanTransition(StatusNeedsBuild) {
		return fmt.Errorf("reset job %d in %s: %w", j.ID, j.Status, ErrInvalidTransition)
	}
	j.Status = StatusNeedsBuild
	j.BuilderID = 0
	j.Cookie = ""
	j.DateDispatched = nil
	j.Dependencies = ""
	return nil
}

// Builder is a worker machine capable of running one job at a time.
type Builder struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	URL          string `json:"url"`
	Processor    string `json:"processor,omitempty"`
	Virtualized  bool   `json:"virtualized"`
	OK           bool   `json:"ok"`
	Manual       bool   `json:"manual"`
	CurrentJobID int64  `json:"current_job_id,omitempty"`
	FailureCount int    `json:"failure_count"`
	FailNotes    string `json:"fail_notes,omitempty"`
}

// Platform returns the capability pair the builder offers.
func (b *Builder) Platform() Platform {
	return Platform{Processor: b.Processor, Virtualized: b.Virtualized}
}

// Available reports whether the builder takes part in automatic dispatch.
func (b *Builder) Available() bool {
	return b.OK && !b.Manual
}

// Idle reports whether the builder is available and has no assigned job.
func (b *Builder) Idle() bool {
	return b.Available() && b.CurrentJobID == 0
}

// CanRun reports whether the builder's capabilities satisfy the job.
func (b *Builder) CanRun(p Platform) bool {
	if b.Virtualized != p.Virtualized {
		return false
	}
	return p.Independent() || b.Processor == "" || b.Processor == p.Processor
}

// Assign marks the builder busy with jobID.
func (b *Builder) Assign(jobID int64) error {
	if b.CurrentJobID != 0 && b.CurrentJobID != jobID {
		return fmt.Errorf("builder %s already building job %d: %w", b.Name, b.CurrentJobID, ErrInvalidTransition)
	}
	b.CurrentJobID = jobID
	return nil
}

// Release frees the builder for reassignment.
func (b *Builder) Release() {
	b.CurrentJobID = 0
}

// RecordFailure counts an infrastructure failure against the builder.
func (b *Builder) RecordFailure(note string) {
	b.FailureCount++
	b.FailNotes = note
}
