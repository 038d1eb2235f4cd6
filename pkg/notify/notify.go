// Package notify publishes build farm events for collaborators outside the
// master: the upload processor and operators.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// UploadReady tells the upload processor that a build's files sit complete
// under Directory.
type UploadReady struct {
	JobID     int64     `json:"job_id"`
	Cookie    string    `json:"cookie"`
	Builder   string    `json:"builder"`
	Directory string    `json:"directory"`
	Files     []string  `json:"files"`
	LogURL    string    `json:"log_url,omitempty"`
	At        time.Time `json:"at"`
}

// Notice is an operator-facing message about a job or builder.
type Notice struct {
	Kind    string    `json:"kind"`
	JobID   int64     `json:"job_id,omitempty"`
	Builder string    `json:"builder,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Notice kinds.
const (
	KindHookFailed   = "hook-failed"
	KindBuilderFail  = "builder-failure"
	KindDispatchFail = "dispatch-failure"
	KindTimeout      = "timeout"
)

// Notifier delivers events.
type Notifier interface {
	UploadReady(ctx context.Context, msg UploadReady) error
	Notice(ctx context.Context, msg Notice) error
}

// Log writes events to a logger. It is the notifier used when no broker is
// configured.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "notify")}
}

func (l *Log) UploadReady(_ context.Context, msg UploadReady) error {
	l.logger.Info("upload ready", "job_id", msg.JobID, "cookie", msg.Cookie, "builder", msg.Builder, "directory", msg.Directory, "files", len(msg.Files))
	return nil
}

func (l *Log) Notice(_ context.Context, msg Notice) error {
	l.logger.Warn("operator notice", "kind", msg.Kind, "job_id", msg.JobID, "builder", msg.Builder, "message", msg.Message)
	return nil
}
