// Package dispatch is the master side of a build: it hands jobs to workers,
// watches them, and turns each worker's terminal report into a job status.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyvo/buildfarm/pkg/chroots"
	"github.com/vyvo/buildfarm/pkg/farm"
	"github.com/vyvo/buildfarm/pkg/librarian"
	"github.com/vyvo/buildfarm/pkg/notify"
	"github.com/vyvo/buildfarm/pkg/progress"
	"github.com/vyvo/buildfarm/pkg/protocol"
	"github.com/vyvo/buildfarm/pkg/queue"
)

// DefaultProgressTimeout is how long a build may go without new log output.
const DefaultProgressTimeout = 150 * time.Minute

// WorkerClient is the master's view of one worker. *protocol.Client
// satisfies it.
type WorkerClient interface {
	CacheFile(ctx context.Context, url, hash string) (bool, error)
	Build(ctx context.Context, req protocol.BuildRequest) error
	Status(ctx context.Context) (protocol.StatusResponse, error)
	Abort(ctx context.Context) error
	Clean(ctx context.Context) error
	GetFile(ctx context.Context, key string, w io.Writer) error
}

// ChrootResolver finds the chroot for a processor. *chroots.Registry
// satisfies it.
type ChrootResolver interface {
	Get(processor string) (chroots.Entry, bool)
}

// Hook runs before a successful build's status is applied, for checks such
// as whether the target archive still accepts the upload. An error fails
// the upload.
type Hook func(ctx context.Context, job farm.Job) error

// Options wires a Dispatcher. Repo, Chroots, Connect and Incoming are
// required.
type Options struct {
	Repo            farm.Repository
	Chroots         ChrootResolver
	Connect         func(b farm.Builder) WorkerClient
	Incoming        Incoming
	Librarian       librarian.Librarian
	Notifier        notify.Notifier
	Progress        progress.Tracker
	Hooks           []Hook
	ProgressTimeout time.Duration
	Logger          *slog.Logger
	Now             func() time.Time
}

// Dispatcher holds no per-attempt state; everything lives in the repository
// so sessions for different builders can share one Dispatcher.
type Dispatcher struct {
	repo            farm.Repository
	chroots         ChrootResolver
	connect         func(b farm.Builder) WorkerClient
	incoming        Incoming
	librarian       librarian.Librarian
	notifier        notify.Notifier
	progress        progress.Tracker
	hooks           []Hook
	progressTimeout time.Duration
	logger          *slog.Logger
	tracer          trace.Tracer
	now             func() time.Time
}

func New(opts Options) (*Dispatcher, error) {
	switch {
	case opts.Repo == nil:
		return nil, errors.New("dispatcher: repository is required")
	case opts.Chroots == nil:
		return nil, errors.New("dispatcher: chroot resolver is required")
	case opts.Connect == nil:
		return nil, errors.New("dispatcher: worker connector is required")
	case opts.Incoming == nil:
		return nil, errors.New("dispatcher: incoming target is required")
	}

	d := &Dispatcher{
		repo:            opts.Repo,
		chroots:         opts.Chroots,
		connect:         opts.Connect,
		incoming:        opts.Incoming,
		librarian:       opts.Librarian,
		notifier:        opts.Notifier,
		progress:        opts.Progress,
		hooks:           append([]Hook(nil), opts.Hooks...),
		progressTimeout: opts.ProgressTimeout,
		logger:          opts.Logger,
		tracer:          otel.Tracer("github.com/vyvo/buildfarm/pkg/dispatch"),
		now:             opts.Now,
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With("component", "dispatcher")
	if d.notifier == nil {
		d.notifier = notify.NewLog(d.logger)
	}
	if d.progress == nil {
		d.progress = progress.NewMemoryTracker()
	}
	if d.progressTimeout <= 0 {
		d.progressTimeout = DefaultProgressTimeout
	}
	if d.now == nil {
		d.now = func() time.Time { return time.Now().UTC() }
	}
	return d, nil
}

// Repository exposes the store the dispatcher works against.
func (d *Dispatcher) Repository() farm.Repository { return d.repo }

// DispatchBuildToWorker sends job to builder: chroot and inputs into the
// worker's cache, then the build call. The job is marked BUILDING only once
// the worker acknowledged; on any error the records are left as they were.
func (d *Dispatcher) DispatchBuildToWorker(ctx context.Context, job farm.Job, builder farm.Builder) (farm.Job, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.build", trace.WithAttributes(
		attribute.Int64("job.id", job.ID),
		attribute.String("builder", builder.Name),
	))
	defer span.End()

	updated, err := d.dispatch(ctx, job, builder)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.reportDispatchFailure(ctx, job, builder, err)
		return farm.Job{}, err
	}
	d.logger.Info("build dispatched", "job_id", updated.ID, "builder", builder.Name, "cookie", updated.Cookie)
	return updated, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, job farm.Job, builder farm.Builder) (farm.Job, error) {
	if job.Status != farm.StatusNeedsBuild {
		return farm.Job{}, fmt.Errorf("dispatch job %d in %s: %w", job.ID, job.Status, farm.ErrInvalidTransition)
	}
	if !builder.CanRun(job.Platform()) {
		return farm.Job{}, fmt.Errorf("builder %s (%s) cannot run job %d (%s)", builder.Name, builder.Platform(), job.ID, job.Platform())
	}

	processor := job.Processor
	if processor == "" {
		processor = builder.Processor
	}
	chroot, ok := d.chroots.Get(processor)
	if !ok {
		return farm.Job{}, &DispatchError{Kind: KindChrootMissing, Err: fmt.Errorf("%s: %w", processor, ErrNoChroot)}
	}

	client := d.connect(builder)
	if _, err := client.CacheFile(ctx, chroot.URL, chroot.Hash); err != nil {
		return farm.Job{}, &DispatchError{Kind: KindTransfer, Err: err}
	}
	files := make(map[string]string, len(job.Inputs))
	for _, in := range job.Inputs {
		if _, err := client.CacheFile(ctx, in.URL, in.Hash); err != nil {
			return farm.Job{}, &DispatchError{Kind: KindTransfer, Err: err}
		}
		files[in.Name] = in.Hash
	}

	cookie := uuid.NewString()
	req := protocol.BuildRequest{
		Cookie:      cookie,
		BuilderType: job.JobType,
		ChrootHash:  chroot.Hash,
		Files:       files,
		Args:        job.Args,
	}
	if err := client.Build(ctx, req); err != nil {
		return farm.Job{}, &DispatchError{Kind: KindBuildStart, Err: err}
	}

	now := d.now()
	updated, _, err := d.repo.UpdateAttempt(ctx, job.ID, builder.ID, func(j *farm.Job, b *farm.Builder) error {
		if err := j.MarkDispatched(b.ID, cookie, now); err != nil {
			return err
		}
		return b.Assign(j.ID)
	})
	if err != nil {
		// The worker is building something we could not record.
		if abortErr := client.Abort(ctx); abortErr != nil {
			d.logger.Warn("aborting unrecorded build failed", "builder", builder.Name, "cookie", cookie, "error", abortErr)
		}
		return farm.Job{}, fmt.Errorf("record dispatch of job %d: %w", job.ID, err)
	}
	if err := d.progress.Observe(ctx, progressKey(updated), "", now); err != nil {
		d.logger.Warn("recording progress failed", "job_id", updated.ID, "error", err)
	}
	return updated, nil
}

func (d *Dispatcher) reportDispatchFailure(ctx context.Context, job farm.Job, builder farm.Builder, err error) {
	d.logger.Warn("dispatch failed", "job_id", job.ID, "builder", builder.Name, "error", err)

	var de *DispatchError
	if errors.As(err, &de) && de.Kind != KindChrootMissing {
		if _, uerr := d.repo.UpdateBuilder(ctx, builder.ID, func(b *farm.Builder) error {
			b.RecordFailure(err.Error())
			return nil
		}); uerr != nil {
			d.logger.Warn("recording builder failure failed", "builder", builder.Name, "error", uerr)
		}
	}
	d.publishNotice(ctx, notify.Notice{
		Kind:    notify.KindDispatchFail,
		JobID:   job.ID,
		Builder: builder.Name,
		Message: err.Error(),
	})
}

// outcome applies a terminal report to the job and builder records.
type outcome func(j *farm.Job, b *farm.Builder, now time.Time) error

// HandleStatus resolves the job's current attempt from the worker's terminal
// report. It may only resolve an attempt once; a repeated or stale report
// returns ErrAlreadyResolved. A status outside the protocol ends the
// attempt, requeues the job and returns ErrUnknownStatus.
func (d *Dispatcher) HandleStatus(ctx context.Context, job farm.Job, report protocol.StatusResponse) (farm.Job, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.handle_status", trace.WithAttributes(
		attribute.Int64("job.id", job.ID),
		attribute.String("build.status", string(report.BuildStatus)),
	))
	defer span.End()

	updated, err := d.handleStatus(ctx, job, report)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return farm.Job{}, err
	}
	span.SetAttributes(attribute.String("job.status", string(updated.Status)))
	return updated, nil
}

func (d *Dispatcher) handleStatus(ctx context.Context, job farm.Job, report protocol.StatusResponse) (farm.Job, error) {
	current, err := d.repo.GetJob(ctx, job.ID)
	if err != nil {
		return farm.Job{}, err
	}
	if err := checkAttempt(current, report.Cookie); err != nil {
		return farm.Job{}, err
	}
	builder, err := d.repo.GetBuilder(ctx, current.BuilderID)
	if err != nil {
		return farm.Job{}, fmt.Errorf("builder of job %d: %w", current.ID, err)
	}
	logger := d.logger.With("job_id", current.ID, "builder", builder.Name, "cookie", report.Cookie)

	client := d.connect(builder)
	if !report.BuildStatus.Known() {
		return farm.Job{}, d.abandonAttempt(ctx, client, current, builder, report)
	}

	logURL, err := d.storeLog(ctx, client, current)
	if err != nil {
		logger.Warn("storing build log failed", "error", err)
	}

	var resolved farm.Job
	switch {
	case current.Status == farm.StatusCancelling:
		resolved, err = d.resolve(ctx, current, builder, logURL, func(j *farm.Job, _ *farm.Builder, now time.Time) error {
			return j.SetStatus(farm.StatusCancelled, now)
		})
	case report.BuildStatus == protocol.BuildOK:
		resolved, err = d.handleSuccess(ctx, client, current, builder, report, logURL)
	default:
		resolved, err = d.resolve(ctx, current, builder, logURL, failureOutcome(report))
	}
	if err != nil {
		return farm.Job{}, err
	}

	logger.Info("attempt resolved", "build_status", string(report.BuildStatus), "status", string(resolved.Status))
	if err := client.Clean(ctx); err != nil {
		logger.Warn("cleaning worker failed", "error", err)
	}
	if err := d.progress.Forget(ctx, progressKey(current)); err != nil {
		logger.Warn("forgetting progress failed", "error", err)
	}
	return resolved, nil
}

// abandonAttempt ends an attempt whose report broke the protocol: the job
// goes back to the queue, the builder takes the blame and the worker is
// stopped and wiped. The returned error wraps ErrUnknownStatus.
func (d *Dispatcher) abandonAttempt(ctx context.Context, client WorkerClient, job farm.Job, builder farm.Builder, report protocol.StatusResponse) error {
	logger := d.logger.With("job_id", job.ID, "builder", builder.Name, "cookie", report.Cookie)
	protoErr := fmt.Errorf("job %d reported %q: %w", job.ID, report.BuildStatus, ErrUnknownStatus)
	logger.Error("protocol error", "error", protoErr)

	_, err := d.resolve(ctx, job, builder, "", cancelledOr(func(j *farm.Job, b *farm.Builder, _ time.Time) error {
		b.RecordFailure(protoErr.Error())
		return j.Reset()
	}))
	if err != nil {
		return errors.Join(protoErr, err)
	}
	if err := client.Abort(ctx); err != nil {
		logger.Warn("aborting worker failed", "error", err)
	}
	if err := client.Clean(ctx); err != nil {
		logger.Warn("cleaning worker failed", "error", err)
	}
	if err := d.progress.Forget(ctx, progressKey(job)); err != nil {
		logger.Warn("forgetting progress failed", "error", err)
	}
	d.publishNotice(ctx, notify.Notice{Kind: notify.KindBuilderFail, JobID: job.ID, Builder: builder.Name, Message: protoErr.Error()})
	return protoErr
}

// cancelledOr resolves a cancelling job as CANCELLED and applies next to any
// other.
func cancelledOr(next outcome) outcome {
	return func(j *farm.Job, b *farm.Builder, now time.Time) error {
		if j.Status == farm.StatusCancelling {
			return j.SetStatus(farm.StatusCancelled, now)
		}
		return next(j, b, now)
	}
}

func failureOutcome(report protocol.StatusResponse) outcome {
	return func(j *farm.Job, b *farm.Builder, now time.Time) error {
		switch report.BuildStatus {
		case protocol.BuildPackageFail:
			j.FailureCount++
			return j.SetStatus(farm.StatusFailedToBuild, now)
		case protocol.BuildDepFail:
			if err := j.SetStatus(farm.StatusManualDepWait, now); err != nil {
				return err
			}
			j.Dependencies = report.Dependencies
			return nil
		case protocol.BuildChrootFail:
			return j.SetStatus(farm.StatusChrootWait, now)
		case protocol.BuildBuilderFail:
			j.FailureCount++
			b.RecordFailure(fmt.Sprintf("job %d: builder failure", j.ID))
			return j.Reset()
		case protocol.BuildGivenBack, protocol.BuildAborted:
			return j.Reset()
		}
		return fmt.Errorf("%q: %w", report.BuildStatus, ErrUnknownStatus)
	}
}

// handleSuccess grabs the declared files, runs the hooks and publishes the
// upload. A grab failure leaves the attempt open so a later poll retries.
func (d *Dispatcher) handleSuccess(ctx context.Context, client WorkerClient, job farm.Job, builder farm.Builder, report protocol.StatusResponse, logURL string) (farm.Job, error) {
	name := fmt.Sprintf("%s-%s", d.now().UTC().Format("20060102-150405"), job.Cookie)
	up, names, err := d.grab(ctx, client, name, report.Files)
	if err != nil {
		return farm.Job{}, fmt.Errorf("grab job %d: %w", job.ID, err)
	}

	if err := d.runHooks(ctx, job); err != nil {
		d.logger.Warn("pre-upload hook failed", "job_id", job.ID, "error", err)
		d.discard(job, up)
		d.publishNotice(ctx, notify.Notice{Kind: notify.KindHookFailed, JobID: job.ID, Builder: builder.Name, Message: err.Error()})
		return d.resolve(ctx, job, builder, logURL, cancelledOr(func(j *farm.Job, _ *farm.Builder, now time.Time) error {
			return j.SetStatus(farm.StatusFailedToUpload, now)
		}))
	}

	// The rename into incoming happens inside the attempt's transaction, so a
	// cancellation either lands before it and wins, or waits for it.
	var dir string
	resolved, err := d.resolve(ctx, job, builder, logURL, func(j *farm.Job, _ *farm.Builder, now time.Time) error {
		if j.Status == farm.StatusCancelling {
			return errCancelledUpload
		}
		if err := j.SetStatus(farm.StatusUploading, now); err != nil {
			return err
		}
		committed, err := up.Commit()
		if err != nil {
			return err
		}
		dir = committed
		return nil
	})
	if errors.Is(err, errCancelledUpload) {
		d.discard(job, up)
		return d.resolve(ctx, job, builder, logURL, cancelledOr(func(j *farm.Job, _ *farm.Builder, _ time.Time) error {
			return fmt.Errorf("job %d is %s: %w", j.ID, j.Status, ErrAlreadyResolved)
		}))
	}
	if err != nil {
		if dir != "" {
			d.logger.Error("upload published for an attempt that could not be resolved", "job_id", job.ID, "directory", dir, "error", err)
		} else {
			d.discard(job, up)
		}
		return farm.Job{}, err
	}

	if err := d.notifier.UploadReady(ctx, notify.UploadReady{
		JobID:     job.ID,
		Cookie:    job.Cookie,
		Builder:   builder.Name,
		Directory: dir,
		Files:     names,
		LogURL:    resolved.LogURL,
		At:        d.now(),
	}); err != nil {
		d.logger.Warn("upload notification failed", "job_id", job.ID, "error", err)
	}
	return resolved, nil
}

func (d *Dispatcher) discard(job farm.Job, up Upload) {
	if err := up.Discard(); err != nil {
		d.logger.Warn("discarding staged upload failed", "job_id", job.ID, "error", err)
	}
}

// runHooks runs every hook in order; the first failure discards the rest.
func (d *Dispatcher) runHooks(ctx context.Context, job farm.Job) error {
	q := queue.NewOrdered(ctx)
	for _, h := range d.hooks {
		h := h
		if err := q.Submit(func(ctx context.Context) error { return h(ctx, job) }); err != nil {
			break
		}
	}
	return q.Wait()
}

// resolve commits an outcome for the attempt identified by job.Cookie and
// frees the builder, all in one transaction.
func (d *Dispatcher) resolve(ctx context.Context, job farm.Job, builder farm.Builder, logURL string, apply outcome) (farm.Job, error) {
	now := d.now()
	cookie := job.Cookie
	resolved, _, err := d.repo.UpdateAttempt(ctx, job.ID, builder.ID, func(j *farm.Job, b *farm.Builder) error {
		if err := checkAttempt(*j, cookie); err != nil {
			return err
		}
		if logURL != "" {
			j.LogURL = logURL
		}
		if err := apply(j, b, now); err != nil {
			return err
		}
		if b.CurrentJobID == j.ID {
			b.Release()
		}
		return nil
	})
	return resolved, err
}

// checkAttempt reports ErrAlreadyResolved unless job is still running the
// attempt identified by cookie.
func checkAttempt(job farm.Job, cookie string) error {
	if job.Status != farm.StatusBuilding && job.Status != farm.StatusCancelling {
		return fmt.Errorf("job %d is %s: %w", job.ID, job.Status, ErrAlreadyResolved)
	}
	if cookie == "" || job.Cookie != cookie {
		return fmt.Errorf("job %d: cookie %q is not the current attempt: %w", job.ID, cookie, ErrAlreadyResolved)
	}
	return nil
}

// storeLog copies the worker's build log to the librarian.
func (d *Dispatcher) storeLog(ctx context.Context, client WorkerClient, job farm.Job) (string, error) {
	if d.librarian == nil {
		return "", nil
	}
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(client.GetFile(ctx, protocol.BuildLogKey, pw))
	}()
	loc, err := d.librarian.Store(ctx, fmt.Sprintf("buildlog_%d_%s.txt", job.ID, job.Cookie), pr)
	pr.CloseWithError(err)
	if err != nil {
		return "", err
	}
	return loc, nil
}

// Poll checks on the builder's running attempt: it resolves finished
// attempts, re-sends lost aborts and stops builds that went quiet for longer
// than the progress timeout.
func (d *Dispatcher) Poll(ctx context.Context, job farm.Job, builder farm.Builder) error {
	client := d.connect(builder)
	st, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("poll %s: %w", builder.Name, err)
	}
	logger := d.logger.With("job_id", job.ID, "builder", builder.Name)

	switch st.BuilderStatus {
	case protocol.BuilderWaiting:
		_, err := d.HandleStatus(ctx, job, st)
		if errors.Is(err, ErrAlreadyResolved) {
			logger.Warn("discarding stale report", "cookie", st.Cookie, "error", err)
			if cerr := client.Clean(ctx); cerr != nil {
				logger.Warn("cleaning worker failed", "error", cerr)
			}
		}
		return err

	case protocol.BuilderBuilding, protocol.BuilderAborting:
		if job.Status == farm.StatusCancelling && st.BuilderStatus == protocol.BuilderBuilding {
			if err := client.Abort(ctx); err != nil {
				logger.Warn("re-sending abort failed", "error", err)
			}
		}
		return d.watch(ctx, client, job, builder, st)

	case protocol.BuilderIdle:
		// The worker forgot the attempt, usually after a restart.
		logger.Warn("worker lost the build")
		lost := failureOutcome(protocol.StatusResponse{BuildStatus: protocol.BuildBuilderFail})
		_, err := d.resolve(ctx, job, builder, "", cancelledOr(lost))
		if err != nil {
			return err
		}
		d.publishNotice(ctx, notify.Notice{Kind: notify.KindBuilderFail, JobID: job.ID, Builder: builder.Name, Message: "worker idle while a build was assigned"})
		return nil
	}
	return fmt.Errorf("poll %s: builder status %q: %w", builder.Name, st.BuilderStatus, ErrUnknownStatus)
}

func (d *Dispatcher) watch(ctx context.Context, client WorkerClient, job farm.Job, builder farm.Builder, st protocol.StatusResponse) error {
	now := d.now()
	key := progressKey(job)
	if err := d.progress.Observe(ctx, key, protocol.HashBytes([]byte(st.LogTail)), now); err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	idle, err := d.progress.Idle(ctx, key, now)
	if err != nil {
		return fmt.Errorf("read progress: %w", err)
	}
	if idle <= d.progressTimeout {
		return nil
	}

	err = fmt.Errorf("job %d on %s quiet for %s: %w", job.ID, builder.Name, idle.Round(time.Second), ErrTimeout)
	d.logger.Warn("aborting stalled build", "job_id", job.ID, "builder", builder.Name, "idle", idle.String())
	if aerr := client.Abort(ctx); aerr != nil {
		d.logger.Warn("abort failed", "job_id", job.ID, "builder", builder.Name, "error", aerr)
	}
	d.publishNotice(ctx, notify.Notice{Kind: notify.KindTimeout, JobID: job.ID, Builder: builder.Name, Message: err.Error()})
	return err
}

// RequestCancel cancels a waiting job outright. A building job moves to
// CANCELLING and its worker is asked to abort; the attempt's final report
// completes the cancellation.
func (d *Dispatcher) RequestCancel(ctx context.Context, jobID int64) (farm.Job, error) {
	now := d.now()
	job, err := d.repo.UpdateJob(ctx, jobID, func(j *farm.Job) error {
		switch j.Status {
		case farm.StatusNeedsBuild:
			return j.SetStatus(farm.StatusCancelled, now)
		case farm.StatusBuilding:
			return j.SetStatus(farm.StatusCancelling, now)
		case farm.StatusCancelling:
			return nil
		}
		return fmt.Errorf("cancel job %d in %s: %w", j.ID, j.Status, farm.ErrInvalidTransition)
	})
	if err != nil {
		return farm.Job{}, err
	}

	if job.Status == farm.StatusCancelling && job.BuilderID != 0 {
		builder, err := d.repo.GetBuilder(ctx, job.BuilderID)
		if err != nil {
			return job, err
		}
		if err := d.connect(builder).Abort(ctx); err != nil {
			d.logger.Warn("abort request failed; next poll retries", "job_id", job.ID, "builder", builder.Name, "error", err)
		}
	}
	d.logger.Info("cancellation requested", "job_id", job.ID, "status", string(job.Status))
	return job, nil
}

func (d *Dispatcher) publishNotice(ctx context.Context, n notify.Notice) {
	n.At = d.now()
	if err := d.notifier.Notice(ctx, n); err != nil {
		d.logger.Warn("publishing notice failed", "kind", n.Kind, "error", err)
	}
}

func progressKey(job farm.Job) string {
	return fmt.Sprintf("%d:%s", job.ID, job.Cookie)
}

func sortedNames(files map[string]string) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
