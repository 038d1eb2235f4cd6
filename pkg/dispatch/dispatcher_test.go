package dispatch

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vyvo/buildfarm/pkg/chroots"
	"github.com/vyvo/buildfarm/pkg/farm"
	"github.com/vyvo/buildfarm/pkg/librarian"
	"github.com/vyvo/buildfarm/pkg/notify"
	"github.com/vyvo/buildfarm/pkg/protocol"
)

// fakeWorker records calls and serves files from memory.
type fakeWorker struct {
	mu       sync.Mutex
	cached   []string
	builds   []protocol.BuildRequest
	aborts   int
	cleans   int
	status   protocol.StatusResponse
	files    map[string][]byte
	cacheErr error
	buildErr error
}

func (f *fakeWorker) CacheFile(_ context.Context, _ string, hash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cacheErr != nil {
		return false, f.cacheErr
	}
	f.cached = append(f.cached, hash)
	return false, nil
}

func (f *fakeWorker) Build(_ context.Context, req protocol.BuildRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buildErr != nil {
		return f.buildErr
	}
	f.builds = append(f.builds, req)
	f.status = protocol.StatusResponse{BuilderStatus: protocol.BuilderBuilding, Cookie: req.Cookie}
	return nil
}

func (f *fakeWorker) Status(context.Context) (protocol.StatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeWorker) Abort(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
	return nil
}

func (f *fakeWorker) Clean(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleans++
	f.status = protocol.StatusResponse{BuilderStatus: protocol.BuilderIdle}
	return nil
}

func (f *fakeWorker) GetFile(_ context.Context, key string, w io.Writer) error {
	f.mu.Lock()
	data, ok := f.files[key]
	f.mu.Unlock()
	if !ok {
		return protocol.ErrNotFound
	}
	_, err := w.Write(data)
	return err
}

// finish parks the fake in WAITING with a terminal report for the current
// cookie.
func (f *fakeWorker) finish(status protocol.BuildStatus, files map[string][]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hashes := make(map[string]string, len(files))
	for name, data := range files {
		h := protocol.HashBytes(data)
		hashes[name] = h
		f.files[h] = data
	}
	f.status = protocol.StatusResponse{
		BuilderStatus: protocol.BuilderWaiting,
		BuildStatus:   status,
		Cookie:        f.status.Cookie,
		Files:         hashes,
	}
}

type recordingNotifier struct {
	mu      sync.Mutex
	uploads []notify.UploadReady
	notices []notify.Notice
}

func (n *recordingNotifier) UploadReady(_ context.Context, msg notify.UploadReady) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.uploads = append(n.uploads, msg)
	return nil
}

func (n *recordingNotifier) Notice(_ context.Context, msg notify.Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, msg)
	return nil
}

type fixture struct {
	d        *Dispatcher
	repo     *farm.MemStore
	worker   *fakeWorker
	notifier *recordingNotifier
	incoming LocalIncoming
	logDir   string
	builder  farm.Builder
	job      farm.Job
	clock    *time.Time
}

var chrootHash = protocol.HashBytes([]byte("amd64 chroot"))

func newFixture(t *testing.T, hooks ...Hook) *fixture {
	t.Helper()
	ctx := context.Background()
	base := t.TempDir()

	repo := farm.NewMemStore()
	builder, err := repo.CreateBuilder(ctx, &farm.Builder{Name: "bob", URL: "http://bob", Processor: "amd64", OK: true})
	if err != nil {
		t.Fatalf("CreateBuilder: %v", err)
	}
	job, err := repo.CreateJob(ctx, &farm.Job{
		JobType:   "binarypackage",
		Processor: "amd64",
		Score:     10,
		Inputs:    []farm.InputFile{{Name: "hello.dsc", URL: "http://archive/hello.dsc", Hash: protocol.HashBytes([]byte("dsc"))}},
		Args:      map[string]string{"arch_tag": "amd64"},
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	registry := chroots.New()
	if err := registry.Set(chroots.Entry{Processor: "amd64", URL: "http://archive/chroot-amd64.tar.gz", Hash: chrootHash}); err != nil {
		t.Fatalf("Set chroot: %v", err)
	}

	lib, err := librarian.NewLocal(filepath.Join(base, "logs"))
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f := &fixture{
		repo:     repo,
		worker:   &fakeWorker{files: map[string][]byte{}},
		notifier: &recordingNotifier{},
		incoming: LocalIncoming{GrabDir: filepath.Join(base, "grabbing"), IncomingDir: filepath.Join(base, "incoming")},
		logDir:   filepath.Join(base, "logs"),
		builder:  builder,
		job:      job,
		clock:    &clock,
	}
	f.d, err = New(Options{
		Repo:            repo,
		Chroots:         registry,
		Connect:         func(farm.Builder) WorkerClient { return f.worker },
		Incoming:        f.incoming,
		Librarian:       lib,
		Notifier:        f.notifier,
		Hooks:           hooks,
		ProgressTimeout: time.Hour,
		Now:             func() time.Time { return *f.clock },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func (f *fixture) dispatch(t *testing.T) farm.Job {
	t.Helper()
	job, err := f.d.DispatchBuildToWorker(context.Background(), f.job, f.builder)
	if err != nil {
		t.Fatalf("DispatchBuildToWorker: %v", err)
	}
	f.job = job
	return job
}

func (f *fixture) reload(t *testing.T) (farm.Job, farm.Builder) {
	t.Helper()
	job, err := f.repo.GetJob(context.Background(), f.job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	builder, err := f.repo.GetBuilder(context.Background(), f.builder.ID)
	if err != nil {
		t.Fatalf("GetBuilder: %v", err)
	}
	return job, builder
}

func (f *fixture) incomingEntries(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.incoming.IncomingDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		t.Fatalf("read incoming: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestDispatchAssignsOnlyAfterAck(t *testing.T) {
	f := newFixture(t)
	job := f.dispatch(t)

	if job.Status != farm.StatusBuilding || job.BuilderID != f.builder.ID || job.Cookie == "" {
		t.Fatalf("job after dispatch: %+v", job)
	}
	if job.DateStarted == nil || job.DateFirstDispatched == nil || job.DateDispatched == nil {
		t.Fatal("dispatch dates not recorded")
	}
	_, builder := f.reload(t)
	if builder.CurrentJobID != job.ID {
		t.Fatalf("builder current job = %d", builder.CurrentJobID)
	}

	if len(f.worker.cached) != 2 || f.worker.cached[0] != chrootHash {
		t.Fatalf("cached = %v, want chroot then input", f.worker.cached)
	}
	req := f.worker.builds[0]
	if req.Cookie != job.Cookie || req.ChrootHash != chrootHash || req.BuilderType != "binarypackage" {
		t.Fatalf("build request = %+v", req)
	}
	if req.Files["hello.dsc"] != job.Inputs[0].Hash || req.Args["arch_tag"] != "amd64" {
		t.Fatalf("build request files/args = %v %v", req.Files, req.Args)
	}
}

func TestDispatchFailuresLeaveJobUntouched(t *testing.T) {
	cases := []struct {
		name     string
		setup    func(f *fixture)
		wantKind Kind
	}{
		{
			name:     "no chroot",
			setup:    func(f *fixture) { f.job.Processor = "riscv64"; f.builder.Processor = "" },
			wantKind: KindChrootMissing,
		},
		{
			name:     "transfer",
			setup:    func(f *fixture) { f.worker.cacheErr = errors.New("connection reset") },
			wantKind: KindTransfer,
		},
		{
			name:     "build start",
			setup:    func(f *fixture) { f.worker.buildErr = protocol.ErrBusy },
			wantKind: KindBuildStart,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			tc.setup(f)

			_, err := f.d.DispatchBuildToWorker(context.Background(), f.job, f.builder)
			var de *DispatchError
			if !errors.As(err, &de) || de.Kind != tc.wantKind {
				t.Fatalf("error = %v, want kind %s", err, tc.wantKind)
			}

			job, builder := f.reload(t)
			if job.Status != farm.StatusNeedsBuild || job.BuilderID != 0 || job.DateStarted != nil {
				t.Fatalf("job half-assigned: %+v", job)
			}
			if builder.CurrentJobID != 0 {
				t.Fatalf("builder assigned to %d", builder.CurrentJobID)
			}
			if len(f.notifier.notices) != 1 || f.notifier.notices[0].Kind != notify.KindDispatchFail {
				t.Fatalf("notices = %+v", f.notifier.notices)
			}
		})
	}
}

func TestNoChrootIsClassified(t *testing.T) {
	f := newFixture(t)
	f.job.Processor = "s390x"
	f.builder.Processor = ""
	_, err := f.d.DispatchBuildToWorker(context.Background(), f.job, f.builder)
	if !errors.Is(err, ErrNoChroot) {
		t.Fatalf("expected ErrNoChroot, got %v", err)
	}
}

func TestHandleStatusMapping(t *testing.T) {
	cases := []struct {
		report       protocol.BuildStatus
		want         farm.JobStatus
		wantFailures int
		wantBuilder  int
	}{
		{report: protocol.BuildPackageFail, want: farm.StatusFailedToBuild, wantFailures: 1},
		{report: protocol.BuildDepFail, want: farm.StatusManualDepWait},
		{report: protocol.BuildChrootFail, want: farm.StatusChrootWait},
		{report: protocol.BuildGivenBack, want: farm.StatusNeedsBuild},
		{report: protocol.BuildAborted, want: farm.StatusNeedsBuild},
		{report: protocol.BuildBuilderFail, want: farm.StatusNeedsBuild, wantFailures: 1, wantBuilder: 1},
	}
	for _, tc := range cases {
		t.Run(string(tc.report), func(t *testing.T) {
			f := newFixture(t)
			job := f.dispatch(t)
			f.worker.files[protocol.BuildLogKey] = []byte("build log\n")

			report := protocol.StatusResponse{
				BuilderStatus: protocol.BuilderWaiting,
				BuildStatus:   tc.report,
				Cookie:        job.Cookie,
			}
			if tc.report == protocol.BuildDepFail {
				report.Dependencies = "libfoo-dev (>> 1.2)"
			}
			resolved, err := f.d.HandleStatus(context.Background(), job, report)
			if err != nil {
				t.Fatalf("HandleStatus: %v", err)
			}
			if resolved.Status != tc.want {
				t.Fatalf("status = %s, want %s", resolved.Status, tc.want)
			}
			if resolved.FailureCount != tc.wantFailures {
				t.Fatalf("failure count = %d, want %d", resolved.FailureCount, tc.wantFailures)
			}
			if tc.report == protocol.BuildDepFail && resolved.Dependencies != "libfoo-dev (>> 1.2)" {
				t.Fatalf("dependencies = %q", resolved.Dependencies)
			}
			if tc.want == farm.StatusNeedsBuild && (resolved.BuilderID != 0 || resolved.Cookie != "") {
				t.Fatalf("reset job still attached: %+v", resolved)
			}
			if tc.want.Terminal() && resolved.DateFinished == nil {
				t.Fatal("terminal job has no finish date")
			}

			_, builder := f.reload(t)
			if builder.CurrentJobID != 0 {
				t.Fatal("builder not released")
			}
			if builder.FailureCount != tc.wantBuilder {
				t.Fatalf("builder failures = %d, want %d", builder.FailureCount, tc.wantBuilder)
			}
			if f.worker.cleans != 1 {
				t.Fatalf("cleans = %d, want 1", f.worker.cleans)
			}
		})
	}
}

func TestHandleStatusSuccessPublishesAtomically(t *testing.T) {
	f := newFixture(t)
	job := f.dispatch(t)
	f.worker.files[protocol.BuildLogKey] = []byte("build ok\n")
	f.worker.finish(protocol.BuildOK, map[string][]byte{
		"hello_1.0_amd64.changes": []byte("Files:\n x 1 a b hello_1.0_amd64.deb\n"),
		"hello_1.0_amd64.deb":     []byte("debian-binary"),
	})
	report, _ := f.worker.Status(context.Background())

	resolved, err := f.d.HandleStatus(context.Background(), job, report)
	if err != nil {
		t.Fatalf("HandleStatus: %v", err)
	}
	if resolved.Status != farm.StatusUploading {
		t.Fatalf("status = %s, want UPLOADING", resolved.Status)
	}
	if !strings.HasPrefix(resolved.LogURL, "file://") {
		t.Fatalf("log url = %q", resolved.LogURL)
	}

	dirs := f.incomingEntries(t)
	want := "20240301-120000-" + job.Cookie
	if len(dirs) != 1 || dirs[0] != want {
		t.Fatalf("incoming = %v, want [%s]", dirs, want)
	}
	deb, err := os.ReadFile(filepath.Join(f.incoming.IncomingDir, want, "hello_1.0_amd64.deb"))
	if err != nil || string(deb) != "debian-binary" {
		t.Fatalf("published deb = %q, %v", deb, err)
	}
	if staged, _ := os.ReadDir(f.incoming.GrabDir); len(staged) != 0 {
		t.Fatalf("staging dir not empty: %v", staged)
	}

	if len(f.notifier.uploads) != 1 || f.notifier.uploads[0].Directory != filepath.Join(f.incoming.IncomingDir, want) {
		t.Fatalf("uploads = %+v", f.notifier.uploads)
	}
	if len(f.notifier.uploads[0].Files) != 2 {
		t.Fatalf("upload files = %v", f.notifier.uploads[0].Files)
	}
}

func TestGrabIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	job := f.dispatch(t)
	f.worker.finish(protocol.BuildOK, map[string][]byte{
		"a.changes": []byte("manifest"),
		"b.deb":     []byte("package"),
	})
	report, _ := f.worker.Status(context.Background())
	// The worker lost one of the files it declared.
	delete(f.worker.files, report.Files["b.deb"])

	if _, err := f.d.HandleStatus(context.Background(), job, report); err == nil {
		t.Fatal("expected grab failure")
	}
	if dirs := f.incomingEntries(t); len(dirs) != 0 {
		t.Fatalf("partial upload visible: %v", dirs)
	}
	if staged, _ := os.ReadDir(f.incoming.GrabDir); len(staged) != 0 {
		t.Fatalf("staging not discarded: %v", staged)
	}
	current, _ := f.reload(t)
	if current.Status != farm.StatusBuilding {
		t.Fatalf("status = %s, want BUILDING until the grab succeeds", current.Status)
	}
}

func TestGrabRejectsCorruptContent(t *testing.T) {
	f := newFixture(t)
	job := f.dispatch(t)
	f.worker.finish(protocol.BuildOK, map[string][]byte{"a.deb": []byte("package")})
	report, _ := f.worker.Status(context.Background())
	f.worker.files[report.Files["a.deb"]] = []byte("tampered")

	_, err := f.d.HandleStatus(context.Background(), job, report)
	if !errors.Is(err, protocol.ErrHashMismatch) {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}
	if dirs := f.incomingEntries(t); len(dirs) != 0 {
		t.Fatalf("corrupt upload visible: %v", dirs)
	}
}

func TestHandleStatusTwiceIsRejected(t *testing.T) {
	f := newFixture(t)
	job := f.dispatch(t)
	report := protocol.StatusResponse{BuilderStatus: protocol.BuilderWaiting, BuildStatus: protocol.BuildPackageFail, Cookie: job.Cookie}

	if _, err := f.d.HandleStatus(context.Background(), job, report); err != nil {
		t.Fatalf("first HandleStatus: %v", err)
	}
	_, err := f.d.HandleStatus(context.Background(), job, report)
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	current, _ := f.reload(t)
	if current.FailureCount != 1 {
		t.Fatalf("failure count = %d, status applied twice", current.FailureCount)
	}
}

func TestHandleStatusRejectsStaleCookie(t *testing.T) {
	f := newFixture(t)
	job := f.dispatch(t)
	report := protocol.StatusResponse{BuilderStatus: protocol.BuilderWaiting, BuildStatus: protocol.BuildOK, Cookie: "previous-attempt"}
	if _, err := f.d.HandleStatus(context.Background(), job, report); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestUnknownStatusIsFatal(t *testing.T) {
	f := newFixture(t)
	job := f.dispatch(t)
	f.worker.mu.Lock()
	f.worker.status.BuilderStatus = protocol.BuilderWaiting
	f.worker.status.BuildStatus = "MAYBE"
	f.worker.mu.Unlock()

	// Repeated polls must not keep hitting the same broken report.
	for i := 0; i < 3; i++ {
		err := f.d.Poll(context.Background(), job, f.builder)
		if i == 0 && !errors.Is(err, ErrUnknownStatus) {
			t.Fatalf("expected ErrUnknownStatus, got %v", err)
		}
	}

	current, builder := f.reload(t)
	if current.Status != farm.StatusNeedsBuild || current.BuilderID != 0 {
		t.Fatalf("job = %s on builder %d, want NEEDSBUILD and detached", current.Status, current.BuilderID)
	}
	if builder.CurrentJobID != 0 || builder.FailureCount != 1 {
		t.Fatalf("builder = %+v, want released with one failure", builder)
	}
	if f.worker.aborts != 1 || f.worker.cleans != 1 {
		t.Fatalf("worker aborts %d cleans %d, want 1 and 1", f.worker.aborts, f.worker.cleans)
	}
	if len(f.notifier.notices) != 1 || f.notifier.notices[0].Kind != notify.KindBuilderFail {
		t.Fatalf("notices = %+v", f.notifier.notices)
	}
}

func TestCancelDuringUploadWins(t *testing.T) {
	var f *fixture
	f = newFixture(t, func(ctx context.Context, job farm.Job) error {
		_, err := f.d.RequestCancel(ctx, job.ID)
		return err
	})
	job := f.dispatch(t)
	f.worker.finish(protocol.BuildOK, map[string][]byte{"a.deb": []byte("package")})
	report, _ := f.worker.Status(context.Background())

	resolved, err := f.d.HandleStatus(context.Background(), job, report)
	if err != nil {
		t.Fatalf("HandleStatus: %v", err)
	}
	if resolved.Status != farm.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", resolved.Status)
	}
	if dirs := f.incomingEntries(t); len(dirs) != 0 {
		t.Fatalf("cancelled build uploaded: %v", dirs)
	}
	if staged, _ := os.ReadDir(f.incoming.GrabDir); len(staged) != 0 {
		t.Fatalf("staging not discarded: %v", staged)
	}
	if len(f.notifier.uploads) != 0 {
		t.Fatalf("uploads = %+v", f.notifier.uploads)
	}
	if _, builder := f.reload(t); builder.CurrentJobID != 0 {
		t.Fatalf("builder still holds job %d", builder.CurrentJobID)
	}
}

func TestHookFailureFailsUpload(t *testing.T) {
	var ran []string
	first := errors.New("pocket closed")
	f := newFixture(t,
		func(context.Context, farm.Job) error { ran = append(ran, "check-pocket"); return first },
		func(context.Context, farm.Job) error { ran = append(ran, "never"); return errors.New("second") },
	)
	job := f.dispatch(t)
	f.worker.finish(protocol.BuildOK, map[string][]byte{"a.deb": []byte("package")})
	report, _ := f.worker.Status(context.Background())

	resolved, err := f.d.HandleStatus(context.Background(), job, report)
	if err != nil {
		t.Fatalf("HandleStatus: %v", err)
	}
	if resolved.Status != farm.StatusFailedToUpload {
		t.Fatalf("status = %s, want FAILEDTOUPLOAD", resolved.Status)
	}
	if len(ran) != 1 {
		t.Fatalf("hooks ran = %v, later hooks must be discarded", ran)
	}
	if dirs := f.incomingEntries(t); len(dirs) != 0 {
		t.Fatalf("upload published despite hook failure: %v", dirs)
	}
	if len(f.notifier.notices) != 1 || f.notifier.notices[0].Message != first.Error() {
		t.Fatalf("notices = %+v", f.notifier.notices)
	}
	if len(f.notifier.uploads) != 0 {
		t.Fatal("upload-ready published despite hook failure")
	}
}

func TestCancellation(t *testing.T) {
	t.Run("waiting job", func(t *testing.T) {
		f := newFixture(t)
		job, err := f.d.RequestCancel(context.Background(), f.job.ID)
		if err != nil || job.Status != farm.StatusCancelled {
			t.Fatalf("RequestCancel = %s, %v", job.Status, err)
		}
		if f.worker.aborts != 0 {
			t.Fatal("aborted a worker for a waiting job")
		}
	})

	t.Run("cancelling wins over success", func(t *testing.T) {
		f := newFixture(t)
		job := f.dispatch(t)
		cancelled, err := f.d.RequestCancel(context.Background(), job.ID)
		if err != nil || cancelled.Status != farm.StatusCancelling {
			t.Fatalf("RequestCancel = %s, %v", cancelled.Status, err)
		}
		if f.worker.aborts != 1 {
			t.Fatalf("aborts = %d, want 1", f.worker.aborts)
		}

		f.worker.finish(protocol.BuildOK, map[string][]byte{"a.deb": []byte("package")})
		report, _ := f.worker.Status(context.Background())
		resolved, err := f.d.HandleStatus(context.Background(), cancelled, report)
		if err != nil {
			t.Fatalf("HandleStatus: %v", err)
		}
		if resolved.Status != farm.StatusCancelled {
			t.Fatalf("status = %s, want CANCELLED", resolved.Status)
		}
		if dirs := f.incomingEntries(t); len(dirs) != 0 {
			t.Fatalf("cancelled build uploaded: %v", dirs)
		}
	})

	t.Run("finished job", func(t *testing.T) {
		f := newFixture(t)
		job := f.dispatch(t)
		report := protocol.StatusResponse{BuilderStatus: protocol.BuilderWaiting, BuildStatus: protocol.BuildPackageFail, Cookie: job.Cookie}
		if _, err := f.d.HandleStatus(context.Background(), job, report); err != nil {
			t.Fatalf("HandleStatus: %v", err)
		}
		if _, err := f.d.RequestCancel(context.Background(), job.ID); !errors.Is(err, farm.ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
	})
}

func TestPollTimesOutSilentBuild(t *testing.T) {
	f := newFixture(t)
	job := f.dispatch(t)
	ctx := context.Background()
	f.worker.status.LogTail = "compiling\n"

	if err := f.d.Poll(ctx, job, f.builder); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	*f.clock = f.clock.Add(30 * time.Minute)
	f.worker.status.LogTail = "still compiling\n"
	if err := f.d.Poll(ctx, job, f.builder); err != nil {
		t.Fatalf("poll with progress: %v", err)
	}

	*f.clock = f.clock.Add(2 * time.Hour)
	err := f.d.Poll(ctx, job, f.builder)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if f.worker.aborts != 1 {
		t.Fatalf("aborts = %d, want 1", f.worker.aborts)
	}
	if n := len(f.notifier.notices); n != 1 || f.notifier.notices[0].Kind != notify.KindTimeout {
		t.Fatalf("notices = %+v", f.notifier.notices)
	}

	// The aborted attempt reports and goes back to the queue.
	f.worker.finish(protocol.BuildAborted, nil)
	if err := f.d.Poll(ctx, job, f.builder); err != nil {
		t.Fatalf("poll after abort: %v", err)
	}
	current, _ := f.reload(t)
	if current.Status != farm.StatusNeedsBuild {
		t.Fatalf("status = %s, want NEEDSBUILD", current.Status)
	}
}

func TestPollIdleWorkerLostBuild(t *testing.T) {
	f := newFixture(t)
	job := f.dispatch(t)
	f.worker.status = protocol.StatusResponse{BuilderStatus: protocol.BuilderIdle}

	if err := f.d.Poll(context.Background(), job, f.builder); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	current, builder := f.reload(t)
	if current.Status != farm.StatusNeedsBuild || current.FailureCount != 1 {
		t.Fatalf("job = %s failures %d", current.Status, current.FailureCount)
	}
	if builder.CurrentJobID != 0 || builder.FailureCount != 1 {
		t.Fatalf("builder = %+v", builder)
	}
}

func TestSessionTickDispatchesAndResolves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.worker.status = protocol.StatusResponse{BuilderStatus: protocol.BuilderIdle}
	session := f.d.Session(f.builder.ID)

	if err := session.Tick(ctx); err != nil {
		t.Fatalf("dispatch tick: %v", err)
	}
	job, _ := f.reload(t)
	if job.Status != farm.StatusBuilding {
		t.Fatalf("status = %s, want BUILDING", job.Status)
	}
	f.job = job

	f.worker.files[protocol.BuildLogKey] = []byte("log")
	f.worker.finish(protocol.BuildPackageFail, nil)
	if err := session.Tick(ctx); err != nil {
		t.Fatalf("poll tick: %v", err)
	}
	job, builder := f.reload(t)
	if job.Status != farm.StatusFailedToBuild || builder.CurrentJobID != 0 {
		t.Fatalf("after tick: job %s, builder job %d", job.Status, builder.CurrentJobID)
	}

	// Nothing left to do.
	if err := session.Tick(ctx); err != nil {
		t.Fatalf("idle tick: %v", err)
	}
	if len(f.worker.builds) != 1 {
		t.Fatalf("builds = %d, want 1", len(f.worker.builds))
	}
}

func TestSessionSkipsManualBuilder(t *testing.T) {
	f := newFixture(t)
	if _, err := f.repo.UpdateBuilder(context.Background(), f.builder.ID, func(b *farm.Builder) error {
		b.Manual = true
		return nil
	}); err != nil {
		t.Fatalf("UpdateBuilder: %v", err)
	}
	if err := f.d.Session(f.builder.ID).Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(f.worker.builds) != 0 {
		t.Fatal("dispatched to a manual builder")
	}
}

func TestSessionFollowsBuildOnManualBuilder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.dispatch(t)
	if _, err := f.repo.UpdateBuilder(ctx, f.builder.ID, func(b *farm.Builder) error {
		b.Manual = true
		return nil
	}); err != nil {
		t.Fatalf("UpdateBuilder: %v", err)
	}
	f.worker.files[protocol.BuildLogKey] = []byte("log")
	f.worker.finish(protocol.BuildPackageFail, nil)

	if err := f.d.Session(f.builder.ID).Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	job, builder := f.reload(t)
	if job.Status != farm.StatusFailedToBuild || builder.CurrentJobID != 0 {
		t.Fatalf("after tick: job %s, builder job %d", job.Status, builder.CurrentJobID)
	}
	if !builder.Manual {
		t.Fatal("builder lost its manual flag")
	}
}

func TestManagerStartsSessionsForNewBuilders(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The original builder never takes the job.
	if _, err := f.repo.UpdateBuilder(ctx, f.builder.ID, func(b *farm.Builder) error {
		b.Manual = true
		return nil
	}); err != nil {
		t.Fatalf("UpdateBuilder: %v", err)
	}
	late := &fakeWorker{files: map[string][]byte{}, status: protocol.StatusResponse{BuilderStatus: protocol.BuilderIdle}}
	f.d.connect = func(b farm.Builder) WorkerClient {
		if b.Name == "carol" {
			return late
		}
		return f.worker
	}

	done := make(chan error, 1)
	go func() { done <- NewManager(f.d, 10*time.Millisecond).Run(ctx) }()

	carol, err := f.repo.CreateBuilder(ctx, &farm.Builder{Name: "carol", URL: "http://carol", Processor: "amd64", OK: true})
	if err != nil {
		t.Fatalf("CreateBuilder: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		job, err := f.repo.GetJob(ctx, f.job.ID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if job.Status == farm.StatusBuilding {
			if job.BuilderID != carol.ID {
				t.Fatalf("job went to builder %d, want %d", job.BuilderID, carol.ID)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("builder registered after start never received a session")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	late.mu.Lock()
	defer late.mu.Unlock()
	if len(late.builds) != 1 {
		t.Fatalf("builds on new builder = %d, want 1", len(late.builds))
	}
}
