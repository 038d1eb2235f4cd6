package estimator

import (
	"math/rand"
	"testing"
	"time"

	"github.com/vyvo/buildfarm/pkg/farm"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func virtual(proc string) farm.Platform { return farm.Platform{Processor: proc, Virtualized: true} }
func native(proc string) farm.Platform  { return farm.Platform{Processor: proc} }

func busy(p farm.Platform, remaining, estimate time.Duration) Builder {
	return Builder{Platform: p, Running: &Running{
		Started:           now.Add(remaining - estimate),
		EstimatedDuration: estimate,
	}}
}

func TestEstimateUnknownWithoutMatchingBuilder(t *testing.T) {
	job := Job{ID: 1, Platform: native("arm64"), EstimatedDuration: time.Minute}
	snap := Snapshot{
		Waiting: []Job{job},
		Builders: []Builder{
			{Platform: virtual("arm64")},
			{Platform: native("amd64")},
		},
	}
	if _, ok := EstimateJobStartTime(job, snap, now); ok {
		t.Fatalf("expected no estimate for native arm64 job")
	}
	if _, ok := EstimateJobStartTime(job, Snapshot{}, now); ok {
		t.Fatalf("expected no estimate with an empty pool")
	}
}

func TestEstimateIdleBuilderUsesMinimumDelay(t *testing.T) {
	job := Job{ID: 1, Platform: virtual("amd64"), EstimatedDuration: time.Hour}
	snap := Snapshot{Waiting: []Job{job}, Builders: []Builder{{Platform: virtual("amd64")}}}

	got, ok := EstimateJobStartTime(job, snap, now)
	if !ok {
		t.Fatalf("expected an estimate")
	}
	if want := now.Add(MinimumDelay); !got.Equal(want) {
		t.Fatalf("estimate = %v, want %v", got, want)
	}
}

func TestEstimateProcessorIndependentBehindSpecificJob(t *testing.T) {
	a := Job{ID: 2, Platform: virtual(""), Score: 100, EstimatedDuration: 300 * time.Second}
	b := Job{ID: 1, Platform: virtual("p1"), Score: 200, EstimatedDuration: 600 * time.Second}
	snap := Snapshot{
		Waiting:  []Job{a, b},
		Builders: []Builder{busy(virtual("p1"), 100*time.Second, 400*time.Second)},
	}

	got, ok := EstimateJobStartTime(a, snap, now)
	if !ok {
		t.Fatalf("expected an estimate")
	}
	if want := now.Add(700 * time.Second); !got.Equal(want) {
		t.Fatalf("estimate = %v, want %v", got.Sub(now), want.Sub(now))
	}
}

func TestEstimateOverdueJobUsesResidual(t *testing.T) {
	job := Job{ID: 1, Platform: virtual("amd64")}
	snap := Snapshot{
		Waiting:  []Job{job},
		Builders: []Builder{busy(virtual("amd64"), -10*time.Minute, 5*time.Minute)},
	}
	got, _ := EstimateJobStartTime(job, snap, now)
	if want := now.Add(OverdueResidual); !got.Equal(want) {
		t.Fatalf("estimate = %v, want %v", got.Sub(now), OverdueResidual)
	}
}

func TestEstimateTakesSoonestBuilder(t *testing.T) {
	job := Job{ID: 1, Platform: virtual("amd64")}
	snap := Snapshot{
		Waiting: []Job{job},
		Builders: []Builder{
			busy(virtual("amd64"), 400*time.Second, time.Hour),
			busy(virtual("amd64"), 90*time.Second, time.Hour),
			busy(virtual("arm64"), 10*time.Second, time.Hour),
		},
	}
	got, _ := EstimateJobStartTime(job, snap, now)
	if want := now.Add(90 * time.Second); !got.Equal(want) {
		t.Fatalf("estimate = %v, want 90s", got.Sub(now))
	}
}

func TestCompetitorDelaySpreadsOverBuilders(t *testing.T) {
	job := Job{ID: 10, Platform: virtual("amd64"), Score: 1}
	competitors := []Job{
		{ID: 1, Platform: virtual("amd64"), Score: 5, EstimatedDuration: 600 * time.Second},
		{ID: 2, Platform: virtual("amd64"), Score: 5, EstimatedDuration: 600 * time.Second},
		{ID: 3, Platform: virtual("amd64"), Score: 5, EstimatedDuration: 600 * time.Second},
		// Lower score: behind us.
		{ID: 4, Platform: virtual("amd64"), Score: 0, EstimatedDuration: time.Hour},
		// Different virtualization: never competes.
		{ID: 5, Platform: native("amd64"), Score: 9, EstimatedDuration: time.Hour},
		// Different processor: never competes with a processor-specific job.
		{ID: 6, Platform: virtual("arm64"), Score: 9, EstimatedDuration: time.Hour},
	}
	snap := Snapshot{
		Waiting: append([]Job{job}, competitors...),
		Builders: []Builder{
			{Platform: virtual("amd64")},
			{Platform: virtual("amd64")},
			{Platform: native("amd64")},
			{Platform: virtual("arm64")},
		},
	}
	// 1800s of work shared by two builders.
	got, _ := EstimateJobStartTime(job, snap, now)
	if want := now.Add(900 * time.Second); !got.Equal(want) {
		t.Fatalf("estimate = %v, want 900s", got.Sub(now))
	}
}

func TestEqualScoreOlderJobWins(t *testing.T) {
	older := Job{ID: 1, Platform: virtual("amd64"), Score: 5, EstimatedDuration: 100 * time.Second}
	newer := Job{ID: 2, Platform: virtual("amd64"), Score: 5, EstimatedDuration: 200 * time.Second}
	snap := Snapshot{Waiting: []Job{older, newer}, Builders: []Builder{{Platform: virtual("amd64")}}}

	gotOlder, _ := EstimateJobStartTime(older, snap, now)
	if !gotOlder.Equal(now.Add(MinimumDelay)) {
		t.Fatalf("older job should not wait for newer one, got %v", gotOlder.Sub(now))
	}
	gotNewer, _ := EstimateJobStartTime(newer, snap, now)
	if !gotNewer.Equal(now.Add(100 * time.Second)) {
		t.Fatalf("newer job should wait for older one, got %v", gotNewer.Sub(now))
	}
}

func TestCompetitorsWithoutBuildersIgnored(t *testing.T) {
	job := Job{ID: 10, Platform: virtual(""), Score: 1}
	snap := Snapshot{
		Waiting: []Job{
			job,
			{ID: 1, Platform: virtual("s390x"), Score: 9, EstimatedDuration: time.Hour},
		},
		Builders: []Builder{{Platform: virtual("amd64")}},
	}
	got, _ := EstimateJobStartTime(job, snap, now)
	if !got.Equal(now.Add(MinimumDelay)) {
		t.Fatalf("unbuildable competitor should be ignored, got %v", got.Sub(now))
	}
}

func TestShortCompetitorDoesNotShrinkGroup(t *testing.T) {
	job := Job{ID: 50, Platform: virtual("amd64"), Score: 1}
	builders := []Builder{
		busy(virtual("amd64"), 10*time.Second, time.Hour),
		busy(virtual("amd64"), 20*time.Second, time.Hour),
	}
	long := Job{ID: 1, Platform: virtual("amd64"), Score: 5, EstimatedDuration: 600 * time.Second}
	short := Job{ID: 2, Platform: virtual("amd64"), Score: 5, EstimatedDuration: 10 * time.Second}

	before, _ := EstimateJobStartTime(job, Snapshot{Waiting: []Job{job, long}, Builders: builders}, now)
	after, _ := EstimateJobStartTime(job, Snapshot{Waiting: []Job{job, long, short}, Builders: builders}, now)
	if want := now.Add(610 * time.Second); !before.Equal(want) || !after.Equal(want) {
		t.Fatalf("estimates = %v, %v, want 610s both", before.Sub(now), after.Sub(now))
	}
}

func TestHigherScoredCompetitorNeverDecreasesEstimate(t *testing.T) {
	platforms := []farm.Platform{virtual(""), virtual("amd64"), virtual("arm64"), native(""), native("amd64")}
	rng := rand.New(rand.NewSource(7))
	pick := func() farm.Platform { return platforms[rng.Intn(len(platforms))] }
	duration := func() time.Duration { return time.Duration(rng.Intn(3600)) * time.Second }

	for round := 0; round < 500; round++ {
		job := Job{ID: 1000, Platform: pick(), Score: 10, EstimatedDuration: duration()}
		snap := Snapshot{Waiting: []Job{job}}
		for i := rng.Intn(6) + 1; i > 0; i-- {
			b := Builder{Platform: pick()}
			if rng.Intn(2) == 0 {
				b = busy(b.Platform, duration()-10*time.Minute, duration())
			}
			snap.Builders = append(snap.Builders, b)
		}
		for i := rng.Intn(8); i > 0; i-- {
			snap.Waiting = append(snap.Waiting, Job{
				ID:                int64(i),
				Platform:          pick(),
				Score:             rng.Intn(20),
				EstimatedDuration: duration(),
			})
		}
		before, ok := EstimateJobStartTime(job, snap, now)
		if !ok {
			continue
		}

		extra := Job{ID: int64(2000 + round), Platform: pick(), Score: 11 + rng.Intn(10), EstimatedDuration: duration()}
		grown := snap
		grown.Waiting = append(append([]Job(nil), snap.Waiting...), extra)
		after, _ := EstimateJobStartTime(job, grown, now)
		if after.Before(before) {
			t.Fatalf("round %d: adding %+v moved estimate from %v to %v (snapshot %+v)",
				round, extra, before.Sub(now), after.Sub(now), snap)
		}
	}
}

func TestFromRecords(t *testing.T) {
	dispatched := now.Add(-time.Minute)
	jobs := []farm.Job{
		{ID: 1, Status: farm.StatusNeedsBuild, Processor: "amd64", Virtualized: true, Score: 3},
		{ID: 2, Status: farm.StatusBuilding, Virtualized: true, DateDispatched: &dispatched, EstimatedDuration: 5 * time.Minute},
	}
	builders := []farm.Builder{
		{ID: 1, Processor: "amd64", Virtualized: true, OK: true, CurrentJobID: 2},
		{ID: 2, Processor: "amd64", Virtualized: true, OK: false},
		{ID: 3, Processor: "amd64", Virtualized: true, OK: true, Manual: true},
	}
	snap := FromRecords(jobs, builders)
	if len(snap.Waiting) != 1 || snap.Waiting[0].ID != 1 {
		t.Fatalf("unexpected waiting jobs: %+v", snap.Waiting)
	}
	if len(snap.Builders) != 1 || snap.Builders[0].Running == nil {
		t.Fatalf("expected one busy builder, got %+v", snap.Builders)
	}
	if !snap.Builders[0].Running.Started.Equal(dispatched) {
		t.Fatalf("running start = %v", snap.Builders[0].Running.Started)
	}

	got, _ := EstimateJobStartTime(snap.Waiting[0], snap, now)
	if want := now.Add(4 * time.Minute); !got.Equal(want) {
		t.Fatalf("estimate = %v, want 4m", got.Sub(now))
	}
}
