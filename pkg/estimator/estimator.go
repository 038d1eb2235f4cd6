// Package estimator predicts when a waiting build job will be handed to a
// builder. It works on an in-memory snapshot of the queue and the builder
// pool and never touches storage.
package estimator

import (
	"time"

	"github.com/vyvo/buildfarm/pkg/farm"
)

const (
	// MinimumDelay is the shortest wait ever predicted for a job.
	MinimumDelay = 5 * time.Second
	// OverdueResidual is assumed to remain for a running job that has
	// outlived its own estimate.
	OverdueResidual = 120 * time.Second
)

// Job is a waiting job as seen by the estimator.
type Job struct {
	ID                int64
	Platform          farm.Platform
	Score             int
	EstimatedDuration time.Duration
}

// Running describes the job currently occupying a builder.
type Running struct {
	Started           time.Time
	EstimatedDuration time.Duration
}

// Builder is one builder of the pool. Builders that are not ok or are in
// manual mode are left out of the snapshot.
type Builder struct {
	Platform farm.Platform
	Running  *Running
}

// Snapshot is the queue and pool state an estimate is computed from.
type Snapshot struct {
	Waiting  []Job
	Builders []Builder
}

// EstimateJobStartTime predicts when job will be dispatched. The boolean is
// false when no builder in the pool can run the job at all.
func EstimateJobStartTime(job Job, snap Snapshot, now time.Time) (time.Time, bool) {
	if countBuilders(snap.Builders, job.Platform) == 0 {
		return time.Time{}, false
	}
	delay := delayToNextBuilder(job.Platform, snap.Builders, now) + competitorDelay(job, snap)
	if delay < MinimumDelay {
		delay = MinimumDelay
	}
	return now.Add(delay), true
}

// delayToNextBuilder is zero when a matching builder is idle, otherwise the
// smallest remaining run time among the occupied builders the job could use.
func delayToNextBuilder(p farm.Platform, builders []Builder, now time.Time) time.Duration {
	var (
		best  time.Duration
		found bool
	)
	for _, b := range builders {
		if !matches(b.Platform, p) {
			continue
		}
		if b.Running == nil {
			return 0
		}
		remaining := b.Running.EstimatedDuration - now.Sub(b.Running.Started)
		if remaining < 0 {
			remaining = OverdueResidual
		}
		if !found || remaining < best {
			best, found = remaining, true
		}
	}
	return best
}

// competitorDelay sums the work queued ahead of job on competing platforms,
// spreading each platform's total over the builders that can share it.
func competitorDelay(job Job, snap Snapshot) time.Duration {
	type group struct {
		jobs    int
		total   time.Duration
		longest time.Duration
	}
	groups := make(map[farm.Platform]*group)
	for _, other := range snap.Waiting {
		if other.ID == job.ID || !ahead(other, job) {
			continue
		}
		if !job.Platform.Competes(other.Platform) {
			continue
		}
		g := groups[other.Platform]
		if g == nil {
			g = &group{}
			groups[other.Platform] = g
		}
		g.jobs++
		g.total += other.EstimatedDuration
		if other.EstimatedDuration > g.longest {
			g.longest = other.EstimatedDuration
		}
	}

	var sum time.Duration
	for platform, g := range groups {
		builders := countBuilders(snap.Builders, platform)
		if builders == 0 {
			// Nobody can run these jobs, so they never hold ours up.
			continue
		}
		denominator := g.jobs
		if builders < denominator {
			denominator = builders
		}
		delay := g.total
		if denominator > 1 {
			delay = g.total / time.Duration(denominator)
		}
		// Spreading never finishes a group before its longest job, which
		// keeps an extra competitor from shrinking the group's share.
		if delay < g.longest {
			delay = g.longest
		}
		sum += delay
	}
	return sum
}

// ahead reports whether other is dispatched before job: higher score, or
// equal score and older.
func ahead(other, job Job) bool {
	if other.Score != job.Score {
		return other.Score > job.Score
	}
	return other.ID < job.ID
}

// matches reports whether a builder offering offered can run a job that
// requires wanted.
func matches(offered, wanted farm.Platform) bool {
	if offered.Virtualized != wanted.Virtualized {
		return false
	}
	return wanted.Independent() || offered.Independent() || offered.Processor == wanted.Processor
}

func countBuilders(builders []Builder, p farm.Platform) int {
	n := 0
	for _, b := range builders {
		if matches(b.Platform, p) {
			n++
		}
	}
	return n
}
