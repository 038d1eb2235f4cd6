package estimator

import "github.com/vyvo/buildfarm/pkg/farm"

// FromRecords builds a snapshot from job and builder records. jobs should
// hold the waiting jobs and the jobs currently assigned to builders.
func FromRecords(jobs []farm.Job, builders []farm.Builder) Snapshot {
	byID := make(map[int64]farm.Job, len(jobs))
	var snap Snapshot
	for _, j := range jobs {
		byID[j.ID] = j
		if j.Status == farm.StatusNeedsBuild {
			snap.Waiting = append(snap.Waiting, FromJob(j))
		}
	}
	for _, b := range builders {
		if !b.Available() {
			continue
		}
		entry := Builder{Platform: b.Platform()}
		if b.CurrentJobID != 0 {
			running := Running{}
			if j, ok := byID[b.CurrentJobID]; ok {
				running.EstimatedDuration = j.EstimatedDuration
				switch {
				case j.DateDispatched != nil:
					running.Started = *j.DateDispatched
				case j.DateStarted != nil:
					running.Started = *j.DateStarted
				}
			}
			entry.Running = &running
		}
		snap.Builders = append(snap.Builders, entry)
	}
	return snap
}

// FromJob converts a job record to the estimator's view of it.
func FromJob(j farm.Job) Job {
	return Job{
		ID:                j.ID,
		Platform:          j.Platform(),
		Score:             j.Score,
		EstimatedDuration: j.EstimatedDuration,
	}
}
