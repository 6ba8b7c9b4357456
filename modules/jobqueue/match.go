package jobqueue

// match.go selects work for a polling miner. Selection and the
// QUEUED→RUNNING transition happen inside one store transaction, so two
// concurrent polls can never be handed the same job.

import (
	"github.com/tensorgrid/tensorgrid/modules"
	"github.com/tensorgrid/tensorgrid/types"
)

// managedMatch assigns the oldest eligible QUEUED job to the miner, or
// returns nil when nothing is eligible. Nothing-eligible is not an error;
// the poll surface turns it into an empty response.
func (jq *JobQueue) managedMatch(minerID types.MinerID) (*types.Job, error) {
	now := jq.clock.Now()
	var matched *types.Job
	err := jq.store.Update(func(tx modules.StoreTx) error {
		matched = nil
		miner, err := tx.Miner(minerID)
		if err != nil {
			return err
		}
		// DRAINING and OFFLINE miners receive no new work. A full miner
		// keeps waiting.
		if miner.Status != types.MinerOnline {
			return nil
		}
		if miner.Inflight >= miner.Concurrency {
			return nil
		}

		// QueuedJobs is ordered (requested_at, job_id) ascending, which is
		// exactly the matcher's preference order.
		queued, err := tx.QueuedJobs()
		if err != nil {
			return err
		}
		for _, job := range queued {
			// Leave overdue jobs for the expiry pass rather than racing it.
			if job.ExpiresAt <= now {
				continue
			}
			if !miner.Eligible(job.Constraints) {
				continue
			}

			job.State = types.JobRunning
			job.AssignedMiner = miner.ID
			job.StartedAt = now
			// A requeued job already carries its next attempt number; a
			// fresh job starts attempt 1 here.
			if job.Attempts == 0 {
				job.Attempts = 1
			}
			if err := tx.PutJob(job); err != nil {
				return err
			}
			if err := tx.AppendAttempt(types.Attempt{
				JobID:     job.ID,
				Number:    job.Attempts,
				MinerID:   miner.ID,
				StartedAt: now,
			}); err != nil {
				return err
			}

			miner.Inflight++
			if miner.Inflight > miner.Concurrency {
				jq.log.Critical("miner", miner.ID, "assigned past its concurrency")
			}
			if err := tx.PutMiner(miner); err != nil {
				return err
			}
			matched = &job
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matched, nil
}
