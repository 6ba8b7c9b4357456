package jobqueue

// requeue.go handles miner loss. When the registry declares a miner
// OFFLINE, every RUNNING job assigned to it either returns to the queue
// (keeping its original expiry) or, once it has burned through its
// attempts, fails for good.

import (
	"github.com/tensorgrid/tensorgrid/modules"
	"github.com/tensorgrid/tensorgrid/types"
)

// OnMinerOffline requeues or abandons the RUNNING jobs of a lost miner.
// The job transitions and the miner's inflight reset commit together.
func (jq *JobQueue) OnMinerOffline(id types.MinerID) error {
	if err := jq.tg.Add(); err != nil {
		return err
	}
	defer jq.tg.Done()

	now := jq.clock.Now()
	var requeued int
	err := jq.store.Update(func(tx modules.StoreTx) error {
		requeued = 0
		jobs, err := tx.RunningJobsByMiner(id)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if job.Attempts < jq.maxAttempts {
				closed := job.Attempts
				job.State = types.JobQueued
				job.AssignedMiner = ""
				job.StartedAt = 0
				// The requeued job is stamped with the attempt it will get
				// on its next assignment.
				job.Attempts++
				if err := tx.PutJob(job); err != nil {
					return err
				}
				if err := tx.CloseAttempt(job.ID, closed, now, types.AttemptRequeued, ""); err != nil {
					return err
				}
				requeued++
				continue
			}
			job.State = types.JobFailed
			job.FinishedAt = now
			job.Error = errAbandoned
			if err := tx.PutJob(job); err != nil {
				return err
			}
			if err := tx.CloseAttempt(job.ID, job.Attempts, now, types.AttemptAbandoned, ""); err != nil {
				return err
			}
		}

		// The miner no longer runs anything; reconcile its cached counter.
		miner, err := tx.Miner(id)
		if modules.CodeOf(err) == modules.ErrCodeMinerNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if miner.Inflight < uint64(len(jobs)) {
			jq.log.Critical("miner inflight below its running assignment count for", id)
			miner.Inflight = 0
		} else {
			miner.Inflight -= uint64(len(jobs))
		}
		return tx.PutMiner(miner)
	})
	if err != nil {
		return err
	}
	if requeued > 0 {
		jq.notify.broadcast()
	}
	return nil
}
