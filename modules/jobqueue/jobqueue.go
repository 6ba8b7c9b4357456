// Package jobqueue is an implementation of the job queue module. It owns
// the job lifecycle end to end: intake and idempotency, the state machine
// and its invariants, TTL expiry, capability-aware matching, the long-poll
// waiter, and requeueing when a miner is lost. Every transition, together
// with the inflight adjustment on the assigned miner, commits in a single
// store transaction.
package jobqueue

import (
	"encoding/json"
	"time"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/threadgroup"

	"github.com/tensorgrid/tensorgrid/build"
	"github.com/tensorgrid/tensorgrid/modules"
	"github.com/tensorgrid/tensorgrid/persist"
	"github.com/tensorgrid/tensorgrid/types"
)

const (
	// errAbandoned is recorded on a job that ran out of attempts after
	// repeated miner loss.
	errAbandoned = "abandoned"

	// defaultExpiryPeriod is how often the expiry loop scans the queue when
	// the configuration does not say otherwise. Expiry must land within a
	// second of the deadline, so the scan runs at twice that rate.
	defaultExpiryPeriod = 500 * time.Millisecond
)

// Config carries the queue policy knobs.
type Config struct {
	TTLMin       time.Duration
	TTLMax       time.Duration
	MaxAttempts  uint64
	PollCap      time.Duration
	ExpiryPeriod time.Duration
}

// A JobQueue runs the job lifecycle.
type JobQueue struct {
	// Dependencies.
	store modules.Store
	clock modules.Clock

	// Policy.
	ttlMin       time.Duration
	ttlMax       time.Duration
	maxAttempts  uint64
	pollCap      time.Duration
	expiryPeriod time.Duration

	// Waiter wakeups and event subscriptions.
	notify *notifier

	// Utilities.
	log *persist.Logger
	tg  threadgroup.ThreadGroup
}

// New returns an initialized JobQueue and starts its expiry loop.
func New(store modules.Store, clock modules.Clock, config Config, log *persist.Logger) (*JobQueue, error) {
	if store == nil {
		return nil, errors.New("jobqueue cannot use a nil store")
	}
	if clock == nil {
		clock = modules.StdClock{}
	}
	if log == nil {
		log = persist.NewDiscardLogger()
	}
	if config.ExpiryPeriod <= 0 || config.ExpiryPeriod > time.Second {
		config.ExpiryPeriod = defaultExpiryPeriod
	}
	jq := &JobQueue{
		store: store,
		clock: clock,

		ttlMin:       config.TTLMin,
		ttlMax:       config.TTLMax,
		maxAttempts:  config.MaxAttempts,
		pollCap:      config.PollCap,
		expiryPeriod: config.ExpiryPeriod,

		notify: newNotifier(),

		log: log,
	}
	go jq.threadedExpiry()
	return jq, nil
}

// Close stops the expiry loop and wakes every parked waiter.
func (jq *JobQueue) Close() error {
	err := jq.tg.Stop()
	jq.notify.broadcast()
	return err
}

// Submit validates and enqueues a job. A repeated (client, idempotency key)
// pair returns the originally created job, forever.
func (jq *JobQueue) Submit(client types.ClientID, req modules.SubmitRequest) (types.Job, error) {
	if err := jq.tg.Add(); err != nil {
		return types.Job{}, err
	}
	defer jq.tg.Done()

	if len(req.Payload) == 0 || !json.Valid(req.Payload) {
		return types.Job{}, modules.NewError(modules.ErrCodeInvalidPayload,
			"payload must be a JSON document")
	}
	if len(req.Payload) > types.MaxPayloadSize {
		return types.Job{}, modules.NewErrorf(modules.ErrCodeInvalidPayload,
			"payload exceeds %v bytes", types.MaxPayloadSize)
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl < jq.ttlMin || ttl > jq.ttlMax {
		return types.Job{}, modules.NewErrorf(modules.ErrCodeTTLOutOfRange,
			"ttl %vs outside [%vs, %vs]", req.TTLSeconds,
			jq.ttlMin/time.Second, jq.ttlMax/time.Second).
			WithDetail("ttl_min_seconds", int64(jq.ttlMin/time.Second)).
			WithDetail("ttl_max_seconds", int64(jq.ttlMax/time.Second))
	}

	now := jq.clock.Now()
	var job types.Job
	var replay bool
	err := jq.store.Update(func(tx modules.StoreTx) error {
		replay = false
		if req.IdempotencyKey != "" {
			id, found, err := tx.IdempotentJob(client, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if found {
				var err error
				job, err = tx.Job(id)
				replay = err == nil
				return err
			}
		}
		job = types.Job{
			ID:          types.NewJobID(),
			ClientID:    client,
			Payload:     req.Payload,
			Constraints: req.Constraints,

			State:       types.JobQueued,
			RequestedAt: now,
			ExpiresAt:   now + types.Timestamp(req.TTLSeconds),

			IdempotencyKey: req.IdempotencyKey,
		}
		if err := tx.PutJob(job); err != nil {
			return err
		}
		if req.IdempotencyKey != "" {
			return tx.SetIdempotentJob(client, req.IdempotencyKey, job.ID)
		}
		return nil
	})
	if err != nil {
		return types.Job{}, err
	}
	if !replay {
		jq.notify.broadcast()
	}
	return job, nil
}

// Job returns a job owned by the client.
func (jq *JobQueue) Job(client types.ClientID, id types.JobID) (types.Job, error) {
	var job types.Job
	err := jq.store.View(func(tx modules.StoreTx) error {
		var err error
		job, err = tx.Job(id)
		return err
	})
	if err != nil {
		return types.Job{}, err
	}
	if job.ClientID != client {
		return types.Job{}, modules.ErrForbidden
	}
	return job, nil
}

// Cancel is the client's best-effort cancel. Canceling an already-terminal
// job is not an error; the terminal job is returned unchanged. Canceling a
// RUNNING job is immediate: a later result from the miner is kept as
// evidence of work but does not revive the job.
func (jq *JobQueue) Cancel(client types.ClientID, id types.JobID) (types.Job, error) {
	if err := jq.tg.Add(); err != nil {
		return types.Job{}, err
	}
	defer jq.tg.Done()

	now := jq.clock.Now()
	var job types.Job
	err := jq.store.Update(func(tx modules.StoreTx) error {
		var err error
		job, err = tx.Job(id)
		if err != nil {
			return err
		}
		if job.ClientID != client {
			return modules.ErrForbidden
		}
		if job.State.Terminal() {
			// Idempotent: report the terminal state without error.
			return nil
		}
		if !job.State.CanTransition(types.JobCanceled) {
			return modules.NewErrorf(modules.ErrCodeConflictState,
				"cannot cancel a job in state %v", job.State)
		}

		wasRunning := job.State == types.JobRunning
		minerID := job.AssignedMiner
		job.State = types.JobCanceled
		job.FinishedAt = now
		job.AssignedMiner = ""
		job.StartedAt = 0
		if err := tx.PutJob(job); err != nil {
			return err
		}
		if wasRunning {
			if err := releaseMiner(tx, minerID); err != nil {
				return err
			}
			if err := tx.CloseAttempt(job.ID, job.Attempts, now, types.AttemptCanceled, ""); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return types.Job{}, err
	}
	jq.notify.broadcast()
	return job, nil
}

// Fail marks the miner's own RUNNING job as FAILED. Only the assigned miner
// may fail a job, and only while it is RUNNING.
func (jq *JobQueue) Fail(miner types.MinerID, id types.JobID, reason string) (types.Job, error) {
	if err := jq.tg.Add(); err != nil {
		return types.Job{}, err
	}
	defer jq.tg.Done()

	now := jq.clock.Now()
	var job types.Job
	err := jq.store.Update(func(tx modules.StoreTx) error {
		var err error
		job, err = tx.Job(id)
		if err != nil {
			return err
		}
		if job.State != types.JobRunning || job.AssignedMiner != miner {
			return modules.NewErrorf(modules.ErrCodeConflictState,
				"job is not running on this miner (state %v)", job.State)
		}
		job.State = types.JobFailed
		job.FinishedAt = now
		job.Error = reason
		if err := tx.PutJob(job); err != nil {
			return err
		}
		if err := releaseMiner(tx, miner); err != nil {
			return err
		}
		return tx.CloseAttempt(job.ID, job.Attempts, now, types.AttemptFailed, "")
	})
	if err != nil {
		return types.Job{}, err
	}
	jq.notify.broadcast()
	return job, nil
}

// Jobs lists jobs for the admin surface, newest first.
func (jq *JobQueue) Jobs(state types.JobState, limit int) ([]types.Job, error) {
	var jobs []types.Job
	err := jq.store.View(func(tx modules.StoreTx) error {
		var err error
		jobs, err = tx.JobsByState(state, limit)
		return err
	})
	return jobs, err
}

// Attempts returns the attempt history of a job.
func (jq *JobQueue) Attempts(id types.JobID) ([]types.Attempt, error) {
	var attempts []types.Attempt
	err := jq.store.View(func(tx modules.StoreTx) error {
		if _, err := tx.Job(id); err != nil {
			return err
		}
		var err error
		attempts, err = tx.Attempts(id)
		return err
	})
	return attempts, err
}

// Stats summarizes queue state for the admin surface.
func (jq *JobQueue) Stats() (modules.QueueStats, error) {
	var stats modules.QueueStats
	err := jq.store.View(func(tx modules.StoreTx) error {
		counts, err := tx.JobCounts()
		if err != nil {
			return err
		}
		stats = modules.QueueStats{
			QueueDepth: counts[types.JobQueued],
			Running:    counts[types.JobRunning],
			ByState:    counts,
		}
		return nil
	})
	return stats, err
}

// threadedExpiry periodically moves overdue QUEUED jobs to EXPIRED.
func (jq *JobQueue) threadedExpiry() {
	if jq.tg.Add() != nil {
		return
	}
	defer jq.tg.Done()

	ticker := time.NewTicker(jq.expiryPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jq.tg.StopChan():
			return
		case <-ticker.C:
		}
		if err := jq.managedExpire(); err != nil && jq.log != nil {
			jq.log.Println("WARN: expiry pass failed:", err)
		}
	}
}

// managedExpire performs one expiry pass over the queued set.
func (jq *JobQueue) managedExpire() error {
	now := jq.clock.Now()
	var expired int
	err := jq.store.Update(func(tx modules.StoreTx) error {
		expired = 0
		queued, err := tx.QueuedJobs()
		if err != nil {
			return err
		}
		for _, job := range queued {
			if job.ExpiresAt > now {
				continue
			}
			job.State = types.JobExpired
			job.FinishedAt = now
			if err := tx.PutJob(job); err != nil {
				return err
			}
			expired++
		}
		return nil
	})
	if err != nil {
		return err
	}
	if expired > 0 {
		jq.notify.broadcast()
	}
	return nil
}

// NotifyJobUpdate wakes parked pollers and event subscribers. The receipt
// manager calls it after completing a job, since completion frees miner
// capacity.
func (jq *JobQueue) NotifyJobUpdate() {
	jq.notify.broadcast()
}

// releaseMiner decrements a miner's inflight counter inside the transaction
// that removes one of its RUNNING assignments. A missing miner row (deleted
// by an admin mid-flight) is not an error.
func releaseMiner(tx modules.StoreTx, id types.MinerID) error {
	miner, err := tx.Miner(id)
	if modules.CodeOf(err) == modules.ErrCodeMinerNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if miner.Inflight == 0 {
		build.Critical("miner inflight underflow for", id)
		return nil
	}
	miner.Inflight--
	return tx.PutMiner(miner)
}
