package modules

// store.go declares the persistence capability that every stateful
// subsystem shares. The contract mirrors a bolt database: Update runs the
// callback inside a single writable transaction, so a job transition and
// the matching inflight adjustment commit or abort together. An in-memory
// implementation backed by one mutex satisfies the same contract for tests.

import (
	"github.com/tensorgrid/tensorgrid/types"
)

type (
	// A StoreTx provides typed access to the coordinator tables inside a
	// transaction. Lookups that miss return the matching *Error sentinel
	// (ErrJobNotFound, ErrMinerNotFound).
	StoreTx interface {
		// Jobs.
		Job(id types.JobID) (types.Job, error)
		PutJob(job types.Job) error
		// QueuedJobs returns every QUEUED job in (requested_at, job_id)
		// order, the matcher's preference order.
		QueuedJobs() ([]types.Job, error)
		// JobsByState returns up to limit jobs in the given state, newest
		// first; a zero state matches all jobs. limit <= 0 means no limit.
		JobsByState(state types.JobState, limit int) ([]types.Job, error)
		// RunningJobsByMiner returns the RUNNING jobs assigned to a miner.
		RunningJobsByMiner(id types.MinerID) ([]types.Job, error)
		// JobCounts returns the number of jobs per state.
		JobCounts() (map[types.JobState]uint64, error)

		// Idempotency index, scoped to the client.
		IdempotentJob(client types.ClientID, key string) (types.JobID, bool, error)
		SetIdempotentJob(client types.ClientID, key string, id types.JobID) error

		// Miners.
		Miner(id types.MinerID) (types.Miner, error)
		PutMiner(miner types.Miner) error
		DeleteMiner(id types.MinerID) error
		Miners() ([]types.Miner, error)

		// Receipts. The history of a job is append-only and ordered.
		AppendReceipt(receipt types.Receipt) error
		Receipts(id types.JobID) ([]types.Receipt, error)

		// Attempts.
		AppendAttempt(attempt types.Attempt) error
		CloseAttempt(id types.JobID, number uint64, endedAt types.Timestamp, outcome types.AttemptOutcome, receiptID string) error
		Attempts(id types.JobID) ([]types.Attempt, error)
	}

	// A Store is a durable, transactional home for coordinator state.
	Store interface {
		// Update runs fn inside a writable transaction. If fn returns an
		// error the transaction is rolled back and nothing is applied.
		Update(fn func(StoreTx) error) error
		// View runs fn inside a read-only transaction.
		View(fn func(StoreTx) error) error
		Close() error
	}
)
