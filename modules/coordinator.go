package modules

// coordinator.go declares the interfaces of the coordinator subsystems: the
// miner registry, the job queue (state machine, matcher and long-poll
// waiter), and the receipt manager. The api package talks to the subsystems
// exclusively through these.

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tensorgrid/tensorgrid/types"
)

type (
	// RegisterRequest is a miner's capability upsert.
	RegisterRequest struct {
		Capabilities types.Capabilities `json:"capabilities"`
		Concurrency  uint64             `json:"concurrency"`
		PricePerHour *float64           `json:"price_per_hour,omitempty"`
	}

	// A MinerRegistry tracks miner capabilities and liveness, and reaps
	// miners whose heartbeats lapse.
	MinerRegistry interface {
		// Register upserts a miner. A new miner starts ONLINE with zero
		// inflight; a returning miner keeps its inflight count.
		Register(id types.MinerID, req RegisterRequest) (types.Miner, error)
		// Heartbeat refreshes liveness. An OFFLINE miner returns to ONLINE.
		Heartbeat(id types.MinerID, inflightHint *uint64) (types.Miner, error)
		// Drain stops new assignments; running work continues.
		Drain(id types.MinerID) (types.Miner, error)
		// Miner returns a single miner row.
		Miner(id types.MinerID) (types.Miner, error)
		// Miners returns the full roster, for the admin surface.
		Miners() ([]types.Miner, error)
		// DeleteMiner removes a miner row entirely. Admin only.
		DeleteMiner(id types.MinerID) error
		Close() error
	}

	// SubmitRequest is a client's job submission.
	SubmitRequest struct {
		Payload        json.RawMessage   `json:"payload"`
		Constraints    types.Constraints `json:"constraints,omitempty"`
		TTLSeconds     uint64            `json:"ttl_seconds"`
		IdempotencyKey string            `json:"-"`
	}

	// QueueStats is a point-in-time summary of the queue.
	QueueStats struct {
		QueueDepth uint64                    `json:"queue_depth"`
		Running    uint64                    `json:"running"`
		ByState    map[types.JobState]uint64 `json:"by_state"`
	}

	// A JobQueue owns the job lifecycle: intake, matching, expiry,
	// cancellation and miner-loss requeueing.
	JobQueue interface {
		// Submit validates and enqueues a job, honoring the client-scoped
		// idempotency key.
		Submit(client types.ClientID, req SubmitRequest) (types.Job, error)
		// Job returns a job owned by the client.
		Job(client types.ClientID, id types.JobID) (types.Job, error)
		// Cancel is the client's best-effort cancel; it is idempotent and
		// returns the (possibly already terminal) job.
		Cancel(client types.ClientID, id types.JobID) (types.Job, error)

		// Poll matches the miner against the queue, parking the call for up
		// to maxWait when nothing is eligible. A nil job with a nil error
		// means the wait elapsed empty.
		Poll(ctx context.Context, miner types.MinerID, maxWait time.Duration) (*types.Job, error)
		// Fail marks the miner's own RUNNING job as FAILED.
		Fail(miner types.MinerID, id types.JobID, reason string) (types.Job, error)
		// OnMinerOffline requeues or abandons the RUNNING jobs of a lost
		// miner. Called by the registry's reaper.
		OnMinerOffline(id types.MinerID) error

		// Jobs lists jobs for the admin surface.
		Jobs(state types.JobState, limit int) ([]types.Job, error)
		// Attempts returns the attempt history of a job.
		Attempts(id types.JobID) ([]types.Attempt, error)
		// Stats summarizes queue state for the admin surface.
		Stats() (QueueStats, error)
		// Subscribe returns a channel that receives a signal whenever any
		// job changes state. Used by the event stream; best effort.
		Subscribe() (<-chan struct{}, func())
		Close() error
	}

	// ResultSubmission is a miner's completion report: the receipt payload
	// fields, the miner's signature over their canonical form, and the job
	// result (inline or by reference).
	ResultSubmission struct {
		Receipt types.Receipt    `json:"receipt"`
		Result  *types.JobResult `json:"result,omitempty"`
	}

	// A ReceiptManager validates, signs and persists completion receipts,
	// and serves them to clients and the settlement wallet.
	ReceiptManager interface {
		// SubmitResult verifies the miner's canonical signature, completes
		// the job and appends the receipt in one transaction. Replays with
		// identical canonical bytes return the stored receipt.
		SubmitResult(miner types.MinerID, id types.JobID, sub ResultSubmission) (types.Receipt, error)
		// LatestReceipt returns the most recently appended receipt.
		LatestReceipt(id types.JobID) (types.Receipt, error)
		// ReceiptHistory returns the full ordered receipt history.
		ReceiptHistory(id types.JobID) ([]types.Receipt, error)
	}
)
