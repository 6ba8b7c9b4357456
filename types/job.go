package types

// job.go defines the job entity and its lifecycle. A job is a client
// submitted unit of work; the coordinator never interprets the payload, it
// only moves the job through the state machine and hands it to an eligible
// miner.

import (
	"encoding/json"

	"github.com/google/uuid"
)

type (
	// JobID is an opaque 128-bit server-assigned job identifier.
	JobID string

	// ClientID is the stable principal id of an authenticated client.
	ClientID string

	// JobState is one of the lifecycle states of a job.
	JobState string
)

const (
	JobQueued    JobState = "QUEUED"
	JobRunning   JobState = "RUNNING"
	JobCompleted JobState = "COMPLETED"
	JobFailed    JobState = "FAILED"
	JobCanceled  JobState = "CANCELED"
	JobExpired   JobState = "EXPIRED"
)

// NewJobID mints a fresh job id.
func NewJobID() JobID {
	return JobID(uuid.New().String())
}

// Valid reports whether s names a known job state.
func (s JobState) Valid() bool {
	switch s {
	case JobQueued, JobRunning, JobCompleted, JobFailed, JobCanceled, JobExpired:
		return true
	}
	return false
}

// Terminal reports whether a job in state s will never transition again.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCanceled, JobExpired:
		return true
	}
	return false
}

// legalTransitions is the authoritative transition table. Any transition not
// listed here is a conflict.
var legalTransitions = map[JobState][]JobState{
	JobQueued:  {JobRunning, JobCanceled, JobExpired},
	JobRunning: {JobCompleted, JobFailed, JobCanceled, JobQueued},
}

// CanTransition reports whether the state machine permits moving from s to
// 'to'. Terminal states permit nothing.
func (s JobState) CanTransition(to JobState) bool {
	for _, t := range legalTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Constraints is a predicate over miner capabilities that a job requires.
// Zero-valued fields are unconstrained.
type Constraints struct {
	GPUModelPrefix  string   `json:"gpu_model,omitempty"`
	MinVRAMGiB      uint64   `json:"min_vram_gib,omitempty"`
	RequiredModels  []string `json:"required_models,omitempty"`
	Region          string   `json:"region,omitempty"`
	MaxPricePerHour *float64 `json:"max_price,omitempty"`
}

// JobResult carries either an inline result blob or an opaque external
// reference, never both.
type JobResult struct {
	Data json.RawMessage `json:"data,omitempty"`
	Ref  string          `json:"ref,omitempty"`
}

// A Job is the full persisted job row.
type Job struct {
	ID          JobID           `json:"job_id"`
	ClientID    ClientID        `json:"client_id"`
	Payload     json.RawMessage `json:"payload"`
	Constraints Constraints     `json:"constraints,omitempty"`

	State       JobState  `json:"state"`
	RequestedAt Timestamp `json:"requested_at"`
	ExpiresAt   Timestamp `json:"expires_at"`
	StartedAt   Timestamp `json:"started_at,omitempty"`
	FinishedAt  Timestamp `json:"finished_at,omitempty"`

	AssignedMiner MinerID `json:"assigned_miner_id,omitempty"`
	Attempts      uint64  `json:"attempts"`

	Result *JobResult `json:"result,omitempty"`
	Error  string     `json:"error,omitempty"`

	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// An Attempt records a single assignment of a job to a specific miner. It is
// opened on assignment and closed on any terminal transition or requeue.
type Attempt struct {
	JobID     JobID          `json:"job_id"`
	Number    uint64         `json:"attempt_number"`
	MinerID   MinerID        `json:"miner_id"`
	StartedAt Timestamp      `json:"started_at"`
	EndedAt   Timestamp      `json:"ended_at,omitempty"`
	Outcome   AttemptOutcome `json:"outcome,omitempty"`
	ReceiptID string         `json:"receipt_id,omitempty"`
}

// AttemptOutcome records how an attempt ended.
type AttemptOutcome string

const (
	AttemptCompleted AttemptOutcome = "completed"
	AttemptFailed    AttemptOutcome = "failed"
	AttemptCanceled  AttemptOutcome = "canceled"
	AttemptRequeued  AttemptOutcome = "requeued"
	AttemptAbandoned AttemptOutcome = "abandoned"
	// AttemptEvidence marks a receipt that arrived after the client canceled
	// the job: the work is acknowledged but the job state is unchanged.
	AttemptEvidence AttemptOutcome = "evidence"
)
