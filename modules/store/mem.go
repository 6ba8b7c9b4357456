package store

// mem.go implements modules.Store entirely in memory. It exists for tests
// and for ephemeral deployments; it provides the same transactional
// contract as the bolt store by staging every write and applying the stage
// only when the update callback returns nil.

import (
	"sort"
	"sync"

	"github.com/tensorgrid/tensorgrid/modules"
	"github.com/tensorgrid/tensorgrid/types"
)

// A MemStore is an in-memory modules.Store guarded by a single mutex.
type MemStore struct {
	jobs     map[types.JobID]types.Job
	miners   map[types.MinerID]types.Miner
	receipts map[types.JobID][]types.Receipt
	attempts map[types.JobID][]types.Attempt
	idem     map[string]types.JobID

	mu sync.Mutex
}

// NewMemStore initializes an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		jobs:     make(map[types.JobID]types.Job),
		miners:   make(map[types.MinerID]types.Miner),
		receipts: make(map[types.JobID][]types.Receipt),
		attempts: make(map[types.JobID][]types.Attempt),
		idem:     make(map[string]types.JobID),
	}
}

// memTx stages writes against the store. Reads consult the stage first so a
// transaction observes its own writes.
type memTx struct {
	s        *MemStore
	writable bool

	jobs         map[types.JobID]types.Job
	miners       map[types.MinerID]types.Miner
	minerDeletes map[types.MinerID]bool
	receipts     map[types.JobID][]types.Receipt // staged appends
	attempts     map[types.JobID][]types.Attempt // copy-on-write full slices
	idem         map[string]types.JobID
}

func newMemTx(s *MemStore, writable bool) *memTx {
	return &memTx{
		s:            s,
		writable:     writable,
		jobs:         make(map[types.JobID]types.Job),
		miners:       make(map[types.MinerID]types.Miner),
		minerDeletes: make(map[types.MinerID]bool),
		receipts:     make(map[types.JobID][]types.Receipt),
		attempts:     make(map[types.JobID][]types.Attempt),
		idem:         make(map[string]types.JobID),
	}
}

// commit applies the staged writes. The caller holds the store mutex.
func (tx *memTx) commit() {
	for id, job := range tx.jobs {
		tx.s.jobs[id] = job
	}
	for id, miner := range tx.miners {
		tx.s.miners[id] = miner
	}
	for id := range tx.minerDeletes {
		delete(tx.s.miners, id)
	}
	for id, rs := range tx.receipts {
		tx.s.receipts[id] = append(tx.s.receipts[id], rs...)
	}
	for id, as := range tx.attempts {
		tx.s.attempts[id] = as
	}
	for k, id := range tx.idem {
		tx.s.idem[k] = id
	}
}

// Update implements modules.Store.
func (s *MemStore) Update(fn func(modules.StoreTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := newMemTx(s, true)
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// View implements modules.Store.
func (s *MemStore) View(fn func(modules.StoreTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(newMemTx(s, false))
}

// Close implements modules.Store.
func (s *MemStore) Close() error {
	return nil
}

func (tx *memTx) Job(id types.JobID) (types.Job, error) {
	if job, ok := tx.jobs[id]; ok {
		return job, nil
	}
	if job, ok := tx.s.jobs[id]; ok {
		return job, nil
	}
	return types.Job{}, modules.ErrJobNotFound
}

func (tx *memTx) PutJob(job types.Job) error {
	tx.jobs[job.ID] = job
	return nil
}

// mergedJobs returns the transaction's view of every job.
func (tx *memTx) mergedJobs() []types.Job {
	jobs := make([]types.Job, 0, len(tx.s.jobs)+len(tx.jobs))
	for id, job := range tx.s.jobs {
		if staged, ok := tx.jobs[id]; ok {
			jobs = append(jobs, staged)
			continue
		}
		jobs = append(jobs, job)
	}
	for id, job := range tx.jobs {
		if _, ok := tx.s.jobs[id]; !ok {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

func (tx *memTx) QueuedJobs() ([]types.Job, error) {
	var queued []types.Job
	for _, job := range tx.mergedJobs() {
		if job.State == types.JobQueued {
			queued = append(queued, job)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		if queued[i].RequestedAt != queued[j].RequestedAt {
			return queued[i].RequestedAt < queued[j].RequestedAt
		}
		return queued[i].ID < queued[j].ID
	})
	return queued, nil
}

func (tx *memTx) JobsByState(state types.JobState, limit int) ([]types.Job, error) {
	var jobs []types.Job
	for _, job := range tx.mergedJobs() {
		if state == "" || job.State == state {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].RequestedAt != jobs[j].RequestedAt {
			return jobs[i].RequestedAt > jobs[j].RequestedAt
		}
		return jobs[i].ID < jobs[j].ID
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (tx *memTx) RunningJobsByMiner(id types.MinerID) ([]types.Job, error) {
	var jobs []types.Job
	for _, job := range tx.mergedJobs() {
		if job.State == types.JobRunning && job.AssignedMiner == id {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs, nil
}

func (tx *memTx) JobCounts() (map[types.JobState]uint64, error) {
	counts := make(map[types.JobState]uint64)
	for _, job := range tx.mergedJobs() {
		counts[job.State]++
	}
	return counts, nil
}

func idemKey(client types.ClientID, key string) string {
	return string(client) + "\x00" + key
}

func (tx *memTx) IdempotentJob(client types.ClientID, key string) (types.JobID, bool, error) {
	if id, ok := tx.idem[idemKey(client, key)]; ok {
		return id, true, nil
	}
	if id, ok := tx.s.idem[idemKey(client, key)]; ok {
		return id, true, nil
	}
	return "", false, nil
}

func (tx *memTx) SetIdempotentJob(client types.ClientID, key string, id types.JobID) error {
	tx.idem[idemKey(client, key)] = id
	return nil
}

func (tx *memTx) Miner(id types.MinerID) (types.Miner, error) {
	if tx.minerDeletes[id] {
		return types.Miner{}, modules.ErrMinerNotFound
	}
	if miner, ok := tx.miners[id]; ok {
		return miner, nil
	}
	if miner, ok := tx.s.miners[id]; ok {
		return miner, nil
	}
	return types.Miner{}, modules.ErrMinerNotFound
}

func (tx *memTx) PutMiner(miner types.Miner) error {
	delete(tx.minerDeletes, miner.ID)
	tx.miners[miner.ID] = miner
	return nil
}

func (tx *memTx) DeleteMiner(id types.MinerID) error {
	delete(tx.miners, id)
	tx.minerDeletes[id] = true
	return nil
}

func (tx *memTx) Miners() ([]types.Miner, error) {
	var miners []types.Miner
	for id, miner := range tx.s.miners {
		if tx.minerDeletes[id] {
			continue
		}
		if staged, ok := tx.miners[id]; ok {
			miners = append(miners, staged)
			continue
		}
		miners = append(miners, miner)
	}
	for id, miner := range tx.miners {
		if _, ok := tx.s.miners[id]; !ok {
			miners = append(miners, miner)
		}
	}
	sort.Slice(miners, func(i, j int) bool { return miners[i].ID < miners[j].ID })
	return miners, nil
}

func (tx *memTx) AppendReceipt(receipt types.Receipt) error {
	tx.receipts[receipt.JobID] = append(tx.receipts[receipt.JobID], receipt)
	return nil
}

func (tx *memTx) Receipts(id types.JobID) ([]types.Receipt, error) {
	base := tx.s.receipts[id]
	staged := tx.receipts[id]
	out := make([]types.Receipt, 0, len(base)+len(staged))
	out = append(out, base...)
	out = append(out, staged...)
	return out, nil
}

// stagedAttempts returns the copy-on-write attempt slice for a job.
func (tx *memTx) stagedAttempts(id types.JobID) []types.Attempt {
	if as, ok := tx.attempts[id]; ok {
		return as
	}
	base := tx.s.attempts[id]
	as := make([]types.Attempt, len(base))
	copy(as, base)
	tx.attempts[id] = as
	return as
}

func (tx *memTx) AppendAttempt(attempt types.Attempt) error {
	tx.attempts[attempt.JobID] = append(tx.stagedAttempts(attempt.JobID), attempt)
	return nil
}

func (tx *memTx) CloseAttempt(id types.JobID, number uint64, endedAt types.Timestamp, outcome types.AttemptOutcome, receiptID string) error {
	as := tx.stagedAttempts(id)
	for i := range as {
		if as[i].Number == number {
			as[i].EndedAt = endedAt
			as[i].Outcome = outcome
			as[i].ReceiptID = receiptID
			tx.attempts[id] = as
			return nil
		}
	}
	return modules.ErrJobNotFound
}

func (tx *memTx) Attempts(id types.JobID) ([]types.Attempt, error) {
	if as, ok := tx.attempts[id]; ok {
		out := make([]types.Attempt, len(as))
		copy(out, as)
		return out, nil
	}
	base := tx.s.attempts[id]
	out := make([]types.Attempt, len(base))
	copy(out, base)
	return out, nil
}
