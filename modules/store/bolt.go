// Package store implements the coordinator's persistence capability on top
// of bolt, plus an in-memory equivalent for testing. All tables live in one
// database file so that a job transition, the matching miner inflight
// adjustment, and the receipt append commit atomically.
package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"gitlab.com/NebulousLabs/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/tensorgrid/tensorgrid/modules"
	"github.com/tensorgrid/tensorgrid/persist"
	"github.com/tensorgrid/tensorgrid/types"
)

const dbFilename = "coordinator.db"

// dbMetadata identifies the schema held in the database file.
var dbMetadata = persist.Metadata{
	Header:  "TensorGrid Coordinator DB",
	Version: "0.3.0",
}

// Bucket names. bucketJobQueue and bucketRunning are secondary indexes over
// bucketJobs, maintained inside PutJob.
var (
	bucketJobs = []byte("Jobs")
	// bucketJobQueue indexes QUEUED jobs by big-endian requested_at plus
	// job id, so a cursor walks them in the matcher's preference order.
	bucketJobQueue = []byte("JobQueue")
	// bucketRunning indexes RUNNING jobs by miner id plus job id.
	bucketRunning     = []byte("RunningByMiner")
	bucketIdempotency = []byte("Idempotency")
	bucketMiners      = []byte("Miners")
	// bucketReceipts holds the append-only receipt history, keyed by job id
	// plus a big-endian sequence number.
	bucketReceipts = []byte("Receipts")
	bucketAttempts = []byte("Attempts")
)

var dbBuckets = [][]byte{
	bucketJobs,
	bucketJobQueue,
	bucketRunning,
	bucketIdempotency,
	bucketMiners,
	bucketReceipts,
	bucketAttempts,
}

// A BoltStore is the durable modules.Store.
type BoltStore struct {
	db *persist.BoltDatabase
}

// NewBoltStore opens (or creates) the coordinator database inside persistDir.
func NewBoltStore(persistDir string) (*BoltStore, error) {
	if err := os.MkdirAll(persistDir, 0700); err != nil {
		return nil, errors.AddContext(err, "unable to create persist directory")
	}
	db, err := persist.OpenDatabase(dbMetadata, filepath.Join(persistDir, dbFilename))
	if err != nil {
		return nil, errors.AddContext(err, "unable to open coordinator database")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range dbBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.AddContext(err, "unable to create coordinator buckets")
	}
	return &BoltStore{db: db}, nil
}

// Update implements modules.Store.
func (s *BoltStore) Update(fn func(modules.StoreTx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// View implements modules.Store.
func (s *BoltStore) View(fn func(modules.StoreTx) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// Close implements modules.Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// boltTx adapts a bolt transaction to modules.StoreTx.
type boltTx struct {
	tx *bolt.Tx
}

// tsKey encodes a timestamp as a sortable big-endian key segment.
func tsKey(ts types.Timestamp) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(ts))
	return key
}

// queueKey is the (requested_at, job_id) index key of a job.
func queueKey(job types.Job) []byte {
	return append(tsKey(job.RequestedAt), []byte(job.ID)...)
}

// runningKey is the (miner_id, job_id) index key of a job.
func runningKey(job types.Job) []byte {
	return append([]byte(job.AssignedMiner), []byte("\x00"+string(job.ID))...)
}

func (btx *boltTx) Job(id types.JobID) (types.Job, error) {
	data := btx.tx.Bucket(bucketJobs).Get([]byte(id))
	if data == nil {
		return types.Job{}, modules.ErrJobNotFound
	}
	var job types.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return types.Job{}, errors.AddContext(err, "corrupt job row")
	}
	return job, nil
}

func (btx *boltTx) PutJob(job types.Job) error {
	// Drop stale index entries for the previous revision of the row.
	if old, err := btx.Job(job.ID); err == nil {
		if old.State == types.JobQueued {
			if err := btx.tx.Bucket(bucketJobQueue).Delete(queueKey(old)); err != nil {
				return err
			}
		}
		if old.State == types.JobRunning {
			if err := btx.tx.Bucket(bucketRunning).Delete(runningKey(old)); err != nil {
				return err
			}
		}
	}

	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := btx.tx.Bucket(bucketJobs).Put([]byte(job.ID), data); err != nil {
		return err
	}
	if job.State == types.JobQueued {
		if err := btx.tx.Bucket(bucketJobQueue).Put(queueKey(job), []byte(job.ID)); err != nil {
			return err
		}
	}
	if job.State == types.JobRunning {
		if err := btx.tx.Bucket(bucketRunning).Put(runningKey(job), []byte(job.ID)); err != nil {
			return err
		}
	}
	return nil
}

func (btx *boltTx) QueuedJobs() ([]types.Job, error) {
	var jobs []types.Job
	c := btx.tx.Bucket(bucketJobQueue).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		job, err := btx.Job(types.JobID(v))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (btx *boltTx) JobsByState(state types.JobState, limit int) ([]types.Job, error) {
	var jobs []types.Job
	err := btx.tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
		var job types.Job
		if err := json.Unmarshal(v, &job); err != nil {
			return err
		}
		if state == "" || job.State == state {
			jobs = append(jobs, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Newest first for the admin listing.
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

func (btx *boltTx) RunningJobsByMiner(id types.MinerID) ([]types.Job, error) {
	var jobs []types.Job
	prefix := append([]byte(id), '\x00')
	c := btx.tx.Bucket(bucketRunning).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		job, err := btx.Job(types.JobID(v))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (btx *boltTx) JobCounts() (map[types.JobState]uint64, error) {
	counts := make(map[types.JobState]uint64)
	err := btx.tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
		var job types.Job
		if err := json.Unmarshal(v, &job); err != nil {
			return err
		}
		counts[job.State]++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (btx *boltTx) IdempotentJob(client types.ClientID, key string) (types.JobID, bool, error) {
	v := btx.tx.Bucket(bucketIdempotency).Get([]byte(idemKey(client, key)))
	if v == nil {
		return "", false, nil
	}
	return types.JobID(v), true, nil
}

func (btx *boltTx) SetIdempotentJob(client types.ClientID, key string, id types.JobID) error {
	return btx.tx.Bucket(bucketIdempotency).Put([]byte(idemKey(client, key)), []byte(id))
}

func (btx *boltTx) Miner(id types.MinerID) (types.Miner, error) {
	data := btx.tx.Bucket(bucketMiners).Get([]byte(id))
	if data == nil {
		return types.Miner{}, modules.ErrMinerNotFound
	}
	var miner types.Miner
	if err := json.Unmarshal(data, &miner); err != nil {
		return types.Miner{}, errors.AddContext(err, "corrupt miner row")
	}
	return miner, nil
}

func (btx *boltTx) PutMiner(miner types.Miner) error {
	data, err := json.Marshal(miner)
	if err != nil {
		return err
	}
	return btx.tx.Bucket(bucketMiners).Put([]byte(miner.ID), data)
}

func (btx *boltTx) DeleteMiner(id types.MinerID) error {
	return btx.tx.Bucket(bucketMiners).Delete([]byte(id))
}

func (btx *boltTx) Miners() ([]types.Miner, error) {
	var miners []types.Miner
	err := btx.tx.Bucket(bucketMiners).ForEach(func(_, v []byte) error {
		var miner types.Miner
		if err := json.Unmarshal(v, &miner); err != nil {
			return err
		}
		miners = append(miners, miner)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return miners, nil
}

// receiptKey is the (job_id, seq) key of a receipt.
func receiptKey(id types.JobID, seq uint64) []byte {
	key := append([]byte(id), '\x00')
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, seq)
	return append(key, seqBytes...)
}

func (btx *boltTx) AppendReceipt(receipt types.Receipt) error {
	existing, err := btx.Receipts(receipt.JobID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(receipt)
	if err != nil {
		return err
	}
	return btx.tx.Bucket(bucketReceipts).Put(receiptKey(receipt.JobID, uint64(len(existing))), data)
}

func (btx *boltTx) Receipts(id types.JobID) ([]types.Receipt, error) {
	var receipts []types.Receipt
	prefix := append([]byte(id), '\x00')
	c := btx.tx.Bucket(bucketReceipts).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var receipt types.Receipt
		if err := json.Unmarshal(v, &receipt); err != nil {
			return nil, errors.AddContext(err, "corrupt receipt row")
		}
		receipts = append(receipts, receipt)
	}
	return receipts, nil
}

// attemptKey is the (job_id, attempt_number) key of an attempt.
func attemptKey(id types.JobID, number uint64) []byte {
	key := append([]byte(id), '\x00')
	numBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(numBytes, number)
	return append(key, numBytes...)
}

func (btx *boltTx) AppendAttempt(attempt types.Attempt) error {
	data, err := json.Marshal(attempt)
	if err != nil {
		return err
	}
	return btx.tx.Bucket(bucketAttempts).Put(attemptKey(attempt.JobID, attempt.Number), data)
}

func (btx *boltTx) CloseAttempt(id types.JobID, number uint64, endedAt types.Timestamp, outcome types.AttemptOutcome, receiptID string) error {
	key := attemptKey(id, number)
	data := btx.tx.Bucket(bucketAttempts).Get(key)
	if data == nil {
		return modules.ErrJobNotFound
	}
	var attempt types.Attempt
	if err := json.Unmarshal(data, &attempt); err != nil {
		return errors.AddContext(err, "corrupt attempt row")
	}
	attempt.EndedAt = endedAt
	attempt.Outcome = outcome
	attempt.ReceiptID = receiptID
	updated, err := json.Marshal(attempt)
	if err != nil {
		return err
	}
	return btx.tx.Bucket(bucketAttempts).Put(key, updated)
}

func (btx *boltTx) Attempts(id types.JobID) ([]types.Attempt, error) {
	var attempts []types.Attempt
	prefix := append([]byte(id), '\x00')
	c := btx.tx.Bucket(bucketAttempts).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var attempt types.Attempt
		if err := json.Unmarshal(v, &attempt); err != nil {
			return nil, errors.AddContext(err, "corrupt attempt row")
		}
		attempts = append(attempts, attempt)
	}
	return attempts, nil
}
