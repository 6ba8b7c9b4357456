package store

import (
	"testing"

	"github.com/tensorgrid/tensorgrid/build"
	"github.com/tensorgrid/tensorgrid/modules"
	"github.com/tensorgrid/tensorgrid/types"
)

// eachStore runs a subtest against both store implementations.
func eachStore(t *testing.T, fn func(t *testing.T, s modules.Store)) {
	t.Run("mem", func(t *testing.T) {
		s := NewMemStore()
		defer s.Close()
		fn(t, s)
	})
	t.Run("bolt", func(t *testing.T) {
		s, err := NewBoltStore(build.TempDir("store", t.Name()))
		if err != nil {
			t.Fatal(err)
		}
		defer s.Close()
		fn(t, s)
	})
}

func putJob(t *testing.T, s modules.Store, job types.Job) {
	t.Helper()
	err := s.Update(func(tx modules.StoreTx) error {
		return tx.PutJob(job)
	})
	if err != nil {
		t.Fatal(err)
	}
}

// TestJobRoundTrip checks basic job persistence and the not-found error.
func TestJobRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s modules.Store) {
		job := types.Job{
			ID:          types.NewJobID(),
			ClientID:    "c-1111",
			Payload:     []byte(`{"p":1}`),
			State:       types.JobQueued,
			RequestedAt: 100,
			ExpiresAt:   200,
		}
		putJob(t, s, job)

		err := s.View(func(tx modules.StoreTx) error {
			got, err := tx.Job(job.ID)
			if err != nil {
				return err
			}
			if got.ClientID != job.ClientID || got.State != job.State || got.ExpiresAt != job.ExpiresAt {
				t.Error("job did not round trip:", got)
			}
			if string(got.Payload) != `{"p":1}` {
				t.Error("payload did not round trip:", string(got.Payload))
			}
			_, err = tx.Job("no-such-job")
			if modules.CodeOf(err) != modules.ErrCodeJobNotFound {
				t.Error("expected JOB_NOT_FOUND, got", err)
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	})
}

// TestQueuedJobsOrder checks that the queue index orders by requested_at
// with the job id as tie-break, and tracks state changes.
func TestQueuedJobsOrder(t *testing.T) {
	eachStore(t, func(t *testing.T, s modules.Store) {
		jobA := types.Job{ID: "b-job", State: types.JobQueued, RequestedAt: 50}
		jobB := types.Job{ID: "a-job", State: types.JobQueued, RequestedAt: 50}
		jobC := types.Job{ID: "c-job", State: types.JobQueued, RequestedAt: 10}
		for _, job := range []types.Job{jobA, jobB, jobC} {
			putJob(t, s, job)
		}

		check := func(want []types.JobID) {
			t.Helper()
			err := s.View(func(tx modules.StoreTx) error {
				queued, err := tx.QueuedJobs()
				if err != nil {
					return err
				}
				if len(queued) != len(want) {
					t.Fatalf("expected %v queued jobs, got %v", len(want), len(queued))
				}
				for i := range want {
					if queued[i].ID != want[i] {
						t.Errorf("position %v: expected %v, got %v", i, want[i], queued[i].ID)
					}
				}
				return nil
			})
			if err != nil {
				t.Fatal(err)
			}
		}
		check([]types.JobID{"c-job", "a-job", "b-job"})

		// A state change must drop the job from the queue index.
		jobC.State = types.JobExpired
		putJob(t, s, jobC)
		check([]types.JobID{"a-job", "b-job"})
	})
}

// TestRunningByMiner checks the running-jobs index across transitions.
func TestRunningByMiner(t *testing.T) {
	eachStore(t, func(t *testing.T, s modules.Store) {
		job1 := types.Job{ID: "j1", State: types.JobRunning, AssignedMiner: "m-1", StartedAt: 5}
		job2 := types.Job{ID: "j2", State: types.JobRunning, AssignedMiner: "m-2", StartedAt: 5}
		job3 := types.Job{ID: "j3", State: types.JobRunning, AssignedMiner: "m-1", StartedAt: 6}
		for _, job := range []types.Job{job1, job2, job3} {
			putJob(t, s, job)
		}
		err := s.View(func(tx modules.StoreTx) error {
			running, err := tx.RunningJobsByMiner("m-1")
			if err != nil {
				return err
			}
			if len(running) != 2 {
				t.Fatal("expected 2 running jobs for m-1, got", len(running))
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}

		job1.State = types.JobCompleted
		job1.AssignedMiner = "m-1"
		putJob(t, s, job1)
		err = s.View(func(tx modules.StoreTx) error {
			running, err := tx.RunningJobsByMiner("m-1")
			if err != nil {
				return err
			}
			if len(running) != 1 || running[0].ID != "j3" {
				t.Error("expected only j3 running for m-1, got", running)
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	})
}

// TestJobsByStateLimit checks the admin listing order and limit.
func TestJobsByStateLimit(t *testing.T) {
	eachStore(t, func(t *testing.T, s modules.Store) {
		for i, id := range []types.JobID{"j1", "j2", "j3"} {
			putJob(t, s, types.Job{ID: id, State: types.JobQueued, RequestedAt: types.Timestamp(10 * (i + 1))})
		}
		putJob(t, s, types.Job{ID: "j4", State: types.JobFailed, RequestedAt: 100})

		err := s.View(func(tx modules.StoreTx) error {
			jobs, err := tx.JobsByState(types.JobQueued, 2)
			if err != nil {
				return err
			}
			if len(jobs) != 2 || jobs[0].ID != "j3" || jobs[1].ID != "j2" {
				t.Error("expected newest-first limited listing, got", jobs)
			}
			all, err := tx.JobsByState("", 0)
			if err != nil {
				return err
			}
			if len(all) != 4 {
				t.Error("expected 4 jobs in unfiltered listing, got", len(all))
			}
			counts, err := tx.JobCounts()
			if err != nil {
				return err
			}
			if counts[types.JobQueued] != 3 || counts[types.JobFailed] != 1 {
				t.Error("wrong counts:", counts)
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	})
}

// TestIdempotencyIndex checks that the index is scoped per client.
func TestIdempotencyIndex(t *testing.T) {
	eachStore(t, func(t *testing.T, s modules.Store) {
		err := s.Update(func(tx modules.StoreTx) error {
			return tx.SetIdempotentJob("c-1", "key", "j1")
		})
		if err != nil {
			t.Fatal(err)
		}
		err = s.View(func(tx modules.StoreTx) error {
			id, found, err := tx.IdempotentJob("c-1", "key")
			if err != nil {
				return err
			}
			if !found || id != "j1" {
				t.Error("expected j1 for (c-1, key), got", id, found)
			}
			_, found, err = tx.IdempotentJob("c-2", "key")
			if err != nil {
				return err
			}
			if found {
				t.Error("idempotency key leaked across clients")
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	})
}

// TestMinerRoundTrip checks miner persistence, listing and deletion.
func TestMinerRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s modules.Store) {
		price := 1.5
		miner := types.Miner{
			ID:          "m-abcd",
			Concurrency: 2,
			Status:      types.MinerOnline,
			HeartbeatAt: 42,
			Capabilities: types.Capabilities{
				GPUModel:     "RTX4090",
				GPUMemoryGiB: 24,
			},
			PricePerHour: &price,
		}
		err := s.Update(func(tx modules.StoreTx) error {
			return tx.PutMiner(miner)
		})
		if err != nil {
			t.Fatal(err)
		}
		err = s.View(func(tx modules.StoreTx) error {
			got, err := tx.Miner("m-abcd")
			if err != nil {
				return err
			}
			if got.Capabilities.GPUModel != "RTX4090" || got.PricePerHour == nil || *got.PricePerHour != 1.5 {
				t.Error("miner did not round trip:", got)
			}
			miners, err := tx.Miners()
			if err != nil {
				return err
			}
			if len(miners) != 1 {
				t.Error("expected one miner, got", len(miners))
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}

		err = s.Update(func(tx modules.StoreTx) error {
			return tx.DeleteMiner("m-abcd")
		})
		if err != nil {
			t.Fatal(err)
		}
		err = s.View(func(tx modules.StoreTx) error {
			_, err := tx.Miner("m-abcd")
			if modules.CodeOf(err) != modules.ErrCodeMinerNotFound {
				t.Error("expected MINER_NOT_FOUND after delete, got", err)
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	})
}

// TestReceiptsAppendOnly checks receipt ordering per job.
func TestReceiptsAppendOnly(t *testing.T) {
	eachStore(t, func(t *testing.T, s modules.Store) {
		for _, rid := range []string{"r1", "r2", "r3"} {
			err := s.Update(func(tx modules.StoreTx) error {
				return tx.AppendReceipt(types.Receipt{ID: rid, JobID: "j1", Nonce: "n-" + rid})
			})
			if err != nil {
				t.Fatal(err)
			}
		}
		err := s.View(func(tx modules.StoreTx) error {
			history, err := tx.Receipts("j1")
			if err != nil {
				return err
			}
			if len(history) != 3 || history[0].ID != "r1" || history[2].ID != "r3" {
				t.Error("receipt history out of order:", history)
			}
			other, err := tx.Receipts("j2")
			if err != nil {
				return err
			}
			if len(other) != 0 {
				t.Error("receipts leaked across jobs")
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	})
}

// TestAttemptsOpenClose checks the attempt ledger.
func TestAttemptsOpenClose(t *testing.T) {
	eachStore(t, func(t *testing.T, s modules.Store) {
		err := s.Update(func(tx modules.StoreTx) error {
			if err := tx.AppendAttempt(types.Attempt{JobID: "j1", Number: 1, MinerID: "m-1", StartedAt: 10}); err != nil {
				return err
			}
			return tx.AppendAttempt(types.Attempt{JobID: "j1", Number: 2, MinerID: "m-2", StartedAt: 20})
		})
		if err != nil {
			t.Fatal(err)
		}
		err = s.Update(func(tx modules.StoreTx) error {
			return tx.CloseAttempt("j1", 1, 15, types.AttemptRequeued, "")
		})
		if err != nil {
			t.Fatal(err)
		}
		err = s.View(func(tx modules.StoreTx) error {
			attempts, err := tx.Attempts("j1")
			if err != nil {
				return err
			}
			if len(attempts) != 2 {
				t.Fatal("expected 2 attempts, got", len(attempts))
			}
			if attempts[0].Outcome != types.AttemptRequeued || attempts[0].EndedAt != 15 {
				t.Error("first attempt not closed:", attempts[0])
			}
			if attempts[1].Outcome != "" {
				t.Error("second attempt should still be open:", attempts[1])
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	})
}

// TestUpdateRollback checks that a failed update leaves no partial writes.
func TestUpdateRollback(t *testing.T) {
	eachStore(t, func(t *testing.T, s modules.Store) {
		putJob(t, s, types.Job{ID: "j1", State: types.JobQueued, RequestedAt: 1})

		boom := modules.NewError(modules.ErrCodeInternal, "boom")
		err := s.Update(func(tx modules.StoreTx) error {
			job, err := tx.Job("j1")
			if err != nil {
				return err
			}
			job.State = types.JobRunning
			job.AssignedMiner = "m-1"
			if err := tx.PutJob(job); err != nil {
				return err
			}
			if err := tx.PutMiner(types.Miner{ID: "m-1", Inflight: 1}); err != nil {
				return err
			}
			return boom
		})
		if modules.CodeOf(err) != modules.ErrCodeInternal {
			t.Fatal("expected the update error to surface, got", err)
		}

		err = s.View(func(tx modules.StoreTx) error {
			job, err := tx.Job("j1")
			if err != nil {
				return err
			}
			if job.State != types.JobQueued || job.AssignedMiner != "" {
				t.Error("job transition leaked from failed transaction:", job)
			}
			if _, err := tx.Miner("m-1"); modules.CodeOf(err) != modules.ErrCodeMinerNotFound {
				t.Error("miner write leaked from failed transaction")
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	})
}
