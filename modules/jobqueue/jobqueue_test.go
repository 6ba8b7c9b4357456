package jobqueue

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tensorgrid/tensorgrid/modules"
	"github.com/tensorgrid/tensorgrid/modules/store"
	"github.com/tensorgrid/tensorgrid/types"
)

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now types.Timestamp
}

func (c *testClock) Now() types.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) advance(seconds int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += types.Timestamp(seconds)
}

// queueTester wraps a JobQueue over an in-memory store.
type queueTester struct {
	store *store.MemStore
	clock *testClock
	jq    *JobQueue
}

func newQueueTester(t *testing.T, config Config) *queueTester {
	t.Helper()
	if config.TTLMin == 0 {
		config.TTLMin = 60 * time.Second
	}
	if config.TTLMax == 0 {
		config.TTLMax = 900 * time.Second
	}
	if config.MaxAttempts == 0 {
		config.MaxAttempts = 3
	}
	if config.PollCap == 0 {
		config.PollCap = 10 * time.Second
	}
	s := store.NewMemStore()
	clock := &testClock{now: 1000}
	jq, err := New(s, clock, config, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { jq.Close() })
	return &queueTester{store: s, clock: clock, jq: jq}
}

// addMiner seeds an ONLINE miner row directly in the store.
func (qt *queueTester) addMiner(t *testing.T, id types.MinerID, caps types.Capabilities, concurrency uint64) {
	t.Helper()
	err := qt.store.Update(func(tx modules.StoreTx) error {
		return tx.PutMiner(types.Miner{
			ID:           id,
			Capabilities: caps,
			Concurrency:  concurrency,
			Status:       types.MinerOnline,
			HeartbeatAt:  qt.clock.Now(),
		})
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (qt *queueTester) miner(t *testing.T, id types.MinerID) types.Miner {
	t.Helper()
	var miner types.Miner
	err := qt.store.View(func(tx modules.StoreTx) error {
		var err error
		miner, err = tx.Miner(id)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return miner
}

func (qt *queueTester) submit(t *testing.T, client types.ClientID, ttl uint64) types.Job {
	t.Helper()
	job, err := qt.jq.Submit(client, modules.SubmitRequest{
		Payload:    []byte(`{"prompt":"hi"}`),
		TTLSeconds: ttl,
	})
	if err != nil {
		t.Fatal(err)
	}
	return job
}

// TestSubmitValidation exercises payload and TTL boundaries.
func TestSubmitValidation(t *testing.T) {
	qt := newQueueTester(t, Config{})

	// Not JSON.
	_, err := qt.jq.Submit("c-1", modules.SubmitRequest{Payload: []byte("not json"), TTLSeconds: 120})
	if modules.CodeOf(err) != modules.ErrCodeInvalidPayload {
		t.Error("expected INVALID_PAYLOAD for a non-JSON payload, got", err)
	}

	// Exactly at the size cap is fine; one byte over is not. The payload is
	// a JSON string padded to the target length.
	pad := func(n int) []byte {
		body := make([]byte, n)
		body[0] = '"'
		body[n-1] = '"'
		for i := 1; i < n-1; i++ {
			body[i] = 'x'
		}
		return body
	}
	if _, err := qt.jq.Submit("c-1", modules.SubmitRequest{Payload: pad(types.MaxPayloadSize), TTLSeconds: 120}); err != nil {
		t.Error("payload at the cap should be accepted:", err)
	}
	_, err = qt.jq.Submit("c-1", modules.SubmitRequest{Payload: pad(types.MaxPayloadSize + 1), TTLSeconds: 120})
	if modules.CodeOf(err) != modules.ErrCodeInvalidPayload {
		t.Error("expected INVALID_PAYLOAD one byte over the cap, got", err)
	}

	// TTL bounds are inclusive.
	for _, ttl := range []uint64{60, 900} {
		if _, err := qt.jq.Submit("c-1", modules.SubmitRequest{Payload: []byte(`{}`), TTLSeconds: ttl}); err != nil {
			t.Errorf("ttl %v should be accepted: %v", ttl, err)
		}
	}
	for _, ttl := range []uint64{59, 901} {
		_, err := qt.jq.Submit("c-1", modules.SubmitRequest{Payload: []byte(`{}`), TTLSeconds: ttl})
		if modules.CodeOf(err) != modules.ErrCodeTTLOutOfRange {
			t.Errorf("ttl %v should be rejected, got %v", ttl, err)
		}
	}
}

// TestSubmitIdempotency checks that a key returns the original job forever
// and is scoped to the client.
func TestSubmitIdempotency(t *testing.T) {
	qt := newQueueTester(t, Config{})
	req := modules.SubmitRequest{Payload: []byte(`{}`), TTLSeconds: 120, IdempotencyKey: "once"}

	first, err := qt.jq.Submit("c-1", req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := qt.jq.Submit("c-1", req)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Error("idempotent resubmission created a new job")
	}

	other, err := qt.jq.Submit("c-2", req)
	if err != nil {
		t.Fatal(err)
	}
	if other.ID == first.ID {
		t.Error("idempotency key leaked across clients")
	}
}

// TestMatchAssignsOldestEligible drives the matcher through a direct poll.
func TestMatchAssignsOldestEligible(t *testing.T) {
	qt := newQueueTester(t, Config{})
	qt.addMiner(t, "m-1", types.Capabilities{GPUModel: "RTX4090", GPUMemoryGiB: 24}, 1)

	old := qt.submit(t, "c-1", 120)
	qt.clock.advance(5)
	qt.submit(t, "c-1", 120)

	job, err := qt.jq.Poll(testCtx(t), "m-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.ID != old.ID {
		t.Fatal("expected the oldest job to be assigned, got", job)
	}
	if job.State != types.JobRunning || job.AssignedMiner != "m-1" || job.Attempts != 1 {
		t.Error("assignment did not transition correctly:", job)
	}
	if job.StartedAt != qt.clock.Now() {
		t.Error("started_at not stamped on assignment")
	}
	if inflight := qt.miner(t, "m-1").Inflight; inflight != 1 {
		t.Error("expected inflight 1 after assignment, got", inflight)
	}

	// Concurrency 1: a second poll finds nothing despite a queued job.
	job, err = qt.jq.Poll(testCtx(t), "m-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Error("full miner should receive no work, got", job)
	}
}

// TestMatchHonorsConstraints checks that an ineligible miner is skipped.
func TestMatchHonorsConstraints(t *testing.T) {
	qt := newQueueTester(t, Config{})
	qt.addMiner(t, "m-small", types.Capabilities{GPUModel: "RTX3060", GPUMemoryGiB: 12}, 1)
	qt.addMiner(t, "m-big", types.Capabilities{GPUModel: "RTX4090", GPUMemoryGiB: 24}, 1)

	_, err := qt.jq.Submit("c-1", modules.SubmitRequest{
		Payload:    []byte(`{}`),
		TTLSeconds: 120,
		Constraints: types.Constraints{
			GPUModelPrefix: "RTX40",
			MinVRAMGiB:     16,
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	job, err := qt.jq.Poll(testCtx(t), "m-small", 0)
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Fatal("ineligible miner was assigned the job")
	}
	job, err = qt.jq.Poll(testCtx(t), "m-big", 0)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("eligible miner received no work")
	}
}

// TestMatchSkipsDraining checks DRAINING and OFFLINE miners get nothing.
func TestMatchSkipsDraining(t *testing.T) {
	qt := newQueueTester(t, Config{})
	qt.addMiner(t, "m-1", types.Capabilities{}, 1)
	qt.submit(t, "c-1", 120)

	for _, status := range []types.MinerStatus{types.MinerDraining, types.MinerOffline} {
		err := qt.store.Update(func(tx modules.StoreTx) error {
			miner, err := tx.Miner("m-1")
			if err != nil {
				return err
			}
			miner.Status = status
			return tx.PutMiner(miner)
		})
		if err != nil {
			t.Fatal(err)
		}
		job, err := qt.jq.Poll(testCtx(t), "m-1", 0)
		if err != nil {
			t.Fatal(err)
		}
		if job != nil {
			t.Errorf("%v miner should receive no work", status)
		}
	}
}

// TestCancelIdempotent checks cancel; cancel is observationally identical.
func TestCancelIdempotent(t *testing.T) {
	qt := newQueueTester(t, Config{})
	job := qt.submit(t, "c-1", 120)

	first, err := qt.jq.Cancel("c-1", job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if first.State != types.JobCanceled {
		t.Fatal("expected CANCELED, got", first.State)
	}
	second, err := qt.jq.Cancel("c-1", job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if second.State != first.State || second.FinishedAt != first.FinishedAt {
		t.Error("second cancel changed observable state")
	}

	// A foreign client can neither read nor cancel.
	if _, err := qt.jq.Cancel("c-2", job.ID); modules.CodeOf(err) != modules.ErrCodeForbidden {
		t.Error("expected FORBIDDEN for foreign cancel, got", err)
	}
}

// TestCancelRunningReleasesMiner checks the RUNNING cancel path.
func TestCancelRunningReleasesMiner(t *testing.T) {
	qt := newQueueTester(t, Config{})
	qt.addMiner(t, "m-1", types.Capabilities{}, 1)
	job := qt.submit(t, "c-1", 120)
	if _, err := qt.jq.Poll(testCtx(t), "m-1", 0); err != nil {
		t.Fatal(err)
	}

	canceled, err := qt.jq.Cancel("c-1", job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if canceled.State != types.JobCanceled || canceled.AssignedMiner != "" || canceled.StartedAt != 0 {
		t.Error("cancel from RUNNING must clear the assignment:", canceled)
	}
	if inflight := qt.miner(t, "m-1").Inflight; inflight != 0 {
		t.Error("expected inflight 0 after cancel, got", inflight)
	}
	attempts, err := qt.jq.Attempts(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 1 || attempts[0].Outcome != types.AttemptCanceled {
		t.Error("expected the attempt closed as canceled:", attempts)
	}
}

// TestFail checks the miner failure path and its guards.
func TestFail(t *testing.T) {
	qt := newQueueTester(t, Config{})
	qt.addMiner(t, "m-1", types.Capabilities{}, 1)
	job := qt.submit(t, "c-1", 120)

	// Not RUNNING yet.
	if _, err := qt.jq.Fail("m-1", job.ID, "oom"); modules.CodeOf(err) != modules.ErrCodeConflictState {
		t.Error("expected CONFLICT_STATE failing a QUEUED job, got", err)
	}
	if _, err := qt.jq.Poll(testCtx(t), "m-1", 0); err != nil {
		t.Fatal(err)
	}

	// Wrong miner.
	if _, err := qt.jq.Fail("m-2", job.ID, "oom"); modules.CodeOf(err) != modules.ErrCodeConflictState {
		t.Error("expected CONFLICT_STATE for a foreign miner, got", err)
	}

	failed, err := qt.jq.Fail("m-1", job.ID, "oom")
	if err != nil {
		t.Fatal(err)
	}
	if failed.State != types.JobFailed || failed.Error != "oom" {
		t.Error("failure did not record:", failed)
	}
	// FAILED keeps the assignment for the audit trail.
	if failed.AssignedMiner != "m-1" || failed.StartedAt == 0 {
		t.Error("FAILED must keep assigned_miner and started_at:", failed)
	}
	if inflight := qt.miner(t, "m-1").Inflight; inflight != 0 {
		t.Error("expected inflight 0 after failure, got", inflight)
	}
}

// TestExpiry checks the TTL sweep and its boundary.
func TestExpiry(t *testing.T) {
	qt := newQueueTester(t, Config{})
	job := qt.submit(t, "c-1", 60)

	// One second before the deadline nothing happens.
	qt.clock.advance(59)
	if err := qt.jq.managedExpire(); err != nil {
		t.Fatal(err)
	}
	got, err := qt.jq.Job("c-1", job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != types.JobQueued {
		t.Fatal("job expired early")
	}

	qt.clock.advance(1)
	if err := qt.jq.managedExpire(); err != nil {
		t.Fatal(err)
	}
	got, err = qt.jq.Job("c-1", job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != types.JobExpired || got.FinishedAt != qt.clock.Now() {
		t.Error("expected EXPIRED at the deadline:", got)
	}
}

// TestExpiredJobNotMatched checks the matcher leaves overdue jobs alone.
func TestExpiredJobNotMatched(t *testing.T) {
	qt := newQueueTester(t, Config{})
	qt.addMiner(t, "m-1", types.Capabilities{}, 1)
	qt.submit(t, "c-1", 60)
	qt.clock.advance(61)

	job, err := qt.jq.Poll(testCtx(t), "m-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Error("overdue job must not be assigned, got", job)
	}
}

// TestRequeueOnMinerOffline walks a job through loss, reassignment and
// abandonment.
func TestRequeueOnMinerOffline(t *testing.T) {
	qt := newQueueTester(t, Config{MaxAttempts: 2})
	qt.addMiner(t, "m-1", types.Capabilities{}, 1)
	qt.addMiner(t, "m-2", types.Capabilities{}, 1)
	job := qt.submit(t, "c-1", 900)

	assigned, err := qt.jq.Poll(testCtx(t), "m-1", 0)
	if err != nil || assigned == nil {
		t.Fatal("first assignment failed:", err)
	}
	if assigned.Attempts != 1 {
		t.Fatal("expected attempts=1 after first assignment, got", assigned.Attempts)
	}

	if err := qt.jq.OnMinerOffline("m-1"); err != nil {
		t.Fatal(err)
	}
	got, err := qt.jq.Job("c-1", job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != types.JobQueued || got.AssignedMiner != "" || got.StartedAt != 0 {
		t.Fatal("expected the job back in the queue:", got)
	}
	if got.Attempts != 2 {
		t.Fatal("a requeued job carries its next attempt number, got", got.Attempts)
	}
	if inflight := qt.miner(t, "m-1").Inflight; inflight != 0 {
		t.Error("lost miner's inflight not reconciled, got", inflight)
	}

	assigned, err = qt.jq.Poll(testCtx(t), "m-2", 0)
	if err != nil || assigned == nil {
		t.Fatal("second assignment failed:", err)
	}
	if assigned.Attempts != 2 {
		t.Fatal("expected attempts=2 after reassignment, got", assigned.Attempts)
	}

	// Second loss exhausts the attempt budget.
	if err := qt.jq.OnMinerOffline("m-2"); err != nil {
		t.Fatal(err)
	}
	got, err = qt.jq.Job("c-1", job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != types.JobFailed || got.Error != "abandoned" {
		t.Error("expected FAILED abandoned after the last loss:", got)
	}
	attempts, err := qt.jq.Attempts(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 2 ||
		attempts[0].Outcome != types.AttemptRequeued ||
		attempts[1].Outcome != types.AttemptAbandoned {
		t.Error("attempt ledger wrong:", attempts)
	}
}

// TestPollParksUntilSubmit checks that a parked poll wakes on submission.
func TestPollParksUntilSubmit(t *testing.T) {
	qt := newQueueTester(t, Config{})
	qt.addMiner(t, "m-1", types.Capabilities{}, 1)

	type result struct {
		job *types.Job
		err error
	}
	done := make(chan result, 1)
	go func() {
		job, err := qt.jq.Poll(testCtx(t), "m-1", 5*time.Second)
		done <- result{job, err}
	}()

	// Give the poller a moment to park, then submit.
	time.Sleep(50 * time.Millisecond)
	submitted := qt.submit(t, "c-1", 120)

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatal(res.err)
		}
		if res.job == nil || res.job.ID != submitted.ID {
			t.Fatal("parked poll did not receive the submitted job:", res.job)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("poll did not wake on submission")
	}
}

// raceStore runs a one-shot hook after an Update commits, staging work in
// the window between a waiter's empty match and its park.
type raceStore struct {
	modules.Store
	mu   sync.Mutex
	hook func()
}

func (rs *raceStore) Update(fn func(modules.StoreTx) error) error {
	err := rs.Store.Update(fn)
	rs.mu.Lock()
	hook := rs.hook
	rs.hook = nil
	rs.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

// TestPollWakesOnRacingSubmit submits a job immediately after a poll's
// first match comes up empty, and checks that the waiter still wakes
// instead of sleeping out its full deadline.
func TestPollWakesOnRacingSubmit(t *testing.T) {
	rs := &raceStore{Store: store.NewMemStore()}
	jq, err := New(rs, &testClock{now: 1000}, Config{
		TTLMin:      60 * time.Second,
		TTLMax:      900 * time.Second,
		MaxAttempts: 3,
		PollCap:     30 * time.Second,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { jq.Close() })

	err = rs.Update(func(tx modules.StoreTx) error {
		return tx.PutMiner(types.Miner{
			ID:          "m-1",
			Concurrency: 1,
			Status:      types.MinerOnline,
			HeartbeatAt: 1000,
		})
	})
	if err != nil {
		t.Fatal(err)
	}

	rs.mu.Lock()
	rs.hook = func() {
		_, err := jq.Submit("c-1", modules.SubmitRequest{
			Payload:    []byte(`{"prompt":"hi"}`),
			TTLSeconds: 120,
		})
		if err != nil {
			t.Error("racing submit failed:", err)
		}
	}
	rs.mu.Unlock()

	start := time.Now()
	job, err := jq.Poll(testCtx(t), "m-1", 3*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("poll missed the racing submission")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Error("poll slept through the submission wakeup:", elapsed)
	}
}

// TestPollClampAndZeroWait checks the wait bounds.
func TestPollClampAndZeroWait(t *testing.T) {
	qt := newQueueTester(t, Config{PollCap: 100 * time.Millisecond})
	qt.addMiner(t, "m-1", types.Capabilities{}, 1)

	// Zero wait returns immediately.
	start := time.Now()
	job, err := qt.jq.Poll(testCtx(t), "m-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Fatal("empty queue must yield an empty poll")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Error("zero wait should not park, took", elapsed)
	}

	// A wait far beyond the cap is clamped to it.
	start = time.Now()
	job, err = qt.jq.Poll(testCtx(t), "m-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Fatal("empty queue must yield an empty poll")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Error("wait was not clamped to the poll cap, took", elapsed)
	}
}

// TestStats checks the queue snapshot.
func TestStats(t *testing.T) {
	qt := newQueueTester(t, Config{})
	qt.addMiner(t, "m-1", types.Capabilities{}, 1)
	qt.submit(t, "c-1", 120)
	qt.submit(t, "c-1", 120)
	if _, err := qt.jq.Poll(testCtx(t), "m-1", 0); err != nil {
		t.Fatal(err)
	}

	stats, err := qt.jq.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.QueueDepth != 1 || stats.Running != 1 {
		t.Error("wrong stats:", stats)
	}
}

// TestJobOwnership checks the read guard.
func TestJobOwnership(t *testing.T) {
	qt := newQueueTester(t, Config{})
	job := qt.submit(t, "c-1", 120)

	if _, err := qt.jq.Job("c-2", job.ID); modules.CodeOf(err) != modules.ErrCodeForbidden {
		t.Error("expected FORBIDDEN for a foreign read, got", err)
	}
	if _, err := qt.jq.Job("c-1", "nope"); modules.CodeOf(err) != modules.ErrCodeJobNotFound {
		t.Error("expected JOB_NOT_FOUND, got", err)
	}
	got, err := qt.jq.Job("c-1", job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Payload, job.Payload) {
		t.Error("payload did not round trip")
	}
}
