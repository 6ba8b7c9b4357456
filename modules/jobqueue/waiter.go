package jobqueue

// waiter.go parks miner polls until work might be available. All waiters
// share one broadcast channel: a wakeup only means "the queue changed, try
// the matcher again", never "you have a job". Losing the re-match race to
// another waiter is normal and leaves the job untouched for the winner.

import (
	"context"
	"sync"
	"time"

	"github.com/tensorgrid/tensorgrid/types"
)

// A notifier is a single shared broadcast signal plus a set of event
// subscribers. Waiters use the broadcast channel; the websocket event
// stream uses subscriptions.
type notifier struct {
	mu      sync.Mutex
	ch      chan struct{}
	subs    map[uint64]chan struct{}
	nextSub uint64
}

func newNotifier() *notifier {
	return &notifier{
		ch:   make(chan struct{}),
		subs: make(map[uint64]chan struct{}),
	}
}

// wait returns a channel that closes on the next broadcast.
func (n *notifier) wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch
}

// broadcast wakes every parked waiter and pings every subscriber.
func (n *notifier) broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()
	close(n.ch)
	n.ch = make(chan struct{})
	for _, sub := range n.subs {
		select {
		case sub <- struct{}{}:
		default:
		}
	}
}

// subscribe registers an event subscriber. The returned cancel func must be
// called to release it.
func (n *notifier) subscribe() (<-chan struct{}, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextSub
	n.nextSub++
	ch := make(chan struct{}, 1)
	n.subs[id] = ch
	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

// Subscribe returns a channel that receives a signal whenever any job
// changes state, and a cancel function releasing the subscription.
func (jq *JobQueue) Subscribe() (<-chan struct{}, func()) {
	return jq.notify.subscribe()
}

// Poll matches the miner against the queue, parking the call for up to
// maxWait when nothing is eligible. The wait is clamped to the configured
// poll cap; maxWait <= 0 runs the matcher exactly once. A nil job with a
// nil error means the wait elapsed with nothing eligible. Context
// cancellation (the miner hung up) tears the waiter down silently.
func (jq *JobQueue) Poll(ctx context.Context, miner types.MinerID, maxWait time.Duration) (*types.Job, error) {
	if err := jq.tg.Add(); err != nil {
		return nil, err
	}
	defer jq.tg.Done()

	// The wake channel is armed before the matcher runs. A submit or
	// requeue landing right after an empty match then closes a channel
	// this waiter already holds, instead of replacing one it has not
	// picked up yet.
	wake := jq.notify.wait()
	job, err := jq.managedMatch(miner)
	if err != nil || job != nil {
		return job, err
	}
	if maxWait <= 0 {
		return nil, nil
	}
	if maxWait > jq.pollCap {
		maxWait = jq.pollCap
	}

	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	for {
		select {
		case <-wake:
			wake = jq.notify.wait()
			job, err := jq.managedMatch(miner)
			if err != nil || job != nil {
				return job, err
			}
		case <-deadline.C:
			// One final attempt; another waiter may have released capacity
			// while this one was parked.
			return jq.managedMatch(miner)
		case <-ctx.Done():
			return nil, nil
		case <-jq.tg.StopChan():
			return nil, nil
		}
	}
}
