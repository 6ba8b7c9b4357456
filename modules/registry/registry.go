// Package registry is an implementation of the miner registry module. It
// tracks the capabilities and liveness of every miner that has registered
// with the coordinator, and reaps miners whose heartbeats lapse, returning
// their running jobs to the queue.
package registry

import (
	"encoding/json"
	"time"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/threadgroup"

	"github.com/tensorgrid/tensorgrid/modules"
	"github.com/tensorgrid/tensorgrid/persist"
	"github.com/tensorgrid/tensorgrid/types"
)

// A Requeuer is notified when a miner has been declared OFFLINE so that the
// miner's running jobs can be returned to the queue. The job queue satisfies
// this interface.
type Requeuer interface {
	OnMinerOffline(id types.MinerID) error
}

// A Registry tracks miner capability and liveness state.
type Registry struct {
	// Dependencies.
	store    modules.Store
	clock    modules.Clock
	requeuer Requeuer

	// Liveness policy.
	heartbeatTimeout time.Duration
	reaperPeriod     time.Duration

	// Utilities.
	log *persist.Logger
	tg  threadgroup.ThreadGroup
}

// New returns an initialized Registry and starts its reaper loop. The
// requeuer receives a callback for every miner the reaper declares OFFLINE.
func New(store modules.Store, clock modules.Clock, requeuer Requeuer, heartbeatTimeout, reaperPeriod time.Duration, log *persist.Logger) (*Registry, error) {
	if store == nil {
		return nil, errors.New("registry cannot use a nil store")
	}
	if requeuer == nil {
		return nil, errors.New("registry cannot use a nil requeuer")
	}
	if clock == nil {
		clock = modules.StdClock{}
	}
	if log == nil {
		log = persist.NewDiscardLogger()
	}
	r := &Registry{
		store:    store,
		clock:    clock,
		requeuer: requeuer,

		heartbeatTimeout: heartbeatTimeout,
		reaperPeriod:     reaperPeriod,

		log: log,
	}
	go r.threadedReaper()
	return r, nil
}

// Close stops the reaper loop.
func (r *Registry) Close() error {
	return r.tg.Stop()
}

// Register upserts a miner row. A new miner starts ONLINE with zero
// inflight; a returning miner keeps its inflight count and registration
// time but has its capabilities, concurrency and price replaced.
func (r *Registry) Register(id types.MinerID, req modules.RegisterRequest) (types.Miner, error) {
	if err := r.tg.Add(); err != nil {
		return types.Miner{}, err
	}
	defer r.tg.Done()

	capsBytes, err := json.Marshal(req.Capabilities)
	if err != nil {
		return types.Miner{}, err
	}
	if len(capsBytes) > types.MaxCapabilitiesSize {
		return types.Miner{}, modules.NewErrorf(modules.ErrCodeInvalidPayload,
			"capabilities exceed %v bytes", types.MaxCapabilitiesSize)
	}
	if req.Concurrency == 0 {
		return types.Miner{}, modules.NewError(modules.ErrCodeInvalidPayload,
			"concurrency must be at least 1")
	}

	now := r.clock.Now()
	var miner types.Miner
	err = r.store.Update(func(tx modules.StoreTx) error {
		existing, err := tx.Miner(id)
		if modules.CodeOf(err) == modules.ErrCodeMinerNotFound {
			miner = types.Miner{
				ID:           id,
				Status:       types.MinerOnline,
				HeartbeatAt:  now,
				RegisteredAt: now,
			}
		} else if err != nil {
			return err
		} else {
			miner = existing
			miner.Status = types.MinerOnline
			miner.HeartbeatAt = now
		}
		miner.Capabilities = req.Capabilities
		miner.Concurrency = req.Concurrency
		miner.PricePerHour = req.PricePerHour
		return tx.PutMiner(miner)
	})
	if err != nil {
		return types.Miner{}, err
	}
	return miner, nil
}

// Heartbeat refreshes a miner's liveness. An OFFLINE miner returns to
// ONLINE; DRAINING is preserved. The inflight hint is advisory only: the
// coordinator's count is derived from its own assignments, a divergence is
// logged and the hint discarded.
func (r *Registry) Heartbeat(id types.MinerID, inflightHint *uint64) (types.Miner, error) {
	if err := r.tg.Add(); err != nil {
		return types.Miner{}, err
	}
	defer r.tg.Done()

	now := r.clock.Now()
	var miner types.Miner
	err := r.store.Update(func(tx modules.StoreTx) error {
		var err error
		miner, err = tx.Miner(id)
		if err != nil {
			return err
		}
		miner.HeartbeatAt = now
		if miner.Status == types.MinerOffline {
			miner.Status = types.MinerOnline
		}
		return tx.PutMiner(miner)
	})
	if err != nil {
		return types.Miner{}, err
	}
	if inflightHint != nil && *inflightHint != miner.Inflight && r.log != nil {
		r.log.Printf("heartbeat from %v reports inflight=%v, coordinator has %v",
			id, *inflightHint, miner.Inflight)
	}
	return miner, nil
}

// Drain marks a miner as DRAINING: no new assignments, running work
// continues untouched.
func (r *Registry) Drain(id types.MinerID) (types.Miner, error) {
	if err := r.tg.Add(); err != nil {
		return types.Miner{}, err
	}
	defer r.tg.Done()

	var miner types.Miner
	err := r.store.Update(func(tx modules.StoreTx) error {
		var err error
		miner, err = tx.Miner(id)
		if err != nil {
			return err
		}
		miner.Status = types.MinerDraining
		return tx.PutMiner(miner)
	})
	if err != nil {
		return types.Miner{}, err
	}
	return miner, nil
}

// Miner returns a single miner row.
func (r *Registry) Miner(id types.MinerID) (types.Miner, error) {
	var miner types.Miner
	err := r.store.View(func(tx modules.StoreTx) error {
		var err error
		miner, err = tx.Miner(id)
		return err
	})
	return miner, err
}

// Miners returns the full roster, for the admin surface.
func (r *Registry) Miners() ([]types.Miner, error) {
	var miners []types.Miner
	err := r.store.View(func(tx modules.StoreTx) error {
		var err error
		miners, err = tx.Miners()
		return err
	})
	return miners, err
}

// DeleteMiner removes a miner row entirely. Its running jobs are requeued
// first, exactly as if the miner had gone OFFLINE.
func (r *Registry) DeleteMiner(id types.MinerID) error {
	if err := r.tg.Add(); err != nil {
		return err
	}
	defer r.tg.Done()

	if err := r.requeuer.OnMinerOffline(id); err != nil {
		return errors.AddContext(err, "unable to requeue jobs of deleted miner")
	}
	return r.store.Update(func(tx modules.StoreTx) error {
		if _, err := tx.Miner(id); err != nil {
			return err
		}
		return tx.DeleteMiner(id)
	})
}

// threadedReaper periodically sweeps the roster for miners whose heartbeat
// has lapsed, marks them OFFLINE and hands their running jobs back to the
// queue.
func (r *Registry) threadedReaper() {
	err := r.tg.Add()
	if err != nil {
		return
	}
	defer r.tg.Done()

	ticker := time.NewTicker(r.reaperPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-r.tg.StopChan():
			return
		case <-ticker.C:
		}
		if err := r.managedReapOffline(); err != nil && r.log != nil {
			r.log.Println("WARN: reaper pass failed:", err)
		}
	}
}

// managedReapOffline performs one reaper pass. A miner whose heartbeat is
// exactly at the timeout is still considered live; only a strictly larger
// gap takes it OFFLINE.
func (r *Registry) managedReapOffline() error {
	now := r.clock.Now()
	cutoff := types.Timestamp(int64(now) - int64(r.heartbeatTimeout/time.Second))

	var lost []types.MinerID
	err := r.store.Update(func(tx modules.StoreTx) error {
		lost = lost[:0]
		miners, err := tx.Miners()
		if err != nil {
			return err
		}
		for _, miner := range miners {
			if miner.Status == types.MinerOffline {
				continue
			}
			if miner.HeartbeatAt >= cutoff {
				continue
			}
			miner.Status = types.MinerOffline
			if err := tx.PutMiner(miner); err != nil {
				return err
			}
			lost = append(lost, miner.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, id := range lost {
		if r.log != nil {
			r.log.Printf("miner %v missed its heartbeat window, marked OFFLINE", id)
		}
		if err := r.requeuer.OnMinerOffline(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Compose(errs...)
}
