// Package receipts is an implementation of the receipt manager module. It
// verifies miner signatures over the canonical receipt payload, derives
// receipt ids from the canonical bytes, co-signs with the coordinator's
// attestation keys, and commits the receipt together with the job's
// completion in one store transaction.
package receipts

import (
	"encoding/json"

	"gitlab.com/NebulousLabs/errors"

	"github.com/tensorgrid/tensorgrid/build"
	"github.com/tensorgrid/tensorgrid/crypto"
	"github.com/tensorgrid/tensorgrid/modules"
	"github.com/tensorgrid/tensorgrid/persist"
	"github.com/tensorgrid/tensorgrid/types"
)

// A completionNotifier is the sliver of the job queue the manager needs:
// completing a job frees miner capacity, so parked pollers should retry.
type completionNotifier interface {
	NotifyJobUpdate()
}

// A Manager validates, signs and persists completion receipts.
type Manager struct {
	// Dependencies.
	store  modules.Store
	clock  modules.Clock
	notify completionNotifier

	// Policy.
	hashAlgo   crypto.HashAlgo
	attestKeys []crypto.SecretKey

	// Utilities.
	log *persist.Logger
}

// New returns an initialized receipt manager. attestKeys may be empty; each
// configured key produces one attestation on every accepted receipt.
func New(store modules.Store, clock modules.Clock, notify completionNotifier, hashAlgo crypto.HashAlgo, attestKeys []crypto.SecretKey, log *persist.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("receipt manager cannot use a nil store")
	}
	if hashAlgo == "" {
		hashAlgo = crypto.HashBlake2b
	}
	if !hashAlgo.Valid() {
		return nil, crypto.ErrUnknownHashAlgo
	}
	if clock == nil {
		clock = modules.StdClock{}
	}
	if log == nil {
		log = persist.NewDiscardLogger()
	}
	return &Manager{
		store:  store,
		clock:  clock,
		notify: notify,

		hashAlgo:   hashAlgo,
		attestKeys: attestKeys,

		log: log,
	}, nil
}

// validateSubmission checks the structural fields of a result submission.
// Signature verification and state checks happen elsewhere.
func validateSubmission(miner types.MinerID, id types.JobID, sub modules.ResultSubmission) error {
	r := sub.Receipt
	if r.JobID != id {
		return modules.NewError(modules.ErrCodeInvalidPayload,
			"receipt job_id does not match the submission path")
	}
	if r.Provider != miner {
		return modules.NewError(modules.ErrCodeInvalidPayload,
			"receipt provider does not match the submitting miner")
	}
	if r.Nonce == "" || r.PromptHash == "" || r.Model == "" {
		return modules.NewError(modules.ErrCodeInvalidPayload,
			"receipt is missing nonce, prompt_hash or model")
	}
	if !r.UnitType.Valid() {
		return modules.NewErrorf(modules.ErrCodeInvalidPayload,
			"unknown unit type %q", r.UnitType)
	}
	if r.Units < 0 {
		return modules.NewError(modules.ErrCodeInvalidPayload,
			"units cannot be negative")
	}
	if r.FinishedAt < r.StartedAt {
		return modules.NewError(modules.ErrCodeInvalidPayload,
			"receipt finished before it started")
	}
	if sub.Result != nil {
		if len(sub.Result.Data) != 0 && sub.Result.Ref != "" {
			return modules.NewError(modules.ErrCodeInvalidPayload,
				"result carries both inline data and a reference")
		}
		if len(sub.Result.Data) > types.MaxPayloadSize {
			return modules.NewErrorf(modules.ErrCodeInvalidPayload,
				"inline result exceeds %v bytes", types.MaxPayloadSize)
		}
		if len(sub.Result.Data) != 0 && !json.Valid(sub.Result.Data) {
			return modules.NewError(modules.ErrCodeInvalidPayload,
				"inline result must be a JSON document")
		}
	}
	return nil
}

// verifySignature checks the miner's Ed25519 signature over the canonical
// bytes. Every failure mode collapses to BAD_SIGNATURE; the submitter
// already knows what it signed.
func verifySignature(r types.Receipt, canonical []byte) error {
	badSig := modules.NewError(modules.ErrCodeBadSignature,
		"signature does not verify over the canonical receipt")
	if r.Signature.Algo != types.SigAlgoEd25519 {
		return badSig
	}
	if len(r.Signature.PublicKey) != crypto.PublicKeySize || len(r.Signature.Sig) != crypto.SignatureSize {
		return badSig
	}
	var pk crypto.PublicKey
	var sig crypto.Signature
	copy(pk[:], r.Signature.PublicKey)
	copy(sig[:], r.Signature.Sig)
	if err := crypto.VerifyBytes(canonical, pk, sig); err != nil {
		return badSig
	}
	return nil
}

// SubmitResult verifies and persists a completion receipt. On the happy path
// the job moves RUNNING to COMPLETED, the miner's inflight count drops, the
// attempt closes and the receipt appends, all in one transaction. A replay
// with identical canonical bytes returns the stored receipt; a nonce reuse
// with different bytes is rejected. A receipt for a job the client canceled
// mid-run is kept as evidence of work without reviving the job.
func (m *Manager) SubmitResult(miner types.MinerID, id types.JobID, sub modules.ResultSubmission) (types.Receipt, error) {
	if err := validateSubmission(miner, id, sub); err != nil {
		return types.Receipt{}, err
	}
	canonical, err := CanonicalBytes(sub.Receipt)
	if err != nil {
		return types.Receipt{}, err
	}
	if err := verifySignature(sub.Receipt, canonical); err != nil {
		return types.Receipt{}, err
	}

	receipt := sub.Receipt
	receipt.ID = m.hashAlgo.HashBytes(canonical).String()
	receipt.CreatedAt = m.clock.Now()
	receipt.Attestations = nil
	for _, sk := range m.attestKeys {
		pk := sk.PublicKey()
		sig := crypto.SignBytes(canonical, sk)
		receipt.Attestations = append(receipt.Attestations, types.ReceiptSignature{
			PublicKey: pk[:],
			Sig:       sig[:],
			Algo:      types.SigAlgoEd25519,
		})
	}

	var stored types.Receipt
	var completed bool
	err = m.store.Update(func(tx modules.StoreTx) error {
		completed = false
		job, err := tx.Job(id)
		if err != nil {
			return err
		}
		if receipt.Client != job.ClientID {
			return modules.NewError(modules.ErrCodeInvalidPayload,
				"receipt client does not match the job owner")
		}

		// Nonce replay. Identical canonical bytes hash to the same id, so an
		// id match means a byte-identical resubmission.
		history, err := tx.Receipts(id)
		if err != nil {
			return err
		}
		for _, prev := range history {
			if prev.Nonce != receipt.Nonce {
				continue
			}
			if prev.ID == receipt.ID {
				stored = prev
				return nil
			}
			return modules.NewError(modules.ErrCodeConflictReceipt,
				"nonce was already used with a different receipt payload")
		}

		switch {
		case job.State == types.JobRunning && job.AssignedMiner == miner:
			job.State = types.JobCompleted
			job.FinishedAt = receipt.FinishedAt
			if sub.Result != nil {
				job.Result = sub.Result
			}
			if err := tx.PutJob(job); err != nil {
				return err
			}
			if err := releaseMiner(tx, miner); err != nil {
				return err
			}
			if err := tx.CloseAttempt(job.ID, job.Attempts, receipt.FinishedAt, types.AttemptCompleted, receipt.ID); err != nil {
				return err
			}
			if err := tx.AppendReceipt(receipt); err != nil {
				return err
			}
			stored = receipt
			completed = true
			return nil

		case job.State == types.JobCanceled && lastAttemptBy(tx, job, miner):
			// The client canceled while the miner was still computing. The
			// work happened; keep the receipt as evidence, leave the job
			// CANCELED, and upgrade the attempt's cancel record.
			if err := tx.CloseAttempt(job.ID, job.Attempts, receipt.FinishedAt, types.AttemptEvidence, receipt.ID); err != nil {
				return err
			}
			if err := tx.AppendReceipt(receipt); err != nil {
				return err
			}
			stored = receipt
			return nil
		}
		return modules.NewErrorf(modules.ErrCodeConflictState,
			"job is not running on this miner (state %v)", job.State)
	})
	if err != nil {
		return types.Receipt{}, err
	}
	if completed {
		if m.notify != nil {
			m.notify.NotifyJobUpdate()
		}
		if m.log != nil {
			m.log.Printf("job %v completed by %v, receipt %v", id, miner, stored.ID)
		}
	}
	return stored, nil
}

// LatestReceipt returns the most recently appended receipt of a job.
func (m *Manager) LatestReceipt(id types.JobID) (types.Receipt, error) {
	var receipt types.Receipt
	err := m.store.View(func(tx modules.StoreTx) error {
		if _, err := tx.Job(id); err != nil {
			return err
		}
		history, err := tx.Receipts(id)
		if err != nil {
			return err
		}
		if len(history) == 0 {
			return modules.ErrNoReceipt
		}
		receipt = history[len(history)-1]
		return nil
	})
	if err != nil {
		return types.Receipt{}, err
	}
	return receipt, nil
}

// ReceiptHistory returns the full ordered receipt history of a job.
func (m *Manager) ReceiptHistory(id types.JobID) ([]types.Receipt, error) {
	var history []types.Receipt
	err := m.store.View(func(tx modules.StoreTx) error {
		if _, err := tx.Job(id); err != nil {
			return err
		}
		var err error
		history, err = tx.Receipts(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return history, nil
}

// lastAttemptBy reports whether the job's most recent attempt belongs to the
// miner. Used to recognize a canceled-mid-run miner submitting evidence.
func lastAttemptBy(tx modules.StoreTx, job types.Job, miner types.MinerID) bool {
	attempts, err := tx.Attempts(job.ID)
	if err != nil || len(attempts) == 0 {
		return false
	}
	last := attempts[len(attempts)-1]
	return last.Number == job.Attempts && last.MinerID == miner
}

// releaseMiner decrements a miner's inflight counter. A missing miner row is
// tolerated; the admin may have deleted it mid-flight.
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
