package api

// client.go contains the client-facing job endpoints.

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/tensorgrid/tensorgrid/modules"
	"github.com/tensorgrid/tensorgrid/types"
)

// idempotencyKeyHeader scopes repeated submissions to one job.
const idempotencyKeyHeader = "Idempotency-Key"

// SubmitJobResponse is the body returned by POST /v1/jobs.
type SubmitJobResponse struct {
	JobID       types.JobID     `json:"job_id"`
	State       types.JobState  `json:"state"`
	RequestedAt types.Timestamp `json:"requested_at"`
	ExpiresAt   types.Timestamp `json:"expires_at"`
}

// jobsSubmitHandler handles POST /v1/jobs.
func (a *API) jobsSubmitHandler(w http.ResponseWriter, req *http.Request, _ httprouter.Params, client types.ClientID) {
	var sreq modules.SubmitRequest
	if err := readJSON(w, req, &sreq); err != nil {
		a.writeFailure(w, err)
		return
	}
	sreq.IdempotencyKey = req.Header.Get(idempotencyKeyHeader)
	job, err := a.queue.Submit(client, sreq)
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	writeJSON(w, SubmitJobResponse{
		JobID:       job.ID,
		State:       job.State,
		RequestedAt: job.RequestedAt,
		ExpiresAt:   job.ExpiresAt,
	})
}

// jobGetHandler handles GET /v1/jobs/:job_id.
func (a *API) jobGetHandler(w http.ResponseWriter, req *http.Request, ps httprouter.Params, client types.ClientID) {
	job, err := a.queue.Job(client, types.JobID(ps.ByName("job_id")))
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	writeJSON(w, job)
}

// jobResultHandler handles GET /v1/jobs/:job_id/result. The result of a
// COMPLETED job is served; a non-terminal job is not ready yet; a job that
// ended any other way is gone for good.
func (a *API) jobResultHandler(w http.ResponseWriter, req *http.Request, ps httprouter.Params, client types.ClientID) {
	job, err := a.queue.Job(client, types.JobID(ps.ByName("job_id")))
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	switch {
	case job.State == types.JobCompleted:
		if job.Result == nil {
			writeJSON(w, types.JobResult{})
			return
		}
		writeJSON(w, job.Result)
	case !job.State.Terminal():
		writeError(w, modules.NewErrorf(modules.ErrCodeJobNotReady,
			"job is still %v", job.State), http.StatusTooEarly)
	default:
		writeError(w, modules.NewErrorf(modules.ErrCodeConflictState,
			"job ended %v without a result", job.State), http.StatusGone)
	}
}

// jobCancelHandler handles POST /v1/jobs/:job_id/cancel.
func (a *API) jobCancelHandler(w http.ResponseWriter, req *http.Request, ps httprouter.Params, client types.ClientID) {
	job, err := a.queue.Cancel(client, types.JobID(ps.ByName("job_id")))
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	writeJSON(w, job)
}

// checkReceiptAccess enforces job ownership for client callers. Admin
// callers arrive with the empty client id and read any job's receipts.
func (a *API) checkReceiptAccess(client types.ClientID, id types.JobID) error {
	if client == "" {
		return nil
	}
	_, err := a.queue.Job(client, id)
	return err
}

// jobReceiptHandler handles GET /v1/jobs/:job_id/receipt.
func (a *API) jobReceiptHandler(w http.ResponseWriter, req *http.Request, ps httprouter.Params, client types.ClientID) {
	id := types.JobID(ps.ByName("job_id"))
	if err := a.checkReceiptAccess(client, id); err != nil {
		a.writeFailure(w, err)
		return
	}
	receipt, err := a.receipts.LatestReceipt(id)
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	writeJSON(w, receipt)
}

// jobReceiptsHandler handles GET /v1/jobs/:job_id/receipts.
func (a *API) jobReceiptsHandler(w http.ResponseWriter, req *http.Request, ps httprouter.Params, client types.ClientID) {
	id := types.JobID(ps.ByName("job_id"))
	if err := a.checkReceiptAccess(client, id); err != nil {
		a.writeFailure(w, err)
		return
	}
	history, err := a.receipts.ReceiptHistory(id)
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	if history == nil {
		history = []types.Receipt{}
	}
	writeJSON(w, history)
}
