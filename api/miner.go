package api

// miner.go contains the miner-facing endpoints. The one-segment verbs and
// the per-job paths share a wildcard route (see buildHTTPRoutes), so the
// first segment is dispatched by value here.

import (
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/tensorgrid/tensorgrid/modules"
	"github.com/tensorgrid/tensorgrid/types"
)

// HeartbeatRequest is the body of POST /v1/miners/heartbeat.
type HeartbeatRequest struct {
	InflightHint *uint64 `json:"inflight_hint,omitempty"`
}

// PollRequest is the body of POST /v1/miners/poll.
type PollRequest struct {
	MaxWaitSeconds uint64 `json:"max_wait_seconds"`
}

// FailRequest is the body of POST /v1/miners/{job_id}/fail.
type FailRequest struct {
	Error string `json:"error"`
}

// minerVerbHandler dispatches POST /v1/miners/{verb} for the one-segment
// verbs. Anything else in that position is a job id with a missing action
// segment, which no route serves.
func (a *API) minerVerbHandler(w http.ResponseWriter, req *http.Request, ps httprouter.Params, miner types.MinerID) {
	switch ps.ByName("verb") {
	case "register":
		a.minerRegisterHandler(w, req, miner)
	case "heartbeat":
		a.minerHeartbeatHandler(w, req, miner)
	case "poll":
		a.minerPollHandler(w, req, miner)
	case "drain":
		a.minerDrainHandler(w, req, miner)
	default:
		a.unrecognizedCallHandler(w, req)
	}
}

// minerRegisterHandler handles POST /v1/miners/register.
func (a *API) minerRegisterHandler(w http.ResponseWriter, req *http.Request, miner types.MinerID) {
	var rreq modules.RegisterRequest
	if err := readJSON(w, req, &rreq); err != nil {
		a.writeFailure(w, err)
		return
	}
	row, err := a.registry.Register(miner, rreq)
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	writeJSON(w, row)
}

// minerHeartbeatHandler handles POST /v1/miners/heartbeat. An empty body
// is a plain liveness refresh.
func (a *API) minerHeartbeatHandler(w http.ResponseWriter, req *http.Request, miner types.MinerID) {
	var hreq HeartbeatRequest
	if req.ContentLength != 0 {
		if err := readJSON(w, req, &hreq); err != nil {
			a.writeFailure(w, err)
			return
		}
	}
	row, err := a.registry.Heartbeat(miner, hreq.InflightHint)
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	writeJSON(w, row)
}

// minerPollHandler handles POST /v1/miners/poll. An empty result is 204;
// the miner simply polls again.
func (a *API) minerPollHandler(w http.ResponseWriter, req *http.Request, miner types.MinerID) {
	var preq PollRequest
	if req.ContentLength != 0 {
		if err := readJSON(w, req, &preq); err != nil {
			a.writeFailure(w, err)
			return
		}
	}
	job, err := a.queue.Poll(req.Context(), miner, time.Duration(preq.MaxWaitSeconds)*time.Second)
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, job)
}

// minerDrainHandler handles POST /v1/miners/drain.
func (a *API) minerDrainHandler(w http.ResponseWriter, req *http.Request, miner types.MinerID) {
	row, err := a.registry.Drain(miner)
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	writeJSON(w, row)
}

// minerResultHandler handles POST /v1/miners/{job_id}/result.
func (a *API) minerResultHandler(w http.ResponseWriter, req *http.Request, ps httprouter.Params, miner types.MinerID) {
	var sub modules.ResultSubmission
	if err := readJSON(w, req, &sub); err != nil {
		a.writeFailure(w, err)
		return
	}
	receipt, err := a.receipts.SubmitResult(miner, types.JobID(ps.ByName("verb")), sub)
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	writeJSON(w, receipt)
}

// minerFailHandler handles POST /v1/miners/{job_id}/fail.
func (a *API) minerFailHandler(w http.ResponseWriter, req *http.Request, ps httprouter.Params, miner types.MinerID) {
	var freq FailRequest
	if err := readJSON(w, req, &freq); err != nil {
		a.writeFailure(w, err)
		return
	}
	job, err := a.queue.Fail(miner, types.JobID(ps.ByName("verb")), freq.Error)
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	writeJSON(w, job)
}
