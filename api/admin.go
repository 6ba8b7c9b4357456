package api

// admin.go contains the admin plane: queue statistics, the job listing,
// the miner roster, and the version probe.

import (
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/tensorgrid/tensorgrid/build"
	"github.com/tensorgrid/tensorgrid/modules"
	"github.com/tensorgrid/tensorgrid/types"
)

// AdminStats is the body of GET /v1/admin/stats. The success rate counts
// jobs that finished inside the window; a window with no finished jobs
// reports a rate of zero.
type AdminStats struct {
	QueueDepth uint64                    `json:"queue_depth"`
	Running    uint64                    `json:"running"`
	ByState    map[types.JobState]uint64 `json:"by_state"`

	MinersOnline  int     `json:"miners_online"`
	MinersTotal   int     `json:"miners_total"`
	SuccessRate   float64 `json:"success_rate"`
	WindowSeconds int64   `json:"window_seconds"`
}

// VersionResponse is the body of GET /v1/version.
type VersionResponse struct {
	Version     string `json:"version"`
	GitRevision string `json:"git_revision,omitempty"`
	BuildTime   string `json:"build_time,omitempty"`
}

// versionHandler handles GET /v1/version. It is deliberately
// unauthenticated; probes and load balancers use it.
func (a *API) versionHandler(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	writeJSON(w, VersionResponse{
		Version:     build.Version,
		GitRevision: build.GitRevision,
		BuildTime:   build.BuildTime,
	})
}

// windowedSuccessRate counts terminal outcomes inside the stats window.
func (a *API) windowedSuccessRate() (float64, error) {
	cutoff := a.clock.Now() - types.Timestamp(a.statsWindow.Seconds())
	var completed, failed int
	for _, state := range []types.JobState{types.JobCompleted, types.JobFailed} {
		jobs, err := a.queue.Jobs(state, 0)
		if err != nil {
			return 0, err
		}
		for _, job := range jobs {
			if job.FinishedAt < cutoff {
				continue
			}
			if state == types.JobCompleted {
				completed++
			} else {
				failed++
			}
		}
	}
	if completed+failed == 0 {
		return 0, nil
	}
	return float64(completed) / float64(completed+failed), nil
}

// adminStatsHandler handles GET /v1/admin/stats.
func (a *API) adminStatsHandler(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	queueStats, err := a.queue.Stats()
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	miners, err := a.registry.Miners()
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	online := 0
	for _, m := range miners {
		if m.Status == types.MinerOnline {
			online++
		}
	}
	rate, err := a.windowedSuccessRate()
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	writeJSON(w, AdminStats{
		QueueDepth: queueStats.QueueDepth,
		Running:    queueStats.Running,
		ByState:    queueStats.ByState,

		MinersOnline:  online,
		MinersTotal:   len(miners),
		SuccessRate:   rate,
		WindowSeconds: int64(a.statsWindow.Seconds()),
	})
}

// adminJobsHandler handles GET /v1/admin/jobs?state=&limit=.
func (a *API) adminJobsHandler(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	state := types.JobState(req.FormValue("state"))
	if state != "" && !state.Valid() {
		writeError(w, modules.NewErrorf(modules.ErrCodeInvalidPayload,
			"unknown job state %q", state), http.StatusBadRequest)
		return
	}
	limit := 0
	if raw := req.FormValue("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, modules.NewError(modules.ErrCodeInvalidPayload,
				"limit must be a non-negative integer"), http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	jobs, err := a.queue.Jobs(state, limit)
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	if jobs == nil {
		jobs = []types.Job{}
	}
	writeJSON(w, jobs)
}

// adminJobAttemptsHandler handles GET /v1/admin/jobs/:job_id/attempts.
func (a *API) adminJobAttemptsHandler(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	attempts, err := a.queue.Attempts(types.JobID(ps.ByName("job_id")))
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	if attempts == nil {
		attempts = []types.Attempt{}
	}
	writeJSON(w, attempts)
}

// adminMinersHandler handles GET /v1/admin/miners.
func (a *API) adminMinersHandler(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	miners, err := a.registry.Miners()
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	if miners == nil {
		miners = []types.Miner{}
	}
	writeJSON(w, miners)
}

// adminMinerDeleteHandler handles DELETE /v1/admin/miners/:miner_id. The
// miner's RUNNING jobs are requeued before the row is removed.
func (a *API) adminMinerDeleteHandler(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	if err := a.registry.DeleteMiner(types.MinerID(ps.ByName("miner_id"))); err != nil {
		a.writeFailure(w, err)
		return
	}
	writeJSON(w, struct {
		Deleted bool `json:"deleted"`
	}{true})
}
