// Package api implements the coordinator's HTTP surface: job intake and
// inspection for clients, registration and long-poll dispatch for miners,
// and the admin plane. Every response is JSON; errors use a single
// envelope carrying a machine-readable code.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/tensorgrid/tensorgrid/modules"
	"github.com/tensorgrid/tensorgrid/persist"
	"github.com/tensorgrid/tensorgrid/types"
)

// Config carries the API policy knobs.
type Config struct {
	ClientKeys []string
	MinerKeys  []string
	AdminKeys  []string

	RateWindow      time.Duration
	RateMaxRequests int

	// StatsWindow bounds the success-rate window on the admin stats
	// endpoint. Zero means one hour.
	StatsWindow time.Duration
}

// An API routes requests to the coordinator subsystems.
type API struct {
	// Dependencies.
	registry modules.MinerRegistry
	queue    modules.JobQueue
	receipts modules.ReceiptManager

	// Edge concerns.
	auth    *authenticator
	limiter *rateLimiter
	metrics *apiMetrics

	// Policy.
	statsWindow time.Duration

	// Utilities.
	clock  modules.Clock
	log    *persist.Logger
	router *httprouter.Router
}

// New builds the API from its subsystems and wires the route table.
func New(config Config, registry modules.MinerRegistry, queue modules.JobQueue, receipts modules.ReceiptManager, clock modules.Clock, log *persist.Logger) *API {
	if clock == nil {
		clock = modules.StdClock{}
	}
	if config.StatsWindow <= 0 {
		config.StatsWindow = time.Hour
	}
	if log == nil {
		log = persist.NewDiscardLogger()
	}
	a := &API{
		registry: registry,
		queue:    queue,
		receipts: receipts,

		auth:    newAuthenticator(config),
		limiter: newRateLimiter(config.RateWindow, config.RateMaxRequests),

		statsWindow: config.StatsWindow,

		clock: clock,
		log:   log,
	}
	a.metrics = newAPIMetrics(queue, registry)
	a.buildHTTPRoutes()
	return a
}

// ServeHTTP implements the http.Handler interface.
func (a *API) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	a.router.ServeHTTP(w, req)
}

// buildHTTPRoutes determines which functions handle each API call.
func (a *API) buildHTTPRoutes() {
	router := httprouter.New()
	router.NotFound = http.HandlerFunc(a.unrecognizedCallHandler)

	// Unauthenticated probes.
	router.GET("/v1/version", a.versionHandler)
	router.GET("/metrics", a.requireAdmin("metrics", a.metricsHandler))

	// Client API calls.
	router.POST("/v1/jobs", a.requireClient("jobs.submit", a.jobsSubmitHandler))
	router.GET("/v1/jobs/:job_id", a.requireClient("jobs.get", a.jobGetHandler))
	router.GET("/v1/jobs/:job_id/result", a.requireClient("jobs.result", a.jobResultHandler))
	router.POST("/v1/jobs/:job_id/cancel", a.requireClient("jobs.cancel", a.jobCancelHandler))
	router.GET("/v1/jobs/:job_id/receipt", a.requireReceiptReader("jobs.receipt", a.jobReceiptHandler))
	router.GET("/v1/jobs/:job_id/receipts", a.requireReceiptReader("jobs.receipts", a.jobReceiptsHandler))
	router.GET("/v1/jobs/:job_id/events", a.requireClient("jobs.events", a.jobEventsHandler))

	// Miner API calls. httprouter rejects a static child next to a
	// wildcard, so the one-segment verbs (register, heartbeat, poll,
	// drain) share a route with the job id and are dispatched by value.
	router.POST("/v1/miners/:verb", a.requireMiner("miners.verb", a.minerVerbHandler))
	router.POST("/v1/miners/:verb/result", a.requireMiner("miners.result", a.minerResultHandler))
	router.POST("/v1/miners/:verb/fail", a.requireMiner("miners.fail", a.minerFailHandler))

	// Admin API calls.
	router.GET("/v1/admin/stats", a.requireAdmin("admin.stats", a.adminStatsHandler))
	router.GET("/v1/admin/jobs", a.requireAdmin("admin.jobs", a.adminJobsHandler))
	router.GET("/v1/admin/jobs/:job_id/attempts", a.requireAdmin("admin.jobs.attempts", a.adminJobAttemptsHandler))
	router.GET("/v1/admin/miners", a.requireAdmin("admin.miners", a.adminMinersHandler))
	router.DELETE("/v1/admin/miners/:miner_id", a.requireAdmin("admin.miners.delete", a.adminMinerDeleteHandler))

	a.router = router
}

// unrecognizedCallHandler handles calls to unknown paths.
func (a *API) unrecognizedCallHandler(w http.ResponseWriter, req *http.Request) {
	http.Error(w, "404 - Refer to API documentation", http.StatusNotFound)
}

// errorEnvelope is the uniform error body.
type errorEnvelope struct {
	Error *modules.Error `json:"error"`
}

// statusFor maps an error code to its HTTP status.
func statusFor(code modules.ErrorCode) int {
	switch code {
	case modules.ErrCodeUnauthorizedKey:
		return http.StatusUnauthorized
	case modules.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case modules.ErrCodeInvalidPayload, modules.ErrCodeTTLOutOfRange, modules.ErrCodeBadSignature:
		return http.StatusBadRequest
	case modules.ErrCodeJobNotFound, modules.ErrCodeMinerNotFound:
		return http.StatusNotFound
	case modules.ErrCodeForbidden:
		return http.StatusForbidden
	case modules.ErrCodeJobNotReady:
		return http.StatusTooEarly
	case modules.ErrCodeConflictState, modules.ErrCodeConflictReceipt:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeError writes an error envelope to the API caller with the given
// status.
func writeError(w http.ResponseWriter, err *modules.Error, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{Error: err})
}

// writeFailure classifies err and writes the envelope. Errors without a
// code are internal; the raw message is not leaked.
func (a *API) writeFailure(w http.ResponseWriter, err error) {
	if ce, ok := modules.AsError(err); ok {
		writeError(w, ce, statusFor(ce.Code))
		return
	}
	if a.log != nil {
		a.log.Println("ERROR: unclassified api error:", err)
	}
	writeError(w, modules.NewError(modules.ErrCodeInternal, "internal error"), http.StatusInternalServerError)
}

// writeJSON writes the object to the ResponseWriter. If the encoding
// fails, the appropriate status is written instead.
func writeJSON(w http.ResponseWriter, obj interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if json.NewEncoder(w).Encode(obj) != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// maxRequestBody caps the request bodies the API will read. Inline result
// data travels base64-encoded, so the cap sits well above the raw payload
// bound.
const maxRequestBody = 2 * types.MaxPayloadSize

// readJSON decodes a request body, refusing bodies past maxRequestBody.
func readJSON(w http.ResponseWriter, req *http.Request, obj interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxRequestBody))
	if err := dec.Decode(obj); err != nil {
		return modules.NewError(modules.ErrCodeInvalidPayload, "malformed JSON body")
	}
	return nil
}
