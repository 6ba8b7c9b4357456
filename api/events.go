package api

// events.go streams job state transitions over a websocket. The stream is
// best effort: it pushes one event per observed transition and closes
// after a terminal state. Clients own their polling fallback; nothing in
// the coordinator depends on a delivered event.

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/tensorgrid/tensorgrid/types"
)

// JobEvent is one streamed transition.
type JobEvent struct {
	JobID types.JobID     `json:"job_id"`
	State types.JobState  `json:"state"`
	TS    types.Timestamp `json:"ts"`
}

var eventUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// jobEventsHandler handles GET /v1/jobs/:job_id/events. The current state
// is pushed immediately, then every change until the job goes terminal or
// the client hangs up.
func (a *API) jobEventsHandler(w http.ResponseWriter, req *http.Request, ps httprouter.Params, client types.ClientID) {
	id := types.JobID(ps.ByName("job_id"))

	// The subscription is taken before the first fetch, so a transition
	// landing between the two still produces a wakeup and a re-read.
	wake, cancel := a.queue.Subscribe()
	defer cancel()

	// Ownership is checked before the upgrade so the caller gets a proper
	// error envelope instead of a failed handshake.
	job, err := a.queue.Job(client, id)
	if err != nil {
		a.writeFailure(w, err)
		return
	}

	conn, err := eventUpgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade already wrote its own response.
		return
	}
	defer conn.Close()

	// Reads are discarded; a read error means the client hung up.
	hangup := make(chan struct{})
	go func() {
		defer close(hangup)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	last := types.JobState("")
	for {
		if job.State != last {
			last = job.State
			event := JobEvent{JobID: job.ID, State: job.State, TS: a.clock.Now()}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
			if job.State.Terminal() {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(job.State)))
				return
			}
		}
		select {
		case <-wake:
		case <-hangup:
			return
		case <-req.Context().Done():
			return
		}
		job, err = a.queue.Job(client, id)
		if err != nil {
			return
		}
	}
}
