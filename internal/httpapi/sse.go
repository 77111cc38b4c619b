package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/MimeLyc/scriptbatch/internal/batch"
)

// progressBuffer bounds the events queued for one slow client; extra events are dropped.
const progressBuffer = 64

// handleJobStream sends the job list as "jobs" events once per poll interval
// and every pipeline progress message as a "progress" event.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events := make(chan batch.Progress, progressBuffer)
	unsubscribe := s.svc.OnProgress(func(p batch.Progress) {
		select {
		case events <- p:
		default:
		}
	})
	defer unsubscribe()

	send := func(event string, data any) bool {
		payload, err := json.Marshal(data)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send("jobs", s.svc.Jobs()) {
		return
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case p := <-events:
			if !send("progress", p) {
				return
			}
		case <-ticker.C:
			if !send("jobs", s.svc.Jobs()) {
				return
			}
		}
	}
}
