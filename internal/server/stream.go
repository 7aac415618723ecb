package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pothiq1/distributed-cache-sidecar/internal/cluster"
	"github.com/pothiq1/distributed-cache-sidecar/internal/event"
)

// handleListenEvents streams mutation events as newline-delimited JSON.
// GET /v1/events?types=put,evict,expire. An absent or empty filter
// subscribes to everything. The stream starts at the moment of
// subscription and runs until the client disconnects.
func (s *Server) handleListenEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	filter := parseTypeFilter(r.URL.Query().Get("types"))

	events, cancel := s.bus.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if filter != nil && !filter[ev.Type] {
				continue
			}
			resp := cluster.EventResponse{
				EventType: string(ev.Type),
				Entry:     cluster.EventEntry{Key: ev.Key},
			}
			if err := enc.Encode(resp); err != nil {
				// Client went away mid-write; the deferred cancel
				// detaches the subscription.
				return
			}
			flusher.Flush()
		}
	}
}

// parseTypeFilter turns the comma-separated types parameter into a set.
// nil means no filtering.
func parseTypeFilter(raw string) map[event.Type]bool {
	if raw == "" {
		return nil
	}
	filter := make(map[event.Type]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		if part == "" {
			continue
		}
		filter[event.Type(part)] = true
	}
	if len(filter) == 0 {
		return nil
	}
	return filter
}
