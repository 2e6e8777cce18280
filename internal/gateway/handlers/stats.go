package handlers

import (
	"net/http"

	"conduit/internal/prompt"
	"conduit/internal/relay"
)

// StatsResponse aggregates the daemon's runtime counters.
type StatsResponse struct {
	Relay        relay.Stats  `json:"relay"`
	Prompts      prompt.Stats `json:"prompts"`
	LiveRequests int          `json:"live_requests"`
	Clients      int          `json:"clients"`
	Workers      int          `json:"workers"`
}

// StatsCollector assembles a stats snapshot.
type StatsCollector func() StatsResponse

// StatsHandler returns the runtime stats endpoint.
func StatsHandler(collect StatsCollector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		SendJSON(w, http.StatusOK, collect())
	}
}
