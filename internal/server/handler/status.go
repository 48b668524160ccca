package handler

import (
	"net/http"
	"time"
)

// LiveCounter reports how many vaults a node holds in memory.
type LiveCounter interface {
	Live() int
}

// StatusHandler serves the node status for dashboards.
type StatusHandler struct {
	Mode      string
	Relayer   string
	StartedAt time.Time
	vaults    LiveCounter
}

// NewStatusHandler creates a StatusHandler. relayer is the relayer address,
// empty when relaying is off.
func NewStatusHandler(mode, relayer string, vaults LiveCounter) *StatusHandler {
	return &StatusHandler{Mode: mode, Relayer: relayer, StartedAt: time.Now().UTC(), vaults: vaults}
}

// GetStatus responds with the node mode, relayer and live vault count.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	live := 0
	if h.vaults != nil {
		live = h.vaults.Live()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.Mode,
		"relayer":        h.Relayer,
		"live_vaults":    live,
		"uptime_seconds": int64(time.Since(h.StartedAt).Seconds()),
	})
}
