package handlers

import (
	"net/http"

	"github.com/a1hang/slack-issue-agent/internal/httputil"
)

func (h *EventsHandler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready reports admission headroom. It answers 503 while the ceiling is
// saturated so load balancers can steer traffic elsewhere.
func (h *EventsHandler) Ready(w http.ResponseWriter, r *http.Request) {
	inFlight := h.admission.InFlight()
	capacity := h.admission.Capacity()

	status := "ready"
	code := http.StatusOK
	if inFlight >= capacity {
		status = "saturated"
		code = http.StatusServiceUnavailable
	}

	httputil.WriteJSON(w, code, map[string]interface{}{
		"status": status,
		"stats": map[string]int{
			"in_flight":       inFlight,
			"max_concurrency": capacity,
			"peak":            h.admission.Peak(),
		},
	})
}
