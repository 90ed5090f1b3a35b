package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/inaiurai/localize/internal/worklog"
)

// WorklogStats reports the work log's consumer group state.
type WorklogStats interface {
	Stats(ctx context.Context) (worklog.Stats, error)
}

// WorklogHandler serves GET /v1/worklog/stats.
type WorklogHandler struct {
	Log    WorklogStats
	Logger *slog.Logger
}

func (h *WorklogHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.Log == nil {
		http.Error(w, `{"error":"work log disabled"}`, http.StatusNotFound)
		return
	}
	st, err := h.Log.Stats(r.Context())
	if err != nil {
		h.Logger.Error("worklog stats", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if st.Pending == nil {
		st.Pending = map[string]int{}
	}
	writeJSON(w, http.StatusOK, st)
}

// Health handles GET /healthz.
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
