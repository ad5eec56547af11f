package results

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// Handler serves the results API.
type Handler struct {
	store Store
}

// NewHandler returns a Handler reading from store.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// Routes mounts GET /api/results on r. Query parameters: game (optional
// game type filter) and limit.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/results", h.list)
}

type listResponse struct {
	Results []Result `json:"results"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := Query{Game: r.URL.Query().Get("game")}
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		q.Limit = n
	}

	items, err := h.store.Recent(r.Context(), q)
	if err != nil {
		slog.ErrorContext(r.Context(), "results: list failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load results"})
		return
	}
	if items == nil {
		items = []Result{}
	}
	writeJSON(w, http.StatusOK, listResponse{Results: items})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("results: encode response", "err", err)
	}
}
