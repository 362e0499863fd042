package translog

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

const (
	// defaultRecentWindow is how far back /v1/transcripts looks when the
	// request does not say.
	defaultRecentWindow = time.Hour

	// defaultSearchLimit caps /v1/transcripts/search results when the
	// request does not say.
	defaultSearchLimit = 100
)

// Querier is the read side of the transcript log.
type Querier interface {
	// Recent returns the lines of sessionID written within window, oldest
	// first.
	Recent(ctx context.Context, sessionID string, window time.Duration) ([]Entry, error)

	// Search performs a full-text search over the whole log. limit <= 0
	// means no limit.
	Search(ctx context.Context, query string, limit int) ([]Entry, error)
}

var _ Querier = (*Store)(nil)

// Handler serves the transcript log query endpoints:
//
//   - /v1/transcripts?session_id=...&window=15m: the recent lines of one
//     session, oldest first.
//   - /v1/transcripts/search?q=...&limit=N: full-text search over the log.
type Handler struct {
	q Querier
}

// NewHandler creates a Handler over q.
func NewHandler(q Querier) *Handler {
	return &Handler{q: q}
}

// Register adds the transcript routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/transcripts", h.Recent)
	mux.HandleFunc("GET /v1/transcripts/search", h.Search)
}

// entryPayload is the JSON shape of one logged line.
type entryPayload struct {
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// entriesResponse is the JSON response body of both endpoints.
type entriesResponse struct {
	Entries []entryPayload `json:"entries"`
}

// Recent serves the per-session transcript listing.
func (h *Handler) Recent(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	window := defaultRecentWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			http.Error(w, "window must be a positive duration", http.StatusBadRequest)
			return
		}
		window = d
	}

	entries, err := h.q.Recent(r.Context(), sessionID, window)
	if err != nil {
		slog.Error("transcript listing failed", "session_id", sessionID, "error", err)
		http.Error(w, "transcript log unavailable", http.StatusInternalServerError)
		return
	}
	writeEntries(w, entries)
}

// Search serves the full-text search.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		http.Error(w, "q is required", http.StatusBadRequest)
		return
	}

	limit := defaultSearchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := h.q.Search(r.Context(), query, limit)
	if err != nil {
		slog.Error("transcript search failed", "query", query, "error", err)
		http.Error(w, "transcript log unavailable", http.StatusInternalServerError)
		return
	}
	writeEntries(w, entries)
}

// writeEntries encodes entries as the JSON response body. Entries is always
// present, empty when nothing matched.
func writeEntries(w http.ResponseWriter, entries []Entry) {
	res := entriesResponse{Entries: make([]entryPayload, 0, len(entries))}
	for _, e := range entries {
		res.Entries = append(res.Entries, entryPayload{
			SessionID: e.SessionID,
			Role:      e.Role,
			Text:      e.Text,
			CreatedAt: e.CreatedAt,
		})
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Warn("transcript response encoding failed", "error", err)
	}
}
