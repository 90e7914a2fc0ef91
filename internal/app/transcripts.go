package app

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/hearth/pkg/memory"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 200
)

type transcriptJSON struct {
	Role      memory.Role `json:"role"`
	Text      string      `json:"text"`
	Epoch     uint64      `json:"epoch"`
	Timestamp time.Time   `json:"timestamp"`
}

// searchTranscripts serves full-text search over the conversation log of the
// configured session:
//
//	GET /transcripts?q=weather&role=user&since=2h&limit=10
func (a *App) searchTranscripts(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := strings.TrimSpace(params.Get("q"))
	if q == "" {
		http.Error(w, "missing query parameter q", http.StatusBadRequest)
		return
	}

	opts := memory.SearchOpts{
		SessionID: a.cfg.Memory.SessionID,
		Limit:     defaultSearchLimit,
	}
	switch role := memory.Role(params.Get("role")); role {
	case "":
	case memory.RoleUser, memory.RoleAssistant:
		opts.Role = role
	default:
		http.Error(w, "role must be user or assistant", http.StatusBadRequest)
		return
	}
	if s := params.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		opts.Limit = min(n, maxSearchLimit)
	}
	if s := params.Get("since"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			http.Error(w, "since must be a positive duration", http.StatusBadRequest)
			return
		}
		opts.After = time.Now().Add(-d)
	}

	entries, err := a.store.Search(r.Context(), q, opts)
	if err != nil {
		a.log.Warn("app: search transcripts", "query", q, "err", err)
		http.Error(w, "search failed", http.StatusInternalServerError)
		return
	}

	out := make([]transcriptJSON, len(entries))
	for i, e := range entries {
		out[i] = transcriptJSON{Role: e.Role, Text: e.Text, Epoch: e.Epoch, Timestamp: e.Timestamp}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		a.log.Debug("app: write search response", "err", err)
	}
}
