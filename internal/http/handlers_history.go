package httpapi

import (
	"net/http"
	"strconv"

	"github.com/mistakeknot/engage/internal/core"
	"github.com/mistakeknot/engage/internal/history"
)

const maxHistoryLimit = 500

type historyResponse struct {
	Records []core.HistoryRecord `json:"records"`
}

// handleHistory serves GET /api/history. Either id+role selects one party's
// records, or subject/holder/party filter directly.
func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, core.Invalid("limit must be a non-negative integer"))
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	var (
		recs []core.HistoryRecord
		err  error
	)
	if id := q.Get("id"); id != "" {
		recs, err = s.history.Recent(r.Context(), id, history.Role(q.Get("role")), limit)
	} else {
		f := core.HistoryFilter{
			Subject: q.Get("subject"),
			Holder:  q.Get("holder"),
			Party:   q.Get("party"),
			Limit:   limit,
		}
		if f.Subject == "" && f.Holder == "" && f.Party == "" {
			s.writeError(w, core.Invalid("one of id, subject, holder or party required"))
			return
		}
		recs, err = s.history.List(r.Context(), f)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	if recs == nil {
		recs = []core.HistoryRecord{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Records: recs})
}
