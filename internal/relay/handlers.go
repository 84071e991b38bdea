package relay

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/xela07ax/pulsemesh-prototype/internal/domain"
	"github.com/xela07ax/pulsemesh-prototype/internal/provenance"
)

// handleToken выпускает токен узла: POST /auth/token {node_id, secret}.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req domain.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	resp, err := s.issuer.Issue(req.NodeID, req.Secret)
	if err != nil {
		// Детали отказа наружу не отдаем
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleProvenance — выборка журнала для аудиторского инструментария.
// GET /v1/provenance?origin=...&intent=...&decision=...&from=...&to=...&limit=...
func (s *Server) handleProvenance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := provenance.Filter{
		Origin:   q.Get("origin"),
		Intent:   q.Get("intent"),
		Decision: provenance.Decision(q.Get("decision")),
	}
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.From = t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.To = t
		}
	}
	if v := q.Get("limit"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil {
			f.Limit = limit
		}
	}

	records, err := s.ledgerReader.Query(r.Context(), f)
	if err != nil {
		http.Error(w, "failed to fetch provenance records", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}
