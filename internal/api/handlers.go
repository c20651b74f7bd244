package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/decoyhq/mirage/internal/audit"
	"github.com/decoyhq/mirage/internal/events"
)

// statsWindow is how many recent entries the audit stats aggregate over.
const statsWindow = 1000

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"service":        "mirage",
		"uptime_seconds": time.Since(s.started).Seconds(),
		"pipeline":       s.deps.Pipeline.Stats(),
		"config":         s.deps.Pipeline.Manager().Stats(),
		"events":         s.deps.Bus.Stats(),
	}
	if s.deps.Hub != nil {
		status["stream"] = s.deps.Hub.Stats()
	}
	if s.deps.Limiter != nil {
		status["rate_limiter"] = s.deps.Limiter.Stats()
	}
	if s.deps.Archive != nil {
		status["archive"] = s.deps.Archive.Stats()
	}
	writeJSON(w, http.StatusOK, status)
}

// GET /api/v1/audit?fingerprint=&action=&since=&until=&limit=
func (s *Server) handleAuditSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := audit.Query{
		Fingerprint: q.Get("fingerprint"),
		Action:      q.Get("action"),
	}

	limit := 50
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > 500 {
		limit = 500
	}
	query.Limit = limit

	if raw := q.Get("since"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be epoch seconds")
			return
		}
		query.Since = v
	}
	if raw := q.Get("until"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "until must be epoch seconds")
			return
		}
		query.Until = v
	}

	entries := s.deps.Pipeline.Trail().Search(query)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"total":   len(entries),
		"limit":   limit,
	})
}

// GET /api/v1/audit/stats aggregates the most recent trail entries.
func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	entries := s.deps.Pipeline.Trail().Search(audit.Query{Limit: statsWindow})

	actions := make(map[string]int)
	levels := make(map[string]int)
	categories := make(map[string]int)
	for i := range entries {
		e := &entries[i]
		actions[e.Action]++
		if e.RiskLevel != "" {
			levels[e.RiskLevel]++
		}
		if e.ThreatCategory != "" {
			categories[e.ThreatCategory]++
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"window":       len(entries),
		"actions":      actions,
		"levels":       levels,
		"categories":   categories,
		"trail":        s.deps.Pipeline.Trail().Stats(),
		"generated_at": time.Now(),
	})
}

// GET /api/v1/reputation/{fingerprint}
func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	fp := mux.Vars(r)["fingerprint"]
	now := float64(time.Now().UnixNano()) / 1e9

	score, lastUpdate, ok := s.deps.Pipeline.Reputation().Lookup(fp, now)
	if !ok {
		writeError(w, http.StatusNotFound, "fingerprint not tracked")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"fingerprint": fp,
		"score":       score,
		"last_update": lastUpdate,
	})
}

// GET /api/v1/scenarios lists the active deception policies.
func (s *Server) handleScenarios(w http.ResponseWriter, r *http.Request) {
	books := s.deps.Pipeline.Manager().Books()

	type scenarioSummary struct {
		Name             string   `json:"name"`
		TemplateID       string   `json:"template_id"`
		ThreatCategories []string `json:"threat_categories"`
		CounterStrategy  string   `json:"counter_strategy"`
	}
	scenarios := make([]scenarioSummary, 0, len(books.Policies.Scenarios))
	for i := range books.Policies.Scenarios {
		sc := &books.Policies.Scenarios[i]
		scenarios = append(scenarios, scenarioSummary{
			Name:             sc.Name,
			TemplateID:       sc.TemplateID,
			ThreatCategories: sc.ThreatCategories,
			CounterStrategy:  sc.CounterStrategy,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":   books.Policies.Version,
		"fallback":  books.Policies.FallbackScenario,
		"scenarios": scenarios,
	})
}

// POST /api/v1/config/reload re-reads both config documents. Requires the
// admin bearer token.
func (s *Server) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AdminTokenHash == "" {
		writeError(w, http.StatusForbidden, "config reload is not enabled")
		return
	}
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.AdminTokenHash), []byte(token)); err != nil {
		s.logger.Printf("config reload rejected: bad token from %s", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	if err := s.deps.Pipeline.Manager().Reload(); err != nil {
		s.deps.Bus.Emit(events.TypeConfigRejected, "api", "", map[string]interface{}{
			"error": err.Error(),
		})
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	books := s.deps.Pipeline.Manager().Books()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "reloaded",
		"rules_version":    books.Rules.Version,
		"policies_version": books.Policies.Version,
	})
}

// GET /api/v1/events streams every defense event as server-sent events.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch := s.deps.Bus.Subscribe()
	defer s.deps.Bus.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			frame, err := ev.SSEFormat()
			if err != nil {
				continue
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}
