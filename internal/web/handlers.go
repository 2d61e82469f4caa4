package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/coderelay/relay/internal/apperr"
	"github.com/coderelay/relay/internal/observability"
	"github.com/coderelay/relay/internal/webhooks"
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"service": "relay",
		"tools":   s.deps.Tools.Len(),
		"endpoints": []string{
			"/health", "/ready", "/metrics",
			"/mcp/tools", "/mcp/execute",
			"/api/sessions/active", "/api/sessions/stats",
			"/ws",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":        "ok",
		"uptimeSeconds": int(time.Since(s.started).Seconds()),
		"store":         s.deps.Store.Profile(),
		"subscribers":   s.deps.Hub.Count(),
	}
	if s.deps.Breaker != nil {
		body["upstreamCircuit"] = s.deps.Breaker.State().String()
	}
	if s.deps.Queue != nil {
		body["queueDepth"] = s.deps.Queue.GetStats().Pending
	}
	s.writeJSON(w, http.StatusOK, body)
}

// handleReady is the deep check: it fails when the store is
// unreachable so orchestrators stop routing here.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		s.writeError(r.Context(), w, apperr.Wrap(apperr.KindUpstreamTransient, "store unreachable", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(r.Context(), w, apperr.Newf(apperr.KindNotFound, "no route for %s %s", r.Method, r.URL.Path))
}

// handleToolCatalog serves the catalog from a short-lived cache; the
// catalog only changes on restart but the response is hot.
func (s *Server) handleToolCatalog(w http.ResponseWriter, r *http.Request) {
	s.catalogMu.Lock()
	if s.catalogJSON == nil || time.Since(s.catalogAt) > catalogCacheTTL {
		raw, err := json.Marshal(envelope{Success: true, Result: map[string]any{
			"tools": s.deps.Tools.List(),
		}})
		if err != nil {
			s.catalogMu.Unlock()
			s.writeError(r.Context(), w, err)
			return
		}
		s.catalogJSON = raw
		s.catalogAt = time.Now()
	}
	body := s.catalogJSON
	s.catalogMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// executeRequest accepts both the native form ({tool, parameters}) and
// the MCP alias ({name, arguments}).
type executeRequest struct {
	Tool       string          `json:"tool"`
	Parameters json.RawMessage `json:"parameters"`
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments"`
}

func (req *executeRequest) normalize() (string, json.RawMessage) {
	tool := req.Tool
	if tool == "" {
		tool = req.Name
	}
	args := req.Parameters
	if len(args) == 0 {
		args = req.Arguments
	}
	return tool, args
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	var req executeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(r.Context(), w, apperr.Wrap(apperr.KindValidation, "malformed request body", err))
		return
	}
	tool, args := req.normalize()
	if tool == "" {
		s.writeError(r.Context(), w, apperr.Validation("tool name is required",
			apperr.Issue{Field: "tool", Message: "must not be empty"}))
		return
	}

	ctx := observability.WithTool(r.Context(), tool)
	result, err := s.deps.Tools.Execute(ctx, tool, args)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.writeResult(w, http.StatusOK, result)
}

func (s *Server) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	all := s.deps.Sessions.List("", 500)
	active := all[:0]
	for _, sess := range all {
		if !sess.Status.Terminal() {
			active = append(active, sess)
		}
	}
	s.writeResult(w, http.StatusOK, map[string]any{"sessions": active, "count": len(active)})
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, http.StatusOK, s.deps.Sessions.MonitorAll())
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	timeline, err := s.deps.Sessions.Timeline(r.Context(), id)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.writeResult(w, http.StatusOK, map[string]any{"sessionId": id, "timeline": timeline})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	result, err := s.deps.Webhooks.Process(r.Context(), provider, body, r.Header.Get(webhooks.SignatureHeader))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.writeResult(w, http.StatusOK, result)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		s.logger.Warn(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	s.deps.Hub.Subscribe(conn)
}
