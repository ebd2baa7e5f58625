package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/akatsuki-hq/dispatch/internal/dispatch"
	"github.com/akatsuki-hq/dispatch/internal/ratelimit"
	"github.com/akatsuki-hq/dispatch/internal/registry"
	"github.com/akatsuki-hq/dispatch/internal/schema"
)

// DispatchRequest is the body of POST /functions/dispatch.
type DispatchRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Priority  int             `json:"priority,omitempty"`
}

// handleDispatch admits an external function call into the dispatcher. The
// key's entity becomes the call's owner; the dispatcher itself records the
// call log row.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		s.writeError(w, http.StatusServiceUnavailable, "dispatch is not enabled")
		return
	}

	key, err := s.auth.Authenticate(r.Context(), r.Header.Get(s.config.AuthHeader))
	if err != nil {
		s.rejectAuth(w, err)
		return
	}

	now := time.Now().UTC()
	minute, err := s.limiter.CheckAndIncrement(r.Context(), key.ID, ratelimit.WindowMinute, key.RateLimitPerMinute, now)
	if err != nil {
		s.logger.Error("rate limiter unavailable", "key_id", key.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "rate limiter unavailable")
		return
	}
	if !minute.Allowed {
		s.rejectRateLimited(w, key, "functions", "dispatch", minute)
		return
	}

	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "request body must be a JSON object")
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "function name is required")
		return
	}

	result, err := s.dispatcher.Dispatch(r.Context(), dispatch.Call{
		Name:      req.Name,
		Arguments: req.Arguments,
		Owner:     key.Entity,
		Priority:  req.Priority,
	})
	if err != nil {
		s.logger.Error("dispatch failed", "function", req.Name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}

	s.recordUsage(key, "functions", "dispatch", http.StatusOK)
	respondJSON(w, http.StatusOK, result)
}

// handleFunctionSchema renders the caller-visible function set as a
// provider's tool declarations.
func (s *Server) handleFunctionSchema(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		s.writeError(w, http.StatusServiceUnavailable, "dispatch is not enabled")
		return
	}

	key, err := s.auth.Authenticate(r.Context(), r.Header.Get(s.config.AuthHeader))
	if err != nil {
		s.rejectAuth(w, err)
		return
	}

	provider := schema.Provider(r.URL.Query().Get("provider"))
	if provider == "" {
		provider = schema.ProviderOpenAI
	}

	defs := s.registry.Snapshot(key.Entity)
	decls, err := registry.ToProviderSchema(defs, provider)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"provider": provider,
		"tools":    decls,
	})
}
