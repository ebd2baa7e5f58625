package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/akatsuki-hq/dispatch/internal/apikey"
	"github.com/akatsuki-hq/dispatch/internal/queue"
	"github.com/akatsuki-hq/dispatch/internal/ratelimit"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.jobs.Depth(r.Context())
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
		return
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    depth,
	})
}

// handleGetJob handles GET /jobs/{jobID}. The caller authenticates with an
// API key and may only see jobs owned by the key's entity.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	key, err := s.auth.Authenticate(r.Context(), r.Header.Get(s.config.AuthHeader))
	if err != nil {
		s.rejectAuth(w, err)
		return
	}

	jobID := chi.URLParam(r, "jobID")
	job, err := s.jobs.GetJobByID(r.Context(), jobID)
	if errors.Is(err, queue.ErrJobNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to retrieve job", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}
	if job.Owner != key.Entity {
		s.writeError(w, http.StatusForbidden, "job belongs to a different owner")
		return
	}

	respondJSON(w, http.StatusOK, JobStatusResponse{
		JobID:        job.ID,
		Kind:         job.Kind,
		Status:       string(job.Status),
		Progress:     job.Progress,
		Result:       job.Result,
		ErrorMessage: job.ErrorMessage,
		ScheduledAt:  job.ScheduledAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
	})
}

// entityHandler runs the gateway pipeline for one operation. Every stage
// short-circuits on failure; nothing past the rate limiter executes for a
// rejected request.
func (s *Server) entityHandler(operation string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entity := chi.URLParam(r, "entity")

		key, err := s.auth.Authenticate(r.Context(), r.Header.Get(s.config.AuthHeader))
		if err != nil {
			s.rejectAuth(w, err)
			return
		}

		if key.Entity != entity {
			s.writeError(w, http.StatusForbidden, "API key is not authorized for this entity")
			return
		}
		if !key.AllowsOperation(operation) {
			s.writeError(w, http.StatusForbidden, fmt.Sprintf("operation %q is not permitted for this API key", operation))
			return
		}

		now := time.Now().UTC()
		minute, err := s.limiter.CheckAndIncrement(r.Context(), key.ID, ratelimit.WindowMinute, key.RateLimitPerMinute, now)
		if err != nil {
			s.logger.Error("rate limiter unavailable", "key_id", key.ID, "error", err)
			s.writeError(w, http.StatusInternalServerError, "rate limiter unavailable")
			return
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(key.RateLimitPerMinute))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(minute.Remaining))
		if !minute.Allowed {
			s.rejectRateLimited(w, key, entity, operation, minute)
			return
		}

		day, err := s.limiter.CheckAndIncrement(r.Context(), key.ID, ratelimit.WindowDay, key.RateLimitPerDay, now)
		if err != nil {
			s.logger.Error("rate limiter unavailable", "key_id", key.ID, "error", err)
			s.writeError(w, http.StatusInternalServerError, "rate limiter unavailable")
			return
		}
		if !day.Allowed {
			s.rejectRateLimited(w, key, entity, operation, day)
			return
		}

		body, err := s.buildProxyBody(r, operation)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		status, respBody, err := s.proxy(r, entity, body)
		if err != nil {
			s.logger.Error("proxy to capability failed", "entity", entity, "operation", operation, "error", err)
			s.writeError(w, http.StatusBadGateway, "capability target unreachable")
			s.recordUsage(key, entity, operation, http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(respBody)

		s.recordUsage(key, entity, operation, status)
	}
}

func (s *Server) rejectAuth(w http.ResponseWriter, err error) {
	if errors.Is(err, apikey.ErrUnauthorized) {
		// One generic message for every auth failure; the reason lives in
		// the authenticator's logs.
		s.writeError(w, http.StatusUnauthorized, "invalid API key")
		return
	}
	s.logger.Error("authentication unavailable", "error", err)
	s.writeError(w, http.StatusInternalServerError, "authentication unavailable")
}

func (s *Server) rejectRateLimited(w http.ResponseWriter, key *apikey.Key, entity, operation string, d ratelimit.Decision) {
	w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds))
	s.writeError(w, http.StatusTooManyRequests,
		fmt.Sprintf("rate limit exceeded; retry in %d seconds", d.RetryAfterSeconds))
	s.recordUsage(key, entity, operation, http.StatusTooManyRequests)
}

// buildProxyBody shapes the downstream request: {operation, ...fields}.
// GET operations take fields from the query string; POST operations from the
// JSON body.
func (s *Server) buildProxyBody(r *http.Request, operation string) (map[string]any, error) {
	body := map[string]any{"operation": operation}

	switch r.Method {
	case http.MethodGet:
		for name, values := range r.URL.Query() {
			if len(values) == 1 {
				body[name] = values[0]
			} else {
				body[name] = values
			}
		}
	default:
		if r.ContentLength > 0 {
			var fields map[string]any
			if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
				return nil, errors.New("request body must be a JSON object")
			}
			for name, value := range fields {
				if name == "operation" {
					continue
				}
				body[name] = value
			}
		}
	}
	return body, nil
}

// proxy POSTs the shaped body to the entity's capability target and relays
// status code and body verbatim.
func (s *Server) proxy(r *http.Request, entity string, body map[string]any) (int, []byte, error) {
	target, ok := s.config.Targets[entity]
	if !ok {
		// A valid key for an entity with no configured target is a
		// deployment gap, not a caller error.
		return 0, nil, fmt.Errorf("no capability target configured for entity %q", entity)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal proxy body: %w", err)
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("build proxy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("call capability target: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read capability response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// recordUsage tracks a request asynchronously. It must never block or fail
// the response path.
func (s *Server) recordUsage(key *apikey.Key, entity, operation string, statusCode int) {
	if s.usage == nil {
		return
	}
	s.usage.RecordAsync(key.ID, entity, operation, statusCode)
}
