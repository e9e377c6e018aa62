// Package api exposes Maestro over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/maestro/internal/agent"
	"github.com/nidhogg/maestro/internal/contextmgr"
	"github.com/nidhogg/maestro/internal/orchestrator"
	"github.com/nidhogg/maestro/internal/provider"
	"github.com/nidhogg/maestro/internal/store"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// UsageSource reports a learner's accumulated model usage.
type UsageSource interface {
	Usage(ctx context.Context, userID string, since time.Time) (store.UsageSummary, error)
}

// HealthCheck probes one backing dependency.
type HealthCheck func(ctx context.Context) error

// Options configure the HTTP surface.
type Options struct {
	// RequestTimeout bounds every non-streaming request. Zero disables it.
	RequestTimeout time.Duration
	AllowedOrigins []string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	maestro  *orchestrator.Maestro
	contexts *contextmgr.Manager
	traces   *orchestrator.TraceBus
	usage    UsageSource
	checks   map[string]HealthCheck
	opts     Options
	logger   *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(maestro *orchestrator.Maestro, contexts *contextmgr.Manager, opts Options, logger *zap.Logger) *Handler {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return &Handler{
		maestro:  maestro,
		contexts: contexts,
		checks:   make(map[string]HealthCheck),
		opts:     opts,
		logger:   logger,
	}
}

// SetTraceBus enables the trace history endpoint.
func (h *Handler) SetTraceBus(b *orchestrator.TraceBus) { h.traces = b }

// SetUsageSource enables the usage endpoint.
func (h *Handler) SetUsageSource(u UsageSource) { h.usage = u }

// AddHealthCheck reports dependency name on the health endpoint.
func (h *Handler) AddHealthCheck(name string, check HealthCheck) { h.checks[name] = check }

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		// Streams manage their own lifetime.
		r.Post("/agents/{agentId}/stream", h.streamAgent)

		r.Group(func(r chi.Router) {
			if h.opts.RequestTimeout > 0 {
				r.Use(middleware.Timeout(h.opts.RequestTimeout))
			}
			r.Post("/chat", h.chat)
			r.Get("/agents", h.listAgents)
			r.Get("/agents/{agentId}", h.getAgent)
			r.Post("/agents/{agentId}", h.runAgent)

			r.Get("/memory/{userId}/{agentId}", h.getMemory)
			r.Delete("/memory/{userId}/{agentId}", h.clearMemory)

			r.Get("/traces/{userId}", h.listTraces)
			r.Get("/usage/{userId}", h.getUsage)
		})
	})

	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	deps := make(map[string]string, len(h.checks))
	if len(h.checks) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for name, check := range h.checks {
			if err := check(ctx); err != nil {
				deps[name] = err.Error()
				status, code = "degraded", http.StatusServiceUnavailable
				continue
			}
			deps[name] = "ok"
		}
	}
	writeJSON(w, code, map[string]any{
		"status":       status,
		"service":      "maestro",
		"agents":       len(h.maestro.Registry().IDs()),
		"dependencies": deps,
	})
}

func (h *Handler) chat(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.maestro.Handle(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// agentRequest is the body of a direct agent invocation.
type agentRequest struct {
	Input     string                     `json:"input"`
	UserID    string                     `json:"userId"`
	SessionID string                     `json:"sessionId,omitempty"`
	Dialect   string                     `json:"dialect,omitempty"`
	History   []contextmgr.Message       `json:"history,omitempty"`
	Profile   *contextmgr.StudentProfile `json:"profile,omitempty"`
	Options   agent.Options              `json:"options,omitempty"`
}

func (a agentRequest) toRequest() orchestrator.Request {
	return orchestrator.Request{
		UserID:    a.UserID,
		Message:   a.Input,
		SessionID: a.SessionID,
		Dialect:   a.Dialect,
		History:   a.History,
		Profile:   a.Profile,
		Options:   a.Options,
	}
}

func (h *Handler) runAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentId")
	var req agentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := h.maestro.RunAgent(r.Context(), id, req.toRequest())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) streamAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentId")
	var req agentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "stream_unsupported", "response writer cannot stream")
		return
	}

	ch, err := h.maestro.StreamAgent(r.Context(), id, req.toRequest())
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range ch {
		if chunk.Err != nil {
			kind := agent.KindOf(chunk.Err)
			if kind == agent.KindUnknown {
				kind = agent.KindModelError
			}
			writeEvent(w, "error", errorBody{Code: string(kind), Message: chunk.Err.Error()})
			flusher.Flush()
			return
		}
		if chunk.Content != "" {
			writeEvent(w, "chunk", chunk)
		}
		if chunk.Done {
			writeEvent(w, "done", map[string]string{"agentId": id})
			flusher.Flush()
			return
		}
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

// agentView is the public listing of an agent.
type agentView struct {
	ID            string             `json:"id"`
	DisplayName   string             `json:"displayName"`
	LocalizedName string             `json:"localizedName,omitempty"`
	Tier          agent.Tier         `json:"tier"`
	DefaultModel  provider.ModelTier `json:"defaultModel"`
	Capabilities  []agent.Capability `json:"capabilities"`
}

func viewOf(a agent.Agent) agentView {
	cfg := a.Config()
	return agentView{
		ID:            cfg.ID,
		DisplayName:   cfg.DisplayName,
		LocalizedName: cfg.LocalizedName,
		Tier:          cfg.Tier,
		DefaultModel:  cfg.DefaultModel,
		Capabilities:  cfg.Capabilities,
	}
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	reg := h.maestro.Registry()
	var agents []agent.Agent
	switch q := r.URL.Query(); {
	case q.Get("capability") != "":
		agents = reg.ByCapability(agent.Capability(q.Get("capability")))
	case q.Get("tier") != "":
		agents = reg.ByTier(agent.Tier(q.Get("tier")))
	default:
		agents = reg.All()
	}
	out := make([]agentView, len(agents))
	for i, a := range agents {
		out[i] = viewOf(a)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentId")
	a, ok := h.maestro.Registry().Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "agent not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(a))
}

func (h *Handler) getMemory(w http.ResponseWriter, r *http.Request) {
	userID, agentID := chi.URLParam(r, "userId"), chi.URLParam(r, "agentId")
	entries, err := h.contexts.GetMemory(r.Context(), userID, agentID, r.URL.Query().Get("key"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []contextmgr.MemoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) clearMemory(w http.ResponseWriter, r *http.Request) {
	userID, agentID := chi.URLParam(r, "userId"), chi.URLParam(r, "agentId")
	if err := h.contexts.ClearMemory(r.Context(), userID, agentID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listTraces(w http.ResponseWriter, r *http.Request) {
	if h.traces == nil {
		writeError(w, http.StatusNotFound, "not_found", "trace history is disabled")
		return
	}
	limit := int64(20)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, string(agent.KindInvalidInput), "limit must be a positive integer")
			return
		}
		limit = n
	}
	traces, err := h.traces.Recent(r.Context(), chi.URLParam(r, "userId"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, traces)
}

func (h *Handler) getUsage(w http.ResponseWriter, r *http.Request) {
	if h.usage == nil {
		writeError(w, http.StatusNotFound, "not_found", "usage tracking is disabled")
		return
	}
	since := time.Now().Add(-30 * 24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, string(agent.KindInvalidInput), "since must be RFC3339")
			return
		}
		since = t
	}
	u, err := h.usage.Usage(r.Context(), chi.URLParam(r, "userId"), since)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, string(agent.KindInvalidInput), "invalid request body: "+err.Error())
		return false
	}
	return true
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor maps an error to its HTTP status and error code.
func statusFor(err error) (int, string) {
	if errors.Is(err, agent.ErrAgentNotFound) {
		return http.StatusNotFound, "not_found"
	}
	kind := agent.KindOf(err)
	switch kind {
	case agent.KindInvalidInput:
		return http.StatusBadRequest, string(kind)
	case agent.KindTimeout:
		return http.StatusGatewayTimeout, string(kind)
	case agent.KindRateLimit:
		return http.StatusTooManyRequests, string(kind)
	case agent.KindContextTooLarge:
		return http.StatusRequestEntityTooLarge, string(kind)
	case agent.KindModelError, agent.KindValidationFailed:
		return http.StatusBadGateway, string(kind)
	}
	return http.StatusInternalServerError, string(agent.KindUnknown)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("code", code), zap.Error(err))
	}
	writeError(w, status, code, err.Error())
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
