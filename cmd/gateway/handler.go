package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel/trace"

	"github.com/modelrelay/modelrelay/internal/dispatch"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/observability"
	"github.com/modelrelay/modelrelay/internal/ratelimit"
	"github.com/modelrelay/modelrelay/internal/registry"
	llmerrors "github.com/modelrelay/modelrelay/pkg/errors"
	"github.com/modelrelay/modelrelay/pkg/types"
)

// apiKeyHeader carries the caller credential used for rate-limit identity.
const apiKeyHeader = "X-API-Key"

type handler struct {
	dispatcher *dispatch.Dispatcher
	registry   *registry.Registry
	tracer     trace.Tracer
	logger     *slog.Logger
}

func newHandler(d *dispatch.Dispatcher, r *registry.Registry, tracer trace.Tracer, logger *slog.Logger) *handler {
	return &handler{dispatcher: d, registry: r, tracer: tracer, logger: logger}
}

// ChatCompletions serves POST /v1/chat/completions.
func (h *handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, llmerrors.TypeInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Model == "" {
		writeErrorResponse(w, http.StatusBadRequest, llmerrors.TypeInvalidRequest, "model is required")
		return
	}

	ctx, span := observability.StartDispatchSpan(r.Context(), h.tracer, dispatch.EndpointChat, req.Model)
	defer span.End()

	start := time.Now()
	resp, err := h.dispatcher.DispatchCompletion(ctx, identityFor(r, req.User), &req)
	metrics.DispatchDuration.WithLabelValues(dispatch.EndpointChat, req.Model).
		Observe(time.Since(start).Seconds())

	if err != nil {
		observability.RecordError(span, err)
		metrics.DispatchRequests.WithLabelValues(dispatch.EndpointChat, req.Model, "none", outcomeOf(err)).Inc()
		h.logError(ctx, "chat completion failed", req.Model, err)
		h.writeError(w, err)
		return
	}

	pt, ct := 0, 0
	if resp.Usage != nil {
		pt, ct = resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	}
	observability.RecordDispatchOutcome(span, resp.Provider, pt, ct)
	metrics.DispatchRequests.WithLabelValues(dispatch.EndpointChat, req.Model, resp.Provider, "success").Inc()
	writeJSON(w, http.StatusOK, resp)
}

// Embeddings serves POST /v1/embeddings.
func (h *handler) Embeddings(w http.ResponseWriter, r *http.Request) {
	var req types.EmbeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, llmerrors.TypeInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Model == "" {
		writeErrorResponse(w, http.StatusBadRequest, llmerrors.TypeInvalidRequest, "model is required")
		return
	}

	ctx, span := observability.StartDispatchSpan(r.Context(), h.tracer, dispatch.EndpointEmbeddings, req.Model)
	defer span.End()

	start := time.Now()
	resp, err := h.dispatcher.DispatchEmbeddings(ctx, identityFor(r, req.User), &req)
	metrics.DispatchDuration.WithLabelValues(dispatch.EndpointEmbeddings, req.Model).
		Observe(time.Since(start).Seconds())

	if err != nil {
		observability.RecordError(span, err)
		metrics.DispatchRequests.WithLabelValues(dispatch.EndpointEmbeddings, req.Model, "none", outcomeOf(err)).Inc()
		h.logError(ctx, "embeddings request failed", req.Model, err)
		h.writeError(w, err)
		return
	}

	observability.RecordDispatchOutcome(span, resp.Provider, 0, 0)
	metrics.DispatchRequests.WithLabelValues(dispatch.EndpointEmbeddings, req.Model, resp.Provider, "success").Inc()
	writeJSON(w, http.StatusOK, resp)
}

// ListModels serves GET /v1/models with the union of models in rotation.
func (h *handler) ListModels(w http.ResponseWriter, _ *http.Request) {
	type model struct {
		ID     string `json:"id"`
		Object string `json:"object"`
	}
	models := h.registry.Models()
	data := make([]model, 0, len(models))
	for _, m := range models {
		data = append(data, model{ID: m, Object: "model"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

// HealthLive serves GET /health/live.
func (h *handler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthReady serves GET /health/ready. Ready means at least one provider is
// in rotation.
func (h *handler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	snapshot := h.registry.Snapshot()
	ready := false
	for _, p := range snapshot {
		if p.Status == "healthy" || p.Status == "degraded" {
			ready = true
			break
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": ready, "providers": snapshot})
}

func (h *handler) logError(ctx context.Context, msg, model string, err error) {
	h.logger.Warn(msg,
		"request_id", observability.RequestIDFromContext(ctx),
		"model", model,
		"error", err,
	)
}

// writeError maps dispatch failures to client responses.
func (h *handler) writeError(w http.ResponseWriter, err error) {
	var rle *ratelimit.Error
	if errors.As(err, &rle) {
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(rle.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(rle.Remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rle.ResetAt.Unix(), 10))
		if after := rle.RetryAfter(time.Now()); after > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(after.Seconds()+0.5)))
		}
		writeErrorResponse(w, http.StatusTooManyRequests, llmerrors.TypeRateLimit, "rate limit exceeded")
		return
	}

	var npe *dispatch.NoProviderError
	if errors.As(err, &npe) {
		switch npe.Cause {
		case dispatch.CauseNoCandidates:
			writeErrorResponse(w, http.StatusNotFound, llmerrors.TypeNotFound,
				"no provider serves model "+strconv.Quote(npe.Model))
		case dispatch.CauseUpstreamFailure:
			if pe, ok := llmerrors.AsProviderError(npe.Err); ok {
				writeErrorResponse(w, pe.HTTPStatusCode(), pe.Type, pe.Message)
				return
			}
			writeErrorResponse(w, http.StatusBadGateway, llmerrors.TypeServiceUnavailable, npe.Error())
		default:
			writeErrorResponse(w, http.StatusServiceUnavailable, llmerrors.TypeServiceUnavailable, npe.Error())
		}
		return
	}

	if pe, ok := llmerrors.AsProviderError(err); ok {
		writeErrorResponse(w, pe.HTTPStatusCode(), pe.Type, pe.Message)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		writeErrorResponse(w, http.StatusGatewayTimeout, llmerrors.TypeTimeout, "request timed out")
		return
	}
	writeErrorResponse(w, http.StatusInternalServerError, llmerrors.TypeInternalError, err.Error())
}

// outcomeOf labels a failed dispatch for metrics.
func outcomeOf(err error) string {
	var rle *ratelimit.Error
	if errors.As(err, &rle) {
		return "rate_limited"
	}
	var npe *dispatch.NoProviderError
	if errors.As(err, &npe) {
		return string(npe.Cause)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "cancelled"
	}
	return "error"
}

// identityFor extracts the rate-limit identity: caller credential first,
// then the request's user field, then the remote address.
func identityFor(r *http.Request, user string) ratelimit.Identity {
	return ratelimit.Identity{
		Credential: r.Header.Get(apiKeyHeader),
		User:       user,
		Address:    remoteHost(r),
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorResponse(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    status,
		},
	})
}

// requestIDMiddleware assigns or propagates the request ID.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(observability.RequestIDHeader)
		if id == "" {
			id = observability.NewRequestID()
		}
		w.Header().Set(observability.RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(observability.ContextWithRequestID(r.Context(), id)))
	})
}
