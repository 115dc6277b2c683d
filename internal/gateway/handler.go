// Package gateway orchestrates the request-admission and usage-accounting
// pipeline: auth -> validation -> quota -> estimate -> forward ->
// extract/cost -> async record.
package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/llmgate/gemini-proxy/internal/apierror"
	"github.com/llmgate/gemini-proxy/internal/auth"
	"github.com/llmgate/gemini-proxy/internal/billing"
	"github.com/llmgate/gemini-proxy/internal/pricing"
	"github.com/llmgate/gemini-proxy/internal/quota"
	"github.com/llmgate/gemini-proxy/internal/recorder"
	"github.com/llmgate/gemini-proxy/internal/tokencount"
	"github.com/llmgate/gemini-proxy/internal/upstream"
)

type Handler struct {
	upstream    *upstream.Client
	store       billing.Store
	guard       *quota.Guard
	recorder    *recorder.Recorder
	tracer      trace.Tracer
	development bool
}

func NewHandler(client *upstream.Client, store billing.Store, guard *quota.Guard, rec *recorder.Recorder, tracer trace.Tracer, development bool) *Handler {
	return &Handler{
		upstream:    client,
		store:       store,
		guard:       guard,
		recorder:    rec,
		tracer:      tracer,
		development: development,
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	apierror.Write(w, apierror.From(err, h.development))
}

// admission carries the per-request state resolved by the ordered checks.
type admission struct {
	principal *auth.Principal
	profile   *auth.Profile
	requestID string
	model     string
	body      []byte
	estimate  tokencount.Estimate
}

// admit runs the ordered pre-flight checks for content routes: identity from
// context, model/operation validation, payload validation, quota, token
// estimate. Any failure has already been written to the client when ok is
// false.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request, op upstream.Operation) (*admission, bool) {
	ctx := r.Context()

	principal := auth.GetPrincipal(ctx)
	profile := auth.GetProfile(ctx)
	if principal == nil || profile == nil {
		apierror.Write(w, apierror.AuthenticationRequired())
		return nil, false
	}

	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	model := chi.URLParam(r, "model")
	if err := upstream.Supports(model, op); err != nil {
		apierror.Write(w, apierror.Validation(err.Error()))
		return nil, false
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, err)
		return nil, false
	}

	var req upstream.GenerateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		apierror.Write(w, apierror.Validation("invalid request body"))
		return nil, false
	}
	if len(req.Contents) == 0 {
		apierror.Write(w, apierror.Validation("contents must not be empty"))
		return nil, false
	}

	if err := h.guard.Check(ctx, principal.ID, profile.Tier); err != nil {
		h.writeError(w, err)
		return nil, false
	}

	// Informational only: attached to the span, never gates the request.
	estimate := tokencount.EstimateContents(req.Contents)

	_, span := h.tracer.Start(ctx, "gateway."+string(op))
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", principal.ID),
		attribute.String("request_id", requestID),
		attribute.String("model", model),
		attribute.Int("tokens.estimated_input", estimate.InputTokens),
		attribute.Int("tokens.estimated_total", estimate.TotalTokens),
	)

	return &admission{
		principal: principal,
		profile:   profile,
		requestID: requestID,
		model:     model,
		body:      body,
		estimate:  estimate,
	}, true
}

// record hands a completed call's accounting to the background recorder.
// The client response never waits on this path.
func (h *Handler) record(a *admission, kind billing.RequestKind, totalTokens int, cost float64) {
	h.recorder.Enqueue(&billing.UsageRecord{
		UserID:      a.principal.ID,
		RequestID:   a.requestID,
		Model:       a.model,
		Kind:        kind,
		TotalTokens: totalTokens,
		CostUSD:     cost,
	})
}

func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	a, ok := h.admit(w, r, upstream.OpGenerate)
	if !ok {
		return
	}

	result, err := h.upstream.Do(r.Context(), a.model, upstream.OpGenerate, r.Header, a.body)
	if err != nil {
		// A provider-reported error still incurred cost if it carried
		// usable token counts.
		if result != nil {
			if usage := tokencount.ExtractUsageJSON(result.Body); usage.TotalTokens > 0 {
				h.record(a, billing.KindGenerate, usage.TotalTokens,
					pricing.Cost(usage.PromptTokens, usage.CompletionTokens, a.model))
			}
		}
		h.writeError(w, err)
		return
	}

	usage := tokencount.ExtractUsageJSON(result.Body)
	cost := pricing.Cost(usage.PromptTokens, usage.CompletionTokens, a.model)
	h.record(a, billing.KindGenerate, usage.TotalTokens, cost)

	respBody := augmentUsageMetadata(result.Body, map[string]any{
		"cost":  pricing.RoundDisplay(cost),
		"model": a.model,
	})
	upstream.RelayHeaders(w.Header(), result.Header)
	w.WriteHeader(result.Status)
	_, _ = w.Write(respBody)
}

func (h *Handler) HandleGenerateStream(w http.ResponseWriter, r *http.Request) {
	a, ok := h.admit(w, r, upstream.OpStream)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		apierror.Write(w, apierror.Internal(nil, false))
		return
	}

	resp, cancel, err := h.upstream.Stream(r.Context(), a.model, r.Header, a.body)
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer cancel()
	defer resp.Body.Close()

	upstream.RelayHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	// Relay bytes as they arrive, scanning frames for usage on the way
	// through. A write failure means the client disconnected; stop
	// relaying and let the deferred cancel release the upstream
	// connection.
	scanner := &tokencount.StreamUsage{}
	relayLines(w, flusher, resp.Body, scanner)

	usage := scanner.Usage()
	cost := pricing.Cost(usage.PromptTokens, usage.CompletionTokens, a.model)
	h.record(a, billing.KindStream, usage.TotalTokens, cost)
}

func (h *Handler) HandleCountTokens(w http.ResponseWriter, r *http.Request) {
	a, ok := h.admit(w, r, upstream.OpCountTokens)
	if !ok {
		return
	}

	result, err := h.upstream.Do(r.Context(), a.model, upstream.OpCountTokens, r.Header, a.body)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var counted upstream.CountTokensResponse
	_ = json.Unmarshal(result.Body, &counted)
	h.record(a, billing.KindCountTokens, counted.TotalTokens,
		pricing.Cost(counted.TotalTokens, 0, a.model))

	// The provider's token count is relayed unmodified.
	upstream.RelayHeaders(w.Header(), result.Header)
	w.WriteHeader(result.Status)
	_, _ = w.Write(result.Body)
}

func (h *Handler) HandleEmbed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	principal := auth.GetPrincipal(ctx)
	profile := auth.GetProfile(ctx)
	if principal == nil || profile == nil {
		apierror.Write(w, apierror.AuthenticationRequired())
		return
	}

	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	model := chi.URLParam(r, "model")
	op, err := upstream.EmbedOperation(model)
	if err != nil {
		apierror.Write(w, apierror.Validation(err.Error()))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req upstream.EmbedRequest
	if err := json.Unmarshal(body, &req); err != nil {
		apierror.Write(w, apierror.Validation("invalid request body"))
		return
	}
	if req.Content == nil && req.Text == "" {
		apierror.Write(w, apierror.Validation("content is required"))
		return
	}

	if err := h.guard.Check(ctx, principal.ID, profile.Tier); err != nil {
		h.writeError(w, err)
		return
	}

	inputTokens := tokencount.EstimateEmbeddingInput(&req)

	_, span := h.tracer.Start(ctx, "gateway."+string(op))
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", principal.ID),
		attribute.String("request_id", requestID),
		attribute.String("model", model),
		attribute.Int("tokens.estimated_input", inputTokens),
	)

	result, err := h.upstream.Do(ctx, model, op, r.Header, body)
	if err != nil {
		h.writeError(w, err)
		return
	}

	// Embeddings have no completion side: input tokens and cost only.
	cost := pricing.Cost(inputTokens, 0, model)
	h.recorder.Enqueue(&billing.UsageRecord{
		UserID:      principal.ID,
		RequestID:   requestID,
		Model:       model,
		Kind:        billing.KindEmbedding,
		TotalTokens: inputTokens,
		CostUSD:     cost,
	})

	respBody := augmentUsageMetadata(result.Body, map[string]any{
		"inputTokens": inputTokens,
		"cost":        pricing.RoundDisplay(cost),
	})
	upstream.RelayHeaders(w.Header(), result.Header)
	w.WriteHeader(result.Status)
	_, _ = w.Write(respBody)
}

// HandleListModels relays the provider's model list. Not billable.
func (h *Handler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	result, err := h.upstream.Do(r.Context(), "", upstream.OpListModels, r.Header, nil)
	if err != nil {
		h.writeError(w, err)
		return
	}

	upstream.RelayHeaders(w.Header(), result.Header)
	w.WriteHeader(result.Status)
	_, _ = w.Write(result.Body)
}

// HandleUsage reports the caller's aggregate usage. Not billable.
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := auth.GetPrincipal(ctx)
	if principal == nil {
		apierror.Write(w, apierror.AuthenticationRequired())
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			apierror.Write(w, apierror.Validation("invalid 'from' date format (use RFC3339)"))
			return
		}
	}
	if toStr := r.URL.Query().Get("to"); toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			apierror.Write(w, apierror.Validation("invalid 'to' date format (use RFC3339)"))
			return
		}
	}

	summary, err := h.store.GetUsageSummary(ctx, principal.ID, from, to)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(summary)
}

// augmentUsageMetadata merges fields into the response's usageMetadata
// block. A body that cannot be parsed is returned unchanged.
func augmentUsageMetadata(body []byte, fields map[string]any) []byte {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return body
	}

	meta, _ := payload["usageMetadata"].(map[string]any)
	if meta == nil {
		meta = make(map[string]any)
	}
	for k, v := range fields {
		meta[k] = v
	}
	payload["usageMetadata"] = meta

	out, err := json.Marshal(payload)
	if err != nil {
		return body
	}
	return out
}
