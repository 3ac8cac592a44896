package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/auth"
	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/credit"
	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/entitlement"
	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/executor"
	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/merge"
	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/metering"
	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/provider"
	"github.com/CR-AudioViz-AI/javari-ai-sub006/pkg/ratelimit"
)

const (
	maxAgents           = 6
	defaultAgentTimeout = 120 * time.Second
)

// Handler runs the billed-request pipeline: entitlement enforcement, cost
// estimate and floor check, rate limit, dispatch, precise post-call
// deduction, then fire-and-forget metering.
type Handler struct {
	exec    *executor.Executor
	gate    *entitlement.Gate
	ledger  *credit.Ledger
	meter   *metering.Recorder
	limiter *ratelimit.Limiter
	tracer  trace.Tracer
}

func NewHandler(exec *executor.Executor, gate *entitlement.Gate, ledger *credit.Ledger, meter *metering.Recorder, limiter *ratelimit.Limiter, tracer trace.Tracer) *Handler {
	return &Handler{
		exec:    exec,
		gate:    gate,
		ledger:  ledger,
		meter:   meter,
		limiter: limiter,
		tracer:  tracer,
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// renderError maps pipeline failures to structured JSON. Callers never see
// stack traces or raw store errors.
func renderError(w http.ResponseWriter, err error) {
	var ice *credit.InsufficientCreditsError
	if errors.As(err, &ice) {
		writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
			"error":    "insufficient_credits",
			"message":  ice.Error(),
			"balance":  ice.Balance,
			"required": ice.Required,
		})
		return
	}

	var ee *entitlement.EntitlementError
	if errors.As(err, &ee) {
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"error":       "feature_not_available",
			"message":     ee.Error(),
			"feature":     ee.Feature,
			"tier":        ee.Tier,
			"upgrade_url": ee.UpgradeURL,
		})
		return
	}

	var lue *credit.LedgerUnavailableError
	if errors.As(err, &lue) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":   "ledger_unavailable",
			"message": "billing is temporarily unavailable, request not charged or served",
		})
		return
	}

	var pue *executor.ProviderUnavailableError
	if errors.As(err, &pue) {
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":   "provider_unavailable",
			"message": pue.Error(),
		})
		return
	}

	if errors.Is(err, merge.ErrNoOutput) {
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":   "no_agent_output",
			"message": "every agent call failed, reserved credits were refunded",
		})
		return
	}

	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
}

func promptChars(messages []provider.Message) int {
	n := 0
	for _, m := range messages {
		n += len(m.Content)
	}
	return n
}

func resolveProviderName(req *provider.Request) string {
	if req.Provider != "" {
		return req.Provider
	}
	return provider.DetectProvider(req.Model)
}

// prepare runs the shared front half of the pipeline: identity, body
// decode, entitlement, estimate, floor, rate limit. The returned estimate
// is for admission only; the actual charge comes from observed usage.
func (h *Handler) prepare(w http.ResponseWriter, r *http.Request, features ...entitlement.Feature) (string, string, *provider.Request, *credit.CostEstimate, bool) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return "", "", nil, nil, false
	}

	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var req provider.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return "", "", nil, nil, false
	}
	req.UserID = userID
	req.RequestID = requestID

	_, span := h.tracer.Start(ctx, "pipeline.prepare")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.String("request_id", requestID),
		attribute.String("model", req.Model),
	)

	if err := h.gate.EnforceAll(ctx, userID, features...); err != nil {
		renderError(w, err)
		return "", "", nil, nil, false
	}

	snap, _ := h.gate.UserTierAndFeatures(ctx, userID)
	estimate := h.ledger.EstimateCallCost(resolveProviderName(&req), req.Model, promptChars(req.Messages), string(snap.Tier))

	if err := h.ledger.EnforceFloor(ctx, userID, estimate.Credits); err != nil {
		renderError(w, err)
		return "", "", nil, nil, false
	}

	estimatedTokens := req.MaxTokens
	if estimatedTokens <= 0 {
		estimatedTokens = 1000
	}
	allowed, err := h.limiter.Allow(ctx, userID, estimatedTokens)
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60s")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return "", "", nil, nil, false
	}

	return userID, requestID, &req, &estimate, true
}

func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	userID, requestID, req, _, ok := h.prepare(w, r, entitlement.FeatureChat)
	if !ok {
		return
	}

	response, err := h.exec.Chat(r.Context(), req)
	if err != nil {
		h.meterFailure(userID, requestID, string(entitlement.FeatureChat), req, err)
		renderError(w, err)
		return
	}

	cost := h.ledger.CostFromTokens(response.Provider, response.Model,
		response.InputTokens, response.OutputTokens, !response.EstimatedUsage)

	traceID := uuid.New().String()
	deduction, err := h.ledger.Deduct(r.Context(), userID, cost.Credits, "chat completion", credit.DeductOptions{
		TraceID:        traceID,
		IdempotencyKey: requestID,
	})
	if err != nil {
		var ice *credit.InsufficientCreditsError
		if errors.As(err, &ice) {
			// The work is already done; deliver it and let the balance
			// go to the floor on the next request.
			log.Printf("[Proxy] post-call deduct below floor for user %s: %v", userID, err)
			deduction = &credit.DeductResult{NewBalance: ice.Balance}
		} else {
			renderError(w, err)
			return
		}
	}

	h.meterChatUsage(userID, traceID, string(entitlement.FeatureChat), response, cost)

	respID := response.ID
	if respID == "" {
		respID = uuid.New().String()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":           respID,
		"object":       "chat.completion",
		"model":        response.Model,
		"provider":     response.Provider,
		"was_failover": response.WasFailover,
		"choices": []interface{}{
			map[string]interface{}{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": response.Content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]interface{}{
			"prompt_tokens":     response.InputTokens,
			"completion_tokens": response.OutputTokens,
			"total_tokens":      response.InputTokens + response.OutputTokens,
			"estimated":         response.EstimatedUsage,
		},
		"credits": map[string]interface{}{
			"charged": cost.Credits,
			"balance": deduction.NewBalance,
		},
	})
}

func (h *Handler) HandleCompleteStream(w http.ResponseWriter, r *http.Request) {
	userID, requestID, req, _, ok := h.prepare(w, r, entitlement.FeatureChat, entitlement.FeatureChatStreaming)
	if !ok {
		return
	}
	req.Stream = true

	ch, stats, err := h.exec.ChatStream(r.Context(), req)
	if err != nil {
		h.meterFailure(userID, requestID, string(entitlement.FeatureChatStreaming), req, err)
		renderError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, flusherOK := w.(http.Flusher)
	if !flusherOK {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	for chunk := range ch {
		if chunk.Err != nil {
			fmt.Fprintf(w, "event: error\ndata: {\"error\": \"%s\"}\n\n", chunk.Err.Error())
			flusher.Flush()
			break
		}

		if chunk.Done {
			fmt.Fprintf(w, "data: [DONE]\n\n")
			flusher.Flush()
			break
		}

		escaped := strings.ReplaceAll(chunk.Delta, `"`, `\"`)
		escaped = strings.ReplaceAll(escaped, "\n", `\n`)
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"%s\"},\"index\":0}]}\n\n", escaped)
		flusher.Flush()
	}

	// Reached on both natural completion and client abort. Finalize is
	// idempotent, so the draining goroutine racing us is fine.
	stats.Finalize()
	h.settleStream(userID, requestID, req, stats)
}

// settleStream charges exactly the streamed output. A stream that aborted
// before the first chunk costs nothing.
func (h *Handler) settleStream(userID, requestID string, req *provider.Request, stats *executor.StreamStats) {
	outputTokens := stats.OutputTokens()
	if outputTokens == 0 {
		return
	}

	inputTokens := promptChars(req.Messages) / 4
	if inputTokens < 1 {
		inputTokens = 1
	}
	cost := h.ledger.CostFromTokens(stats.Provider, stats.Model, inputTokens, outputTokens, false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	traceID := uuid.New().String()
	if _, err := h.ledger.Deduct(ctx, userID, cost.Credits, "chat completion (stream)", credit.DeductOptions{
		TraceID:        traceID,
		IdempotencyKey: requestID,
	}); err != nil {
		log.Printf("[Proxy] stream deduct failed for user %s: %v", userID, err)
	}

	h.meter.LogUsageEvent(&metering.UsageEvent{
		TraceID:      traceID,
		UserID:       userID,
		Feature:      string(entitlement.FeatureChatStreaming),
		Provider:     stats.Provider,
		Model:        stats.Model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Credits:      cost.Credits,
		Success:      true,
		LatencyMs:    stats.LatencyMs(),
	})
	h.meter.LogAIModelCost(&metering.AICostEvent{
		TraceID:      traceID,
		UserID:       userID,
		Provider:     stats.Provider,
		Model:        stats.Model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      cost.CostUSD,
		Credits:      cost.Credits,
		Estimated:    true,
		LatencyMs:    stats.LatencyMs(),
	})
}

type agentSpec struct {
	Role     string `json:"role"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

type agentsRunRequest struct {
	Agents      []agentSpec        `json:"agents"`
	Messages    []provider.Message `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	RequireJSON bool               `json:"require_json"`
	TimeoutMs   int                `json:"timeout_ms"`
}

func (h *Handler) HandleAgentsRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var runReq agentsRunRequest
	if err := json.NewDecoder(r.Body).Decode(&runReq); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if len(runReq.Agents) == 0 || len(runReq.Agents) > maxAgents {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("agents must contain between 1 and %d entries", maxAgents),
		})
		return
	}
	if len(runReq.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "messages must not be empty"})
		return
	}

	_, span := h.tracer.Start(ctx, "pipeline.agents_run")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.String("request_id", requestID),
		attribute.Int("agent_count", len(runReq.Agents)),
	)

	if err := h.gate.EnforceAll(ctx, userID, entitlement.FeatureChat, entitlement.FeatureMultiAITeam); err != nil {
		renderError(w, err)
		return
	}

	snap, _ := h.gate.UserTierAndFeatures(ctx, userID)
	chars := promptChars(runReq.Messages)

	var reserved int64
	calls := make([]executor.AgentCall, len(runReq.Agents))
	for i, a := range runReq.Agents {
		est := h.ledger.EstimateCallCost(a.Provider, a.Model, chars, string(snap.Tier))
		reserved += est.Credits
		calls[i] = executor.AgentCall{
			Role:      merge.ParseRole(a.Role),
			Provider:  a.Provider,
			Model:     a.Model,
			Messages:  runReq.Messages,
			MaxTokens: runReq.MaxTokens,
		}
	}

	if err := h.ledger.EnforceFloor(ctx, userID, reserved); err != nil {
		renderError(w, err)
		return
	}

	estimatedTokens := runReq.MaxTokens
	if estimatedTokens <= 0 {
		estimatedTokens = 1000
	}
	allowed, err := h.limiter.Allow(ctx, userID, estimatedTokens*len(calls))
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60s")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return
	}

	// Reserve the estimated total before dispatch. Reconciled against the
	// observed per-agent usage below; refunded outright when nothing merges.
	traceID := uuid.New().String()
	if _, err := h.ledger.Deduct(ctx, userID, reserved, "agent team reservation", credit.DeductOptions{
		TraceID:        traceID,
		IdempotencyKey: requestID + ":reserve",
	}); err != nil {
		renderError(w, err)
		return
	}

	timeout := defaultAgentTimeout
	if runReq.TimeoutMs > 0 {
		timeout = time.Duration(runReq.TimeoutMs) * time.Millisecond
	}

	outputs, responses := h.exec.FanOut(ctx, userID, requestID, calls, timeout)
	result := merge.Merge(outputs, merge.Options{RequireJSON: runReq.RequireJSON})

	// Settlement must outlive the request context: a client that
	// disconnects mid-run still gets its reservation refunded.
	settleCtx, cancelSettle := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSettle()

	if result.Empty() {
		if err := h.ledger.Refund(settleCtx, userID, reserved, "agent team refund", traceID); err != nil {
			log.Printf("[Proxy] refund failed for user %s trace %s: %v", userID, traceID, err)
		}
		h.meter.LogUsageEvent(&metering.UsageEvent{
			TraceID: traceID,
			UserID:  userID,
			Feature: string(entitlement.FeatureMultiAITeam),
			Success: false,
		})
		renderError(w, merge.ErrNoOutput)
		return
	}

	actual := h.settleAgents(settleCtx, userID, requestID, traceID, reserved, outputs, responses)

	var totalIn, totalOut int
	for _, resp := range responses {
		if resp != nil {
			totalIn += resp.InputTokens
			totalOut += resp.OutputTokens
		}
	}
	h.meter.LogUsageEvent(&metering.UsageEvent{
		TraceID:      traceID,
		UserID:       userID,
		Feature:      string(entitlement.FeatureMultiAITeam),
		InputTokens:  totalIn,
		OutputTokens: totalOut,
		Credits:      actual,
		Success:      true,
		LatencyMs:    result.DurationMs,
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":                  requestID,
		"object":              "agents.run",
		"final_content":       result.FinalContent,
		"strategy":            result.Strategy,
		"sourced_from":        result.SourcedFrom,
		"validation_used":     result.ValidationUsed,
		"conflict_detected":   result.ConflictDetected,
		"conflict_resolution": result.ConflictResolution,
		"traceability":        result.Traceability,
		"agents":              outputs,
		"usage": map[string]interface{}{
			"prompt_tokens":     totalIn,
			"completion_tokens": totalOut,
			"total_tokens":      totalIn + totalOut,
		},
		"credits": map[string]interface{}{
			"reserved": reserved,
			"charged":  actual,
		},
	})
}

// settleAgents reconciles the upfront reservation against the observed
// per-agent usage and emits one cost row per underlying model call.
// Returns the credits actually charged.
func (h *Handler) settleAgents(ctx context.Context, userID, requestID, traceID string, reserved int64, outputs []merge.AgentOutput, responses []*provider.Response) int64 {
	var actual int64
	for i, resp := range responses {
		if resp == nil {
			h.meter.LogAIModelCost(&metering.AICostEvent{
				TraceID:   traceID,
				UserID:    userID,
				Provider:  outputs[i].Provider,
				Model:     outputs[i].Model,
				Failed:    true,
				LatencyMs: outputs[i].DurationMs,
			})
			continue
		}

		cost := h.ledger.CostFromTokens(resp.Provider, resp.Model,
			resp.InputTokens, resp.OutputTokens, !resp.EstimatedUsage)
		actual += cost.Credits

		h.meter.LogAIModelCost(&metering.AICostEvent{
			TraceID:      traceID,
			UserID:       userID,
			Provider:     resp.Provider,
			Model:        resp.Model,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			CostUSD:      cost.CostUSD,
			Credits:      cost.Credits,
			Estimated:    resp.EstimatedUsage,
			LatencyMs:    resp.LatencyMs,
		})
	}

	switch {
	case actual < reserved:
		if err := h.ledger.Refund(ctx, userID, reserved-actual, "agent team reconciliation", traceID); err != nil {
			log.Printf("[Proxy] reconciliation refund failed for user %s: %v", userID, err)
		}
	case actual > reserved:
		if _, err := h.ledger.Deduct(ctx, userID, actual-reserved, "agent team reconciliation", credit.DeductOptions{
			TraceID:        traceID,
			IdempotencyKey: requestID + ":final",
		}); err != nil {
			log.Printf("[Proxy] reconciliation deduct failed for user %s: %v", userID, err)
		}
	}
	return actual
}

func (h *Handler) meterChatUsage(userID, traceID, feature string, response *provider.Response, cost credit.CostEstimate) {
	h.meter.LogUsageEvent(&metering.UsageEvent{
		TraceID:      traceID,
		UserID:       userID,
		Feature:      feature,
		Provider:     response.Provider,
		Model:        response.Model,
		InputTokens:  response.InputTokens,
		OutputTokens: response.OutputTokens,
		Credits:      cost.Credits,
		Success:      true,
		LatencyMs:    response.LatencyMs,
	})

	// One cost row per underlying call: a failover run bills the failed
	// primary leg too, at zero tokens.
	for _, attempt := range response.Attempts {
		ev := &metering.AICostEvent{
			TraceID:   traceID,
			UserID:    userID,
			Provider:  attempt.Provider,
			Model:     attempt.Model,
			LatencyMs: attempt.LatencyMs,
			Failed:    !attempt.Success,
		}
		if attempt.Success {
			ev.InputTokens = response.InputTokens
			ev.OutputTokens = response.OutputTokens
			ev.CostUSD = cost.CostUSD
			ev.Credits = cost.Credits
			ev.Estimated = response.EstimatedUsage
		}
		h.meter.LogAIModelCost(ev)
	}
}

func (h *Handler) meterFailure(userID, requestID, feature string, req *provider.Request, callErr error) {
	h.meter.LogUsageEvent(&metering.UsageEvent{
		UserID:   userID,
		Feature:  feature,
		Provider: resolveProviderName(req),
		Model:    req.Model,
		Success:  false,
	})

	var pue *executor.ProviderUnavailableError
	if errors.As(callErr, &pue) {
		for _, attempt := range pue.Attempts {
			h.meter.LogAIModelCost(&metering.AICostEvent{
				UserID:    userID,
				Provider:  attempt.Provider,
				Model:     attempt.Model,
				Failed:    true,
				LatencyMs: attempt.LatencyMs,
			})
		}
	}
}

func (h *Handler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	balance, err := h.ledger.CheckBalance(ctx, userID)
	if err != nil {
		renderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (h *Handler) HandleDailyUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	if err := h.gate.Enforce(ctx, userID, entitlement.FeatureUsageReports); err != nil {
		renderError(w, err)
		return
	}

	day := time.Now()
	if dateStr := r.URL.Query().Get("date"); dateStr != "" {
		var err error
		day, err = time.Parse("2006-01-02", dateStr)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'date' format (use YYYY-MM-DD)"})
			return
		}
	}

	summary, err := h.meter.AggregateDaily(ctx, userID, day)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "usage aggregation failed"})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) HandleBillingSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	if err := h.gate.Enforce(ctx, userID, entitlement.FeatureUsageReports); err != nil {
		renderError(w, err)
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30)
	to := now

	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'from' date format (use RFC3339)"})
			return
		}
	}
	if toStr := r.URL.Query().Get("to"); toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'to' date format (use RFC3339)"})
			return
		}
	}

	summary, err := h.meter.StripeSummary(ctx, userID, from, to)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "billing summary failed"})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
