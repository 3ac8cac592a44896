package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/auth"
	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/credit"
	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/entitlement"
	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/executor"
	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/metering"
	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/provider"
	"github.com/CR-AudioViz-AI/javari-ai-sub006/pkg/ratelimit"
)

// Fake credit store with idempotency replay, shared across the pipeline
// tests so deductions are observable.
type fakeCreditStore struct {
	mu       sync.Mutex
	balances map[string]int64
	applied  map[string]*credit.DeductResult
	refunds  int64
	down     bool
}

func newFakeCreditStore() *fakeCreditStore {
	return &fakeCreditStore{
		balances: make(map[string]int64),
		applied:  make(map[string]*credit.DeductResult),
	}
}

func (s *fakeCreditStore) GetBalance(ctx context.Context, userID string) (*credit.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, errors.New("connection refused")
	}
	return &credit.Balance{UserID: userID, Balance: s.balances[userID], Floor: 1}, nil
}

func (s *fakeCreditStore) Deduct(ctx context.Context, userID string, amount int64, description, traceID, idempotencyKey string) (*credit.DeductResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, errors.New("connection refused")
	}
	if prev, ok := s.applied[idempotencyKey]; ok {
		replay := *prev
		replay.Duplicate = true
		return &replay, nil
	}
	if s.balances[userID] < amount {
		return &credit.DeductResult{Success: false, NewBalance: s.balances[userID]}, nil
	}
	s.balances[userID] -= amount
	res := &credit.DeductResult{Success: true, NewBalance: s.balances[userID], AmountDeducted: amount, TraceID: traceID}
	s.applied[idempotencyKey] = res
	return res, nil
}

func (s *fakeCreditStore) Grant(ctx context.Context, userID string, amount int64, grantType credit.GrantType, description, traceID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return 0, errors.New("connection refused")
	}
	s.balances[userID] += amount
	if grantType == credit.GrantRefund {
		s.refunds += amount
	}
	return s.balances[userID], nil
}

type fakeEntitlementStore struct {
	subs map[string]*entitlement.Subscription
}

func (s *fakeEntitlementStore) GetSubscription(ctx context.Context, userID string) (*entitlement.Subscription, error) {
	return s.subs[userID], nil
}

func (s *fakeEntitlementStore) GetGrants(ctx context.Context, userID string) ([]entitlement.Grant, error) {
	return nil, nil
}

func (s *fakeEntitlementStore) UpsertGrants(ctx context.Context, userID string, features []entitlement.Feature) error {
	return nil
}

type fakeMeterStore struct {
	mu    sync.Mutex
	usage []*metering.UsageEvent
	costs []*metering.AICostEvent
}

func (s *fakeMeterStore) InsertUsageEvent(ctx context.Context, ev *metering.UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, ev)
	return nil
}

func (s *fakeMeterStore) InsertAICostEvent(ctx context.Context, ev *metering.AICostEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.costs = append(s.costs, ev)
	return nil
}

func (s *fakeMeterStore) AggregateDaily(ctx context.Context, userID string, day time.Time) (*metering.DailySummary, error) {
	return &metering.DailySummary{UserID: userID, Date: day}, nil
}

func (s *fakeMeterStore) StripeSummary(ctx context.Context, userID string, start, end time.Time) (*metering.StripeSummary, error) {
	return &metering.StripeSummary{UserID: userID, PeriodStart: start, PeriodEnd: end}, nil
}

type mockLimiterStore struct {
	allowed bool
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, nil
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, nil
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, nil
}

type stubProvider struct {
	name    string
	content string
	err     error
}

func (p *stubProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &provider.Response{
		Content:      p.content,
		Provider:     p.name,
		Model:        req.Model,
		InputTokens:  100,
		OutputTokens: 200,
	}, nil
}

func (p *stubProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	if p.err != nil {
		return nil, p.err
	}
	ch := make(chan *provider.Chunk, 2)
	ch <- &provider.Chunk{Delta: p.content}
	ch <- &provider.Chunk{Done: true}
	close(ch)
	return ch, nil
}

func (p *stubProvider) Name() string                 { return p.name }
func (p *stubProvider) ExactUsage() bool             { return true }
func (p *stubProvider) CostPerInputToken() float64   { return 0.000001 }
func (p *stubProvider) CostPerOutputToken() float64  { return 0.000002 }
func (p *stubProvider) SupportedModels() []string    { return []string{"stub-model"} }

// blockingProvider parks every call until its context is canceled, so a
// test can abort a request while agents are still in flight.
type blockingProvider struct {
	name    string
	started chan struct{}
	once    sync.Once
}

func (p *blockingProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	p.once.Do(func() { close(p.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func (p *blockingProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	p.once.Do(func() { close(p.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func (p *blockingProvider) Name() string                { return p.name }
func (p *blockingProvider) ExactUsage() bool            { return true }
func (p *blockingProvider) CostPerInputToken() float64  { return 0.000001 }
func (p *blockingProvider) CostPerOutputToken() float64 { return 0.000002 }
func (p *blockingProvider) SupportedModels() []string   { return []string{"stub-model"} }

type testEnv struct {
	handler *Handler
	credits *fakeCreditStore
	meter   *fakeMeterStore
	rec     *metering.Recorder
}

func setupTest(providers []provider.Provider, tier entitlement.Tier, balance int64) *testEnv {
	creditStore := newFakeCreditStore()
	creditStore.balances["test-user"] = balance

	entStore := &fakeEntitlementStore{subs: map[string]*entitlement.Subscription{}}
	if tier != "" {
		entStore.subs["test-user"] = &entitlement.Subscription{
			UserID: "test-user",
			Tier:   tier,
			Status: "active",
		}
	}

	meterStore := &fakeMeterStore{}
	rec := metering.NewRecorder(meterStore, 64)

	ledger := credit.NewLedger(creditStore, credit.NewPricing(100, 1.3), 25, 1)
	gate := entitlement.NewGate(entStore, entitlement.NewMemoryCache(time.Minute), "https://javari.ai")
	exec := executor.New(providers, nil)
	limiter := ratelimit.NewTestLimiter(&mockLimiterStore{allowed: true})
	tracer := noop.NewTracerProvider().Tracer("test")

	return &testEnv{
		handler: NewHandler(exec, gate, ledger, rec, limiter, tracer),
		credits: creditStore,
		meter:   meterStore,
		rec:     rec,
	}
}

func authedRequest(method, target string, body []byte) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	ctx := auth.WithUserID(req.Context(), "test-user")
	ctx = auth.WithRequestID(ctx, "req-123")
	return req.WithContext(ctx)
}

func chatBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"provider": "openai",
		"model":    "stub-model",
		"messages": []map[string]string{{"role": "user", "content": "write me a plan"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestHandleComplete_Unauthorized(t *testing.T) {
	env := setupTest(nil, entitlement.TierFree, 100)
	req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	w := httptest.NewRecorder()

	env.handler.HandleComplete(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestHandleComplete_InvalidBody(t *testing.T) {
	env := setupTest(nil, entitlement.TierFree, 100)
	req := authedRequest("POST", "/v1/chat/completions", []byte(`{invalid json}`))
	w := httptest.NewRecorder()

	env.handler.HandleComplete(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleComplete_ChargesAndReturnsUsage(t *testing.T) {
	stub := &stubProvider{name: "openai", content: "hello from the model"}
	env := setupTest([]provider.Provider{stub}, entitlement.TierFree, 1000)

	req := authedRequest("POST", "/v1/chat/completions", chatBody(t))
	w := httptest.NewRecorder()
	env.handler.HandleComplete(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	usage := resp["usage"].(map[string]interface{})
	if usage["total_tokens"].(float64) != 300 {
		t.Errorf("Expected 300 total tokens, got %v", usage["total_tokens"])
	}
	credits := resp["credits"].(map[string]interface{})
	if credits["charged"].(float64) < 1 {
		t.Errorf("A successful call must never be free, charged %v", credits["charged"])
	}

	env.credits.mu.Lock()
	_, deducted := env.credits.applied["req-123"]
	env.credits.mu.Unlock()
	if !deducted {
		t.Error("deduction should use the request ID as idempotency key")
	}
}

func TestHandleComplete_RetryDoesNotDoubleCharge(t *testing.T) {
	stub := &stubProvider{name: "openai", content: "hello"}
	env := setupTest([]provider.Provider{stub}, entitlement.TierFree, 1000)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		env.handler.HandleComplete(w, authedRequest("POST", "/v1/chat/completions", chatBody(t)))
		if w.Code != http.StatusOK {
			t.Fatalf("attempt %d: expected 200, got %d", i, w.Code)
		}
	}

	env.credits.mu.Lock()
	balance := env.credits.balances["test-user"]
	charged := env.credits.applied["req-123"].AmountDeducted
	env.credits.mu.Unlock()

	if balance != 1000-charged {
		t.Errorf("a replayed request must charge once: balance %d, single charge %d", balance, charged)
	}
}

func TestHandleComplete_InsufficientCredits(t *testing.T) {
	stub := &stubProvider{name: "openai", content: "hello"}
	env := setupTest([]provider.Provider{stub}, entitlement.TierFree, 0)

	w := httptest.NewRecorder()
	env.handler.HandleComplete(w, authedRequest("POST", "/v1/chat/completions", chatBody(t)))

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("Expected 402, got %d", w.Code)
	}
	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "insufficient_credits" {
		t.Errorf("Expected insufficient_credits, got %v", resp["error"])
	}
}

func TestHandleComplete_ProvidersExhausted(t *testing.T) {
	openai := &stubProvider{name: "openai", err: errors.New("down")}
	claude := &stubProvider{name: "claude", err: errors.New("also down")}
	env := setupTest([]provider.Provider{openai, claude}, entitlement.TierFree, 1000)

	w := httptest.NewRecorder()
	env.handler.HandleComplete(w, authedRequest("POST", "/v1/chat/completions", chatBody(t)))

	if w.Code != http.StatusBadGateway {
		t.Fatalf("Expected 502, got %d", w.Code)
	}

	env.credits.mu.Lock()
	balance := env.credits.balances["test-user"]
	env.credits.mu.Unlock()
	if balance != 1000 {
		t.Errorf("a failed call must not be charged, balance went to %d", balance)
	}
}

func TestHandleComplete_LedgerDownFailsClosed(t *testing.T) {
	stub := &stubProvider{name: "openai", content: "hello"}
	env := setupTest([]provider.Provider{stub}, entitlement.TierFree, 1000)
	env.credits.down = true

	w := httptest.NewRecorder()
	env.handler.HandleComplete(w, authedRequest("POST", "/v1/chat/completions", chatBody(t)))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503 when the ledger cannot record a charge, got %d", w.Code)
	}
}

func TestHandleCompleteStream_RequiresStreamingFeature(t *testing.T) {
	stub := &stubProvider{name: "openai", content: "hello"}
	env := setupTest([]provider.Provider{stub}, entitlement.TierFree, 1000)

	w := httptest.NewRecorder()
	env.handler.HandleCompleteStream(w, authedRequest("POST", "/v1/chat/completions/stream", chatBody(t)))

	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected 403 for a free user, got %d", w.Code)
	}
	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["feature"] != "chat_streaming" {
		t.Errorf("Expected denied feature chat_streaming, got %v", resp["feature"])
	}
	if !strings.Contains(resp["upgrade_url"].(string), "tier=creator") {
		t.Errorf("Expected creator upgrade URL, got %v", resp["upgrade_url"])
	}
}

func TestHandleCompleteStream_ChargesStreamedTokens(t *testing.T) {
	stub := &stubProvider{name: "openai", content: "hello world stream body"}
	env := setupTest([]provider.Provider{stub}, entitlement.TierCreator, 1000)

	w := httptest.NewRecorder()
	env.handler.HandleCompleteStream(w, authedRequest("POST", "/v1/chat/completions/stream", chatBody(t)))

	if !strings.Contains(w.Body.String(), "data: [DONE]") {
		t.Errorf("Expected SSE terminator, got %q", w.Body.String())
	}

	env.credits.mu.Lock()
	balance := env.credits.balances["test-user"]
	env.credits.mu.Unlock()
	if balance >= 1000 {
		t.Errorf("streamed output must be charged, balance still %d", balance)
	}
}

func TestHandleAgentsRun_RequiresProTier(t *testing.T) {
	env := setupTest(nil, entitlement.TierCreator, 1000)
	body, _ := json.Marshal(agentsRunRequest{
		Agents:   []agentSpec{{Role: "architect", Provider: "openai", Model: "stub-model"}},
		Messages: []provider.Message{{Role: "user", Content: "design a thing"}},
	})

	w := httptest.NewRecorder()
	env.handler.HandleAgentsRun(w, authedRequest("POST", "/v1/agents/run", body))

	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected 403 below pro, got %d", w.Code)
	}
}

func TestHandleAgentsRun_MergesAndReconciles(t *testing.T) {
	openai := &stubProvider{name: "openai", content: "plan: build the service in three layers with clear seams between transport and storage so the runtime stays simple"}
	claude := &stubProvider{name: "claude", content: "func main() { router := chi.NewRouter(); http.ListenAndServe(addr, router) } // wiring and handler registration"}
	env := setupTest([]provider.Provider{openai, claude}, entitlement.TierPro, 10000)

	body, _ := json.Marshal(agentsRunRequest{
		Agents: []agentSpec{
			{Role: "architect", Provider: "openai", Model: "stub-model"},
			{Role: "engineer", Provider: "claude", Model: "stub-model"},
		},
		Messages: []provider.Message{{Role: "user", Content: "design and build"}},
	})

	w := httptest.NewRecorder()
	env.handler.HandleAgentsRun(w, authedRequest("POST", "/v1/agents/run", body))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["final_content"] == "" {
		t.Error("Expected merged content")
	}
	if resp["strategy"] == "" {
		t.Error("Expected a merge strategy")
	}
	credits := resp["credits"].(map[string]interface{})
	if credits["charged"].(float64) < 1 {
		t.Errorf("a successful run must be charged, got %v", credits["charged"])
	}
}

func TestHandleAgentsRun_AllFailRefundsReservation(t *testing.T) {
	openai := &stubProvider{name: "openai", err: errors.New("down")}
	claude := &stubProvider{name: "claude", err: errors.New("down")}
	env := setupTest([]provider.Provider{openai, claude}, entitlement.TierPro, 1000)

	body, _ := json.Marshal(agentsRunRequest{
		Agents: []agentSpec{
			{Role: "architect", Provider: "openai", Model: "stub-model"},
			{Role: "engineer", Provider: "claude", Model: "stub-model"},
		},
		Messages: []provider.Message{{Role: "user", Content: "design and build"}},
	})

	w := httptest.NewRecorder()
	env.handler.HandleAgentsRun(w, authedRequest("POST", "/v1/agents/run", body))

	if w.Code != http.StatusBadGateway {
		t.Fatalf("Expected 502, got %d", w.Code)
	}

	env.credits.mu.Lock()
	balance := env.credits.balances["test-user"]
	refunds := env.credits.refunds
	env.credits.mu.Unlock()
	if balance != 1000 {
		t.Errorf("the reservation must be fully refunded, balance %d", balance)
	}
	if refunds == 0 {
		t.Error("Expected a refund grant to be recorded")
	}
}

func TestHandleAgentsRun_ClientDisconnectRefundsReservation(t *testing.T) {
	prov := &blockingProvider{name: "openai", started: make(chan struct{})}
	env := setupTest([]provider.Provider{prov}, entitlement.TierPro, 1000)

	body, _ := json.Marshal(agentsRunRequest{
		Agents:   []agentSpec{{Role: "architect", Provider: "openai", Model: "stub-model"}},
		Messages: []provider.Message{{Role: "user", Content: "design a thing"}},
	})

	req := authedRequest("POST", "/v1/agents/run", body)
	ctx, cancel := context.WithCancel(req.Context())
	req = req.WithContext(ctx)

	w := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		env.handler.HandleAgentsRun(w, req)
		close(done)
	}()

	<-prov.started
	cancel()
	<-done

	env.credits.mu.Lock()
	balance := env.credits.balances["test-user"]
	refunds := env.credits.refunds
	env.credits.mu.Unlock()
	if refunds == 0 {
		t.Error("Expected a refund grant despite the canceled request context")
	}
	if balance != 1000 {
		t.Errorf("a disconnected run must get its reservation back, balance %d", balance)
	}
}

func TestHandleAgentsRun_RejectsEmptyAgents(t *testing.T) {
	env := setupTest(nil, entitlement.TierPro, 1000)
	body, _ := json.Marshal(agentsRunRequest{
		Messages: []provider.Message{{Role: "user", Content: "hello"}},
	})

	w := httptest.NewRecorder()
	env.handler.HandleAgentsRun(w, authedRequest("POST", "/v1/agents/run", body))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
}

func TestHandleBalance(t *testing.T) {
	env := setupTest(nil, entitlement.TierFree, 321)

	w := httptest.NewRecorder()
	env.handler.HandleBalance(w, authedRequest("GET", "/v1/credits/balance", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var balance credit.Balance
	if err := json.Unmarshal(w.Body.Bytes(), &balance); err != nil {
		t.Fatal(err)
	}
	if balance.Balance != 321 {
		t.Errorf("Expected balance 321, got %d", balance.Balance)
	}
}

func TestHandleDailyUsage_RequiresReportsFeature(t *testing.T) {
	env := setupTest(nil, entitlement.TierFree, 100)

	w := httptest.NewRecorder()
	env.handler.HandleDailyUsage(w, authedRequest("GET", "/v1/usage/daily", nil))

	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected 403 for a free user, got %d", w.Code)
	}
}

func TestHandleDailyUsage_BadDate(t *testing.T) {
	env := setupTest(nil, entitlement.TierPro, 100)

	w := httptest.NewRecorder()
	env.handler.HandleDailyUsage(w, authedRequest("GET", "/v1/usage/daily?date=yesterday", nil))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 on a bad date, got %d", w.Code)
	}
}

func TestHandleBillingSummary(t *testing.T) {
	env := setupTest(nil, entitlement.TierPro, 100)

	w := httptest.NewRecorder()
	env.handler.HandleBillingSummary(w, authedRequest("GET", "/v1/usage/billing-summary", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
}

func TestMeteringRecordsChatUsage(t *testing.T) {
	stub := &stubProvider{name: "openai", content: "hello"}
	env := setupTest([]provider.Provider{stub}, entitlement.TierFree, 1000)

	w := httptest.NewRecorder()
	env.handler.HandleComplete(w, authedRequest("POST", "/v1/chat/completions", chatBody(t)))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	env.rec.Close()

	env.meter.mu.Lock()
	defer env.meter.mu.Unlock()
	if len(env.meter.usage) != 1 {
		t.Fatalf("Expected 1 usage event, got %d", len(env.meter.usage))
	}
	if env.meter.usage[0].Feature != "chat" || !env.meter.usage[0].Success {
		t.Errorf("usage event wrong: %+v", env.meter.usage[0])
	}
	if len(env.meter.costs) != 1 {
		t.Fatalf("Expected 1 cost event, got %d", len(env.meter.costs))
	}
	if env.meter.usage[0].TraceID != env.meter.costs[0].TraceID {
		t.Error("usage and cost rows must share a trace ID")
	}
}
