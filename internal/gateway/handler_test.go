package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/llmgate/gemini-proxy/internal/auth"
	"github.com/llmgate/gemini-proxy/internal/billing"
	"github.com/llmgate/gemini-proxy/internal/quota"
	"github.com/llmgate/gemini-proxy/internal/recorder"
	"github.com/llmgate/gemini-proxy/internal/upstream"
)

// Mock limits/usage store
type mockStore struct {
	mu        sync.Mutex
	records   []*billing.UsageRecord
	recorded  chan *billing.UsageRecord
	recordErr error
	snapshot  *billing.QuotaSnapshot
	limitsErr error
	summary   *billing.UsageSummary
}

func newMockStore() *mockStore {
	return &mockStore{recorded: make(chan *billing.UsageRecord, 8)}
}

func (m *mockStore) RecordUsage(ctx context.Context, record *billing.UsageRecord) error {
	m.mu.Lock()
	m.records = append(m.records, record)
	m.mu.Unlock()
	m.recorded <- record
	return m.recordErr
}

func (m *mockStore) CheckLimits(ctx context.Context, userID string, limits billing.TierLimits) (*billing.QuotaSnapshot, error) {
	if m.limitsErr != nil {
		return nil, m.limitsErr
	}
	if m.snapshot != nil {
		snap := *m.snapshot
		snap.Limits = limits
		return &snap, nil
	}
	return &billing.QuotaSnapshot{
		Limits:             limits,
		WithinRequestLimit: true,
		WithinTokenLimit:   true,
		WithinCostLimit:    true,
	}, nil
}

func (m *mockStore) GetUsageSummary(ctx context.Context, userID string, from, to time.Time) (*billing.UsageSummary, error) {
	if m.summary != nil {
		return m.summary, nil
	}
	return &billing.UsageSummary{UserID: userID, From: from, To: to}, nil
}

// Test Suite
type testEnv struct {
	store        *mockStore
	rec          *recorder.Recorder
	router       chi.Router
	upstreamHits *atomic.Int32
}

func setupEnv(t *testing.T, providerHandler http.HandlerFunc) *testEnv {
	t.Helper()

	hits := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		providerHandler(w, r)
	}))
	t.Cleanup(server.Close)

	store := newMockStore()
	rec := recorder.New(store, 16, 16)
	rec.Start()
	t.Cleanup(rec.Close)

	client := upstream.New("test-key", server.URL)
	guard := quota.NewGuard(store)
	tracer := noop.NewTracerProvider().Tracer("test")
	h := NewHandler(client, store, guard, rec, tracer, false)

	r := chi.NewRouter()
	r.Post("/v1/models/{model}/generateContent", h.HandleGenerate)
	r.Post("/v1/models/{model}/streamGenerateContent", h.HandleGenerateStream)
	r.Post("/v1/models/{model}/countTokens", h.HandleCountTokens)
	r.Post("/v1/models/{model}/embeddings", h.HandleEmbed)
	r.Get("/v1/models", h.HandleListModels)
	r.Get("/v1/usage", h.HandleUsage)
	r.HandleFunc("/v1beta/*", h.HandlePassthrough)

	return &testEnv{store: store, rec: rec, router: r, upstreamHits: hits}
}

func authedRequest(method, target string, body []byte) *http.Request {
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	ctx := auth.WithPrincipal(req.Context(), &auth.Principal{ID: "user-1", Email: "u@example.com"})
	ctx = auth.WithProfile(ctx, &auth.Profile{UserID: "user-1", Tier: "free", Active: true})
	ctx = auth.WithRequestID(ctx, "req-1")
	return req.WithContext(ctx)
}

func waitForRecord(t *testing.T, store *mockStore) *billing.UsageRecord {
	t.Helper()
	select {
	case record := <-store.recorded:
		return record
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for usage record")
		return nil
	}
}

func assertNoRecord(t *testing.T, store *mockStore) {
	t.Helper()
	select {
	case record := <-store.recorded:
		t.Errorf("Expected no usage record, got %+v", record)
	case <-time.After(100 * time.Millisecond):
	}
}

func errCode(t *testing.T, body []byte) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("Failed to decode error body %q: %v", body, err)
	}
	return resp.Error.Code
}

const generateBody = `{"contents":[{"role":"user","parts":[{"text":"hello"}]}]}`

func generateOKHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"hi!"}]}}],"usageMetadata":{"promptTokenCount":6,"candidatesTokenCount":3,"totalTokenCount":9}}`))
}

func TestHandleGenerate_EndToEnd(t *testing.T) {
	env := setupEnv(t, generateOKHandler)

	req := authedRequest("POST", "/v1/models/gemini-1.5-flash/generateContent", []byte(generateBody))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	meta, ok := resp["usageMetadata"].(map[string]any)
	if !ok {
		t.Fatal("Expected usageMetadata in response")
	}
	// 6 prompt + 3 completion tokens on gemini-1.5-flash rounds to 0.000001.
	if cost, _ := meta["cost"].(float64); cost != 0.000001 {
		t.Errorf("Expected display cost 0.000001, got %v", cost)
	}
	if meta["model"] != "gemini-1.5-flash" {
		t.Errorf("Expected model in usageMetadata, got %v", meta["model"])
	}
	if meta["promptTokenCount"] != float64(6) {
		t.Errorf("Expected provider usage preserved, got %v", meta["promptTokenCount"])
	}

	record := waitForRecord(t, env.store)
	if record.UserID != "user-1" || record.Kind != billing.KindGenerate {
		t.Errorf("Unexpected record identity: %+v", record)
	}
	if record.TotalTokens != 9 {
		t.Errorf("Expected 9 total tokens, got %d", record.TotalTokens)
	}
	if math.Abs(record.CostUSD-0.00000135) > 1e-12 {
		t.Errorf("Expected unrounded cost 0.00000135, got %v", record.CostUSD)
	}
}

func TestHandleGenerate_Unauthenticated(t *testing.T) {
	env := setupEnv(t, generateOKHandler)

	req := httptest.NewRequest("POST", "/v1/models/gemini-1.5-flash/generateContent", strings.NewReader(generateBody))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
	if env.upstreamHits.Load() != 0 {
		t.Error("Expected no upstream call")
	}
	assertNoRecord(t, env.store)
}

func TestHandleGenerate_UnsupportedModel(t *testing.T) {
	env := setupEnv(t, generateOKHandler)

	req := authedRequest("POST", "/v1/models/text-embedding-004/generateContent", []byte(generateBody))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
	if errCode(t, w.Body.Bytes()) != "VALIDATION_ERROR" {
		t.Errorf("Expected VALIDATION_ERROR, got %s", errCode(t, w.Body.Bytes()))
	}
	if env.upstreamHits.Load() != 0 {
		t.Error("Expected no upstream call for unsupported model")
	}
}

func TestHandleGenerate_InvalidBody(t *testing.T) {
	env := setupEnv(t, generateOKHandler)

	req := authedRequest("POST", "/v1/models/gemini-1.5-flash/generateContent", []byte(`{invalid json`))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
	if env.upstreamHits.Load() != 0 {
		t.Error("Expected no upstream call for invalid body")
	}
}

func TestHandleGenerate_EmptyContents(t *testing.T) {
	env := setupEnv(t, generateOKHandler)

	req := authedRequest("POST", "/v1/models/gemini-1.5-flash/generateContent", []byte(`{"contents":[]}`))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleGenerate_QuotaExceeded(t *testing.T) {
	env := setupEnv(t, generateOKHandler)
	env.store.snapshot = &billing.QuotaSnapshot{
		WithinRequestLimit: true,
		WithinTokenLimit:   false,
		WithinCostLimit:    true,
		TokensToday:        100001,
	}

	before := time.Now()
	req := authedRequest("POST", "/v1/models/gemini-1.5-flash/generateContent", []byte(generateBody))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", w.Code)
	}

	var resp struct {
		Error struct {
			Code    string `json:"code"`
			Details struct {
				Dimension string    `json:"dimension"`
				ResetAt   time.Time `json:"reset_at"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode 429 body: %v", err)
	}
	if resp.Error.Code != "QUOTA_EXCEEDED" {
		t.Errorf("Expected QUOTA_EXCEEDED, got %s", resp.Error.Code)
	}
	if resp.Error.Details.Dimension != "tokens" {
		t.Errorf("Expected tokens dimension, got %s", resp.Error.Details.Dimension)
	}
	if !resp.Error.Details.ResetAt.After(before) {
		t.Errorf("Expected reset time strictly in the future, got %v", resp.Error.Details.ResetAt)
	}
	if env.upstreamHits.Load() != 0 {
		t.Error("Expected no upstream call when quota exceeded")
	}
	assertNoRecord(t, env.store)
}

func TestHandleGenerate_QuotaStoreFailureFailsOpen(t *testing.T) {
	env := setupEnv(t, generateOKHandler)
	env.store.limitsErr = errors.New("limits store down")

	req := authedRequest("POST", "/v1/models/gemini-1.5-flash/generateContent", []byte(generateBody))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected fail-open 200, got %d", w.Code)
	}
	if env.upstreamHits.Load() != 1 {
		t.Errorf("Expected the request to proceed upstream, got %d hits", env.upstreamHits.Load())
	}
}

func TestHandleGenerate_RecorderFailureDoesNotAffectResponse(t *testing.T) {
	healthy := setupEnv(t, generateOKHandler)
	failing := setupEnv(t, generateOKHandler)
	failing.store.recordErr = errors.New("usage store down")

	var bodies []string
	var codes []int
	for _, env := range []*testEnv{healthy, failing} {
		req := authedRequest("POST", "/v1/models/gemini-1.5-flash/generateContent", []byte(generateBody))
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		waitForRecord(t, env.store)
		bodies = append(bodies, w.Body.String())
		codes = append(codes, w.Code)
	}

	if codes[0] != codes[1] {
		t.Errorf("Expected identical status, got %d vs %d", codes[0], codes[1])
	}
	if bodies[0] != bodies[1] {
		t.Errorf("Expected identical body with failing usage store:\n%s\nvs\n%s", bodies[0], bodies[1])
	}

	failing.rec.Close()
	if len(failing.rec.DeadLetters()) != 1 {
		t.Errorf("Expected failed write in dead letters, got %d", len(failing.rec.DeadLetters()))
	}
}

func TestHandleGenerate_UpstreamErrorRelayed(t *testing.T) {
	env := setupEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":400,"message":"Invalid argument","status":"INVALID_ARGUMENT"}}`))
	})

	req := authedRequest("POST", "/v1/models/gemini-1.5-flash/generateContent", []byte(generateBody))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected provider status relayed, got %d", w.Code)
	}
	if errCode(t, w.Body.Bytes()) != "UPSTREAM_ERROR" {
		t.Errorf("Expected UPSTREAM_ERROR, got %s", errCode(t, w.Body.Bytes()))
	}
	// Error body carried no token counts, so no usage was incurred.
	assertNoRecord(t, env.store)
}

func TestHandleGenerateStream_RelaysAndRecords(t *testing.T) {
	frame1 := `data: {"candidates":[{"content":{"parts":[{"text":"Hello"}]}}]}` + "\n\n"
	frame2 := `data: {"candidates":[{"content":{"parts":[{"text":" there"}]}}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":4,"totalTokenCount":9}}` + "\n\n"

	env := setupEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("alt") != "sse" {
			t.Errorf("Expected alt=sse on stream call")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(frame1))
		_, _ = w.Write([]byte(frame2))
	})

	req := authedRequest("POST", "/v1/models/gemini-1.5-flash/streamGenerateContent", []byte(generateBody))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if w.Body.String() != frame1+frame2 {
		t.Errorf("Expected stream relayed verbatim, got %q", w.Body.String())
	}
	if w.Header().Get("Content-Type") != "text/event-stream" {
		t.Errorf("Expected stream content type relayed, got %s", w.Header().Get("Content-Type"))
	}

	record := waitForRecord(t, env.store)
	if record.Kind != billing.KindStream {
		t.Errorf("Expected stream kind, got %s", record.Kind)
	}
	if record.TotalTokens != 9 {
		t.Errorf("Expected 9 total tokens from final frame, got %d", record.TotalTokens)
	}
}

func TestHandleCountTokens_RelaysUnmodified(t *testing.T) {
	providerBody := `{"totalTokens":7}`
	env := setupEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(providerBody))
	})

	req := authedRequest("POST", "/v1/models/gemini-1.5-flash/countTokens", []byte(generateBody))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if w.Body.String() != providerBody {
		t.Errorf("Expected provider body unmodified, got %q", w.Body.String())
	}

	record := waitForRecord(t, env.store)
	if record.Kind != billing.KindCountTokens {
		t.Errorf("Expected countTokens kind, got %s", record.Kind)
	}
	if record.TotalTokens != 7 {
		t.Errorf("Expected 7 total tokens, got %d", record.TotalTokens)
	}
}

func TestHandleEmbed_AugmentsUsage(t *testing.T) {
	env := setupEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":embedContent") {
			t.Errorf("Expected embedContent operation, got %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"embedding":{"values":[0.1,0.2]}}`))
	})

	body := `{"content":{"parts":[{"text":"hello"}]}}`
	req := authedRequest("POST", "/v1/models/text-embedding-004/embeddings", []byte(body))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	meta, ok := resp["usageMetadata"].(map[string]any)
	if !ok {
		t.Fatal("Expected usageMetadata in embedding response")
	}
	// "hello" is 5 chars -> 2 input tokens; embeddings have no output side.
	if meta["inputTokens"] != float64(2) {
		t.Errorf("Expected 2 input tokens, got %v", meta["inputTokens"])
	}
	if _, ok := meta["cost"]; !ok {
		t.Error("Expected cost in usageMetadata")
	}

	record := waitForRecord(t, env.store)
	if record.Kind != billing.KindEmbedding {
		t.Errorf("Expected embedding kind, got %s", record.Kind)
	}
	if record.TotalTokens != 2 {
		t.Errorf("Expected 2 tokens, got %d", record.TotalTokens)
	}
}

func TestHandleListModels_NotBillable(t *testing.T) {
	env := setupEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"models":[{"name":"models/gemini-1.5-flash"}]}`))
	})

	req := authedRequest("GET", "/v1/models", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	assertNoRecord(t, env.store)
}

func TestHandleUsage_Summary(t *testing.T) {
	env := setupEnv(t, generateOKHandler)
	env.store.summary = &billing.UsageSummary{
		UserID:       "user-1",
		Requests:     12,
		TotalTokens:  3400,
		TotalCostUSD: 0.42,
	}

	req := authedRequest("GET", "/v1/usage", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var summary billing.UsageSummary
	if err := json.Unmarshal(w.Body.Bytes(), &summary); err != nil {
		t.Fatalf("Failed to decode summary: %v", err)
	}
	if summary.Requests != 12 || summary.TotalCostUSD != 0.42 {
		t.Errorf("Unexpected summary: %+v", summary)
	}
	if env.upstreamHits.Load() != 0 {
		t.Error("Expected no upstream call for usage reporting")
	}
}

func TestHandlePassthrough_ForwardsVerbatim(t *testing.T) {
	env := setupEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/cachedContents" {
			t.Errorf("Expected verbatim path, got %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Error("Expected API key query param")
		}
		if r.URL.Query().Get("pageSize") != "5" {
			t.Error("Expected original query preserved")
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("Expected Authorization stripped")
		}
		_, _ = w.Write([]byte(`{"cachedContents":[]}`))
	})

	req := authedRequest("GET", "/v1beta/cachedContents?pageSize=5", nil)
	req.Header.Set("Authorization", "Bearer client-token")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if w.Body.String() != `{"cachedContents":[]}` {
		t.Errorf("Expected provider body relayed, got %q", w.Body.String())
	}
	// Transparent mode is never billable.
	assertNoRecord(t, env.store)
}

// Full-chain checks through the auth middleware.

type stubVerifier struct {
	principal *auth.Principal
	err       error
	calls     atomic.Int32
}

func (s *stubVerifier) VerifyToken(ctx context.Context, token string) (*auth.Principal, error) {
	s.calls.Add(1)
	return s.principal, s.err
}

type stubProfiles struct {
	profile *auth.Profile
	calls   atomic.Int32
}

func (s *stubProfiles) GetOrCreate(ctx context.Context, userID, email string) (*auth.Profile, error) {
	s.calls.Add(1)
	return s.profile, nil
}

func setupFullChain(t *testing.T, verifier *stubVerifier, profiles *stubProfiles) *testEnv {
	t.Helper()
	env := setupEnv(t, generateOKHandler)

	mw := auth.NewMiddleware(verifier, profiles, nil, false)
	router := chi.NewRouter()
	router.Group(func(r chi.Router) {
		r.Use(mw)
		r.Mount("/", env.router)
	})
	env.router = router
	return env
}

func TestFullChain_InactiveAccount(t *testing.T) {
	verifier := &stubVerifier{principal: &auth.Principal{ID: "user-1"}}
	profiles := &stubProfiles{profile: &auth.Profile{UserID: "user-1", Tier: "pro", Active: false}}
	env := setupFullChain(t, verifier, profiles)

	req := httptest.NewRequest("POST", "/v1/models/gemini-1.5-flash/generateContent", strings.NewReader(generateBody))
	req.Header.Set("Authorization", "Bearer valid-token")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", w.Code)
	}
	if env.upstreamHits.Load() != 0 {
		t.Error("Expected no upstream call for inactive account")
	}
	assertNoRecord(t, env.store)
}

func TestFullChain_MissingAuthorizationHeader(t *testing.T) {
	verifier := &stubVerifier{principal: &auth.Principal{ID: "user-1"}}
	profiles := &stubProfiles{profile: &auth.Profile{UserID: "user-1", Tier: "free", Active: true}}
	env := setupFullChain(t, verifier, profiles)

	req := httptest.NewRequest("POST", "/v1/models/gemini-1.5-flash/generateContent", strings.NewReader(generateBody))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
	if verifier.calls.Load() != 0 {
		t.Error("Expected no identity call")
	}
	if profiles.calls.Load() != 0 {
		t.Error("Expected no profile store call")
	}
	if env.upstreamHits.Load() != 0 {
		t.Error("Expected no upstream call")
	}
	assertNoRecord(t, env.store)
}
