package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type tokenServer struct {
	mu       sync.Mutex
	requests []url.Values
	paths    []string
	fail     map[string]int
	agentExp int64
	serial   int
}

func (s *tokenServer) tierOf(form url.Values) string {
	switch {
	case form.Get("grant_type") == "user_fic":
		return "Agent"
	case form.Get("fmi_path") != "":
		return "T1"
	default:
		return "T2"
	}
}

func (s *tokenServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.requests = append(s.requests, r.PostForm)
	s.paths = append(s.paths, r.URL.Path)
	s.serial++
	serial := s.serial
	tier := s.tierOf(r.PostForm)
	status := s.fail[tier]
	exp := s.agentExp
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"invalid_client","error_description":"AADSTS7000215: Invalid client secret provided."}`))
		return
	}
	if exp == 0 {
		exp = 3600
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": tier + "-token-" + string(rune('0'+serial%10)),
		"expires_in":   exp,
		"token_type":   "Bearer",
	})
}

func (s *tokenServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func testGraphConfig() GraphTokenConfig {
	return GraphTokenConfig{
		TenantID:              "tenant-1",
		BlueprintClientAppID:  "blueprint-app",
		BlueprintClientSecret: "blueprint-secret",
		AAInstanceID:          "instance-1",
		Scope:                 "https://graph.microsoft.com/.default",
	}
}

func newTestExchanger(t *testing.T, handler http.Handler, clock *fakeClock) (*Exchanger, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	exchanger := NewExchanger(NewTokenCache(nil, clock.Now), zerolog.Nop())
	exchanger.HTTP = server.Client()
	exchanger.TokenEndpoint = server.URL + "/%s/oauth2/v2.0/token"
	return exchanger, server
}

func TestAcquireThreeTierRequestShape(t *testing.T) {
	ts := &tokenServer{}
	clock := newFakeClock()
	exchanger, _ := newTestExchanger(t, ts, clock)

	token, err := exchanger.Acquire(context.Background(), testGraphConfig(), "agent@contoso.com", "https://api.botframework.com/.default")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if ts.count() != 3 {
		t.Fatalf("expected 3 token requests, got %d", ts.count())
	}
	if token != "Agent-token-3" {
		t.Fatalf("unexpected token %q", token)
	}
	for _, path := range ts.paths {
		if path != "/tenant-1/oauth2/v2.0/token" {
			t.Fatalf("unexpected token path %q", path)
		}
	}

	t1, t2, agent := ts.requests[0], ts.requests[1], ts.requests[2]
	if t1.Get("client_id") != "blueprint-app" || t1.Get("client_secret") != "blueprint-secret" {
		t.Fatalf("unexpected T1 client identity: %v", t1)
	}
	if t1.Get("grant_type") != "client_credentials" || t1.Get("fmi_path") != "instance-1" || t1.Get("scope") != tokenExchangeScope {
		t.Fatalf("unexpected T1 request: %v", t1)
	}
	if t2.Get("client_id") != "instance-1" || t2.Get("client_assertion") != "T1-token-1" || t2.Get("client_assertion_type") != jwtBearerAssertion {
		t.Fatalf("unexpected T2 request: %v", t2)
	}
	if t2.Get("client_secret") != "" {
		t.Fatalf("T2 must not carry the blueprint secret")
	}
	if agent.Get("grant_type") != "user_fic" || agent.Get("client_id") != "instance-1" {
		t.Fatalf("unexpected agent grant: %v", agent)
	}
	if agent.Get("client_assertion") != "T1-token-1" || agent.Get("user_federated_identity_credential") != "T2-token-2" {
		t.Fatalf("unexpected agent assertions: %v", agent)
	}
	if agent.Get("username") != "agent@contoso.com" || agent.Has("user_id") {
		t.Fatalf("agent identity must be sent as username: %v", agent)
	}
	if agent.Get("scope") != "https://api.botframework.com/.default" {
		t.Fatalf("unexpected agent scope %q", agent.Get("scope"))
	}

	cached, ok := exchanger.Cache.Get(CacheKey{Identity: "agent@contoso.com", Scope: "https://api.botframework.com/.default"})
	if !ok {
		t.Fatalf("expected token in cache")
	}
	if want := clock.now.UnixMilli() + 3600*1000; cached.ExpiresAt != want {
		t.Fatalf("unexpected expiry %d, want %d", cached.ExpiresAt, want)
	}
}

func TestAcquireUsesCacheOnSecondCall(t *testing.T) {
	ts := &tokenServer{}
	clock := newFakeClock()
	exchanger, _ := newTestExchanger(t, ts, clock)

	first, err := exchanger.Acquire(context.Background(), testGraphConfig(), "agent@contoso.com", "")
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	second, err := exchanger.Acquire(context.Background(), testGraphConfig(), "agent@contoso.com", "")
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical tokens, got %q and %q", first, second)
	}
	if ts.count() != 3 {
		t.Fatalf("expected no extra network calls, got %d requests", ts.count())
	}
}

func TestAcquireRefreshesInsideSafetyBuffer(t *testing.T) {
	ts := &tokenServer{agentExp: 600}
	clock := newFakeClock()
	exchanger, _ := newTestExchanger(t, ts, clock)

	if _, err := exchanger.Acquire(context.Background(), testGraphConfig(), "agent", ""); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	clock.Advance(6 * time.Minute)
	if _, err := exchanger.Acquire(context.Background(), testGraphConfig(), "agent", ""); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if ts.count() != 6 {
		t.Fatalf("expected a fresh three-tier exchange, got %d requests", ts.count())
	}
}

func TestAcquireT1FailureStopsChain(t *testing.T) {
	ts := &tokenServer{fail: map[string]int{"T1": http.StatusUnauthorized}}
	exchanger, _ := newTestExchanger(t, ts, newFakeClock())

	_, err := exchanger.Acquire(context.Background(), testGraphConfig(), "agent", "")
	if !errors.Is(err, ErrTokenAcquisitionFailed) {
		t.Fatalf("expected token acquisition error, got %v", err)
	}
	var tokenErr *TokenAcquisitionError
	if !errors.As(err, &tokenErr) {
		t.Fatalf("expected *TokenAcquisitionError, got %T", err)
	}
	if tokenErr.Tier != TierT1 || tokenErr.Status != http.StatusUnauthorized {
		t.Fatalf("unexpected error tier/status: %s %d", tokenErr.Tier, tokenErr.Status)
	}
	if tokenErr.Code != "invalid_client" || tokenErr.Description == "" {
		t.Fatalf("expected provider error to be surfaced, got %#v", tokenErr)
	}
	if ts.count() != 1 {
		t.Fatalf("expected exactly one request, got %d", ts.count())
	}
}

func TestAcquireAgentFailureReportsTier(t *testing.T) {
	ts := &tokenServer{fail: map[string]int{"Agent": http.StatusBadRequest}}
	exchanger, _ := newTestExchanger(t, ts, newFakeClock())

	_, err := exchanger.Acquire(context.Background(), testGraphConfig(), "agent", "")
	var tokenErr *TokenAcquisitionError
	if !errors.As(err, &tokenErr) || tokenErr.Tier != TierAgent {
		t.Fatalf("expected Agent tier failure, got %v", err)
	}
	if exchanger.Cache.Len() != 0 {
		t.Fatalf("failed exchange must not populate the cache")
	}
}

func TestAcquireMissingConfig(t *testing.T) {
	ts := &tokenServer{}
	exchanger, _ := newTestExchanger(t, ts, newFakeClock())
	cfg := testGraphConfig()
	cfg.AAInstanceID = ""

	_, err := exchanger.Acquire(context.Background(), cfg, "agent", "")
	if !errors.Is(err, ErrConfigurationMissing) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if ts.count() != 0 {
		t.Fatalf("expected no requests, got %d", ts.count())
	}

	if _, err := exchanger.Acquire(context.Background(), testGraphConfig(), "  ", ""); !errors.Is(err, ErrMissingIdentity) {
		t.Fatalf("expected missing identity error, got %v", err)
	}
}

func TestAcquireCallbackFailureFallsThrough(t *testing.T) {
	var callbackCalls int32
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&callbackCalls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer callback.Close()

	ts := &tokenServer{}
	exchanger, _ := newTestExchanger(t, ts, newFakeClock())
	exchanger.Callback = NewCallbackSource(callback.URL, "", callback.Client())

	token, err := exchanger.Acquire(context.Background(), testGraphConfig(), "agent", "")
	if err != nil {
		t.Fatalf("expected fallthrough success, got %v", err)
	}
	if token == "" || atomic.LoadInt32(&callbackCalls) != 1 {
		t.Fatalf("unexpected token=%q callbackCalls=%d", token, callbackCalls)
	}
	if ts.count() != 3 {
		t.Fatalf("expected three-tier exchange after callback failure, got %d", ts.count())
	}
}

func TestAcquireCallbackSuccessSkipsExchange(t *testing.T) {
	var gotAuth string
	var gotBody callbackRequest
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"access_token":"broker-token","expires_in":1800}`))
	}))
	defer callback.Close()

	ts := &tokenServer{}
	clock := newFakeClock()
	exchanger, _ := newTestExchanger(t, ts, clock)
	exchanger.Callback = NewCallbackSource(callback.URL, "cb-secret", callback.Client())

	cfg := testGraphConfig()
	cfg.BlueprintClientSecret = ""
	token, err := exchanger.Acquire(context.Background(), cfg, "agent@contoso.com", "scope-x")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if token != "broker-token" {
		t.Fatalf("unexpected token %q", token)
	}
	if gotAuth != "Bearer cb-secret" {
		t.Fatalf("unexpected callback auth header %q", gotAuth)
	}
	if gotBody.Username != "agent@contoso.com" || gotBody.Scope != "scope-x" {
		t.Fatalf("unexpected callback body %#v", gotBody)
	}
	if ts.count() != 0 {
		t.Fatalf("expected no token endpoint calls, got %d", ts.count())
	}
	cached, ok := exchanger.Cache.Get(CacheKey{Identity: "agent@contoso.com", Scope: "scope-x"})
	if !ok || cached.ExpiresAt != clock.now.UnixMilli()+1800*1000 {
		t.Fatalf("unexpected cached callback token %#v ok=%v", cached, ok)
	}
}

func TestAcquireConcurrentCallsShareExchange(t *testing.T) {
	release := make(chan struct{})
	ts := &tokenServer{}
	gated := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		ts.ServeHTTP(w, r)
	})
	exchanger, _ := newTestExchanger(t, gated, newFakeClock())

	var wg sync.WaitGroup
	tokens := make([]string, 4)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := exchanger.Acquire(context.Background(), testGraphConfig(), "agent", "")
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
			}
			tokens[i] = tok
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, tok := range tokens[1:] {
		if tok != tokens[0] {
			t.Fatalf("expected shared token, got %v", tokens)
		}
	}
	if ts.count() != 3 {
		t.Fatalf("expected one exchange, got %d requests", ts.count())
	}
}

func TestAcquireCallbackExpiryFollowsCacheClock(t *testing.T) {
	var callbackCalls int32
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&callbackCalls, 1)
		_, _ = w.Write([]byte(`{"access_token":"broker-token","expires_in":1800}`))
	}))
	defer callback.Close()

	clock := newFakeClock()
	exchanger, _ := newTestExchanger(t, &tokenServer{}, clock)
	exchanger.Callback = NewCallbackSource(callback.URL, "", callback.Client())

	if _, err := exchanger.Acquire(context.Background(), testGraphConfig(), "agent", "scope-x"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	clock.Advance(2 * time.Hour)
	if _, err := exchanger.Acquire(context.Background(), testGraphConfig(), "agent", "scope-x"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if calls := atomic.LoadInt32(&callbackCalls); calls != 2 {
		t.Fatalf("expected expired callback token to be refetched, got %d callback calls", calls)
	}
}

func TestAcquireCanceledCallerDoesNotFailSharedExchange(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 8)
	ts := &tokenServer{}
	gated := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-release
		ts.ServeHTTP(w, r)
	})
	exchanger, _ := newTestExchanger(t, gated, newFakeClock())

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := exchanger.Acquire(leaderCtx, testGraphConfig(), "agent", "")
		leaderErr <- err
	}()
	<-started

	type result struct {
		token string
		err   error
	}
	follower := make(chan result, 1)
	go func() {
		tok, err := exchanger.Acquire(context.Background(), testGraphConfig(), "agent", "")
		follower <- result{tok, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelLeader()
	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled leader, got %v", err)
	}
	close(release)

	res := <-follower
	if res.err != nil {
		t.Fatalf("follower failed: %v", res.err)
	}
	if res.token != "Agent-token-3" {
		t.Fatalf("unexpected follower token %q", res.token)
	}
	if ts.count() != 3 {
		t.Fatalf("expected one shared exchange, got %d requests", ts.count())
	}
}
