package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gatewarden/internal/audit"
	"gatewarden/internal/ban"
	"gatewarden/internal/clientip"
	"gatewarden/internal/config"
	"gatewarden/internal/csrf"
	"gatewarden/internal/heuristics"
	"gatewarden/internal/ratelimit"
	"gatewarden/internal/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testConfig() *config.Config {
	return &config.Config{
		Security: config.SecurityCfg{
			DefaultRate:            config.RateSpec{Limit: 100, Window: time.Minute},
			RateAbuseMultiple:      2.0,
			CSRFCookieName:         "csrf_token",
			CSRFTokenPath:          "/csrf-token",
			SuspiciousPatterns:     []string{"union select", "/etc/passwd"},
			MinUserAgentLen:        10,
			FrequencyThreshold:     1000, // out of the way unless a test lowers it
			SuspiciousBanThreshold: 3,
			SuspiciousWindowSec:    3600,
			AutoBlacklist:          true,
			BanTTLSec:              3600,
			OnStoreError: config.FailPolicyCfg{
				BanCheck:   config.FailClosed,
				RateLimit:  config.FailOpen,
				Heuristics: config.FailOpen,
			},
		},
		Audit: config.AuditCfg{
			EventRetentionDays:    7,
			AccessLogRetentionSec: 3600,
			MaxWritesPerSec:       200,
		},
		Headers: config.HeadersCfg{
			CSP:               "default-src 'self'",
			PermissionsPolicy: "geolocation=()",
			HSTSMaxAgeSec:     31536000,
		},
	}
}

// upstreamSpy stands in for the protected application.
type upstreamSpy struct {
	calls    int
	lastBody string
	explode  bool
}

func (u *upstreamSpy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.calls++
	if u.explode {
		panic("upstream exploded")
	}
	if r.Body != nil {
		b, _ := io.ReadAll(r.Body)
		u.lastBody = string(b)
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("upstream ok"))
}

type pipelineEnv struct {
	pipeline *Pipeline
	bans     *ban.Registry
	recorder *audit.Recorder
	upstream *upstreamSpy
	handler  http.Handler
}

func testPipeline(t *testing.T, st store.Store, cfg *config.Config) *pipelineEnv {
	t.Helper()
	resolver, err := clientip.NewResolver(cfg.Security.TrustedProxyCIDRs)
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}
	bans, err := ban.NewRegistry(st, cfg.BanTTL(), cfg.Security.IPWhitelist, cfg.Security.IPBlacklist)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	limiter := ratelimit.New(st, cfg.Security.DefaultRate, cfg.Security.RouteRates, cfg.Security.ExemptPaths, cfg.Security.RateAbuseMultiple)
	var issuer *csrf.Issuer
	if cfg.Security.CSRFEnabled {
		issuer, err = csrf.NewIssuer(cfg.Security.CSRFSecret, cfg.CSRFMaxAge())
		if err != nil {
			t.Fatalf("NewIssuer failed: %v", err)
		}
	}
	engine := heuristics.New(st, cfg.Security.SuspiciousPatterns, cfg.Security.MinUserAgentLen,
		cfg.Security.FrequencyThreshold, cfg.Security.SuspiciousBanThreshold, cfg.SuspiciousWindow())
	recorder := audit.NewRecorder(st, cfg.EventRetention(), cfg.AccessLogRetention(),
		cfg.Audit.AccessLogSampleRate, cfg.Audit.MaxWritesPerSec, zerolog.Nop())

	p := New(cfg, resolver, bans, limiter, issuer, engine, recorder)
	up := &upstreamSpy{}
	// Raw dispatch, matching the server assembly: a ServeMux here would
	// canonicalize dirty paths away before the upstream saw them.
	token := p.TokenHandler()
	app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == cfg.Security.CSRFTokenPath {
			token.ServeHTTP(w, r)
			return
		}
		up.ServeHTTP(w, r)
	})
	return &pipelineEnv{pipeline: p, bans: bans, recorder: recorder, upstream: up, handler: p.Middleware(app)}
}

func newRequest(method, path, ip string) *http.Request {
	r := httptest.NewRequest(method, path, nil)
	r.RemoteAddr = ip + ":40000"
	r.Header.Set("User-Agent", "gatewarden-probe/1.0")
	return r
}

func (env *pipelineEnv) do(r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, r)
	return w
}

func decodeDenial(t *testing.T, w *httptest.ResponseRecorder) denialInfo {
	t.Helper()
	var body denialBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("denial body did not parse: %v (body %q)", err, w.Body.String())
	}
	if body.Error.Code == "" || body.Error.Message == "" {
		t.Fatalf("denial body incomplete: %+v", body.Error)
	}
	if _, err := time.Parse(time.RFC3339, body.Error.Timestamp); err != nil {
		t.Fatalf("denial timestamp %q not RFC3339: %v", body.Error.Timestamp, err)
	}
	return body.Error
}

func eventsOf(t *testing.T, env *pipelineEnv, typ string) []audit.Event {
	t.Helper()
	evs, err := env.recorder.Events(context.Background(), audit.Query{Type: typ})
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	return evs
}

func TestCleanRequestPassesThrough(t *testing.T) {
	env := testPipeline(t, store.NewMemory(), testConfig())

	w := env.do(newRequest("GET", "/api/widgets", "203.0.113.7"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	if env.upstream.calls != 1 {
		t.Fatalf("upstream called %d times, want 1", env.upstream.calls)
	}
	if got := w.Body.String(); got != "upstream ok" {
		t.Errorf("body = %q, want upstream response", got)
	}
}

func TestHardeningHeadersOnEveryResponse(t *testing.T) {
	env := testPipeline(t, store.NewMemory(), testConfig())
	if err := env.bans.Ban(context.Background(), "198.51.100.9", "manual"); err != nil {
		t.Fatalf("Ban failed: %v", err)
	}

	for name, req := range map[string]*http.Request{
		"allowed": newRequest("GET", "/api/widgets", "203.0.113.7"),
		"denied":  newRequest("GET", "/api/widgets", "198.51.100.9"),
	} {
		w := env.do(req)
		hdr := w.Header()
		want := map[string]string{
			"X-Content-Type-Options":    "nosniff",
			"X-Frame-Options":           "DENY",
			"X-XSS-Protection":          "1; mode=block",
			"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
			"Content-Security-Policy":   "default-src 'self'",
			"Referrer-Policy":           "strict-origin-when-cross-origin",
			"Permissions-Policy":        "geolocation=()",
		}
		for k, v := range want {
			if got := hdr.Get(k); got != v {
				t.Errorf("%s response: header %s = %q, want %q", name, k, got, v)
			}
		}
	}
}

func TestBannedClientDenied(t *testing.T) {
	env := testPipeline(t, store.NewMemory(), testConfig())
	if err := env.bans.Ban(context.Background(), "198.51.100.9", "manual"); err != nil {
		t.Fatalf("Ban failed: %v", err)
	}

	w := env.do(newRequest("GET", "/api/widgets", "198.51.100.9"))
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if info := decodeDenial(t, w); info.Code != ReasonIPBlocked {
		t.Errorf("denial code = %q, want %q", info.Code, ReasonIPBlocked)
	}
	if env.upstream.calls != 0 {
		t.Errorf("upstream reached by banned client")
	}
	evs := eventsOf(t, env, audit.EventIPBlocked)
	if len(evs) != 1 {
		t.Fatalf("ip_blocked events = %d, want 1", len(evs))
	}
	if evs[0].IP != "198.51.100.9" || evs[0].Path != "/api/widgets" {
		t.Errorf("event = %+v, want ip and path recorded", evs[0])
	}
}

func TestStaticBlacklistDenied(t *testing.T) {
	cfg := testConfig()
	cfg.Security.IPBlacklist = []string{"192.0.2.0/24"}
	env := testPipeline(t, store.NewMemory(), cfg)

	w := env.do(newRequest("GET", "/", "192.0.2.55"))
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for blacklisted range, got %d", w.Code)
	}
	if info := decodeDenial(t, w); info.Code != ReasonIPBlocked {
		t.Errorf("denial code = %q, want %q", info.Code, ReasonIPBlocked)
	}
}

func TestWhitelistBypassesAllChecks(t *testing.T) {
	cfg := testConfig()
	cfg.Security.IPWhitelist = []string{"203.0.113.7"}
	cfg.Security.DefaultRate = config.RateSpec{Limit: 1, Window: time.Minute}
	env := testPipeline(t, store.NewMemory(), cfg)
	// Even a stored ban loses to the whitelist.
	if err := env.bans.Ban(context.Background(), "203.0.113.7", "manual"); err != nil {
		t.Fatalf("Ban failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		w := env.do(newRequest("GET", "/api/widgets", "203.0.113.7"))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200 for whitelisted client, got %d", i+1, w.Code)
		}
	}
}

func TestRateLimitDenies(t *testing.T) {
	cfg := testConfig()
	cfg.Security.DefaultRate = config.RateSpec{Limit: 2, Window: time.Minute}
	env := testPipeline(t, store.NewMemory(), cfg)

	for i := 0; i < 2; i++ {
		if w := env.do(newRequest("GET", "/api/widgets", "203.0.113.7")); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
	}
	w := env.do(newRequest("GET", "/api/widgets", "203.0.113.7"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want %q", got, "60")
	}
	if info := decodeDenial(t, w); info.Code != ReasonRateLimited {
		t.Errorf("denial code = %q, want %q", info.Code, ReasonRateLimited)
	}
	evs := eventsOf(t, env, audit.EventRateLimitExceeded)
	if len(evs) != 1 {
		t.Fatalf("rate_limit_exceeded events = %d, want 1", len(evs))
	}
	if evs[0].Details["limit"] != "2" {
		t.Errorf("event limit detail = %q, want %q", evs[0].Details["limit"], "2")
	}
}

func TestRateAbuseEscalatesToBan(t *testing.T) {
	cfg := testConfig()
	cfg.Security.DefaultRate = config.RateSpec{Limit: 1, Window: time.Minute}
	cfg.Security.RateAbuseMultiple = 1.0
	env := testPipeline(t, store.NewMemory(), cfg)
	ctx := context.Background()

	if w := env.do(newRequest("GET", "/api/widgets", "203.0.113.7")); w.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", w.Code)
	}
	// Denied attempts pile up past the abuse multiple of the limit.
	if w := env.do(newRequest("GET", "/api/widgets", "203.0.113.7")); w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", w.Code)
	}
	rec, ok, err := env.bans.Lookup(ctx, "203.0.113.7")
	if err != nil || !ok {
		t.Fatalf("expected ban after abuse, ok=%v err=%v", ok, err)
	}
	if rec.Reason != "rate_limit_abuse" {
		t.Errorf("ban reason = %q, want %q", rec.Reason, "rate_limit_abuse")
	}
	if !rec.Auto {
		t.Errorf("abuse ban not marked auto_generated")
	}
	// Subsequent traffic hits the ban before the limiter.
	w := env.do(newRequest("GET", "/api/widgets", "203.0.113.7"))
	if w.Code != http.StatusForbidden {
		t.Fatalf("post-ban request: expected 403, got %d", w.Code)
	}
	if info := decodeDenial(t, w); info.Code != ReasonIPBlocked {
		t.Errorf("denial code = %q, want %q", info.Code, ReasonIPBlocked)
	}
	if len(eventsOf(t, env, audit.EventIPBanned)) != 1 {
		t.Errorf("expected one ip_banned event")
	}
}

func TestSuspiciousRequestsEscalate(t *testing.T) {
	cfg := testConfig()
	cfg.Security.SuspiciousBanThreshold = 3
	env := testPipeline(t, store.NewMemory(), cfg)

	// The inspected request is never the denied one: probes pass through
	// while violations accumulate.
	for i := 0; i < 3; i++ {
		w := env.do(newRequest("GET", "/probe/etc/passwd", "203.0.113.7"))
		if w.Code != http.StatusOK {
			t.Fatalf("probe %d: expected 200, got %d", i+1, w.Code)
		}
	}
	rec, ok, err := env.bans.Lookup(context.Background(), "203.0.113.7")
	if err != nil || !ok {
		t.Fatalf("expected ban at threshold, ok=%v err=%v", ok, err)
	}
	if rec.Reason != "suspicious_activity" {
		t.Errorf("ban reason = %q, want %q", rec.Reason, "suspicious_activity")
	}

	w := env.do(newRequest("GET", "/anything", "203.0.113.7"))
	if w.Code != http.StatusForbidden {
		t.Fatalf("post-ban request: expected 403, got %d", w.Code)
	}

	evs := eventsOf(t, env, audit.EventSuspiciousRequest)
	if len(evs) != 3 {
		t.Fatalf("suspicious_request events = %d, want 3", len(evs))
	}
	if !strings.Contains(evs[0].Details["indicators"], "suspicious_pattern_/etc/passwd") {
		t.Errorf("indicators detail = %q, want pattern indicator", evs[0].Details["indicators"])
	}
	if len(eventsOf(t, env, audit.EventIPBanned)) != 1 {
		t.Errorf("expected one ip_banned event")
	}
}

func TestTraversalPathReachesChecksThroughRouter(t *testing.T) {
	cfg := testConfig()
	cfg.Security.SuspiciousPatterns = []string{"../"}
	env := testPipeline(t, store.NewMemory(), cfg)

	// Full server shape: system mux behind the raw router, pipeline on
	// everything else. The dirty path must hit the heuristics, not a mux
	// canonicalization redirect.
	sys := http.NewServeMux()
	sys.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	root := NewRouter(sys, []string{"/healthz"}, env.handler)

	r := newRequest("GET", "/../../etc/passwd", "203.0.113.7")
	w := httptest.NewRecorder()
	root.ServeHTTP(w, r)

	if w.Code == http.StatusMovedPermanently {
		t.Fatalf("request redirected (Location %q) before the pipeline ran", w.Header().Get("Location"))
	}
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for the first probe, got %d", w.Code)
	}
	if env.upstream.calls != 1 {
		t.Errorf("upstream calls = %d, want the probe forwarded once", env.upstream.calls)
	}
	evs := eventsOf(t, env, audit.EventSuspiciousRequest)
	if len(evs) != 1 {
		t.Fatalf("suspicious_request events = %d, want 1", len(evs))
	}
	if !strings.Contains(evs[0].Details["indicators"], "suspicious_pattern_../") {
		t.Errorf("indicators detail = %q, want the traversal pattern", evs[0].Details["indicators"])
	}
	if evs[0].Path != "/../../etc/passwd" {
		t.Errorf("event path = %q, want the raw request path", evs[0].Path)
	}
}

func TestEscalationDisabledLeavesClientUnbanned(t *testing.T) {
	cfg := testConfig()
	cfg.Security.SuspiciousBanThreshold = 2
	cfg.Security.AutoBlacklist = false
	env := testPipeline(t, store.NewMemory(), cfg)

	for i := 0; i < 4; i++ {
		if w := env.do(newRequest("GET", "/probe/etc/passwd", "203.0.113.7")); w.Code != http.StatusOK {
			t.Fatalf("probe %d: expected 200, got %d", i+1, w.Code)
		}
	}
	if _, ok, _ := env.bans.Lookup(context.Background(), "203.0.113.7"); ok {
		t.Fatalf("client banned despite auto_blacklist disabled")
	}
}

func TestForwardedClientResolution(t *testing.T) {
	cfg := testConfig()
	cfg.Security.TrustedProxyCIDRs = []string{"10.0.0.0/8"}
	env := testPipeline(t, store.NewMemory(), cfg)
	if err := env.bans.Ban(context.Background(), "198.51.100.9", "manual"); err != nil {
		t.Fatalf("Ban failed: %v", err)
	}

	// Banned client arriving through a trusted proxy is recognized.
	r := newRequest("GET", "/", "10.1.2.3")
	r.Header.Set("X-Forwarded-For", "198.51.100.9, 10.1.2.3")
	if w := env.do(r); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 via trusted proxy, got %d", w.Code)
	}

	// The same header from an untrusted peer is ignored.
	r = newRequest("GET", "/", "203.0.113.7")
	r.Header.Set("X-Forwarded-For", "198.51.100.9")
	if w := env.do(r); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for spoofed header, got %d", w.Code)
	}
}

func csrfEnabled(cfg *config.Config) {
	cfg.Security.CSRFEnabled = true
	cfg.Security.CSRFSecret = testSecret
	cfg.Security.CSRFMaxAgeSec = 3600
}

func fetchToken(t *testing.T, env *pipelineEnv, ip string) (value string, cookie *http.Cookie) {
	t.Helper()
	w := env.do(newRequest("GET", "/csrf-token", ip))
	if w.Code != http.StatusOK {
		t.Fatalf("token endpoint returned %d", w.Code)
	}
	var body struct {
		Token     string `json:"csrf_token"`
		ExpiresIn int    `json:"expires_in"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("token body did not parse: %v", err)
	}
	if body.Token == "" || body.ExpiresIn != 3600 {
		t.Fatalf("token body = %+v", body)
	}
	for _, c := range w.Result().Cookies() {
		if c.Name == "csrf_token" {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatalf("token endpoint set no csrf cookie")
	}
	if !cookie.HttpOnly {
		t.Errorf("csrf cookie not HttpOnly")
	}
	return body.Token, cookie
}

func TestCSRFTokenRoundtrip(t *testing.T) {
	cfg := testConfig()
	csrfEnabled(cfg)
	env := testPipeline(t, store.NewMemory(), cfg)

	value, cookie := fetchToken(t, env, "203.0.113.7")
	// The cookie carries the full signed token; the body only the value.
	if !strings.HasPrefix(cookie.Value, value+".") {
		t.Fatalf("cookie %q does not carry token for value %q", cookie.Value, value)
	}

	r := newRequest("POST", "/api/widgets", "203.0.113.7")
	r.AddCookie(cookie)
	r.Header.Set("X-CSRF-Token", value)
	if w := env.do(r); w.Code != http.StatusOK {
		t.Fatalf("valid csrf request: expected 200, got %d (%s)", w.Code, w.Body.String())
	}
}

func TestCSRFMissingTokenDenied(t *testing.T) {
	cfg := testConfig()
	csrfEnabled(cfg)
	env := testPipeline(t, store.NewMemory(), cfg)

	w := env.do(newRequest("POST", "/api/widgets", "203.0.113.7"))
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if info := decodeDenial(t, w); info.Code != ReasonCSRF {
		t.Errorf("denial code = %q, want %q", info.Code, ReasonCSRF)
	}
	evs := eventsOf(t, env, audit.EventCSRFFailure)
	if len(evs) != 1 {
		t.Fatalf("csrf_validation_failed events = %d, want 1", len(evs))
	}
	if evs[0].Details["reason"] != csrf.ReasonMissing {
		t.Errorf("failure reason = %q, want %q", evs[0].Details["reason"], csrf.ReasonMissing)
	}
}

func TestCSRFWrongValueDenied(t *testing.T) {
	cfg := testConfig()
	csrfEnabled(cfg)
	env := testPipeline(t, store.NewMemory(), cfg)

	_, cookie := fetchToken(t, env, "203.0.113.7")
	r := newRequest("POST", "/api/widgets", "203.0.113.7")
	r.AddCookie(cookie)
	r.Header.Set("X-CSRF-Token", "ffffffffffffffffffffffffffffffff")
	w := env.do(r)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	evs := eventsOf(t, env, audit.EventCSRFFailure)
	if len(evs) != 1 || evs[0].Details["reason"] != csrf.ReasonMismatch {
		t.Fatalf("expected one value_mismatch failure, got %+v", evs)
	}
}

func TestCSRFSafeMethodsSkipped(t *testing.T) {
	cfg := testConfig()
	csrfEnabled(cfg)
	env := testPipeline(t, store.NewMemory(), cfg)

	for _, method := range []string{"GET", "HEAD", "OPTIONS"} {
		w := env.do(newRequest(method, "/api/widgets", "203.0.113.7"))
		if w.Code != http.StatusOK {
			t.Errorf("%s without token: expected 200, got %d", method, w.Code)
		}
	}
}

func TestCSRFExemptPathSkipped(t *testing.T) {
	cfg := testConfig()
	csrfEnabled(cfg)
	cfg.Security.ExemptPaths = []string{"/webhooks/"}
	env := testPipeline(t, store.NewMemory(), cfg)

	w := env.do(newRequest("POST", "/webhooks/github", "203.0.113.7"))
	if w.Code != http.StatusOK {
		t.Fatalf("exempt POST: expected 200, got %d", w.Code)
	}
}

func TestCSRFFormFieldTokenPreservesBody(t *testing.T) {
	cfg := testConfig()
	csrfEnabled(cfg)
	env := testPipeline(t, store.NewMemory(), cfg)

	value, cookie := fetchToken(t, env, "203.0.113.7")
	form := "csrf_token=" + value + "&name=widget&qty=3"
	r := httptest.NewRequest("POST", "/api/widgets", strings.NewReader(form))
	r.RemoteAddr = "203.0.113.7:40000"
	r.Header.Set("User-Agent", "gatewarden-probe/1.0")
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.AddCookie(cookie)

	w := env.do(r)
	if w.Code != http.StatusOK {
		t.Fatalf("form-field csrf request: expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	// The upstream must see the body the client sent, peek and all.
	if env.upstream.lastBody != form {
		t.Errorf("upstream body = %q, want %q", env.upstream.lastBody, form)
	}
}

func TestCSRFCookieIssuedOnAllowedResponse(t *testing.T) {
	cfg := testConfig()
	csrfEnabled(cfg)
	env := testPipeline(t, store.NewMemory(), cfg)

	w := env.do(newRequest("GET", "/api/widgets", "203.0.113.7"))
	var issued *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == "csrf_token" {
			issued = c
		}
	}
	if issued == nil {
		t.Fatalf("no csrf cookie on first visit")
	}

	// A client already holding a valid cookie is left alone.
	r := newRequest("GET", "/api/widgets", "203.0.113.7")
	r.AddCookie(issued)
	w = env.do(r)
	for _, c := range w.Result().Cookies() {
		if c.Name == "csrf_token" {
			t.Fatalf("cookie re-issued while still fresh")
		}
	}
}

func TestFailOpenSkipsBrokenChecks(t *testing.T) {
	cfg := testConfig()
	cfg.Security.OnStoreError = config.FailPolicyCfg{
		BanCheck:   config.FailOpen,
		RateLimit:  config.FailOpen,
		Heuristics: config.FailOpen,
	}
	env := testPipeline(t, brokenStore{}, cfg)

	w := env.do(newRequest("GET", "/api/widgets", "203.0.113.7"))
	if w.Code != http.StatusOK {
		t.Fatalf("fail-open pipeline: expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	if env.upstream.calls != 1 {
		t.Errorf("upstream not reached under fail-open")
	}
}

func TestFailClosedDeniesOnStoreError(t *testing.T) {
	cases := []struct {
		name   string
		policy config.FailPolicyCfg
	}{
		{"ban_check", config.FailPolicyCfg{BanCheck: config.FailClosed, RateLimit: config.FailOpen, Heuristics: config.FailOpen}},
		{"rate_limit", config.FailPolicyCfg{BanCheck: config.FailOpen, RateLimit: config.FailClosed, Heuristics: config.FailOpen}},
		{"heuristics", config.FailPolicyCfg{BanCheck: config.FailOpen, RateLimit: config.FailOpen, Heuristics: config.FailClosed}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Security.OnStoreError = tc.policy
			env := testPipeline(t, brokenStore{}, cfg)

			w := env.do(newRequest("GET", "/api/widgets", "203.0.113.7"))
			if w.Code != http.StatusServiceUnavailable {
				t.Fatalf("expected 503, got %d", w.Code)
			}
			if info := decodeDenial(t, w); info.Code != ReasonInternal {
				t.Errorf("denial code = %q, want %q", info.Code, ReasonInternal)
			}
			if env.upstream.calls != 0 {
				t.Errorf("upstream reached despite fail-closed store error")
			}
		})
	}
}

func TestPanicInUpstreamYields500(t *testing.T) {
	env := testPipeline(t, store.NewMemory(), testConfig())
	env.upstream.explode = true

	w := env.do(newRequest("GET", "/api/widgets", "203.0.113.7"))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if info := decodeDenial(t, w); info.Code != ReasonInternal {
		t.Errorf("denial code = %q, want %q", info.Code, ReasonInternal)
	}
}

func TestTokenEndpointRejectsNonGET(t *testing.T) {
	cfg := testConfig()
	csrfEnabled(cfg)
	env := testPipeline(t, store.NewMemory(), cfg)

	w := env.do(newRequest("POST", "/csrf-token", "203.0.113.7"))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestAccessLogSampledOnAllowed(t *testing.T) {
	cfg := testConfig()
	cfg.Audit.AccessLogSampleRate = 1.0
	st := store.NewMemory()
	env := testPipeline(t, st, cfg)

	if w := env.do(newRequest("GET", "/api/widgets", "203.0.113.7")); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	entries, err := env.recorder.RecentAccess(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentAccess failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("access entries = %d, want 1", len(entries))
	}
	if entries[0].IP != "203.0.113.7" || entries[0].Status != http.StatusOK {
		t.Errorf("entry = %+v, want client ip and upstream status", entries[0])
	}
}

// brokenStore fails every operation, standing in for an unreachable backend.
type brokenStore struct{}

var errStoreDown = errors.New("store down")

func (brokenStore) Get(context.Context, string) (string, error) { return "", errStoreDown }
func (brokenStore) Set(context.Context, string, string, time.Duration) error {
	return errStoreDown
}
func (brokenStore) Del(context.Context, string) error            { return errStoreDown }
func (brokenStore) Exists(context.Context, string) (bool, error) { return false, errStoreDown }
func (brokenStore) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errStoreDown
}
func (brokenStore) SeriesAdd(context.Context, string, string, time.Time, time.Time, time.Duration) (int64, error) {
	return 0, errStoreDown
}
func (brokenStore) SeriesRemove(context.Context, string, string) error { return errStoreDown }
func (brokenStore) SeriesCount(context.Context, string, time.Time) (int64, error) {
	return 0, errStoreDown
}
func (brokenStore) SeriesRevRange(context.Context, string, time.Time, time.Time, int) ([]string, error) {
	return nil, errStoreDown
}
func (brokenStore) ScanKeys(context.Context, string) ([]string, error) { return nil, errStoreDown }
func (brokenStore) Ping(context.Context) error                         { return errStoreDown }
func (brokenStore) Close() error                                       { return nil }
