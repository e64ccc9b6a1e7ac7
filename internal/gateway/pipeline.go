package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"gatewarden/internal/audit"
	"gatewarden/internal/ban"
	"gatewarden/internal/clientip"
	"gatewarden/internal/config"
	"gatewarden/internal/csrf"
	"gatewarden/internal/heuristics"
	"gatewarden/internal/httputil"
	"gatewarden/internal/metrics"
	"gatewarden/internal/ratelimit"
)

// maxFormPeek bounds how much of a form body is buffered while looking for
// the csrf_token field. The unread remainder still reaches the upstream.
const maxFormPeek = 64 << 10

// Pipeline runs every request through the ordered security checks:
// whitelist bypass, ban check, rate limit, CSRF, heuristics. The first
// denying check terminates the request; heuristics never deny the request
// they inspect. Store failures resolve through the configured
// fail-open/fail-closed policy and are never retried here.
type Pipeline struct {
	cfg      *config.Config
	resolver *clientip.Resolver
	bans     *ban.Registry
	limiter  *ratelimit.Limiter
	issuer   *csrf.Issuer // nil when CSRF is disabled
	engine   *heuristics.Engine
	recorder *audit.Recorder
	headers  Hardening

	nowFunc func() time.Time // test hook
}

func New(cfg *config.Config, resolver *clientip.Resolver, bans *ban.Registry, limiter *ratelimit.Limiter, issuer *csrf.Issuer, engine *heuristics.Engine, recorder *audit.Recorder) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		resolver: resolver,
		bans:     bans,
		limiter:  limiter,
		issuer:   issuer,
		engine:   engine,
		recorder: recorder,
		headers:  NewHardening(cfg.Headers),
		nowFunc:  time.Now,
	}
}

// Middleware wraps next with the full check sequence.
func (p *Pipeline) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger := httputil.GetLogger(r.Context())

		defer func() {
			if rec := recover(); rec != nil {
				logger.Error().Interface("panic", rec).Msg("pipeline panic")
				p.deny(w, http.StatusInternalServerError, ReasonInternal, "internal error")
			}
		}()

		p.headers.Apply(w)
		ctx := r.Context()
		ip := p.resolver.Resolve(r)

		if p.bans.Whitelisted(ip) {
			p.allow(w, r, next, ip, start)
			return
		}

		banned, err := p.bans.IsBanned(ctx, ip)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("ban_check").Inc()
			logger.Error().Err(err).Str("ip", ip).Msg("ban check failed")
			if p.cfg.Security.OnStoreError.BanCheck == config.FailClosed {
				p.deny(w, http.StatusServiceUnavailable, ReasonInternal, "temporarily unable to process request")
				return
			}
		} else if banned {
			p.recorder.Record(ctx, p.event(audit.EventIPBlocked, ip, r, nil))
			p.deny(w, http.StatusForbidden, ReasonIPBlocked, "ip address is temporarily blocked")
			return
		}

		dec, err := p.limiter.Allow(ctx, ip, r.URL.Path)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("rate_limit").Inc()
			logger.Error().Err(err).Str("ip", ip).Msg("rate limit check failed")
			if p.cfg.Security.OnStoreError.RateLimit == config.FailClosed {
				p.deny(w, http.StatusServiceUnavailable, ReasonInternal, "temporarily unable to process request")
				return
			}
		} else if !dec.Allowed {
			p.recorder.Record(ctx, p.event(audit.EventRateLimitExceeded, ip, r, map[string]string{
				"limit":    strconv.Itoa(dec.Limit),
				"observed": strconv.FormatInt(dec.Observed, 10),
			}))
			if dec.Abuse {
				p.escalate(ctx, ip, r, "rate_limit_abuse")
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(dec.RetryAfter/time.Second)))
			p.deny(w, http.StatusTooManyRequests, ReasonRateLimited, "rate limit exceeded, retry later")
			return
		}

		if p.csrfRequired(r) {
			ok, reason := p.issuer.Validate(p.submittedToken(r), p.cookieToken(r))
			if !ok {
				p.recorder.Record(ctx, p.event(audit.EventCSRFFailure, ip, r, map[string]string{"reason": reason}))
				p.deny(w, http.StatusForbidden, ReasonCSRF, "csrf validation failed")
				return
			}
		}

		res, err := p.engine.Evaluate(ctx, ip, r)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("heuristics").Inc()
			logger.Error().Err(err).Str("ip", ip).Msg("heuristic evaluation failed")
			if p.cfg.Security.OnStoreError.Heuristics == config.FailClosed {
				p.deny(w, http.StatusServiceUnavailable, ReasonInternal, "temporarily unable to process request")
				return
			}
		}
		if len(res.Indicators) > 0 {
			for _, ind := range res.Indicators {
				metrics.SuspiciousRequests.WithLabelValues(ind).Inc()
			}
			p.recorder.Record(ctx, p.event(audit.EventSuspiciousRequest, ip, r, map[string]string{
				"indicators": strings.Join(res.Indicators, ","),
				"violations": strconv.FormatInt(res.Violations, 10),
			}))
			if res.Escalate {
				p.escalate(ctx, ip, r, "suspicious_activity")
			}
		}

		p.allow(w, r, next, ip, start)
	})
}

// allow finalizes an ALLOWED verdict: cookie upkeep, metrics, forwarding,
// and the sampled access log with the upstream's status.
func (p *Pipeline) allow(w http.ResponseWriter, r *http.Request, next http.Handler, ip string, start time.Time) {
	metrics.Decisions.WithLabelValues("allowed").Inc()
	if p.issuer != nil && r.URL.Path != p.cfg.Security.CSRFTokenPath {
		p.ensureCookie(w, r)
	}
	metrics.PipelineDuration.Observe(time.Since(start).Seconds())

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	next.ServeHTTP(rec, r)

	p.recorder.SampleAccess(r.Context(), audit.AccessEntry{
		Timestamp: p.nowFunc(),
		IP:        ip,
		Method:    r.Method,
		Path:      r.URL.Path,
		Status:    rec.status,
		UserAgent: r.UserAgent(),
	})
}

// escalate converts repeated violations into a ban. A no-op when automatic
// blacklisting is off; whitelisted clients are never auto-banned.
func (p *Pipeline) escalate(ctx context.Context, ip string, r *http.Request, reason string) {
	if !p.cfg.Security.AutoBlacklist || p.bans.Whitelisted(ip) {
		return
	}
	if err := p.bans.Ban(ctx, ip, reason); err != nil {
		metrics.StoreErrors.WithLabelValues("escalation").Inc()
		httputil.GetLogger(ctx).Error().Err(err).Str("ip", ip).Str("reason", reason).Msg("escalation failed")
		return
	}
	metrics.BansIssued.WithLabelValues(reason).Inc()
	httputil.GetLogger(ctx).Warn().Str("ip", ip).Str("reason", reason).Msg("client banned")
	p.recorder.Record(ctx, p.event(audit.EventIPBanned, ip, r, map[string]string{"reason": reason}))
}

func (p *Pipeline) event(typ, ip string, r *http.Request, details map[string]string) audit.Event {
	return audit.Event{
		Type:      typ,
		Timestamp: p.nowFunc(),
		IP:        ip,
		Method:    r.Method,
		Path:      r.URL.Path,
		UserAgent: r.UserAgent(),
		Referer:   r.Referer(),
		Details:   details,
	}
}

func (p *Pipeline) csrfRequired(r *http.Request) bool {
	if p.issuer == nil || safeMethod(r.Method) {
		return false
	}
	path := r.URL.Path
	if path == p.cfg.Security.CSRFTokenPath || p.exemptPath(path) {
		return false
	}
	return true
}

func (p *Pipeline) exemptPath(path string) bool {
	for _, prefix := range p.cfg.Security.ExemptPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func safeMethod(m string) bool {
	return m == http.MethodGet || m == http.MethodHead || m == http.MethodOptions
}

// submittedToken pulls the echoed token from the X-CSRF-Token header or,
// for urlencoded forms, the csrf_token field. The form body is buffered
// and stitched back so the upstream reads it unchanged; multipart bodies
// are not inspected (clients use the header there).
func (p *Pipeline) submittedToken(r *http.Request) string {
	if tok := r.Header.Get("X-CSRF-Token"); tok != "" {
		return tok
	}
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") || r.Body == nil {
		return ""
	}
	orig := r.Body
	peek, err := io.ReadAll(io.LimitReader(orig, maxFormPeek))
	if err != nil {
		return ""
	}
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(peek), orig), orig}
	vals, err := url.ParseQuery(string(peek))
	if err != nil {
		return ""
	}
	return vals.Get("csrf_token")
}

func (p *Pipeline) cookieToken(r *http.Request) string {
	c, err := r.Cookie(p.cfg.Security.CSRFCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// ensureCookie hands the client a token cookie when it has none worth
// keeping, so the next mutating request can validate.
func (p *Pipeline) ensureCookie(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(p.cfg.Security.CSRFCookieName); err == nil && p.issuer.Fresh(c.Value) {
		return
	}
	tok, err := p.issuer.Issue()
	if err != nil {
		httputil.GetLogger(r.Context()).Error().Err(err).Msg("csrf token issuance failed")
		return
	}
	metrics.CSRFIssued.Inc()
	http.SetCookie(w, p.csrfCookie(tok))
}

func (p *Pipeline) csrfCookie(token string) *http.Cookie {
	return &http.Cookie{
		Name:     p.cfg.Security.CSRFCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   p.cfg.Security.CSRFMaxAgeSec,
		Secure:   p.cfg.Security.CSRFCookieSecure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

// TokenHandler serves the CSRF issuance endpoint: the signed token goes
// into the cookie, the echoable value into the JSON body.
func (p *Pipeline) TokenHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		if p.issuer == nil {
			httputil.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "csrf disabled"})
			return
		}
		tok, err := p.issuer.Issue()
		if err != nil {
			httputil.GetLogger(r.Context()).Error().Err(err).Msg("csrf token issuance failed")
			httputil.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "token issuance failed"})
			return
		}
		metrics.CSRFIssued.Inc()
		http.SetCookie(w, p.csrfCookie(tok))
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"csrf_token": csrf.Value(tok),
			"expires_in": int(p.issuer.MaxAge() / time.Second),
		})
	})
}

// statusRecorder captures the status the wrapped handler writes, for the
// access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
