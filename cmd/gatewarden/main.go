package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gatewarden/internal/admin"
	"gatewarden/internal/audit"
	"gatewarden/internal/ban"
	"gatewarden/internal/clientip"
	"gatewarden/internal/config"
	"gatewarden/internal/csrf"
	"gatewarden/internal/gateway"
	"gatewarden/internal/heuristics"
	"gatewarden/internal/httputil"
	"gatewarden/internal/metrics"
	"gatewarden/internal/proxy"
	"gatewarden/internal/ratelimit"
	"gatewarden/internal/store"
)

func main() {
	// CLI flag support for config path
	configFlag := flag.String("config", "", "path to config file (overrides GATEWARDEN_CONFIG env var)")
	flag.Parse()

	// Determine config path: CLI flag > env var > default
	cfgPath := *configFlag
	if cfgPath == "" {
		cfgPath = os.Getenv("GATEWARDEN_CONFIG")
	}
	if cfgPath == "" {
		// Try config.yaml first, fall back to config.example.yaml
		cfgPath = "./config.yaml"
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			cfgPath = "./config.example.yaml"
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Logging.Level == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		// JSON logging for production
	}

	// Startup configuration summary
	log.Info().Msg("=== Gatewarden Configuration Summary ===")
	log.Info().
		Str("config_path", cfgPath).
		Str("log_level", cfg.Logging.Level).
		Str("listen", cfg.Server.Listen).
		Msg("server configuration")
	log.Info().
		Str("store_backend", cfg.Store.Backend).
		Str("default_rate_limit", cfg.Security.DefaultRateLimit).
		Float64("rate_abuse_multiplier", cfg.Security.RateAbuseMultiple).
		Bool("csrf_enabled", cfg.Security.CSRFEnabled).
		Bool("auto_blacklist", cfg.Security.AutoBlacklist).
		Int("ban_ttl_sec", cfg.Security.BanTTLSec).
		Msg("security configuration")
	log.Info().
		Bool("admin_enabled", cfg.Admin.Enabled).
		Str("upstream", cfg.Upstream.URL).
		Float64("access_log_sample_rate", cfg.Audit.AccessLogSampleRate).
		Msg("feature flags")
	log.Info().Msg("Gatewarden starting...")

	// Shared store: redis in production, in-process memory for dev and tests
	var st store.Store
	switch cfg.Store.Backend {
	case "memory":
		st = store.NewMemory()
		log.Warn().Msg("using in-memory store; state will not survive restart or be shared across instances")
	default:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		st = store.NewRedis(client, cfg.Store.KeyPrefix, cfg.StoreTimeout())
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := st.Ping(pingCtx)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Store.RedisAddr).Msg("redis unreachable")
		}
		log.Info().Str("addr", cfg.Store.RedisAddr).Str("key_prefix", cfg.Store.KeyPrefix).Msg("connected to redis")
	}

	metrics.MustRegister()

	resolver, err := clientip.NewResolver(cfg.Security.TrustedProxyCIDRs)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid trusted_proxy_cidrs")
	}
	bans, err := ban.NewRegistry(st, cfg.BanTTL(), cfg.Security.IPWhitelist, cfg.Security.IPBlacklist)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid ip whitelist/blacklist")
	}
	limiter := ratelimit.New(st, cfg.Security.DefaultRate, cfg.Security.RouteRates,
		cfg.Security.ExemptPaths, cfg.Security.RateAbuseMultiple)
	engine := heuristics.New(st, cfg.Security.SuspiciousPatterns, cfg.Security.MinUserAgentLen,
		cfg.Security.FrequencyThreshold, cfg.Security.SuspiciousBanThreshold, cfg.SuspiciousWindow())
	recorder := audit.NewRecorder(st, cfg.EventRetention(), cfg.AccessLogRetention(),
		cfg.Audit.AccessLogSampleRate, cfg.Audit.MaxWritesPerSec, log.Logger)

	var issuer *csrf.Issuer
	if cfg.Security.CSRFEnabled {
		issuer, err = csrf.NewIssuer(cfg.Security.CSRFSecret, cfg.CSRFMaxAge())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create csrf issuer")
		}
	}

	pipeline := gateway.New(cfg, resolver, bans, limiter, issuer, engine, recorder)

	// Upstream: reverse proxy when configured, built-in echo handler otherwise
	var upstream http.Handler
	var forwarder *proxy.Forwarder
	if cfg.Upstream.URL != "" {
		forwarder, err = proxy.NewForwarder(cfg.Upstream.URL, cfg.UpstreamTimeout(), log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create upstream forwarder")
		}
		upstream = forwarder
		log.Info().Str("upstream", cfg.Upstream.URL).Msg("proxying allowed requests to upstream")
	} else {
		upstream = echoHandler()
		log.Warn().Msg("no upstream configured; serving built-in echo handler")
	}

	// Protected surface: the decision pipeline guards the upstream and the
	// CSRF token endpoint. Dispatch is a raw path compare, not a ServeMux:
	// mux canonicalization would redirect dirty paths before the upstream
	// saw them.
	app := upstream
	if issuer != nil {
		token := pipeline.TokenHandler()
		forward := upstream
		app = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == cfg.Security.CSRFTokenPath {
				token.ServeHTTP(w, r)
				return
			}
			forward.ServeHTTP(w, r)
		})
	}

	// System surface: health, metrics and the admin API sit outside the
	// pipeline so a fail_closed store outage cannot lock operators out.
	sys := http.NewServeMux()
	sys.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleHealth(w, r, st, forwarder)
	}))
	sys.Handle("/metrics", promhttp.Handler())
	if cfg.Admin.Enabled {
		keyring, err := admin.NewKeyring(cfg.Admin.Keys, cfg.Admin.CurrentKID, cfg.Admin.Issuer, cfg.Admin.SkewSec)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create admin keyring")
		}
		adminHandler := admin.NewHandler(bans, recorder, keyring, nil, log.Logger)
		adminHandler.Register(sys)
		log.Info().Str("issuer", cfg.Admin.Issuer).Str("current_kid", cfg.Admin.CurrentKID).Msg("admin API enabled")
	}

	// Top-level split stays off ServeMux so probe paths reach the pipeline
	// verbatim; the system prefixes are the only detour around it.
	root := gateway.NewRouter(sys, []string{"/healthz", "/metrics", "/admin/"}, pipeline.Middleware(app))

	// Apply middleware chain: request ID → hardening headers
	handler := Chain(
		httputil.RequestIDMiddleware(log.Logger),
		withHardening(gateway.NewHardening(cfg.Headers)),
	)(root)

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           handler,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutMs) * time.Millisecond,
		IdleTimeout:       90 * time.Second,
	}

	// Graceful shutdown setup
	serverErrors := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Server.Listen).Msg("Gatewarden listening")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Fatal().Err(err).Msg("server error")
	case sig := <-shutdown:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown failed, forcing close")
			srv.Close()
		}
		if forwarder != nil {
			forwarder.Close()
		}
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("store close error")
		}

		log.Info().Msg("shutdown complete")
	}
}

// ---- Helpers ----

// Middleware wraps an http.Handler and returns a new handler
type Middleware func(http.Handler) http.Handler

// Chain composes multiple middlewares into a single middleware
// Middlewares are applied in the order they are provided:
// Chain(mw1, mw2, mw3)(handler) => mw1(mw2(mw3(handler)))
func Chain(middlewares ...Middleware) Middleware {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// withHardening attaches the response header set to every surface,
// system endpoints included. The pipeline applies the same set itself
// so protected responses carry it in any deployment shape.
func withHardening(h gateway.Hardening) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h.Apply(w)
			next.ServeHTTP(w, r)
		})
	}
}

// echoHandler answers allowed requests directly when no upstream is
// configured. Useful for smoke-testing a deployment.
func echoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": httputil.GetRequestID(r.Context()),
		})
	})
}

// handleHealth reports component status. Degraded means the shared store
// is unreachable; checks then follow their on_store_error policies.
func handleHealth(w http.ResponseWriter, r *http.Request, st store.Store, forwarder *proxy.Forwarder) {
	type healthStatus struct {
		Status     string            `json:"status"` // "ok" | "degraded"
		Components map[string]string `json:"components"`
	}

	status := healthStatus{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := st.Ping(ctx); err != nil {
		status.Status = "degraded"
		status.Components["store"] = err.Error()
	} else {
		status.Components["store"] = "ok"
	}
	if forwarder != nil {
		status.Components["proxy"] = "ok"
	}

	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, code, status)
}
