package ratelimit

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"gatewarden/internal/config"
	"gatewarden/internal/httputil"
	"gatewarden/internal/metrics"
	"gatewarden/internal/store"
)

// Limiter enforces sliding-window rate limits against the shared store, so
// every gateway instance draws from the same budget. Each request window is
// a timestamp series keyed by client and route bucket; per-route overrides
// share one bucket per configured prefix, default-limited paths get their
// own.
type Limiter struct {
	st       store.Store
	def      config.RateSpec
	routes   []config.RouteRate // longest prefix first
	exempt   []string
	abuseMul float64

	nowFunc func() time.Time // test hook
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed  bool
	Exempt   bool
	Limit    int
	Window   time.Duration
	Observed int64 // window entries, plus denied attempts when denying
	// Abuse is set when attempts in the window crossed the abuse multiple
	// of the limit; the caller escalates.
	Abuse      bool
	RetryAfter time.Duration
}

func New(st store.Store, def config.RateSpec, routes []config.RouteRate, exempt []string, abuseMul float64) *Limiter {
	return &Limiter{
		st:       st,
		def:      def,
		routes:   routes,
		exempt:   exempt,
		abuseMul: abuseMul,
		nowFunc:  time.Now,
	}
}

// bucket picks the rate spec for path and the key segment its traffic is
// counted under. Overridden prefixes pool their whole subtree into one
// budget; everything else is budgeted per path.
func (l *Limiter) bucket(path string) (config.RateSpec, string) {
	for _, rr := range l.routes {
		if strings.HasPrefix(path, rr.Prefix) {
			return rr.Spec, rr.Prefix
		}
	}
	return l.def, path
}

// Allow decides whether ip may hit path now. The window update is a single
// atomic unit in the store: prune expired entries, append this request,
// read the count. A denied request must not consume window space, so its
// provisional entry is removed again; the overshoot between those two steps
// only ever errs toward denying.
func (l *Limiter) Allow(ctx context.Context, ip, path string) (Decision, error) {
	for _, p := range l.exempt {
		if strings.HasPrefix(path, p) {
			return Decision{Allowed: true, Exempt: true}, nil
		}
	}
	spec, bucket := l.bucket(path)
	now := l.nowFunc()
	winKey := "rl:win:" + ip + ":" + bucket
	member := uuid.NewString()

	count, err := l.st.SeriesAdd(ctx, winKey, member, now, now.Add(-spec.Window), spec.Window)
	if err != nil {
		return Decision{}, err
	}
	if count <= int64(spec.Limit) {
		return Decision{Allowed: true, Limit: spec.Limit, Window: spec.Window, Observed: count}, nil
	}

	if err := l.st.SeriesRemove(ctx, winKey, member); err != nil {
		// The entry will age out of the window on its own; the window
		// overcounts until then, which can only deny harder.
		metrics.StoreErrors.WithLabelValues("rate_limit_compensate").Inc()
		httputil.GetLogger(ctx).Warn().Err(err).Str("key", winKey).Msg("failed to back out denied request")
	}

	// Denied attempts are tallied separately; together with the window
	// occupancy they reveal clients hammering past the limit.
	attempts, err := l.st.Incr(ctx, "rl:att:"+ip+":"+bucket, spec.Window)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("rate_limit_attempts").Inc()
		httputil.GetLogger(ctx).Warn().Err(err).Msg("failed to count denied attempt")
		attempts = 0
	}
	observed := (count - 1) + attempts
	return Decision{
		Limit:      spec.Limit,
		Window:     spec.Window,
		Observed:   observed,
		Abuse:      float64(observed) > l.abuseMul*float64(spec.Limit),
		RetryAfter: spec.Window,
	}, nil
}
