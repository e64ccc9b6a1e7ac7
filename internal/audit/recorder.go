package audit

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"gatewarden/internal/metrics"
	"gatewarden/internal/store"
)

// Event types recorded by the pipeline and the admin surface.
const (
	EventRateLimitExceeded = "rate_limit_exceeded"
	EventSuspiciousRequest = "suspicious_request"
	EventCSRFFailure       = "csrf_validation_failed"
	EventIPBlocked         = "ip_blocked"
	EventIPBanned          = "ip_banned"
	EventIPUnbanned        = "ip_unbanned"
)

// Event is one security event. Details carries check-specific context,
// e.g. the indicator list or the denied route.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"event_type"`
	Timestamp time.Time         `json:"timestamp"`
	IP        string            `json:"ip"`
	Method    string            `json:"method,omitempty"`
	Path      string            `json:"path,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Referer   string            `json:"referer,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// AccessEntry is one sampled allowed request. Diagnostic only; entries
// may be dropped under load.
type AccessEntry struct {
	Timestamp time.Time `json:"timestamp"`
	IP        string    `json:"ip"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Status    int       `json:"status"`
	UserAgent string    `json:"user_agent,omitempty"`
}

// Query selects events. Zero From/To default to the retention window
// ending now; Limit defaults to 100 and caps at 1000.
type Query struct {
	Type  string // empty: all types
	From  time.Time
	To    time.Time
	Limit int
}

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// Recorder persists events and the sampled access log as timestamp series
// in the shared store. Recording is best-effort: a failed write is logged
// locally and counted, never surfaced to the request path.
type Recorder struct {
	st         store.Store
	retention  time.Duration
	accessTTL  time.Duration
	sampleRate float64
	budget     *rate.Limiter // access-log writes per second, nil = unbounded
	log        zerolog.Logger

	nowFunc  func() time.Time // test hooks
	randFunc func() float64
}

func NewRecorder(st store.Store, retention, accessTTL time.Duration, sampleRate float64, maxWritesPerSec int, log zerolog.Logger) *Recorder {
	rec := &Recorder{
		st:         st,
		retention:  retention,
		accessTTL:  accessTTL,
		sampleRate: sampleRate,
		log:        log,
		nowFunc:    time.Now,
		randFunc:   rand.Float64,
	}
	if maxWritesPerSec > 0 {
		rec.budget = rate.NewLimiter(rate.Limit(maxWritesPerSec), maxWritesPerSec)
	}
	return rec
}

// Record persists ev under the all-events series and its per-type series.
// Old members beyond retention are pruned as a side effect of the write.
func (rec *Recorder) Record(ctx context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = rec.nowFunc()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		rec.drop(ev, err)
		return
	}
	cutoff := ev.Timestamp.Add(-rec.retention)
	for _, key := range []string{"events:all", "events:" + ev.Type} {
		if _, err := rec.st.SeriesAdd(ctx, key, string(b), ev.Timestamp, cutoff, rec.retention); err != nil {
			rec.drop(ev, err)
			return
		}
	}
}

// drop logs an event that could not be persisted so it is at least
// visible in the local log stream.
func (rec *Recorder) drop(ev Event, err error) {
	metrics.EventsDropped.Inc()
	rec.log.Warn().Err(err).
		Str("event_type", ev.Type).
		Str("ip", ev.IP).
		Str("path", ev.Path).
		Msg("audit event dropped, recording locally")
}

// Events returns matching events, newest first.
func (rec *Recorder) Events(ctx context.Context, q Query) ([]Event, error) {
	now := rec.nowFunc()
	if q.To.IsZero() {
		q.To = now
	}
	if q.From.IsZero() {
		q.From = now.Add(-rec.retention)
	}
	if q.Limit <= 0 {
		q.Limit = defaultQueryLimit
	}
	if q.Limit > maxQueryLimit {
		q.Limit = maxQueryLimit
	}
	key := "events:all"
	if q.Type != "" {
		key = "events:" + q.Type
	}
	raw, err := rec.st.SeriesRevRange(ctx, key, q.From, q.To, q.Limit)
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(raw))
	for _, r := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			continue // tolerate foreign junk in the series
		}
		events = append(events, ev)
	}
	return events, nil
}

// SampleAccess records an allowed request with probability sampleRate,
// subject to the write budget. Entries live for accessTTL only.
func (rec *Recorder) SampleAccess(ctx context.Context, entry AccessEntry) {
	if rec.sampleRate <= 0 || rec.randFunc() >= rec.sampleRate {
		return
	}
	if rec.budget != nil && !rec.budget.Allow() {
		metrics.EventsDropped.Inc()
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = rec.nowFunc()
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if _, err := rec.st.SeriesAdd(ctx, "accesslog", string(b), entry.Timestamp, entry.Timestamp.Add(-rec.accessTTL), rec.accessTTL); err != nil {
		metrics.EventsDropped.Inc()
		rec.log.Debug().Err(err).Msg("access log entry dropped")
	}
}

// RecentAccess returns sampled entries still inside the access TTL,
// newest first.
func (rec *Recorder) RecentAccess(ctx context.Context, limit int) ([]AccessEntry, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	now := rec.nowFunc()
	raw, err := rec.st.SeriesRevRange(ctx, "accesslog", now.Add(-rec.accessTTL), now, limit)
	if err != nil {
		return nil, err
	}
	entries := make([]AccessEntry, 0, len(raw))
	for _, r := range raw {
		var e AccessEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
