package heuristics

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"gatewarden/internal/store"
)

// Indicator names surfaced in events and metrics. Pattern hits append the
// matched substring, e.g. "suspicious_pattern_../".
const (
	IndicatorShortUA  = "missing_or_short_user_agent"
	IndicatorHighFreq = "high_frequency_requests"
	patternPrefix     = "suspicious_pattern_"
)

// Engine scores requests with independent, deterministic checks. It never
// blocks the request it inspects; it only reports indicators and keeps the
// per-client violation series that the escalation path reads.
type Engine struct {
	st            store.Store
	patterns      []string // lowercased substrings
	minUALen      int
	freqThreshold int
	banThreshold  int
	window        time.Duration

	nowFunc func() time.Time // test hook
}

// Result of evaluating one request.
type Result struct {
	Indicators []string
	Violations int64 // rolling-window violation count including this request
	Escalate   bool  // violation count reached the ban threshold
}

func New(st store.Store, patterns []string, minUALen, freqThreshold, banThreshold int, window time.Duration) *Engine {
	return &Engine{
		st:            st,
		patterns:      patterns,
		minUALen:      minUALen,
		freqThreshold: freqThreshold,
		banThreshold:  banThreshold,
		window:        window,
		nowFunc:       time.Now,
	}
}

// Evaluate runs all checks for ip's request. The per-minute frequency
// bucket increments on every call regardless of outcome. A non-empty
// indicator set also appends to the client's violation series; crossing
// the ban threshold sets Escalate. On store failure the header- and
// path-based indicators found so far are still returned along with the
// error, so the caller's fail policy has something to work with.
func (e *Engine) Evaluate(ctx context.Context, ip string, r *http.Request) (Result, error) {
	var indicators []string

	if len(r.UserAgent()) < e.minUALen {
		indicators = append(indicators, IndicatorShortUA)
	}
	lowerPath := strings.ToLower(r.URL.Path)
	for _, p := range e.patterns {
		if strings.Contains(lowerPath, p) {
			indicators = append(indicators, patternPrefix+p)
		}
	}

	now := e.nowFunc()
	bucket := "freq:" + ip + ":" + now.UTC().Format("200601021504")
	n, err := e.st.Incr(ctx, bucket, 5*time.Minute)
	if err != nil {
		return Result{Indicators: indicators}, err
	}
	if n > int64(e.freqThreshold) {
		indicators = append(indicators, IndicatorHighFreq)
	}

	if len(indicators) == 0 {
		return Result{}, nil
	}

	violations, err := e.st.SeriesAdd(ctx, "susp:"+ip, uuid.NewString(), now, now.Add(-e.window), e.window)
	if err != nil {
		return Result{Indicators: indicators}, err
	}
	return Result{
		Indicators: indicators,
		Violations: violations,
		Escalate:   violations >= int64(e.banThreshold),
	}, nil
}
