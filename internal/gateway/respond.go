package gateway

import (
	"net/http"
	"time"

	"gatewarden/internal/httputil"
	"gatewarden/internal/metrics"
)

// Denial reason codes, also used as the "code" field of denial bodies.
const (
	ReasonIPBlocked   = "IP_BLOCKED"
	ReasonRateLimited = "RATE_LIMIT_EXCEEDED"
	ReasonCSRF        = "CSRF_VALIDATION_FAILED"
	ReasonInternal    = "INTERNAL_ERROR"
)

type denialBody struct {
	Error denialInfo `json:"error"`
}

type denialInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// deny terminates the request with the uniform denial envelope.
func (p *Pipeline) deny(w http.ResponseWriter, status int, code, message string) {
	metrics.Decisions.WithLabelValues("denied").Inc()
	metrics.Denials.WithLabelValues(code).Inc()
	httputil.WriteJSON(w, status, denialBody{Error: denialInfo{
		Code:      code,
		Message:   message,
		Timestamp: p.nowFunc().UTC().Format(time.RFC3339),
	}})
}
