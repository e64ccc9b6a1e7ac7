package gateway

import (
	"net/http"
	"strconv"

	"gatewarden/internal/config"
)

// Hardening is the header set attached to every response that passes
// through the gateway, denials included.
type Hardening struct {
	csp         string
	permissions string
	hsts        string
}

func NewHardening(cfg config.HeadersCfg) Hardening {
	return Hardening{
		csp:         cfg.CSP,
		permissions: cfg.PermissionsPolicy,
		hsts:        "max-age=" + strconv.Itoa(cfg.HSTSMaxAgeSec) + "; includeSubDomains",
	}
}

// Apply sets the headers. Must run before the status line is written.
func (h Hardening) Apply(w http.ResponseWriter) {
	hdr := w.Header()
	hdr.Set("X-Content-Type-Options", "nosniff")
	hdr.Set("X-Frame-Options", "DENY")
	hdr.Set("X-XSS-Protection", "1; mode=block")
	hdr.Set("Strict-Transport-Security", h.hsts)
	hdr.Set("Content-Security-Policy", h.csp)
	hdr.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	hdr.Set("Permissions-Policy", h.permissions)
}
