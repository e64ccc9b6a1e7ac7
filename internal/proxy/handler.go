package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	internalhttp "gatewarden/internal/httputil"
	"gatewarden/internal/metrics"
)

// 100MB cap on proxied request bodies.
const maxProxyBodySize = 100 * 1024 * 1024

// Forwarder relays requests the pipeline allowed to the single configured
// upstream. It owns the transport tuning and translates upstream failures
// into gateway responses; it never makes security decisions.
type Forwarder struct {
	target *url.URL
	proxy  *httputil.ReverseProxy
	log    zerolog.Logger
}

func NewForwarder(rawURL string, timeout time.Duration, log zerolog.Logger) (*Forwarder, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("upstream url: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("upstream url %q: scheme must be http or https", rawURL)
	}

	f := &Forwarder{target: target, log: log}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: timeout,
		TLSHandshakeTimeout:   timeout / 3,
		ExpectContinueTimeout: 1 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2: true,
	}

	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		// Propagate the request ID so traces line up across services.
		if requestID := internalhttp.GetRequestID(req.Context()); requestID != "" {
			req.Header.Set("X-Request-ID", requestID)
		}
		req.Header.Set("X-Forwarded-Proto", scheme(req))
		req.Header.Set("X-Forwarded-Host", req.Host)
	}
	proxy.ErrorHandler = f.handleError
	f.proxy = proxy
	return f, nil
}

func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxProxyBodySize)

	// Both Content-Length and Transfer-Encoding present smells like request
	// smuggling; per RFC 7230 Transfer-Encoding wins.
	if r.Header.Get("Content-Length") != "" && r.Header.Get("Transfer-Encoding") != "" {
		internalhttp.GetLogger(r.Context()).Warn().
			Str("remote_addr", r.RemoteAddr).
			Msg("both Content-Length and Transfer-Encoding present, dropping Content-Length")
		r.Header.Del("Content-Length")
	}

	start := time.Now()
	f.proxy.ServeHTTP(w, r)
	metrics.UpstreamLatency.Observe(time.Since(start).Seconds())
}

// handleError differentiates upstream failures: canceled clients are not
// errors, timeouts map to 504, unreachable upstreams to 503, the rest to
// 502.
func (f *Forwarder) handleError(w http.ResponseWriter, r *http.Request, err error) {
	logger := internalhttp.GetLogger(r.Context())

	if err == context.Canceled || err == context.DeadlineExceeded {
		logger.Debug().Err(err).Msg("proxy request canceled")
		metrics.UpstreamErrors.WithLabelValues("context").Inc()
		return
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		logger.Warn().Err(err).Msg("upstream timeout")
		metrics.UpstreamErrors.WithLabelValues("timeout").Inc()
		http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
		return
	}
	if _, ok := err.(*net.DNSError); ok {
		logger.Error().Err(err).Msg("upstream DNS resolution failed")
		metrics.UpstreamErrors.WithLabelValues("dns").Inc()
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	if strings.Contains(err.Error(), "connection refused") {
		logger.Error().Err(err).Msg("upstream connection refused")
		metrics.UpstreamErrors.WithLabelValues("connection").Inc()
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	logger.Error().Err(err).Msg("proxy error")
	metrics.UpstreamErrors.WithLabelValues("other").Inc()
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

// Close releases idle upstream connections.
func (f *Forwarder) Close() {
	if transport, ok := f.proxy.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

func scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
