package admin

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"

	"gatewarden/internal/audit"
	"gatewarden/internal/ban"
	"gatewarden/internal/clientip"
	"gatewarden/internal/httputil"
)

const maxJSONBytes = 4 << 10

// Handler serves the operator surface: event queries, ban management and
// a metrics snapshot. Every route sits behind bearer-token auth and none
// of them pass through the request pipeline.
type Handler struct {
	bans     *ban.Registry
	recorder *audit.Recorder
	keyring  *Keyring
	gatherer prometheus.Gatherer
	log      zerolog.Logger
	started  time.Time
}

func NewHandler(bans *ban.Registry, recorder *audit.Recorder, keyring *Keyring, gatherer prometheus.Gatherer, log zerolog.Logger) *Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		bans:     bans,
		recorder: recorder,
		keyring:  keyring,
		gatherer: gatherer,
		log:      log,
		started:  time.Now(),
	}
}

// Register mounts the admin routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/admin/events", h.auth(h.handleEvents))
	mux.Handle("/admin/bans", h.auth(h.handleBans))
	mux.Handle("/admin/bans/", h.auth(h.handleBanItem))
	mux.Handle("/admin/stats", h.auth(h.handleStats))
	mux.Handle("/admin/access", h.auth(h.handleAccess))
}

func (h *Handler) auth(next func(http.ResponseWriter, *http.Request)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			httputil.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		claims, err := h.keyring.Verify(strings.TrimSpace(raw))
		if err != nil {
			h.log.Warn().Err(err).Str("path", r.URL.Path).Msg("admin auth rejected")
			httputil.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		h.log.Debug().Str("role", claims.Role).Str("path", r.URL.Path).Str("method", r.Method).Msg("admin request")
		next(w, r)
	})
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
		return
	}
	q := audit.Query{Type: r.URL.Query().Get("type")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		q.Limit = n
	}
	var err error
	if q.From, err = timeParam(r, "since"); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be RFC3339"})
		return
	}
	if q.To, err = timeParam(r, "until"); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "until must be RFC3339"})
		return
	}
	events, err := h.recorder.Events(r.Context(), q)
	if err != nil {
		h.log.Error().Err(err).Msg("event query failed")
		httputil.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "store_error"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func timeParam(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func (h *Handler) handleBans(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		recs, err := h.bans.Active(r.Context())
		if err != nil {
			h.log.Error().Err(err).Msg("ban listing failed")
			httputil.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "store_error"})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"bans": recs, "count": len(recs)})
	case http.MethodPost:
		r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
		defer r.Body.Close()
		var req struct {
			IP     string `json:"ip"`
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_json"})
			return
		}
		if req.IP != clientip.Unknown && net.ParseIP(req.IP) == nil {
			httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "ip must be a valid address"})
			return
		}
		if req.Reason == "" {
			req.Reason = "manual"
		}
		if err := h.bans.BanManual(r.Context(), req.IP, req.Reason); err != nil {
			h.log.Error().Err(err).Str("ip", req.IP).Msg("manual ban failed")
			httputil.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "store_error"})
			return
		}
		h.log.Info().Str("ip", req.IP).Str("reason", req.Reason).Msg("manual ban placed")
		h.recorder.Record(r.Context(), audit.Event{
			Type:    audit.EventIPBanned,
			IP:      req.IP,
			Method:  r.Method,
			Path:    r.URL.Path,
			Details: map[string]string{"reason": req.Reason, "source": "admin"},
		})
		rec, _, err := h.bans.Lookup(r.Context(), req.IP)
		if err != nil {
			httputil.WriteJSON(w, http.StatusCreated, map[string]string{"ip": req.IP, "reason": req.Reason})
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, rec)
	default:
		httputil.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
	}
}

func (h *Handler) handleBanItem(w http.ResponseWriter, r *http.Request) {
	ip := strings.TrimPrefix(r.URL.Path, "/admin/bans/")
	if ip == "" || strings.Contains(ip, "/") {
		httputil.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	switch r.Method {
	case http.MethodGet:
		rec, ok, err := h.bans.Lookup(r.Context(), ip)
		if err != nil {
			httputil.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "store_error"})
			return
		}
		if !ok {
			httputil.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "no active ban"})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, rec)
	case http.MethodDelete:
		if err := h.bans.Unban(r.Context(), ip); err != nil {
			h.log.Error().Err(err).Str("ip", ip).Msg("unban failed")
			httputil.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "store_error"})
			return
		}
		h.log.Info().Str("ip", ip).Msg("ban removed")
		h.recorder.Record(r.Context(), audit.Event{
			Type:    audit.EventIPUnbanned,
			IP:      ip,
			Method:  r.Method,
			Path:    r.URL.Path,
			Details: map[string]string{"source": "admin"},
		})
		w.WriteHeader(http.StatusNoContent)
	default:
		httputil.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
	}
}

// handleStats aggregates the registry into a JSON summary for dashboards.
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
		return
	}
	mfs, err := h.gatherer.Gather()
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "metrics_error"})
		return
	}

	stats := make(map[string]map[string]any)
	for _, section := range []string{"decisions", "denials", "suspicious", "bans", "store", "system"} {
		stats[section] = make(map[string]any)
	}

	findMF := func(name string) *dto.MetricFamily {
		for _, mf := range mfs {
			if mf.GetName() == name {
				return mf
			}
		}
		return nil
	}
	byLabel := func(mf *dto.MetricFamily, label string, into map[string]any) {
		if mf == nil {
			return
		}
		for _, m := range mf.Metric {
			for _, l := range m.Label {
				if l.GetName() == label {
					into[l.GetValue()] = m.Counter.GetValue()
				}
			}
		}
	}

	byLabel(findMF("gatewarden_decisions_total"), "verdict", stats["decisions"])
	byLabel(findMF("gatewarden_denials_total"), "reason", stats["denials"])
	byLabel(findMF("gatewarden_suspicious_requests_total"), "indicator", stats["suspicious"])
	byLabel(findMF("gatewarden_bans_issued_total"), "reason", stats["bans"])
	byLabel(findMF("gatewarden_store_errors_total"), "step", stats["store"])
	if mf := findMF("gatewarden_csrf_tokens_issued_total"); mf != nil && len(mf.Metric) > 0 {
		stats["decisions"]["csrf_tokens_issued"] = mf.Metric[0].Counter.GetValue()
	}
	if mf := findMF("gatewarden_audit_events_dropped_total"); mf != nil && len(mf.Metric) > 0 {
		stats["store"]["events_dropped"] = mf.Metric[0].Counter.GetValue()
	}
	if mf := findMF("gatewarden_pipeline_duration_seconds"); mf != nil && len(mf.Metric) > 0 {
		hist := mf.Metric[0].Histogram
		stats["system"]["pipeline_samples"] = hist.GetSampleCount()
		stats["system"]["pipeline_sum_sec"] = hist.GetSampleSum()
	}
	if mf := findMF("go_goroutines"); mf != nil && len(mf.Metric) > 0 {
		stats["system"]["goroutines"] = mf.Metric[0].Gauge.GetValue()
	}
	stats["system"]["uptime_sec"] = time.Since(h.started).Seconds()

	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleAccess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	entries, err := h.recorder.RecentAccess(r.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("access log query failed")
		httputil.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "store_error"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}
