package rendezvous

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// metrics lives on a per-server registry so several relays can run in one
// process (tests do).
type metrics struct {
	reg *prometheus.Registry

	connections *prometheus.GaugeVec   // hub
	online      prometheus.Gauge       // distinct chat identities
	relayed     *prometheus.CounterVec // hub, kind
	dropped     *prometheus.CounterVec // hub, reason
	requests    *prometheus.CounterVec // route, code
}

func newMetrics() *metrics {
	m := &metrics{
		reg: prometheus.NewRegistry(),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "goopcall",
			Subsystem: "relay",
			Name:      "ws_connections",
			Help:      "Open WebSocket connections per hub.",
		}, []string{"hub"}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "goopcall",
			Subsystem: "relay",
			Name:      "online_users",
			Help:      "Identities with at least one chat connection.",
		}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goopcall",
			Subsystem: "relay",
			Name:      "frames_relayed_total",
			Help:      "Frames forwarded to at least one recipient.",
		}, []string{"hub", "kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goopcall",
			Subsystem: "relay",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames that were not forwarded.",
		}, []string{"hub", "reason"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goopcall",
			Subsystem: "relay",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route template and status code.",
		}, []string{"route", "code"}),
	}
	m.reg.MustRegister(m.connections, m.online, m.relayed, m.dropped, m.requests)
	m.reg.MustRegister(collectors.NewGoCollector())
	return m
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument counts REST requests. WebSocket upgrades are skipped because
// the hijacked writer must not be wrapped.
func (m *metrics) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		if r.Header.Get("Upgrade") != "" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.requests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	})
}
