// Package measured_http provides an http.Handler wrapper that times requests
// per endpoint and response code.
package measured_http

import (
	"net/http"
	"strconv"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
)

// responseWriterWithStatus satisfies http.ResponseWriter, but keeps track of
// the status code for gathering stats.
type responseWriterWithStatus struct {
	http.ResponseWriter
	code int
}

// WriteHeader stores a status code for generating stats.
func (r *responseWriterWithStatus) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// serveMux is a minimal interface satisfied by http.ServeMux. It exists so
// tests can substitute a fake mux.
type serveMux interface {
	Handler(*http.Request) (http.Handler, string)
}

// MeasuredHandler wraps an http.ServeMux and records per-endpoint timing.
type MeasuredHandler struct {
	serveMux
	clk clock.Clock
	// inFlightRequestsGauge is a gauge of the number of requests currently
	// being handled.
	inFlightRequestsGauge prometheus.Gauge
	// responseTime is a histogram of response times, labeled by endpoint and
	// HTTP code.
	responseTime *prometheus.HistogramVec
}

// New constructs a MeasuredHandler, registering its metrics on stats.
func New(m serveMux, clk clock.Clock, stats prometheus.Registerer) *MeasuredHandler {
	responseTime := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "response_time",
			Help: "time taken to respond to a request",
		},
		[]string{"endpoint", "method", "code"})
	stats.MustRegister(responseTime)

	inFlightRequestsGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "in_flight_requests",
		Help: "number of requests currently being handled",
	})
	stats.MustRegister(inFlightRequestsGauge)

	return &MeasuredHandler{
		serveMux:              m,
		clk:                   clk,
		inFlightRequestsGauge: inFlightRequestsGauge,
		responseTime:          responseTime,
	}
}

func (h *MeasuredHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.inFlightRequestsGauge.Inc()
	defer h.inFlightRequestsGauge.Dec()

	begin := h.clk.Now()
	rwws := &responseWriterWithStatus{w, 0}

	subHandler, pattern := h.Handler(r)
	defer func() {
		h.responseTime.With(prometheus.Labels{
			"endpoint": pattern,
			"method":   r.Method,
			"code":     strconv.Itoa(rwws.code),
		}).Observe(h.clk.Since(begin).Seconds())
	}()

	subHandler.ServeHTTP(rwws, r)
	if rwws.code == 0 {
		rwws.code = http.StatusOK
	}
}
