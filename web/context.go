// Package web holds the glue between the HTTP surface and the protocol
// engine: request event logging, problem serialization, and URL helpers.
package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/jmhodges/clock"
	"go.opentelemetry.io/otel/trace"

	blog "github.com/petra-ca/petra/log"
	"github.com/petra-ca/petra/probs"
)

// RequestEvent is a structured record of one handled request, emitted as a
// single JSON log line when the handler returns.
type RequestEvent struct {
	RealIP    string  `json:",omitempty"`
	Method    string  `json:",omitempty"`
	Endpoint  string  `json:",omitempty"`
	Slug      string  `json:",omitempty"`
	Code      int     `json:",omitempty"`
	Latency   float64 `json:",omitempty"`
	Requester string  `json:",omitempty"`
	TraceID   string  `json:",omitempty"`
	Errors    []string
}

// AddError appends a formatted error message to the event.
func (e *RequestEvent) AddError(msg string, args ...interface{}) {
	e.Errors = append(e.Errors, fmt.Sprintf(msg, args...))
}

// WFEHandlerFunc is the signature every endpoint handler implements.
type WFEHandlerFunc func(*RequestEvent, http.ResponseWriter, *http.Request)

// TopHandler wraps an endpoint handler with request event bookkeeping.
type TopHandler struct {
	log      blog.Logger
	clk      clock.Clock
	endpoint string
	handler  WFEHandlerFunc
}

// NewTopHandler constructs the per-endpoint outer handler.
func NewTopHandler(log blog.Logger, clk clock.Clock, endpoint string, handler WFEHandlerFunc) *TopHandler {
	return &TopHandler{log: log, clk: clk, endpoint: endpoint, handler: handler}
}

func (th *TopHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	begin := th.clk.Now()
	event := &RequestEvent{
		RealIP:   realIP(r),
		Method:   r.Method,
		Endpoint: th.endpoint,
		Slug:     strings.TrimPrefix(r.URL.Path, th.endpoint),
	}
	if spanCtx := trace.SpanContextFromContext(r.Context()); spanCtx.HasTraceID() {
		event.TraceID = spanCtx.TraceID().String()
	}
	// The event code is filled in by SendResponse/SendError via the header
	// writer wrapper.
	cw := &codeWriter{ResponseWriter: w}
	defer func() {
		event.Code = cw.code
		if event.Code == 0 {
			event.Code = http.StatusOK
		}
		event.Latency = th.clk.Since(begin).Seconds()
		th.logEvent(event)
	}()
	th.handler(event, cw, r)
}

func (th *TopHandler) logEvent(event *RequestEvent) {
	jsonEvent, err := json.Marshal(event)
	if err != nil {
		th.log.Errf("failed to marshal request event - %s - %#v", err, event)
		return
	}
	if len(event.Errors) > 0 {
		th.log.Errf("%s %s %s", event.Method, event.Endpoint, jsonEvent)
		return
	}
	th.log.Infof("%s %s %s", event.Method, event.Endpoint, jsonEvent)
}

type codeWriter struct {
	http.ResponseWriter
	code int
}

func (cw *codeWriter) WriteHeader(code int) {
	if cw.code == 0 {
		cw.code = code
	}
	cw.ResponseWriter.WriteHeader(code)
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host
}

// SendError marshals a problem document to the response with the ACME error
// namespace applied, records it on the request event, and writes the
// problem's HTTP status.
func SendError(w http.ResponseWriter, event *RequestEvent, prob *probs.ProblemDetails, ierr error) {
	if ierr != nil {
		event.AddError("%s", ierr)
	}
	event.AddError("%s", prob)

	out := prob.WithNamespace()
	body, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		body = []byte(`{"detail": "error marshaling problem document"}`)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(prob.HTTPStatus)
	_, _ = w.Write(body)
}

// RelativeEndpoint returns a fully qualified URL composed from the incoming
// request's scheme and host plus the given path. Signed request URLs must be
// compared against exactly this form.
func RelativeEndpoint(request *http.Request, endpoint string) string {
	proto := "http"
	host := request.Host

	// If the request was received via TLS, use `https://` for the protocol
	if request.TLS != nil {
		proto = "https"
	}

	// Allow upstream proxies to specify the forwarded protocol. Allow this value
	// to override our own guess.
	if specifiedProto := request.Header.Get("X-Forwarded-Proto"); specifiedProto != "" {
		proto = specifiedProto
	}

	return fmt.Sprintf("%s://%s%s", proto, host, endpoint)
}
