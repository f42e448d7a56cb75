// Package cmd holds the startup plumbing shared by the petra binaries:
// config loading with validation, logging and metrics bootstrap, tracing,
// and signal handling.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-logr/stdr"
	"github.com/letsencrypt/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	blog "github.com/petra-ca/petra/log"
)

// Fail prints a message to stderr and exits nonzero.
func Fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

// FailOnError exits the process if err is non-nil. It is the startup idiom:
// nothing in main recovers from a failed component constructor.
func FailOnError(err error, msg string) {
	if err == nil {
		return
	}
	Fail(fmt.Sprintf("%s: %s", msg, err))
}

// ReadConfigFile unmarshals a JSON config file into out and validates it
// against the struct's validate tags.
func ReadConfigFile(filename string, out interface{}) error {
	configData, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("reading config file %q: %w", filename, err)
	}
	err = json.Unmarshal(configData, out)
	if err != nil {
		return fmt.Errorf("parsing config file %q: %w", filename, err)
	}
	err = validator.New().Struct(out)
	if err != nil {
		return fmt.Errorf("validating config file %q: %w", filename, err)
	}
	return nil
}

// SyslogConfig controls the logger's stdout verbosity. Level 6 (info) is the
// default when unset.
type SyslogConfig struct {
	StdoutLevel int `json:"stdoutLevel"`
}

// StatsAndLogging sets up the process-wide metrics registry and logger, and
// serves /metrics plus pprof on debugAddr when it is non-empty.
func StatsAndLogging(syslogConfig SyslogConfig, debugAddr string) (prometheus.Registerer, blog.Logger) {
	level := syslogConfig.StdoutLevel
	if level == 0 {
		level = 6
	}
	logger := blog.New(binaryName(), level)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if debugAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			mux.HandleFunc("/debug/pprof/", pprof.Index)
			mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
			mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
			mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
			server := &http.Server{
				Addr:        debugAddr,
				Handler:     mux,
				ReadTimeout: 30 * time.Second,
			}
			err := server.ListenAndServe()
			if err != nil {
				logger.Errf("debug server on %s: %s", debugAddr, err)
			}
		}()
	}
	return registry, logger
}

func binaryName() string {
	if len(os.Args) == 0 {
		return "petra"
	}
	return filepath.Base(os.Args[0])
}

// OpenTelemetryConfig configures trace export. An empty endpoint disables
// tracing entirely.
type OpenTelemetryConfig struct {
	Endpoint    string  `json:"endpoint"`
	SampleRatio float64 `json:"sampleRatio"`
}

// NewOpenTelemetry configures the global tracer provider and returns a
// shutdown function to flush pending spans.
func NewOpenTelemetry(config OpenTelemetryConfig, logger blog.Logger) func(ctx context.Context) {
	otel.SetLogger(stdr.New(log.New(os.Stderr, "", log.LstdFlags)))
	if config.Endpoint == "" {
		return func(context.Context) {}
	}

	exporter, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(config.Endpoint),
		otlptracegrpc.WithInsecure())
	FailOnError(err, "creating OTLP trace exporter")

	res := resource.NewSchemaless(attribute.String("service.name", binaryName()))
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SampleRatio))),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)

	return func(ctx context.Context) {
		err := provider.Shutdown(ctx)
		if err != nil {
			logger.Errf("shutting down tracer provider: %s", err)
		}
	}
}

// CatchSignals blocks until SIGTERM, SIGINT or SIGHUP arrives, then runs the
// callback. Meant to be the last call in main.
func CatchSignals(callback func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	<-sigChan
	if callback != nil {
		callback()
	}
}
