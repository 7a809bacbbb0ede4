package otelinit

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

// Metrics holds the core's cross-cutting resilience instruments.
type Metrics struct {
	RetryAttempts          metric.Int64Counter
	CircuitOpenTransitions metric.Int64Counter
}

// InitMetrics wires a meter provider. By default it exports via a
// Prometheus scrape endpoint (promHandler, non-nil); setting
// SCANCORE_OTLP_METRICS=1 switches to an OTLP push exporter instead, in
// which case promHandler is nil and scraping is unavailable.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, promHandler http.Handler, m Metrics) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))

	if strings.EqualFold(os.Getenv("SCANCORE_OTLP_METRICS"), "1") {
		endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
		if endpoint == "" {
			endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		exp, err := otlpmetricgrpc.New(ctxInit, otlpmetricgrpc.WithEndpoint(endpoint), otlpmetricgrpc.WithDialOption(grpc.WithInsecure()))
		if err != nil {
			slog.Warn("otlp metrics exporter init failed", "error", err)
			return func(context.Context) error { return nil }, nil, createCommonInstruments()
		}
		reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
		otel.SetMeterProvider(mp)
		slog.Info("otlp metrics initialized", "endpoint", endpoint)
		return mp.Shutdown, nil, createCommonInstruments()
	}

	exp, err := prometheus.New()
	if err != nil {
		slog.Warn("prometheus exporter init failed", "error", err)
		return func(context.Context) error { return nil }, nil, createCommonInstruments()
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exp), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("prometheus metrics initialized")
	return mp.Shutdown, promhttp(), createCommonInstruments()
}

func createCommonInstruments() Metrics {
	meter := otel.Meter("scancore")
	retry, _ := meter.Int64Counter("scancore_resilience_retry_attempts_total")
	circuit, _ := meter.Int64Counter("scancore_resilience_circuit_open_total")
	return Metrics{RetryAttempts: retry, CircuitOpenTransitions: circuit}
}
