// Package telemetry wires OpenTelemetry tracing for the qshield binaries.
package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/rs/zerolog/log"

	"qshield/pkg/config"
)

const defaultServiceName = "qshield"

// Options configure the tracer provider. An empty Endpoint keeps spans in
// process; a failing exporter is fatal only when Required is set.
type Options struct {
	ServiceName string
	Version     string
	Environment string
	Endpoint    string
	Headers     map[string]string
	Timeout     time.Duration
	Insecure    bool
	Required    bool
	Sampler     trace.Sampler
}

// OptionsFromEnv reads the standard OTEL_* variables plus SERVICE_VERSION and
// ENVIRONMENT.
func OptionsFromEnv(serviceName string) Options {
	return Options{
		ServiceName: serviceName,
		Version:     strings.TrimSpace(config.Env("SERVICE_VERSION", "")),
		Environment: strings.TrimSpace(config.Env("ENVIRONMENT", "")),
		Endpoint:    strings.TrimSpace(config.Env("OTEL_EXPORTER_OTLP_ENDPOINT", "")),
		Headers:     parseHeaders(config.Env("OTEL_EXPORTER_OTLP_HEADERS", "")),
		Timeout:     config.EnvDurationSec("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", 5),
		Insecure:    config.EnvBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		Required:    config.EnvBool("OTEL_REQUIRED", false),
		Sampler:     parseSampler(config.Env("OTEL_TRACES_SAMPLER", ""), config.Env("OTEL_TRACES_SAMPLER_ARG", "")),
	}
}

// Init installs the global tracer provider from the environment.
func Init(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	return Start(ctx, OptionsFromEnv(serviceName))
}

func Start(ctx context.Context, o Options) (func(context.Context) error, error) {
	if o.Sampler == nil {
		o.Sampler = parseSampler("", "")
	}
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, o.attributes()...))
	providerOpts := []trace.TracerProviderOption{trace.WithResource(res), trace.WithSampler(o.Sampler)}
	if o.Endpoint != "" {
		exporter, err := o.exporter(ctx)
		switch {
		case err == nil:
			providerOpts = append(providerOpts, trace.WithBatcher(exporter))
		case o.Required:
			return nil, err
		default:
			log.Warn().Err(err).Str("endpoint", o.Endpoint).Msg("otel_exporter_disabled")
		}
	}
	tp := trace.NewTracerProvider(providerOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown, nil
}

func (o Options) exporter(ctx context.Context) (*otlptracehttp.Exporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(o.Endpoint)}
	if o.Timeout > 0 {
		opts = append(opts, otlptracehttp.WithTimeout(o.Timeout))
	}
	if o.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(o.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(o.Headers))
	}
	return otlptracehttp.New(ctx, opts...)
}

func (o Options) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName(o.ServiceName))}
	if o.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(o.Version))
	}
	if o.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(o.Environment))
	}
	return attrs
}

func serviceName(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return defaultServiceName
}

// parseSampler follows OTEL_TRACES_SAMPLER. Unknown names fall back to
// parent based ratio sampling; the ratio is clamped to [0,1].
func parseSampler(name, arg string) trace.Sampler {
	ratio := 1.0
	if v, err := strconv.ParseFloat(strings.TrimSpace(arg), 64); err == nil {
		ratio = min(max(v, 0), 1)
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "always_on":
		return trace.AlwaysSample()
	case "always_off":
		return trace.NeverSample()
	case "traceidratio":
		return trace.TraceIDRatioBased(ratio)
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	}
}

// HTTPMiddleware instruments inbound HTTP handlers.
func HTTPMiddleware(name string) func(http.Handler) http.Handler {
	return otelhttp.NewMiddleware(serviceName(name))
}

// InstrumentClient wraps client's transport in place, creating a client when nil.
func InstrumentClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)
	return client
}

// parseHeaders reads "k1=v1,k2=v2", skipping malformed pairs.
func parseHeaders(raw string) map[string]string {
	var out map[string]string
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(part, "=")
		if k = strings.TrimSpace(k); !ok || k == "" {
			continue
		}
		if out == nil {
			out = map[string]string{}
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}
