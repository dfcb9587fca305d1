package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/amoylab/cfgstream/pkg/utils"
)

// Config represents OpenTelemetry tracing configuration
type Config struct {
	Enabled     bool      `yaml:"enabled"`
	ServiceName string    `yaml:"service_name"`
	Endpoint    string    `yaml:"endpoint"`     // e.g. localhost:4317 or http://localhost:4318
	Protocol    string    `yaml:"protocol"`     // grpc or http
	Insecure    bool      `yaml:"insecure"`     // allow insecure connection
	SamplerRate float64   `yaml:"sampler_rate"` // 0.0~1.0
	Environment string    `yaml:"environment"`  // env tag: dev/staging/prod
	Headers     StringMap `yaml:"headers"`
}

// StringMap accepts a YAML mapping, a JSON object string or "k=v, k2=v2",
// so headers can be passed through a single environment variable
type StringMap map[string]string

func (m *StringMap) UnmarshalYAML(value *yaml.Node) error {
	out := StringMap{}
	switch value.Kind {
	case yaml.MappingNode:
		var raw map[string]any
		if err := value.Decode(&raw); err != nil {
			return err
		}
		for k, v := range raw {
			out[k] = fmt.Sprint(v)
		}
	case yaml.ScalarNode:
		s := strings.TrimSpace(value.Value)
		switch {
		case s == "":
		case strings.HasPrefix(s, "{"):
			if err := json.Unmarshal([]byte(s), &out); err != nil {
				return fmt.Errorf("decode headers: %w", err)
			}
		default:
			for _, pair := range utils.SplitList(s) {
				k, v, ok := strings.Cut(pair, "=")
				if !ok {
					continue
				}
				out[strings.TrimSpace(k)] = strings.TrimSpace(v)
			}
		}
	default:
		return fmt.Errorf("headers: unsupported yaml node kind %d", value.Kind)
	}
	*m = out
	return nil
}

// constructors are variables so tests can avoid real exporters
var (
	newResource      = resource.New
	newOTLPTraceHTTP = otlptracehttp.New
	newOTLPTraceGRPC = otlptracegrpc.New
)

// InitTracing initializes OpenTelemetry tracing and returns a shutdown func.
// When tracing is disabled the global no-op provider stays in place.
func InitTracing(ctx context.Context, cfg *Config, lg *zap.Logger) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	serviceName := cfg.ServiceName
	protocol := cfg.Protocol
	if protocol == "" {
		protocol = "grpc"
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if protocol == "http" {
			endpoint = "localhost:4318"
		} else {
			endpoint = "localhost:4317"
		}
	}

	res, err := newResource(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	var exp *otlptrace.Exporter
	switch protocol {
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		exp, err = newOTLPTraceHTTP(ctx, opts...)
	default: // grpc
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		exp, err = newOTLPTraceGRPC(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	rate := min(max(cfg.SamplerRate, 0), 1)
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sampler),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	lg.Info("OpenTelemetry tracer initialized",
		zap.String("endpoint", endpoint),
		zap.String("protocol", protocol),
		zap.Float64("sampler_rate", rate),
	)

	return tp.Shutdown, nil
}

// Builder is a small wrapper to access a named tracer with fluent helpers
type Builder struct {
	tracer trace.Tracer
}

// Tracer creates a Builder for a named tracer
func Tracer(name string) *Builder {
	return &Builder{tracer: otel.Tracer(name)}
}

// SpanScope holds span and context, with fluent helpers
type SpanScope struct {
	Ctx  context.Context
	Span trace.Span
}

// Start starts a new span and returns a scope
func (b *Builder) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) *SpanScope {
	nctx, sp := b.tracer.Start(ctx, spanName, opts...)
	return &SpanScope{Ctx: nctx, Span: sp}
}

// WithAttrs sets attributes on the span and returns the scope for chaining
func (s *SpanScope) WithAttrs(attrs ...attribute.KeyValue) *SpanScope {
	if s != nil && s.Span != nil {
		s.Span.SetAttributes(attrs...)
	}
	return s
}

// End ends the span if present
func (s *SpanScope) End() {
	if s != nil && s.Span != nil {
		s.Span.End()
	}
}

// RecordError marks the span failed
func (s *SpanScope) RecordError(err error) {
	if s != nil && s.Span != nil && err != nil {
		s.Span.RecordError(err)
		s.Span.SetStatus(codes.Error, err.Error())
	}
}
