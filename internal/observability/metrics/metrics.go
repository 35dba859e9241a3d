package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	stepsCharged     metric.Int64Counter
	creditsDebited   metric.Int64Counter
	creditsAdded     metric.Int64Counter
	admissionAllowed metric.Int64Counter
	admissionDenied  metric.Int64Counter
	topUpTriggered   metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "meterd"
	}
	meter := provider.Meter(name)

	stepsCharged, err := meter.Int64Counter("meterd_steps_charged_total")
	if err != nil {
		return nil, err
	}
	creditsDebited, err := meter.Int64Counter("meterd_credits_debited_total")
	if err != nil {
		return nil, err
	}
	creditsAdded, err := meter.Int64Counter("meterd_credits_added_total")
	if err != nil {
		return nil, err
	}
	admissionAllowed, err := meter.Int64Counter("meterd_admission_allowed_total")
	if err != nil {
		return nil, err
	}
	admissionDenied, err := meter.Int64Counter("meterd_admission_denied_total")
	if err != nil {
		return nil, err
	}
	topUpTriggered, err := meter.Int64Counter("meterd_auto_topup_triggered_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		stepsCharged:     stepsCharged,
		creditsDebited:   creditsDebited,
		creditsAdded:     creditsAdded,
		admissionAllowed: admissionAllowed,
		admissionDenied:  admissionDenied,
		topUpTriggered:   topUpTriggered,
	}, nil
}

// RecordStepCharged increments step charge counts per payment path.
func (m *Metrics) RecordStepCharged(ctx context.Context, path string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("payment_path", strings.TrimSpace(path)))
	m.stepsCharged.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCreditsDebited adds debited credits by source.
func (m *Metrics) RecordCreditsDebited(ctx context.Context, source string, amount int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("source", strings.TrimSpace(source)))
	m.creditsDebited.Add(ctx, amount, metric.WithAttributes(attrs...))
}

// RecordCreditsAdded adds granted credits by source.
func (m *Metrics) RecordCreditsAdded(ctx context.Context, source string, amount int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("source", strings.TrimSpace(source)))
	m.creditsAdded.Add(ctx, amount, metric.WithAttributes(attrs...))
}

// RecordAdmissionAllowed increments admission allow counts.
func (m *Metrics) RecordAdmissionAllowed(ctx context.Context, orgID string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("org_id", strings.TrimSpace(orgID)))
	m.admissionAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordAdmissionDenied increments admission deny counts by reason.
func (m *Metrics) RecordAdmissionDenied(ctx context.Context, orgID, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("org_id", strings.TrimSpace(orgID)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.admissionDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordTopUpTriggered increments auto top-up counts.
func (m *Metrics) RecordTopUpTriggered(ctx context.Context, orgID string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("org_id", strings.TrimSpace(orgID)))
	m.topUpTriggered.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"org_id":       {},
	"org_tier":     {},
	"payment_path": {},
	"source":       {},
	"reason":       {},
	"model_tier":   {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
