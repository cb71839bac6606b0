package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/zhejian/url-shortener/registry"

// NewMeterProvider creates an OTel MeterProvider whose instruments are
// collected by the given Prometheus registry.
func NewMeterProvider(registry *prometheus.Registry) (*sdkmetric.MeterProvider, error) {
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(mp)
	return mp, nil
}

// Metrics holds the registry counters
type Metrics struct {
	linksCreated   metric.Int64Counter
	clicksRecorded metric.Int64Counter
	expiredLookups metric.Int64Counter
	eventsDropped  metric.Int64Counter
}

// NewMetrics creates the counters on the given meter provider
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)

	linksCreated, err := meter.Int64Counter("links_created",
		metric.WithDescription("Short links created"))
	if err != nil {
		return nil, err
	}
	clicksRecorded, err := meter.Int64Counter("link_clicks",
		metric.WithDescription("Clicks recorded on short links"))
	if err != nil {
		return nil, err
	}
	expiredLookups, err := meter.Int64Counter("link_lookups_expired",
		metric.WithDescription("Lookups that hit an expired link"))
	if err != nil {
		return nil, err
	}
	eventsDropped, err := meter.Int64Counter("eventlog_dropped",
		metric.WithDescription("Log events dropped because the queue was full"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		linksCreated:   linksCreated,
		clicksRecorded: clicksRecorded,
		expiredLookups: expiredLookups,
		eventsDropped:  eventsDropped,
	}, nil
}

// The methods below accept a nil receiver so callers can run without metrics.

func (m *Metrics) LinkCreated(ctx context.Context) {
	if m != nil {
		m.linksCreated.Add(ctx, 1)
	}
}

func (m *Metrics) ClickRecorded(ctx context.Context) {
	if m != nil {
		m.clicksRecorded.Add(ctx, 1)
	}
}

func (m *Metrics) ExpiredLookup(ctx context.Context) {
	if m != nil {
		m.expiredLookups.Add(ctx, 1)
	}
}

// Dropped implements eventlog.DropCounter
func (m *Metrics) Dropped(ctx context.Context) {
	if m != nil {
		m.eventsDropped.Add(ctx, 1)
	}
}
