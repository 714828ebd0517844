package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/zap"
)

type Metrics struct {
	ActiveConnections prometheus.Gauge
	ActiveRooms       prometheus.Gauge
	MessagesIn        *prometheus.CounterVec
	CommandReject     *prometheus.CounterVec
	LaggingDropped    prometheus.Counter
	RacesStarted      prometheus.Counter
	RacesFinished     prometheus.Counter
	BroadcastDepth    prometheus.Observer
}

func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer.(*prometheus.Registry)
	}
	return &Metrics{
		ActiveConnections: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "ws_active_connections",
			Help: "Number of active websocket connections",
		}),
		ActiveRooms: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "rooms_active",
			Help: "Number of live race rooms",
		}),
		MessagesIn: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "client_messages_total",
			Help: "Inbound client messages by type",
		}, []string{"type"}),
		CommandReject: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "command_reject_total",
			Help: "Rejected client commands by reason",
		}, []string{"reason"}),
		LaggingDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "subscribers_dropped_total",
			Help: "Subscribers dropped for lagging behind the broadcast bus",
		}),
		RacesStarted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "races_started_total",
			Help: "Races that reached the racing state",
		}),
		RacesFinished: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "races_finished_total",
			Help: "Races in which every player finished",
		}),
		BroadcastDepth: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "broadcast_queue_depth",
			Help:    "Subscriber queue depth at publish time",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),
	}
}

func SetupTracerProvider(ctx context.Context, serviceName string, stdout bool, logger *zap.Logger) (*sdktrace.TracerProvider, error) {
	var exporter *stdouttrace.Exporter
	var err error
	if stdout {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
	}

	rs := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(rs),
	)
	if exporter != nil {
		tp.RegisterSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter))
	}
	otel.SetTracerProvider(tp)
	logger.Info("tracer initialized")
	return tp, nil
}

func SetupLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	return cfg.Build()
}
