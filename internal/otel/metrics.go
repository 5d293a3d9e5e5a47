package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the instruments for the exporter pipeline and the gateway.
type Metrics struct {
	EventsSpooled      metric.Int64Counter
	EventsSent         metric.Int64Counter
	SendFailures       metric.Int64Counter
	SendDuration       metric.Float64Histogram
	SpoolBytes         metric.Int64UpDownCounter
	SessionsAttached   metric.Int64Counter
	WSConnections      metric.Int64UpDownCounter
	BackpressureCloses metric.Int64Counter
	WakesIssued        metric.Int64Counter
	ReconcileRuns      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsSpooled, err = meter.Int64Counter("openclaw.exporter.spooled",
		metric.WithDescription("Events appended to the spool"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsSent, err = meter.Int64Counter("openclaw.exporter.sent",
		metric.WithDescription("Events delivered to Super-Kanban"),
	)
	if err != nil {
		return nil, err
	}

	m.SendFailures, err = meter.Int64Counter("openclaw.exporter.send_failures",
		metric.WithDescription("Send attempts that armed backoff"),
	)
	if err != nil {
		return nil, err
	}

	m.SendDuration, err = meter.Float64Histogram("openclaw.exporter.send.duration",
		metric.WithDescription("Super-Kanban post duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SpoolBytes, err = meter.Int64UpDownCounter("openclaw.exporter.spool.bytes",
		metric.WithDescription("Unconsumed bytes in the spool"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsAttached, err = meter.Int64Counter("openclaw.exporter.sessions_attached",
		metric.WithDescription("Sessions attached to Super-Kanban"),
	)
	if err != nil {
		return nil, err
	}

	m.WSConnections, err = meter.Int64UpDownCounter("openclaw.gateway.connections",
		metric.WithDescription("Currently connected gateway clients"),
	)
	if err != nil {
		return nil, err
	}

	m.BackpressureCloses, err = meter.Int64Counter("openclaw.gateway.backpressure_closes",
		metric.WithDescription("Connections closed for slow consumption"),
	)
	if err != nil {
		return nil, err
	}

	m.WakesIssued, err = meter.Int64Counter("openclaw.sksync.wakes",
		metric.WithDescription("Parent wake RPCs issued"),
	)
	if err != nil {
		return nil, err
	}

	m.ReconcileRuns, err = meter.Int64Counter("openclaw.reconcile.runs",
		metric.WithDescription("Reconcile passes executed"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
