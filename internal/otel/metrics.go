package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all relay metric instruments.
type Metrics struct {
	SessionsStarted   metric.Int64Counter
	SessionsCompleted metric.Int64Counter
	SessionsFailed    metric.Int64Counter
	RecordsAppended   metric.Int64Counter
	RepliesReceived   metric.Int64Counter
	LiveViewers       metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.SessionsStarted, err = meter.Int64Counter("taskrelay.sessions.started",
		metric.WithDescription("Sessions accepted for execution"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsCompleted, err = meter.Int64Counter("taskrelay.sessions.completed",
		metric.WithDescription("Sessions that reached COMPLETED"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsFailed, err = meter.Int64Counter("taskrelay.sessions.failed",
		metric.WithDescription("Sessions that reached ERROR"),
	)
	if err != nil {
		return nil, err
	}

	m.RecordsAppended, err = meter.Int64Counter("taskrelay.transcript.records",
		metric.WithDescription("Transcript records appended"),
	)
	if err != nil {
		return nil, err
	}

	m.RepliesReceived, err = meter.Int64Counter("taskrelay.replies.received",
		metric.WithDescription("Human replies accepted via the reply endpoint"),
	)
	if err != nil {
		return nil, err
	}

	m.LiveViewers, err = meter.Int64UpDownCounter("taskrelay.viewers.live",
		metric.WithDescription("Currently connected live-stream viewers"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
