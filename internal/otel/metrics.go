package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all zergcore metrics instruments.
type Metrics struct {
	RequestDuration    metric.Float64Histogram
	RunDuration        metric.Float64Histogram
	ToolCallDuration   metric.Float64Histogram
	ToolCallErrors     metric.Int64Counter
	ActiveRuns         metric.Int64UpDownCounter
	WorkflowNodesTotal metric.Int64Counter
	WebSocketClients   metric.Int64UpDownCounter
	TriggerFiredTotal  metric.Int64Counter
	AgentLockWaitTotal metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("zergcore.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("zergcore.run.duration",
		metric.WithDescription("Agent run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("zergcore.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("zergcore.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRuns, err = meter.Int64UpDownCounter("zergcore.run.active",
		metric.WithDescription("Number of currently in-flight agent runs"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkflowNodesTotal, err = meter.Int64Counter("zergcore.workflow.nodes",
		metric.WithDescription("Total workflow nodes executed"),
	)
	if err != nil {
		return nil, err
	}

	m.WebSocketClients, err = meter.Int64UpDownCounter("zergcore.ws.clients",
		metric.WithDescription("Number of connected WebSocket clients"),
	)
	if err != nil {
		return nil, err
	}

	m.TriggerFiredTotal, err = meter.Int64Counter("zergcore.trigger.fired",
		metric.WithDescription("Total webhook triggers accepted"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentLockWaitTotal, err = meter.Int64Counter("zergcore.agentlock.wait",
		metric.WithDescription("Total agent lock acquisitions that had to wait"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
