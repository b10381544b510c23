package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.RequestDuration == nil {
		t.Error("RequestDuration is nil")
	}
	if m.RunDuration == nil {
		t.Error("RunDuration is nil")
	}
	if m.ToolCallDuration == nil {
		t.Error("ToolCallDuration is nil")
	}
	if m.ToolCallErrors == nil {
		t.Error("ToolCallErrors is nil")
	}
	if m.ActiveRuns == nil {
		t.Error("ActiveRuns is nil")
	}
	if m.WorkflowNodesTotal == nil {
		t.Error("WorkflowNodesTotal is nil")
	}
	if m.WebSocketClients == nil {
		t.Error("WebSocketClients is nil")
	}
	if m.TriggerFiredTotal == nil {
		t.Error("TriggerFiredTotal is nil")
	}
	if m.AgentLockWaitTotal == nil {
		t.Error("AgentLockWaitTotal is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter — metrics should still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
