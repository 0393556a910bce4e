package monitor

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordExecution(t *testing.T) {
	m := NewMetrics()
	m.RecordExecution("python", "completed", 1.5, 3)
	m.RecordExecution("python", "completed", 0.5, 3)
	m.RecordExecution("python", "timed_out", 300, 0)

	if got := testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("python", "completed")); got != 2 {
		t.Errorf("completed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("python", "timed_out")); got != 1 {
		t.Errorf("timed_out = %v, want 1", got)
	}
}

func TestGaugesAndCounters(t *testing.T) {
	m := NewMetrics()
	m.ExecutionStarted()
	m.ExecutionStarted()
	m.ExecutionFinished()
	m.RecordPull(false)
	m.RecordDelivery("output", "dropped")
	m.RecordRejected("unsupported_language")
	m.RecordFlush()

	if got := testutil.ToFloat64(m.ActiveExecutions); got != 1 {
		t.Errorf("ActiveExecutions = %v", got)
	}
	if got := testutil.ToFloat64(m.ImagePulls.WithLabelValues("failure")); got != 1 {
		t.Errorf("ImagePulls failure = %v", got)
	}
	if got := testutil.ToFloat64(m.Deliveries.WithLabelValues("output", "dropped")); got != 1 {
		t.Errorf("dropped deliveries = %v", got)
	}
	if got := testutil.ToFloat64(m.OutputFlushes); got != 1 {
		t.Errorf("OutputFlushes = %v", got)
	}
}

func TestNilReceiversAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordExecution("c", "errored", 1, 1)
	m.RecordPull(true)
	m.ExecutionStarted()
	m.ConnectionOpened()

	var tr *Tracer
	ctx, span := tr.StartSpan(context.Background(), "execute")
	span.End()
	if ctx == nil {
		t.Fatal("nil context")
	}
}
