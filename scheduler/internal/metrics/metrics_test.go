package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := vec.WithLabelValues(labels...).Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestObserveRPCRecordsLatencyAndSuccess(t *testing.T) {
	m := New(prometheus.NewRegistry())

	err := m.ObserveRPC("scheduler.focus_job", func() error { return nil })
	if err != nil {
		t.Fatalf("ObserveRPC returned error: %v", err)
	}
	if got := counterValue(t, m.RPCErrors, "scheduler.focus_job"); got != 0 {
		t.Errorf("RPCErrors = %v, want 0", got)
	}
}

func TestObserveRPCRecordsErrors(t *testing.T) {
	m := New(prometheus.NewRegistry())
	boom := errors.New("boom")

	err := m.ObserveRPC("scheduler.update_job", func() error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("ObserveRPC error = %v, want %v", err, boom)
	}
	if got := counterValue(t, m.RPCErrors, "scheduler.update_job"); got != 1 {
		t.Errorf("RPCErrors = %v, want 1", got)
	}
}

func TestRecordClaimOutcome(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordClaimOutcome("focused")
	m.RecordClaimOutcome("focused")
	m.RecordClaimOutcome("rejected")

	if got := counterValue(t, m.ClaimOutcomesTotal, "focused"); got != 2 {
		t.Errorf("focused count = %v, want 2", got)
	}
	if got := counterValue(t, m.ClaimOutcomesTotal, "rejected"); got != 1 {
		t.Errorf("rejected count = %v, want 1", got)
	}
}

func TestRecordJobCompleted(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordJobCompleted("succeeded")

	if got := counterValue(t, m.JobsCompletedTotal, "succeeded"); got != 1 {
		t.Errorf("succeeded count = %v, want 1", got)
	}
}
