package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	return sink, reg
}

func getMetricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			matched := true
			for k, v := range labels {
				found := false
				for _, lp := range m.GetLabel() {
					if lp.GetName() == k && lp.GetValue() == v {
						found = true
						break
					}
				}
				if !found {
					matched = false
					break
				}
			}
			if !matched {
				continue
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			if m.GetGauge() != nil {
				return m.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func TestSessionMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.SessionOpened()
	sink.SessionOpened()
	sink.SessionClosed("ping_timeout")

	if v := getMetricValue(t, reg, "easygrid_sessions_opened_total", nil); v != 2 {
		t.Errorf("sessions opened = %v, want 2", v)
	}
	if v := getMetricValue(t, reg, "easygrid_sessions_connected", nil); v != 1 {
		t.Errorf("sessions connected = %v, want 1", v)
	}
	if v := getMetricValue(t, reg, "easygrid_sessions_closed_total", map[string]string{"reason": "ping_timeout"}); v != 1 {
		t.Errorf("sessions closed = %v, want 1", v)
	}
}

func TestDispatchAttemptMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.DispatchAttemptCompleted(1, StatusClassTimeout, 2*time.Second)
	sink.DispatchAttemptCompleted(2, StatusClassOK, time.Second)

	v := getMetricValue(t, reg, "easygrid_dispatch_attempts_total", map[string]string{
		"attempt": "1", "status_class": StatusClassTimeout,
	})
	if v != 1 {
		t.Errorf("attempt 1 timeout = %v, want 1", v)
	}
}

func TestExecutionOutcomeMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.ExecutionOutcome(OutcomeSucceeded)
	sink.ExecutionOutcome(OutcomeSucceeded)
	sink.ExecutionOutcome(OutcomeFailed)

	if v := getMetricValue(t, reg, "easygrid_execution_outcomes_total", map[string]string{"outcome": OutcomeSucceeded}); v != 2 {
		t.Errorf("succeeded = %v, want 2", v)
	}
}

func TestDuplicateRegistrationIsNonFatal(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPrometheusSink(reg)
	// Second sink against the same registry hits AlreadyRegisteredError
	// for every collector; it must not panic.
	sink := NewPrometheusSink(reg)
	sink.SessionOpened()
}
