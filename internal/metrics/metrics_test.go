package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestRegisterIsIdempotent(t *testing.T) {
	r := prometheus.NewRegistry()
	if err := Register(r); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := Register(r); err != nil {
		t.Fatalf("second Register should no-op, got: %v", err)
	}
}

func TestSettersNoopBeforeRegister(t *testing.T) {
	regOK.Store(false)
	// Must not panic even though nothing is registered yet.
	IncChildStart("web")
	SetChildState("web", "running", true)
	SetTimerHeapDepth(3)
}

func TestSetChildStateRecordsActiveValue(t *testing.T) {
	r := prometheus.NewRegistry()
	if err := Register(r); err != nil {
		t.Fatalf("Register: %v", err)
	}
	SetChildState("web", "running", true)
	metric, err := childState.GetMetricWithLabelValues("web", "running")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues: %v", err)
	}
	var m prometheusMetric
	if err := metric.(prometheus.Metric).Write(&m.pb); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if m.pb.GetGauge().GetValue() != 1 {
		t.Fatalf("expected gauge value 1, got %v", m.pb.GetGauge().GetValue())
	}
}

type prometheusMetric struct{ pb dto.Metric }
