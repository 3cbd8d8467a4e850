package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsIsSingleton(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()
	if a != b {
		t.Fatal("NewMetrics should return the same instance")
	}
}

func TestObserveStorage(t *testing.T) {
	m := NewMetrics()
	before := testutil.ToFloat64(m.StorageOperationTotal.WithLabelValues("test_op", "error"))
	m.ObserveStorage("test_op", time.Now(), errors.New("boom"))
	after := testutil.ToFloat64(m.StorageOperationTotal.WithLabelValues("test_op", "error"))
	if after != before+1 {
		t.Fatalf("expected error counter to advance by 1, got %v -> %v", before, after)
	}

	var nilMetrics *Metrics
	nilMetrics.ObserveStorage("test_op", time.Now(), nil)
}
