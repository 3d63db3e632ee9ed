package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveOpCountsByStatus(t *testing.T) {
	OpsTotal.Reset()

	ObserveOp("file", "get", time.Now(), nil)
	ObserveOp("file", "get", time.Now(), nil)
	ObserveOp("file", "get", time.Now(), errors.New("boom"))

	ok := testutil.ToFloat64(OpsTotal.WithLabelValues("file", "get", "ok"))
	if ok != 2 {
		t.Errorf("ok count = %v, want 2", ok)
	}
	failed := testutil.ToFloat64(OpsTotal.WithLabelValues("file", "get", "error"))
	if failed != 1 {
		t.Errorf("error count = %v, want 1", failed)
	}
}

func TestRecordProbeFeedsGauge(t *testing.T) {
	RecordProbe("agentcore", true, time.Millisecond, "")
	if got := testutil.ToFloat64(BackendUp.WithLabelValues("agentcore")); got != 1 {
		t.Errorf("gauge = %v, want 1", got)
	}
	RecordProbe("agentcore", false, time.Millisecond, "throttled")
	if got := testutil.ToFloat64(BackendUp.WithLabelValues("agentcore")); got != 0 {
		t.Errorf("gauge = %v, want 0", got)
	}
}
