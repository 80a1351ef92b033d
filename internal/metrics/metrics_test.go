package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(cvrFlushes.WithLabelValues("error"))
	ObserveCVRFlush(time.Now(), errors.New("boom"))
	if got := testutil.ToFloat64(cvrFlushes.WithLabelValues("error")); got != before+1 {
		t.Errorf("Expected error flush counter %v, got %v", before+1, got)
	}

	AddStorageOps("put", 3)
	if got := testutil.ToFloat64(storageOps.WithLabelValues("put")); got < 3 {
		t.Errorf("Expected at least 3 puts, got %v", got)
	}
}
