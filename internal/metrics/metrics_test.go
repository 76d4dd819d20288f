package metrics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	bolt "go.etcd.io/bbolt"
)

func TestHelpers_NoGlobal(t *testing.T) {
	SetGlobal(nil)
	// Must not panic without a global instance
	IncSends("sent")
	IncSendFailures("auth")
	ObserveSendDuration(0.5)
	IncSchedulerRuns("completed")
	IncAPIErrors("not_found")
}

func TestHelpers(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncSends("sent")
	IncSends("sent")
	IncSends("failed")
	IncSendFailures("timeout")
	IncSchedulerRuns("completed")

	if got := testutil.ToFloat64(m.SendsTotal.WithLabelValues("sent")); got != 2 {
		t.Errorf("sends{sent} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SendsTotal.WithLabelValues("failed")); got != 1 {
		t.Errorf("sends{failed} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SendFailuresTotal.WithLabelValues("timeout")); got != 1 {
		t.Errorf("send_failures{timeout} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SchedulerRunsTotal.WithLabelValues("completed")); got != 1 {
		t.Errorf("scheduler_runs{completed} = %v, want 1", got)
	}
}

type staticCounter map[string]int

func (s staticCounter) StatusCounts() map[string]int { return s }

func openDB(t *testing.T, path string) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	return db
}

func TestCollector_PersistsCounters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	db := openDB(t, path)
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	c, err := NewCollector(db, m, nil, path, time.Minute)
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	IncSends("sent")
	IncSends("sent")
	IncSendFailures("auth")
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	db.Close()

	db = openDB(t, path)
	defer db.Close()

	m2 := New()
	if _, err := NewCollector(db, m2, nil, path, time.Minute); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m2.SendsTotal.WithLabelValues("sent")); got != 2 {
		t.Errorf("restored sends{sent} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m2.SendFailuresTotal.WithLabelValues("auth")); got != 1 {
		t.Errorf("restored send_failures{auth} = %v, want 1", got)
	}
}

func TestCollector_Gauges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	db := openDB(t, path)
	defer db.Close()

	m := New()
	counts := staticCounter{"PENDING": 3, "COMPLETED": 1}
	c, err := NewCollector(db, m, counts, path, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	cancel()
	c.Stop()

	if got := testutil.ToFloat64(m.Recipients.WithLabelValues("PENDING")); got != 3 {
		t.Errorf("recipients{PENDING} = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.StorageUsedBytes); got <= 0 {
		t.Errorf("storage_used_bytes = %v, want > 0", got)
	}
}
