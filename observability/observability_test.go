package observability

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/pixeldump/dbopen"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
}

func TestMetricsManager_RecordAndQuery(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour, nil)

	mm.RecordDuration(MetricFrameDecodeMs, 1500*time.Microsecond)
	mm.Record(&Metric{Name: MetricFrameErrors, Value: 1, Unit: "count", Labels: map[string]string{"kind": "calibration"}})
	if err := mm.Close(); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	got, err := mm.Query(ctx, MetricFrameDecodeMs, time.Now().Add(-time.Minute), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("Query: got %d metrics, want 1", len(got))
	}
	if got[0].Value != 1.5 || got[0].Unit != "milliseconds" {
		t.Errorf("decode metric: got %v %s, want 1.5 milliseconds", got[0].Value, got[0].Unit)
	}

	all, err := mm.Query(ctx, "", time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("Query all: got %d, want 2", len(all))
	}
	for _, m := range all {
		if m.Name == MetricFrameErrors && m.Labels["kind"] != "calibration" {
			t.Errorf("labels: got %v", m.Labels)
		}
	}
}

func TestMetricsManager_FlushOnFullBuffer(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 2, time.Hour, nil)
	defer mm.Close()

	mm.RecordSimple(MetricIdentityScanMs, 3, "milliseconds")
	mm.RecordSimple(MetricIdentityScanMs, 5, "milliseconds")

	s, err := mm.Summarize(context.Background(), MetricIdentityScanMs, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if s.Count != 2 || s.Avg != 4 || s.Max != 5 {
		t.Errorf("Summarize: got %+v", s)
	}
}

func TestMetricsManager_Cleanup(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour, nil)

	mm.Record(&Metric{Name: "old", Value: 1, Timestamp: time.Now().Add(-48 * time.Hour)})
	mm.RecordSimple("new", 1, "count")
	mm.Flush()

	n, err := mm.Cleanup(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Cleanup: removed %d, want 1", n)
	}
	mm.Close()
}

func TestInit(t *testing.T) {
	db := dbopen.OpenMemory(t)
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
	if err := Init(db); err != nil {
		t.Fatalf("Init twice: %v", err)
	}
}
