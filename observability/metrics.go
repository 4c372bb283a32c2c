// Package observability records pixeldump's runtime metrics (frame decode
// latency, calibration failures, identity scan cost) into a SQLite
// timeseries table.
//
// Persistence is asynchronous: Record appends to a buffer that a background
// goroutine flushes in batches. A full buffer is flushed inline; a failing
// flush is logged and the batch dropped, never pushed back on the caller.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Metric names recorded by pixeldump.
const (
	MetricFrameDecodeMs     = "frame_decode_ms"
	MetricFrameErrors       = "frame_errors"
	MetricCalibrations      = "calibrations"
	MetricIdentityScanMs    = "identity_scan_ms"
	MetricIdentityLibrary   = "identity_library_size"
	MetricIdentityApprox    = "identity_approximate_matches"
	MetricIdentityStoreFail = "identity_store_failures"
)

// Names lists every metric above.
var Names = []string{
	MetricFrameDecodeMs,
	MetricFrameErrors,
	MetricCalibrations,
	MetricIdentityScanMs,
	MetricIdentityLibrary,
	MetricIdentityApprox,
	MetricIdentityStoreFail,
}

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string            `json:"name"`
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Unit      string            `json:"unit"`
}

// Summary aggregates one metric over a window.
type Summary struct {
	Name  string  `json:"name"`
	Count int64   `json:"count"`
	Avg   float64 `json:"avg"`
	Max   float64 `json:"max"`
}

// MetricsManager buffers metrics and flushes them to SQLite in batches.
type MetricsManager struct {
	db            *sql.DB
	bufferSize    int
	flushInterval time.Duration
	logger        *slog.Logger

	mu     sync.Mutex
	buffer []*Metric

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewMetricsManager starts a manager flushing every flushInterval or every
// bufferSize datapoints, whichever comes first. Defaults: 100 and 5s.
func NewMetricsManager(db *sql.DB, bufferSize int, flushInterval time.Duration, logger *slog.Logger) *MetricsManager {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	mm := &MetricsManager{
		db:            db,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		logger:        logger,
		buffer:        make([]*Metric, 0, bufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go mm.flushLoop()
	return mm
}

// Record queues a metric. A zero Timestamp means now.
func (mm *MetricsManager) Record(m *Metric) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.buffer = append(mm.buffer, m)
	if len(mm.buffer) >= mm.bufferSize {
		mm.flushLocked()
	}
}

// RecordSimple queues a metric without labels.
func (mm *MetricsManager) RecordSimple(name string, value float64, unit string) {
	mm.Record(&Metric{Name: name, Value: value, Unit: unit})
}

// RecordDuration queues d in milliseconds.
func (mm *MetricsManager) RecordDuration(name string, d time.Duration) {
	mm.RecordSimple(name, float64(d.Microseconds())/1000, "milliseconds")
}

// Flush writes the buffer now.
func (mm *MetricsManager) Flush() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.flushLocked()
}

// Query returns the latest datapoints of name (all names when empty) at or
// after since, newest first.
func (mm *MetricsManager) Query(ctx context.Context, name string, since time.Time, limit int) ([]*Metric, error) {
	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries WHERE timestamp >= ?"
	args := []any{since.Unix()}
	if name != "" {
		q += " AND metric_name = ?"
		args = append(args, name)
	}
	q += " ORDER BY timestamp DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := mm.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var (
			m      Metric
			ts     int64
			labels sql.NullString
			unit   sql.NullString
		)
		if err := rows.Scan(&m.Name, &ts, &m.Value, &labels, &unit); err != nil {
			return nil, fmt.Errorf("observability: scan metric: %w", err)
		}
		m.Timestamp = time.Unix(ts, 0)
		m.Unit = unit.String
		if labels.Valid {
			json.Unmarshal([]byte(labels.String), &m.Labels)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Summarize aggregates name since the given time.
func (mm *MetricsManager) Summarize(ctx context.Context, name string, since time.Time) (Summary, error) {
	s := Summary{Name: name}
	err := mm.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(AVG(value), 0), COALESCE(MAX(value), 0)
		FROM metrics_timeseries WHERE metric_name = ? AND timestamp >= ?`,
		name, since.Unix()).Scan(&s.Count, &s.Avg, &s.Max)
	if err != nil {
		return Summary{}, fmt.Errorf("observability: summarize %s: %w", name, err)
	}
	return s, nil
}

// Cleanup deletes datapoints older than retention and returns the count.
func (mm *MetricsManager) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := mm.db.ExecContext(ctx, "DELETE FROM metrics_timeseries WHERE timestamp < ?",
		time.Now().Add(-retention).Unix())
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup metrics: %w", err)
	}
	return res.RowsAffected()
}

// Close flushes remaining metrics and stops the background goroutine.
func (mm *MetricsManager) Close() error {
	mm.once.Do(func() { close(mm.stop) })
	<-mm.done
	return nil
}

func (mm *MetricsManager) flushLoop() {
	defer close(mm.done)
	ticker := time.NewTicker(mm.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-mm.stop:
			mm.Flush()
			return
		case <-ticker.C:
			mm.Flush()
		}
	}
}

func (mm *MetricsManager) flushLocked() {
	if len(mm.buffer) == 0 {
		return
	}
	batch := mm.buffer
	mm.buffer = make([]*Metric, 0, mm.bufferSize)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := func() error {
		tx, err := mm.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, m := range batch {
			var labels sql.NullString
			if len(m.Labels) > 0 {
				if b, err := json.Marshal(m.Labels); err == nil {
					labels = sql.NullString{String: string(b), Valid: true}
				}
			}
			if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.Unix(), m.Value, labels, m.Unit); err != nil {
				return err
			}
		}
		return tx.Commit()
	}()
	if err != nil {
		mm.logger.Error("observability: flush metrics", "error", err, "dropped", len(batch))
	}
}
