package observability

import "database/sql"

// Schema is the DDL of the metrics store. It lives in its own database file
// so metric flushes never contend with title writes.
const Schema = `
CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_id TEXT PRIMARY KEY DEFAULT ('met_' || hex(randomblob(16))),
    metric_name TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    value REAL NOT NULL,
    labels TEXT,
    unit TEXT,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
    ON metrics_timeseries(metric_name, timestamp DESC);
`

// Init applies Schema.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
