// Package watch polls a SQLite database for a change token and runs an
// action once the token has settled. pixeldump uses it to pick up title
// edits made by another process (a second instance, or a manual sqlite3
// session) without restarting.
//
//	w := watch.New(db, watch.Options{Interval: time.Second, Debounce: 500 * time.Millisecond})
//	go w.OnChange(ctx, func() error { return resolver.Reload(ctx) })
package watch

import (
	"context"
	"database/sql"
	"log/slog"
	"sync/atomic"
	"time"
)

// ChangeDetector reads a version token. Two different values mean
// "something changed".
type ChangeDetector func(ctx context.Context, db *sql.DB) (int64, error)

// Options tunes the watcher behaviour.
type Options struct {
	// Interval is the polling frequency. Default: 1s.
	Interval time.Duration
	// Debounce is the quiet period after a change before the action fires.
	// Further changes during the window restart it. 0 fires immediately.
	Debounce time.Duration
	// Detector defaults to PragmaDataVersion.
	Detector ChangeDetector
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Detector == nil {
		o.Detector = PragmaDataVersion
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher polls one database. It is safe for concurrent use.
type Watcher struct {
	db   *sql.DB
	opts Options

	version atomic.Int64

	checks  atomic.Int64
	changes atomic.Int64
	errors  atomic.Int64
	reloads atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Checks          int64 `json:"checks"`
	ChangesDetected int64 `json:"changes_detected"`
	Errors          int64 `json:"errors"`
	Reloads         int64 `json:"reloads"`
}

// New creates a Watcher. Call OnChange to start the loop.
func New(db *sql.DB, opts Options) *Watcher {
	opts.defaults()
	return &Watcher{db: db, opts: opts}
}

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		Checks:          w.checks.Load(),
		ChangesDetected: w.changes.Load(),
		Errors:          w.errors.Load(),
		Reloads:         w.reloads.Load(),
	}
}

// Version returns the last version token processed successfully.
func (w *Watcher) Version() int64 { return w.version.Load() }

// OnChange blocks until ctx is cancelled. When the token changes and stays
// put for the debounce window, action runs. A failing action leaves the
// version unchanged so the next poll retries it.
func (w *Watcher) OnChange(ctx context.Context, action func() error) {
	log := w.opts.Logger

	if v, err := w.opts.Detector(ctx, w.db); err != nil {
		log.Warn("watch: initial version check failed", "error", err)
	} else {
		w.version.Store(v)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceCh <-chan time.Time
	pending := int64(-1)

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case <-ticker.C:
			w.checks.Add(1)
			cur, err := w.opts.Detector(ctx, w.db)
			if err != nil {
				w.errors.Add(1)
				log.Warn("watch: version check failed", "error", err)
				continue
			}
			if cur == w.version.Load() || cur == pending {
				continue
			}
			w.changes.Add(1)
			pending = cur
			if w.opts.Debounce <= 0 {
				w.fire(action, pending)
				pending = -1
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.opts.Debounce)
			debounceCh = debounce.C

		case <-debounceCh:
			debounceCh = nil
			if pending >= 0 {
				w.fire(action, pending)
				pending = -1
			}
		}
	}
}

func (w *Watcher) fire(action func() error, ver int64) {
	start := time.Now()
	if err := action(); err != nil {
		w.errors.Add(1)
		w.opts.Logger.Error("watch: reload failed", "error", err, "version", ver)
		return
	}
	w.reloads.Add(1)
	w.version.Store(ver)
	w.opts.Logger.Info("watch: reloaded", "version", ver, "duration", time.Since(start))
}

// PragmaDataVersion reads PRAGMA data_version, which moves when another
// connection commits to the same database file.
func PragmaDataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

// QueryDetector returns a detector reading a single integer from query.
func QueryDetector(query string) ChangeDetector {
	return func(ctx context.Context, db *sql.DB) (int64, error) {
		var v int64
		err := db.QueryRowContext(ctx, query).Scan(&v)
		return v, err
	}
}
