// Package identity turns block fingerprints into icon titles.
//
// Lookup runs in tiers: the exact hash index (persisted corrections and
// seeds), then the session's unresolved set, then a cosine-similarity scan
// over every stored raster. A scan hit above the threshold is persisted as
// an approximate title so the next sighting takes the exact path.
//
// All writers (manual labels, automatic approximate inserts, edits,
// deletes, reloads) are serialized by one mutex; exact lookups only take a
// read lock and never wait on a similarity scan.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/pixeldump/dbopen"
	"github.com/hazyhaar/pixeldump/identity/internal/store"
	"github.com/hazyhaar/pixeldump/idgen"
	"github.com/hazyhaar/pixeldump/observability"
	"github.com/hazyhaar/pixeldump/palette"
	"github.com/hazyhaar/pixeldump/pixel"
	"github.com/hazyhaar/pixeldump/watch"
)

// Similarity threshold bounds.
const (
	DefaultThreshold = 0.995
	MinThreshold     = 0.980
	MaxThreshold     = 0.999
)

// Match types.
const (
	MatchManual      = store.MatchManual
	MatchApproximate = store.MatchApproximate
)

// Record is a persisted title.
type Record = store.Title

// Store is the persistence the resolver writes through.
type Store interface {
	UpsertTitle(ctx context.Context, t *store.Title) (string, error)
	UpdateTitle(ctx context.Context, id, title, matchType string) (bool, error)
	DeleteTitle(ctx context.Context, id string) (bool, error)
	GetTitle(ctx context.Context, id string) (*store.Title, error)
	GetTitleByHash(ctx context.Context, hash string) (*store.Title, error)
	ListTitles(ctx context.Context, matchType string) ([]*store.Title, error)
	CountByMatchType(ctx context.Context) (map[string]int, error)
	Revision(ctx context.Context) (int64, error)
}

// Metrics receives scan measurements.
type Metrics interface {
	RecordSimple(name string, value float64, unit string)
	RecordDuration(name string, d time.Duration)
}

// Options configures a Resolver.
type Options struct {
	// Threshold defaults to DefaultThreshold and is clamped to
	// [MinThreshold, MaxThreshold].
	Threshold float64
	BlockSize int
	// Tables provides seed titles and the footnote category table.
	Tables *palette.Tables
	// ScanBudget logs a warning when one similarity scan exceeds it.
	// Default: 5ms.
	ScanBudget time.Duration
	// WriteTimeout bounds the store write of an automatic approximate
	// match. Default: 2s.
	WriteTimeout time.Duration
	Metrics      Metrics
	Logger       *slog.Logger
	NewID        idgen.Generator
}

func (o *Options) defaults() {
	if o.Threshold == 0 {
		o.Threshold = DefaultThreshold
	}
	o.Threshold = ClampThreshold(o.Threshold)
	if o.BlockSize == 0 {
		o.BlockSize = pixel.DefaultBlockSize
	}
	if o.Tables == nil {
		o.Tables = palette.Empty()
	}
	if o.ScanBudget <= 0 {
		o.ScanBudget = 5 * time.Millisecond
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.NewID == nil {
		o.NewID = idgen.Prefixed("ttl_", idgen.Default)
	}
}

// ClampThreshold bounds v to [MinThreshold, MaxThreshold].
func ClampThreshold(v float64) float64 {
	return min(max(v, MinThreshold), MaxThreshold)
}

// UnresolvedEntry is a hash seen this session without a title.
type UnresolvedEntry struct {
	Hash      string    `json:"hash"`
	Full      []byte    `json:"full"`
	Middle    []byte    `json:"middle"`
	Candidate string    `json:"candidate"`
	Score     float64   `json:"score"`
	SeenAt    time.Time `json:"seen_at"`
}

// ApproximateMatch is one automatic hash→title binding made this session.
type ApproximateMatch struct {
	Hash      string    `json:"hash"`
	Title     string    `json:"title"`
	MatchedID string    `json:"matched_id"`
	Score     float64   `json:"score"`
	At        time.Time `json:"at"`
}

type scanEntry struct {
	id     string
	title  string
	middle []byte
}

// Resolver is the identity cache. Create it with New or Open.
type Resolver struct {
	store Store
	db    *sql.DB
	opts  Options
	log   *slog.Logger

	writeMu sync.Mutex

	mu         sync.RWMutex
	threshold  float64
	byHash     map[string]*store.Title
	byID       map[string]*store.Title
	scan       []scanEntry
	unresolved map[string]*UnresolvedEntry
	approx     []ApproximateMatch
	pending    map[string]*store.Title
	scans      int64
	rev        int64

	watcher atomic.Pointer[watch.Watcher]
}

// New loads every stored title from st and returns a ready Resolver.
func New(ctx context.Context, st Store, opts Options) (*Resolver, error) {
	opts.defaults()
	r := &Resolver{
		store:      st,
		opts:       opts,
		log:        opts.Logger,
		threshold:  opts.Threshold,
		unresolved: map[string]*UnresolvedEntry{},
		pending:    map[string]*store.Title{},
	}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Open opens the SQLite title store at path and returns a Resolver over it.
// Close releases the database.
func Open(ctx context.Context, path string, opts Options, dbOpts ...dbopen.Option) (*Resolver, error) {
	st, err := store.Open(path, dbOpts...)
	if err != nil {
		return nil, fmt.Errorf("identity: open store: %w", err)
	}
	r, err := New(ctx, st, opts)
	if err != nil {
		st.Close()
		return nil, err
	}
	r.db = st.DB
	return r, nil
}

// Close closes the database opened by Open. It is a no-op otherwise.
func (r *Resolver) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Title implements pixel.TitleResolver. It returns the title bound to hash,
// or hash itself when no stored raster is similar enough.
func (r *Resolver) Title(hash string, middle, full []byte) string {
	if title, ok, _ := r.lookup(hash); ok {
		return title
	} else if _, seen := r.unresolvedHit(hash); seen {
		return hash
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	// Another writer may have settled this hash while we waited.
	if title, ok, _ := r.lookup(hash); ok {
		return title
	}
	if _, seen := r.unresolvedHit(hash); seen {
		return hash
	}

	best, score := r.bestMatch(middle)
	r.mu.RLock()
	threshold := r.threshold
	r.mu.RUnlock()

	if best != nil && score >= threshold {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
		defer cancel()
		rec, err := r.upsertLocked(ctx, hash, full, best.title, MatchApproximate)
		if err != nil && !errors.Is(err, ErrStore) {
			r.log.Error("identity: approximate insert failed", "hash", hash, "error", err)
			return hash
		}
		r.mu.Lock()
		r.approx = append(r.approx, ApproximateMatch{
			Hash: hash, Title: best.title, MatchedID: best.id, Score: score, At: time.Now(),
		})
		r.mu.Unlock()
		if r.opts.Metrics != nil {
			r.opts.Metrics.RecordSimple(observability.MetricIdentityApprox, 1, "count")
		}
		r.log.Info("identity: approximate match", "hash", hash, "title", rec.Title, "score", score)
		return rec.Title
	}

	e := &UnresolvedEntry{
		Hash:   hash,
		Full:   slices.Clone(full),
		Middle: slices.Clone(middle),
		Score:  score,
		SeenAt: time.Now(),
	}
	if best != nil {
		e.Candidate = best.title
	}
	r.mu.Lock()
	r.unresolved[hash] = e
	r.mu.Unlock()
	r.log.Debug("identity: unresolved", "hash", hash, "candidate", e.Candidate, "score", score)
	return hash
}

// lookup checks the exact index, then the seeds.
func (r *Resolver) lookup(hash string) (title string, ok bool, seeded bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, hit := r.byHash[hash]; hit {
		return t.Title, true, false
	}
	if s, hit := r.opts.Tables.Seed(hash); hit {
		return s, true, true
	}
	return "", false, false
}

func (r *Resolver) unresolvedHit(hash string) (*UnresolvedEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.unresolved[hash]
	return e, ok
}

// bestMatch scans every stored raster. The caller holds writeMu, which
// keeps r.scan stable.
func (r *Resolver) bestMatch(middle []byte) (*scanEntry, float64) {
	start := time.Now()
	var best *scanEntry
	bestScore := 0.0
	for i := range r.scan {
		if s := Cosine(middle, r.scan[i].middle); best == nil || s > bestScore {
			best, bestScore = &r.scan[i], s
		}
	}
	elapsed := time.Since(start)

	r.mu.Lock()
	r.scans++
	r.mu.Unlock()
	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordDuration(observability.MetricIdentityScanMs, elapsed)
		r.opts.Metrics.RecordSimple(observability.MetricIdentityLibrary, float64(len(r.scan)), "count")
	}
	if elapsed > r.opts.ScanBudget {
		r.log.Warn("identity: similarity scan over budget",
			"duration", elapsed, "budget", r.opts.ScanBudget, "library", len(r.scan))
	}
	return best, bestScore
}

// upsertLocked writes a title for hash and updates every index. On a store
// failure the record is kept in memory, queued for RetryPending and a
// *StoreError with Deferred set is returned alongside the record. The
// caller holds writeMu.
func (r *Resolver) upsertLocked(ctx context.Context, hash string, full []byte, title, matchType string) (*store.Title, error) {
	middle, err := pixel.MiddleOf(full, r.opts.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	rec := &store.Title{
		ID:        r.opts.NewID(),
		Full:      slices.Clone(full),
		BlockSize: r.opts.BlockSize,
		Hash:      hash,
		Title:     title,
		MatchType: matchType,
		Footnote:  r.footnote(full),
	}
	r.mu.RLock()
	if prev, ok := r.byHash[hash]; ok {
		rec.ID, rec.CreatedAt = prev.ID, prev.CreatedAt
	}
	r.mu.RUnlock()

	var storeErr error
	id, err := r.store.UpsertTitle(ctx, rec)
	if err != nil {
		storeErr = &StoreError{Op: "upsert", Hash: hash, Deferred: true, Err: err}
		r.log.Warn("identity: store write failed, serving from memory", "hash", hash, "error", err)
		if r.opts.Metrics != nil {
			r.opts.Metrics.RecordSimple(observability.MetricIdentityStoreFail, 1, "count")
		}
	} else {
		rec.ID = id
		r.refreshRevision(ctx, 1)
	}

	r.mu.Lock()
	r.indexLocked(rec, middle)
	delete(r.unresolved, hash)
	if storeErr != nil {
		r.pending[hash] = rec
	} else {
		delete(r.pending, hash)
	}
	r.mu.Unlock()
	return rec, storeErr
}

// indexLocked inserts or replaces rec in every index. The caller holds mu.
func (r *Resolver) indexLocked(rec *store.Title, middle []byte) {
	if prev, ok := r.byHash[rec.Hash]; ok && prev.ID != rec.ID {
		delete(r.byID, prev.ID)
		r.dropScanLocked(prev.ID)
	}
	r.byHash[rec.Hash] = rec
	r.byID[rec.ID] = rec
	for i := range r.scan {
		if r.scan[i].id == rec.ID {
			r.scan[i] = scanEntry{id: rec.ID, title: rec.Title, middle: middle}
			return
		}
	}
	r.scan = append(r.scan, scanEntry{id: rec.ID, title: rec.Title, middle: middle})
}

func (r *Resolver) dropScanLocked(id string) {
	r.scan = slices.DeleteFunc(r.scan, func(e scanEntry) bool { return e.id == id })
}

func (r *Resolver) footnote(full []byte) string {
	b, err := pixel.BlockFromRaster(full, r.opts.BlockSize)
	if err != nil {
		return r.opts.Tables.IconType.LookupKey("")
	}
	c, err := b.Footnote().Color()
	if err != nil {
		return r.opts.Tables.IconType.LookupKey("")
	}
	return r.opts.Tables.IconType.Lookup(c)
}

// refreshRevision advances the known store revision past the writes this
// resolver just committed. When the store moved by any other amount another
// writer got in between, and r.rev is left behind so SyncIfChanged reloads.
func (r *Resolver) refreshRevision(ctx context.Context, writes int64) {
	rev, err := r.store.Revision(ctx)
	if err != nil {
		return
	}
	r.mu.Lock()
	if rev == r.rev+writes {
		r.rev = rev
	}
	r.mu.Unlock()
}

// NewTitle is a manual labelling request. Full may be omitted when Hash is
// currently unresolved or already stored; its raster is reused.
type NewTitle struct {
	Hash  string `json:"hash,omitempty"`
	Full  []byte `json:"full,omitempty"`
	Title string `json:"title"`
}

// AddTitle stores a manual title, overwriting any title under the same
// hash, and clears the hash from the unresolved set. When the store is
// unavailable the title still takes effect in memory and a *StoreError
// with Deferred set is returned.
func (r *Resolver) AddTitle(ctx context.Context, in NewTitle) (Record, error) {
	if in.Title == "" {
		return Record{}, fmt.Errorf("%w: empty title", ErrInvalid)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	full := in.Full
	if len(full) == 0 {
		r.mu.RLock()
		if e, ok := r.unresolved[in.Hash]; ok {
			full = e.Full
		} else if t, ok := r.byHash[in.Hash]; ok {
			full = t.Full
		}
		r.mu.RUnlock()
		if len(full) == 0 {
			return Record{}, fmt.Errorf("%w: no raster for hash %q", ErrNotFound, in.Hash)
		}
	}

	middle, err := pixel.MiddleOf(full, r.opts.BlockSize)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	hash := pixel.Hash(middle)
	if in.Hash != "" && in.Hash != hash {
		return Record{}, fmt.Errorf("%w: raster hashes to %s, not %s", ErrInvalid, hash, in.Hash)
	}

	rec, err := r.upsertLocked(ctx, hash, full, in.Title, MatchManual)
	if rec == nil {
		return Record{}, err
	}
	r.log.Info("identity: title added", "hash", hash, "title", in.Title, "id", rec.ID)
	return *rec, err
}

// UpdateTitle relabels the record with id and marks it manual.
func (r *Resolver) UpdateTitle(ctx context.Context, id, title string) (Record, error) {
	if title == "" {
		return Record{}, fmt.Errorf("%w: empty title", ErrInvalid)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.RLock()
	rec, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return Record{}, fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	if err := r.flushPendingLocked(ctx); err != nil {
		return Record{}, err
	}
	// The flush may have moved a pending record onto an existing row id.
	r.mu.RLock()
	rec, ok = r.byHash[rec.Hash]
	r.mu.RUnlock()
	if !ok {
		return Record{}, fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	id = rec.ID

	found, err := r.store.UpdateTitle(ctx, id, title, MatchManual)
	if err != nil {
		return Record{}, &StoreError{Op: "update", Hash: rec.Hash, Err: err}
	}
	if !found {
		return Record{}, fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	r.refreshRevision(ctx, 1)

	updated := *rec
	updated.Title = title
	updated.MatchType = MatchManual
	updated.UpdatedAt = time.Now().UnixMilli()
	if stored, err := r.store.GetTitle(ctx, id); err == nil && stored != nil {
		updated = *stored
	}

	r.mu.Lock()
	r.byHash[rec.Hash] = &updated
	r.byID[id] = &updated
	for i := range r.scan {
		if r.scan[i].id == id {
			r.scan[i].title = title
		}
	}
	r.mu.Unlock()
	return updated, nil
}

// DeleteTitle removes the record with id.
func (r *Resolver) DeleteTitle(ctx context.Context, id string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.RLock()
	rec, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: id %s", ErrNotFound, id)
	}

	// A record still waiting for RetryPending may shadow an older row for
	// the same hash under another id; both go.
	found, err := r.store.DeleteTitle(ctx, id)
	if err != nil {
		return &StoreError{Op: "delete", Hash: rec.Hash, Err: err}
	}
	var writes int64
	if found {
		writes++
	} else {
		row, err := r.store.GetTitleByHash(ctx, rec.Hash)
		if err != nil {
			return &StoreError{Op: "delete", Hash: rec.Hash, Err: err}
		}
		if row != nil {
			if _, err := r.store.DeleteTitle(ctx, row.ID); err != nil {
				return &StoreError{Op: "delete", Hash: rec.Hash, Err: err}
			}
			writes++
		}
	}
	r.refreshRevision(ctx, writes)

	r.mu.Lock()
	delete(r.byID, id)
	delete(r.byHash, rec.Hash)
	delete(r.pending, rec.Hash)
	r.dropScanLocked(id)
	r.mu.Unlock()
	r.log.Info("identity: title deleted", "hash", rec.Hash, "id", id)
	return nil
}

// RetryPending writes records whose earlier persistence failed. It returns
// the number still pending.
func (r *Resolver) RetryPending(ctx context.Context) (int, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	err := r.flushPendingLocked(ctx)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending), err
}

func (r *Resolver) flushPendingLocked(ctx context.Context) error {
	r.mu.RLock()
	queued := make([]*store.Title, 0, len(r.pending))
	for _, rec := range r.pending {
		queued = append(queued, rec)
	}
	r.mu.RUnlock()
	if len(queued) == 0 {
		return nil
	}

	for _, rec := range queued {
		id, err := r.store.UpsertTitle(ctx, rec)
		if err != nil {
			return &StoreError{Op: "retry", Hash: rec.Hash, Err: err}
		}
		r.mu.Lock()
		if id != rec.ID {
			// The row existed already, possibly written by another process.
			delete(r.byID, rec.ID)
			for i := range r.scan {
				if r.scan[i].id == rec.ID {
					r.scan[i].id = id
				}
			}
			rec.ID = id
			r.byID[id] = rec
		}
		delete(r.pending, rec.Hash)
		r.mu.Unlock()
		r.log.Info("identity: deferred write persisted", "hash", rec.Hash, "id", id)
	}
	r.refreshRevision(ctx, int64(len(queued)))
	return nil
}

// Reload rebuilds the indexes from the store. Records still waiting for
// RetryPending are kept and win over the stored row for their hash, and
// unresolved hashes that now have a title leave
// the unresolved set.
func (r *Resolver) Reload(ctx context.Context) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.reloadLocked(ctx)
}

func (r *Resolver) reloadLocked(ctx context.Context) error {
	// Read the revision first: a write landing in between makes the next
	// SyncIfChanged reload again instead of being missed.
	rev, _ := r.store.Revision(ctx)
	rows, err := r.store.ListTitles(ctx, "")
	if err != nil {
		return &StoreError{Op: "load", Err: err}
	}

	byHash := make(map[string]*store.Title, len(rows))
	byID := make(map[string]*store.Title, len(rows))
	scan := make([]scanEntry, 0, len(rows))
	add := func(t *store.Title) {
		middle, err := pixel.MiddleOf(t.Full, t.BlockSize)
		if err != nil {
			r.log.Warn("identity: skipping malformed raster", "id", t.ID, "hash", t.Hash, "error", err)
			return
		}
		byHash[t.Hash] = t
		byID[t.ID] = t
		scan = append(scan, scanEntry{id: t.ID, title: t.Title, middle: middle})
	}
	for _, t := range rows {
		add(t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for h, t := range r.pending {
		if old, ok := byHash[h]; ok {
			delete(byID, old.ID)
			scan = slices.DeleteFunc(scan, func(e scanEntry) bool { return e.id == old.ID })
		}
		add(t)
	}
	for h := range r.unresolved {
		if _, ok := byHash[h]; ok {
			delete(r.unresolved, h)
		}
	}
	r.byHash, r.byID, r.scan, r.rev = byHash, byID, scan, rev
	return nil
}

// SyncIfChanged reloads when the store revision differs from the last one
// this resolver wrote or loaded.
func (r *Resolver) SyncIfChanged(ctx context.Context) error {
	rev, err := r.store.Revision(ctx)
	if err != nil {
		return &StoreError{Op: "revision", Err: err}
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.mu.RLock()
	same := rev == r.rev
	r.mu.RUnlock()
	if same {
		return nil
	}
	r.log.Info("identity: store changed externally, reloading", "revision", rev)
	return r.reloadLocked(ctx)
}

// Watch polls the store opened by Open and reloads on external edits until
// ctx is cancelled.
func (r *Resolver) Watch(ctx context.Context, interval time.Duration) error {
	if r.db == nil {
		return errors.New("identity: watch requires a resolver created by Open")
	}
	w := watch.New(r.db, watch.Options{
		Interval: interval,
		Debounce: interval / 2,
		Detector: watch.QueryDetector(store.RevisionQuery),
		Logger:   r.log,
	})
	r.watcher.Store(w)
	w.OnChange(ctx, func() error { return r.SyncIfChanged(ctx) })
	return nil
}

// StoredCounts returns the persisted row count per match type. It reads
// the store, so records still pending are not included.
func (r *Resolver) StoredCounts(ctx context.Context) (map[string]int, error) {
	counts, err := r.store.CountByMatchType(ctx)
	if err != nil {
		return nil, &StoreError{Op: "count", Err: err}
	}
	return counts, nil
}
