package identity

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/hazyhaar/pixeldump/pixel"
	"github.com/hazyhaar/pixeldump/watch"
)

// Get returns the record with id.
func (r *Resolver) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	if !ok {
		return Record{}, false
	}
	return *t, true
}

// Titles lists stored records, newest first. An empty matchType lists all.
func (r *Resolver) Titles(matchType string) []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.byID))
	for _, t := range r.byID {
		if matchType == "" || t.MatchType == matchType {
			out = append(out, *t)
		}
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Record) int {
		return cmp.Or(cmp.Compare(b.UpdatedAt, a.UpdatedAt), cmp.Compare(a.Hash, b.Hash))
	})
	return out
}

// Stats summarizes the resolver state.
type Stats struct {
	Total              int         `json:"total"`
	Manual             int         `json:"manual"`
	Approximate        int         `json:"approximate"`
	Seeded             int         `json:"seeded"`
	Unresolved         int         `json:"unresolved"`
	SessionApproximate int         `json:"session_approximate"`
	Pending            int         `json:"pending"`
	Threshold          float64     `json:"threshold"`
	LibrarySize        int         `json:"library_size"`
	Scans              int64       `json:"scans"`
	Revision           int64       `json:"revision"`
	Watch              *WatchStats `json:"watch,omitempty"`
}

// WatchStats reports the store watcher started by Watch.
type WatchStats struct {
	watch.Stats
	Version int64 `json:"version"`
}

// Stats returns current counters.
func (r *Resolver) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{
		Total:              len(r.byID),
		Seeded:             r.opts.Tables.SeedCount(),
		Unresolved:         len(r.unresolved),
		SessionApproximate: len(r.approx),
		Pending:            len(r.pending),
		Threshold:          r.threshold,
		LibrarySize:        len(r.scan),
		Scans:              r.scans,
		Revision:           r.rev,
	}
	if w := r.watcher.Load(); w != nil {
		s.Watch = &WatchStats{Stats: w.Stats(), Version: w.Version()}
	}
	for _, t := range r.byID {
		switch t.MatchType {
		case MatchManual:
			s.Manual++
		case MatchApproximate:
			s.Approximate++
		}
	}
	return s
}

// Unresolved lists hashes without a title, oldest sighting first.
func (r *Resolver) Unresolved() []UnresolvedEntry {
	r.mu.RLock()
	out := make([]UnresolvedEntry, 0, len(r.unresolved))
	for _, e := range r.unresolved {
		out = append(out, *e)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b UnresolvedEntry) int {
		return cmp.Or(a.SeenAt.Compare(b.SeenAt), cmp.Compare(a.Hash, b.Hash))
	})
	return out
}

// ApproximateLog lists automatic matches made since start or the last
// ClearApproximateLog.
func (r *Resolver) ApproximateLog() []ApproximateMatch {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.approx)
}

// ClearUnresolved forgets every unresolved hash. They are rescanned on
// their next sighting.
func (r *Resolver) ClearUnresolved() {
	r.mu.Lock()
	clear(r.unresolved)
	r.mu.Unlock()
}

// ClearApproximateLog empties the session match log.
func (r *Resolver) ClearApproximateLog() {
	r.mu.Lock()
	r.approx = nil
	r.mu.Unlock()
}

// SetThreshold changes the similarity threshold and returns the value in
// effect after clamping.
func (r *Resolver) SetThreshold(v float64) float64 {
	v = ClampThreshold(v)
	r.mu.Lock()
	r.threshold = v
	r.mu.Unlock()
	r.log.Info("identity: threshold changed", "threshold", v)
	return v
}

// Threshold returns the similarity threshold.
func (r *Resolver) Threshold() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.threshold
}

// exportVersion tags the JSON library format.
const exportVersion = 1

type library struct {
	Version   int      `json:"version"`
	BlockSize int      `json:"block_size"`
	Titles    []Record `json:"titles"`
}

// Export writes every stored record as JSON.
func (r *Resolver) Export(w io.Writer) error {
	lib := library{Version: exportVersion, BlockSize: r.opts.BlockSize, Titles: r.Titles("")}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(lib)
}

// ImportResult counts what Import did.
type ImportResult struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// Import merges a library written by Export. Records are keyed by hash: a
// new hash is added, a known hash with a different title or match type is
// overwritten, identical ones are skipped. Records whose raster has the
// wrong size or does not hash to the recorded hash are skipped.
func (r *Resolver) Import(ctx context.Context, in io.Reader) (ImportResult, error) {
	var lib library
	if err := json.NewDecoder(in).Decode(&lib); err != nil {
		return ImportResult{}, fmt.Errorf("%w: decode library: %v", ErrInvalid, err)
	}
	if lib.Version != exportVersion {
		return ImportResult{}, fmt.Errorf("%w: unsupported library version %d", ErrInvalid, lib.Version)
	}
	size := cmp.Or(lib.BlockSize, r.opts.BlockSize)
	if size != r.opts.BlockSize {
		return ImportResult{}, fmt.Errorf("%w: library block size %d, resolver uses %d", ErrInvalid, size, r.opts.BlockSize)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	var res ImportResult
	var deferred error
	for _, t := range lib.Titles {
		middle, err := pixel.MiddleOf(t.Full, size)
		if err != nil || t.Title == "" || pixel.Hash(middle) != t.Hash {
			r.log.Warn("identity: import skipped invalid record", "hash", t.Hash, "title", t.Title)
			res.Skipped++
			continue
		}
		mt := cmp.Or(t.MatchType, MatchManual)

		r.mu.RLock()
		prev, exists := r.byHash[t.Hash]
		r.mu.RUnlock()
		if exists && prev.Title == t.Title && prev.MatchType == mt {
			res.Skipped++
			continue
		}

		if _, err := r.upsertLocked(ctx, t.Hash, t.Full, t.Title, mt); err != nil {
			if !errors.Is(err, ErrStore) {
				return res, err
			}
			deferred = cmp.Or(deferred, err)
		}
		if exists {
			res.Updated++
		} else {
			res.Added++
		}
	}
	r.log.Info("identity: library imported", "added", res.Added, "updated", res.Updated, "skipped", res.Skipped)
	return res, deferred
}
