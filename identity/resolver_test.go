package identity

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/pixeldump/dbopen"
	"github.com/hazyhaar/pixeldump/identity/internal/store"
	"github.com/hazyhaar/pixeldump/idgen"
	"github.com/hazyhaar/pixeldump/observability"
	"github.com/hazyhaar/pixeldump/palette"
	"github.com/hazyhaar/pixeldump/pixel"
)

const middleLen = 6 * 6 * 3

// fullFrom wraps a middle region in a black one-pixel border.
func fullFrom(middle []byte) []byte {
	full := make([]byte, 8*8*3)
	for y := 1; y < 7; y++ {
		for x := 1; x < 7; x++ {
			src := ((y-1)*6 + (x - 1)) * 3
			dst := (y*8 + x) * 3
			copy(full[dst:dst+3], middle[src:src+3])
		}
	}
	return full
}

// fireball is the reference icon.
func fireball() []byte { return bytes.Repeat([]byte{100}, middleLen) }

// fireballVariant differs from fireball in three channels (cosine ~0.9978).
func fireballVariant() []byte {
	m := fireball()
	m[0], m[50], m[107] = 60, 60, 60
	return m
}

// frostNova has cosine exactly 0.5 against fireball.
func frostNova() []byte {
	m := make([]byte, middleLen)
	for i := range 27 {
		m[i] = 200
	}
	return m
}

type flakyStore struct {
	*store.Store
	fail atomic.Bool
}

var errDisk = errors.New("disk I/O error")

func (f *flakyStore) UpsertTitle(ctx context.Context, t *store.Title) (string, error) {
	if f.fail.Load() {
		return "", errDisk
	}
	return f.Store.UpsertTitle(ctx, t)
}

func (f *flakyStore) UpdateTitle(ctx context.Context, id, title, mt string) (bool, error) {
	if f.fail.Load() {
		return false, errDisk
	}
	return f.Store.UpdateTitle(ctx, id, title, mt)
}

func (f *flakyStore) DeleteTitle(ctx context.Context, id string) (bool, error) {
	if f.fail.Load() {
		return false, errDisk
	}
	return f.Store.DeleteTitle(ctx, id)
}

type recorder struct {
	mu        sync.Mutex
	durations int
	simple    map[string]float64
}

func (r *recorder) RecordSimple(name string, value float64, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.simple == nil {
		r.simple = map[string]float64{}
	}
	r.simple[name] += value
}

func (r *recorder) RecordDuration(string, time.Duration) {
	r.mu.Lock()
	r.durations++
	r.mu.Unlock()
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testStore(t *testing.T) *flakyStore {
	t.Helper()
	return &flakyStore{Store: &store.Store{DB: dbopen.OpenMemory(t, dbopen.WithMigrations(store.Migrations...))}}
}

func newResolver(t *testing.T, st Store, opts Options) *Resolver {
	t.Helper()
	opts.Logger = quietLogger()
	if opts.NewID == nil {
		opts.NewID = idgen.Sequence("ttl_")
	}
	r, err := New(context.Background(), st, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func addFireball(t *testing.T, r *Resolver) Record {
	t.Helper()
	rec, err := r.AddTitle(context.Background(), NewTitle{Full: fullFrom(fireball()), Title: "Fireball"})
	if err != nil {
		t.Fatalf("AddTitle: %v", err)
	}
	return rec
}

func TestCosine(t *testing.T) {
	cases := []struct {
		name string
		a, b []byte
		want float64
	}{
		{"identical", fireball(), fireball(), 1},
		{"half", fireball(), frostNova(), 0.5},
		{"length mismatch", fireball(), fireball()[:10], 0},
		{"empty", nil, nil, 0},
		{"zero vector", make([]byte, middleLen), fireball(), 0},
	}
	for _, tc := range cases {
		if got := Cosine(tc.a, tc.b); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
	if s := Cosine(fireball(), fireballVariant()); s < 0.997 || s > 0.999 {
		t.Errorf("variant: got %v, want ~0.9978", s)
	}
}

func TestTitle_ApproximateMatchIsPersisted(t *testing.T) {
	st := testStore(t)
	rec := &recorder{}
	r := newResolver(t, st, Options{Metrics: rec})
	addFireball(t, r)

	v := fireballVariant()
	hash := pixel.Hash(v)
	if got := r.Title(hash, v, fullFrom(v)); got != "Fireball" {
		t.Fatalf("variant: got %q, want Fireball", got)
	}

	stored, err := st.GetTitleByHash(context.Background(), hash)
	if err != nil || stored == nil {
		t.Fatalf("stored approximate: %v, %v", stored, err)
	}
	if stored.MatchType != MatchApproximate || stored.Title != "Fireball" {
		t.Errorf("stored: got %+v", stored)
	}

	s := r.Stats()
	if s.Approximate != 1 || s.Manual != 1 || s.SessionApproximate != 1 || s.Scans != 1 {
		t.Errorf("stats: got %+v", s)
	}
	log := r.ApproximateLog()
	if len(log) != 1 || log[0].Hash != hash || log[0].Score < 0.995 {
		t.Errorf("approximate log: got %+v", log)
	}

	// The second sighting takes the exact path.
	if got := r.Title(hash, v, fullFrom(v)); got != "Fireball" {
		t.Errorf("second lookup: got %q", got)
	}
	if r.Stats().Scans != 1 {
		t.Errorf("second lookup rescanned")
	}
	if rec.durations != 1 || rec.simple[observability.MetricIdentityApprox] != 1 {
		t.Errorf("metrics: %d durations, %v", rec.durations, rec.simple)
	}
}

func TestTitle_UnresolvedReturnsHashOnce(t *testing.T) {
	r := newResolver(t, testStore(t), Options{})
	addFireball(t, r)

	m := frostNova()
	hash := pixel.Hash(m)
	if got := r.Title(hash, m, fullFrom(m)); got != hash {
		t.Fatalf("got %q, want hash %q", got, hash)
	}
	if got := r.Title(hash, m, fullFrom(m)); got != hash {
		t.Fatalf("second: got %q", got)
	}

	if s := r.Stats(); s.Scans != 1 || s.Unresolved != 1 {
		t.Errorf("stats: got %+v", s)
	}
	un := r.Unresolved()
	if len(un) != 1 {
		t.Fatalf("unresolved: got %d entries", len(un))
	}
	if un[0].Candidate != "Fireball" || math.Abs(un[0].Score-0.5) > 1e-9 {
		t.Errorf("unresolved entry: got %+v", un[0])
	}

	r.ClearUnresolved()
	if len(r.Unresolved()) != 0 {
		t.Error("ClearUnresolved left entries")
	}
}

func TestTitle_EmptyLibrary(t *testing.T) {
	r := newResolver(t, testStore(t), Options{})
	m := fireball()
	hash := pixel.Hash(m)
	if got := r.Title(hash, m, fullFrom(m)); got != hash {
		t.Errorf("got %q, want %q", got, hash)
	}
	if un := r.Unresolved(); len(un) != 1 || un[0].Candidate != "" {
		t.Errorf("unresolved: got %+v", un)
	}
}

func TestTitle_Seeds(t *testing.T) {
	m := frostNova()
	hash := pixel.Hash(m)
	tables, err := palette.New(nil, map[string]string{hash: "Frost Nova"})
	if err != nil {
		t.Fatal(err)
	}
	r := newResolver(t, testStore(t), Options{Tables: tables})
	if got := r.Title(hash, m, fullFrom(m)); got != "Frost Nova" {
		t.Errorf("got %q, want Frost Nova", got)
	}
	if s := r.Stats(); s.Seeded != 1 || s.Scans != 0 || s.Total != 0 {
		t.Errorf("stats: got %+v", s)
	}

	// A stored title overrides the seed.
	if _, err := r.AddTitle(context.Background(), NewTitle{Full: fullFrom(m), Title: "Ice Nova"}); err != nil {
		t.Fatal(err)
	}
	if got := r.Title(hash, m, fullFrom(m)); got != "Ice Nova" {
		t.Errorf("after add: got %q", got)
	}
}

func TestThreshold(t *testing.T) {
	r := newResolver(t, testStore(t), Options{Threshold: 0.5})
	if got := r.Threshold(); got != MinThreshold {
		t.Errorf("constructor clamp: got %v", got)
	}
	if got := r.SetThreshold(1.2); got != MaxThreshold {
		t.Errorf("upper clamp: got %v", got)
	}
	if got := r.SetThreshold(0.99); got != 0.99 {
		t.Errorf("in range: got %v", got)
	}

	r.SetThreshold(MaxThreshold)
	addFireball(t, r)
	v := fireballVariant()
	hash := pixel.Hash(v)
	if got := r.Title(hash, v, fullFrom(v)); got != hash {
		t.Errorf("strict threshold: got %q, want unresolved", got)
	}
}

func TestAddTitle_FromUnresolved(t *testing.T) {
	r := newResolver(t, testStore(t), Options{})
	ctx := context.Background()
	m := frostNova()
	hash := pixel.Hash(m)
	r.Title(hash, m, fullFrom(m))

	rec, err := r.AddTitle(ctx, NewTitle{Hash: hash, Title: "Frost Nova"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.MatchType != MatchManual || rec.Hash != hash || !bytes.Equal(rec.Full, fullFrom(m)) {
		t.Errorf("record: got %+v", rec)
	}
	if len(r.Unresolved()) != 0 {
		t.Error("hash still unresolved")
	}
	if got := r.Title(hash, m, fullFrom(m)); got != "Frost Nova" {
		t.Errorf("title: got %q", got)
	}
}

func TestAddTitle_Errors(t *testing.T) {
	r := newResolver(t, testStore(t), Options{})
	ctx := context.Background()

	if _, err := r.AddTitle(ctx, NewTitle{Hash: "00000000000000ff", Title: "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown hash: got %v", err)
	}
	if _, err := r.AddTitle(ctx, NewTitle{Hash: "00000000000000ff", Full: fullFrom(fireball()), Title: "x"}); !errors.Is(err, ErrInvalid) {
		t.Errorf("hash mismatch: got %v", err)
	}
	if _, err := r.AddTitle(ctx, NewTitle{Full: []byte{1, 2, 3}, Title: "x"}); !errors.Is(err, ErrInvalid) {
		t.Errorf("short raster: got %v", err)
	}
	if _, err := r.AddTitle(ctx, NewTitle{Full: fullFrom(fireball())}); !errors.Is(err, ErrInvalid) {
		t.Errorf("empty title: got %v", err)
	}
}

func TestAddTitle_OverwriteKeepsID(t *testing.T) {
	r := newResolver(t, testStore(t), Options{})
	first := addFireball(t, r)
	second, err := r.AddTitle(context.Background(), NewTitle{Hash: first.Hash, Title: "Pyroblast"})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Errorf("id changed: %s -> %s", first.ID, second.ID)
	}
	if s := r.Stats(); s.Total != 1 || s.LibrarySize != 1 {
		t.Errorf("stats: got %+v", s)
	}
	m := fireball()
	if got := r.Title(first.Hash, m, fullFrom(m)); got != "Pyroblast" {
		t.Errorf("title: got %q", got)
	}
}

func TestAddTitle_Footnote(t *testing.T) {
	tables, err := palette.New(map[string]map[string]string{
		palette.IconType: {"0,0,255": "Magic"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	r := newResolver(t, testStore(t), Options{Tables: tables})

	full := fullFrom(fireball())
	for _, p := range [][2]int{{6, 6}, {7, 6}, {6, 7}, {7, 7}} {
		copy(full[(p[1]*8+p[0])*3:], []byte{0, 0, 255})
	}
	rec, err := r.AddTitle(context.Background(), NewTitle{Full: full, Title: "Fireball"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Footnote != "Magic" {
		t.Errorf("footnote: got %q, want Magic", rec.Footnote)
	}

	plain := addFireball(t, r)
	if plain.Footnote != "Unknown" {
		t.Errorf("mixed footnote: got %q, want Unknown", plain.Footnote)
	}
}

func TestStoreFailure_DefersWrite(t *testing.T) {
	st := testStore(t)
	r := newResolver(t, st, Options{})
	ctx := context.Background()

	st.fail.Store(true)
	rec, err := r.AddTitle(ctx, NewTitle{Full: fullFrom(fireball()), Title: "Fireball"})
	if !errors.Is(err, ErrStore) || !errors.Is(err, errDisk) || !IsDeferred(err) {
		t.Fatalf("AddTitle: got %v, want deferred store error", err)
	}
	m := fireball()
	if got := r.Title(rec.Hash, m, fullFrom(m)); got != "Fireball" {
		t.Errorf("served from memory: got %q", got)
	}

	// Approximate inserts defer the same way.
	v := fireballVariant()
	if got := r.Title(pixel.Hash(v), v, fullFrom(v)); got != "Fireball" {
		t.Errorf("approximate under failure: got %q", got)
	}
	if s := r.Stats(); s.Pending != 2 {
		t.Errorf("pending: got %d, want 2", s.Pending)
	}
	if n, err := r.RetryPending(ctx); err == nil || n != 2 {
		t.Errorf("retry while failing: %d, %v", n, err)
	}

	st.fail.Store(false)
	n, err := r.RetryPending(ctx)
	if err != nil || n != 0 {
		t.Fatalf("retry: %d, %v", n, err)
	}
	got, err := st.GetTitleByHash(ctx, rec.Hash)
	if err != nil || got == nil || got.Title != "Fireball" {
		t.Fatalf("persisted: %+v, %v", got, err)
	}
	if all, _ := st.ListTitles(ctx, ""); len(all) != 2 {
		t.Errorf("stored rows: got %d, want 2", len(all))
	}
}

func TestUpdateTitle(t *testing.T) {
	st := testStore(t)
	r := newResolver(t, st, Options{})
	ctx := context.Background()
	addFireball(t, r)

	v := fireballVariant()
	hash := pixel.Hash(v)
	r.Title(hash, v, fullFrom(v))
	approx := r.Titles(MatchApproximate)
	if len(approx) != 1 {
		t.Fatalf("approximate records: got %d", len(approx))
	}

	rec, err := r.UpdateTitle(ctx, approx[0].ID, "Fireball (rank 2)")
	if err != nil {
		t.Fatal(err)
	}
	if rec.MatchType != MatchManual {
		t.Errorf("match type: got %q", rec.MatchType)
	}
	if got := r.Title(hash, v, fullFrom(v)); got != "Fireball (rank 2)" {
		t.Errorf("title: got %q", got)
	}
	stored, _ := st.GetTitle(ctx, rec.ID)
	if stored == nil || stored.Title != "Fireball (rank 2)" || stored.MatchType != MatchManual {
		t.Errorf("stored: got %+v", stored)
	}

	if _, err := r.UpdateTitle(ctx, "ttl_missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing id: got %v", err)
	}

	st.fail.Store(true)
	if _, err := r.UpdateTitle(ctx, rec.ID, "Other"); !errors.Is(err, ErrStore) || IsDeferred(err) {
		t.Errorf("failing store: got %v", err)
	}
	if got, _ := r.Get(rec.ID); got.Title != "Fireball (rank 2)" {
		t.Errorf("memory changed on failed update: %q", got.Title)
	}
}

func TestDeleteTitle(t *testing.T) {
	st := testStore(t)
	r := newResolver(t, st, Options{})
	ctx := context.Background()
	rec := addFireball(t, r)

	st.fail.Store(true)
	if err := r.DeleteTitle(ctx, rec.ID); !errors.Is(err, ErrStore) {
		t.Errorf("failing store: got %v", err)
	}
	if _, ok := r.Get(rec.ID); !ok {
		t.Error("record dropped on failed delete")
	}
	st.fail.Store(false)

	if err := r.DeleteTitle(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	if err := r.DeleteTitle(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: got %v", err)
	}
	m := fireball()
	if got := r.Title(rec.Hash, m, fullFrom(m)); got != rec.Hash {
		t.Errorf("deleted title still resolves: %q", got)
	}
	if s := r.Stats(); s.Total != 0 || s.LibrarySize != 0 {
		t.Errorf("stats: got %+v", s)
	}
}

func TestSyncIfChanged(t *testing.T) {
	st := testStore(t)
	a := newResolver(t, st, Options{})
	b := newResolver(t, st, Options{NewID: idgen.Sequence("ttl_b")})
	ctx := context.Background()

	m := frostNova()
	hash := pixel.Hash(m)
	if got := a.Title(hash, m, fullFrom(m)); got != hash {
		t.Fatalf("before: got %q", got)
	}

	if _, err := b.AddTitle(ctx, NewTitle{Full: fullFrom(m), Title: "Frost Nova"}); err != nil {
		t.Fatal(err)
	}
	if err := a.SyncIfChanged(ctx); err != nil {
		t.Fatal(err)
	}
	if got := a.Title(hash, m, fullFrom(m)); got != "Frost Nova" {
		t.Errorf("after sync: got %q", got)
	}
	if len(a.Unresolved()) != 0 {
		t.Error("synced hash still unresolved")
	}
}

func TestReload_KeepsPending(t *testing.T) {
	st := testStore(t)
	r := newResolver(t, st, Options{})
	ctx := context.Background()

	st.fail.Store(true)
	rec, _ := r.AddTitle(ctx, NewTitle{Full: fullFrom(fireball()), Title: "Fireball"})
	if err := r.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	if got, ok := r.Get(rec.ID); !ok || got.Title != "Fireball" {
		t.Errorf("pending record lost on reload: %+v", got)
	}
}

func TestDeleteTitle_AfterDeferredOverwrite(t *testing.T) {
	st := testStore(t)
	r := newResolver(t, st, Options{})
	ctx := context.Background()
	rec := addFireball(t, r)

	st.fail.Store(true)
	over, err := r.AddTitle(ctx, NewTitle{Hash: rec.Hash, Title: "Pyroblast"})
	if !IsDeferred(err) || over.ID != rec.ID {
		t.Fatalf("overwrite: %+v, %v", over, err)
	}
	st.fail.Store(false)

	// The unsaved overwrite wins over the stale row.
	if err := r.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	if got, _ := r.Get(rec.ID); got.Title != "Pyroblast" {
		t.Errorf("after reload: got %q, want Pyroblast", got.Title)
	}
	if s := r.Stats(); s.Total != 1 || s.LibrarySize != 1 {
		t.Errorf("stats after reload: %+v", s)
	}

	if err := r.DeleteTitle(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	if row, _ := st.GetTitleByHash(ctx, rec.Hash); row != nil {
		t.Errorf("stored row survived delete: %+v", row)
	}
	if err := r.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	if got, ok := r.Get(rec.ID); ok {
		t.Errorf("deleted record back after reload: %q", got.Title)
	}
	m := fireball()
	if got := r.Title(rec.Hash, m, fullFrom(m)); got != rec.Hash {
		t.Errorf("deleted title still resolves: %q", got)
	}
}

func TestDeleteTitle_PendingShadowsOtherRow(t *testing.T) {
	st := testStore(t)
	r := newResolver(t, st, Options{})
	ctx := context.Background()

	st.fail.Store(true)
	full := fullFrom(frostNova())
	rec, err := r.AddTitle(ctx, NewTitle{Full: full, Title: "Frost Nova"})
	if !IsDeferred(err) {
		t.Fatalf("AddTitle: got %v, want deferred", err)
	}
	st.fail.Store(false)

	// Another process stores the same icon under its own id.
	if _, err := st.Store.UpsertTitle(ctx, &store.Title{ID: "ttl_other", Full: full, Hash: rec.Hash, Title: "Frost Nova"}); err != nil {
		t.Fatal(err)
	}
	if err := r.DeleteTitle(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	if row, _ := st.GetTitleByHash(ctx, rec.Hash); row != nil {
		t.Errorf("row under other id survived delete: %+v", row)
	}
}

func TestUpdateTitle_AfterPendingRekeyed(t *testing.T) {
	st := testStore(t)
	r := newResolver(t, st, Options{})
	ctx := context.Background()

	st.fail.Store(true)
	full := fullFrom(frostNova())
	rec, err := r.AddTitle(ctx, NewTitle{Full: full, Title: "Frost Nova"})
	if !IsDeferred(err) {
		t.Fatalf("AddTitle: got %v, want deferred", err)
	}
	st.fail.Store(false)

	if _, err := st.Store.UpsertTitle(ctx, &store.Title{ID: "ttl_other", Full: full, Hash: rec.Hash, Title: "Frost Nova", MatchType: MatchApproximate}); err != nil {
		t.Fatal(err)
	}

	// Flushing the pending write lands on ttl_other; the update follows it.
	got, err := r.UpdateTitle(ctx, rec.ID, "Frost Nova (rank 3)")
	if err != nil {
		t.Fatalf("UpdateTitle: %v", err)
	}
	if got.ID != "ttl_other" || got.Title != "Frost Nova (rank 3)" || got.MatchType != MatchManual {
		t.Errorf("updated: %+v", got)
	}
	row, _ := st.GetTitle(ctx, "ttl_other")
	if row == nil || row.Title != "Frost Nova (rank 3)" {
		t.Errorf("stored: %+v", row)
	}
	if _, ok := r.Get(rec.ID); ok {
		t.Error("stale id still indexed")
	}
	if cur, ok := r.Get("ttl_other"); !ok || cur.Title != "Frost Nova (rank 3)" {
		t.Errorf("memory: %+v", cur)
	}
}

func TestSyncIfChanged_AfterInterleavedWrite(t *testing.T) {
	st := testStore(t)
	r := newResolver(t, st, Options{})
	ctx := context.Background()

	m := frostNova()
	hash := pixel.Hash(m)
	if _, err := st.Store.UpsertTitle(ctx, &store.Title{ID: "ttl_other", Full: fullFrom(m), Hash: hash, Title: "Frost Nova"}); err != nil {
		t.Fatal(err)
	}
	addFireball(t, r)
	if _, ok := r.Get("ttl_other"); ok {
		t.Fatal("external row indexed before sync")
	}

	if err := r.SyncIfChanged(ctx); err != nil {
		t.Fatal(err)
	}
	if got := r.Title(hash, m, fullFrom(m)); got != "Frost Nova" {
		t.Errorf("after sync: got %q", got)
	}
	rev, _ := st.Revision(ctx)
	if got := r.Stats().Revision; got != rev {
		t.Errorf("revision: got %d, want %d", got, rev)
	}

	// Own writes alone keep the resolver in step.
	if _, err := r.AddTitle(ctx, NewTitle{Hash: hash, Title: "Frost Nova (rank 2)"}); err != nil {
		t.Fatal(err)
	}
	rev, _ = st.Revision(ctx)
	if got := r.Stats().Revision; got != rev {
		t.Errorf("revision after own write: got %d, want %d", got, rev)
	}
}

func TestStoredCounts(t *testing.T) {
	st := testStore(t)
	r := newResolver(t, st, Options{})
	ctx := context.Background()
	addFireball(t, r)
	v := fireballVariant()
	r.Title(pixel.Hash(v), v, fullFrom(v))

	st.fail.Store(true)
	if _, err := r.AddTitle(ctx, NewTitle{Full: fullFrom(frostNova()), Title: "Frost Nova"}); !IsDeferred(err) {
		t.Fatalf("AddTitle: got %v, want deferred", err)
	}
	st.fail.Store(false)

	counts, err := r.StoredCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[MatchManual] != 1 || counts[MatchApproximate] != 1 {
		t.Errorf("stored counts: got %v", counts)
	}
	if s := r.Stats(); s.Manual != 2 || s.Pending != 1 {
		t.Errorf("memory stats: %+v", s)
	}
}

func TestWatch_ReloadsExternalWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "titles.db")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	open := func(prefix string) *Resolver {
		r, err := Open(ctx, path, Options{Logger: quietLogger(), NewID: idgen.Sequence(prefix)})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { r.Close() })
		return r
	}
	a, b := open("ttl_a"), open("ttl_b")
	if a.Stats().Watch != nil {
		t.Error("watch stats before Watch")
	}
	go a.Watch(ctx, 10*time.Millisecond)

	rec, err := b.AddTitle(ctx, NewTitle{Full: fullFrom(frostNova()), Title: "Frost Nova"})
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		ws := a.Stats().Watch
		if _, ok := a.Get(rec.ID); ok && ws != nil && ws.Reloads > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("external write not picked up: %+v", a.Stats())
		}
		time.Sleep(5 * time.Millisecond)
	}
	ws := a.Stats().Watch
	if ws.Checks == 0 {
		t.Errorf("watch stats: %+v", ws)
	}
	if ws.Version != a.Stats().Revision {
		t.Errorf("watch version %d, resolver revision %d", ws.Version, a.Stats().Revision)
	}
}

func TestExportImport(t *testing.T) {
	src := newResolver(t, testStore(t), Options{})
	ctx := context.Background()
	addFireball(t, src)
	if _, err := src.AddTitle(ctx, NewTitle{Full: fullFrom(frostNova()), Title: "Frost Nova"}); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := src.Export(&buf); err != nil {
		t.Fatal(err)
	}
	data := buf.String()

	dst := newResolver(t, testStore(t), Options{})
	res, err := dst.Import(ctx, strings.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if res.Added != 2 || res.Updated != 0 || res.Skipped != 0 {
		t.Errorf("first import: got %+v", res)
	}
	res, err = dst.Import(ctx, strings.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped != 2 {
		t.Errorf("second import: got %+v", res)
	}

	m := frostNova()
	if got := dst.Title(pixel.Hash(m), m, fullFrom(m)); got != "Frost Nova" {
		t.Errorf("imported title: got %q", got)
	}

	bad := `{"version":1,"block_size":8,"titles":[{"hash":"0000000000000000","title":"x","full":"AAAA"}]}`
	res, err = dst.Import(ctx, strings.NewReader(bad))
	if err != nil || res.Skipped != 1 {
		t.Errorf("invalid record: %+v, %v", res, err)
	}
	if _, err := dst.Import(ctx, strings.NewReader(`{"version":9}`)); !errors.Is(err, ErrInvalid) {
		t.Errorf("bad version: got %v", err)
	}
}

func TestTitle_Concurrent(t *testing.T) {
	r := newResolver(t, testStore(t), Options{})
	addFireball(t, r)

	v := fireballVariant()
	hash := pixel.Hash(v)
	f := fireball()
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				if got := r.Title(hash, v, fullFrom(v)); got != "Fireball" {
					t.Errorf("variant: got %q", got)
				}
			} else {
				r.Title(pixel.Hash(f), f, fullFrom(f))
			}
		}()
	}
	wg.Wait()
	if s := r.Stats(); s.Approximate != 1 || s.Scans != 1 {
		t.Errorf("stats: got %+v", s)
	}
}
