package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hazyhaar/pixeldump/dbopen"
)

// Match types.
const (
	MatchManual      = "manual"
	MatchApproximate = "approximate"
)

// Title is a labelled icon raster.
type Title struct {
	ID        string `json:"id"`
	Full      []byte `json:"full"`
	BlockSize int    `json:"block_size"`
	Hash      string `json:"hash"`
	Title     string `json:"title"`
	MatchType string `json:"match_type"`
	Footnote  string `json:"footnote"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

const titleColumns = `id, full_data, block_size, hash, title, match_type, footnote, created_at, updated_at`

// UpsertTitle inserts t, or overwrites the raster, title, match type and
// footnote of the row holding the same hash. It returns the id of the
// stored row, which is the existing id on conflict.
func (s *Store) UpsertTitle(ctx context.Context, t *Title) (string, error) {
	now := time.Now().UnixMilli()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.BlockSize == 0 {
		t.BlockSize = 8
	}
	if t.MatchType == "" {
		t.MatchType = MatchManual
	}

	var id string
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			INSERT INTO titles (`+titleColumns+`)
			VALUES (?,?,?,?,?,?,?,?,?)
			ON CONFLICT(hash) DO UPDATE SET
				full_data = excluded.full_data,
				block_size = excluded.block_size,
				title = excluded.title,
				match_type = excluded.match_type,
				footnote = excluded.footnote,
				updated_at = excluded.updated_at
			RETURNING id`,
			t.ID, t.Full, t.BlockSize, t.Hash, t.Title, t.MatchType, t.Footnote, t.CreatedAt, t.UpdatedAt,
		).Scan(&id)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetTitle returns the title with id, or nil.
func (s *Store) GetTitle(ctx context.Context, id string) (*Title, error) {
	return s.queryOne(ctx, `SELECT `+titleColumns+` FROM titles WHERE id = ?`, id)
}

// GetTitleByHash returns the title stored under hash, or nil.
func (s *Store) GetTitleByHash(ctx context.Context, hash string) (*Title, error) {
	return s.queryOne(ctx, `SELECT `+titleColumns+` FROM titles WHERE hash = ?`, hash)
}

// ListTitles returns all titles in creation order, optionally filtered by
// match type.
func (s *Store) ListTitles(ctx context.Context, matchType string) ([]*Title, error) {
	query := `SELECT ` + titleColumns + ` FROM titles`
	var args []any
	if matchType != "" {
		query += ` WHERE match_type = ?`
		args = append(args, matchType)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Title
	for rows.Next() {
		t, err := scanTitle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTitle relabels the row with id. It reports whether a row matched.
func (s *Store) UpdateTitle(ctx context.Context, id, title, matchType string) (bool, error) {
	res, err := dbopen.Exec(ctx, s.DB,
		`UPDATE titles SET title = ?, match_type = ?, updated_at = ? WHERE id = ?`,
		title, matchType, time.Now().UnixMilli(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteTitle removes the row with id. It reports whether a row matched.
func (s *Store) DeleteTitle(ctx context.Context, id string) (bool, error) {
	res, err := dbopen.Exec(ctx, s.DB, `DELETE FROM titles WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CountByMatchType returns row counts keyed by match type.
func (s *Store) CountByMatchType(ctx context.Context) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT match_type, COUNT(*) FROM titles GROUP BY match_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var mt string
		var n int
		if err := rows.Scan(&mt, &n); err != nil {
			return nil, err
		}
		out[mt] = n
	}
	return out, rows.Err()
}

// Revision returns the mutation counter.
func (s *Store) Revision(ctx context.Context) (int64, error) {
	var rev int64
	err := s.DB.QueryRowContext(ctx, RevisionQuery).Scan(&rev)
	return rev, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTitle(sc scanner) (*Title, error) {
	t := &Title{}
	err := sc.Scan(&t.ID, &t.Full, &t.BlockSize, &t.Hash, &t.Title, &t.MatchType, &t.Footnote, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (s *Store) queryOne(ctx context.Context, query string, args ...any) (*Title, error) {
	t, err := scanTitle(s.DB.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}
