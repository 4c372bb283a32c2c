package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/pixeldump/dbopen"
	"github.com/hazyhaar/pixeldump/idgen"
)

// Migrations brings a title database to the current schema. Versions are
// tracked in PRAGMA user_version.
var Migrations = []dbopen.Migration{
	{Version: 1, Name: "titles", Up: dbopen.ExecMigration(schemaV1)},
	{Version: 2, Name: "import node_titles", Up: importLegacy},
	{Version: 3, Name: "revision counter", Up: dbopen.ExecMigration(schemaV3)},
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS titles (
    id          TEXT PRIMARY KEY,
    full_data   BLOB NOT NULL,
    block_size  INTEGER NOT NULL DEFAULT 8,
    hash        TEXT NOT NULL UNIQUE,
    title       TEXT NOT NULL,
    match_type  TEXT NOT NULL DEFAULT 'manual' CHECK (match_type IN ('manual', 'approximate')),
    footnote    TEXT NOT NULL DEFAULT 'Unknown',
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_titles_match_type ON titles(match_type);
`

// The revision row moves on every title mutation, from this process or any
// other, and feeds the reload watcher.
const schemaV3 = `
CREATE TABLE IF NOT EXISTS titles_revision (
    id  INTEGER PRIMARY KEY CHECK (id = 1),
    rev INTEGER NOT NULL
);
INSERT OR IGNORE INTO titles_revision (id, rev) VALUES (1, 0);
CREATE TRIGGER IF NOT EXISTS titles_rev_insert AFTER INSERT ON titles
    BEGIN UPDATE titles_revision SET rev = rev + 1 WHERE id = 1; END;
CREATE TRIGGER IF NOT EXISTS titles_rev_update AFTER UPDATE ON titles
    BEGIN UPDATE titles_revision SET rev = rev + 1 WHERE id = 1; END;
CREATE TRIGGER IF NOT EXISTS titles_rev_delete AFTER DELETE ON titles
    BEGIN UPDATE titles_revision SET rev = rev + 1 WHERE id = 1; END;
`

// RevisionQuery reads the mutation counter.
const RevisionQuery = `SELECT rev FROM titles_revision WHERE id = 1`

var legacyIDs = idgen.Prefixed("ttl_", idgen.Default)

// importLegacy copies rows of a node_titles table left by earlier releases.
// Two layouts exist: full_data (base64 text or raw bytes) and the older
// full_blob. Legacy "cosine" matches become "approximate".
func importLegacy(ctx context.Context, tx *sql.Tx) error {
	cols, err := tableColumns(ctx, tx, "node_titles")
	if err != nil || len(cols) == 0 {
		return err
	}

	fullCol := "full_data"
	if !cols["full_data"] {
		if !cols["full_blob"] {
			return fmt.Errorf("node_titles: no raster column")
		}
		fullCol = "full_blob"
	}
	footnote := "'Unknown'"
	if cols["footnote_title"] {
		footnote = "COALESCE(footnote_title, 'Unknown')"
	}
	matchType := "'manual'"
	if cols["match_type"] {
		matchType = "COALESCE(match_type, 'manual')"
	}

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s, middle_hash, title, %s, %s FROM node_titles`, fullCol, matchType, footnote))
	if err != nil {
		return err
	}
	type legacyRow struct {
		full                   []byte
		hash, title, mt, fnote string
	}
	var legacy []legacyRow
	for rows.Next() {
		var r legacyRow
		if err := rows.Scan(&r.full, &r.hash, &r.title, &r.mt, &r.fnote); err != nil {
			rows.Close()
			return err
		}
		legacy = append(legacy, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	for _, r := range legacy {
		full, ok := decodeLegacyRaster(r.full)
		if !ok {
			continue
		}
		mt := MatchManual
		if r.mt == "cosine" || r.mt == MatchApproximate {
			mt = MatchApproximate
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO titles (id, full_data, hash, title, match_type, footnote, created_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?)`,
			legacyIDs(), full, r.hash, r.title, mt, r.fnote, now, now); err != nil {
			return err
		}
	}
	return nil
}

const legacyRasterLen = 8 * 8 * 3

func decodeLegacyRaster(b []byte) ([]byte, bool) {
	if len(b) == legacyRasterLen {
		return b, true
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(b)))
	if err != nil || len(raw) != legacyRasterLen {
		return nil, false
	}
	return raw, true
}

func tableColumns(ctx context.Context, tx *sql.Tx, table string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}
