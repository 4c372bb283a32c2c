// Package palette holds the read-only lookup tables the decoder consults:
// color→category maps keyed "R,G,B" and the seed hash→title map.
//
// Tables are validated once at construction and never change afterwards, so
// a *Tables can be shared by every decode pass without locking.
package palette

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/hazyhaar/pixeldump/pixel"
)

// Table names inside a color map file.
const (
	IconType = "IconType"
	Class    = "Class"
	Role     = "Role"
)

// ErrConfiguration is matched by every ConfigError.
var ErrConfiguration = errors.New("palette: invalid configuration")

// ConfigError reports a malformed lookup table entry.
type ConfigError struct {
	Table  string
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("palette: table %s: key %q: %s", e.Table, e.Key, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfiguration }

// Table maps pure block colors to labels.
type Table struct {
	name     string
	entries  map[pixel.Color]string
	fallback string
}

// Lookup returns the label for c, or the table fallback.
func (t Table) Lookup(c pixel.Color) string {
	if v, ok := t.entries[c]; ok {
		return v
	}
	return t.fallback
}

// LookupKey is Lookup for an "R,G,B" string. Unparseable or empty keys
// (non-pure blocks) return the fallback.
func (t Table) LookupKey(key string) string {
	c, err := ParseColor(key)
	if err != nil {
		return t.fallback
	}
	return t.Lookup(c)
}

// Len returns the number of entries.
func (t Table) Len() int { return len(t.entries) }

// Tables is the full set of lookup tables.
type Tables struct {
	IconType Table
	Class    Table
	Role     Table

	seeds map[string]string
}

// New validates raw tables. colorMap is keyed by table name, then by
// "R,G,B". seeds maps 16-hex-digit block hashes to titles. Unknown table
// names are ignored.
func New(colorMap map[string]map[string]string, seeds map[string]string) (*Tables, error) {
	t := &Tables{seeds: make(map[string]string, len(seeds))}

	var err error
	if t.IconType, err = newTable(IconType, colorMap[IconType], "Unknown"); err != nil {
		return nil, err
	}
	if t.Class, err = newTable(Class, colorMap[Class], "NONE"); err != nil {
		return nil, err
	}
	if t.Role, err = newTable(Role, colorMap[Role], "NONE"); err != nil {
		return nil, err
	}

	for h, title := range seeds {
		if !validHash(h) {
			return nil, &ConfigError{Table: "seeds", Key: h, Reason: "want 16 lowercase hex digits"}
		}
		if strings.TrimSpace(title) == "" {
			return nil, &ConfigError{Table: "seeds", Key: h, Reason: "empty title"}
		}
		t.seeds[h] = title
	}
	return t, nil
}

// Empty returns tables with no entries; every lookup yields its fallback.
func Empty() *Tables {
	t, _ := New(nil, nil)
	return t
}

// SeedCount returns the number of seeded titles.
func (t *Tables) SeedCount() int { return len(t.seeds) }

// Seed returns the seeded title for hash.
func (t *Tables) Seed(hash string) (string, bool) {
	v, ok := t.seeds[hash]
	return v, ok
}

func newTable(name string, raw map[string]string, fallback string) (Table, error) {
	t := Table{name: name, entries: make(map[pixel.Color]string, len(raw)), fallback: fallback}
	for k, v := range raw {
		c, err := ParseColor(k)
		if err != nil {
			return Table{}, &ConfigError{Table: name, Key: k, Reason: err.Error()}
		}
		t.entries[c] = v
	}
	return t, nil
}

// ParseColor parses an "R,G,B" key with each channel in [0,255].
func ParseColor(s string) (pixel.Color, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return pixel.Color{}, fmt.Errorf("want R,G,B, got %d fields", len(parts))
	}
	var ch [3]uint8
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return pixel.Color{}, fmt.Errorf("channel %d: %w", i, err)
		}
		ch[i] = uint8(n)
	}
	return pixel.Color{R: ch[0], G: ch[1], B: ch[2]}, nil
}

func validHash(h string) bool {
	if len(h) != 16 {
		return false
	}
	for _, r := range h {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
