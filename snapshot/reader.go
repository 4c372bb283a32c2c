package snapshot

import (
	"github.com/hazyhaar/pixeldump/grid"
	"github.com/hazyhaar/pixeldump/palette"
	"github.com/hazyhaar/pixeldump/pixel"
)

// reader wraps an Extractor and keeps the first error, so the layout code
// can read cell after cell without checking each access. After an error
// every read returns a zero value.
type reader struct {
	ex     *grid.Extractor
	tables *palette.Tables
	err    error
	blank  *pixel.Block
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// block returns the cell at (x, y), or a black cell after an error.
func (r *reader) block(x, y int) pixel.Block {
	if r.err == nil {
		b, err := r.ex.Block(x, y)
		if err == nil {
			return b
		}
		r.fail(err)
	}
	if r.blank == nil {
		size := pixel.DefaultBlockSize
		b, _ := pixel.BlockFromRaster(make([]byte, size*size*3), size)
		r.blank = &b
	}
	return *r.blank
}

func (r *reader) white(x, y int) bool { return r.block(x, y).IsWhite() }

func (r *reader) percent(x, y int) float64 { return r.block(x, y).Percent() }

func (r *reader) title(x, y int) string {
	if r.err != nil {
		return ""
	}
	t, err := r.ex.Title(x, y)
	r.fail(err)
	return t
}

// category maps a pure cell through t; rendered cells map to the fallback.
func (r *reader) category(t palette.Table, x, y int) string {
	return t.LookupKey(r.block(x, y).ColorString())
}

// cast reads an icon cell followed by its duration cell and, for hostile
// units, an interruptible flag. A pure icon cell means no cast.
func (r *reader) cast(x, y int, hostile bool) *Cast {
	if r.block(x, y).IsPure() || r.err != nil {
		return nil
	}
	c := &Cast{Icon: r.title(x, y), Duration: r.percent(x+1, y)}
	if hostile {
		v := r.white(x+2, y)
		c.Interruptible = &v
	}
	return c
}

func (r *reader) bar(s Span) float64 {
	if r.err != nil {
		return 0
	}
	v, err := r.ex.ReadProgressBar(s.Left, s.Top, s.Length)
	r.fail(err)
	return v
}

func (r *reader) spells(s Span) grid.Sequence[grid.Spell] {
	if r.err != nil {
		return grid.Sequence[grid.Spell]{}
	}
	seq, err := r.ex.ReadSpellSequence(s.Left, s.Top, s.Length)
	r.fail(err)
	return seq
}

func (r *reader) auras(s Span) grid.Sequence[grid.Aura] {
	if r.err != nil {
		return grid.Sequence[grid.Aura]{}
	}
	seq, err := r.ex.ReadAuraSequence(s.Left, s.Top, s.Length)
	r.fail(err)
	return seq
}

func (r *reader) std(x, y int) grid.StdNode {
	if r.err != nil {
		return grid.StdNode{}
	}
	n, err := r.ex.ReadStdNode(x, y)
	r.fail(err)
	return n
}
