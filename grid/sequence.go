package grid

import "github.com/hazyhaar/pixeldump/pixel"

// slotRows is the number of stacked cells in one spell or aura slot: icon,
// status, count.
const slotRows = 3

// Sequence is an ordered list of slots plus a title index. Items is
// authoritative for order; on duplicate titles the later slot wins in ByTitle.
type Sequence[T any] struct {
	Items   []T          `json:"items"`
	ByTitle map[string]T `json:"by_title"`
}

func newSequence[T any]() Sequence[T] {
	return Sequence[T]{Items: []T{}, ByTitle: map[string]T{}}
}

func (s *Sequence[T]) add(title string, v T) {
	s.Items = append(s.Items, v)
	s.ByTitle[title] = v
}

// Spell is one occupied slot of an ability bar.
type Spell struct {
	Title     string  `json:"title"`
	Remaining float64 `json:"remaining"`
	Highlight bool    `json:"highlight"`
	Usable    bool    `json:"usable"`
	Known     bool    `json:"known"`
	Charge    *int    `json:"charge"`
}

// Aura is one occupied buff or debuff slot. Remaining is nil for auras
// without a duration.
type Aura struct {
	Title     string   `json:"title"`
	Remaining *float64 `json:"remaining"`
	Type      string   `json:"type"`
	Count     int      `json:"count"`
	Forever   bool     `json:"forever"`
}

type slot struct {
	icon, status, count pixel.Block
}

// slots yields the occupied slots of a sequence, skipping black icons.
func (e *Extractor) slots(left, top, length int) ([]slot, error) {
	if err := e.Check(left, top, length, slotRows); err != nil {
		return nil, err
	}
	var out []slot
	for x := left; x < left+length; x++ {
		icon, _ := e.Block(x, top)
		if icon.IsBlack() {
			continue
		}
		status, _ := e.Block(x, top+1)
		count, _ := e.Block(x, top+2)
		out = append(out, slot{icon: icon, status: status, count: count})
	}
	return out, nil
}

// ReadSpellSequence reads length spell slots starting at (left, top). Empty
// slots are skipped; slots need not be contiguous.
func (e *Extractor) ReadSpellSequence(left, top, length int) (Sequence[Spell], error) {
	slots, err := e.slots(left, top, length)
	if err != nil {
		return Sequence[Spell]{}, err
	}
	seq := newSequence[Spell]()
	for _, s := range slots {
		cooldown := s.status.Quadrant(pixel.TopLeft)
		sp := Spell{
			Title:     s.icon.Title(e.resolver),
			Usable:    s.status.Quadrant(pixel.TopRight).IsWhite(),
			Highlight: s.status.Quadrant(pixel.BottomLeft).IsWhite(),
			Known:     s.status.Quadrant(pixel.BottomRight).IsWhite(),
		}
		if !cooldown.IsBlack() {
			sp.Remaining = cooldown.Remaining()
		}
		if !s.count.IsBlack() {
			n := s.count.Count()
			sp.Charge = &n
		}
		seq.add(sp.Title, sp)
	}
	return seq, nil
}

// ReadAuraSequence reads length aura slots starting at (left, top). A black
// remaining quadrant marks an aura with no duration.
func (e *Extractor) ReadAuraSequence(left, top, length int) (Sequence[Aura], error) {
	slots, err := e.slots(left, top, length)
	if err != nil {
		return Sequence[Aura]{}, err
	}
	seq := newSequence[Aura]()
	for _, s := range slots {
		remain := s.status.Quadrant(pixel.TopLeft)
		a := Aura{
			Title:   s.icon.Title(e.resolver),
			Type:    e.category(s.status.Quadrant(pixel.TopRight)),
			Forever: s.status.Quadrant(pixel.BottomLeft).IsWhite(),
		}
		if remain.IsBlack() {
			a.Forever = true
		} else {
			r := remain.Remaining()
			a.Remaining = &r
		}
		if !s.count.IsBlack() {
			a.Count = s.count.Count()
		}
		seq.add(a.Title, a)
	}
	return seq, nil
}

func (e *Extractor) category(r pixel.Region) string {
	c, err := r.Color()
	if err != nil {
		return e.tables.IconType.LookupKey("")
	}
	return e.tables.IconType.Lookup(c)
}
