package snapshot

import (
	"errors"
	"fmt"

	"github.com/hazyhaar/pixeldump/pixel"
)

// Span is a horizontal run of Length cells starting at (Left, Top). Slot
// sequences also occupy the two rows below Top.
type Span struct {
	Left, Top, Length int
}

// Layout places every sequence and meter of one protocol revision on the
// grid. Single-cell flags are fixed by the revision and live in the
// assembler.
type Layout struct {
	Version   string
	BlockSize int
	Cols      int
	Rows      int

	PlayerSpells  Span
	PlayerBuffs   Span
	PlayerDebuffs Span
	PlayerAbsorb  Span
	PlayerHealAbs Span

	TargetDebuffs Span
	FocusDebuffs  Span

	// Party spans are for member 1; member i is shifted right by
	// (i-1)*PartyStride columns.
	PartyMembers  int
	PartyStride   int
	PartyBuffs    Span
	PartyDebuffs  Span
	PartyAbsorb   Span
	PartyHealAbs  Span
	PartyStatusX  int
	PartyStatusY  int
	SignalSpan    Span
	SpecLeft      int
	SpecTop       int
	SpecCols      int
	SpecRows      int
	OcclusionCell [5][2]int
}

// Canonical is the 8px mixed-node revision.
var Canonical = Layout{
	Version:   "mixed-8",
	BlockSize: pixel.DefaultBlockSize,
	Cols:      52,
	Rows:      17,

	PlayerSpells:  Span{Left: 2, Top: 2, Length: 36},
	PlayerBuffs:   Span{Left: 2, Top: 5, Length: 32},
	PlayerDebuffs: Span{Left: 2, Top: 8, Length: 8},
	PlayerAbsorb:  Span{Left: 38, Top: 2, Length: 8},
	PlayerHealAbs: Span{Left: 38, Top: 3, Length: 8},

	TargetDebuffs: Span{Left: 10, Top: 8, Length: 16},
	FocusDebuffs:  Span{Left: 26, Top: 8, Length: 8},

	PartyMembers: 4,
	PartyStride:  12,
	PartyBuffs:   Span{Left: 8, Top: 11, Length: 6},
	PartyDebuffs: Span{Left: 2, Top: 11, Length: 6},
	PartyAbsorb:  Span{Left: 2, Top: 14, Length: 8},
	PartyHealAbs: Span{Left: 2, Top: 15, Length: 8},
	PartyStatusX: 10,
	PartyStatusY: 14,

	SignalSpan: Span{Left: 38, Top: 10, Length: 8},
	SpecLeft:   34,
	SpecTop:    8,
	SpecCols:   4,
	SpecRows:   3,

	// black, black, reference, reference, data
	OcclusionCell: [5][2]int{{1, 16}, {50, 1}, {1, 1}, {50, 16}, {51, 4}},
}

// ErrLayout is matched by every layout validation error.
var ErrLayout = errors.New("snapshot: invalid layout")

const slotRows = 3

// Validate checks that every span, party offset and fixed cell fits the
// grid.
func (l Layout) Validate() error {
	if l.BlockSize <= 0 || l.Cols <= 0 || l.Rows <= 0 {
		return fmt.Errorf("%w: non-positive dimensions", ErrLayout)
	}
	check := func(name string, s Span, rows int) error {
		if s.Length <= 0 || s.Left < 0 || s.Top < 0 ||
			s.Left+s.Length > l.Cols || s.Top+rows > l.Rows {
			return fmt.Errorf("%w: %s %+v exceeds %dx%d grid", ErrLayout, name, s, l.Cols, l.Rows)
		}
		return nil
	}
	shift := func(s Span, i int) Span {
		s.Left += i * l.PartyStride
		return s
	}

	errs := []error{
		check("player spells", l.PlayerSpells, slotRows),
		check("player buffs", l.PlayerBuffs, slotRows),
		check("player debuffs", l.PlayerDebuffs, slotRows),
		check("player absorb", l.PlayerAbsorb, 1),
		check("player heal absorb", l.PlayerHealAbs, 1),
		check("target debuffs", l.TargetDebuffs, slotRows),
		check("focus debuffs", l.FocusDebuffs, slotRows),
		check("signal", l.SignalSpan, 1),
		check("spec", Span{Left: l.SpecLeft, Top: l.SpecTop, Length: l.SpecCols}, l.SpecRows),
	}
	for i := range l.PartyMembers {
		errs = append(errs,
			check(fmt.Sprintf("party%d buffs", i+1), shift(l.PartyBuffs, i), slotRows),
			check(fmt.Sprintf("party%d debuffs", i+1), shift(l.PartyDebuffs, i), slotRows),
			check(fmt.Sprintf("party%d absorb", i+1), shift(l.PartyAbsorb, i), 1),
			check(fmt.Sprintf("party%d heal absorb", i+1), shift(l.PartyHealAbs, i), 1),
			check(fmt.Sprintf("party%d status", i+1), Span{Left: l.PartyStatusX + i*l.PartyStride, Top: l.PartyStatusY, Length: 3}, 2),
		)
	}
	for _, c := range l.OcclusionCell {
		errs = append(errs, check("occlusion cell", Span{Left: c[0], Top: c[1], Length: 1}, 1))
	}
	return errors.Join(errs...)
}
