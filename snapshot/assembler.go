package snapshot

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/pixeldump/grid"
	"github.com/hazyhaar/pixeldump/palette"
	"github.com/hazyhaar/pixeldump/pixel"
)

// Assembler decodes frames laid out per one Layout. It holds no per-frame
// state and is safe for concurrent use when its resolver is.
type Assembler struct {
	layout   Layout
	resolver pixel.TitleResolver
	tables   *palette.Tables
	log      *slog.Logger
	now      func() time.Time
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(a *Assembler) { a.log = l } }

// WithClock overrides time.Now for snapshot timestamps.
func WithClock(now func() time.Time) Option { return func(a *Assembler) { a.now = now } }

// NewAssembler validates layout and returns an Assembler. resolver may be
// nil (titles are raw hashes) and tables may be nil (empty tables).
func NewAssembler(layout Layout, resolver pixel.TitleResolver, tables *palette.Tables, opts ...Option) (*Assembler, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if tables == nil {
		tables = palette.Empty()
	}
	a := &Assembler{
		layout:   layout,
		resolver: resolver,
		tables:   tables,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Layout returns the layout in use.
func (a *Assembler) Layout() Layout { return a.layout }

// Assemble decodes frame, which must already be cropped to the data
// region. Failures are reported in the returned snapshot.
func (a *Assembler) Assemble(frame *pixel.Frame) *Snapshot {
	now := a.now()
	ex := grid.New(frame, a.resolver, a.tables, grid.WithBlockSize(a.layout.BlockSize))
	if err := ex.Check(0, 0, a.layout.Cols, a.layout.Rows); err != nil {
		a.log.Error("snapshot: frame does not cover the layout",
			"layout", a.layout.Version, "cols", ex.Cols(), "rows", ex.Rows(), "error", err)
		return Failed(now, ErrorDecode, err.Error())
	}
	if details := a.occlusion(ex); len(details) > 0 {
		return Failed(now, ErrorOccluded, details...)
	}

	r := &reader{ex: ex, tables: a.tables}
	s := &Snapshot{
		Timestamp: now,
		Layout:    a.layout.Version,
		Misc:      a.misc(r),
		Player:    a.player(r),
		Target:    a.unit(r, "target", 6, a.layout.TargetDebuffs),
		Focus:     a.unit(r, "focus", 8, a.layout.FocusDebuffs),
		Party:     a.party(r),
		Signal:    a.signal(r),
		Spec:      a.spec(r),
	}
	if r.err != nil {
		if errors.Is(r.err, grid.ErrDecodeBounds) {
			a.log.Error("snapshot: layout read outside frame", "layout", a.layout.Version, "error", r.err)
		}
		return Failed(now, ErrorDecode, r.err.Error())
	}
	return s
}

// occlusion checks the corner cells the addon paints around the data. A
// window or overlay covering the region breaks at least one of them.
func (a *Assembler) occlusion(ex *grid.Extractor) []string {
	cells := a.layout.OcclusionCell
	r := &reader{ex: ex}
	var details []string
	for _, c := range cells[:2] {
		if !r.block(c[0], c[1]).IsBlack() {
			details = append(details, fmt.Sprintf("(%d,%d) should be black", c[0], c[1]))
		}
	}
	ref1, ref2 := r.block(cells[2][0], cells[2][1]), r.block(cells[3][0], cells[3][1])
	for i, b := range []pixel.Block{ref1, ref2} {
		if !b.IsPure() {
			details = append(details, fmt.Sprintf("(%d,%d) should be a pure reference color", cells[2+i][0], cells[2+i][1]))
		}
	}
	if ref1.IsPure() && ref2.IsPure() && ref1.ColorString() != ref2.ColorString() {
		details = append(details, fmt.Sprintf("reference colors differ: %s != %s", ref1.ColorString(), ref2.ColorString()))
	}
	if r.block(cells[4][0], cells[4][1]).IsPure() {
		details = append(details, fmt.Sprintf("(%d,%d) should carry data", cells[4][0], cells[4][1]))
	}
	return details
}

func (a *Assembler) misc(r *reader) *Misc {
	return &Misc{
		AC:          r.title(34, 5),
		OnChat:      r.white(35, 5),
		IsTargeting: r.white(36, 5),
		FlashNode:   r.block(37, 5).ColorString(),
	}
}

func (a *Assembler) player(r *reader) *Player {
	l := a.layout
	buffs := r.auras(l.PlayerBuffs)
	return &Player{
		UnitToken: "player",
		Spell:     r.spells(l.PlayerSpells),
		Aura:      Auras{Buff: &buffs, Debuff: r.auras(l.PlayerDebuffs)},
		Status: PlayerStatus{
			DamageAbsorbs: r.bar(l.PlayerAbsorb) * 100,
			HealAbsorbs:   r.bar(l.PlayerHealAbs) * 100,
			Health:        r.percent(45, 4),
			Power:         r.percent(45, 5),
			InCombat:      r.white(38, 4),
			InMovement:    r.white(39, 4),
			InVehicle:     r.white(40, 4),
			IsEmpowering:  r.white(41, 4),
			IsDeadOrGhost: r.white(40, 5),
			InRange:       true,
			Cast:          r.cast(42, 4, false),
			Channel:       r.cast(42, 5, false),
			Class:         r.category(a.tables.Class, 38, 5),
			Role:          r.category(a.tables.Role, 39, 5),
		},
	}
}

// unit reads target or focus from rows top and top+1.
func (a *Assembler) unit(r *reader, token string, top int, debuffs Span) *Unit {
	u := &Unit{UnitToken: token, Exists: r.white(38, top)}
	if !u.Exists {
		return u
	}
	u.Aura = &Auras{Debuff: r.auras(debuffs)}
	u.Status = &UnitStatus{
		CanAttack: r.white(39, top),
		IsSelf:    r.white(40, top),
		IsAlive:   r.white(41, top),
		InCombat:  r.white(42, top),
		InRange:   r.white(43, top),
		Health:    r.percent(45, top),
		Cast:      r.cast(38, top+1, true),
		Channel:   r.cast(41, top+1, true),
	}
	return u
}

func (a *Assembler) party(r *reader) map[string]*PartyMember {
	l := a.layout
	out := make(map[string]*PartyMember, l.PartyMembers)
	for i := range l.PartyMembers {
		dx := i * l.PartyStride
		shift := func(s Span) Span { s.Left += dx; return s }
		x, y := l.PartyStatusX+dx, l.PartyStatusY

		token := fmt.Sprintf("party%d", i+1)
		m := &PartyMember{UnitToken: token, Exists: r.white(x, y)}
		out[token] = m
		if !m.Exists {
			continue
		}
		m.Status = &PartyStatus{
			InRange:       r.white(x+1, y),
			Health:        r.percent(x+2, y),
			Selected:      r.white(x+2, y+1),
			DamageAbsorbs: r.bar(shift(l.PartyAbsorb)) * 100,
			HealAbsorbs:   r.bar(shift(l.PartyHealAbs)) * 100,
			Class:         r.category(a.tables.Class, x, y+1),
			Role:          r.category(a.tables.Role, x+1, y+1),
		}
		buffs := r.auras(shift(l.PartyBuffs))
		m.Aura = &Auras{Buff: &buffs, Debuff: r.auras(shift(l.PartyDebuffs))}
	}
	return out
}

func (a *Assembler) signal(r *reader) map[int]grid.StdNode {
	s := a.layout.SignalSpan
	out := make(map[int]grid.StdNode, s.Length)
	for i := range s.Length {
		out[i+1] = r.std(s.Left+i, s.Top)
	}
	return out
}

// spec numbers cells column by column.
func (a *Assembler) spec(r *reader) map[int]grid.StdNode {
	l := a.layout
	out := make(map[int]grid.StdNode, l.SpecCols*l.SpecRows)
	n := 1
	for x := l.SpecLeft; x < l.SpecLeft+l.SpecCols; x++ {
		for y := l.SpecTop; y < l.SpecTop+l.SpecRows; y++ {
			out[n] = r.std(x, y)
			n++
		}
	}
	return out
}
