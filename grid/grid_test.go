package grid

import (
	"errors"
	"testing"

	"github.com/hazyhaar/pixeldump/palette"
	"github.com/hazyhaar/pixeldump/pixel"
)

type mapResolver map[string]string

func (m mapResolver) Title(hash string, _, _ []byte) string {
	if v, ok := m[hash]; ok {
		return v
	}
	return hash
}

func iconHash(t *testing.T, seed uint8) string {
	t.Helper()
	c := newCanvas(1, 1)
	c.icon(0, 0, seed)
	b, _ := c.frame(t).Block(0, 0, cell)
	return b.Hash()
}

func TestBlock_OutOfBounds(t *testing.T) {
	e := New(newCanvas(4, 2).frame(t), nil, nil)

	_, err := e.Block(4, 0)
	var be *BoundsError
	if !errors.As(err, &be) {
		t.Fatalf("Block(4,0): got %v, want *BoundsError", err)
	}
	if !errors.Is(err, ErrDecodeBounds) {
		t.Error("BoundsError does not match ErrDecodeBounds")
	}
	if be.Cols != 4 || be.Rows != 2 {
		t.Errorf("grid size: got %dx%d, want 4x2", be.Cols, be.Rows)
	}
	if _, err := e.Block(0, -1); !errors.Is(err, ErrDecodeBounds) {
		t.Errorf("Block(0,-1): got %v", err)
	}
}

func TestReadProgressBar(t *testing.T) {
	c := newCanvas(3, 1)
	c.fill(0, 0, pixel.White)
	c.rect(cell, 3, cell+4, 5, pixel.White)
	e := New(c.frame(t), nil, nil)

	got, err := e.ReadProgressBar(0, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0.75 {
		t.Errorf("ReadProgressBar: got %v, want 0.75", got)
	}

	got, err = e.ReadProgressBar(2, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0 {
		t.Errorf("ReadProgressBar(empty): got %v, want 0", got)
	}

	if _, err := e.ReadProgressBar(1, 0, 3); !errors.Is(err, ErrDecodeBounds) {
		t.Errorf("ReadProgressBar past edge: got %v, want ErrDecodeBounds", err)
	}
}

func TestReadAuraSequence_SkipsEmptySlots(t *testing.T) {
	c := newCanvas(5, 3)
	for i := range 5 {
		if i == 2 {
			continue
		}
		c.icon(i, 0, uint8(10+i))
		c.fill(i, 1, pixel.Black)
		c.quad(i, 1, pixel.TopLeft, gray(200))
	}
	e := New(c.frame(t), nil, nil)

	seq, err := e.ReadAuraSequence(0, 0, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(seq.Items) != 4 {
		t.Fatalf("Items: got %d, want 4", len(seq.Items))
	}
	for i, seed := range []uint8{10, 11, 13, 14} {
		if want := iconHash(t, seed); seq.Items[i].Title != want {
			t.Errorf("Items[%d].Title: got %s, want %s", i, seq.Items[i].Title, want)
		}
	}
	if len(seq.ByTitle) != 4 {
		t.Errorf("ByTitle: got %d entries, want 4", len(seq.ByTitle))
	}
}

func TestReadAuraSequence_Fields(t *testing.T) {
	tables, err := palette.New(map[string]map[string]string{
		palette.IconType: {"255,0,0": "MAGIC"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	c := newCanvas(2, 3)
	// Slot 0: timed magic debuff with 3 stacks.
	c.icon(0, 0, 1)
	c.quad(0, 1, pixel.TopLeft, gray(200))
	c.quad(0, 1, pixel.TopRight, pixel.Color{R: 255})
	c.glyph(0, 2, 3)
	// Slot 1: aura without duration, unknown type.
	c.icon(1, 0, 2)
	c.quad(1, 1, pixel.TopRight, pixel.Color{R: 1, G: 2, B: 3})

	res := mapResolver{iconHash(t, 1): "Corruption", iconHash(t, 2): "Fortitude"}
	e := New(c.frame(t), res, tables)

	seq, err := e.ReadAuraSequence(0, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(seq.Items) != 2 {
		t.Fatalf("Items: got %d, want 2", len(seq.Items))
	}

	timed := seq.ByTitle["Corruption"]
	if timed.Remaining == nil || *timed.Remaining != 155 {
		t.Errorf("Corruption.Remaining: got %v, want 155", timed.Remaining)
	}
	if timed.Type != "MAGIC" {
		t.Errorf("Corruption.Type: got %q, want MAGIC", timed.Type)
	}
	if timed.Count != 3 {
		t.Errorf("Corruption.Count: got %d, want 3", timed.Count)
	}
	if timed.Forever {
		t.Error("Corruption.Forever: got true")
	}

	forever := seq.ByTitle["Fortitude"]
	if forever.Remaining != nil {
		t.Errorf("Fortitude.Remaining: got %v, want nil", *forever.Remaining)
	}
	if !forever.Forever {
		t.Error("Fortitude.Forever: got false")
	}
	if forever.Type != "Unknown" {
		t.Errorf("Fortitude.Type: got %q, want Unknown", forever.Type)
	}
	if forever.Count != 0 {
		t.Errorf("Fortitude.Count: got %d, want 0", forever.Count)
	}
}

func TestReadSpellSequence(t *testing.T) {
	c := newCanvas(4, 3)
	// Slot 0: on cooldown, usable, two charges.
	c.icon(0, 0, 1)
	c.quad(0, 1, pixel.TopLeft, gray(150))
	c.quad(0, 1, pixel.TopRight, pixel.White)
	c.quad(0, 1, pixel.BottomRight, pixel.White)
	c.glyph(0, 2, 2)
	// Slot 1: empty.
	// Slot 2: ready and highlighted, no charges.
	c.icon(2, 0, 3)
	c.quad(2, 1, pixel.BottomLeft, pixel.White)
	c.quad(2, 1, pixel.TopRight, pixel.White)
	// Slot 3: same icon as slot 0, so it shadows it in the index.
	c.icon(3, 0, 1)
	c.quad(3, 1, pixel.TopLeft, gray(100))

	e := New(c.frame(t), mapResolver{iconHash(t, 1): "Fireball", iconHash(t, 3): "Blink"}, nil)
	seq, err := e.ReadSpellSequence(0, 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(seq.Items) != 3 {
		t.Fatalf("Items: got %d, want 3", len(seq.Items))
	}

	fb := seq.Items[0]
	if fb.Title != "Fireball" || fb.Remaining != 30 || !fb.Usable || !fb.Known || fb.Highlight {
		t.Errorf("Items[0]: got %+v", fb)
	}
	if fb.Charge == nil || *fb.Charge != 2 {
		t.Errorf("Items[0].Charge: got %v, want 2", fb.Charge)
	}

	blink := seq.Items[1]
	if blink.Title != "Blink" || blink.Remaining != 0 || !blink.Highlight || !blink.Usable || blink.Known {
		t.Errorf("Items[1]: got %+v", blink)
	}
	if blink.Charge != nil {
		t.Errorf("Items[1].Charge: got %d, want nil", *blink.Charge)
	}

	if len(seq.ByTitle) != 2 {
		t.Errorf("ByTitle: got %d entries, want 2", len(seq.ByTitle))
	}
	if got := seq.ByTitle["Fireball"].Remaining; got != 5 {
		t.Errorf("ByTitle[Fireball].Remaining: got %v, want 5 (last slot wins)", got)
	}
}

func TestReadSequence_OutOfBounds(t *testing.T) {
	e := New(newCanvas(4, 3).frame(t), nil, nil)
	if _, err := e.ReadSpellSequence(2, 0, 3); !errors.Is(err, ErrDecodeBounds) {
		t.Errorf("ReadSpellSequence: got %v, want ErrDecodeBounds", err)
	}
	if _, err := e.ReadAuraSequence(0, 1, 2); !errors.Is(err, ErrDecodeBounds) {
		t.Errorf("ReadAuraSequence: got %v, want ErrDecodeBounds", err)
	}
}

func TestReadStdNode(t *testing.T) {
	c := newCanvas(2, 1)
	c.fill(0, 0, gray(51))
	c.icon(1, 0, 9)
	e := New(c.frame(t), mapResolver{iconHash(t, 9): "Spec"}, nil)

	pure, err := e.ReadStdNode(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !pure.IsPure || pure.ColorString != "51,51,51" || pure.Percent != 20 {
		t.Errorf("pure node: got %+v", pure)
	}

	icon, err := e.ReadStdNode(1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if icon.IsPure || icon.Title != "Spec" || icon.Hash != iconHash(t, 9) {
		t.Errorf("icon node: got %+v", icon)
	}
}
