package grid

// StdNode is the generic reading of one cell used for signal and spec
// areas: pure cells expose their color and brightness, rendered cells their
// title.
type StdNode struct {
	IsPure      bool    `json:"is_pure"`
	ColorString string  `json:"color_string,omitempty"`
	IsWhite     bool    `json:"is_white,omitempty"`
	Percent     float64 `json:"percent,omitempty"`
	Mean        float64 `json:"mean,omitempty"`
	Decimal     float64 `json:"decimal,omitempty"`
	Title       string  `json:"title,omitempty"`
	Hash        string  `json:"hash,omitempty"`
}

// ReadStdNode reads the cell at (gx, gy).
func (e *Extractor) ReadStdNode(gx, gy int) (StdNode, error) {
	b, err := e.Block(gx, gy)
	if err != nil {
		return StdNode{}, err
	}
	if b.IsPure() {
		return StdNode{
			IsPure:      true,
			ColorString: b.ColorString(),
			IsWhite:     b.IsWhite(),
			Percent:     b.Percent(),
			Mean:        b.Mean(),
			Decimal:     b.Decimal(),
		}, nil
	}
	return StdNode{Title: b.Title(e.resolver), Hash: b.Hash()}, nil
}
