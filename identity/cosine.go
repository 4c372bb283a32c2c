package identity

import "math"

// Cosine returns the cosine similarity of two byte vectors. Vectors of
// different length, empty vectors and all-zero vectors score 0.
func Cosine(a, b []byte) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb uint64
	for i := range a {
		x, y := uint64(a[i]), uint64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float64(dot) / (math.Sqrt(float64(na)) * math.Sqrt(float64(nb)))
}
