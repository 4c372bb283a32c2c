package pixel

// DigitValue maps the white pixel count of a digit glyph to its value.
// Ten pixels is the wrap glyph and reads as zero; eleven or more saturates.
func DigitValue(c int) int {
	switch {
	case c <= 9:
		return max(c, 0)
	case c == 10:
		return 0
	default:
		return 20
	}
}

type curvePoint struct {
	seconds    float64
	brightness int
}

// timerCurve maps remaining seconds onto brightness. Monotonic in both axes.
var timerCurve = [...]curvePoint{
	{0, 0},
	{5, 100},
	{30, 150},
	{155, 200},
	{375, 255},
}

// Remaining converts a mean brightness into remaining seconds. The mean is
// truncated to an integer before the curve lookup.
func Remaining(mean float64) float64 {
	y := int(mean)
	first, last := timerCurve[0], timerCurve[len(timerCurve)-1]
	if y <= first.brightness {
		return first.seconds
	}
	if y >= last.brightness {
		return last.seconds
	}
	for i := 1; i < len(timerCurve); i++ {
		lo, hi := timerCurve[i-1], timerCurve[i]
		if y <= hi.brightness {
			return lo.seconds + (hi.seconds-lo.seconds)*float64(y-lo.brightness)/float64(hi.brightness-lo.brightness)
		}
	}
	return last.seconds
}
