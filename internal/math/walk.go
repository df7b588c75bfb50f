package math

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// WalkStep draws the next offset of a bounded random walk. u is a uniform
// sample in [0, 1); the raw step lies in [-maxPercent, +maxPercent] and is
// clamped to within changeLimit of prev.
func WalkStep(prev, u, maxPercent, changeLimit float64) float64 {
	raw := -maxPercent + 2*maxPercent*u
	return Clamp(raw, prev-changeLimit, prev+changeLimit)
}
