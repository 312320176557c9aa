package experiment

import "math"

// twoProportionPValue runs a two-sided two-proportion z-test on conversion
// counts c1/n1 vs c2/n2 under the pooled null hypothesis. Returns NaN when
// either sample is empty or the pooled proportion is degenerate (0 or 1),
// where the normal approximation has no footing.
func twoProportionPValue(c1, n1, c2, n2 int64) float64 {
	if n1 == 0 || n2 == 0 {
		return math.NaN()
	}
	p1 := float64(c1) / float64(n1)
	p2 := float64(c2) / float64(n2)
	pooled := float64(c1+c2) / float64(n1+n2)
	if pooled <= 0 || pooled >= 1 {
		return math.NaN()
	}

	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(n1) + 1/float64(n2)))
	z := (p1 - p2) / se

	// Two-sided p-value from the standard normal survival function.
	return math.Erfc(math.Abs(z) / math.Sqrt2)
}
