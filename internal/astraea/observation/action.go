package observation

import "math"

// MapAction converts a scalar policy action into a new congestion window,
// the shared convention applied on the sender side after every inference
// reply: non-negative actions scale cwnd up multiplicatively, negative
// actions scale it down by the reciprocal.
func MapAction(action float64, cwnd float64) int {
	if action >= 0 {
		return int(math.Ceil((1 + 0.025*action) * cwnd))
	}
	return int(math.Floor(cwnd / (1 - 0.025*action)))
}
