package utils

import "math"

// FloatsEqual reports whether a and b agree within tol. NaN never equals
// anything, including itself.
func FloatsEqual(a, b, tol float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return false
	}
	return math.Abs(a-b) <= tol
}
