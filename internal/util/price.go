// Package util holds small shared helpers.
package util

import "math"

// RoundToCents rounds a price to cent precision.
func RoundToCents(price float64) float64 {
	return math.Round(price*100) / 100
}

// ShortID returns the first 8 characters of an id for compact logging
// and order tags.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
