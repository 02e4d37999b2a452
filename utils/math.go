package utils

import (
	"github.com/okieraised/go-ffhq-alignment/config"
	"math"
	"slices"
)

// MeanPoint returns the centroid of pts.
func MeanPoint(pts []config.Point2D) config.Point2D {
	var sum config.Point2D
	if len(pts) == 0 {
		return sum
	}
	for _, p := range pts {
		sum = sum.Add(p)
	}
	return sum.Scale(1 / float64(len(pts)))
}

// Rint rounds half to even and converts to int.
func Rint(v float64) int {
	return int(math.RoundToEven(v))
}

// Clip limits v to [lo, hi].
func Clip(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Median returns the median of values, averaging the two middle elements when
// the count is even. values is sorted in place.
func Median(values []float32) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	slices.Sort(values)
	if n%2 == 1 {
		return float64(values[n/2])
	}
	return (float64(values[n/2-1]) + float64(values[n/2])) / 2
}
