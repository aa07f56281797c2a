package grading

import (
	"math"
	"strings"
)

// GradeMCQ scores a multiple choice answer. Blank answers earn nothing, a
// match earns full marks and a mismatch costs marks*negativeRate.
func GradeMCQ(answer, correct string, marks, negativeRate float64) float64 {
	given := strings.ToLower(strings.TrimSpace(answer))
	if given == "" {
		return 0
	}

	if given == strings.ToLower(strings.TrimSpace(correct)) {
		return marks
	}

	if negativeRate <= 0 {
		return 0
	}

	return -round(marks*negativeRate, 2)
}

func round(value float64, places int) float64 {
	factor := math.Pow(10, float64(places))
	return math.Round(value*factor) / factor
}
