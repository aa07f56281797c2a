package integrity

import (
	"math"
	"strings"
)

const (
	// MaxScore is the integrity score every session starts with.
	MaxScore = 100.0
	// DefaultWeight applies to violation types outside the table.
	DefaultWeight = 0.05
)

// WeightTable maps violation kinds to penalty weights. The zero value is not
// usable; build one with DefaultWeights or NewWeightTable.
type WeightTable struct {
	weights  map[Kind]float64
	fallback float64
}

// DefaultWeights returns the production weight table.
func DefaultWeights() WeightTable {
	return NewWeightTable(map[Kind]float64{
		KindPhoneDetected:       0.30,
		KindGazeAway:            0.25,
		KindRAFTabSwitch:        0.20,
		KindTabSwitch:           0.20,
		KindWindowResize:        0.15,
		KindMultipleMonitors:    0.15,
		KindSpeechDetected:      0.15,
		KindMultipleFaces:       0.10,
		KindNoMouse:             0.10,
		KindCopyPaste:           0.10,
		KindScreenshotAttempt:   0.10,
		KindSpeechCheating:      0.35,
		KindScreenShareDetected: 0.40,
	}, DefaultWeight)
}

// NewWeightTable copies the supplied weights into an immutable table.
func NewWeightTable(weights map[Kind]float64, fallback float64) WeightTable {
	copied := make(map[Kind]float64, len(weights))
	for kind, weight := range weights {
		copied[kind] = clamp(weight, 0, 1)
	}
	return WeightTable{weights: copied, fallback: clamp(fallback, 0, 1)}
}

// WithOverrides returns a new table with the given type names re-weighted.
// Names outside the known set are ignored.
func (t WeightTable) WithOverrides(overrides map[string]float64) WeightTable {
	merged := make(map[Kind]float64, len(t.weights)+len(overrides))
	for kind, weight := range t.weights {
		merged[kind] = weight
	}
	for name, weight := range overrides {
		kind := Kind(strings.ToLower(strings.TrimSpace(name)))
		if _, ok := knownKinds[kind]; !ok {
			continue
		}
		merged[kind] = weight
	}
	return NewWeightTable(merged, t.fallback)
}

// Weight returns the penalty weight for the violation.
func (t WeightTable) Weight(v Violation) float64 {
	if weight, ok := t.weights[v.Kind]; ok {
		return weight
	}
	return t.fallback
}

// Engine computes integrity score transitions.
type Engine struct {
	weights WeightTable
}

// NewEngine builds an engine around the given table.
func NewEngine(weights WeightTable) *Engine {
	if weights.weights == nil {
		weights = DefaultWeights()
	}
	return &Engine{weights: weights}
}

// Penalty returns the number of points a violation removes.
func (e *Engine) Penalty(v Violation, confidence float64) float64 {
	return e.weights.Weight(v) * clamp(confidence, 0, 1) * 100
}

// Update applies a violation to the current score. The result is rounded to
// two decimals and never leaves [0, 100].
func (e *Engine) Update(current float64, v Violation, confidence float64) float64 {
	current = clamp(current, 0, MaxScore)
	next := math.Max(0, current-e.Penalty(v, confidence))
	return Round(next, 2)
}

// Weights exposes the engine's table.
func (e *Engine) Weights() WeightTable {
	return e.weights
}

// Round rounds half away from zero to the given number of decimals.
func Round(value float64, places int) float64 {
	factor := math.Pow(10, float64(places))
	return math.Round(value*factor) / factor
}

func clamp(value, low, high float64) float64 {
	if math.IsNaN(value) {
		return low
	}
	return math.Min(high, math.Max(low, value))
}
