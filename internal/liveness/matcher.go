package liveness

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Verification thresholds.
const (
	MinEmbeddingLength  = 16
	MinBlinkCount       = 1
	MinCaptureDuration  = 2340 * time.Millisecond
	MinPoseOverlap      = 3
	AverageSimilarityGT = 0.88
	MinimumSimilarityGT = 0.79
)

// RequiredPoses must all be present in a verification payload.
var RequiredPoses = []string{"center", "left", "right", "up", "down"}

// RequiredActions must all appear in the capture's action order.
var RequiredActions = []string{"center", "left", "right", "up", "down", "blink"}

var (
	ErrMissingPoses          = errors.New("missing required pose samples")
	ErrMissingActions        = errors.New("missing required liveness actions")
	ErrBlinkNotDetected      = errors.New("blink not detected")
	ErrCaptureTooShort       = errors.New("liveness capture too short")
	ErrInvalidEmbedding      = errors.New("invalid face embedding")
	ErrInsufficientPoseMatch = errors.New("insufficient pose match")
	ErrFaceMismatch          = errors.New("face mismatch")
)

// Evidence is the liveness capture submitted by the client.
type Evidence struct {
	Samples         map[string][]float64
	ActionOrder     []string
	BlinkCount      int
	CaptureDuration time.Duration
}

// Outcome of a verification attempt.
type Outcome string

const (
	OutcomeRegistered Outcome = "registered"
	OutcomeUpgraded   Outcome = "upgraded"
	OutcomeVerified   Outcome = "verified"
)

// Decision is returned by a successful evaluation.
type Decision struct {
	Outcome           Outcome
	AverageSimilarity float64
	MinimumSimilarity float64
	MatchedPoses      int
	// Store holds the samples that should be persisted as the new profile,
	// set only for registration and upgrades.
	Store map[string][]float64
}

// Matcher compares liveness evidence with a stored profile.
type Matcher struct{}

// NewMatcher returns a matcher using the package thresholds.
func NewMatcher() *Matcher {
	return &Matcher{}
}

// Validate checks the capture preconditions. It never compares embeddings.
func (m *Matcher) Validate(e Evidence) error {
	var missing []string
	for _, pose := range RequiredPoses {
		if _, ok := e.Samples[pose]; !ok {
			missing = append(missing, pose)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingPoses, strings.Join(missing, ", "))
	}

	performed := make(map[string]struct{}, len(e.ActionOrder))
	for _, action := range e.ActionOrder {
		performed[strings.ToLower(strings.TrimSpace(action))] = struct{}{}
	}
	missing = missing[:0]
	for _, action := range RequiredActions {
		if _, ok := performed[action]; !ok {
			missing = append(missing, action)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingActions, strings.Join(missing, ", "))
	}

	if e.BlinkCount < MinBlinkCount {
		return ErrBlinkNotDetected
	}
	if e.CaptureDuration < MinCaptureDuration {
		return ErrCaptureTooShort
	}

	for pose, vec := range e.Samples {
		if len(vec) < MinEmbeddingLength {
			return fmt.Errorf("%w: pose %s has %d values", ErrInvalidEmbedding, pose, len(vec))
		}
	}

	return nil
}

// Evaluate validates the evidence and either asks for the profile to be
// stored or compares it against the stored one.
func (m *Matcher) Evaluate(stored map[string][]float64, e Evidence) (Decision, error) {
	if err := m.Validate(e); err != nil {
		return Decision{}, err
	}

	if len(stored) == 0 {
		return Decision{Outcome: OutcomeRegistered, Store: copySamples(e.Samples)}, nil
	}

	if countRequired(stored) < MinPoseOverlap {
		return Decision{Outcome: OutcomeUpgraded, Store: copySamples(e.Samples)}, nil
	}

	return decide(ProfileSimilarity(stored, e.Samples))
}

// ProfileSimilarity compares the required poses present in both profiles and
// returns the average and minimum cosine similarity over them.
func ProfileSimilarity(stored, incoming map[string][]float64) (avg, minimum float64, matched int) {
	var sum float64
	minimum = math.Inf(1)
	for _, pose := range RequiredPoses {
		reference, ok := stored[pose]
		if !ok {
			continue
		}
		sample, ok := incoming[pose]
		if !ok {
			continue
		}
		similarity := CosineSimilarity(reference, sample)
		sum += similarity
		minimum = math.Min(minimum, similarity)
		matched++
	}
	if matched == 0 {
		return 0, 0, 0
	}
	return sum / float64(matched), minimum, matched
}

// decide applies the overlap and similarity thresholds. A match on too few
// poses is rejected however close the vectors are.
func decide(avg, minimum float64, matched int) (Decision, error) {
	if matched < MinPoseOverlap {
		return Decision{MatchedPoses: matched}, ErrInsufficientPoseMatch
	}

	decision := Decision{
		AverageSimilarity: avg,
		MinimumSimilarity: minimum,
		MatchedPoses:      matched,
	}
	if avg > AverageSimilarityGT && minimum > MinimumSimilarityGT {
		decision.Outcome = OutcomeVerified
		return decision, nil
	}
	return decision, ErrFaceMismatch
}

// LegacyProfile converts a single stored embedding into a pose map.
func LegacyProfile(embedding []float64) map[string][]float64 {
	if len(embedding) == 0 {
		return nil
	}
	return map[string][]float64{"center": embedding}
}

// CosineSimilarity returns 0 when either vector has zero norm.
func CosineSimilarity(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func countRequired(samples map[string][]float64) int {
	count := 0
	for _, pose := range RequiredPoses {
		if _, ok := samples[pose]; ok {
			count++
		}
	}
	return count
}

func copySamples(samples map[string][]float64) map[string][]float64 {
	out := make(map[string][]float64, len(samples))
	for pose, vec := range samples {
		out[pose] = append([]float64(nil), vec...)
	}
	return out
}
