package grading

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
)

const (
	semanticWeight  = 0.60
	keywordWeight   = 0.25
	structureWeight = 0.15

	// ReviewThreshold is the semantic similarity under which an answer is
	// flagged for a human look.
	ReviewThreshold = 0.45

	structureWordSpan = 100.0
)

// ErrEmbeddingUnavailable wraps failures of the embedding provider.
var ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

// TextEmbedder turns text into a vector. Implementations talk to an external
// provider and must honour ctx cancellation.
type TextEmbedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// SubjectiveBreakdown explains how a subjective score was composed.
type SubjectiveBreakdown struct {
	Semantic    float64 `json:"semantic"`
	Keyword     float64 `json:"keyword"`
	Structure   float64 `json:"structure"`
	NeedsReview bool    `json:"needs_review"`
}

// Map renders the breakdown for JSON storage.
func (b SubjectiveBreakdown) Map() map[string]interface{} {
	return map[string]interface{}{
		"semantic":     b.Semantic,
		"keyword":      b.Keyword,
		"structure":    b.Structure,
		"needs_review": b.NeedsReview,
	}
}

// SubjectiveResult is the outcome of grading a free text answer.
type SubjectiveResult struct {
	Score     float64
	Breakdown SubjectiveBreakdown
}

// SubjectiveGrader blends semantic similarity, keyword coverage and length
// similarity into a score.
type SubjectiveGrader struct {
	embedder TextEmbedder
}

// NewSubjectiveGrader builds a grader around an embedding provider.
func NewSubjectiveGrader(embedder TextEmbedder) *SubjectiveGrader {
	return &SubjectiveGrader{embedder: embedder}
}

// Grade scores answer against reference. The returned score is always within
// [0, marks].
func (g *SubjectiveGrader) Grade(ctx context.Context, answer, reference string, keywords []string, marks float64) (SubjectiveResult, error) {
	// A blank answer has no meaning to embed; providers reject empty input.
	var semantic float64
	if strings.TrimSpace(answer) != "" {
		if g.embedder == nil {
			return SubjectiveResult{}, ErrEmbeddingUnavailable
		}

		answerVec, err := g.embedder.Embed(ctx, answer)
		if err != nil {
			return SubjectiveResult{}, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
		}
		referenceVec, err := g.embedder.Embed(ctx, reference)
		if err != nil {
			return SubjectiveResult{}, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
		}
		semantic = CosineSimilarity(answerVec, referenceVec)
	}

	keyword := KeywordCoverage(answer, keywords)
	structure := StructureSimilarity(answer, reference)

	combined := semanticWeight*semantic + keywordWeight*keyword + structureWeight*structure
	score := round(math.Min(marks, math.Max(0, combined*marks)), 2)

	return SubjectiveResult{
		Score: score,
		Breakdown: SubjectiveBreakdown{
			Semantic:    round(semantic, 3),
			Keyword:     round(keyword, 3),
			Structure:   round(structure, 3),
			NeedsReview: semantic < ReviewThreshold,
		},
	}, nil
}

// CosineSimilarity returns the cosine of the angle between a and b. Vectors
// of different lengths are compared over their common prefix and a zero norm
// yields 0.
func CosineSimilarity(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0
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

// KeywordCoverage is the fraction of keywords found in the answer, matched
// case-insensitively as substrings.
func KeywordCoverage(answer string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	lower := strings.ToLower(answer)
	hits := 0
	for _, keyword := range keywords {
		if strings.Contains(lower, strings.ToLower(keyword)) {
			hits++
		}
	}
	return float64(hits) / float64(len(keywords))
}

// StructureSimilarity compares word counts; answers 100 or more words away
// from the reference score 0.
func StructureSimilarity(answer, reference string) float64 {
	diff := math.Abs(float64(len(strings.Fields(answer)) - len(strings.Fields(reference))))
	return math.Max(0, 1-diff/structureWordSpan)
}
