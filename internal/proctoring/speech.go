package proctoring

import (
	"strings"

	"github.com/noah-isme/gema-proctor-api/internal/integrity"
)

// Transcript tiers.
const (
	TierNone     = 0
	TierCheating = 1
	TierQuestion = 2
)

const (
	cheatingConfidence = 0.90
	questionConfidence = 0.65
	minQuestionWords   = 6
)

var cheatingPhrases = []string{
	"what is the answer", "tell me the answer", "correct option", "which option is correct",
	"bata do", "batao", "jawab kya", "jawab batao", "sahi jawab", "option kaunsa",
	"answer kya hai", "kya answer", "correct answer", "right answer",
}

var questionWords = []string{
	"what", "which", "how", "why", "when", "where", "who",
	"kya", "kaun", "kaise", "kyun", "kab", "kahan", "kitna", "kitni",
}

// TranscriptVerdict is the outcome of classifying a speech transcript.
type TranscriptVerdict struct {
	Tier       int
	Matched    []string
	Violation  integrity.Violation
	Confidence float64
}

// Penalising reports whether the verdict should move the integrity score.
func (v TranscriptVerdict) Penalising() bool {
	return v.Tier != TierNone
}

// ClassifyTranscript assigns a tier to a transcript. Tier 1 matches a known
// answer seeking phrase anywhere in the text. Tier 2 needs more than six words
// with at least one standalone question word.
func ClassifyTranscript(transcript string) TranscriptVerdict {
	lower := strings.ToLower(transcript)

	var matched []string
	for _, phrase := range cheatingPhrases {
		if strings.Contains(lower, phrase) {
			matched = append(matched, phrase)
		}
	}
	if len(matched) > 0 {
		return TranscriptVerdict{
			Tier:       TierCheating,
			Matched:    matched,
			Violation:  integrity.MustViolation(integrity.KindSpeechCheating),
			Confidence: cheatingConfidence,
		}
	}

	words := strings.Fields(lower)
	if len(words) > minQuestionWords {
		present := make(map[string]struct{}, len(words))
		for _, word := range words {
			present[word] = struct{}{}
		}
		for _, qw := range questionWords {
			if _, ok := present[qw]; ok {
				matched = append(matched, qw)
			}
		}
		if len(matched) > 0 {
			return TranscriptVerdict{
				Tier:       TierQuestion,
				Matched:    matched,
				Violation:  integrity.MustViolation(integrity.KindSpeechCheating),
				Confidence: questionConfidence,
			}
		}
	}

	return TranscriptVerdict{
		Tier:       TierNone,
		Violation:  integrity.MustViolation(integrity.KindSpeechTranscript),
		Confidence: 0,
	}
}
