package proctoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-proctor-api/internal/integrity"
)

func TestDetectFrame(t *testing.T) {
	detections := DetectFrame(FrameObservation{Labels: []string{"person", "Cell Phone", "book"}, PersonCount: 2})
	require.Len(t, detections, 2)
	require.Equal(t, integrity.KindPhoneDetected, detections[0].Violation.Kind)
	require.InDelta(t, 0.9, detections[0].Confidence, 1e-9)
	require.Equal(t, integrity.KindMultipleFaces, detections[1].Violation.Kind)
	require.InDelta(t, 0.85, detections[1].Confidence, 1e-9)

	require.Empty(t, DetectFrame(FrameObservation{Labels: []string{"person", "laptop"}, PersonCount: 1}))
}

func TestDetectAudioThreshold(t *testing.T) {
	_, ok := DetectAudio(60)
	require.False(t, ok)

	detection, ok := DetectAudio(60.5)
	require.True(t, ok)
	require.Equal(t, integrity.KindSpeechDetected, detection.Violation.Kind)
	require.InDelta(t, 0.8, detection.Confidence, 1e-9)
}

func TestDetectRAFThreshold(t *testing.T) {
	_, ok := DetectRAF(500 * time.Millisecond)
	require.False(t, ok)

	detection, ok := DetectRAF(1200 * time.Millisecond)
	require.True(t, ok)
	require.Equal(t, integrity.KindRAFTabSwitch, detection.Violation.Kind)
	require.Equal(t, int64(1200), detection.Payload["delta_ms"])
}

func TestClassifyTranscript(t *testing.T) {
	verdict := ClassifyTranscript("Bhai jawab batao jaldi")
	require.Equal(t, TierCheating, verdict.Tier)
	require.InDelta(t, 0.90, verdict.Confidence, 1e-9)
	require.Contains(t, verdict.Matched, "jawab batao")
	require.True(t, verdict.Penalising())

	verdict = ClassifyTranscript("so which of these four functions returns a sorted list")
	require.Equal(t, TierQuestion, verdict.Tier)
	require.InDelta(t, 0.65, verdict.Confidence, 1e-9)
	require.Equal(t, []string{"which"}, verdict.Matched)

	verdict = ClassifyTranscript("which one")
	require.Equal(t, TierNone, verdict.Tier)
	require.Equal(t, integrity.KindSpeechTranscript, verdict.Violation.Kind)
	require.False(t, verdict.Penalising())

	verdict = ClassifyTranscript("somewhat long sentence without any interrogative words at all")
	require.Equal(t, TierNone, verdict.Tier)
}
