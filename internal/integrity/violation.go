package integrity

import (
	"errors"
	"strings"
)

// ErrMissingViolationType is returned when a violation arrives without a type.
var ErrMissingViolationType = errors.New("violation_type is required")

// Kind enumerates the violation categories the scoring engine knows about.
type Kind string

const (
	KindPhoneDetected       Kind = "phone_detected"
	KindGazeAway            Kind = "gaze_away"
	KindRAFTabSwitch        Kind = "raf_tab_switch"
	KindTabSwitch           Kind = "tab_switch"
	KindWindowResize        Kind = "window_resize"
	KindMultipleMonitors    Kind = "multiple_monitors"
	KindSpeechDetected      Kind = "speech_detected"
	KindMultipleFaces       Kind = "multiple_faces"
	KindNoMouse             Kind = "no_mouse"
	KindCopyPaste           Kind = "copy_paste"
	KindScreenshotAttempt   Kind = "screenshot_attempt"
	KindSpeechCheating      Kind = "speech_cheating"
	KindScreenShareDetected Kind = "screen_share_detected"

	// KindSpeechTranscript marks an informational transcript entry. It is not
	// part of the weight table and therefore falls back to the default weight,
	// but it is always logged with zero confidence.
	KindSpeechTranscript Kind = "speech_transcript"

	// KindOther covers every type string outside the known set.
	KindOther Kind = "other"
)

var knownKinds = map[Kind]struct{}{
	KindPhoneDetected:       {},
	KindGazeAway:            {},
	KindRAFTabSwitch:        {},
	KindTabSwitch:           {},
	KindWindowResize:        {},
	KindMultipleMonitors:    {},
	KindSpeechDetected:      {},
	KindMultipleFaces:       {},
	KindNoMouse:             {},
	KindCopyPaste:           {},
	KindScreenshotAttempt:   {},
	KindSpeechCheating:      {},
	KindScreenShareDetected: {},
	KindSpeechTranscript:    {},
}

var explanations = map[Kind]string{
	KindPhoneDetected:     "Mobile device detected in the camera frame.",
	KindGazeAway:          "Student gaze away from screen beyond threshold.",
	KindRAFTabSwitch:      "Browser tab or window switch detected.",
	KindSpeechDetected:    "Sustained voice energy detected by microphone.",
	KindMultipleFaces:     "More than one person detected in frame.",
	KindNoMouse:           "No mouse activity detected for extended period.",
	KindScreenshotAttempt: "Screenshot key/visibility change detected.",
}

// Violation is a parsed violation type. Raw always holds the string as
// received so unknown types can be logged verbatim.
type Violation struct {
	Kind Kind
	Raw  string
}

// ParseViolation maps a client supplied type string onto a Violation.
func ParseViolation(raw string) (Violation, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Violation{}, ErrMissingViolationType
	}

	kind := Kind(strings.ToLower(trimmed))
	if _, ok := knownKinds[kind]; ok {
		return Violation{Kind: kind, Raw: trimmed}, nil
	}

	return Violation{Kind: KindOther, Raw: trimmed}, nil
}

// MustViolation is a helper for callers that construct known kinds in code.
func MustViolation(kind Kind) Violation {
	return Violation{Kind: kind, Raw: string(kind)}
}

// Known reports whether the violation belongs to the closed set.
func (v Violation) Known() bool {
	return v.Kind != KindOther
}

// Name returns the identifier persisted in proctoring logs.
func (v Violation) Name() string {
	if v.Kind == KindOther {
		return v.Raw
	}
	return string(v.Kind)
}

// Explanation returns a human readable description for reviewers.
func (v Violation) Explanation() string {
	if text, ok := explanations[v.Kind]; ok {
		return text
	}
	return "Proctoring violation detected."
}
