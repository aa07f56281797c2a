package proctoring

import (
	"strings"
	"time"

	"github.com/noah-isme/gema-proctor-api/internal/integrity"
)

// Detector thresholds.
const (
	PhoneConfidence         = 0.90
	MultipleFacesConfidence = 0.85
	SpeechConfidence        = 0.80
	RAFSwitchConfidence     = 0.95

	VoiceEnergyThreshold = 60.0
	RAFDeltaThreshold    = 500 * time.Millisecond
)

var phoneLabels = map[string]struct{}{
	"cell phone": {},
	"book":       {},
}

// Detection is a violation raised by one of the signal detectors.
type Detection struct {
	Violation  integrity.Violation
	Confidence float64
	Payload    map[string]interface{}
}

// FrameObservation is what the client side object detector reports for a frame.
type FrameObservation struct {
	Labels      []string
	PersonCount int
}

// DetectFrame turns a frame observation into zero or more detections.
func DetectFrame(obs FrameObservation) []Detection {
	detections := make([]Detection, 0, 2)

	for _, label := range obs.Labels {
		normalized := strings.ToLower(strings.TrimSpace(label))
		if _, ok := phoneLabels[normalized]; ok {
			detections = append(detections, Detection{
				Violation:  integrity.MustViolation(integrity.KindPhoneDetected),
				Confidence: PhoneConfidence,
				Payload:    map[string]interface{}{"label": normalized},
			})
			break
		}
	}

	if obs.PersonCount > 1 {
		detections = append(detections, Detection{
			Violation:  integrity.MustViolation(integrity.KindMultipleFaces),
			Confidence: MultipleFacesConfidence,
			Payload:    map[string]interface{}{"person_count": obs.PersonCount},
		})
	}

	return detections
}

// DetectAudio flags sustained voice energy.
func DetectAudio(voiceEnergy float64) (Detection, bool) {
	if voiceEnergy <= VoiceEnergyThreshold {
		return Detection{}, false
	}
	return Detection{
		Violation:  integrity.MustViolation(integrity.KindSpeechDetected),
		Confidence: SpeechConfidence,
		Payload:    map[string]interface{}{"voice_energy": voiceEnergy},
	}, true
}

// DetectRAF flags a requestAnimationFrame gap long enough to mean the tab lost focus.
func DetectRAF(delta time.Duration) (Detection, bool) {
	if delta <= RAFDeltaThreshold {
		return Detection{}, false
	}
	return Detection{
		Violation:  integrity.MustViolation(integrity.KindRAFTabSwitch),
		Confidence: RAFSwitchConfidence,
		Payload:    map[string]interface{}{"delta_ms": delta.Milliseconds()},
	}, true
}
