package dto

import (
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/gema-proctor-api/internal/models"
)

// ViolationRequest reports a client-side detected violation.
type ViolationRequest struct {
	SessionID     string                 `json:"session_id" validate:"required,uuid"`
	ViolationType string                 `json:"violation_type" validate:"required,max=64"`
	Confidence    float64                `json:"confidence" validate:"gte=0,lte=1"`
	Payload       map[string]interface{} `json:"payload"`
}

// FrameRequest uploads a webcam frame with the object labels the client-side
// detector produced for it.
type FrameRequest struct {
	SessionID   string   `json:"session_id" validate:"required,uuid"`
	Image       string   `json:"image" validate:"required,base64"`
	Labels      []string `json:"labels" validate:"omitempty,max=50,dive,max=64"`
	PersonCount int      `json:"person_count" validate:"gte=0,lte=50"`
}

// AudioRequest reports the voice energy of an audio window.
type AudioRequest struct {
	SessionID   string  `json:"session_id" validate:"required,uuid"`
	VoiceEnergy float64 `json:"voice_energy" validate:"gte=0"`
}

// RAFRequest reports the gap between two animation frames.
type RAFRequest struct {
	SessionID string `json:"session_id" validate:"required,uuid"`
	DeltaMS   int64  `json:"delta_ms" validate:"gte=0"`
}

// TranscriptRequest carries recognised speech.
type TranscriptRequest struct {
	SessionID string `json:"session_id" validate:"required,uuid"`
	Text      string `json:"text" validate:"required,max=10000"`
}

// DetectionResponse lists the violations recorded for a signal.
type DetectionResponse struct {
	SessionID      uuid.UUID `json:"session_id"`
	Violations     []string  `json:"violations"`
	IntegrityScore float64   `json:"integrity_score"`
	EvidenceURL    string    `json:"evidence_url,omitempty"`
}

// TranscriptResponse reports how a transcript was classified.
type TranscriptResponse struct {
	SessionID      uuid.UUID `json:"session_id"`
	Tier           int       `json:"tier"`
	Matched        []string  `json:"matched,omitempty"`
	Penalised      bool      `json:"penalised"`
	IntegrityScore float64   `json:"integrity_score"`
}

// IntegrityResponse reports the current integrity score of a session.
type IntegrityResponse struct {
	SessionID      uuid.UUID `json:"session_id"`
	IntegrityScore float64   `json:"integrity_score"`
	Status         string    `json:"status,omitempty"`
}

// ViolationView is one logged violation.
type ViolationView struct {
	Type        string                 `json:"violation_type"`
	Confidence  float64                `json:"confidence"`
	Explanation string                 `json:"explanation"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// NewViolationView converts a log entry into a DTO.
func NewViolationView(entry models.ProctoringLog, explanation string) ViolationView {
	return ViolationView{
		Type:        entry.ViolationType,
		Confidence:  entry.Confidence,
		Explanation: explanation,
		Payload:     entry.Payload,
		CreatedAt:   entry.CreatedAt,
	}
}

// LiveSessionView is one row of the live monitor.
type LiveSessionView struct {
	SessionID        uuid.UUID        `json:"session_id"`
	StudentID        uuid.UUID        `json:"student_id"`
	Status           string           `json:"status"`
	IntegrityScore   float64          `json:"integrity_score"`
	ViolationCounts  map[string]int64 `json:"violation_counts"`
	RecentViolations []ViolationView  `json:"recent_violations"`
}

// FaceVerifyRequest carries liveness capture evidence.
type FaceVerifyRequest struct {
	Samples           map[string][]float64 `json:"samples" validate:"required,min=1"`
	ActionOrder       []string             `json:"action_order" validate:"required,min=1"`
	BlinkCount        int                  `json:"blink_count" validate:"gte=0"`
	CaptureDurationMS int64                `json:"capture_duration_ms" validate:"gte=0"`
}

// FaceVerifyResponse reports the liveness decision.
type FaceVerifyResponse struct {
	Outcome           string   `json:"outcome"`
	AverageSimilarity *float64 `json:"average_similarity,omitempty"`
	MinimumSimilarity *float64 `json:"minimum_similarity,omitempty"`
	MatchedPoses      int      `json:"matched_poses"`
}
