package cloudinary

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/rs/zerolog"
)

// Config contains credentials required to talk to Cloudinary.
type Config struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
}

// Service archives proctoring evidence snapshots in Cloudinary.
type Service struct {
	client *cloudinary.Cloudinary
	folder string
	logger zerolog.Logger
}

// New constructs a Cloudinary service instance.
func New(cfg Config, logger zerolog.Logger) (*Service, error) {
	if cfg.CloudName == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("cloudinary credentials must be provided")
	}

	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cloudinary: %w", err)
	}

	return &Service{
		client: cld,
		folder: cfg.Folder,
		logger: logger.With().Str("component", "cloudinary").Logger(),
	}, nil
}

// UploadEvidence stores a frame that triggered a violation and returns its
// secure URL. Snapshots are grouped in one folder per session.
func (s *Service) UploadEvidence(ctx context.Context, sessionID, violation string, capturedAt time.Time, data []byte) (string, error) {
	folder := strings.Trim(s.folder, "/")
	if folder != "" {
		folder += "/"
	}
	folder += "session-" + sanitize(sessionID)

	params := uploader.UploadParams{
		Folder:       folder,
		PublicID:     EvidenceID(violation, capturedAt),
		ResourceType: "image",
		Tags:         []string{"proctoring", sanitize(violation)},
	}

	result, err := s.client.Upload.Upload(ctx, bytes.NewReader(data), params)
	if err != nil {
		return "", fmt.Errorf("failed to upload evidence: %w", err)
	}

	s.logger.Info().Str("public_id", result.PublicID).Str("session_id", sessionID).Msg("evidence uploaded")

	return result.SecureURL, nil
}

// EvidenceID names a snapshot after the violation and capture time.
func EvidenceID(violation string, capturedAt time.Time) string {
	base := sanitize(violation)
	if base == "" {
		base = "frame"
	}
	return fmt.Sprintf("%s-%d", base, capturedAt.UnixMilli())
}

func sanitize(value string) string {
	value = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '-'
	}, value)
	return strings.Trim(value, "-")
}
