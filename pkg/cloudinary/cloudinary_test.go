package cloudinary

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestEvidenceIDSanitisesViolation(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	require.Equal(t, "phone-detected-1700000000123", EvidenceID("phone_detected", at))
	require.Equal(t, "frame-1700000000123", EvidenceID("__", at))
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Config{CloudName: "demo"}, zerolog.Nop())
	require.Error(t, err)
}
