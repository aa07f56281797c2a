// Package framestore keeps the most recent webcam frame of every active
// session so professors can look in on a live exam.
package framestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrUnsupportedFrame is returned for payloads that are not jpeg, png or webp images.
	ErrUnsupportedFrame = errors.New("unsupported frame format")
	// ErrFrameTooLarge is returned when a frame exceeds the configured size.
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
	// ErrFrameNotFound is returned when no recent frame exists for a session.
	ErrFrameNotFound = errors.New("frame not found")
)

var allowedTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/webp": {},
}

// Frame is a stored snapshot.
type Frame struct {
	SessionID  string    `json:"session_id"`
	MIME       string    `json:"mime"`
	Data       []byte    `json:"data"`
	CapturedAt time.Time `json:"captured_at"`
}

// Config tunes the store.
type Config struct {
	Prefix   string
	TTL      time.Duration
	MaxBytes int
}

// Store writes frames to Redis with a TTL so stale sessions expire on their own.
type Store struct {
	client   *redis.Client
	prefix   string
	ttl      time.Duration
	maxBytes int
	now      func() time.Time
}

// New constructs a frame store.
func New(client *redis.Client, cfg Config) *Store {
	if cfg.Prefix == "" {
		cfg.Prefix = "proctor:frame:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Minute
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 2 << 20
	}

	return &Store{
		client:   client,
		prefix:   cfg.Prefix,
		ttl:      cfg.TTL,
		maxBytes: cfg.MaxBytes,
		now:      time.Now,
	}
}

// Validate checks size and content type without storing anything.
func (s *Store) Validate(data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrUnsupportedFrame
	}
	if len(data) > s.maxBytes {
		return "", ErrFrameTooLarge
	}

	detected := mimetype.Detect(data)
	for mime := detected; mime != nil; mime = mime.Parent() {
		if _, ok := allowedTypes[mime.String()]; ok {
			return mime.String(), nil
		}
	}

	return "", fmt.Errorf("%w: %s", ErrUnsupportedFrame, detected.String())
}

// Put stores data as the latest frame of the session.
func (s *Store) Put(ctx context.Context, sessionID string, data []byte) (Frame, error) {
	mime, err := s.Validate(data)
	if err != nil {
		return Frame{}, err
	}

	frame := Frame{SessionID: sessionID, MIME: mime, Data: data, CapturedAt: s.now().UTC()}
	payload, err := json.Marshal(frame)
	if err != nil {
		return Frame{}, err
	}

	if err := s.client.Set(ctx, s.prefix+sessionID, payload, s.ttl).Err(); err != nil {
		return Frame{}, fmt.Errorf("store frame: %w", err)
	}

	return frame, nil
}

// Latest returns the most recent frame of the session.
func (s *Store) Latest(ctx context.Context, sessionID string) (Frame, error) {
	payload, err := s.client.Get(ctx, s.prefix+sessionID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Frame{}, ErrFrameNotFound
		}
		return Frame{}, fmt.Errorf("load frame: %w", err)
	}

	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return frame, nil
}
