// Package events fans proctoring activity out to live monitors across API nodes.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const subscriberBuffer = 32

// Event types.
const (
	TypeViolation      = "violation"
	TypeSessionStarted = "session_started"
	TypeSessionEnded   = "session_finished"
	TypeSessionGraded  = "session_graded"
)

// Event is a single monitoring update for an exam.
type Event struct {
	Type           string    `json:"type"`
	ExamID         string    `json:"exam_id"`
	SessionID      string    `json:"session_id"`
	StudentID      string    `json:"student_id,omitempty"`
	ViolationType  string    `json:"violation_type,omitempty"`
	Confidence     float64   `json:"confidence,omitempty"`
	IntegrityScore float64   `json:"integrity_score"`
	At             time.Time `json:"at"`
}

// Publisher emits events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Bus delivers events to local subscribers and relays them through Redis
// and NATS when configured.
type Bus struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	logger       zerolog.Logger
	nodeID       string

	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
}

type envelope struct {
	Source string    `json:"source"`
	Event  Event     `json:"event"`
	SentAt time.Time `json:"sent_at"`
}

// NewBus constructs a bus. Either transport may be nil.
func NewBus(redisClient *redis.Client, natsConn *nats.Conn, channelBase string, logger zerolog.Logger) *Bus {
	channel := ""
	subject := ""
	if channelBase != "" {
		channel = channelBase + ":proctoring"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".proctoring"
	}

	return &Bus{
		redis:        redisClient,
		redisChannel: channel,
		nats:         natsConn,
		natsSubject:  subject,
		logger:       logger.With().Str("component", "event_bus").Logger(),
		nodeID:       uuid.NewString(),
		subscribers:  make(map[string]map[chan Event]struct{}),
	}
}

// Start consumes remote events until ctx is cancelled.
func (b *Bus) Start(ctx context.Context) {
	if b.redis != nil && b.redisChannel != "" {
		go b.consumeRedis(ctx)
	}
	if b.nats != nil && b.natsSubject != "" {
		go b.consumeNATS(ctx)
	}
}

// Publish delivers locally first, then relays to other nodes. Relay errors
// are returned but local subscribers have already been served.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	b.broadcast(event)

	payload, err := json.Marshal(envelope{Source: b.nodeID, Event: event, SentAt: time.Now().UTC()})
	if err != nil {
		return err
	}

	var errs []error
	if b.redis != nil && b.redisChannel != "" {
		if err := b.redis.Publish(ctx, b.redisChannel, payload).Err(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.nats != nil && b.natsSubject != "" {
		if err := b.nats.Publish(b.natsSubject, payload); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Subscribe registers a listener for one exam.
func (b *Bus) Subscribe(examID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if _, ok := b.subscribers[examID]; !ok {
		b.subscribers[examID] = make(map[chan Event]struct{})
	}
	b.subscribers[examID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.subscribers[examID]; ok {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(b.subscribers, examID)
				}
			}
			close(ch)
		})
	}
}

func (b *Bus) broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[event.ExamID] {
		select {
		case ch <- event:
		default:
			b.logger.Debug().Str("exam_id", event.ExamID).Msg("dropping event for slow subscriber")
		}
	}
}

func (b *Bus) consumeRedis(ctx context.Context) {
	pubsub := b.redis.Subscribe(ctx, b.redisChannel)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			b.logger.Error().Err(err).Msg("proctoring redis subscription closed")
			return
		}
		b.handle([]byte(msg.Payload))
	}
}

func (b *Bus) consumeNATS(ctx context.Context) {
	sub, err := b.nats.Subscribe(b.natsSubject, func(msg *nats.Msg) {
		b.handle(msg.Data)
	})
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to subscribe to nats proctoring subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			b.logger.Warn().Err(err).Msg("failed to drain proctoring nats subscription")
		}
	}()
}

func (b *Bus) handle(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.logger.Warn().Err(err).Msg("invalid proctoring event payload")
		return
	}
	if env.Source == b.nodeID {
		return
	}
	b.broadcast(env.Event)
}
