package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToExamSubscribersOnly(t *testing.T) {
	bus := NewBus(nil, nil, "", zerolog.Nop())

	mine, cancelMine := bus.Subscribe("exam-1")
	defer cancelMine()
	other, cancelOther := bus.Subscribe("exam-2")
	defer cancelOther()

	require.NoError(t, bus.Publish(context.Background(), Event{Type: TypeViolation, ExamID: "exam-1", SessionID: "s1", IntegrityScore: 73}))

	select {
	case event := <-mine:
		require.Equal(t, "s1", event.SessionID)
		require.False(t, event.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}

	select {
	case <-other:
		t.Fatal("unexpected event for other exam")
	default:
	}
}

func TestBusRelaysAcrossNodesThroughRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	clientA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer clientA.Close()
	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer clientB.Close()

	nodeA := NewBus(clientA, nil, "proctor", zerolog.Nop())
	nodeB := NewBus(clientB, nil, "proctor", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nodeB.Start(ctx)

	events, unsubscribe := nodeB.Subscribe("exam-9")
	defer unsubscribe()

	require.Eventually(t, func() bool {
		return len(mr.PubSubChannels("proctor:proctoring")) > 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, nodeA.Publish(context.Background(), Event{Type: TypeViolation, ExamID: "exam-9", SessionID: "s2"}))

	select {
	case event := <-events:
		require.Equal(t, "s2", event.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected relayed event")
	}
}

func TestBusUnsubscribeIsIdempotent(t *testing.T) {
	bus := NewBus(nil, nil, "", zerolog.Nop())
	ch, cancel := bus.Subscribe("exam")
	cancel()
	cancel()

	_, open := <-ch
	require.False(t, open)
	require.NoError(t, bus.Publish(context.Background(), Event{ExamID: "exam"}))
}
