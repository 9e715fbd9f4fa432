package redistransport_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/instanceforge/controlplane/commbus/transport/redistransport"
)

func newTestTransport(t *testing.T) *redistransport.Transport {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redistransport.New(client)
}

func TestTransport_PublishSubscribe(t *testing.T) {
	transport := newTestTransport(t)
	ctx := context.Background()

	received := make(chan []byte, 1)
	unsubscribe, err := transport.Subscribe(ctx, "chan-a", func(payload []byte) {
		received <- payload
	})
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, transport.Publish(ctx, "chan-a", []byte("hello")))

	select {
	case payload := <-received:
		require.Equal(t, "hello", string(payload))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestTransport_MultipleHandlersShareOneSubscription(t *testing.T) {
	transport := newTestTransport(t)
	ctx := context.Background()

	firstReceived := make(chan []byte, 1)
	secondReceived := make(chan []byte, 1)

	unsubFirst, err := transport.Subscribe(ctx, "chan-b", func(payload []byte) { firstReceived <- payload })
	require.NoError(t, err)
	unsubSecond, err := transport.Subscribe(ctx, "chan-b", func(payload []byte) { secondReceived <- payload })
	require.NoError(t, err)
	defer unsubFirst()
	defer unsubSecond()

	require.NoError(t, transport.Publish(ctx, "chan-b", []byte("fanout")))

	for _, ch := range []chan []byte{firstReceived, secondReceived} {
		select {
		case payload := <-ch:
			require.Equal(t, "fanout", string(payload))
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
}

func TestTransport_UnsubscribeStopsDelivery(t *testing.T) {
	transport := newTestTransport(t)
	ctx := context.Background()

	received := make(chan []byte, 1)
	unsubscribe, err := transport.Subscribe(ctx, "chan-c", func(payload []byte) { received <- payload })
	require.NoError(t, err)

	unsubscribe()
	unsubscribe() // idempotent

	require.NoError(t, transport.Publish(ctx, "chan-c", []byte("too-late")))

	select {
	case <-received:
		t.Fatal("unsubscribed handler still received a message")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTransport_CloseTearsDownSubscriptions(t *testing.T) {
	transport := newTestTransport(t)
	ctx := context.Background()

	_, err := transport.Subscribe(ctx, "chan-d", func(payload []byte) {})
	require.NoError(t, err)

	require.NoError(t, transport.Close())
	require.Error(t, transport.Publish(ctx, "chan-d", []byte("x")))
}
