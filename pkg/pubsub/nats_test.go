package pubsub

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vigilcam/vigil/pkg/config"
)

func testBusConfig(t *testing.T) *config.PubSub {
	return &config.PubSub{
		URL:             "",
		StoreDir:        t.TempDir(),
		EventsSubject:   "vision-events",
		EventsStream:    "VISION",
		MaxPayloadBytes: 1 << 20,
	}
}

func setupTestNats(t *testing.T) *Nats {
	bus, err := New(testBusConfig(t))
	require.NoError(t, err)
	t.Cleanup(bus.Close)
	return bus
}

func TestEventSubject(t *testing.T) {
	require.Equal(t, "vision-events.agent-1", EventSubject("vision-events", "agent-1"))
	require.Equal(t, "vision-events.a-b-c-d", EventSubject("vision-events", "a.b*c>d"))
	require.Equal(t, "vision-events.unkeyed", EventSubject("vision-events", ""))
}

func TestNatsPublish(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		bus := setupTestNats(t)
		ctx := context.Background()

		receivedCh := make(chan string, 1)

		sub, err := bus.Subscribe(ctx, "vision-events.agent-1", func(payload []byte) error {
			receivedCh <- string(payload)
			return nil
		})
		require.NoError(t, err)
		defer func() {
			require.NoError(t, sub.Unsubscribe())
		}()

		// Wait for subscription to be established
		time.Sleep(100 * time.Millisecond)

		err = bus.Publish(ctx, "agent-1", []byte(`{"hello":"world"}`))
		require.NoError(t, err)

		select {
		case result := <-receivedCh:
			require.Equal(t, `{"hello":"world"}`, result)
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for message")
		}
	})

	t.Run("PerKeyOrdering", func(t *testing.T) {
		bus := setupTestNats(t)
		ctx := context.Background()

		receivedCh := make(chan string, 16)

		sub, err := bus.Subscribe(ctx, "vision-events.session-1", func(payload []byte) error {
			receivedCh <- string(payload)
			return nil
		})
		require.NoError(t, err)
		defer func() {
			require.NoError(t, sub.Unsubscribe())
		}()

		time.Sleep(100 * time.Millisecond)

		for i := 0; i < 5; i++ {
			require.NoError(t, bus.Publish(ctx, "session-1", []byte(fmt.Sprintf("chunk-%d", i))))
		}

		for i := 0; i < 5; i++ {
			select {
			case result := <-receivedCh:
				require.Equal(t, fmt.Sprintf("chunk-%d", i), result)
			case <-time.After(2 * time.Second):
				t.Fatalf("timeout waiting for chunk %d", i)
			}
		}
	})

	t.Run("PayloadTooLarge", func(t *testing.T) {
		cfg := testBusConfig(t)
		cfg.MaxPayloadBytes = 64
		bus, err := New(cfg)
		require.NoError(t, err)
		t.Cleanup(bus.Close)

		err = bus.Publish(context.Background(), "agent-1", make([]byte, 128))
		require.ErrorIs(t, err, ErrPayloadTooLarge)
	})
}

func TestNoopPubSub(t *testing.T) {
	bus := NewNoop()
	require.NoError(t, bus.Publish(context.Background(), "agent-1", []byte("x")))

	sub, err := bus.Subscribe(context.Background(), "anything", func([]byte) error { return nil })
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
}
