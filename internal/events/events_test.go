package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/authcore/internal/logger"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Handle(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestNew(t *testing.T) {
	e := New(ApiKeyExpiring, "key_id", "abc", "owner_id")

	assert.Equal(t, ApiKeyExpiring, e.Kind)
	assert.Equal(t, map[string]string{"key_id": "abc"}, e.Attrs, "odd trailing key must be ignored")
	assert.WithinDuration(t, time.Now(), e.At, time.Second)
}

func TestBus(t *testing.T) {
	t.Run("fan out to every handler", func(t *testing.T) {
		bus := NewBus(10, logger.NewNoOpLogger())
		first, second := &recorder{}, &recorder{}
		bus.Subscribe(first)
		bus.Subscribe(second)

		ctx, cancel := context.WithCancel(t.Context())
		stopped := bus.Run(ctx)

		bus.Publish(New(TokenIssued))
		bus.Publish(New(TokenRevoked))

		require.Eventually(t, func() bool {
			return first.len() == 2 && second.len() == 2
		}, time.Second, 10*time.Millisecond)

		cancel()
		<-stopped
	})

	t.Run("publish never blocks when buffer is full", func(t *testing.T) {
		bus := NewBus(1, logger.NewNoOpLogger())

		done := make(chan struct{})
		go func() {
			defer close(done)
			for range 5 {
				bus.Publish(New(TokenIssued))
			}
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("publish blocked")
		}
		assert.EqualValues(t, 4, bus.Dropped())
	})

	t.Run("buffered events are drained on stop", func(t *testing.T) {
		bus := NewBus(10, logger.NewNoOpLogger())
		rec := &recorder{}
		bus.Subscribe(rec)

		for range 3 {
			bus.Publish(New(OtpIssued))
		}

		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		<-bus.Run(ctx)

		assert.Equal(t, 3, rec.len())
	})

	t.Run("handler func", func(t *testing.T) {
		bus := NewBus(1, logger.NewNoOpLogger())
		got := make(chan Kind, 1)
		bus.Subscribe(HandlerFunc(func(_ context.Context, e Event) { got <- e.Kind }))

		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()
		bus.Run(ctx)
		bus.Publish(New(ApiKeyRotated))

		select {
		case kind := <-got:
			assert.Equal(t, ApiKeyRotated, kind)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	})
}
