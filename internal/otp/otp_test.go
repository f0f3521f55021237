package otp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/authcore/internal/apperrors"
	"github.com/nkiryanov/authcore/internal/events"
	"github.com/nkiryanov/authcore/internal/testutil"
)

type capture struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capture) Publish(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *capture) lastCode(t *testing.T) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.events, "otp event must be published")
	last := c.events[len(c.events)-1]
	require.Equal(t, events.OtpIssued, last.Kind)
	return last.Attrs["code"]
}

func TestService(t *testing.T) {
	t.Parallel()

	rc := testutil.StartRedisContainer(t)
	t.Cleanup(rc.Terminate)

	t.Run("send and verify once", func(t *testing.T) {
		pub := &capture{}
		svc := New(rc.Client, pub, Config{})

		require.NoError(t, svc.Send(t.Context(), "+254700000201"))
		code := pub.lastCode(t)
		assert.Len(t, code, DefaultDigits)

		require.NoError(t, svc.Verify(t.Context(), "+254700000201", code))
		require.ErrorIs(t, svc.Verify(t.Context(), "+254700000201", code), apperrors.ErrUnauthorized, "code must be one time")
	})

	t.Run("wrong code keeps the right one", func(t *testing.T) {
		pub := &capture{}
		svc := New(rc.Client, pub, Config{})
		require.NoError(t, svc.Send(t.Context(), "+254700000202"))
		code := pub.lastCode(t)

		wrong := "000000"
		if code == wrong {
			wrong = "111111"
		}
		require.ErrorIs(t, svc.Verify(t.Context(), "+254700000202", wrong), apperrors.ErrUnauthorized)
		require.NoError(t, svc.Verify(t.Context(), "+254700000202", code))
	})

	t.Run("resend replaces code", func(t *testing.T) {
		pub := &capture{}
		svc := New(rc.Client, pub, Config{Digits: 8})
		require.NoError(t, svc.Send(t.Context(), "+254700000203"))
		first := pub.lastCode(t)
		require.NoError(t, svc.Send(t.Context(), "+254700000203"))
		second := pub.lastCode(t)

		assert.Len(t, second, 8)
		if first != second {
			require.Error(t, svc.Verify(t.Context(), "+254700000203", first))
		}
		require.NoError(t, svc.Verify(t.Context(), "+254700000203", second))
	})

	t.Run("code expires", func(t *testing.T) {
		pub := &capture{}
		svc := New(rc.Client, pub, Config{TTL: time.Second})
		require.NoError(t, svc.Send(t.Context(), "+254700000204"))
		code := pub.lastCode(t)

		require.Eventually(t, func() bool {
			n, err := rc.Client.Exists(context.Background(), "otp:+254700000204").Result()
			return err == nil && n == 0
		}, 5*time.Second, 100*time.Millisecond)

		require.ErrorIs(t, svc.Verify(t.Context(), "+254700000204", code), apperrors.ErrUnauthorized)
	})

	t.Run("empty input", func(t *testing.T) {
		svc := New(rc.Client, events.Discard, Config{})

		require.ErrorIs(t, svc.Send(t.Context(), ""), apperrors.ErrInvalidArgument)
		require.ErrorIs(t, svc.Verify(t.Context(), "+254700000205", ""), apperrors.ErrUnauthorized)
	})
}
