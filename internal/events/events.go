package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nkiryanov/authcore/internal/logger"
)

const defaultBufferSize = 1024

type Kind string

const (
	TokenIssued          Kind = "token.issued"
	TokenRefreshed       Kind = "token.refreshed"
	TokenRefreshRejected Kind = "token.refresh_rejected"
	TokenReplayDetected  Kind = "token.replay_detected"
	TokenRevoked         Kind = "token.revoked"
	TokensCleaned        Kind = "token.cleaned"

	ApiKeyCreated    Kind = "apikey.created"
	ApiKeyValidated  Kind = "apikey.validated"
	ApiKeyRejected   Kind = "apikey.rejected"
	ApiKeyRevoked    Kind = "apikey.revoked"
	ApiKeyRotated    Kind = "apikey.rotated"
	ApiKeyExpiring   Kind = "apikey.expiring"
	ApiKeyRevokedDue Kind = "apikey.revoked_due"

	RateLimited Kind = "ratelimit.exceeded"
	OtpIssued   Kind = "otp.issued"
	AuthResult  Kind = "auth.result"
)

// Event is a fact worth counting or notifying about
// Attrs never carry secrets except OtpIssued "code", which only dev notifier prints
type Event struct {
	Kind  Kind
	At    time.Time
	Attrs map[string]string
}

// New builds event from key value pairs, odd trailing key is ignored
func New(kind Kind, kv ...string) Event {
	attrs := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs[kv[i]] = kv[i+1]
	}
	return Event{Kind: kind, At: time.Now(), Attrs: attrs}
}

type Publisher interface {
	Publish(e Event)
}

type Handler interface {
	Handle(ctx context.Context, e Event)
}

// HandlerFunc adapts function to Handler
type HandlerFunc func(ctx context.Context, e Event)

func (f HandlerFunc) Handle(ctx context.Context, e Event) { f(ctx, e) }

// Discard drops every event
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Bus fans events out to handlers
// Publish never blocks the request path: when buffer is full the event is dropped
type Bus struct {
	ch      chan Event
	dropped atomic.Int64
	logger  logger.Logger

	mu       sync.RWMutex
	handlers []Handler
}

func NewBus(size int, logger logger.Logger) *Bus {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &Bus{
		ch:     make(chan Event, size),
		logger: logger,
	}
}

func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *Bus) Publish(e Event) {
	select {
	case b.ch <- e:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns count of events lost because buffer was full
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Run delivers events until ctx is done, then drains what is already buffered
func (b *Bus) Run(ctx context.Context) <-chan struct{} {
	idleStopped := make(chan struct{})

	go func() {
		defer close(idleStopped)

		for {
			select {
			case <-ctx.Done():
				b.drain()
				b.logger.Debug("Event bus stopped", "dropped", b.Dropped())
				return
			case e := <-b.ch:
				b.dispatch(ctx, e)
			}
		}
	}()

	return idleStopped
}

func (b *Bus) drain() {
	// Handlers get a fresh context: the run context is already cancelled
	ctx := context.Background()
	for {
		select {
		case e := <-b.ch:
			b.dispatch(ctx, e)
		default:
			return
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, e Event) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	for _, h := range handlers {
		h.Handle(ctx, e)
	}
}
