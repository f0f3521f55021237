package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nkiryanov/authcore/internal/apperrors"
	"github.com/nkiryanov/authcore/internal/events"
)

const (
	DefaultTTL     = 5 * time.Minute
	DefaultDigits  = 6
	DefaultTimeout = 5 * time.Second
)

const keyPrefix = "otp:"

type Config struct {
	TTL     time.Duration
	Digits  int
	Timeout time.Duration
}

// Service is the reference OTP collaborator
// Codes live in redis, delivery is an event picked up by whatever gateway listens to the bus
type Service struct {
	rdb       redis.Cmdable
	publisher events.Publisher
	cfg       Config
}

func New(rdb redis.Cmdable, publisher events.Publisher, cfg Config) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Digits <= 0 {
		cfg.Digits = DefaultDigits
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Service{rdb: rdb, publisher: publisher, cfg: cfg}
}

func key(identifier string) string {
	return keyPrefix + identifier
}

// Send issues new code for identifier, previous code is replaced
func (s *Service) Send(ctx context.Context, identifier string) error {
	if identifier == "" {
		return apperrors.ErrInvalidArgument
	}

	code, err := s.generate()
	if err != nil {
		return fmt.Errorf("otp generate: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	if err := s.rdb.Set(ctx, key(identifier), code, s.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("%w: otp store: %w", apperrors.ErrServiceUnavailable, err)
	}

	s.publisher.Publish(events.New(events.OtpIssued, "identifier", identifier, "code", code))
	return nil
}

// Verify consumes the code: it is valid for one successful check only
func (s *Service) Verify(ctx context.Context, identifier string, code string) error {
	if identifier == "" || code == "" {
		return apperrors.ErrUnauthorized
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	stored, err := s.rdb.Get(ctx, key(identifier)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return apperrors.ErrUnauthorized
	case err != nil:
		return fmt.Errorf("%w: otp store: %w", apperrors.ErrServiceUnavailable, err)
	}

	if subtle.ConstantTimeCompare([]byte(stored), []byte(code)) != 1 {
		return apperrors.ErrUnauthorized
	}

	// Concurrent verifications of the same code: only the one that deletes wins
	deleted, err := s.rdb.Del(ctx, key(identifier)).Result()
	if err != nil {
		return fmt.Errorf("%w: otp store: %w", apperrors.ErrServiceUnavailable, err)
	}
	if deleted == 0 {
		return apperrors.ErrUnauthorized
	}
	return nil
}

func (s *Service) generate() (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(s.cfg.Digits)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", s.cfg.Digits, n), nil
}
