package rotation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/nkiryanov/authcore/internal/apperrors"
	"github.com/nkiryanov/authcore/internal/events"
	"github.com/nkiryanov/authcore/internal/logger"
	"github.com/nkiryanov/authcore/internal/models"
	"github.com/nkiryanov/authcore/internal/repository"
	"github.com/nkiryanov/authcore/internal/scheduler"
	"github.com/nkiryanov/authcore/internal/secrets"
	"github.com/nkiryanov/authcore/internal/service/apikey"
)

const (
	day = 24 * time.Hour

	defaultWarnWithin = 7 * day
	defaultMaxAge     = 90 * day
	defaultGrace      = 7 * day

	defaultWarnInterval   = 7 * day
	defaultRotateInterval = day
	defaultSweepInterval  = time.Hour

	defaultStoreTimeout = 5 * time.Second
)

type Config struct {
	// Keys expiring within this interval get a warning
	WarnWithin time.Duration

	// System keys older than this are rotated
	MaxAge time.Duration

	// How long rotated key stays usable
	Grace time.Duration

	// Job intervals
	WarnInterval   time.Duration
	RotateInterval time.Duration
	SweepInterval  time.Duration

	// Deadline for every store and secret store call
	StoreTimeout time.Duration

	Now func() time.Time
}

func setDefaultDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

type Service struct {
	cfg Config

	storage   repository.Storage
	keys      *apikey.Service
	secrets   secrets.Store
	publisher events.Publisher
	logger    logger.Logger
}

func New(cfg Config, storage repository.Storage, keys *apikey.Service, store secrets.Store, publisher events.Publisher, l logger.Logger) *Service {
	setDefaultDuration(&cfg.WarnWithin, defaultWarnWithin)
	setDefaultDuration(&cfg.MaxAge, defaultMaxAge)
	setDefaultDuration(&cfg.Grace, defaultGrace)
	setDefaultDuration(&cfg.WarnInterval, defaultWarnInterval)
	setDefaultDuration(&cfg.RotateInterval, defaultRotateInterval)
	setDefaultDuration(&cfg.SweepInterval, defaultSweepInterval)
	setDefaultDuration(&cfg.StoreTimeout, defaultStoreTimeout)
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if publisher == nil {
		publisher = events.Discard
	}

	return &Service{
		cfg:       cfg,
		storage:   storage,
		keys:      keys,
		secrets:   store,
		publisher: publisher,
		logger:    l.WithGroup("rotation"),
	}
}

// Jobs to be run by scheduler
func (s *Service) Jobs() []scheduler.Job {
	return []scheduler.Job{
		{
			Name:     "apikey-expiry-warning",
			Interval: s.cfg.WarnInterval,
			Run: func(ctx context.Context) error {
				_, err := s.WarnExpiring(ctx)
				return err
			},
		},
		{
			Name:     "apikey-rotation",
			Interval: s.cfg.RotateInterval,
			Run: func(ctx context.Context) error {
				_, err := s.RotateAged(ctx)
				return err
			},
		},
		{
			Name:       "apikey-revoke-due",
			Interval:   s.cfg.SweepInterval,
			RunOnStart: true,
			Run: func(ctx context.Context) error {
				_, err := s.RevokeDue(ctx)
				return err
			},
		},
	}
}

// WarnExpiring publishes one warning per not revoked key expiring soon
func (s *Service) WarnExpiring(ctx context.Context) (int, error) {
	now := s.cfg.Now()

	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	keys, err := s.storage.ApiKey().ListExpiring(storeCtx, now, now.Add(s.cfg.WarnWithin))
	if err != nil {
		return 0, unavailable("list expiring api keys", err)
	}

	for _, key := range keys {
		s.publisher.Publish(events.New(events.ApiKeyExpiring,
			"key_id", key.ID.String(),
			"name", key.Name,
			"owner_id", key.OwnerID,
			"expires_at", key.ExpiresAt.UTC().Format(time.RFC3339),
		))
	}

	if len(keys) > 0 {
		s.logger.Info("API keys expiring soon", "count", len(keys))
	}
	return len(keys), nil
}

// RotateAged rotates every aged system key
// Failed keys are skipped and picked up by the next run
func (s *Service) RotateAged(ctx context.Context) (int, error) {
	keys, err := s.listAged(ctx)
	if err != nil {
		return 0, err
	}

	rotated := 0
	var errs []error
	for _, key := range keys {
		superseded, err := s.superseded(ctx, key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if superseded {
			s.logger.Warn("API key superseded by another key in its secret, rotation skipped", "key_id", key.ID, "name", key.Name)
			continue
		}

		if _, err := s.RotateKey(ctx, key); err != nil {
			s.logger.Error("API key rotation failed", "key_id", key.ID, "name", key.Name, "error", err)
			errs = append(errs, err)
			continue
		}
		rotated++
	}

	return rotated, errors.Join(errs...)
}

// RotateKey creates replacement for the key, schedules the old one for revocation
// after grace period and hands new plaintext to the secret store.
// All of it happens in one transaction: either every step holds or none.
func (s *Service) RotateKey(ctx context.Context, old models.ApiKey) (models.IssuedApiKey, error) {
	now := s.cfg.Now()
	revokeAt := now.Add(s.cfg.Grace)
	secretRef := old.MetaString(models.MetaSecretRef)

	metadata := make(map[string]any, len(old.Metadata)+2)
	for k, v := range old.Metadata {
		metadata[k] = v
	}
	metadata[models.MetaPreviousKeyID] = old.ID.String()
	metadata[models.MetaRotatedAt] = now.UTC().Format(time.RFC3339)

	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	var issued models.IssuedApiKey
	err := s.storage.InTx(storeCtx, func(tx repository.Storage) error {
		var err error
		issued, err = s.keys.WithStorage(tx).CreateApiKey(storeCtx, apikey.CreateRequest{
			Name:          old.Name,
			OwnerID:       old.OwnerID,
			Scopes:        old.Scopes,
			ExpiresInDays: lifetimeDays(old),
			IsPermanent:   old.IsPermanent,
			Metadata:      metadata,
		})
		if err != nil {
			return err
		}

		if _, err := tx.ApiKey().ScheduleRevocation(storeCtx, old.ID, revokeAt); err != nil {
			return err
		}

		if secretRef != "" {
			if err := s.secrets.Set(storeCtx, secretRef, issued.Key); err != nil {
				return fmt.Errorf("error while storing rotated key secret. Err: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return models.IssuedApiKey{}, err
	}

	s.logger.Info("API key rotated", "old_key_id", old.ID, "new_key_id", issued.ID, "revoke_at", revokeAt)
	s.publisher.Publish(events.New(events.ApiKeyRotated,
		"old_key_id", old.ID.String(),
		"new_key_id", issued.ID.String(),
		"revoke_at", revokeAt.UTC().Format(time.RFC3339),
	))
	return issued, nil
}

// RevokeDue marks revoked keys whose grace period is over
func (s *Service) RevokeDue(ctx context.Context) (int64, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	n, err := s.storage.ApiKey().RevokeDue(storeCtx, s.cfg.Now())
	if err != nil {
		return 0, unavailable("revoke due api keys", err)
	}

	if n > 0 {
		s.logger.Info("Scheduled API key revocations applied", "count", n)
		s.publisher.Publish(events.New(events.ApiKeyRevokedDue, "count", strconv.FormatInt(n, 10)))
	}
	return n, nil
}

func (s *Service) listAged(ctx context.Context) ([]models.ApiKey, error) {
	now := s.cfg.Now()

	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	keys, err := s.storage.ApiKey().ListAged(storeCtx, models.SystemOwner, now.Add(-s.cfg.MaxAge), now)
	if err != nil {
		return nil, unavailable("list aged api keys", err)
	}
	return keys, nil
}

// superseded reports whether the key's secret already holds another key,
// e.g. after manual service key rotation. Nobody holds such key anymore
func (s *Service) superseded(ctx context.Context, key models.ApiKey) (bool, error) {
	ref := key.MetaString(models.MetaSecretRef)
	if ref == "" {
		return false, nil
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	secret, err := s.secrets.Get(storeCtx, ref)
	switch {
	case errors.Is(err, secrets.ErrSecretNotFound):
		return false, nil
	case err != nil:
		return false, unavailable("read key secret", err)
	}
	return s.keys.Hash(secret) != key.KeyHash, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", apperrors.ErrServiceUnavailable, op, err)
}

// Replacement lives as long as the original did
func lifetimeDays(key models.ApiKey) int {
	return int(math.Round(key.ExpiresAt.Sub(key.CreatedAt).Hours() / 24))
}
