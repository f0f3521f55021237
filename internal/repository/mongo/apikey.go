package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nkiryanov/authcore/internal/apperrors"
	"github.com/nkiryanov/authcore/internal/models"
)

type apiKeyDoc struct {
	ID          string         `bson:"_id"`
	KeyHash     string         `bson:"key_hash"`
	Name        string         `bson:"name"`
	OwnerID     string         `bson:"owner_id"`
	Scopes      []string       `bson:"scopes"`
	ExpiresAt   time.Time      `bson:"expires_at"`
	Revoked     bool           `bson:"revoked"`
	RevokeAt    *time.Time     `bson:"revoke_at"`
	LastUsed    *time.Time     `bson:"last_used"`
	IsPermanent bool           `bson:"is_permanent"`
	Metadata    map[string]any `bson:"metadata"`
	CreatedAt   time.Time      `bson:"created_at"`
	UpdatedAt   time.Time      `bson:"updated_at"`
}

func toMS(t time.Time) time.Time { return t.UTC().Truncate(time.Millisecond) }

func toMSPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := toMS(*t)
	return &v
}

func (d apiKeyDoc) toModel() (models.ApiKey, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return models.ApiKey{}, fmt.Errorf("mongo: bad key id %q: %w", d.ID, err)
	}
	scopes := make([]models.Scope, 0, len(d.Scopes))
	for _, s := range d.Scopes {
		scopes = append(scopes, models.Scope(s))
	}
	metadata := d.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return models.ApiKey{
		ID:          id,
		KeyHash:     d.KeyHash,
		Name:        d.Name,
		OwnerID:     d.OwnerID,
		Scopes:      scopes,
		ExpiresAt:   d.ExpiresAt,
		Revoked:     d.Revoked,
		RevokeAt:    d.RevokeAt,
		LastUsed:    d.LastUsed,
		IsPermanent: d.IsPermanent,
		Metadata:    metadata,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}, nil
}

type ApiKeyRepo struct {
	coll    *mongodriver.Collection
	session mongodriver.Session
}

func (r *ApiKeyRepo) Save(ctx context.Context, key models.ApiKey) (models.ApiKey, error) {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now()
	}
	if key.Metadata == nil {
		key.Metadata = map[string]any{}
	}
	scopes := make([]string, 0, len(key.Scopes))
	for _, s := range key.Scopes {
		scopes = append(scopes, string(s))
	}

	doc := apiKeyDoc{
		ID:          key.ID.String(),
		KeyHash:     key.KeyHash,
		Name:        key.Name,
		OwnerID:     key.OwnerID,
		Scopes:      scopes,
		ExpiresAt:   toMS(key.ExpiresAt),
		Revoked:     key.Revoked,
		RevokeAt:    toMSPtr(key.RevokeAt),
		LastUsed:    toMSPtr(key.LastUsed),
		IsPermanent: key.IsPermanent,
		Metadata:    key.Metadata,
		CreatedAt:   toMS(key.CreatedAt),
		UpdatedAt:   toMS(key.CreatedAt),
	}

	if _, err := r.coll.InsertOne(bind(ctx, r.session), doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return models.ApiKey{}, apperrors.ErrApiKeyHashTaken
		}
		return models.ApiKey{}, fmt.Errorf("mongo error: %w", err)
	}
	return doc.toModel()
}

func (r *ApiKeyRepo) GetByID(ctx context.Context, keyID uuid.UUID) (models.ApiKey, error) {
	return r.findOne(ctx, bson.D{{Key: "_id", Value: keyID.String()}})
}

func (r *ApiKeyRepo) GetByHash(ctx context.Context, keyHash string) (models.ApiKey, error) {
	return r.findOne(ctx, bson.D{{Key: "key_hash", Value: keyHash}})
}

func (r *ApiKeyRepo) ListByOwner(ctx context.Context, ownerID string) ([]models.ApiKey, error) {
	return r.find(ctx,
		bson.D{{Key: "owner_id", Value: ownerID}},
		bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}},
	)
}

func (r *ApiKeyRepo) ListExpiring(ctx context.Context, from time.Time, until time.Time) ([]models.ApiKey, error) {
	return r.find(ctx,
		bson.D{
			{Key: "revoked", Value: false},
			{Key: "expires_at", Value: bson.D{{Key: "$gt", Value: from.UTC()}, {Key: "$lte", Value: until.UTC()}}},
		},
		bson.D{{Key: "expires_at", Value: 1}},
	)
}

func (r *ApiKeyRepo) ListAged(ctx context.Context, ownerID string, createdBefore time.Time, now time.Time) ([]models.ApiKey, error) {
	return r.find(ctx,
		bson.D{
			{Key: "owner_id", Value: ownerID},
			{Key: "revoked", Value: false},
			{Key: "revoke_at", Value: nil},
			{Key: "created_at", Value: bson.D{{Key: "$lt", Value: createdBefore.UTC()}}},
			{Key: "expires_at", Value: bson.D{{Key: "$gt", Value: now.UTC()}}},
		},
		bson.D{{Key: "created_at", Value: 1}},
	)
}

// $max keeps last_used monotonic under concurrent touches
func (r *ApiKeyRepo) TouchLastUsed(ctx context.Context, keyID uuid.UUID, at time.Time) error {
	res, err := r.coll.UpdateByID(bind(ctx, r.session), keyID.String(),
		bson.D{{Key: "$max", Value: bson.D{{Key: "last_used", Value: toMS(at)}}}},
	)
	switch {
	case err != nil:
		return fmt.Errorf("mongo error: %w", err)
	case res.MatchedCount == 0:
		return fmt.Errorf("repo error: %w", apperrors.ErrApiKeyNotFound)
	default:
		return nil
	}
}

func (r *ApiKeyRepo) UpdateScopes(ctx context.Context, keyID uuid.UUID, scopes []models.Scope) (models.ApiKey, error) {
	values := make([]string, 0, len(scopes))
	for _, s := range scopes {
		values = append(values, string(s))
	}
	return r.findOneAndSet(ctx,
		bson.D{{Key: "_id", Value: keyID.String()}},
		bson.D{{Key: "scopes", Value: values}, {Key: "updated_at", Value: time.Now().UTC()}},
	)
}

func (r *ApiKeyRepo) Revoke(ctx context.Context, keyID uuid.UUID) (models.ApiKey, error) {
	key, err := r.findOneAndSet(ctx,
		bson.D{{Key: "_id", Value: keyID.String()}, {Key: "revoked", Value: false}},
		bson.D{{Key: "revoked", Value: true}, {Key: "updated_at", Value: time.Now().UTC()}},
	)
	if errors.Is(err, apperrors.ErrApiKeyNotFound) {
		// Already revoked or missing
		return r.GetByID(ctx, keyID)
	}
	return key, err
}

func (r *ApiKeyRepo) ScheduleRevocation(ctx context.Context, keyID uuid.UUID, at time.Time) (models.ApiKey, error) {
	key, err := r.findOneAndSet(ctx,
		bson.D{{Key: "_id", Value: keyID.String()}, {Key: "revoked", Value: false}, {Key: "revoke_at", Value: nil}},
		bson.D{{Key: "revoke_at", Value: toMS(at)}, {Key: "updated_at", Value: time.Now().UTC()}},
	)
	if errors.Is(err, apperrors.ErrApiKeyNotFound) {
		if _, getErr := r.GetByID(ctx, keyID); getErr != nil {
			return key, getErr
		}
		return key, fmt.Errorf("repo error: %w", apperrors.ErrApiKeyNotSchedulable)
	}
	return key, err
}

func (r *ApiKeyRepo) RevokeDue(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.coll.UpdateMany(bind(ctx, r.session),
		bson.D{
			{Key: "revoked", Value: false},
			{Key: "revoke_at", Value: bson.D{{Key: "$lte", Value: now.UTC()}}},
		},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "revoked", Value: true},
			{Key: "updated_at", Value: time.Now().UTC()},
		}}},
	)
	if err != nil {
		return 0, fmt.Errorf("mongo error: %w", err)
	}
	return res.ModifiedCount, nil
}

func (r *ApiKeyRepo) findOneAndSet(ctx context.Context, filter bson.D, set bson.D) (models.ApiKey, error) {
	var doc apiKeyDoc
	err := r.coll.FindOneAndUpdate(bind(ctx, r.session),
		filter,
		bson.D{{Key: "$set", Value: set}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	return r.result(doc, err)
}

func (r *ApiKeyRepo) findOne(ctx context.Context, filter bson.D) (models.ApiKey, error) {
	var doc apiKeyDoc
	err := r.coll.FindOne(bind(ctx, r.session), filter).Decode(&doc)
	return r.result(doc, err)
}

func (r *ApiKeyRepo) find(ctx context.Context, filter bson.D, sort bson.D) ([]models.ApiKey, error) {
	ctx = bind(ctx, r.session)
	cur, err := r.coll.Find(ctx, filter, options.Find().SetSort(sort))
	if err != nil {
		return nil, fmt.Errorf("mongo error: %w", err)
	}
	defer cur.Close(ctx) // nolint:errcheck

	var docs []apiKeyDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo error: %w", err)
	}

	keys := make([]models.ApiKey, 0, len(docs))
	for _, d := range docs {
		k, err := d.toModel()
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (r *ApiKeyRepo) result(doc apiKeyDoc, err error) (models.ApiKey, error) {
	switch {
	case err == nil:
		return doc.toModel()
	case errors.Is(err, mongodriver.ErrNoDocuments):
		return models.ApiKey{}, fmt.Errorf("repo error: %w", apperrors.ErrApiKeyNotFound)
	default:
		return models.ApiKey{}, fmt.Errorf("mongo error: %w", err)
	}
}
