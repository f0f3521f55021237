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

type refreshDoc struct {
	TokenID   string    `bson:"_id"`
	UserID    string    `bson:"user_id"`
	ExpiresAt time.Time `bson:"expires_at"`
	Revoked   bool      `bson:"revoked"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func (d refreshDoc) toModel() (models.RefreshToken, error) {
	tokenID, err := uuid.Parse(d.TokenID)
	if err != nil {
		return models.RefreshToken{}, fmt.Errorf("mongo: bad token id %q: %w", d.TokenID, err)
	}
	userID, err := uuid.Parse(d.UserID)
	if err != nil {
		return models.RefreshToken{}, fmt.Errorf("mongo: bad user id %q: %w", d.UserID, err)
	}
	return models.RefreshToken{
		TokenID:   tokenID,
		UserID:    userID,
		ExpiresAt: d.ExpiresAt,
		Revoked:   d.Revoked,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}, nil
}

type RefreshTokenRepo struct {
	coll    *mongodriver.Collection
	session mongodriver.Session
}

func (r *RefreshTokenRepo) Save(ctx context.Context, token models.RefreshToken) (models.RefreshToken, error) {
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now()
	}
	doc := refreshDoc{
		TokenID:   token.TokenID.String(),
		UserID:    token.UserID.String(),
		ExpiresAt: token.ExpiresAt.UTC().Truncate(time.Millisecond),
		Revoked:   token.Revoked,
		CreatedAt: token.CreatedAt.UTC().Truncate(time.Millisecond),
		UpdatedAt: token.CreatedAt.UTC().Truncate(time.Millisecond),
	}

	if _, err := r.coll.InsertOne(bind(ctx, r.session), doc); err != nil {
		return models.RefreshToken{}, fmt.Errorf("mongo error: %w", err)
	}
	return doc.toModel()
}

func (r *RefreshTokenRepo) Get(ctx context.Context, tokenID uuid.UUID) (models.RefreshToken, error) {
	var doc refreshDoc
	err := r.coll.FindOne(bind(ctx, r.session), bson.D{{Key: "_id", Value: tokenID.String()}}).Decode(&doc)

	switch {
	case err == nil:
		return doc.toModel()
	case errors.Is(err, mongodriver.ErrNoDocuments):
		return models.RefreshToken{}, fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenNotFound)
	default:
		return models.RefreshToken{}, fmt.Errorf("mongo error: %w", err)
	}
}

// Revoke is a single conditional findAndModify: of concurrent callers one wins
func (r *RefreshTokenRepo) Revoke(ctx context.Context, tokenID uuid.UUID) (models.RefreshToken, error) {
	var doc refreshDoc
	err := r.coll.FindOneAndUpdate(bind(ctx, r.session),
		bson.D{{Key: "_id", Value: tokenID.String()}, {Key: "revoked", Value: false}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "revoked", Value: true},
			{Key: "updated_at", Value: time.Now().UTC()},
		}}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)

	switch {
	case err == nil:
		return doc.toModel()
	case errors.Is(err, mongodriver.ErrNoDocuments):
		existing, getErr := r.Get(ctx, tokenID)
		if getErr != nil {
			return existing, getErr
		}
		return existing, fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenRevoked)
	default:
		return models.RefreshToken{}, fmt.Errorf("mongo error: %w", err)
	}
}

func (r *RefreshTokenRepo) RevokeAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	res, err := r.coll.UpdateMany(bind(ctx, r.session),
		bson.D{{Key: "user_id", Value: userID.String()}, {Key: "revoked", Value: false}},
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

func (r *RefreshTokenRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.coll.DeleteMany(bind(ctx, r.session),
		bson.D{{Key: "expires_at", Value: bson.D{{Key: "$lt", Value: before.UTC()}}}},
	)
	if err != nil {
		return 0, fmt.Errorf("mongo error: %w", err)
	}
	return res.DeletedCount, nil
}
