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

// Absent phone or npub is not stored to let partial unique indexes work
type userDoc struct {
	ID        string    `bson:"_id"`
	Phone     string    `bson:"phone,omitempty"`
	Npub      string    `bson:"npub,omitempty"`
	PinHash   string    `bson:"pin_hash"`
	Verified  bool      `bson:"verified"`
	Roles     []string  `bson:"roles"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func (d userDoc) toModel() (models.User, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return models.User{}, fmt.Errorf("mongo: bad user id %q: %w", d.ID, err)
	}
	roles := make([]models.Role, 0, len(d.Roles))
	for _, r := range d.Roles {
		roles = append(roles, models.Role(r))
	}
	return models.User{
		ID:        id,
		Phone:     d.Phone,
		Npub:      d.Npub,
		PinHash:   d.PinHash,
		Verified:  d.Verified,
		Roles:     roles,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}, nil
}

type UserRepo struct {
	coll    *mongodriver.Collection
	session mongodriver.Session
}

func (r *UserRepo) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	roles := make([]string, 0, len(user.Roles))
	for _, role := range user.Roles {
		roles = append(roles, string(role))
	}

	doc := userDoc{
		ID:        user.ID.String(),
		Phone:     user.Phone,
		Npub:      user.Npub,
		PinHash:   user.PinHash,
		Verified:  user.Verified,
		Roles:     roles,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if _, err := r.coll.InsertOne(bind(ctx, r.session), doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return models.User{}, apperrors.ErrUserAlreadyExists
		}
		return models.User{}, fmt.Errorf("mongo error: %w", err)
	}
	return doc.toModel()
}

func (r *UserRepo) GetUserByID(ctx context.Context, userID uuid.UUID) (models.User, error) {
	return r.findOne(ctx, bson.D{{Key: "_id", Value: userID.String()}})
}

func (r *UserRepo) GetUserByPhone(ctx context.Context, phone string) (models.User, error) {
	return r.findOne(ctx, bson.D{{Key: "phone", Value: phone}})
}

func (r *UserRepo) GetUserByNpub(ctx context.Context, npub string) (models.User, error) {
	return r.findOne(ctx, bson.D{{Key: "npub", Value: npub}})
}

func (r *UserRepo) MarkVerified(ctx context.Context, userID uuid.UUID) (models.User, error) {
	var doc userDoc
	err := r.coll.FindOneAndUpdate(bind(ctx, r.session),
		bson.D{{Key: "_id", Value: userID.String()}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "verified", Value: true},
			{Key: "updated_at", Value: time.Now().UTC()},
		}}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	return r.result(doc, err)
}

func (r *UserRepo) findOne(ctx context.Context, filter bson.D) (models.User, error) {
	var doc userDoc
	err := r.coll.FindOne(bind(ctx, r.session), filter).Decode(&doc)
	return r.result(doc, err)
}

func (r *UserRepo) result(doc userDoc, err error) (models.User, error) {
	switch {
	case err == nil:
		return doc.toModel()
	case errors.Is(err, mongodriver.ErrNoDocuments):
		return models.User{}, apperrors.ErrUserNotFound
	default:
		return models.User{}, fmt.Errorf("mongo error: %w", err)
	}
}
