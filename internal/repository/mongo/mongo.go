package mongo

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/nkiryanov/authcore/internal/repository"
)

const (
	usersCollection   = "users"
	refreshCollection = "refresh_tokens"
	apiKeysCollection = "api_keys"
	defaultDBName     = "authcore"
)

// Connect to mongo, check it is reachable and ensure indexes
// Transactions require the server to be a replica set member
func Connect(ctx context.Context, uri string) (*mongodriver.Client, *mongodriver.Database, error) {
	cli, err := mongodriver.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("mongo connect: %w", err)
	}

	if err := cli.Ping(ctx, readpref.Primary()); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("mongo ping: %w", err)
	}

	db := cli.Database(databaseFromURI(uri))
	if err := ensureIndexes(ctx, db); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, nil, err
	}

	return cli, db, nil
}

func ensureIndexes(ctx context.Context, db *mongodriver.Database) error {
	stringOnly := func(field string) bson.D {
		return bson.D{{Key: field, Value: bson.D{{Key: "$type", Value: "string"}}}}
	}

	indexes := map[string][]mongodriver.IndexModel{
		usersCollection: {
			{
				Keys:    bson.D{{Key: "phone", Value: 1}},
				Options: options.Index().SetName("phone_uniq").SetUnique(true).SetPartialFilterExpression(stringOnly("phone")),
			},
			{
				Keys:    bson.D{{Key: "npub", Value: 1}},
				Options: options.Index().SetName("npub_uniq").SetUnique(true).SetPartialFilterExpression(stringOnly("npub")),
			},
		},
		refreshCollection: {
			{Keys: bson.D{{Key: "user_id", Value: 1}}, Options: options.Index().SetName("user_id")},
			{Keys: bson.D{{Key: "expires_at", Value: 1}}, Options: options.Index().SetName("expires_at")},
		},
		apiKeysCollection: {
			{Keys: bson.D{{Key: "key_hash", Value: 1}}, Options: options.Index().SetName("key_hash_uniq").SetUnique(true)},
			{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "created_at", Value: 1}}, Options: options.Index().SetName("owner_created")},
			{Keys: bson.D{{Key: "expires_at", Value: 1}}, Options: options.Index().SetName("expires_at")},
		},
	}

	for collection, models := range indexes {
		if _, err := db.Collection(collection).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("mongo ensure indexes on %s: %w", collection, err)
		}
	}
	return nil
}

// databaseFromURI extracts database name from uri path, default is used when path is empty
func databaseFromURI(uri string) string {
	u, err := url.Parse(uri)
	if err == nil {
		if name := strings.Trim(u.Path, "/"); name != "" {
			return name
		}
	}
	return defaultDBName
}

type Storage struct {
	client  *mongodriver.Client
	db      *mongodriver.Database
	session mongodriver.Session // set inside InTx only
}

func NewStorage(client *mongodriver.Client, db *mongodriver.Database) repository.Storage {
	return &Storage{client: client, db: db}
}

func (s *Storage) User() repository.UserRepo {
	return &UserRepo{coll: s.db.Collection(usersCollection), session: s.session}
}

func (s *Storage) Refresh() repository.RefreshTokenRepo {
	return &RefreshTokenRepo{coll: s.db.Collection(refreshCollection), session: s.session}
}

func (s *Storage) ApiKey() repository.ApiKeyRepo {
	return &ApiKeyRepo{coll: s.db.Collection(apiKeysCollection), session: s.session}
}

// InTx runs fn in a multi-document transaction
// Nested call joins the outer transaction
func (s *Storage) InTx(ctx context.Context, fn func(repository.Storage) error) error {
	if s.session != nil {
		return fn(s)
	}

	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("mongo session error: %w", err)
	}
	defer session.EndSession(context.Background())

	txStorage := &Storage{client: s.client, db: s.db, session: session}
	_, err = session.WithTransaction(ctx, func(sc mongodriver.SessionContext) (any, error) {
		return nil, fn(txStorage)
	})
	return err
}

// bind attaches transaction session to ctx, so repo calls made with
// caller's context still run inside the transaction
func bind(ctx context.Context, session mongodriver.Session) context.Context {
	if session == nil {
		return ctx
	}
	return mongodriver.NewSessionContext(ctx, session)
}
