package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

type MongoContainer struct {
	URI       string
	Terminate func()
}

// Skip test unless GO_TEST_INTEGRATION is set
// Mongo image is heavy so its tests are opt-in
func RequireIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("GO_TEST_INTEGRATION") == "" {
		t.Skip("integration tests are disabled (set GO_TEST_INTEGRATION=1)")
	}
}

// Start single node mongo replica set
// Transactions are available on replica sets only
func StartMongoContainer(t *testing.T) MongoContainer {
	t.Helper()
	requireDocker(t)

	container, err := testcontainers.GenericContainer(t.Context(), testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7.0",
			ExposedPorts: []string{"27017/tcp"},
			Cmd:          []string{"--replSet", "rs0", "--bind_ip_all"},
			WaitingFor:   wait.ForLog("Waiting for connections").WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "Error happened when starting container with mongo")

	code, _, err := container.Exec(t.Context(), []string{"mongosh", "--quiet", "--eval", "rs.initiate()"})
	require.NoError(t, err, "Error happened when initiating replica set")
	require.Zero(t, code, "rs.initiate() must exit with zero code")

	host, err := container.Host(t.Context())
	require.NoError(t, err)
	port, err := container.MappedPort(t.Context(), "27017/tcp")
	require.NoError(t, err)

	// Direct connection: replica set member advertises container hostname unreachable from tests
	uri := fmt.Sprintf("mongodb://%s:%s/?directConnection=true", host, port.Port())
	t.Logf("Container with mongo started, URI=%v", uri)

	waitPrimary(t, uri)

	return MongoContainer{
		URI: uri,
		Terminate: func() {
			testcontainers.CleanupContainer(t, container)
		},
	}
}

func waitPrimary(t *testing.T, uri string) {
	t.Helper()

	client, err := mongo.Connect(t.Context(), options.Client().ApplyURI(uri))
	require.NoError(t, err)
	defer client.Disconnect(context.Background()) // nolint:errcheck

	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(t.Context(), time.Second)
		defer cancel()
		return client.Ping(ctx, readpref.Primary()) == nil
	}, 30*time.Second, 200*time.Millisecond, "Replica set must elect primary")
}
