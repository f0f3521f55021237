// Package testutil starts throwaway infrastructure for tests: postgres, redis and mongo
// containers, free ports and rolled back transactions
package testutil

import (
	"context"
	"net"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
)

// Return random free port on 127.0.0.1 address
func RandomPort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:")
	if err != nil {
		return 0, err
	}
	defer ln.Close() // nolint:errcheck

	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Skip test when docker is not reachable
func requireDocker(t *testing.T) {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
}

type beginner interface {
	Begin(context.Context) (pgx.Tx, error)
}

// WithTx runs testFunc in transaction that is always rolled back,
// so every subtest sees the database as migrations left it
func WithTx(db beginner, t *testing.T, testFunc func(tx pgx.Tx)) {
	t.Helper()

	tx, err := db.Begin(t.Context())
	require.NoError(t, err, "can't begin test transaction")

	defer func() {
		// test context may be already cancelled when test failed
		err := tx.Rollback(context.WithoutCancel(t.Context()))
		require.NoError(t, err, "can't rollback test transaction")
	}()

	testFunc(tx)
}
