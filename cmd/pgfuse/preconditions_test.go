//go:build integration

// Exercises checkPreconditions against a live PostgreSQL reachable via
// PGFUSE_TEST_DSN, the same build-tag gating dal/pool/envelope use.
package main

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pgfuse/pgfuse/internal/pool"
)

func testPool(t *testing.T) (*pool.Pool, func()) {
	dsn := os.Getenv("PGFUSE_TEST_DSN")
	if dsn == "" {
		t.Skip("PGFUSE_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p, err := pool.Open(ctx, dsn, pool.Config{MaxConnections: 2})
	require.NoError(t, err)
	return p, func() { _ = p.Close(context.Background()) }
}

func TestCheckPreconditionsAcceptsSeededBlockSize(t *testing.T) {
	p, done := testPool(t)
	defer done()

	require.NoError(t, checkPreconditions(context.Background(), p, 4096))
}

func TestCheckPreconditionsRejectsWrongBlockSize(t *testing.T) {
	p, done := testPool(t)
	defer done()

	err := checkPreconditions(context.Background(), p, 8192)
	require.Error(t, err)
}
