//go:build integration

// Package envelope integration tests require a live PostgreSQL reachable
// via PGFUSE_TEST_DSN, the same build-tag gating dal and pool use — the
// envelope's only job is wiring a real pool.Pool to a real transaction, so
// there is nothing meaningful to fake underneath it.
package envelope

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pgfuse/pgfuse/internal/dal"
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

func TestRunCommitsOnSuccess(t *testing.T) {
	p, done := testPool(t)
	defer done()
	e := New(p)
	ctx := context.Background()

	var id int64
	err := e.Run(ctx, func(ctx context.Context, d dal.DAL) error {
		var createErr error
		now := time.Now()
		id, createErr = d.CreateFile(ctx, 0, "/envelope-it-a", "envelope-it-a", dal.Meta{
			Mode: dal.ModeRegular, Ctime: now, Mtime: now, Atime: now,
		})
		return createErr
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	err = e.Run(ctx, func(ctx context.Context, d dal.DAL) error {
		gotID, _, readErr := d.ReadMetaFromPath(ctx, "/envelope-it-a")
		require.Equal(t, id, gotID)
		return readErr
	})
	require.NoError(t, err)
}

func TestRunRollsBackOnBodyError(t *testing.T) {
	p, done := testPool(t)
	defer done()
	e := New(p)
	ctx := context.Background()

	sentinel := errors.New("deliberate failure")
	err := e.Run(ctx, func(ctx context.Context, d dal.DAL) error {
		now := time.Now()
		_, createErr := d.CreateFile(ctx, 0, "/envelope-it-b", "envelope-it-b", dal.Meta{
			Mode: dal.ModeRegular, Ctime: now, Mtime: now, Atime: now,
		})
		if createErr != nil {
			return createErr
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	err = e.Run(ctx, func(ctx context.Context, d dal.DAL) error {
		_, _, readErr := d.ReadMetaFromPath(ctx, "/envelope-it-b")
		return readErr
	})
	require.Error(t, err)
}
