// Package envelope implements the transaction scaffold spec.md §4.3 names
// for every filesystem operation: acquire a session, begin a transaction,
// run the handler body against a dal.DAL, commit on success or roll back
// on any error, then release the session. Never retried — at-most-once
// semantics so a partial failure never duplicates a side effect.
package envelope

import (
	"context"

	"github.com/pgfuse/pgfuse/internal/dal"
	"github.com/pgfuse/pgfuse/internal/pgerrors"
	"github.com/pgfuse/pgfuse/internal/pool"
)

// Body is the handler logic run inside one transaction.
type Body func(ctx context.Context, d dal.DAL) error

// Envelope wraps a pool.Pool with the acquire/begin/body/commit-rollback/
// release scaffold. One Envelope serves every handler in the Host Bridge
// Adapter; it holds no per-request state itself.
type Envelope struct {
	pool *pool.Pool
}

// New wraps p.
func New(p *pool.Pool) *Envelope {
	return &Envelope{pool: p}
}

// Run executes body inside a fresh transaction on a freshly acquired
// session. A panic inside body is recovered, rolls back, releases the
// session as broken, and repanics — the guard the session borrow needs to
// release on every exit path, including a panic (spec.md's "scoped
// acquisition" design note).
func (e *Envelope) Run(ctx context.Context, body Body) (err error) {
	conn, acquireErr := e.pool.Acquire(ctx)
	if acquireErr != nil {
		return pgerrors.Wrap("envelope", "acquire", acquireErr)
	}

	broken := false
	defer func() {
		conn.Release(broken)
	}()

	tx, beginErr := conn.Begin(ctx)
	if beginErr != nil {
		broken = true
		return pgerrors.Wrap("envelope", "begin", beginErr)
	}

	defer func() {
		if r := recover(); r != nil {
			broken = true
			_ = tx.Rollback(ctx)
			panic(r)
		}
	}()

	if bodyErr := body(ctx, dal.New(tx)); bodyErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			broken = true
		}
		return bodyErr
	}

	if commitErr := tx.Commit(ctx); commitErr != nil {
		broken = true
		return pgerrors.Wrap("envelope", "commit", commitErr)
	}
	return nil
}
