// Package pool implements the fixed-capacity connection pool of spec.md
// §4.2: acquire blocks until a session is free, release returns it, and a
// detected broken session is discarded and lazily replaced. Single-threaded
// mode bypasses pooling entirely and hands out the one process-wide
// session with a no-op release.
package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pgfuse/pgfuse/internal/circuit"
	"github.com/pgfuse/pgfuse/internal/health"
)

// Session is the subset of a pgx connection the envelope needs: the
// ability to start a transaction and to report liveness.
type Session interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// Conn is an acquired session plus the function that returns it to the
// pool. Release must be called exactly once, after the envelope has
// committed or rolled back (spec.md §4.2: sessions are always returned in
// the outside-transaction state).
type Conn struct {
	Session
	release func(broken bool)
}

// Release returns the session to the pool. Pass true if the session was
// found to be broken so the pool discards rather than recycles it.
func (c *Conn) Release(broken bool) {
	if c.release != nil {
		c.release(broken)
	}
}

// Stats mirrors the teacher's PoolStats shape, narrowed to what pgfuse's
// metrics endpoint reports.
type Stats struct {
	Active int
	Idle   int
	Max    int
}

// Pool is the acquire/release abstraction in front of either a pgxpool.Pool
// (multi-threaded) or a single shared pgx.Conn (single-threaded, spec.md
// §4.2 "Single-threaded mode bypasses the pool").
type Pool struct {
	mu           sync.Mutex
	multi        *pgxpool.Pool
	single       *pgx.Conn
	singleThread bool
	health       *health.Tracker
	breaker      *circuit.Breaker
	dsn          string
}

// Config controls pool construction.
type Config struct {
	MaxConnections int
	SingleThreaded bool
	Breaker        circuit.Config
}

// Open connects to PostgreSQL. In multi-threaded mode it builds a
// pgxpool.Pool of the configured capacity; in single-threaded mode it opens
// one pgx.Conn that every acquire shares.
func Open(ctx context.Context, dsn string, cfg Config) (*Pool, error) {
	p := &Pool{
		singleThread: cfg.SingleThreaded,
		health:       health.NewTracker(health.DefaultConfig()),
		breaker:      circuit.New(cfg.Breaker),
		dsn:          dsn,
	}

	if cfg.SingleThreaded {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		p.single = conn
		return p, nil
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConnections)
	}
	multi, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	p.multi = multi
	return p, nil
}

// Acquire returns an idle session, blocking until one is available
// (spec.md §4.2). In single-threaded mode it always returns the same
// session with a no-op Release.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	if p.singleThread {
		return &Conn{Session: p.single, release: func(bool) {}}, nil
	}

	pgxConn, err := p.multi.Acquire(ctx)
	if err != nil {
		p.health.RecordFailure(err)
		return nil, fmt.Errorf("acquire: %w", err)
	}
	p.health.RecordSuccess()

	released := false
	return &Conn{
		Session: pgxConn.Conn(),
		release: func(broken bool) {
			p.mu.Lock()
			defer p.mu.Unlock()
			if released {
				return
			}
			released = true
			if broken {
				pgxConn.Conn().Close(context.Background())
			}
			pgxConn.Release()
		},
	}, nil
}

// Reconnect rebuilds the single-threaded session after a broken-connection
// detection, guarded by the circuit breaker so repeated failures back off
// instead of hammering a downed database.
func (p *Pool) Reconnect(ctx context.Context) error {
	if !p.singleThread {
		return nil
	}
	return p.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		if p.single != nil {
			_ = p.single.Close(ctx)
		}
		conn, err := pgx.Connect(ctx, p.dsn)
		if err != nil {
			p.health.RecordFailure(err)
			return err
		}
		p.single = conn
		p.health.RecordSuccess()
		return nil
	})
}

// Stats reports current pool occupancy for the metrics endpoint.
func (p *Pool) Stats() Stats {
	if p.singleThread {
		return Stats{Active: 1, Idle: 0, Max: 1}
	}
	s := p.multi.Stat()
	return Stats{
		Active: int(s.AcquiredConns()),
		Idle:   int(s.IdleConns()),
		Max:    int(s.MaxConns()),
	}
}

// Health reports the pool/session health tracker state.
func (p *Pool) Health() *health.Tracker {
	return p.health
}

// Close shuts down every session.
func (p *Pool) Close(ctx context.Context) error {
	if p.singleThread {
		if p.single == nil {
			return nil
		}
		return p.single.Close(ctx)
	}
	p.multi.Close()
	return nil
}
