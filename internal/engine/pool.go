// Package engine manages analytical-engine (DuckDB) connections to
// spooled partition objects.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/rs/zerolog"

	rserrors "github.com/ratescope/ratescope/internal/errors"
)

// OpenFunc opens an analytical-engine connection for a backing target.
// The default opens an in-memory DuckDB database; tests may substitute
// other openers.
type OpenFunc func(target string) (*sql.DB, error)

// PoolConfig holds configuration for the connection pool.
type PoolConfig struct {
	// MaxTargets is the maximum number of live targets (default: 32).
	MaxTargets int

	// ProbeTimeout bounds the health probe on reuse (default: 2s).
	ProbeTimeout time.Duration

	// IdleTimeout is how long a connection can sit unused before Sweep
	// closes it (default: 5 minutes).
	IdleTimeout time.Duration

	// Open overrides the connection opener. Nil selects DuckDB.
	Open OpenFunc
}

// DefaultPoolConfig returns the default pool configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxTargets:   32,
		ProbeTimeout: 2 * time.Second,
		IdleTimeout:  5 * time.Minute,
	}
}

// Pool maintains at most one live connection per backing target. A
// connection handed out by Acquire is exclusively owned until Release;
// operations against distinct targets proceed in parallel.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*entry

	open         OpenFunc
	maxTargets   int
	probeTimeout time.Duration
	idleTimeout  time.Duration
	closed       bool
	log          zerolog.Logger
}

// entry serializes access to one target's connection. The entry mutex is
// held for the full duration of an acquired operation. dead is set, under
// the entry mutex, when the entry has been removed from the pool map; a
// waiter that locks a dead entry must go back to the map instead of
// opening on it, otherwise the orphaned connection escapes Sweep, Evict,
// and Close.
type entry struct {
	mu       sync.Mutex
	db       *sql.DB
	lastUsed time.Time
	dead     bool
}

// Conn is an acquired, exclusively-held connection to one target.
type Conn struct {
	db       *sql.DB
	entry    *entry
	target   string
	released bool
}

// DB exposes the underlying database handle.
func (c *Conn) DB() *sql.DB {
	return c.db
}

// Target returns the backing target this connection serves.
func (c *Conn) Target() string {
	return c.target
}

// QueryContext runs a query on the held connection.
func (c *Conn) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, query, args...)
}

// Release returns the connection to the pool. The connection stays open
// for reuse by the next acquisition of the same target.
func (c *Conn) Release() {
	if c.released {
		return
	}
	c.released = true
	c.entry.lastUsed = time.Now()
	c.entry.mu.Unlock()
}

// NewPool creates a connection pool with the given configuration.
func NewPool(config PoolConfig, log zerolog.Logger) *Pool {
	if config.MaxTargets <= 0 {
		config.MaxTargets = 32
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 2 * time.Second
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 5 * time.Minute
	}
	open := config.Open
	if open == nil {
		open = openDuckDB
	}

	return &Pool{
		entries:      make(map[string]*entry),
		open:         open,
		maxTargets:   config.MaxTargets,
		probeTimeout: config.ProbeTimeout,
		idleTimeout:  config.IdleTimeout,
		log:          log,
	}
}

// openDuckDB opens an in-memory DuckDB database for one target. The
// target itself is addressed per query via read_parquet.
func openDuckDB(target string) (*sql.DB, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("engine: failed to open duckdb: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// Acquire returns the connection for target, opening one if needed. A
// reused connection is health-probed first; on probe failure the stale
// connection is discarded and reopened exactly once. If the reopen also
// fails the target's entry is dropped and the failure surfaces as
// ENGINE/CONNECT_FAILED.
func (p *Pool) Acquire(ctx context.Context, target string) (*Conn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, rserrors.NewEngineError(rserrors.CodeConnectFailed,
				"engine: pool is closed", nil)
		}
		e, ok := p.entries[target]
		if !ok {
			if len(p.entries) >= p.maxTargets && !p.evictIdleLocked() {
				p.mu.Unlock()
				return nil, rserrors.NewEngineError(rserrors.CodeConnectFailed,
					fmt.Sprintf("engine: maximum targets reached (%d)", p.maxTargets), nil)
			}
			e = &entry{}
			p.entries[target] = e
		}
		p.mu.Unlock()

		// Exclusive ownership of the target for the whole operation.
		e.mu.Lock()

		if e.dead {
			// The entry was dropped while we waited for it. Opening on it
			// would create a second connection for the target that nothing
			// can ever close again.
			e.mu.Unlock()
			continue
		}

		if e.db == nil {
			db, err := p.open(target)
			if err != nil {
				e.dead = true
				e.mu.Unlock()
				p.dropEntry(target, e)
				return nil, rserrors.NewEngineError(rserrors.CodeConnectFailed,
					fmt.Sprintf("engine: failed to connect to %s", target), err)
			}
			e.db = db
		} else if err := p.probe(ctx, e.db); err != nil {
			p.log.Warn().Str("target", target).Err(err).Msg("engine connection failed probe, reopening")
			e.db.Close()
			e.db = nil

			db, openErr := p.open(target)
			if openErr != nil {
				e.dead = true
				e.mu.Unlock()
				p.dropEntry(target, e)
				return nil, rserrors.NewEngineError(rserrors.CodeConnectFailed,
					fmt.Sprintf("engine: failed to reconnect to %s", target), openErr)
			}
			e.db = db
		}

		e.lastUsed = time.Now()
		return &Conn{db: e.db, entry: e, target: target}, nil
	}
}

// probe verifies a connection is still usable.
func (p *Pool) probe(ctx context.Context, db *sql.DB) error {
	probeCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	var one int
	if err := db.QueryRowContext(probeCtx, "SELECT 1").Scan(&one); err != nil {
		return err
	}
	return nil
}

// dropEntry removes a dead entry, tolerating a concurrent replacement.
func (p *Pool) dropEntry(target string, e *entry) {
	p.mu.Lock()
	if cur, ok := p.entries[target]; ok && cur == e {
		delete(p.entries, target)
	}
	p.mu.Unlock()
}

// evictIdleLocked closes the least-recently-used idle entry. Caller must
// hold p.mu. Returns false when every entry is in use.
func (p *Pool) evictIdleLocked() bool {
	var oldestTarget string
	var oldest *entry

	for target, e := range p.entries {
		if !e.mu.TryLock() {
			continue // in use
		}
		if oldest == nil || e.lastUsed.Before(oldest.lastUsed) {
			if oldest != nil {
				oldest.mu.Unlock()
			}
			oldestTarget = target
			oldest = e
		} else {
			e.mu.Unlock()
		}
	}

	if oldest == nil {
		return false
	}
	if oldest.db != nil {
		oldest.db.Close()
		oldest.db = nil
	}
	oldest.dead = true
	oldest.mu.Unlock()
	delete(p.entries, oldestTarget)
	return true
}

// Evict closes and removes the connection for one target, e.g. after its
// spooled object is deleted. No-op when the target is unknown.
func (p *Pool) Evict(target string) {
	p.mu.Lock()
	e, ok := p.entries[target]
	if ok {
		delete(p.entries, target)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	if e.db != nil {
		e.db.Close()
		e.db = nil
	}
	e.dead = true
	e.mu.Unlock()
}

// Sweep closes connections idle longer than the pool's idle timeout.
// Entries currently in use are skipped.
func (p *Pool) Sweep() {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	for target, e := range p.entries {
		if !e.mu.TryLock() {
			continue
		}
		if e.db != nil && now.Sub(e.lastUsed) > p.idleTimeout {
			e.db.Close()
			e.db = nil
			e.dead = true
			e.mu.Unlock()
			delete(p.entries, target)
			continue
		}
		e.mu.Unlock()
	}
}

// PoolStats describes the pool's current occupancy.
type PoolStats struct {
	Targets     int
	LiveTargets int
}

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{Targets: len(p.entries)}
	for _, e := range p.entries {
		if e.db != nil {
			stats.LiveTargets++
		}
	}
	return stats
}

// Close closes every connection. In-flight operations are waited for.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	var lastErr error
	for _, e := range entries {
		e.mu.Lock()
		if e.db != nil {
			if err := e.db.Close(); err != nil {
				lastErr = err
			}
			e.db = nil
		}
		e.dead = true
		e.mu.Unlock()
	}
	return lastErr
}
