// Package pool provides a fixed-size pool of dedicated database connections
// and a scoped transactional unit built on top of it.
//
// Each slot owns one *sql.Conn taken from a *sql.DB, so per-connection
// session settings applied when the slot is filled hold for every
// transaction that later runs on it. A slot whose connection could not be
// replaced is kept as a placeholder and refilled on the next acquire, so the
// number of slots never drops below the configured size.
package pool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("pool: closed")
	// ErrStoreUnavailable is returned when a slot has no live connection
	// and a new one cannot be opened.
	ErrStoreUnavailable = errors.New("pool: store unavailable")
	// ErrStore marks a failure reported by the backing store.
	ErrStore = errors.New("pool: store error")
)

// DefaultHealthTimeout bounds the ping used to check a suspect connection.
const DefaultHealthTimeout = 2 * time.Second

// Options configures a Pool.
type Options struct {
	// Size is the number of slots. Must be positive.
	Size int
	// SessionInit statements run once on every newly opened connection.
	SessionInit []string
	// HealthCheck reports whether a suspect connection is still usable.
	// Defaults to PingContext.
	HealthCheck func(ctx context.Context, conn *sql.Conn) error
	// HealthTimeout bounds HealthCheck (default: DefaultHealthTimeout).
	HealthTimeout time.Duration
	// Open returns a fresh connection. Defaults to (*sql.DB).Conn.
	Open func(ctx context.Context) (*sql.Conn, error)
}

type slot struct {
	id   int
	conn *sql.Conn // nil for a placeholder
}

// Conn is one checkout of a pooled connection. It is valid until released.
type Conn struct {
	slot    *slot
	suspect bool
}

// SQL returns the underlying connection.
func (c *Conn) SQL() *sql.Conn { return c.slot.conn }

// MarkSuspect asks the pool to health-check the connection when it is released.
func (c *Conn) MarkSuspect() { c.suspect = true }

// Stats is a snapshot of pool counters.
type Stats struct {
	Size         int
	InUse        int
	Placeholders int
	Acquires     int64
	Waits        int64
	Releases     int64
	Replacements int64
	Commits      int64
	Rollbacks    int64
}

// Pool is a fixed-size set of dedicated connections. Safe for concurrent use.
type Pool struct {
	opts  Options
	slots chan *slot

	mu     sync.Mutex
	out    map[*Conn]struct{}
	closed bool
	done   chan struct{}

	inUse        atomic.Int64
	placeholders atomic.Int64
	acquires     atomic.Int64
	waits        atomic.Int64
	releases     atomic.Int64
	replacements atomic.Int64
	commits      atomic.Int64
	rollbacks    atomic.Int64
}

// New opens opts.Size connections from db and runs the session-init
// statements on each. db must not be used for other work afterwards: its
// open-connection limit is set to the pool size.
func New(ctx context.Context, db *sql.DB, opts Options) (*Pool, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("pool: size must be positive, got %d", opts.Size)
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = DefaultHealthTimeout
	}
	if opts.HealthCheck == nil {
		opts.HealthCheck = func(ctx context.Context, conn *sql.Conn) error {
			return conn.PingContext(ctx)
		}
	}
	if opts.Open == nil {
		if db == nil {
			return nil, errors.New("pool: nil database")
		}
		opts.Open = db.Conn
	}
	if db != nil {
		db.SetMaxOpenConns(opts.Size)
		db.SetMaxIdleConns(opts.Size)
	}

	p := &Pool{
		opts:  opts,
		slots: make(chan *slot, opts.Size),
		out:   make(map[*Conn]struct{}),
		done:  make(chan struct{}),
	}
	for i := 0; i < opts.Size; i++ {
		conn, err := p.open(ctx)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("pool: open connection %d: %w", i, err)
		}
		p.slots <- &slot{id: i, conn: conn}
	}
	slog.Debug("pool ready", "size", opts.Size)
	return p, nil
}

// open returns a new connection with the session-init statements applied.
func (p *Pool) open(ctx context.Context) (*sql.Conn, error) {
	conn, err := p.opts.Open(ctx)
	if err != nil {
		return nil, err
	}
	for _, stmt := range p.opts.SessionInit {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			discard(conn)
			return nil, fmt.Errorf("session init %q: %w", stmt, err)
		}
	}
	return conn, nil
}

// Acquire blocks until a slot is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	var s *slot
	select {
	case s = <-p.slots:
	default:
		p.waits.Add(1)
		select {
		case s = <-p.slots:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.done:
			return nil, ErrClosed
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		discard(s.conn)
		return nil, ErrClosed
	}
	p.mu.Unlock()

	if s.conn == nil {
		conn, err := p.open(ctx)
		if err != nil {
			p.putBack(s)
			slog.Error("pool: refill placeholder failed", "slot", s.id, "err", err)
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		s.conn = conn
		p.placeholders.Add(-1)
		p.replacements.Add(1)
		slog.Info("pool: placeholder refilled", "slot", s.id)
	}

	c := &Conn{slot: s}
	p.mu.Lock()
	p.out[c] = struct{}{}
	p.mu.Unlock()
	p.inUse.Add(1)
	p.acquires.Add(1)
	return c, nil
}

// Release returns c to the pool. Releasing a connection that is not
// checked out is logged and ignored.
func (p *Pool) Release(c *Conn) {
	if c == nil {
		return
	}
	p.mu.Lock()
	_, ok := p.out[c]
	delete(p.out, c)
	p.mu.Unlock()
	if !ok {
		slog.Warn("pool: release of connection that is not checked out", "slot", c.slot.id)
		return
	}
	p.inUse.Add(-1)
	p.releases.Add(1)

	s := c.slot
	if c.suspect && !p.healthy(s.conn) {
		p.replace(s)
	}
	p.putBack(s)
}

func (p *Pool) healthy(conn *sql.Conn) bool {
	if conn == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.HealthTimeout)
	defer cancel()
	return p.opts.HealthCheck(ctx, conn) == nil
}

// replace discards the slot's connection and tries to open a new one.
// On failure the slot becomes a placeholder.
func (p *Pool) replace(s *slot) {
	discard(s.conn)
	s.conn = nil

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.HealthTimeout)
	defer cancel()
	conn, err := p.open(ctx)
	if err != nil {
		p.placeholders.Add(1)
		slog.Error("pool: replacement failed, slot is now a placeholder", "slot", s.id, "err", err)
		return
	}
	s.conn = conn
	p.replacements.Add(1)
	slog.Warn("pool: replaced unhealthy connection", "slot", s.id)
}

func (p *Pool) putBack(s *slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		discard(s.conn)
		return
	}
	p.slots <- s
}

// discard drops a connection without returning it to the database/sql idle list.
func discard(conn *sql.Conn) {
	if conn == nil {
		return
	}
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = conn.Close()
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Size:         p.opts.Size,
		InUse:        int(p.inUse.Load()),
		Placeholders: int(p.placeholders.Load()),
		Acquires:     p.acquires.Load(),
		Waits:        p.waits.Load(),
		Releases:     p.releases.Load(),
		Replacements: p.replacements.Load(),
		Commits:      p.commits.Load(),
		Rollbacks:    p.rollbacks.Load(),
	}
}

// Ping checks one pooled connection. Used by health endpoints.
func (p *Pool) Ping(ctx context.Context) error {
	c, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(c)
	if err := c.SQL().PingContext(ctx); err != nil {
		c.MarkSuspect()
		return fmt.Errorf("%w: ping: %v", ErrStore, err)
	}
	return nil
}

// Close closes idle connections and fails later acquires with ErrClosed.
// Checked-out connections are closed when they are released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	for {
		select {
		case s := <-p.slots:
			discard(s.conn)
		default:
			return
		}
	}
}
