package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// Transact runs fn inside one transaction on a pooled connection.
//
// The transaction commits when fn returns nil and rolls back when fn returns
// an error or panics; a panic is re-raised after cleanup. The connection is
// released on every path. fn's error is returned unchanged. A failed begin or
// commit is returned wrapped in ErrStore and marks the connection suspect.
func (p *Pool) Transact(ctx context.Context, fn func(tx *sql.Tx) error) error {
	c, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(c)

	// Isolation is set per connection by the session-init statements.
	tx, err := c.SQL().BeginTx(ctx, nil)
	if err != nil {
		c.MarkSuspect()
		return fmt.Errorf("%w: begin: %w", ErrStore, err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		p.rollback(c, tx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		// A failed commit has already ended the transaction.
		committed = true
		c.MarkSuspect()
		p.rollbacks.Add(1)
		slog.Error("pool: commit failed", "slot", c.slot.id, "err", err)
		return fmt.Errorf("%w: commit: %w", ErrStore, err)
	}
	committed = true
	p.commits.Add(1)
	return nil
}

func (p *Pool) rollback(c *Conn, tx *sql.Tx) {
	p.rollbacks.Add(1)
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		c.MarkSuspect()
		slog.Error("pool: rollback failed", "slot", c.slot.id, "err", err)
	}
}
