package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Notifier delivers NOTIFY payloads for a channel until ctx is done, then
// closes the returned channel.
type Notifier interface {
	Listen(ctx context.Context, channel string) (<-chan string, error)
}

// PoolNotifier listens on a connection taken out of Pool for the lifetime of
// each Listen call.
type PoolNotifier struct {
	Pool *pgxpool.Pool
}

var _ Notifier = PoolNotifier{}

// notifyBuffer is the capacity of the payload channel.
const notifyBuffer = 64

// Listen implements [Notifier].
func (n PoolNotifier) Listen(ctx context.Context, channel string) (<-chan string, error) {
	pc, err := n.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres notify: acquire: %w", err)
	}
	// Hijacked so a connection left in LISTEN state never goes back to the pool.
	conn := pc.Hijack()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		_ = conn.Close(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("postgres notify: listen %s: %w", channel, err)
	}

	out := make(chan string, notifyBuffer)
	go func() {
		defer close(out)
		defer func() { _ = conn.Close(context.WithoutCancel(ctx)) }()
		for {
			note, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("postgres notify: listener stopped", "channel", channel, "err", err)
				}
				return
			}
			select {
			case out <- note.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
