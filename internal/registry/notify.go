package registry

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const notifyChannel = "table_reader_batches_changed"

// Notifier implements tablereader.BatchesChanged over Postgres LISTEN/NOTIFY:
// each subscriber holds a dedicated connection (pgx.Conn.WaitForNotification
// requires one, since it can't share a pooled connection with other
// queries) and filters the shared channel's notifications down to its own
// consumer ID, carried as the NOTIFY payload.
type Notifier struct {
	connString string
}

// NewNotifier builds a Notifier that opens its own dedicated connections
// against connString — separate from the pgxpool.Pool used for everything
// else, since LISTEN holds a connection open indefinitely.
func NewNotifier(connString string) *Notifier {
	return &Notifier{connString: connString}
}

// Subscribe opens a dedicated LISTEN connection and returns a channel that
// receives a value each time NotifyBatchesChanged fires for consumerID.
// The returned unsubscribe func closes the connection and stops the
// background goroutine.
func (n *Notifier) Subscribe(ctx context.Context, consumerID string) (<-chan struct{}, func(), error) {
	conn, err := pgx.Connect(ctx, n.connString)
	if err != nil {
		return nil, nil, fmt.Errorf("opening listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{notifyChannel}.Sanitize()); err != nil {
		conn.Close(ctx)
		return nil, nil, fmt.Errorf("listening on %s: %w", notifyChannel, err)
	}

	notify := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				return
			}
			if n.Payload != consumerID {
				continue
			}
			select {
			case notify <- struct{}{}:
			default:
			}
		}
	}()

	unsubscribe := func() {
		conn.Close(context.Background())
		<-done
	}
	return notify, unsubscribe, nil
}

// NotifyBatchesChanged fires a NOTIFY on the shared channel, payload set to
// consumerID, for every Subscribe goroutine (on any process) to filter.
func NotifyBatchesChanged(ctx context.Context, pool *pgxpool.Pool, consumerID string) error {
	_, err := pool.Exec(ctx, "SELECT pg_notify($1, $2)", notifyChannel, consumerID)
	if err != nil {
		return fmt.Errorf("notifying %s for consumer %s: %w", notifyChannel, consumerID, err)
	}
	return nil
}
