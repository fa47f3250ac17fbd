package db

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/log"
	"github.com/lib/pq"
)

const (
	broadcastChannel = "live_broadcast"

	// NOTIFY payloads must be shorter than 8000 bytes. Larger messages are
	// stored and only their ID is sent.
	maxNotifyPayload = 7900
	refPrefix        = "ref:"
)

// Listen assigns a function to listen to Postgres notifications on a channel
// until ctx is canceled
func (d *DB) Listen(
	ctx context.Context,
	channel string,
	fn func(msg string) error,
) (err error) {
	l := pq.NewListener(
		d.connURL,
		time.Second,
		time.Second*10,
		func(ev pq.ListenerEventType, err error) {
			switch ev {
			case pq.ListenerEventDisconnected:
				log.Warnf("db: listener on `%s` disconnected: %s", channel, err)
			case pq.ListenerEventReconnected:
				log.Infof("db: listener on `%s` reconnected", channel)
			}
		},
	)
	err = l.Listen(channel)
	if err != nil {
		l.Close()
		return
	}

	go func() {
		defer l.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-l.Notify:
				if msg == nil {
					continue
				}
				if err := fn(msg.Extra); err != nil {
					log.Errorf("error on database event `%s`: %s\n", channel, err)
				}
			}
		}
	}()

	return
}

// Send a notification on channel inside a transaction or outside of one
func notify(ctx context.Context, q queryable, channel, msg string) (
	err error,
) {
	_, err = q.ExecContext(ctx, `select pg_notify($1, $2)`, channel, msg)
	return
}

// NotificationBus fans out broadcast messages to all server processes through
// PostgreSQL LISTEN/NOTIFY
type NotificationBus struct {
	d *DB
}

// NotificationBus creates a message bus on top of d
func (d *DB) NotificationBus() *NotificationBus {
	return &NotificationBus{d}
}

// Publish sends msg to all subscribers in all processes
func (b *NotificationBus) Publish(ctx context.Context, msg []byte) error {
	if len(msg) <= maxNotifyPayload {
		return notify(ctx, b.d.db, broadcastChannel, string(msg))
	}

	return b.d.InTransaction(ctx, func(tx *sql.Tx) (err error) {
		var id uint64
		err = queryRow(ctx, tx, b.d.sq.Insert("live_broadcasts").
			Columns("body").
			Values(msg).
			Suffix("returning id"),
		).
			Scan(&id)
		if err != nil {
			return
		}
		return notify(ctx, tx, broadcastChannel,
			refPrefix+strconv.FormatUint(id, 10))
	})
}

// Subscribe calls fn with every message published, until ctx is canceled.
// Messages are delivered in commit order.
func (b *NotificationBus) Subscribe(
	ctx context.Context,
	fn func(msg []byte),
) error {
	return b.d.Listen(ctx, broadcastChannel, func(msg string) error {
		if !strings.HasPrefix(msg, refPrefix) {
			fn([]byte(msg))
			return nil
		}

		id, err := strconv.ParseUint(msg[len(refPrefix):], 10, 64)
		if err != nil {
			return err
		}
		var buf []byte
		err = queryRow(ctx, b.d.db, b.d.sq.Select("body").
			From("live_broadcasts").
			Where("id = ?", id),
		).
			Scan(&buf)
		if err != nil {
			return err
		}
		fn(buf)
		return nil
	})
}
