package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-playground/log"
)

const scraperChannel = "live_scraper_queue"

// Queue is a durable work queue of embed scraping jobs. Each message is
// consumed exactly once by one of any number of concurrent consumers.
type Queue struct {
	d    *DB
	poll time.Duration
}

// ScraperQueue returns the queue of embed scraping jobs. Consumers check for
// new messages at least every poll interval.
func (d *DB) ScraperQueue(poll time.Duration) *Queue {
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &Queue{
		d:    d,
		poll: poll,
	}
}

// Enqueue writes a JSON message to the queue and wakes up consumers
func (q *Queue) Enqueue(ctx context.Context, msg []byte) error {
	return q.d.InTransaction(ctx, func(tx *sql.Tx) (err error) {
		_, err = exec(ctx, tx, q.d.sq.Insert("live_scraper_queue").
			Columns("body").
			Values(string(msg)),
		)
		if err != nil {
			return
		}
		return notify(ctx, tx, scraperChannel, "")
	})
}

// Consume processes messages one at a time with fn until ctx is canceled.
// A message is removed from the queue regardless of fn's outcome.
func (q *Queue) Consume(
	ctx context.Context,
	fn func(ctx context.Context, msg []byte),
) (err error) {
	wake := make(chan struct{}, 1)
	err = q.d.Listen(ctx, scraperChannel, func(string) error {
		select {
		case wake <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil {
		return
	}

	for {
		popped, err := q.pop(ctx, fn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Errorf("scraper queue: %s", err)
		}
		if popped {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		case <-time.After(q.poll):
		}
	}
}

// Pop a single message and process it. The row stays locked for the duration
// of fn and the deletion is commited afterwards.
func (q *Queue) pop(
	ctx context.Context,
	fn func(ctx context.Context, msg []byte),
) (popped bool, err error) {
	err = q.d.InTransaction(ctx, func(tx *sql.Tx) (err error) {
		var msg []byte
		err = tx.QueryRowContext(ctx,
			`delete from live_scraper_queue
			where id = (
				select id
				from live_scraper_queue
				order by id
				for update skip locked
				limit 1
			)
			returning body`,
		).
			Scan(&msg)
		switch err {
		case nil:
			popped = true
			fn(ctx, msg)
			return nil
		case sql.ErrNoRows:
			return nil
		default:
			return
		}
	})
	return
}
