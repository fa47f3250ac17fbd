package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// Key of the cached listing of the most active live threads
const mostActiveKey = "most_active"

// RecordActivity appends a viewer count sample to a thread's history
func (d *DB) RecordActivity(ctx context.Context, thread string, count int) (
	err error,
) {
	_, err = exec(ctx, d.db, d.sq.Insert("live_activity_history").
		Columns("thread", "count").
		Values(thread, count),
	)
	return
}

// TouchVisitor registers or refreshes the presence of a visitor in a thread
func (d *DB) TouchVisitor(
	ctx context.Context,
	thread, fingerprint string,
	ttl time.Duration,
) (err error) {
	_, err = exec(ctx, d.db, d.sq.Insert("live_active_visitors").
		Columns("thread", "fingerprint", "expires").
		Values(thread, fingerprint, time.Now().Add(ttl).UTC()).
		Suffix(`on conflict (thread, fingerprint)
			do update set expires = excluded.expires`),
	)
	return
}

// ActiveVisitors returns the count of distinct unexpired visitors of each of
// the passed threads in a single query. Threads with no visitors have a count
// of zero.
func (d *DB) ActiveVisitors(ctx context.Context, threads []string) (
	counts map[string]int, err error,
) {
	counts = make(map[string]int, len(threads))
	for _, id := range threads {
		counts[id] = 0
	}
	if len(threads) == 0 {
		return
	}

	r, err := query(ctx, d.db, d.sq.Select("thread", "count(*)").
		From("live_active_visitors").
		Where("thread = any(?) and expires > now()", pq.StringArray(threads)).
		GroupBy("thread"),
	)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	for r.Next() {
		var (
			id string
			n  int
		)
		err = r.Scan(&id, &n)
		if err != nil {
			return nil, err
		}
		counts[id] = n
	}
	err = r.Err()
	if err != nil {
		return nil, err
	}
	return
}

// ReplaceMostActive atomically replaces the listing of the most active
// threads. The listing expires after ttl.
func (d *DB) ReplaceMostActive(
	ctx context.Context,
	ids []string,
	ttl time.Duration,
) (err error) {
	if ids == nil {
		ids = []string{}
	}
	_, err = exec(ctx, d.db, d.sq.Insert("live_cached_listings").
		Columns("key", "ids", "expires").
		Values(mostActiveKey, pq.StringArray(ids), time.Now().Add(ttl).UTC()).
		Suffix(`on conflict (key)
			do update set ids = excluded.ids, expires = excluded.expires`),
	)
	return
}

// MostActive returns the cached listing of the most active threads, if it
// has not expired
func (d *DB) MostActive(ctx context.Context) (ids []string, err error) {
	var arr pq.StringArray
	err = queryRow(ctx, d.db, d.sq.Select("ids").
		From("live_cached_listings").
		Where("key = ? and expires > now()", mostActiveKey),
	).
		Scan(&arr)
	switch err {
	case nil:
		return []string(arr), nil
	case sql.ErrNoRows:
		return []string{}, nil
	default:
		return nil, err
	}
}

// TryLock attempts to acquire a session-level advisory lock on key without
// blocking. If acquired, the returned function releases it.
func (d *DB) TryLock(ctx context.Context, key int64) (
	unlock func(), ok bool, err error,
) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return
	}
	err = conn.QueryRowContext(ctx, `select pg_try_advisory_lock($1)`, key).
		Scan(&ok)
	if err != nil || !ok {
		conn.Close()
		return
	}

	unlock = func() {
		// Closing the connection returns it to the pool without ending the
		// session, so release explicitly
		_, err := conn.ExecContext(
			context.Background(),
			`select pg_advisory_unlock($1)`,
			key,
		)
		if err != nil {
			logError("release advisory lock", err)
		}
		conn.Close()
	}
	return
}
