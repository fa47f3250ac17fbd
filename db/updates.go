package db

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/Masterminds/squirrel"
	"github.com/bakape/liveupdate/common"
	"github.com/google/uuid"
)

// Flags of an update, that can be set in place
type UpdateFlag string

// Settable update flags
const (
	FlagDeleted  UpdateFlag = "deleted"
	FlagStricken UpdateFlag = "stricken"
	FlagSpam     UpdateFlag = "spam"
)

var updateColumns = []string{
	"thread", "id", "author", "body", "body_html", "deleted", "stricken",
	"spam", "media_objects",
}

func scanUpdate(r rowScanner) (u common.Update, err error) {
	var media []byte
	err = r.Scan(
		&u.Thread, &u.ID, &u.Author, &u.Body, &u.BodyHTML, &u.Deleted,
		&u.Stricken, &u.Spam, &media,
	)
	if err != nil {
		return
	}
	err = json.Unmarshal(media, &u.MediaObjects)
	return
}

// InsertUpdate appends an update to the log of a live thread and returns it
// with its assigned ID. IDs are generated under the thread's row lock, so
// they are strictly increasing in commit order. Returns
// common.ErrThreadClosed, if the thread is no longer live.
func (d *DB) InsertUpdate(ctx context.Context, u common.Update) (
	common.Update, error,
) {
	media, err := json.Marshal(u.MediaObjects)
	if err != nil {
		return u, err
	}
	if u.MediaObjects == nil {
		media = []byte("[]")
	}

	err = d.InTransaction(ctx, func(tx *sql.Tx) (err error) {
		// Lock the thread row to serialize appends with each other and with
		// closing the thread
		var state string
		err = queryRow(ctx, tx, d.sq.Select("state").
			From("live_threads").
			Where("id = ?", u.Thread).
			Suffix("for update"),
		).
			Scan(&state)
		if err != nil {
			return
		}
		if common.ThreadState(state) != common.ThreadLive {
			return common.ErrThreadClosed
		}

		var last uuid.UUID
		err = queryRow(ctx, tx, d.sq.Select("id").
			From("live_updates").
			Where("thread = ?", u.Thread).
			OrderBy("id desc").
			Limit(1),
		).
			Scan(&last)
		switch {
		case IsNotFound(err):
			last, err = uuid.Nil, nil
		case err != nil:
			return
		}
		u.ID, err = common.NextUpdateID(last)
		if err != nil {
			return
		}

		_, err = exec(ctx, tx, d.sq.Insert("live_updates").
			Columns(updateColumns...).
			Values(
				u.Thread, u.ID, u.Author, u.Body, u.BodyHTML, u.Deleted,
				u.Stricken, u.Spam, string(media),
			),
		)
		if err != nil {
			return
		}
		_, err = exec(ctx, tx, d.sq.Update("live_threads").
			Set("last_update", u.Created()).
			Where("id = ?", u.Thread),
		)
		return
	})
	return u, err
}

// GetUpdate reads a single update of a thread
func (d *DB) GetUpdate(ctx context.Context, thread string, id uuid.UUID) (
	common.Update, error,
) {
	return scanUpdate(queryRow(ctx, d.db, d.sq.Select(updateColumns...).
		From("live_updates").
		Where(squirrel.Eq{
			"thread": thread,
			"id":     id,
		}),
	))
}

// UpdatePage selects a page of a thread's update log
type UpdatePage struct {
	// Only return updates older than this one
	Before *uuid.UUID
	// Only return updates newer than this one
	After *uuid.UUID
	Limit int
	// Include deleted and spam updates
	IncludeHidden bool
}

// GetUpdates returns a page of a thread's update log ordered newest first.
// A page with After set holds the updates immediately following After.
func (d *DB) GetUpdates(ctx context.Context, thread string, p UpdatePage) (
	updates []common.Update, err error,
) {
	order := "id desc"
	if p.After != nil {
		order = "id asc"
	}
	q := d.sq.Select(updateColumns...).
		From("live_updates").
		Where("thread = ?", thread).
		OrderBy(order).
		Limit(uint64(p.Limit))
	if p.Before != nil {
		q = q.Where("id < ?", *p.Before)
	}
	if p.After != nil {
		q = q.Where("id > ?", *p.After)
	}
	if !p.IncludeHidden {
		q = q.Where("not deleted and not spam")
	}

	r, err := query(ctx, d.db, q)
	if err != nil {
		return
	}
	defer r.Close()

	updates = make([]common.Update, 0, p.Limit)
	for r.Next() {
		var u common.Update
		u, err = scanUpdate(r)
		if err != nil {
			return
		}
		updates = append(updates, u)
	}
	err = r.Err()
	if err != nil {
		return
	}
	if p.After != nil {
		for i, j := 0, len(updates)-1; i < j; i, j = i+1, j-1 {
			updates[i], updates[j] = updates[j], updates[i]
		}
	}
	return
}

// SetUpdateFlag sets a flag of an update in place without changing its ID or
// position in the log
func (d *DB) SetUpdateFlag(
	ctx context.Context,
	thread string,
	id uuid.UUID,
	flag UpdateFlag,
	val bool,
) error {
	return expectOne(exec(ctx, d.db, d.sq.Update("live_updates").
		Set(string(flag), val).
		Where(squirrel.Eq{
			"thread": thread,
			"id":     id,
		}),
	))
}

// SetUpdateMediaObjects stores resolved media embeds on an update in place
func (d *DB) SetUpdateMediaObjects(
	ctx context.Context,
	thread string,
	id uuid.UUID,
	media []common.MediaObject,
) error {
	buf, err := json.Marshal(media)
	if err != nil {
		return err
	}
	return expectOne(exec(ctx, d.db, d.sq.Update("live_updates").
		Set("media_objects", string(buf)).
		Where(squirrel.Eq{
			"thread": thread,
			"id":     id,
		}),
	))
}
