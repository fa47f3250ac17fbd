package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/bakape/liveupdate/auth"
	"github.com/bakape/liveupdate/common"
)

var threadColumns = []string{
	"id", "title", "description", "description_html", "resources",
	"resources_html", "state", "banned", "banned_by", "nsfw", "created",
	"active_visitors", "active_visitors_fuzzed",
}

func scanThread(r rowScanner) (t common.Thread, err error) {
	err = r.Scan(
		&t.ID, &t.Title, &t.Description, &t.DescriptionHTML, &t.Resources,
		&t.ResourcesHTML, &t.State, &t.Banned, &t.BannedBy, &t.NSFW,
		&t.Created, &t.ActiveVisitors, &t.ActiveVisitorsFuzzed,
	)
	return
}

// InsertThread writes a new thread and its initial contributors
func (d *DB) InsertThread(ctx context.Context, t common.Thread) error {
	return d.InTransaction(ctx, func(tx *sql.Tx) (err error) {
		_, err = exec(ctx, tx, d.sq.Insert("live_threads").
			Columns(
				"id", "title", "description", "description_html",
				"resources", "resources_html", "state", "nsfw", "created",
				"last_update",
			).
			Values(
				t.ID, t.Title, t.Description, t.DescriptionHTML,
				t.Resources, t.ResourcesHTML, t.State, t.NSFW, t.Created,
				t.Created,
			),
		)
		if err != nil {
			return
		}
		for id, p := range t.Contributors {
			err = setContributor(ctx, tx, d.sq, t.ID, id, false, p)
			if err != nil {
				return
			}
		}
		return
	})
}

// GetThread reads a thread with its contributors and pending invites
func (d *DB) GetThread(ctx context.Context, id string) (
	t common.Thread, err error,
) {
	t, err = scanThread(queryRow(ctx, d.db, d.sq.Select(threadColumns...).
		From("live_threads").
		Where("id = ?", id),
	))
	if err != nil {
		return
	}

	t.Contributors = make(map[uint64]auth.Permissions)
	t.Invites = make(map[uint64]auth.Permissions)
	r, err := query(ctx, d.db, d.sq.Select("user_id", "invite", "permissions").
		From("live_contributors").
		Where("thread = ?", id),
	)
	if err != nil {
		return
	}
	defer r.Close()
	for r.Next() {
		var (
			user   uint64
			invite bool
			perms  string
		)
		err = r.Scan(&user, &invite, &perms)
		if err != nil {
			return
		}
		if invite {
			t.Invites[user] = auth.LoadPermissions(perms)
		} else {
			t.Contributors[user] = auth.LoadPermissions(perms)
		}
	}
	err = r.Err()
	return
}

// LiveThreadIDs returns up to limit IDs of threads, that are live and not
// banned, sorted ascending and greater than after. Used for keyset-paginated
// iteration over all live threads.
func (d *DB) LiveThreadIDs(ctx context.Context, after string, limit int) (
	ids []string, err error,
) {
	r, err := query(ctx, d.db, d.sq.Select("id").
		From("live_threads").
		Where("state = 'live' and not banned and id > ?", after).
		OrderBy("id").
		Limit(uint64(limit)),
	)
	if err != nil {
		return
	}
	defer r.Close()

	ids = make([]string, 0, limit)
	for r.Next() {
		var id string
		err = r.Scan(&id)
		if err != nil {
			return
		}
		ids = append(ids, id)
	}
	err = r.Err()
	return
}

// SetActivity writes only the activity fields of a thread
func (d *DB) SetActivity(
	ctx context.Context,
	id string,
	count int,
	fuzzed bool,
) error {
	return expectOne(exec(ctx, d.db, d.sq.Update("live_threads").
		SetMap(map[string]interface{}{
			"active_visitors":        count,
			"active_visitors_fuzzed": fuzzed,
		}).
		Where("id = ?", id),
	))
}

// SetThreadFields writes the passed columns of a thread. Keys must be valid
// column names.
func (d *DB) SetThreadFields(
	ctx context.Context,
	id string,
	fields map[string]interface{},
) error {
	if len(fields) == 0 {
		return nil
	}
	return expectOne(exec(ctx, d.db, d.sq.Update("live_threads").
		SetMap(fields).
		Where("id = ?", id),
	))
}

// CloseThread transitions a live thread to the complete state. Returns
// ErrNotFound, if the thread does not exist or is already complete.
func (d *DB) CloseThread(ctx context.Context, id string) error {
	return expectOne(exec(ctx, d.db, d.sq.Update("live_threads").
		Set("state", common.ThreadComplete).
		Where("id = ? and state = 'live'", id),
	))
}

// SetBanned bans or unbans a thread
func (d *DB) SetBanned(
	ctx context.Context,
	id string,
	banned bool,
	by string,
) error {
	if !banned {
		by = ""
	}
	return d.SetThreadFields(ctx, id, map[string]interface{}{
		"banned":    banned,
		"banned_by": by,
	})
}

// DerelictThreads returns live, unbanned threads with no updates posted since
// before
func (d *DB) DerelictThreads(ctx context.Context, before time.Time) (
	ids []string, err error,
) {
	r, err := query(ctx, d.db, d.sq.Select("id").
		From("live_threads").
		Where("state = 'live' and not banned and last_update < ?", before).
		OrderBy("id"),
	)
	if err != nil {
		return
	}
	defer r.Close()

	for r.Next() {
		var id string
		err = r.Scan(&id)
		if err != nil {
			return
		}
		ids = append(ids, id)
	}
	err = r.Err()
	return
}

func setContributor(
	ctx context.Context,
	q queryable,
	sq squirrel.StatementBuilderType,
	thread string,
	user uint64,
	invite bool,
	p auth.Permissions,
) error {
	_, err := exec(ctx, q, sq.Insert("live_contributors").
		Columns("thread", "user_id", "invite", "permissions").
		Values(thread, user, invite, p.Dumps()).
		Suffix(`on conflict (thread, user_id, invite)
			do update set permissions = excluded.permissions`),
	)
	return err
}

// SetContributor writes the permissions of a contributor or pending invite
func (d *DB) SetContributor(
	ctx context.Context,
	thread string,
	user uint64,
	invite bool,
	p auth.Permissions,
) error {
	return setContributor(ctx, d.db, d.sq, thread, user, invite, p)
}

// RemoveContributor removes a contributor or pending invite
func (d *DB) RemoveContributor(
	ctx context.Context,
	thread string,
	user uint64,
	invite bool,
) error {
	return expectOne(exec(ctx, d.db, d.sq.Delete("live_contributors").
		Where(squirrel.Eq{
			"thread":  thread,
			"user_id": user,
			"invite":  invite,
		}),
	))
}

// AcceptInvite converts a pending invite into a contributor entry
func (d *DB) AcceptInvite(
	ctx context.Context,
	thread string,
	user uint64,
) error {
	return d.InTransaction(ctx, func(tx *sql.Tx) (err error) {
		var perms string
		err = queryRow(ctx, tx, d.sq.Delete("live_contributors").
			Where(squirrel.Eq{
				"thread":  thread,
				"user_id": user,
				"invite":  true,
			}).
			Suffix("returning permissions"),
		).
			Scan(&perms)
		if err != nil {
			return
		}
		return setContributor(ctx, tx, d.sq, thread, user, false,
			auth.LoadPermissions(perms))
	})
}
