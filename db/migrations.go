package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-playground/log"
)

var migrations = []func(context.Context, *sql.Tx) error{
	func(ctx context.Context, tx *sql.Tx) error {
		return execAll(ctx, tx,
			`create table live_threads (
				id text primary key,
				title text not null default '',
				description text not null default '',
				description_html text not null default '',
				resources text not null default '',
				resources_html text not null default '',
				state text not null default 'live',
				banned bool not null default false,
				banned_by text not null default '',
				nsfw bool not null default false,
				created timestamptz not null default now(),
				last_update timestamptz not null default now(),
				active_visitors int not null default 0,
				active_visitors_fuzzed bool not null default true
			)`,
			`create index live_threads_live
				on live_threads (id)
				where state = 'live' and not banned`,
			`create table live_contributors (
				thread text not null references live_threads on delete cascade,
				user_id bigint not null,
				invite bool not null default false,
				permissions text not null,
				primary key (thread, user_id, invite)
			)`,
			`create table live_updates (
				thread text not null references live_threads on delete cascade,
				id uuid not null,
				author bigint not null,
				body text not null,
				body_html text not null,
				deleted bool not null default false,
				stricken bool not null default false,
				spam bool not null default false,
				media_objects jsonb not null default '[]',
				primary key (thread, id)
			)`,
			`create table live_activity_history (
				thread text not null,
				time timestamptz not null default now(),
				count int not null
			)`,
			`create index live_activity_history_thread
				on live_activity_history (thread, time)`,
			`create table live_active_visitors (
				thread text not null,
				fingerprint text not null,
				expires timestamptz not null,
				primary key (thread, fingerprint)
			)`,
			`create index live_active_visitors_expires
				on live_active_visitors (expires)`,
			`create table live_cached_listings (
				key text primary key,
				ids text[] not null,
				expires timestamptz not null
			)`,
			`create table live_scraper_queue (
				id bigserial primary key,
				body jsonb not null,
				created timestamptz not null default now()
			)`,
			`create table live_broadcasts (
				id bigserial primary key,
				body bytea not null,
				created timestamptz not null default now()
			)`,
		)
	},
}

// Version of the database schema the code base expects
var version = len(migrations)

// Run migrations from the current version of the database to the latest one
func (d *DB) runMigrations(ctx context.Context) (err error) {
	_, err = d.db.ExecContext(ctx,
		`create table if not exists live_meta (
			id text primary key,
			val int not null
		)`)
	if err != nil {
		return
	}
	_, err = d.db.ExecContext(ctx,
		`insert into live_meta (id, val) values ('version', 0)
		on conflict do nothing`)
	if err != nil {
		return
	}

	for {
		var done bool
		err = d.InTransaction(ctx, func(tx *sql.Tx) (err error) {
			// Lock version row to ensure no migrations from other processes
			// happen concurrently
			var current int
			err = queryRow(ctx, tx, d.sq.Select("val").
				From("live_meta").
				Where("id = 'version'").
				Suffix("for update"),
			).
				Scan(&current)
			if err != nil {
				return
			}
			if current == version {
				done = true
				return
			}
			if current > version {
				return fmt.Errorf(
					"database version %d ahead of code base version %d",
					current, version)
			}

			log.Infof("upgrading database to version %d", current+1)
			err = migrations[current](ctx, tx)
			if err != nil {
				return
			}
			_, err = exec(ctx, tx, d.sq.Update("live_meta").
				Set("val", current+1).
				Where("id = 'version'"),
			)
			return
		})
		if err != nil || done {
			return
		}
	}
}
