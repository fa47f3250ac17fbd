// Various periodic cleanup scripts and such

package db

import (
	"context"
	"time"

	"github.com/go-playground/log"
)

// Upkeep deletes expired presence records, activity history older than
// historyTTL and stored oversized broadcasts
func (d *DB) Upkeep(ctx context.Context, historyTTL time.Duration) {
	tasks := [...]struct {
		name, table, where string
		arg                interface{}
	}{
		{"presence cleanup", "live_active_visitors", "expires < ?", time.Now().UTC()},
		{
			"activity history cleanup",
			"live_activity_history",
			"time < ?",
			time.Now().Add(-historyTTL).UTC(),
		},
		{
			"broadcast cleanup",
			"live_broadcasts",
			"created < ?",
			time.Now().Add(-time.Minute).UTC(),
		},
		{"listing cleanup", "live_cached_listings", "expires < ?", time.Now().UTC()},
	}
	for _, t := range tasks {
		_, err := exec(ctx, d.db, d.sq.Delete(t.table).Where(t.where, t.arg))
		logError(t.name, err)
	}
}

func logError(prefix string, err error) {
	if err != nil {
		log.Errorf("%s: %s\n", prefix, err)
	}
}
