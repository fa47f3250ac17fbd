// Package scraper resolves media embeds of URLs posted in live updates and
// notifies thread viewers, when they become available
package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bakape/liveupdate/common"
	"github.com/bakape/liveupdate/db"
	"github.com/go-playground/log"
	"github.com/google/uuid"
)

// Job is a queued request to resolve the embeds of an update
type Job struct {
	LiveUpdateID uuid.UUID `json:"liveupdate_id"`
	EventID      string    `json:"event_id"`
}

// EncodeJob encodes a scraping job for the update id of thread
func EncodeJob(thread string, id uuid.UUID) ([]byte, error) {
	return json.Marshal(Job{
		LiveUpdateID: id,
		EventID:      thread,
	})
}

// Store reads updates and persists their resolved media objects
type Store interface {
	GetUpdate(ctx context.Context, thread string, id uuid.UUID) (
		common.Update, error)
	SetUpdateMediaObjects(ctx context.Context, thread string, id uuid.UUID,
		media []common.MediaObject) error
}

// Broadcaster notifies thread viewers of resolved embeds
type Broadcaster interface {
	EmbedsReady(thread, fullname string, embeds []common.Embed)
}

// Consumer feeds queued messages to fn one at a time until ctx is canceled
type Consumer interface {
	Consume(ctx context.Context, fn func(ctx context.Context, msg []byte)) error
}

// Options of a Relay
type Options struct {
	// Maximum processing duration of a single job
	Timeout time.Duration

	// Maximum number of URLs scraped per update
	MaxURLs int
}

// Relay processes embed scraping jobs
type Relay struct {
	store       Store
	scraper     Scraper
	broadcaster Broadcaster
	opts        Options
}

// NewRelay creates a Relay
func NewRelay(
	store Store,
	scraper Scraper,
	broadcaster Broadcaster,
	opts Options,
) *Relay {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxURLs <= 0 {
		opts.MaxURLs = 3
	}
	return &Relay{
		store:       store,
		scraper:     scraper,
		broadcaster: broadcaster,
		opts:        opts,
	}
}

// Run processes jobs from c with the specified number of concurrent workers
// until ctx is canceled
func (r *Relay) Run(ctx context.Context, c Consumer, workers int) error {
	if workers <= 0 {
		workers = 1
	}

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if err := c.Consume(ctx, r.Handle); err != nil {
				once.Do(func() {
					firstErr = err
				})
			}
		}()
	}
	wg.Wait()
	return firstErr
}

// Handle processes a single raw job. All failures are logged and the job is
// considered consumed.
func (r *Relay) Handle(ctx context.Context, raw []byte) {
	defer func() {
		if err := recover(); err != nil {
			jobs.WithLabelValues(resultError).Inc()
			log.Errorf("scraper: panic: %v", err)
		}
	}()

	var j Job
	if err := json.Unmarshal(raw, &j); err != nil ||
		j.EventID == "" ||
		j.LiveUpdateID == uuid.Nil {
		jobs.WithLabelValues(resultMalformed).Inc()
		log.WithFields(log.F("body", string(raw))).
			Warn("scraper: malformed job")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	res, err := r.process(ctx, j)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			res = resultTimeout
		case db.IsNotFound(err):
			res = resultNotFound
		default:
			res = resultError
		}
		log.WithFields(
			log.F("thread", j.EventID),
			log.F("update", j.LiveUpdateID.String()),
		).
			Warnf("scraper: %s", err)
	}
	jobs.WithLabelValues(res).Inc()
}

func (r *Relay) process(ctx context.Context, j Job) (res string, err error) {
	u, err := r.store.GetUpdate(ctx, j.EventID, j.LiveUpdateID)
	if err != nil {
		return
	}

	urls := ExtractIsolatedURLs(u.Body)
	if len(urls) > r.opts.MaxURLs {
		urls = urls[:r.opts.MaxURLs]
	}

	media := make([]common.MediaObject, 0, len(urls))
	for _, url := range urls {
		var obj *common.MediaObject
		obj, err = r.scraper.Scrape(ctx, url)
		if ctx.Err() != nil {
			// The whole job is abandoned on timeout
			err = fmt.Errorf("scraping %s: %w", url, ctx.Err())
			return
		}
		if err != nil {
			log.WithFields(log.F("url", url)).Debugf("scraper: %s", err)
			err = nil
			continue
		}
		if obj != nil {
			media = append(media, *obj)
		}
	}
	if len(media) == 0 {
		return resultNoEmbeds, nil
	}

	err = r.store.SetUpdateMediaObjects(ctx, j.EventID, j.LiveUpdateID, media)
	if err != nil {
		return
	}
	u.MediaObjects = media
	r.broadcaster.EmbedsReady(j.EventID, u.Fullname(), u.Embeds())
	return resultEmbedded, nil
}
