// Package activity periodically recomputes the viewer counts of all live
// threads, broadcasts them and maintains the listing of the most active
// threads
package activity

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/bakape/liveupdate/util"
	"github.com/go-playground/log"
)

// Key of the database advisory lock serializing runs across processes
const lockKey int64 = 0x6c697665

// ErrAlreadyRunning is returned, when another aggregation run holds the run
// lock
var ErrAlreadyRunning = errors.New("activity: aggregation already running")

// ThreadSource enumerates live, not banned threads in ascending ID order
type ThreadSource interface {
	LiveThreadIDs(ctx context.Context, after string, limit int) ([]string, error)
}

// Counter returns the distinct active visitor counts of a batch of threads.
// A returned error denotes failure to count, not a zero count.
type Counter interface {
	ActiveVisitors(ctx context.Context, threads []string) (map[string]int, error)
}

// Store persists activity samples, thread activity fields and the most
// active listing
type Store interface {
	RecordActivity(ctx context.Context, thread string, count int) error
	SetActivity(ctx context.Context, thread string, count int, fuzzed bool) error
	ReplaceMostActive(ctx context.Context, ids []string, ttl time.Duration) error
}

// Broadcaster publishes viewer counts to thread feeds
type Broadcaster interface {
	Activity(thread string, count int, fuzzed bool)
	Flush(ctx context.Context) error
}

// Locker provides a lock shared between processes
type Locker interface {
	TryLock(ctx context.Context, key int64) (unlock func(), ok bool, err error)
}

// Deps are the collaborators of an Aggregator
type Deps struct {
	Threads     ThreadSource
	Counter     Counter
	Store       Store
	Broadcaster Broadcaster

	// Optional. Only serializes runs in this process, if nil.
	Locker Locker
}

// Options configure an Aggregator
type Options struct {
	ChunkSize     int
	Retries       int
	RetryBackoff  time.Duration
	TopN          int
	ListingTTL    time.Duration
	FuzzThreshold int
}

// Result summarizes an aggregation run
type Result struct {
	Chunks        int
	SkippedChunks int
	Threads       int
	MostActive    []string
}

// Aggregator recomputes viewer activity of all live threads
type Aggregator struct {
	Deps
	opts Options
	fuzz *Fuzzer
	mu   sync.Mutex
}

// New creates an Aggregator
func New(deps Deps, opts Options) *Aggregator {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 100
	}
	if opts.TopN <= 0 {
		opts.TopN = 1000
	}
	if opts.ListingTTL <= 0 {
		opts.ListingTTL = 72 * time.Hour
	}
	if opts.FuzzThreshold <= 0 {
		opts.FuzzThreshold = 100
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 200 * time.Millisecond
	}
	return &Aggregator{
		Deps: deps,
		opts: opts,
		fuzz: NewFuzzer(opts.FuzzThreshold),
	}
}

type threadCount struct {
	id    string
	count int
}

// Run performs one aggregation pass over all live threads. Per-thread and
// per-chunk failures are logged and skipped. All broadcasts are flushed
// before Run returns.
func (a *Aggregator) Run(ctx context.Context) (res Result, err error) {
	if !a.mu.TryLock() {
		return res, ErrAlreadyRunning
	}
	defer a.mu.Unlock()

	if a.Locker != nil {
		var (
			unlock func()
			ok     bool
		)
		unlock, ok, err = a.Locker.TryLock(ctx, lockKey)
		if err != nil {
			return res, util.WrapError("acquire run lock", err)
		}
		if !ok {
			return res, ErrAlreadyRunning
		}
		defer unlock()
	}

	start := time.Now()
	err = a.run(ctx, &res)

	// Broadcasts must be delivered before the run is reported complete
	flushErr := a.Broadcaster.Flush(ctx)
	if err == nil && flushErr != nil {
		err = util.WrapError("flush broadcasts", flushErr)
	}

	runDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		runs.WithLabelValues("error").Inc()
	} else {
		runs.WithLabelValues("ok").Inc()
	}
	return
}

func (a *Aggregator) run(ctx context.Context, res *Result) (err error) {
	var (
		after  string
		counts = make([]threadCount, 0, a.opts.ChunkSize)
	)
	for {
		ids, err := a.Threads.LiveThreadIDs(ctx, after, a.opts.ChunkSize)
		if err != nil {
			return util.WrapError("enumerate live threads", err)
		}
		if len(ids) == 0 {
			break
		}
		after = ids[len(ids)-1]
		res.Chunks++

		chunk, err := a.countChunk(ctx, ids)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			res.SkippedChunks++
			skippedChunks.Inc()
			log.WithFields(
				log.F("first", ids[0]),
				log.F("last", after),
			).
				Warnf("activity: skipping chunk: %s", err)
		} else {
			for _, c := range chunk {
				a.processThread(ctx, c)
			}
			res.Threads += len(chunk)
			counts = append(counts, chunk...)

			// Bound memory by only keeping candidates for the listing
			if len(counts) > 2*a.opts.TopN {
				counts = truncate(counts, a.opts.TopN)
			}
		}

		if len(ids) < a.opts.ChunkSize {
			break
		}
	}

	res.MostActive = rank(counts, a.opts.TopN)
	err = a.Store.ReplaceMostActive(ctx, res.MostActive, a.opts.ListingTTL)
	if err != nil {
		return util.WrapError("replace most active listing", err)
	}
	return nil
}

// Count active visitors of a chunk of threads with retries
func (a *Aggregator) countChunk(ctx context.Context, ids []string) (
	chunk []threadCount, err error,
) {
	var counts map[string]int
	err = util.Retry(ctx, a.opts.Retries, a.opts.RetryBackoff, func() (
		err error,
	) {
		counts, err = a.Counter.ActiveVisitors(ctx, ids)
		return
	})
	if err != nil {
		return
	}

	chunk = make([]threadCount, 0, len(ids))
	for _, id := range ids {
		if c, ok := counts[id]; ok {
			chunk = append(chunk, threadCount{id, c})
		}
	}
	return
}

// Fuzz, record, store and broadcast the count of a single thread. Storage
// failures do not prevent the broadcast.
func (a *Aggregator) processThread(ctx context.Context, c threadCount) {
	shown, fuzzed := a.fuzz.Fuzz(c.count)

	if err := a.Store.RecordActivity(ctx, c.id, c.count); err != nil {
		log.WithFields(log.F("thread", c.id)).
			Warnf("activity: record history: %s", err)
	}
	if err := a.Store.SetActivity(ctx, c.id, shown, fuzzed); err != nil {
		log.WithFields(log.F("thread", c.id)).
			Warnf("activity: store activity: %s", err)
	}
	a.Broadcaster.Activity(c.id, shown, fuzzed)
}

// Sort counts descending, breaking ties by ID, and keep the first n
func truncate(counts []threadCount, n int) []threadCount {
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].count != counts[j].count {
			return counts[i].count > counts[j].count
		}
		return counts[i].id < counts[j].id
	})
	if len(counts) > n {
		counts = counts[:n]
	}
	return counts
}

// Return the IDs of up to n threads with the highest true counts
func rank(counts []threadCount, n int) []string {
	counts = truncate(counts, n)
	ids := make([]string, len(counts))
	for i, c := range counts {
		ids[i] = c.id
	}
	return ids
}
