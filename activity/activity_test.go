package activity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	. "github.com/bakape/liveupdate/test"
)

type fakeThreads struct {
	ids []string
}

func (f *fakeThreads) LiveThreadIDs(
	_ context.Context,
	after string,
	limit int,
) ([]string, error) {
	i := sort.SearchStrings(f.ids, after)
	if i < len(f.ids) && f.ids[i] == after {
		i++
	}
	end := i + limit
	if end > len(f.ids) {
		end = len(f.ids)
	}
	return f.ids[i:end], nil
}

type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int
	// Fail all calls for chunks starting with these IDs
	broken map[string]bool
	// Fail this many calls before succeeding
	transient int
}

func (f *fakeCounter) ActiveVisitors(
	_ context.Context,
	ids []string,
) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.broken[ids[0]] {
		return nil, errors.New("connection refused")
	}
	if f.transient > 0 {
		f.transient--
		return nil, errors.New("timeout")
	}
	res := make(map[string]int, len(ids))
	for _, id := range ids {
		res[id] = f.counts[id]
	}
	return res, nil
}

type storedActivity struct {
	count  int
	fuzzed bool
}

type fakeStore struct {
	mu         sync.Mutex
	history    map[string][]int
	activity   map[string]storedActivity
	listing    []string
	listingTTL time.Duration
	failSet    map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		history:  make(map[string][]int),
		activity: make(map[string]storedActivity),
		failSet:  make(map[string]bool),
	}
}

func (f *fakeStore) RecordActivity(
	_ context.Context,
	thread string,
	count int,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[thread] = append(f.history[thread], count)
	return nil
}

func (f *fakeStore) SetActivity(
	_ context.Context,
	thread string,
	count int,
	fuzzed bool,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSet[thread] {
		return errors.New("write failed")
	}
	f.activity[thread] = storedActivity{count, fuzzed}
	return nil
}

func (f *fakeStore) ReplaceMostActive(
	_ context.Context,
	ids []string,
	ttl time.Duration,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listing = append([]string(nil), ids...)
	f.listingTTL = ttl
	return nil
}

type fakeBroadcaster struct {
	mu       sync.Mutex
	activity map[string]storedActivity
	order    []string
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{
		activity: make(map[string]storedActivity),
	}
}

func (f *fakeBroadcaster) Activity(thread string, count int, fuzzed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activity[thread] = storedActivity{count, fuzzed}
	f.order = append(f.order, "activity")
}

func (f *fakeBroadcaster) Flush(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, "flush")
	return nil
}

type fakeLocker struct {
	held bool
}

func (f *fakeLocker) TryLock(context.Context, int64) (func(), bool, error) {
	if f.held {
		return nil, false, nil
	}
	f.held = true
	return func() { f.held = false }, true, nil
}

type fixture struct {
	threads *fakeThreads
	counter *fakeCounter
	store   *fakeStore
	bc      *fakeBroadcaster
	agg     *Aggregator
}

func newFixture(counts map[string]int, opts Options) *fixture {
	f := &fixture{
		threads: &fakeThreads{},
		counter: &fakeCounter{
			counts: counts,
			broken: make(map[string]bool),
		},
		store: newFakeStore(),
		bc:    newFakeBroadcaster(),
	}
	for id := range counts {
		f.threads.ids = append(f.threads.ids, id)
	}
	sort.Strings(f.threads.ids)
	opts.RetryBackoff = time.Millisecond
	f.agg = New(Deps{
		Threads:     f.threads,
		Counter:     f.counter,
		Store:       f.store,
		Broadcaster: f.bc,
	}, opts)
	return f
}

func (f *fixture) setCounts(counts map[string]int) {
	f.counter.counts = counts
	f.threads.ids = f.threads.ids[:0]
	for id := range counts {
		f.threads.ids = append(f.threads.ids, id)
	}
	sort.Strings(f.threads.ids)
}

func threadIDs(n int) map[string]int {
	counts := make(map[string]int, n)
	for i := 0; i < n; i++ {
		counts[fmt.Sprintf("%04d", i)] = i
	}
	return counts
}

func TestFuzzProperties(t *testing.T) {
	t.Parallel()

	f := NewFuzzer(100)
	for c := 0; c < 100; c++ {
		for i := 0; i < 50; i++ {
			shown, fuzzed := f.Fuzz(c)
			if shown == c {
				t.Fatalf("count %d not obscured", c)
			}
			if shown < 0 {
				t.Fatalf("negative fuzzed count for %d: %d", c, shown)
			}
			AssertEquals(t, fuzzed, true)
		}
	}
	for _, c := range [...]int{100, 101, 500, 100000} {
		shown, fuzzed := f.Fuzz(c)
		AssertEquals(t, shown, c)
		AssertEquals(t, fuzzed, false)
	}
}

func TestRunStoresAndBroadcasts(t *testing.T) {
	t.Parallel()

	f := newFixture(map[string]int{"a": 5, "b": 150}, Options{})
	res, err := f.agg.Run(context.Background())
	AssertNoError(t, err)
	AssertEquals(t, res.Threads, 2)
	AssertEquals(t, res.SkippedChunks, 0)

	// History records the true count
	AssertDeepEquals(t, f.store.history, map[string][]int{
		"a": {5},
		"b": {150},
	})
	AssertEquals(t, f.store.activity["b"], storedActivity{150, false})
	a := f.store.activity["a"]
	AssertEquals(t, a.fuzzed, true)
	if a.count == 5 {
		t.Fatal("small count not fuzzed")
	}

	// Broadcast and stored values are the same
	AssertDeepEquals(t, f.bc.activity, map[string]storedActivity{
		"a": a,
		"b": {150, false},
	})
	AssertEquals(t, f.store.listingTTL, 72*time.Hour)
}

func TestFlushBeforeReturn(t *testing.T) {
	t.Parallel()

	f := newFixture(threadIDs(5), Options{})
	_, err := f.agg.Run(context.Background())
	AssertNoError(t, err)
	AssertEquals(t, f.bc.order[len(f.bc.order)-1], "flush")
	AssertEquals(t, len(f.bc.order), 6)
}

func TestChunkFailureIsolated(t *testing.T) {
	t.Parallel()

	f := newFixture(threadIDs(250), Options{ChunkSize: 100, Retries: 2})
	f.counter.broken["0100"] = true

	res, err := f.agg.Run(context.Background())
	AssertNoError(t, err)
	AssertEquals(t, res.Chunks, 3)
	AssertEquals(t, res.SkippedChunks, 1)
	AssertEquals(t, res.Threads, 150)

	for _, id := range [...]string{"0000", "0099", "0200", "0249"} {
		if _, ok := f.bc.activity[id]; !ok {
			t.Fatalf("thread not processed: %s", id)
		}
	}
	for _, id := range [...]string{"0100", "0199"} {
		if _, ok := f.bc.activity[id]; ok {
			t.Fatalf("thread of failed chunk processed: %s", id)
		}
	}

	// Failed chunk's threads are excluded from the listing
	AssertEquals(t, res.MostActive[0], "0249")
	AssertEquals(t, len(res.MostActive), 150)
}

func TestTransientFailureRetried(t *testing.T) {
	t.Parallel()

	f := newFixture(threadIDs(10), Options{Retries: 2})
	f.counter.transient = 2

	res, err := f.agg.Run(context.Background())
	AssertNoError(t, err)
	AssertEquals(t, res.SkippedChunks, 0)
	AssertEquals(t, res.Threads, 10)
}

func TestStoreFailureStillBroadcasts(t *testing.T) {
	t.Parallel()

	f := newFixture(map[string]int{"a": 200, "b": 300}, Options{})
	f.store.failSet["a"] = true

	_, err := f.agg.Run(context.Background())
	AssertNoError(t, err)
	AssertEquals(t, f.bc.activity["a"], storedActivity{200, false})
	AssertEquals(t, f.store.activity["b"], storedActivity{300, false})
	_, stored := f.store.activity["a"]
	AssertEquals(t, stored, false)

	// Next cycle converges after the failure clears
	f.store.failSet["a"] = false
	_, err = f.agg.Run(context.Background())
	AssertNoError(t, err)
	AssertEquals(t, f.store.activity["a"], storedActivity{200, false})
}

func TestMostActiveReplaced(t *testing.T) {
	t.Parallel()

	f := newFixture(map[string]int{"A": 500, "B": 10}, Options{})
	_, err := f.agg.Run(context.Background())
	AssertNoError(t, err)
	AssertDeepEquals(t, f.store.listing, []string{"A", "B"})

	f.setCounts(map[string]int{"A": 5, "C": 200})
	_, err = f.agg.Run(context.Background())
	AssertNoError(t, err)
	AssertDeepEquals(t, f.store.listing, []string{"C", "A"})
}

func TestMostActiveTruncated(t *testing.T) {
	t.Parallel()

	f := newFixture(threadIDs(50), Options{ChunkSize: 7, TopN: 3})
	res, err := f.agg.Run(context.Background())
	AssertNoError(t, err)
	AssertDeepEquals(t, f.store.listing, []string{"0049", "0048", "0047"})
	AssertDeepEquals(t, res.MostActive, f.store.listing)
}

func TestRunLock(t *testing.T) {
	t.Parallel()

	f := newFixture(threadIDs(3), Options{})
	l := &fakeLocker{held: true}
	f.agg.Locker = l

	_, err := f.agg.Run(context.Background())
	AssertEquals(t, err, ErrAlreadyRunning)
	AssertEquals(t, len(f.bc.order), 0)

	l.held = false
	_, err = f.agg.Run(context.Background())
	AssertNoError(t, err)
	AssertEquals(t, l.held, false)
}

func TestConcurrentRunsSerialized(t *testing.T) {
	t.Parallel()

	f := newFixture(threadIDs(3), Options{})
	f.agg.mu.Lock()
	_, err := f.agg.Run(context.Background())
	AssertEquals(t, err, ErrAlreadyRunning)
	f.agg.mu.Unlock()
}
