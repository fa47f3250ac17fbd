package util

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/bakape/liveupdate/test"
)

func TestWrapError(t *testing.T) {
	t.Parallel()

	inner := errors.New("foo")
	err := WrapError("bar", inner)
	AssertEquals(t, err.Error(), "bar: foo")
	if !errors.Is(err, inner) {
		t.Fatal("wrapped error not unwrappable")
	}
}

func TestWaterfall(t *testing.T) {
	t.Parallel()

	var ran []int
	stop := errors.New("stop")
	err := Waterfall(
		func() error {
			ran = append(ran, 1)
			return nil
		},
		func() error {
			ran = append(ran, 2)
			return stop
		},
		func() error {
			ran = append(ran, 3)
			return nil
		},
	)
	AssertEquals(t, err, stop)
	AssertDeepEquals(t, ran, []int{1, 2})
}

func TestParallel(t *testing.T) {
	t.Parallel()

	fail := errors.New("fail")
	err := Parallel(
		func() error { return nil },
		func() error { return fail },
	)
	AssertEquals(t, err, fail)
	AssertNoError(t, Parallel(func() error { return nil }))
}

func TestParallelWaitsForAll(t *testing.T) {
	t.Parallel()

	var done int32
	err := Parallel(
		func() error { return errors.New("fail") },
		func() error {
			time.Sleep(20 * time.Millisecond)
			atomic.StoreInt32(&done, 1)
			return nil
		},
	)
	if err == nil {
		t.Fatal("expected error")
	}
	AssertEquals(t, atomic.LoadInt32(&done), int32(1))
}

func TestRetry(t *testing.T) {
	t.Parallel()

	cases := [...]struct {
		name          string
		failures      int
		retries       int
		err           bool
		expectedCalls int
	}{
		{"first try", 0, 2, false, 1},
		{"recovers", 2, 2, false, 3},
		{"gives up", 5, 2, true, 3},
	}

	for i := range cases {
		c := cases[i]
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			calls := 0
			err := Retry(context.Background(), c.retries, 0, func() error {
				calls++
				if calls <= c.failures {
					return errors.New("transient")
				}
				return nil
			})
			AssertEquals(t, err != nil, c.err)
			AssertEquals(t, calls, c.expectedCalls)
		})
	}
}
