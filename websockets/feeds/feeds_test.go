package feeds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	. "github.com/bakape/liveupdate/test"
)

const timeout = 2 * time.Second

// Client that records messages like a websocket client with a bounded send
// buffer
type mockClient struct {
	received chan []byte
	mu       sync.Mutex
	closed   error
}

func newMockClient(buffer int) *mockClient {
	return &mockClient{
		received: make(chan []byte, buffer),
	}
}

func (c *mockClient) Send(msg []byte) {
	select {
	case c.received <- msg:
	default:
		c.Close(errors.New("send buffer overflow"))
	}
}

func (c *mockClient) Close(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed == nil {
		c.closed = err
	}
}

func (c *mockClient) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestHub(t *testing.T, bus Bus) *Hub {
	t.Helper()

	h, err := NewHub(bus)
	AssertNoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	AssertNoError(t, h.Start(ctx))
	return h
}

func TestSubscribeBeforePublish(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, nil)
	c := newMockClient(8)
	h.Subscribe("a", c)
	defer h.Unsubscribe("a", c)

	AssertNoError(t, h.Publish(context.Background(), "a", []byte(`1`)))
	AssertEquals(t, string(ReadTimeout(t, c.received, timeout)), "1")
	AssertNothing(t, c.received, 50*time.Millisecond)
}

func TestPublishBeforeSubscribe(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, nil)
	AssertNoError(t, h.Publish(context.Background(), "a", []byte(`1`)))

	c := newMockClient(8)
	h.Subscribe("a", c)
	defer h.Unsubscribe("a", c)
	AssertNothing(t, c.received, 50*time.Millisecond)
}

func TestOtherThreadsNotReceived(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, nil)
	a := newMockClient(8)
	b := newMockClient(8)
	h.Subscribe("a", a)
	h.Subscribe("b", b)
	defer h.Unsubscribe("a", a)
	defer h.Unsubscribe("b", b)

	AssertNoError(t, h.Publish(context.Background(), "a", []byte(`1`)))
	ReadTimeout(t, a.received, timeout)
	AssertNothing(t, b.received, 50*time.Millisecond)
}

func TestFanOutAcrossHubs(t *testing.T) {
	t.Parallel()

	bus := NewLocalBus()
	hubs := make([]*Hub, 3)
	clients := make([]*mockClient, 0, 6)
	for i := range hubs {
		hubs[i] = newTestHub(t, bus)
		for j := 0; j < 2; j++ {
			c := newMockClient(8)
			hubs[i].Subscribe("thread", c)
			clients = append(clients, c)
		}
	}
	other := newMockClient(8)
	hubs[2].Subscribe("other", other)

	AssertNoError(t, hubs[0].Publish(
		context.Background(),
		"thread",
		[]byte(`{"type":"update"}`),
	))
	for i, c := range clients {
		t.Run(fmt.Sprintf("client %d", i), func(t *testing.T) {
			msg := ReadTimeout(t, c.received, timeout)
			AssertEquals(t, string(msg), `{"type":"update"}`)
			AssertNothing(t, c.received, 20*time.Millisecond)
		})
	}
	AssertNothing(t, other.received, 20*time.Millisecond)
}

func TestPublishOrder(t *testing.T) {
	t.Parallel()

	bus := NewLocalBus()
	src := newTestHub(t, bus)
	dst := newTestHub(t, bus)

	const n = 50
	local := newMockClient(n)
	remote := newMockClient(n)
	src.Subscribe("a", local)
	dst.Subscribe("a", remote)

	for i := 0; i < n; i++ {
		err := src.Publish(context.Background(), "a", []byte(fmt.Sprint(i)))
		AssertNoError(t, err)
	}
	for _, c := range [...]*mockClient{local, remote} {
		for i := 0; i < n; i++ {
			AssertEquals(t, string(ReadTimeout(t, c.received, timeout)), fmt.Sprint(i))
		}
	}
}

func TestSlowClientDropped(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, nil)
	slow := newMockClient(1)
	fast := newMockClient(16)
	h.Subscribe("a", slow)
	h.Subscribe("a", fast)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Publish(context.Background(), "a", []byte(`1`))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("publisher blocked by slow client")
	}

	for i := 0; i < 10; i++ {
		ReadTimeout(t, fast.received, timeout)
	}
	if slow.closeErr() == nil {
		t.Fatal("slow client not closed")
	}
}

func TestFeedClosedOnLastUnsubscribe(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, nil)
	a := newMockClient(1)
	b := newMockClient(1)
	h.Subscribe("a", a)
	h.Subscribe("a", b)

	h.Unsubscribe("a", a)
	AssertEquals(t, h.hasFeed("a"), true)
	h.Unsubscribe("a", b)
	AssertEquals(t, h.hasFeed("a"), false)

	// Removing from nonexistent feed is a NOP
	h.Unsubscribe("a", b)
}

func TestLocalBusUnsubscribe(t *testing.T) {
	t.Parallel()

	bus := NewLocalBus()
	ctx, cancel := context.WithCancel(context.Background())
	received := make(chan []byte, 4)
	AssertNoError(t, bus.Subscribe(ctx, func(msg []byte) {
		received <- msg
	}))

	AssertNoError(t, bus.Publish(ctx, []byte("a")))
	AssertEquals(t, string(ReadTimeout(t, received, timeout)), "a")

	cancel()
	deadline := time.Now().Add(timeout)
	for {
		bus.mu.RLock()
		n := len(bus.subs)
		bus.mu.RUnlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscriber not removed")
		}
		time.Sleep(time.Millisecond)
	}
	AssertNoError(t, bus.Publish(context.Background(), []byte("b")))
	AssertNothing(t, received, 20*time.Millisecond)
}
