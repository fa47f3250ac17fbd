package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bakape/liveupdate/common"
	. "github.com/bakape/liveupdate/test"
)

type publishedMessage struct {
	thread string
	msg    common.Message
}

type mockPublisher struct {
	mu   sync.Mutex
	msgs []publishedMessage

	// If set, publishing blocks until closed
	block chan struct{}
	fail  bool
}

func (p *mockPublisher) Publish(
	ctx context.Context,
	thread string,
	msg []byte,
) error {
	if p.block != nil {
		<-p.block
	}
	if p.fail {
		return errors.New("bus unavailable")
	}
	m, err := common.DecodeMessage(msg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, publishedMessage{thread, m})
	return nil
}

func (p *mockPublisher) published() []publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedMessage(nil), p.msgs...)
}

func TestTypedMessages(t *testing.T) {
	t.Parallel()

	var p mockPublisher
	b := New(&p, Options{})
	defer b.Close()

	id, err := common.NewUpdateID()
	AssertNoError(t, err)
	u := common.Update{ID: id, Body: "foo"}

	b.Update("a", u)
	b.Delete("a", u.Fullname())
	b.Strike("a", u.Fullname())
	b.Settings("a", map[string]interface{}{"title": "bar"})
	b.Complete("a")
	b.Activity("a", 7, true)
	b.EmbedsReady("a", u.Fullname(), []common.Embed{{URL: "https://x", Width: 485, Height: 0}})
	AssertNoError(t, b.Flush(context.Background()))

	msgs := p.published()
	types := make([]common.MessageType, 0, len(msgs))
	for _, m := range msgs {
		AssertEquals(t, m.thread, "a")
		types = append(types, m.msg.Type)
	}
	AssertDeepEquals(t, types, []common.MessageType{
		common.MessageUpdate,
		common.MessageDelete,
		common.MessageStrike,
		common.MessageSettings,
		common.MessageComplete,
		common.MessageActivity,
		common.MessageEmbedsReady,
	})

	AssertEquals(t, string(msgs[1].msg.Payload), `"`+u.Fullname()+`"`)
	AssertEquals(t, string(msgs[4].msg.Payload), `{}`)
	AssertEquals(t, string(msgs[5].msg.Payload), `{"count":7,"fuzzed":true}`)
	AssertEquals(t,
		string(msgs[6].msg.Payload),
		`{"liveupdate_id":"`+u.Fullname()+
			`","media_embeds":[{"url":"https://x","width":485,"height":0}]}`,
	)
}

func TestOrderPreserved(t *testing.T) {
	t.Parallel()

	var p mockPublisher
	b := New(&p, Options{})
	defer b.Close()

	for i := 0; i < 100; i++ {
		b.Activity("a", i, false)
	}
	AssertNoError(t, b.Flush(context.Background()))

	msgs := p.published()
	AssertEquals(t, len(msgs), 100)
	for i, m := range msgs {
		std := fmt.Sprintf(`{"count":%d,"fuzzed":false}`, i)
		AssertEquals(t, string(m.msg.Payload), std)
	}
}

func TestFullQueueDoesNotBlock(t *testing.T) {
	t.Parallel()

	p := mockPublisher{block: make(chan struct{})}
	b := New(&p, Options{QueueSize: 2})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Complete("a")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked")
	}

	close(p.block)
	b.Close()

	// One in flight plus a full queue at most
	if n := len(p.published()); n > 3 || n == 0 {
		t.Fatalf("unexpected published count: %d", n)
	}
}

func TestPublishFailureNotPropagated(t *testing.T) {
	t.Parallel()

	p := mockPublisher{fail: true}
	b := New(&p, Options{})
	defer b.Close()

	b.Complete("a")
	AssertNoError(t, b.Flush(context.Background()))
	AssertEquals(t, len(p.published()), 0)
}

func TestFlushTimeout(t *testing.T) {
	t.Parallel()

	p := mockPublisher{block: make(chan struct{})}
	b := New(&p, Options{})
	defer func() {
		close(p.block)
		b.Close()
	}()

	b.Complete("a")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	AssertEquals(t, b.Flush(ctx), context.DeadlineExceeded)
}

func TestCloseDrains(t *testing.T) {
	t.Parallel()

	var p mockPublisher
	b := New(&p, Options{})
	for i := 0; i < 10; i++ {
		b.Complete("a")
	}
	b.Close()
	AssertEquals(t, len(p.published()), 10)
	AssertEquals(t, b.Flush(context.Background()), ErrClosed)
}
