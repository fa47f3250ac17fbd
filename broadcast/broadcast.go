// Package broadcast formats typed messages and publishes them to live thread
// feeds without blocking the write paths that produce them
package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bakape/liveupdate/common"
	"github.com/go-playground/log"
)

// ErrClosed is returned by Flush after the Broadcaster was closed
var ErrClosed = errors.New("broadcaster closed")

// Publisher delivers an encoded message to all subscribers of a thread
type Publisher interface {
	Publish(ctx context.Context, thread string, msg []byte) error
}

// Options of a Broadcaster
type Options struct {
	// Capacity of the publish queue. Messages beyond it are dropped.
	QueueSize int

	// Maximum duration of a single publish call
	PublishTimeout time.Duration
}

type job struct {
	thread string
	typ    common.MessageType
	msg    []byte

	// Set for flush markers
	flushed chan struct{}
}

// Broadcaster publishes messages in the order they were submitted from a
// single goroutine. Submitting never blocks and never fails the caller.
type Broadcaster struct {
	pub     Publisher
	timeout time.Duration
	queue   chan job

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// New creates a Broadcaster and starts its publishing goroutine
func New(pub Publisher, opts Options) *Broadcaster {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1 << 12
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	b := &Broadcaster{
		pub:     pub,
		timeout: opts.PublishTimeout,
		queue:   make(chan job, opts.QueueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Broadcaster) run() {
	defer close(b.done)
	for {
		select {
		case j := <-b.queue:
			b.handle(j)
		case <-b.stop:
			// Drain anything submitted before closing
			for {
				select {
				case j := <-b.queue:
					b.handle(j)
				default:
					return
				}
			}
		}
	}
}

func (b *Broadcaster) handle(j job) {
	if j.flushed != nil {
		close(j.flushed)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.pub.Publish(ctx, j.thread, j.msg); err != nil {
		failures.Inc()
		log.WithFields(
			log.F("thread", j.thread),
			log.F("type", j.typ),
		).
			Errorf("broadcast: publish: %s", err)
		return
	}
	published.WithLabelValues(string(j.typ)).Inc()
}

// Broadcast encodes and submits a message for publishing to a thread's
// subscribers. Failures are logged and never returned.
func (b *Broadcaster) Broadcast(
	thread string,
	typ common.MessageType,
	payload interface{},
) {
	msg, err := common.EncodeMessage(typ, payload)
	if err != nil {
		failures.Inc()
		log.WithFields(log.F("thread", thread), log.F("type", typ)).
			Errorf("broadcast: encode: %s", err)
		return
	}

	select {
	case <-b.stop:
		dropped.Inc()
		log.WithFields(log.F("thread", thread), log.F("type", typ)).
			Warn("broadcast: dropped message after close")
		return
	default:
	}
	select {
	case b.queue <- job{thread: thread, typ: typ, msg: msg}:
	default:
		dropped.Inc()
		log.WithFields(log.F("thread", thread), log.F("type", typ)).
			Warn("broadcast: queue full, message dropped")
	}
}

// Flush blocks until all messages submitted before the call have been handed
// to the Publisher or ctx is canceled
func (b *Broadcaster) Flush(ctx context.Context) error {
	flushed := make(chan struct{})
	select {
	case b.queue <- job{flushed: flushed}:
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-flushed:
		return nil
	case <-b.done:
		// Closed while draining. Drain handles the marker as well.
		select {
		case <-flushed:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close publishes all pending messages and stops the Broadcaster
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		close(b.stop)
	})
	<-b.done
}

// Update broadcasts a newly posted update
func (b *Broadcaster) Update(thread string, u common.Update) {
	b.Broadcast(thread, common.MessageUpdate, u.Rendered())
}

// Delete broadcasts the deletion of an update
func (b *Broadcaster) Delete(thread, fullname string) {
	b.Broadcast(thread, common.MessageDelete, fullname)
}

// Strike broadcasts an update being struck through
func (b *Broadcaster) Strike(thread, fullname string) {
	b.Broadcast(thread, common.MessageStrike, fullname)
}

// Settings broadcasts changed thread fields
func (b *Broadcaster) Settings(thread string, changes map[string]interface{}) {
	b.Broadcast(thread, common.MessageSettings, changes)
}

// Complete broadcasts the thread being closed
func (b *Broadcaster) Complete(thread string) {
	b.Broadcast(thread, common.MessageComplete, struct{}{})
}

// Activity broadcasts the current viewer count of a thread
func (b *Broadcaster) Activity(thread string, count int, fuzzed bool) {
	b.Broadcast(thread, common.MessageActivity, common.ActivityPayload{
		Count:  count,
		Fuzzed: fuzzed,
	})
}

// EmbedsReady broadcasts media embeds of an update having been resolved
func (b *Broadcaster) EmbedsReady(
	thread, fullname string,
	embeds []common.Embed,
) {
	b.Broadcast(thread, common.MessageEmbedsReady, common.EmbedsReadyPayload{
		LiveUpdateID: fullname,
		MediaEmbeds:  embeds,
	})
}
