package feeds

import (
	"context"
	"sync"
)

// Bus fans out published messages to every subscribed hub, including hubs in
// other processes
type Bus interface {
	// Publish msg to all subscribers
	Publish(ctx context.Context, msg []byte) error

	// Subscribe calls fn with every message published until ctx is canceled.
	// Does not block.
	Subscribe(ctx context.Context, fn func(msg []byte)) error
}

// LocalBus is an in-process Bus. Used by single process deployments and for
// running several hubs in one process.
type LocalBus struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]func([]byte)
}

// NewLocalBus creates a LocalBus
func NewLocalBus() *LocalBus {
	return &LocalBus{
		subs: make(map[uint64]func([]byte)),
	}
}

// Publish implements Bus. Subscribers are called synchronously in publish
// order.
func (b *LocalBus) Publish(_ context.Context, msg []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, fn := range b.subs {
		fn(msg)
	}
	return nil
}

// Subscribe implements Bus
func (b *LocalBus) Subscribe(ctx context.Context, fn func([]byte)) error {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()
	return nil
}
