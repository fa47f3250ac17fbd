package feeds

import (
	"github.com/bakape/liveupdate/common"
)

// Embed for basic client event dispatching functionality
type baseFeed struct {
	// Add a client
	add chan common.Client
	// Remove client
	remove chan common.Client
	// Subscribed clients
	clients []common.Client
}

func (b *baseFeed) init() {
	b.add = make(chan common.Client)
	b.remove = make(chan common.Client)
	b.clients = make([]common.Client, 0, 8)
}

func (b *baseFeed) addClient(c common.Client) {
	b.clients = append(b.clients, c)
	clientsGauge.Inc()
}

// If returned true, closing feed and parent listener loop should exit
func (b *baseFeed) removeClient(c common.Client) bool {
	for i, cl := range b.clients {
		if cl == c {
			copy(b.clients[i:], b.clients[i+1:])
			b.clients[len(b.clients)-1] = nil
			b.clients = b.clients[:len(b.clients)-1]
			clientsGauge.Dec()
			break
		}
	}
	if len(b.clients) != 0 {
		b.remove <- nil
		return false
	}
	b.remove <- c
	return true
}

// Feed propagates messages to all viewers of a thread subscribed on this
// server instance
type Feed struct {
	// Thread ID
	id string
	// Common functionality
	baseFeed
	// Propagates mesages to all listeners
	send chan []byte
}

func newFeed(id string) *Feed {
	f := &Feed{
		id:   id,
		send: make(chan []byte),
	}
	f.baseFeed.init()
	return f
}

// Start the feed's main loop. The loop exits, once the last client is
// removed.
func (f *Feed) start() {
	feedsGauge.Inc()
	go func() {
		defer feedsGauge.Dec()
		for {
			select {
			case c := <-f.add:
				f.addClient(c)
			case c := <-f.remove:
				if f.removeClient(c) {
					return
				}
			case msg := <-f.send:
				// Client.Send never blocks
				for _, c := range f.clients {
					c.Send(msg)
				}
			}
		}
	}()
}
