package logtail

import "sync"

// subscriberQueueChunks is the bounded-queue size per subscriber
// (§4.F: "each subscriber has its own bounded queue (≥ 64 KiB)").
// We express the bound in chunk count rather than raw bytes: the PTY reader
// copies in chunks ≤4KiB, so 32 queued chunks comfortably covers the 64KiB
// floor while keeping the channel a fixed-capacity Go channel.
const subscriberQueueChunks = 32

// Fanout distributes byte chunks to any number of concurrent subscribers.
// A subscriber whose queue fills is dropped (its channel is closed) rather
// than allowed to block the producer or any other subscriber.
type Fanout struct {
	mu   sync.Mutex
	subs map[*Subscription]chan []byte
	next int
}

// Subscription is a token identifying one subscriber's feed.
type Subscription struct {
	id int
}

// NewFanout creates an empty fan-out hub.
func NewFanout() *Fanout {
	return &Fanout{subs: make(map[*Subscription]chan []byte)}
}

// Subscribe registers a new subscriber and returns its token and the
// channel it should range over. The channel is closed when the subscriber
// is dropped for being too slow, or when Unsubscribe/CloseAll is called.
func (f *Fanout) Subscribe() (*Subscription, <-chan []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	sub := &Subscription{id: f.next}
	ch := make(chan []byte, subscriberQueueChunks)
	f.subs[sub] = ch
	return sub, ch
}

// Unsubscribe removes a subscriber. Idempotent.
func (f *Fanout) Unsubscribe(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[sub]; ok {
		delete(f.subs, sub)
		close(ch)
	}
}

// Publish sends data to every current subscriber. A subscriber whose queue
// is full is dropped immediately (its channel is closed) so one slow reader
// never backs up the others or the caller.
func (f *Fanout) Publish(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub, ch := range f.subs {
		select {
		case ch <- data:
		default:
			delete(f.subs, sub)
			close(ch)
		}
	}
}

// Count returns the number of active subscribers.
func (f *Fanout) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// CloseAll drops every subscriber, e.g. when the underlying process exits.
func (f *Fanout) CloseAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub, ch := range f.subs {
		delete(f.subs, sub)
		close(ch)
	}
}
