package metrics

import (
	"sync"
	"time"

	"github.com/AltairaLabs/liverelay/logger"
)

// SubscriberFunc receives periodic snapshots.
type SubscriberFunc func(Snapshot)

// Broadcaster delivers Snapshots from a source to subscribers every interval.
// Each subscription ticks on its own goroutine so a slow subscriber delays only
// itself.
type Broadcaster struct {
	source   func() Snapshot
	interval time.Duration

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewBroadcaster creates a Broadcaster reading snapshots from source.
// A non-positive interval defaults to 5 seconds.
func NewBroadcaster(source func() Snapshot, interval time.Duration) *Broadcaster {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Broadcaster{
		source:   source,
		interval: interval,
		subs:     make(map[uint64]chan struct{}),
	}
}

// Subscribe calls fn with a fresh snapshot every interval. When duration is
// positive the subscription ends by itself after that long. The returned func
// cancels the subscription and is safe to call more than once.
func (b *Broadcaster) Subscribe(fn SubscriberFunc, duration time.Duration) func() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	id := b.nextID
	b.nextID++
	stop := make(chan struct{})
	b.subs[id] = stop
	b.wg.Add(1)
	b.mu.Unlock()

	go b.run(id, fn, stop, duration)

	return func() { b.cancel(id) }
}

func (b *Broadcaster) run(id uint64, fn SubscriberFunc, stop <-chan struct{}, duration time.Duration) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	var expire <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		expire = timer.C
	}

	for {
		select {
		case <-stop:
			return
		case <-expire:
			b.cancel(id)
			return
		case <-ticker.C:
			deliver(fn, b.source())
		}
	}
}

func deliver(fn SubscriberFunc, snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("metrics subscriber panicked", "panic", r)
		}
	}()
	fn(snap)
}

func (b *Broadcaster) cancel(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if stop, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(stop)
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close cancels every subscription and waits for their goroutines to exit.
// Later Subscribe calls are no-ops.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	for id, stop := range b.subs {
		delete(b.subs, id)
		close(stop)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
