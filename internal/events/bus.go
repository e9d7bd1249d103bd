// Package events implements the bridge's in-process publish/subscribe
// hub. The original Tauri implementation pushed everything — inbound
// extension requests, authorization prompts, dirty-table notifications —
// through app_handle.emit to whatever JS frontend was listening; this
// bus is the same fan-out for a headless Go process, so that
// internal/bridge, internal/ledger and internal/httpapi can all observe
// the same stream of events without importing each other.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Handler receives one published event's payload. Handlers run
// concurrently with each other and with the publisher; a slow or
// panicking handler must not block Publish or take down other
// subscribers.
type Handler func(payload any)

type subscription struct {
	id      uint64
	topic   string
	handler Handler
}

// Bus dispatches published events to subscribers by topic. Publish is
// lock-free: it loads an atomically-swapped snapshot of subscriptions,
// so no lock is held while firing into arbitrary handler code.
type Bus struct {
	snapshot atomic.Pointer[[]subscription]
	mu       sync.Mutex
	nextID   uint64
	log      *logrus.Entry
}

// New constructs an empty Bus.
func New(log *logrus.Entry) *Bus {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	b := &Bus{log: log.WithField("component", "events")}
	empty := make([]subscription, 0)
	b.snapshot.Store(&empty)
	return b
}

// Subscribe registers h for every event published on topic. The
// returned function removes the subscription; calling it more than
// once is safe and a no-op after the first call.
func (b *Bus) Subscribe(topic string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	cur := *b.snapshot.Load()
	next := make([]subscription, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, subscription{id: id, topic: topic, handler: h})
	b.snapshot.Store(&next)

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := *b.snapshot.Load()
	next := make([]subscription, 0, len(cur))
	for _, s := range cur {
		if s.id != id {
			next = append(next, s)
		}
	}
	b.snapshot.Store(&next)
}

// Publish fans payload out to every subscriber of topic, each on its
// own goroutine. Handler panics are recovered and logged rather than
// propagated, so one misbehaving subscriber can't take down the
// publisher or its siblings.
func (b *Bus) Publish(topic string, payload any) {
	snapshot := b.snapshot.Load()
	if snapshot == nil {
		return
	}
	for _, s := range *snapshot {
		if s.topic != topic {
			continue
		}
		h := s.handler
		go func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.WithField("topic", topic).Errorf("event handler panicked: %v", r)
				}
			}()
			h(payload)
		}()
	}
}

// SubscriberCount reports how many handlers are registered for topic,
// for diagnostics and tests.
func (b *Bus) SubscriberCount(topic string) int {
	snapshot := b.snapshot.Load()
	if snapshot == nil {
		return 0
	}
	n := 0
	for _, s := range *snapshot {
		if s.topic == topic {
			n++
		}
	}
	return n
}
