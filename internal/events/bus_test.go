package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New(nil)
	got := make(chan any, 1)
	b.Subscribe("topic.a", func(payload any) { got <- payload })

	b.Publish("topic.a", "hello")

	select {
	case v := <-got:
		require.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestPublishIgnoresOtherTopics(t *testing.T) {
	b := New(nil)
	var mu sync.Mutex
	calls := 0
	b.Subscribe("topic.a", func(payload any) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	b.Publish("topic.b", "irrelevant")
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 0, calls)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(nil)
	var mu sync.Mutex
	calls := 0
	unsub := b.Subscribe("topic.a", func(payload any) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	unsub()
	unsub() // idempotent

	b.Publish("topic.a", "hello")
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 0, calls)
	require.Equal(t, 0, b.SubscriberCount("topic.a"))
}

func TestHandlerPanicDoesNotAffectSiblings(t *testing.T) {
	b := New(nil)
	got := make(chan any, 1)
	b.Subscribe("topic.a", func(payload any) { panic("boom") })
	b.Subscribe("topic.a", func(payload any) { got <- payload })

	b.Publish("topic.a", "hello")

	select {
	case v := <-got:
		require.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("surviving subscriber was not invoked")
	}
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	b := New(nil)
	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		b.Subscribe("topic.a", func(payload any) { wg.Done() })
	}
	require.Equal(t, 3, b.SubscriberCount("topic.a"))
	b.Publish("topic.a", nil)
	wg.Wait()
}
