package bus

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New()
	var count atomic.Int32

	for i := 0; i < 3; i++ {
		b.Subscribe("addr", func([]byte) {
			count.Add(1)
		})
	}

	b.Publish("addr", []byte("x"))

	deadline := time.After(time.Second)
	for count.Load() != 3 {
		select {
		case <-deadline:
			t.Fatalf("expected 3 deliveries, got %d", count.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New()
	var count atomic.Int32

	cancel := b.Subscribe("addr", func([]byte) {
		count.Add(1)
	})
	cancel()

	b.Publish("addr", nil)
	time.Sleep(20 * time.Millisecond)

	if count.Load() != 0 {
		t.Errorf("cancelled handler still ran %d times", count.Load())
	}
	if b.HasSubscribers("addr") {
		t.Error("address should have no subscribers after cancel")
	}
}

func TestPublishToEmptyAddress(t *testing.T) {
	b := New()
	// Must not panic or block
	b.Publish("nobody/home", []byte("x"))
}
