package core

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversInFIFOOrder(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	var mu sync.Mutex
	var received []int

	done := make(chan struct{})
	bus.Subscribe("test", false, func(ev Event) {
		pe, ok := ev.(SegmentProgressEvent)
		require.True(t, ok)
		mu.Lock()
		received = append(received, pe.SegmentIndex)
		if len(received) == 5 {
			close(done)
		}
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		bus.Publish(SegmentProgressEvent{SegmentIndex: i})
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, received)
}

func TestBus_LossyListenerDropsUnderBackpressure(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	block := make(chan struct{})
	var delivered int
	var mu sync.Mutex

	bus.Subscribe("slow", true, func(ev Event) {
		<-block
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	for i := 0; i < defaultListenerBuffer+10; i++ {
		bus.Publish(SegmentProgressEvent{SegmentIndex: i})
	}

	close(block)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Less(t, delivered, defaultListenerBuffer+10)
}

func TestBus_PanicInListenerIsRecovered(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	done := make(chan struct{})
	bus.Subscribe("panicky", false, func(ev Event) {
		defer close(done)
		panic("boom")
	})

	bus.Publish(SegmentProgressEvent{SegmentIndex: 1})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("panicking listener never ran")
	}

	// Bus must still be usable after a listener panic.
	bus.Publish(SegmentProgressEvent{SegmentIndex: 2})
}

func TestBus_MultipleListenersEachReceiveEvent(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	var count1, count2 int
	var mu sync.Mutex
	wg := sync.WaitGroup{}
	wg.Add(2)

	bus.Subscribe("a", false, func(ev Event) {
		mu.Lock()
		count1++
		mu.Unlock()
		wg.Done()
	})
	bus.Subscribe("b", false, func(ev Event) {
		mu.Lock()
		count2++
		mu.Unlock()
		wg.Done()
	})

	bus.Publish(SegmentProgressEvent{SegmentIndex: 1})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not all listeners received the event")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count1)
	assert.Equal(t, 1, count2)
}

func TestBus_CloseDrainsPendingEvents(t *testing.T) {
	bus := NewBus(nil)

	var mu sync.Mutex
	var received int
	bus.Subscribe("test", false, func(ev Event) {
		mu.Lock()
		received++
		mu.Unlock()
	})

	for i := 0; i < 3; i++ {
		bus.Publish(SegmentProgressEvent{SegmentIndex: i})
	}
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, received)
}
