package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestPlayer(buf *Buffer, isEnd func() bool) *Player {
	return NewPlayer(PlayerConfig{
		Buffer:            buf,
		MinStartBuffer:    time.Second,
		MinRebufferBuffer: 2 * time.Second,
		UpdateInterval:    50 * time.Millisecond,
		IsEnd:             isEnd,
	})
}

func TestPlayer_StartsInStartup(t *testing.T) {
	buf := NewBuffer(nil, nil, 0)
	p := newTestPlayer(buf, nil)
	assert.Equal(t, StateStartup, p.State())
}

func TestPlayer_TransitionsToPlayingAboveMinStart(t *testing.T) {
	buf := NewBuffer(nil, nil, 0)
	buf.Enqueue(0, 2*time.Second)
	p := newTestPlayer(buf, nil)
	p.Tick(50 * time.Millisecond)
	assert.Equal(t, StatePlaying, p.State())
}

func TestPlayer_StaysInStartupBelowMinStart(t *testing.T) {
	buf := NewBuffer(nil, nil, 0)
	buf.Enqueue(0, 500*time.Millisecond)
	p := newTestPlayer(buf, nil)
	p.Tick(50 * time.Millisecond)
	assert.Equal(t, StateStartup, p.State())
}

func TestPlayer_DrainsBufferAndAdvancesPositionWhilePlaying(t *testing.T) {
	buf := NewBuffer(nil, nil, 0)
	buf.Enqueue(0, 5*time.Second)
	p := newTestPlayer(buf, nil)
	p.Tick(50 * time.Millisecond) // startup -> playing

	p.Tick(time.Second)
	assert.Equal(t, StatePlaying, p.State())
	// The first tick started in startup, so only the second one advanced the playhead.
	assert.Equal(t, time.Second, p.Position())
}

func TestPlayer_EntersRebufferingWhenBufferEmptiesMidStream(t *testing.T) {
	buf := NewBuffer(nil, nil, 0)
	buf.Enqueue(0, 2*time.Second)
	p := newTestPlayer(buf, func() bool { return false })
	p.Tick(50 * time.Millisecond) // -> playing (2s > 1s minStart)
	p.Tick(2 * time.Second)       // drains to 0 while the scheduler still has segments to fetch
	assert.Equal(t, StateRebuffering, p.State())
}

func TestPlayer_EntersEndedWhenBufferEmptyAndSchedulerDone(t *testing.T) {
	buf := NewBuffer(nil, nil, 0)
	buf.Enqueue(0, 2*time.Second)
	done := false
	p := newTestPlayer(buf, func() bool { return done })
	p.Tick(50 * time.Millisecond) // -> playing

	// Drain it all out.
	p.Tick(2 * time.Second)
	assert.Equal(t, StateRebuffering, p.State(), "not yet end, scheduler still going")

	done = true
	p.Tick(0)
	assert.Equal(t, StateEnded, p.State())
}

func TestPlayer_RebufferingReturnsToPlayingAboveMinRebuffer(t *testing.T) {
	buf := NewBuffer(nil, nil, 0)
	buf.Enqueue(0, 2*time.Second)
	p := newTestPlayer(buf, func() bool { return false })
	p.Tick(50 * time.Millisecond) // -> playing
	p.Tick(2 * time.Second)       // drains to 0 -> rebuffering
	assert.Equal(t, StateRebuffering, p.State())

	buf.Enqueue(1, 3*time.Second)
	p.Tick(0)
	assert.Equal(t, StatePlaying, p.State())
}

func TestPlayer_TickSleepIsMinOfBufferAndUpdateInterval(t *testing.T) {
	buf := NewBuffer(nil, nil, 0)
	buf.Enqueue(0, 10*time.Millisecond)
	p := newTestPlayer(buf, nil)
	sleep := p.Tick(0)
	assert.Equal(t, 10*time.Millisecond, sleep)
}

func TestPlayer_PublishesStateChangedEvent(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	received := make(chan PlayerStateChangedEvent, 4)
	bus.Subscribe("test", false, func(ev Event) {
		if e, ok := ev.(PlayerStateChangedEvent); ok {
			received <- e
		}
	})

	buf := NewBuffer(nil, nil, 0)
	buf.Enqueue(0, 2*time.Second)
	p := NewPlayer(PlayerConfig{
		Buffer:            buf,
		Bus:               bus,
		MinStartBuffer:    time.Second,
		MinRebufferBuffer: 2 * time.Second,
		UpdateInterval:    50 * time.Millisecond,
	})
	p.Tick(50 * time.Millisecond)

	select {
	case ev := <-received:
		assert.Equal(t, StateStartup, ev.From)
		assert.Equal(t, StatePlaying, ev.To)
	case <-time.After(time.Second):
		t.Fatal("expected PlayerStateChangedEvent")
	}
}
