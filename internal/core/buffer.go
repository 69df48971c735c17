package core

import (
	"log/slog"
	"sync"
	"time"
)

// Buffer tracks how much decoded media is queued ahead of the playhead, in
// duration rather than bytes. Safe for concurrent use: Enqueue runs on the
// scheduler's goroutine as segments finish while Drain runs on the
// independently-paced player clock goroutine.
type Buffer struct {
	mu sync.Mutex

	occupied    time.Duration
	lastSegment int
	totalDur    time.Duration
	position    time.Duration
	bus         *Bus
	logger      *slog.Logger
}

// NewBuffer creates an empty buffer for a presentation of the given total
// duration. totalDur may be zero when the total duration is not known
// ahead of time, in which case the Position+Occupied invariant is not
// checked.
func NewBuffer(bus *Bus, logger *slog.Logger, totalDur time.Duration) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		lastSegment: -1,
		totalDur:    totalDur,
		bus:         bus,
		logger:      logger,
	}
}

// Level returns the currently buffered duration.
func (b *Buffer) Level() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.occupied
}

// Enqueue appends one decoded segment's worth of media to the buffer.
func (b *Buffer) Enqueue(segmentIndex int, dur time.Duration) {
	b.mu.Lock()
	b.occupied += dur
	if segmentIndex > b.lastSegment {
		b.lastSegment = segmentIndex
	}
	b.checkInvariantLocked()
	state := b.stateLocked()
	b.mu.Unlock()

	b.publish(state)
}

// Drain advances the playhead by elapsed, shrinking the buffer by the same
// amount. The buffer never goes negative; draining past zero simply clamps.
func (b *Buffer) Drain(elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	b.mu.Lock()
	b.position += elapsed
	b.occupied -= elapsed
	if b.occupied < 0 {
		b.occupied = 0
	}
	b.checkInvariantLocked()
	state := b.stateLocked()
	b.mu.Unlock()

	b.publish(state)
}

// State returns a snapshot of the buffer's current occupancy.
func (b *Buffer) State() BufferState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Buffer) stateLocked() BufferState {
	return BufferState{Occupied: b.occupied, LastSegment: b.lastSegment}
}

func (b *Buffer) checkInvariantLocked() {
	if b.totalDur <= 0 {
		return
	}
	if b.position+b.occupied > b.totalDur {
		b.logger.Error("buffer invariant violated: position+occupied exceeds total duration",
			slog.Duration("position", b.position),
			slog.Duration("occupied", b.occupied),
			slog.Duration("total", b.totalDur))
	}
}

func (b *Buffer) publish(state BufferState) {
	if b.bus == nil {
		return
	}
	b.bus.Publish(BufferLevelChangedEvent{State: state, At: time.Now()})
}
