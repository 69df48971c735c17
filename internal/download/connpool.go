package download

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrPoolExhausted is returned when a stream acquisition times out because
// the origin or global concurrency limit is saturated.
var ErrPoolExhausted = errors.New("stream pool exhausted")

// ErrPoolClosed is returned when trying to acquire from a closed pool.
var ErrPoolClosed = errors.New("stream pool closed")

// StreamPoolConfig holds configuration for bounding concurrent HTTP/3
// streams. A single QUIC connection can multiplex many streams, but an
// unbounded number of concurrent segment fetches defeats flow control and
// makes bandwidth attribution meaningless for the BETA controller, so
// concurrency is capped per origin and globally.
type StreamPoolConfig struct {
	// MaxPerOrigin is the maximum concurrent streams against one origin.
	MaxPerOrigin int
	// GlobalMax is the total maximum concurrent streams across all origins.
	GlobalMax int
	// AcquireTimeout is how long a caller waits for a free slot.
	AcquireTimeout time.Duration
	// OnLimitReached is called when an acquisition must wait.
	OnLimitReached func(origin string, current, max int)
	// Breakers, if set, is consulted before a slot is acquired: an origin
	// whose circuit is open fails fast with ErrCircuitOpen instead of
	// occupying a waiter slot for AcquireTimeout only to fail once a
	// connection attempt is eventually made.
	Breakers *CircuitBreakerRegistry
}

// DefaultStreamPoolConfig returns sensible defaults.
func DefaultStreamPoolConfig() StreamPoolConfig {
	return StreamPoolConfig{
		MaxPerOrigin:   4,
		GlobalMax:      32,
		AcquireTimeout: 10 * time.Second,
	}
}

// StreamPool bounds concurrent in-flight segment requests per origin.
type StreamPool struct {
	config StreamPoolConfig

	mu          sync.Mutex
	closed      bool
	originConns map[string]int
	globalConn  int
	waiters     map[string][]chan struct{}
}

// NewStreamPool creates a new stream pool.
func NewStreamPool(config StreamPoolConfig) *StreamPool {
	return &StreamPool{
		config:      config,
		originConns: make(map[string]int),
		waiters:     make(map[string][]chan struct{}),
	}
}

// Acquire acquires a stream slot for the given origin. It returns a release
// function that must be called exactly once when the segment fetch
// completes or is cancelled.
func (p *StreamPool) Acquire(ctx context.Context, origin string) (func(), error) {
	if p.config.Breakers != nil && !p.config.Breakers.Get(origin).Allow() {
		return nil, ErrCircuitOpen
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	if p.canAcquire(origin) {
		p.originConns[origin]++
		p.globalConn++
		p.mu.Unlock()
		return p.releaseFunc(origin), nil
	}

	waiter := make(chan struct{}, 1)
	p.waiters[origin] = append(p.waiters[origin], waiter)
	p.mu.Unlock()

	if p.config.OnLimitReached != nil {
		p.config.OnLimitReached(origin, p.originConns[origin], p.config.MaxPerOrigin)
	}

	var timeoutCtx context.Context
	var cancel context.CancelFunc

	if p.config.AcquireTimeout > 0 {
		timeoutCtx, cancel = context.WithTimeout(ctx, p.config.AcquireTimeout)
	} else {
		timeoutCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	select {
	case <-waiter:
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		p.originConns[origin]++
		p.globalConn++
		p.mu.Unlock()
		return p.releaseFunc(origin), nil

	case <-timeoutCtx.Done():
		p.mu.Lock()
		p.removeWaiter(origin, waiter)
		p.mu.Unlock()
		if timeoutCtx.Err() == context.DeadlineExceeded {
			return nil, ErrPoolExhausted
		}
		return nil, timeoutCtx.Err()
	}
}

// canAcquire checks if a slot can be acquired (must hold lock).
func (p *StreamPool) canAcquire(origin string) bool {
	if p.config.GlobalMax > 0 && p.globalConn >= p.config.GlobalMax {
		return false
	}
	if p.config.MaxPerOrigin > 0 && p.originConns[origin] >= p.config.MaxPerOrigin {
		return false
	}
	return true
}

func (p *StreamPool) releaseFunc(origin string) func() {
	return func() {
		p.release(origin)
	}
}

func (p *StreamPool) release(origin string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.originConns[origin] > 0 {
		p.originConns[origin]--
		if p.originConns[origin] == 0 {
			delete(p.originConns, origin)
		}
	}

	if p.globalConn > 0 {
		p.globalConn--
	}

	if len(p.waiters[origin]) > 0 {
		waiter := p.waiters[origin][0]
		p.waiters[origin] = p.waiters[origin][1:]
		if len(p.waiters[origin]) == 0 {
			delete(p.waiters, origin)
		}
		select {
		case waiter <- struct{}{}:
		default:
		}
		return
	}

	for o, ws := range p.waiters {
		if len(ws) > 0 && p.canAcquire(o) {
			waiter := ws[0]
			p.waiters[o] = ws[1:]
			if len(p.waiters[o]) == 0 {
				delete(p.waiters, o)
			}
			select {
			case waiter <- struct{}{}:
			default:
			}
			return
		}
	}
}

func (p *StreamPool) removeWaiter(origin string, waiter chan struct{}) {
	waiters := p.waiters[origin]
	for i, w := range waiters {
		if w == waiter {
			p.waiters[origin] = append(waiters[:i], waiters[i+1:]...)
			if len(p.waiters[origin]) == 0 {
				delete(p.waiters, origin)
			}
			break
		}
	}
}

// Close closes the stream pool, waking any pending waiters with an error.
func (p *StreamPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true

	for _, waiters := range p.waiters {
		for _, w := range waiters {
			close(w)
		}
	}
	p.waiters = nil
}

// Stats returns stream pool statistics.
func (p *StreamPool) Stats() StreamPoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	originStats := make(map[string]int, len(p.originConns))
	for origin, count := range p.originConns {
		originStats[origin] = count
	}

	waitingCount := 0
	for _, waiters := range p.waiters {
		waitingCount += len(waiters)
	}

	return StreamPoolStats{
		GlobalStreams: p.globalConn,
		MaxGlobal:     p.config.GlobalMax,
		OriginStreams: originStats,
		MaxPerOrigin:  p.config.MaxPerOrigin,
		WaitingCount:  waitingCount,
	}
}

// StreamPoolStats holds stream pool statistics.
type StreamPoolStats struct {
	GlobalStreams int            `json:"global_streams"`
	MaxGlobal     int            `json:"max_global"`
	OriginStreams map[string]int `json:"origin_streams"`
	MaxPerOrigin  int            `json:"max_per_origin"`
	WaitingCount  int            `json:"waiting_count"`
}
