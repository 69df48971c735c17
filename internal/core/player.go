package core

import (
	"log/slog"
	"time"
)

// Player drives the playback clock: advancing the playhead while in
// StatePlaying, draining the buffer by the same amount, and transitioning
// state in response to buffer occupancy and end-of-stream.
type Player struct {
	state     PlayerState
	position  time.Duration
	started   bool
	buffer    *Buffer
	bus       *Bus
	logger    *slog.Logger

	minStartBuffer    time.Duration
	minRebufferBuffer time.Duration
	updateInterval    time.Duration

	isEnd func() bool
}

// PlayerConfig configures a new Player.
type PlayerConfig struct {
	Buffer            *Buffer
	Bus               *Bus
	Logger            *slog.Logger
	MinStartBuffer    time.Duration
	MinRebufferBuffer time.Duration
	UpdateInterval    time.Duration
	// IsEnd reports whether the scheduler has issued its final segment,
	// used to decide BUFFERING/READY -> END transitions.
	IsEnd func() bool
}

// NewPlayer creates a Player starting in StateStartup.
func NewPlayer(cfg PlayerConfig) *Player {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	isEnd := cfg.IsEnd
	if isEnd == nil {
		isEnd = func() bool { return false }
	}
	return &Player{
		state:             StateStartup,
		buffer:            cfg.Buffer,
		bus:               cfg.Bus,
		logger:            logger,
		minStartBuffer:    cfg.MinStartBuffer,
		minRebufferBuffer: cfg.MinRebufferBuffer,
		updateInterval:    cfg.UpdateInterval,
		isEnd:             isEnd,
	}
}

// State returns the player's current state.
func (p *Player) State() PlayerState { return p.state }

// Position returns the current playhead position.
func (p *Player) Position() time.Duration { return p.position }

// Tick advances the playhead by delta if playing, drains the buffer by the
// same amount, evaluates transitions, and returns how long the caller
// should sleep before the next tick.
func (p *Player) Tick(delta time.Duration) time.Duration {
	if p.state == StatePlaying {
		p.position += delta
		p.buffer.Drain(delta)
	}

	p.evaluateTransition()

	level := p.buffer.Level()
	if level > 0 && level < p.updateInterval {
		return level
	}
	return p.updateInterval
}

func (p *Player) evaluateTransition() {
	level := p.buffer.Level()
	from := p.state

	switch p.state {
	case StateStartup:
		if level > p.minStartBuffer {
			p.started = true
			p.transitionTo(StatePlaying)
		}
	case StateRebuffering:
		if p.started && level > p.minRebufferBuffer {
			p.transitionTo(StatePlaying)
		}
	case StatePlaying:
		if level <= 0 {
			if p.isEnd() {
				p.transitionTo(StateEnded)
			} else {
				p.transitionTo(StateRebuffering)
			}
		}
	}

	if p.state != StateEnded && p.isEnd() && level <= 0 && from != StateEnded {
		p.transitionTo(StateEnded)
	}
}

func (p *Player) transitionTo(to PlayerState) {
	from := p.state
	if from == to {
		return
	}
	p.state = to
	p.logger.Debug("player state transition", slog.String("from", from.String()), slog.String("to", to.String()))
	if p.bus != nil {
		p.bus.Publish(PlayerStateChangedEvent{From: from, To: to, At: time.Now()})
	}
}
