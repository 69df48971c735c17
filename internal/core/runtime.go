package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/dashgo/internal/download"
)

// SegmentFetcher is the full download-manager surface the runtime wires
// together: the scheduler/BETA interfaces plus chunk-level notification.
// Runtime itself implements download.TransferListener and republishes each
// callback as a TransferEvent on the bus, so the bandwidth estimator and
// BETA controller always run on the bus's single driver-listener goroutine
// rather than on whichever transport goroutine observed the bytes.
type SegmentFetcher interface {
	SegmentDownloader
	AddListener(l download.TransferListener)
}

// TransferEvent is published on the bus for every HTTP/3 DATA frame the
// download manager observes.
type TransferEvent struct {
	URL      string
	Length   int
	Position int64
	Size     int64
	At       time.Time
}

func (TransferEvent) eventName() string { return "transfer_chunk" }

// RuntimeConfig assembles a Runtime from its tunables and a concrete
// download manager. It intentionally takes primitive fields rather than
// the application's config struct, so this package has no dependency on
// how configuration is loaded.
type RuntimeConfig struct {
	Manifest   *Manifest
	Downloader SegmentFetcher

	PanicBuffer       time.Duration
	SafeBuffer        time.Duration
	MaxBufferDuration time.Duration
	MinStartBuffer    time.Duration
	MinRebufferBuffer time.Duration
	UpdateInterval    time.Duration

	InitBandwidthBps int64
	SmoothingFactor  float64
	ContinuousWindow time.Duration
	MaxPacketDelay   time.Duration
	FilterByDelay    bool

	EnableDropAndReplace bool
	VQThreshold          VQThresholdFunc

	AnalyzerOutput io.Writer
	Logger         *slog.Logger
}

// Runtime wires the bus, bandwidth estimator, buffer, ABR selector,
// scheduler, BETA controller, player, and analyzer into one cooperative
// playback session. Transfer progress, bandwidth updates, and buffer/state
// changes all fold into BETA and the estimator on the bus's single
// non-lossy driver-listener goroutine, regardless of which transport
// goroutine observed the underlying bytes. Run itself drives two further
// goroutines — the scheduler's blocking fetch loop and the player's
// independently-paced clock — so a slow segment download never freezes
// the player's view of buffer drain; see Run.
type Runtime struct {
	bus        *Bus
	estimator  *BandwidthEstimator
	buffer     *Buffer
	abr        *ABRSelector
	scheduler  *Scheduler
	beta       *Controller
	player     *Player
	analyzer   *Analyzer
	downloader SegmentFetcher
	logger     *slog.Logger

	updateInterval time.Duration

	mu    sync.Mutex
	byURL map[string]SegmentRequest
}

// NewRuntime builds a Runtime and subscribes its driver listener to the
// bus. The caller must call Run to start playback.
func NewRuntime(cfg RuntimeConfig) *Runtime {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bus := NewBus(logger)
	totalDur := cfg.Manifest.SegmentDuration * time.Duration(cfg.Manifest.SegmentCount)
	buffer := NewBuffer(bus, logger, totalDur)
	abr := NewABRSelector(int64(cfg.PanicBuffer), int64(cfg.SafeBuffer))
	estimator := NewBandwidthEstimator(BandwidthEstimatorConfig{
		InitialBps:       cfg.InitBandwidthBps,
		SmoothingFactor:  cfg.SmoothingFactor,
		ContinuousWindow: cfg.ContinuousWindow,
		MaxPacketDelay:   cfg.MaxPacketDelay,
		FilterByDelay:    cfg.FilterByDelay,
	})
	scheduler := NewScheduler(SchedulerConfig{
		Manifest:          cfg.Manifest,
		Downloader:        cfg.Downloader,
		ABR:               abr,
		Buffer:            buffer,
		Bus:               bus,
		MaxBufferDuration: cfg.MaxBufferDuration,
	})
	beta := NewController(ControllerConfig{
		Downloader:           cfg.Downloader,
		ABR:                  abr,
		VQThreshold:          cfg.VQThreshold,
		EnableDropAndReplace: cfg.EnableDropAndReplace,
		PanicBuffer:          cfg.PanicBuffer,
		SafeBuffer:           cfg.SafeBuffer,
	})
	player := NewPlayer(PlayerConfig{
		Buffer:            buffer,
		Bus:               bus,
		Logger:            logger,
		MinStartBuffer:    cfg.MinStartBuffer,
		MinRebufferBuffer: cfg.MinRebufferBuffer,
		UpdateInterval:    cfg.UpdateInterval,
		IsEnd:             scheduler.IsEnd,
	})
	analyzer := NewAnalyzer(cfg.AnalyzerOutput)
	analyzer.Attach(bus)

	rt := &Runtime{
		bus:            bus,
		estimator:      estimator,
		buffer:         buffer,
		abr:            abr,
		scheduler:      scheduler,
		beta:           beta,
		player:         player,
		analyzer:       analyzer,
		downloader:     cfg.Downloader,
		logger:         logger,
		updateInterval: cfg.UpdateInterval,
		byURL:          make(map[string]SegmentRequest),
	}

	cfg.Downloader.AddListener(rt)
	bus.Subscribe("core-driver", false, rt.handleEvent)
	return rt
}

// OnBytesTransferred implements download.TransferListener by republishing
// the callback onto the bus as a TransferEvent.
func (rt *Runtime) OnBytesTransferred(length int, url string, position, size int64) {
	rt.bus.Publish(TransferEvent{URL: url, Length: length, Position: position, Size: size, At: time.Now()})
}

// OnTransferEnd implements download.TransferListener. The runtime derives transfer-end
// timing for the estimator and BETA from the scheduler's own
// SegmentCompletedEvent/SegmentCancelledEvent instead, since those fire for
// stopped transfers too (which never reach a natural transport-level end);
// this callback is a deliberate no-op.
func (rt *Runtime) OnTransferEnd(size int64, url string) {}

func (rt *Runtime) handleEvent(ev Event) {
	switch e := ev.(type) {
	case SegmentStartedEvent:
		rt.mu.Lock()
		rt.byURL[e.Request.URL] = e.Request
		rt.mu.Unlock()
		rt.beta.OnSegmentDownloadStart(e.Request.SegmentIndex)
		rt.beta.OnTransferStart(e.Request.URL)

	case TransferEvent:
		rt.estimator.OnChunk(int64(e.Length), e.At)
		action := rt.beta.OnBytesTransferred(e.URL, e.Length, e.Position, e.Size, false)
		if action == ActionDropAndReplace {
			rt.mu.Lock()
			req, ok := rt.byURL[e.URL]
			rt.mu.Unlock()
			if ok {
				rt.scheduler.Replace(req.SegmentIndex)
			}
		}

	case SegmentCompletedEvent:
		rt.finishTransfer(e.Request, e.Request.BytesReceived, e.Finished)

	case SegmentCancelledEvent:
		rt.finishTransfer(e.Request, e.BytesReceived, time.Now())

	case PlayerStateChangedEvent:
		rt.beta.OnStateChange(e.To)

	case BufferLevelChangedEvent:
		rt.beta.OnBufferLevelChange(e.State.Occupied)

	case BandwidthEstimateEvent:
		rt.beta.OnBandwidthUpdate(e.SmoothedBps)
	}
}

func (rt *Runtime) finishTransfer(req SegmentRequest, bytesReceived int64, finished time.Time) {
	rt.mu.Lock()
	delete(rt.byURL, req.URL)
	rt.mu.Unlock()

	elapsed := finished.Sub(req.IssuedAt)
	smoothed := rt.estimator.OnTransferEnd(bytesReceived, elapsed)
	rt.bus.Publish(BandwidthEstimateEvent{
		SmoothedBps: smoothed,
		At:          finished,
	})
	rt.beta.OnTransferEnd(req.URL)
}

// Run drives the playback session to completion or until ctx is cancelled.
// The segment scheduler and the player clock run on independent
// goroutines: the scheduler blocks on each segment's real download time,
// while the player clock ticks on its own timer and drains the buffer by
// actual elapsed wall-clock time regardless of what the scheduler is doing.
// Run itself only waits for one of them to signal completion or failure.
func (rt *Runtime) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ended := make(chan struct{})
	var endedOnce sync.Once
	rt.bus.Subscribe("run-watcher", true, func(ev Event) {
		if e, ok := ev.(PlayerStateChangedEvent); ok && e.To == StateEnded {
			endedOnce.Do(func() { close(ended) })
		}
	})

	var wg sync.WaitGroup
	schedErr := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		schedErr <- rt.runScheduler(runCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		rt.runPlayerClock(runCtx)
	}()

	var runErr error
	select {
	case <-runCtx.Done():
		runErr = runCtx.Err()
	case <-ended:
	case err := <-schedErr:
		runErr = err
	}

	cancel()
	wg.Wait()
	return runErr
}

// runScheduler issues segments for as long as the scheduler has more to
// fetch and buffer headroom allows, blocking on each real download in
// turn. It returns nil once the scheduler reaches the end of the
// manifest, or the first error from a failed segment fetch.
func (rt *Runtime) runScheduler(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if rt.scheduler.IsEnd() {
			return nil
		}
		if !rt.scheduler.ReadyToIssue() {
			timer := time.NewTimer(rt.updateInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}
		if err := rt.scheduler.Step(ctx, rt.estimator.Smoothed()); err != nil {
			return fmt.Errorf("scheduler step: %w", err)
		}
	}
}

// runPlayerClock ticks the player on its own timer, independent of the
// scheduler's in-flight fetches, using the actual elapsed time between
// ticks rather than the configured interval so a delayed tick (GC pause,
// scheduling jitter) still drains the buffer by the right amount.
func (rt *Runtime) runPlayerClock(ctx context.Context) {
	last := time.Now()
	timer := time.NewTimer(rt.updateInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-timer.C:
			elapsed := now.Sub(last)
			last = now
			sleep := rt.player.Tick(elapsed)
			timer.Reset(sleep)
		}
	}
}

// Summary returns the analyzer's accumulated run summary.
func (rt *Runtime) Summary() Summary {
	return rt.analyzer.Summary()
}

// Close shuts down the bus, waiting for all listener goroutines (including
// the analyzer) to drain.
func (rt *Runtime) Close() {
	rt.bus.Close()
}
