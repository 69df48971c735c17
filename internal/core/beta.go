package core

import (
	"time"
)

// betaStopHeadroom (k) discounts the bandwidth estimate when projecting how
// long the remaining bytes of a segment will take, so the timeout budget
// has headroom against estimation noise rather than assuming the network
// sustains exactly the current estimate.
const betaStopHeadroom = 0.7

// minReferenceRatio (MIN_REF_RATIO) is the minimum fraction of a segment's
// bytes that must already be received before BETA is willing to stop it —
// below this fraction, the partial segment would be too small to be worth
// accepting over simply waiting.
const minReferenceRatio = 0.6

// vqSkipRatio is the point past which BETA treats a transfer as
// effectively complete and stops evaluating it (matches the mock's 0.99
// constant from the reference implementation).
const vqSkipRatio = 0.99

// VQThresholdFunc returns the visual-quality threshold ratio for a segment
// index: the fraction of bytes past which further data yields negligible
// perceptual gain. The default implementation returns a constant 0.9.
type VQThresholdFunc func(segmentIndex int) float64

// DefaultVQThreshold is the constant-0.9 threshold used when no
// segment-aware table is supplied.
func DefaultVQThreshold(int) float64 { return 0.9 }

// StopDownloader is the subset of the download manager BETA needs: the
// ability to stop a stream (partial-accept, retain received bytes) and to
// cancel reading one outright (discard buffered bytes), plus a
// drop-and-replace hook used only when enabled.
type StopDownloader interface {
	Stop(url string)
	CancelReadURL(url string)
	DropURL(url string)
}

// betaSegmentState tracks BETA's per-segment bookkeeping between the
// SegmentDownloadStart that opens it and the TransferEnd/Cancel that
// closes it.
type betaSegmentState struct {
	index              int
	url                string
	firstBytesReceived bool
	timeoutSet         bool // true once a real timeout/maxTimeout has been computed from a known bandwidth
	timeout            time.Time
	maxTimeout         time.Time
}

// Controller implements the BETA early-termination policy: it watches
// bandwidth, buffer, and player-state updates alongside per-chunk transfer
// progress, and may instruct the download manager to stop or (if enabled)
// drop-and-replace an in-flight segment.
type Controller struct {
	downloader StopDownloader
	abr        *ABRSelector
	vqThreshold VQThresholdFunc

	enableDropAndReplace bool
	panicBuffer          time.Duration
	safeBuffer           time.Duration

	bw       float64
	buffer   time.Duration
	state    PlayerState
	current  *betaSegmentState
	pending  *betaSegmentState

	droppedURLs     map[string]struct{}
	droppedIndices  map[int]struct{}

	now func() time.Time
}

// ControllerConfig configures a new Controller.
type ControllerConfig struct {
	Downloader           StopDownloader
	ABR                  *ABRSelector
	VQThreshold          VQThresholdFunc
	EnableDropAndReplace bool
	PanicBuffer          time.Duration
	SafeBuffer           time.Duration
	Now                  func() time.Time // overridable for deterministic tests
}

// NewController creates a BETA controller.
func NewController(cfg ControllerConfig) *Controller {
	vq := cfg.VQThreshold
	if vq == nil {
		vq = DefaultVQThreshold
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		downloader:           cfg.Downloader,
		abr:                  cfg.ABR,
		vqThreshold:          vq,
		enableDropAndReplace: cfg.EnableDropAndReplace,
		panicBuffer:          cfg.PanicBuffer,
		safeBuffer:           cfg.SafeBuffer,
		droppedURLs:          make(map[string]struct{}),
		droppedIndices:       make(map[int]struct{}),
		now:                  now,
	}
}

// OnBandwidthUpdate folds the latest bandwidth estimate into the
// controller's state.
func (c *Controller) OnBandwidthUpdate(bps float64) { c.bw = bps }

// OnBufferLevelChange folds the latest buffer occupancy into the
// controller's state.
func (c *Controller) OnBufferLevelChange(level time.Duration) { c.buffer = level }

// OnStateChange folds the latest player state into the controller's state.
func (c *Controller) OnStateChange(s PlayerState) { c.state = s }

// OnSegmentDownloadStart opens a new current segment and clears the
// previous ratio. If no bandwidth estimate exists yet (first segment),
// BETA does nothing but still tracks the segment for bookkeeping.
func (c *Controller) OnSegmentDownloadStart(index int) {
	c.current = &betaSegmentState{index: index}
}

// OnTransferStart records the URL assigned to the current segment.
func (c *Controller) OnTransferStart(url string) {
	if c.current != nil {
		c.current.url = url
	}
}

// BetaAction is what the caller (the driver goroutine) should do in
// response to evaluating one BytesTransferred event.
type BetaAction int

const (
	// ActionNone means no intervention this event.
	ActionNone BetaAction = iota
	// ActionStop means the controller called stop_download semantics;
	// the caller must surface this as a partial-accept completion.
	ActionStop
	// ActionDropAndReplace means the segment was dropped outright and
	// the scheduler should re-pick the index at the lowest bitrate.
	ActionDropAndReplace
)

// OnBytesTransferred evaluates one chunk-progress event against the
// eleven BETA sub-rules and returns the resulting action, if any. url is
// the stream the bytes arrived on, length is the size of this chunk,
// position is the cumulative bytes received so far, size is the declared
// content-length, and isInit marks an init-segment fetch (which BETA never
// acts on).
func (c *Controller) OnBytesTransferred(url string, length int, position, size int64, isInit bool) BetaAction {
	now := c.now()

	// 1. Pending-segment reconciliation: a different URL draining while
	// a new one is already active means the old one must be abandoned.
	if c.pending != nil && c.pending.url != url {
		c.downloader.CancelReadURL(c.pending.url)
		c.pending = nil
	}

	if c.current == nil || c.current.url != url {
		return ActionNone
	}

	// 2. Init segments are never subject to early termination.
	if isInit {
		return ActionNone
	}

	// 3. A comfortably full buffer means there's no reason to intervene.
	if c.buffer > c.safeBuffer {
		return ActionNone
	}

	// 4. Already-dropped URLs/indices are inert.
	if _, dropped := c.droppedURLs[url]; dropped {
		return ActionNone
	}
	if _, dropped := c.droppedIndices[c.current.index]; dropped {
		return ActionNone
	}

	// 5. Establish the timeout budget on first byte, unless the whole
	// segment arrived in one chunk.
	if !c.current.firstBytesReceived {
		if size == int64(length) {
			return ActionNone
		}
		c.current.firstBytesReceived = true
		if c.bw > 0 {
			remaining := size - int64(length)
			deltaSeconds := float64(8*remaining) / (c.bw * betaStopHeadroom)
			delta := time.Duration(deltaSeconds * float64(time.Second))
			c.current.timeout = now.Add(delta)
			c.current.maxTimeout = now.Add(2 * delta)
			c.current.timeoutSet = true
		}
		// bw<=0 (no bandwidth estimate yet — always true for segment 0)
		// leaves timeoutSet false, so rule 8 below skips rules 9-11 for this
		// segment's whole lifetime rather than misreading the zero-value
		// timeout as already expired.
		return ActionNone
	}

	if size <= 0 {
		return ActionNone
	}
	ratio := float64(position) / float64(size)
	// 6. Effectively-complete transfers are left alone.
	if ratio > vqSkipRatio {
		return ActionNone
	}

	// 7. Stall-avoidance: rebuffering with enough of the segment already
	// in hand is worth cutting short immediately, regardless of timeout.
	if c.current.index != 0 && c.state == StateRebuffering && ratio > minReferenceRatio {
		c.stopDownload()
		return ActionStop
	}

	// 8. No timeout established yet, or still below it: no further rule
	// fires. A segment whose bandwidth was unknown when its first byte
	// arrived never got a real deadline, so it stays exempt from 9-11 for
	// its entire transfer rather than falling through as if already timed
	// out.
	if !c.current.timeoutSet || now.Before(c.current.timeout) {
		return ActionNone
	}

	// 9. VQ threshold: enough bytes have arrived that more data wouldn't
	// meaningfully improve quality.
	if ratio > c.vqThreshold(c.current.index) {
		c.stopDownload()
		return ActionStop
	}

	// 10. Panic buffer: buffer is critically low. Above MIN_REF_RATIO
	// there's enough of the segment to accept it partially; at or below
	// it the partial would be too small to be worth keeping, so when
	// drop-and-replace is enabled the segment is discarded and re-issued
	// at the lowest bitrate instead of stopped.
	if c.buffer < c.panicBuffer {
		if ratio > minReferenceRatio {
			c.stopDownload()
			return ActionStop
		}
		if c.enableDropAndReplace {
			return c.dropAndReplace()
		}
	}

	// 11. Max timeout: the segment has overrun its generous budget. Rule 8
	// already returns above when timeoutSet is false, so maxTimeout is
	// always real here, but the guard matches rule 8's for symmetry.
	if c.current.timeoutSet && now.After(c.current.maxTimeout) && ratio > minReferenceRatio {
		c.stopDownload()
		return ActionStop
	}

	return ActionNone
}

// stopDownload instructs the download manager to partial-accept the
// current segment's in-flight stream, unless an identical stop is already
// pending for the same URL.
func (c *Controller) stopDownload() {
	if c.current == nil {
		return
	}
	if c.pending == nil || c.pending.url != c.current.url {
		c.downloader.Stop(c.current.url)
	}
	if c.abr != nil {
		c.abr.SuppressUpshiftAfter(c.current.index)
	}
	c.pending = c.current
}

// dropAndReplace discards the current segment outright and marks it (and
// its URL) so the scheduler's re-fetch at a lower bitrate isn't itself
// re-evaluated by BETA. Reserved for the EnableDropAndReplace opt-in; the
// default policy always takes the stop-only path.
func (c *Controller) dropAndReplace() BetaAction {
	if c.current == nil {
		return ActionNone
	}
	c.droppedURLs[c.current.url] = struct{}{}
	c.droppedIndices[c.current.index] = struct{}{}
	c.downloader.DropURL(c.current.url)
	c.downloader.CancelReadURL(c.current.url)
	if c.abr != nil {
		c.abr.SuppressUpshiftAfter(c.current.index)
	}
	return ActionDropAndReplace
}

// OnTransferEnd clears bookkeeping for a segment that completed or was
// cancelled, whatever the outcome.
func (c *Controller) OnTransferEnd(url string) {
	if c.pending != nil && c.pending.url == url {
		c.pending = nil
	}
	if c.current != nil && c.current.url == url {
		c.current = nil
	}
}
