package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// SegmentDownloader is the subset of the download manager the scheduler
// drives directly: issuing a fetch and waiting for its outcome, alongside
// the BETA-facing StopDownloader surface used by the controller.
type SegmentDownloader interface {
	StopDownloader
	Download(ctx context.Context, url string) error
	WaitComplete(ctx context.Context, url string) (data []byte, size int64, err error)
}

// Scheduler drives the cooperative per-segment fetch loop: pick an index,
// ask the ABR selector for a representation, issue the fetch, classify the
// outcome as FULL or PARTIAL, and advance.
//
// Step/advance run on the scheduler's own goroutine; Replace is called from
// BETA's evaluation on the bus driver goroutine when drop-and-replace
// fires. nextIndex/replacedIndices/done are guarded by mu for that reason.
// lastRepresentation is touched only from within Step and needs no lock.
type Scheduler struct {
	manifest   *Manifest
	downloader SegmentDownloader
	abr        *ABRSelector
	buffer     *Buffer
	bus        *Bus

	maxBufferDuration time.Duration

	lastRepresentation map[string]string // adaptation set ID -> representation ID currently playing

	mu              sync.Mutex
	nextIndex       int
	replacedIndices map[int]bool
	done            bool
}

// SchedulerConfig configures a new Scheduler.
type SchedulerConfig struct {
	Manifest          *Manifest
	Downloader        SegmentDownloader
	ABR               *ABRSelector
	Buffer            *Buffer
	Bus               *Bus
	MaxBufferDuration time.Duration
}

// NewScheduler creates a Scheduler starting at segment index 0.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	return &Scheduler{
		manifest:           cfg.Manifest,
		downloader:         cfg.Downloader,
		abr:                cfg.ABR,
		buffer:             cfg.Buffer,
		bus:                cfg.Bus,
		maxBufferDuration:  cfg.MaxBufferDuration,
		lastRepresentation: make(map[string]string),
		replacedIndices:    make(map[int]bool),
	}
}

// IsEnd reports whether every segment index has been consumed.
func (s *Scheduler) IsEnd() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// ReadyToIssue reports whether the scheduler's back-pressure rule allows
// issuing the next segment: buffered duration plus one more segment must
// not exceed MaxBufferDuration.
func (s *Scheduler) ReadyToIssue() bool {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done {
		return false
	}
	return s.buffer.Level()+s.manifest.SegmentDuration <= s.maxBufferDuration
}

// Step issues and waits for exactly one segment across all adaptation
// sets, publishing the associated lifecycle events. It forces the lowest
// bitrate for indices already marked replaced (REPLACEMENT re-entry).
func (s *Scheduler) Step(ctx context.Context, bandwidthBps float64) error {
	s.mu.Lock()
	done := s.done
	index := s.nextIndex
	forced := s.replacedIndices[index]
	s.mu.Unlock()
	if done {
		return nil
	}

	for i := range s.manifest.AdaptationSets {
		set := &s.manifest.AdaptationSets[i]
		rep, err := s.pickRepresentation(set, index, bandwidthBps, forced)
		if err != nil {
			return err
		}

		switched := s.lastRepresentation[set.ID] != rep.ID
		s.lastRepresentation[set.ID] = rep.ID
		s.publish(RepresentationSelectedEvent{
			AdaptationSetID:  set.ID,
			SegmentIndex:     index,
			RepresentationID: rep.ID,
			Bandwidth:        rep.Bandwidth,
			Switched:         switched,
		})

		if index >= len(rep.SegmentURLs) {
			continue
		}
		url := rep.SegmentURLs[index]

		req := SegmentRequest{
			ID:                 ulid.Make().String(),
			AdaptationSetID:    set.ID,
			RepresentationID:   rep.ID,
			SegmentIndex:       index,
			URL:                url,
			NominalDuration:    s.manifest.SegmentDuration,
			IssuedAt:           time.Now(),
			ReferenceBandwidth: rep.Bandwidth,
		}
		s.publish(SegmentStartedEvent{Request: req})

		if err := s.downloader.Download(ctx, url); err != nil {
			return fmt.Errorf("downloading segment %d: %w", index, err)
		}

		data, size, err := s.downloader.WaitComplete(ctx, url)
		if err != nil {
			s.publish(SegmentCancelledEvent{Request: req, Reason: err, BytesReceived: int64(len(data))})
			if index == 0 {
				return fmt.Errorf("fetching first segment: %w", err)
			}
			continue
		}

		req.BytesReceived = int64(len(data))
		req.BytesExpected = size
		full := req.BytesReceived == size

		if full {
			s.publish(SegmentCompletedEvent{
				Request:  req,
				Sample:   BandwidthSample{Bytes: req.BytesReceived, Duration: time.Since(req.IssuedAt), Timestamp: time.Now()},
				Finished: time.Now(),
			})
		} else {
			s.publish(SegmentCancelledEvent{Request: req, Reason: ErrCancelledByPolicy, BytesReceived: req.BytesReceived})
		}
	}

	s.buffer.Enqueue(index, s.manifest.SegmentDuration)
	s.advance(index)
	return nil
}

func (s *Scheduler) pickRepresentation(set *AdaptationSet, index int, bandwidthBps float64, forced bool) (Representation, error) {
	if forced {
		if len(set.Representations) == 0 {
			return Representation{}, ErrNoRepresentation
		}
		return lowest(set.Representations), nil
	}
	return s.abr.Select(set, index, bandwidthBps, int64(s.buffer.Level()))
}

func (s *Scheduler) advance(completedIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if completedIndex >= s.manifest.SegmentCount-1 {
		s.done = true
		return
	}
	s.nextIndex = completedIndex + 1
}

// Replace re-enters the given index on the next Step call, forced to the
// lowest bitrate — the scheduler's half of BETA's drop-and-replace path.
// Replacing the same index a second time is a no-op (idempotent).
func (s *Scheduler) Replace(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replacedIndices[index] {
		return
	}
	s.replacedIndices[index] = true
	s.nextIndex = index
	s.done = false
}

func (s *Scheduler) publish(ev Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ev)
}
