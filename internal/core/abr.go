package core

import "sync"

// ABRSelector picks a representation for the next segment from the current
// bandwidth estimate and buffer occupancy, using the classic hybrid
// buffer-based/throughput-based rule: panic-low buffer forces the lowest
// representation, safe-high buffer allows the full throughput-based choice,
// and the region between interpolates linearly so the selector doesn't
// snap abruptly at either threshold.
//
// Safe for concurrent use: Select runs on the scheduler's goroutine while
// SuppressUpshiftAfter is called from BETA's evaluation on the bus driver
// goroutine.
type ABRSelector struct {
	mu sync.Mutex

	safeBuffer  int64
	panicBuffer int64

	// suppressUpshiftUntil holds the segment index through which upshifts
	// are forbidden after a BETA early termination. A selection for an
	// index <= this value may only stay level or step down.
	suppressUpshiftUntil int
	lastRepresentation   string
}

// NewABRSelector creates a selector with the given panic/safe buffer
// thresholds expressed in nanoseconds (time.Duration).
func NewABRSelector(panicBuffer, safeBuffer int64) *ABRSelector {
	return &ABRSelector{
		panicBuffer:          panicBuffer,
		safeBuffer:           safeBuffer,
		suppressUpshiftUntil: -1,
	}
}

// SuppressUpshiftAfter records that the segment at index was cut short by
// BETA: the selector will refuse to pick a higher representation than the
// one currently playing for the very next segment.
func (a *ABRSelector) SuppressUpshiftAfter(index int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.suppressUpshiftUntil = index + 1
}

// Select picks a representation from set for segmentIndex given the
// current bandwidth estimate (bits per second) and buffer level
// (nanoseconds, i.e. a time.Duration value). Non-video sets always receive
// the lowest bitrate, matching the spec's treatment of audio/subtitle
// tracks as bandwidth-insensitive.
func (a *ABRSelector) Select(set *AdaptationSet, segmentIndex int, bandwidthBps float64, bufferLevel int64) (Representation, error) {
	if len(set.Representations) == 0 {
		return Representation{}, ErrNoRepresentation
	}

	if set.ContentType != "video" {
		return lowest(set.Representations), nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var chosen Representation
	switch {
	case bufferLevel < a.panicBuffer:
		chosen = lowest(set.Representations)
	case bufferLevel > a.safeBuffer:
		chosen = highestBelow(set.Representations, bandwidthBps)
	default:
		span := a.safeBuffer - a.panicBuffer
		ratio := float64(bufferLevel-a.panicBuffer) / float64(span)
		chosen = highestBelow(set.Representations, bandwidthBps*ratio)
	}

	if segmentIndex <= a.suppressUpshiftUntil && a.lastRepresentation != "" {
		if rankOf(set.Representations, chosen.ID) > rankOf(set.Representations, a.lastRepresentation) {
			chosen = findByID(set.Representations, a.lastRepresentation)
		}
	}

	a.lastRepresentation = chosen.ID
	return chosen, nil
}

func lowest(reps []Representation) Representation {
	best := reps[0]
	for _, r := range reps[1:] {
		if r.Bandwidth < best.Bandwidth {
			best = r
		}
	}
	return best
}

// highestBelow returns the highest-bitrate representation whose Bandwidth
// does not exceed cap, falling back to the lowest representation if even
// that one exceeds cap.
func highestBelow(reps []Representation, cap float64) Representation {
	best := lowest(reps)
	for _, r := range reps {
		if float64(r.Bandwidth) <= cap && r.Bandwidth > best.Bandwidth {
			best = r
		}
	}
	return best
}

func rankOf(reps []Representation, id string) int {
	// Representations are ordered ascending by Bandwidth per the manifest
	// contract; rank is simply the sorted position.
	target := findByID(reps, id)
	rank := 0
	for _, r := range reps {
		if r.Bandwidth < target.Bandwidth {
			rank++
		}
	}
	return rank
}

func findByID(reps []Representation, id string) Representation {
	for _, r := range reps {
		if r.ID == id {
			return r
		}
	}
	return reps[0]
}
