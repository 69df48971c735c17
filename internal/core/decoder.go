package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// ManifestDecoder turns a manifest document's raw bytes into a Manifest.
// Real MPD XML parsing is intentionally left to an injected implementation
// outside this package; the CORE only depends on this interface.
type ManifestDecoder interface {
	Decode(data []byte) (*Manifest, error)
}

// jsonRepresentation mirrors Representation with JSON tags, kept separate
// so the wire format can evolve independently of the in-memory type.
type jsonRepresentation struct {
	ID          string   `json:"id"`
	Bandwidth   int64    `json:"bandwidth"`
	Width       int      `json:"width,omitempty"`
	Height      int      `json:"height,omitempty"`
	Codecs      string   `json:"codecs,omitempty"`
	SegmentURLs []string `json:"segment_urls"`
}

type jsonAdaptationSet struct {
	ID              string               `json:"id"`
	ContentType     string               `json:"content_type"`
	Representations []jsonRepresentation `json:"representations"`
}

type jsonManifest struct {
	SegmentDurationMs int64               `json:"segment_duration_ms"`
	SegmentCount      int                 `json:"segment_count"`
	AdaptationSets    []jsonAdaptationSet `json:"adaptation_sets"`
}

// JSONDecoder decodes the fixture manifest format used by tests and the
// CLI's --manifest-json flag: a flat JSON document naming adaptation sets,
// representations, and their per-segment URLs directly, with no template
// expansion. It exists because real MPD XML parsing is out of scope for
// this CORE (see ManifestDecoder); this format is just enough to drive the
// scheduler end to end against a static fixture or a test HTTP/3 origin.
type JSONDecoder struct{}

// Decode implements ManifestDecoder.
func (JSONDecoder) Decode(data []byte) (*Manifest, error) {
	var doc jsonManifest
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifest, err)
	}
	if len(doc.AdaptationSets) == 0 {
		return nil, fmt.Errorf("%w: no adaptation sets", ErrManifest)
	}

	m := &Manifest{
		SegmentDuration: time.Duration(doc.SegmentDurationMs) * time.Millisecond,
		SegmentCount:    doc.SegmentCount,
	}
	for _, as := range doc.AdaptationSets {
		if len(as.Representations) == 0 {
			return nil, fmt.Errorf("%w: adaptation set %q has no representations", ErrManifest, as.ID)
		}
		set := AdaptationSet{ID: as.ID, ContentType: as.ContentType}
		for _, r := range as.Representations {
			set.Representations = append(set.Representations, Representation{
				ID:          r.ID,
				Bandwidth:   r.Bandwidth,
				Width:       r.Width,
				Height:      r.Height,
				Codecs:      r.Codecs,
				SegmentURLs: r.SegmentURLs,
			})
		}
		m.AdaptationSets = append(m.AdaptationSets, set)
	}
	return m, nil
}
