package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeManifestFetcher struct {
	mu      sync.Mutex
	bodies  map[string][]byte
	fetches int
	failNext error
}

func (f *fakeManifestFetcher) Download(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	return nil
}

func (f *fakeManifestFetcher) WaitComplete(ctx context.Context, url string) ([]byte, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body := f.bodies[url]
	return body, int64(len(body)), nil
}

const testManifestJSON = `{"segment_duration_ms":1000,"segment_count":2,"adaptation_sets":[
	{"id":"v0","content_type":"video","representations":[
		{"id":"lo","bandwidth":500000,"segment_urls":["/v/0","/v/1"]}
	]}
]}`

func TestManifestProvider_FetchDecodesManifest(t *testing.T) {
	fetcher := &fakeManifestFetcher{bodies: map[string][]byte{"/mpd": []byte(testManifestJSON)}}
	p := NewManifestProvider(ManifestProviderConfig{
		Fetcher: fetcher,
		Decoder: JSONDecoder{},
		URL:     "/mpd",
	})

	manifest, err := p.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, manifest.SegmentCount)
	assert.Equal(t, 1, fetcher.fetches)
}

func TestManifestProvider_FetchRejectsOversizeManifest(t *testing.T) {
	fetcher := &fakeManifestFetcher{bodies: map[string][]byte{"/mpd": []byte(testManifestJSON)}}
	p := NewManifestProvider(ManifestProviderConfig{
		Fetcher: fetcher,
		Decoder: JSONDecoder{},
		URL:     "/mpd",
		MaxSize: 8,
	})

	_, err := p.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrManifest)
}

func TestManifestProvider_FetchPropagatesDownloadError(t *testing.T) {
	boom := errors.New("origin unreachable")
	fetcher := &fakeManifestFetcher{bodies: map[string][]byte{}, failNext: boom}
	p := NewManifestProvider(ManifestProviderConfig{
		Fetcher: fetcher,
		Decoder: JSONDecoder{},
		URL:     "/mpd",
	})

	_, err := p.Fetch(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestManifestProvider_RunRefreshesOnInterval(t *testing.T) {
	fetcher := &fakeManifestFetcher{bodies: map[string][]byte{"/mpd": []byte(testManifestJSON)}}
	p := NewManifestProvider(ManifestProviderConfig{
		Fetcher: fetcher,
		Decoder: JSONDecoder{},
		URL:     "/mpd",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Millisecond)
	defer cancel()

	var mu sync.Mutex
	updates := 0
	err := p.Run(ctx, 10*time.Millisecond, func(m *Manifest) {
		mu.Lock()
		updates++
		mu.Unlock()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, updates, 2)
}

func TestManifestProvider_RunSkipsFailedRefreshWithoutStopping(t *testing.T) {
	boom := errors.New("origin unreachable")
	fetcher := &fakeManifestFetcher{bodies: map[string][]byte{"/mpd": []byte(testManifestJSON)}, failNext: boom}
	p := NewManifestProvider(ManifestProviderConfig{
		Fetcher: fetcher,
		Decoder: JSONDecoder{},
		URL:     "/mpd",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()

	var mu sync.Mutex
	updates := 0
	err := p.Run(ctx, 10*time.Millisecond, func(m *Manifest) {
		mu.Lock()
		updates++
		mu.Unlock()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// First tick's Download failed and was skipped; later ticks succeed.
	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, updates, 1)
}
