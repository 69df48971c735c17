package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ManifestFetcher is the subset of the download manager a ManifestProvider
// needs to retrieve the manifest document itself: issue a GET and wait for
// the body, the same way a segment is fetched. Declared with only
// primitive-typed parameters so *download.Manager satisfies it structurally
// with no adapter required.
type ManifestFetcher interface {
	Download(ctx context.Context, url string) error
	WaitComplete(ctx context.Context, url string) ([]byte, int64, error)
}

// ManifestProviderConfig configures a ManifestProvider.
type ManifestProviderConfig struct {
	Fetcher ManifestFetcher
	Decoder ManifestDecoder
	URL     string
	// MaxSize rejects a fetched manifest body larger than this many bytes.
	// Zero disables the check.
	MaxSize int64
	Logger  *slog.Logger
}

// ManifestProvider fetches and periodically refreshes a manifest document
// over the download manager, the same transport segments use. It never
// reaches into a running Scheduler itself: Run's onUpdate callback is the
// caller's hook for deciding what, if anything, to do with a freshly
// decoded manifest, since this CORE's Scheduler is built once against a
// fixed SegmentCount and has no notion of a live edge to extend.
type ManifestProvider struct {
	fetcher ManifestFetcher
	decoder ManifestDecoder
	url     string
	maxSize int64
	logger  *slog.Logger
}

// NewManifestProvider creates a ManifestProvider.
func NewManifestProvider(cfg ManifestProviderConfig) *ManifestProvider {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ManifestProvider{
		fetcher: cfg.Fetcher,
		decoder: cfg.Decoder,
		url:     cfg.URL,
		maxSize: cfg.MaxSize,
		logger:  logger,
	}
}

// Fetch performs one blocking fetch-and-decode of the manifest.
func (p *ManifestProvider) Fetch(ctx context.Context) (*Manifest, error) {
	if err := p.fetcher.Download(ctx, p.url); err != nil {
		return nil, fmt.Errorf("downloading manifest %s: %w", p.url, err)
	}
	data, _, err := p.fetcher.WaitComplete(ctx, p.url)
	if err != nil {
		return nil, fmt.Errorf("waiting for manifest %s: %w", p.url, err)
	}
	if p.maxSize > 0 && int64(len(data)) > p.maxSize {
		return nil, fmt.Errorf("%w: manifest %s is %d bytes, exceeds %d byte limit", ErrManifest, p.url, len(data), p.maxSize)
	}
	manifest, err := p.decoder.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding manifest %s: %w", p.url, err)
	}
	return manifest, nil
}

// Run refetches the manifest every interval until ctx is cancelled,
// invoking onUpdate with each successfully decoded manifest. A failed
// refresh is logged and skipped rather than treated as fatal: the
// in-flight playback session keeps running against the manifest it
// already has.
func (p *ManifestProvider) Run(ctx context.Context, interval time.Duration, onUpdate func(*Manifest)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			manifest, err := p.Fetch(ctx)
			if err != nil {
				p.logger.Warn("refreshing manifest", "url", p.url, "error", err)
				continue
			}
			onUpdate(manifest)
		}
	}
}
