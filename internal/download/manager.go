package download

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/jmylchreest/dashgo/internal/urlutil"
)

// readChunkSize bounds how much of a segment body is copied into the H3
// event parser per Read call.
const readChunkSize = 32 * 1024

// Manager is the HTTP/3 segment download manager: one QUIC connection per
// origin (cached in an `http3.RoundTripper`, keyed by `urlutil.Origin`),
// concurrent streams bounded by a StreamPool, connection establishment
// guarded by a per-origin CircuitBreaker, and transfer progress/completion
// surfaced through an H3EventParser. Satisfies both
// `core.SegmentDownloader` and `core.StopDownloader`.
type Manager struct {
	tlsConfig  *tls.Config
	quicConfig *quic.Config
	sessions   *SessionTicketCache
	logger     *slog.Logger

	breakers *CircuitBreakerRegistry
	streams  *StreamPool
	parser   *H3EventParser

	mu         sync.Mutex
	transports map[string]*http3.RoundTripper

	inflightMu sync.Mutex
	inflight   map[string]inflightEntry
}

type inflightEntry struct {
	cancel  context.CancelFunc
	release func()
}

// ManagerConfig configures a new Manager.
type ManagerConfig struct {
	TLSConfig          *tls.Config
	QUICConfig         *quic.Config
	Sessions           *SessionTicketCache
	CircuitBreaker     CircuitBreakerConfig
	StreamPool         StreamPoolConfig
	Logger             *slog.Logger
}

// NewManager creates a download manager. A nil TLSConfig gets a default
// with ALPN set to "h3", matching the experimental-mode connection setup
// (no certificate verification is forced here; callers enable
// InsecureSkipVerify explicitly via TLSConfig when needed).
func NewManager(cfg ManagerConfig) *Manager {
	tlsConf := cfg.TLSConfig
	if tlsConf == nil {
		tlsConf = &tls.Config{}
	}
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{http3.NextProtoH3}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	breakers := NewCircuitBreakerRegistry(cfg.CircuitBreaker)
	streamPoolCfg := cfg.StreamPool
	if streamPoolCfg.Breakers == nil {
		streamPoolCfg.Breakers = breakers
	}
	return &Manager{
		tlsConfig:  tlsConf,
		quicConfig: cfg.QUICConfig,
		sessions:   cfg.Sessions,
		logger:     logger,
		breakers:   breakers,
		streams:    NewStreamPool(streamPoolCfg),
		parser:     NewH3EventParser(),
		transports: make(map[string]*http3.RoundTripper),
		inflight:   make(map[string]inflightEntry),
	}
}

// AddListener registers a listener for per-chunk transfer progress and
// completion, e.g. the core runtime, which republishes them on its event bus.
func (m *Manager) AddListener(l TransferListener) {
	m.parser.AddListener(l)
}

// transportFor returns the cached HTTP/3 round tripper for origin,
// creating one (and its TLS session cache entry) on first use. One
// RoundTripper maps to one QUIC connection per origin, multiplexing every
// stream issued against it.
func (m *Manager) transportFor(origin string) *http3.RoundTripper {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rt, ok := m.transports[origin]; ok {
		return rt
	}

	tlsConf := m.tlsConfig.Clone()
	if m.sessions != nil {
		tlsConf.ClientSessionCache = m.sessions
	}
	rt := &http3.RoundTripper{
		TLSClientConfig: tlsConf,
		QUICConfig:      m.quicConfig,
	}
	m.transports[origin] = rt
	return rt
}

// Download issues a GET for url on its origin's shared QUIC connection and
// returns once the request is in flight; the caller observes completion
// via WaitComplete or a registered TransferListener. Connection
// establishment is guarded by the origin's circuit breaker; once a
// response's headers are received, the body is streamed in a background
// goroutine and is not itself subject to the breaker.
func (m *Manager) Download(ctx context.Context, url string) error {
	origin, err := urlutil.Origin(url)
	if err != nil {
		return fmt.Errorf("resolving origin: %w", err)
	}

	release, err := m.streams.Acquire(ctx, origin)
	if err != nil {
		return fmt.Errorf("acquiring stream slot for %s: %w", origin, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	m.inflightMu.Lock()
	m.inflight[url] = inflightEntry{cancel: cancel, release: release}
	m.inflightMu.Unlock()

	rt := m.transportFor(origin)
	breaker := m.breakers.Get(origin)

	go m.fetch(readCtx, breaker, rt, url)
	return nil
}

func (m *Manager) fetch(ctx context.Context, breaker *CircuitBreaker, rt *http3.RoundTripper, url string) {
	defer m.finish(url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		m.logger.Error("building segment request", "url", url, "error", err)
		return
	}

	var resp *http.Response
	err = breaker.Execute(ctx, func(ctx context.Context) error {
		var doErr error
		resp, doErr = rt.RoundTrip(req)
		return doErr
	})
	if err != nil {
		m.logger.Warn("segment request failed", "url", url, "error", err)
		return
	}
	defer resp.Body.Close()

	m.parser.OnHeaders(url, resp.ContentLength)

	buf := make([]byte, readChunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			m.parser.OnData(url, chunk)
		}
		if readErr != nil {
			if readErr != io.EOF && ctx.Err() == nil {
				m.logger.Debug("segment stream ended with error", "url", url, "error", readErr)
			}
			m.parser.OnStreamEnd(url)
			return
		}
	}
}

func (m *Manager) finish(url string) {
	m.inflightMu.Lock()
	entry, ok := m.inflight[url]
	delete(m.inflight, url)
	m.inflightMu.Unlock()
	if ok && entry.release != nil {
		entry.release()
	}
}

// WaitComplete blocks, bounded by ctx, until url's transfer completes, is
// stopped, or is dropped.
func (m *Manager) WaitComplete(ctx context.Context, url string) ([]byte, int64, error) {
	type result struct {
		data []byte
		size int64
	}
	done := make(chan result, 1)
	go func() {
		data, size := m.parser.WaitComplete(url)
		done <- result{data, size}
	}()

	select {
	case r := <-done:
		return r.data, r.size, nil
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

// Stop partial-accepts url's in-flight transfer: bytes already buffered
// are kept and handed to WaitComplete, and the background read is
// cancelled so no further bytes are pulled. Idempotent; a no-op for an
// unknown URL.
func (m *Manager) Stop(url string) {
	m.parser.CloseStream(url)
	m.cancelRead(url)
}

// CancelReadURL aborts url's in-flight read without propagating
// acceptance, discarding any buffered bytes. Used when a later request
// has already superseded a pending stop. Idempotent.
func (m *Manager) CancelReadURL(url string) {
	m.parser.DropStream(url)
	m.cancelRead(url)
}

// DropURL aborts url's in-flight read and discards its buffered bytes;
// the scheduler's half of BETA's drop-and-replace path. Idempotent.
func (m *Manager) DropURL(url string) {
	m.parser.DropStream(url)
	m.cancelRead(url)
}

func (m *Manager) cancelRead(url string) {
	m.inflightMu.Lock()
	entry, ok := m.inflight[url]
	m.inflightMu.Unlock()
	if ok && entry.cancel != nil {
		entry.cancel()
	}
}

// Close tears down every cached transport's underlying QUIC connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for origin, rt := range m.transports {
		if err := rt.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing transport for %s: %w", origin, err)
		}
	}
	m.streams.Close()
	return firstErr
}
