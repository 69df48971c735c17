package cmd

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/dashgo/internal/config"
	"github.com/jmylchreest/dashgo/internal/core"
	"github.com/jmylchreest/dashgo/internal/download"
	"github.com/jmylchreest/dashgo/internal/observability"
)

var (
	manifestJSONPath string
	manifestURL      string
	manifestRefresh  time.Duration
	insecureSkip     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a headless DASH playback session against a manifest",
	Long: `Run drives a single playback session to completion: it decodes a
manifest, fetches segments over HTTP/3 following the buffer- and
throughput-aware ABR policy with BETA early termination, and prints a
run summary on exit.

The manifest comes from exactly one of two sources: a local fixture via
--manifest-json, or a live URL fetched (and periodically refreshed) over
the same download manager that fetches segments, via --manifest-url.`,
	RunE: runPlayback,
}

func init() {
	runCmd.Flags().StringVar(&manifestJSONPath, "manifest-json", "", "path to a fixture-format JSON manifest")
	runCmd.Flags().StringVar(&manifestURL, "manifest-url", "", "URL of a manifest document to fetch over HTTP/3")
	runCmd.Flags().DurationVar(&manifestRefresh, "manifest-refresh", 0, "refetch --manifest-url on this interval in the background (0 disables refresh)")
	runCmd.Flags().BoolVar(&insecureSkip, "insecure-skip-verify", false, "skip TLS certificate verification (testing against self-signed origins)")
	runCmd.MarkFlagsOneRequired("manifest-json", "manifest-url")
	runCmd.MarkFlagsMutuallyExclusive("manifest-json", "manifest-url")
	rootCmd.AddCommand(runCmd)
}

func runPlayback(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if insecureSkip {
		cfg.Download.InsecureSkipVerify = true
	}

	logger := observability.WithComponent(slog.Default(), "run")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	sessions := download.NewSessionTicketCache(cfg.Download.SessionTicketCacheSize)
	manager := download.NewManager(download.ManagerConfig{
		TLSConfig: &tls.Config{InsecureSkipVerify: cfg.Download.InsecureSkipVerify}, //nolint:gosec // opt-in via --insecure-skip-verify
		Sessions:  sessions,
		CircuitBreaker: download.CircuitBreakerConfig{
			FailureThreshold: cfg.Download.CircuitBreakerThreshold,
			SuccessThreshold: download.DefaultCircuitBreakerConfig().SuccessThreshold,
			Timeout:          cfg.Download.CircuitBreakerTimeout,
		},
		StreamPool: download.StreamPoolConfig{
			MaxPerOrigin:   cfg.Download.MaxConnsPerOrigin,
			GlobalMax:      download.DefaultStreamPoolConfig().GlobalMax,
			AcquireTimeout: cfg.Download.AcquireTimeout,
		},
		Logger: logger,
	})
	defer func() {
		if err := manager.Close(); err != nil {
			logger.Warn("closing download manager", "error", err)
		}
	}()

	manifest, manifestProvider, err := loadManifest(ctx, manager, cfg, logger)
	if err != nil {
		return err
	}
	if manifestProvider != nil && manifestRefresh > 0 {
		go func() {
			err := manifestProvider.Run(ctx, manifestRefresh, func(m *core.Manifest) {
				logger.Info("manifest refreshed", "segment_count", m.SegmentCount)
			})
			if err != nil && err != context.Canceled {
				logger.Warn("manifest refresh loop stopped", "error", err)
			}
		}()
	}

	// analyzerOut stays a nil io.Writer (not a nil *os.File wrapped in a
	// non-nil interface) when tracing is disabled, so NewAnalyzer's nil
	// check falls through to io.Discard as intended.
	var analyzerOut io.Writer
	if cfg.Analyzer.OutputPath != "" {
		f, err := os.Create(cfg.Analyzer.OutputPath)
		if err != nil {
			return fmt.Errorf("creating analyzer output: %w", err)
		}
		defer f.Close()
		analyzerOut = f
	}

	rt := core.NewRuntime(core.RuntimeConfig{
		Manifest:             manifest,
		Downloader:           manager,
		PanicBuffer:          cfg.Playback.PanicBufferLevel,
		SafeBuffer:           cfg.Playback.SafeBufferLevel,
		MaxBufferDuration:    cfg.Playback.BufferDuration,
		MinStartBuffer:       cfg.Playback.MinStartDuration,
		MinRebufferBuffer:    cfg.Playback.MinRebufferDuration,
		UpdateInterval:       cfg.Playback.UpdateInterval,
		InitBandwidthBps:     cfg.Playback.InitBandwidth,
		SmoothingFactor:      cfg.Playback.SmoothingFactor,
		ContinuousWindow:     cfg.Playback.ContBWWindow,
		MaxPacketDelay:       cfg.Playback.MaxPacketDelay,
		FilterByDelay:        cfg.Playback.EnableMaxPacketDelayFilter,
		EnableDropAndReplace: cfg.Playback.EnableDropAndReplace,
		VQThreshold:          core.DefaultVQThreshold,
		AnalyzerOutput:       analyzerOut,
		Logger:               logger,
	})
	defer rt.Close()

	runErr := rt.Run(ctx)

	if cfg.Analyzer.SummaryOnExit {
		summary := rt.Summary()
		out, err := yaml.Marshal(summary)
		if err != nil {
			return fmt.Errorf("marshaling run summary: %w", err)
		}
		fmt.Fprintln(os.Stderr, "--- run summary ---")
		fmt.Fprint(os.Stderr, string(out))
	}

	if runErr != nil && runErr != context.Canceled {
		return fmt.Errorf("running playback: %w", runErr)
	}
	return nil
}

// loadManifest resolves the manifest from whichever of --manifest-json or
// --manifest-url was given, flag parsing having already enforced exactly
// one. The returned *core.ManifestProvider is non-nil only for the
// --manifest-url path, for the caller to optionally start a background
// refresh loop against.
func loadManifest(ctx context.Context, manager *download.Manager, cfg *config.Config, logger *slog.Logger) (*core.Manifest, *core.ManifestProvider, error) {
	if manifestJSONPath != "" {
		raw, err := os.ReadFile(manifestJSONPath)
		if err != nil {
			return nil, nil, fmt.Errorf("reading manifest: %w", err)
		}
		manifest, err := (core.JSONDecoder{}).Decode(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("decoding manifest: %w", err)
		}
		return manifest, nil, nil
	}

	provider := core.NewManifestProvider(core.ManifestProviderConfig{
		Fetcher: manager,
		Decoder: core.JSONDecoder{},
		URL:     manifestURL,
		MaxSize: int64(cfg.Download.MaxManifestSize),
		Logger:  logger,
	})
	manifest, err := provider.Fetch(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching manifest: %w", err)
	}
	return manifest, provider, nil
}
