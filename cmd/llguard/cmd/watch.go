package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/llguard/llguard/internal/bus"
	"github.com/llguard/llguard/internal/config"
	"github.com/llguard/llguard/internal/diag"
	"github.com/llguard/llguard/internal/events"
	"github.com/llguard/llguard/internal/failover"
	"github.com/llguard/llguard/internal/playlist"
	"github.com/llguard/llguard/internal/transport"
	"github.com/llguard/llguard/internal/version"
)

var watchLowLatency bool

var watchCmd = &cobra.Command{
	Use:   "watch [url]",
	Short: "Watch a low-latency HLS stream",
	Long: `Watch an HLS stream and monitor its low-latency health.

The playlist is polled through the resilient loader. Every load and
every failure is published on the session bus, where the failover
controller keeps its stall ledger and decides whether low-latency
delivery should be abandoned.

The URL may point at a multivariant playlist, in which case the median
variant is followed, or directly at a media playlist.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().Duration("poll-interval", 2*time.Second, "media playlist refresh interval")
	watchCmd.Flags().String("diag-listen", "127.0.0.1:9410", "diagnostics server listen address")
	watchCmd.Flags().Bool("diag", true, "enable the diagnostics server")
	watchCmd.Flags().BoolVar(&watchLowLatency, "low-latency", true, "request low-latency delivery")

	mustBindPFlag("watch.poll_interval", watchCmd.Flags().Lookup("poll-interval"))
	mustBindPFlag("diag.listen", watchCmd.Flags().Lookup("diag-listen"))
	mustBindPFlag("diag.enabled", watchCmd.Flags().Lookup("diag"))
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if len(args) > 0 {
		cfg.Watch.URL = args[0]
	}
	if cfg.Watch.URL == "" {
		return errors.New("no playlist URL: pass one as an argument or set watch.url")
	}

	logger := slog.Default()

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	b := bus.New()
	defer b.Close()

	sess := newSession(cfg, b, logger)

	ctrl := failover.New(sess, b, failover.Config{
		Enabled:             cfg.Failover.Enabled,
		TimeWindow:          cfg.Failover.TimeWindow,
		StallCountThreshold: cfg.Failover.StallCountThreshold,
		StallRatioThreshold: cfg.Failover.StallRatioThreshold,
		Logger:              logger,
	})
	defer ctrl.Close()

	if cfg.Diag.Enabled {
		diagSrv := diag.NewServer(diag.ServerConfig{Listen: cfg.Diag.Listen}, logger, ctrl)
		go func() {
			if err := diagSrv.Start(); err != nil {
				logger.Error("diagnostics server failed", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			_ = diagSrv.Stop(context.Background())
		}()
	}

	logger.Info("watching stream",
		slog.String("url", cfg.Watch.URL),
		slog.String("version", version.Version),
		slog.Bool("low_latency", watchLowLatency),
	)

	return sess.run(ctx)
}

// session is the playback-session stand-in the watch command drives. It
// owns the continuation store and the level table and implements the
// failover host surface.
type session struct {
	cfg           *config.Config
	bus           *bus.Bus
	log           *slog.Logger
	consumerID    string
	continuations *transport.ContinuationStore
	llConfigured  bool

	mu         sync.Mutex
	levels     []failover.Level
	autoLevel  int
	lowLatency bool
}

func newSession(cfg *config.Config, b *bus.Bus, logger *slog.Logger) *session {
	return &session{
		cfg:           cfg,
		bus:           b,
		log:           logger.With(slog.String("component", "session")),
		consumerID:    uuid.NewString(),
		continuations: transport.NewContinuationStore(transport.DefaultContinuationCapacity),
		llConfigured:  watchLowLatency,
		lowLatency:    watchLowLatency,
	}
}

// Levels returns the known quality levels in declaration order.
func (s *session) Levels() []failover.Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.levels
}

// AutoLevel returns the currently followed level index.
func (s *session) AutoLevel() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoLevel
}

// LowLatencyConfigured reports whether low-latency delivery was requested.
func (s *session) LowLatencyConfigured() bool {
	return s.llConfigured
}

// SetLowLatencyMode flips the mutable low-latency delivery flag.
func (s *session) SetLowLatencyMode(enabled bool) {
	s.mu.Lock()
	changed := s.lowLatency != enabled
	s.lowLatency = enabled
	s.mu.Unlock()

	if changed {
		s.log.Info("low-latency mode changed", slog.Bool("enabled", enabled))
	}
}

// run resolves the watch target down to a media playlist and polls it until
// the context is cancelled.
func (s *session) run(ctx context.Context) error {
	target := s.cfg.Watch.URL

	body, err := s.fetch(ctx, target, false)
	if err != nil {
		return err
	}

	mediaURL := target
	if playlist.IsMultivariant([]byte(body)) {
		variants, err := playlist.Variants([]byte(body))
		if err != nil {
			return fmt.Errorf("parsing multivariant playlist: %w", err)
		}
		if len(variants) == 0 {
			return errors.New("multivariant playlist has no variants")
		}

		levels := make([]failover.Level, len(variants))
		for i, v := range variants {
			levels[i] = failover.Level{Bandwidth: v.Bandwidth, URI: v.URI}
		}

		s.mu.Lock()
		s.levels = levels
		s.autoLevel = failover.MedianLevel(levels)
		idx := s.autoLevel
		s.mu.Unlock()

		s.bus.Publish(events.PlaylistLoadedEvent, events.PlaylistLoaded{URL: target, Level: -1})

		mediaURL, err = resolveURL(target, levels[idx].URI)
		if err != nil {
			return fmt.Errorf("resolving variant URI: %w", err)
		}
		s.log.Info("following variant",
			slog.Int("level", idx),
			slog.Int("bandwidth", levels[idx].Bandwidth),
			slog.String("url", mediaURL),
		)

		body, err = s.fetch(ctx, mediaURL, true)
		if err != nil {
			return err
		}
	} else {
		s.mu.Lock()
		s.levels = []failover.Level{{URI: target}}
		s.autoLevel = 0
		s.mu.Unlock()
	}

	s.publishMedia(mediaURL, body)

	ticker := time.NewTicker(s.cfg.Watch.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			body, err := s.fetch(ctx, mediaURL, true)
			if err != nil {
				// The failure was already published on the bus;
				// keep polling until the context ends.
				continue
			}
			s.publishMedia(mediaURL, body)
		}
	}
}

// publishMedia classifies a media playlist body and announces the load.
func (s *session) publishMedia(target, body string) {
	traits, err := playlist.ClassifyMedia([]byte(body))
	if err != nil {
		s.log.Warn("unparseable media playlist",
			slog.String("url", target),
			slog.String("error", err.Error()),
		)
		return
	}

	s.bus.Publish(events.PlaylistLoadedEvent, events.PlaylistLoaded{
		URL:      target,
		Live:     traits.Live,
		HasParts: traits.LowLatency,
		Level:    s.AutoLevel(),
	})
}

// fetch loads one playlist through a fresh single-use loader and blocks
// until the terminal callback. Failures are published as transport errors
// before being returned.
func (s *session) fetch(ctx context.Context, target string, renewable bool) (string, error) {
	loader := transport.NewLoader(transport.Config{
		Timeout:       s.cfg.Transport.Timeout,
		RetryDelay:    s.cfg.Transport.RetryDelay,
		MaxRetryDelay: s.cfg.Transport.MaxRetryDelay,
		MaxRetries:    s.cfg.Transport.MaxRetries,
		UserAgent:     s.cfg.Transport.UserAgent,
		Logger:        s.log,
		Continuations: s.continuations,
	})
	defer loader.Destroy()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)

	req := transport.Request{
		URL:          target,
		ResponseType: transport.ResponseText,
		Renewable:    renewable,
		ConsumerID:   s.consumerID,
		Level:        s.AutoLevel(),
	}

	err := loader.Load(ctx, req, transport.Callbacks{
		OnSuccess: func(resp transport.Response) {
			done <- result{text: resp.Text}
		},
		OnError: func(resp transport.Response) {
			s.bus.Publish(events.TransportErrorEvent, events.TransportError{
				Class: events.ClassNetwork,
				Code:  resp.Code,
				URL:   target,
			})
			done <- result{err: fmt.Errorf("loading %s: status %d", target, resp.Code)}
		},
		OnTimeout: func(transport.Stats) {
			s.bus.Publish(events.TransportErrorEvent, events.TransportError{
				Class:  events.ClassNetwork,
				Detail: events.DetailPlaylistTimeout,
				URL:    target,
			})
			done <- result{err: fmt.Errorf("loading %s: timed out", target)}
		},
		OnAbort: func(transport.Stats) {
			done <- result{err: ctx.Err()}
		},
	})
	if err != nil {
		return "", err
	}

	r := <-done
	return r.text, r.err
}

// resolveURL resolves a possibly relative playlist URI against its base.
func resolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}
