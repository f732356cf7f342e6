// Package failover implements the low-latency failover controller: it
// watches a low-latency HLS session for buffering stalls and playlist-load
// timeouts and irreversibly drops the session back to standard-latency
// delivery when low-latency delivery is failing to keep up.
//
// Detection is hybrid: each stall kind gets a recovery subscription on the
// session bus plus a recurring poll timer, so a stall that never produces a
// recovery event is still caught by the polling path.
package failover

import (
	"log/slog"
	"sync"
	"time"

	"github.com/llguard/llguard/internal/bus"
	"github.com/llguard/llguard/internal/events"
)

// State is the controller lifecycle phase.
type State int

const (
	// Disabled means failover is off or the stream is not configured for
	// low-latency delivery. Permanent.
	Disabled State = iota
	// Armed means the controller is waiting for the first playlist to
	// classify the stream.
	Armed
	// Monitoring means the stream classified as low-latency and errors
	// are being watched.
	Monitoring
	// Abandoned means low-latency delivery has been given up for the
	// session. Terminal.
	Abandoned
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Armed:
		return "armed"
	case Monitoring:
		return "monitoring"
	case Abandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Level describes one quality level of the stream.
type Level struct {
	// Bandwidth is the advertised peak bitrate in bits per second.
	Bandwidth int
	// URI is the media playlist location.
	URI string
}

// LevelSelector picks the target level index from the known levels. Stalls
// at levels above the target are left to bitrate adaptation and do not count
// toward failover.
type LevelSelector func(levels []Level) int

// MedianLevel is the default selector: the median index, ties rounding down.
func MedianLevel(levels []Level) int {
	return len(levels) / 2
}

// Host is the playback session state the controller reads and flips.
type Host interface {
	// Levels returns the known quality levels in declaration order.
	Levels() []Level
	// AutoLevel returns the currently auto-selected level index.
	AutoLevel() int
	// LowLatencyConfigured reports whether the session was set up for
	// low-latency delivery at all.
	LowLatencyConfigured() bool
	// SetLowLatencyMode flips the mutable low-latency delivery flag.
	SetLowLatencyMode(enabled bool)
}

// Default configuration values.
const (
	DefaultTimeWindow          = 60 * time.Second
	DefaultStallCountThreshold = 5
	DefaultStallRatioThreshold = 0.1
	DefaultPollInterval        = time.Second
)

// Config holds the controller thresholds. The zero value is not usable;
// start from DefaultConfig.
type Config struct {
	// Enabled turns the controller on. When false the controller stays
	// Disabled forever.
	Enabled bool

	// TimeWindow bounds stall statistics to recent history.
	TimeWindow time.Duration

	// StallCountThreshold is the stall count inside the window that
	// triggers immediate abandonment.
	StallCountThreshold int

	// StallRatioThreshold is the stalled fraction of the window that
	// triggers abandonment, in (0, 1].
	StallRatioThreshold float64

	// LevelSelector picks the target level. Nil means MedianLevel.
	LevelSelector LevelSelector

	// PollInterval is the per-kind poll timer period.
	PollInterval time.Duration

	// Logger receives controller decisions. Nil means slog.Default.
	Logger *slog.Logger
}

// DefaultConfig returns the default thresholds: 60s window, 5 stalls,
// 0.1 ratio.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		TimeWindow:          DefaultTimeWindow,
		StallCountThreshold: DefaultStallCountThreshold,
		StallRatioThreshold: DefaultStallRatioThreshold,
		LevelSelector:       MedianLevel,
		PollInterval:        DefaultPollInterval,
	}
}

// watch bundles the two detection resources a stall kind owns while a stall
// is open: the recovery subscription and the poll timer. They are always
// created and torn down together.
type watch struct {
	sub    bus.Handle
	ticker *time.Ticker
	stop   chan struct{}
}

// Controller is the failover state machine. It arms on construction,
// classifies the stream on the first playlist load, and decides when to
// abandon low-latency mode. All methods are safe for concurrent use.
type Controller struct {
	cfg  Config
	host Host
	bus  *bus.Bus
	log  *slog.Logger

	mu          sync.Mutex
	state       State
	targetLevel int
	ledger      *ledger
	armedSub    bus.Handle
	errorSub    bus.Handle
	watches     map[Kind]*watch

	now func() time.Time
}

// New creates a controller and arms it immediately when the host is
// configured for low-latency delivery and failover is enabled; otherwise the
// controller stays Disabled forever.
func New(host Host, b *bus.Bus, cfg Config) *Controller {
	if cfg.LevelSelector == nil {
		cfg.LevelSelector = MedianLevel
	}
	if cfg.TimeWindow <= 0 {
		cfg.TimeWindow = DefaultTimeWindow
	}
	if cfg.StallCountThreshold <= 0 {
		cfg.StallCountThreshold = DefaultStallCountThreshold
	}
	if cfg.StallRatioThreshold <= 0 || cfg.StallRatioThreshold > 1 {
		cfg.StallRatioThreshold = DefaultStallRatioThreshold
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Controller{
		cfg:     cfg,
		host:    host,
		bus:     b,
		log:     cfg.Logger.With("component", "failover"),
		state:   Disabled,
		ledger:  newLedger(cfg.TimeWindow),
		watches: make(map[Kind]*watch),
		now:     time.Now,
	}

	if !cfg.Enabled || !host.LowLatencyConfigured() {
		return c
	}

	c.state = Armed
	c.armedSub = b.Subscribe(events.PlaylistLoadedEvent, c.onFirstPlaylist)
	c.log.Debug("armed, waiting for first playlist")
	return c
}

// onFirstPlaylist classifies the stream from the first media playlist load.
// Multivariant loads carry no timing information and are skipped without
// consuming the classification. A stream whose first media playlist does not
// classify as live low-latency leaves the controller Armed permanently.
func (c *Controller) onFirstPlaylist(_ string, data any) {
	pl, ok := data.(events.PlaylistLoaded)
	if !ok || pl.Level < 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Armed {
		return
	}
	c.bus.Unsubscribe(c.armedSub)
	c.armedSub = ""

	if !pl.Live || !pl.HasParts {
		c.log.Debug("stream not low-latency, staying armed",
			"live", pl.Live, "has_parts", pl.HasParts)
		return
	}

	c.targetLevel = c.cfg.LevelSelector(c.host.Levels())
	c.errorSub = c.bus.Subscribe(events.TransportErrorEvent, c.onError)
	c.state = Monitoring
	c.log.Info("monitoring low-latency stream",
		"target_level", c.targetLevel,
		"window", c.cfg.TimeWindow,
		"count_threshold", c.cfg.StallCountThreshold,
		"ratio_threshold", c.cfg.StallRatioThreshold)
}

// stallKind maps an error payload to the stall kind it opens, if any.
func stallKind(e events.TransportError) (Kind, bool) {
	switch {
	case e.Class == events.ClassMedia && e.Detail == events.DetailBufferStall:
		return BufferStall, true
	case e.Class == events.ClassNetwork && e.Detail == events.DetailPlaylistTimeout:
		return PlaylistTimeoutStall, true
	default:
		return 0, false
	}
}

// onError records a qualifying stall and checks the count threshold.
func (c *Controller) onError(_ string, data any) {
	e, ok := data.(events.TransportError)
	if !ok {
		return
	}
	kind, ok := stallKind(e)
	if !ok {
		return
	}

	c.mu.Lock()
	if c.state != Monitoring {
		c.mu.Unlock()
		return
	}

	level := c.host.AutoLevel()
	if level < 0 || level > c.targetLevel {
		// Levels above target are left to bitrate adaptation.
		c.mu.Unlock()
		return
	}

	now := c.now()
	c.ledger.prune(now)
	c.ledger.append(kind, level, now)
	count := c.ledger.count()
	c.log.Debug("stall recorded", "kind", kind.String(), "level", level, "count", count)

	if count >= c.cfg.StallCountThreshold {
		c.abandonLocked("stall count threshold reached", "count", count)
		return
	}

	c.ensureWatch(kind)
	c.mu.Unlock()
}

// ensureWatch idempotently starts the recovery subscription and poll timer
// for the kind. Caller holds c.mu.
func (c *Controller) ensureWatch(kind Kind) {
	if _, ok := c.watches[kind]; ok {
		return
	}

	w := &watch{
		ticker: time.NewTicker(c.cfg.PollInterval),
		stop:   make(chan struct{}),
	}

	switch kind {
	case BufferStall:
		w.sub = c.bus.Subscribe(events.FragmentBufferedEvent, func(_ string, data any) {
			frag, ok := data.(events.FragmentBuffered)
			if !ok || frag.Track != events.TrackMain {
				return
			}
			c.onRecovery(BufferStall)
		})
	case PlaylistTimeoutStall:
		w.sub = c.bus.Subscribe(events.PlaylistLoadedEvent, func(_ string, data any) {
			if _, ok := data.(events.PlaylistLoaded); !ok {
				return
			}
			c.onRecovery(PlaylistTimeoutStall)
		})
	}

	c.watches[kind] = w
	go c.pollLoop(kind, w)
}

// pollLoop drives the per-kind poll timer until the watch is cancelled.
func (c *Controller) pollLoop(kind Kind, w *watch) {
	for {
		select {
		case <-w.stop:
			return
		case <-w.ticker.C:
			c.onPoll(kind)
		}
	}
}

// onRecovery closes the latest open stall of the kind (LIFO), checks the
// ratio threshold, and tears the kind's watch down. A later error of the
// same kind re-arms the watch.
func (c *Controller) onRecovery(kind Kind) {
	c.mu.Lock()
	if c.state != Monitoring {
		c.mu.Unlock()
		return
	}
	if _, ok := c.watches[kind]; !ok {
		// Stale callback after the watch was cancelled.
		c.mu.Unlock()
		return
	}

	now := c.now()
	closed := c.ledger.closeLatest(kind, now)
	if closed != nil {
		c.log.Debug("stall recovered",
			"kind", kind.String(),
			"duration", closed.End.Sub(closed.Start))
	}

	ratio := c.ledger.ratio(kind, now)
	if ratio >= c.cfg.StallRatioThreshold {
		c.abandonLocked("stall ratio threshold reached on recovery",
			"kind", kind.String(), "ratio", ratio)
		return
	}

	c.cancelWatchLocked(kind)
	c.mu.Unlock()
}

// onPoll recomputes the kind's ratio treating now as the open stall's
// provisional end. This is the only path that catches a stall whose recovery
// event never arrives.
func (c *Controller) onPoll(kind Kind) {
	c.mu.Lock()
	if c.state != Monitoring {
		c.mu.Unlock()
		return
	}
	if _, ok := c.watches[kind]; !ok {
		c.mu.Unlock()
		return
	}

	ratio := c.ledger.ratio(kind, c.now())
	if ratio >= c.cfg.StallRatioThreshold {
		c.abandonLocked("stall ratio threshold reached on poll",
			"kind", kind.String(), "ratio", ratio)
		return
	}
	c.mu.Unlock()
}

// abandonLocked enters the terminal Abandoned state: clears the host flag,
// cancels every subscription and timer, releases the ledger, and publishes
// the synthetic downgrade event. Idempotent. Caller holds c.mu; the lock is
// released before publishing so bus handlers can re-enter the controller.
func (c *Controller) abandonLocked(reason string, args ...any) {
	if c.state == Abandoned {
		c.mu.Unlock()
		return
	}
	c.state = Abandoned

	c.host.SetLowLatencyMode(false)
	c.cancelAllLocked()
	c.ledger.release()

	c.log.Warn("abandoning low-latency mode: "+reason, args...)
	c.mu.Unlock()

	c.bus.Publish(events.TransportErrorEvent, events.TransportError{
		Class:  events.ClassOther,
		Detail: events.DetailLowLatencyAbandoned,
		Fatal:  false,
	})
}

// cancelWatchLocked tears down one kind's recovery subscription and poll
// timer together. Caller holds c.mu.
func (c *Controller) cancelWatchLocked(kind Kind) {
	w, ok := c.watches[kind]
	if !ok {
		return
	}
	delete(c.watches, kind)
	w.ticker.Stop()
	close(w.stop)
	c.bus.Unsubscribe(w.sub)
}

// cancelAllLocked cancels every subscription and timer. Caller holds c.mu.
func (c *Controller) cancelAllLocked() {
	c.bus.Unsubscribe(c.armedSub)
	c.armedSub = ""
	c.bus.Unsubscribe(c.errorSub)
	c.errorSub = ""
	for kind := range c.watches {
		c.cancelWatchLocked(kind)
	}
}

// Close tears the controller down from any state: every subscription and
// timer is cancelled unconditionally. Safe to call more than once. A timer
// or bus callback firing after Close is a no-op.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelAllLocked()
}

// State returns the current lifecycle phase.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TargetLevel returns the level-index threshold adopted at classification.
func (c *Controller) TargetLevel() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetLevel
}

// Ratio returns the current trailing-window stall ratio for the kind.
// Callable anytime; diagnostics only.
func (c *Controller) Ratio(kind Kind) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.ratio(kind, c.now())
}

// Snapshot is a point-in-time view of the controller for diagnostics.
type Snapshot struct {
	State       string             `json:"state"`
	TargetLevel int                `json:"target_level"`
	StallCount  int                `json:"stall_count"`
	Ratios      map[string]float64 `json:"ratios"`
}

// Stats returns a diagnostics snapshot.
func (c *Controller) Stats() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	return Snapshot{
		State:       c.state.String(),
		TargetLevel: c.targetLevel,
		StallCount:  c.ledger.count(),
		Ratios: map[string]float64{
			BufferStall.String():          c.ledger.ratio(BufferStall, now),
			PlaylistTimeoutStall.String(): c.ledger.ratio(PlaylistTimeoutStall, now),
		},
	}
}
