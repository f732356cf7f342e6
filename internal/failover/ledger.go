package failover

import "time"

// Kind distinguishes the two stall families tracked by the controller.
type Kind int

const (
	// BufferStall is a playback stall waiting for buffered media.
	BufferStall Kind = iota
	// PlaylistTimeoutStall is a playlist load that exceeded its deadline.
	PlaylistTimeoutStall
)

func (k Kind) String() string {
	switch k {
	case BufferStall:
		return "buffer-stall"
	case PlaylistTimeoutStall:
		return "playlist-timeout"
	default:
		return "unknown"
	}
}

// Stall is one stall interval. End is zero while the stall is still open.
type Stall struct {
	Kind  Kind
	Level int
	Start time.Time
	End   time.Time
}

// open reports whether the stall has not yet been closed.
func (s *Stall) open() bool {
	return s.End.IsZero()
}

// ledger is the time-pruned, insertion-ordered sequence of stall intervals.
// It is not safe for concurrent use; the controller serialises access.
type ledger struct {
	stalls []*Stall
	window time.Duration
}

// newLedger creates a ledger bounding statistics to the trailing window.
func newLedger(window time.Duration) *ledger {
	return &ledger{window: window}
}

// append records a new open stall at the given onset level.
func (l *ledger) append(kind Kind, level int, now time.Time) *Stall {
	s := &Stall{Kind: kind, Level: level, Start: now}
	l.stalls = append(l.stalls, s)
	return s
}

// prune drops closed stalls that ended before the trailing window. Open
// stalls are kept regardless of age.
func (l *ledger) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	kept := l.stalls[:0]
	for _, s := range l.stalls {
		if s.open() || !s.End.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	// Zero the tail so dropped records can be collected.
	for i := len(kept); i < len(l.stalls); i++ {
		l.stalls[i] = nil
	}
	l.stalls = kept
}

// closeLatest closes the most recently opened still-open stall of the kind
// and returns it, or nil when no open stall of that kind exists. Overlapping
// same-kind stalls therefore resolve LIFO.
func (l *ledger) closeLatest(kind Kind, now time.Time) *Stall {
	for i := len(l.stalls) - 1; i >= 0; i-- {
		s := l.stalls[i]
		if s.Kind == kind && s.open() {
			s.End = now
			return s
		}
	}
	return nil
}

// count returns the number of recorded stalls, all kinds included.
func (l *ledger) count() int {
	return len(l.stalls)
}

// countKind returns the number of recorded stalls of one kind.
func (l *ledger) countKind(kind Kind) int {
	n := 0
	for _, s := range l.stalls {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

// ratio returns the fraction of the trailing window [now-W, now] covered by
// stalls of the kind. Open stalls are treated as ending now. The result is
// always in [0, 1].
func (l *ledger) ratio(kind Kind, now time.Time) float64 {
	if l.window <= 0 {
		return 0
	}

	windowStart := now.Add(-l.window)
	var stalled time.Duration
	for _, s := range l.stalls {
		if s.Kind != kind {
			continue
		}

		start := s.Start
		end := s.End
		if s.open() || end.After(now) {
			end = now
		}
		if start.Before(windowStart) {
			start = windowStart
		}
		if end.After(start) {
			stalled += end.Sub(start)
		}
	}

	r := float64(stalled) / float64(l.window)
	if r > 1 {
		r = 1
	}
	return r
}

// release drops every record.
func (l *ledger) release() {
	l.stalls = nil
}
