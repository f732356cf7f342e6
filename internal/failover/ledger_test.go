package failover

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ledgerEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestLedger_RatioBounds(t *testing.T) {
	l := newLedger(60 * time.Second)
	now := ledgerEpoch

	assert.Equal(t, 0.0, l.ratio(BufferStall, now))

	// A stall open for far longer than the window clamps to 1.
	l.append(BufferStall, 0, now.Add(-10*time.Minute))
	ratio := l.ratio(BufferStall, now)
	assert.Equal(t, 1.0, ratio)
}

func TestLedger_RatioIntersectsWindow(t *testing.T) {
	now := ledgerEpoch

	tests := []struct {
		name  string
		start time.Duration // offsets relative to now
		end   time.Duration
		want  float64
	}{
		{"fully inside", -30 * time.Second, -27 * time.Second, 0.05},
		{"straddles window start", -90 * time.Second, -30 * time.Second, 0.5},
		{"entirely before window", -5 * time.Minute, -4 * time.Minute, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLedger(60 * time.Second)
			s := l.append(BufferStall, 1, now.Add(tt.start))
			s.End = now.Add(tt.end)
			assert.InDelta(t, tt.want, l.ratio(BufferStall, now), 1e-9)
		})
	}
}

func TestLedger_RatioPerKind(t *testing.T) {
	l := newLedger(60 * time.Second)
	now := ledgerEpoch

	s := l.append(BufferStall, 0, now.Add(-6*time.Second))
	s.End = now
	l.append(PlaylistTimeoutStall, 0, now.Add(-3*time.Second))

	assert.InDelta(t, 0.1, l.ratio(BufferStall, now), 1e-9)
	assert.InDelta(t, 0.05, l.ratio(PlaylistTimeoutStall, now), 1e-9)
}

func TestLedger_OpenStallUsesProvisionalEnd(t *testing.T) {
	l := newLedger(60 * time.Second)
	now := ledgerEpoch

	l.append(BufferStall, 0, now.Add(-6*time.Second))
	assert.InDelta(t, 0.1, l.ratio(BufferStall, now), 1e-9)

	// The same open stall grows as now advances.
	assert.InDelta(t, 0.2, l.ratio(BufferStall, now.Add(6*time.Second)), 1e-9)
}

func TestLedger_PruneDropsOnlyClosedRecordsOutsideWindow(t *testing.T) {
	l := newLedger(60 * time.Second)
	now := ledgerEpoch

	old := l.append(BufferStall, 0, now.Add(-5*time.Minute))
	old.End = now.Add(-4 * time.Minute)
	ancient := l.append(BufferStall, 0, now.Add(-10*time.Minute)) // ancient but open
	recent := l.append(PlaylistTimeoutStall, 0, now.Add(-30*time.Second))
	recent.End = now.Add(-20 * time.Second)

	l.prune(now)

	require.Equal(t, 2, l.count())
	assert.True(t, ancient.open())
	assert.Equal(t, 1, l.countKind(BufferStall))
	assert.Equal(t, 1, l.countKind(PlaylistTimeoutStall))

	// Window-monotonic: nothing closed remains with end before now-W.
	cutoff := now.Add(-60 * time.Second)
	for _, s := range l.stalls {
		if !s.open() {
			assert.False(t, s.End.Before(cutoff))
		}
	}
}

func TestLedger_CloseLatestIsLIFO(t *testing.T) {
	l := newLedger(60 * time.Second)
	now := ledgerEpoch

	first := l.append(BufferStall, 0, now.Add(-10*time.Second))
	second := l.append(BufferStall, 0, now.Add(-5*time.Second))

	closed := l.closeLatest(BufferStall, now)
	require.NotNil(t, closed)
	assert.Same(t, second, closed)
	assert.True(t, first.open())

	closed = l.closeLatest(BufferStall, now)
	require.NotNil(t, closed)
	assert.Same(t, first, closed)

	assert.Nil(t, l.closeLatest(BufferStall, now))
}

func TestLedger_CloseLatestIgnoresOtherKinds(t *testing.T) {
	l := newLedger(60 * time.Second)
	now := ledgerEpoch

	l.append(PlaylistTimeoutStall, 0, now.Add(-5*time.Second))
	assert.Nil(t, l.closeLatest(BufferStall, now))
	assert.NotNil(t, l.closeLatest(PlaylistTimeoutStall, now))
}

func TestLedger_Release(t *testing.T) {
	l := newLedger(60 * time.Second)
	l.append(BufferStall, 0, ledgerEpoch)
	l.release()
	assert.Equal(t, 0, l.count())
	assert.Equal(t, 0.0, l.ratio(BufferStall, ledgerEpoch))
}
