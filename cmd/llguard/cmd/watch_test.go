package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llguard/llguard/internal/config"
)

func TestResolveURL(t *testing.T) {
	tests := []struct {
		name string
		base string
		ref  string
		want string
	}{
		{
			name: "relative sibling",
			base: "https://cdn.example.com/live/master.m3u8",
			ref:  "media_2.m3u8",
			want: "https://cdn.example.com/live/media_2.m3u8",
		},
		{
			name: "absolute ref wins",
			base: "https://cdn.example.com/live/master.m3u8",
			ref:  "https://other.example.com/media.m3u8",
			want: "https://other.example.com/media.m3u8",
		},
		{
			name: "rooted path",
			base: "https://cdn.example.com/live/master.m3u8",
			ref:  "/alt/media.m3u8",
			want: "https://cdn.example.com/alt/media.m3u8",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveURL(tt.base, tt.ref)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestToMap_FormatsDurations(t *testing.T) {
	m := toMap(&config.FailoverConfig{
		Enabled:             true,
		TimeWindow:          60 * time.Second,
		StallCountThreshold: 5,
		StallRatioThreshold: 0.1,
	})

	assert.Equal(t, "1m0s", m["time_window"])
	assert.Equal(t, 5, m["stall_count_threshold"])
	assert.Equal(t, true, m["enabled"])
}

func TestToMap_NestsStructs(t *testing.T) {
	m := toMap(&config.Config{
		Transport: config.TransportConfig{Timeout: 20 * time.Second},
	})

	transport, ok := m["transport"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "20s", transport["timeout"])
}
