// Package playlist classifies fetched HLS playlists using gohlslib: whether
// the stream is live, whether it advertises partial segments for low-latency
// delivery, and which variant levels a multivariant playlist exposes.
package playlist

import (
	"fmt"
	"time"

	hlspl "github.com/bluenviron/gohlslib/v2/pkg/playlist"
)

// Traits describes the delivery characteristics of a media playlist.
type Traits struct {
	// Live is true when the playlist carries no end marker.
	Live bool

	// LowLatency is true when the playlist advertises partial segments,
	// either through EXT-X-PART-INF or pending parts.
	LowLatency bool

	// TargetDuration is the declared segment target duration.
	TargetDuration time.Duration

	// PartTarget is the declared part target duration, zero when the
	// playlist has no part info.
	PartTarget time.Duration

	// CanBlockReload is true when the server supports blocking playlist
	// reloads.
	CanBlockReload bool

	// SegmentCount is the number of whole segments in the playlist.
	SegmentCount int
}

// Variant is one quality level of a multivariant playlist.
type Variant struct {
	// Bandwidth is the advertised peak bitrate in bits per second.
	Bandwidth int

	// URI is the media playlist location, possibly relative.
	URI string
}

// ClassifyMedia parses a media playlist and returns its delivery traits.
func ClassifyMedia(data []byte) (Traits, error) {
	pl, err := hlspl.Unmarshal(data)
	if err != nil {
		return Traits{}, fmt.Errorf("parsing playlist: %w", err)
	}

	media, ok := pl.(*hlspl.Media)
	if !ok {
		return Traits{}, fmt.Errorf("expected media playlist, got multivariant")
	}

	traits := Traits{
		Live:           !media.Endlist,
		LowLatency:     media.PartInf != nil || len(media.Parts) > 0,
		TargetDuration: time.Duration(media.TargetDuration) * time.Second,
		SegmentCount:   len(media.Segments),
	}
	if media.PartInf != nil {
		traits.PartTarget = media.PartInf.PartTarget
	}
	if media.ServerControl != nil {
		traits.CanBlockReload = media.ServerControl.CanBlockReload
	}
	return traits, nil
}

// Variants parses a multivariant playlist and returns its levels in
// declaration order.
func Variants(data []byte) ([]Variant, error) {
	pl, err := hlspl.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("parsing playlist: %w", err)
	}

	mv, ok := pl.(*hlspl.Multivariant)
	if !ok {
		return nil, fmt.Errorf("expected multivariant playlist, got media")
	}

	variants := make([]Variant, 0, len(mv.Variants))
	for _, v := range mv.Variants {
		variants = append(variants, Variant{
			Bandwidth: v.Bandwidth,
			URI:       v.URI,
		})
	}
	return variants, nil
}

// IsMultivariant reports whether the playlist is a multivariant (master)
// playlist.
func IsMultivariant(data []byte) bool {
	pl, err := hlspl.Unmarshal(data)
	if err != nil {
		return false
	}
	_, ok := pl.(*hlspl.Multivariant)
	return ok
}
