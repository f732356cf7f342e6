// Package events defines the named events and payload types exchanged over
// the session bus between the playback host, the transport, and the failover
// controller.
package events

// Event names published on the session bus.
const (
	// PlaylistLoadedEvent fires after every successful playlist fetch,
	// both multivariant and media.
	PlaylistLoadedEvent = "playlist-loaded"
	// TransportErrorEvent fires for transport and playback failures,
	// including the synthetic low-latency downgrade notification.
	TransportErrorEvent = "transport-error"
	// FragmentBufferedEvent fires after a fragment has been appended to
	// the playback buffer.
	FragmentBufferedEvent = "fragment-buffered"
)

// ErrorClass is the broad category of a transport error payload.
type ErrorClass string

const (
	// ClassMedia covers playback buffer failures.
	ClassMedia ErrorClass = "media"
	// ClassNetwork covers transport-level failures.
	ClassNetwork ErrorClass = "network"
	// ClassOther covers synthetic notifications that are not genuine
	// transport or media failures.
	ClassOther ErrorClass = "other"
)

// ErrorDetail narrows an ErrorClass to a specific failure.
type ErrorDetail string

const (
	// DetailBufferStall indicates playback stalled waiting for buffered data.
	DetailBufferStall ErrorDetail = "buffer-stall"
	// DetailPlaylistTimeout indicates a playlist load exceeded its deadline.
	DetailPlaylistTimeout ErrorDetail = "playlist-timeout"
	// DetailLowLatencyAbandoned is the synthetic downgrade notification
	// emitted when low-latency delivery is abandoned for the session.
	DetailLowLatencyAbandoned ErrorDetail = "low-latency-abandoned"
)

// TrackType identifies the media track a fragment belongs to.
type TrackType string

const (
	// TrackMain is the primary audio+video track.
	TrackMain TrackType = "main"
	// TrackAudio is a secondary audio-only track.
	TrackAudio TrackType = "audio"
	// TrackSubtitle is a subtitle track.
	TrackSubtitle TrackType = "subtitle"
)

// PlaylistLoaded is the payload of PlaylistLoadedEvent.
type PlaylistLoaded struct {
	// URL is the playlist location that was fetched.
	URL string
	// Live is true when the playlist has no end marker.
	Live bool
	// HasParts is true when the playlist advertises partial segments.
	HasParts bool
	// Level is the variant level the playlist belongs to, or -1 for a
	// multivariant playlist.
	Level int
}

// TransportError is the payload of TransportErrorEvent.
type TransportError struct {
	Class  ErrorClass
	Detail ErrorDetail
	// Fatal is true when playback cannot continue.
	Fatal bool
	// Code is the HTTP status code when the error came from a response,
	// zero otherwise.
	Code int
	// URL is the request target when applicable.
	URL string
}

// FragmentBuffered is the payload of FragmentBufferedEvent.
type FragmentBuffered struct {
	// Track is the owning track of the buffered fragment.
	Track TrackType
	// Level is the variant level the fragment was loaded from.
	Level int
}
