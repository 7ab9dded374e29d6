// Package playback decides how an item is delivered (direct play, direct
// stream, or transcode) and manages the lifetime of an active stream
// session: progress reporting, watched-state updates, and a one-shot
// runtime fallback to transcoding when the chosen delivery fails mid-play.
package playback

import (
	"slices"
	"strings"
)

// DeliveryMethod is how the server hands the media to the player, ordered
// from cheapest to most expensive for the server.
type DeliveryMethod int

const (
	// DirectPlay serves the original file untouched.
	DirectPlay DeliveryMethod = iota
	// DirectStream remuxes into a streamable container without re-encoding.
	DirectStream
	// Transcode re-encodes to fit the device profile.
	Transcode
)

// String returns a stable name for the method.
func (m DeliveryMethod) String() string {
	switch m {
	case DirectPlay:
		return "direct_play"
	case DirectStream:
		return "direct_stream"
	case Transcode:
		return "transcode"
	default:
		return "unknown"
	}
}

// next returns the fallback method after m, or Transcode if there is none
// cheaper left.
func (m DeliveryMethod) next() DeliveryMethod {
	switch m {
	case DirectPlay:
		return DirectStream
	default:
		return Transcode
	}
}

// DeviceProfile describes what the playing device can handle natively.
// Matching is case-insensitive on names. Empty lists mean unconstrained,
// like the zero value of the numeric caps: a zero profile accepts
// everything and plays the original file.
type DeviceProfile struct {
	// Containers the device can demux (e.g. "mp4", "mkv").
	Containers []string
	// VideoCodecs the device can decode (e.g. "h264", "hevc").
	VideoCodecs []string
	// AudioCodecs the device can decode (e.g. "aac", "ac3").
	AudioCodecs []string
	// MaxBitrateKbps caps the stream bitrate; 0 means unlimited.
	MaxBitrateKbps int
	// MaxHeight caps the vertical resolution; 0 means unlimited.
	MaxHeight int
}

// supportsContainer reports whether the profile can demux the container.
func (p DeviceProfile) supportsContainer(container string) bool {
	return len(p.Containers) == 0 || containsFold(p.Containers, container)
}

// supportsVideo reports whether the profile can decode the video codec.
func (p DeviceProfile) supportsVideo(codec string) bool {
	return len(p.VideoCodecs) == 0 || containsFold(p.VideoCodecs, codec)
}

// supportsAudio reports whether the profile can decode the audio codec.
func (p DeviceProfile) supportsAudio(codec string) bool {
	return len(p.AudioCodecs) == 0 || containsFold(p.AudioCodecs, codec)
}

// withinLimits reports whether bitrate and resolution fit the profile caps.
func (p DeviceProfile) withinLimits(bitrateKbps, height int) bool {
	if p.MaxBitrateKbps > 0 && bitrateKbps > p.MaxBitrateKbps {
		return false
	}
	if p.MaxHeight > 0 && height > p.MaxHeight {
		return false
	}
	return true
}

func containsFold(haystack []string, needle string) bool {
	return slices.ContainsFunc(haystack, func(s string) bool {
		return strings.EqualFold(s, needle)
	})
}
