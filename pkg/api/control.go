package api

import (
	"context"
	"net/url"
	"strconv"
)

// TimelineState is the playback state reported to the server.
type TimelineState string

const (
	StatePlaying   TimelineState = "playing"
	StatePaused    TimelineState = "paused"
	StateStopped   TimelineState = "stopped"
	StateBuffering TimelineState = "buffering"
)

// scrobbleIdentifier is the fixed provider identifier for watched-state
// calls (wire contract of the media server).
const scrobbleIdentifier = "com.plexapp.plugins.library"

// Timeline is one progress report for an item being played.
type Timeline struct {
	// RatingKey identifies the item.
	RatingKey string
	// Key is the item's metadata path, e.g. "/library/metadata/123".
	Key string
	// State is the current playback state.
	State TimelineState
	// TimeMs is the playhead position in milliseconds.
	TimeMs int64
	// DurationMs is the item's total duration in milliseconds.
	DurationMs int64
}

// UpdateTimeline reports playback progress. Progress reports are periodic
// and self-correcting, so a failed report is never retried; the next tick
// supersedes it.
func (c *Client) UpdateTimeline(ctx context.Context, tl Timeline) error {
	q := url.Values{}
	q.Set("ratingKey", tl.RatingKey)
	q.Set("key", tl.Key)
	q.Set("state", string(tl.State))
	q.Set("time", strconv.FormatInt(tl.TimeMs, 10))
	q.Set("duration", strconv.FormatInt(tl.DurationMs, 10))
	q.Set("identifier", scrobbleIdentifier)

	return c.Do(ctx, RequestSpec{
		Path:         "/:/timeline",
		Query:        q,
		MaxAttempts:  1,
		RequiresAuth: true,
	})
}

// MarkWatched flags an item as fully watched.
func (c *Client) MarkWatched(ctx context.Context, ratingKey string) error {
	return c.scrobble(ctx, "/:/scrobble", ratingKey)
}

// MarkUnwatched clears an item's watched flag.
func (c *Client) MarkUnwatched(ctx context.Context, ratingKey string) error {
	return c.scrobble(ctx, "/:/unscrobble", ratingKey)
}

func (c *Client) scrobble(ctx context.Context, path, ratingKey string) error {
	q := url.Values{}
	q.Set("identifier", scrobbleIdentifier)
	q.Set("key", ratingKey)

	err := c.Do(ctx, RequestSpec{
		Path:         path,
		Query:        q,
		RequiresAuth: true,
	})
	if err != nil {
		return err
	}

	// The item's view state changed server-side; cached copies are stale.
	c.cache.InvalidateMatching(ratingKey)
	return nil
}

// StopTranscodeSession asks the server to release the transcoder for the
// given session. Best-effort by nature: the server also reaps idle
// sessions, so a single attempt is enough.
func (c *Client) StopTranscodeSession(ctx context.Context, sessionID string) error {
	q := url.Values{}
	q.Set("session", sessionID)

	return c.Do(ctx, RequestSpec{
		Path:         "/video/:/transcode/universal/stop",
		Query:        q,
		MaxAttempts:  1,
		RequiresAuth: true,
	})
}

// Ping checks that the bound endpoint still answers, without auth.
func (c *Client) Ping(ctx context.Context) error {
	return c.Do(ctx, RequestSpec{
		Path:        "/identity",
		MaxAttempts: 1,
	})
}
