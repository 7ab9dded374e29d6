package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/tvclient/pkg/api"
	"github.com/jmylchreest/tvclient/pkg/connection"
	"github.com/jmylchreest/tvclient/pkg/worker"
)

// Server is the slice of the request engine the playback layer needs.
// *api.Client satisfies it.
type Server interface {
	Device() api.Device
	Endpoint() *connection.Endpoint
	Probe(ctx context.Context, rawURL string) error
	StopTranscodeSession(ctx context.Context, sessionID string) error
	UpdateTimeline(ctx context.Context, tl api.Timeline) error
	MarkWatched(ctx context.Context, ratingKey string) error
}

// Request describes the item and device a delivery is negotiated for.
type Request struct {
	// Item is the metadata of the thing to play.
	Item api.Metadata
	// MediaIndex selects the media variant; 0 for the first.
	MediaIndex int
	// PartIndex selects the part within the variant; 0 for the first.
	PartIndex int
	// Profile is the playing device's capabilities.
	Profile DeviceProfile
	// OffsetMs starts streamed delivery at this playhead. Used for resume
	// and for the runtime fallback, which must pick up where the failed
	// stream left off.
	OffsetMs int64
}

// Decision is a negotiated, playable delivery.
type Decision struct {
	// Method is how the media is delivered.
	Method DeliveryMethod
	// URL is ready to hand to the player.
	URL string
	// SessionID identifies the server-side transcoder session. Empty for
	// DirectPlay, which has no server-side session.
	SessionID string
	// Verified is true when the URL answered a probe or is the terminal
	// Transcode delivery, which is trusted without one. A decision can be
	// returned unverified when no probe passed and the transcode URL could
	// not be built; the player gets one last chance with it.
	Verified bool

	// Item and selection the decision was made for, carried so the session
	// layer can renegotiate without the caller re-supplying them.
	Item       api.Metadata
	MediaIndex int
	PartIndex  int
	Profile    DeviceProfile
}

// Negotiator picks a delivery method by walking the chain
// DirectPlay -> DirectStream -> Transcode, verifying each candidate with a
// probe before committing.
type Negotiator struct {
	server Server
	logger *slog.Logger
	pool   *worker.Pool

	// newSessionID is swappable for tests.
	newSessionID func() string
}

// NegotiatorOption configures a Negotiator.
type NegotiatorOption func(*Negotiator)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) NegotiatorOption {
	return func(n *Negotiator) {
		n.logger = logger
	}
}

// WithPool offloads best-effort session cleanup onto the pool instead of
// running it inline.
func WithPool(pool *worker.Pool) NegotiatorOption {
	return func(n *Negotiator) {
		n.pool = pool
	}
}

// NewNegotiator creates a negotiator backed by the given server client.
func NewNegotiator(server Server, opts ...NegotiatorOption) *Negotiator {
	n := &Negotiator{
		server:       server,
		logger:       slog.Default(),
		newSessionID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Negotiate walks the fallback chain starting from the cheapest method the
// profile allows. DirectPlay and DirectStream each get a fresh session
// identifier and must answer a probe; Transcode is the terminal fallback
// and is returned without one. When the transcode URL itself cannot be
// built, the last constructible candidate is returned unverified rather
// than failing the play outright.
func (n *Negotiator) Negotiate(ctx context.Context, req Request) (*Decision, error) {
	media, part, err := selectPart(req.Item, req.MediaIndex, req.PartIndex)
	if err != nil {
		return nil, &api.Error{Kind: api.KindInvalidURL, Cause: err}
	}
	if n.server.Endpoint() == nil {
		return nil, &api.Error{Kind: api.KindInvalidURL, Cause: api.ErrNoEndpoint}
	}

	start := n.chooseMethod(media, req.Profile)
	logger := n.logger.With(
		slog.String("rating_key", req.Item.RatingKey),
		slog.String("starting_method", start.String()),
	)

	var (
		lastBuilt    *Decision
		sentSessions []string
		buildErrs    []error
	)

	for method := start; method != Transcode; method = method.next() {
		candidate, err := n.buildDecision(req, part, method)
		if err != nil {
			buildErrs = append(buildErrs, fmt.Errorf("%s: %w", method, err))
			continue
		}
		lastBuilt = candidate
		if candidate.SessionID != "" {
			sentSessions = append(sentSessions, candidate.SessionID)
		}

		if err := n.server.Probe(ctx, candidate.URL); err != nil {
			logger.Debug("delivery probe failed",
				slog.String("method", method.String()),
				slog.String("error", err.Error()),
			)
			if ctx.Err() != nil {
				n.stopSessions(sentSessions)
				return nil, ctx.Err()
			}
			continue
		}

		logger.Info("delivery negotiated",
			slog.String("method", method.String()),
			slog.Bool("verified", true),
		)
		candidate.Verified = true
		n.stopSessionsExcept(sentSessions, candidate.SessionID)
		return candidate, nil
	}

	terminal, err := n.buildDecision(req, part, Transcode)
	if err == nil {
		logger.Info("terminal transcode delivery selected",
			slog.String("session_id", terminal.SessionID),
		)
		terminal.Verified = true
		n.stopSessionsExcept(sentSessions, terminal.SessionID)
		return terminal, nil
	}
	buildErrs = append(buildErrs, fmt.Errorf("%s: %w", Transcode, err))

	if lastBuilt != nil {
		// The terminal fallback is unbuildable. Hand back the best candidate
		// that was, and let the player try it; availability over strictness.
		logger.Warn("transcode URL unbuildable, returning unverified candidate",
			slog.String("method", lastBuilt.Method.String()),
		)
		n.stopSessionsExcept(sentSessions, lastBuilt.SessionID)
		return lastBuilt, nil
	}

	n.stopSessions(sentSessions)
	return nil, &api.Error{Kind: api.KindInvalidURL, Cause: joinErrs(buildErrs)}
}

// chooseMethod picks the cheapest delivery the profile can take natively.
func (n *Negotiator) chooseMethod(media api.Media, profile DeviceProfile) DeliveryMethod {
	if profile.supportsContainer(media.Container) &&
		profile.supportsVideo(media.VideoCodec) &&
		profile.supportsAudio(media.AudioCodec) &&
		profile.withinLimits(media.Bitrate, media.Height) {
		return DirectPlay
	}
	if profile.supportsVideo(media.VideoCodec) &&
		profile.withinLimits(media.Bitrate, media.Height) {
		return DirectStream
	}
	return Transcode
}

// buildDecision constructs the playback URL for one method. DirectStream
// and Transcode get a fresh session identifier per call: a reused session
// would collide with the server-side transcoder state of an earlier step.
func (n *Negotiator) buildDecision(req Request, part api.Part, method DeliveryMethod) (*Decision, error) {
	d := &Decision{
		Method:     method,
		Item:       req.Item,
		MediaIndex: req.MediaIndex,
		PartIndex:  req.PartIndex,
		Profile:    req.Profile,
	}

	var err error
	switch method {
	case DirectPlay:
		d.URL, err = n.directPlayURL(part)
	default:
		d.SessionID = n.newSessionID()
		d.URL, err = n.streamURL(req, method, d.SessionID)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// directPlayURL points straight at the original file part.
func (n *Negotiator) directPlayURL(part api.Part) (string, error) {
	if part.Key == "" {
		return "", fmt.Errorf("part has no file key")
	}
	q := url.Values{}
	q.Set("download", "0")
	return n.serverURL(part.Key, q)
}

// streamURL points at the universal transcode endpoint. DirectStream and
// Transcode differ only in the directStream flag; directPlay is always off
// here because the direct-play path never goes through the transcoder.
func (n *Negotiator) streamURL(req Request, method DeliveryMethod, sessionID string) (string, error) {
	if req.Item.RatingKey == "" {
		return "", fmt.Errorf("item has no rating key")
	}

	q := url.Values{}
	q.Set("path", "/library/metadata/"+req.Item.RatingKey)
	q.Set("mediaIndex", strconv.Itoa(req.MediaIndex))
	q.Set("partIndex", strconv.Itoa(req.PartIndex))
	q.Set("protocol", "hls")
	q.Set("session", sessionID)
	q.Set("fastSeek", "1")
	q.Set("directPlay", "0")
	if method == DirectStream {
		q.Set("directStream", "1")
	} else {
		q.Set("directStream", "0")
		if len(req.Profile.VideoCodecs) > 0 {
			q.Set("videoCodec", strings.Join(req.Profile.VideoCodecs, ","))
		}
		if len(req.Profile.AudioCodecs) > 0 {
			q.Set("audioCodec", strings.Join(req.Profile.AudioCodecs, ","))
		}
		if req.Profile.MaxHeight > 0 {
			q.Set("maxHeight", strconv.Itoa(req.Profile.MaxHeight))
		}
		q.Set("subtitles", "burn")
	}
	if req.Profile.MaxBitrateKbps > 0 {
		q.Set("maxVideoBitrate", strconv.Itoa(req.Profile.MaxBitrateKbps))
	}
	if req.OffsetMs > 0 {
		q.Set("offset", strconv.FormatInt(req.OffsetMs/1000, 10))
	}

	return n.serverURL("/video/:/transcode/universal/start.m3u8", q)
}

// serverURL joins a server-relative path with the device identification and
// token query parameters. Streaming URLs are handed to external players, so
// identification travels in the query rather than headers.
func (n *Negotiator) serverURL(path string, q url.Values) (string, error) {
	ep := n.server.Endpoint()
	if ep == nil {
		return "", api.ErrNoEndpoint
	}
	base, err := url.Parse(ep.BaseURL)
	if err != nil {
		return "", err
	}

	for key, values := range n.server.Device().QueryParams() {
		for _, v := range values {
			q.Add(key, v)
		}
	}
	if ep.AccessToken != "" {
		q.Set(api.HeaderToken, ep.AccessToken)
	}

	u := *base
	u.Path = path
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// stopSessions releases server-side transcoder state for sessions whose
// identifiers were already sent. Best effort on a short background context:
// the caller may be cancelling, and the server reaps idle sessions anyway.
func (n *Negotiator) stopSessions(sessionIDs []string) {
	n.stopSessionsExcept(sessionIDs, "")
}

func (n *Negotiator) stopSessionsExcept(sessionIDs []string, keep string) {
	for _, id := range sessionIDs {
		if id == "" || id == keep {
			continue
		}
		stop := n.stopTask(id)
		if n.pool != nil && n.pool.Submit(func(context.Context) { stop() }) {
			continue
		}
		stop()
	}
}

func (n *Negotiator) stopTask(sessionID string) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := n.server.StopTranscodeSession(ctx, sessionID); err != nil {
			n.logger.Debug("failed to stop abandoned transcode session",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// selectPart resolves the media/part indices against the item.
func selectPart(item api.Metadata, mediaIndex, partIndex int) (api.Media, api.Part, error) {
	if mediaIndex < 0 || mediaIndex >= len(item.Media) {
		return api.Media{}, api.Part{}, fmt.Errorf("media index %d out of range (%d variants)", mediaIndex, len(item.Media))
	}
	media := item.Media[mediaIndex]
	if partIndex < 0 || partIndex >= len(media.Part) {
		return api.Media{}, api.Part{}, fmt.Errorf("part index %d out of range (%d parts)", partIndex, len(media.Part))
	}
	return media, media.Part[partIndex], nil
}

func joinErrs(errs []error) error {
	if len(errs) == 0 {
		return fmt.Errorf("no playback URL could be built")
	}
	return errors.Join(errs...)
}
