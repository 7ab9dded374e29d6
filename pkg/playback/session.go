package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/tvclient/pkg/api"
	"github.com/jmylchreest/tvclient/pkg/worker"
)

// Default session tuning.
const (
	DefaultTimelineInterval = 30 * time.Second
	DefaultWatchedThreshold = 0.9

	eventBuffer = 16
)

// ErrPlaybackFailed is the terminal error when playback failed and the
// fallback budget is spent.
var ErrPlaybackFailed = errors.New("playback failed with no fallback remaining")

// EventType classifies player events fed into a session.
type EventType int

const (
	// EventReady means the player started rendering the stream.
	EventReady EventType = iota
	// EventFailed means the player could not play the stream.
	EventFailed
	// EventPosition reports the playhead.
	EventPosition
	// EventEnded means the player reached the end of the item.
	EventEnded
)

// PlayerEvent is one observation from the player driving a session.
type PlayerEvent struct {
	Type EventType
	// PositionMs is the playhead for EventPosition.
	PositionMs int64
	// Err carries detail for EventFailed.
	Err error
}

// Session tracks one item being played: it reports progress, flips the
// watched flag near the end, and on a mid-play failure renegotiates to
// Transcode exactly once.
type Session struct {
	server Server
	logger *slog.Logger

	negotiator *Negotiator

	timelineInterval time.Duration
	watchedThreshold float64

	events    chan PlayerEvent
	decisions chan Decision

	mu                sync.Mutex
	decision          Decision
	fallbackAttempted bool
	watchedSent       bool
	playing           bool

	positionMs atomic.Int64

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	errMu sync.Mutex
	err   error
}

// Deliver feeds a player event into the session. It never blocks the
// player: if the session is busy or gone the event is dropped, which is
// safe because position reports are periodic and failure is re-raised by
// the player on its next attempt.
func (s *Session) Deliver(ev PlayerEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	default:
		s.logger.Debug("session event dropped", slog.Int("type", int(ev.Type)))
	}
}

// Decision returns the delivery currently in effect.
func (s *Session) Decision() Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decision
}

// Fallbacks emits the new decision when the session falls back to
// Transcode; the consumer re-points its player at the new URL.
func (s *Session) Fallbacks() <-chan Decision {
	return s.decisions
}

// Position returns the last reported playhead in milliseconds.
func (s *Session) Position() int64 {
	return s.positionMs.Load()
}

// Done is closed when the session has fully stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error, if the session ended in failure.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Stop tears the session down: final progress report, server-side
// transcoder release, loop shutdown. Safe to call more than once; only the
// first call does the work.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		<-s.done
	})
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

// run is the single consumer of the event channel. All decision swaps and
// server reporting happen here, so no event can observe a half-applied
// fallback.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.teardown()

	ticker := time.NewTicker(s.timelineInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			s.reportProgress(ctx, api.StatePlaying)

		case ev := <-s.events:
			switch ev.Type {
			case EventReady:
				s.mu.Lock()
				s.playing = true
				s.mu.Unlock()
				s.reportProgress(ctx, api.StatePlaying)

			case EventPosition:
				s.positionMs.Store(ev.PositionMs)
				s.maybeMarkWatched(ctx, ev.PositionMs)

			case EventFailed:
				if !s.handleFailure(ev.Err) {
					return
				}

			case EventEnded:
				s.maybeMarkWatched(ctx, s.Decision().Item.Duration)
				return
			}
		}
	}
}

// handleFailure spends the one-shot fallback: renegotiate the same item
// straight to Transcode with a fresh session, publish the new decision, and
// drop events queued against the dead stream. Returns false when the
// session is out of options.
func (s *Session) handleFailure(cause error) bool {
	s.mu.Lock()
	current := s.decision
	spent := s.fallbackAttempted || current.Method == Transcode
	s.mu.Unlock()

	if spent {
		s.logger.Warn("playback failed with fallback spent",
			slog.String("method", current.Method.String()),
		)
		if cause != nil {
			s.setErr(errors.Join(ErrPlaybackFailed, cause))
		} else {
			s.setErr(ErrPlaybackFailed)
		}
		return false
	}

	s.logger.Info("playback failed, falling back to transcode",
		slog.String("failed_method", current.Method.String()),
	)

	fallback, err := s.negotiator.transcodeDecision(Request{
		Item:       current.Item,
		MediaIndex: current.MediaIndex,
		PartIndex:  current.PartIndex,
		Profile:    current.Profile,
		OffsetMs:   s.positionMs.Load(),
	})
	if err != nil {
		s.setErr(errors.Join(ErrPlaybackFailed, err))
		return false
	}

	// The failed stream's transcoder session is dead weight now.
	if current.SessionID != "" {
		s.negotiator.stopSessions([]string{current.SessionID})
	}

	s.mu.Lock()
	s.decision = *fallback
	s.fallbackAttempted = true
	s.playing = false
	s.mu.Unlock()

	s.drainStaleEvents()

	select {
	case s.decisions <- *fallback:
	default:
		s.logger.Warn("fallback decision not consumed")
	}
	return true
}

// drainStaleEvents discards events queued by the player before it was
// re-pointed; a stale failure must not burn the budget of the new stream.
func (s *Session) drainStaleEvents() {
	for {
		select {
		case <-s.events:
		default:
			return
		}
	}
}

func (s *Session) reportProgress(ctx context.Context, state api.TimelineState) {
	s.mu.Lock()
	d := s.decision
	playing := s.playing
	s.mu.Unlock()
	if !playing && state == api.StatePlaying {
		return
	}

	err := s.server.UpdateTimeline(ctx, api.Timeline{
		RatingKey:  d.Item.RatingKey,
		Key:        d.Item.Key,
		State:      state,
		TimeMs:     s.positionMs.Load(),
		DurationMs: d.Item.Duration,
	})
	if err != nil {
		s.logger.Debug("timeline report failed", slog.String("error", err.Error()))
	}
}

// maybeMarkWatched flips the watched flag once the playhead crosses the
// threshold. At most once per session.
func (s *Session) maybeMarkWatched(ctx context.Context, positionMs int64) {
	s.mu.Lock()
	d := s.decision
	sent := s.watchedSent
	s.mu.Unlock()

	if sent || d.Item.Duration <= 0 {
		return
	}
	if float64(positionMs)/float64(d.Item.Duration) < s.watchedThreshold {
		return
	}

	if err := s.server.MarkWatched(ctx, d.Item.RatingKey); err != nil {
		s.logger.Debug("mark watched failed", slog.String("error", err.Error()))
		return
	}
	s.mu.Lock()
	s.watchedSent = true
	s.mu.Unlock()
}

// teardown runs exactly once as the loop exits: final stopped report and
// server-side transcoder release. DirectPlay has nothing to release.
func (s *Session) teardown() {
	s.mu.Lock()
	d := s.decision
	playing := s.playing
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if playing {
		_ = s.server.UpdateTimeline(ctx, api.Timeline{
			RatingKey:  d.Item.RatingKey,
			Key:        d.Item.Key,
			State:      api.StateStopped,
			TimeMs:     s.positionMs.Load(),
			DurationMs: d.Item.Duration,
		})
	}
	if d.SessionID != "" {
		if err := s.server.StopTranscodeSession(ctx, d.SessionID); err != nil {
			s.logger.Debug("transcode session stop failed",
				slog.String("session_id", d.SessionID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// transcodeDecision builds a Transcode delivery for the runtime fallback
// path. Like the terminal negotiation step it is not probed: the resumed
// stream picks up at the offset carried in the request.
func (n *Negotiator) transcodeDecision(req Request) (*Decision, error) {
	_, part, err := selectPart(req.Item, req.MediaIndex, req.PartIndex)
	if err != nil {
		return nil, &api.Error{Kind: api.KindInvalidURL, Cause: err}
	}
	d, err := n.buildDecision(req, part, Transcode)
	if err != nil {
		return nil, &api.Error{Kind: api.KindInvalidURL, Cause: err}
	}
	d.Verified = true
	return d, nil
}

// Manager owns at most one active session. Starting a new play tears the
// previous one down first, so two streams never report against the same
// account at once.
type Manager struct {
	server     Server
	negotiator *Negotiator
	logger     *slog.Logger
	pool       *worker.Pool

	timelineInterval time.Duration
	watchedThreshold float64

	mu     sync.Mutex
	active *Session
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the structured logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithTimelineInterval overrides how often progress is reported.
func WithTimelineInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.timelineInterval = d
	}
}

// WithWatchedThreshold overrides the watched cutoff (fraction of duration).
func WithWatchedThreshold(f float64) ManagerOption {
	return func(m *Manager) {
		m.watchedThreshold = f
	}
}

// NewManager creates a session manager backed by the given server client.
func NewManager(server Server, opts ...ManagerOption) *Manager {
	m := &Manager{
		server:           server,
		logger:           slog.Default(),
		timelineInterval: DefaultTimelineInterval,
		watchedThreshold: DefaultWatchedThreshold,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.pool = worker.NewPool(0, 0, m.logger)
	m.negotiator = NewNegotiator(server, WithLogger(m.logger), WithPool(m.pool))
	return m
}

// Close stops the active session and the cleanup pool. The manager is not
// usable afterwards.
func (m *Manager) Close() {
	m.Stop()
	m.pool.Close()
}

// Start negotiates a delivery for the item and starts its session. Any
// previously active session is stopped first.
func (m *Manager) Start(ctx context.Context, req Request) (*Session, error) {
	m.mu.Lock()
	previous := m.active
	m.mu.Unlock()
	if previous != nil {
		previous.Stop()
	}

	decision, err := m.negotiator.Negotiate(ctx, req)
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		server:           m.server,
		logger:           m.logger.With(slog.String("rating_key", req.Item.RatingKey)),
		negotiator:       m.negotiator,
		timelineInterval: m.timelineInterval,
		watchedThreshold: m.watchedThreshold,
		events:           make(chan PlayerEvent, eventBuffer),
		decisions:        make(chan Decision, 1),
		decision:         *decision,
		cancel:           cancel,
		done:             make(chan struct{}),
	}

	m.mu.Lock()
	m.active = s
	m.mu.Unlock()

	go s.run(loopCtx)
	return s, nil
}

// Active returns the current session, or nil.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Stop stops the active session, if any.
func (m *Manager) Stop() {
	m.mu.Lock()
	active := m.active
	m.active = nil
	m.mu.Unlock()
	if active != nil {
		active.Stop()
	}
}
