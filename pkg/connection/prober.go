package connection

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrNoReachableServer is returned when every candidate failed its liveness
// probe.
var ErrNoReachableServer = errors.New("no reachable server")

// DefaultProbeTimeout bounds a single candidate's liveness check.
const DefaultProbeTimeout = 5 * time.Second

// LivenessProbe checks that a server base URL answers a cheap authenticated
// read. A nil return means the address is usable.
type LivenessProbe func(ctx context.Context, baseURL, token string) error

// Prober races liveness checks across candidate addresses and picks the
// highest-priority one that works.
type Prober struct {
	probe   LivenessProbe
	timeout time.Duration
	logger  *slog.Logger
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithTimeout overrides the per-candidate probe timeout.
func WithTimeout(timeout time.Duration) ProberOption {
	return func(p *Prober) {
		p.timeout = timeout
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ProberOption {
	return func(p *Prober) {
		p.logger = logger
	}
}

// NewProber creates a prober that uses the given liveness probe.
func NewProber(probe LivenessProbe, opts ...ProberOption) *Prober {
	p := &Prober{
		probe:   probe,
		timeout: DefaultProbeTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SelectBest probes all candidates concurrently and returns the endpoint of
// the best-ranked candidate that succeeded. Probe failures exclude the
// candidate, nothing more: there is no per-candidate retry, and re-running
// selection (e.g. on a connectivity change) is the caller's responsibility.
//
// The accessToken is used for candidates that do not carry their own.
func (p *Prober) SelectBest(ctx context.Context, candidates []Candidate, accessToken string) (*Endpoint, error) {
	if len(candidates) == 0 {
		return nil, ErrNoReachableServer
	}

	results := make([]*Endpoint, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	for i, candidate := range candidates {
		i, candidate := i, candidate
		g.Go(func() error {
			if ep := p.probeCandidate(gctx, candidate, accessToken); ep != nil {
				results[i] = ep
			}
			// A failed candidate is simply excluded; never fail the group.
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Selection is deterministic regardless of probe completion order:
	// lowest rank among the successes wins. Rank order is total, so ties
	// cannot occur.
	best := -1
	for i, candidate := range candidates {
		if results[i] == nil {
			continue
		}
		if best == -1 || candidate.Rank() < candidates[best].Rank() {
			best = i
		}
	}
	if best == -1 {
		return nil, ErrNoReachableServer
	}

	p.logger.Info("server endpoint selected",
		slog.String("base_url", results[best].BaseURL),
		slog.String("locality", candidates[best].Locality.String()),
		slog.String("scheme", string(candidates[best].Scheme)),
	)
	return results[best], nil
}

// probeCandidate checks one candidate, trying the primary address form first
// and the direct-address form second. The sub-fallback is local to this
// candidate and does not affect the race across candidates.
func (p *Prober) probeCandidate(ctx context.Context, candidate Candidate, accessToken string) *Endpoint {
	token := candidate.AccessToken
	if token == "" {
		token = accessToken
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.probe(probeCtx, candidate.URI(), token)
	if err == nil {
		return &Endpoint{BaseURL: candidate.URI(), AccessToken: token}
	}
	p.logger.Debug("candidate probe failed",
		slog.String("base_url", candidate.URI()),
		slog.String("error", err.Error()),
	)

	direct := candidate.DirectURI()
	if direct == "" {
		return nil
	}

	directCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err = p.probe(directCtx, direct, token)
	if err == nil {
		return &Endpoint{BaseURL: direct, AccessToken: token}
	}
	p.logger.Debug("candidate direct probe failed",
		slog.String("base_url", direct),
		slog.String("error", err.Error()),
	)
	return nil
}
