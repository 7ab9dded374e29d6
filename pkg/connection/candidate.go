// Package connection discovers a working server endpoint by racing liveness
// probes across candidate addresses.
package connection

import (
	"fmt"
)

// Scheme is the transport scheme of a candidate address.
type Scheme string

const (
	SchemeSecure   Scheme = "https"
	SchemeInsecure Scheme = "http"
)

// Locality describes how a candidate address reaches the server.
type Locality int

const (
	// LocalityLocal is a LAN address.
	LocalityLocal Locality = iota
	// LocalityRemote is a WAN address published by the server.
	LocalityRemote
	// LocalityRelay is an indirect relay through the discovery service.
	LocalityRelay
)

// String returns a human-readable name for the locality.
func (l Locality) String() string {
	switch l {
	case LocalityLocal:
		return "local"
	case LocalityRemote:
		return "remote"
	case LocalityRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// Candidate is one possible server address produced by discovery. Candidates
// are immutable; the prober only reads and tests them.
type Candidate struct {
	// Host is the primary address form, typically a DNS-routed hostname.
	Host string
	// Port is the server port.
	Port int
	// Scheme selects https or http.
	Scheme Scheme
	// Locality ranks how the address reaches the server.
	Locality Locality
	// DirectHost is an optional raw-address form tried within the same
	// liveness check when the primary form fails (e.g. when local DNS
	// rebinding protection breaks the routed hostname).
	DirectHost string
	// AccessToken overrides the account token for this candidate when set.
	AccessToken string
}

// Rank returns the candidate's position in the total preference order:
// secure before insecure, and within equal scheme local before remote
// before relay. Lower is better.
func (c Candidate) Rank() int {
	rank := int(c.Locality)
	if c.Scheme == SchemeInsecure {
		rank += 3
	}
	return rank
}

// URI returns the primary base URL for this candidate.
func (c Candidate) URI() string {
	return fmt.Sprintf("%s://%s:%d", c.Scheme, c.Host, c.Port)
}

// DirectURI returns the secondary base URL, or "" when the candidate has no
// direct-address form.
func (c Candidate) DirectURI() string {
	if c.DirectHost == "" {
		return ""
	}
	return fmt.Sprintf("%s://%s:%d", c.Scheme, c.DirectHost, c.Port)
}

// Endpoint is a server address that passed a liveness probe. It is bound
// once on server selection and replaced wholesale on re-selection; it never
// mutates in place.
type Endpoint struct {
	BaseURL     string
	AccessToken string
}

// String identifies the endpoint without leaking the token.
func (e *Endpoint) String() string {
	return e.BaseURL
}
