package api

import (
	"net/http"
	"net/url"
	"runtime"

	"github.com/google/uuid"

	"github.com/jmylchreest/tvclient/internal/version"
)

// Identification header names sent with every request (wire contract of the
// media server).
const (
	HeaderProduct          = "X-Plex-Product"
	HeaderVersion          = "X-Plex-Version"
	HeaderClientIdentifier = "X-Plex-Client-Identifier"
	HeaderPlatform         = "X-Plex-Platform"
	HeaderPlatformVersion  = "X-Plex-Platform-Version"
	HeaderDeviceName       = "X-Plex-Device-Name"
	HeaderToken            = "X-Plex-Token"
)

// Device identifies this install to the server. The ClientID must be stable
// across runs: callers persist it once and pass it back in; when empty a
// fresh random UUID is generated (first run).
type Device struct {
	Product         string
	Version         string
	Platform        string
	PlatformVersion string
	Name            string
	ClientID        string
}

// NewDevice builds a device identity with library defaults for everything
// but the user-visible name and the persisted client identifier.
func NewDevice(name, clientID string) Device {
	if clientID == "" {
		clientID = uuid.NewString()
	}
	return Device{
		Product:         version.ApplicationName,
		Version:         version.Version,
		Platform:        runtime.GOOS,
		PlatformVersion: version.GoVersion,
		Name:            name,
		ClientID:        clientID,
	}
}

// applyHeaders stamps the identification headers onto a request. The token
// header is only set when a token is bound.
func (d Device) applyHeaders(h http.Header, token string) {
	h.Set(HeaderProduct, d.Product)
	h.Set(HeaderVersion, d.Version)
	h.Set(HeaderClientIdentifier, d.ClientID)
	h.Set(HeaderPlatform, d.Platform)
	h.Set(HeaderPlatformVersion, d.PlatformVersion)
	h.Set(HeaderDeviceName, d.Name)
	if token != "" {
		h.Set(HeaderToken, token)
	}
}

// QueryParams returns the identification set as query parameters, used by
// streaming URLs that are handed to an external player and therefore cannot
// carry headers.
func (d Device) QueryParams() url.Values {
	q := url.Values{}
	q.Set(HeaderProduct, d.Product)
	q.Set(HeaderVersion, d.Version)
	q.Set(HeaderClientIdentifier, d.ClientID)
	q.Set(HeaderPlatform, d.Platform)
	q.Set(HeaderDeviceName, d.Name)
	return q
}
