package api

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jmylchreest/tvclient/pkg/cache"
)

// MediaContainer is the envelope every metadata response arrives in.
type MediaContainer struct {
	Size      int        `json:"size"`
	Directory []Metadata `json:"Directory,omitempty"`
	Metadata  []Metadata `json:"Metadata,omitempty"`
}

// mediaContainerResponse is the top-level JSON document.
type mediaContainerResponse struct {
	MediaContainer MediaContainer `json:"MediaContainer"`
}

// Metadata describes one library item: a section, show, season, episode,
// movie or track depending on Type.
type Metadata struct {
	RatingKey        string  `json:"ratingKey"`
	Key              string  `json:"key"`
	ParentRatingKey  string  `json:"parentRatingKey,omitempty"`
	Type             string  `json:"type"`
	Title            string  `json:"title"`
	ParentTitle      string  `json:"parentTitle,omitempty"`
	GrandparentTitle string  `json:"grandparentTitle,omitempty"`
	Summary          string  `json:"summary,omitempty"`
	Thumb            string  `json:"thumb,omitempty"`
	Art              string  `json:"art,omitempty"`
	Duration         int64   `json:"duration,omitempty"`
	ViewOffset       int64   `json:"viewOffset,omitempty"`
	ViewCount        int     `json:"viewCount,omitempty"`
	Index            int     `json:"index,omitempty"`
	ParentIndex      int     `json:"parentIndex,omitempty"`
	Year             int     `json:"year,omitempty"`
	Rating           float64 `json:"rating,omitempty"`
	AddedAt          int64   `json:"addedAt,omitempty"`
	UpdatedAt        int64   `json:"updatedAt,omitempty"`
	Media            []Media `json:"Media,omitempty"`
}

// Media is one playable variant of an item.
type Media struct {
	ID              int64   `json:"id"`
	Duration        int64   `json:"duration,omitempty"`
	Bitrate         int     `json:"bitrate,omitempty"`
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	AudioChannels   int     `json:"audioChannels,omitempty"`
	AudioCodec      string  `json:"audioCodec,omitempty"`
	VideoCodec      string  `json:"videoCodec,omitempty"`
	VideoResolution string  `json:"videoResolution,omitempty"`
	Container       string  `json:"container,omitempty"`
	VideoFrameRate  string  `json:"videoFrameRate,omitempty"`
	AspectRatio     float64 `json:"aspectRatio,omitempty"`
	Part            []Part  `json:"Part,omitempty"`
}

// Part is one file making up a media variant. Key is the server-relative
// download/stream path for the raw file.
type Part struct {
	ID        int64  `json:"id"`
	Key       string `json:"key"`
	Duration  int64  `json:"duration,omitempty"`
	File      string `json:"file,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Container string `json:"container,omitempty"`
}

// Sections lists the server's library sections.
func (c *Client) Sections(ctx context.Context) (*MediaContainer, error) {
	return c.container(ctx, "/library/sections", nil)
}

// SectionItems lists the top-level items of a library section.
func (c *Client) SectionItems(ctx context.Context, sectionKey string) (*MediaContainer, error) {
	return c.container(ctx, fmt.Sprintf("/library/sections/%s/all", url.PathEscape(sectionKey)), nil)
}

// Metadata fetches full metadata for one item by rating key.
func (c *Client) Metadata(ctx context.Context, ratingKey string) (*MediaContainer, error) {
	return c.container(ctx, fmt.Sprintf("/library/metadata/%s", url.PathEscape(ratingKey)), nil)
}

// Children lists the children of an item (seasons of a show, episodes of a
// season).
func (c *Client) Children(ctx context.Context, ratingKey string) (*MediaContainer, error) {
	return c.container(ctx, fmt.Sprintf("/library/metadata/%s/children", url.PathEscape(ratingKey)), nil)
}

// OnDeck lists partially-watched items ready to resume.
func (c *Client) OnDeck(ctx context.Context) (*MediaContainer, error) {
	return c.container(ctx, "/library/onDeck", nil)
}

// RecentlyAdded lists recently added items across sections.
func (c *Client) RecentlyAdded(ctx context.Context) (*MediaContainer, error) {
	return c.container(ctx, "/library/recentlyAdded", nil)
}

// Search runs a server-side search across all sections.
func (c *Client) Search(ctx context.Context, query string) (*MediaContainer, error) {
	q := url.Values{}
	q.Set("query", query)
	// Search results change with the library; never serve them stale.
	resp, err := Request[mediaContainerResponse](ctx, c, RequestSpec{
		Path:         "/search",
		Query:        q,
		RequiresAuth: true,
	})
	if err != nil {
		return nil, err
	}
	return &resp.MediaContainer, nil
}

// InvalidateLibrary drops every cached response whose key mentions the
// given fragment (a section key, a rating key, or "/library" for
// everything). Returns the number of entries dropped.
func (c *Client) InvalidateLibrary(fragment string) int {
	return c.cache.InvalidateMatching(fragment)
}

// container fetches a MediaContainer path through the cache. Concurrent
// callers for the same path share one in-flight request; a fresh cached
// envelope is served without touching the network.
func (c *Client) container(ctx context.Context, path string, query url.Values) (*MediaContainer, error) {
	key := c.cacheKey(path, query)

	if mc, ok := cache.GetTyped[*MediaContainer](c.cache, key); ok {
		return mc, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: a concurrent caller may have filled
		// the cache between our miss and the flight starting.
		if mc, ok := cache.GetTyped[*MediaContainer](c.cache, key); ok {
			return mc, nil
		}

		resp, err := Request[mediaContainerResponse](ctx, c, RequestSpec{
			Path:         path,
			Query:        query,
			RequiresAuth: true,
		})
		if err != nil {
			return nil, err
		}

		mc := &resp.MediaContainer
		ttl := c.config.MetadataTTL
		if ttl <= 0 {
			ttl = DefaultMetadataTTL
		}
		c.cache.Set(key, mc, ttl)
		return mc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*MediaContainer), nil
}

// cacheKey scopes cached responses to the bound server so an endpoint swap
// can never serve another server's data even if invalidation raced.
func (c *Client) cacheKey(path string, query url.Values) string {
	base := ""
	if ep := c.endpoint.Load(); ep != nil {
		base = ep.BaseURL
	}
	if len(query) == 0 {
		return base + path
	}
	return base + path + "?" + query.Encode()
}

// MetadataTTL reports the configured metadata TTL; exposed for callers
// sizing their own refresh timers against the cache.
func (c *Client) MetadataTTL() time.Duration {
	if c.config.MetadataTTL <= 0 {
		return DefaultMetadataTTL
	}
	return c.config.MetadataTTL
}
