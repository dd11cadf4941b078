// Package geocode provides road-intersection geocoding via the ArcGIS World
// Geocoder (primary) and Nominatim (independent secondary, used for
// cross-validation). Both clients enforce their service's inter-request
// delay internally; callers never sleep between requests.
package geocode

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Candidate is one geocoder match. Providers return candidates ordered by
// descending confidence.
type Candidate struct {
	Lon     float64
	Lat     float64
	Score   float64 // provider confidence [0,100]; 0 when the provider reports none
	Address string  // matched address text
	County  string  // administrative county, when the provider reports it
}

// Extent is a lon/lat search bounding box.
type Extent struct {
	MinLon float64
	MinLat float64
	MaxLon float64
	MaxLat float64
}

// LonLat is a bias coordinate for location-weighted searches.
type LonLat struct {
	Lon float64
	Lat float64
}

// ResolveOptions narrow a geocoding query.
type ResolveOptions struct {
	// Extent is the search bounding box (ArcGIS searchExtent, Nominatim
	// viewbox). Nil means unconstrained.
	Extent *Extent

	// Bias weights results toward a coordinate (ArcGIS only).
	Bias *LonLat

	// Limit caps returned candidates; 0 uses the provider default.
	Limit int

	// Bounded hard-restricts results to Extent where the provider
	// supports it (Nominatim bounded=1).
	Bounded bool
}

// Client resolves a free-text intersection query to ranked candidates. An
// empty candidate list with a nil error means the service answered but found
// nothing.
type Client interface {
	Resolve(ctx context.Context, query string, opts ResolveOptions) ([]Candidate, error)
}

// StructuredClient additionally supports structured street/county/state
// queries (Nominatim).
type StructuredClient interface {
	Client
	ResolveStructured(ctx context.Context, street, county, state string, limit int) ([]Candidate, error)
}

// clientConfig holds the knobs shared by both providers.
type clientConfig struct {
	http      *http.Client
	baseURL   string
	userAgent string
	limiter   *rate.Limiter
}

// Option configures a geocoding client.
type Option func(*clientConfig)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *clientConfig) {
		c.http = hc
	}
}

// WithBaseURL overrides the provider endpoint, mainly for tests.
func WithBaseURL(u string) Option {
	return func(c *clientConfig) {
		c.baseURL = u
	}
}

// WithUserAgent sets the User-Agent header sent on every request.
func WithUserAgent(ua string) Option {
	return func(c *clientConfig) {
		c.userAgent = ua
	}
}

// WithMinInterval sets the minimum delay between requests. The services
// treat this as a hard courtesy limit, so it must not be lowered below their
// published floor in production use.
func WithMinInterval(d time.Duration) Option {
	return func(c *clientConfig) {
		if d <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// wait blocks until the provider's rate limiter admits the next request.
func (c *clientConfig) wait(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}
