// Package route provides road-network routing via Valhalla (primary) and
// OSRM (alternate). Both clients enforce the public instances'
// inter-request delay internally; callers never sleep between requests.
package route

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/sells-group/roadworks-cli/internal/geometry"
)

// Engine names recorded on routed segments.
const (
	EngineValhalla = "valhalla"
	EngineOSRM     = "osrm"

	// EngineStraightLine marks geometry no router produced: the segment
	// fell back to a straight line between its endpoints.
	EngineStraightLine = "straight_line"
)

// Route is a drivable path between two coordinates.
type Route struct {
	Points     []geometry.Point
	DistanceKm float64
	Engine     string
}

// Router computes a drivable route between two coordinates. A nil error
// guarantees a route with at least two points.
type Router interface {
	Route(ctx context.Context, from, to geometry.Point) (*Route, error)
	Engine() string
}

// clientConfig holds the knobs shared by both engines.
type clientConfig struct {
	http      *http.Client
	baseURL   string
	userAgent string
	limiter   *rate.Limiter
}

// Option configures a routing client.
type Option func(*clientConfig)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *clientConfig) {
		c.http = hc
	}
}

// WithBaseURL overrides the engine endpoint, mainly for tests.
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

// WithMinInterval sets the minimum delay between requests. The public
// routing instances treat this as a hard courtesy limit, so it must not be
// lowered below their published floor in production use.
func WithMinInterval(d time.Duration) Option {
	return func(c *clientConfig) {
		if d <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// wait blocks until the engine's rate limiter admits the next request.
func (c *clientConfig) wait(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}
