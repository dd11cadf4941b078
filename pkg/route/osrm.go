package route

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/roadworks-cli/internal/geometry"
	"github.com/sells-group/roadworks-cli/internal/resilience"
)

const (
	osrmURL = "https://router.project-osrm.org/route/v1/driving"

	// osrmMinInterval is the courtesy delay the public demo instance asks
	// for between requests.
	osrmMinInterval = 550 * time.Millisecond
)

type osrmClient struct {
	clientConfig
}

// NewOSRM creates a client for an OSRM routing instance. OSRM has no
// shortest-distance costing, so routes minimize travel time.
func NewOSRM(opts ...Option) Router {
	c := &osrmClient{clientConfig: clientConfig{
		http:      &http.Client{Timeout: 20 * time.Second},
		baseURL:   osrmURL,
		userAgent: "roadworks-cli/1.0",
	}}
	WithMinInterval(osrmMinInterval)(&c.clientConfig)
	for _, opt := range opts {
		opt(&c.clientConfig)
	}
	return c
}

func (c *osrmClient) Engine() string { return EngineOSRM }

// osrmResponse is the route service payload with GeoJSON geometry.
type osrmResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
		Distance float64 `json:"distance"` // meters
	} `json:"routes"`
}

// Route requests a drivable path between from and to.
func (c *osrmClient) Route(ctx context.Context, from, to geometry.Point) (*Route, error) {
	if err := c.wait(ctx); err != nil {
		return nil, eris.Wrap(err, "osrm: rate limit")
	}

	u := c.baseURL + "/" +
		formatCoord(from.Lon) + "," + formatCoord(from.Lat) + ";" +
		formatCoord(to.Lon) + "," + formatCoord(to.Lat) +
		"?overview=full&geometries=geojson&steps=false"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, eris.Wrap(err, "osrm: build request")
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "osrm: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "osrm: read body")
	}

	// OSRM reports NoRoute and friends with non-200 statuses too, so parse
	// the body before deciding on the status code.
	var parsed osrmResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		if resp.StatusCode != http.StatusOK {
			err := eris.Errorf("osrm: returned status %d", resp.StatusCode)
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return nil, resilience.NewTransientError(err, resp.StatusCode)
			}
			return nil, err
		}
		return nil, eris.Wrap(err, "osrm: parse response")
	}

	if resp.StatusCode != http.StatusOK && resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return nil, resilience.NewTransientError(
			eris.Errorf("osrm: returned status %d: %s", resp.StatusCode, parsed.Code), resp.StatusCode)
	}
	if parsed.Code != "Ok" {
		return nil, eris.Errorf("osrm: service error %s: %s", parsed.Code, parsed.Message)
	}
	if len(parsed.Routes) == 0 {
		return nil, eris.New("osrm: no routes returned")
	}

	raw := parsed.Routes[0]
	points := make([]geometry.Point, 0, len(raw.Geometry.Coordinates))
	for _, coord := range raw.Geometry.Coordinates {
		if len(coord) < 2 {
			return nil, eris.New("osrm: malformed coordinate in geometry")
		}
		points = append(points, geometry.Point{Lon: coord[0], Lat: coord[1]})
	}
	if len(points) < 2 {
		return nil, eris.Errorf("osrm: geometry has %d points", len(points))
	}

	return &Route{
		Points:     points,
		DistanceKm: raw.Distance / 1000.0,
		Engine:     EngineOSRM,
	}, nil
}

// formatCoord renders a coordinate for the URL path without exponent
// notation.
func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
