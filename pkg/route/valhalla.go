package route

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/roadworks-cli/internal/geometry"
	"github.com/sells-group/roadworks-cli/internal/resilience"
)

const (
	valhallaURL = "https://valhalla1.openstreetmap.de/route"

	// valhallaMinInterval is the courtesy delay between requests to the
	// FOSSGIS instance.
	valhallaMinInterval = 550 * time.Millisecond

	// polyline6 encodes coordinates scaled by 1e6.
	shapePrecision = 6
)

type valhallaClient struct {
	clientConfig
}

// NewValhalla creates a client for a Valhalla routing instance. Routes are
// requested with auto costing and the shortest-distance option, so the
// returned path minimizes length rather than travel time.
func NewValhalla(opts ...Option) Router {
	c := &valhallaClient{clientConfig: clientConfig{
		http:      &http.Client{Timeout: 20 * time.Second},
		baseURL:   valhallaURL,
		userAgent: "roadworks-cli/1.0",
	}}
	WithMinInterval(valhallaMinInterval)(&c.clientConfig)
	for _, opt := range opts {
		opt(&c.clientConfig)
	}
	return c
}

func (c *valhallaClient) Engine() string { return EngineValhalla }

// valhallaRequest is the POST /route JSON body.
type valhallaRequest struct {
	Locations      []valhallaLocation `json:"locations"`
	Costing        string             `json:"costing"`
	CostingOptions map[string]any     `json:"costing_options"`
	Units          string             `json:"units"`
}

type valhallaLocation struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// valhallaResponse is the trip payload; shape is polyline6-encoded.
type valhallaResponse struct {
	Trip struct {
		Legs []struct {
			Shape string `json:"shape"`
		} `json:"legs"`
		Summary struct {
			Length float64 `json:"length"`
		} `json:"summary"`
	} `json:"trip"`
	Error     string `json:"error"`
	ErrorCode int    `json:"error_code"`
}

// Route requests the shortest drivable path between from and to.
func (c *valhallaClient) Route(ctx context.Context, from, to geometry.Point) (*Route, error) {
	if err := c.wait(ctx); err != nil {
		return nil, eris.Wrap(err, "valhalla: rate limit")
	}

	body, err := json.Marshal(valhallaRequest{
		Locations: []valhallaLocation{
			{Lon: from.Lon, Lat: from.Lat},
			{Lon: to.Lon, Lat: to.Lat},
		},
		Costing:        "auto",
		CostingOptions: map[string]any{"auto": map[string]any{"shortest": true}},
		Units:          "kilometers",
	})
	if err != nil {
		return nil, eris.Wrap(err, "valhalla: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "valhalla: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "valhalla: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "valhalla: read body")
	}

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("valhalla: returned status %d: %s", resp.StatusCode, string(respBody))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	var parsed valhallaResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, eris.Wrap(err, "valhalla: parse response")
	}
	if parsed.Error != "" {
		return nil, eris.Errorf("valhalla: service error %d: %s", parsed.ErrorCode, parsed.Error)
	}
	if len(parsed.Trip.Legs) == 0 {
		return nil, eris.New("valhalla: trip has no legs")
	}

	points, err := decodePolyline(parsed.Trip.Legs[0].Shape, shapePrecision)
	if err != nil {
		return nil, eris.Wrap(err, "valhalla: decode shape")
	}
	if len(points) < 2 {
		return nil, eris.Errorf("valhalla: shape decoded to %d points", len(points))
	}

	return &Route{
		Points:     points,
		DistanceKm: parsed.Trip.Summary.Length,
		Engine:     EngineValhalla,
	}, nil
}

// decodePolyline decodes a Google-encoded polyline at the given precision.
// Valhalla shapes use precision 6.
func decodePolyline(encoded string, precision int) ([]geometry.Point, error) {
	inv := 1.0 / math.Pow10(precision)
	var points []geometry.Point
	var lat, lon int64
	for i := 0; i < len(encoded); {
		for dim := 0; dim < 2; dim++ {
			var result int64
			var shift uint
			for {
				if i >= len(encoded) {
					return nil, eris.New("truncated polyline")
				}
				b := int64(encoded[i]) - 63
				i++
				result |= (b & 0x1F) << shift
				shift += 5
				if b < 0x20 {
					break
				}
			}
			delta := result >> 1
			if result&1 != 0 {
				delta = ^delta
			}
			if dim == 0 {
				lat += delta
			} else {
				lon += delta
			}
		}
		points = append(points, geometry.Point{
			Lon: float64(lon) * inv,
			Lat: float64(lat) * inv,
		})
	}
	return points, nil
}
