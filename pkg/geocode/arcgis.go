package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/roadworks-cli/internal/resilience"
)

const (
	arcgisURL = "https://geocode.arcgis.com/arcgis/rest/services/World/GeocodeServer/findAddressCandidates"

	// arcgisBiasDistance is the radius in meters around the bias point that
	// location-weighted searches prefer.
	arcgisBiasDistance = 80000

	// arcgisMinInterval is the courtesy delay between requests.
	arcgisMinInterval = 120 * time.Millisecond

	defaultArcGISLimit = 5
)

type arcgisClient struct {
	clientConfig
}

// NewArcGIS creates a client for the ArcGIS World Geocoder.
func NewArcGIS(opts ...Option) Client {
	c := &arcgisClient{clientConfig: clientConfig{
		http:      &http.Client{Timeout: 15 * time.Second},
		baseURL:   arcgisURL,
		userAgent: "roadworks-cli/1.0",
	}}
	WithMinInterval(arcgisMinInterval)(&c.clientConfig)
	for _, opt := range opts {
		opt(&c.clientConfig)
	}
	return c
}

// arcgisResponse is the findAddressCandidates JSON payload.
type arcgisResponse struct {
	Candidates []struct {
		Address  string `json:"address"`
		Location struct {
			X float64 `json:"x"`
			Y float64 `json:"y"`
		} `json:"location"`
		Score float64 `json:"score"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Resolve geocodes a free-text query via findAddressCandidates.
func (c *arcgisClient) Resolve(ctx context.Context, query string, opts ResolveOptions) ([]Candidate, error) {
	if err := c.wait(ctx); err != nil {
		return nil, eris.Wrap(err, "arcgis: rate limit")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultArcGISLimit
	}

	params := url.Values{
		"SingleLine":   {query},
		"f":            {"json"},
		"outFields":    {"Score,Match_addr"},
		"maxLocations": {strconv.Itoa(limit)},
	}
	if opts.Extent != nil {
		params.Set("searchExtent", fmt.Sprintf("%g,%g,%g,%g",
			opts.Extent.MinLon, opts.Extent.MinLat, opts.Extent.MaxLon, opts.Extent.MaxLat))
	}
	if opts.Bias != nil {
		params.Set("location", fmt.Sprintf("%g,%g", opts.Bias.Lon, opts.Bias.Lat))
		params.Set("distance", strconv.Itoa(arcgisBiasDistance))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "arcgis: build request")
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "arcgis: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("arcgis: returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "arcgis: read body")
	}

	var parsed arcgisResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, eris.Wrap(err, "arcgis: parse response")
	}
	if parsed.Error != nil {
		return nil, eris.Errorf("arcgis: service error %d: %s", parsed.Error.Code, parsed.Error.Message)
	}

	candidates := make([]Candidate, 0, len(parsed.Candidates))
	for _, raw := range parsed.Candidates {
		candidates = append(candidates, Candidate{
			Lon:     raw.Location.X,
			Lat:     raw.Location.Y,
			Score:   raw.Score,
			Address: raw.Address,
		})
	}
	return candidates, nil
}
