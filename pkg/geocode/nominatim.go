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
	nominatimURL = "https://nominatim.openstreetmap.org/search"

	// nominatimMinInterval respects the usage policy of at most one
	// request per second, with headroom.
	nominatimMinInterval = 1100 * time.Millisecond

	defaultNominatimLimit = 5
)

type nominatimClient struct {
	clientConfig
}

// NewNominatim creates a client for the Nominatim search API. The usage
// policy requires an identifying User-Agent; a default is set but callers
// should provide their own.
func NewNominatim(opts ...Option) StructuredClient {
	c := &nominatimClient{clientConfig: clientConfig{
		http:      &http.Client{Timeout: 15 * time.Second},
		baseURL:   nominatimURL,
		userAgent: "roadworks-cli/1.0 (cross-validation)",
	}}
	WithMinInterval(nominatimMinInterval)(&c.clientConfig)
	for _, opt := range opts {
		opt(&c.clientConfig)
	}
	return c
}

// nominatimResult is one entry of the search response array. Coordinates
// arrive as strings.
type nominatimResult struct {
	Lon         string `json:"lon"`
	Lat         string `json:"lat"`
	DisplayName string `json:"display_name"`
	Type        string `json:"type"`
	Address     struct {
		County string `json:"county"`
	} `json:"address"`
}

// Resolve geocodes a free-text query. When opts.Extent is set it becomes the
// viewbox; opts.Bounded additionally rejects results outside it.
func (c *nominatimClient) Resolve(ctx context.Context, query string, opts ResolveOptions) ([]Candidate, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultNominatimLimit
	}

	params := url.Values{
		"q":              {query},
		"format":         {"json"},
		"limit":          {strconv.Itoa(limit)},
		"countrycodes":   {"us"},
		"addressdetails": {"1"},
	}
	if opts.Extent != nil {
		// Viewbox order is west,north,east,south.
		params.Set("viewbox", fmt.Sprintf("%g,%g,%g,%g",
			opts.Extent.MinLon, opts.Extent.MaxLat, opts.Extent.MaxLon, opts.Extent.MinLat))
		if opts.Bounded {
			params.Set("bounded", "1")
		} else {
			params.Set("bounded", "0")
		}
	}

	return c.search(ctx, params)
}

// ResolveStructured geocodes with explicit street/county/state fields, the
// fallback mode for intersections that free-text search cannot place.
func (c *nominatimClient) ResolveStructured(ctx context.Context, street, county, state string, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = defaultNominatimLimit
	}

	params := url.Values{
		"street":         {street},
		"county":         {county},
		"state":          {state},
		"country":        {"US"},
		"format":         {"json"},
		"limit":          {strconv.Itoa(limit)},
		"addressdetails": {"1"},
	}

	return c.search(ctx, params)
}

func (c *nominatimClient) search(ctx context.Context, params url.Values) ([]Candidate, error) {
	if err := c.wait(ctx); err != nil {
		return nil, eris.Wrap(err, "nominatim: rate limit")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "nominatim: build request")
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "nominatim: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("nominatim: returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "nominatim: read body")
	}

	var results []nominatimResult
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, eris.Wrap(err, "nominatim: parse response")
	}

	candidates := make([]Candidate, 0, len(results))
	for _, raw := range results {
		lon, lonErr := strconv.ParseFloat(raw.Lon, 64)
		lat, latErr := strconv.ParseFloat(raw.Lat, 64)
		if lonErr != nil || latErr != nil {
			continue
		}
		candidates = append(candidates, Candidate{
			Lon:     lon,
			Lat:     lat,
			Address: raw.DisplayName,
			County:  raw.Address.County,
		})
	}
	return candidates, nil
}
