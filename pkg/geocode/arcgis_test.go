package geocode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/roadworks-cli/internal/resilience"
)

func TestArcGISResolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "SR 19 & CR 48, Lake County, FL", q.Get("SingleLine"))
		assert.Equal(t, "json", q.Get("f"))
		assert.Equal(t, "Score,Match_addr", q.Get("outFields"))
		assert.Equal(t, "-82.05,28.35,-81.2,29.1", q.Get("searchExtent"))
		assert.Equal(t, "-81.6,28.76", q.Get("location"))
		assert.Equal(t, "80000", q.Get("distance"))
		assert.Equal(t, "5", q.Get("maxLocations"))
		assert.Equal(t, "roadworks-cli/1.0", r.Header.Get("User-Agent"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"candidates": [
				{"address": "SR-19 & CR-48, Howey-in-the-Hills, FL", "location": {"x": -81.7732, "y": 28.7163}, "score": 98.5},
				{"address": "SR-19, Tavares, FL", "location": {"x": -81.7256, "y": 28.8042}, "score": 87.0}
			]
		}`))
	}))
	defer srv.Close()

	client := NewArcGIS(WithBaseURL(srv.URL), WithMinInterval(0))

	got, err := client.Resolve(context.Background(), "SR 19 & CR 48, Lake County, FL", ResolveOptions{
		Extent: &Extent{MinLon: -82.05, MinLat: 28.35, MaxLon: -81.20, MaxLat: 29.10},
		Bias:   &LonLat{Lon: -81.60, Lat: 28.76},
	})
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.InDelta(t, -81.7732, got[0].Lon, 1e-9)
	assert.InDelta(t, 28.7163, got[0].Lat, 1e-9)
	assert.InDelta(t, 98.5, got[0].Score, 1e-9)
	assert.Equal(t, "SR-19 & CR-48, Howey-in-the-Hills, FL", got[0].Address)
	assert.Greater(t, got[0].Score, got[1].Score)
}

func TestArcGISResolveNoMatches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"candidates": []}`))
	}))
	defer srv.Close()

	client := NewArcGIS(WithBaseURL(srv.URL), WithMinInterval(0))

	got, err := client.Resolve(context.Background(), "Nowhere Rd & Nothing Ln", ResolveOptions{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestArcGISResolveServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"error": {"code": 400, "message": "Unable to complete operation"}}`))
	}))
	defer srv.Close()

	client := NewArcGIS(WithBaseURL(srv.URL), WithMinInterval(0))

	_, err := client.Resolve(context.Background(), "SR 19", ResolveOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service error 400")
	assert.False(t, resilience.IsTransient(err))
}

func TestArcGISResolveTransientStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewArcGIS(WithBaseURL(srv.URL), WithMinInterval(0))

	_, err := client.Resolve(context.Background(), "SR 19", ResolveOptions{})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestArcGISResolveMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	client := NewArcGIS(WithBaseURL(srv.URL), WithMinInterval(0))

	_, err := client.Resolve(context.Background(), "SR 19", ResolveOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse response")
}

func TestArcGISDefaultLimitAndOmittedParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "5", q.Get("maxLocations"))
		assert.Empty(t, q.Get("searchExtent"))
		assert.Empty(t, q.Get("location"))
		assert.Empty(t, q.Get("distance"))
		_, _ = w.Write([]byte(`{"candidates": []}`))
	}))
	defer srv.Close()

	client := NewArcGIS(WithBaseURL(srv.URL), WithMinInterval(0))

	_, err := client.Resolve(context.Background(), "anywhere", ResolveOptions{})
	require.NoError(t, err)
}

func TestArcGISMinIntervalEnforced(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		_, _ = w.Write([]byte(`{"candidates": []}`))
	}))
	defer srv.Close()

	client := NewArcGIS(WithBaseURL(srv.URL), WithMinInterval(30*time.Millisecond))

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := client.Resolve(context.Background(), "SR 19", ResolveOptions{})
		require.NoError(t, err)
	}
	elapsed := time.Since(start)

	assert.Equal(t, 3, hits)
	// First request is admitted immediately; the next two wait.
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
}
