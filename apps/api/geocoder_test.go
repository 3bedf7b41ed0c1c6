package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticGeocoder struct {
	result *GeocodeResult
	err    error
}

func (g staticGeocoder) Geocode(ctx context.Context, lat, lng float64) (*GeocodeResult, error) {
	return g.result, g.err
}

func TestGeocodeResultFormatted(t *testing.T) {
	assert.Equal(t, "FC Road, Pune, 411004", GeocodeResult{Address: "FC Road", Locality: "Pune", PostalCode: "411004"}.Formatted())
	assert.Equal(t, "FC Road, Pune 411004", GeocodeResult{Address: "FC Road, Pune 411004", Locality: "Pune", PostalCode: "411004"}.Formatted())
	assert.Equal(t, "", GeocodeResult{}.Formatted())
}

func TestMapboxGeocoder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search/geocode/v6/reverse", r.URL.Path)
		assert.Equal(t, "token", r.URL.Query().Get("access_token"))
		assert.Equal(t, "18.520400", r.URL.Query().Get("latitude"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"features":[{"properties":{"full_address":"FC Road, Shivajinagar","context":{"place":{"name":"Pune"},"postcode":{"name":"411004"}}}}]}`)
	}))
	defer server.Close()

	geocoder := &MapboxGeocoder{AccessToken: "token", Client: server.Client(), BaseURL: server.URL}
	res, err := geocoder.Geocode(context.Background(), 18.5204, 73.8567)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "FC Road, Shivajinagar", res.Address)
	assert.Equal(t, "Pune", res.Locality)
	assert.Equal(t, "411004", res.PostalCode)
}

func TestMapboxGeocoder_RequiresToken(t *testing.T) {
	_, err := (&MapboxGeocoder{Client: http.DefaultClient}).Geocode(context.Background(), 1, 2)
	assert.Error(t, err)
}

func TestNominatimGeocoder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/reverse", r.URL.Path)
		assert.Equal(t, geocoderAgent, r.Header.Get("User-Agent"))
		_, _ = io.WriteString(w, `{"address":{"road":"FC Road","house_number":"12","suburb":"Shivajinagar","city":"Pune","postcode":"411004"}}`)
	}))
	defer server.Close()

	geocoder := &NominatimGeocoder{UserAgent: geocoderAgent, Client: server.Client(), BaseURL: server.URL}
	res, err := geocoder.Geocode(context.Background(), 18.5204, 73.8567)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "12 FC Road, Shivajinagar", res.Address)
	assert.Equal(t, "Pune", res.Locality)
}

func TestNominatimGeocoder_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer server.Close()

	geocoder := &NominatimGeocoder{Client: server.Client(), BaseURL: server.URL}
	_, err := geocoder.Geocode(context.Background(), 1, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 429")
}

func TestFallbackGeocoder(t *testing.T) {
	secondary := staticGeocoder{result: &GeocodeResult{Address: "from secondary"}}

	res, err := (&FallbackGeocoder{Primary: staticGeocoder{err: errors.New("down")}, Secondary: secondary}).Geocode(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, "from secondary", res.Address)

	res, err = (&FallbackGeocoder{Primary: staticGeocoder{}, Secondary: secondary}).Geocode(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, "from secondary", res.Address)

	res, err = (&FallbackGeocoder{Primary: staticGeocoder{result: &GeocodeResult{Address: "primary"}}, Secondary: secondary}).Geocode(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, "primary", res.Address)
}

func TestNewGeocoder_Selection(t *testing.T) {
	assert.Nil(t, newGeocoder(&Config{GeocoderProvider: "none"}))
	assert.IsType(t, &MapboxGeocoder{}, newGeocoder(&Config{GeocoderProvider: "mapbox", MapboxAccessToken: "t"}))
	assert.IsType(t, &NominatimGeocoder{}, newGeocoder(&Config{GeocoderProvider: "nominatim"}))
	assert.IsType(t, &NominatimGeocoder{}, newGeocoder(&Config{}))
	assert.IsType(t, &FallbackGeocoder{}, newGeocoder(&Config{MapboxAccessToken: "t"}))
}

func TestBackfillAddresses(t *testing.T) {
	app := &App{
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		geocoder: staticGeocoder{result: &GeocodeResult{Address: "FC Road", Locality: "Pune"}},
	}
	app.listUnaddressedReports = func(ctx context.Context) ([]Report, error) {
		return []Report{
			{ID: 1, Latitude: floatPtr(18.5), Longitude: floatPtr(73.8)},
			{ID: 2, Latitude: floatPtr(18.6), Longitude: floatPtr(73.9)},
		}, nil
	}
	updated := map[int64]string{}
	app.setReportAddress = func(ctx context.Context, reportID int64, address string) error {
		if reportID == 2 {
			return errors.New("db down")
		}
		updated[reportID] = address
		return nil
	}

	count, err := app.backfillAddresses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, map[int64]string{1: "FC Road, Pune"}, updated)
}

func TestBackfillAddresses_RequiresGeocoder(t *testing.T) {
	app := &App{log: slog.New(slog.NewTextHandler(io.Discard, nil))}
	_, err := app.backfillAddresses(context.Background())
	assert.Error(t, err)
}
