package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	mapboxBaseURL    = "https://api.mapbox.com"
	nominatimBaseURL = "https://nominatim.openstreetmap.org"
	geocoderAgent    = "InjuredAnimalRescue-API/1.0"
)

// GeocodeResult is the address found for a coordinate.
type GeocodeResult struct {
	Address    string
	Locality   string
	PostalCode string
}

// Formatted joins the parts into one line, skipping empty or repeated parts.
func (r GeocodeResult) Formatted() string {
	parts := make([]string, 0, 3)
	for _, part := range []string{r.Address, r.Locality, r.PostalCode} {
		part = strings.TrimSpace(part)
		if part == "" || strings.Contains(strings.Join(parts, ", "), part) {
			continue
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, ", ")
}

// Geocoder resolves an address for a coordinate. A nil result with a nil
// error means nothing was found.
type Geocoder interface {
	Geocode(ctx context.Context, lat, lng float64) (*GeocodeResult, error)
}

func newGeocoder(cfg *Config) Geocoder {
	httpClient := &http.Client{Timeout: 10 * time.Second}
	mapbox := &MapboxGeocoder{AccessToken: cfg.MapboxAccessToken, Client: httpClient}
	nominatim := &NominatimGeocoder{UserAgent: geocoderAgent, Client: httpClient}

	switch cfg.GeocoderProvider {
	case "none":
		return nil
	case "mapbox":
		return mapbox
	case "nominatim":
		return nominatim
	default:
		if cfg.MapboxAccessToken == "" {
			return nominatim
		}
		return &FallbackGeocoder{Primary: mapbox, Secondary: nominatim}
	}
}

// MapboxGeocoder uses the Mapbox reverse geocoding API v6.
type MapboxGeocoder struct {
	AccessToken string
	Client      *http.Client
	BaseURL     string
}

func (g *MapboxGeocoder) Geocode(ctx context.Context, lat, lng float64) (*GeocodeResult, error) {
	if g.AccessToken == "" {
		return nil, errors.New("mapbox access token missing")
	}

	query := url.Values{}
	query.Set("longitude", fmt.Sprintf("%f", lng))
	query.Set("latitude", fmt.Sprintf("%f", lat))
	query.Set("access_token", g.AccessToken)
	query.Set("types", "address,street,locality,place")
	query.Set("limit", "1")
	u := baseOrDefault(g.BaseURL, mapboxBaseURL) + "/search/geocode/v6/reverse?" + query.Encode()

	var data struct {
		Features []struct {
			Properties struct {
				FullAddress string `json:"full_address"`
				Context     struct {
					Place struct {
						Name string `json:"name"`
					} `json:"place"`
					Postcode struct {
						Name string `json:"name"`
					} `json:"postcode"`
				} `json:"context"`
			} `json:"properties"`
		} `json:"features"`
	}
	if err := getJSON(ctx, g.Client, u, "", &data); err != nil {
		return nil, fmt.Errorf("mapbox: %w", err)
	}
	if len(data.Features) == 0 {
		return nil, nil
	}

	feat := data.Features[0]
	return &GeocodeResult{
		Address:    feat.Properties.FullAddress,
		Locality:   feat.Properties.Context.Place.Name,
		PostalCode: feat.Properties.Context.Postcode.Name,
	}, nil
}

// NominatimGeocoder uses OpenStreetMap Nominatim. The public instance allows
// one request per second and requires a User-Agent.
type NominatimGeocoder struct {
	UserAgent string
	Client    *http.Client
	BaseURL   string

	mu       sync.Mutex
	lastCall time.Time
}

func (g *NominatimGeocoder) throttle(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if wait := time.Second - time.Since(g.lastCall); wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	g.lastCall = time.Now()
	return nil
}

func (g *NominatimGeocoder) Geocode(ctx context.Context, lat, lng float64) (*GeocodeResult, error) {
	if err := g.throttle(ctx); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("format", "jsonv2")
	query.Set("lat", fmt.Sprintf("%f", lat))
	query.Set("lon", fmt.Sprintf("%f", lng))
	query.Set("addressdetails", "1")
	u := baseOrDefault(g.BaseURL, nominatimBaseURL) + "/reverse?" + query.Encode()

	var data struct {
		Address struct {
			Road          string `json:"road"`
			HouseNumber   string `json:"house_number"`
			Suburb        string `json:"suburb"`
			Neighbourhood string `json:"neighbourhood"`
			City          string `json:"city"`
			Town          string `json:"town"`
			Village       string `json:"village"`
			Postcode      string `json:"postcode"`
		} `json:"address"`
	}
	if err := getJSON(ctx, g.Client, u, g.UserAgent, &data); err != nil {
		return nil, fmt.Errorf("nominatim: %w", err)
	}

	locality := firstNonEmpty(data.Address.City, data.Address.Town, data.Address.Village)
	street := strings.TrimSpace(strings.Join([]string{data.Address.HouseNumber, data.Address.Road}, " "))
	area := firstNonEmpty(data.Address.Suburb, data.Address.Neighbourhood)
	addr := street
	if area != "" {
		addr = strings.Trim(strings.Join([]string{street, area}, ", "), ", ")
	}
	if addr == "" && locality == "" {
		return nil, nil
	}

	return &GeocodeResult{
		Address:    addr,
		Locality:   locality,
		PostalCode: data.Address.Postcode,
	}, nil
}

// FallbackGeocoder asks Primary first and Secondary when Primary fails or
// finds nothing.
type FallbackGeocoder struct {
	Primary   Geocoder
	Secondary Geocoder
}

func (g *FallbackGeocoder) Geocode(ctx context.Context, lat, lng float64) (*GeocodeResult, error) {
	res, err := g.Primary.Geocode(ctx, lat, lng)
	if err != nil || res == nil {
		return g.Secondary.Geocode(ctx, lat, lng)
	}
	return res, nil
}

func getJSON(ctx context.Context, client *http.Client, u, userAgent string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

func baseOrDefault(base, fallback string) string {
	if strings.TrimSpace(base) == "" {
		return fallback
	}
	return strings.TrimRight(base, "/")
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func (a *App) geocodeReport(ctx context.Context, report Report) error {
	if !report.Located() {
		return nil
	}
	res, err := a.geocoder.Geocode(ctx, *report.Latitude, *report.Longitude)
	if err != nil {
		return err
	}
	if res == nil {
		return nil
	}
	address := res.Formatted()
	if address == "" {
		return nil
	}
	a.log.Info("geocoded report", "id", report.ID, "address", address)
	return a.setReportAddress(ctx, report.ID, address)
}

// backfillAddresses geocodes located reports that have no address yet.
func (a *App) backfillAddresses(ctx context.Context) (int, error) {
	if a.geocoder == nil {
		return 0, errors.New("geocoder disabled")
	}
	reports, err := a.listUnaddressedReports(ctx)
	if err != nil {
		return 0, err
	}
	backfilled := 0
	for _, report := range reports {
		if err := ctx.Err(); err != nil {
			return backfilled, err
		}
		if err := a.geocodeReport(ctx, report); err != nil {
			a.log.Error("geocoding failed", "id", report.ID, "err", err)
			continue
		}
		backfilled++
	}
	return backfilled, nil
}
