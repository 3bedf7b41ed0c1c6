package geo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
)

const (
	// DefaultZoom is the zoom level maps open at.
	DefaultZoom = 13
	// MaxZoom is the deepest zoom the public tile server renders.
	MaxZoom = 19
	// MaxMercatorLatitude bounds what Web Mercator tiles can show.
	MaxMercatorLatitude = 85.05112878
	// TileURLTemplate is the public OpenStreetMap tile server.
	TileURLTemplate = "https://%s.tile.openstreetmap.org/%d/%d/%d.png"
)

var (
	ErrPermissionDenied    = errors.New("geolocation permission denied")
	ErrPositionUnavailable = errors.New("position unavailable")

	// DefaultCenter is where the dashboard map opens before a device fix arrives (Pune).
	DefaultCenter = Coordinate{Lat: 18.5204, Lng: 73.8567}

	tileSubdomains = []string{"a", "b", "c"}
)

// Coordinate is a WGS84 point in degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinate lies within WGS84 bounds.
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng)
}

// Locator looks up the device's current position.
type Locator interface {
	CurrentPosition(ctx context.Context) (Coordinate, error)
}

// FixedLocator always reports the same position, or Err when set.
type FixedLocator struct {
	Position Coordinate
	Err      error
}

func (l FixedLocator) CurrentPosition(ctx context.Context) (Coordinate, error) {
	if err := ctx.Err(); err != nil {
		return Coordinate{}, err
	}
	if l.Err != nil {
		return Coordinate{}, l.Err
	}
	return l.Position, nil
}

// Selection holds the single coordinate picked for a report, set either by a
// map click or by a device lookup. Each new value replaces the previous one.
type Selection struct {
	mu        sync.Mutex
	current   *Coordinate
	listeners []func(Coordinate)
}

// OnChange registers fn to run every time a coordinate becomes available.
func (s *Selection) OnChange(fn func(Coordinate)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Select records a map click.
func (s *Selection) Select(c Coordinate) error {
	if !c.Valid() {
		return fmt.Errorf("invalid coordinate %s", c)
	}
	s.set(c)
	return nil
}

// Locate asks the locator for the current position. A failed lookup keeps
// whatever was selected before; the returned error is informational only.
func (s *Selection) Locate(ctx context.Context, locator Locator) (bool, error) {
	if locator == nil {
		return false, ErrPositionUnavailable
	}
	c, err := locator.CurrentPosition(ctx)
	if err != nil {
		return false, err
	}
	if !c.Valid() {
		return false, fmt.Errorf("%w: invalid coordinate %s", ErrPositionUnavailable, c)
	}
	s.set(c)
	return true, nil
}

// Current returns the selected coordinate, if any.
func (s *Selection) Current() (Coordinate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Coordinate{}, false
	}
	return *s.current, true
}

// Clear forgets the selection. Listeners are not notified.
func (s *Selection) Clear() {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
}

func (s *Selection) set(c Coordinate) {
	s.mu.Lock()
	value := c
	s.current = &value
	listeners := append([]func(Coordinate){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(c)
	}
}

// Viewport is the visible map window.
type Viewport struct {
	Center Coordinate
	Zoom   int
}

// NewViewport opens at DefaultCenter and DefaultZoom.
func NewViewport() *Viewport {
	return &Viewport{Center: DefaultCenter, Zoom: DefaultZoom}
}

// Recenter flies to c without touching the zoom level.
func (v *Viewport) Recenter(c Coordinate) {
	v.Center = c
}

// Follow recenters the viewport whenever the selection changes.
func (v *Viewport) Follow(s *Selection) {
	s.OnChange(v.Recenter)
}

// TileForCoordinate returns slippy-map tile indices for c at zoom z.
// Latitudes beyond the Web Mercator limit land in the first or last row.
func TileForCoordinate(c Coordinate, z int) (int, int, error) {
	if z < 0 || z > MaxZoom {
		return 0, 0, fmt.Errorf("zoom %d outside 0..%d", z, MaxZoom)
	}
	if !c.Valid() {
		return 0, 0, fmt.Errorf("invalid coordinate %s", c)
	}
	lat := math.Max(-MaxMercatorLatitude, math.Min(MaxMercatorLatitude, c.Lat))

	n := math.Exp2(float64(z))
	x := int(math.Floor((c.Lng + 180.0) / 360.0 * n))
	latRad := lat * math.Pi / 180
	y := int(math.Floor((1.0 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2.0 * n))
	maxIndex := int(n) - 1
	return clampIndex(x, maxIndex), clampIndex(y, maxIndex), nil
}

func clampIndex(v, maxIndex int) int {
	if v < 0 {
		return 0
	}
	if v > maxIndex {
		return maxIndex
	}
	return v
}

// TileURL builds the tile URL for z/x/y, spreading requests across subdomains.
func TileURL(z, x, y int) string {
	i := (x + y) % len(tileSubdomains)
	if i < 0 {
		i += len(tileSubdomains)
	}
	return fmt.Sprintf(TileURLTemplate, tileSubdomains[i], z, x, y)
}

// TileURL returns the tile under the viewport's center.
func (v *Viewport) TileURL() (string, error) {
	x, y, err := TileForCoordinate(v.Center, v.Zoom)
	if err != nil {
		return "", err
	}
	return TileURL(v.Zoom, x, y), nil
}
