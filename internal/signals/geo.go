package signals

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Score deltas for service-area checks.
const (
	GeoInRangeDelta  = 10
	GeoNearDelta     = -10
	GeoOutRangeDelta = -20
)

const earthRadiusMiles = 3958.8

var errNoGeocode = errors.New("address not found")

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64
	Lon float64
}

// GeoProvider geocodes the lead's address and the client's service-area origin
// and compares their distance with the client's radius. The endpoint follows
// the Nominatim search API: ?q=<address>&format=json returning
// [{"lat":"..","lon":".."}].
type GeoProvider struct {
	endpoint  string
	userAgent string
	client    *http.Client
}

// NewGeoProvider creates a provider. client may be nil.
func NewGeoProvider(endpoint, userAgent string, client *http.Client) *GeoProvider {
	if client == nil {
		client = &http.Client{}
	}
	if userAgent == "" {
		userAgent = "LeadPipe/1.0"
	}
	return &GeoProvider{endpoint: endpoint, userAgent: userAgent, client: client}
}

func (p *GeoProvider) Name() string { return "geo" }

// Lookup implements Provider.
func (p *GeoProvider) Lookup(ctx context.Context, lead models.Lead) (models.Signal, error) {
	if strings.TrimSpace(lead.Address) == "" || strings.TrimSpace(lead.ServiceArea) == "" || lead.RadiusMiles <= 0 {
		return models.Signal{}, ErrSkipped
	}
	origin, err := p.geocode(ctx, lead.ServiceArea)
	if err != nil {
		return models.Signal{}, fmt.Errorf("geocode service area: %w", err)
	}
	dest, err := p.geocode(ctx, lead.Address)
	if errors.Is(err, errNoGeocode) {
		return models.Signal{Source: p.Name(), Delta: GeoNearDelta, Detail: "lead address could not be located"}, nil
	}
	if err != nil {
		return models.Signal{}, fmt.Errorf("geocode lead address: %w", err)
	}
	dist := HaversineMiles(origin, dest)
	return models.Signal{
		Source: p.Name(),
		Delta:  DistanceDelta(dist, lead.RadiusMiles),
		Detail: fmt.Sprintf("%.1f miles from service area (radius %.0f)", dist, lead.RadiusMiles),
	}, nil
}

type nominatimPlace struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

func (p *GeoProvider) geocode(ctx context.Context, address string) (Point, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return Point{}, fmt.Errorf("geo endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", address)
	q.Set("format", "json")
	q.Set("limit", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return Point{}, err
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "application/json")

	var places []nominatimPlace
	if err := getJSON(ctx, p.client, req, &places); err != nil {
		return Point{}, err
	}
	if len(places) == 0 {
		return Point{}, errNoGeocode
	}
	lat, err1 := strconv.ParseFloat(places[0].Lat, 64)
	lon, err2 := strconv.ParseFloat(places[0].Lon, 64)
	if err1 != nil || err2 != nil {
		return Point{}, fmt.Errorf("bad coordinates %q,%q", places[0].Lat, places[0].Lon)
	}
	return Point{Lat: lat, Lon: lon}, nil
}

// DistanceDelta grades a distance against a service radius: inside is good,
// up to twice the radius is a mild penalty, beyond that a strong one.
func DistanceDelta(miles, radius float64) int {
	switch {
	case miles <= radius:
		return GeoInRangeDelta
	case miles <= 2*radius:
		return GeoNearDelta
	default:
		return GeoOutRangeDelta
	}
}

// HaversineMiles returns the great-circle distance between two points.
func HaversineMiles(a, b Point) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMiles * math.Asin(math.Min(1, math.Sqrt(h)))
}
