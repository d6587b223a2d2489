package signals

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/BTreeMap/LeadPipe/internal/metrics"
	"github.com/BTreeMap/LeadPipe/internal/models"
)

type stubProvider struct {
	name  string
	delta int
	err   error
	delay time.Duration
}

func (s stubProvider) Name() string { return s.name }

func (s stubProvider) Lookup(ctx context.Context, lead models.Lead) (models.Signal, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return models.Signal{}, ctx.Err()
		}
	}
	if s.err != nil {
		return models.Signal{}, s.err
	}
	return models.Signal{Delta: s.delta}, nil
}

func TestCollector_MergesAndDropsFailures(t *testing.T) {
	m := metrics.New()
	c := NewCollector([]Provider{
		stubProvider{name: "a", delta: 10},
		stubProvider{name: "b", err: errors.New("boom")},
		stubProvider{name: "c", delay: time.Second, delta: 20},
		stubProvider{name: "d", err: ErrSkipped},
		stubProvider{name: "e", delta: -5},
	}, WithTimeout(30*time.Millisecond), WithMetrics(m))

	got := c.Collect(context.Background(), models.Lead{SessionID: "s1"})
	if len(got) != 2 {
		t.Fatalf("signals = %+v, want 2", got)
	}
	if got[0].Source != "a" || got[1].Source != "e" {
		t.Errorf("signals not in provider order: %+v", got)
	}
	if v := testutil.ToFloat64(m.SignalLookups.WithLabelValues("b", "error")); v != 1 {
		t.Errorf("b errors = %v", v)
	}
	if v := testutil.ToFloat64(m.SignalLookups.WithLabelValues("c", "error")); v != 1 {
		t.Errorf("timed-out provider should count as error, got %v", v)
	}
}

func TestCollector_Empty(t *testing.T) {
	var c *Collector
	if got := c.Collect(context.Background(), models.Lead{}); got != nil {
		t.Errorf("nil collector = %v", got)
	}
}

func TestWebSearchProvider(t *testing.T) {
	var gotQuery, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(searchResponse{Results: []SearchResult{
			{Title: "Acme Facilities - Home", URL: "https://acme.example"},
			{Title: "Acme reviews", Snippet: "great office"},
			{Title: "Unrelated"},
		}})
	}))
	defer srv.Close()

	p := NewWebSearchProvider(srv.URL, "key", srv.Client())
	sig, err := p.Lookup(context.Background(), models.Lead{Company: "Acme", ServiceArea: "Austin"})
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if sig.Delta != SearchStrongDelta || sig.Source != "web_search" {
		t.Errorf("signal = %+v", sig)
	}
	if gotQuery != "Acme Austin" || gotAuth != "Bearer key" {
		t.Errorf("query %q auth %q", gotQuery, gotAuth)
	}

	if _, err := p.Lookup(context.Background(), models.Lead{}); !errors.Is(err, ErrSkipped) {
		t.Errorf("empty lead err = %v", err)
	}
}

func TestWebSearchProvider_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()
	p := NewWebSearchProvider(srv.URL, "", nil)
	if _, err := p.Lookup(context.Background(), models.Lead{Website: "www.acme.example"}); err == nil {
		t.Error("expected error on 429")
	}
}

func TestSearchDelta(t *testing.T) {
	for hits, want := range map[int]int{0: SearchMissDelta, 1: SearchWeakDelta, 2: SearchStrongDelta, 7: SearchStrongDelta} {
		if got := SearchDelta(hits); got != want {
			t.Errorf("SearchDelta(%d) = %d, want %d", hits, got, want)
		}
	}
	if websiteHost("WWW.Acme.example/path") != "acme.example" {
		t.Errorf("websiteHost = %q", websiteHost("WWW.Acme.example/path"))
	}
}

func TestGeoProvider(t *testing.T) {
	coords := map[string][]nominatimPlace{
		"Austin, TX":      {{Lat: "30.2672", Lon: "-97.7431"}},
		"Round Rock, TX":  {{Lat: "30.5083", Lon: "-97.6789"}},
		"Dallas, TX":      {{Lat: "32.7767", Lon: "-96.7970"}},
		"Nowhere Special": {},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("missing User-Agent")
		}
		json.NewEncoder(w).Encode(coords[r.URL.Query().Get("q")])
	}))
	defer srv.Close()
	p := NewGeoProvider(srv.URL, "", srv.Client())

	tests := []struct {
		address string
		want    int
	}{
		{"Round Rock, TX", GeoInRangeDelta},
		{"Dallas, TX", GeoOutRangeDelta},
		{"Nowhere Special", GeoNearDelta},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			sig, err := p.Lookup(context.Background(), models.Lead{Address: tt.address, ServiceArea: "Austin, TX", RadiusMiles: 25})
			if err != nil {
				t.Fatalf("Lookup failed: %v", err)
			}
			if sig.Delta != tt.want {
				t.Errorf("delta = %d, want %d (%s)", sig.Delta, tt.want, sig.Detail)
			}
		})
	}

	if _, err := p.Lookup(context.Background(), models.Lead{Address: "x"}); !errors.Is(err, ErrSkipped) {
		t.Errorf("missing radius err = %v", err)
	}
}

func TestHaversineMiles(t *testing.T) {
	austin := Point{Lat: 30.2672, Lon: -97.7431}
	dallas := Point{Lat: 32.7767, Lon: -96.7970}
	d := HaversineMiles(austin, dallas)
	if math.Abs(d-182) > 3 {
		t.Errorf("Austin-Dallas = %.1f miles, want about 182", d)
	}
	if HaversineMiles(austin, austin) != 0 {
		t.Error("zero distance expected")
	}
	if DistanceDelta(30, 25) != GeoNearDelta || DistanceDelta(10, 25) != GeoInRangeDelta {
		t.Error("DistanceDelta bands")
	}
}
