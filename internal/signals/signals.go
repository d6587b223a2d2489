// Package signals looks up external evidence about a lead and turns it into
// bounded score adjustments.
package signals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/LeadPipe/internal/metrics"
	"github.com/BTreeMap/LeadPipe/internal/models"
)

// DefaultTimeout bounds a single provider lookup.
const DefaultTimeout = 10 * time.Second

// ErrSkipped is returned when a lead lacks the fields a provider needs.
// It is not counted as a failure.
var ErrSkipped = errors.New("lookup skipped: not enough lead data")

// Provider is one external validation source.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, lead models.Lead) (models.Signal, error)
}

// Collector runs every provider in parallel and keeps the signals that came
// back in time. A failing provider contributes nothing.
type Collector struct {
	providers []Provider
	timeout   time.Duration
	metrics   *metrics.Metrics
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

func WithTimeout(d time.Duration) CollectorOption {
	return func(c *Collector) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) CollectorOption {
	return func(c *Collector) { c.metrics = m }
}

// NewCollector creates a Collector over providers.
func NewCollector(providers []Provider, opts ...CollectorOption) *Collector {
	c := &Collector{providers: providers, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect returns the signals in provider order. Since signals merge by
// addition the order never affects the score.
func (c *Collector) Collect(ctx context.Context, lead models.Lead) []models.Signal {
	if c == nil || len(c.providers) == 0 {
		return nil
	}
	results := make([]*models.Signal, len(c.providers))
	var g errgroup.Group
	for i, p := range c.providers {
		g.Go(func() error {
			lctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			sig, err := p.Lookup(lctx, lead)
			if errors.Is(err, ErrSkipped) {
				return nil
			}
			c.metrics.SignalLookup(p.Name(), err)
			if err != nil {
				slog.Warn("Collector.Collect: provider failed", "provider", p.Name(), "sessionID", lead.SessionID, "error", err)
				return nil
			}
			if sig.Source == "" {
				sig.Source = p.Name()
			}
			results[i] = &sig
			return nil
		})
	}
	g.Wait()

	out := make([]models.Signal, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// getJSON issues a GET and decodes a 2xx JSON body into out.
func getJSON(ctx context.Context, client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: status %d: %s", req.URL.Host, resp.StatusCode, body)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Host, err)
	}
	return nil
}
