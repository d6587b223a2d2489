package signals

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Score deltas for web presence.
const (
	SearchStrongDelta = 10
	SearchWeakDelta   = 5
	SearchMissDelta   = -5
)

// SearchResult is one hit from the search API.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type searchResponse struct {
	Results []SearchResult `json:"results"`
}

// WebSearchProvider checks that the lead's business shows up on the web.
// The endpoint takes ?q= and answers {"results":[{title,url,snippet}]}.
type WebSearchProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewWebSearchProvider creates a provider. client may be nil.
func NewWebSearchProvider(endpoint, apiKey string, client *http.Client) *WebSearchProvider {
	if client == nil {
		client = &http.Client{}
	}
	return &WebSearchProvider{endpoint: endpoint, apiKey: apiKey, client: client}
}

func (p *WebSearchProvider) Name() string { return "web_search" }

// Lookup searches for the company and grades how many results mention it.
func (p *WebSearchProvider) Lookup(ctx context.Context, lead models.Lead) (models.Signal, error) {
	terms := searchTerms(lead)
	if len(terms) == 0 {
		return models.Signal{}, ErrSkipped
	}
	query := terms[0]
	if lead.ServiceArea != "" {
		query += " " + lead.ServiceArea
	}

	u, err := url.Parse(p.endpoint)
	if err != nil {
		return models.Signal{}, fmt.Errorf("search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	u.RawQuery = q.Encode()

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return models.Signal{}, err
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	var resp searchResponse
	if err := getJSON(ctx, p.client, req, &resp); err != nil {
		return models.Signal{}, err
	}
	hits := CountMentions(resp.Results, terms)
	return models.Signal{Source: p.Name(), Delta: SearchDelta(hits), Detail: fmt.Sprintf("%d of %d results mention %q", hits, len(resp.Results), terms[0])}, nil
}

// SearchDelta maps matching results to a score delta.
func SearchDelta(hits int) int {
	switch {
	case hits >= 2:
		return SearchStrongDelta
	case hits == 1:
		return SearchWeakDelta
	default:
		return SearchMissDelta
	}
}

// CountMentions counts results that mention any of the terms.
func CountMentions(results []SearchResult, terms []string) int {
	n := 0
	for _, r := range results {
		text := strings.ToLower(r.Title + " " + r.URL + " " + r.Snippet)
		for _, t := range terms {
			if strings.Contains(text, strings.ToLower(t)) {
				n++
				break
			}
		}
	}
	return n
}

func searchTerms(lead models.Lead) []string {
	var terms []string
	if c := strings.TrimSpace(lead.Company); c != "" {
		terms = append(terms, c)
	}
	if host := websiteHost(lead.Website); host != "" {
		terms = append(terms, host)
	}
	return terms
}

func websiteHost(site string) string {
	site = strings.TrimSpace(site)
	if site == "" {
		return ""
	}
	if !strings.Contains(site, "://") {
		site = "https://" + site
	}
	u, err := url.Parse(site)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
