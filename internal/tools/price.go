package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/claimledger/internal/cache"
	"github.com/ppiankov/claimledger/internal/fetch"
	"github.com/ppiankov/claimledger/internal/llm"
)

// ErrNoAPIKey is returned when the search key is not configured
var ErrNoAPIKey = errors.New("market price search API key not configured")

// PriceResult is one search hit
type PriceResult struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Price searches current market rates through Tavily
type Price struct {
	fetcher    *fetch.Fetcher
	store      cache.Store
	endpoint   string
	apiKey     string
	maxResults int
	ttl        time.Duration
}

// NewPrice creates the price tool. store may be nil.
func NewPrice(f *fetch.Fetcher, store cache.Store, endpoint, apiKey string) *Price {
	return &Price{
		fetcher:    f,
		store:      store,
		endpoint:   endpoint,
		apiKey:     apiKey,
		maxResults: 4,
		ttl:        6 * time.Hour,
	}
}

func (p *Price) Definition() llm.Tool {
	return llm.Tool{
		Name:        "verify_market_price",
		Description: "Searches current market rates for a repair or medical procedure to check whether a claimed amount is inflated.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"service_name": map[string]any{"type": "string", "description": "Repair or service, e.g. \"front bumper replacement\""},
				"vehicle_info": map[string]any{"type": "string", "description": "Make and model, or N/A for non-vehicle claims"},
				"location":     map[string]any{"type": "string", "description": "City or region"},
			},
			"required": []string{"service_name", "location"},
		},
	}
}

// Query builds the search query
func Query(service, vehicle, location string) string {
	vehicle = strings.TrimSpace(vehicle)
	if vehicle == "" || strings.EqualFold(vehicle, "N/A") {
		return fmt.Sprintf("average cost of %s in %s price", service, location)
	}
	return fmt.Sprintf("average cost of %s for %s in %s price estimate", service, vehicle, location)
}

func (p *Price) Call(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Service  string `json:"service_name"`
		Vehicle  string `json:"vehicle_info"`
		Location string `json:"location"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if p.apiKey == "" {
		return "Market price verification unavailable: API key not configured", nil
	}

	query := Query(in.Service, in.Vehicle, in.Location)
	results, err := p.Search(ctx, query)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return fmt.Sprintf("No market price data found for '%s'", query), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Market Price Search Results for '%s':\n", query)
	for _, r := range results {
		fmt.Fprintf(&b, "\n- Source: %s\n  Snippet: %s", r.URL, r.Content)
	}
	return b.String(), nil
}

// Search runs a basic-depth search for query
func (p *Price) Search(ctx context.Context, query string) ([]PriceResult, error) {
	if p.apiKey == "" {
		return nil, ErrNoAPIKey
	}

	key := cache.Key("price", strings.ToLower(query))
	var cached []PriceResult
	if cache.GetJSON(p.store, key, &cached) {
		return cached, nil
	}

	doc, err := p.fetcher.PostJSONWithRetry(ctx, p.endpoint, map[string]any{
		"api_key":      p.apiKey,
		"query":        query,
		"search_depth": "basic",
		"max_results":  p.maxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("price search: %w", err)
	}
	var out struct {
		Results []PriceResult `json:"results"`
	}
	if err := json.Unmarshal(doc.Body, &out); err != nil {
		return nil, fmt.Errorf("decode price search response: %w", err)
	}
	if len(out.Results) > p.maxResults {
		out.Results = out.Results[:p.maxResults]
	}
	_ = cache.SetJSON(p.store, key, out.Results, p.ttl)
	return out.Results, nil
}
