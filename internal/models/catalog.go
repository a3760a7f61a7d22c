// Package models maps model names to providers and token prices for cost estimation.
package models

import (
	"strings"
	"sync"
)

// Price is the USD cost per million tokens.
type Price struct {
	Input      float64
	Output     float64
	CacheWrite float64
	CacheRead  float64
}

// Usage is the token usage reported for one model response.
type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
}

// Catalog holds the model to provider and model to price mappings.
type Catalog struct {
	mu             sync.RWMutex
	modelProviders map[string]string
	prices         map[string]Price
	families       []family
}

type family struct {
	prefix   string
	provider string
	price    Price
}

// NewCatalog creates a Catalog populated with the known models.
func NewCatalog() *Catalog {
	c := &Catalog{
		modelProviders: make(map[string]string),
		prices:         make(map[string]Price),
	}
	c.initModels()
	return c
}

func (c *Catalog) initModels() {
	opus := Price{Input: 15, Output: 75, CacheWrite: 18.75, CacheRead: 1.5}
	sonnet := Price{Input: 3, Output: 15, CacheWrite: 3.75, CacheRead: 0.3}
	haiku := Price{Input: 0.8, Output: 4, CacheWrite: 1, CacheRead: 0.08}

	anthropic := map[string]Price{
		"claude-opus-4-20250514":     opus,
		"claude-opus-4-1-20250805":   opus,
		"claude-sonnet-4-20250514":   sonnet,
		"claude-sonnet-4-5-20250929": sonnet,
		"claude-3-7-sonnet-20250219": sonnet,
		"claude-3-5-sonnet-20241022": sonnet,
		"claude-3-5-haiku-20241022":  haiku,
		"claude-3-haiku-20240307":    {Input: 0.25, Output: 1.25, CacheWrite: 0.3, CacheRead: 0.03},
	}
	for model, price := range anthropic {
		c.modelProviders[model] = "anthropic"
		c.prices[model] = price
	}

	openai := map[string]Price{
		"gpt-5":       {Input: 1.25, Output: 10, CacheRead: 0.125},
		"gpt-5-mini":  {Input: 0.25, Output: 2, CacheRead: 0.025},
		"gpt-4.1":     {Input: 2, Output: 8, CacheRead: 0.5},
		"gpt-4o":      {Input: 2.5, Output: 10, CacheRead: 1.25},
		"gpt-4o-mini": {Input: 0.15, Output: 0.6, CacheRead: 0.075},
		"o3":          {Input: 2, Output: 8, CacheRead: 0.5},
		"o4-mini":     {Input: 1.1, Output: 4.4, CacheRead: 0.275},
	}
	for model, price := range openai {
		c.modelProviders[model] = "openai"
		c.prices[model] = price
	}

	gemini := map[string]Price{
		"gemini-2.5-pro":   {Input: 1.25, Output: 10, CacheRead: 0.31},
		"gemini-2.5-flash": {Input: 0.3, Output: 2.5, CacheRead: 0.075},
	}
	for model, price := range gemini {
		c.modelProviders[model] = "google"
		c.prices[model] = price
	}

	// Longest prefixes first so "claude-3-5-haiku" wins over "claude".
	c.families = []family{
		{"claude-3-5-haiku", "anthropic", haiku},
		{"claude-opus", "anthropic", opus},
		{"claude-sonnet", "anthropic", sonnet},
		{"claude-haiku", "anthropic", haiku},
		{"claude", "anthropic", sonnet},
		{"gpt", "openai", openai["gpt-4o"]},
		{"o1", "openai", Price{Input: 15, Output: 60, CacheRead: 7.5}},
		{"o3", "openai", openai["o3"]},
		{"o4", "openai", openai["o4-mini"]},
		{"gemini", "google", gemini["gemini-2.5-pro"]},
	}
}

// ProviderForModel returns the provider for a model, inferring from the name
// for unknown models.
func (c *Catalog) ProviderForModel(model string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if provider, ok := c.modelProviders[model]; ok {
		return provider
	}
	if f, ok := c.familyFor(model); ok {
		return f.provider
	}
	return "unknown"
}

// PriceForModel returns the price of a model. Unknown models are priced by family;
// ok is false when nothing matched.
func (c *Catalog) PriceForModel(model string) (Price, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if p, ok := c.prices[model]; ok {
		return p, true
	}
	if f, ok := c.familyFor(model); ok {
		return f.price, true
	}
	return Price{}, false
}

// SetPrice overrides the price of a model.
func (c *Catalog) SetPrice(model, provider string, price Price) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[model] = price
	c.modelProviders[model] = provider
}

// EstimateCost returns the USD cost of usage on model, or 0 for unpriced models.
func (c *Catalog) EstimateCost(model string, u Usage) float64 {
	p, ok := c.PriceForModel(model)
	if !ok {
		return 0
	}
	cost := float64(u.InputTokens)*p.Input +
		float64(u.OutputTokens)*p.Output +
		float64(u.CacheCreationTokens)*p.CacheWrite +
		float64(u.CacheReadTokens)*p.CacheRead
	return cost / 1_000_000
}

func (c *Catalog) familyFor(model string) (family, bool) {
	m := strings.ToLower(model)
	for _, f := range c.families {
		if strings.HasPrefix(m, f.prefix) {
			return f, true
		}
	}
	return family{}, false
}
