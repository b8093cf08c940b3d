package ledger

import (
	"fmt"
	"math"
	"strings"

	"github.com/liliang-cn/fsrag/internal/config"
)

// Money is an amount in micro-USD.
type Money int64

// USD converts a dollar amount to Money, rounding half up.
func USD(v float64) Money {
	return Money(math.Floor(v*1e6 + 0.5))
}

func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s$%d.%06d", sign, v/1_000_000, v%1_000_000)
}

// Price is USD per million tokens.
type Price struct {
	Input  float64
	Output float64
	Index  float64
}

// Pricing resolves per-model prices: exact model name, then the longest
// configured prefix, then the default.
type Pricing struct {
	def    Price
	models map[string]Price
	hold   Money
}

// NewPricing builds a Pricing from configuration.
func NewPricing(cfg config.PricingConfig) *Pricing {
	p := &Pricing{
		def:    Price(cfg.Default),
		models: make(map[string]Price, len(cfg.Models)),
		hold:   USD(cfg.BudgetHold),
	}
	for name, mp := range cfg.Models {
		p.models[strings.ToLower(name)] = Price(mp)
	}
	if d, ok := p.models["default"]; ok {
		p.def = d
	}
	return p
}

// For returns the price of model.
func (p *Pricing) For(model string) Price {
	model = strings.ToLower(strings.TrimPrefix(model, "models/"))
	if pr, ok := p.models[model]; ok {
		return pr
	}
	best := ""
	for name := range p.models {
		if name != "default" && strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best != "" {
		return p.models[best]
	}
	return p.def
}

// Hold is the amount reserved before admitting a query.
func (p *Pricing) Hold() Money {
	return p.hold
}

// QueryCost prices one generation call.
func (p *Pricing) QueryCost(model string, promptTokens, completionTokens int64) Money {
	pr := p.For(model)
	return tokenCost(promptTokens, pr.Input) + tokenCost(completionTokens, pr.Output)
}

// IndexCost prices indexing of tokens.
func (p *Pricing) IndexCost(tokens int64) Money {
	return tokenCost(tokens, p.def.Index)
}

// tokenCost converts tokens at usdPerMTok into micro-USD. A per-million price
// is numerically the micro-USD price of one token. Non-zero costs never round
// down to zero.
func tokenCost(tokens int64, usdPerMTok float64) Money {
	if tokens <= 0 || usdPerMTok <= 0 {
		return 0
	}
	m := Money(math.Floor(float64(tokens)*usdPerMTok + 0.5))
	if m < 1 {
		m = 1
	}
	return m
}

// Token estimates used when the provider does not report usage.
const (
	imageTokens    = 1200
	audioTokensMB  = 10_000
	minAudioTokens = 1000
)

// EstimateTokensFromBytes estimates the tokens of a file of size bytes.
func EstimateTokensFromBytes(size int64, mimeType string) int64 {
	if size <= 0 {
		return 0
	}
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return imageTokens
	case strings.HasPrefix(mimeType, "audio/"):
		n := size * audioTokensMB / (1 << 20)
		if n < minAudioTokens {
			n = minAudioTokens
		}
		return n
	}
	n := size / 4
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateTokensFromText estimates the tokens of s.
func EstimateTokensFromText(s string) int64 {
	if s == "" {
		return 0
	}
	n := int64(len(s)) / 4
	if n < 1 {
		n = 1
	}
	return n
}
