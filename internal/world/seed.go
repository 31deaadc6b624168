package world

import (
	"github.com/shopspring/decimal"

	"wallstreetsim/pkg/types"
)

// DefaultCompanies is the seed universe used when the store holds no
// instruments at boot.
func DefaultCompanies() []*types.Company {
	seed := []struct {
		symbol string
		name   string
		sector string
		price  float64
		shares int64
		vol    float64
		beta   float64
	}{
		{"ACME", "Acme Industrial", "industrials", 42.50, 80_000_000, 0.02, 1.1},
		{"BOLT", "Bolt Logistics", "transport", 18.75, 120_000_000, 0.03, 1.3},
		{"CRWN", "Crown Financial", "financials", 96.20, 45_000_000, 0.015, 0.9},
		{"DUNE", "Dune Energy", "energy", 63.10, 60_000_000, 0.04, 1.5},
		{"ECHO", "Echo Systems", "technology", 134.40, 30_000_000, 0.05, 1.8},
		{"FERN", "Fernwood Pharma", "healthcare", 28.90, 95_000_000, 0.035, 0.8},
		{"GRID", "Gridline Utilities", "utilities", 51.00, 70_000_000, 0.01, 0.5},
		{"HALO", "Halo Media", "media", 12.35, 150_000_000, 0.045, 1.4},
	}

	out := make([]*types.Company, 0, len(seed))
	for _, s := range seed {
		price := decimal.NewFromFloat(s.price)
		out = append(out, &types.Company{
			Symbol:            s.symbol,
			Name:              s.name,
			Sector:            s.sector,
			CurrentPrice:      price,
			PreviousClose:     price,
			Open:              price,
			High:              price,
			Low:               price,
			MarketCap:         price.Mul(decimal.NewFromInt(s.shares)),
			SharesOutstanding: s.shares,
			Volatility:        s.vol,
			Beta:              s.beta,
			IsPublic:          true,
		})
	}
	return out
}
