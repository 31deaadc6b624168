package world

import "wallstreetsim/pkg/types"

// RegimePolicy decides the next market regime from the mean signed
// percentage price move of the tick just completed. Policies may keep
// internal rolling state; the world calls Next exactly once per tick.
type RegimePolicy interface {
	Next(current types.Regime, meanMovePct float64) types.Regime
}

// StaticPolicy never transitions. The zero-config default is
// StaticPolicy{Regime: normal}.
type StaticPolicy struct {
	Regime types.Regime
}

func (p *StaticPolicy) Next(types.Regime, float64) types.Regime {
	return p.Regime
}

// WindowedMovePolicy watches a rolling window of per-tick mean moves.
// Thresholds are on the window's mean absolute move:
//
//	> crashPct                         → crash
//	> trendPct, falling                → bear
//	> trendPct, rising                 → bull
//	> bubblePct, rising in bull        → bubble
//
// After calmTicks consecutive ticks below bubblePct the regime decays
// back to normal.
type WindowedMovePolicy struct {
	window    []float64
	windowLen int
	calm      int

	crashPct  float64
	trendPct  float64
	bubblePct float64
	calmTicks int
}

// NewWindowedMovePolicy creates the default rolling-window policy
// (20-tick window, 8%/4%/2% thresholds, 10 calm ticks to decay).
func NewWindowedMovePolicy() *WindowedMovePolicy {
	return &WindowedMovePolicy{
		windowLen: 20,
		crashPct:  8,
		trendPct:  4,
		bubblePct: 2,
		calmTicks: 10,
	}
}

func (p *WindowedMovePolicy) Next(current types.Regime, meanMovePct float64) types.Regime {
	p.window = append(p.window, meanMovePct)
	if len(p.window) > p.windowLen {
		p.window = p.window[1:]
	}

	var sum, absSum float64
	for _, m := range p.window {
		sum += m
		if m < 0 {
			absSum -= m
		} else {
			absSum += m
		}
	}
	n := float64(len(p.window))
	mean, absMean := sum/n, absSum/n

	switch {
	case absMean > p.crashPct:
		p.calm = 0
		return types.RegimeCrash
	case absMean > p.trendPct:
		p.calm = 0
		if mean < 0 {
			return types.RegimeBear
		}
		return types.RegimeBull
	case absMean > p.bubblePct:
		p.calm = 0
		if current == types.RegimeBull && mean > 0 {
			return types.RegimeBubble
		}
		return current
	default:
		p.calm++
		if p.calm >= p.calmTicks {
			return types.RegimeNormal
		}
		return current
	}
}
