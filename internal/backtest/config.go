package backtest

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/chaos"
)

// Slippage prices market impact in basis points:
// base + size_impact*qty + volatility_factor*recent_abs_return.
type Slippage struct {
	BaseBps          float64 `mapstructure:"base_bps"`
	SizeImpactBps    float64 `mapstructure:"size_impact_bps"`
	VolatilityFactor float64 `mapstructure:"volatility_factor"`
	// VolatilityAlpha is the EWMA weight of the latest absolute tick return.
	VolatilityAlpha float64 `mapstructure:"volatility_alpha"`
}

// Commission is charged per order: Fixed once on its first fill plus Pct of
// each fill's notional.
type Commission struct {
	Fixed decimal.Decimal `mapstructure:"fixed"`
	Pct   decimal.Decimal `mapstructure:"pct"`
}

// SimConfig controls the simulated exchange.
type SimConfig struct {
	Latency      time.Duration `mapstructure:"latency"`
	Slippage     Slippage      `mapstructure:"slippage"`
	Commission   Commission    `mapstructure:"commission"`
	PartialFills int           `mapstructure:"partial_fills"`
	// Chaos perturbs exchange reports: drops lose them, delays push them
	// later in event time, the reorder window shuffles them and duplicates
	// repeat them. Any of these needs a seed.
	Chaos chaos.Config `mapstructure:"chaos"`
}

// DefaultSimConfig returns a frictionless zero-latency simulator.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		Slippage:     Slippage{VolatilityAlpha: 0.1},
		PartialFills: 1,
	}
}

func (c SimConfig) withDefaults() SimConfig {
	if c.PartialFills <= 0 {
		c.PartialFills = 1
	}
	if c.Slippage.VolatilityAlpha == 0 {
		c.Slippage.VolatilityAlpha = 0.1
	}
	if c.Chaos.ReorderWindow == 0 {
		c.Chaos.ReorderWindow = 1
	}
	return c
}

// Validate checks the simulator parameters.
func (c SimConfig) Validate() error {
	if c.Latency < 0 {
		return fmt.Errorf("invalid backtest config: latency must be >= 0")
	}
	if c.Slippage.BaseBps < 0 || c.Slippage.SizeImpactBps < 0 || c.Slippage.VolatilityFactor < 0 {
		return fmt.Errorf("invalid backtest config: slippage terms must be >= 0")
	}
	if c.Slippage.VolatilityAlpha < 0 || c.Slippage.VolatilityAlpha > 1 {
		return fmt.Errorf("invalid backtest config: volatility_alpha must be between 0 and 1")
	}
	if c.Commission.Fixed.IsNegative() || c.Commission.Pct.IsNegative() {
		return fmt.Errorf("invalid backtest config: commission must be >= 0")
	}
	if c.PartialFills <= 0 {
		return fmt.Errorf("invalid backtest config: partial_fills must be >= 1")
	}
	if c.Chaos.Enabled() && c.Chaos.Seed == 0 {
		return fmt.Errorf("invalid backtest config: chaos requires a seed")
	}
	return c.Chaos.Validate()
}
