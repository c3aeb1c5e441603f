package risk

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"tradecore/internal/schema"
)

// Profile scales every order size.
type Profile uint8

const (
	ProfileUnknown Profile = iota
	ProfileConservative
	ProfileModerate
	ProfileAggressive
)

var profileMultipliers = map[Profile]decimal.Decimal{
	ProfileConservative: decimal.RequireFromString("0.5"),
	ProfileModerate:     decimal.NewFromInt(1),
	ProfileAggressive:   decimal.RequireFromString("1.5"),
}

func (p Profile) String() string {
	switch p {
	case ProfileConservative:
		return "conservative"
	case ProfileModerate:
		return "moderate"
	case ProfileAggressive:
		return "aggressive"
	default:
		return "unknown"
	}
}

// Multiplier returns the size multiplier of the profile.
func (p Profile) Multiplier() decimal.Decimal {
	if m, ok := profileMultipliers[p]; ok {
		return m
	}
	return decimal.NewFromInt(1)
}

func (p Profile) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Profile) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "conservative":
		*p = ProfileConservative
	case "moderate", "":
		*p = ProfileModerate
	case "aggressive":
		*p = ProfileAggressive
	default:
		return fmt.Errorf("unknown risk profile: %q", string(b))
	}
	return nil
}

// Config defines the limits the manager enforces.
type Config struct {
	MaxPositionSize        decimal.Decimal  `mapstructure:"max_position_size"`
	MaxDailyLoss           decimal.Decimal  `mapstructure:"max_daily_loss"`
	MaxConcurrentPositions int              `mapstructure:"max_concurrent_positions"`
	RiskProfile            Profile          `mapstructure:"risk_profile"`
	ConfidenceThreshold    float64          `mapstructure:"confidence_threshold"`
	BaseOrderSize          decimal.Decimal  `mapstructure:"base_order_size"`
	DefaultOrderType       schema.OrderType `mapstructure:"order_type"`
	MaxSlippageBps         int64            `mapstructure:"max_slippage_bps"`
	Policy                 string           `mapstructure:"policy"`
}

// DefaultConfig returns moderate limits suitable for a paper session.
func DefaultConfig() Config {
	return Config{
		MaxPositionSize:        decimal.NewFromInt(10),
		MaxDailyLoss:           decimal.NewFromInt(1000),
		MaxConcurrentPositions: 5,
		RiskProfile:            ProfileModerate,
		ConfidenceThreshold:    0.6,
		BaseOrderSize:          decimal.NewFromInt(1),
		DefaultOrderType:       schema.OrderTypeMarket,
		MaxSlippageBps:         50,
		Policy:                 PolicyFixed,
	}
}

func (c Config) withDefaults() Config {
	if c.RiskProfile == ProfileUnknown {
		c.RiskProfile = ProfileModerate
	}
	if c.DefaultOrderType == schema.OrderTypeUnknown {
		c.DefaultOrderType = schema.OrderTypeMarket
	}
	if c.Policy == "" {
		c.Policy = PolicyFixed
	}
	return c
}

// Validate checks the limits are usable.
func (c Config) Validate() error {
	if !c.MaxPositionSize.IsPositive() {
		return fmt.Errorf("invalid risk config: max_position_size must be > 0")
	}
	if !c.MaxDailyLoss.IsPositive() {
		return fmt.Errorf("invalid risk config: max_daily_loss must be > 0")
	}
	if c.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("invalid risk config: max_concurrent_positions must be > 0")
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("invalid risk config: confidence_threshold must be within [0,1]")
	}
	if !c.BaseOrderSize.IsPositive() {
		return fmt.Errorf("invalid risk config: base_order_size must be > 0")
	}
	if c.MaxSlippageBps < 0 {
		return fmt.Errorf("invalid risk config: max_slippage_bps must be >= 0")
	}
	if c.RiskProfile != ProfileUnknown && c.RiskProfile > ProfileAggressive {
		return fmt.Errorf("invalid risk config: unknown risk_profile")
	}
	if c.DefaultOrderType != schema.OrderTypeUnknown && !c.DefaultOrderType.Valid() {
		return fmt.Errorf("invalid risk config: unknown order_type")
	}
	return nil
}
