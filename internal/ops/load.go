package ops

import (
	"reflect"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/yanun0323/logs"

	"tradecore/internal/errors"
	"tradecore/pkg/exception"
)

// EnvPrefix prefixes every environment override, e.g.
// TRADECORE_RISK_MAX_DAILY_LOSS or TRADECORE_EXCHANGE_BASE_URL.
const EnvPrefix = "TRADECORE"

// Load reads an optional YAML file over Default, applies environment
// overrides, then each override in order, and validates the result for
// mode. A .env file in the working directory is loaded first when present.
func Load(path string, mode Mode, overrides ...func(*Config)) (Config, error) {
	if err := godotenv.Load(); err == nil {
		logs.Infof("config: loaded .env")
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range keys(reflect.TypeOf(Config{}), "") {
		_ = v.BindEnv(key)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(exception.ErrInvalidConfig, "read config %s: %v", path, err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg, decoderOptions); err != nil {
		return Config{}, errors.Wrapf(exception.ErrInvalidConfig, "parse config: %v", err)
	}
	if mode != "" {
		cfg.Mode = mode
	}
	for _, override := range overrides {
		override(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decoderOptions(dc *mapstructure.DecoderConfig) {
	dc.WeaklyTypedInput = true
	dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
		decimalHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// decimalHook accepts YAML numbers and numeric strings for decimal fields.
func decimalHook(from, to reflect.Type, data any) (any, error) {
	if to != decimalType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return decimal.NewFromString(strings.TrimSpace(v))
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case decimal.Decimal:
		return v, nil
	default:
		return data, nil
	}
}
