package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration that was rejected at load or update time.
// Callers that receive a wrapped ErrInvalid keep running on the previous config.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	REST      RESTConfig      `yaml:"rest"`
	WS        WSConfig        `yaml:"ws"`
	State     StateConfig     `yaml:"state"`
	API       APIConfig       `yaml:"api"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Engine    EngineConfig    `yaml:"engine"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Timescale TimescaleConfig `yaml:"timescale"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type RESTConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type WSConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	APIKey  string `yaml:"api_key"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// EngineConfig holds the runtime tunables of the position engine. All fields
// can be changed while running through ApplyPatch; a rejected patch leaves the
// previous values in place.
type EngineConfig struct {
	TrackedCoins       []string      `yaml:"tracked_coins" json:"tracked_coins"`
	SpotPct            float64       `yaml:"spot_pct" json:"spot_pct"`
	PerpPct            float64       `yaml:"perp_pct" json:"perp_pct"`
	RebalanceThreshold float64       `yaml:"rebalance_threshold" json:"rebalance_threshold"`
	RotationHysteresis float64       `yaml:"rotation_hysteresis" json:"rotation_hysteresis"`
	Leverage           int           `yaml:"leverage" json:"leverage"`
	RefreshInterval    time.Duration `yaml:"refresh_interval" json:"refresh_interval"`
	OrderTimeout       time.Duration `yaml:"order_timeout" json:"order_timeout"`
	MaxPositionSizeUSD float64       `yaml:"max_position_size_usd" json:"max_position_size_usd"`
	MaxDailyLossUSD    float64       `yaml:"max_daily_loss_usd" json:"max_daily_loss_usd"`
}

// EnginePatch is a partial EngineConfig; nil fields keep their current value.
type EnginePatch struct {
	TrackedCoins       *[]string      `json:"tracked_coins,omitempty"`
	SpotPct            *float64       `json:"spot_pct,omitempty"`
	PerpPct            *float64       `json:"perp_pct,omitempty"`
	RebalanceThreshold *float64       `json:"rebalance_threshold,omitempty"`
	RotationHysteresis *float64       `json:"rotation_hysteresis,omitempty"`
	Leverage           *int           `json:"leverage,omitempty"`
	RefreshInterval    *time.Duration `json:"refresh_interval,omitempty"`
	OrderTimeout       *time.Duration `json:"order_timeout,omitempty"`
	MaxPositionSizeUSD *float64       `json:"max_position_size_usd,omitempty"`
	MaxDailyLossUSD    *float64       `json:"max_daily_loss_usd,omitempty"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type TimescaleConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
	Schema  string `yaml:"schema"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := ValidateEngine(cfg.Engine); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = "https://api.hyperliquid.xyz"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = "wss://api.hyperliquid.xyz/ws"
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 3 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 30 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/hl-delta-bot.db"
	}
	if cfg.API.Addr == "" {
		cfg.API.Addr = ":8080"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	e := &cfg.Engine
	if len(e.TrackedCoins) == 0 {
		e.TrackedCoins = []string{"BTC", "ETH", "HYPE"}
	}
	for i, coin := range e.TrackedCoins {
		e.TrackedCoins[i] = strings.ToUpper(strings.TrimSpace(coin))
	}
	if e.SpotPct == 0 && e.PerpPct == 0 {
		e.SpotPct = 70
		e.PerpPct = 30
	}
	if e.RebalanceThreshold == 0 {
		e.RebalanceThreshold = 0.05
	}
	if e.RotationHysteresis == 0 {
		e.RotationHysteresis = 0.01
	}
	if e.Leverage == 0 {
		e.Leverage = 1
	}
	if e.RefreshInterval == 0 {
		e.RefreshInterval = 30 * time.Second
	}
	if e.OrderTimeout == 0 {
		e.OrderTimeout = 5 * time.Minute
	}
}

// ValidateEngine checks the engine tunables. Every violation wraps ErrInvalid
// so callers can distinguish a bad update from a transport failure.
func ValidateEngine(e EngineConfig) error {
	if len(e.TrackedCoins) == 0 {
		return fmt.Errorf("%w: tracked_coins must not be empty", ErrInvalid)
	}
	seen := make(map[string]struct{}, len(e.TrackedCoins))
	for _, coin := range e.TrackedCoins {
		if strings.TrimSpace(coin) == "" {
			return fmt.Errorf("%w: tracked_coins contains an empty symbol", ErrInvalid)
		}
		if _, dup := seen[coin]; dup {
			return fmt.Errorf("%w: tracked_coins contains %s twice", ErrInvalid, coin)
		}
		seen[coin] = struct{}{}
	}
	if e.SpotPct < 0 || e.SpotPct > 100 {
		return fmt.Errorf("%w: spot_pct must be within [0,100], got %v", ErrInvalid, e.SpotPct)
	}
	if e.PerpPct < 0 || e.PerpPct > 100 {
		return fmt.Errorf("%w: perp_pct must be within [0,100], got %v", ErrInvalid, e.PerpPct)
	}
	if e.SpotPct+e.PerpPct > 100 {
		return fmt.Errorf("%w: spot_pct + perp_pct must not exceed 100, got %v", ErrInvalid, e.SpotPct+e.PerpPct)
	}
	if e.RebalanceThreshold <= 0 {
		return fmt.Errorf("%w: rebalance_threshold must be > 0", ErrInvalid)
	}
	if e.RotationHysteresis < 0 {
		return fmt.Errorf("%w: rotation_hysteresis must be >= 0", ErrInvalid)
	}
	if e.Leverage < 1 {
		return fmt.Errorf("%w: leverage must be >= 1, got %d", ErrInvalid, e.Leverage)
	}
	if e.RefreshInterval <= 0 {
		return fmt.Errorf("%w: refresh_interval must be > 0", ErrInvalid)
	}
	if e.OrderTimeout <= 0 {
		return fmt.Errorf("%w: order_timeout must be > 0", ErrInvalid)
	}
	if e.MaxPositionSizeUSD < 0 {
		return fmt.Errorf("%w: max_position_size_usd must be >= 0", ErrInvalid)
	}
	if e.MaxDailyLossUSD < 0 {
		return fmt.Errorf("%w: max_daily_loss_usd must be >= 0", ErrInvalid)
	}
	return nil
}

// ApplyPatch merges a partial update onto base and validates the result.
// base is returned unchanged when the patch is rejected.
func ApplyPatch(base EngineConfig, patch EnginePatch) (EngineConfig, error) {
	next := base
	next.TrackedCoins = append([]string(nil), base.TrackedCoins...)
	if patch.TrackedCoins != nil {
		coins := make([]string, 0, len(*patch.TrackedCoins))
		for _, coin := range *patch.TrackedCoins {
			coins = append(coins, strings.ToUpper(strings.TrimSpace(coin)))
		}
		next.TrackedCoins = coins
	}
	if patch.SpotPct != nil {
		next.SpotPct = *patch.SpotPct
	}
	if patch.PerpPct != nil {
		next.PerpPct = *patch.PerpPct
	}
	if patch.RebalanceThreshold != nil {
		next.RebalanceThreshold = *patch.RebalanceThreshold
	}
	if patch.RotationHysteresis != nil {
		next.RotationHysteresis = *patch.RotationHysteresis
	}
	if patch.Leverage != nil {
		next.Leverage = *patch.Leverage
	}
	if patch.RefreshInterval != nil {
		next.RefreshInterval = *patch.RefreshInterval
	}
	if patch.OrderTimeout != nil {
		next.OrderTimeout = *patch.OrderTimeout
	}
	if patch.MaxPositionSizeUSD != nil {
		next.MaxPositionSizeUSD = *patch.MaxPositionSizeUSD
	}
	if patch.MaxDailyLossUSD != nil {
		next.MaxDailyLossUSD = *patch.MaxDailyLossUSD
	}
	if err := ValidateEngine(next); err != nil {
		return base, err
	}
	return next, nil
}
