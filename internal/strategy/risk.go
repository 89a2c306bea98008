package strategy

import (
	"errors"
	"fmt"

	"hl-delta-bot/internal/config"
)

var (
	ErrPositionLimit = errors.New("position size limit breached")
	ErrDailyLoss     = errors.New("daily loss limit breached")
)

// CheckRisk enforces the hard limits. Zero limits mean unlimited; a
// breach is a demand to flatten, not a suggestion.
func CheckRisk(cfg config.EngineConfig, positionNotionalUSD, dailyLossUSD float64) error {
	if cfg.MaxPositionSizeUSD > 0 && positionNotionalUSD > cfg.MaxPositionSizeUSD {
		return fmt.Errorf("position notional $%.2f exceeds limit $%.2f: %w",
			positionNotionalUSD, cfg.MaxPositionSizeUSD, ErrPositionLimit)
	}
	if cfg.MaxDailyLossUSD > 0 && dailyLossUSD > cfg.MaxDailyLossUSD {
		return fmt.Errorf("daily loss $%.2f exceeds limit $%.2f: %w",
			dailyLossUSD, cfg.MaxDailyLossUSD, ErrDailyLoss)
	}
	return nil
}
