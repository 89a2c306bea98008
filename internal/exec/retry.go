package exec

import (
	"errors"

	"hl-delta-bot/internal/hl/rest"
)

// Retryable reports whether an error is worth another attempt.
// Rejections are final for this attempt; only transient transport
// failures get the retry budget.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, rest.ErrRejected) {
		return false
	}
	return errors.Is(err, rest.ErrTransient)
}
