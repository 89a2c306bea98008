package strategy

import (
	"errors"
	"math"
)

// ErrDriftExceeded reports that venue truth and the committed position
// have diverged beyond the rebalance threshold.
var ErrDriftExceeded = errors.New("position drift exceeds threshold")

// DriftReport compares a desired pair against what the venue reports.
// Deltas are fractions of the target size per leg; sign follows
// actual minus desired, so a positive delta means the leg is too big.
type DriftReport struct {
	Symbol          string
	DesiredSpot     float64
	DesiredPerp     float64
	ActualSpot      float64
	ActualPerp      float64
	SpotDelta       float64
	PerpDelta       float64
	WithinThreshold bool
}

// Reconcile measures drift without deciding anything about it. The
// perp leg is a short, so the desired size is compared against the
// magnitude of the reported (negative) position.
func Reconcile(symbol string, desiredSpot, desiredPerp, actualSpot, actualPerp, threshold float64) DriftReport {
	report := DriftReport{
		Symbol:      symbol,
		DesiredSpot: desiredSpot,
		DesiredPerp: desiredPerp,
		ActualSpot:  actualSpot,
		ActualPerp:  actualPerp,
		SpotDelta:   legDelta(desiredSpot, actualSpot),
		PerpDelta:   legDelta(desiredPerp, math.Abs(actualPerp)),
	}
	report.WithinThreshold = math.Abs(report.SpotDelta) <= threshold && math.Abs(report.PerpDelta) <= threshold
	return report
}

func legDelta(desired, actual float64) float64 {
	if desired == 0 {
		if actual == 0 {
			return 0
		}
		return 1
	}
	return (actual - desired) / desired
}
