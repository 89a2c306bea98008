package strategy

import "sort"

// Rank orders candidates by annualized funding rate, best first,
// dropping excluded symbols and anything at or below minAnnualized.
// Ties break on symbol so two scans over the same rates pick the same
// coin.
func Rank(candidates []Candidate, excluded map[string]struct{}, minAnnualized float64) []Candidate {
	ranked := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Symbol == "" {
			continue
		}
		if _, skip := excluded[c.Symbol]; skip {
			continue
		}
		if c.AnnualizedRate <= minAnnualized {
			continue
		}
		ranked = append(ranked, c)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].AnnualizedRate != ranked[j].AnnualizedRate {
			return ranked[i].AnnualizedRate > ranked[j].AnnualizedRate
		}
		return ranked[i].Symbol < ranked[j].Symbol
	})
	return ranked
}

// Best returns the top candidate, or false when nothing clears the
// funding floor. An empty scan means keep whatever is held.
func Best(candidates []Candidate, excluded map[string]struct{}, minAnnualized float64) (Candidate, bool) {
	ranked := Rank(candidates, excluded, minAnnualized)
	if len(ranked) == 0 {
		return Candidate{}, false
	}
	return ranked[0], true
}

// ShouldRotate decides whether the best alternative beats the held
// coin by more than the hysteresis margin. The margin stops the engine
// from churning between two coins with nearly identical funding.
func ShouldRotate(heldSymbol string, heldRate float64, best Candidate, hysteresis float64) bool {
	if best.Symbol == "" || best.Symbol == heldSymbol {
		return false
	}
	return best.AnnualizedRate > heldRate+hysteresis
}
