// Package alertpolicy implements the pure decision function of spec §4.D:
// given a current reading, an optional previous reading, and optional
// preferences, decide whether to emit an alert and what it should say.
//
// Grounded in domain.Watcher.KeywordMatches / domain.Watcher.Validate — the
// teacher's pattern for small, pure, independently testable predicates
// living alongside the domain types they operate on.
package alertpolicy

import (
	"fmt"

	"github.com/dexlive/glucagon/internal/domain"
)

// Decide returns an alert when either the trend is rapid (double arrow) or
// the reading crossed the target band in either direction. It returns nil
// whenever previous or preferences is nil, and is otherwise a pure function
// of its inputs (invariant 4).
func Decide(current domain.Reading, previous *domain.Reading, prefs *domain.Preferences) *domain.AlertContent {
	if previous == nil || prefs == nil {
		return nil
	}

	rng := prefs.TargetRange
	crossed := rng.Contains(current.Value) != rng.Contains(previous.Value)

	if !current.Trend.Rapid() && !crossed {
		return nil
	}

	switch {
	case current.Value > rng.Upper:
		return &domain.AlertContent{
			Title: "High Glucose",
			Body:  fmt.Sprintf("Now %s and %s, was %s.", formatValue(current.Value, prefs.Unit), adjectiveOr(current.Trend, "rising"), formatValue(previous.Value, prefs.Unit)),
		}
	case current.Value < rng.Lower:
		return &domain.AlertContent{
			Title: "Low Glucose",
			Body:  fmt.Sprintf("Now %s and %s, was %s.", formatValue(current.Value, prefs.Unit), adjectiveOr(current.Trend, "falling"), formatValue(previous.Value, prefs.Unit)),
		}
	default:
		return &domain.AlertContent{
			Title: "Back in Range",
			Body:  adjectiveOr(current.Trend, "steady"),
		}
	}
}

func adjectiveOr(t domain.Trend, fallback string) string {
	adj := t.Adjective()
	if adj == "nil" {
		return fallback
	}
	return adj
}

// mgdlPerMmol converts a mg/dL glucose value to mmol/L.
const mgdlPerMmol = 18.0182

// formatValue renders a reading's value (always stored in mg/dL) in the
// unit the caller's preferences name.
func formatValue(mgdl int, unit domain.Unit) string {
	if unit == domain.UnitMmol {
		return fmt.Sprintf("%.1f mmol/L", float64(mgdl)/mgdlPerMmol)
	}
	return fmt.Sprintf("%d mg/dL", mgdl)
}
