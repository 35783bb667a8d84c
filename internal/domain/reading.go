package domain

import "time"

// Trend is the upstream provider's rate-of-change indicator for a reading.
type Trend string

const (
	TrendDoubleUp      Trend = "doubleUp"
	TrendSingleUp      Trend = "singleUp"
	TrendFortyFiveUp   Trend = "fortyFiveUp"
	TrendFlat          Trend = "flat"
	TrendFortyFiveDown Trend = "fortyFiveDown"
	TrendSingleDown    Trend = "singleDown"
	TrendDoubleDown    Trend = "doubleDown"
	TrendNone          Trend = "none"
	TrendNotComputable Trend = "notComputable"
	TrendRateOutOfRange Trend = "rateOutOfRange"
)

// Adjective returns the word used in alert bodies for this trend, per spec
// §4.D's adjective table. Unknown/not-computable trends return "nil"; the
// caller substitutes its own directional default in that case.
func (t Trend) Adjective() string {
	switch t {
	case TrendFlat:
		return "stable"
	case TrendFortyFiveUp:
		return "rising slowly"
	case TrendFortyFiveDown:
		return "falling slowly"
	case TrendSingleUp:
		return "rising"
	case TrendSingleDown:
		return "falling"
	case TrendDoubleUp:
		return "rising quickly"
	case TrendDoubleDown:
		return "falling quickly"
	default:
		return "nil"
	}
}

// Rapid reports whether the trend represents a double-arrow rapid change.
func (t Trend) Rapid() bool {
	return t == TrendDoubleUp || t == TrendDoubleDown
}

// Reading is a single glucose value from the upstream CGM provider.
type Reading struct {
	Date  time.Time `json:"t"`
	Value int       `json:"v"`
	Trend Trend     `json:"-"`
}

// HistoryPoint is the compact {t, v} shape carried in a push payload's
// history array.
type HistoryPoint struct {
	T int64 `json:"t"`
	V int16 `json:"v"`
}
