package alertpolicy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dexlive/glucagon/internal/domain"
)

func prefs(lo, hi int) *domain.Preferences {
	return &domain.Preferences{TargetRange: domain.TargetRange{Lower: lo, Upper: hi}, Unit: domain.UnitMgdl}
}

func prefsMmol(lo, hi int) *domain.Preferences {
	return &domain.Preferences{TargetRange: domain.TargetRange{Lower: lo, Upper: hi}, Unit: domain.UnitMmol}
}

func TestDecideNilWhenPreviousOrPrefsMissing(t *testing.T) {
	current := domain.Reading{Value: 185, Trend: domain.TrendSingleUp}
	previous := domain.Reading{Value: 170, Trend: domain.TrendFlat}

	assert.Nil(t, Decide(current, nil, prefs(70, 180)))
	assert.Nil(t, Decide(current, &previous, nil))
}

func TestDecideCrossedHigh(t *testing.T) {
	current := domain.Reading{Value: 185, Trend: domain.TrendSingleUp}
	previous := domain.Reading{Value: 170, Trend: domain.TrendFlat}

	alert := Decide(current, &previous, prefs(70, 180))
	assert.NotNil(t, alert)
	assert.Equal(t, "High Glucose", alert.Title)
	assert.Equal(t, "Now 185 mg/dL and rising, was 170 mg/dL.", alert.Body)
}

func TestDecideCrossedLow(t *testing.T) {
	current := domain.Reading{Value: 65, Trend: domain.TrendSingleDown}
	previous := domain.Reading{Value: 75, Trend: domain.TrendFlat}

	alert := Decide(current, &previous, prefs(70, 180))
	assert.NotNil(t, alert)
	assert.Equal(t, "Low Glucose", alert.Title)
	assert.Equal(t, "Now 65 mg/dL and falling, was 75 mg/dL.", alert.Body)
}

func TestDecideBackInRange(t *testing.T) {
	current := domain.Reading{Value: 150, Trend: domain.TrendFlat}
	previous := domain.Reading{Value: 190, Trend: domain.TrendSingleDown}

	alert := Decide(current, &previous, prefs(70, 180))
	assert.NotNil(t, alert)
	assert.Equal(t, "Back in Range", alert.Title)
	assert.Equal(t, "stable", alert.Body)
}

func TestDecideRapidWithoutCrossing(t *testing.T) {
	current := domain.Reading{Value: 120, Trend: domain.TrendDoubleUp}
	previous := domain.Reading{Value: 110, Trend: domain.TrendFlat}

	alert := Decide(current, &previous, prefs(70, 180))
	assert.NotNil(t, alert)
	assert.Equal(t, "Back in Range", alert.Title)
	assert.Equal(t, "rising quickly", alert.Body)
}

func TestDecideNoAlertWhenStableInBand(t *testing.T) {
	current := domain.Reading{Value: 120, Trend: domain.TrendFlat}
	previous := domain.Reading{Value: 118, Trend: domain.TrendFlat}

	assert.Nil(t, Decide(current, &previous, prefs(70, 180)))
}

func TestDecideUnknownTrendFallsBackToDefault(t *testing.T) {
	current := domain.Reading{Value: 200, Trend: domain.TrendNotComputable}
	previous := domain.Reading{Value: 170, Trend: domain.TrendFlat}

	alert := Decide(current, &previous, prefs(70, 180))
	assert.NotNil(t, alert)
	assert.Equal(t, "Now 200 mg/dL and rising, was 170 mg/dL.", alert.Body)
}

func TestDecideCrossedHighMmol(t *testing.T) {
	current := domain.Reading{Value: 185, Trend: domain.TrendSingleUp}
	previous := domain.Reading{Value: 170, Trend: domain.TrendFlat}

	alert := Decide(current, &previous, prefsMmol(70, 180))
	assert.NotNil(t, alert)
	assert.Equal(t, "Now 10.3 mmol/L and rising, was 9.4 mmol/L.", alert.Body)
}

func TestDecideDeterministic(t *testing.T) {
	current := domain.Reading{Value: 185, Trend: domain.TrendSingleUp, Date: time.Unix(100, 0)}
	previous := domain.Reading{Value: 170, Trend: domain.TrendFlat}
	p := prefs(70, 180)

	a1 := Decide(current, &previous, p)
	a2 := Decide(current, &previous, p)
	assert.Equal(t, a1, a2)
}
