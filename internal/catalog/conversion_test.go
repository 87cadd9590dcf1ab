package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeMultipliesBySmallUnitsPerLargeUnit(t *testing.T) {
	item := Item{Conversion: 50} // 50 kg per sack
	require.InDelta(t, 150.0, Normalize(item, 3), 1e-9)
	require.InDelta(t, 3.0, Denormalize(item, 150), 1e-9)
}

func TestConversionRoundTrip(t *testing.T) {
	for _, factor := range []float64{0.5, 1, 12, 50, 1000} {
		item := Item{Conversion: factor}
		got := Normalize(item, 7.25) / EffectiveFactor(item)
		require.InDelta(t, 7.25, got, 1e-9)
	}
}

func TestZeroOrNegativeConversionTreatedAsOne(t *testing.T) {
	require.InDelta(t, 42.0, Normalize(Item{Conversion: 0}, 42), 1e-9)
	require.InDelta(t, 42.0, Normalize(Item{Conversion: -3}, 42), 1e-9)
	require.InDelta(t, 42.0, Denormalize(Item{Conversion: 0}, 42), 1e-9)
}
