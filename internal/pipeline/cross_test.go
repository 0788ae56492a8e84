package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func computedWith(okx, binance Leg) Computed {
	return Computed{Aligned: alignedWith("BTCUSDT", okx, binance)}
}

func TestCrossDifferentials(t *testing.T) {
	var c Crosser
	out := c.Process([]Computed{computedWith(
		Leg{Price: "60000", FundingRate: "0.0001"},
		Leg{Price: "60010", FundingRate: "0.00005"},
	)})

	require.Len(t, out, 1)
	rec := out[0]
	assert.Equal(t, "0.00005", rec.FundingRateDiff)
	assert.Equal(t, "-10", rec.PriceBasis)
	assert.Equal(t, "-1.666389", rec.PriceBasisBps)
	assert.False(t, rec.ComputedAt.IsZero())
	assert.Equal(t, time.UTC, rec.ComputedAt.Location())
}

func TestCrossAbsentInputsLeaveFieldsEmpty(t *testing.T) {
	var c Crosser

	out := c.Process([]Computed{computedWith(
		Leg{FundingRate: "0.0001"},
		Leg{Price: "60010", FundingRate: "0.00005"},
	)})
	require.Len(t, out, 1)
	assert.Equal(t, "0.00005", out[0].FundingRateDiff)
	assert.Empty(t, out[0].PriceBasis)
	assert.Empty(t, out[0].PriceBasisBps)

	out = c.Process([]Computed{computedWith(
		Leg{Price: "60000", FundingRate: "0.0001"},
		Leg{Price: "60010"},
	)})
	require.Len(t, out, 1)
	assert.Empty(t, out[0].FundingRateDiff)
	assert.Equal(t, "-10", out[0].PriceBasis)
}

func TestCrossZeroBinancePriceSkipsBps(t *testing.T) {
	var c Crosser
	out := c.Process([]Computed{computedWith(
		Leg{Price: "60000"},
		Leg{Price: "0"},
	)})

	require.Len(t, out, 1)
	assert.Equal(t, "60000", out[0].PriceBasis)
	assert.Empty(t, out[0].PriceBasisBps)
}

func TestCrossMalformedDecimalKeepsRecord(t *testing.T) {
	var c Crosser
	out := c.Process([]Computed{computedWith(
		Leg{Price: "sixty thousand", FundingRate: "0.0001"},
		Leg{Price: "60010", FundingRate: "0.00005"},
	)})

	require.Len(t, out, 1)
	assert.Empty(t, out[0].PriceBasis)
	assert.Equal(t, "0.00005", out[0].FundingRateDiff)
}
