package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func i64(v int64) *int64     { return &v }
func f64(v float64) *float64 { return &v }

func testPricing() map[string]Pricing {
	return map[string]Pricing{
		"claude": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	}
}

func TestAddWithReportedTokens(t *testing.T) {
	tr := NewTrackerWithPricing(testPricing())
	rec := tr.Add("claude", Usage{TokensIn: i64(1_000_000), TokensOut: i64(1_000_000)})

	assert.InDelta(t, 18.0, rec.Cost, 1e-9)
	assert.Empty(t, rec.Warning)
	assert.False(t, rec.Estimated)
	assert.InDelta(t, 18.0, tr.Total(), 1e-9)

	in, out := tr.Tokens()
	assert.Equal(t, int64(1_000_000), in)
	assert.Equal(t, int64(1_000_000), out)
}

func TestAddExplicitCostWins(t *testing.T) {
	tr := NewTrackerWithPricing(testPricing())
	rec := tr.Add("claude", Usage{TokensIn: i64(100), TokensOut: i64(100), Cost: f64(0.42)})
	assert.InDelta(t, 0.42, rec.Cost, 1e-9)
	assert.InDelta(t, 0.42, tr.Total(), 1e-9)
}

func TestAddMissingTokensWarnsNotErrors(t *testing.T) {
	tr := NewTrackerWithPricing(testPricing())
	rec := tr.Add("claude", Usage{})
	assert.Zero(t, rec.Cost)
	assert.NotEmpty(t, rec.Warning)
}

func TestAddEstimatesFromOutput(t *testing.T) {
	tr := NewTrackerWithPricing(testPricing())
	rec := tr.Add("claude", Usage{Output: "some captured agent output with a number of words in it"})
	assert.True(t, rec.Estimated)
	assert.Greater(t, rec.Cost, 0.0)
	_, out := tr.Tokens()
	assert.Greater(t, out, int64(0))
}

func TestTotalIsMonotonic(t *testing.T) {
	tr := NewTrackerWithPricing(testPricing())
	var prev float64
	for i := 0; i < 5; i++ {
		tr.Add("claude", Usage{TokensIn: i64(1000), TokensOut: i64(500)})
		total := tr.Total()
		assert.GreaterOrEqual(t, total, prev)
		prev = total
	}
}

func TestNegativeReportedCostIgnored(t *testing.T) {
	tr := NewTrackerWithPricing(testPricing())
	rec := tr.Add("claude", Usage{TokensIn: i64(10), TokensOut: i64(10), Cost: f64(-1.0)})
	assert.Zero(t, rec.Cost)
	assert.NotEmpty(t, rec.Warning)
	assert.Zero(t, tr.Total())
}

func TestUnknownAgentUsesZeroPricing(t *testing.T) {
	tr := NewTrackerWithPricing(testPricing())
	rec := tr.Add("mystery", Usage{TokensIn: i64(1_000_000), TokensOut: i64(1_000_000)})
	assert.Zero(t, rec.Cost)
}
