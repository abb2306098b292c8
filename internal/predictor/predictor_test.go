package predictor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fixed struct{ v int }

func (f fixed) Name() string { return "fixed" }
func (f fixed) Predict(_ []float64) int { return f.v }

func TestVoteMajority(t *testing.T) {
	tests := []struct {
		name    string
		members []Predictor
		want    int
	}{
		{"buy majority", []Predictor{fixed{Buy}, fixed{Buy}, fixed{Sell}}, Buy},
		{"sell majority", []Predictor{fixed{Sell}, fixed{Hold}, fixed{Sell}}, Sell},
		{"tie is hold", []Predictor{fixed{Buy}, fixed{Sell}, fixed{Hold}, fixed{Hold}}, Hold},
		{"holds do not outvote", []Predictor{fixed{Buy}, fixed{Hold}, fixed{Hold}}, Buy},
		{"empty", nil, Hold},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vote, _ := NewEnsemble(tt.members...).Vote(nil)
			assert.Equal(t, tt.want, vote)
		})
	}
}

func TestDefaultMembers(t *testing.T) {
	// uptrend, oversold, positive return, bid-heavy book
	features := []float64{0.01, 0.002, 105, 100, 25, 0.4}
	vote, tally := Default().Vote(features)
	assert.Equal(t, Buy, vote)
	assert.Equal(t, 4, tally.Buy)

	// no imbalance supplied: order-book member holds
	_, tally = Default().Vote(features[:5])
	assert.Equal(t, 3, tally.Buy)
	assert.Equal(t, 1, tally.Hold)
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "buy", Label(Buy))
	assert.Equal(t, "sell", Label(Sell))
	assert.Equal(t, "hold", Label(Hold))
}
