package qc

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// values turns z-scores into raw values for a material with mean 100, sd 5.
func values(z ...float64) []float64 {
	out := make([]float64, len(z))
	for i, v := range z {
		out[i] = 100 + v*5
	}
	return out
}

func fired(t *testing.T, z ...float64) Evaluation {
	t.Helper()
	ev, err := Evaluate(values(z...), 100, 5, DefaultRules)
	require.NoError(t, err)
	return ev
}

func TestEvaluate_InvalidSD(t *testing.T) {
	for _, sd := range []float64{0, -1} {
		_, err := Evaluate([]float64{1}, 0, sd, DefaultRules)
		assert.ErrorIs(t, err, ErrInvalidMaterial)
	}
}

func TestEvaluate_NonFiniteMean(t *testing.T) {
	for _, mean := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := Evaluate(values(4.5), mean, 5, DefaultRules)
		assert.ErrorIs(t, err, ErrInvalidMaterial, "mean %v", mean)
	}
}

func TestEvaluate_EmptyHistoryAccepts(t *testing.T) {
	ev, err := Evaluate(nil, 100, 5, DefaultRules)
	require.NoError(t, err)
	assert.Equal(t, DecisionAccept, ev.Decision)
}

func TestEvaluate_InControlAccepts(t *testing.T) {
	ev := fired(t, 0.5, -0.3, 1.2, -1.1, 0.1)
	assert.Equal(t, DecisionAccept, ev.Decision)
	assert.Empty(t, ev.Fired())
	assert.InDelta(t, 0.1, ev.ZScores[4], 1e-9)
}

func TestEvaluate_Rules(t *testing.T) {
	tests := []struct {
		name     string
		z        []float64
		rule     WestgardRule
		decision Decision
	}{
		{"1_2s warns", []float64{0.2, 2.4}, Rule12s, DecisionWarning},
		{"1_3s rejects", []float64{0.2, -3.2}, Rule13s, DecisionReject},
		{"2_2s rejects", []float64{2.3, 2.1}, Rule22s, DecisionReject},
		{"R_4s rejects", []float64{2.2, -2.1}, RuleR4s, DecisionReject},
		{"4_1s rejects", []float64{-1.2, -1.5, -1.1, -1.3}, Rule41s, DecisionReject},
		{"10_x rejects", []float64{0.2, 0.4, 0.1, 0.8, 0.3, 0.5, 0.9, 0.2, 0.6, 0.1}, Rule10x, DecisionReject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := fired(t, tt.z...)
			assert.Equal(t, tt.decision, ev.Decision)
			assert.Contains(t, ev.Fired(), string(tt.rule))
		})
	}
}

func TestEvaluate_NearMisses(t *testing.T) {
	tests := []struct {
		name string
		z    []float64
	}{
		{"2_2s opposite sides", []float64{2.3, -1.0}},
		{"4_1s broken streak", []float64{1.2, 1.5, 0.4, 1.3}},
		{"10_x nine in a row", []float64{-0.5, 0.2, 0.4, 0.1, 0.8, 0.3, 0.5, 0.9, 0.2, 0.6}},
		{"10_x touches mean", []float64{0.2, 0.4, 0.1, 0.8, 0, 0.5, 0.9, 0.2, 0.6, 0.1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := fired(t, tt.z...)
			assert.NotEqual(t, DecisionReject, ev.Decision, "fired %v", ev.Fired())
		})
	}
}

func TestEvaluate_OnlyLatestRunJudged(t *testing.T) {
	ev := fired(t, 3.5, 0.1)
	assert.Equal(t, DecisionAccept, ev.Decision)
}

func TestEvaluate_RuleSubset(t *testing.T) {
	ev, err := Evaluate(values(2.5), 100, 5, []WestgardRule{Rule13s})
	require.NoError(t, err)
	assert.Equal(t, DecisionAccept, ev.Decision)
}

func TestEvaluate_RejectionListedBeforeWarning(t *testing.T) {
	ev := fired(t, 3.4)
	assert.Equal(t, DecisionReject, ev.Decision)
	assert.Equal(t, []string{string(Rule13s), string(Rule12s)}, ev.Fired())
}
