package qc

import (
	"fmt"
	"math"
)

// Evaluate applies rules to history, ordered oldest first with the run being
// judged last. Every rule looks at a window ending at the newest value, so a
// violation in an earlier run does not carry forward. A non-finite mean or an
// SD that is not positive makes the material unusable.
func Evaluate(history []float64, mean, sd float64, rules []WestgardRule) (Evaluation, error) {
	if sd <= 0 || math.IsNaN(sd) || math.IsInf(sd, 0) {
		return Evaluation{}, fmt.Errorf("%w: sd must be positive, got %g", ErrInvalidMaterial, sd)
	}
	if math.IsNaN(mean) || math.IsInf(mean, 0) {
		return Evaluation{}, fmt.Errorf("%w: mean must be finite, got %g", ErrInvalidMaterial, mean)
	}
	ev := Evaluation{
		Decision:   DecisionAccept,
		ZScores:    make([]float64, len(history)),
		Violations: []Violation{},
		Warnings:   []Violation{},
	}
	for i, v := range history {
		ev.ZScores[i] = (v - mean) / sd
	}
	if len(history) == 0 {
		return ev, nil
	}

	for _, r := range rules {
		msg, fired := check(r, ev.ZScores)
		if !fired {
			continue
		}
		if r.Warning() {
			ev.Warnings = append(ev.Warnings, Violation{Rule: r, Message: msg})
		} else {
			ev.Violations = append(ev.Violations, Violation{Rule: r, Message: msg})
		}
	}

	switch {
	case len(ev.Violations) > 0:
		ev.Decision = DecisionReject
	case len(ev.Warnings) > 0:
		ev.Decision = DecisionWarning
	}
	return ev, nil
}

func check(r WestgardRule, z []float64) (string, bool) {
	last := z[len(z)-1]
	switch r {
	case Rule12s:
		if math.Abs(last) > 2 {
			return fmt.Sprintf("control is %.2f SD from the mean", last), true
		}
	case Rule13s:
		if math.Abs(last) > 3 {
			return fmt.Sprintf("control exceeds 3 SD (%.2f)", last), true
		}
	case Rule22s:
		if w, ok := tail(z, 2); ok && sameSide(w, 2) {
			return "two consecutive controls exceed 2 SD on the same side", true
		}
	case RuleR4s:
		if w, ok := tail(z, 2); ok {
			if (w[0] > 2 && w[1] < -2) || (w[0] < -2 && w[1] > 2) {
				return fmt.Sprintf("range between consecutive controls exceeds 4 SD (%.2f)", math.Abs(w[1]-w[0])), true
			}
		}
	case Rule41s:
		if w, ok := tail(z, 4); ok && sameSide(w, 1) {
			return "four consecutive controls exceed 1 SD on the same side", true
		}
	case Rule10x:
		if w, ok := tail(z, 10); ok && sameSide(w, 0) {
			return "ten consecutive controls fall on the same side of the mean", true
		}
	}
	return "", false
}

func tail(z []float64, n int) ([]float64, bool) {
	if len(z) < n {
		return nil, false
	}
	return z[len(z)-n:], true
}

// sameSide reports whether every z exceeds limit in the same direction.
func sameSide(w []float64, limit float64) bool {
	above, below := true, true
	for _, v := range w {
		if v <= limit {
			above = false
		}
		if v >= -limit {
			below = false
		}
	}
	return above || below
}
