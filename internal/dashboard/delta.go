package dashboard

import (
	"fmt"
	"math"
	"strconv"

	"github.com/healthgest/go-maternity/internal/maternity"
)

// ChangeType classifies a KPI trend badge.
type ChangeType string

const (
	ChangeIncrease ChangeType = "increase"
	ChangeDecrease ChangeType = "decrease"
	ChangeStable   ChangeType = "stable"
)

// Change is the trend badge attached to a vital KPI.
type Change struct {
	Text string     `json:"change"`
	Type ChangeType `json:"changeType"`
}

// DefaultDeadBand is the absolute difference at or below which a vital is
// reported as stable.
const DefaultDeadBand = 0.1

// CalculateChange compares the last two points of s that carry a value for
// field. Fewer than two such points yields an empty stable change.
func CalculateChange(s maternity.Series, field maternity.Field, unit string, deadBand float64) Change {
	last, prev, ok := lastTwo(s, field)
	if !ok {
		return Change{Type: ChangeStable}
	}

	diff := last - prev
	if math.Abs(diff) <= deadBand {
		return Change{Type: ChangeStable}
	}

	text := fmt.Sprintf("%+.1f", diff)
	if unit != "" {
		text += " " + unit
	}
	return Change{Text: text, Type: direction(diff)}
}

// CalculateBPChange compares systolic readings only. Any non-zero difference
// is reported, formatted like "+5 (sys)".
func CalculateBPChange(s maternity.Series) Change {
	last, prev, ok := lastTwo(s, maternity.FieldSystolic)
	if !ok {
		return Change{Type: ChangeStable}
	}

	diff := last - prev
	if diff == 0 {
		return Change{Type: ChangeStable}
	}

	text := strconv.FormatFloat(diff, 'f', -1, 64)
	if diff > 0 {
		text = "+" + text
	}
	return Change{Text: text + " (sys)", Type: direction(diff)}
}

func lastTwo(s maternity.Series, field maternity.Field) (last, prev float64, ok bool) {
	found := 0
	for i := len(s) - 1; i >= 0 && found < 2; i-- {
		v := s[i].Value(field)
		if v == nil {
			continue
		}
		if found == 0 {
			last = *v
		} else {
			prev = *v
		}
		found++
	}
	return last, prev, found == 2
}

func direction(diff float64) ChangeType {
	if diff > 0 {
		return ChangeIncrease
	}
	return ChangeDecrease
}
