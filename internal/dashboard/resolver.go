package dashboard

import (
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/healthgest/go-maternity/internal/maternity"
)

// DefaultRiskThreshold is the score a risk factor must exceed to be listed.
const DefaultRiskThreshold = 0.2

// LabelKind selects the display vocabulary used by ResolveCategory.
type LabelKind int

const (
	DeliveryModeLabels LabelKind = iota
	DeliveryTypeLabels
)

func (k LabelKind) label(raw string) string {
	if k == DeliveryModeLabels {
		if raw == "CSection" {
			return "C-Section"
		}
		return "Normal"
	}
	switch raw {
	case "FullTerm":
		return "Matured"
	case "Premature":
		return "PREMATURE"
	case "MortalityRisk":
		return "MORTALITY RISK"
	default:
		return "Unknown"
	}
}

// ResolveCategory names the most likely outcome in m with its rounded
// percentage, e.g. "C-Section (70%)". An empty or absent map is N/A.
func ResolveCategory(m maternity.ProbabilityMap, kind LabelKind) string {
	if len(m) == 0 {
		return maternity.NotAvailable
	}
	best := m.MostLikely()
	return fmt.Sprintf("%s (%d%%)", kind.label(best.Label), percent(best.Value))
}

// RiskItems lists the risk factors scoring above threshold, in map order.
// An absent map and a map with nothing above threshold each produce a single
// summary item.
func RiskItems(m maternity.ProbabilityMap, threshold float64) []ProfileItem {
	if m == nil {
		return []ProfileItem{{Icon: IconHeart, Label: "Risk Analysis", Value: maternity.NotAvailable}}
	}
	var items []ProfileItem
	for _, e := range m {
		if e.Value > threshold {
			items = append(items, ProfileItem{
				Icon:  IconHeart,
				Label: SplitLabel(e.Label),
				Value: fmt.Sprintf("%d%% Risk", percent(e.Value)),
			})
		}
	}
	if len(items) == 0 {
		return []ProfileItem{{Icon: IconHeart, Label: "Overall Risk", Value: "Low"}}
	}
	return items
}

// Bar is one row of a probability panel.
type Bar struct {
	Label      string `json:"label"`
	Percentage int    `json:"percentage"`
}

// ProbabilityPanel is a titled set of bars. Message replaces the bars when
// the backend returned an empty distribution.
type ProbabilityPanel struct {
	Title   string `json:"title"`
	Bars    []Bar  `json:"bars"`
	Message string `json:"message,omitempty"`
}

const noProbabilityData = "Probability data is not available."

// BuildProbabilityPanel renders m as bars in map order. It returns nil for
// an absent map so the panel is omitted entirely.
func BuildProbabilityPanel(title string, m maternity.ProbabilityMap) *ProbabilityPanel {
	if m == nil {
		return nil
	}
	panel := &ProbabilityPanel{Title: title, Bars: make([]Bar, 0, len(m))}
	if len(m) == 0 {
		panel.Message = noProbabilityData
		return panel
	}
	for _, e := range m {
		label := SplitLabel(e.Label)
		if e.Label == "FullTerm" {
			label = "Matured"
		}
		panel.Bars = append(panel.Bars, Bar{Label: label, Percentage: percent(e.Value)})
	}
	return panel
}

// SplitLabel turns a camelCase key into spaced words with a leading capital:
// "gestationalDiabetes" becomes "Gestational Diabetes".
func SplitLabel(key string) string {
	var b strings.Builder
	for i, r := range key {
		if i > 0 && unicode.IsUpper(r) {
			b.WriteByte(' ')
		}
		if i == 0 {
			r = unicode.ToUpper(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

// percent rounds half up, matching how the dashboard has always displayed
// probabilities.
func percent(p float64) int {
	return int(math.Floor(p*100 + 0.5))
}
