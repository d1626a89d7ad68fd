package dashboard

import (
	"strings"
	"time"

	"github.com/healthgest/go-maternity/internal/maternity"
)

// InsightStatus tracks one insight panel through its fetch.
type InsightStatus string

const (
	InsightIdle    InsightStatus = "idle"
	InsightPending InsightStatus = "pending"
	InsightLoading InsightStatus = "loading"
	InsightReady   InsightStatus = "ready"
	InsightFailed  InsightStatus = "failed"
)

const (
	msgNoVisits       = "Please select a patient with visits to generate insights."
	msgInsightFetch   = "Failed to fetch AI insight from server."
	msgInsightGenFail = "Failed to generate insight."
)

// Insight is the state of one AI plan panel.
type Insight struct {
	Kind        maternity.InsightKind `json:"kind"`
	Title       string                `json:"title"`
	Status      InsightStatus         `json:"status"`
	Text        string                `json:"text,omitempty"`
	Lines       []Line                `json:"lines,omitempty"`
	Error       string                `json:"error,omitempty"`
	GeneratedAt *time.Time            `json:"generatedAt,omitempty"`
}

func newInsight(kind maternity.InsightKind, status InsightStatus) *Insight {
	return &Insight{Kind: kind, Title: kind.Title(), Status: status}
}

func noVisitsInsight(kind maternity.InsightKind) *Insight {
	in := newInsight(kind, InsightIdle)
	in.Text = msgNoVisits
	in.Lines = FormatInsightText(in.Text)
	return in
}

// LineKind says how a line of plan text renders.
type LineKind string

const (
	LineParagraph LineKind = "paragraph"
	LineBullet    LineKind = "bullet"
	LineBreak     LineKind = "break"
)

// Segment is a run of text, optionally bold.
type Segment struct {
	Text string `json:"text"`
	Bold bool   `json:"bold,omitempty"`
}

// Line is one rendered line of plan text.
type Line struct {
	Kind     LineKind  `json:"kind"`
	Segments []Segment `json:"segments,omitempty"`
}

// FormatInsightText splits plan text into lines. "* " starts a bullet, blank
// lines become breaks, and text between ** pairs is bold.
func FormatInsightText(text string) []Line {
	if text == "" {
		return nil
	}
	raw := strings.Split(text, "\n")
	lines := make([]Line, 0, len(raw))
	for _, l := range raw {
		l = strings.TrimSpace(l)
		switch {
		case strings.HasPrefix(l, "* "):
			lines = append(lines, Line{Kind: LineBullet, Segments: segments(l[2:])})
		case l == "":
			lines = append(lines, Line{Kind: LineBreak})
		default:
			lines = append(lines, Line{Kind: LineParagraph, Segments: segments(l)})
		}
	}
	return lines
}

func segments(l string) []Segment {
	parts := strings.Split(l, "**")
	out := make([]Segment, 0, len(parts))
	for i, p := range parts {
		if p == "" {
			continue
		}
		out = append(out, Segment{Text: p, Bold: i%2 == 1})
	}
	return out
}

// insightResult turns a backend reply into panel state.
func insightResult(kind maternity.InsightKind, resp *maternity.InsightResponse, err error, now time.Time) *Insight {
	in := newInsight(kind, InsightFailed)
	switch {
	case err != nil:
		in.Error = msgInsightFetch
		if resp != nil && resp.Error != "" {
			in.Error = resp.Error
		}
	case resp == nil || !resp.Success:
		in.Error = msgInsightGenFail
		if resp != nil && resp.Error != "" {
			in.Error = resp.Error
		}
	default:
		in.Status = InsightReady
		in.Text = resp.Plan()
		in.Lines = FormatInsightText(in.Text)
		in.GeneratedAt = &now
	}
	return in
}
