package dashboard

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	m "github.com/healthgest/go-maternity/internal/maternity"
)

func TestFormatInsightText(t *testing.T) {
	lines := FormatInsightText("**Breakfast**\n  * Oats with **milk**  \n\nDrink water")

	assert.Equal(t, []Line{
		{Kind: LineParagraph, Segments: []Segment{{Text: "Breakfast", Bold: true}}},
		{Kind: LineBullet, Segments: []Segment{{Text: "Oats with "}, {Text: "milk", Bold: true}}},
		{Kind: LineBreak},
		{Kind: LineParagraph, Segments: []Segment{{Text: "Drink water"}}},
	}, lines)

	assert.Nil(t, FormatInsightText(""))
}

func TestInsightResult(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	ok := insightResult(m.InsightDiet, &m.InsightResponse{Success: true}, nil, now)
	assert.Equal(t, InsightReady, ok.Status)
	assert.Equal(t, "No plan generated.", ok.Text)
	assert.Equal(t, &now, ok.GeneratedAt)

	transport := insightResult(m.InsightDiet, nil, errors.New("dial"), now)
	assert.Equal(t, InsightFailed, transport.Status)
	assert.Equal(t, "Failed to fetch AI insight from server.", transport.Error)

	server := insightResult(m.InsightDiet, &m.InsightResponse{Error: "rate limited"}, errors.New("status 429"), now)
	assert.Equal(t, "rate limited", server.Error)

	unsuccessful := insightResult(m.InsightExercise, &m.InsightResponse{Success: false}, nil, now)
	assert.Equal(t, "Failed to generate insight.", unsuccessful.Error)
	assert.Equal(t, "Exercise Plan With AI", unsuccessful.Title)
}
