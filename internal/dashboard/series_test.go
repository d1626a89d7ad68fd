package dashboard

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	m "github.com/healthgest/go-maternity/internal/maternity"
)

func sampleVisits() []m.Visit {
	return []m.Visit{
		{GestationalAgeWeeks: m.Float(20), MaternalWeight: m.Float(70), FundalHeight: m.Float(20), HemoglobinLevel: m.Float(11.2), BloodPressure: m.String("120/80"), VisitDate: "2024-03-01"},
		{GestationalAgeWeeks: m.Float(24), MaternalWeight: m.Float(72), FundalHeight: m.Float(24), HemoglobinLevel: m.Float(11.0), BloodPressure: m.String("125"), VisitDate: "2024-03-29"},
	}
}

func samplePrediction() *m.Prediction {
	pred := m.EmptyPrediction()
	pred.Success = true
	pred.Progression = m.Progression{
		Weight:    []m.ProgressionPoint{{Week: m.Float(28), Value: m.Float(74)}, {Week: m.Float(32), Value: m.Float(76)}},
		Systolic:  []m.ProgressionPoint{{Week: m.Float(28), Value: m.Float(122)}, {Week: m.Float(32), Value: m.Float(124)}},
		Diastolic: []m.ProgressionPoint{{Week: m.Float(28), Value: m.Float(81)}},
	}
	pred.Averages.Weight = m.Series{m.NewPoint(m.Float(20), m.FieldValue{Field: "AVG_WEIGHT", Value: m.Float(68)})}
	return pred
}

func TestMergeChartsConcatenatesHistoricalThenPredicted(t *testing.T) {
	charts := MergeCharts(sampleVisits(), samplePrediction())

	want := m.Series{
		m.NewPoint(m.Float(20), m.FieldValue{Field: m.FieldMaternalWeight, Value: m.Float(70)}),
		m.NewPoint(m.Float(24), m.FieldValue{Field: m.FieldMaternalWeight, Value: m.Float(72)}),
		m.NewPoint(m.Float(28), m.FieldValue{Field: m.FieldPredictedWeight, Value: m.Float(74)}),
		m.NewPoint(m.Float(32), m.FieldValue{Field: m.FieldPredictedWeight, Value: m.Float(76)}),
	}
	if diff := cmp.Diff(want, charts.MaternalWeight); diff != "" {
		t.Errorf("maternal weight mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, charts.FundalHeight, 2)
	assert.Len(t, charts.Hemoglobin, 2)
	assert.Len(t, charts.AverageWeight, 1)
}

func TestMergeChartsHistoricalNeverCarriesPredictedField(t *testing.T) {
	visits := sampleVisits()
	charts := MergeCharts(visits, samplePrediction())

	for _, s := range []m.Series{charts.MaternalWeight, charts.FundalHeight, charts.Hemoglobin, charts.BloodPressure} {
		for i := 0; i < len(visits); i++ {
			for _, f := range []m.Field{m.FieldPredictedWeight, m.FieldPredictedFundal, m.FieldPredictedHemoglobin, m.FieldPredictedSystolic, m.FieldPredictedDiastolic} {
				assert.False(t, s[i].Has(f), "historical point %d carries %s", i, f)
			}
		}
	}
}

func TestMergeChartsBloodPressure(t *testing.T) {
	charts := MergeCharts(sampleVisits(), samplePrediction())
	bp := charts.BloodPressure
	require.Len(t, bp, 4)

	assert.Equal(t, m.Float(120), bp[0].Value(m.FieldSystolic))
	assert.Equal(t, m.Float(80), bp[0].Value(m.FieldDiastolic))
	assert.Equal(t, m.Float(125), bp[1].Value(m.FieldSystolic))
	assert.True(t, bp[1].Has(m.FieldDiastolic))
	assert.Nil(t, bp[1].Value(m.FieldDiastolic))

	assert.Equal(t, m.Float(122), bp[2].Value(m.FieldPredictedSystolic))
	assert.Equal(t, m.Float(81), bp[2].Value(m.FieldPredictedDiastolic))
	assert.Equal(t, m.Float(124), bp[3].Value(m.FieldPredictedSystolic))
	assert.Nil(t, bp[3].Value(m.FieldPredictedDiastolic), "diastolic is paired by index")
}

func TestMergeChartsWithoutPrediction(t *testing.T) {
	charts := MergeCharts(sampleVisits(), nil)
	assert.Len(t, charts.MaternalWeight, 2)
	assert.Empty(t, charts.AverageWeight)

	out, err := json.Marshal(charts)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"averageBloodPressure":[]`)
}

func TestMergeChartsKeepsGivenOrder(t *testing.T) {
	visits := []m.Visit{
		{GestationalAgeWeeks: m.Float(30), MaternalWeight: m.Float(75)},
		{GestationalAgeWeeks: m.Float(12), MaternalWeight: m.Float(60)},
	}
	charts := MergeCharts(visits, nil)
	assert.Equal(t, m.Float(30), charts.MaternalWeight[0].Week)
	assert.Equal(t, m.Float(12), charts.MaternalWeight[1].Week)
}
