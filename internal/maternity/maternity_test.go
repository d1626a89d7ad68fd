package maternity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBloodPressure(t *testing.T) {
	tests := []struct {
		name      string
		raw       *string
		systolic  *float64
		diastolic *float64
	}{
		{"well formed", String("120/80"), Float(120), Float(80)},
		{"missing diastolic", String("120"), Float(120), nil},
		{"empty", String(""), nil, nil},
		{"absent", nil, nil, nil},
		{"padded", String(" 118 / 76 "), Float(118), Float(76)},
		{"garbage diastolic", String("120/abc"), Float(120), nil},
		{"trailing slash", String("130/"), Float(130), nil},
		{"not a number", String("NaN/80"), nil, Float(80)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bp := ParseBloodPressure(tt.raw)
			assert.Equal(t, tt.systolic, bp.Systolic)
			assert.Equal(t, tt.diastolic, bp.Diastolic)
		})
	}
}

func TestProbabilityMapKeepsOrder(t *testing.T) {
	var m ProbabilityMap
	require.NoError(t, json.Unmarshal([]byte(`{"Vaginal":0.5,"CSection":0.5,"Other":"x","Vaginal":0.4}`), &m))

	require.Len(t, m, 2)
	assert.Equal(t, "Vaginal", m[0].Label)
	assert.Equal(t, 0.4, m[0].Value)
	assert.Equal(t, "CSection", m[1].Label)

	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"Vaginal":0.4,"CSection":0.5}`, string(out))
	assert.Equal(t, `{"Vaginal":0.4,"CSection":0.5}`, string(out))
}

func TestProbabilityMapAbsentVersusEmpty(t *testing.T) {
	var p Prediction
	require.NoError(t, json.Unmarshal([]byte(`{"success":true,"deliveryMode":{}}`), &p))

	assert.Nil(t, p.RiskScores)
	assert.NotNil(t, p.DeliveryMode)
	assert.Empty(t, p.DeliveryMode)
}

func TestMostLikely(t *testing.T) {
	t.Run("strict maximum", func(t *testing.T) {
		m := ProbabilityMap{{"Vaginal", 0.3}, {"CSection", 0.7}}
		assert.Equal(t, Entry{"CSection", 0.7}, m.MostLikely())
	})
	t.Run("first seen wins ties", func(t *testing.T) {
		m := ProbabilityMap{{"FullTerm", 0.4}, {"Premature", 0.4}, {"MortalityRisk", 0.2}}
		assert.Equal(t, "FullTerm", m.MostLikely().Label)
	})
	t.Run("all zero", func(t *testing.T) {
		m := ProbabilityMap{{"CSection", 0}}
		assert.Equal(t, Entry{}, m.MostLikely())
	})
}

func TestPointDecodeKeepsColumns(t *testing.T) {
	var s Series
	require.NoError(t, json.Unmarshal([]byte(`[{"GESTATIONAL_AGE_WEEKS":12,"AVG_SYSTOLIC":110,"AVG_DIASTOLIC":null,"label":"x"}]`), &s))

	require.Len(t, s, 1)
	assert.Equal(t, Float(12), s[0].Week)
	assert.Equal(t, Float(110), s[0].Value("AVG_SYSTOLIC"))
	assert.True(t, s[0].Has("AVG_DIASTOLIC"))
	assert.Nil(t, s[0].Value("AVG_DIASTOLIC"))
	assert.False(t, s[0].Has("label"))

	out, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Equal(t, `[{"GESTATIONAL_AGE_WEEKS":12,"AVG_SYSTOLIC":110,"AVG_DIASTOLIC":null}]`, string(out))
}

func TestNilSeriesEncodesAsEmptyArray(t *testing.T) {
	out, err := json.Marshal(struct {
		S Series `json:"s"`
	}{})
	require.NoError(t, err)
	assert.Equal(t, `{"s":[]}`, string(out))
}

func TestPatientForwardsUnknownColumns(t *testing.T) {
	var p Patient
	require.NoError(t, json.Unmarshal([]byte(`{"PATIENT_ID":"P1","PATIENT_NAME":"Asha","WARD":"B2"}`), &p))
	assert.Equal(t, "P1", p.ID)

	out, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"PATIENT_ID":"P1","PATIENT_NAME":"Asha","WARD":"B2"}`, string(out))

	built, err := json.Marshal(Patient{ID: "P2", Name: "Mira"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"PATIENT_ID":"P2","PATIENT_NAME":"Mira"}`, string(built))
}

func TestLatestVisit(t *testing.T) {
	rec := &PatientRecord{Visits: []Visit{
		{VisitDate: "2024-03-01", MaternalWeight: Float(60)},
		{VisitDate: "2024-05-01T00:00:00Z", MaternalWeight: Float(64)},
		{VisitDate: "2024-05-01", MaternalWeight: Float(65)},
		{VisitDate: "not a date", MaternalWeight: Float(70)},
	}}

	v, ok := rec.LatestVisit()
	require.True(t, ok)
	assert.Equal(t, Float(64), v.MaternalWeight)

	_, ok = (&PatientRecord{}).LatestVisit()
	assert.False(t, ok)
}

func TestVaccinatedCount(t *testing.T) {
	rec := &PatientRecord{Visits: []Visit{{Vaccination: "Yes"}, {Vaccination: "No"}, {Vaccination: "Yes"}, {}}}
	assert.Equal(t, 2, rec.VaccinatedCount())
}

func TestDateFormatting(t *testing.T) {
	assert.Equal(t, "3/7/2024", FormatDisplayDate(String("2024-03-07T00:00:00.000Z")))
	assert.Equal(t, "12/25/1990", FormatDisplayDate(String("1990-12-25")))
	assert.Equal(t, NotAvailable, FormatDisplayDate(nil))
	assert.Equal(t, NotAvailable, FormatDisplayDate(String("soon")))

	assert.Equal(t, String("2024-09-14"), FormatISODate(String("2024-09-14T00:00:00Z")))
	assert.Nil(t, FormatISODate(String("")))
}

func TestNumberFormatting(t *testing.T) {
	assert.Equal(t, "72.5", FormatNumber(Float(72.5)))
	assert.Equal(t, "70", FormatNumber(Float(70)))
	assert.Equal(t, NotAvailable, FormatNumber(nil))
	assert.Equal(t, "38.0", FormatFixed(Float(38), 1))
	assert.Equal(t, "fallback", StringOr(String(""), "fallback"))
}
