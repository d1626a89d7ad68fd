package dashboard

import (
	"github.com/healthgest/go-maternity/internal/maternity"
)

// Charts holds one merged series per vital plus the population reference
// curves drawn alongside them.
type Charts struct {
	MaternalWeight       maternity.Series `json:"maternalWeight"`
	FundalHeight         maternity.Series `json:"fundalHeight"`
	Hemoglobin           maternity.Series `json:"hemoglobin"`
	BloodPressure        maternity.Series `json:"bloodPressure"`
	AverageWeight        maternity.Series `json:"averageWeight"`
	AverageFundal        maternity.Series `json:"averageFundal"`
	AverageHemoglobin    maternity.Series `json:"averageHemoglobin"`
	AverageBloodPressure maternity.Series `json:"averageBloodPressure"`
}

// MergeCharts concatenates historical visit measurements with predicted
// points. Historical rows carry only the measured column and predicted rows
// only the PREDICTED_* column, so a chart can draw both from one array.
// Order is preserved as given; nothing is re-sorted.
func MergeCharts(visits []maternity.Visit, pred *maternity.Prediction) Charts {
	if pred == nil {
		pred = maternity.EmptyPrediction()
	}
	prog := pred.Progression

	return Charts{
		MaternalWeight: concat(
			historical(visits, maternity.FieldMaternalWeight, func(v maternity.Visit) *float64 { return v.MaternalWeight }),
			predicted(prog.Weight, maternity.FieldPredictedWeight),
		),
		FundalHeight: concat(
			historical(visits, maternity.FieldFundalHeight, func(v maternity.Visit) *float64 { return v.FundalHeight }),
			predicted(prog.Fundal, maternity.FieldPredictedFundal),
		),
		Hemoglobin: concat(
			historical(visits, maternity.FieldHemoglobin, func(v maternity.Visit) *float64 { return v.HemoglobinLevel }),
			predicted(prog.Hemoglobin, maternity.FieldPredictedHemoglobin),
		),
		BloodPressure: concat(
			historicalBloodPressure(visits),
			predictedBloodPressure(prog.Systolic, prog.Diastolic),
		),
		AverageWeight:        pred.Averages.Weight,
		AverageFundal:        pred.Averages.Fundal,
		AverageHemoglobin:    pred.Averages.Hemoglobin,
		AverageBloodPressure: pred.Averages.BloodPressure,
	}
}

func historical(visits []maternity.Visit, field maternity.Field, value func(maternity.Visit) *float64) maternity.Series {
	out := make(maternity.Series, 0, len(visits))
	for _, v := range visits {
		out = append(out, maternity.NewPoint(v.GestationalAgeWeeks,
			maternity.FieldValue{Field: field, Value: value(v)}))
	}
	return out
}

func historicalBloodPressure(visits []maternity.Visit) maternity.Series {
	out := make(maternity.Series, 0, len(visits))
	for _, v := range visits {
		bp := maternity.ParseBloodPressure(v.BloodPressure)
		out = append(out, maternity.NewPoint(v.GestationalAgeWeeks,
			maternity.FieldValue{Field: maternity.FieldSystolic, Value: bp.Systolic},
			maternity.FieldValue{Field: maternity.FieldDiastolic, Value: bp.Diastolic},
		))
	}
	return out
}

func predicted(points []maternity.ProgressionPoint, field maternity.Field) maternity.Series {
	out := make(maternity.Series, 0, len(points))
	for _, p := range points {
		out = append(out, maternity.NewPoint(p.Week, maternity.FieldValue{Field: field, Value: p.Value}))
	}
	return out
}

// predictedBloodPressure pairs diastolic predictions with systolic ones by
// index; the systolic curve defines the weeks.
func predictedBloodPressure(systolic, diastolic []maternity.ProgressionPoint) maternity.Series {
	out := make(maternity.Series, 0, len(systolic))
	for i, p := range systolic {
		var dia *float64
		if i < len(diastolic) {
			dia = diastolic[i].Value
		}
		out = append(out, maternity.NewPoint(p.Week,
			maternity.FieldValue{Field: maternity.FieldPredictedSystolic, Value: p.Value},
			maternity.FieldValue{Field: maternity.FieldPredictedDiastolic, Value: dia},
		))
	}
	return out
}

func concat(a, b maternity.Series) maternity.Series {
	out := make(maternity.Series, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
