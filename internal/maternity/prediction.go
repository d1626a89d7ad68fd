package maternity

// ProgressionPoint is one predicted value at a gestational week.
type ProgressionPoint struct {
	Week  *float64 `json:"week"`
	Value *float64 `json:"value"`
}

// Progression holds the predicted curve per vital.
type Progression struct {
	Weight     []ProgressionPoint `json:"weight,omitempty"`
	Fundal     []ProgressionPoint `json:"fundal,omitempty"`
	Hemoglobin []ProgressionPoint `json:"hb,omitempty"`
	Systolic   []ProgressionPoint `json:"systolic,omitempty"`
	Diastolic  []ProgressionPoint `json:"diastolic,omitempty"`
}

// Averages holds population reference curves. Their columns (AVG_WEIGHT,
// AVG_SYSTOLIC, ...) are passed through untouched.
type Averages struct {
	Weight        Series `json:"averageWeight"`
	Fundal        Series `json:"averageFundal"`
	Hemoglobin    Series `json:"averageHemoglobin"`
	BloodPressure Series `json:"averageBloodPressure"`
}

// Prediction is the response of the progression prediction service.
type Prediction struct {
	Success                bool           `json:"success"`
	Progression            Progression    `json:"progression"`
	DeliveryType           ProbabilityMap `json:"deliveryType"`
	DeliveryMode           ProbabilityMap `json:"deliveryMode"`
	RiskScores             ProbabilityMap `json:"riskScores"`
	ExpectedGestationalAge *float64       `json:"expectedGestationalAge"`
	ExpectedBirthWeight    *float64       `json:"expectedBirthWeight"`
	Averages               Averages       `json:"averages"`
	Error                  string         `json:"error,omitempty"`
}

// EmptyPrediction is used whenever predictions are unavailable: empty maps,
// no curves, no scalars.
func EmptyPrediction() *Prediction {
	return &Prediction{
		DeliveryType: ProbabilityMap{},
		DeliveryMode: ProbabilityMap{},
		RiskScores:   ProbabilityMap{},
	}
}

// PredictionRequest is the body posted to the prediction service.
type PredictionRequest struct {
	Visits  []Visit `json:"visits"`
	Patient Patient `json:"patient"`
}
