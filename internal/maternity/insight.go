package maternity

// InsightKind selects an AI-generated care plan.
type InsightKind string

const (
	InsightDiet     InsightKind = "diet"
	InsightExercise InsightKind = "exercise"
)

// InsightKinds lists the plans a dashboard shows, in display order.
var InsightKinds = []InsightKind{InsightDiet, InsightExercise}

// Valid reports whether k is a known plan.
func (k InsightKind) Valid() bool {
	return k == InsightDiet || k == InsightExercise
}

// Title is the panel heading for the plan.
func (k InsightKind) Title() string {
	switch k {
	case InsightDiet:
		return "Diet Plan With AI"
	case InsightExercise:
		return "Exercise Plan With AI"
	default:
		return string(k)
	}
}

// InsightRequest is the body posted to the insight endpoints.
type InsightRequest struct {
	Patient Patient `json:"patient"`
	Visits  []Visit `json:"visits"`
}

// InsightResponse is returned by the insight endpoints.
type InsightResponse struct {
	Success      bool   `json:"success"`
	DietPlan     string `json:"dietPlan,omitempty"`
	ExercisePlan string `json:"exercisePlan,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Plan returns whichever plan text is set.
func (r *InsightResponse) Plan() string {
	if r.DietPlan != "" {
		return r.DietPlan
	}
	if r.ExercisePlan != "" {
		return r.ExercisePlan
	}
	return "No plan generated."
}
