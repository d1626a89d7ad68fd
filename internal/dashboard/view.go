package dashboard

import (
	"strings"

	"github.com/healthgest/go-maternity/internal/maternity"
)

// Icon names understood by dashboard renderers.
const (
	IconWeight = "weight"
	IconRuler  = "ruler"
	IconHeart  = "heart"
	IconBaby   = "baby"
)

// KPIStatus tints a KPI card.
type KPIStatus string

const (
	StatusStable   KPIStatus = "stable"
	StatusPositive KPIStatus = "positive"
	StatusNegative KPIStatus = "negative"
	StatusCritical KPIStatus = "critical"
)

// KPI is one titled metric card.
type KPI struct {
	Title       string     `json:"title"`
	Value       string     `json:"value"`
	Unit        string     `json:"unit"`
	Change      string     `json:"change"`
	ChangeType  ChangeType `json:"changeType"`
	Icon        string     `json:"icon"`
	Status      KPIStatus  `json:"status"`
	Highlighted bool       `json:"highlighted,omitempty"`
}

// ProfileItem is one labelled row inside a Group.
type ProfileItem struct {
	Icon    string `json:"icon"`
	Label   string `json:"label"`
	Value   string `json:"value"`
	Tooltip string `json:"tooltip,omitempty"`
}

func (p ProfileItem) String() string {
	return p.Label + ": " + p.Value
}

// Group is a titled card of profile rows.
type Group struct {
	Title string        `json:"title"`
	Items []ProfileItem `json:"items"`
}

// ChartTab carries everything a single chart needs.
type ChartTab struct {
	Key     string           `json:"key"`
	Label   string           `json:"label"`
	Data    maternity.Series `json:"data"`
	Average maternity.Series `json:"averageData"`
	KPI     KPI              `json:"kpi"`
}

// PatientRef identifies the patient a View was built for.
type PatientRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// View is the fully shaped dashboard for one patient.
type View struct {
	Cohort              Cohort             `json:"cohort"`
	Ongoing             bool               `json:"ongoing"`
	Patient             PatientRef         `json:"patient"`
	KPIs                []KPI              `json:"kpis"`
	Groups              []Group            `json:"groups"`
	Probabilities       []ProbabilityPanel `json:"probabilities,omitempty"`
	ChartTabs           []ChartTab         `json:"chartTabs"`
	Charts              Charts             `json:"charts"`
	PredictionsDegraded bool               `json:"predictionsDegraded"`
}

// Tab returns the chart tab with the given key.
func (v *View) Tab(key string) (ChartTab, bool) {
	for _, t := range v.ChartTabs {
		if t.Key == key {
			return t, true
		}
	}
	return ChartTab{}, false
}

// Group returns the group with the given title.
func (v *View) Group(title string) (Group, bool) {
	for _, g := range v.Groups {
		if g.Title == title {
			return g, true
		}
	}
	return Group{}, false
}

// BuildView derives the dashboard for rec. pred may be nil for historical
// cohorts; ongoing cohorts should pass EmptyPrediction when predictions were
// unavailable.
func BuildView(cohort CohortConfig, rec *maternity.PatientRecord, pred *maternity.Prediction, th Thresholds) *View {
	th = th.withDefaults()
	if pred == nil {
		pred = maternity.EmptyPrediction()
	}
	ongoing := cohort.IsOngoing
	latest, _ := rec.LatestVisit()
	delivery := rec.Delivery()
	baby := rec.Baby()

	var charts Charts
	if ongoing {
		charts = MergeCharts(rec.Visits, pred)
	} else {
		charts = MergeCharts(rec.Visits, nil)
	}

	v := &View{
		Cohort:  cohort.Name,
		Ongoing: ongoing,
		Patient: PatientRef{ID: rec.Patient.ID, Name: rec.Patient.Name},
		Charts:  charts,
	}

	v.KPIs = append(v.KPIs, KPI{
		Title:       "Visit Count",
		Value:       maternity.FormatNumber(floatPtr(float64(len(rec.Visits)))),
		ChangeType:  ChangeStable,
		Icon:        IconRuler,
		Status:      StatusStable,
		Highlighted: true,
	})
	if ongoing {
		v.KPIs = append(v.KPIs, KPI{
			Title:       "Current Gestational Age",
			Value:       maternity.FormatNumber(latest.GestationalAgeWeeks),
			Unit:        "weeks",
			ChangeType:  ChangeStable,
			Icon:        IconBaby,
			Status:      StatusStable,
			Highlighted: true,
		})
	} else {
		v.KPIs = append(v.KPIs, KPI{
			Title:      "Mother Condition",
			Value:      maternity.StringOr(delivery.MotherConditionPostDelivery, maternity.NotAvailable),
			ChangeType: ChangeStable,
			Icon:       IconHeart,
			Status:     conditionStatus(delivery.MotherConditionPostDelivery),
		})
	}

	v.Groups = append(v.Groups,
		profileGroup(rec.Patient),
		deliveryGroup(ongoing, delivery, baby, pred),
	)
	if ongoing {
		v.Probabilities = probabilityPanels(pred)
		v.Groups = append(v.Groups, Group{Title: "Risk Factor Analysis", Items: RiskItems(pred.RiskScores, th.RiskThreshold)})
	} else {
		v.Groups = append(v.Groups, Group{Title: "Visit & Condition Summary", Items: []ProfileItem{
			{Icon: IconRuler, Label: "Vaccinated Count", Value: maternity.FormatNumber(floatPtr(float64(rec.VaccinatedCount())))},
			{Icon: IconBaby, Label: "Last Gestational Age", Value: withUnit(nonZero(latest.GestationalAgeWeeks), maternity.FormatNumber, "weeks")},
		}})
	}
	v.Groups = append(v.Groups, datesGroup(ongoing, latest, delivery, baby))

	v.ChartTabs = chartTabs(charts, latest, th)
	return v
}

func chartTabs(c Charts, latest maternity.Visit, th Thresholds) []ChartTab {
	vital := func(title string, value string, unit, icon string, ch Change) KPI {
		return KPI{
			Title:      title,
			Value:      value,
			Unit:       unit,
			Change:     ch.Text,
			ChangeType: ch.Type,
			Icon:       icon,
			Status:     StatusStable,
		}
	}

	return []ChartTab{
		{
			Key: "weight", Label: "Maternal Weight", Data: c.MaternalWeight, Average: c.AverageWeight,
			KPI: vital("Last Maternal Weight", maternity.FormatNumber(latest.MaternalWeight), "kg", IconWeight,
				CalculateChange(c.MaternalWeight, maternity.FieldMaternalWeight, "kg", th.DeadBand)),
		},
		{
			Key: "growth", Label: "Fetal Growth", Data: c.FundalHeight, Average: c.AverageFundal,
			KPI: vital("Last Fundal Height", maternity.FormatNumber(latest.FundalHeight), "cm", IconRuler,
				CalculateChange(c.FundalHeight, maternity.FieldFundalHeight, "cm", th.DeadBand)),
		},
		{
			Key: "hb", Label: "Hemoglobin", Data: c.Hemoglobin, Average: c.AverageHemoglobin,
			KPI: vital("Last HB Level", maternity.FormatNumber(latest.HemoglobinLevel), "g/dL", IconHeart,
				CalculateChange(c.Hemoglobin, maternity.FieldHemoglobin, "g/dL", th.DeadBand)),
		},
		{
			Key: "bp", Label: "Blood Pressure", Data: c.BloodPressure, Average: c.AverageBloodPressure,
			KPI: vital("Last BP Level", maternity.StringOr(latest.BloodPressure, maternity.NotAvailable), "mmHg", IconHeart,
				CalculateBPChange(c.BloodPressure)),
		},
	}
}

func profileGroup(p maternity.Patient) Group {
	return Group{Title: "Patient Profile", Items: []ProfileItem{
		{Icon: IconBaby, Label: "Date of Birth", Value: maternity.FormatDisplayDate(p.DateOfBirth)},
		{Icon: IconHeart, Label: "Blood Type", Value: maternity.StringOr(p.BloodType, maternity.NotAvailable)},
		{Icon: IconWeight, Label: "BMI Status", Value: maternity.StringOr(p.BMIStatus, maternity.NotAvailable)},
		{
			Icon:    IconHeart,
			Label:   "Medical History",
			Value:   maternity.StringOr(p.MedicalHistory, maternity.NotAvailable),
			Tooltip: maternity.StringOr(p.MedicalHistory, ""),
		},
	}}
}

func deliveryGroup(ongoing bool, d maternity.Delivery, b maternity.Baby, pred *maternity.Prediction) Group {
	if ongoing {
		return Group{Title: "Expected Delivery & Baby Info", Items: []ProfileItem{
			{Icon: IconBaby, Label: "Expected Delivery Mode", Value: ResolveCategory(pred.DeliveryMode, DeliveryModeLabels)},
			{Icon: IconBaby, Label: "Expected Term Status", Value: ResolveCategory(pred.DeliveryType, DeliveryTypeLabels)},
			{Icon: IconBaby, Label: "Expected Gestational Age", Value: withUnit(nonZero(pred.ExpectedGestationalAge), fixed1, "weeks")},
			{Icon: IconBaby, Label: "Expected Birth Weight", Value: withUnit(pred.ExpectedBirthWeight, fixed1, "kg")},
		}}
	}

	mode := maternity.StringOr(d.DeliveryMode, maternity.NotAvailable)
	if mode == "Vaginal" {
		mode = "Normal"
	}
	return Group{Title: "Delivery & Baby Info", Items: []ProfileItem{
		{Icon: IconBaby, Label: "Delivery Mode", Value: mode},
		{Icon: IconBaby, Label: "Term Status", Value: maternity.StringOr(b.SourceSchema, maternity.NotAvailable)},
		{Icon: IconBaby, Label: "Gestational Age at Delivery", Value: withUnit(nonZero(d.GestationalAgeAtDelivery), fixed1, "weeks")},
		{Icon: IconBaby, Label: "Baby Birth Weight", Value: withUnit(birthWeightKg(b.BirthWeight), fixed1, "kg")},
	}}
}

func datesGroup(ongoing bool, latest maternity.Visit, d maternity.Delivery, b maternity.Baby) Group {
	if ongoing {
		return Group{Title: "Expected Key Dates", Items: []ProfileItem{
			{Icon: IconBaby, Label: "Expected Delivery Date", Value: maternity.FormatDisplayDate(maternity.FormatISODate(latest.EstimatedDueDate))},
		}}
	}
	return Group{Title: "Key Dates", Items: []ProfileItem{
		{Icon: IconBaby, Label: "Delivery Date", Value: maternity.FormatDisplayDate(d.DeliveryDate)},
		{Icon: IconBaby, Label: "Discharge Date", Value: maternity.FormatDisplayDate(b.DischargeDate)},
	}}
}

func probabilityPanels(pred *maternity.Prediction) []ProbabilityPanel {
	var panels []ProbabilityPanel
	if p := BuildProbabilityPanel("Delivery Type Probability", pred.DeliveryType); p != nil {
		panels = append(panels, *p)
	}
	if p := BuildProbabilityPanel("Delivery Mode Probability", pred.DeliveryMode); p != nil {
		panels = append(panels, *p)
	}
	return panels
}

func conditionStatus(condition *string) KPIStatus {
	switch strings.ToLower(maternity.StringOr(condition, "")) {
	case "stable":
		return StatusPositive
	case "unstable", "critical":
		return StatusCritical
	default:
		return StatusStable
	}
}

// birthWeightKg converts recorded birth weights to kilograms. Historical
// records store grams; anything above 100 cannot be a weight in kilograms.
func birthWeightKg(w *float64) *float64 {
	if w == nil || *w <= 100 {
		return w
	}
	return floatPtr(*w / 1000)
}

// withUnit renders a missing value as a bare N/A, without the unit.
func withUnit(v *float64, format func(*float64) string, unit string) string {
	if v == nil {
		return maternity.NotAvailable
	}
	return format(v) + " " + unit
}

func fixed1(v *float64) string {
	return maternity.FormatFixed(v, 1)
}

func nonZero(v *float64) *float64 {
	if v == nil || *v == 0 {
		return nil
	}
	return v
}

func floatPtr(f float64) *float64 {
	return &f
}
