package dashboard

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/healthgest/go-maternity/internal/maternity"
)

// HomeKPI is a landing page card.
type HomeKPI struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Icon  string `json:"icon"`
}

// Rate is a labelled percentage with the count behind it.
type Rate struct {
	Label      string  `json:"label"`
	Percentage float64 `json:"percentage"`
	Count      int64   `json:"count"`
	Display    string  `json:"display"`
}

// HomeView is the landing page summary.
type HomeView struct {
	KPIs          []HomeKPI `json:"kpis"`
	Distribution  []Rate    `json:"deliveryDistribution"`
	DeliveryTypes []Rate    `json:"deliveryTypes"`
	PatientSplit  []HomeKPI `json:"patientSplit"`
}

var homePrinter = message.NewPrinter(language.English)

// BuildHomeView formats the backend summary for display. Counts use
// thousands separators.
func BuildHomeView(s *maternity.HomeSummary) *HomeView {
	count := func(n int64) string { return homePrinter.Sprintf("%d", n) }
	pct := func(f float64) string { return homePrinter.Sprintf("%v%%", f) }
	dt := s.DeliveryTypes

	return &HomeView{
		KPIs: []HomeKPI{
			{Title: "Active Pregnancies", Value: count(s.ActivePregnancies), Icon: IconBaby},
			{Title: "Total Deliveries", Value: count(s.TotalDeliveries), Icon: IconHeart},
			{Title: "Normal Deliveries", Value: count(s.NormalDeliveryCount), Icon: IconHeart},
			{Title: "C-Section Deliveries", Value: count(s.CSectionDeliveryCount), Icon: IconHeart},
			{Title: "Babies Born", Value: count(s.TotalBabies), Icon: IconBaby},
			{Title: "Today's Appointments", Value: count(s.TodaysAppointments), Icon: IconRuler},
		},
		Distribution: []Rate{
			{Label: "Normal Delivery", Percentage: s.NormalDeliveryRate, Count: s.NormalDeliveryCount, Display: pct(s.NormalDeliveryRate)},
			{Label: "C-Section", Percentage: s.CSectionRate, Count: s.CSectionDeliveryCount, Display: pct(s.CSectionRate)},
		},
		DeliveryTypes: []Rate{
			{Label: "Matured", Percentage: dt.Matured, Count: dt.MaturedCount, Display: pct(dt.Matured)},
			{Label: "Premature", Percentage: dt.Premature, Count: dt.PrematureCount, Display: pct(dt.Premature)},
			{Label: "Mortality", Percentage: dt.Mortality, Count: dt.MortalityCount, Display: pct(dt.Mortality)},
		},
		PatientSplit: []HomeKPI{
			{Title: "Active Pregnancies", Value: count(s.ActivePregnancies), Icon: IconBaby},
			{Title: "Historical Patients", Value: count(s.HistoricalPatients), Icon: IconRuler},
		},
	}
}
