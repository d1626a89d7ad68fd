package maternity

// DeliveryTypeBreakdown splits completed deliveries by term outcome.
// The rate fields are percentages.
type DeliveryTypeBreakdown struct {
	Matured        float64 `json:"matured"`
	Premature      float64 `json:"premature"`
	Mortality      float64 `json:"mortality"`
	MaturedCount   int64   `json:"maturedCount"`
	PrematureCount int64   `json:"prematureCount"`
	MortalityCount int64   `json:"mortalityCount"`
}

// HomeSummary is the payload of the home summary endpoint.
type HomeSummary struct {
	Success               *bool                 `json:"success,omitempty"`
	TotalPatients         int64                 `json:"totalPatients"`
	ActivePregnancies     int64                 `json:"activePregnancies"`
	HistoricalPatients    int64                 `json:"historicalPatients"`
	NormalDeliveryCount   int64                 `json:"normalDeliveryCount"`
	CSectionDeliveryCount int64                 `json:"cSectionDeliveryCount"`
	TotalDeliveries       int64                 `json:"totalDeliveries"`
	TotalBabies           int64                 `json:"totalBabies"`
	TodaysAppointments    int64                 `json:"todaysAppointments"`
	NormalDeliveryRate    float64               `json:"normalDeliveryRate"`
	CSectionRate          float64               `json:"cSectionRate"`
	DeliveryTypes         DeliveryTypeBreakdown `json:"deliveryTypes"`
	Error                 string                `json:"error,omitempty"`
}

// Failed reports an explicit success:false from the backend.
func (s *HomeSummary) Failed() bool {
	return s.Success != nil && !*s.Success
}
