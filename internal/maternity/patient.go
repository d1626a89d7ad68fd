package maternity

import (
	"encoding/json"
)

// Patient is the backend patient row. List endpoints fill only ID and Name.
type Patient struct {
	ID             string   `json:"PATIENT_ID"`
	Name           string   `json:"PATIENT_NAME"`
	Age            *int     `json:"AGE,omitempty"`
	DateOfBirth    *string  `json:"DATE_OF_BIRTH,omitempty"`
	BloodType      *string  `json:"BLOOD_TYPE,omitempty"`
	MedicalHistory *string  `json:"MEDICAL_HISTORY,omitempty"`
	BMIStatus      *string  `json:"BMI_STATUS,omitempty"`
	BMIValue       *float64 `json:"BMI_VALUE,omitempty"`
	Gravida        *int     `json:"GRAVIDA,omitempty"`
	Parity         *int     `json:"PARITY,omitempty"`
	FirstName      *string  `json:"FIRST_NAME,omitempty"`
	LastName       *string  `json:"LAST_NAME,omitempty"`
	DietType       *string  `json:"DIET_TYPE,omitempty"`
	ActivityLevel  *string  `json:"ACTIVITY_LEVEL,omitempty"`

	raw json.RawMessage
}

type patientFields Patient

// UnmarshalJSON keeps the original document so it can be forwarded to the
// prediction and insight services without dropping unknown columns.
func (p *Patient) UnmarshalJSON(data []byte) error {
	var f patientFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*p = Patient(f)
	p.raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON emits the original document when there is one.
func (p Patient) MarshalJSON() ([]byte, error) {
	if len(p.raw) > 0 {
		return p.raw, nil
	}
	return json.Marshal(patientFields(p))
}

// Visit is one antenatal encounter.
type Visit struct {
	GestationalAgeWeeks *float64 `json:"GESTATIONAL_AGE_WEEKS,omitempty"`
	MaternalWeight      *float64 `json:"MATERNAL_WEIGHT,omitempty"`
	FundalHeight        *float64 `json:"FUNDAL_HEIGHT,omitempty"`
	HemoglobinLevel     *float64 `json:"HEMOGLOBIN_LEVEL,omitempty"`
	BloodPressure       *string  `json:"BLOOD_PRESSURE,omitempty"`
	Vaccination         string   `json:"VACCINATION,omitempty"`
	VisitDate           string   `json:"VISIT_DATE,omitempty"`
	EstimatedDueDate    *string  `json:"ESTIMATED_DUE_DATE,omitempty"`

	raw json.RawMessage
}

type visitFields Visit

func (v *Visit) UnmarshalJSON(data []byte) error {
	var f visitFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*v = Visit(f)
	v.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (v Visit) MarshalJSON() ([]byte, error) {
	if len(v.raw) > 0 {
		return v.raw, nil
	}
	return json.Marshal(visitFields(v))
}

// Vaccinated reports whether the visit recorded a vaccination.
func (v Visit) Vaccinated() bool { return v.Vaccination == "Yes" }

// Delivery is the recorded outcome of a completed pregnancy.
type Delivery struct {
	DeliveryDate                *string  `json:"DELIVERY_DATE,omitempty"`
	DeliveryMode                *string  `json:"DELIVERY_MODE,omitempty"`
	MotherConditionPostDelivery *string  `json:"MOTHER_CONDITION_POST_DELIVERY,omitempty"`
	GestationalAgeAtDelivery    *float64 `json:"GESTATIONAL_AGE_AT_DELIVERY,omitempty"`
}

// Baby is the newborn record. SourceSchema carries the term classification.
type Baby struct {
	BirthWeight   *float64 `json:"BIRTH_WEIGHT,omitempty"`
	DischargeDate *string  `json:"DISCHARGE_DATE,omitempty"`
	SourceSchema  *string  `json:"SOURCE_SCHEMA,omitempty"`
}

// PatientRecord is the payload of the patient details endpoint.
type PatientRecord struct {
	Patient    Patient    `json:"patient"`
	Visits     []Visit    `json:"visits"`
	Deliveries []Delivery `json:"deliveries"`
	Babies     []Baby     `json:"babies"`
}

// LatestVisit returns the visit with the most recent VISIT_DATE. Visits with
// unparsable dates sort oldest; on equal dates the earlier visit wins.
func (r *PatientRecord) LatestVisit() (Visit, bool) {
	if len(r.Visits) == 0 {
		return Visit{}, false
	}
	best := 0
	bestAt, _ := ParseDate(r.Visits[0].VisitDate)
	for i := 1; i < len(r.Visits); i++ {
		at, _ := ParseDate(r.Visits[i].VisitDate)
		if at.After(bestAt) {
			best, bestAt = i, at
		}
	}
	return r.Visits[best], true
}

// Delivery returns the first delivery record, or a zero record.
func (r *PatientRecord) Delivery() Delivery {
	if len(r.Deliveries) == 0 {
		return Delivery{}
	}
	return r.Deliveries[0]
}

// Baby returns the first baby record, or a zero record.
func (r *PatientRecord) Baby() Baby {
	if len(r.Babies) == 0 {
		return Baby{}
	}
	return r.Babies[0]
}

// VaccinatedCount counts visits with a recorded vaccination.
func (r *PatientRecord) VaccinatedCount() int {
	n := 0
	for _, v := range r.Visits {
		if v.Vaccinated() {
			n++
		}
	}
	return n
}
