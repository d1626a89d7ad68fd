package maternity

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Field names a value column in a chart series.
type Field string

const (
	FieldWeek Field = "GESTATIONAL_AGE_WEEKS"

	FieldMaternalWeight Field = "MATERNAL_WEIGHT"
	FieldFundalHeight   Field = "FUNDAL_HEIGHT"
	FieldHemoglobin     Field = "HEMOGLOBIN_LEVEL"
	FieldSystolic       Field = "BP_SYSTOLIC"
	FieldDiastolic      Field = "BP_DIASTOLIC"

	FieldPredictedWeight     Field = "PREDICTED_WEIGHT"
	FieldPredictedFundal     Field = "PREDICTED_FUNDAL_HEIGHT"
	FieldPredictedHemoglobin Field = "PREDICTED_HEMOGLOBIN_LEVEL"
	FieldPredictedSystolic   Field = "PREDICTED_BP_SYSTOLIC"
	FieldPredictedDiastolic  Field = "PREDICTED_BP_DIASTOLIC"
)

// FieldValue is one column of a Point. A nil Value is an explicit null.
type FieldValue struct {
	Field Field
	Value *float64
}

// Point is one row of a chart series keyed by gestational week.
type Point struct {
	Week   *float64
	Values []FieldValue
}

// NewPoint builds a point with columns in the given order.
func NewPoint(week *float64, values ...FieldValue) Point {
	return Point{Week: week, Values: values}
}

// Value returns the column f, or nil when it is absent or null.
func (p Point) Value(f Field) *float64 {
	for _, fv := range p.Values {
		if fv.Field == f {
			return fv.Value
		}
	}
	return nil
}

// Has reports whether the column f is present, null or not.
func (p Point) Has(f Field) bool {
	for _, fv := range p.Values {
		if fv.Field == f {
			return true
		}
	}
	return false
}

func (p Point) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	buf.WriteString(`"` + string(FieldWeek) + `":`)
	if err := writeNumber(&buf, p.Week); err != nil {
		return nil, err
	}
	for _, fv := range p.Values {
		key, err := json.Marshal(string(fv.Field))
		if err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		buf.Write(key)
		buf.WriteByte(':')
		if err := writeNumber(&buf, fv.Value); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads any object, keeping numeric and null columns in
// document order and dropping the rest.
func (p *Point) UnmarshalJSON(data []byte) error {
	*p = Point{}
	return decodeObject(data, func(key string, raw json.RawMessage) error {
		v, ok := numberOrNull(raw)
		if !ok {
			return nil
		}
		if Field(key) == FieldWeek {
			p.Week = v
			return nil
		}
		p.Values = append(p.Values, FieldValue{Field: Field(key), Value: v})
		return nil
	})
}

// Series is a chronological sequence of points for one chart.
type Series []Point

// MarshalJSON renders a nil series as an empty array.
func (s Series) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Point(s))
}

func writeNumber(buf *bytes.Buffer, v *float64) error {
	if v == nil {
		buf.WriteString("null")
		return nil
	}
	b, err := json.Marshal(*v)
	if err != nil {
		return fmt.Errorf("encode number: %w", err)
	}
	buf.Write(b)
	return nil
}

func numberOrNull(raw json.RawMessage) (*float64, bool) {
	trimmed := bytes.TrimSpace(raw)
	if bytes.Equal(trimmed, []byte("null")) {
		return nil, true
	}
	var v float64
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return nil, false
	}
	return &v, true
}

// decodeObject walks a JSON object in document order. null decodes to no
// calls at all.
func decodeObject(data []byte, fn func(key string, raw json.RawMessage) error) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("expected object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected object key, got %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		if err := fn(key, raw); err != nil {
			return err
		}
	}
	_, err = dec.Token()
	return err
}
