package maternity

import (
	"math"
	"strconv"
	"strings"
)

// BloodPressure is a parsed "systolic/diastolic" reading. Either side is nil
// when its segment is missing or not a number.
type BloodPressure struct {
	Systolic  *float64
	Diastolic *float64
}

// ParseBloodPressure splits raw on "/" and parses each side independently.
func ParseBloodPressure(raw *string) BloodPressure {
	if raw == nil || *raw == "" {
		return BloodPressure{}
	}
	parts := strings.Split(*raw, "/")
	bp := BloodPressure{Systolic: parseSegment(parts[0])}
	if len(parts) > 1 {
		bp.Diastolic = parseSegment(parts[1])
	}
	return bp
}

func parseSegment(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
