package maternity

import (
	"bytes"
	"encoding/json"
)

// Entry is one label of a ProbabilityMap.
type Entry struct {
	Label string
	Value float64
}

// ProbabilityMap maps outcome labels to 0-1 scores in the order the backend
// sent them. A nil map means the field was absent; an empty non-nil map means
// the backend sent {}.
type ProbabilityMap []Entry

// Get returns the score for label.
func (m ProbabilityMap) Get(label string) (float64, bool) {
	for _, e := range m {
		if e.Label == label {
			return e.Value, true
		}
	}
	return 0, false
}

// MostLikely scans for the highest score. The scan starts from an empty label
// at zero and only replaces on a strictly greater score, so the first label
// wins ties and an all-zero map yields the empty label.
func (m ProbabilityMap) MostLikely() Entry {
	best := Entry{}
	for _, e := range m {
		if e.Value > best.Value {
			best = e
		}
	}
	return best
}

func (m ProbabilityMap) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Label)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(e.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON keeps key order. Non-numeric values are skipped and a
// repeated key keeps its first position with the last value.
func (m *ProbabilityMap) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*m = nil
		return nil
	}
	out := ProbabilityMap{}
	err := decodeObject(data, func(key string, raw json.RawMessage) error {
		v, ok := numberOrNull(raw)
		if !ok || v == nil {
			return nil
		}
		for i := range out {
			if out[i].Label == key {
				out[i].Value = *v
				return nil
			}
		}
		out = append(out, Entry{Label: key, Value: *v})
		return nil
	})
	if err != nil {
		return err
	}
	*m = out
	return nil
}
