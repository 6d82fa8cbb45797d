package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// MarshalJSON renders the sensor as a single object: "id" plus its fields.
func (s SensorRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Fields)+1)
	for k, v := range s.Fields {
		out[k] = v
	}
	out["id"] = s.ID
	return json.Marshal(out)
}

// UnmarshalJSON accepts an object whose "id" is a number or numeric string.
// A missing or unparsable id leaves ID at zero. Every other member is
// coerced to a string.
func (s *SensorRecord) UnmarshalJSON(data []byte) error {
	raw, err := decodeObject(data)
	if err != nil {
		return fmt.Errorf("sensor: %w", err)
	}
	s.ID = 0
	s.Fields = make(map[string]string, len(raw))
	for k, v := range raw {
		if k == "id" {
			if id, ok := intValue(v); ok {
				s.ID = id
			}
			continue
		}
		str, err := stringify(v)
		if err != nil {
			return fmt.Errorf("sensor field %q: %w", k, err)
		}
		s.Fields[k] = str
	}
	return nil
}

// MarshalJSON renders the configuration as one object: extras at the top
// level next to "number_of_sensor" and "sensors".
func (c StructuredConfig) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Extra)+2)
	for k, v := range c.Extra {
		out[k] = v
	}
	sensors := c.Sensors
	if sensors == nil {
		sensors = []SensorRecord{}
	}
	out[KeySensors] = sensors
	out[KeySensorCount] = c.Count()
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON. Non-string scalar extras are
// coerced to strings.
func (c *StructuredConfig) UnmarshalJSON(data []byte) error {
	raw, err := decodeObject(data)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	*c = StructuredConfig{Extra: make(map[string]string, len(raw))}

	for k, v := range raw {
		switch k {
		case KeySensors:
			if v == nil {
				continue
			}
			list, ok := v.([]any)
			if !ok {
				return fmt.Errorf("config: %q must be an array", KeySensors)
			}
			c.Sensors = make([]SensorRecord, 0, len(list))
			for i, item := range list {
				buf, err := json.Marshal(item)
				if err != nil {
					return fmt.Errorf("config: sensor %d: %w", i, err)
				}
				var rec SensorRecord
				if err := rec.UnmarshalJSON(buf); err != nil {
					return fmt.Errorf("config: sensor %d: %w", i, err)
				}
				c.Sensors = append(c.Sensors, rec)
			}
		case KeySensorCount:
			if n, ok := intValue(v); ok && n >= 0 {
				c.SensorCount = intPtr(min(n, MaxSensorCount))
			}
		default:
			str, err := stringify(v)
			if err != nil {
				return fmt.Errorf("config: field %q: %w", k, err)
			}
			c.Extra[k] = str
		}
	}
	return nil
}

func decodeObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("expected a JSON object")
	}
	return raw, nil
}

// stringify flattens one JSON value to its persisted string form.
func stringify(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		if err != nil {
			return t.String(), nil
		}
		return d.String(), nil
	default:
		buf, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		return string(buf), nil
	}
}

var (
	minInt = decimal.NewFromInt(math.MinInt)
	maxInt = decimal.NewFromInt(math.MaxInt)
)

// intValue accepts integral numbers and numeric strings that fit in an int.
func intValue(v any) (int, bool) {
	var s string
	switch t := v.(type) {
	case json.Number:
		s = t.String()
	case string:
		s = strings.TrimSpace(t)
	default:
		return 0, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsInteger() {
		return 0, false
	}
	if d.LessThan(minInt) || d.GreaterThan(maxInt) {
		return 0, false
	}
	return int(d.IntPart()), true
}
