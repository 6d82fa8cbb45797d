package config

import (
	"sort"
	"strconv"
	"strings"
)

// EncodeResult is the outcome of flattening a structured configuration.
// Skipped holds the indexes (into Sensors) of records dropped because they
// had no positive id, Duplicates those dropped because an earlier record
// already used their id.
type EncodeResult struct {
	Flat       Flat
	Skipped    []int
	Duplicates []int
}

// Decode converts the flat store into its structured form. It never fails: a
// missing, non-numeric or negative number_of_sensor yields zero sensors.
func Decode(flat Flat) StructuredConfig {
	count := parseCount(flat[KeySensorCount])

	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	cfg := StructuredConfig{
		SensorCount: intPtr(count),
		Sensors:     make([]SensorRecord, count),
		Extra:       make(map[string]string),
	}
	for i := range cfg.Sensors {
		cfg.Sensors[i] = SensorRecord{ID: i + 1, Fields: make(map[string]string)}
	}

	for _, key := range keys {
		if key == KeySensorCount || key == KeySensors {
			continue
		}
		id, field, ok := splitSensorKey(key, count)
		if !ok {
			cfg.Extra[key] = flat[key]
			continue
		}
		if field == "" || field == "id" {
			continue
		}
		cfg.Sensors[id-1].Fields[field] = flat[key]
	}
	return cfg
}

// Encode flattens cfg. Sensors without a positive id, and repeats of an id
// already written, are left out and reported in the result.
func Encode(cfg StructuredConfig) EncodeResult {
	res := EncodeResult{Flat: make(Flat)}
	res.Flat[KeySensorCount] = strconv.Itoa(cfg.Count())

	seen := make(map[int]struct{}, len(cfg.Sensors))
	for i, s := range cfg.Sensors {
		if s.ID <= 0 {
			res.Skipped = append(res.Skipped, i)
			continue
		}
		if _, dup := seen[s.ID]; dup {
			res.Duplicates = append(res.Duplicates, i)
			continue
		}
		seen[s.ID] = struct{}{}
		suffix := "_" + strconv.Itoa(s.ID)
		for field, value := range s.Fields {
			if field == "id" {
				continue
			}
			res.Flat[field+suffix] = value
		}
	}

	for key, value := range cfg.Extra {
		if key == KeySensors || key == KeySensorCount {
			continue
		}
		res.Flat[key] = value
	}
	return res
}

// MaxSensorCount bounds number_of_sensor on decode.
const MaxSensorCount = 4096

func parseCount(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return 0
	}
	return min(n, MaxSensorCount)
}

// splitSensorKey reports whether key ends in _<id> for some id in 1..count,
// returning the id and the key with the suffix removed.
func splitSensorKey(key string, count int) (int, string, bool) {
	idx := strings.LastIndexByte(key, '_')
	if idx < 0 || idx == len(key)-1 {
		return 0, "", false
	}
	digits := key[idx+1:]
	if digits[0] == '0' || strings.TrimLeft(digits, "0123456789") != "" {
		return 0, "", false
	}
	id, err := strconv.Atoi(digits)
	if err != nil || id < 1 || id > count {
		return 0, "", false
	}
	return id, key[:idx], true
}
