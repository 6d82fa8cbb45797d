package broker

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// Event names emitted to the transport layer.
const (
	EventStatus     = "mqtt_status"
	EventSensorData = "sensor_data"
)

// StatusEvent is the payload of EventStatus.
type StatusEvent struct {
	Status string `json:"status"`
	Broker string `json:"broker"`
	Error  string `json:"error,omitempty"`
	Code   int    `json:"code,omitempty"`
}

// SensorData is the payload of EventSensorData. Timestamp is copied from a
// decoded object payload and is "" otherwise.
type SensorData struct {
	Topic     string `json:"topic"`
	Data      any    `json:"data"`
	Timestamp any    `json:"timestamp"`
}

// decodePayload never fails: payloads that are not JSON are wrapped as
// {"raw": text, "topic": topic}.
func decodePayload(topic string, payload []byte) SensorData {
	text := strings.ToValidUTF8(string(payload), "�")

	data, err := decodeJSON(text)
	if err != nil {
		return SensorData{
			Topic:     topic,
			Data:      map[string]any{"raw": text, "topic": topic},
			Timestamp: "",
		}
	}

	var ts any = ""
	if obj, ok := data.(map[string]any); ok {
		if v, ok := obj["timestamp"]; ok && v != nil {
			ts = v
		}
	}
	return SensorData{Topic: topic, Data: data, Timestamp: ts}
}

func decodeJSON(text string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after JSON value")
	}
	return v, nil
}

// compact trims a payload for log lines.
func compact(payload []byte) string {
	const max = 120
	p := bytes.TrimSpace(payload)
	if len(p) > max {
		return string(p[:max]) + "..."
	}
	return string(p)
}
