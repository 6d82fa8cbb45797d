package config

// Reserved flat keys. They are never copied from extras.
const (
	KeySensorCount = "number_of_sensor"
	KeySensors     = "sensors"
)

// Flat is the persisted single-level form of the configuration. Sensor keys
// follow the <field>_<sensorID> convention; every other key is device level.
type Flat map[string]string

// SensorRecord is one sensor of a structured configuration. Fields is open
// ended (mqtt_topic, unit, label, ...) and never contains "id".
type SensorRecord struct {
	ID     int
	Fields map[string]string
}

// Field returns the named field or "".
func (s SensorRecord) Field(name string) string {
	return s.Fields[name]
}

// StructuredConfig is the decoded configuration: a device with an ordered
// list of sensors. SensorCount is nil when the structured form did not carry
// a count, in which case Encode falls back to len(Sensors).
type StructuredConfig struct {
	SensorCount *int
	Sensors     []SensorRecord
	Extra       map[string]string
}

// Count returns the authoritative sensor count.
func (c StructuredConfig) Count() int {
	if c.SensorCount != nil {
		return *c.SensorCount
	}
	return len(c.Sensors)
}

// Get returns a device-level setting or "".
func (c StructuredConfig) Get(key string) string {
	return c.Extra[key]
}

// Topics returns the non-empty mqtt_topic of every sensor, in sensor order,
// without duplicates.
func (c StructuredConfig) Topics() []string {
	seen := make(map[string]struct{}, len(c.Sensors))
	var topics []string
	for _, s := range c.Sensors {
		topic := s.Field("mqtt_topic")
		if topic == "" {
			continue
		}
		if _, ok := seen[topic]; ok {
			continue
		}
		seen[topic] = struct{}{}
		topics = append(topics, topic)
	}
	return topics
}

func intPtr(v int) *int {
	return &v
}
