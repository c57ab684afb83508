package entities

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	triggerOn    = "on"
	valueUnknown = "unknown"
)

// Event is one camera status message received over MQTT.
type Event struct {
	Topic     string `json:"topic"`
	EventType string `json:"event_type"`
	Value     bool   `json:"value"`
}

type eventPayload struct {
	Type    string `json:"type"`
	Trigger string `json:"trigger"`
}

// ParseEvent decodes a {"type": ..., "trigger": ...} status payload. Types
// containing "motion" collapse into motion and "watchdog" into connectivity.
func ParseEvent(topic string, payload []byte) (Event, error) {
	var p eventPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Event{}, fmt.Errorf("invalid status payload on %s: %w", topic, err)
	}

	eventType := strings.ToLower(p.Type)
	if eventType == "" {
		eventType = valueUnknown
	}
	trigger := strings.ToLower(p.Trigger)

	switch {
	case strings.Contains(eventType, strings.ToLower(string(SensorMotion))):
		eventType = strings.ToLower(string(SensorMotion))
	case strings.Contains(eventType, "watchdog"):
		eventType = strings.ToLower(string(SensorConnectivity))
	}

	return Event{
		Topic:     topic,
		EventType: eventType,
		Value:     trigger == triggerOn,
	}, nil
}

// TopicForCamera fills the single "+" wildcard of pattern with cameraID.
func TopicForCamera(pattern, cameraID string) string {
	return strings.Replace(pattern, "+", cameraID, 1)
}

// CameraFromTopic extracts the camera id matched by the "+" of pattern.
func CameraFromTopic(pattern, topic string) (string, bool) {
	prefix, suffix, found := strings.Cut(pattern, "+")
	if !found {
		return "", false
	}
	if len(prefix)+len(suffix) >= len(topic) ||
		!strings.HasPrefix(topic, prefix) || !strings.HasSuffix(topic, suffix) {
		return "", false
	}

	id := topic[len(prefix) : len(topic)-len(suffix)]
	if strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
