// Package entities turns Blue Iris snapshots and MQTT camera events into
// Home Assistant entities and keeps the announced set in sync with the
// server on every refresh.
package entities

import "maps"

type Domain string

const (
	DomainBinarySensor Domain = "binary_sensor"
	DomainCamera       Domain = "camera"
	DomainSwitch       Domain = "switch"
)

// Domains lists the supported domains in reconciliation order.
var Domains = []Domain{DomainBinarySensor, DomainCamera, DomainSwitch}

// Status is the lifecycle status of an entity within one reconciliation.
type Status string

const (
	StatusCreated   Status = "created"
	StatusModified  Status = "modified"
	StatusReady     Status = "ready"
	StatusIgnore    Status = "ignore"
	StatusCancelled Status = "cancelled"
)

type SensorType string

const (
	SensorMotion       SensorType = "Motion"
	SensorConnectivity SensorType = "Connectivity"
	SensorAudio        SensorType = "Audio"
	SensorDIO          SensorType = "DIO"
	SensorExternal     SensorType = "External"
	SensorMain         SensorType = "Main"
)

// CameraSensors are the binary sensors bound to a single camera.
var CameraSensors = []SensorType{SensorMotion, SensorConnectivity, SensorExternal, SensorDIO, SensorAudio}

// DeviceClass returns the Home Assistant binary sensor device class.
func (s SensorType) DeviceClass() string {
	switch s {
	case SensorMotion:
		return "motion"
	case SensorConnectivity:
		return "connectivity"
	case SensorAudio:
		return "sound"
	default:
		return ""
	}
}

// Inverted reports whether the raw signal means the opposite of the state.
// The watchdog fires when a camera is disconnected.
func (s SensorType) Inverted() bool {
	return s == SensorConnectivity
}

const (
	DefaultIcon  = "mdi:alarm-light"
	ScheduleIcon = "mdi:calendar-clock"

	AttrFriendlyName  = "friendly_name"
	AttrStreamSource  = "stream_source"
	AttrStillImageURL = "still_image_url"
)

type SwitchKind string

const (
	SwitchProfile  SwitchKind = "profile"
	SwitchSchedule SwitchKind = "schedule"
)

// SwitchTarget is what a switch changes on the server.
type SwitchTarget struct {
	Kind      SwitchKind `json:"kind"`
	ProfileID int        `json:"profile_id,omitempty"`
	Schedule  string     `json:"schedule,omitempty"`
}

type CameraDetails struct {
	StillImageURL string `json:"still_image_url"`
	StreamSource  string `json:"stream_source"`
	ContentType   string `json:"content_type"`
	Framerate     int    `json:"framerate"`
	VerifySSL     bool   `json:"verify_ssl"`
	Username      string `json:"-"`
	Password      string `json:"-"`
}

type Entity struct {
	// ID is the camera id, the profile id or the schedule name.
	ID          string         `json:"id"`
	UniqueID    string         `json:"unique_id"`
	Name        string         `json:"name"`
	Domain      Domain         `json:"domain"`
	State       bool           `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	Icon        string         `json:"icon"`
	DeviceName  string         `json:"device_name"`
	Status      Status         `json:"status"`
	Disabled    bool           `json:"disabled"`
	Topic       string         `json:"topic,omitempty"`
	EventType   string         `json:"event_type,omitempty"`
	DeviceClass string         `json:"device_class,omitempty"`
	SensorType  SensorType     `json:"sensor_type,omitempty"`
	Camera      *CameraDetails `json:"camera,omitempty"`
	Switch      *SwitchTarget  `json:"switch,omitempty"`
}

func (e *Entity) clone() Entity {
	c := *e
	c.Attributes = maps.Clone(e.Attributes)
	if e.Camera != nil {
		camera := *e.Camera
		c.Camera = &camera
	}
	if e.Switch != nil {
		target := *e.Switch
		c.Switch = &target
	}
	return c
}
