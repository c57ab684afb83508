package entities

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/elad-bar/ha-blueiris/pkg/blueiris"
	"github.com/elad-bar/ha-blueiris/pkg/common"
	"github.com/elad-bar/ha-blueiris/pkg/config"
	"github.com/elad-bar/ha-blueiris/pkg/devices"
)

// cameraAttributes maps Blue Iris camlist fields to attribute names.
var cameraAttributes = map[string]string{
	"FPS":         "FPS",
	"audio":       "Audio support",
	"width":       "Width",
	"height":      "Height",
	"isOnline":    "Is Online",
	"isRecording": "Is Recording",
	"isYellow":    "Issue",
	"nAlerts":     "Alerts #",
	"nTriggers":   "Triggers #",
	"nClips":      "Clips #",
	"nNoSignal":   "No Signal #",
	"error":       "Error",
}

var errInvalidCamera = errors.New("camera record has no id")

type table map[Domain]map[string]*Entity

func newTable() table {
	t := make(table, len(Domains))
	for _, domain := range Domains {
		t[domain] = make(map[string]*Entity)
	}
	return t
}

func (t table) each(fn func(*Entity)) {
	for _, domain := range Domains {
		for _, entity := range t[domain] {
			fn(entity)
		}
	}
}

// builder produces the full entity table for one snapshot.
type builder struct {
	options  *Options
	snapshot blueiris.Snapshot
	shadow   *ShadowState
	logger   *logrus.Logger
	table    table
}

func (b *builder) build() table {
	b.table = newTable()

	if b.snapshot.Data.Admin {
		b.profileSwitches()
		b.scheduleSwitches()
	}

	for _, camera := range b.snapshot.Cameras {
		if err := b.cameraComponent(camera); err != nil {
			b.logger.WithError(err).WithField("camera", camera.ID).Error("Failed to generate camera")
		}
		if err := b.cameraBinarySensors(camera); err != nil {
			b.logger.WithError(err).WithField("camera", camera.ID).Error("Failed to generate binary sensors")
		}
	}

	b.mainBinarySensor()

	return b.table
}

func (b *builder) set(entity *Entity) {
	entity.Status = StatusCreated

	if existing, ok := b.table[entity.Domain][entity.Name]; ok {
		b.logger.WithFields(logrus.Fields{
			"name":     entity.Name,
			"existing": existing.UniqueID,
		}).Warn("Duplicate entity name, replacing")
	}
	b.table[entity.Domain][entity.Name] = entity
}

func (b *builder) serverDeviceName() string {
	return devices.ServerDeviceName(b.options.Title)
}

func (b *builder) profileSwitches() {
	for id, profile := range b.snapshot.Data.Profiles {
		if !b.options.Allowed.Profile.Allows(profile, strconv.Itoa(id)) {
			continue
		}

		name := fmt.Sprintf("%s Profile %s", b.options.Title, profile)
		b.set(&Entity{
			ID:         strconv.Itoa(id),
			UniqueID:   fmt.Sprintf("%s-%s-Profile-%s", common.Domain, DomainSwitch, name),
			Name:       name,
			Domain:     DomainSwitch,
			State:      b.snapshot.Status.Profile == id,
			Attributes: map[string]any{AttrFriendlyName: name},
			Icon:       DefaultIcon,
			DeviceName: b.serverDeviceName(),
			Switch:     &SwitchTarget{Kind: SwitchProfile, ProfileID: id},
		})
	}
}

func (b *builder) scheduleSwitches() {
	for _, schedule := range b.snapshot.Data.Schedules {
		if !b.options.Allowed.Schedule.Allows(schedule) {
			continue
		}

		name := fmt.Sprintf("%s Schedule %s", b.options.Title, schedule)
		b.set(&Entity{
			ID:         schedule,
			UniqueID:   fmt.Sprintf("%s-%s-Schedule-%s", common.Domain, DomainSwitch, name),
			Name:       name,
			Domain:     DomainSwitch,
			State:      b.snapshot.Status.Schedule == schedule,
			Attributes: map[string]any{AttrFriendlyName: name},
			Icon:       ScheduleIcon,
			DeviceName: b.serverDeviceName(),
			Switch:     &SwitchTarget{Kind: SwitchSchedule, Schedule: schedule},
		})
	}
}

func (b *builder) cameraAllowed(camera blueiris.Camera) bool {
	return b.options.Allowed.Camera.Allows(camera.ID, camera.Name)
}

func (b *builder) cameraComponent(camera blueiris.Camera) error {
	if camera.ID == "" {
		return errInvalidCamera
	}
	// The flag hides the camera view only, connectivity stays.
	if camera.IsSystem && b.options.ExcludeSystemCamera {
		return nil
	}
	if !b.cameraAllowed(camera) {
		return nil
	}

	name := fmt.Sprintf("%s %s", b.options.Title, camera.Name)
	still := StillImageURL(b.snapshot.BaseURL, camera.ID, b.snapshot.SessionID)
	stream, contentType := StreamSource(b.options.StreamType, b.snapshot.BaseURL, camera.ID, b.snapshot.SessionID)

	attributes := map[string]any{
		AttrFriendlyName:  name,
		AttrStreamSource:  stream,
		AttrStillImageURL: still,
	}
	for key, label := range cameraAttributes {
		if value, ok := camera.Raw[key]; ok {
			attributes[label] = value
		}
	}

	b.set(&Entity{
		ID:         camera.ID,
		UniqueID:   fmt.Sprintf("%s-%s-%s", common.Domain, DomainCamera, name),
		Name:       name,
		Domain:     DomainCamera,
		State:      camera.IsOnline,
		Attributes: attributes,
		Icon:       DefaultIcon,
		DeviceName: devices.CameraDeviceName(b.options.Title, camera),
		Camera: &CameraDetails{
			StillImageURL: still,
			StreamSource:  stream,
			ContentType:   contentType,
			Framerate:     2,
			VerifySSL:     b.options.VerifySSL,
			Username:      b.options.Username,
			Password:      b.options.Password,
		},
	})

	return nil
}

func (b *builder) sensorAllowed(sensorType SensorType, camera blueiris.Camera) bool {
	var list config.AllowList
	switch sensorType {
	case SensorMotion:
		list = b.options.Allowed.MotionSensor
	case SensorAudio:
		list = b.options.Allowed.AudioSensor
	case SensorConnectivity:
		list = b.options.Allowed.ConnectivitySensor
	case SensorDIO:
		list = b.options.Allowed.DIOSensor
	case SensorExternal:
		list = b.options.Allowed.ExternalSensor
	}

	// DIO and external triggers are opt-in per camera.
	if (sensorType == SensorDIO || sensorType == SensorExternal) && len(list) == 0 {
		return false
	}
	return list.Allows(camera.ID, camera.Name)
}

// cameraBinarySensors generates the sensors of one camera. System and group
// cameras only get a connectivity sensor.
func (b *builder) cameraBinarySensors(camera blueiris.Camera) error {
	if camera.ID == "" {
		return errInvalidCamera
	}
	if !b.cameraAllowed(camera) {
		return nil
	}

	sensorTypes := []SensorType{SensorConnectivity}
	if !camera.IsSystem && !camera.IsGroup {
		sensorTypes = append(sensorTypes, SensorMotion, SensorDIO, SensorExternal)
		if camera.HasAudio {
			sensorTypes = append(sensorTypes, SensorAudio)
		}
	}

	for _, sensorType := range sensorTypes {
		if !b.sensorAllowed(sensorType, camera) {
			continue
		}
		b.set(b.cameraBinarySensor(camera, sensorType))
	}

	return nil
}

func (b *builder) cameraBinarySensor(camera blueiris.Camera, sensorType SensorType) *Entity {
	name := fmt.Sprintf("%s %s %s", b.options.Title, camera.Name, sensorType)
	topic := TopicForCamera(b.options.TopicPattern, camera.ID)

	state := b.shadow.Get(topic, string(sensorType), false)
	if sensorType.Inverted() {
		state = !state
	}

	return &Entity{
		ID:          camera.ID,
		UniqueID:    fmt.Sprintf("%s-%s-%s", common.Domain, DomainBinarySensor, name),
		Name:        name,
		Domain:      DomainBinarySensor,
		State:       state,
		Attributes:  map[string]any{AttrFriendlyName: name},
		Icon:        DefaultIcon,
		DeviceName:  devices.CameraDeviceName(b.options.Title, camera),
		Topic:       topic,
		EventType:   string(sensorType),
		DeviceClass: sensorType.DeviceClass(),
		SensorType:  sensorType,
	}
}

// mainBinarySensor aggregates every camera sensor that currently alerts.
func (b *builder) mainBinarySensor() {
	name := fmt.Sprintf("%s Alerts", b.options.Title)

	alerts := make(map[string][]string)
	for sensorName, entity := range b.table[DomainBinarySensor] {
		if entity.EventType == "" {
			continue
		}

		alerting := entity.State
		if entity.SensorType.Inverted() {
			alerting = !alerting
		}
		if alerting {
			alerts[entity.EventType] = append(alerts[entity.EventType], sensorName)
		}
	}

	attributes := map[string]any{AttrFriendlyName: name}
	for eventType, names := range alerts {
		slices.Sort(names)
		attributes[eventType] = strings.Join(names, ", ")
	}

	b.set(&Entity{
		UniqueID:   fmt.Sprintf("%s-%s-MAIN-%s", common.Domain, DomainBinarySensor, name),
		Name:       name,
		Domain:     DomainBinarySensor,
		State:      len(alerts) > 0,
		Attributes: attributes,
		Icon:       DefaultIcon,
		DeviceName: b.serverDeviceName(),
		SensorType: SensorMain,
	})
}

func StillImageURL(baseURL, cameraID, sessionID string) string {
	return fmt.Sprintf("%s/image/%s?q=100&s=100&session=%s", baseURL, cameraID, sessionID)
}

// StreamSource returns the stream URL and its content type.
func StreamSource(streamType, baseURL, cameraID, sessionID string) (string, string) {
	if streamType == config.StreamTypeMJPEG {
		return fmt.Sprintf("%s/mjpg/%s/video.mjpg?session=%s", baseURL, cameraID, sessionID), "image/jpg"
	}
	return fmt.Sprintf("%s/h264/%s/temp.m3u8?session=%s", baseURL, cameraID, sessionID), "video/H264"
}
