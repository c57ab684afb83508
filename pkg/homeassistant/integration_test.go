package homeassistant

import (
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elad-bar/ha-blueiris/pkg/blueiris"
	"github.com/elad-bar/ha-blueiris/pkg/config"
	"github.com/elad-bar/ha-blueiris/pkg/devices"
	"github.com/elad-bar/ha-blueiris/pkg/entities"
	"github.com/elad-bar/ha-blueiris/pkg/mqtt"
	"github.com/elad-bar/ha-blueiris/pkg/registry"
	"github.com/elad-bar/ha-blueiris/pkg/storage"
)

const (
	testBase      = "homeassistant/binary_sensor/blueiris-bridge-test/blueiris_binary_sensor_home_cam1_motion"
	testCamBase   = "homeassistant/camera/blueiris-bridge-test/blueiris_camera_home_cam1"
	testSwitchSub = "homeassistant/switch/blueiris-bridge-test/+/set"
)

type message struct {
	topic   string
	payload string
	retain  bool
}

type fakePublisher struct {
	mutex        sync.Mutex
	connected    bool
	messages     []message
	handlers     map[string]mqtt.MessageHandler
	onConnect    func()
	onDisconnect func()
}

func newFakePublisher(connected bool) *fakePublisher {
	return &fakePublisher{connected: connected, handlers: make(map[string]mqtt.MessageHandler)}
}

func (f *fakePublisher) Publish(topic, payload string, retain bool) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if !f.connected {
		return errors.New("not connected")
	}
	f.messages = append(f.messages, message{topic: topic, payload: payload, retain: retain})
	return nil
}

func (f *fakePublisher) PublishBytes(topic string, payload []byte, retain bool) error {
	return f.Publish(topic, string(payload), retain)
}

func (f *fakePublisher) PublishWithRetry(topic, payload string, _ int, _ time.Duration) error {
	return f.Publish(topic, payload, true)
}

func (f *fakePublisher) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.handlers[topic] = handler
	return nil
}

func (f *fakePublisher) IsConnected() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.connected
}

func (f *fakePublisher) SetOnConnectCallback(callback func())    { f.onConnect = callback }
func (f *fakePublisher) SetOnDisconnectCallback(callback func()) { f.onDisconnect = callback }

func (f *fakePublisher) connect() {
	f.mutex.Lock()
	f.connected = true
	f.mutex.Unlock()

	f.onConnect()
}

func (f *fakePublisher) last(topic string) (message, bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	for i := len(f.messages) - 1; i >= 0; i-- {
		if f.messages[i].topic == topic {
			return f.messages[i], true
		}
	}
	return message{}, false
}

func (f *fakePublisher) count(topic string) int {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	n := 0
	for _, m := range f.messages {
		if m.topic == topic {
			n++
		}
	}
	return n
}

func (f *fakePublisher) reset() {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.messages = nil
}

type fixture struct {
	integration *Integration
	publisher   *fakePublisher
	registry    *registry.Registry
}

func newFixture(t *testing.T, connected bool) *fixture {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := storage.NewStore(filepath.Join(t.TempDir(), ".blueiris"))
	reg := registry.New(store)

	deviceManager := devices.NewManager("Home", logger)
	deviceManager.Update(blueiris.Snapshot{
		Cameras: []blueiris.Camera{
			blueiris.NewCamera(blueiris.Attributes{"optionValue": "Cam1", "optionDisplay": "Cam1"}),
		},
	})

	publisher := newFakePublisher(connected)
	integration := NewIntegration(publisher, &config.HomeAssistantConfig{
		DiscoveryPrefix: "homeassistant",
		InstanceID:      "test",
	}, reg, deviceManager, "1.0.0", logger)
	require.NoError(t, integration.Start())

	return &fixture{integration: integration, publisher: publisher, registry: reg}
}

func motionSensor() entities.Entity {
	return entities.Entity{
		ID:          "Cam1",
		UniqueID:    "blueiris-binary_sensor-Home Cam1 Motion",
		Name:        "Home Cam1 Motion",
		Domain:      entities.DomainBinarySensor,
		Attributes:  map[string]any{entities.AttrFriendlyName: "Home Cam1 Motion"},
		Icon:        entities.DefaultIcon,
		DeviceName:  "Home Cam1 (Cam1)",
		Status:      entities.StatusReady,
		DeviceClass: "motion",
		SensorType:  entities.SensorMotion,
	}
}

func cameraEntity() entities.Entity {
	return entities.Entity{
		ID:         "Cam1",
		UniqueID:   "blueiris-camera-Home Cam1",
		Name:       "Home Cam1",
		Domain:     entities.DomainCamera,
		State:      true,
		Attributes: map[string]any{entities.AttrFriendlyName: "Home Cam1"},
		DeviceName: "Home Cam1 (Cam1)",
		Status:     entities.StatusReady,
	}
}

func profileSwitch() entities.Entity {
	return entities.Entity{
		ID:         "1",
		UniqueID:   "blueiris-switch-Profile-Home Profile Away",
		Name:       "Home Profile Away",
		Domain:     entities.DomainSwitch,
		DeviceName: "Home Server",
		Status:     entities.StatusReady,
		Switch:     &entities.SwitchTarget{Kind: entities.SwitchProfile, ProfileID: 1},
	}
}

func decodeConfig(t *testing.T, payload string) EntityConfig {
	t.Helper()

	var cfg EntityConfig
	require.NoError(t, json.Unmarshal([]byte(payload), &cfg))
	return cfg
}

func TestGenerateBridgeAvailabilityTopic(t *testing.T) {
	tests := []struct {
		name     string
		config   *config.HomeAssistantConfig
		expected string
	}{
		{
			name:     "Basic config",
			config:   &config.HomeAssistantConfig{DiscoveryPrefix: "homeassistant", InstanceID: "test"},
			expected: "homeassistant/sensor/blueiris-bridge-test/availability",
		},
		{
			name:     "Custom prefix",
			config:   &config.HomeAssistantConfig{DiscoveryPrefix: "custom", InstanceID: "instance1"},
			expected: "custom/sensor/blueiris-bridge-instance1/availability",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, GenerateBridgeAvailabilityTopic(tt.config))
		})
	}
}

func TestIntegration_StartSubscribesToCommands(t *testing.T) {
	f := newFixture(t, true)

	assert.Contains(t, f.publisher.handlers, testSwitchSub)

	availability, ok := f.publisher.last("homeassistant/sensor/blueiris-bridge-test/availability")
	require.True(t, ok)
	assert.Equal(t, StatusOnline, availability.payload)
	assert.True(t, availability.retain)

	_, ok = f.publisher.last("homeassistant/sensor/blueiris-bridge-test-diagnostics/config")
	assert.True(t, ok)
	_, ok = f.publisher.last("homeassistant/sensor/blueiris-bridge-test-notification/config")
	assert.True(t, ok)
}

func TestIntegration_AddBinarySensor(t *testing.T) {
	f := newFixture(t, true)

	require.NoError(t, f.integration.AddEntities(entities.DomainBinarySensor, []entities.Entity{motionSensor()}))

	configMsg, ok := f.publisher.last(testBase + "/config")
	require.True(t, ok)
	assert.True(t, configMsg.retain)

	cfg := decodeConfig(t, configMsg.payload)
	assert.Equal(t, "Home Cam1 Motion", cfg.Name)
	assert.Equal(t, "home_cam1_motion", cfg.ObjectID)
	assert.Equal(t, "blueiris-binary_sensor-Home Cam1 Motion", cfg.UniqueID)
	assert.Equal(t, "motion", cfg.DeviceClass)
	assert.Equal(t, "~/state", cfg.StateTopic)
	assert.Empty(t, cfg.CommandTopic)
	require.NotNil(t, cfg.Device)
	assert.Equal(t, []string{"blueiris_home_cam1_cam1"}, cfg.Device.Identifiers)
	assert.Equal(t, "Home Cam1 (Cam1)", cfg.Device.Name)
	assert.Equal(t, "blueiris_home_server", cfg.Device.ViaDevice)

	state, ok := f.publisher.last(testBase + "/state")
	require.True(t, ok)
	assert.Equal(t, PayloadOff, state.payload)

	row, ok := f.registry.Lookup("blueiris-binary_sensor-Home Cam1 Motion")
	require.True(t, ok)
	assert.Equal(t, "binary_sensor.home_cam1_motion", row.EntityID)
	assert.True(t, f.registry.HasState(row.UniqueID))
}

func TestIntegration_AddCamera(t *testing.T) {
	f := newFixture(t, true)

	require.NoError(t, f.integration.AddEntities(entities.DomainCamera, []entities.Entity{cameraEntity()}))

	configMsg, ok := f.publisher.last(testCamBase + "/config")
	require.True(t, ok)
	cfg := decodeConfig(t, configMsg.payload)
	assert.Equal(t, "~/image", cfg.Topic)
	assert.Equal(t, "all", cfg.AvailabilityMode)
	assert.Len(t, cfg.Availability, 2)

	availability, ok := f.publisher.last(testCamBase + "/availability")
	require.True(t, ok)
	assert.Equal(t, StatusOnline, availability.payload)

	require.NoError(t, f.integration.PublishSnapshot(cameraEntity(), []byte("jpeg")))
	image, ok := f.publisher.last(testCamBase + "/image")
	require.True(t, ok)
	assert.Equal(t, "jpeg", image.payload)

	assert.Error(t, f.integration.PublishSnapshot(motionSensor(), []byte("jpeg")))
}

func TestIntegration_AddWhileDisconnected(t *testing.T) {
	f := newFixture(t, false)

	require.NoError(t, f.integration.AddEntities(entities.DomainBinarySensor, []entities.Entity{motionSensor()}))
	assert.True(t, f.registry.HasState("blueiris-binary_sensor-Home Cam1 Motion"))
	assert.Zero(t, f.publisher.count(testBase+"/config"))

	f.publisher.connect()

	assert.Equal(t, 1, f.publisher.count(testBase+"/config"))
	state, ok := f.publisher.last(testBase + "/state")
	require.True(t, ok)
	assert.Equal(t, PayloadOff, state.payload)
}

func TestIntegration_PublishStatesSkipsUnchanged(t *testing.T) {
	f := newFixture(t, true)

	sensor := motionSensor()
	require.NoError(t, f.integration.AddEntities(entities.DomainBinarySensor, []entities.Entity{sensor}))
	assert.Equal(t, 1, f.publisher.count(testBase+"/state"))

	f.integration.PublishStates(entities.DomainBinarySensor, []entities.Entity{sensor})
	assert.Equal(t, 1, f.publisher.count(testBase+"/state"))

	sensor.State = true
	f.integration.PublishStates(entities.DomainBinarySensor, []entities.Entity{sensor})
	state, _ := f.publisher.last(testBase + "/state")
	assert.Equal(t, PayloadOn, state.payload)

	disabled := sensor
	disabled.State = false
	disabled.Disabled = true
	f.integration.PublishStates(entities.DomainBinarySensor, []entities.Entity{disabled})
	state, _ = f.publisher.last(testBase + "/state")
	assert.Equal(t, PayloadOn, state.payload, "disabled entities are not published")
}

func TestIntegration_RemoveEntity(t *testing.T) {
	f := newFixture(t, true)

	sensor := motionSensor()
	require.NoError(t, f.integration.AddEntities(entities.DomainBinarySensor, []entities.Entity{sensor}))
	require.NoError(t, f.integration.RemoveEntity(entities.DomainBinarySensor, sensor))

	configMsg, _ := f.publisher.last(testBase + "/config")
	assert.Empty(t, configMsg.payload)
	assert.True(t, configMsg.retain)

	_, ok := f.registry.Lookup(sensor.UniqueID)
	assert.False(t, ok)
	assert.False(t, f.registry.HasState(sensor.UniqueID))
	assert.Empty(t, f.integration.Announced())
}

func TestIntegration_SetDisabled(t *testing.T) {
	f := newFixture(t, true)

	sensor := motionSensor()
	require.NoError(t, f.integration.AddEntities(entities.DomainBinarySensor, []entities.Entity{sensor}))

	row, err := f.integration.SetDisabled(sensor.UniqueID, true)
	require.NoError(t, err)
	assert.True(t, row.Disabled)

	configMsg, _ := f.publisher.last(testBase + "/config")
	assert.Empty(t, configMsg.payload)
	assert.False(t, f.registry.HasState(sensor.UniqueID))

	row, err = f.integration.SetDisabled(sensor.UniqueID, false)
	require.NoError(t, err)
	assert.False(t, row.Disabled)

	_, err = f.integration.SetDisabled("blueiris-camera-missing", true)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestIntegration_SwitchCommand(t *testing.T) {
	f := newFixture(t, true)

	away := profileSwitch()
	require.NoError(t, f.integration.AddEntities(entities.DomainSwitch, []entities.Entity{away}))

	configMsg, ok := f.publisher.last("homeassistant/switch/blueiris-bridge-test/blueiris_switch_profile_home_profile_away/config")
	require.True(t, ok)
	assert.Equal(t, "~/set", decodeConfig(t, configMsg.payload).CommandTopic)

	var (
		received entities.Entity
		on       bool
		calls    int
	)
	f.integration.SetCommandHandler(func(entity entities.Entity, value bool) {
		received, on = entity, value
		calls++
	})

	handler := f.publisher.handlers[testSwitchSub]
	handler("homeassistant/switch/blueiris-bridge-test/blueiris_switch_profile_home_profile_away/set", []byte("ON"))

	assert.Equal(t, 1, calls)
	assert.True(t, on)
	assert.Equal(t, away.UniqueID, received.UniqueID)
	assert.Equal(t, 1, received.Switch.ProfileID)

	handler("homeassistant/switch/blueiris-bridge-test/blueiris_switch_profile_home_profile_away/set", []byte("toggle"))
	handler("homeassistant/switch/blueiris-bridge-test/unknown/set", []byte("OFF"))
	assert.Equal(t, 1, calls)
}

func TestIntegration_NotifyAndDiagnostics(t *testing.T) {
	f := newFixture(t, true)

	f.integration.SetDiagnosticsSource(func() Diagnostics {
		return Diagnostics{State: "logged_in", Attributes: map[string]any{"cameras": 2}}
	})
	f.integration.PublishDiagnostics()

	state, ok := f.publisher.last("homeassistant/sensor/blueiris-bridge-test-diagnostics/state")
	require.True(t, ok)
	assert.Equal(t, "logged_in", state.payload)

	attributes, _ := f.publisher.last("homeassistant/sensor/blueiris-bridge-test-diagnostics/attributes")
	assert.Contains(t, attributes.payload, `"cameras":2`)

	f.integration.Notify("Encryption key is corrupted")
	assert.Equal(t, "Encryption key is corrupted", f.integration.Notification())

	state, _ = f.publisher.last("homeassistant/sensor/blueiris-bridge-test-notification/state")
	assert.Equal(t, "Encryption key is corrupted", state.payload)

	f.integration.Notify(strings.Repeat("x", 300))
	state, _ = f.publisher.last("homeassistant/sensor/blueiris-bridge-test-notification/state")
	assert.Len(t, state.payload, maxStateLength)
}

func TestIntegration_Stop(t *testing.T) {
	f := newFixture(t, true)
	f.publisher.reset()

	require.NoError(t, f.integration.Stop())

	availability, ok := f.publisher.last("homeassistant/sensor/blueiris-bridge-test/availability")
	require.True(t, ok)
	assert.Equal(t, StatusOffline, availability.payload)

	diagnostics, _ := f.publisher.last("homeassistant/sensor/blueiris-bridge-test-diagnostics/state")
	assert.Equal(t, StatusOffline, diagnostics.payload)
}

func TestObjectIDFromEntityID(t *testing.T) {
	assert.Equal(t, "home_cam1", objectIDFromEntityID("camera.home_cam1"))
	assert.Equal(t, "plain", objectIDFromEntityID("plain"))
}
