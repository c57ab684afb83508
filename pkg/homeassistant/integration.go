package homeassistant

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/elad-bar/ha-blueiris/pkg/common"
	"github.com/elad-bar/ha-blueiris/pkg/config"
	"github.com/elad-bar/ha-blueiris/pkg/devices"
	"github.com/elad-bar/ha-blueiris/pkg/entities"
	"github.com/elad-bar/ha-blueiris/pkg/mqtt"
	"github.com/elad-bar/ha-blueiris/pkg/registry"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusUnknown = "unknown"

	PayloadOn  = "ON"
	PayloadOff = "OFF"

	availabilityRetries    = 2
	availabilityRetryDelay = time.Second
)

type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

type AvailabilityConfig struct {
	Topic string `json:"topic"`
}

// EntityConfig is the discovery payload shared by every component type.
// Cameras use Topic for images, switches add CommandTopic.
type EntityConfig struct {
	Name             string               `json:"name"`
	ObjectID         string               `json:"object_id,omitempty"`
	UniqueID         string               `json:"unique_id"`
	TildeTopic       string               `json:"~,omitempty"`
	StateTopic       string               `json:"state_topic,omitempty"`
	CommandTopic     string               `json:"command_topic,omitempty"`
	Topic            string               `json:"topic,omitempty"`
	AttributesTopic  string               `json:"json_attributes_topic,omitempty"`
	Availability     []AvailabilityConfig `json:"availability,omitempty"`
	AvailabilityMode string               `json:"availability_mode,omitempty"`
	Device           *DeviceInfo          `json:"device,omitempty"`
	Icon             string               `json:"icon,omitempty"`
	DeviceClass      string               `json:"device_class,omitempty"`
	PayloadOn        string               `json:"payload_on,omitempty"`
	PayloadOff       string               `json:"payload_off,omitempty"`
	ForceUpdate      bool                 `json:"force_update,omitempty"`
	EntityCategory   string               `json:"entity_category,omitempty"`
}

// Publisher is the MQTT surface the integration needs.
type Publisher interface {
	Publish(topic, payload string, retain bool) error
	PublishBytes(topic string, payload []byte, retain bool) error
	PublishWithRetry(topic, payload string, maxRetries int, retryDelay time.Duration) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
	SetOnConnectCallback(callback func())
	SetOnDisconnectCallback(callback func())
}

type DeviceSource interface {
	Get(name string) (devices.Device, bool)
}

// CommandHandler is invoked for a switch command received from Home
// Assistant.
type CommandHandler func(entity entities.Entity, on bool)

// Integration publishes entities to Home Assistant through MQTT discovery
// and acts as the entity platform of the reconciliation engine.
type Integration struct {
	mqtt     Publisher
	config   *config.HomeAssistantConfig
	logger   *logrus.Logger
	version  string
	registry *registry.Registry
	devices  DeviceSource

	bridgeDeviceInfo *DeviceInfo
	bridgeEntities   *BridgeEntityManager

	mutex     sync.RWMutex
	announced map[string]entities.Entity
	published map[string]string
	onCommand CommandHandler
}

func NewIntegration(
	publisher Publisher,
	haConfig *config.HomeAssistantConfig,
	reg *registry.Registry,
	deviceSource DeviceSource,
	version string,
	logger *logrus.Logger,
) *Integration {
	integration := &Integration{
		mqtt:      publisher,
		config:    haConfig,
		logger:    logger,
		version:   version,
		registry:  reg,
		devices:   deviceSource,
		announced: make(map[string]entities.Entity),
		published: make(map[string]string),
	}

	integration.bridgeDeviceInfo = &DeviceInfo{
		Identifiers:  []string{integration.generateBridgeDeviceID()},
		Name:         fmt.Sprintf("%s Bridge", common.DefaultName),
		Model:        "https://github.com/elad-bar/ha-blueiris",
		Manufacturer: devices.Manufacturer,
		SWVersion:    version,
	}
	integration.bridgeEntities = newBridgeEntityManager(integration)

	return integration
}

// SetCommandHandler registers the callback for switch commands.
func (integration *Integration) SetCommandHandler(handler CommandHandler) {
	integration.mutex.Lock()
	defer integration.mutex.Unlock()

	integration.onCommand = handler
}

func (integration *Integration) Start() error {
	integration.logger.Info("Starting Home Assistant integration")

	integration.mqtt.SetOnConnectCallback(integration.handleConnect)
	integration.mqtt.SetOnDisconnectCallback(integration.handleDisconnect)

	if err := integration.mqtt.Subscribe(integration.commandSubscription(), 1, integration.handleCommand); err != nil {
		return fmt.Errorf("failed to subscribe to switch commands: %w", err)
	}

	if integration.mqtt.IsConnected() {
		integration.handleConnect()
	}

	return nil
}

func (integration *Integration) Stop() error {
	integration.logger.Info("Stopping Home Assistant integration")

	if integration.mqtt.IsConnected() {
		integration.bridgeEntities.publishOfflineStates()

		if err := integration.publishBridgeAvailability(StatusOffline); err != nil {
			integration.logger.WithError(err).Error("Failed to publish bridge offline status")
		}
	}

	return nil
}

func (integration *Integration) generateBridgeDeviceID() string {
	return generateBridgeDeviceID(integration.config)
}

// NodeID is the discovery node id shared by every entity of this bridge.
func (integration *Integration) NodeID() string {
	return integration.generateBridgeDeviceID()
}

func (integration *Integration) GenerateBridgeAvailabilityTopic() string {
	return GenerateBridgeAvailabilityTopic(integration.config)
}

func GenerateBridgeAvailabilityTopic(haConfig *config.HomeAssistantConfig) string {
	bridgeID := generateBridgeDeviceID(haConfig)
	return fmt.Sprintf("%s/sensor/%s/availability", haConfig.DiscoveryPrefix, bridgeID)
}

func generateBridgeDeviceID(haConfig *config.HomeAssistantConfig) string {
	if haConfig.InstanceID != "" {
		return fmt.Sprintf("%s-bridge-%s", common.Domain, haConfig.InstanceID)
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = StatusUnknown
	}
	return fmt.Sprintf("%s-bridge-%s", common.Domain, hostname)
}

func (integration *Integration) handleConnect() {
	integration.logger.Info("MQTT connected, publishing bridge availability and discovery configs")

	if err := integration.bridgeEntities.publishAllDiscoveryConfigs(); err != nil {
		integration.logger.WithError(err).Error("Failed to publish bridge entity discovery configs")
	}

	if err := integration.publishBridgeAvailability(StatusOnline); err != nil {
		integration.logger.WithError(err).Error("Failed to publish bridge availability")
	}

	integration.republish()
	integration.bridgeEntities.publishAllStates()
}

func (integration *Integration) handleDisconnect() {
	integration.logger.Warn("MQTT disconnected")
}

func (integration *Integration) publishBridgeAvailability(status string) error {
	return integration.mqtt.PublishWithRetry(integration.GenerateBridgeAvailabilityTopic(), status,
		availabilityRetries, availabilityRetryDelay)
}

func (integration *Integration) deviceInfo(deviceName string) *DeviceInfo {
	device, ok := integration.devices.Get(deviceName)
	if !ok {
		return nil
	}

	via := device.ViaDevice
	if via == "" {
		via = integration.generateBridgeDeviceID()
	}

	return &DeviceInfo{
		Identifiers:  []string{device.Identifier},
		Name:         device.Name,
		Model:        device.Model,
		Manufacturer: device.Manufacturer,
		SWVersion:    device.SWVersion,
		ViaDevice:    via,
	}
}
