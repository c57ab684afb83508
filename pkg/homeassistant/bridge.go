package homeassistant

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// maxStateLength is the longest sensor state Home Assistant accepts.
const maxStateLength = 255

// Diagnostics is the bridge health reported by the diagnostics sensor.
type Diagnostics struct {
	State      string
	Attributes map[string]any
}

type BridgeEntity struct {
	EntityType       string
	Name             string
	Icon             string
	GetStatus        func(*Integration) string
	GetAttributes    func(*Integration) map[string]any
	GetShutdownState func(*Integration) string
}

type BridgeEntityManager struct {
	integration *Integration
	entities    []BridgeEntity

	mutex        sync.RWMutex
	diagnostics  func() Diagnostics
	notification string
	notifiedAt   time.Time
}

type bridgeTopics struct {
	ConfigTopic     string
	StateTopic      string
	AttributesTopic string
}

func newBridgeEntityManager(integration *Integration) *BridgeEntityManager {
	bem := &BridgeEntityManager{integration: integration}

	bem.entities = []BridgeEntity{
		{
			EntityType: "diagnostics",
			Name:       "Diagnostics",
			Icon:       "mdi:stethoscope",
			GetStatus: func(*Integration) string {
				return bem.currentDiagnostics().State
			},
			GetAttributes: func(i *Integration) map[string]any {
				attributes := map[string]any{}
				for k, v := range bem.currentDiagnostics().Attributes {
					attributes[k] = v
				}
				i.mutex.RLock()
				attributes["announced_entities"] = len(i.announced)
				i.mutex.RUnlock()
				return attributes
			},
			GetShutdownState: func(*Integration) string { return StatusOffline },
		},
		{
			EntityType: "notification",
			Name:       "Notification",
			Icon:       "mdi:bell-alert",
			GetStatus: func(*Integration) string {
				bem.mutex.RLock()
				defer bem.mutex.RUnlock()

				if bem.notification == "" {
					return "none"
				}
				return truncate(bem.notification, maxStateLength)
			},
			GetAttributes: func(*Integration) map[string]any {
				bem.mutex.RLock()
				defer bem.mutex.RUnlock()

				attributes := map[string]any{"message": bem.notification}
				if !bem.notifiedAt.IsZero() {
					attributes["notified_at"] = bem.notifiedAt.Format(time.RFC3339)
				}
				return attributes
			},
			GetShutdownState: func(*Integration) string { return StatusUnknown },
		},
	}

	return bem
}

func (bem *BridgeEntityManager) currentDiagnostics() Diagnostics {
	bem.mutex.RLock()
	source := bem.diagnostics
	bem.mutex.RUnlock()

	if source == nil {
		return Diagnostics{State: StatusUnknown}
	}
	return source()
}

func (bem *BridgeEntityManager) publishAllDiscoveryConfigs() error {
	for _, entity := range bem.entities {
		if err := bem.integration.publishBridgeEntityDiscoveryConfig(entity.EntityType, entity.Name, entity.Icon); err != nil {
			bem.integration.logger.WithError(err).Errorf("Failed to publish %s discovery config", entity.Name)
			return err
		}
	}
	return nil
}

func (bem *BridgeEntityManager) publishAllStates() {
	for _, entity := range bem.entities {
		if err := bem.publishEntityState(entity); err != nil {
			bem.integration.logger.WithError(err).Errorf("Failed to update %s", entity.Name)
		}
	}
}

func (bem *BridgeEntityManager) publishEntityState(entity BridgeEntity) error {
	topics, _ := bem.integration.generateBridgeEntityTopics(entity.EntityType)
	status := entity.GetStatus(bem.integration)

	if err := bem.integration.mqtt.Publish(topics.StateTopic, status, false); err != nil {
		return err
	}

	attributesJSON, err := json.Marshal(entity.GetAttributes(bem.integration))
	if err != nil {
		return fmt.Errorf("failed to marshal %s attributes: %w", entity.Name, err)
	}

	return bem.integration.mqtt.Publish(topics.AttributesTopic, string(attributesJSON), false)
}

func (bem *BridgeEntityManager) publishOfflineStates() {
	for _, entity := range bem.entities {
		topics, _ := bem.integration.generateBridgeEntityTopics(entity.EntityType)
		shutdownState := entity.GetShutdownState(bem.integration)
		if err := bem.integration.mqtt.Publish(topics.StateTopic, shutdownState, false); err != nil {
			bem.integration.logger.WithError(err).Errorf("Failed to publish %s shutdown state", entity.Name)
		}
	}
}

// SetDiagnosticsSource registers the provider of the diagnostics sensor.
func (integration *Integration) SetDiagnosticsSource(source func() Diagnostics) {
	integration.bridgeEntities.mutex.Lock()
	defer integration.bridgeEntities.mutex.Unlock()

	integration.bridgeEntities.diagnostics = source
}

// PublishDiagnostics refreshes the bridge sensors.
func (integration *Integration) PublishDiagnostics() {
	if !integration.mqtt.IsConnected() {
		return
	}
	integration.bridgeEntities.publishAllStates()
}

// Notify shows message on the notification sensor. It is kept until
// replaced and published again after every reconnect.
func (integration *Integration) Notify(message string) {
	bem := integration.bridgeEntities

	bem.mutex.Lock()
	bem.notification = message
	bem.notifiedAt = time.Now()
	bem.mutex.Unlock()

	integration.logger.WithField("message", message).Warn("Notification raised")

	integration.PublishDiagnostics()
}

// Notification returns the current notification message.
func (integration *Integration) Notification() string {
	integration.bridgeEntities.mutex.RLock()
	defer integration.bridgeEntities.mutex.RUnlock()

	return integration.bridgeEntities.notification
}

func (integration *Integration) generateBridgeEntityTopics(entityType string) (topics *bridgeTopics, baseTopic string) {
	bridgeID := integration.generateBridgeDeviceID()
	entityID := fmt.Sprintf("%s-%s", bridgeID, entityType)
	baseTopic = fmt.Sprintf("%s/sensor/%s", integration.config.DiscoveryPrefix, entityID)

	topics = &bridgeTopics{
		ConfigTopic:     fmt.Sprintf("%s/config", baseTopic),
		StateTopic:      fmt.Sprintf("%s/state", baseTopic),
		AttributesTopic: fmt.Sprintf("%s/attributes", baseTopic),
	}

	return
}

func (integration *Integration) publishBridgeEntityDiscoveryConfig(entityType, name, icon string) error {
	topics, baseTopic := integration.generateBridgeEntityTopics(entityType)
	entityID := fmt.Sprintf("%s-%s", integration.generateBridgeDeviceID(), entityType)

	sensorConfig := EntityConfig{
		Name:            name,
		UniqueID:        entityID,
		TildeTopic:      baseTopic,
		StateTopic:      "~/state",
		AttributesTopic: "~/attributes",
		Availability: []AvailabilityConfig{
			{
				Topic: integration.GenerateBridgeAvailabilityTopic(),
			},
		},
		Device:         integration.bridgeDeviceInfo,
		Icon:           icon,
		EntityCategory: "diagnostic",
	}

	configJSON, err := json.Marshal(sensorConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal %s discovery config: %w", entityType, err)
	}

	return integration.mqtt.Publish(topics.ConfigTopic, string(configJSON), true)
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
