package homeassistant

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/elad-bar/ha-blueiris/pkg/common"
	"github.com/elad-bar/ha-blueiris/pkg/entities"
	"github.com/elad-bar/ha-blueiris/pkg/registry"
)

// EntityTopics are the topics of one announced entity.
type EntityTopics struct {
	BaseTopic         string
	ConfigTopic       string
	StateTopic        string
	AttributesTopic   string
	AvailabilityTopic string
	CommandTopic      string
	ImageTopic        string
}

// ObjectID is the topic segment of an entity.
func ObjectID(uniqueID string) string {
	return common.Slugify(uniqueID)
}

func (integration *Integration) entityTopics(domain entities.Domain, uniqueID string) *EntityTopics {
	base := fmt.Sprintf("%s/%s/%s/%s", integration.config.DiscoveryPrefix, domain, integration.NodeID(), ObjectID(uniqueID))

	return &EntityTopics{
		BaseTopic:         base,
		ConfigTopic:       base + "/config",
		StateTopic:        base + "/state",
		AttributesTopic:   base + "/attributes",
		AvailabilityTopic: base + "/availability",
		CommandTopic:      base + "/set",
		ImageTopic:        base + "/image",
	}
}

func (integration *Integration) commandSubscription() string {
	return fmt.Sprintf("%s/%s/%s/+/set", integration.config.DiscoveryPrefix, entities.DomainSwitch, integration.NodeID())
}

// AddEntities registers entities and announces them. While MQTT is down the
// entities are only recorded and announced on the next connect.
func (integration *Integration) AddEntities(domain entities.Domain, items []entities.Entity) error {
	var errs []error

	for _, entity := range items {
		row, err := integration.registry.Register(string(domain), entity.UniqueID, entity.Name, entity.DeviceName)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to register %s: %w", entity.UniqueID, err))
			continue
		}

		integration.mutex.Lock()
		integration.announced[entity.UniqueID] = entity
		delete(integration.published, entity.UniqueID)
		integration.mutex.Unlock()

		if integration.mqtt.IsConnected() {
			if err := integration.announce(entity, row); err != nil {
				integration.mutex.Lock()
				delete(integration.announced, entity.UniqueID)
				integration.mutex.Unlock()

				errs = append(errs, err)
				continue
			}
			integration.publishState(entity)
		}

		integration.registry.SetState(entity.UniqueID, true)

		integration.logger.WithFields(logrus.Fields{
			"domain":    domain,
			"entity_id": row.EntityID,
			"name":      entity.Name,
		}).Debug("Entity added")
	}

	return errors.Join(errs...)
}

// RemoveEntity withdraws the discovery config and forgets the entity.
func (integration *Integration) RemoveEntity(domain entities.Domain, entity entities.Entity) error {
	integration.mutex.Lock()
	delete(integration.announced, entity.UniqueID)
	delete(integration.published, entity.UniqueID)
	integration.mutex.Unlock()

	if integration.mqtt.IsConnected() {
		if err := integration.withdraw(domain, entity.UniqueID); err != nil {
			return err
		}
	} else {
		integration.logger.WithField("unique_id", entity.UniqueID).Warn("MQTT not connected, discovery config stays retained")
	}

	integration.registry.SetState(entity.UniqueID, false)
	if err := integration.registry.Remove(entity.UniqueID); err != nil && !errors.Is(err, registry.ErrNotFound) {
		return fmt.Errorf("failed to remove %s from registry: %w", entity.UniqueID, err)
	}

	integration.logger.WithFields(logrus.Fields{
		"domain": domain,
		"name":   entity.Name,
	}).Debug("Entity removed")

	return nil
}

// SetDisabled toggles the registry flag. Disabled entities are withdrawn
// from Home Assistant and announced again once re-enabled by the next
// reconciliation.
func (integration *Integration) SetDisabled(uniqueID string, disabled bool) (registry.Entry, error) {
	row, err := integration.registry.SetDisabled(uniqueID, disabled)
	if err != nil {
		return registry.Entry{}, err
	}
	if !disabled {
		return row, nil
	}

	integration.mutex.Lock()
	delete(integration.announced, uniqueID)
	delete(integration.published, uniqueID)
	integration.mutex.Unlock()

	if integration.mqtt.IsConnected() {
		if err := integration.withdraw(entities.Domain(row.Domain), uniqueID); err != nil {
			return row, err
		}
	}
	integration.registry.SetState(uniqueID, false)

	return row, nil
}

func (integration *Integration) withdraw(domain entities.Domain, uniqueID string) error {
	topics := integration.entityTopics(domain, uniqueID)

	if err := integration.mqtt.Publish(topics.ConfigTopic, "", true); err != nil {
		return fmt.Errorf("failed to withdraw %s: %w", uniqueID, err)
	}
	if domain == entities.DomainCamera {
		_ = integration.mqtt.Publish(topics.ImageTopic, "", true)
		_ = integration.mqtt.Publish(topics.AvailabilityTopic, "", true)
	}
	return nil
}

func (integration *Integration) announce(entity entities.Entity, row registry.Entry) error {
	topics := integration.entityTopics(entity.Domain, entity.UniqueID)

	entityConfig := EntityConfig{
		Name:            entity.Name,
		ObjectID:        objectIDFromEntityID(row.EntityID),
		UniqueID:        entity.UniqueID,
		TildeTopic:      topics.BaseTopic,
		AttributesTopic: "~/attributes",
		Availability: []AvailabilityConfig{
			{
				Topic: integration.GenerateBridgeAvailabilityTopic(),
			},
		},
		Device: integration.deviceInfo(entity.DeviceName),
		Icon:   entity.Icon,
	}

	switch entity.Domain {
	case entities.DomainBinarySensor:
		entityConfig.StateTopic = "~/state"
		entityConfig.DeviceClass = entity.DeviceClass
		entityConfig.PayloadOn = PayloadOn
		entityConfig.PayloadOff = PayloadOff
	case entities.DomainSwitch:
		entityConfig.StateTopic = "~/state"
		entityConfig.CommandTopic = "~/set"
		entityConfig.PayloadOn = PayloadOn
		entityConfig.PayloadOff = PayloadOff
	case entities.DomainCamera:
		entityConfig.Topic = "~/image"
		entityConfig.Availability = append(entityConfig.Availability, AvailabilityConfig{Topic: "~/availability"})
		entityConfig.AvailabilityMode = "all"
	}

	configJSON, err := json.Marshal(entityConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal discovery config of %s: %w", entity.UniqueID, err)
	}

	return integration.mqtt.Publish(topics.ConfigTopic, string(configJSON), true)
}

func objectIDFromEntityID(entityID string) string {
	_, objectID, found := strings.Cut(entityID, ".")
	if !found {
		return entityID
	}
	return objectID
}

// PublishStates publishes state and attributes of ready, enabled entities.
// Unchanged payloads are skipped.
func (integration *Integration) PublishStates(domain entities.Domain, items []entities.Entity) {
	if !integration.mqtt.IsConnected() {
		return
	}

	for _, entity := range items {
		if entity.Status != entities.StatusReady || entity.Disabled {
			continue
		}

		integration.mutex.Lock()
		_, announced := integration.announced[entity.UniqueID]
		if announced {
			integration.announced[entity.UniqueID] = entity
		}
		integration.mutex.Unlock()

		if announced {
			integration.publishState(entity)
		}
	}
}

func (integration *Integration) publishState(entity entities.Entity) {
	topics := integration.entityTopics(entity.Domain, entity.UniqueID)

	state := PayloadOff
	if entity.State {
		state = PayloadOn
	}

	attributesJSON, err := json.Marshal(entity.Attributes)
	if err != nil {
		integration.logger.WithError(err).WithField("unique_id", entity.UniqueID).Error("Failed to marshal attributes")
		return
	}

	fingerprint := state + string(attributesJSON)
	integration.mutex.RLock()
	unchanged := integration.published[entity.UniqueID] == fingerprint
	integration.mutex.RUnlock()
	if unchanged {
		return
	}

	if entity.Domain == entities.DomainCamera {
		availability := StatusOffline
		if entity.State {
			availability = StatusOnline
		}
		err = integration.mqtt.Publish(topics.AvailabilityTopic, availability, true)
	} else {
		err = integration.mqtt.Publish(topics.StateTopic, state, true)
	}
	if err == nil {
		err = integration.mqtt.Publish(topics.AttributesTopic, string(attributesJSON), true)
	}
	if err != nil {
		integration.logger.WithError(err).WithField("unique_id", entity.UniqueID).Error("Failed to publish state")
		return
	}

	integration.mutex.Lock()
	integration.published[entity.UniqueID] = fingerprint
	integration.mutex.Unlock()
}

// PublishSnapshot publishes a camera image to the camera entity.
func (integration *Integration) PublishSnapshot(entity entities.Entity, image []byte) error {
	if entity.Domain != entities.DomainCamera {
		return fmt.Errorf("entity %s is not a camera", entity.UniqueID)
	}

	topics := integration.entityTopics(entity.Domain, entity.UniqueID)
	return integration.mqtt.PublishBytes(topics.ImageTopic, image, true)
}

// Announced returns the entities currently announced to Home Assistant.
func (integration *Integration) Announced() []entities.Entity {
	integration.mutex.RLock()
	defer integration.mutex.RUnlock()

	result := make([]entities.Entity, 0, len(integration.announced))
	for _, entity := range integration.announced {
		result = append(result, entity)
	}
	return result
}

func (integration *Integration) republish() {
	integration.mutex.Lock()
	clear(integration.published)
	items := make([]entities.Entity, 0, len(integration.announced))
	for _, entity := range integration.announced {
		items = append(items, entity)
	}
	integration.mutex.Unlock()

	for _, entity := range items {
		row, ok := integration.registry.Lookup(entity.UniqueID)
		if !ok {
			continue
		}
		if err := integration.announce(entity, row); err != nil {
			integration.logger.WithError(err).WithField("unique_id", entity.UniqueID).Error("Failed to publish discovery config")
			continue
		}
		integration.publishState(entity)
	}
}

func (integration *Integration) handleCommand(topic string, payload []byte) {
	prefix := fmt.Sprintf("%s/%s/%s/", integration.config.DiscoveryPrefix, entities.DomainSwitch, integration.NodeID())
	objectID, ok := strings.CutPrefix(topic, prefix)
	if !ok {
		return
	}
	objectID = strings.TrimSuffix(objectID, "/set")

	var (
		target  entities.Entity
		found   bool
		handler CommandHandler
	)
	integration.mutex.RLock()
	for _, entity := range integration.announced {
		if entity.Domain == entities.DomainSwitch && ObjectID(entity.UniqueID) == objectID {
			target, found = entity, true
			break
		}
	}
	handler = integration.onCommand
	integration.mutex.RUnlock()

	if !found {
		integration.logger.WithField("topic", topic).Warn("Command for unknown switch")
		return
	}

	command := strings.ToUpper(strings.TrimSpace(string(payload)))
	if command != PayloadOn && command != PayloadOff {
		integration.logger.WithFields(logrus.Fields{
			"topic":   topic,
			"payload": command,
		}).Warn("Unsupported switch command")
		return
	}

	integration.logger.WithFields(logrus.Fields{
		"name":    target.Name,
		"command": command,
	}).Info("Switch command received")

	if handler != nil {
		handler(target, command == PayloadOn)
	}
}
