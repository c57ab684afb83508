package entities

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/elad-bar/ha-blueiris/pkg/blueiris"
	"github.com/elad-bar/ha-blueiris/pkg/config"
	"github.com/elad-bar/ha-blueiris/pkg/registry"
)

// Platform announces entities to Home Assistant.
type Platform interface {
	AddEntities(domain Domain, entities []Entity) error
	RemoveEntity(domain Domain, entity Entity) error
}

type Registry interface {
	Lookup(uniqueID string) (registry.Entry, bool)
	HasState(uniqueID string) bool
	Entries() []registry.Entry
}

type DeviceRemover interface {
	DeleteDevice(name string)
}

const DefaultAudioDeadTime = 2 * time.Second

type Options struct {
	Title               string
	ExcludeSystemCamera bool
	StreamType          string
	Username            string
	Password            string
	VerifySSL           bool
	TopicPattern        string
	AudioDeadTime       time.Duration
	Allowed             config.AllowedConfig
}

// Result lists the unique ids added and removed by one reconciliation.
type Result struct {
	Added   []string
	Removed []string
}

func (r Result) Changed() bool {
	return len(r.Added) > 0 || len(r.Removed) > 0
}

type Manager struct {
	options  Options
	platform Platform
	registry Registry
	devices  DeviceRemover
	logger   *logrus.Logger

	shadow *ShadowState
	audio  *AudioGate

	// cycle serializes reconciliations, mutex guards the table.
	cycle    sync.Mutex
	mutex    sync.RWMutex
	entities table
	last     *blueiris.Snapshot
	seeded   bool

	listenerMutex sync.RWMutex
	onUpdate      func(domain Domain, entities []Entity)
}

func NewManager(options Options, platform Platform, reg Registry, deviceRemover DeviceRemover, logger *logrus.Logger) *Manager {
	if options.AudioDeadTime <= 0 {
		options.AudioDeadTime = DefaultAudioDeadTime
	}

	m := &Manager{
		options:  options,
		platform: platform,
		registry: reg,
		devices:  deviceRemover,
		logger:   logger,
		shadow:   NewShadowState(),
		entities: newTable(),
	}
	m.audio = NewAudioGate(options.AudioDeadTime, m.handleAudioExpired)

	return m
}

// SetOnUpdateCallback registers the listener notified per domain after every
// reconciliation.
func (m *Manager) SetOnUpdateCallback(fn func(domain Domain, entities []Entity)) {
	m.listenerMutex.Lock()
	defer m.listenerMutex.Unlock()

	m.onUpdate = fn
}

func (m *Manager) Close() error {
	return m.audio.Close()
}

// Update rebuilds the entity table from snapshot and applies the difference
// to the platform.
func (m *Manager) Update(snapshot blueiris.Snapshot) Result {
	m.cycle.Lock()
	defer m.cycle.Unlock()

	m.mutex.Lock()
	m.last = &snapshot
	previous := m.entities
	m.mutex.Unlock()

	candidates := make(map[string]*Entity)
	previous.each(func(entity *Entity) {
		candidates[entity.UniqueID] = entity
	})
	if !m.seeded {
		m.seeded = true
		m.addPersistedCandidates(candidates)
	}

	b := &builder{
		options:  &m.options,
		snapshot: snapshot,
		shadow:   m.shadow,
		logger:   m.logger,
	}
	current := b.build()

	current.each(func(entity *Entity) {
		delete(candidates, entity.UniqueID)
	})

	var result Result

	for _, domain := range Domains {
		queued := m.resolve(domain, current[domain])
		if len(queued) == 0 {
			continue
		}

		if err := m.platform.AddEntities(domain, queued); err != nil {
			m.logger.WithError(err).WithField("domain", domain).Error("Failed to add entities")
			continue
		}
		for _, entity := range queued {
			result.Added = append(result.Added, entity.UniqueID)
		}
	}

	m.mutex.Lock()
	m.entities = current
	m.mutex.Unlock()

	result.Removed = m.removeCandidates(candidates, current)

	if result.Changed() {
		m.logger.WithFields(logrus.Fields{
			"added":   len(result.Added),
			"removed": len(result.Removed),
		}).Info("Entities reconciled")
	}

	m.notify()

	return result
}

// resolve marks created entities ready and returns those to add: entities
// unknown to the registry and restored ones that are not disabled.
func (m *Manager) resolve(domain Domain, entities map[string]*Entity) []Entity {
	var queued []Entity

	for _, name := range sortedNames(entities) {
		entity := entities[name]
		if entity.Status != StatusCreated {
			continue
		}

		row, registered := m.registry.Lookup(entity.UniqueID)
		switch {
		case !registered:
			queued = append(queued, entity.clone())
		case !m.registry.HasState(entity.UniqueID):
			entity.Disabled = row.Disabled
			if !row.Disabled {
				m.logger.WithFields(logrus.Fields{
					"name":      entity.Name,
					"entity_id": row.EntityID,
				}).Info("Entity restored")
				queued = append(queued, entity.clone())
			}
		default:
			entity.Disabled = row.Disabled
		}

		entity.Status = StatusReady
	}

	m.logger.WithFields(logrus.Fields{
		"domain": domain,
		"queued": len(queued),
	}).Debug("Resolved entities")

	return queued
}

// addPersistedCandidates adds the rows a previous run registered, so entities
// of cameras deleted while the bridge was stopped are removed too.
func (m *Manager) addPersistedCandidates(candidates map[string]*Entity) {
	for _, row := range m.registry.Entries() {
		if _, ok := candidates[row.UniqueID]; ok {
			continue
		}
		candidates[row.UniqueID] = &Entity{
			UniqueID:   row.UniqueID,
			Name:       row.Name,
			Domain:     Domain(row.Domain),
			DeviceName: row.DeviceName,
		}
	}
}

func (m *Manager) removeCandidates(candidates map[string]*Entity, current table) []string {
	if len(candidates) == 0 {
		return nil
	}

	uniqueIDs := make([]string, 0, len(candidates))
	for uniqueID := range candidates {
		uniqueIDs = append(uniqueIDs, uniqueID)
	}
	slices.Sort(uniqueIDs)

	m.logger.WithField("unique_ids", uniqueIDs).Info("Removing entities")

	removed := make([]string, 0, len(uniqueIDs))
	for _, uniqueID := range uniqueIDs {
		entity := candidates[uniqueID]

		if err := m.platform.RemoveEntity(entity.Domain, entity.clone()); err != nil {
			m.logger.WithError(err).WithField("unique_id", uniqueID).Error("Failed to remove entity")
			continue
		}
		removed = append(removed, uniqueID)

		if entity.DeviceName != "" && !deviceInUse(current, entity.DeviceName) && m.devices != nil {
			m.devices.DeleteDevice(entity.DeviceName)
		}
	}

	return removed
}

// Refresh reconciles again against the last snapshot, picking up shadow
// state changes.
func (m *Manager) Refresh() Result {
	m.mutex.RLock()
	last := m.last
	m.mutex.RUnlock()

	if last == nil {
		return Result{}
	}
	return m.Update(*last)
}

// HandleEvent records a camera event in the shadow state. It reports false
// when the audio dead-time window dropped the event.
func (m *Manager) HandleEvent(event Event) bool {
	if event.EventType == strings.ToLower(string(SensorAudio)) {
		if !m.audio.Accept(shadowKey(event.Topic, event.EventType), event.Value) {
			m.logger.WithFields(logrus.Fields{
				"topic": event.Topic,
				"value": event.Value,
			}).Debug("Audio event inside dead-time window, ignoring")
			return false
		}
	}

	m.shadow.Set(event.Topic, event.EventType, event.Value)
	return true
}

func (m *Manager) handleAudioExpired(key string) {
	topic, eventType, ok := splitShadowKey(key)
	if !ok {
		return
	}

	m.logger.WithField("topic", topic).Info("Audio alert off")

	m.shadow.Set(topic, eventType, false)
	m.Refresh()
}

func splitShadowKey(key string) (string, string, bool) {
	i := strings.LastIndex(key, "_")
	if i < 0 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}

// Teardown removes every entity from the platform.
func (m *Manager) Teardown() []string {
	m.cycle.Lock()
	defer m.cycle.Unlock()

	m.mutex.Lock()
	previous := m.entities
	m.entities = newTable()
	m.last = nil
	m.mutex.Unlock()

	var removed []string
	previous.each(func(entity *Entity) {
		if err := m.platform.RemoveEntity(entity.Domain, entity.clone()); err != nil {
			m.logger.WithError(err).WithField("unique_id", entity.UniqueID).Error("Failed to remove entity")
			return
		}
		removed = append(removed, entity.UniqueID)
	})

	return removed
}

func (m *Manager) notify() {
	m.listenerMutex.RLock()
	onUpdate := m.onUpdate
	m.listenerMutex.RUnlock()

	if onUpdate == nil {
		return
	}

	for _, domain := range Domains {
		onUpdate(domain, m.DomainEntities(domain))
	}
}

// DomainEntities returns copies of the entities of domain ordered by name.
func (m *Manager) DomainEntities(domain Domain) []Entity {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	entities := m.entities[domain]
	result := make([]Entity, 0, len(entities))
	for _, name := range sortedNames(entities) {
		result = append(result, entities[name].clone())
	}
	return result
}

func (m *Manager) Entities() []Entity {
	var result []Entity
	for _, domain := range Domains {
		result = append(result, m.DomainEntities(domain)...)
	}
	return result
}

func (m *Manager) Entity(domain Domain, name string) (Entity, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	entity, ok := m.entities[domain][name]
	if !ok {
		return Entity{}, false
	}
	return entity.clone(), true
}

func (m *Manager) EntityByUniqueID(uniqueID string) (Entity, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var found *Entity
	m.entities.each(func(entity *Entity) {
		if entity.UniqueID == uniqueID {
			found = entity
		}
	})
	if found == nil {
		return Entity{}, false
	}
	return found.clone(), true
}

// IsDeviceInUse reports whether any entity references the device.
func (m *Manager) IsDeviceInUse(deviceName string) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return deviceInUse(m.entities, deviceName)
}

func (m *Manager) Snapshot() (blueiris.Snapshot, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if m.last == nil {
		return blueiris.Snapshot{}, false
	}
	return *m.last, true
}

func (m *Manager) Shadow() *ShadowState {
	return m.shadow
}

func deviceInUse(t table, deviceName string) bool {
	inUse := false
	t.each(func(entity *Entity) {
		if entity.DeviceName == deviceName {
			inUse = true
		}
	})
	return inUse
}

func sortedNames(entities map[string]*Entity) []string {
	names := make([]string, 0, len(entities))
	for name := range entities {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
