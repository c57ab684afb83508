// Package registry keeps the unique id to entity id mapping of every entity
// the bridge has announced, the way Home Assistant's entity registry does for
// native integrations.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/elad-bar/ha-blueiris/pkg/common"
	"github.com/elad-bar/ha-blueiris/pkg/storage"
)

var ErrNotFound = errors.New("entity is not registered")

type Entry = storage.EntityEntry

// Registry persists rows in the storage blob. Live state is process local:
// after a restart every row exists but none has state, which is what marks
// an entity as restored.
type Registry struct {
	store *storage.Store

	mutex  sync.RWMutex
	loaded bool
	rows   map[string]Entry
	live   map[string]bool
}

func New(store *storage.Store) *Registry {
	return &Registry{
		store: store,
		rows:  make(map[string]Entry),
		live:  make(map[string]bool),
	}
}

// Load reads the persisted rows. It is called lazily by every operation.
func (r *Registry) Load() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.ensureLoaded()
}

func (r *Registry) ensureLoaded() error {
	if r.loaded {
		return nil
	}

	data, err := r.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load entity registry: %w", err)
	}

	for _, row := range data.Entities {
		r.rows[row.UniqueID] = row
	}
	r.loaded = true
	return nil
}

// Lookup returns the registry row of uniqueID.
func (r *Registry) Lookup(uniqueID string) (Entry, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if err := r.ensureLoaded(); err != nil {
		return Entry{}, false
	}

	row, ok := r.rows[uniqueID]
	return row, ok
}

// Register returns the existing row of uniqueID or creates one with an
// entity id derived from name.
func (r *Registry) Register(domain, uniqueID, name, deviceName string) (Entry, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if err := r.ensureLoaded(); err != nil {
		return Entry{}, err
	}

	if row, ok := r.rows[uniqueID]; ok {
		if row.Name == name && row.DeviceName == deviceName {
			return row, nil
		}
		row.Name = name
		row.DeviceName = deviceName
		r.rows[uniqueID] = row
		return row, r.persist()
	}

	row := Entry{
		UniqueID:   uniqueID,
		EntityID:   r.entityID(domain, name),
		Domain:     domain,
		Name:       name,
		DeviceName: deviceName,
	}
	r.rows[uniqueID] = row

	return row, r.persist()
}

func (r *Registry) entityID(domain, name string) string {
	base := domain + "." + common.Slugify(name)

	taken := make(map[string]bool, len(r.rows))
	for _, row := range r.rows {
		taken[row.EntityID] = true
	}

	candidate := base
	for i := 2; taken[candidate]; i++ {
		candidate = base + "_" + strconv.Itoa(i)
	}
	return candidate
}

func (r *Registry) HasState(uniqueID string) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.live[uniqueID]
}

func (r *Registry) SetState(uniqueID string, live bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if live {
		r.live[uniqueID] = true
		return
	}
	delete(r.live, uniqueID)
}

func (r *Registry) Remove(uniqueID string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if err := r.ensureLoaded(); err != nil {
		return err
	}

	delete(r.live, uniqueID)
	if _, ok := r.rows[uniqueID]; !ok {
		return nil
	}

	delete(r.rows, uniqueID)
	return r.persist()
}

func (r *Registry) SetDisabled(uniqueID string, disabled bool) (Entry, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if err := r.ensureLoaded(); err != nil {
		return Entry{}, err
	}

	row, ok := r.rows[uniqueID]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, uniqueID)
	}

	row.Disabled = disabled
	r.rows[uniqueID] = row
	return row, r.persist()
}

func (r *Registry) Entries() []Entry {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if err := r.ensureLoaded(); err != nil {
		return nil
	}

	return r.sortedRows()
}

func (r *Registry) sortedRows() []Entry {
	rows := make([]Entry, 0, len(r.rows))
	for _, row := range r.rows {
		rows = append(rows, row)
	}
	slices.SortFunc(rows, func(a, b Entry) int {
		return strings.Compare(a.UniqueID, b.UniqueID)
	})
	return rows
}

func (r *Registry) persist() error {
	rows := r.sortedRows()
	return r.store.Update(func(data *storage.Data) error {
		data.Entities = rows
		return nil
	})
}
