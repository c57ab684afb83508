// Package storage persists the bridge's small JSON blob: the encryption key,
// per-integration options and the entity registry rows.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const storageVersion = 1

// IntegrationData holds options keyed by integration title.
type IntegrationData struct {
	GenerateConfigFiles bool `json:"generate_config_files"`
}

// EntityEntry is one persisted entity registry row.
type EntityEntry struct {
	UniqueID   string `json:"unique_id"`
	EntityID   string `json:"entity_id"`
	Domain     string `json:"domain"`
	Name       string `json:"name"`
	DeviceName string `json:"device_name,omitempty"`
	Disabled   bool   `json:"disabled,omitempty"`
}

type Data struct {
	Version      int                         `json:"version"`
	Key          string                      `json:"key,omitempty"`
	Integrations map[string]*IntegrationData `json:"integrations"`
	Entities     []EntityEntry               `json:"entities"`
}

func newData() *Data {
	return &Data{
		Version:      storageVersion,
		Integrations: make(map[string]*IntegrationData),
	}
}

// Store is a file backed Data blob. It is safe for concurrent use.
type Store struct {
	path  string
	mutex sync.Mutex
	data  *Data
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

// Load returns a copy of the stored data, reading the file on first use.
// A missing file yields empty data.
func (s *Store) Load() (*Data, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}

	return s.data.clone(), nil
}

// Update applies fn to the stored data and writes the result. Nothing is
// written when fn fails.
func (s *Store) Update(fn func(*Data) error) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return err
	}

	data := s.data.clone()
	if err := fn(data); err != nil {
		return err
	}

	if err := s.write(data); err != nil {
		return err
	}

	s.data = data
	return nil
}

// Integration returns the options for title, or zero options when absent.
func (s *Store) Integration(title string) (IntegrationData, error) {
	data, err := s.Load()
	if err != nil {
		return IntegrationData{}, err
	}

	if integration, ok := data.Integrations[title]; ok && integration != nil {
		return *integration, nil
	}
	return IntegrationData{}, nil
}

func (s *Store) SetGenerateConfigFiles(title string, enabled bool) error {
	return s.Update(func(data *Data) error {
		integration, ok := data.Integrations[title]
		if !ok || integration == nil {
			integration = &IntegrationData{}
			data.Integrations[title] = integration
		}
		integration.GenerateConfigFiles = enabled
		return nil
	})
}

func (s *Store) ensureLoaded() error {
	if s.data != nil {
		return nil
	}

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newData()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read storage file: %w", err)
	}

	data := newData()
	if err := json.Unmarshal(raw, data); err != nil {
		return fmt.Errorf("failed to parse storage file %s: %w", s.path, err)
	}
	if data.Integrations == nil {
		data.Integrations = make(map[string]*IntegrationData)
	}

	s.data = data
	return nil
}

func (s *Store) write(data *Data) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal storage data: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary storage file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write storage file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set storage file permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close storage file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace storage file: %w", err)
	}
	return nil
}

func (d *Data) clone() *Data {
	c := &Data{
		Version:      d.Version,
		Key:          d.Key,
		Integrations: make(map[string]*IntegrationData, len(d.Integrations)),
		Entities:     make([]EntityEntry, len(d.Entities)),
	}
	for title, integration := range d.Integrations {
		if integration == nil {
			continue
		}
		copied := *integration
		c.Integrations[title] = &copied
	}
	copy(c.Entities, d.Entities)
	return c
}
