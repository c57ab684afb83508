// Package devices derives one device record for the Blue Iris server and one
// per camera from each refresh.
package devices

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/elad-bar/ha-blueiris/pkg/blueiris"
	"github.com/elad-bar/ha-blueiris/pkg/common"
)

const Manufacturer = common.DefaultName

const (
	ModelServer  = "Server"
	ModelGroup   = "Group"
	ModelSystem  = "System"
	ModelGeneric = "Generic"
)

type Device struct {
	Identifier   string
	Name         string
	Model        string
	Manufacturer string
	SWVersion    string
	// ViaDevice is the identifier of the parent device, if any.
	ViaDevice string
}

type Manager struct {
	title  string
	logger *logrus.Logger

	mutex    sync.RWMutex
	devices  map[string]Device
	onRemove func(Device)
}

func NewManager(title string, logger *logrus.Logger) *Manager {
	return &Manager{
		title:   title,
		logger:  logger,
		devices: make(map[string]Device),
	}
}

// SetOnRemoveCallback registers fn to run after a device is deleted.
func (m *Manager) SetOnRemoveCallback(fn func(Device)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.onRemove = fn
}

func ServerDeviceName(title string) string {
	return fmt.Sprintf("%s Server", title)
}

func CameraDeviceName(title string, camera blueiris.Camera) string {
	return fmt.Sprintf("%s %s (%s)", title, camera.Name, camera.ID)
}

func Identifier(name string) string {
	return common.Domain + "_" + common.Slugify(name)
}

// CameraModel names the device model of a camera. Cameras without a numeric
// type fall back to Group, System or Generic.
func CameraModel(camera blueiris.Camera) string {
	if _, err := strconv.Atoi(camera.Type); err == nil {
		return "Camera-" + camera.Type
	}

	switch {
	case camera.IsGroup:
		return ModelGroup
	case camera.IsSystem:
		return ModelSystem
	default:
		return ModelGeneric
	}
}

// Update rebuilds the server device and adds or refreshes one device per
// camera. Devices of cameras missing from the snapshot are kept until
// DeleteDevice is called for them.
func (m *Manager) Update(snapshot blueiris.Snapshot) {
	serverName := ServerDeviceName(m.title)
	server := Device{
		Identifier:   Identifier(serverName),
		Name:         serverName,
		Model:        ModelServer,
		Manufacturer: Manufacturer,
		SWVersion:    snapshot.Data.Version,
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.devices[serverName] = server

	for _, camera := range snapshot.Cameras {
		name := CameraDeviceName(m.title, camera)
		m.devices[name] = Device{
			Identifier:   Identifier(name),
			Name:         name,
			Model:        CameraModel(camera),
			Manufacturer: Manufacturer,
			ViaDevice:    server.Identifier,
		}
	}
}

func (m *Manager) Get(name string) (Device, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	device, ok := m.devices[name]
	return device, ok
}

// Devices returns all known devices ordered by name.
func (m *Manager) Devices() []Device {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	devices := make([]Device, 0, len(m.devices))
	for _, device := range m.devices {
		devices = append(devices, device)
	}
	slices.SortFunc(devices, func(a, b Device) int {
		return strings.Compare(a.Name, b.Name)
	})
	return devices
}

func (m *Manager) DeleteDevice(name string) {
	m.mutex.Lock()
	device, ok := m.devices[name]
	if ok {
		delete(m.devices, name)
	}
	onRemove := m.onRemove
	m.mutex.Unlock()

	if !ok {
		return
	}

	m.logger.WithField("device", name).Info("Deleting device")

	if onRemove != nil {
		onRemove(device)
	}
}

// RemoveAll deletes every device for which inUse reports false.
func (m *Manager) RemoveAll(inUse func(name string) bool) {
	for _, device := range m.Devices() {
		if inUse != nil && inUse(device.Name) {
			continue
		}
		m.DeleteDevice(device.Name)
	}
}
