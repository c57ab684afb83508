package entities

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elad-bar/ha-blueiris/pkg/blueiris"
	"github.com/elad-bar/ha-blueiris/pkg/config"
	"github.com/elad-bar/ha-blueiris/pkg/registry"
)

const testTopic = "BlueIris/+/Status"

// fakePlatform records platform calls and acts as the entity registry.
type fakePlatform struct {
	mutex   sync.Mutex
	rows    map[string]registry.Entry
	live    map[string]bool
	added   []string
	removed []string
	failAdd bool
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		rows: make(map[string]registry.Entry),
		live: make(map[string]bool),
	}
}

func (f *fakePlatform) AddEntities(_ Domain, entities []Entity) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.failAdd {
		return errors.New("platform unavailable")
	}
	for _, entity := range entities {
		f.rows[entity.UniqueID] = registry.Entry{
			UniqueID:   entity.UniqueID,
			Domain:     string(entity.Domain),
			Name:       entity.Name,
			DeviceName: entity.DeviceName,
		}
		f.live[entity.UniqueID] = true
		f.added = append(f.added, entity.UniqueID)
	}
	return nil
}

func (f *fakePlatform) RemoveEntity(_ Domain, entity Entity) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	delete(f.rows, entity.UniqueID)
	delete(f.live, entity.UniqueID)
	f.removed = append(f.removed, entity.UniqueID)
	return nil
}

func (f *fakePlatform) Lookup(uniqueID string) (registry.Entry, bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	row, ok := f.rows[uniqueID]
	return row, ok
}

func (f *fakePlatform) HasState(uniqueID string) bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.live[uniqueID]
}

func (f *fakePlatform) Entries() []registry.Entry {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	rows := make([]registry.Entry, 0, len(f.rows))
	for _, row := range f.rows {
		rows = append(rows, row)
	}
	return rows
}

// restart drops the live state the way a new process would see the registry.
func (f *fakePlatform) restart() {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.live = make(map[string]bool)
	f.removed = nil
}

type fakeDevices struct {
	mutex   sync.Mutex
	deleted []string
}

func (f *fakeDevices) DeleteDevice(name string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.deleted = append(f.deleted, name)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testOptions() Options {
	return Options{
		Title:         "Home",
		StreamType:    config.StreamTypeH264,
		TopicPattern:  testTopic,
		AudioDeadTime: 200 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, options Options) (*Manager, *fakePlatform, *fakeDevices) {
	t.Helper()

	platform := newFakePlatform()
	devices := &fakeDevices{}
	manager := NewManager(options, platform, platform, devices, testLogger())
	t.Cleanup(func() { _ = manager.Close() })

	return manager, platform, devices
}

func camera(id, name string, attrs blueiris.Attributes) blueiris.Camera {
	raw := blueiris.Attributes{"optionValue": id, "optionDisplay": name, "isOnline": true}
	for k, v := range attrs {
		raw[k] = v
	}
	return blueiris.NewCamera(raw)
}

func exampleSnapshot() blueiris.Snapshot {
	return blueiris.Snapshot{
		Cameras: []blueiris.Camera{
			camera("Index", "Index", blueiris.Attributes{"group": []any{"Cam1"}}),
			camera("Cam1", "Cam1", blueiris.Attributes{"audio": false}),
		},
		BaseURL:   "http://bi.local:81",
		SessionID: "abc",
	}
}

func adminSnapshot() blueiris.Snapshot {
	snapshot := exampleSnapshot()
	snapshot.Data = blueiris.NewLoginData(blueiris.Attributes{
		"admin":     true,
		"profiles":  []any{"Inactive", "Away", "Home"},
		"schedules": []any{"Default", "Vacation"},
	})
	snapshot.Status = blueiris.NewStatus(blueiris.Attributes{"profile": float64(1), "schedule": "Vacation"})
	return snapshot
}

func names(entities []Entity) []string {
	result := make([]string, 0, len(entities))
	for _, entity := range entities {
		result = append(result, entity.Name)
	}
	return result
}

func TestManager_ExampleSnapshot(t *testing.T) {
	manager, _, _ := newTestManager(t, testOptions())

	manager.Update(exampleSnapshot())

	motion, ok := manager.Entity(DomainBinarySensor, "Home Cam1 Motion")
	require.True(t, ok)
	assert.False(t, motion.State)
	assert.Equal(t, "motion", motion.DeviceClass)
	assert.Equal(t, "BlueIris/Cam1/Status", motion.Topic)

	connectivity, ok := manager.Entity(DomainBinarySensor, "Home Cam1 Connectivity")
	require.True(t, ok)
	assert.True(t, connectivity.State, "connectivity defaults to connected")

	index, ok := manager.Entity(DomainBinarySensor, "Home Index Connectivity")
	require.True(t, ok)
	assert.True(t, index.State)

	_, ok = manager.Entity(DomainBinarySensor, "Home Cam1 Audio")
	assert.False(t, ok, "cameras without audio get no audio sensor")
	_, ok = manager.Entity(DomainBinarySensor, "Home Index Motion")
	assert.False(t, ok, "system cameras only get connectivity")

	assert.ElementsMatch(t, []string{
		"Home Alerts",
		"Home Cam1 Connectivity",
		"Home Cam1 Motion",
		"Home Index Connectivity",
	}, names(manager.DomainEntities(DomainBinarySensor)))

	assert.ElementsMatch(t, []string{"Home Cam1", "Home Index"}, names(manager.DomainEntities(DomainCamera)))
	assert.Empty(t, manager.DomainEntities(DomainSwitch), "no switches without admin access")
}

func TestManager_UniqueIDs(t *testing.T) {
	manager, _, _ := newTestManager(t, testOptions())
	manager.Update(adminSnapshot())

	expected := map[Domain]map[string]string{
		DomainBinarySensor: {
			"Home Cam1 Motion": "blueiris-binary_sensor-Home Cam1 Motion",
			"Home Alerts":      "blueiris-binary_sensor-MAIN-Home Alerts",
		},
		DomainCamera: {
			"Home Cam1": "blueiris-camera-Home Cam1",
		},
		DomainSwitch: {
			"Home Profile Away":     "blueiris-switch-Profile-Home Profile Away",
			"Home Schedule Default": "blueiris-switch-Schedule-Home Schedule Default",
		},
	}

	for domain, entities := range expected {
		for name, uniqueID := range entities {
			entity, ok := manager.Entity(domain, name)
			require.True(t, ok, name)
			assert.Equal(t, uniqueID, entity.UniqueID)
		}
	}
}

func TestManager_UniqueIDsStableAcrossCycles(t *testing.T) {
	manager, _, _ := newTestManager(t, testOptions())

	first := adminSnapshot()
	manager.Update(first)
	before := map[string]string{}
	for _, entity := range manager.Entities() {
		before[entity.Name] = entity.UniqueID
	}

	second := adminSnapshot()
	second.Cameras[1] = camera("Cam1", "Cam1", blueiris.Attributes{"isOnline": false, "nAlerts": float64(4)})
	second.Status = blueiris.NewStatus(blueiris.Attributes{"profile": float64(2)})
	result := manager.Update(second)

	assert.False(t, result.Changed())
	for _, entity := range manager.Entities() {
		assert.Equal(t, before[entity.Name], entity.UniqueID)
	}
}

func TestManager_Idempotent(t *testing.T) {
	manager, platform, _ := newTestManager(t, testOptions())

	first := manager.Update(adminSnapshot())
	assert.NotEmpty(t, first.Added)
	assert.Empty(t, first.Removed)

	second := manager.Update(adminSnapshot())
	assert.Empty(t, second.Added)
	assert.Empty(t, second.Removed)
	assert.Len(t, platform.added, len(first.Added))
}

func TestManager_CameraRemovedOnNextCycle(t *testing.T) {
	manager, platform, devices := newTestManager(t, testOptions())

	manager.Update(exampleSnapshot())
	assert.Empty(t, platform.removed)

	snapshot := exampleSnapshot()
	snapshot.Cameras = snapshot.Cameras[:1]
	result := manager.Update(snapshot)

	assert.ElementsMatch(t, []string{
		"blueiris-binary_sensor-Home Cam1 Connectivity",
		"blueiris-binary_sensor-Home Cam1 Motion",
		"blueiris-camera-Home Cam1",
	}, result.Removed)
	assert.Equal(t, []string{"Home Cam1 (Cam1)"}, uniq(devices.deleted))
	assert.False(t, manager.IsDeviceInUse("Home Cam1 (Cam1)"))
	assert.True(t, manager.IsDeviceInUse("Home Index (Index)"))
}

func uniq(items []string) []string {
	seen := map[string]bool{}
	var result []string
	for _, item := range items {
		if !seen[item] {
			seen[item] = true
			result = append(result, item)
		}
	}
	return result
}

func TestManager_ConnectivityInverted(t *testing.T) {
	manager, _, _ := newTestManager(t, testOptions())
	manager.Update(exampleSnapshot())

	event, err := ParseEvent("BlueIris/Cam1/Status", []byte(`{"type":"WATCHDOG","trigger":"ON"}`))
	require.NoError(t, err)
	require.True(t, manager.HandleEvent(event))
	manager.Refresh()

	connectivity, _ := manager.Entity(DomainBinarySensor, "Home Cam1 Connectivity")
	assert.False(t, connectivity.State)

	alerts, _ := manager.Entity(DomainBinarySensor, "Home Alerts")
	assert.True(t, alerts.State)
	assert.Equal(t, "Home Cam1 Connectivity", alerts.Attributes["Connectivity"])

	event.Value = false
	manager.HandleEvent(event)
	manager.Refresh()

	connectivity, _ = manager.Entity(DomainBinarySensor, "Home Cam1 Connectivity")
	assert.True(t, connectivity.State)
	alerts, _ = manager.Entity(DomainBinarySensor, "Home Alerts")
	assert.False(t, alerts.State)
}

func TestManager_MotionEvent(t *testing.T) {
	manager, _, _ := newTestManager(t, testOptions())
	manager.Update(exampleSnapshot())

	event, err := ParseEvent("BlueIris/Cam1/Status", []byte(`{"type":"MOTION_A","trigger":"ON"}`))
	require.NoError(t, err)
	manager.HandleEvent(event)
	result := manager.Refresh()

	assert.False(t, result.Changed())
	motion, _ := manager.Entity(DomainBinarySensor, "Home Cam1 Motion")
	assert.True(t, motion.State)

	alerts, _ := manager.Entity(DomainBinarySensor, "Home Alerts")
	assert.Equal(t, "Home Cam1 Motion", alerts.Attributes["Motion"])
}

func TestManager_AudioDeadTime(t *testing.T) {
	manager, _, _ := newTestManager(t, testOptions())

	snapshot := exampleSnapshot()
	snapshot.Cameras[1] = camera("Cam1", "Cam1", blueiris.Attributes{"audio": true})
	manager.Update(snapshot)

	audio, ok := manager.Entity(DomainBinarySensor, "Home Cam1 Audio")
	require.True(t, ok)
	assert.False(t, audio.State)
	assert.Equal(t, "sound", audio.DeviceClass)

	on := Event{Topic: "BlueIris/Cam1/Status", EventType: "audio", Value: true}
	off := Event{Topic: "BlueIris/Cam1/Status", EventType: "audio", Value: false}

	require.True(t, manager.HandleEvent(on))
	manager.Refresh()

	assert.False(t, manager.HandleEvent(off), "off inside the window is ignored")
	assert.False(t, manager.HandleEvent(on), "on inside the window is suppressed")
	manager.Refresh()

	audio, _ = manager.Entity(DomainBinarySensor, "Home Cam1 Audio")
	assert.True(t, audio.State, "audio stays on for the dead-time window")

	assert.Eventually(t, func() bool {
		audio, _ := manager.Entity(DomainBinarySensor, "Home Cam1 Audio")
		return !audio.State
	}, 3*time.Second, 20*time.Millisecond, "audio clears once the window closes")

	require.True(t, manager.HandleEvent(on), "a new window opens after expiry")
}

func TestManager_AllowListNoneSentinel(t *testing.T) {
	options := testOptions()
	options.Allowed = config.AllowedConfig{
		MotionSensor:       config.AllowList{config.NoneSelected},
		ConnectivitySensor: config.AllowList{"Cam1"},
		Profile:            config.AllowList{config.NoneSelected},
		Schedule:           config.AllowList{"Vacation"},
	}
	manager, _, _ := newTestManager(t, options)

	manager.Update(adminSnapshot())

	assert.ElementsMatch(t, []string{
		"Home Alerts",
		"Home Cam1 Connectivity",
	}, names(manager.DomainEntities(DomainBinarySensor)))
	assert.Equal(t, []string{"Home Schedule Vacation"}, names(manager.DomainEntities(DomainSwitch)))
}

func TestManager_CameraAllowList(t *testing.T) {
	options := testOptions()
	options.Allowed.Camera = config.AllowList{"Cam1"}
	manager, _, _ := newTestManager(t, options)

	manager.Update(exampleSnapshot())

	assert.Equal(t, []string{"Home Cam1"}, names(manager.DomainEntities(DomainCamera)))

	connectivity, ok := manager.Entity(DomainBinarySensor, "Home Index Connectivity")
	require.True(t, ok, "system cameras keep their connectivity sensor")
	assert.True(t, connectivity.State)
}

func TestManager_DIOAndExternalOptIn(t *testing.T) {
	options := testOptions()
	options.Allowed.DIOSensor = config.AllowList{"Cam1"}
	manager, _, _ := newTestManager(t, options)

	manager.Update(exampleSnapshot())

	_, ok := manager.Entity(DomainBinarySensor, "Home Cam1 DIO")
	assert.True(t, ok)
	_, ok = manager.Entity(DomainBinarySensor, "Home Cam1 External")
	assert.False(t, ok)
}

func TestManager_ExcludeSystemCamera(t *testing.T) {
	options := testOptions()
	options.ExcludeSystemCamera = true
	manager, _, _ := newTestManager(t, options)

	manager.Update(exampleSnapshot())

	assert.Equal(t, []string{"Home Cam1"}, names(manager.DomainEntities(DomainCamera)))

	connectivity, ok := manager.Entity(DomainBinarySensor, "Home Index Connectivity")
	require.True(t, ok, "system cameras keep their connectivity sensor")
	assert.True(t, connectivity.State)
}

func TestManager_Switches(t *testing.T) {
	manager, _, _ := newTestManager(t, testOptions())
	manager.Update(adminSnapshot())

	away, ok := manager.Entity(DomainSwitch, "Home Profile Away")
	require.True(t, ok)
	assert.True(t, away.State)
	assert.Equal(t, &SwitchTarget{Kind: SwitchProfile, ProfileID: 1}, away.Switch)
	assert.Equal(t, "Home Server", away.DeviceName)

	home, _ := manager.Entity(DomainSwitch, "Home Profile Home")
	assert.False(t, home.State)

	vacation, ok := manager.Entity(DomainSwitch, "Home Schedule Vacation")
	require.True(t, ok)
	assert.True(t, vacation.State)
	assert.Equal(t, ScheduleIcon, vacation.Icon)
}

func TestManager_CameraDetails(t *testing.T) {
	options := testOptions()
	options.StreamType = config.StreamTypeMJPEG
	manager, _, _ := newTestManager(t, options)

	snapshot := exampleSnapshot()
	snapshot.Cameras[1] = camera("Cam1", "Cam1", blueiris.Attributes{"FPS": float64(15), "isRecording": true})
	manager.Update(snapshot)

	cam, ok := manager.Entity(DomainCamera, "Home Cam1")
	require.True(t, ok)
	assert.True(t, cam.State)
	assert.Equal(t, "http://bi.local:81/image/Cam1?q=100&s=100&session=abc", cam.Camera.StillImageURL)
	assert.Equal(t, "http://bi.local:81/mjpg/Cam1/video.mjpg?session=abc", cam.Camera.StreamSource)
	assert.Equal(t, "image/jpg", cam.Camera.ContentType)
	assert.Equal(t, float64(15), cam.Attributes["FPS"])
	assert.Equal(t, true, cam.Attributes["Is Recording"])
	assert.NotContains(t, cam.Attributes, "optionValue")
	assert.Equal(t, "Home Cam1 (Cam1)", cam.DeviceName)
}

func TestManager_RestoredEntities(t *testing.T) {
	manager, platform, _ := newTestManager(t, testOptions())

	// Rows left by a previous run: one enabled, one disabled, no live state.
	platform.rows["blueiris-camera-Home Cam1"] = registry.Entry{UniqueID: "blueiris-camera-Home Cam1"}
	platform.rows["blueiris-camera-Home Index"] = registry.Entry{UniqueID: "blueiris-camera-Home Index", Disabled: true}

	result := manager.Update(exampleSnapshot())

	assert.Contains(t, result.Added, "blueiris-camera-Home Cam1")
	assert.NotContains(t, result.Added, "blueiris-camera-Home Index")

	index, _ := manager.Entity(DomainCamera, "Home Index")
	assert.True(t, index.Disabled)
	assert.Equal(t, StatusReady, index.Status)
}

func TestManager_RemovesRowsOfCamerasDeletedWhileStopped(t *testing.T) {
	options := testOptions()
	first, platform, _ := newTestManager(t, options)
	first.Update(exampleSnapshot())

	motionID := "blueiris-binary_sensor-Home Cam1 Motion"
	_, ok := platform.Lookup(motionID)
	require.True(t, ok)

	platform.restart()
	devices := &fakeDevices{}
	second := NewManager(options, platform, platform, devices, testLogger())
	t.Cleanup(func() { _ = second.Close() })

	snapshot := exampleSnapshot()
	snapshot.Cameras = snapshot.Cameras[:1]
	result := second.Update(snapshot)

	assert.Contains(t, result.Removed, motionID)
	assert.Contains(t, result.Removed, "blueiris-camera-Home Cam1")
	assert.NotContains(t, result.Removed, "blueiris-camera-Home Index")
	_, ok = platform.Lookup(motionID)
	assert.False(t, ok)
	assert.Contains(t, devices.deleted, "Home Cam1 (Cam1)")

	result = second.Update(snapshot)
	assert.Empty(t, result.Removed, "persisted rows are only checked on the first reconciliation")
}

func TestManager_AddFailureRetriedNextCycle(t *testing.T) {
	manager, platform, _ := newTestManager(t, testOptions())

	platform.failAdd = true
	result := manager.Update(exampleSnapshot())
	assert.Empty(t, result.Added)

	platform.failAdd = false
	result = manager.Update(exampleSnapshot())
	assert.NotEmpty(t, result.Added)
}

func TestManager_Listener(t *testing.T) {
	manager, _, _ := newTestManager(t, testOptions())

	notified := map[Domain]int{}
	manager.SetOnUpdateCallback(func(domain Domain, entities []Entity) {
		notified[domain] = len(entities)
	})

	manager.Update(exampleSnapshot())

	assert.Equal(t, 4, notified[DomainBinarySensor])
	assert.Equal(t, 2, notified[DomainCamera])
	assert.Equal(t, 0, notified[DomainSwitch])
}

func TestManager_RefreshWithoutSnapshot(t *testing.T) {
	manager, platform, _ := newTestManager(t, testOptions())

	result := manager.Refresh()
	assert.False(t, result.Changed())
	assert.Empty(t, platform.added)
}

func TestManager_Teardown(t *testing.T) {
	manager, platform, _ := newTestManager(t, testOptions())
	manager.Update(exampleSnapshot())

	removed := manager.Teardown()

	assert.Len(t, removed, 6)
	assert.Len(t, platform.removed, 6)
	assert.Empty(t, manager.Entities())
	_, ok := manager.Snapshot()
	assert.False(t, ok)
}

func TestManager_InvalidCameraContained(t *testing.T) {
	manager, _, _ := newTestManager(t, testOptions())

	snapshot := exampleSnapshot()
	snapshot.Cameras = append(snapshot.Cameras, blueiris.NewCamera(blueiris.Attributes{"optionDisplay": "Broken"}))
	manager.Update(snapshot)

	assert.Len(t, manager.DomainEntities(DomainCamera), 2)
}
