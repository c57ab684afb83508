package app

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/elad-bar/ha-blueiris/pkg/api"
	"github.com/elad-bar/ha-blueiris/pkg/blueiris"
	"github.com/elad-bar/ha-blueiris/pkg/devices"
	"github.com/elad-bar/ha-blueiris/pkg/entities"
	"github.com/elad-bar/ha-blueiris/pkg/registry"
)

// Status reports the bridge state for the API and the diagnostics sensor.
func (app *Application) Status() api.Status {
	snapshot := app.client.Snapshot()

	status := api.Status{
		State:        app.client.State().String(),
		LoggedIn:     app.client.IsLoggedIn(),
		Admin:        snapshot.Data.Admin,
		Version:      snapshot.Data.Version,
		SystemName:   snapshot.Data.SystemName,
		Profile:      snapshot.Status.Profile,
		Schedule:     snapshot.Status.Schedule,
		Cameras:      len(snapshot.Cameras),
		Entities:     app.EntityCounts(),
		Devices:      app.DeviceCount(),
		Notification: app.integration.Notification(),
		MQTT:         app.mqtt.IsConnected(),
	}
	if last := app.client.LastUpdate(); !last.IsZero() {
		status.LastUpdate = &last
	}

	return status
}

func (app *Application) Entities() []entities.Entity {
	return app.manager.Entities()
}

func (app *Application) Devices() []devices.Device {
	return app.devices.Devices()
}

// Refresh runs an update cycle now. A cycle already in progress is not
// repeated.
func (app *Application) Refresh(ctx context.Context) error {
	_, err := app.poller.Tick(ctx)
	return err
}

func (app *Application) Trigger(ctx context.Context, cameraID string) error {
	if err := app.requireCamera(cameraID); err != nil {
		return err
	}
	return app.client.Trigger(ctx, cameraID)
}

func (app *Application) MoveToPreset(ctx context.Context, cameraID string, preset int) error {
	if err := app.requireCamera(cameraID); err != nil {
		return err
	}
	return app.client.MoveToPreset(ctx, cameraID, preset)
}

// SetProfile activates a profile given by name or index.
func (app *Application) SetProfile(ctx context.Context, profile string) error {
	data, err := app.requireAdmin()
	if err != nil {
		return err
	}

	id, ok := blueiris.ProfileID(data.Profiles, profile)
	if !ok {
		return fmt.Errorf("profile %s: %w", profile, api.ErrNotFound)
	}

	return app.setProfile(ctx, id)
}

func (app *Application) setProfile(ctx context.Context, id int) error {
	if err := app.client.SetProfile(ctx, id); err != nil {
		return err
	}
	app.applyClientState()
	return nil
}

func (app *Application) SetSchedule(ctx context.Context, schedule string) error {
	data, err := app.requireAdmin()
	if err != nil {
		return err
	}

	if !slices.Contains(data.Schedules, schedule) {
		return fmt.Errorf("schedule %s: %w", schedule, api.ErrNotFound)
	}

	return app.setSchedule(ctx, schedule)
}

func (app *Application) setSchedule(ctx context.Context, schedule string) error {
	if err := app.client.SetSchedule(ctx, schedule); err != nil {
		return err
	}
	app.applyClientState()
	return nil
}

// SetEntityDisabled flips the disabled flag of a registry row. A disabled
// entity is withdrawn at once; a re-enabled one is announced again by the
// reconciliation that follows.
func (app *Application) SetEntityDisabled(uniqueID string, disabled bool) (registry.Entry, error) {
	row, err := app.integration.SetDisabled(uniqueID, disabled)
	if err != nil {
		return row, err
	}

	app.manager.Refresh()
	return row, nil
}

func (app *Application) requireLogin() (blueiris.LoginData, error) {
	if !app.client.IsLoggedIn() {
		return blueiris.LoginData{}, api.ErrNotReady
	}
	return app.client.Data(), nil
}

func (app *Application) requireAdmin() (blueiris.LoginData, error) {
	data, err := app.requireLogin()
	if err != nil {
		return data, err
	}
	if !data.Admin {
		return data, api.ErrForbidden
	}
	return data, nil
}

func (app *Application) requireCamera(cameraID string) error {
	if _, err := app.requireLogin(); err != nil {
		return err
	}

	snapshot := app.client.Snapshot()
	if _, ok := snapshot.Camera(cameraID); !ok {
		return fmt.Errorf("camera %s: %w", cameraID, api.ErrNotFound)
	}
	return nil
}

// The methods below feed the metrics state collector.

func (app *Application) IsLoggedIn() bool {
	return app.client.IsLoggedIn()
}

func (app *Application) Cameras() []blueiris.Camera {
	return app.client.Cameras()
}

func (app *Application) EntityCounts() map[string]int {
	counts := make(map[string]int, len(entities.Domains))
	for _, domain := range entities.Domains {
		counts[string(domain)] = len(app.manager.DomainEntities(domain))
	}
	return counts
}

func (app *Application) DeviceCount() int {
	return len(app.devices.Devices())
}

func (app *Application) LastUpdate() time.Time {
	return app.client.LastUpdate()
}
