package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/sirupsen/logrus"

	"github.com/elad-bar/ha-blueiris/pkg/api"
	"github.com/elad-bar/ha-blueiris/pkg/blueiris"
	"github.com/elad-bar/ha-blueiris/pkg/config"
	"github.com/elad-bar/ha-blueiris/pkg/devices"
	"github.com/elad-bar/ha-blueiris/pkg/entities"
	"github.com/elad-bar/ha-blueiris/pkg/generator"
	"github.com/elad-bar/ha-blueiris/pkg/homeassistant"
	"github.com/elad-bar/ha-blueiris/pkg/metrics"
	"github.com/elad-bar/ha-blueiris/pkg/mqtt"
	"github.com/elad-bar/ha-blueiris/pkg/passwords"
	"github.com/elad-bar/ha-blueiris/pkg/registry"
	"github.com/elad-bar/ha-blueiris/pkg/storage"
)

const corruptedKeyMessage = "Encryption key was corrupted and has been reset. " +
	"Encrypt the Blue Iris password again with --encrypt-password and update the configuration."

type Application struct {
	config   *config.Config
	logger   *logrus.Logger
	version  string
	services *ServiceManager
	handlers *EventHandlers

	store       *storage.Store
	passwords   *passwords.Manager
	registry    *registry.Registry
	client      *blueiris.Client
	devices     *devices.Manager
	mqtt        *mqtt.Client
	integration *homeassistant.Integration
	manager     *entities.Manager
	metrics     *metrics.Metrics
	generator   *generator.Generator
	poller      *Poller
}

func NewApplication(cfg *config.Config, logger *logrus.Logger, version string) *Application {
	app := &Application{
		config:  cfg,
		logger:  logger,
		version: version,
	}

	app.services = NewServiceManager(logger)
	app.handlers = NewEventHandlers(logger)

	return app
}

// Initialize builds every component and registers the services. Nothing
// talks to the network until Start.
func (app *Application) Initialize() error {
	app.logger.Info("Initializing application components...")

	cfg := app.config
	title := cfg.BlueIris.Title

	app.store = storage.NewStore(cfg.Storage.Path)
	app.passwords = passwords.NewManager(app.store, app.logger)

	app.registry = registry.New(app.store)
	if err := app.registry.Load(); err != nil {
		return fmt.Errorf("failed to load entity registry: %w", err)
	}

	password, notification, err := app.decryptPassword()
	if err != nil {
		return err
	}

	app.metrics = metrics.New(app.logger)

	app.client = blueiris.NewClient(blueiris.Options{
		BaseURL:   cfg.BlueIris.BaseURL(),
		Username:  cfg.BlueIris.Username,
		Password:  password,
		VerifySSL: cfg.BlueIris.VerifySSL,
		Timeout:   cfg.BlueIris.TimeoutDuration(),
		Retries:   cfg.BlueIris.Retries,
	}, app.logger)
	app.client.SetObserver(app.metrics)

	app.devices = devices.NewManager(title, app.logger)

	bridgeAvailabilityTopic := homeassistant.GenerateBridgeAvailabilityTopic(&cfg.HomeAssistant)

	app.mqtt, err = mqtt.NewClient(&cfg.MQTT, bridgeAvailabilityTopic, app.logger)
	if err != nil {
		return err
	}

	app.integration = homeassistant.NewIntegration(
		app.mqtt,
		&cfg.HomeAssistant,
		app.registry,
		app.devices,
		app.version,
		app.logger,
	)
	app.integration.SetDiagnosticsSource(app.diagnostics)

	app.manager = entities.NewManager(entities.Options{
		Title:               title,
		ExcludeSystemCamera: cfg.BlueIris.ExcludeSystemCamera,
		StreamType:          cfg.BlueIris.StreamType,
		Username:            cfg.BlueIris.Username,
		Password:            password,
		VerifySSL:           cfg.BlueIris.VerifySSL,
		TopicPattern:        cfg.BlueIris.MQTTTopic,
		AudioDeadTime:       cfg.BlueIris.AudioDeadTimeDuration(),
		Allowed:             cfg.Allowed,
	}, app.integration, app.registry, app.devices, app.logger)

	if err := app.metrics.RegisterState(app); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	app.generator = generator.New(cfg.Storage.ConfigDir, title, app.registry, app.logger)
	app.poller = NewPoller(cfg.BlueIris.ScanIntervalDuration(), app.RunCycle, app.logger)

	app.services.Register("mqtt", app.mqtt)
	app.services.Register("homeassistant", app.integration)
	app.services.Register("events", app.handlers)
	app.services.Register("poller", app.poller)
	if cfg.HTTP.Listen != "" {
		app.services.Register("api", api.NewServer(cfg.HTTP.Listen, app, app.metrics.Handler(), app.logger))
	}

	if err := app.handlers.SetupHandlers(app); err != nil {
		return err
	}

	if notification != "" {
		app.integration.Notify(notification)
	}

	return nil
}

// decryptPassword returns the clear Blue Iris password. A corrupted key is
// reset and reported through the returned notification instead of failing.
func (app *Application) decryptPassword() (string, string, error) {
	password, err := app.passwords.Decrypt(app.config.BlueIris.Password)
	if err == nil {
		return password, "", nil
	}

	if !errors.Is(err, passwords.ErrCorruptedKey) {
		return "", "", fmt.Errorf("failed to decrypt password: %w", err)
	}

	app.logger.WithError(err).Error("Encryption key is corrupted, resetting it")
	if resetErr := app.passwords.Reset(); resetErr != nil {
		return "", "", fmt.Errorf("failed to reset encryption key: %w", resetErr)
	}

	return "", corruptedKeyMessage, nil
}

func (app *Application) Start() error {
	return app.services.StartAll()
}

func (app *Application) Stop() error {
	err := app.services.StopAll()
	if closeErr := app.manager.Close(); closeErr != nil {
		app.logger.WithError(closeErr).Warn("Failed to close entity manager")
	}
	return err
}

// RunCycle logs in when needed, refreshes the server data and reconciles
// the entities.
func (app *Application) RunCycle(ctx context.Context) error {
	start := time.Now()
	logger := app.logger.WithField("cycle_id", uuid.Must(uuid.NewV4()).String())

	err := app.runCycle(ctx, logger)
	app.metrics.ObserveCycle(err, time.Since(start))

	return err
}

func (app *Application) runCycle(ctx context.Context, logger *logrus.Entry) error {
	if !app.client.IsLoggedIn() {
		if err := app.login(ctx, logger); err != nil {
			app.integration.PublishDiagnostics()
			return fmt.Errorf("failed to login: %w", err)
		}
	}

	snapshot, updateErr := app.client.Update(ctx)
	if updateErr != nil {
		logger.WithError(updateErr).Warn("Partial update from Blue Iris")
	}

	// An unknown camera list means nothing changed, not that every camera
	// was deleted.
	if !snapshot.CamerasLoaded {
		logger.Warn("No camera list received yet, skipping reconciliation")
		app.integration.PublishDiagnostics()
		return updateErr
	}

	app.devices.Update(snapshot)
	result := app.manager.Update(snapshot)
	app.metrics.ObserveReconcile(len(result.Added), len(result.Removed))

	if app.config.BlueIris.PublishSnapshots {
		app.publishSnapshots(ctx, logger)
	}
	app.generateConfigFiles(snapshot, logger)
	app.integration.PublishDiagnostics()

	logger.WithFields(logrus.Fields{
		"cameras": len(snapshot.Cameras),
		"added":   len(result.Added),
		"removed": len(result.Removed),
	}).Debug("Update cycle completed")

	return updateErr
}

// login initializes the client on the first cycle only. Later logins keep
// the cached camera list.
func (app *Application) login(ctx context.Context, logger *logrus.Entry) error {
	if app.client.State() == blueiris.StateNotInitialized {
		logger.Info("Initializing Blue Iris connection")
		return app.client.Initialize(ctx)
	}

	logger.WithField("state", app.client.State()).Info("Logging in to Blue Iris again")
	return app.client.Login(ctx)
}

func (app *Application) publishSnapshots(ctx context.Context, logger *logrus.Entry) {
	for _, entity := range app.manager.DomainEntities(entities.DomainCamera) {
		if entity.Disabled || entity.Status != entities.StatusReady {
			continue
		}

		image, err := app.client.Image(ctx, entity.ID)
		if err != nil {
			logger.WithError(err).WithField("camera", entity.ID).Debug("Failed to fetch snapshot")
			continue
		}
		if err := app.integration.PublishSnapshot(entity, image); err != nil {
			logger.WithError(err).WithField("camera", entity.ID).Warn("Failed to publish snapshot")
		}
	}
}

func (app *Application) generateConfigFiles(snapshot blueiris.Snapshot, logger *logrus.Entry) {
	title := app.config.BlueIris.Title

	data, err := app.store.Integration(title)
	if err != nil {
		logger.WithError(err).Warn("Failed to read integration data")
		return
	}
	if !data.GenerateConfigFiles {
		return
	}

	files, err := app.generator.Generate(snapshot, app.manager.Entities())
	if err != nil {
		logger.WithError(err).Error("Failed to generate config files")
		return
	}

	if err := app.store.SetGenerateConfigFiles(title, false); err != nil {
		logger.WithError(err).Warn("Failed to clear generate config files flag")
	}

	logger.WithField("files", files).Info("Config files generated")
}

// applyClientState reconciles against the data the client holds after a
// command changed the server state.
func (app *Application) applyClientState() {
	if !app.client.IsLoggedIn() {
		return
	}

	snapshot := app.client.Snapshot()
	if !snapshot.CamerasLoaded {
		return
	}
	app.manager.Update(snapshot)
}

func (app *Application) diagnostics() homeassistant.Diagnostics {
	status := app.Status()

	attributes := map[string]any{
		"cameras":  status.Cameras,
		"devices":  status.Devices,
		"entities": status.Entities,
		"admin":    status.Admin,
		"profile":  status.Profile,
		"schedule": status.Schedule,

		"mqtt_subscriptions": len(app.mqtt.Subscriptions()),
	}
	if status.Version != "" {
		attributes["server_version"] = status.Version
	}
	if status.SystemName != "" {
		attributes["system_name"] = status.SystemName
	}
	if status.LastUpdate != nil {
		attributes["last_update"] = status.LastUpdate.Format(time.RFC3339)
	}

	return homeassistant.Diagnostics{
		State:      status.State,
		Attributes: attributes,
	}
}

// ListCameras logs in and returns the cameras known to the server.
func (app *Application) ListCameras(ctx context.Context) ([]blueiris.Camera, error) {
	if err := app.client.Initialize(ctx); err != nil {
		return nil, err
	}

	snapshot, err := app.client.Update(ctx)
	if err != nil && len(snapshot.Cameras) == 0 {
		return nil, err
	}
	return snapshot.Cameras, nil
}

// Purge withdraws every entity the bridge ever announced and deletes the
// devices. Entities are read from the registry, so a purge works without a
// running bridge.
func (app *Application) Purge(ctx context.Context) error {
	// Camera events would only race the teardown.
	if err := app.mqtt.Unsubscribe(app.config.BlueIris.MQTTTopic); err != nil {
		return err
	}

	if err := app.mqtt.Connect(); err != nil {
		return fmt.Errorf("MQTT connection failed: %w", err)
	}
	defer app.mqtt.Disconnect()

	if err := app.mqtt.WaitForConnection(mqttConnectTimeout); err != nil {
		return fmt.Errorf("MQTT connection timeout: %w", err)
	}

	removed := app.manager.Teardown()

	var errs []error
	for _, row := range app.registry.Entries() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		entity := entities.Entity{
			UniqueID:   row.UniqueID,
			Name:       row.Name,
			Domain:     entities.Domain(row.Domain),
			DeviceName: row.DeviceName,
		}
		if err := app.integration.RemoveEntity(entity.Domain, entity); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, row.UniqueID)
	}

	app.devices.RemoveAll(nil)

	app.logger.WithField("entities", len(removed)).Info("Purged all entities")
	return errors.Join(errs...)
}
