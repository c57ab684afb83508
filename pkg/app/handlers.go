package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/elad-bar/ha-blueiris/pkg/devices"
	"github.com/elad-bar/ha-blueiris/pkg/entities"
)

const commandTimeout = 30 * time.Second

// EventHandlers manages all event handling logic
type EventHandlers struct {
	logger *logrus.Logger

	// refreshes coalesces refresh requests from MQTT callbacks so paho's
	// router goroutine never waits on a reconciliation.
	refreshes chan struct{}
	refresh   func()

	mutex  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEventHandlers creates a new event handlers instance
func NewEventHandlers(logger *logrus.Logger) *EventHandlers {
	return &EventHandlers{
		logger:    logger,
		refreshes: make(chan struct{}, 1),
	}
}

// SetupHandlers configures all event handlers between services
func (h *EventHandlers) SetupHandlers(app *Application) error {
	h.refresh = func() { app.manager.Refresh() }

	// Camera events published by Blue Iris
	topic := app.config.BlueIris.MQTTTopic
	if err := app.mqtt.Subscribe(topic, app.config.MQTT.QoS, h.createStatusHandler(app)); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	// Switch commands from Home Assistant
	app.integration.SetCommandHandler(h.createCommandHandler(app))

	// State publishing after every reconciliation
	app.manager.SetOnUpdateCallback(func(domain entities.Domain, items []entities.Entity) {
		app.integration.PublishStates(domain, items)
	})

	app.devices.SetOnRemoveCallback(func(device devices.Device) {
		h.logger.WithFields(logrus.Fields{
			"device":     device.Name,
			"identifier": device.Identifier,
		}).Info("Device removed")
	})

	return nil
}

// Start starts the refresh worker (implements Service interface).
func (h *EventHandlers) Start() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	h.wg.Add(1)
	go h.refreshLoop(ctx)

	return nil
}

func (h *EventHandlers) Stop() error {
	h.mutex.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.mutex.Unlock()

	if cancel != nil {
		cancel()
		h.wg.Wait()
	}
	return nil
}

// RequestRefresh schedules a reconciliation against the last snapshot.
func (h *EventHandlers) RequestRefresh() {
	select {
	case h.refreshes <- struct{}{}:
	default:
	}
}

func (h *EventHandlers) refreshLoop(ctx context.Context) {
	defer h.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.refreshes:
			if h.refresh != nil {
				h.refresh()
			}
		}
	}
}

// createStatusHandler creates a handler for camera status messages
func (h *EventHandlers) createStatusHandler(app *Application) func(string, []byte) {
	pattern := app.config.BlueIris.MQTTTopic

	return func(topic string, payload []byte) {
		cameraID, ok := entities.CameraFromTopic(pattern, topic)
		if !ok {
			h.logger.WithField("topic", topic).Debug("Ignoring message outside the camera topic")
			return
		}

		event, err := entities.ParseEvent(topic, payload)
		if err != nil {
			h.logger.WithError(err).WithField("camera", cameraID).Warn("Failed to parse camera event")
			return
		}

		accepted := app.manager.HandleEvent(event)
		app.metrics.ObserveEvent(event.EventType, accepted)

		h.logger.WithFields(logrus.Fields{
			"camera":     cameraID,
			"event_type": event.EventType,
			"value":      event.Value,
			"accepted":   accepted,
		}).Debug("Camera event received")

		if accepted {
			h.RequestRefresh()
		}
	}
}

// createCommandHandler creates a handler for switch commands. Turning a
// profile switch off activates profile 0; schedules can only be switched on.
func (h *EventHandlers) createCommandHandler(app *Application) func(entities.Entity, bool) {
	return func(entity entities.Entity, on bool) {
		if entity.Switch == nil {
			return
		}

		logger := h.logger.WithFields(logrus.Fields{
			"entity": entity.Name,
			"kind":   entity.Switch.Kind,
			"on":     on,
		})

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()

			var err error
			switch entity.Switch.Kind {
			case entities.SwitchProfile:
				profile := entity.Switch.ProfileID
				if !on {
					profile = 0
				}
				err = app.setProfile(ctx, profile)
			case entities.SwitchSchedule:
				if !on {
					logger.Info("Schedules cannot be switched off, select another schedule instead")
					return
				}
				err = app.setSchedule(ctx, entity.Switch.Schedule)
			default:
				logger.Warn("Unknown switch kind")
				return
			}

			if err != nil {
				logger.WithError(err).Error("Switch command failed")
				return
			}
			logger.Info("Switch command applied")
		}()
	}
}
