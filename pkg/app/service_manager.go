package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/elad-bar/ha-blueiris/pkg/mqtt"
)

const (
	mqttService        = "mqtt"
	mqttConnectTimeout = 10 * time.Second
)

type Service interface {
	Start() error
	Stop() error
}

type ServiceManager struct {
	services map[string]Service
	order    []string
	started  []string
	logger   *logrus.Logger
}

func NewServiceManager(logger *logrus.Logger) *ServiceManager {
	return &ServiceManager{
		services: make(map[string]Service),
		logger:   logger,
	}
}

func (sm *ServiceManager) Register(name string, service Service) {
	sm.services[name] = service
	sm.order = append(sm.order, name)
	sm.logger.WithField("service", name).Debug("Service registered")
}

func (sm *ServiceManager) Get(name string) Service {
	if service, ok := sm.services[name]; ok {
		return service
	}
	return nil
}

// Names returns the registered services in start order.
func (sm *ServiceManager) Names() []string {
	return append([]string(nil), sm.order...)
}

// serviceAs returns the named service as T.
func serviceAs[T Service](sm *ServiceManager, name string) (T, bool) {
	service, ok := sm.Get(name).(T)
	if !ok && sm.Get(name) != nil {
		sm.logger.WithField("service", name).Error("Service type assertion failed")
	}
	return service, ok
}

func (sm *ServiceManager) GetMQTTClient() *mqtt.Client {
	client, _ := serviceAs[*mqtt.Client](sm, mqttService)
	return client
}

// StartAll connects MQTT first and then starts the other services in
// registration order. When a service fails, the ones already started are
// stopped again.
func (sm *ServiceManager) StartAll() error {
	sm.logger.Info("Starting application services...")

	if mqttClient := sm.GetMQTTClient(); mqttClient != nil {
		if err := mqttClient.Connect(); err != nil {
			return fmt.Errorf("MQTT connection failed: %w", err)
		}
		if err := mqttClient.WaitForConnection(mqttConnectTimeout); err != nil {
			mqttClient.Disconnect()
			return fmt.Errorf("MQTT connection timeout: %w", err)
		}
		sm.logger.Info("MQTT service started")
	}

	for _, name := range sm.order {
		if name == mqttService {
			continue
		}

		logger := sm.logger.WithField("service", name)
		logger.Debug("Starting service")
		if err := sm.services[name].Start(); err != nil {
			_ = sm.StopAll()
			return fmt.Errorf("failed to start service %s: %w", name, err)
		}
		sm.started = append(sm.started, name)
		logger.Debug("Service started")
	}

	sm.logger.WithField("services", len(sm.order)).Info("All services started successfully")
	return nil
}

// StopAll stops the started services in reverse order and disconnects MQTT
// last so the offline states still reach the broker.
func (sm *ServiceManager) StopAll() error {
	sm.logger.Info("Stopping application services...")

	var errs []error
	for i := len(sm.started) - 1; i >= 0; i-- {
		name := sm.started[i]

		logger := sm.logger.WithField("service", name)
		logger.Debug("Stopping service")
		if err := sm.services[name].Stop(); err != nil {
			logger.WithError(err).Error("Failed to stop service")
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		logger.Debug("Service stopped")
	}
	sm.started = nil

	if mqttClient := sm.GetMQTTClient(); mqttClient != nil {
		mqttClient.Disconnect()
		sm.logger.Debug("MQTT service disconnected")
	}

	sm.logger.Info("All services stopped")
	return errors.Join(errs...)
}
