package mqtt

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/elad-bar/ha-blueiris/pkg/config"
)

// MessageHandler receives messages of a subscription.
type MessageHandler func(topic string, payload []byte)

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Client represents an MQTT client with auto-reconnection capabilities.
// Subscriptions are kept and restored after every reconnect.
type Client struct {
	client        mqtt.Client
	config        *config.MQTTConfig
	logger        *logrus.Logger
	connected     bool
	mutex         sync.RWMutex
	willTopic     string
	onConnect     func()
	onDisconnect  func()
	subsMutex     sync.RWMutex
	subscriptions map[string]subscription
}

// NewClient creates a new MQTT client
func NewClient(cfg *config.MQTTConfig, willTopic string, logger *logrus.Logger) (*Client, error) {
	c := &Client{
		config:        cfg,
		logger:        logger,
		willTopic:     willTopic,
		subscriptions: make(map[string]subscription),
	}

	opts := c.buildClientOptions()
	c.client = mqtt.NewClient(opts)

	return c, nil
}

func (c *Client) buildClientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(c.config.BrokerURL).
		SetClientID(c.config.ClientID).
		SetKeepAlive(time.Duration(c.config.KeepAlive) * time.Second).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(60 * time.Second).
		SetConnectRetryInterval(2 * time.Second).
		SetConnectRetry(true).
		SetConnectTimeout(10 * time.Second).
		SetPingTimeout(5 * time.Second).
		SetWriteTimeout(5 * time.Second).
		SetOnConnectHandler(c.handleConnect).
		SetConnectionLostHandler(c.handleDisconnect)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		if c.config.Password != "" {
			opts.SetPassword(c.config.Password)
		}
	}

	if c.config.IsSecure() {
		opts.SetTLSConfig(&tls.Config{
			InsecureSkipVerify: c.config.InsecureSkipVerify, // #nosec G402 - configurable for dev environments
		})
	}

	// Bridge availability, retained
	if c.willTopic != "" {
		opts.SetWill(c.willTopic, "offline", c.config.QoS, true)
	}

	return opts
}

func (c *Client) SetOnConnectCallback(callback func()) {
	c.onConnect = callback
}

func (c *Client) SetOnDisconnectCallback(callback func()) {
	c.onDisconnect = callback
}

// Start starts the MQTT client (implements Service interface)
func (c *Client) Start() error {
	return c.Connect()
}

// Connect connects to the MQTT broker
func (c *Client) Connect() error {
	c.logger.Infof("Connecting to MQTT broker: %s", c.config.BrokerURL)

	token := c.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return nil
}

// Stop stops the MQTT client (implements Service interface)
func (c *Client) Stop() error {
	c.Disconnect()
	return nil
}

func (c *Client) Disconnect() {
	c.logger.Info("Disconnecting from MQTT broker")

	if c.willTopic != "" && c.IsConnected() {
		_ = c.Publish(c.willTopic, "offline", true)
	}

	c.client.Disconnect(250)
	c.setConnected(false)
}

// Publish publishes a text payload to topic.
func (c *Client) Publish(topic, payload string, retain bool) error {
	return c.publish(topic, payload, retain)
}

// PublishBytes publishes a binary payload such as a camera image.
func (c *Client) PublishBytes(topic string, payload []byte, retain bool) error {
	return c.publish(topic, payload, retain)
}

func (c *Client) publish(topic string, payload any, retain bool) error {
	if !c.IsConnected() {
		c.logger.Debugf("MQTT not connected, cannot publish to %s", topic)
		return fmt.Errorf("MQTT client is not connected")
	}

	if text, ok := payload.(string); ok {
		c.logger.Debugf("Publishing to topic %s: %s", topic, text)
	} else {
		c.logger.Debugf("Publishing binary payload to topic %s", topic)
	}

	token := c.client.Publish(topic, c.config.QoS, retain, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		c.logger.Errorf("Failed to publish to %s: %v", topic, err)
		return err
	}

	return nil
}

// PublishWithRetry publishes a retained message, retrying while the broker
// is unreachable.
func (c *Client) PublishWithRetry(topic, payload string, maxRetries int, retryDelay time.Duration) error {
	logger := c.logger.WithField("topic", topic)

	var err error
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		if err = c.Publish(topic, payload, true); err == nil {
			return nil
		}

		logger.WithError(err).WithField("attempt", attempt).Debug("Publish attempt failed")
		if attempt <= maxRetries {
			time.Sleep(retryDelay)
		}
	}

	return fmt.Errorf("failed to publish to %s after %d attempts: %w", topic, maxRetries+1, err)
}

// Subscribe registers handler for topic. When disconnected the subscription
// is only recorded and applied on the next connect.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	c.subsMutex.Lock()
	c.subscriptions[topic] = subscription{qos: qos, handler: handler}
	c.subsMutex.Unlock()

	if !c.IsConnected() {
		c.logger.Debugf("MQTT not connected, deferring subscription to %s", topic)
		return nil
	}

	return c.subscribe(topic, subscription{qos: qos, handler: handler})
}

func (c *Client) subscribe(topic string, sub subscription) error {
	token := c.client.Subscribe(topic, sub.qos, func(_ mqtt.Client, msg mqtt.Message) {
		sub.handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	c.logger.Infof("Subscribed to %s", topic)
	return nil
}

func (c *Client) Unsubscribe(topic string) error {
	c.subsMutex.Lock()
	delete(c.subscriptions, topic)
	c.subsMutex.Unlock()

	if !c.IsConnected() {
		return nil
	}

	token := c.client.Unsubscribe(topic)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", topic, err)
	}
	return nil
}

// Subscriptions returns the topics currently registered.
func (c *Client) Subscriptions() []string {
	c.subsMutex.RLock()
	defer c.subsMutex.RUnlock()

	topics := make([]string, 0, len(c.subscriptions))
	for topic := range c.subscriptions {
		topics = append(topics, topic)
	}
	return topics
}

func (c *Client) resubscribe() {
	c.subsMutex.RLock()
	subs := make(map[string]subscription, len(c.subscriptions))
	for topic, sub := range c.subscriptions {
		subs[topic] = sub
	}
	c.subsMutex.RUnlock()

	for topic, sub := range subs {
		if err := c.subscribe(topic, sub); err != nil {
			c.logger.Error(err)
		}
	}
}

func (c *Client) IsConnected() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.connected && c.client.IsConnected()
}

func (c *Client) setConnected(connected bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.connected = connected
}

func (c *Client) handleConnect(client mqtt.Client) {
	c.setConnected(true)
	c.logger.WithField("broker", c.config.BrokerURL).Info("MQTT client connected")

	if c.willTopic != "" {
		if err := c.Publish(c.willTopic, "online", true); err != nil {
			c.logger.WithError(err).Error("Failed to publish online status")
		}
	}

	// Clean sessions drop subscriptions on the broker side.
	c.resubscribe()

	if c.onConnect != nil {
		c.onConnect()
	}
}

func (c *Client) handleDisconnect(client mqtt.Client, err error) {
	c.logger.WithError(err).Error("MQTT connection lost, reconnecting")
	c.setConnected(false)

	if c.onDisconnect != nil {
		c.onDisconnect()
	}
}

// WaitForConnection waits for the client to connect, with a timeout
func (c *Client) WaitForConnection(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.IsConnected() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for MQTT connection")
}
