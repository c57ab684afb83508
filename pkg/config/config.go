package config

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// NoneSelected is the allow-list sentinel that suppresses a whole category.
const NoneSelected = "none"

// DefaultStoragePath is the storage blob used when the config sets none.
const DefaultStoragePath = ".blueiris"

const (
	StreamTypeH264  = "H264"
	StreamTypeMJPEG = "MJPEG"
)

type Config struct {
	BlueIris      BlueIrisConfig      `yaml:"blueiris"`
	Allowed       AllowedConfig       `yaml:"allowed"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	Storage       StorageConfig       `yaml:"storage"`
	HTTP          HTTPConfig          `yaml:"http"`
	Logging       LoggingConfig       `yaml:"logging"`
}

type BlueIrisConfig struct {
	Title               string `yaml:"title"`
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	SSL                 bool   `yaml:"ssl"`
	VerifySSL           bool   `yaml:"verify_ssl"`
	Username            string `yaml:"username,omitempty"`
	Password            string `yaml:"password,omitempty"` // encrypted with --encrypt-password
	ExcludeSystemCamera bool   `yaml:"exclude_system_camera"`
	StreamType          string `yaml:"stream_type"`
	ScanInterval        int    `yaml:"scan_interval"`   // seconds
	Timeout             int    `yaml:"timeout"`         // seconds
	Retries             int    `yaml:"retries"`         // transport retries per call
	AudioDeadTime       int    `yaml:"audio_dead_time"` // seconds
	MQTTTopic           string `yaml:"mqtt_topic"`
	PublishSnapshots    bool   `yaml:"publish_snapshots"`
}

// AllowList gates entity generation per category. An unset list allows
// everything, a list holding NoneSelected allows nothing.
type AllowList []string

type AllowedConfig struct {
	Camera             AllowList `yaml:"camera,omitempty"`
	Profile            AllowList `yaml:"profile,omitempty"`
	Schedule           AllowList `yaml:"schedule,omitempty"`
	MotionSensor       AllowList `yaml:"motion_sensor,omitempty"`
	AudioSensor        AllowList `yaml:"audio_sensor,omitempty"`
	ConnectivitySensor AllowList `yaml:"connectivity_sensor,omitempty"`
	DIOSensor          AllowList `yaml:"dio_sensor,omitempty"`
	ExternalSensor     AllowList `yaml:"external_sensor,omitempty"`
}

type MQTTConfig struct {
	BrokerURL          string `yaml:"broker_url"`
	Username           string `yaml:"username,omitempty"`
	Password           string `yaml:"password,omitempty"`
	ClientID           string `yaml:"client_id"`
	QoS                byte   `yaml:"qos"`
	KeepAlive          int    `yaml:"keep_alive"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

type HomeAssistantConfig struct {
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	InstanceID      string `yaml:"instance_id,omitempty"` // Unique identifier for this instance
}

type StorageConfig struct {
	Path      string `yaml:"path"`
	ConfigDir string `yaml:"config_dir"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Allows reports whether id passes the list. Any of ids matching is enough,
// so callers can offer both a name and a numeric id.
func (a AllowList) Allows(ids ...string) bool {
	if len(a) == 0 {
		return true
	}
	if slices.Contains(a, NoneSelected) {
		return false
	}
	for _, id := range ids {
		if slices.Contains(a, id) {
			return true
		}
	}
	return false
}

func (m *MQTTConfig) IsSecure() bool {
	return strings.HasPrefix(m.BrokerURL, "mqtts://") || strings.HasPrefix(m.BrokerURL, "wss://")
}

func (b *BlueIrisConfig) Protocol() string {
	if b.SSL {
		return "https"
	}
	return "http"
}

func (b *BlueIrisConfig) BaseURL() string {
	return fmt.Sprintf("%s://%s:%d", b.Protocol(), b.Host, b.Port)
}

func (b *BlueIrisConfig) HasCredentials() bool {
	return b.Username != "" || b.Password != ""
}

func (b *BlueIrisConfig) ScanIntervalDuration() time.Duration {
	return time.Duration(b.ScanInterval) * time.Second
}

func (b *BlueIrisConfig) TimeoutDuration() time.Duration {
	return time.Duration(b.Timeout) * time.Second
}

func (b *BlueIrisConfig) AudioDeadTimeDuration() time.Duration {
	return time.Duration(b.AudioDeadTime) * time.Second
}

func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) setDefaults() {
	c.setBlueIrisDefaults()
	c.setMQTTDefaults()
	c.setHomeAssistantDefaults()
	c.setStorageDefaults()
	c.setLoggingDefaults()
}

func (c *Config) setBlueIrisDefaults() {
	if c.BlueIris.Title == "" {
		c.BlueIris.Title = "BlueIris"
	}
	if c.BlueIris.Port == 0 {
		c.BlueIris.Port = 80
	}
	if c.BlueIris.StreamType == "" {
		c.BlueIris.StreamType = StreamTypeH264
	}
	if c.BlueIris.ScanInterval == 0 {
		c.BlueIris.ScanInterval = 30
	}
	if c.BlueIris.Timeout == 0 {
		c.BlueIris.Timeout = 10
	}
	if c.BlueIris.Retries == 0 {
		c.BlueIris.Retries = 2
	}
	if c.BlueIris.AudioDeadTime == 0 {
		c.BlueIris.AudioDeadTime = 2
	}
	if c.BlueIris.MQTTTopic == "" {
		c.BlueIris.MQTTTopic = "BlueIris/+/Status"
	}
}

func (c *Config) setMQTTDefaults() {
	defaults := map[string]any{
		"broker_url": "mqtt://localhost:1883",
		"client_id":  "ha-blueiris-bridge",
		"qos":        byte(1),
		"keep_alive": 60,
	}

	if c.MQTT.BrokerURL == "" {
		c.MQTT.BrokerURL = defaults["broker_url"].(string)
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = defaults["client_id"].(string)
	}
	if c.MQTT.QoS == 0 {
		c.MQTT.QoS = defaults["qos"].(byte)
	}
	if c.MQTT.KeepAlive == 0 {
		c.MQTT.KeepAlive = defaults["keep_alive"].(int)
	}
}

func (c *Config) setHomeAssistantDefaults() {
	if c.HomeAssistant.DiscoveryPrefix == "" {
		c.HomeAssistant.DiscoveryPrefix = "homeassistant"
	}
}

func (c *Config) setStorageDefaults() {
	if c.Storage.Path == "" {
		c.Storage.Path = DefaultStoragePath
	}
	if c.Storage.ConfigDir == "" {
		c.Storage.ConfigDir = "."
	}
}

func (c *Config) setLoggingDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *Config) validate() error {
	if err := c.validateBlueIris(); err != nil {
		return err
	}
	if err := c.validateMQTT(); err != nil {
		return err
	}
	if err := c.validateHomeAssistant(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateBlueIris() error {
	if c.BlueIris.Host == "" {
		return fmt.Errorf("blueiris.host is required")
	}
	if c.BlueIris.Port < 1 || c.BlueIris.Port > 65535 {
		return fmt.Errorf("blueiris.port must be between 1 and 65535 (got %d)", c.BlueIris.Port)
	}
	if _, err := url.Parse(c.BlueIris.BaseURL()); err != nil {
		return fmt.Errorf("invalid blueiris host '%s': %w", c.BlueIris.Host, err)
	}

	validStreamTypes := []string{StreamTypeH264, StreamTypeMJPEG}
	if !slices.Contains(validStreamTypes, strings.ToUpper(c.BlueIris.StreamType)) {
		return fmt.Errorf("blueiris.stream_type '%s' must be one of: %s",
			c.BlueIris.StreamType, strings.Join(validStreamTypes, ", "))
	}
	c.BlueIris.StreamType = strings.ToUpper(c.BlueIris.StreamType)

	if c.BlueIris.ScanInterval < 5 {
		return fmt.Errorf("blueiris.scan_interval must be at least 5 seconds (got %d)", c.BlueIris.ScanInterval)
	}
	if c.BlueIris.Retries < 0 || c.BlueIris.Retries > 5 {
		return fmt.Errorf("blueiris.retries must be between 0 and 5 (got %d)", c.BlueIris.Retries)
	}
	if c.BlueIris.AudioDeadTime < 1 {
		return fmt.Errorf("blueiris.audio_dead_time must be at least 1 second (got %d)", c.BlueIris.AudioDeadTime)
	}
	if strings.Count(c.BlueIris.MQTTTopic, "+") != 1 {
		return fmt.Errorf("blueiris.mqtt_topic '%s' must contain exactly one '+' wildcard for the camera id",
			c.BlueIris.MQTTTopic)
	}

	return nil
}

func (c *Config) validateMQTT() error {
	if c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url is required")
	}

	if _, err := url.Parse(c.MQTT.BrokerURL); err != nil {
		return fmt.Errorf("invalid mqtt.broker_url '%s': %w", c.MQTT.BrokerURL, err)
	}

	validSchemes := []string{"mqtt://", "mqtts://", "ws://", "wss://"}
	for _, scheme := range validSchemes {
		if strings.HasPrefix(c.MQTT.BrokerURL, scheme) {
			return c.validateMQTTParams()
		}
	}

	return fmt.Errorf("mqtt.broker_url '%s' must use one of: %s", c.MQTT.BrokerURL, strings.Join(validSchemes, ", "))
}

func (c *Config) validateMQTTParams() error {
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1, or 2 (got %d)", c.MQTT.QoS)
	}
	if c.MQTT.KeepAlive < 10 {
		return fmt.Errorf("mqtt.keep_alive must be at least 10 seconds (got %d)", c.MQTT.KeepAlive)
	}
	return nil
}

func (c *Config) validateHomeAssistant() error {
	if c.HomeAssistant.DiscoveryPrefix == "" {
		return fmt.Errorf("homeassistant.discovery_prefix is required")
	}

	if c.HomeAssistant.InstanceID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname for instance_id: %w", err)
		}
		c.HomeAssistant.InstanceID = hostname
	}

	return nil
}

func (c *Config) validateLogging() error {
	validLogLevels := []string{"debug", "info", "warn", "warning", "error", "fatal", "panic"}
	logLevel := strings.ToLower(c.Logging.Level)
	if !slices.Contains(validLogLevels, logLevel) {
		return fmt.Errorf("logging.level '%s' must be one of: %s",
			c.Logging.Level, strings.Join(validLogLevels, ", "))
	}

	validLogFormats := []string{"text", "json"}
	logFormat := strings.ToLower(c.Logging.Format)
	if !slices.Contains(validLogFormats, logFormat) {
		return fmt.Errorf("logging.format '%s' must be one of: %s",
			c.Logging.Format, strings.Join(validLogFormats, ", "))
	}

	return nil
}
