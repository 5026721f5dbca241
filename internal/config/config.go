package config

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/obdlog/internal/errors"
	"github.com/shaunagostinho/obdlog/internal/logger"
)

const (
	DefaultPath = "/etc/obdlog/obdlog.yaml"
	EnvPrefix   = "OBDLOG"

	TransportSerial   = "serial"
	TransportRFCOMM   = "rfcomm"
	TransportEmulator = "emulator"
)

// Config holds all logger configuration.
type Config struct {
	mu sync.RWMutex

	Device      DeviceConfig      `yaml:"device" json:"device" mapstructure:"device"`
	Acquisition AcquisitionConfig `yaml:"acquisition" json:"acquisition" mapstructure:"acquisition"`
	Store       StoreConfig       `yaml:"store" json:"store" mapstructure:"store"`
	Server      ServerConfig      `yaml:"server" json:"server" mapstructure:"server"`
	Export      ExportConfig      `yaml:"export" json:"export" mapstructure:"export"`
	MQTT        MQTTConfig        `yaml:"mqtt" json:"mqtt" mapstructure:"mqtt"`
	Log         LogConfig         `yaml:"log" json:"log" mapstructure:"log"`

	path string // file path for save/load
}

type DeviceConfig struct {
	Transport string `yaml:"transport" json:"transport" mapstructure:"transport"` // "serial", "rfcomm" or "emulator"
	Address   string `yaml:"address" json:"address" mapstructure:"address"`       // tty path or AA:BB:CC:DD:EE:FF
	BaudRate  int    `yaml:"baud_rate" json:"baudRate" mapstructure:"baud_rate"`
	Channel   int    `yaml:"channel" json:"channel" mapstructure:"channel"` // RFCOMM channel
}

type AcquisitionConfig struct {
	IntervalMs       int  `yaml:"interval_ms" json:"intervalMs" mapstructure:"interval_ms"`
	EpsilonMs        int  `yaml:"epsilon_ms" json:"epsilonMs" mapstructure:"epsilon_ms"`
	CommandTimeoutMs int  `yaml:"command_timeout_ms" json:"commandTimeoutMs" mapstructure:"command_timeout_ms"`
	ProtocolTimeout  int  `yaml:"protocol_timeout" json:"protocolTimeout" mapstructure:"protocol_timeout"` // ATST argument, 0-255
	PIDRetries       int  `yaml:"pid_retries" json:"pidRetries" mapstructure:"pid_retries"`
	Throttle         bool `yaml:"throttle" json:"throttle" mapstructure:"throttle"`
	FuelRate         bool `yaml:"fuel_rate" json:"fuelRate" mapstructure:"fuel_rate"`
}

// Interval is the target tick period.
func (a AcquisitionConfig) Interval() time.Duration {
	return time.Duration(a.IntervalMs) * time.Millisecond
}

// Epsilon is subtracted from every corrected delay.
func (a AcquisitionConfig) Epsilon() time.Duration {
	return time.Duration(a.EpsilonMs) * time.Millisecond
}

func (a AcquisitionConfig) CommandTimeout() time.Duration {
	return time.Duration(a.CommandTimeoutMs) * time.Millisecond
}

type StoreConfig struct {
	Path string `yaml:"path" json:"path" mapstructure:"path"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr" mapstructure:"listen_addr"`
}

type ExportConfig struct {
	Path string `yaml:"path" json:"path" mapstructure:"path"`
	Live bool   `yaml:"live" json:"live" mapstructure:"live"` // append samples to CSV while recording
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Broker   string `yaml:"broker" json:"broker" mapstructure:"broker"`
	Port     int    `yaml:"port" json:"port" mapstructure:"port"`
	ClientID string `yaml:"client_id" json:"clientId" mapstructure:"client_id"`
	Topic    string `yaml:"topic" json:"topic" mapstructure:"topic"`
	Username string `yaml:"username" json:"username" mapstructure:"username"`
	Password string `yaml:"password" json:"-" mapstructure:"password"`
}

type LogConfig struct {
	Level   string `yaml:"level" json:"level" mapstructure:"level"`
	Console bool   `yaml:"console" json:"console" mapstructure:"console"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Transport: TransportSerial,
			Address:   "",
			BaudRate:  38400,
			Channel:   1,
		},
		Acquisition: AcquisitionConfig{
			IntervalMs:       1000,
			EpsilonMs:        1,
			CommandTimeoutMs: 2000,
			ProtocolTimeout:  255,
			PIDRetries:       0,
			Throttle:         true,
			FuelRate:         false,
		},
		Store: StoreConfig{
			Path: "/var/lib/obdlog/obdlog.db",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Export: ExportConfig{
			Path: "/var/lib/obdlog/export",
		},
		MQTT: MQTTConfig{
			Enabled:  false,
			Broker:   "localhost",
			Port:     1883,
			ClientID: "obdlog",
			Topic:    "obdlog",
		},
		Log: LogConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// flagKeys maps command-line flag names onto config keys.
var flagKeys = map[string]string{
	"transport": "device.transport",
	"address":   "device.address",
	"baud":      "device.baud_rate",
	"channel":   "device.channel",
	"db":        "store.path",
	"listen":    "server.listen_addr",
	"log-level": "log.level",
}

// Load reads config from a YAML file, then applies OBDLOG_* environment
// variables and any flags the caller set. A missing file falls back to
// defaults; a present but unreadable one is an error.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	errFactory := errors.New()
	log := logger.For("config")

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("obdlog")
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Dir(DefaultPath))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
		log.Info().Str("path", path).Msg("no config file, using defaults")
	} else {
		log.Info().Str("path", v.ConfigFileUsed()).Msg("loaded config")
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, errFactory.Wrap(errors.ErrReadConfig, err)
				}
			}
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}
	cfg.path = v.ConfigFileUsed()
	if cfg.path == "" {
		cfg.path = path
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("device.transport", d.Device.Transport)
	v.SetDefault("device.address", d.Device.Address)
	v.SetDefault("device.baud_rate", d.Device.BaudRate)
	v.SetDefault("device.channel", d.Device.Channel)

	v.SetDefault("acquisition.interval_ms", d.Acquisition.IntervalMs)
	v.SetDefault("acquisition.epsilon_ms", d.Acquisition.EpsilonMs)
	v.SetDefault("acquisition.command_timeout_ms", d.Acquisition.CommandTimeoutMs)
	v.SetDefault("acquisition.protocol_timeout", d.Acquisition.ProtocolTimeout)
	v.SetDefault("acquisition.pid_retries", d.Acquisition.PIDRetries)
	v.SetDefault("acquisition.throttle", d.Acquisition.Throttle)
	v.SetDefault("acquisition.fuel_rate", d.Acquisition.FuelRate)

	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("server.listen_addr", d.Server.ListenAddr)
	v.SetDefault("export.path", d.Export.Path)
	v.SetDefault("export.live", d.Export.Live)

	v.SetDefault("mqtt.enabled", d.MQTT.Enabled)
	v.SetDefault("mqtt.broker", d.MQTT.Broker)
	v.SetDefault("mqtt.port", d.MQTT.Port)
	v.SetDefault("mqtt.client_id", d.MQTT.ClientID)
	v.SetDefault("mqtt.topic", d.MQTT.Topic)
	v.SetDefault("mqtt.username", d.MQTT.Username)
	v.SetDefault("mqtt.password", d.MQTT.Password)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.console", d.Log.Console)
}

// Validate rejects values the pipeline cannot run with. An empty device
// address is accepted here; it is reported when acquisition starts.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validate()
}

func (c *Config) validate() error {
	errFactory := errors.New()

	switch c.Device.Transport {
	case TransportSerial:
		if c.Device.BaudRate <= 0 {
			return errFactory.WithMessage(errors.ErrInvalidConfig, fmt.Sprintf("baud rate %d", c.Device.BaudRate))
		}
	case TransportRFCOMM:
		if c.Device.Channel < 1 || c.Device.Channel > 30 {
			return errFactory.WithMessage(errors.ErrInvalidConfig, fmt.Sprintf("rfcomm channel %d out of range 1-30", c.Device.Channel))
		}
	case TransportEmulator:
	default:
		return errFactory.WithData(errors.ErrUnknownTransport, c.Device.Transport)
	}

	a := c.Acquisition
	if a.IntervalMs <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, a.IntervalMs)
	}
	if a.EpsilonMs < 0 || a.EpsilonMs >= a.IntervalMs {
		return errFactory.WithMessage(errors.ErrInvalidConfig, fmt.Sprintf("epsilon %dms must be in [0, interval)", a.EpsilonMs))
	}
	if a.CommandTimeoutMs <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "command timeout must be positive")
	}
	if a.ProtocolTimeout < 0 || a.ProtocolTimeout > 255 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, fmt.Sprintf("protocol timeout %d out of range 0-255", a.ProtocolTimeout))
	}
	if a.PIDRetries < 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "pid retries must not be negative")
	}

	if c.Store.Path == "" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "store path is empty")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "mqtt enabled without broker")
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// DeviceSettings returns a copy of the device section.
func (c *Config) DeviceSettings() DeviceConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Device
}

// AcquisitionSettings returns a copy of the acquisition section.
func (c *Config) AcquisitionSettings() AcquisitionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Acquisition
}

// Path returns the file the config was loaded from, if any.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.path
	if path == "" {
		path = DefaultPath
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// SaveAs sets the config path and saves.
func (c *Config) SaveAs(path string) error {
	c.mu.Lock()
	c.path = path
	c.mu.Unlock()
	return c.Save()
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. The merged result must
// validate before it replaces the current values.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return errors.New().Wrap(errors.ErrInvalidArgument, err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}

	// password is not serialized; carry it over
	next := &Config{MQTT: MQTTConfig{Password: c.MQTT.Password}}
	if err := json.Unmarshal(merged, next); err != nil {
		return errors.New().Wrap(errors.ErrInvalidArgument, err)
	}
	if err := next.validate(); err != nil {
		return err
	}

	c.Device = next.Device
	c.Acquisition = next.Acquisition
	c.Store = next.Store
	c.Server = next.Server
	c.Export = next.Export
	c.MQTT = next.MQTT
	c.Log = next.Log
	return nil
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
