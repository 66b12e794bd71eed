package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// FileName is the config file looked up in the config directory.
const FileName = "livemap.cfg.json"

// EnvPrefix prefixes environment overrides, e.g. LIVEMAP_SERVER_ADDRESS.
const EnvPrefix = "LIVEMAP"

// Run modes.
const (
	ModeSimulation = "simulation"
	ModeLive       = "live"
)

// ServerConfig holds the viewer endpoint settings
type ServerConfig struct {
	Address         string        `json:"address" mapstructure:"address" validate:"required"`
	CertFile        string        `json:"certFile" mapstructure:"certFile" validate:"required"`
	KeyFile         string        `json:"keyFile" mapstructure:"keyFile" validate:"required"`
	ShutdownTimeout time.Duration `json:"shutdownTimeout" mapstructure:"shutdownTimeout" validate:"gt=0"`
}

// SchedulerConfig holds the broadcast tick intervals per mode
type SchedulerConfig struct {
	LiveInterval time.Duration `json:"liveInterval" mapstructure:"liveInterval" validate:"gt=0"`
	SimInterval  time.Duration `json:"simInterval" mapstructure:"simInterval" validate:"gt=0"`
}

// Interval returns the tick interval for mode.
func (c SchedulerConfig) Interval(mode string) time.Duration {
	if mode == ModeSimulation {
		return c.SimInterval
	}
	return c.LiveInterval
}

// SimulatorConfig holds the waypoint simulator settings
type SimulatorConfig struct {
	PathsFile  string `json:"pathsFile" mapstructure:"pathsFile"`
	Seed       uint64 `json:"seed" mapstructure:"seed"`
	Retransmit bool   `json:"retransmit" mapstructure:"retransmit"`
}

// RegistryConfig holds per-viewer queue settings
type RegistryConfig struct {
	SendQueueSize int           `json:"sendQueueSize" mapstructure:"sendQueueSize" validate:"gte=1"`
	WriteTimeout  time.Duration `json:"writeTimeout" mapstructure:"writeTimeout" validate:"gt=0"`
}

// SessionConfig holds per-viewer inbound limits
type SessionConfig struct {
	UpdateRateLimit float64 `json:"updateRateLimit" mapstructure:"updateRateLimit" validate:"gte=0"`
	UpdateBurst     int     `json:"updateBurst" mapstructure:"updateBurst" validate:"gte=1"`
	MaxMessageBytes int64   `json:"maxMessageBytes" mapstructure:"maxMessageBytes" validate:"gte=64"`
}

// UDPConfig holds the UDP mesh transport settings
type UDPConfig struct {
	ListenAddress    string `json:"listenAddress" mapstructure:"listenAddress"`
	BroadcastAddress string `json:"broadcastAddress" mapstructure:"broadcastAddress"`
}

// MQTTConfig holds the MQTT mesh gateway settings
type MQTTConfig struct {
	Broker   string `json:"broker" mapstructure:"broker"`
	Topic    string `json:"topic" mapstructure:"topic"`
	ClientID string `json:"clientId" mapstructure:"clientId"`
}

// MeshConfig holds the mesh receiver settings
type MeshConfig struct {
	Enabled   bool       `json:"enabled" mapstructure:"enabled"`
	Transport string     `json:"transport" mapstructure:"transport" validate:"oneof=udp mqtt"`
	QueueSize int        `json:"queueSize" mapstructure:"queueSize" validate:"gte=1"`
	UDP       UDPConfig  `json:"udp" mapstructure:"udp"`
	MQTT      MQTTConfig `json:"mqtt" mapstructure:"mqtt"`
}

// FeedConfig holds the GTFS-RT poller settings
type FeedConfig struct {
	GTFSRTURL string        `json:"gtfsrtUrl" mapstructure:"gtfsrtUrl" validate:"omitempty,url"`
	Interval  time.Duration `json:"interval" mapstructure:"interval" validate:"gt=0"`
	Timeout   time.Duration `json:"timeout" mapstructure:"timeout" validate:"gt=0"`
}

// ProximityConfig holds the proximity alert settings
type ProximityConfig struct {
	Enabled         bool    `json:"enabled" mapstructure:"enabled"`
	ThresholdMeters float64 `json:"thresholdMeters" mapstructure:"thresholdMeters" validate:"gt=0"`
}

// SQLiteConfig holds SQLite checkpoint settings
type SQLiteConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// StorageConfig holds checkpoint backend settings
type StorageConfig struct {
	Type          string        `json:"type" mapstructure:"type" validate:"oneof=memory sqlite postgres mysql"`
	FlushInterval time.Duration `json:"flushInterval" mapstructure:"flushInterval" validate:"gt=0"`
	SQLite        SQLiteConfig  `json:"sqlite" mapstructure:"sqlite"`
}

// DBConfig holds Postgres or MySQL connection settings
type DBConfig struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
}

// InfluxConfig holds InfluxDB metrics settings
type InfluxConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Protocol string `json:"protocol" mapstructure:"protocol"`
	Token    string `json:"token" mapstructure:"token"`
	Org      string `json:"org" mapstructure:"org"`
	Bucket   string `json:"bucket" mapstructure:"bucket"`
}

// OTelConfig holds OpenTelemetry settings
type OTelConfig struct {
	Enabled         bool          `json:"enabled" mapstructure:"enabled"`
	ServiceName     string        `json:"serviceName" mapstructure:"serviceName"`
	BatchTimeout    time.Duration `json:"batchTimeout" mapstructure:"batchTimeout"`
	Endpoint        string        `json:"endpoint" mapstructure:"endpoint"`
	Insecure        bool          `json:"insecure" mapstructure:"insecure"`
	MetricsInterval time.Duration `json:"metricsInterval" mapstructure:"metricsInterval"`
}

// MonitorConfig holds the status sampler settings
type MonitorConfig struct {
	Interval   time.Duration `json:"interval" mapstructure:"interval" validate:"gt=0"`
	StatusFile string        `json:"statusFile" mapstructure:"statusFile"`
}

// LoggingConfig holds log output settings
type LoggingConfig struct {
	Level          string `json:"logLevel" mapstructure:"logLevel" validate:"oneof=debug info warn error"`
	LogsDir        string `json:"logsDir" mapstructure:"logsDir"`
	MaxSizeMB      int    `json:"maxSizeMB" mapstructure:"maxSizeMB"`
	MaxBackups     int    `json:"maxBackups" mapstructure:"maxBackups"`
	GraylogEnabled bool   `json:"graylogEnabled" mapstructure:"graylogEnabled"`
	GraylogAddress string `json:"graylogAddress" mapstructure:"graylogAddress"`
}

func setDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./livemaplogs")
	viper.SetDefault("mode", ModeSimulation)

	viper.SetDefault("server.address", ":8765")
	viper.SetDefault("server.certFile", "server.crt")
	viper.SetDefault("server.keyFile", "server.key")
	viper.SetDefault("server.shutdownTimeout", "10s")

	viper.SetDefault("scheduler.liveInterval", "1s")
	viper.SetDefault("scheduler.simInterval", "3s")

	viper.SetDefault("simulator.pathsFile", "")
	viper.SetDefault("simulator.seed", 0)
	viper.SetDefault("simulator.retransmit", false)

	viper.SetDefault("registry.sendQueueSize", 256)
	viper.SetDefault("registry.writeTimeout", "10s")

	viper.SetDefault("session.updateRateLimit", 20)
	viper.SetDefault("session.updateBurst", 40)
	viper.SetDefault("session.maxMessageBytes", 4096)

	viper.SetDefault("mesh.enabled", false)
	viper.SetDefault("mesh.transport", "udp")
	viper.SetDefault("mesh.queueSize", 1024)
	viper.SetDefault("mesh.udp.listenAddress", ":4305")
	viper.SetDefault("mesh.udp.broadcastAddress", "255.255.255.255:4305")
	viper.SetDefault("mesh.mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("mesh.mqtt.topic", "batman/positions")
	viper.SetDefault("mesh.mqtt.clientId", "livemap")

	viper.SetDefault("feed.gtfsrtUrl", "")
	viper.SetDefault("feed.interval", "10s")
	viper.SetDefault("feed.timeout", "10s")

	viper.SetDefault("proximity.enabled", false)
	viper.SetDefault("proximity.thresholdMeters", 50)

	viper.SetDefault("storage.type", "memory")
	viper.SetDefault("storage.flushInterval", "5s")
	viper.SetDefault("storage.sqlite.path", "./livemap.db")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.username", "postgres")
	viper.SetDefault("db.password", "postgres")
	viper.SetDefault("db.database", "livemap")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "supersecrettoken")
	viper.SetDefault("influx.org", "livemap-metrics")
	viper.SetDefault("influx.bucket", "livemap_status")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("logging.maxSizeMB", 50)
	viper.SetDefault("logging.maxBackups", 5)

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "livemap")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)
	viper.SetDefault("otel.metricsInterval", "60s")

	viper.SetDefault("monitor.interval", "10s")
	viper.SetDefault("monitor.statusFile", "")
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file.
func Load(configDir string) error {
	if err := read(configDir); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// LoadOrDefaults is Load but a missing config file leaves the defaults in place.
func LoadOrDefaults(configDir string) (found bool, err error) {
	err = read(configDir)
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("error reading config file: %w", err)
	}
	return true, nil
}

func read(configDir string) error {
	setDefaults()

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	return viper.ReadInConfig()
}

// Flags returns the command-line flags that override config values.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("livemap", pflag.ContinueOnError)
	fs.String("config-dir", ".", "directory containing "+FileName)
	fs.String("mode", ModeSimulation, "position source: simulation or live")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.String("address", ":8765", "viewer endpoint listen address")
	return fs
}

// BindFlags makes explicitly set flags take precedence over the config file.
func BindFlags(fs *pflag.FlagSet) error {
	bindings := map[string]string{
		"mode":      "mode",
		"log-level": "logLevel",
		"address":   "server.address",
	}
	for flag, key := range bindings {
		if err := viper.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetMode returns the run mode.
func GetMode() string {
	return viper.GetString("mode")
}

// GetServerConfig returns the viewer endpoint configuration.
func GetServerConfig() ServerConfig {
	return ServerConfig{
		Address:         viper.GetString("server.address"),
		CertFile:        viper.GetString("server.certFile"),
		KeyFile:         viper.GetString("server.keyFile"),
		ShutdownTimeout: viper.GetDuration("server.shutdownTimeout"),
	}
}

// GetSchedulerConfig returns the broadcast tick configuration.
func GetSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		LiveInterval: viper.GetDuration("scheduler.liveInterval"),
		SimInterval:  viper.GetDuration("scheduler.simInterval"),
	}
}

// GetSimulatorConfig returns the simulator configuration.
func GetSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		PathsFile:  viper.GetString("simulator.pathsFile"),
		Seed:       viper.GetUint64("simulator.seed"),
		Retransmit: viper.GetBool("simulator.retransmit"),
	}
}

// GetRegistryConfig returns the viewer queue configuration.
func GetRegistryConfig() RegistryConfig {
	return RegistryConfig{
		SendQueueSize: viper.GetInt("registry.sendQueueSize"),
		WriteTimeout:  viper.GetDuration("registry.writeTimeout"),
	}
}

// GetSessionConfig returns the viewer inbound limits.
func GetSessionConfig() SessionConfig {
	return SessionConfig{
		UpdateRateLimit: viper.GetFloat64("session.updateRateLimit"),
		UpdateBurst:     viper.GetInt("session.updateBurst"),
		MaxMessageBytes: viper.GetInt64("session.maxMessageBytes"),
	}
}

// GetMeshConfig returns the mesh receiver configuration.
func GetMeshConfig() MeshConfig {
	return MeshConfig{
		Enabled:   viper.GetBool("mesh.enabled"),
		Transport: viper.GetString("mesh.transport"),
		QueueSize: viper.GetInt("mesh.queueSize"),
		UDP: UDPConfig{
			ListenAddress:    viper.GetString("mesh.udp.listenAddress"),
			BroadcastAddress: viper.GetString("mesh.udp.broadcastAddress"),
		},
		MQTT: MQTTConfig{
			Broker:   viper.GetString("mesh.mqtt.broker"),
			Topic:    viper.GetString("mesh.mqtt.topic"),
			ClientID: viper.GetString("mesh.mqtt.clientId"),
		},
	}
}

// GetFeedConfig returns the GTFS-RT poller configuration.
func GetFeedConfig() FeedConfig {
	return FeedConfig{
		GTFSRTURL: viper.GetString("feed.gtfsrtUrl"),
		Interval:  viper.GetDuration("feed.interval"),
		Timeout:   viper.GetDuration("feed.timeout"),
	}
}

// GetProximityConfig returns the proximity alert configuration.
func GetProximityConfig() ProximityConfig {
	return ProximityConfig{
		Enabled:         viper.GetBool("proximity.enabled"),
		ThresholdMeters: viper.GetFloat64("proximity.thresholdMeters"),
	}
}

// GetStorageConfig returns the checkpoint backend configuration.
func GetStorageConfig() StorageConfig {
	return StorageConfig{
		Type:          viper.GetString("storage.type"),
		FlushInterval: viper.GetDuration("storage.flushInterval"),
		SQLite: SQLiteConfig{
			Path: viper.GetString("storage.sqlite.path"),
		},
	}
}

// GetDBConfig returns the Postgres connection configuration.
func GetDBConfig() DBConfig {
	return DBConfig{
		Host:     viper.GetString("db.host"),
		Port:     viper.GetString("db.port"),
		Username: viper.GetString("db.username"),
		Password: viper.GetString("db.password"),
		Database: viper.GetString("db.database"),
	}
}

// GetInfluxConfig returns the InfluxDB configuration.
func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled:  viper.GetBool("influx.enabled"),
		Host:     viper.GetString("influx.host"),
		Port:     viper.GetString("influx.port"),
		Protocol: viper.GetString("influx.protocol"),
		Token:    viper.GetString("influx.token"),
		Org:      viper.GetString("influx.org"),
		Bucket:   viper.GetString("influx.bucket"),
	}
}

// GetOTelConfig returns the OpenTelemetry configuration.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:         viper.GetBool("otel.enabled"),
		ServiceName:     viper.GetString("otel.serviceName"),
		BatchTimeout:    viper.GetDuration("otel.batchTimeout"),
		Endpoint:        viper.GetString("otel.endpoint"),
		Insecure:        viper.GetBool("otel.insecure"),
		MetricsInterval: viper.GetDuration("otel.metricsInterval"),
	}
}

// GetMonitorConfig returns the status sampler configuration.
func GetMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:   viper.GetDuration("monitor.interval"),
		StatusFile: viper.GetString("monitor.statusFile"),
	}
}

// GetLoggingConfig returns the log output configuration.
func GetLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:          strings.ToLower(viper.GetString("logLevel")),
		LogsDir:        viper.GetString("logsDir"),
		MaxSizeMB:      viper.GetInt("logging.maxSizeMB"),
		MaxBackups:     viper.GetInt("logging.maxBackups"),
		GraylogEnabled: viper.GetBool("graylog.enabled"),
		GraylogAddress: viper.GetString("graylog.address"),
	}
}

// Validate checks every section against its constraints.
func Validate() error {
	mode := GetMode()
	if mode != ModeSimulation && mode != ModeLive {
		return fmt.Errorf("invalid mode %q: want %s or %s", mode, ModeSimulation, ModeLive)
	}

	v := validator.New()
	sections := []struct {
		name string
		cfg  any
	}{
		{"server", GetServerConfig()},
		{"scheduler", GetSchedulerConfig()},
		{"registry", GetRegistryConfig()},
		{"session", GetSessionConfig()},
		{"mesh", GetMeshConfig()},
		{"feed", GetFeedConfig()},
		{"proximity", GetProximityConfig()},
		{"storage", GetStorageConfig()},
		{"monitor", GetMonitorConfig()},
		{"logging", GetLoggingConfig()},
	}
	for _, s := range sections {
		if err := v.Struct(s.cfg); err != nil {
			return fmt.Errorf("invalid %s config: %w", s.name, err)
		}
	}
	return nil
}
