package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// FileName is the configuration file looked up in the config directory.
const FileName = "scenestream.cfg.json"

// StreamingConfig holds the streaming core settings.
type StreamingConfig struct {
	ConnectionTimeout        time.Duration `json:"connectionTimeout" mapstructure:"connectionTimeout"`
	HeartbeatInterval        time.Duration `json:"heartbeatInterval" mapstructure:"heartbeatInterval"`
	NackInterval             time.Duration `json:"nackInterval" mapstructure:"nackInterval"`
	NacksPerSecond           float64       `json:"nacksPerSecond" mapstructure:"nacksPerSecond"`
	PruneHorizon             time.Duration `json:"pruneHorizon" mapstructure:"pruneHorizon"`
	StabilityThreshold       int           `json:"stabilityThreshold" mapstructure:"stabilityThreshold"`
	InterstitialMode         bool          `json:"interstitialMode" mapstructure:"interstitialMode"`
	MaxQueryPacketsPerSecond int32         `json:"maxQueryPacketsPerSecond" mapstructure:"maxQueryPacketsPerSecond"`
	TickRate                 int           `json:"tickRate" mapstructure:"tickRate"`
	QueueLimit               int           `json:"queueLimit" mapstructure:"queueLimit"`
	Query                    QueryConfig   `json:"query" mapstructure:"query"`
}

// QueryConfig holds the view similarity thresholds.
type QueryConfig struct {
	Interval      time.Duration `json:"interval" mapstructure:"interval"`
	PositionSlop  float64       `json:"positionSlop" mapstructure:"positionSlop"`
	DirectionSlop float64       `json:"directionSlop" mapstructure:"directionSlop"` // degrees
	RelativeError float64       `json:"relativeError" mapstructure:"relativeError"`
}

// WatchdogConfig holds deadlock watchdog settings.
type WatchdogConfig struct {
	Enabled           bool          `json:"enabled" mapstructure:"enabled"`
	CheckInterval     time.Duration `json:"checkInterval" mapstructure:"checkInterval"`
	HeartbeatInterval time.Duration `json:"heartbeatInterval" mapstructure:"heartbeatInterval"`
	MaxElapsed        time.Duration `json:"maxElapsed" mapstructure:"maxElapsed"`
	StatsInterval     time.Duration `json:"statsInterval" mapstructure:"statsInterval"`
}

// StorageConfig selects and configures the snapshot storage backend.
type StorageConfig struct {
	Type     string         `json:"type" mapstructure:"type"`
	Memory   MemoryConfig   `json:"memory" mapstructure:"memory"`
	SQLite   SQLiteConfig   `json:"sqlite" mapstructure:"sqlite"`
	Postgres PostgresConfig `json:"postgres" mapstructure:"postgres"`
}

// MemoryConfig holds in-memory storage backend settings.
type MemoryConfig struct {
	Capacity int `json:"capacity" mapstructure:"capacity"`
}

// SQLiteConfig holds SQLite storage backend settings.
type SQLiteConfig struct {
	Path string `json:"path" mapstructure:"path"`
	// DumpPath receives a copy of an in-memory database on close.
	DumpPath string `json:"dumpPath" mapstructure:"dumpPath"`
}

// PostgresConfig holds Postgres connection settings.
type PostgresConfig struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
	SSLMode  string `json:"sslMode" mapstructure:"sslMode"`
}

// OTelConfig holds OpenTelemetry settings.
type OTelConfig struct {
	Enabled      bool          `json:"enabled" mapstructure:"enabled"`
	ServiceName  string        `json:"serviceName" mapstructure:"serviceName"`
	BatchTimeout time.Duration `json:"batchTimeout" mapstructure:"batchTimeout"`
	Endpoint     string        `json:"endpoint" mapstructure:"endpoint"`
	Insecure     bool          `json:"insecure" mapstructure:"insecure"`

	// MetricInterval is how often metrics are dumped next to the log file.
	MetricInterval time.Duration `json:"metricInterval" mapstructure:"metricInterval"`
}

// InfluxConfig holds InfluxDB connection settings.
type InfluxConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Protocol string `json:"protocol" mapstructure:"protocol"`
	Token    string `json:"token" mapstructure:"token"`
	Org      string `json:"org" mapstructure:"org"`
	Bucket   string `json:"bucket" mapstructure:"bucket"`
}

// CrashConfig holds crash annotation and upload settings.
type CrashConfig struct {
	Dir       string `json:"dir" mapstructure:"dir"`
	ServerURL string `json:"serverUrl" mapstructure:"serverUrl"`
	APIKey    string `json:"apiKey" mapstructure:"apiKey"`
}

// NodeConfig describes one statically configured node.
type NodeConfig struct {
	ID   string `json:"id" mapstructure:"id"`
	Type string `json:"type" mapstructure:"type"`
	URL  string `json:"url" mapstructure:"url"`
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file.
func Load(configDir string) error {
	SetDefaults()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %v", err)
	}

	return nil
}

// SetDefaults registers the default value of every key.
func SetDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./scenelogs")
	viper.SetDefault("statusFile", "./scenestream.status.json")
	viper.SetDefault("domain", "localhost")

	viper.SetDefault("streaming.connectionTimeout", "5s")
	viper.SetDefault("streaming.heartbeatInterval", "100ms")
	viper.SetDefault("streaming.nackInterval", "1s")
	viper.SetDefault("streaming.nacksPerSecond", 20.0)
	viper.SetDefault("streaming.pruneHorizon", "5s")
	viper.SetDefault("streaming.stabilityThreshold", 30)
	viper.SetDefault("streaming.interstitialMode", false)
	viper.SetDefault("streaming.maxQueryPacketsPerSecond", 200)
	viper.SetDefault("streaming.tickRate", 60)
	viper.SetDefault("streaming.queueLimit", 4096)
	viper.SetDefault("streaming.query.interval", "3s")
	viper.SetDefault("streaming.query.positionSlop", 0.5)
	viper.SetDefault("streaming.query.directionSlop", 10.0)
	viper.SetDefault("streaming.query.relativeError", 0.01)

	viper.SetDefault("watchdog.enabled", true)
	viper.SetDefault("watchdog.checkInterval", "1s")
	viper.SetDefault("watchdog.heartbeatInterval", "100ms")
	viper.SetDefault("watchdog.maxElapsed", "2m")
	viper.SetDefault("watchdog.statsInterval", "5s")

	viper.SetDefault("storage.type", "memory")
	viper.SetDefault("storage.memory.capacity", 3600)
	viper.SetDefault("storage.sqlite.path", "./scenestream.db")
	viper.SetDefault("storage.sqlite.dumpPath", "")
	viper.SetDefault("storage.postgres.host", "localhost")
	viper.SetDefault("storage.postgres.port", "5432")
	viper.SetDefault("storage.postgres.username", "postgres")
	viper.SetDefault("storage.postgres.password", "postgres")
	viper.SetDefault("storage.postgres.database", "scenestream")
	viper.SetDefault("storage.postgres.sslMode", "disable")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "supersecrettoken")
	viper.SetDefault("influx.org", "scenestream")
	viper.SetDefault("influx.bucket", "streaming")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "scenestream")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)
	viper.SetDefault("otel.metricInterval", "30s")

	viper.SetDefault("crash.dir", "./crashes")
	viper.SetDefault("crash.serverUrl", "")
	viper.SetDefault("crash.apiKey", "")

	viper.SetDefault("nodes", []map[string]any{})
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

// GetStreamingConfig returns the streaming core settings.
func GetStreamingConfig() StreamingConfig {
	return StreamingConfig{
		ConnectionTimeout:        viper.GetDuration("streaming.connectionTimeout"),
		HeartbeatInterval:        viper.GetDuration("streaming.heartbeatInterval"),
		NackInterval:             viper.GetDuration("streaming.nackInterval"),
		NacksPerSecond:           viper.GetFloat64("streaming.nacksPerSecond"),
		PruneHorizon:             viper.GetDuration("streaming.pruneHorizon"),
		StabilityThreshold:       viper.GetInt("streaming.stabilityThreshold"),
		InterstitialMode:         viper.GetBool("streaming.interstitialMode"),
		MaxQueryPacketsPerSecond: viper.GetInt32("streaming.maxQueryPacketsPerSecond"),
		TickRate:                 viper.GetInt("streaming.tickRate"),
		QueueLimit:               viper.GetInt("streaming.queueLimit"),
		Query: QueryConfig{
			Interval:      viper.GetDuration("streaming.query.interval"),
			PositionSlop:  viper.GetFloat64("streaming.query.positionSlop"),
			DirectionSlop: viper.GetFloat64("streaming.query.directionSlop"),
			RelativeError: viper.GetFloat64("streaming.query.relativeError"),
		},
	}
}

// GetWatchdogConfig returns the deadlock watchdog settings.
func GetWatchdogConfig() WatchdogConfig {
	return WatchdogConfig{
		Enabled:           viper.GetBool("watchdog.enabled"),
		CheckInterval:     viper.GetDuration("watchdog.checkInterval"),
		HeartbeatInterval: viper.GetDuration("watchdog.heartbeatInterval"),
		MaxElapsed:        viper.GetDuration("watchdog.maxElapsed"),
		StatsInterval:     viper.GetDuration("watchdog.statsInterval"),
	}
}

// GetStorageConfig returns the storage backend settings.
func GetStorageConfig() StorageConfig {
	return StorageConfig{
		Type: viper.GetString("storage.type"),
		Memory: MemoryConfig{
			Capacity: viper.GetInt("storage.memory.capacity"),
		},
		SQLite: SQLiteConfig{
			Path:     viper.GetString("storage.sqlite.path"),
			DumpPath: viper.GetString("storage.sqlite.dumpPath"),
		},
		Postgres: PostgresConfig{
			Host:     viper.GetString("storage.postgres.host"),
			Port:     viper.GetString("storage.postgres.port"),
			Username: viper.GetString("storage.postgres.username"),
			Password: viper.GetString("storage.postgres.password"),
			Database: viper.GetString("storage.postgres.database"),
			SSLMode:  viper.GetString("storage.postgres.sslMode"),
		},
	}
}

// GetOTelConfig returns the OpenTelemetry settings.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:        viper.GetBool("otel.enabled"),
		ServiceName:    viper.GetString("otel.serviceName"),
		BatchTimeout:   viper.GetDuration("otel.batchTimeout"),
		Endpoint:       viper.GetString("otel.endpoint"),
		Insecure:       viper.GetBool("otel.insecure"),
		MetricInterval: viper.GetDuration("otel.metricInterval"),
	}
}

// GetInfluxConfig returns the InfluxDB settings.
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

// GetCrashConfig returns the crash reporting settings.
func GetCrashConfig() CrashConfig {
	return CrashConfig{
		Dir:       viper.GetString("crash.dir"),
		ServerURL: viper.GetString("crash.serverUrl"),
		APIKey:    viper.GetString("crash.apiKey"),
	}
}

// GetNodes returns the statically configured nodes.
func GetNodes() ([]NodeConfig, error) {
	var nodes []NodeConfig
	if err := viper.UnmarshalKey("nodes", &nodes); err != nil {
		return nil, fmt.Errorf("failed to decode nodes: %w", err)
	}
	return nodes, nil
}
