package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AppVersion is the application version, can be set at build time or runtime
var AppVersion = "dev"

// ServerConfig holds all configuration for the rollout server and workers
type ServerConfig struct {
	// Server settings
	Port  int  `json:"port" mapstructure:"port"`
	Debug bool `json:"debug" mapstructure:"debug"`

	// Storage paths
	StateDir string `json:"state_dir" mapstructure:"state_dir"`
	LogFile  string `json:"log_file" mapstructure:"log_file"` // empty = stdout
	PIDFile  string `json:"pid_file" mapstructure:"pid_file"`

	History HistoryConfig `json:"history" mapstructure:"history"`
	Archive ArchiveConfig `json:"archive" mapstructure:"archive"`
	Queue   QueueConfig   `json:"queue" mapstructure:"queue"`
	Probe   ProbeConfig   `json:"probe" mapstructure:"probe"`
	Engine  EngineConfig  `json:"engine" mapstructure:"engine"`

	ShutdownTimeout time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// HistoryConfig configures the SQLite execution history
type HistoryConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// ArchiveConfig configures where final execution snapshots are archived
type ArchiveConfig struct {
	Type string   `json:"type" mapstructure:"type"`
	S3   S3Config `json:"s3" mapstructure:"s3"`
}

// S3Config holds S3-specific archive configuration
type S3Config struct {
	Bucket   string `json:"bucket" mapstructure:"bucket"`
	Region   string `json:"region" mapstructure:"region"`
	Prefix   string `json:"prefix" mapstructure:"prefix"`
	Endpoint string `json:"endpoint" mapstructure:"endpoint"` // custom endpoint (LocalStack)

	// Static credentials; when empty the default AWS credential chain is used
	AccessKeyID     string `json:"-" mapstructure:"access_key_id"`
	SecretAccessKey string `json:"-" mapstructure:"secret_access_key"`
}

// QueueConfig holds submission queue configuration
type QueueConfig struct {
	Type     string `json:"type" mapstructure:"type"`
	RedisURL string `json:"redis_url" mapstructure:"redis_url"`
	Workers  int    `json:"workers" mapstructure:"workers"`
	Capacity int    `json:"capacity" mapstructure:"capacity"`
}

// ProbeConfig configures the HTTP health probe and metric source
type ProbeConfig struct {
	// MetricsURL is queried as MetricsURL?metric=<name> and must return {"value": n}
	MetricsURL string        `json:"metrics_url" mapstructure:"metrics_url"`
	Timeout    time.Duration `json:"timeout" mapstructure:"timeout"`
	// TrafficCommand runs for traffic_switch rules with ROLLOUT_COMPONENTS set
	TrafficCommand string `json:"traffic_command" mapstructure:"traffic_command"`
}

// NewServerConfig creates a new server configuration with defaults
func NewServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:     DefaultPort,
		StateDir: "~/.rollout",
		History: HistoryConfig{
			Path: "~/.rollout/history.db",
		},
		Archive: ArchiveConfig{
			Type: ArchiveTypeNone,
			S3: S3Config{
				Prefix: "executions/",
			},
		},
		Queue: QueueConfig{
			Type:     QueueTypeEmbedded,
			Workers:  4,
			Capacity: 100,
		},
		Probe: ProbeConfig{
			Timeout: GetHTTPClientTimeout(),
		},
		Engine:          DefaultEngineConfig(),
		ShutdownTimeout: 30 * time.Second,
	}
}

// LoadFromFile overlays values from a YAML, JSON or TOML file. Keys missing
// from the file keep their current values.
func (c *ServerConfig) LoadFromFile(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var parseErr viper.ConfigParseError
		if errors.As(err, &parseErr) {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := v.Unmarshal(c); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *ServerConfig) LoadFromEnv() error {
	if port := os.Getenv("ROLLOUT_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid ROLLOUT_PORT value: %s", port)
		}
		c.Port = p
	}

	if debug := os.Getenv("ROLLOUT_DEBUG"); debug != "" {
		switch strings.ToLower(debug) {
		case "true", "1", "yes", "on":
			c.Debug = true
		case "false", "0", "no", "off":
			c.Debug = false
		default:
			return fmt.Errorf("invalid ROLLOUT_DEBUG value: %s", debug)
		}
	}

	// Paths
	if stateDir := os.Getenv("ROLLOUT_STATE_DIR"); stateDir != "" {
		c.StateDir = stateDir
	}
	if logFile := os.Getenv("ROLLOUT_LOG_FILE"); logFile != "" {
		c.LogFile = logFile
	}
	if pidFile := os.Getenv("ROLLOUT_PID_FILE"); pidFile != "" {
		c.PIDFile = pidFile
	}
	if historyPath := os.Getenv("ROLLOUT_HISTORY_PATH"); historyPath != "" {
		c.History.Path = historyPath
	}

	// Archive
	if archive := os.Getenv("ROLLOUT_ARCHIVE"); archive != "" {
		c.Archive.Type = archive
	}
	if bucket := os.Getenv("ROLLOUT_S3_BUCKET"); bucket != "" {
		c.Archive.S3.Bucket = bucket
	}
	if region := os.Getenv("ROLLOUT_S3_REGION"); region != "" {
		c.Archive.S3.Region = region
	}
	if prefix := os.Getenv("ROLLOUT_S3_PREFIX"); prefix != "" {
		c.Archive.S3.Prefix = prefix
	}
	if endpoint := os.Getenv("ROLLOUT_S3_ENDPOINT"); endpoint != "" {
		c.Archive.S3.Endpoint = endpoint
	}
	if keyID := os.Getenv("ROLLOUT_S3_ACCESS_KEY_ID"); keyID != "" {
		c.Archive.S3.AccessKeyID = keyID
	}
	if secret := os.Getenv("ROLLOUT_S3_SECRET_ACCESS_KEY"); secret != "" {
		c.Archive.S3.SecretAccessKey = secret
	}

	// Queue
	if queueType := os.Getenv("ROLLOUT_QUEUE_TYPE"); queueType != "" {
		c.Queue.Type = queueType
	}
	if redisURL := os.Getenv("ROLLOUT_REDIS_URL"); redisURL != "" {
		c.Queue.RedisURL = redisURL
	}
	if workers := os.Getenv("ROLLOUT_WORKERS"); workers != "" {
		n, err := strconv.Atoi(workers)
		if err != nil {
			return fmt.Errorf("invalid ROLLOUT_WORKERS value: %s", workers)
		}
		c.Queue.Workers = n
	}

	if metricsURL := os.Getenv("ROLLOUT_METRICS_URL"); metricsURL != "" {
		c.Probe.MetricsURL = metricsURL
	}
	if trafficCmd := os.Getenv("ROLLOUT_TRAFFIC_COMMAND"); trafficCmd != "" {
		c.Probe.TrafficCommand = trafficCmd
	}

	c.Engine.applyEnv()
	return nil
}

// ExpandPaths expands all paths in the configuration (~ to home directory)
func (c *ServerConfig) ExpandPaths() error {
	var err error

	c.StateDir, err = expandPath(c.StateDir)
	if err != nil {
		return fmt.Errorf("failed to expand state_dir: %w", err)
	}

	if c.LogFile != "" {
		c.LogFile, err = expandPath(c.LogFile)
		if err != nil {
			return fmt.Errorf("failed to expand log_file: %w", err)
		}
	}

	c.History.Path, err = expandPath(c.History.Path)
	if err != nil {
		return fmt.Errorf("failed to expand history path: %w", err)
	}

	if c.PIDFile == "" {
		c.PIDFile = filepath.Join(os.TempDir(), "rollout-server.pid")
	} else {
		c.PIDFile, err = expandPath(c.PIDFile)
		if err != nil {
			return fmt.Errorf("failed to expand pid_file: %w", err)
		}
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.StateDir == "" {
		return fmt.Errorf("state directory cannot be empty")
	}

	switch c.Queue.Type {
	case QueueTypeEmbedded:
	case QueueTypeDistributed:
		if c.Queue.RedisURL == "" {
			return fmt.Errorf("redis URL is required for the distributed queue")
		}
	default:
		return fmt.Errorf("invalid queue type: %s", c.Queue.Type)
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue workers must be positive")
	}

	switch c.Archive.Type {
	case ArchiveTypeNone, "":
	case ArchiveTypeS3:
		if c.Archive.S3.Bucket == "" {
			return fmt.Errorf("S3 bucket is required when archiving to S3")
		}
		if c.Archive.S3.Region == "" {
			return fmt.Errorf("S3 region is required when archiving to S3")
		}
	default:
		return fmt.Errorf("invalid archive type: %s", c.Archive.Type)
	}

	if err := c.Engine.Risk.Validate(); err != nil {
		return fmt.Errorf("invalid risk policy: %w", err)
	}
	if c.Engine.ExecutionTimeout <= 0 {
		return fmt.Errorf("execution timeout must be positive")
	}
	return nil
}

// GetLogPath returns the full path for the log file, empty for stdout
func (c *ServerConfig) GetLogPath() string {
	return c.LogFile
}

// ToJSON returns the configuration as a JSON string
func (c *ServerConfig) ToJSON() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// GetSanitized returns a sanitized version of the config safe for logging
func (c *ServerConfig) GetSanitized() map[string]interface{} {
	sanitized := map[string]interface{}{
		"port":       c.Port,
		"debug":      c.Debug,
		"queue_type": c.Queue.Type,
		"workers":    c.Queue.Workers,
		"archive":    c.Archive.Type,
	}

	if c.Debug {
		sanitized["state_configured"] = c.StateDir != ""
		sanitized["history_configured"] = c.History.Path != ""
		sanitized["redis_configured"] = c.Queue.RedisURL != ""
		sanitized["metrics_configured"] = c.Probe.MetricsURL != ""
		if c.Archive.Type == ArchiveTypeS3 {
			sanitized["s3_config"] = map[string]interface{}{
				"bucket_configured":   c.Archive.S3.Bucket != "",
				"region":              c.Archive.S3.Region,
				"prefix":              c.Archive.S3.Prefix,
				"endpoint_configured": c.Archive.S3.Endpoint != "",
				"static_credentials":  c.Archive.S3.AccessKeyID != "",
			}
		}
	}

	return sanitized
}

// WriteConfigInfo writes configuration info to a well-known location for debugging
func (c *ServerConfig) WriteConfigInfo() error {
	info := struct {
		StartedAt string                 `json:"started_at"`
		PID       int                    `json:"pid"`
		Version   string                 `json:"version"`
		Config    map[string]interface{} `json:"config"`
	}{
		StartedAt: time.Now().Format(time.RFC3339),
		PID:       os.Getpid(),
		Version:   AppVersion,
		Config:    c.GetSanitized(),
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config info: %w", err)
	}

	infoPath := os.Getenv("ROLLOUT_INFO_FILE")
	if infoPath == "" {
		infoPath = filepath.Join(os.TempDir(), "rollout.info")
	}
	if expanded, err := expandPath(infoPath); err == nil {
		infoPath = expanded
	}

	if err := os.WriteFile(infoPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write server info: %w", err)
	}
	return nil
}

// GetPort returns just the port from environment
// This is a lightweight alternative to loading the full config
func GetPort() int {
	portStr := os.Getenv("ROLLOUT_PORT")
	if portStr == "" {
		return DefaultPort
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return DefaultPort
	}
	return port
}

// expandPath expands ~ to the home directory
func expandPath(path string) (string, error) {
	if path == "" {
		return path, nil
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	return filepath.Clean(path), nil
}
