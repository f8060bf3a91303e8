package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"agentlog/internal/analytics"
	"agentlog/internal/database/models"
	"agentlog/internal/registry"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Database  DatabaseConfig
	Storage   StorageConfig
	Watcher   WatcherConfig
	Analytics analytics.Config
	Discovery DiscoveryConfig
	Server    ServerConfig

	LogLevel  string
	LogFormat string // text or json

	// Custom agents from the agents file
	AgentsFile string
	Agents     []models.AgentConfig
}

// DatabaseConfig contains database-related settings
type DatabaseConfig struct {
	Path                    string
	MaxOpenConns            int
	MaxIdleConns            int
	ConnMaxLife             time.Duration
	CleanupInterval         time.Duration // How often to check for cleanup (default: 1 hour)
	CleanupTime             string        // Time of day to run cleanup (24-hour format, e.g., "02:00")
	VacuumEnabled           bool          // Run VACUUM after cleanup to reclaim space
	PoolMonitoringEnabled   bool
	PoolMonitoringInterval  time.Duration
	PoolSaturationThreshold float64
	AutoTuning              bool
}

// StorageConfig selects the store backend and tunes the sink.
type StorageConfig struct {
	Backend          string // sqlite or memory
	BatchSize        int
	BatchInterval    time.Duration
	RetryAttempts    int
	RetryBase        time.Duration
	RetryMax         time.Duration
	RetentionDays    int // 0 keeps entries forever
	BlockRows        int // memory backend rows per sealed block
	SubscriberBuffer int
	IngressBuffer    int
	PublishTimeout   time.Duration
}

// Retention returns the entry TTL.
func (s StorageConfig) Retention() time.Duration {
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

// WatcherConfig tunes the tailing engine and its supervisor.
type WatcherConfig struct {
	PollInterval       time.Duration
	ValidationInterval time.Duration
	StaleAfter         time.Duration
	StartFromBeginning bool
	StopGrace          time.Duration
	ReadChunkBytes     int
	WorkerPoolSize     int
}

// DiscoveryConfig controls built-in agent detection.
type DiscoveryConfig struct {
	AutoDiscover bool
	Home         string
}

// ServerConfig contains web server settings
type ServerConfig struct {
	Host            string
	Port            int
	Production      bool
	MetricsInterval time.Duration
	StreamBuffer    int
}

const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Load reads configuration from the env file and environment variables, then
// the agents file. A missing env or agents file is not an error.
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	// Try to load .env file (ignore error if file doesn't exist)
	_ = godotenv.Load(envFile)

	cfg := &Config{
		Database: DatabaseConfig{
			Path:                    getEnv("DB_PATH", "agentlog.db"),
			MaxOpenConns:            getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:            getEnvAsInt("DB_MAX_IDLE_CONNS", 3),
			ConnMaxLife:             getEnvAsDuration("DB_CONN_MAX_LIFE", time.Hour),
			CleanupInterval:         getEnvAsDuration("DB_CLEANUP_INTERVAL", 1*time.Hour),
			CleanupTime:             getEnv("DB_CLEANUP_TIME", "02:00"),
			VacuumEnabled:           getEnvAsBool("DB_VACUUM_ENABLED", true),
			PoolMonitoringEnabled:   getEnvAsBool("DB_POOL_MONITORING", true),
			PoolMonitoringInterval:  getEnvAsDuration("DB_POOL_MONITORING_INTERVAL", 30*time.Second),
			PoolSaturationThreshold: getEnvAsFloat("DB_POOL_SATURATION_THRESHOLD", 0.8),
			AutoTuning:              getEnvAsBool("DB_AUTO_TUNING", false),
		},
		Storage: StorageConfig{
			Backend:          getEnv("STORAGE_BACKEND", BackendSQLite),
			BatchSize:        getEnvAsInt("STORAGE_BATCH_SIZE", 100),
			BatchInterval:    getEnvAsDuration("STORAGE_BATCH_INTERVAL", 2*time.Second),
			RetryAttempts:    getEnvAsInt("STORAGE_RETRY_ATTEMPTS", 5),
			RetryBase:        getEnvAsDuration("STORAGE_RETRY_BASE", 200*time.Millisecond),
			RetryMax:         getEnvAsDuration("STORAGE_RETRY_MAX", 5*time.Second),
			RetentionDays:    getEnvAsInt("STORAGE_RETENTION_DAYS", 90),
			BlockRows:        getEnvAsInt("STORAGE_BLOCK_ROWS", 4096),
			SubscriberBuffer: getEnvAsInt("BUS_SUBSCRIBER_BUFFER", 256),
			IngressBuffer:    getEnvAsInt("BUS_INGRESS_BUFFER", 4096),
			PublishTimeout:   getEnvAsDuration("WATCH_PUBLISH_TIMEOUT", 2*time.Second),
		},
		Watcher: WatcherConfig{
			PollInterval:       getEnvAsDuration("WATCH_POLL_INTERVAL", time.Second),
			ValidationInterval: getEnvAsDuration("WATCH_VALIDATION_INTERVAL", 5*time.Minute),
			StaleAfter:         getEnvAsDuration("WATCH_STALE_AFTER", 10*time.Minute),
			StartFromBeginning: getEnvAsBool("WATCH_START_FROM_BEGINNING", false),
			StopGrace:          getEnvAsDuration("WATCH_STOP_GRACE", 5*time.Second),
			ReadChunkBytes:     getEnvAsInt("WATCH_READ_CHUNK_BYTES", 256<<10),
			WorkerPoolSize:     getEnvAsInt("WORKER_POOL_SIZE", 4),
		},
		Analytics: analytics.Config{
			Interval:             getEnvAsDuration("ANALYTICS_INTERVAL", 30*time.Second),
			Window:               getEnvAsDuration("ANALYTICS_WINDOW", 24*time.Hour),
			RunDeadline:          getEnvAsDuration("ANALYTICS_RUN_DEADLINE", 20*time.Second),
			MaxEntries:           getEnvAsInt("ANALYTICS_MAX_ENTRIES", 50000),
			PatternMinCount:      getEnvAsInt("PATTERN_MIN_COUNT", 2),
			PatternTrendDelta:    getEnvAsFloat("PATTERN_TREND_DELTA", 0.2),
			MaxPatterns:          getEnvAsInt("PATTERN_MAX", 100),
			ClusterSimilarity:    getEnvAsFloat("CLUSTER_SIMILARITY", 0.6),
			MaxClusters:          getEnvAsInt("CLUSTER_MAX", 50),
			SequenceLength:       getEnvAsInt("SEQUENCE_LENGTH", 3),
			SequenceMinFrequency: getEnvAsInt("SEQUENCE_MIN_FREQUENCY", 5),
			SequenceSessionGap:   getEnvAsDuration("SEQUENCE_SESSION_GAP", 30*time.Minute),
			MaxSequences:         getEnvAsInt("SEQUENCE_MAX", 100),
			SpikeK:               getEnvAsFloat("ANOMALY_SPIKE_K", 3),
			Bucket:               getEnvAsDuration("ANOMALY_BUCKET", time.Hour),
			Buckets:              getEnvAsInt("ANOMALY_BUCKETS", 24),
			BurstInterval:        getEnvAsDuration("ANOMALY_BURST_INTERVAL", 5*time.Minute),
			BurstAbsolute:        getEnvAsInt("ANOMALY_BURST_ABSOLUTE", 10),
			BurstRatio:           getEnvAsFloat("ANOMALY_BURST_RATIO", 0.5),
			SilenceMultiplier:    getEnvAsFloat("ANOMALY_SILENCE_MULTIPLIER", 3),
			SilenceFloor:         getEnvAsDuration("ANOMALY_SILENCE_FLOOR", 10*time.Minute),
			NewPatternShare:      getEnvAsFloat("ANOMALY_NEW_PATTERN_SHARE", 0.2),
			BaselineWindow:       getEnvAsDuration("ANOMALY_BASELINE_WINDOW", 7*24*time.Hour),
			CorrelationWindow:    getEnvAsDuration("ANOMALY_CORRELATION_WINDOW", 5*time.Minute),
		},
		Discovery: DiscoveryConfig{
			AutoDiscover: getEnvAsBool("AGENT_AUTO_DISCOVER", true),
			Home:         getEnv("AGENT_HOME", ""),
		},
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "127.0.0.1"),
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			Production:      getEnvAsBool("SERVER_PRODUCTION", false),
			MetricsInterval: getEnvAsDuration("METRICS_INTERVAL", 5*time.Second),
			StreamBuffer:    getEnvAsInt("STREAM_BUFFER", 256),
		},
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogFormat:  getEnv("LOG_FORMAT", "text"),
		AgentsFile: getEnv("AGENTS_FILE", "agents.yaml"),
	}

	if err := cfg.LoadAgents(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// agentsFile is the YAML layout of the agents file.
type agentsFile struct {
	Agents []models.AgentConfig `yaml:"agents"`
}

// LoadAgents reads and validates the custom agents in AgentsFile.
func (c *Config) LoadAgents() error {
	if c.AgentsFile == "" {
		return nil
	}
	data, err := os.ReadFile(c.AgentsFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read agents file %s: %w", c.AgentsFile, err)
	}

	var file agentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse agents file %s: %w", c.AgentsFile, err)
	}

	seen := make(map[string]struct{}, len(file.Agents))
	for i := range file.Agents {
		agent := &file.Agents[i]
		agent.Custom = true
		if agent.Type == "" {
			agent.Type = "custom"
		}
		if agent.Format == "" {
			agent.Format = models.FormatJSONLines
		}
		if _, dup := seen[agent.ID]; dup {
			return fmt.Errorf("agents file %s: duplicate agent id %q", c.AgentsFile, agent.ID)
		}
		seen[agent.ID] = struct{}{}
		if _, err := registry.FromAgentConfig(*agent); err != nil {
			return fmt.Errorf("agents file %s: %w", c.AgentsFile, err)
		}
	}
	c.Agents = file.Agents
	return nil
}

// Validate rejects settings that cannot work, once, at load.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q (want sqlite or memory)", c.Storage.Backend)
	}
	if c.Storage.RetentionDays < 0 {
		return fmt.Errorf("STORAGE_RETENTION_DAYS must not be negative")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid SERVER_PORT %d", c.Server.Port)
	}
	if c.Analytics.SequenceLength < 2 {
		return fmt.Errorf("SEQUENCE_LENGTH must be at least 2")
	}
	if c.Analytics.ClusterSimilarity > 1 || c.Analytics.BurstRatio > 1 || c.Analytics.NewPatternShare > 1 {
		return fmt.Errorf("ratios (CLUSTER_SIMILARITY, ANOMALY_BURST_RATIO, ANOMALY_NEW_PATTERN_SHARE) must be within (0, 1]")
	}
	return nil
}

// Helper functions to read environment variables with defaults

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
