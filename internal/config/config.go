// Package config provides configuration management for FaceGate
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	// Inference sidecar settings
	Inference InferenceConfig `mapstructure:"inference" yaml:"inference"`

	// Recognition settings
	Recognition RecognitionConfig `mapstructure:"recognition" yaml:"recognition"`

	// Liveness settings
	Liveness LivenessConfig `mapstructure:"liveness" yaml:"liveness"`

	// Challenge-response settings
	Challenge ChallengeConfig `mapstructure:"challenge" yaml:"challenge"`

	// Storage settings
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Audit settings
	Audit AuditConfig `mapstructure:"audit" yaml:"audit"`

	// Daemon settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Logging settings
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// InferenceConfig holds inference sidecar configuration
type InferenceConfig struct {
	Address string `mapstructure:"address" yaml:"address"` // gRPC service address (e.g., localhost:50051), empty disables the model path
	Timeout int    `mapstructure:"timeout" yaml:"timeout"` // Request timeout in seconds
}

// RecognitionConfig holds face recognition configuration
type RecognitionConfig struct {
	InputSize           int     `mapstructure:"input_size" yaml:"input_size"`                     // Model input size (112)
	EmbeddingSize       int     `mapstructure:"embedding_size" yaml:"embedding_size"`             // Embedding vector size
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" yaml:"similarity_threshold"` // Raw cosine acceptance threshold
	MinFaceArea         int     `mapstructure:"min_face_area" yaml:"min_face_area"`               // Minimum detection area in pixels
	PaddingRatio        float64 `mapstructure:"padding_ratio" yaml:"padding_ratio"`               // Crop padding relative to min(w,h)
	CLAHEClipLimit      float64 `mapstructure:"clahe_clip_limit" yaml:"clahe_clip_limit"`
	CLAHETiles          int     `mapstructure:"clahe_tiles" yaml:"clahe_tiles"`
	RemoteURL           string  `mapstructure:"remote_url" yaml:"remote_url"`         // External embedding service, empty disables
	RemoteTimeout       int     `mapstructure:"remote_timeout" yaml:"remote_timeout"` // Seconds
}

// LivenessConfig holds liveness detection configuration
type LivenessConfig struct {
	PoseThreshold      float64 `mapstructure:"pose_threshold" yaml:"pose_threshold"`             // Minimum yaw delta for turn challenges
	EyeThreshold       float64 `mapstructure:"eye_threshold" yaml:"eye_threshold"`               // Minimum eye aperture drop for blink
	MouthThreshold     float64 `mapstructure:"mouth_threshold" yaml:"mouth_threshold"`           // Minimum mouth aperture rise
	PixelDiffThreshold float64 `mapstructure:"pixel_diff_threshold" yaml:"pixel_diff_threshold"` // Degraded mode threshold
}

// ChallengeConfig holds challenge-response configuration
type ChallengeConfig struct {
	ChallengeTypes []string `mapstructure:"challenge_types" yaml:"challenge_types"` // turn_left, turn_right, blink, open_mouth
	TimeoutSeconds int      `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	RequireBinding bool     `mapstructure:"require_binding" yaml:"require_binding"` // Bind verification to an issued challenge id
	RedisAddress   string   `mapstructure:"redis_address" yaml:"redis_address"`     // Empty keeps bindings in memory
	RedisPassword  string   `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB        int      `mapstructure:"redis_db" yaml:"redis_db"`
}

// StorageConfig holds identity store configuration
type StorageConfig struct {
	PostgresDSN      string `mapstructure:"postgres_dsn" yaml:"postgres_dsn"`
	Native           string `mapstructure:"native" yaml:"native"` // pgvector, milvus or none
	Scan             string `mapstructure:"scan" yaml:"scan"`     // postgres, sqlite or memory
	DatabasePath     string `mapstructure:"database_path" yaml:"database_path"`
	MilvusAddress    string `mapstructure:"milvus_address" yaml:"milvus_address"`
	MilvusDatabase   string `mapstructure:"milvus_database" yaml:"milvus_database"`
	MilvusCollection string `mapstructure:"milvus_collection" yaml:"milvus_collection"`
	ProbeTTLSeconds  int    `mapstructure:"probe_ttl_seconds" yaml:"probe_ttl_seconds"`
	AutoMigrate      bool   `mapstructure:"auto_migrate" yaml:"auto_migrate"`
	MaxConns         int32  `mapstructure:"max_conns" yaml:"max_conns"`
}

// AuditConfig holds audit sink configuration
type AuditConfig struct {
	Sinks        []string `mapstructure:"sinks" yaml:"sinks"` // log, sqlite, postgres, kafka
	DatabasePath string   `mapstructure:"database_path" yaml:"database_path"`
	KafkaBrokers []string `mapstructure:"kafka_brokers" yaml:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic" yaml:"kafka_topic"`
}

// ServerConfig holds daemon configuration
type ServerConfig struct {
	SocketPath     string `mapstructure:"socket_path" yaml:"socket_path"`
	MetricsAddress string `mapstructure:"metrics_address" yaml:"metrics_address"` // Empty disables /metrics
	MaxFrameBytes  int    `mapstructure:"max_frame_bytes" yaml:"max_frame_bytes"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`     // Log level: debug, info, warn, error
	File   string `mapstructure:"file" yaml:"file"`       // Log file path (empty = stderr)
	MaxAge int    `mapstructure:"max_age" yaml:"max_age"` // Max age in days
	JSON   bool   `mapstructure:"json" yaml:"json"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Inference: InferenceConfig{
			Address: "localhost:50051",
			Timeout: 10,
		},
		Recognition: RecognitionConfig{
			InputSize:           112,
			EmbeddingSize:       512,
			SimilarityThreshold: 0.45,
			MinFaceArea:         2500,
			PaddingRatio:        0.1,
			CLAHEClipLimit:      2.0,
			CLAHETiles:          8,
			RemoteURL:           "",
			RemoteTimeout:       5,
		},
		Liveness: LivenessConfig{
			PoseThreshold:      12.0,
			EyeThreshold:       0.01,
			MouthThreshold:     0.01,
			PixelDiffThreshold: 10.0,
		},
		Challenge: ChallengeConfig{
			ChallengeTypes: []string{"turn_left", "turn_right", "blink", "open_mouth"},
			TimeoutSeconds: 15,
			RequireBinding: false,
		},
		Storage: StorageConfig{
			Native:           "none",
			Scan:             "sqlite",
			DatabasePath:     "/var/lib/facegate/facegate.db",
			MilvusCollection: "face_embeddings",
			ProbeTTLSeconds:  300,
			AutoMigrate:      true,
			MaxConns:         10,
		},
		Audit: AuditConfig{
			Sinks:        []string{"log"},
			DatabasePath: "/var/lib/facegate/audit.db",
			KafkaTopic:   "facegate.audit",
		},
		Server: ServerConfig{
			SocketPath:     "/run/facegate/facegate.sock",
			MetricsAddress: "127.0.0.1:9464",
			MaxFrameBytes:  8 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			File:   "",
			MaxAge: 30,
		},
	}
}

// Load loads configuration from file and environment variables.
// A .env file in the working directory is applied before the environment is read.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("facegate")
		v.AddConfigPath("/etc/facegate/")
		v.AddConfigPath("$HOME/.facegate")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("FACEGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is OK, use defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return cfg, nil
}

// bindEnv registers the keys that are commonly overridden from the environment.
// AutomaticEnv alone does not reach keys absent from the config file.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"inference.address",
		"recognition.remote_url",
		"recognition.similarity_threshold",
		"challenge.require_binding",
		"challenge.redis_address",
		"storage.postgres_dsn",
		"storage.native",
		"storage.scan",
		"storage.database_path",
		"storage.milvus_address",
		"audit.kafka_brokers",
		"server.socket_path",
		"server.metrics_address",
		"logging.level",
		"logging.file",
	} {
		_ = v.BindEnv(key)
	}
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	v := viper.New()
	v.SetConfigType("yaml")

	v.Set("inference", c.Inference)
	v.Set("recognition", c.Recognition)
	v.Set("liveness", c.Liveness)
	v.Set("challenge", c.Challenge)
	v.Set("storage", c.Storage)
	v.Set("audit", c.Audit)
	v.Set("server", c.Server)
	v.Set("logging", c.Logging)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("error writing config: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Recognition.EmbeddingSize <= 0 {
		return fmt.Errorf("embedding size must be positive")
	}
	if c.Recognition.SimilarityThreshold < 0 || c.Recognition.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity threshold must be between 0 and 1")
	}
	if c.Recognition.PaddingRatio < 0 || c.Recognition.PaddingRatio >= 0.5 {
		return fmt.Errorf("padding ratio must be in [0, 0.5)")
	}
	if c.Recognition.CLAHETiles <= 0 {
		return fmt.Errorf("clahe tiles must be positive")
	}

	if c.Challenge.TimeoutSeconds <= 0 {
		return fmt.Errorf("challenge timeout must be positive")
	}
	if len(c.Challenge.ChallengeTypes) == 0 {
		return fmt.Errorf("at least one challenge type is required")
	}
	for _, t := range c.Challenge.ChallengeTypes {
		switch t {
		case "turn_left", "turn_right", "blink", "open_mouth":
		default:
			return fmt.Errorf("unknown challenge type: %s", t)
		}
	}

	switch c.Storage.Native {
	case "pgvector":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("pgvector backend requires storage.postgres_dsn")
		}
	case "milvus":
		if c.Storage.MilvusAddress == "" {
			return fmt.Errorf("milvus backend requires storage.milvus_address")
		}
	case "none", "":
	default:
		return fmt.Errorf("unknown native backend: %s", c.Storage.Native)
	}

	switch c.Storage.Scan {
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("postgres scan store requires storage.postgres_dsn")
		}
	case "sqlite":
		if c.Storage.DatabasePath == "" {
			return fmt.Errorf("sqlite scan store requires storage.database_path")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown scan store: %s", c.Storage.Scan)
	}

	for _, s := range c.Audit.Sinks {
		switch s {
		case "log", "sqlite", "postgres", "kafka":
		default:
			return fmt.Errorf("unknown audit sink: %s", s)
		}
		if s == "kafka" && len(c.Audit.KafkaBrokers) == 0 {
			return fmt.Errorf("kafka audit sink requires audit.kafka_brokers")
		}
		if s == "postgres" && c.Storage.PostgresDSN == "" {
			return fmt.Errorf("postgres audit sink requires storage.postgres_dsn")
		}
	}

	return nil
}

// ProbeTTL returns the capability cache lifetime
func (c *Config) ProbeTTL() time.Duration {
	return time.Duration(c.Storage.ProbeTTLSeconds) * time.Second
}

// ChallengeTimeout returns the challenge lifetime
func (c *Config) ChallengeTimeout() time.Duration {
	return time.Duration(c.Challenge.TimeoutSeconds) * time.Second
}
