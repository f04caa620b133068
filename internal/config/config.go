// Package config loads service configuration from an optional YAML file and
// the process environment.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted by models.backend.
const (
	BackendONNX = "onnx"
	BackendGRPC = "grpc"
)

// Config holds all service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Models   ModelsConfig   `yaml:"models"`
	Image    ImageConfig    `yaml:"image"`
	Ensemble EnsembleConfig `yaml:"ensemble"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	ReleaseMode     bool          `yaml:"release_mode"`
}

// ModelsConfig selects and locates the two classifiers. TargetLayer, when
// set, overrides Grad-CAM layer selection for both models.
type ModelsConfig struct {
	Backend        string `yaml:"backend"`
	SpiralMetadata string `yaml:"spiral_metadata"`
	WaveMetadata   string `yaml:"wave_metadata"`
	ONNXLibrary    string `yaml:"onnx_library"`
	GRPCAddr       string `yaml:"grpc_addr"`
	Version        string `yaml:"version"`
	Warmup         bool   `yaml:"warmup"`
	TargetLayer    string `yaml:"target_layer"`
}

// ImageConfig sets the canonical tensor size.
type ImageConfig struct {
	Size int `yaml:"size"`
}

// EnsembleConfig holds the fixed model weights. They must sum to 1.
type EnsembleConfig struct {
	SpiralWeight float64 `yaml:"spiral_weight"`
	WaveWeight   float64 `yaml:"wave_weight"`
}

// RedisConfig configures the score cache. An empty address disables it.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	ScoreTTL time.Duration `yaml:"score_ttl"`
}

// DatabaseConfig configures the screening audit log. An empty DSN disables it.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// AuthConfig configures bearer token checks. An empty secret disables them.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Audience  string `yaml:"audience"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
			RequestTimeout:  30 * time.Second,
			AllowedOrigins:  []string{"*"},
			MaxUploadBytes:  10 << 20,
		},
		Models: ModelsConfig{
			Backend:        BackendONNX,
			SpiralMetadata: "models/spiral_cnn.json",
			WaveMetadata:   "models/wave_cnn.json",
			Version:        "1.1.0",
			Warmup:         true,
		},
		Image:    ImageConfig{Size: 224},
		Ensemble: EnsembleConfig{SpiralWeight: 0.5, WaveWeight: 0.5},
		Redis:    RedisConfig{ScoreTTL: time.Hour},
		Logging:  LoggingConfig{Level: "info"},
	}
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Server.Addr = getEnv("HTTP_ADDR", c.Server.Addr)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.Server.AllowedOrigins = splitList(origins)
	}
	c.Models.Backend = getEnv("MODEL_BACKEND", c.Models.Backend)
	c.Models.SpiralMetadata = getEnv("SPIRAL_MODEL_METADATA", c.Models.SpiralMetadata)
	c.Models.WaveMetadata = getEnv("WAVE_MODEL_METADATA", c.Models.WaveMetadata)
	c.Models.ONNXLibrary = getEnv("ONNXRUNTIME_LIB", c.Models.ONNXLibrary)
	c.Models.GRPCAddr = getEnv("MODEL_SERVER_ADDR", c.Models.GRPCAddr)
	c.Models.TargetLayer = getEnv("GRADCAM_TARGET_LAYER", c.Models.TargetLayer)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Database.DSN = getEnv("DATABASE_DSN", c.Database.DSN)
	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.Audience = getEnv("JWT_AUDIENCE", c.Auth.Audience)
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)

	if v := os.Getenv("REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("REQUEST_TIMEOUT: %w", err)
		}
		c.Server.RequestTimeout = d
	}
	if v := os.Getenv("GIN_RELEASE_MODE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("GIN_RELEASE_MODE: %w", err)
		}
		c.Server.ReleaseMode = b
	}
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.Image.Size <= 0 {
		errs = append(errs, fmt.Errorf("image.size must be positive, got %d", c.Image.Size))
	}
	if c.Ensemble.SpiralWeight < 0 || c.Ensemble.WaveWeight < 0 {
		errs = append(errs, errors.New("ensemble weights must be non-negative"))
	}
	if sum := c.Ensemble.SpiralWeight + c.Ensemble.WaveWeight; math.Abs(sum-1) > 1e-9 {
		errs = append(errs, fmt.Errorf("ensemble weights must sum to 1, got %g", sum))
	}
	switch c.Models.Backend {
	case BackendONNX:
		if c.Models.SpiralMetadata == "" || c.Models.WaveMetadata == "" {
			errs = append(errs, errors.New("models.spiral_metadata and models.wave_metadata are required for the onnx backend"))
		}
	case BackendGRPC:
		if c.Models.GRPCAddr == "" {
			errs = append(errs, errors.New("models.grpc_addr is required for the grpc backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown models.backend %q", c.Models.Backend))
	}
	if c.Server.RequestTimeout <= 0 {
		errs = append(errs, errors.New("server.request_timeout must be positive"))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("server.max_upload_bytes must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
