package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the error intelligence service.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Storage    StorageConfig    `yaml:"storage"`
	Cache      CacheConfig      `yaml:"cache"`
	Normalizer NormalizerConfig `yaml:"normalizer"`
	Clustering ClusteringConfig `yaml:"clustering"`
	Patterns   PatternsConfig   `yaml:"patterns"`
	RootCause  RootCauseConfig  `yaml:"rootCause"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
}

// ServerConfig controls gRPC listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// StorageConfig selects the record store.
type StorageConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// CacheConfig controls Redis-backed caching of aggregate reports.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"keyPrefix"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	StatsTTL     time.Duration `yaml:"statsTTL"`
}

// NormalizerConfig tunes text canonicalisation.
type NormalizerConfig struct {
	MaxMessageLength  int      `yaml:"maxMessageLength"`
	MaxKeyFrames      int      `yaml:"maxKeyFrames"`
	AppNamespaces     []string `yaml:"appNamespaces"`
	FrameworkPrefixes []string `yaml:"frameworkPrefixes"`
}

// ClusteringConfig tunes cluster assignment.
type ClusteringConfig struct {
	SimilarityThreshold float64 `yaml:"similarityThreshold"`
	CandidateLimit      int     `yaml:"candidateLimit"`
	EmbeddingDimensions int     `yaml:"embeddingDimensions"`
}

// PatternsConfig tunes promotion and analysis.
type PatternsConfig struct {
	MinClusterSize         int           `yaml:"minClusterSize"`
	MinOccurrenceRate      float64       `yaml:"minOccurrenceRate"`
	MergeSimilarity        float64       `yaml:"mergeSimilarity"`
	AnalysisWindow         time.Duration `yaml:"analysisWindow"`
	CorrelationWindow      time.Duration `yaml:"correlationWindow"`
	MaxCorrelationPatterns int           `yaml:"maxCorrelationPatterns"`
}

// RootCauseConfig controls hypothesis generation.
type RootCauseConfig struct {
	KnowledgeBasePath string        `yaml:"knowledgeBasePath"`
	RefreshAfter      time.Duration `yaml:"refreshAfter"`
	MaxErrors         int           `yaml:"maxErrors"`
}

// SchedulerConfig controls the periodic scan.
type SchedulerConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	RetrainWindow time.Duration `yaml:"retrainWindow"`
	RetrainLimit  int           `yaml:"retrainLimit"`
	Concurrency   int           `yaml:"concurrency"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("ERROR_INTEL_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50051",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Storage: StorageConfig{Driver: "sqlite", Path: "error-intel.db"},
		Cache: CacheConfig{
			Enabled:      false,
			KeyPrefix:    "error-intel:",
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			StatsTTL:     time.Minute,
		},
		Normalizer: NormalizerConfig{MaxMessageLength: 4096, MaxKeyFrames: 5},
		Clustering: ClusteringConfig{
			SimilarityThreshold: 0.85,
			CandidateLimit:      100,
			EmbeddingDimensions: 1024,
		},
		Patterns: PatternsConfig{
			MinClusterSize:         5,
			MinOccurrenceRate:      0.1,
			MergeSimilarity:        0.9,
			AnalysisWindow:         24 * time.Hour,
			CorrelationWindow:      24 * time.Hour,
			MaxCorrelationPatterns: 50,
		},
		RootCause: RootCauseConfig{RefreshAfter: 24 * time.Hour, MaxErrors: 1000},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			Interval:      5 * time.Minute,
			RetrainWindow: 24 * time.Hour,
			RetrainLimit:  5000,
			Concurrency:   4,
		},
	}
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for the sqlite driver"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver))
	}
	if c.Cache.Enabled && c.Cache.Addr == "" {
		errs = append(errs, errors.New("cache.addr is required when the cache is enabled"))
	}
	if t := c.Clustering.SimilarityThreshold; t <= 0 || t > 1 {
		errs = append(errs, fmt.Errorf("clustering.similarityThreshold %v must be in (0, 1]", t))
	}
	if c.Clustering.CandidateLimit > 100 {
		errs = append(errs, fmt.Errorf("clustering.candidateLimit %d exceeds 100", c.Clustering.CandidateLimit))
	}
	if c.Patterns.MinClusterSize < 1 {
		errs = append(errs, errors.New("patterns.minClusterSize must be at least 1"))
	}
	if s := c.Patterns.MergeSimilarity; s <= 0 || s > 1 {
		errs = append(errs, fmt.Errorf("patterns.mergeSimilarity %v must be in (0, 1]", s))
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("scheduler.interval must be positive"))
	}
	return errors.Join(errs...)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ERROR_INTEL_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("ERROR_INTEL_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("ERROR_INTEL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ERROR_INTEL_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("ERROR_INTEL_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("ERROR_INTEL_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("ERROR_INTEL_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("ERROR_INTEL_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("ERROR_INTEL_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("ERROR_INTEL_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("ERROR_INTEL_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("ERROR_INTEL_CACHE_TLS"); strings.EqualFold(v, "true") || strings.EqualFold(v, "1") {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("ERROR_INTEL_CACHE_STATS_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.StatsTTL = d
		}
	}
	if v := os.Getenv("ERROR_INTEL_SIMILARITY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Clustering.SimilarityThreshold = f
		}
	}
	if v := os.Getenv("ERROR_INTEL_MIN_CLUSTER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Patterns.MinClusterSize = n
		}
	}
	if v := os.Getenv("ERROR_INTEL_APP_NAMESPACES"); v != "" {
		cfg.Normalizer.AppNamespaces = splitList(v)
	}
	if v := os.Getenv("ERROR_INTEL_KNOWLEDGE_BASE_PATH"); v != "" {
		cfg.RootCause.KnowledgeBasePath = v
	}
	if v := os.Getenv("ERROR_INTEL_SCAN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.Interval = d
		}
	}
	if v := os.Getenv("ERROR_INTEL_SCAN_ENABLED"); v != "" {
		cfg.Scheduler.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
