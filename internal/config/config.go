package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// QueueConfig tunes the Download Queue Engine.
type QueueConfig struct {
	Workers            int   `json:"workers"`            // 1..32 parallel workers
	DefaultMaxRetries  int   `json:"defaultMaxRetries"`
	BandwidthPerMinute int64 `json:"bandwidthPerMinute"` // bytes/min, 0 disables
	BandwidthPerHour   int64 `json:"bandwidthPerHour"`   // bytes/hour, 0 disables
}

// CorruptionConfig tunes the corruption supervisor.
type CorruptionConfig struct {
	WindowSize            int           `json:"windowSize"`
	FailureThreshold      int           `json:"failureThreshold"`
	CooldownBase          time.Duration `json:"cooldownBase"`
	CooldownMultiplier    float64       `json:"cooldownMultiplier"`
	CooldownMax           time.Duration `json:"cooldownMax"`
	SuccessesToDeescalate int           `json:"successesToDeescalate"`
}

// SchedulerConfig tunes the Background Job Scheduler.
type SchedulerConfig struct {
	StartupDelay    time.Duration `json:"startupDelay"`
	TickGranularity time.Duration `json:"tickGranularity"`
	ShutdownTimeout time.Duration `json:"shutdownTimeout"`
}

// SyncConfig tunes the Multi-Device Sync Fabric.
type SyncConfig struct {
	EventRetentionDays int           `json:"eventRetentionDays"`
	ConnectionBuffer   int           `json:"connectionBuffer"`
	SkeletonPruneAfter time.Duration `json:"skeletonPruneAfter"`
}

// CredentialSourceKind enumerates the LLM credential source variants.
type CredentialSourceKind string

const (
	CredentialNone    CredentialSourceKind = "none"
	CredentialStatic  CredentialSourceKind = "static"
	CredentialCommand CredentialSourceKind = "command"
)

type CredentialConfig struct {
	Kind    CredentialSourceKind `json:"kind"`
	Static  string               `json:"static,omitempty"`
	Command string               `json:"command,omitempty"`
}

// LLMConfig configures the ingestion workflow's language-model provider.
type LLMConfig struct {
	BaseURL        string           `json:"baseUrl"`
	Model          string           `json:"model"`
	RequestTimeout time.Duration    `json:"requestTimeout"`
	MaxIterations  int              `json:"maxIterations"`
	Credential     CredentialConfig `json:"credential"`
}

// SearchConfig tunes the streaming search pipeline.
type SearchConfig struct {
	MinAbsoluteScore float64 `json:"minAbsoluteScore"`
	MinScoreGapRatio float64 `json:"minScoreGapRatio"`
	ExactMatchBoost  float64 `json:"exactMatchBoost"`
	MaxRawScore      float64 `json:"maxRawScore"`
}

// OrganicIndexConfig tunes the organic search indexer.
type OrganicIndexConfig struct {
	QueueCapacity int           `json:"queueCapacity"`
	BatchSize     int           `json:"batchSize"`
	FlushInterval time.Duration `json:"flushInterval"`
}

// ServerConfig tunes the composition-root binary: its HTTP listener and
// the handful of filesystem/network locations its adapters need that the
// core packages themselves stay agnostic to.
type ServerConfig struct {
	HTTPAddr          string `json:"httpAddr"`
	ServerVersion     string `json:"serverVersion"`
	DownloaderBaseURL string `json:"downloaderBaseUrl"`
	OutputDir         string `json:"outputDir"`
	UploadDir         string `json:"uploadDir"`
}

type Config struct {
	DataDir    string             `json:"dataDir"`
	Server     ServerConfig       `json:"server"`
	Queue      QueueConfig        `json:"queue"`
	Corruption CorruptionConfig   `json:"corruption"`
	Scheduler  SchedulerConfig    `json:"scheduler"`
	Sync       SyncConfig         `json:"sync"`
	LLM        LLMConfig          `json:"llm"`
	Search     SearchConfig       `json:"search"`
	Organic    OrganicIndexConfig `json:"organic"`

	mu       sync.RWMutex
	filePath string
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:      ":8088",
			ServerVersion: "dev",
		},
		Queue: QueueConfig{
			Workers:            4,
			DefaultMaxRetries:  5,
			BandwidthPerMinute: 0,
			BandwidthPerHour:   0,
		},
		Corruption: CorruptionConfig{
			WindowSize:            4,
			FailureThreshold:      2,
			CooldownBase:          10 * time.Minute,
			CooldownMultiplier:    2,
			CooldownMax:           2 * time.Hour,
			SuccessesToDeescalate: 10,
		},
		Scheduler: SchedulerConfig{
			StartupDelay:    0,
			TickGranularity: 60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Sync: SyncConfig{
			EventRetentionDays: 90,
			ConnectionBuffer:   32,
			SkeletonPruneAfter: 7 * 24 * time.Hour,
		},
		LLM: LLMConfig{
			BaseURL:        "https://api.anthropic.com",
			Model:          "claude-sonnet-4-5",
			RequestTimeout: 60 * time.Second,
			MaxIterations:  32,
			Credential:     CredentialConfig{Kind: CredentialNone},
		},
		Search: SearchConfig{
			MinAbsoluteScore: 0.55,
			MinScoreGapRatio: 0.15,
			ExactMatchBoost:  0.2,
			MaxRawScore:      100,
		},
		Organic: OrganicIndexConfig{
			QueueCapacity: 10000,
			BatchSize:     100,
			FlushInterval: time.Second,
		},
	}
}

// Load reads the config file from the given directory (e.g. the server's
// data dir), falling back to defaults when the file is missing or corrupt.
func Load(configDir string) (*Config, error) {
	filePath := filepath.Join(configDir, "catalogd.json")
	cfg := Default()
	cfg.filePath = filePath
	cfg.DataDir = configDir
	cfg.fillServerDefaults()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		cfg = Default()
		cfg.filePath = filePath
		cfg.DataDir = configDir
		cfg.fillServerDefaults()
		return cfg, nil
	}
	cfg.filePath = filePath
	if cfg.DataDir == "" {
		cfg.DataDir = configDir
	}
	cfg.fillServerDefaults()

	// Environment variable overrides (useful for dev/CI/staging)
	if envWorkers := os.Getenv("CATALOGD_QUEUE_WORKERS"); envWorkers != "" {
		if n, perr := strconv.Atoi(envWorkers); perr == nil && n > 0 {
			cfg.Queue.Workers = n
		}
	}
	if envModel := os.Getenv("CATALOGD_LLM_MODEL"); envModel != "" {
		cfg.LLM.Model = envModel
	}

	return cfg, nil
}

// fillServerDefaults fills in server-side paths left blank by the loaded
// config, anchoring them under DataDir the same way DataDir itself falls
// back to configDir.
func (c *Config) fillServerDefaults() {
	if c.Server.OutputDir == "" {
		c.Server.OutputDir = filepath.Join(c.DataDir, "media")
	}
	if c.Server.UploadDir == "" {
		c.Server.UploadDir = filepath.Join(c.DataDir, "uploads")
	}
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8088"
	}
}

// Save writes the current config to disk.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(c.filePath, data, 0644)
}

// Update executes fn with the mutex held, for compound mutations.
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

func (c *Config) Get() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Config{
		DataDir:    c.DataDir,
		Server:     c.Server,
		Queue:      c.Queue,
		Corruption: c.Corruption,
		Scheduler:  c.Scheduler,
		Sync:       c.Sync,
		LLM:        c.LLM,
		Search:     c.Search,
		Organic:    c.Organic,
	}
}

func (c *Config) GetQueueConfig() QueueConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Queue
}

func (c *Config) GetCorruptionConfig() CorruptionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Corruption
}

func (c *Config) GetLLMConfig() LLMConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.LLM
}
