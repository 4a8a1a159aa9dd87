package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"marketscope/internal/call"
	"marketscope/internal/pipeline"
)

// Config is the fully resolved runtime configuration: optional YAML file
// first, environment variables on top.
type Config struct {
	GeminiAPIKey string
	Env          string

	OutDir string
	Port   string

	Concurrency int64
	RPS         float64
	Burst       int

	MaxCategories          int
	MaxSegmentsPerCategory int

	Models map[pipeline.StageRole]string
	Retry  call.RetryPolicy

	Artifact    ArtifactConfig
	PostgresDSN string
}

// ArtifactConfig wires the optional S3/MinIO artifact mirror.
type ArtifactConfig struct {
	Enabled   bool
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type fileConfig struct {
	Models      map[string]string `yaml:"models"`
	Concurrency int64             `yaml:"concurrency"`
	RPS         float64           `yaml:"rps"`
	Burst       int               `yaml:"burst"`
	Limits      struct {
		MaxCategories          int `yaml:"max_categories"`
		MaxSegmentsPerCategory int `yaml:"max_segments_per_category"`
	} `yaml:"limits"`
	Retry struct {
		MaxAttempts    int    `yaml:"max_attempts"`
		SchemaAttempts int    `yaml:"schema_attempts"`
		BaseDelay      string `yaml:"base_delay"`
		MaxDelay       string `yaml:"max_delay"`
		AttemptTimeout string `yaml:"attempt_timeout"`
	} `yaml:"retry"`
	OutDir string `yaml:"out_dir"`
}

// Load resolves configuration from the YAML file at path (optional; empty
// path tries config.yaml and skips silently when absent) and the
// environment. A .env file is honored when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:         firstNonEmpty(strings.TrimSpace(os.Getenv("APP_ENV")), "local"),
		OutDir:      "out",
		Port:        ":8080",
		Concurrency: pipeline.DefaultConcurrency,
		RPS:         2,
		Burst:       4,
		Models:      pipeline.DefaultModels(),
		Retry:       call.DefaultRetryPolicy(),
	}

	if err := cfg.applyFile(path); err != nil {
		return nil, err
	}
	cfg.applyEnv()

	cfg.GeminiAPIKey = firstNonEmpty(
		strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		strings.TrimSpace(os.Getenv("GOOGLE_API_KEY")),
	)
	cfg.PostgresDSN = strings.TrimSpace(os.Getenv("POSTGRES_DSN"))
	cfg.Artifact = loadArtifactConfig(cfg.Env)
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	optional := path == ""
	if optional {
		path = "config.yaml"
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if optional && os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	for name, model := range fc.Models {
		role, ok := roleByName(name)
		if !ok {
			return fmt.Errorf("config: %s: unknown role %q", path, name)
		}
		if model != "" {
			c.Models[role] = model
		}
	}
	if fc.Concurrency > 0 {
		c.Concurrency = fc.Concurrency
	}
	if fc.RPS > 0 {
		c.RPS = fc.RPS
	}
	if fc.Burst > 0 {
		c.Burst = fc.Burst
	}
	if fc.Limits.MaxCategories > 0 {
		c.MaxCategories = fc.Limits.MaxCategories
	}
	if fc.Limits.MaxSegmentsPerCategory > 0 {
		c.MaxSegmentsPerCategory = fc.Limits.MaxSegmentsPerCategory
	}
	if fc.Retry.MaxAttempts > 0 {
		c.Retry.MaxAttempts = fc.Retry.MaxAttempts
	}
	if fc.Retry.SchemaAttempts > 0 {
		c.Retry.SchemaAttempts = fc.Retry.SchemaAttempts
	}
	if err := applyDuration(&c.Retry.BaseDelay, fc.Retry.BaseDelay, path, "retry.base_delay"); err != nil {
		return err
	}
	if err := applyDuration(&c.Retry.MaxDelay, fc.Retry.MaxDelay, path, "retry.max_delay"); err != nil {
		return err
	}
	if err := applyDuration(&c.Retry.AttemptTimeout, fc.Retry.AttemptTimeout, path, "retry.attempt_timeout"); err != nil {
		return err
	}
	if fc.OutDir != "" {
		c.OutDir = fc.OutDir
	}
	return nil
}

func applyDuration(dst *time.Duration, raw, path, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: %s: %s: %w", path, field, err)
	}
	if d > 0 {
		*dst = d
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		if strings.HasPrefix(v, ":") {
			c.Port = v
		} else {
			c.Port = ":" + v
		}
	}
	if v := strings.TrimSpace(os.Getenv("OUT_DIR")); v != "" {
		c.OutDir = v
	}
	if n, ok := envInt("PIPELINE_CONCURRENCY"); ok && n > 0 {
		c.Concurrency = int64(n)
	}
	if f, ok := envFloat("LLM_RPS"); ok && f > 0 {
		c.RPS = f
	}
	if n, ok := envInt("LLM_BURST"); ok && n > 0 {
		c.Burst = n
	}
	if n, ok := envInt("MAX_CATEGORIES"); ok && n > 0 {
		c.MaxCategories = n
	}
	if n, ok := envInt("MAX_SEGMENTS_PER_CATEGORY"); ok && n > 0 {
		c.MaxSegmentsPerCategory = n
	}
}

// Settings maps the config onto the orchestrator's knobs.
func (c *Config) Settings() pipeline.Settings {
	return pipeline.Settings{
		Models:      c.Models,
		Retry:       c.Retry,
		Concurrency: c.Concurrency,
	}
}

// Options maps the config onto per-run fan-out caps.
func (c *Config) Options() pipeline.Options {
	return pipeline.Options{
		MaxCategories:          c.MaxCategories,
		MaxSegmentsPerCategory: c.MaxSegmentsPerCategory,
	}
}

func roleByName(name string) (pipeline.StageRole, bool) {
	for _, role := range pipeline.StageOrder {
		if role.String() == name {
			return role, true
		}
	}
	return 0, false
}

func loadArtifactConfig(env string) ArtifactConfig {
	endpoint := resolveArtifactEndpoint(env)
	return ArtifactConfig{
		Enabled:   endpoint != "",
		Endpoint:  endpoint,
		Region:    firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_REGION")), "us-east-1"),
		AccessKey: firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_ACCESS_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_USER"))),
		SecretKey: firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_SECRET_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_PASSWORD"))),
		Bucket:    firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_BUCKET")), "marketscope-artifacts"),
		UseSSL:    resolveArtifactUseSSL(env),
	}
}

func resolveArtifactEndpoint(env string) string {
	if strings.EqualFold(strings.TrimSpace(env), "local") {
		return strings.TrimSpace(os.Getenv("ARTIFACT_MINIO_ENDPOINT"))
	}
	return strings.TrimSpace(os.Getenv("ARTIFACT_S3_ENDPOINT"))
}

func resolveArtifactUseSSL(env string) bool {
	if strings.EqualFold(strings.TrimSpace(env), "local") {
		return false
	}
	raw := strings.TrimSpace(os.Getenv("ARTIFACT_S3_USE_SSL"))
	if raw == "" {
		return true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return true
	}
	return v
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
