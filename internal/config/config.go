// Package config loads and validates the forcevault run configuration.
package config

import (
	"fmt"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Environment overrides for headless runs.
const (
	EnvOutputRoot  = "FORCEVAULT_OUTPUT_ROOT"
	EnvParallelism = "FORCEVAULT_PARALLELISM"
	EnvBatchSize   = "FORCEVAULT_BATCH_SIZE"
)

// AuthConfig holds credentials for the source or target tenant.
// Either AccessToken or the client-credentials tuple must be set.
type AuthConfig struct {
	InstanceURL  string `yaml:"instance_url"`
	AccessToken  string `yaml:"access_token"`
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
}

// DatabaseConfig holds warehouse connection settings for the table sink.
type DatabaseConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Database       string `yaml:"database"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	Charset        string `yaml:"charset"`
	RecreateTables bool   `yaml:"recreate_tables"`
}

// DSN builds a MySQL DSN from the database config.
func (d *DatabaseConfig) DSN() string {
	charset := d.Charset
	if charset == "" {
		charset = "utf8mb4"
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=UTC",
		d.Username, d.Password, d.Host, d.Port, d.Database, charset)
}

// TransformConfig describes cross-tenant value remapping applied on restore.
type TransformConfig struct {
	UserMapping       map[string]string            `yaml:"user_mapping"`        // old user id -> new user id
	RecordTypeMapping map[string]string            `yaml:"record_type_mapping"` // old RecordTypeId -> new
	PicklistMapping   map[string]map[string]string `yaml:"picklist_mapping"`    // field -> old value -> new value
}

// RestoreConfig holds restore engine options.
type RestoreConfig struct {
	Operation             string           `yaml:"operation"` // insert, upsert, update
	BatchSize             int              `yaml:"batch_size"`
	StopOnError           bool             `yaml:"stop_on_error"`
	ValidateBeforeRestore bool             `yaml:"validate_before_restore"`
	PreserveIds           bool             `yaml:"preserve_ids"`
	DryRun                bool             `yaml:"dry_run"`
	ExternalIDField       string           `yaml:"external_id_field"`
	DeferUnresolved       bool             `yaml:"defer_unresolved"`
	Transform             *TransformConfig `yaml:"transform"`
}

// Config is the full run configuration.
type Config struct {
	Auth       AuthConfig      `yaml:"auth"`
	TargetAuth *AuthConfig     `yaml:"target_auth"` // restore target; defaults to Auth
	APIVersion string          `yaml:"api_version"`
	Username   string          `yaml:"username"` // history key; defaults to Auth.Username
	OutputRoot string          `yaml:"output_root"`
	Objects    []string        `yaml:"objects"` // empty means all queryable objects

	Parallelism           int    `yaml:"parallelism"`
	RecordLimit           int    `yaml:"record_limit"`
	Incremental           bool   `yaml:"incremental"`
	CustomWhere           string `yaml:"custom_where"`
	Compress              bool   `yaml:"compress"`
	IncludeRelated        bool   `yaml:"include_related"`
	RelationshipDepth     int    `yaml:"relationship_depth"`
	PriorityOnly          bool   `yaml:"priority_only"`
	PreserveRelationships bool   `yaml:"preserve_relationships"`

	HTTPTimeoutSeconds int `yaml:"http_timeout_seconds"`

	Database   *DatabaseConfig `yaml:"database"`    // optional warehouse sink
	HistoryDSN string          `yaml:"history_dsn"` // optional backup-history database

	Restore RestoreConfig `yaml:"restore"`
}

// Load reads, parses, and validates a YAML config file, applying
// environment overrides afterwards.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"output_root": cfg.OutputRoot,
		"parallelism": cfg.Parallelism,
		"incremental": cfg.Incremental,
		"objects":     len(cfg.Objects),
		"table_sink":  cfg.Database != nil,
	}).Info("Configuration loaded")

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		APIVersion:         "62.0",
		Parallelism:        15,
		RelationshipDepth:  1,
		HTTPTimeoutSeconds: 120,
		Restore: RestoreConfig{
			Operation:       "insert",
			BatchSize:       200,
			DeferUnresolved: true,
		},
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(EnvOutputRoot); v != "" {
		c.OutputRoot = v
	}
	if v := os.Getenv(EnvParallelism); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Parallelism = n
		} else {
			log.WithField("value", v).Warn("Ignoring invalid parallelism override")
		}
	}
	if v := os.Getenv(EnvBatchSize); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Restore.BatchSize = n
		} else {
			log.WithField("value", v).Warn("Ignoring invalid batch size override")
		}
	}
}

// Validate checks the configuration for fatal errors.
func (c *Config) Validate() error {
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("invalid auth config: %w", err)
	}
	if c.TargetAuth != nil {
		if err := c.TargetAuth.Validate(); err != nil {
			return fmt.Errorf("invalid target auth config: %w", err)
		}
	}
	if c.OutputRoot == "" {
		return fmt.Errorf("output_root is required")
	}
	if c.Parallelism < 1 || c.Parallelism > 15 {
		return fmt.Errorf("parallelism must be between 1 and 15, got %d", c.Parallelism)
	}
	if c.RelationshipDepth < 1 || c.RelationshipDepth > 3 {
		return fmt.Errorf("relationship_depth must be 1, 2, or 3, got %d", c.RelationshipDepth)
	}
	if c.RecordLimit < 0 {
		return fmt.Errorf("record_limit must not be negative")
	}
	if c.HTTPTimeoutSeconds <= 0 {
		return fmt.Errorf("http_timeout_seconds must be positive")
	}
	if c.Database != nil {
		if err := c.Database.Validate(); err != nil {
			return fmt.Errorf("invalid database config: %w", err)
		}
	}
	if c.Restore.BatchSize < 1 || c.Restore.BatchSize > 10000 {
		return fmt.Errorf("restore batch_size must be between 1 and 10000, got %d", c.Restore.BatchSize)
	}
	switch c.Restore.Operation {
	case "insert", "upsert", "update":
	default:
		return fmt.Errorf("restore operation must be insert, upsert, or update, got %q", c.Restore.Operation)
	}
	if c.Restore.Operation == "upsert" && c.Restore.ExternalIDField == "" {
		return fmt.Errorf("restore external_id_field is required for upsert")
	}
	return nil
}

// Validate checks that the auth config can produce a session.
func (a *AuthConfig) Validate() error {
	if a.InstanceURL == "" {
		return fmt.Errorf("instance_url is required")
	}
	if a.AccessToken != "" {
		return nil
	}
	if a.ClientID == "" || a.ClientSecret == "" || a.Username == "" || a.Password == "" {
		return fmt.Errorf("either access_token or client_id/client_secret/username/password is required")
	}
	return nil
}

// Validate checks the warehouse database config.
func (d *DatabaseConfig) Validate() error {
	if d.Host == "" {
		return fmt.Errorf("host is required")
	}
	if d.Port <= 0 || d.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if d.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if d.Username == "" {
		return fmt.Errorf("username is required")
	}
	return nil
}

// HistoryUser returns the username used to key backup history records.
func (c *Config) HistoryUser() string {
	if c.Username != "" {
		return c.Username
	}
	return c.Auth.Username
}
