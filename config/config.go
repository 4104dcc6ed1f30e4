package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models the YAML configuration file.
type Config struct {
	Server     ServerConfig   `yaml:"server"`
	Log        LogConfig      `yaml:"log"`
	Properties Properties     `yaml:"properties"`
	Storage    StorageConfig  `yaml:"storage"`
	Catalog    CatalogConfig  `yaml:"catalog"`
	Table      TableConfig    `yaml:"table"`
	Source     SourceSettings `yaml:"source"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// StorageConfig selects where data files and manifests are written.
type StorageConfig struct {
	Backend string        `yaml:"backend"`
	Dir     string        `yaml:"dir"`
	MinIO   MinIOSettings `yaml:"minio"`
}

// MinIOSettings configures the MinIO object store backend.
type MinIOSettings struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseSSL    bool   `yaml:"useSSL"`
	Prefix    string `yaml:"prefix"`
}

// CatalogConfig configures the pebble-backed table catalog.
type CatalogConfig struct {
	Dir  string `yaml:"dir"`
	Sync *bool  `yaml:"sync"`
}

// TableConfig describes the table to create when the catalog does not have it yet.
type TableConfig struct {
	Location string      `yaml:"location"`
	Schema   []FieldSpec `yaml:"schema"`
}

// FieldSpec is one column of TableConfig.Schema.
type FieldSpec struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Required bool   `yaml:"required"`
}

// SourceSettings configures the source topics feeding the table writer.
type SourceSettings struct {
	Topics    []string `yaml:"topics"`
	GroupID   string   `yaml:"groupID"`
	BatchSize int      `yaml:"batchSize"`
	MinBytes  int      `yaml:"minBytes"`
	MaxBytes  int      `yaml:"maxBytes"`
}

const (
	StorageBackendFile  = "file"
	StorageBackendMinIO = "minio"
)

// Load parses a YAML configuration file from disk.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Server.Addr) == "" {
		c.Server.Addr = ":8083"
	}
	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = "info"
	}
	if c.Properties == nil {
		c.Properties = make(Properties)
	}
	c.Storage.applyDefaults()
	if strings.TrimSpace(c.Catalog.Dir) == "" {
		c.Catalog.Dir = "catalog"
	}
	if c.Catalog.Sync == nil {
		sync := true
		c.Catalog.Sync = &sync
	}
	c.Source.applyDefaults()
}

func (s *StorageConfig) applyDefaults() {
	s.Backend = strings.ToLower(strings.TrimSpace(s.Backend))
	if s.Backend == "" {
		s.Backend = StorageBackendFile
	}
	if strings.TrimSpace(s.Dir) == "" {
		s.Dir = "warehouse"
	}
	if strings.TrimSpace(s.MinIO.Prefix) == "" {
		s.MinIO.Prefix = "warehouse"
	}
}

func (s *SourceSettings) applyDefaults() {
	if strings.TrimSpace(s.GroupID) == "" {
		s.GroupID = "table-forge-source"
	}
	if s.BatchSize == 0 {
		s.BatchSize = 500
	}
	if s.MinBytes == 0 {
		s.MinBytes = 1
	}
	if s.MaxBytes == 0 {
		s.MaxBytes = 10e6
	}
}

// Validate checks the settings the channel and table writer cannot run without.
func (c *Config) Validate() error {
	if err := c.Properties.Require(PropCoordinatorTopic, PropCommitGroupID, PropKafkaPrefix+"bootstrap.servers"); err != nil {
		return err
	}
	switch c.Storage.Backend {
	case StorageBackendFile:
	case StorageBackendMinIO:
		if strings.TrimSpace(c.Storage.MinIO.Bucket) == "" {
			return errors.New("storage.minio.bucket is required for the minio backend")
		}
	default:
		return fmt.Errorf("unsupported storage backend %q", c.Storage.Backend)
	}
	for _, f := range c.Table.Schema {
		if strings.TrimSpace(f.Name) == "" || strings.TrimSpace(f.Type) == "" {
			return errors.New("table.schema fields need a name and a type")
		}
	}
	return nil
}

// CommitInterval returns sink.table.commit-interval-ms or the default.
func (c *Config) CommitInterval() (time.Duration, error) {
	d, err := c.Properties.Millis(PropCommitIntervalMs, DefaultCommitInterval)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.New("commit interval must be positive")
	}
	return d, nil
}

// PollInterval returns sink.channel.poll-interval-ms or the default.
func (c *Config) PollInterval() (time.Duration, error) {
	d, err := c.Properties.Millis(PropPollIntervalMs, DefaultPollInterval)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		d = DefaultPollInterval
	}
	return d, nil
}

// TargetFileRecords returns sink.table.target-file-records or the default.
func (c *Config) TargetFileRecords() (int, error) {
	n, err := c.Properties.Int(PropTargetFileRecords, DefaultTargetFileRecords)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		n = DefaultTargetFileRecords
	}
	return n, nil
}
