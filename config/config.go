package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Config struct {
	Job      JobConfig      `yaml:"job"`
	Database DatabaseConfig `yaml:"database"`
	FTP      FTPConfig      `yaml:"ftp"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type JobConfig struct {
	Name string `yaml:"name"`
	//ResourcePath glob of the input resources, ftp:// or local
	ResourcePath string `yaml:"resource_path"`
	//WorkerApp executable launched per partition, the running binary when empty
	WorkerApp       string `yaml:"worker_app"`
	ApplicationName string `yaml:"application_name"`
	//Launcher process or local
	Launcher         string        `yaml:"launcher"`
	ChunkSize        int           `yaml:"chunk_size"`
	MaxWorkers       int           `yaml:"max_workers"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	Timeout          time.Duration `yaml:"timeout"`
	StopTimeout      time.Duration `yaml:"stop_timeout"`
	FailFast         bool          `yaml:"fail_fast"`
	KeepStagedFiles  bool          `yaml:"keep_staged_files"`
	StageOnMaster    bool          `yaml:"stage_on_master"`
	StagingDir       string        `yaml:"staging_dir"`
	SkipLimit        int           `yaml:"skip_limit"`
	InitializeSchema bool          `yaml:"initialize_schema"`
	WorkerArgs       []string      `yaml:"worker_args"`
}

type DatabaseConfig struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Sslmode  string `yaml:"sslmode"`
	//Account snowflake account identifier
	Account         string        `yaml:"account"`
	Warehouse       string        `yaml:"warehouse"`
	Schema          string        `yaml:"schema"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type FTPConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	User     string        `yaml:"user"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// NewConfig config holding the default values
func NewConfig() *Config {
	return &Config{
		Job: JobConfig{
			Name:             "s3jdbc",
			ApplicationName:  "cloudbatch-worker",
			Launcher:         "process",
			ChunkSize:        20,
			MaxWorkers:       2,
			PollInterval:     10 * time.Second,
			Timeout:          time.Hour,
			StopTimeout:      30 * time.Second,
			InitializeSchema: true,
		},
		Database: DatabaseConfig{
			Type:         "mysql",
			Host:         "localhost",
			Port:         3306,
			Sslmode:      "disable",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		FTP: FTPConfig{
			Port:    21,
			Timeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "INFO"},
		Metrics: MetricsConfig{Addr: ":9090"},
	}
}

// Validate reject settings the orchestrator can not run with
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Job.ResourcePath) == "" {
		return errors.New("job.resource_path must not be empty")
	}
	if c.Job.ChunkSize < 1 {
		return errors.Errorf("job.chunk_size must be positive, got %d", c.Job.ChunkSize)
	}
	if c.Job.MaxWorkers < 1 {
		return errors.Errorf("job.max_workers must be positive, got %d", c.Job.MaxWorkers)
	}
	if c.Job.PollInterval <= 0 {
		return errors.Errorf("job.poll_interval must be positive, got %v", c.Job.PollInterval)
	}
	if c.Job.Timeout < 0 {
		return errors.Errorf("job.timeout must not be negative, got %v", c.Job.Timeout)
	}
	switch c.Job.Launcher {
	case "process", "local":
	default:
		return errors.Errorf("job.launcher must be process or local, got %q", c.Job.Launcher)
	}
	if c.Job.SkipLimit < 0 {
		return errors.Errorf("job.skip_limit must not be negative, got %d", c.Job.SkipLimit)
	}
	return nil
}

// DSN driver specific connection string of the database
func (c DatabaseConfig) DSN() string {
	switch strings.ToLower(c.Type) {
	case "postgres":
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			url.QueryEscape(c.User), url.QueryEscape(c.Password), c.Host, c.Port, c.Database, c.Sslmode)
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC",
			c.User, c.Password, c.Host, c.Port, c.Database)
	case "snowflake":
		dsn := fmt.Sprintf("%s:%s@%s/%s", url.QueryEscape(c.User), url.QueryEscape(c.Password), c.Account, c.Database)
		if c.Schema != "" {
			dsn += "/" + c.Schema
		}
		if c.Warehouse != "" {
			dsn += "?warehouse=" + url.QueryEscape(c.Warehouse)
		}
		return dsn
	default:
		return ""
	}
}
