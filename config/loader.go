package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefix of environment variables overriding file settings
const EnvPrefix = "CLOUDBATCH_"

// LoadEnvFile loads KEY=VALUE pairs of .env files into the process environment,
// variables already set are not overridden. Missing files are ignored.
func LoadEnvFile(paths ...string) error {
	existing := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// Load builds the config from defaults, then the YAML file at path if given, then environment overrides
func Load(path string) (*Config, error) {
	cfg := NewConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
		if err = yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config file %s", path)
		}
	}
	if err := loadEnvVars(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

type envLoader struct {
	err error
}

func (l *envLoader) str(name string, target *string) {
	if v, ok := os.LookupEnv(EnvPrefix + name); ok {
		*target = v
	}
}

func (l *envLoader) int(name string, target *int) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || l.err != nil {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		l.err = errors.Errorf("invalid %s%s: %q", EnvPrefix, name, v)
		return
	}
	*target = n
}

func (l *envLoader) bool(name string, target *bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || l.err != nil {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		l.err = errors.Errorf("invalid %s%s: %q", EnvPrefix, name, v)
		return
	}
	*target = b
}

func (l *envLoader) duration(name string, target *time.Duration) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || l.err != nil {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		l.err = errors.Errorf("invalid %s%s: %q", EnvPrefix, name, v)
		return
	}
	*target = d
}

func (l *envLoader) list(name string, target *[]string) {
	if v, ok := os.LookupEnv(EnvPrefix + name); ok {
		parts := strings.Fields(v)
		*target = parts
	}
}

func loadEnvVars(cfg *Config) error {
	l := &envLoader{}
	l.str("JOB_NAME", &cfg.Job.Name)
	l.str("JOB_RESOURCE_PATH", &cfg.Job.ResourcePath)
	l.str("JOB_WORKER_APP", &cfg.Job.WorkerApp)
	l.str("JOB_APPLICATION_NAME", &cfg.Job.ApplicationName)
	l.str("JOB_LAUNCHER", &cfg.Job.Launcher)
	l.int("JOB_CHUNK_SIZE", &cfg.Job.ChunkSize)
	l.int("JOB_MAX_WORKERS", &cfg.Job.MaxWorkers)
	l.duration("JOB_POLL_INTERVAL", &cfg.Job.PollInterval)
	l.duration("JOB_TIMEOUT", &cfg.Job.Timeout)
	l.duration("JOB_STOP_TIMEOUT", &cfg.Job.StopTimeout)
	l.bool("JOB_FAIL_FAST", &cfg.Job.FailFast)
	l.bool("JOB_KEEP_STAGED_FILES", &cfg.Job.KeepStagedFiles)
	l.bool("JOB_STAGE_ON_MASTER", &cfg.Job.StageOnMaster)
	l.str("JOB_STAGING_DIR", &cfg.Job.StagingDir)
	l.int("JOB_SKIP_LIMIT", &cfg.Job.SkipLimit)
	l.bool("JOB_INITIALIZE_SCHEMA", &cfg.Job.InitializeSchema)
	l.list("JOB_WORKER_ARGS", &cfg.Job.WorkerArgs)

	l.str("DATABASE_TYPE", &cfg.Database.Type)
	l.str("DATABASE_HOST", &cfg.Database.Host)
	l.int("DATABASE_PORT", &cfg.Database.Port)
	l.str("DATABASE_DATABASE", &cfg.Database.Database)
	l.str("DATABASE_USER", &cfg.Database.User)
	l.str("DATABASE_PASSWORD", &cfg.Database.Password)
	l.str("DATABASE_SSLMODE", &cfg.Database.Sslmode)
	l.str("DATABASE_ACCOUNT", &cfg.Database.Account)
	l.str("DATABASE_WAREHOUSE", &cfg.Database.Warehouse)
	l.str("DATABASE_SCHEMA", &cfg.Database.Schema)
	l.int("DATABASE_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns)
	l.int("DATABASE_MAX_IDLE_CONNS", &cfg.Database.MaxIdleConns)

	l.str("FTP_HOST", &cfg.FTP.Host)
	l.int("FTP_PORT", &cfg.FTP.Port)
	l.str("FTP_USER", &cfg.FTP.User)
	l.str("FTP_PASSWORD", &cfg.FTP.Password)
	l.duration("FTP_TIMEOUT", &cfg.FTP.Timeout)

	l.str("LOGGING_LEVEL", &cfg.Logging.Level)
	l.bool("METRICS_ENABLED", &cfg.Metrics.Enabled)
	l.str("METRICS_ADDR", &cfg.Metrics.Addr)
	return l.err
}
