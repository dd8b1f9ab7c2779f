package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tracerun/internal/platform/env"
)

// Config is the full process configuration, read once in main.
type Config struct {
	Server      Server
	Log         Log
	Postgres    Postgres
	Redis       RedisConfig
	ObjectStore ObjectStore
	Audit       Audit
	Engine      Engine
	Kafka       Kafka
}

// Server captures the operational HTTP listener (health and metrics only).
type Server struct {
	Addr            string
	ShutdownTimeout time.Duration
}

type Log struct {
	Level  string
	Format string
}

// Postgres is optional; an empty URL keeps run, artifact and reference data in memory.
type Postgres struct {
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig is optional; an empty URL selects the in-process lease store.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// LeasePrefix namespaces run lease keys.
	LeasePrefix string
}

// ObjectStore selects the byte store for artifact content.
type ObjectStore struct {
	Backend   string // memory, disk or minio
	DiskPath  string
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// Audit selects where the hash-chained log lives.
type Audit struct {
	Backend     string // file or postgres
	Dir         string
	ShardPeriod string // day or none
}

// Engine bounds every blocking step of run execution.
type Engine struct {
	RunTimeout        time.Duration
	LeaseTTL          time.Duration
	AcquireTimeout    time.Duration
	Backoff           string // fail_fast or wait
	VerifyTimeout     time.Duration
	MaxArtifactBytes  int64
	AdmissibleStatus  []string
	ReconcileInterval time.Duration
}

// Kafka is optional; with brokers set, appended audit events are mirrored to AuditTopic.
type Kafka struct {
	Brokers    []string
	AuditTopic string
}

const (
	BackoffFailFast = "fail_fast"
	BackoffWait     = "wait"
)

// DefaultAdmissibleStatus are the ticket statuses a run may be opened against.
var DefaultAdmissibleStatus = []string{"submitted", "approved", "running"}

// FromEnv builds the configuration from environment variables so main stays lean.
func FromEnv() (Config, error) {
	var (
		cfg  Config
		errs []error
	)
	dur := func(key string, def time.Duration) time.Duration {
		d, err := env.Duration(key, def)
		errs = append(errs, err)
		return d
	}
	num := func(key string, def int) int {
		n, err := env.Int(key, def)
		errs = append(errs, err)
		return n
	}

	cfg.Server = Server{
		Addr:            env.String("TRACERUN_ADDR", ":8080"),
		ShutdownTimeout: dur("TRACERUN_SHUTDOWN_TIMEOUT", 10*time.Second),
	}
	cfg.Log = Log{
		Level:  env.String("LOG_LEVEL", "info"),
		Format: env.String("LOG_FORMAT", "json"),
	}
	cfg.Postgres = Postgres{
		URL:             env.String("DATABASE_URL", ""),
		PingTimeout:     dur("DATABASE_PING_TIMEOUT", 2*time.Second),
		MaxOpenConns:    num("DATABASE_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    num("DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: dur("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
	}
	cfg.Redis = RedisConfig{
		URL:          env.String("REDIS_URL", ""),
		PoolSize:     num("REDIS_POOL_SIZE", 10),
		MinIdleConns: num("REDIS_MIN_IDLE_CONNS", 2),
		DialTimeout:  dur("REDIS_DIAL_TIMEOUT", 5*time.Second),
		ReadTimeout:  dur("REDIS_READ_TIMEOUT", 3*time.Second),
		WriteTimeout: dur("REDIS_WRITE_TIMEOUT", 3*time.Second),
		LeasePrefix:  env.String("REDIS_LEASE_PREFIX", "tracerun:lease:run:"),
	}
	useSSL, err := env.Bool("OBJECTSTORE_USE_SSL", false)
	errs = append(errs, err)
	cfg.ObjectStore = ObjectStore{
		Backend:   strings.ToLower(env.String("OBJECTSTORE_BACKEND", "disk")),
		DiskPath:  env.String("ARTIFACT_STORAGE_PATH", "./data/artifacts"),
		Endpoint:  env.String("OBJECTSTORE_ENDPOINT", ""),
		AccessKey: env.String("OBJECTSTORE_ACCESS_KEY", ""),
		SecretKey: env.String("OBJECTSTORE_SECRET_KEY", ""),
		Bucket:    env.String("OBJECTSTORE_BUCKET", "tracerun-artifacts"),
		Region:    env.String("OBJECTSTORE_REGION", "us-east-1"),
		UseSSL:    useSSL,
	}
	cfg.Audit = Audit{
		Backend:     strings.ToLower(env.String("AUDIT_BACKEND", "file")),
		Dir:         env.String("AUDIT_LOG_PATH", "./data/audit"),
		ShardPeriod: strings.ToLower(env.String("AUDIT_SHARD_PERIOD", "day")),
	}
	maxBytes, err := env.Int64("MAX_ARTIFACT_BYTES", 100*1024*1024)
	errs = append(errs, err)
	cfg.Engine = Engine{
		RunTimeout:        dur("RUN_TIMEOUT", 5*time.Minute),
		LeaseTTL:          dur("RUN_LEASE_TTL", 6*time.Minute),
		AcquireTimeout:    dur("RUN_LEASE_ACQUIRE_TIMEOUT", 2*time.Second),
		Backoff:           strings.ToLower(env.String("RUN_LEASE_BACKOFF", BackoffFailFast)),
		VerifyTimeout:     dur("ARTIFACT_VERIFY_TIMEOUT", 30*time.Second),
		MaxArtifactBytes:  maxBytes,
		AdmissibleStatus:  env.List("RUN_ADMISSIBLE_TICKET_STATUSES", DefaultAdmissibleStatus),
		ReconcileInterval: dur("RUN_RECONCILE_INTERVAL", time.Minute),
	}
	cfg.Kafka = Kafka{
		Brokers:    env.List("KAFKA_BROKERS", nil),
		AuditTopic: env.String("KAFKA_AUDIT_TOPIC", "tracerun.audit"),
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects combinations that would fail later at wiring time.
func (c Config) Validate() error {
	var errs []error
	switch c.ObjectStore.Backend {
	case "memory", "disk":
	case "minio":
		if c.ObjectStore.Endpoint == "" {
			errs = append(errs, errors.New("OBJECTSTORE_ENDPOINT is required for minio"))
		}
		if c.ObjectStore.Bucket == "" {
			errs = append(errs, errors.New("OBJECTSTORE_BUCKET is required for minio"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported OBJECTSTORE_BACKEND: %s", c.ObjectStore.Backend))
	}
	switch c.Audit.Backend {
	case "file":
		if c.Audit.Dir == "" {
			errs = append(errs, errors.New("AUDIT_LOG_PATH is required for file audit"))
		}
	case "postgres":
		if c.Postgres.URL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for postgres audit"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported AUDIT_BACKEND: %s", c.Audit.Backend))
	}
	if c.Audit.ShardPeriod != "day" && c.Audit.ShardPeriod != "none" {
		errs = append(errs, fmt.Errorf("unsupported AUDIT_SHARD_PERIOD: %s", c.Audit.ShardPeriod))
	}
	if c.Engine.Backoff != BackoffFailFast && c.Engine.Backoff != BackoffWait {
		errs = append(errs, fmt.Errorf("unsupported RUN_LEASE_BACKOFF: %s", c.Engine.Backoff))
	}
	if c.Engine.RunTimeout <= 0 {
		errs = append(errs, errors.New("RUN_TIMEOUT must be positive"))
	}
	if c.Engine.LeaseTTL > 0 && c.Engine.LeaseTTL < c.Engine.RunTimeout {
		errs = append(errs, errors.New("RUN_LEASE_TTL must not be shorter than RUN_TIMEOUT"))
	}
	if c.Engine.AcquireTimeout <= 0 || c.Engine.VerifyTimeout <= 0 {
		errs = append(errs, errors.New("lease acquire and verify timeouts must be positive"))
	}
	if c.Engine.MaxArtifactBytes <= 0 {
		errs = append(errs, errors.New("MAX_ARTIFACT_BYTES must be positive"))
	}
	if len(c.Engine.AdmissibleStatus) == 0 {
		errs = append(errs, errors.New("RUN_ADMISSIBLE_TICKET_STATUSES must not be empty"))
	}
	if c.Postgres.URL != "" && c.Postgres.MaxIdleConns > c.Postgres.MaxOpenConns {
		errs = append(errs, errors.New("DATABASE_MAX_IDLE_CONNS must be <= DATABASE_MAX_OPEN_CONNS"))
	}
	return errors.Join(errs...)
}
