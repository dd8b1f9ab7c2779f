package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"tracerun/internal/audit"
	"tracerun/internal/audit/export"
	auditfile "tracerun/internal/audit/store/file"
	auditpostgres "tracerun/internal/audit/store/postgres"
	"tracerun/internal/blob"
	blobdisk "tracerun/internal/blob/disk"
	blobmemory "tracerun/internal/blob/memory"
	blobminio "tracerun/internal/blob/minio"
	"tracerun/internal/lease"
	"tracerun/internal/platform/config"
	"tracerun/internal/platform/httpserver"
	"tracerun/internal/platform/metrics"
	"tracerun/internal/platform/objectstore"
	"tracerun/internal/platform/postgres"
	"tracerun/internal/platform/redis"
	"tracerun/internal/procedure"
	refsmemory "tracerun/internal/refs/memory"
	refspostgres "tracerun/internal/refs/postgres"
	"tracerun/internal/run/engine"
	runmemory "tracerun/internal/run/store/memory"
	runpostgres "tracerun/internal/run/store/postgres"
	"tracerun/internal/verifier"
)

type infra struct {
	deps      engine.Deps
	readiness map[string]httpserver.ReadinessCheck
	mirror    *export.KafkaMirror
	closers   []func() error
}

func (i *infra) Close(log *slog.Logger) {
	for j := len(i.closers) - 1; j >= 0; j-- {
		if err := i.closers[j](); err != nil {
			log.Error("failed to close resource", "error", err)
		}
	}
}

// buildInfra selects every backend from configuration. Postgres and Redis
// are optional; without them runs and leases stay in process.
func buildInfra(ctx context.Context, cfg config.Config, log *slog.Logger, m *metrics.Metrics) (*infra, error) {
	in := &infra{readiness: map[string]httpserver.ReadinessCheck{}}
	fail := func(err error) (*infra, error) {
		in.Close(log)
		return nil, err
	}

	var db *sql.DB
	if cfg.Postgres.URL != "" {
		var err error
		db, err = postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return fail(fmt.Errorf("open postgres: %w", err))
		}
		in.closers = append(in.closers, db.Close)
		if err := postgres.EnsureSchema(ctx, db); err != nil {
			return fail(fmt.Errorf("ensure schema: %w", err))
		}
		in.readiness["postgres"] = db.PingContext
		store := runpostgres.New(db)
		refs := refspostgres.New(db)
		in.deps.Runs = store
		in.deps.Tickets = refs
		in.deps.Assets = refs
		in.deps.TicketStatus = refs
		log.InfoContext(ctx, "using postgres run store")
	} else {
		refs := refsmemory.New()
		in.deps.Runs = runmemory.New()
		in.deps.Tickets = refs
		in.deps.Assets = refs
		in.deps.TicketStatus = refs
		log.WarnContext(ctx, "DATABASE_URL not set; runs and tickets are kept in memory")
	}

	rc, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return fail(fmt.Errorf("connect redis: %w", err))
	}
	if rc != nil {
		in.closers = append(in.closers, rc.Close)
		in.readiness["redis"] = rc.Health
		in.deps.Leases = lease.NewRedis(rc.Client, lease.WithKeyPrefix(cfg.Redis.LeasePrefix))
		log.InfoContext(ctx, "using redis lease store")
	} else {
		in.deps.Leases = lease.NewMemory()
		log.WarnContext(ctx, "REDIS_URL not set; run leases are process-local")
	}

	blobs, err := buildBlobStore(ctx, cfg.ObjectStore)
	if err != nil {
		return fail(err)
	}
	in.deps.Blobs = blobs

	var observers []audit.Option
	if len(cfg.Kafka.Brokers) > 0 {
		client, err := export.NewKafkaClient(cfg.Kafka.Brokers, cfg.Kafka.AuditTopic)
		if err != nil {
			return fail(fmt.Errorf("kafka client: %w", err))
		}
		in.closers = append(in.closers, func() error { client.Close(); return nil })
		in.mirror = export.NewKafkaMirror(client, cfg.Kafka.AuditTopic, export.WithLogger(log))
		observers = append(observers, audit.WithObserver(in.mirror.Observe))
		log.InfoContext(ctx, "mirroring audit events to kafka", "topic", cfg.Kafka.AuditTopic)
	}

	var shardStore audit.ShardStore
	switch cfg.Audit.Backend {
	case "postgres":
		if db == nil {
			return fail(fmt.Errorf("postgres audit backend requires DATABASE_URL"))
		}
		shardStore = auditpostgres.New(db)
	default:
		fs, err := auditfile.New(cfg.Audit.Dir)
		if err != nil {
			return fail(fmt.Errorf("open audit log: %w", err))
		}
		in.closers = append(in.closers, fs.Close)
		shardStore = fs
	}
	auditLog := audit.New(shardStore, append(observers, audit.WithShardPeriod(cfg.Audit.ShardPeriod))...)
	if _, _, err := auditLog.Head(ctx); err != nil {
		return fail(fmt.Errorf("load audit head: %w", err))
	}
	in.deps.Audit = audit.NewPublisher(auditLog, audit.WithLogger(log), audit.WithMetrics(m))
	in.deps.AuditLog = auditLog

	in.deps.Procedures = procedure.NewDefaultRegistry(verifier.New())
	return in, nil
}

func buildBlobStore(ctx context.Context, cfg config.ObjectStore) (blob.Store, error) {
	switch cfg.Backend {
	case "memory":
		return blobmemory.New(), nil
	case "minio":
		client, err := objectstore.NewMinIOClient(cfg)
		if err != nil {
			return nil, fmt.Errorf("minio client: %w", err)
		}
		if err := objectstore.EnsureBucket(ctx, client, cfg); err != nil {
			return nil, fmt.Errorf("ensure bucket: %w", err)
		}
		return blobminio.New(client, cfg.Bucket)
	default:
		return blobdisk.New(cfg.DiskPath)
	}
}
