package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/triage-ai/palisade/services/tool_gate/internal/adapter"
	"github.com/triage-ai/palisade/services/tool_gate/internal/auth"
	"github.com/triage-ai/palisade/services/tool_gate/internal/db"
	"github.com/triage-ai/palisade/services/tool_gate/internal/events"
	"github.com/triage-ai/palisade/services/tool_gate/internal/gate"
	"github.com/triage-ai/palisade/services/tool_gate/internal/hitl"
	"github.com/triage-ai/palisade/services/tool_gate/internal/ledger"
	"github.com/triage-ai/palisade/services/tool_gate/internal/limiter"
	"github.com/triage-ai/palisade/services/tool_gate/internal/policy"
	"github.com/triage-ai/palisade/services/tool_gate/internal/policy/rules"
	"github.com/triage-ai/palisade/services/tool_gate/internal/reconcile"
	"github.com/triage-ai/palisade/services/tool_gate/internal/registry"
	"github.com/triage-ai/palisade/services/tool_gate/internal/schema"
	"github.com/triage-ai/palisade/services/tool_gate/internal/server"
	"github.com/triage-ai/palisade/services/tool_gate/internal/storage"
	"github.com/triage-ai/palisade/services/tool_gate/internal/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

func main() {
	// Logger
	logger := mustBuildLogger(envOrDefault("TOOL_GATE_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	port := envOrDefault("TOOL_GATE_PORT", "50054")
	postgresDSN := os.Getenv("POSTGRES_DSN")
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	redisAddr := os.Getenv("REDIS_ADDR")
	autoMigrate := envOrDefaultBool("TOOL_GATE_AUTO_MIGRATE", false)
	contractsFile := os.Getenv("TOOL_GATE_CONTRACTS_FILE")
	contractsFromDB := envOrDefaultBool("TOOL_GATE_CONTRACTS_FROM_DB", false)
	receiptTTL := envOrDefaultDuration("TOOL_GATE_RECEIPT_TTL_S", 86400, time.Second)
	hitlTimeout := envOrDefaultDuration("TOOL_GATE_HITL_TIMEOUT_S", 900, time.Second)
	hitlPoll := envOrDefaultDuration("TOOL_GATE_HITL_POLL_MS", 500, time.Millisecond)
	policyTimeout := envOrDefaultDuration("TOOL_GATE_POLICY_TIMEOUT_MS", 250, time.Millisecond)
	sweepInterval := envOrDefaultDuration("TOOL_GATE_SWEEP_INTERVAL_S", 60, time.Second)
	authCacheTTL := envOrDefaultDuration("TOOL_GATE_AUTH_CACHE_TTL_S", 30, time.Second)

	approvalLevel, err := registry.ParseSideEffect(envOrDefault("TOOL_GATE_APPROVAL_LEVEL", string(registry.SideEffectFinancial)))
	if err != nil {
		logger.Fatal("invalid TOOL_GATE_APPROVAL_LEVEL", zap.Error(err))
	}

	logger.Info("starting tool gate server",
		zap.String("port", port),
		zap.Bool("postgres", postgresDSN != ""),
		zap.String("approval_level", string(approvalLevel)),
		zap.Duration("receipt_ttl", receiptTTL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Postgres: durable stores, tenants and contracts. Without a DSN every
	// store is in-memory (dev only).
	var conn *sql.DB
	if postgresDSN != "" {
		conn, err = sql.Open("pgx", postgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = conn.Close() }()
		conn.SetMaxOpenConns(20)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)
		if err := conn.PingContext(ctx); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		if autoMigrate {
			if err := db.Migrate(ctx, conn); err != nil {
				logger.Fatal("migration failed", zap.Error(err))
			}
			logger.Info("schema migrated")
		}
		logger.Info("postgres connected")
	} else {
		logger.Warn("no POSTGRES_DSN set, using in-memory stores")
	}

	// Contracts
	validator := schema.NewValidator()
	contracts := registry.New(validator, logger)
	var sources []registry.Source
	if contractsFile != "" {
		sources = append(sources, registry.NewFileSource(contractsFile))
	}
	if contractsFromDB && conn != nil {
		sources = append(sources, registry.NewPostgresSource(conn, logger))
	}
	n, err := registry.LoadInto(ctx, contracts, sources...)
	if err != nil {
		logger.Fatal("failed to load tool contracts", zap.Error(err))
	}
	logger.Info("tool contracts loaded", zap.Int("count", n))

	// Stores
	var (
		receipts   ledger.Store
		traceStore trace.Store
		hitlStore  hitl.Store
		eventStore events.Store
		jobs       reconcile.Queue
		tenants    reconcile.TenantSource
		authn      auth.Authenticator
	)
	if conn != nil {
		receipts = ledger.NewPostgresStore(conn, receiptTTL)
		traceStore = trace.NewPostgresStore(conn)
		hitlStore = hitl.NewPostgresStore(conn)
		eventStore = events.NewPostgresStore(conn)
		jobs = reconcile.NewPostgresQueue(conn)
		tenants = reconcile.NewPostgresTenants(conn)
		authn = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       conn,
			CacheTTL: authCacheTTL,
			Logger:   logger,
		})
	} else {
		mem := ledger.NewMemoryStore(receiptTTL)
		receipts = mem
		traceStore = trace.NewMemoryStore()
		hitlStore = hitl.NewMemoryStore()
		eventStore = events.NewMemoryStore()
		jobs = reconcile.NewMemoryQueue()
		tenants = mem
		authn = auth.NewStaticAuthenticator()
		logger.Info("using static authenticator (no POSTGRES_DSN)")
	}

	// Rate limiting: Redis token bucket shared across replicas, or local.
	var rl limiter.Limiter
	if redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, falling back to local rate limiter", zap.Error(err))
			rl = limiter.NewLocal()
		} else {
			rl = limiter.NewRedis(rdb)
			logger.Info("redis rate limiter connected")
		}
	} else {
		rl = limiter.NewLocal()
	}

	// Storage: ClickHouse or LogWriter fallback
	var writer storage.EventWriter
	if clickhouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer writer.Close()

	// Components
	traces := trace.NewRecorder(traceStore, logger)
	approvals := hitl.NewGate(hitlStore, hitl.Config{
		DefaultTimeout: hitlTimeout,
		PollInterval:   hitlPoll,
	}, logger)

	adapters := adapter.NewSet()
	adapters.SetFallback(adapter.NewHTTPAdapter(contracts, nil))

	toolGate := gate.New(gate.Deps{
		Contracts: contracts,
		Validator: validator,
		Receipts:  receipts,
		Traces:    traces,
		Adapters:  adapters,
		Policy:    policy.NewEngine(rules.Defaults(approvalLevel, rl), policyTimeout, logger),
		Approvals: approvals,
		Jobs:      jobs,
		Events:    writer,
	}, gate.Config{ApprovalTimeout: hitlTimeout}, logger)

	sweeper := reconcile.NewSweeper(tenants, receipts, jobs, approvals, sweepInterval, logger)

	// gRPC server
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 10 * time.Second,
			Time:                  30 * time.Second,
			Timeout:               5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
	)

	server.RegisterToolGateServiceServer(grpcServer, server.NewToolGateServer(server.Deps{
		Gate:      toolGate,
		Approvals: approvals,
		Receipts:  receipts,
		Traces:    traces,
		Events:    events.NewLedger(eventStore, logger),
		Auth:      authn,
	}, logger))

	// Register health service for ECS health checks
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Enable reflection for debugging with grpcurl
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("port", port), zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("tool gate server listening", zap.String("addr", lis.Addr().String()))
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("tool gate server stopped", zap.Error(err))
		os.Exit(1)
	}
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

// envOrDefaultDuration reads an integer count of unit.
func envOrDefaultDuration(key string, defaultVal int, unit time.Duration) time.Duration {
	return time.Duration(envOrDefaultInt(key, defaultVal)) * unit
}
