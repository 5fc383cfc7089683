package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"shopfloor/backend/internal/config"
	"shopfloor/backend/internal/metrics"
	"shopfloor/backend/internal/notify"
	"shopfloor/backend/internal/schedule"
	"shopfloor/backend/internal/service/appointments"
	"shopfloor/backend/internal/store"
	"shopfloor/backend/internal/store/memory"
	"shopfloor/backend/internal/store/postgres"
	grpcTransport "shopfloor/backend/internal/transport/grpc"
	httpTransport "shopfloor/backend/internal/transport/http"
)

const serviceName = "shopfloor-server"

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).With(
		slog.String("service", serviceName),
	)
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)})).With(
		slog.String("service", serviceName),
	)
	slog.SetDefault(log)

	log.Info("starting",
		slog.String("http_addr", cfg.HTTPAddr),
		slog.String("grpc_addr", cfg.GRPCAddr()),
		slog.String("database_driver", cfg.DatabaseDriver),
		slog.String("log_level", cfg.LogLevel),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, closeRepo, err := openRepository(ctx, cfg, log)
	if err != nil {
		os.Exit(1)
	}
	defer closeRepo()

	var publisher notify.Publisher = notify.Nop{}
	if cfg.RedisURL != "" {
		rp, err := notify.NewRedisPublisher(ctx, cfg.RedisURL, cfg.RedisChannelPrefix)
		if err != nil {
			log.Error("redis connection failed", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := rp.Close(); err != nil {
				log.Warn("redis close failed", slog.Any("err", err))
			}
		}()
		publisher = rp
		log.Info("publishing box events", slog.String("channel_prefix", cfg.RedisChannelPrefix))
	}

	svc := appointments.NewService(repo,
		appointments.WithLimits(schedule.Limits{MaxMoves: cfg.CascadeMaxMoves, MaxDrift: cfg.CascadeMaxDrift}),
		appointments.WithPublisher(publisher),
		appointments.WithMetrics(metrics.New(prometheus.DefaultRegisterer)),
		appointments.WithLogger(log),
	)

	health := grpcTransport.NewHealthChecker(repo, 5*time.Second, log)
	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(grpcTransport.RequestTimeoutInterceptor(cfg.HTTPRequestTimeout)),
	)
	health.Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		log.Error("grpc listen failed", slog.Any("err", err), slog.String("grpc_addr", cfg.GRPCAddr()))
		os.Exit(1)
	}

	app := httpTransport.NewApp(svc, httpTransport.Options{
		RequestTimeout: cfg.HTTPRequestTimeout,
		Ping:           repo.Ping,
		Prometheus:     fiberprometheus.New(serviceName),
		Log:            log,
	})

	healthCtx, stopHealth := context.WithCancel(context.Background())
	defer stopHealth()
	go health.Run(healthCtx)

	errCh := make(chan error, 2)
	go func() {
		errCh <- grpcServer.Serve(lis)
	}()
	go func() {
		errCh <- app.Listen(cfg.HTTPAddr)
	}()

	log.Info("servers started", slog.String("http_addr", cfg.HTTPAddr), slog.String("grpc_addr", cfg.GRPCAddr()))

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error("server stopped with error", slog.Any("err", err))
			stopHealth()
			shutdown(log, app, grpcServer, cfg.ShutdownTimeout)
			closeRepo()
			os.Exit(1)
		}
	}
	stopHealth()
	shutdown(log, app, grpcServer, cfg.ShutdownTimeout)
}

// openRepository picks the store named by database.driver. Failures are
// logged here so main only has to exit.
func openRepository(ctx context.Context, cfg config.Config, log *slog.Logger) (store.AppointmentRepository, func(), error) {
	if cfg.DatabaseDriver == config.DriverMemory {
		log.Warn("using the in-memory store; appointments are lost on restart")
		return memory.New(memory.WithLockTimeout(cfg.DBLockTimeout)), func() {}, nil
	}

	if cfg.DatabaseMigrateOnStart {
		log.Info("applying migrations", databaseLogArgs(cfg.DatabaseURL)...)
		if err := postgres.Migrate(cfg.DatabaseURL, postgres.TargetLatest, log); err != nil {
			args := append([]any{slog.Any("err", err)}, databaseLogArgs(cfg.DatabaseURL)...)
			log.Error("migration failed", args...)
			return nil, nil, err
		}
	}

	log.Info("connecting to database", databaseLogArgs(cfg.DatabaseURL)...)
	db, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	})
	if err != nil {
		args := append([]any{slog.Any("err", err)}, databaseLogArgs(cfg.DatabaseURL)...)
		log.Error("database connection failed", args...)
		return nil, nil, err
	}
	closeDB := func() {
		if err := postgres.Close(db); err != nil {
			log.Warn("database close failed", slog.Any("err", err))
		}
	}
	return postgres.NewAppointmentRepo(db, cfg.DBLockTimeout), closeDB, nil
}

type httpServer interface {
	ShutdownWithTimeout(timeout time.Duration) error
}

func shutdown(log *slog.Logger, app httpServer, s *grpc.Server, timeout time.Duration) {
	log.Info("shutting down", slog.Duration("timeout", timeout))

	if err := app.ShutdownWithTimeout(timeout); err != nil {
		log.Warn("http shutdown failed", slog.Any("err", err))
	}

	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		log.Info("servers stopped")
	case <-timer.C:
		log.Warn("grpc graceful shutdown timed out; forcing stop")
		s.Stop()
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// databaseLogArgs keeps credentials out of the logs.
func databaseLogArgs(databaseURL string) []any {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return []any{slog.String("db_url", "invalid")}
	}
	host, port, name := u.Hostname(), u.Port(), strings.TrimPrefix(u.Path, "/")
	if host == "" {
		host = "unknown"
	}
	if port == "" {
		port = "default"
	}
	if name == "" {
		name = "unknown"
	}
	return []any{
		slog.String("db_host", host),
		slog.String("db_port", port),
		slog.String("db_name", name),
	}
}
