// Package grpc serves the standard grpc.health.v1 service, backed by a
// periodic ping of the appointment store.
package grpc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is reported alongside the overall ("") status.
const ServiceName = "shopfloor.Appointments"

type pinger interface {
	Ping(ctx context.Context) error
}

type HealthChecker struct {
	srv      *health.Server
	store    pinger
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	serving bool
	probed  bool
}

// NewHealthChecker starts out NOT_SERVING until the first probe succeeds.
func NewHealthChecker(store pinger, interval time.Duration, log *slog.Logger) *HealthChecker {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	h := &HealthChecker{
		srv:      health.NewServer(),
		store:    store,
		interval: interval,
		timeout:  interval,
		log:      log.With(slog.String("component", "grpc.health")),
	}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

func (h *HealthChecker) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// Probe pings the store once and publishes the result. It reports whether
// the store answered.
func (h *HealthChecker) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	err := h.store.Ping(ctx)
	serving := err == nil

	h.mu.Lock()
	changed := !h.probed || h.serving != serving
	h.serving, h.probed = serving, true
	h.mu.Unlock()

	if serving {
		h.set(healthpb.HealthCheckResponse_SERVING)
	} else {
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	}
	if changed {
		if serving {
			h.log.Info("store reachable", slog.String("status", "SERVING"))
		} else {
			h.log.Warn("store unreachable", slog.String("status", "NOT_SERVING"), slog.Any("err", err))
		}
	}
	return serving
}

// Run probes on every tick until ctx is done, then marks everything
// NOT_SERVING so clients drain before the server stops.
func (h *HealthChecker) Run(ctx context.Context) {
	h.Probe(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-ticker.C:
			h.Probe(ctx)
		}
	}
}

func (h *HealthChecker) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(ServiceName, status)
}

// RequestTimeoutInterceptor gives unary calls a deadline unless the client
// already sent one.
func RequestTimeoutInterceptor(timeout time.Duration) grpc.UnaryServerInterceptor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := ctx.Deadline(); ok {
			return handler(ctx, req)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		return handler(ctx, req)
	}
}
