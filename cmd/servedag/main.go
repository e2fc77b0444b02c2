package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/swarmguard/servedag/internal/audit"
	"github.com/swarmguard/servedag/internal/controlplane"
	"github.com/swarmguard/servedag/internal/eventbus"
	"github.com/swarmguard/servedag/internal/executor"
	"github.com/swarmguard/servedag/internal/logging"
	"github.com/swarmguard/servedag/internal/otelinit"
	"github.com/swarmguard/servedag/internal/registry"
	"github.com/swarmguard/servedag/internal/router"
)

func main() {
	service := "servedag"
	logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, promHandler, _ := otelinit.InitMetrics(ctx, service)

	auditLog, err := audit.Open(ctx, getenv("SERVEDAG_AUDIT_DB_PATH", "servedag-audit.db"))
	if err != nil {
		slog.Error("failed to open audit log", "error", err)
		os.Exit(1)
	}
	defer auditLog.Close()

	bus := eventbus.Connect(ctx, os.Getenv("NATS_URL"))
	defer bus.Close()

	reg := registry.New()
	ro := router.New()
	cp := controlplane.New(reg, ro, auditLog, bus)

	if mb, err := strconv.Atoi(getenv("SERVEDAG_OBJECT_STORE_MEMORY_MB", "100")); err == nil {
		slog.Info("object store memory hint configured (advisory only)", "memory_mb", mb)
	}

	exec := executor.New(ro)
	interval := checkerInterval()
	edge := executor.NewEdge(reg, exec, interval)
	edge.Start()

	mux := http.NewServeMux()
	mux.Handle("/_control", controlplane.HTTPHandler(cp))
	mux.Handle("/", edge)
	if promHandler != nil {
		if h, ok := promHandler.(http.Handler); ok {
			mux.Handle("/metrics", h)
		}
	}

	addr := getenv("SERVEDAG_HTTP_ADDR", ":8080")
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	slog.Info("servedag started", "addr", addr)
	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	edge.Stop(shutdownCtx)
	_ = srv.Shutdown(shutdownCtx)
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}

func checkerInterval() time.Duration {
	s := getenv("SERVEDAG_ROUTER_CHECKER_INTERVAL_S", "2")
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		n = 2
	}
	return time.Duration(n) * time.Second
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
