package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"wcsign/go-backend/internal/adapters/rpc"
	"wcsign/go-backend/internal/client"
	"wcsign/go-backend/internal/config"
	"wcsign/go-backend/internal/identity"
	"wcsign/go-backend/internal/platform/privacylog"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	rpcAddr := flag.String("rpc-addr", "", "JSON-RPC listen address (overrides config)")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for daemon local data (optional)")
	rpcToken := flag.String("rpc-token", "", "RPC token for Authorization/X-WC-RPC-Token (optional)")
	transport := flag.String("transport", "", "Relay transport override: websocket | go-waku | mock")
	flag.Parse()
	if *showVersion {
		fmt.Printf("wc-daemon version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadFromPath(*configPath)
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}
	if *rpcAddr != "" {
		cfg.RPC.ListenAddr = *rpcAddr
	}
	if *rpcToken != "" {
		cfg.RPC.Token = *rpcToken
	}
	if *transport != "" {
		cfg.Relay.Transport = *transport
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("wc-daemon config: %v", err)
	}

	logger := slog.New(privacylog.WrapHandler(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)})))
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o700); err != nil {
		log.Fatalf("wc-daemon data dir: %v", err)
	}
	ids := identity.NewManager(filepath.Join(cfg.Storage.DataDir, "identity.enc"))
	id, created, err := ids.LoadOrCreate(cfg.Storage.Passphrase)
	if err != nil {
		log.Fatalf("wc-daemon identity: %v", err)
	}
	logger.Info("identity ready", "client_id", id.ClientID, "created", created)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc, err := client.New(ctx, client.Options{
		Config:     cfg,
		Identity:   ids,
		Registerer: reg,
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("wc-daemon failed to initialize: %v", err)
	}
	defer func() {
		if err := svc.Close(context.Background()); err != nil {
			logger.Error("close client", "error", err.Error())
		}
	}()

	srv := rpc.NewServer(cfg.RPC, svc, rpc.Options{Gatherer: reg, Logger: logger.With("component", "rpc")})
	logger.Info("wc-daemon starting", "version", version, "transport", cfg.Relay.Transport)
	if err := srv.Run(ctx); err != nil {
		logger.Error("wc-daemon failed", "error", err.Error())
		os.Exit(1)
	}
	logger.Info("wc-daemon stopped")
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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
