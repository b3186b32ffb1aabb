// Command coordinator runs a secure aggregation coordinator.
//
// The coordinator registers participants, relays their encrypted key shares,
// runs rounds on request and writes every finished round to a signed audit log.
//
// # Configuration File
//
//	http_addr: ":8080"
//	admin_token: "admin:secret"
//	cors_origins: []
//	keys:
//	  provider: env          # env, static, or empty to generate
//	  env_prefix: SECAGG_KEY_
//	  key_id: coordinator
//	audit:
//	  dir: ./audit
//	  secret_env: AUDIT_SECRET
//	postgres:                # optional, in-memory stores when absent
//	  host: localhost
//	  port: 5432
//	  user: secagg
//	  password: secret
//	  database: secagg
//	  retention: 24h         # purge updates of rounds that never finished
//	schema:
//	  layer1: [128, 64]
//	  bias1: [64]
//	secagg:
//	  threshold_fraction: 0.5
//	  round_timeout: 2m
//	  method: fedavg
//
// # Endpoints
//
// Public:
//   - GET /session, POST /register, GET /roster, GET /clients
//   - GET /rounds/{round}
//   - GET /events (websocket stream of finished rounds)
//
// Admin (basic auth when admin_token set):
//   - POST /admin/roster/seal
//   - POST /admin/rounds
//   - GET /admin/audit/verify
//
// # Usage
//
//	AUDIT_SECRET=... go run ./cmd/coordinator --config=coordinator.yaml
//	AUDIT_SECRET=... go run ./cmd/coordinator --addr=:8080 --admin-token=admin:secret
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flashbots/secagg/api/httpserver"
	"github.com/flashbots/secagg/audit"
	"github.com/flashbots/secagg/cmd/common"
	"github.com/flashbots/secagg/protocol"
	"github.com/flashbots/secagg/services"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file")
		addr       = flag.String("addr", "", "HTTP listen address")
		adminToken = flag.String("admin-token", "", "Basic auth token for admin operations (user:pass)")
		auditDir   = flag.String("audit-dir", "", "Directory for the audit log")
		pprof      = flag.Bool("pprof", false, "Enable the pprof debugging API")
	)
	flag.Parse()

	cfg := common.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = common.LoadConfig(*configPath); err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			os.Exit(1)
		}
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if *adminToken != "" {
		cfg.AdminToken = *adminToken
	}
	if *auditDir != "" {
		cfg.Audit.Dir = *auditDir
	}

	if err := run(cfg, *pprof); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *common.Config, pprof bool) error {
	log, err := common.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return err
	}
	if err := cfg.Schema.Validate(); err != nil {
		return fmt.Errorf("schema: %w", err)
	}

	provider, err := common.NewKeyProvider(cfg.Keys)
	if err != nil {
		return err
	}
	coordKey, err := common.LoadOrGenerateKemKey(provider, cfg.Keys.KeyID)
	if err != nil {
		return fmt.Errorf("coordinator key: %w", err)
	}
	if provider == nil {
		log.Warn("no key provider configured, generated an ephemeral coordinator key")
	}

	secret, err := common.AuditSecret(cfg.Audit)
	if err != nil {
		return err
	}
	auditLog, err := audit.Open(cfg.Audit.Dir, secret, log)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	stores, err := common.OpenStores(cfg.Postgres)
	if err != nil {
		return fmt.Errorf("stores: %w", err)
	}
	defer stores.Close()

	registry, err := protocol.NewRegistry(coordKey, cfg.Schema, &cfg.SecAgg, log)
	if err != nil {
		return err
	}
	coord, err := protocol.NewCoordinator(protocol.CoordinatorDeps{
		Config:    &cfg.SecAgg,
		Registry:  registry,
		Sequences: stores.Sequences,
		Shares:    stores.Shares,
		RunID:     auditLog.RunID(),
		Recorder:  auditLog,
		Log:       log,
	})
	if err != nil {
		return err
	}

	api := services.NewHTTPCoordinator(&services.CoordinatorConfig{
		AdminToken: cfg.AdminToken,
		AuditLog:   auditLog,
		Log:        log,
	}, coord)

	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               cfg.HTTPAddr,
		EnablePprof:              pprof,
		CORSOrigins:              cfg.CORSOrigins,
		Log:                      log,
		DrainDuration:            5 * time.Second,
		GracefulShutdownDuration: 10 * time.Second,
		ReadTimeout:              15 * time.Second,
		WriteTimeout:             cfg.SecAgg.RoundTimeout + 15*time.Second,
	},
		httpserver.Logged(log, httpserver.RouteFunc(api.RegisterAPIRoutes)),
		httpserver.RouteFunc(api.RegisterEventsRoute),
	)
	if err != nil {
		return err
	}

	log.Info("coordinator starting",
		"addr", cfg.HTTPAddr,
		"coordinator_key", registry.CoordinatorKey().String(),
		"audit_log", auditLog.Path(),
		"run", coord.RunID(),
		"postgres", cfg.Postgres != nil,
		"admin_auth", cfg.AdminToken != "")
	srv.RunInBackground()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down coordinator")
	srv.Shutdown()
	return nil
}
