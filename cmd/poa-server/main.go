// Package main provides the perpetual organization architect server entry
// point. One process hosts org deployment, beacon governance, voting, and
// every registered module type.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/PerpetualOrganizationArchitect/poa/internal/db"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/audit"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/module"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/server"

	// Import modules - their init() registers them
	_ "github.com/PerpetualOrganizationArchitect/poa/modules/educationhub"
	_ "github.com/PerpetualOrganizationArchitect/poa/modules/participation"
	_ "github.com/PerpetualOrganizationArchitect/poa/modules/paymentmanager"
	_ "github.com/PerpetualOrganizationArchitect/poa/modules/quickjoin"
	_ "github.com/PerpetualOrganizationArchitect/poa/modules/taskmanager"
)

func main() {
	var (
		listenAddr   string
		databaseType string
		databaseDSN  string
		globalOwner  string
	)

	flag.StringVar(&listenAddr, "listen", ":8080", "Address to listen on")
	flag.StringVar(&databaseType, "db-type", "postgres", "Database type (sqlite, postgres or mysql)")
	flag.StringVar(&databaseDSN, "db-dsn", "", "Database connection string")
	flag.StringVar(&globalOwner, "global-owner", "", "Principal that owns global module beacons")
	flag.Parse()

	// Initialize glog for backwards compatibility
	_ = flag.Set("logtostderr", "true")

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if databaseDSN == "" {
		databaseDSN = os.Getenv("DATABASE_DSN")
	}
	if v := os.Getenv("DATABASE_TYPE"); databaseType == "postgres" && v != "" {
		databaseType = v
	}

	gormDB, err := db.Open(databaseType, databaseDSN)
	if err != nil {
		glog.Fatalf("Failed to connect to database: %v", err)
	}

	var serverOpts []server.ServerOption
	serverOpts = append(serverOpts, server.WithAuditConfig(audit.ConfigFromEnv()))
	if globalOwner == "" {
		globalOwner = envOrDefault("POA_GLOBAL_OWNER", "poa-root")
	}
	serverOpts = append(serverOpts, server.WithGlobalOwner(globalOwner))

	// Set up auth based on POA_AUTH_MODE.
	authMode := os.Getenv("POA_AUTH_MODE")
	switch authMode {
	case "jwt":
		jwtCfg := server.JWTExtractorConfig{
			SubjectClaim:  envOrDefault("POA_JWT_SUBJECT_CLAIM", "sub"),
			HatsClaim:     envOrDefault("POA_JWT_HATS_CLAIM", "hats"),
			PublicKeyPath: os.Getenv("POA_JWT_PUBLIC_KEY_PATH"),
			Issuer:        os.Getenv("POA_JWT_ISSUER"),
			Audience:      os.Getenv("POA_JWT_AUDIENCE"),
			Logger:        logger,
		}
		extractor, err := server.NewJWTPrincipalExtractor(jwtCfg)
		if err != nil {
			glog.Fatalf("Failed to create JWT extractor: %v", err)
		}
		serverOpts = append(serverOpts, server.WithPrincipalExtractor(extractor))
		logger.Info("using JWT auth",
			"subjectClaim", jwtCfg.SubjectClaim,
			"hatsClaim", jwtCfg.HatsClaim,
			"hasPublicKey", jwtCfg.PublicKeyPath != "")
	case "header", "":
		// Default: trust X-Remote-User/X-Remote-Hats from the front proxy
		if authMode == "" {
			logger.Info("using default header-based auth (X-Remote-User)")
		}
	default:
		glog.Fatalf("Unknown auth mode: %q (expected jwt, header, or empty)", authMode)
	}

	srv := server.NewServer(gormDB, logger, serverOpts...)

	// Voting classes and the org executor close over wired services, so
	// they register here instead of via init().
	srv.RegisterServiceModules()

	logger.Info("starting architect server",
		"listen", listenAddr,
		"modules", module.Names(),
	)

	if err := srv.Init(ctx); err != nil {
		glog.Fatalf("Failed to initialize server: %v", err)
	}

	router := srv.MountRoutes()
	srv.Start(ctx)

	logger.Info("architect server ready", "listen", listenAddr)

	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: router,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("architect server stopped")
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
