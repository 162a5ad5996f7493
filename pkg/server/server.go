// Package server assembles the perpetual organization services behind a
// single HTTP surface: org deployment, the module registry, beacon
// governance, proposals and ballots, and the audit trail.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/gorm"

	"github.com/PerpetualOrganizationArchitect/poa/modules/directdemocracy"
	"github.com/PerpetualOrganizationArchitect/poa/modules/educationhub"
	"github.com/PerpetualOrganizationArchitect/poa/modules/hybridvoting"
	"github.com/PerpetualOrganizationArchitect/poa/modules/orgexecutor"
	"github.com/PerpetualOrganizationArchitect/poa/modules/participation"
	"github.com/PerpetualOrganizationArchitect/poa/modules/paymentmanager"
	"github.com/PerpetualOrganizationArchitect/poa/modules/quickjoin"
	"github.com/PerpetualOrganizationArchitect/poa/modules/taskmanager"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/audit"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/beacon"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/deployer"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/executor"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/hats"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/module"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/registry"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/voting"
)

// APIBasePath is the prefix for all organization management routes.
const APIBasePath = "/api/poa/v1alpha1"

// Server wires the service graph and serves the management API.
type Server struct {
	router chi.Router
	db     *gorm.DB
	logger *slog.Logger

	events    *audit.Store
	directory *hats.LocalDirectory
	instances *module.InstanceStore
	beacons   *beacon.Service
	proxies   *module.Proxies
	exec      *executor.Service
	votes     *voting.Service
	registry  *registry.Store
	deployer  *deployer.Deployer
	orch      *deployer.Orchestrator

	extractor   PrincipalExtractor
	auditConfig *audit.Config
	retention   *audit.RetentionWorker
	sweeper     *voting.SweepWorker
	globalOwner string
	bootstrapID string

	startedAt time.Time
	ready     bool
	mu        sync.RWMutex
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithPrincipalExtractor sets a custom principal extractor for the identity
// middleware. Defaults to HeaderPrincipalExtractor.
func WithPrincipalExtractor(extract PrincipalExtractor) ServerOption {
	return func(s *Server) {
		s.extractor = extract
	}
}

// WithAuditConfig sets the audit trail configuration.
func WithAuditConfig(cfg *audit.Config) ServerOption {
	return func(s *Server) {
		s.auditConfig = cfg
	}
}

// WithGlobalOwner sets the principal that owns global module beacons and may
// publish upgrades. Defaults to "poa-root".
func WithGlobalOwner(owner string) ServerOption {
	return func(s *Server) {
		s.globalOwner = owner
	}
}

// WithBootstrapID sets the ephemeral principal org beacons belong to while a
// deployment runs.
func WithBootstrapID(id string) ServerOption {
	return func(s *Server) {
		s.bootstrapID = id
	}
}

// NewServer builds the full service graph on one database handle. Module
// implementations that need wired services still have to be registered, see
// RegisterServiceModules.
func NewServer(db *gorm.DB, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		db:          db,
		logger:      logger,
		extractor:   HeaderPrincipalExtractor,
		auditConfig: audit.DefaultConfig(),
		globalOwner: "poa-root",
		bootstrapID: "deployment-bootstrap",
		startedAt:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.events = audit.NewStore(db)
	s.directory = hats.NewLocalDirectory(db)
	s.instances = module.NewInstanceStore(db)
	s.beacons = beacon.NewService(db, beacon.SourceFunc(module.HasImplementation), s.events, logger)
	s.proxies = module.NewProxies(s.instances, s.beacons, module.Deps{
		DB:     db,
		Hats:   s.directory,
		Logger: logger,
	})
	s.exec = executor.NewService(s.proxies, s.beacons, s.events, logger)
	s.votes = voting.NewService(db, s.directory, s.exec, s.proxies, s.events, logger)
	s.registry = registry.NewStore(db, s.events, logger)
	s.deployer = deployer.NewDeployer(db, s.beacons, s.proxies, s.registry, logger)
	s.orch = deployer.NewOrchestrator(db, s.deployer, s.directory, s.registry, s.bootstrapID, logger)

	return s
}

// RegisterServiceModules registers the module implementations that close
// over wired services. The module registry is process-global and rejects
// double registration, so this runs once per process even when several
// servers are built (tests).
func (s *Server) RegisterServiceModules() {
	if !module.HasImplementation(module.ImplID(orgexecutor.ModuleType, "v1")) {
		orgexecutor.Register(s.exec)
	}
	if !module.HasImplementation(module.ImplID(hybridvoting.ModuleType, "v1")) {
		hybridvoting.Register(s.votes, s.exec)
	}
	if !module.HasImplementation(module.ImplID(directdemocracy.ModuleType, "v1")) {
		directdemocracy.Register(s.votes, s.exec)
	}
}

// Voting exposes the voting service, mainly for wiring and tests.
func (s *Server) Voting() *voting.Service { return s.votes }

// Executor exposes the governance executor.
func (s *Server) Executor() *executor.Service { return s.exec }

// Orchestrator exposes the org deployment orchestrator.
func (s *Server) Orchestrator() *deployer.Orchestrator { return s.orch }

// Deployer exposes the single-module deployer.
func (s *Server) Deployer() *deployer.Deployer { return s.deployer }

// Registry exposes the org registry store.
func (s *Server) Registry() *registry.Store { return s.registry }

// Beacons exposes the beacon service.
func (s *Server) Beacons() *beacon.Service { return s.beacons }

// Proxies exposes the module proxy layer.
func (s *Server) Proxies() *module.Proxies { return s.proxies }

// Directory exposes the hats directory.
func (s *Server) Directory() *hats.LocalDirectory { return s.directory }

// Events exposes the audit event store.
func (s *Server) Events() *audit.Store { return s.events }

// Init migrates all tables, publishes global beacons for every registered
// module type, and restores executor dispatcher grants from the database.
func (s *Server) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.events.AutoMigrate(); err != nil {
		return fmt.Errorf("migrate audit events: %w", err)
	}
	if err := s.directory.AutoMigrate(); err != nil {
		return fmt.Errorf("migrate hats: %w", err)
	}
	if err := s.instances.AutoMigrate(); err != nil {
		return fmt.Errorf("migrate module instances: %w", err)
	}
	if err := s.beacons.AutoMigrate(); err != nil {
		return fmt.Errorf("migrate beacons: %w", err)
	}
	if err := s.registry.AutoMigrate(); err != nil {
		return fmt.Errorf("migrate org registry: %w", err)
	}
	if err := voting.AutoMigrate(s.db); err != nil {
		return fmt.Errorf("migrate voting: %w", err)
	}

	moduleMigrations := map[string]func(*gorm.DB) error{
		"participation":   participation.AutoMigrate,
		"task manager":    taskmanager.AutoMigrate,
		"education hub":   educationhub.AutoMigrate,
		"payment manager": paymentmanager.AutoMigrate,
		"quick join":      quickjoin.AutoMigrate,
		"executor":        orgexecutor.AutoMigrate,
	}
	for name, migrate := range moduleMigrations {
		if err := migrate(s.db); err != nil {
			return fmt.Errorf("migrate %s module: %w", name, err)
		}
	}

	for _, moduleType := range module.Names() {
		if _, err := s.deployer.PublishGlobalBeacon(ctx, moduleType, s.globalOwner); err != nil {
			return fmt.Errorf("publish global beacon for %s: %w", moduleType, err)
		}
	}

	// Dispatcher grants live in memory; rebuild them from the machines
	// table after a restart.
	if err := s.votes.RehydrateDispatchers(ctx, s.exec); err != nil {
		return fmt.Errorf("rehydrate dispatchers: %w", err)
	}

	s.ready = true
	return nil
}

// MountRoutes creates the HTTP router with all management routes mounted.
func (s *Server) MountRoutes() chi.Router {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.router = chi.NewRouter()

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", RemoteUserHeader, RemoteHatsHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.router.Use(identityMiddleware(s.extractor))

	if s.auditConfig != nil && s.auditConfig.Enabled {
		s.router.Use(audit.Middleware(s.events, s.auditConfig, s.logger))
		s.logger.Info("audit middleware enabled",
			"logDenied", s.auditConfig.LogDenied,
			"retentionDays", s.auditConfig.RetentionDays)
	}

	s.router.Route(APIBasePath, func(r chi.Router) {
		r.Route("/orgs", func(r chi.Router) {
			r.Get("/", s.listOrgsHandler)
			r.Post("/", s.deployOrgHandler)
			r.Get("/{orgId}", s.getOrgHandler)
			r.Get("/{orgId}/contracts", s.listContractsHandler)
			r.Get("/{orgId}/contracts/{moduleType}", s.getContractHandler)
			r.Get("/{orgId}/roles/{index}", s.getRoleHatHandler)
		})

		r.Route("/beacons", func(r chi.Router) {
			r.Post("/upgrade", s.upgradeHandler)
			r.Get("/global/{moduleType}", s.getGlobalBeaconHandler)
			r.Get("/{beaconId}", s.getBeaconHandler)
			r.Post("/{beaconId}/pin", s.pinBeaconHandler)
			r.Post("/{beaconId}/mirror", s.mirrorBeaconHandler)
			r.Post("/{beaconId}/owner", s.transferBeaconHandler)
		})

		r.Route("/machines", func(r chi.Router) {
			r.Get("/{machineId}", s.getMachineHandler)
			r.Get("/{machineId}/proposals", s.listProposalsHandler)
			r.Post("/{machineId}/proposals", s.createProposalHandler)
		})

		r.Route("/proposals", func(r chi.Router) {
			r.Get("/{proposalId}", s.getProposalHandler)
			r.Post("/{proposalId}/ballots", s.voteHandler)
			r.Get("/{proposalId}/ballots/{voter}", s.hasVotedHandler)
			r.Post("/{proposalId}/winner", s.announceWinnerHandler)
		})

		r.Route("/instances", func(r chi.Router) {
			r.Get("/{instanceId}", s.getInstanceHandler)
			r.Post("/{instanceId}/calls", s.invokeHandler)
		})

		r.Get("/modules", s.listModulesHandler)
	})

	// Audit events are read through their own namespace.
	s.router.Mount("/api/audit/v1alpha1", audit.Router(s.events))

	s.router.Get("/healthz", s.healthHandler)
	s.router.Get("/livez", s.healthHandler)
	s.router.Get("/readyz", s.readyHandler)

	return s.router
}

// Start launches background workers. It returns immediately; workers stop
// when ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	if s.auditConfig != nil && s.auditConfig.Enabled && s.auditConfig.RetentionDays > 0 {
		s.retention = audit.NewRetentionWorker(s.events, s.auditConfig.RetentionDays, s.logger)
		go s.retention.Run(ctx)
	}
	s.sweeper = voting.NewSweepWorker(s.votes, s.logger)
	go s.sweeper.Run(ctx)
}

// Router returns the mounted router.
func (s *Server) Router() chi.Router {
	return s.router
}

// listModulesHandler reports the registered module types and their latest
// implementations.
func (s *Server) listModulesHandler(w http.ResponseWriter, r *http.Request) {
	type moduleInfo struct {
		Type   string `json:"type"`
		Latest string `json:"latest"`
	}

	names := module.Names()
	infos := make([]moduleInfo, 0, len(names))
	for _, name := range names {
		latest, err := module.Latest(name)
		if err != nil {
			continue
		}
		infos = append(infos, moduleInfo{Type: name, Latest: latest})
	}
	writeJSON(w, http.StatusOK, map[string]any{"modules": infos})
}

// healthHandler returns the liveness status of the server.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	uptime := time.Since(s.startedAt).Round(time.Second).String()

	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "alive",
		"uptime": uptime,
	})
}

// readyHandler reports readiness once migrations and beacon publication are
// done.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	ready := s.ready
	s.mu.RUnlock()

	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "initializing"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
