package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/rds"

	"github.com/skylift/skylift/internal/controller"
	"github.com/skylift/skylift/internal/core/domain"
	"github.com/skylift/skylift/internal/shell/api"
	"github.com/skylift/skylift/internal/shell/cloud"
	"github.com/skylift/skylift/internal/shell/database"
	"github.com/skylift/skylift/internal/shell/dns"
	"github.com/skylift/skylift/internal/shell/gitrepo"
	"github.com/skylift/skylift/internal/shell/handler"
	"github.com/skylift/skylift/internal/shell/introspect"
	"github.com/skylift/skylift/internal/shell/store"
	"github.com/skylift/skylift/internal/shell/stream"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitHTTPServerError = 3
)

// =============================================================================
// Server
// =============================================================================

// Server wires the control plane together and runs its HTTP surface.
type Server struct {
	config     *Config
	httpServer *http.Server
	store      store.Store
	hub        *stream.Hub
	logger     *slog.Logger
}

// NewServer creates a server from the given config.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDatabaseError,
		}
	}

	creds := cloud.Credentials{
		AccessKeyID:     cfg.Cloud.AccessKeyID,
		SecretAccessKey: cfg.Cloud.SecretAccessKey,
	}
	clients := cloud.NewClients(cfg.Cloud.Region, creds)
	provisioner := cloud.NewProvisioner(clients, cfg.Cloud.Region, logger)

	handlerCfg := handler.DefaultConfig()
	handlerCfg.BaseDomain = cfg.Edge.BaseDomain
	if cfg.Edge.SharedBalancer != "" {
		handlerCfg.SharedBalancer = cfg.Edge.SharedBalancer
	}
	handlerCfg.CertificateARN = cfg.Edge.CertificateARN
	if cfg.Edge.InstanceType != "" {
		handlerCfg.InstanceType = cfg.Edge.InstanceType
	}
	handlerCfg.KeyPairName = cfg.Edge.KeyPairName

	archiver := gitrepo.Archiver{}
	handlers := map[domain.TargetPlatform]handler.Handler{
		domain.TargetVM:         handler.NewVM(provisioner, handlerCfg, logger),
		domain.TargetContainer:  handler.NewContainer(provisioner, archiver, handlerCfg, logger),
		domain.TargetPaaS:       handler.NewPaaS(provisioner, archiver, handlerCfg, logger),
		domain.TargetStaticSite: handler.NewStatic(provisioner, gitrepo.ShellRunner{}, logger),
	}

	var databases controller.DatabaseProvisioner
	if cfg.Deploy.DatabaseProvisioning {
		rdsClient := rds.New(rds.Options{
			Region:      cfg.Cloud.Region,
			Credentials: credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, ""),
		})
		databases = database.NewProvisioner(rdsClient, database.DefaultConfig(), logger)
	}

	dnsClient := dns.NewClient(dns.Config{
		BaseURL: cfg.DNS.URL,
		APIKey:  cfg.DNS.APIKey,
	}, logger)

	hub := stream.NewHub()

	ctrl := controller.NewController(controller.Deps{
		Store:         s,
		Hub:           hub,
		Cloner:        gitrepo.NewCloner(logger),
		Introspector:  introspect.NewAnalyzer(logger),
		Handlers:      handlers,
		Network:       provisioner,
		Databases:     databases,
		DNS:           dnsClient,
		Deprovisioner: provisioner,
		Logger:        logger,
	})

	apiHandler := api.NewHandler(api.Config{
		Store:    s,
		Deployer: ctrl,
		Hub:      hub,
		Auth: api.AuthConfig{
			Mode:         cfg.Auth.Mode,
			SharedSecret: cfg.Auth.SharedSecret,
			Logger:       logger,
		},
		Logger:         logger,
		AttemptTimeout: cfg.Deploy.AttemptTimeout,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      apiHandler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		store:      s,
		hub:        hub,
		logger:     logger,
	}, nil
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server",
			"address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		return &ServerError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitHTTPServerError,
		}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("store close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
