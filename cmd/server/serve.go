package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prasenjit/omock/internal/api"
	"github.com/prasenjit/omock/internal/condition"
	"github.com/prasenjit/omock/internal/config"
	"github.com/prasenjit/omock/internal/logging"
	"github.com/prasenjit/omock/internal/metrics"
	"github.com/prasenjit/omock/internal/mocks"
	"github.com/prasenjit/omock/internal/peersync"
	"github.com/prasenjit/omock/internal/proxy"
	"github.com/prasenjit/omock/internal/selector"
	"github.com/prasenjit/omock/internal/stats"
	"github.com/prasenjit/omock/internal/storage"
	"github.com/prasenjit/omock/internal/template"
	"github.com/prasenjit/omock/internal/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the omock server",
	Long: `Starts the omock server.

The server will:
  - Expose the admin API at /_api/
  - Serve registered mocks under /mock/<name>
  - Accept replication calls from peers at /_internal/ (shared secret required)
  - Pull definitions from peers on startup and periodically afterwards

Configuration is loaded from config.yaml in the current directory,
or specify a custom config file with the --config flag. Every key can
be overridden with an OMOCK_ environment variable, for example
OMOCK_SYNC_SHAREDSECRET or OMOCK_SYNC_PEERS.`,
	RunE: runServe,
}

var portFlag int

func init() {
	serveCmd.Flags().IntVarP(&portFlag, "port", "p", 0, "Override server port")
	serveCmd.Flags().StringSlice("peers", nil, "Peer addresses (host:port) to synchronize with")

	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("sync.peers", serveCmd.Flags().Lookup("peers"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if portFlag > 0 {
		cfg.Server.Port = portFlag
	}

	logger, err := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Service: "omock",
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	if os.Getenv(gin.EnvGinMode) == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := newServer(cfg, logger)
	if err != nil {
		return err
	}
	return srv.run(ctx)
}

// server bundles the wired components of one process
type server struct {
	cfg    *config.Config
	logger *zap.Logger
	http   *http.Server
	syncer *peersync.Syncer
	pusher *peersync.Pusher
}

func newServer(cfg *config.Config, logger *zap.Logger) (*server, error) {
	var (
		m        *metrics.Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New()
		if err := m.Register(reg); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		gatherer = reg
	}

	eval, err := condition.New(cfg.Conditions.Evaluator)
	if err != nil {
		return nil, err
	}

	registry := storage.NewMemoryRegistry()
	templates := template.NewEngine()
	sel := selector.New(eval, selector.WithLogger(logger.Named("selector")))

	srv := &server{cfg: cfg, logger: logger}

	serviceOpts := []mocks.Option{
		mocks.WithMetrics(m),
		mocks.WithLogger(logger.Named("mocks")),
	}

	var dir peersync.Directory
	var client *peersync.Client
	if cfg.Sync.Enabled() {
		dir = newDirectory(cfg.Sync)
		client = peersync.NewClient(
			peersync.WithTimeout(cfg.Sync.RequestTimeout),
			peersync.WithSecret(cfg.Sync.SharedSecret, cfg.Sync.SecretHeader),
		)

		if cfg.Sync.SharedSecret != "" {
			srv.pusher = peersync.NewPusher(dir, client,
				peersync.WithPushTimeout(cfg.Sync.PushTimeout),
				peersync.WithPusherMetrics(m),
				peersync.WithPusherLogger(logger.Named("push")),
			)
			serviceOpts = append(serviceOpts, mocks.WithReplicator(srv.pusher))
		} else {
			logger.Warn("sync.sharedSecret is empty; changes will not be pushed to peers")
		}
	}

	svc := mocks.NewService(registry, templates, serviceOpts...)

	statsCollector := stats.NewCollector()
	var tracingService *tracing.Service
	if cfg.Tracing.Enabled {
		tracingService = tracing.NewService(cfg.Tracing.MaxTraces)
	}

	dispatcher := proxy.NewEngine(registry, templates, sel,
		proxy.WithStats(statsCollector),
		proxy.WithTracing(tracingService),
		proxy.WithMetrics(m),
		proxy.WithLogger(logger.Named("dispatch")),
		proxy.WithPrefix(api.MockPrefix),
	)

	deps := api.Dependencies{
		Mocks:        svc,
		Dispatch:     dispatcher,
		Stats:        statsCollector,
		Tracing:      tracingService,
		Gatherer:     gatherer,
		Metrics:      m,
		Logger:       logger,
		SharedSecret: cfg.Sync.SharedSecret,
		SecretHeader: cfg.Sync.SecretHeader,
	}

	if dir != nil {
		srv.syncer = peersync.NewSyncer(syncerConfig(cfg.Sync), dir, client, svc,
			peersync.WithSyncerMetrics(m),
			peersync.WithSyncerLogger(logger.Named("sync")),
		)
		deps.Syncer = srv.syncer
	}

	srv.http = &http.Server{
		Addr:         cfg.Address(),
		Handler:      api.NewRouter(deps).Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return srv, nil
}

// run serves until ctx is canceled, then shuts down gracefully
func (s *server) run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting omock server",
			zap.String("addr", s.http.Addr),
			zap.Bool("sync", s.syncer != nil),
		)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	syncCtx, cancelSync := context.WithCancel(ctx)
	defer cancelSync()
	if s.syncer != nil {
		go s.syncer.Run(syncCtx)
	}

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	cancelSync()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("server shutdown error", zap.Error(err))
	}
	if s.pusher != nil {
		s.pusher.Wait()
	}

	s.logger.Info("server stopped")
	return nil
}

// newDirectory combines the static peer list with DNS discovery
func newDirectory(cfg config.SyncConfig) peersync.Directory {
	var dirs []peersync.Directory
	if len(cfg.Peers) > 0 {
		dirs = append(dirs, peersync.NewStaticDirectory(cfg.Peers, cfg.SelfAddress))
	}
	if cfg.DNSName != "" {
		dirs = append(dirs, peersync.NewDNSDirectory(cfg.DNSName, cfg.PeerPort, cfg.SelfAddress))
	}

	var dir peersync.Directory = peersync.NewMultiDirectory(dirs...)
	if cfg.DirectoryCacheTTL > 0 {
		dir = peersync.NewCachedDirectory(dir, cfg.DirectoryCacheTTL)
	}
	return dir
}

func syncerConfig(cfg config.SyncConfig) peersync.Config {
	return peersync.Config{
		InitialDelay:      cfg.InitialDelay,
		Interval:          cfg.Interval,
		MaxAttempts:       cfg.MaxAttempts,
		InitialBackoff:    cfg.InitialBackoff,
		MaxBackoff:        cfg.MaxBackoff,
		RequestTimeout:    cfg.RequestTimeout,
		Concurrency:       cfg.Concurrency,
		ReadyWithoutPeers: cfg.ReadyWithoutPeers,
	}
}
