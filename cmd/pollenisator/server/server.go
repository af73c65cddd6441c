package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pollenisator/api/routes"
	"pollenisator/internal/auth"
	"pollenisator/internal/bus"
	"pollenisator/internal/config"
	"pollenisator/internal/database"
	"pollenisator/internal/files"
	"pollenisator/internal/metrics"
	"pollenisator/internal/notification"
	"pollenisator/internal/seed"
	"pollenisator/internal/services"
	"pollenisator/internal/store"
	"pollenisator/pkg/hooks"
	"pollenisator/pkg/logger"
	"pollenisator/pkg/plugins"
)

const shutdownTimeout = 10 * time.Second

type ServerOpts struct {
	Port int
	Ip   string
	Seed bool
}

// App holds the long-lived components of a running server.
type App struct {
	cfg      *config.Config
	logger   *logger.Logger
	metrics  *metrics.Metrics
	hub      *bus.Hub
	store    *store.Store
	files    *files.Layout
	tokens   *auth.Registry
	services *services.Services
	nats     *nats.Conn
	alerts   *hooks.DiscordNotifier
}

func NewServerCommand() *cobra.Command {
	opts := &ServerOpts{}

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the Pollenisator server",
		Long:  `Start the Pollenisator server: REST API, worker websocket, autoscan loops and the import watcher`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = opts.Port
			}
			if cmd.Flags().Changed("ip") {
				cfg.Server.Host = opts.Ip
			}
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				cfg.Log.Level = "debug"
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := NewApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			if opts.Seed {
				if err := app.seedDefaults(ctx); err != nil {
					return err
				}
			}
			return app.Run(ctx)
		},
	}

	serverCmd.Flags().IntVarP(&opts.Port, "port", "p", 5000, "Port to run the server on")
	serverCmd.Flags().StringVarP(&opts.Ip, "ip", "i", "0.0.0.0", "IP address to bind the server to")
	serverCmd.Flags().BoolVar(&opts.Seed, "seed", false, "Load the built-in templates before serving")

	return serverCmd
}

// NewApp connects the backends and wires the services.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	log := logger.New(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if log.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	app := &App{
		cfg:     cfg,
		logger:  log,
		metrics: metrics.NewMetrics(),
		files:   files.NewLayout(cfg.Files.Root),
		tokens:  auth.NewRegistry(cfg.Workers.TokenTTL),
	}

	validator, err := bus.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to compile message schemas: %w", err)
	}
	hubOpts := []bus.HubOption{
		bus.WithValidator(validator),
		bus.WithTokenValidator(app.tokens),
		bus.WithMetrics(app.metrics),
		bus.WithLogger(log),
		bus.WithRPCTimeout(cfg.Workers.RPCTimeout),
	}
	if cfg.NATS.URL != "" {
		nc, err := bus.ConnectNATS(cfg.NATS.URL, log)
		if err != nil {
			log.WithError(err).Warn("NATS unavailable - change events stay local")
		} else {
			app.nats = nc
			hubOpts = append(hubOpts, bus.WithForwarder(bus.NewNatsForwarder(nc, cfg.NATS.SubjectPrefix, app.metrics)))
			log.WithFields(logger.Fields{"url": cfg.NATS.URL}).Info("Forwarding change events to NATS")
		}
	}
	app.hub = bus.NewHub(hubOpts...)

	backend, err := database.OpenBackend(ctx, cfg.Database)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.store = store.New(backend,
		store.WithCache(cfg.Cache.Size, cfg.Cache.TTL),
		store.WithNotifier(app.hub),
		store.WithMetrics(app.metrics),
		store.WithLogger(log),
	)

	var alerts services.Alerter
	if cfg.Discord.Token != "" {
		client, err := notification.NewNotificationClient(cfg.Discord.Token, cfg.Discord.ChannelID)
		if err != nil {
			log.WithError(err).Warn("Failed to initialize Discord client")
		} else {
			app.alerts = hooks.NewDiscordNotifier(client, hooks.WithNotifierLogger(log))
			alerts = app.alerts
			log.Info("Discord notifications enabled")
		}
	} else {
		log.Info("Discord token not set - Discord notifications disabled")
	}

	var pluginOpts []plugins.DefaultOption
	if path := cfg.Plugins.SensitivePaths; path != "" {
		paths, err := plugins.LoadSensitivePaths(path)
		if err != nil {
			app.Close()
			return nil, err
		}
		pluginOpts = append(pluginOpts, plugins.WithSensitivePaths(paths))
		log.WithFields(logger.Fields{"file": path, "paths": len(paths)}).Info("Loaded extra sensitive paths")
	}

	app.services = services.New(services.Options{
		Plugins:          plugins.NewDefaultRegistry(log, pluginOpts...),
		Store:            app.store,
		Hub:              app.hub,
		Files:            app.files,
		Tokens:           app.tokens,
		Alerts:           alerts,
		Metrics:          app.metrics,
		Logger:           log,
		MaxRunning:       cfg.Workers.MaxRunning,
		HeartbeatTimeout: cfg.Workers.HeartbeatTimeout,
		WorkerOutputDir:  cfg.Files.WorkerOutputDir,
		AutoscanTick:     cfg.Autoscan.Tick,
		MaxAutoscans:     cfg.Autoscan.MaxConcurrent,
	})
	app.services.Workers.RegisterHandlers(app.hub)
	return app, nil
}

func (a *App) seedDefaults(ctx context.Context) error {
	set, err := seed.Default()
	if err != nil {
		return err
	}
	_, err = seed.NewSeeder(a.store, a.logger).Apply(ctx, set)
	return err
}

// Run serves until ctx is cancelled, then shuts the HTTP server and the
// autoscan loops down.
func (a *App) Run(ctx context.Context) error {
	go a.services.Sweeper.Run(ctx, a.cfg.Workers.SweepInterval)

	if dir := a.cfg.Files.ImportDir; dir != "" {
		watcher := services.NewImportWatcher(a.services, dir, 0)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				a.logger.WithError(err).Error("Import watcher stopped")
			}
		}()
	}

	router := routes.InitRouter(routes.RouterDeps{
		Services: a.services,
		Hub:      a.hub,
		Metrics:  a.metrics,
		Files:    a.files,
		Tokens:   a.tokens,
	})
	srv := &http.Server{
		Addr:              a.cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		a.logger.WithFields(logger.Fields{"addr": srv.Addr}).Info("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case err, ok := <-errChan:
		if ok {
			a.logger.WithError(err).Error("Server failed")
			return err
		}
		return nil
	case <-ctx.Done():
		a.logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.WithError(err).Warn("HTTP server did not shut down cleanly")
	}
	a.services.Shutdown(shutdownCtx)
	return nil
}

// Close releases the connections opened by NewApp.
func (a *App) Close() {
	if a.hub != nil {
		a.hub.Close()
	}
	if a.alerts != nil {
		if err := a.alerts.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close Discord client")
		}
	}
	if a.nats != nil {
		a.nats.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close database backend")
		}
	}
}
