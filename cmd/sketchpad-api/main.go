package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/sketchpad/internal/activity"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/auth"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/config"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/database"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/discovery"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/engine"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/logging"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/rooms"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sketchpad-api",
		Short: "Shared canvas synchronization server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the synchronization server (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	})
	rootCmd.AddCommand(newProbeCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().Duration("reconcile-interval", defaults.GetDuration("reconcile.interval"), "Interval between full-state broadcasts")
	cmd.PersistentFlags().Duration("room-idle-ttl", defaults.GetDuration("rooms.idle_ttl"), "Evict rooms empty for this long (0 keeps them)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path for the activity journal")
	cmd.PersistentFlags().Bool("activity", defaults.GetBool("activity.enabled"), "Record room activity")
	cmd.PersistentFlags().String("ticket-secret", "", "Reconnect ticket signing secret (overrides env)")
	cmd.PersistentFlags().Bool("mdns", defaults.GetBool("mdns.enabled"), "Advertise the server over mDNS")
	cmd.PersistentFlags().String("mdns-instance", defaults.GetString("mdns.instance"), "mDNS instance name")

	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "reconcile.interval", "reconcile-interval")
	bindFlag(cmd, "rooms.idle_ttl", "room-idle-ttl")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "activity.enabled", "activity")
	bindFlag(cmd, "ticket.signing_secret", "ticket-secret")
	bindFlag(cmd, "mdns.enabled", "mdns")
	bindFlag(cmd, "mdns.instance", "mdns-instance")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ticketSecret := []byte(appConfig.TicketSecret)
	if len(ticketSecret) == 0 {
		ticketSecret, err = auth.NewSigningSecret()
		if err != nil {
			return err
		}
		logger.Info("generated process-local ticket secret; tickets will not survive a restart")
	}
	tickets, err := auth.NewTicketIssuer(auth.TicketIssuerConfig{
		SigningSecret: ticketSecret,
		TicketTTL:     appConfig.TicketTTL,
	})
	if err != nil {
		return err
	}

	var (
		recorder engine.ActivityRecorder
		lister   server.ActivityLister
	)
	if appConfig.ActivityEnabled {
		db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
		if err != nil {
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		defer sqlDB.Close()

		activityService, err := activity.NewService(activity.ServiceConfig{
			Database:   db,
			Clock:      time.Now,
			IDProvider: activity.NewUUIDProvider(),
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		recorder = activityService
		lister = activityService
	}

	hub := server.NewConnectionHub(appConfig.HubBufferSize, logger)
	canvasEngine, err := engine.New(engine.Config{
		Registry:    rooms.NewRegistry(),
		Transport:   hub,
		Recorder:    recorder,
		Tickets:     tickets,
		Clock:       time.Now,
		Logger:      logger,
		IdleRoomTTL: appConfig.RoomIdleTTL,
		CursorRate:  rate.Limit(appConfig.CursorRate),
		CursorBurst: appConfig.CursorBurst,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Engine:         canvasEngine,
		Hub:            hub,
		Tickets:        tickets,
		Activity:       lister,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go canvasEngine.RunReconciler(signalCtx, appConfig.ReconcileInterval)

	if appConfig.MDNSEnabled {
		advertiser, err := discovery.Advertise(discovery.AdvertiserConfig{
			Instance: appConfig.MDNSInstance,
			Address:  appConfig.HTTPAddress,
			Logger:   logger,
		})
		if err != nil {
			logger.Warn("mdns advertisement unavailable", zap.Error(err))
		} else {
			defer advertiser.Shutdown() //nolint:errcheck
		}
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
