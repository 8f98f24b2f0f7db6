package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/placevote/internal/compaction"
	"github.com/MarcoPoloResearchLab/placevote/internal/config"
	"github.com/MarcoPoloResearchLab/placevote/internal/database"
	"github.com/MarcoPoloResearchLab/placevote/internal/journal"
	"github.com/MarcoPoloResearchLab/placevote/internal/logging"
	"github.com/MarcoPoloResearchLab/placevote/internal/places"
	"github.com/MarcoPoloResearchLab/placevote/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "placevote-api",
		Short: "Place proposal and voting service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("data-dir", defaults.GetString("data.dir"), "Directory holding the main store and log")
	cmd.PersistentFlags().String("main-file", defaults.GetString("journal.main_file"), "Main store file name")
	cmd.PersistentFlags().String("log-file", defaults.GetString("journal.log_file"), "Write-ahead log file name")
	cmd.PersistentFlags().Duration("compaction-interval", defaults.GetDuration("compaction.interval"), "Interval between log compactions")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path for compaction history")
	cmd.PersistentFlags().Int("top-limit", defaults.GetInt("places.top_limit"), "Number of places returned by the top-places query")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "data.dir", "data-dir")
	bindFlag(cmd, "journal.main_file", "main-file")
	bindFlag(cmd, "journal.log_file", "log-file")
	bindFlag(cmd, "compaction.interval", "compaction-interval")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "places.top_limit", "top-limit")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
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

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, err := journal.Open(journal.Config{
		Dir:          appConfig.DataDir,
		MainFileName: appConfig.MainFileName,
		LogFileName:  appConfig.LogFileName,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	registry, _, err := places.Restore(store, places.RegistryConfig{Journal: store, Logger: logger})
	if err != nil {
		return err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	ledger, err := compaction.NewLedger(db)
	if err != nil {
		return err
	}

	compactor, err := compaction.NewCompactor(compaction.Config{
		Store:      store,
		Interval:   appConfig.CompactionInterval,
		Recorder:   ledger,
		IDProvider: compaction.NewUUIDProvider(),
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	// Fold whatever the previous process left in the log before serving.
	if _, err := compactor.RunOnce(ctx); err != nil {
		return err
	}

	compactorCtx, stopCompactor := context.WithCancel(ctx)
	defer stopCompactor()
	if err := compactor.Start(compactorCtx); err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Registry:       registry,
		Ledger:         ledger,
		TopPlacesLimit: appConfig.TopPlacesLimit,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Request contexts end with the signal so open event streams release Shutdown.
	httpServer := &http.Server{
		Addr:        appConfig.HTTPAddress,
		Handler:     handler,
		BaseContext: func(net.Listener) context.Context { return signalCtx },
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

	var serveErr error
	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		serveErr = httpServer.Shutdown(shutdownCtx)
	case serveErr = <-errCh:
	}

	stopCompactor()
	compactor.Wait()
	if _, err := compactor.RunOnce(context.Background()); err != nil {
		logger.Error("final compaction failed", zap.Error(err))
	}
	return serveErr
}
