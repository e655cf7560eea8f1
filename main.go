// koban/main.go
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"koban/config"
	"koban/database"
	"koban/handlers"
	"koban/janitor"
	"koban/notify"
	"koban/storage"
	"koban/utils"

	"github.com/joho/godotenv"
)

type Application struct {
	db     *database.DatabaseService
	store  storage.ObjectStore
	bus    *notify.Bus
	logger *slog.Logger
	cfg    *config.Config
}

// Methods to satisfy the handlers.App interface
func (a *Application) DB() *database.DatabaseService { return a.db }
func (a *Application) Storage() storage.ObjectStore  { return a.store }
func (a *Application) Bus() *notify.Bus              { return a.bus }
func (a *Application) Logger() *slog.Logger          { return a.logger }
func (a *Application) Config() *config.Config        { return a.cfg }

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("Could not load .env file", "error", err)
	}

	secret, err := utils.NewSecret(32)
	if err != nil {
		logger.Error("Failed to generate poster-ID secret", "error", err)
		os.Exit(1)
	}
	utils.PosterIDSecret = secret

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	bus := notify.NewBus(logger)

	dbService, err := database.InitDB(cfg.DBPath, logger, bus)
	if err != nil {
		logger.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbService.Close(); err != nil {
			logger.Error("Failed to close database", "error", err)
		}
	}()

	// --- Storage Service Init ---
	var store storage.ObjectStore
	if cfg.S3Enabled {
		store, err = storage.NewS3Store(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey,
			cfg.S3Bucket, cfg.S3Region, cfg.S3PublicURL, cfg.S3UseSSL)
		if err != nil {
			logger.Error("Failed to initialize S3 storage", "error", err)
			os.Exit(1)
		}
		logger.Info("S3 storage initialized", "endpoint", cfg.S3Endpoint, "bucket", cfg.S3Bucket)
	} else {
		store, err = storage.NewLocalStore(cfg.UploadDir)
		if err != nil {
			logger.Error("Failed to initialize local storage", "error", err)
			os.Exit(1)
		}
		logger.Info("Local storage initialized", "dir", cfg.UploadDir)
	}

	app := &Application{
		db:     dbService,
		store:  store,
		bus:    bus,
		logger: logger,
		cfg:    cfg,
	}

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	j := janitor.New(dbService, store, logger, janitor.Config{
		Interval:       cfg.JanitorEvery,
		GraceWindow:    cfg.GraceWindow,
		Retention:      cfg.Retention,
		AuditRetention: cfg.AuditRetention,
	})
	go j.Start(janitorCtx)

	server := &http.Server{Addr: ":" + cfg.Port, Handler: handlers.SetupRouter(app)}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed unexpectedly", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("koban server started",
		"version", config.AppVersion,
		"address", "http://localhost:"+cfg.Port,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	stopJanitor()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("Server exiting")
}
