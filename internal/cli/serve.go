package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MicahParks/keyfunc"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/labstack/echo-contrib/pprof"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"taskboard/api"
	"taskboard/cleanup"
	"taskboard/completion"
	"taskboard/internal/config"
	"taskboard/repository"
	"taskboard/storage"
	"taskboard/upload"
)

const (
	localBlobPrefix = "/blobs"
	bodyLimit       = "6M"
)

func newServeCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the task API and push changes to subscribers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.cfg.ValidateServe(); err != nil {
				return err
			}
			return runServe(app.cfg)
		},
	}
}

// backend is the storage wiring selected by STORE_BACKEND.
type backend struct {
	store   repository.Store
	blobs   upload.BlobStore
	cleaner repository.BlobCleaner
	// local is set when attachments are kept in process and served over HTTP.
	local *storage.MemoryBlobs
}

func newBackend(cfg *config.Config, rc *redis.Client) (*backend, error) {
	if cfg.StoreBackend == config.BackendMemory {
		blobs := storage.NewMemoryBlobs(localBlobPrefix)
		return &backend{
			store:   storage.NewMemory(),
			blobs:   blobs,
			cleaner: cleanup.Direct{Blobs: blobs},
			local:   blobs,
		}, nil
	}

	feed := storage.NewFeed(rc, cfg.Redis.ChangesChannel)
	tables, err := storage.NewTables(cfg.Storage.ConnectionString, cfg.Storage.TasksTable, feed)
	if err != nil {
		return nil, fmt.Errorf("tables: %w", err)
	}
	blobs, err := storage.NewBlobs(cfg.Storage.ConnectionString, cfg.Storage.BlobContainer)
	if err != nil {
		return nil, fmt.Errorf("blob storage: %w", err)
	}
	b := &backend{store: tables, blobs: blobs, cleaner: cleanup.Direct{Blobs: blobs}}
	if cfg.Redis.SnapshotCacheTTL > 0 {
		b.store = storage.NewCache(tables, rc, cfg.Redis.SnapshotCacheTTL)
	}
	if cfg.Storage.CleanupQueue != "" {
		queue, err := storage.NewCleanupQueue(cfg.Storage.ConnectionString, cfg.Storage.CleanupQueue)
		if err != nil {
			return nil, fmt.Errorf("cleanup queue: %w", err)
		}
		b.cleaner = queue
	}
	return b, nil
}

func newAuth(cfg *config.Config) (*api.Auth, func(), error) {
	if cfg.LocalAuth() {
		log.Warn("verifying tokens with the local shared secret")
		return api.NewLocalAuth([]byte(cfg.Auth.SharedSecret), cfg.Auth.Audience), func() {}, nil
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Auth.Domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshUnknownKID: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(jwks, cfg.Auth.Audience, "https://"+cfg.Auth.Domain+"/"), jwks.EndBackground, nil
}

func newCompleter(cfg *config.Config) completion.Completer {
	if cfg.AI.Provider == config.ProviderOpenAI {
		return completion.NewOpenAI(cfg.AI.APIKey, cfg.AI.Model, cfg.AI.BaseURL)
	}
	return completion.Static{}
}

func runServe(cfg *config.Config) error {
	logger := log.StandardLogger()

	var rc *redis.Client
	if cfg.Redis.ConnectionString != "" {
		rc = redis.NewClient(parseRedisOptions(cfg.Redis.ConnectionString))
	}

	be, err := newBackend(cfg, rc)
	if err != nil {
		return err
	}
	auth, stopAuth, err := newAuth(cfg)
	if err != nil {
		return err
	}

	repo := repository.New(be.store, repository.WithCleaner(be.cleaner), repository.WithLogger(logger))
	feedCtx, stopFeed := context.WithCancel(context.Background())
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		if err := repo.Run(feedCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("change feed stopped")
		}
	}()

	opts := api.Options{
		Uploader:         upload.NewCoordinator(be.blobs, upload.WithLogger(logger)),
		Completer:        newCompleter(cfg),
		AllowSharedEdits: cfg.HTTP.AllowSharedEdits,
		Logger:           logger,
	}
	if rc != nil {
		opts.Deduper = api.NewRedisDeduper(rc, cfg.Redis.DeduperTTL)
	}
	if be.local != nil {
		opts.Blobs = be.local
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(bodyLimit))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	if cfg.HTTP.PprofEnabled {
		pprof.Register(e)
	}
	api.Register(e, repo, auth, opts)

	listenAddr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	go func() {
		logger.WithFields(log.Fields{"addr": listenAddr, "backend": cfg.StoreBackend}).Info("http server starting")
		if err := e.Start(listenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("http server failed")
		}
	}()

	wait := gfshutdown.GracefulShutdown(context.Background(), shutdownTimeout, map[string]gfshutdown.Operation{
		"http": e.Shutdown,
		"change-feed": func(ctx context.Context) error {
			stopFeed()
			select {
			case <-feedDone:
			case <-ctx.Done():
				return ctx.Err()
			}
			stopAuth()
			if rc != nil {
				return rc.Close()
			}
			return nil
		},
	})
	if code := <-wait; code != 0 {
		return fmt.Errorf("shutdown exited with code %d", code)
	}
	return nil
}
