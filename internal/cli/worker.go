package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"taskboard/cleanup"
	"taskboard/internal/config"
	"taskboard/storage"
)

const shutdownTimeout = 30 * time.Second

func newWorkerCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup-worker",
		Short: "Delete attachments queued for removal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), app.cfg)
		},
	}
}

func runWorker(ctx context.Context, cfg *config.Config) error {
	if cfg.StoreBackend != config.BackendAzure || cfg.Storage.CleanupQueue == "" {
		return errors.New("cleanup-worker requires STORE_BACKEND=azure and CLEANUP_QUEUE")
	}
	queue, err := storage.NewCleanupQueue(cfg.Storage.ConnectionString, cfg.Storage.CleanupQueue)
	if err != nil {
		return fmt.Errorf("cleanup queue: %w", err)
	}
	blobs, err := storage.NewBlobs(cfg.Storage.ConnectionString, cfg.Storage.BlobContainer)
	if err != nil {
		return fmt.Errorf("blob storage: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	worker := cleanup.NewWorker(queue, blobs, log.StandardLogger())
	go func() {
		defer close(done)
		if err := worker.Run(runCtx); err != nil {
			log.WithError(err).Error("cleanup worker failed")
		}
	}()

	wait := gfshutdown.GracefulShutdown(context.Background(), shutdownTimeout, map[string]gfshutdown.Operation{
		"cleanup-worker": func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
	if code := <-wait; code != 0 {
		return fmt.Errorf("shutdown exited with code %d", code)
	}
	return nil
}
