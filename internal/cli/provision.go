package cli

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"taskboard/internal/config"
	"taskboard/storage"
)

const provisionTimeout = 2 * time.Minute

func newProvisionCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Create the tasks table, cleanup queue and blob container",
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.cfg.StoreBackend != config.BackendAzure {
				return errors.New("provision requires STORE_BACKEND=azure")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), provisionTimeout)
			defer cancel()
			return storage.Provision(ctx, app.cfg.Storage.ConnectionString, storage.Resources{
				Table:     app.cfg.Storage.TasksTable,
				Queue:     app.cfg.Storage.CleanupQueue,
				Container: app.cfg.Storage.BlobContainer,
			})
		},
	}
}
