// Package cli wires configuration, storage and transport into runnable commands.
package cli

import (
	"strings"

	_ "github.com/joho/godotenv/autoload"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"taskboard/internal/config"
)

type App struct {
	cfg *config.Config
}

func NewRootCmd() *cobra.Command {
	app := &App{}

	cmd := &cobra.Command{
		Use:          "taskboard",
		Short:        "Realtime task list backend",
		SilenceUsage: true,
		Example: strings.TrimSpace(`
  # Serve the API with in-memory storage and local tokens
  STORE_BACKEND=memory LOCAL_AUTH_SHARED_SECRET=dev taskboard serve

  # Create the table, queue and container once per environment
  STORE_BACKEND=azure taskboard provision
`),
	}

	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Read()
		if err != nil {
			return err
		}
		app.cfg = cfg
		configureLogging(log.StandardLogger(), cfg)
		return nil
	}

	cmd.AddCommand(newServeCmd(app), newWorkerCmd(app), newProvisionCmd(app), newTokenCmd(app))
	return cmd
}

func configureLogging(logger *log.Logger, cfg *config.Config) {
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	if strings.EqualFold(cfg.LogFormat, "json") {
		logger.SetFormatter(&log.JSONFormatter{})
	}
}
