package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"taskboard/domain"
	"taskboard/session"
)

func newTokenCmd(app *App) *cobra.Command {
	var (
		name string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Print a bearer token accepted in local auth mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !app.cfg.LocalAuth() {
				return errors.New("token requires LOCAL_AUTH_SHARED_SECRET")
			}
			src := session.NewHS256Source([]byte(app.cfg.Auth.SharedSecret), domain.User{UID: args[0], DisplayName: name})
			src.Audience = app.cfg.Auth.Audience
			src.TTL = ttl
			tok, err := src.Token(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
