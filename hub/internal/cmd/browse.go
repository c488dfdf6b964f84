package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/m10n/hub/internal/catalog"
	"github.com/amurg-ai/m10n/hub/internal/config"
	"github.com/amurg-ai/m10n/hub/internal/hub"
	"github.com/amurg-ai/m10n/hub/internal/tui"
)

func newBrowseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "browse [config-file]",
		Short: "Browse a developer's catalog page in the terminal",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username, _ := cmd.Flags().GetString("user")

			cfg, err := config.Load(resolveConfigPath(cmd, args))
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}
			// Log output would corrupt the alternate screen.
			h, err := hub.New(cfg, newLogger(cfg.Logging, io.Discard))
			if err != nil {
				return err
			}
			defer func() { _ = h.Close() }()

			user, err := h.Store().GetUser(cmd.Context(), "default", username)
			if err != nil {
				return fmt.Errorf("get user: %w", err)
			}
			if user == nil {
				return fmt.Errorf("user %q not found", username)
			}

			return tui.Run(func(ctx context.Context) (*catalog.Page, error) {
				return h.Catalog().Page(ctx, user)
			})
		},
	}
	cmd.Flags().StringP("user", "u", "", "developer username")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
