package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"signdesk/internal/db"
)

func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, sqdb, err := openDB(rootOpts)
			if err != nil {
				return err
			}
			defer sqdb.Close()
			if err := db.ApplyMigrations(sqdb); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			return emit(rootOpts, cmd.OutOrStdout(), map[string]string{"status": "ok", "driver": cfg.DBDriver}, func(w io.Writer) {
				fmt.Fprintf(w, "migrations applied (%s)\n", cfg.DBDriver)
			})
		},
	}
}
