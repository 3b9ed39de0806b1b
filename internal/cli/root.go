package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"signdesk/internal/config"
	"signdesk/internal/db"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format string // "json" | "text"

	// LoadConfig is config.Load unless a test replaces it.
	LoadConfig func() (config.Config, error)
}

var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the signctl CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{LoadConfig: config.Load}

	cmd := &cobra.Command{
		Use:   "signctl",
		Short: "signctl - signdesk administration",
		Long:  "Administer a signdesk deployment: apply migrations, manage owners and inspect signature requests.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewOwnerCommand(opts))
	cmd.AddCommand(NewRequestCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))
	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func openDB(opts *RootOptions) (config.Config, *sqlx.DB, error) {
	cfg, err := opts.LoadConfig()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	sqdb, err := db.Open(cfg.DBDriver, cfg.DBDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("open db: %w", err)
	}
	return cfg, sqdb, nil
}

// emit writes v as indented JSON, or calls text for the text format.
func emit(opts *RootOptions, w io.Writer, v any, text func(io.Writer)) error {
	if opts.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
