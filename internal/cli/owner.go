package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"signdesk/internal/service"
	"signdesk/internal/store"
)

func NewOwnerCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "owner",
		Short: "Manage owner accounts",
	}
	cmd.AddCommand(newOwnerAddCommand(rootOpts))
	return cmd
}

func newOwnerAddCommand(rootOpts *RootOptions) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create an owner account",
		Long: `Create an owner account that can log in and send signature requests.

The password is read from --password or, when empty, from SIGNDESK_OWNER_PASSWORD.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("SIGNDESK_OWNER_PASSWORD")
			}
			cfg, sqdb, err := openDB(rootOpts)
			if err != nil {
				return err
			}
			defer sqdb.Close()

			svc := service.New(cfg, store.New(sqdb), nil, nil, nil)
			owner, err := svc.CreateOwner(cmd.Context(), email, password)
			if errors.Is(err, service.ErrEmailTaken) {
				return fmt.Errorf("owner %s already exists", strings.ToLower(strings.TrimSpace(email)))
			}
			if err != nil {
				return err
			}
			return emit(rootOpts, cmd.OutOrStdout(), map[string]string{"id": owner.ID, "email": owner.Email}, func(w io.Writer) {
				fmt.Fprintf(w, "created owner %s (%s)\n", owner.Email, owner.ID)
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "owner email address")
	cmd.Flags().StringVar(&password, "password", "", "owner password")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}
