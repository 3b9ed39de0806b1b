package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"signdesk/internal/version"
)

func NewVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Current()
			return emit(rootOpts, cmd.OutOrStdout(), info, func(w io.Writer) {
				fmt.Fprintln(w, info.String())
			})
		},
	}
}
