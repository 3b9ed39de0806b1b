package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"signdesk/internal/models"
	"signdesk/internal/store"
)

type requestStatus struct {
	Request    models.SignatureRequest `json:"request"`
	Recipients []models.Recipient      `json:"recipients"`
}

func NewRequestCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Inspect signature requests",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status <request-id>",
		Short: "Show a request and the state of each recipient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, sqdb, err := openDB(rootOpts)
			if err != nil {
				return err
			}
			defer sqdb.Close()

			st := store.New(sqdb)
			req, err := st.GetRequest(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("request %s not found", args[0])
			}
			if err != nil {
				return err
			}
			recipients, err := st.ListRecipients(cmd.Context(), req.ID)
			if err != nil {
				return err
			}
			out := requestStatus{Request: req, Recipients: recipients}
			return emit(rootOpts, cmd.OutOrStdout(), out, func(w io.Writer) { writeRequestStatus(w, out) })
		},
	})
	return cmd
}

func writeRequestStatus(w io.Writer, s requestStatus) {
	fmt.Fprintf(w, "%s  %s  [%s]\n", s.Request.ID, s.Request.Title, s.Request.Status)
	if s.Request.ExpiresAt != nil {
		fmt.Fprintf(w, "expires %s\n", s.Request.ExpiresAt.UTC().Format(time.RFC3339))
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ORDER\tEMAIL\tSTATUS\tSIGNED AT")
	for _, r := range s.Recipients {
		signed := "-"
		if r.SignedAt != nil {
			signed = r.SignedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", r.SigningOrder, r.Email, r.Status, signed)
	}
	_ = tw.Flush()
}
