package main

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/szaher/stagehand/internal/compute"
)

type sessionRow struct {
	compute.Session
	PreviewURL string `json:"previewUrl"`
}

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions [id]",
		Short: "List live sandbox sessions on a server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(serverURL)
			w := cmd.OutOrStdout()

			if len(args) == 1 {
				var row sessionRow
				if err := client.get(cmd.Context(), "/v1/sessions/"+url.PathEscape(args[0]), &row); err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(w, row)
				}
				fmt.Fprintf(w, "ID:         %s\n", row.ID)
				fmt.Fprintf(w, "Short ID:   %s\n", row.ShortID)
				fmt.Fprintf(w, "Project:    %s\n", orDash(row.ProjectID))
				fmt.Fprintf(w, "Backend:    %s\n", row.Backend)
				fmt.Fprintf(w, "Unit:       %s\n", orDash(row.UnitName))
				fmt.Fprintf(w, "Address:    %s\n", orDash(row.Address))
				fmt.Fprintf(w, "Preview:    %s\n", orDash(row.PreviewURL))
				fmt.Fprintf(w, "Agent:      %s\n", orDash(row.AgentSessionID))
				fmt.Fprintf(w, "Created:    %s\n", row.CreatedAt.Format(time.RFC3339))
				return nil
			}

			var resp struct {
				Sessions []sessionRow `json:"sessions"`
			}
			if err := client.get(cmd.Context(), "/v1/sessions", &resp); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(w, resp)
			}
			if len(resp.Sessions) == 0 {
				fmt.Fprintln(w, "No live sessions.")
				return nil
			}
			fmt.Fprintf(w, "%-10s %-24s %-8s %-10s %s\n", "SHORT", "PROJECT", "BACKEND", "AGE", "PREVIEW")
			fmt.Fprintln(w, strings.Repeat("-", 80))
			for _, s := range resp.Sessions {
				age := time.Since(s.CreatedAt).Truncate(time.Second)
				fmt.Fprintf(w, "%-10s %-24s %-8s %-10s %s\n",
					s.ShortID, orDash(s.ProjectID), s.Backend, age, orDash(s.PreviewURL))
			}
			return nil
		},
	}
}
