package main

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/szaher/stagehand/internal/render"
)

func newRenderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Manage render jobs on a server",
	}
	cmd.AddCommand(newRenderCreateCmd())
	cmd.AddCommand(newRenderListCmd())
	cmd.AddCommand(newRenderGetCmd())
	cmd.AddCommand(newRenderCancelCmd())
	cmd.AddCommand(newRenderLogsCmd())
	return cmd
}

func newRenderCreateCmd() *cobra.Command {
	var (
		composition string
		format      string
		wait        bool
		interval    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "create <project-id>",
		Short: "Start a render for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(serverURL)
			body := map[string]string{"compositionId": composition, "format": format}

			var job render.Job
			path := "/v1/projects/" + url.PathEscape(args[0]) + "/renders"
			if err := client.post(cmd.Context(), path, body, &job); err != nil {
				return err
			}
			if !wait {
				return printJob(cmd.OutOrStdout(), &job)
			}

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for !job.Status.Terminal() {
				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-ticker.C:
				}
				if err := client.get(cmd.Context(), "/v1/renders/"+url.PathEscape(job.ID), &job); err != nil {
					return err
				}
				if !jsonOutput {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s %s %d%%\n", job.ID, job.Status, job.Progress)
				}
			}
			if err := printJob(cmd.OutOrStdout(), &job); err != nil {
				return err
			}
			if job.Status == render.StatusFailed {
				return fmt.Errorf("render %s failed: %s", job.ID, job.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&composition, "composition", "", "Composition to render")
	cmd.Flags().StringVar(&format, "format", "", "Output format (server default when empty)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait until the render finishes")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Poll interval with --wait")
	return cmd
}

func newRenderListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <project-id>",
		Short: "List renders for a project, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Renders []*render.Job `json:"renders"`
			}
			path := "/v1/projects/" + url.PathEscape(args[0]) + "/renders"
			if err := newAPIClient(serverURL).get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(w, resp)
			}
			if len(resp.Renders) == 0 {
				fmt.Fprintln(w, "No renders found.")
				return nil
			}
			fmt.Fprintf(w, "%-28s %-10s %-9s %-6s %s\n", "ID", "STATUS", "PROGRESS", "FORMAT", "OUTPUT")
			fmt.Fprintln(w, strings.Repeat("-", 90))
			for _, j := range resp.Renders {
				out := j.OutputURL
				if j.Error != "" {
					out = j.Error
				}
				fmt.Fprintf(w, "%-28s %-10s %-9s %-6s %s\n",
					j.ID, j.Status, fmt.Sprintf("%d%%", j.Progress), j.Format, orDash(out))
			}
			return nil
		},
	}
}

func newRenderGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <render-id>",
		Short: "Show one render",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job render.Job
			if err := newAPIClient(serverURL).get(cmd.Context(), "/v1/renders/"+url.PathEscape(args[0]), &job); err != nil {
				return err
			}
			return printJob(cmd.OutOrStdout(), &job)
		},
	}
}

func newRenderCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <render-id>",
		Short: "Cancel a pending or running render",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job render.Job
			path := "/v1/renders/" + url.PathEscape(args[0]) + "/cancel"
			if err := newAPIClient(serverURL).post(cmd.Context(), path, nil, &job); err != nil {
				return err
			}
			return printJob(cmd.OutOrStdout(), &job)
		},
	}
}

func newRenderLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <render-id>",
		Short: "Print the output of a render's batch job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var logs string
			path := "/v1/renders/" + url.PathEscape(args[0]) + "/logs"
			if err := newAPIClient(serverURL).get(cmd.Context(), path, &logs); err != nil {
				return err
			}
			_, err := io.WriteString(cmd.OutOrStdout(), logs)
			return err
		},
	}
}

func printJob(w io.Writer, j *render.Job) error {
	if jsonOutput {
		return printJSON(w, j)
	}
	fmt.Fprintf(w, "ID:          %s\n", j.ID)
	fmt.Fprintf(w, "Project:     %s\n", j.ProjectID)
	fmt.Fprintf(w, "Composition: %s\n", orDash(j.CompositionID))
	fmt.Fprintf(w, "Format:      %s\n", j.Format)
	fmt.Fprintf(w, "Status:      %s (%d%%)\n", j.Status, j.Progress)
	fmt.Fprintf(w, "Output:      %s\n", orDash(j.OutputURL))
	if j.Error != "" {
		fmt.Fprintf(w, "Error:       %s\n", j.Error)
	}
	fmt.Fprintf(w, "Created:     %s\n", j.CreatedAt.Format(time.RFC3339))
	if j.CompletedAt != nil {
		fmt.Fprintf(w, "Completed:   %s\n", j.CompletedAt.Format(time.RFC3339))
	}
	return nil
}
