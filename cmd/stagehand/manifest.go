package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/szaher/stagehand/internal/compute"
	"github.com/szaher/stagehand/internal/compute/kube"
	"github.com/szaher/stagehand/internal/config"
	"github.com/szaher/stagehand/internal/render"
	"github.com/szaher/stagehand/internal/render/kubebatch"
)

func newManifestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Print the cluster objects the server would create",
		Long: `Print the Pod or Job manifest the cluster backend would submit for the
current configuration, without contacting a cluster.`,
	}
	cmd.AddCommand(newManifestSessionCmd())
	cmd.AddCommand(newManifestRenderCmd())
	return cmd
}

func newManifestSessionCmd() *cobra.Command {
	var projectID string

	cmd := &cobra.Command{
		Use:   "session",
		Short: "Print a sandbox pod manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			id := uuid.NewString()
			sess := &compute.Session{
				ID:          id,
				ShortID:     id[:compute.ShortIDLength],
				ProjectID:   projectID,
				PreviewPort: cfg.Session.PreviewPort,
				AgentPort:   cfg.Session.AgentPort,
				Backend:     kube.Name,
				CreatedAt:   time.Now(),
			}

			driver := kube.New(nil, kubeOptions(cfg, slog.Default()))
			pod, err := driver.PodSpec(sess, compute.NewHydration(projectID))
			if err != nil {
				return err
			}
			return printYAML(cmd, pod)
		},
	}

	cmd.Flags().StringVar(&projectID, "project", "", "Project to hydrate from storage")
	return cmd
}

func newManifestRenderCmd() *cobra.Command {
	var (
		composition string
		format      string
	)

	cmd := &cobra.Command{
		Use:   "render <project-id>",
		Short: "Print a render job manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if format == "" {
				format = cfg.Render.DefaultFormat
			}

			client := kubebatch.New(nil, kubebatch.Options{
				Namespace:      cfg.Kube.Namespace,
				Image:          cfg.Render.Image,
				Bucket:         cfg.Storage.Bucket,
				SecretName:     cfg.Kube.SecretName,
				ServiceAccount: cfg.Kube.ServiceAcct,
				Deadline:       cfg.Render.Timeout,
				TTLAfterFinish: cfg.Render.TTLAfterFinish,
				CPURequest:     cfg.Render.CPURequest,
				MemoryRequest:  cfg.Render.MemoryRequest,
				CPULimit:       cfg.Render.CPULimit,
				MemoryLimit:    cfg.Render.MemoryLimit,
			})
			job, err := client.JobSpec(render.Spec{
				RenderID:      strings.ToLower(ulid.Make().String()),
				ProjectID:     args[0],
				CompositionID: composition,
				Format:        format,
			})
			if err != nil {
				return err
			}
			return printYAML(cmd, job)
		},
	}

	cmd.Flags().StringVar(&composition, "composition", "", "Composition to render")
	cmd.Flags().StringVar(&format, "format", "", "Output format")
	return cmd
}

func printYAML(cmd *cobra.Command, obj interface{}) error {
	data, err := yaml.Marshal(obj)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
