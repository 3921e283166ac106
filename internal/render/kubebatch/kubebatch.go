// Package kubebatch runs render units as Kubernetes batch/v1 Jobs.
package kubebatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"

	"github.com/szaher/stagehand/internal/compute/kube"
	"github.com/szaher/stagehand/internal/render"
)

// LabelRender identifies the render a job belongs to.
const LabelRender = "stagehand.dev/render-id"

// Options configures the client.
type Options struct {
	Namespace      string
	Image          string
	Bucket         string
	SecretName     string
	ServiceAccount string
	Deadline       time.Duration
	TTLAfterFinish time.Duration
	CPURequest     string
	MemoryRequest  string
	CPULimit       string
	MemoryLimit    string
	Logger         *slog.Logger
}

// Client implements render.BatchClient.
type Client struct {
	client kubernetes.Interface
	opts   Options
}

var _ render.BatchClient = (*Client)(nil)

// New creates a batch client.
func New(client kubernetes.Interface, opts Options) *Client {
	if opts.Namespace == "" {
		opts.Namespace = "default"
	}
	if opts.Deadline <= 0 {
		opts.Deadline = 15 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{client: client, opts: opts}
}

// JobName is the deterministic job name for a render.
func JobName(renderID string) string {
	return "render-" + strings.ToLower(renderID)
}

// JobSpec builds the batch Job for spec.
func (c *Client) JobSpec(spec render.Spec) (*batchv1.Job, error) {
	res, err := kube.Resources(c.opts.CPURequest, c.opts.MemoryRequest, c.opts.CPULimit, c.opts.MemoryLimit)
	if err != nil {
		return nil, err
	}
	labels := map[string]string{
		kube.LabelManagedBy: kube.ManagedBy,
		kube.LabelProject:   spec.ProjectID,
		LabelRender:         spec.RenderID,
	}
	container := corev1.Container{
		Name:      "render",
		Image:     c.opts.Image,
		Resources: res,
		Env: []corev1.EnvVar{
			{Name: "RENDER_ID", Value: spec.RenderID},
			{Name: "PROJECT_ID", Value: spec.ProjectID},
			{Name: "COMPOSITION_ID", Value: spec.CompositionID},
			{Name: "FORMAT", Value: spec.Format},
			{Name: "OUTPUT_BUCKET", Value: c.opts.Bucket},
		},
	}
	if c.opts.SecretName != "" {
		container.EnvFrom = []corev1.EnvFromSource{{
			SecretRef: &corev1.SecretEnvSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: c.opts.SecretName},
				Optional:             ptr.To(true),
			},
		}}
	}

	job := &batchv1.Job{
		TypeMeta: metav1.TypeMeta{APIVersion: "batch/v1", Kind: "Job"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      JobName(spec.RenderID),
			Namespace: c.opts.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:          ptr.To[int32](1),
			ActiveDeadlineSeconds: ptr.To(int64(c.opts.Deadline.Seconds())),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: c.opts.ServiceAccount,
					Containers:         []corev1.Container{container},
				},
			},
		},
	}
	if c.opts.TTLAfterFinish > 0 {
		job.Spec.TTLSecondsAfterFinished = ptr.To(int32(c.opts.TTLAfterFinish.Seconds()))
	}
	return job, nil
}

// Submit creates the Job.
func (c *Client) Submit(ctx context.Context, spec render.Spec) (string, error) {
	job, err := c.JobSpec(spec)
	if err != nil {
		return "", err
	}
	if _, err := c.client.BatchV1().Jobs(c.opts.Namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return "", fmt.Errorf("create job %s: %w", job.Name, err)
	}
	return job.Name, nil
}

// Status maps Job conditions onto a render.UnitStatus.
func (c *Client) Status(ctx context.Context, unit string) (render.UnitStatus, error) {
	job, err := c.client.BatchV1().Jobs(c.opts.Namespace).Get(ctx, unit, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return render.UnitStatus{}, render.ErrUnitNotFound
	}
	if err != nil {
		return render.UnitStatus{}, fmt.Errorf("get job %s: %w", unit, err)
	}
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			return render.UnitStatus{Phase: render.UnitSucceeded}, nil
		case batchv1.JobFailed:
			msg := cond.Reason
			if cond.Message != "" {
				msg = cond.Message
			}
			return render.UnitStatus{Phase: render.UnitFailed, Message: msg}, nil
		}
	}
	if job.Status.Active > 0 {
		return render.UnitStatus{Phase: render.UnitActive}, nil
	}
	return render.UnitStatus{Phase: render.UnitPending}, nil
}

// Delete removes the Job and its pods.
func (c *Client) Delete(ctx context.Context, unit string) error {
	err := c.client.BatchV1().Jobs(c.opts.Namespace).Delete(ctx, unit, metav1.DeleteOptions{
		PropagationPolicy: ptr.To(metav1.DeletePropagationBackground),
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete job %s: %w", unit, err)
	}
	return nil
}

// Logs concatenates the logs of every pod the Job created.
func (c *Client) Logs(ctx context.Context, unit string) (string, error) {
	pods, err := c.client.CoreV1().Pods(c.opts.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + unit,
	})
	if err != nil {
		return "", fmt.Errorf("list pods for job %s: %w", unit, err)
	}
	var b strings.Builder
	for _, p := range pods.Items {
		raw, err := c.client.CoreV1().Pods(c.opts.Namespace).GetLogs(p.Name, &corev1.PodLogOptions{}).DoRaw(ctx)
		if err != nil {
			c.opts.Logger.Warn("read render pod logs failed", "pod", p.Name, "error", err)
			continue
		}
		if len(pods.Items) > 1 {
			fmt.Fprintf(&b, "==> %s <==\n", p.Name)
		}
		b.Write(raw)
	}
	return b.String(), nil
}
