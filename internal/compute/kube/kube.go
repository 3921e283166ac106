// Package kube runs sandbox sessions as pods through the Kubernetes API.
package kube

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/ptr"

	"github.com/szaher/stagehand/internal/compute"
)

// Name is the backend identifier used in logs and metrics.
const Name = "kube"

// Labels applied to every sandbox pod.
const (
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelSession   = "stagehand.dev/session-id"
	LabelShortID   = "stagehand.dev/short-id"
	LabelProject   = "stagehand.dev/project-id"
	ManagedBy      = "stagehand"
)

const (
	workspaceVolume = "workspace"
	agentVolume     = "agent-state"
	workspaceMount  = "/workspace"
	agentMount      = "/home/agent/.agent"
)

// Options configures the driver.
type Options struct {
	Namespace      string
	Image          string
	HydrateImage   string
	Bucket         string
	S3Endpoint     string
	SecretName     string
	ServiceAccount string
	PreviewDomain  string
	Env            map[string]string
	CPURequest     string
	MemoryRequest  string
	CPULimit       string
	MemoryLimit    string
	ReadyTimeout   time.Duration
	PollInterval   time.Duration
	Logger         *slog.Logger
}

// Driver implements compute.Driver with pods.
type Driver struct {
	client kubernetes.Interface
	opts   Options
}

var _ compute.Driver = (*Driver)(nil)

// RESTConfig loads in-cluster config, or the kubeconfig at path when set.
func RESTConfig(path string) (*rest.Config, error) {
	if path == "" {
		if cfg, err := rest.InClusterConfig(); err == nil {
			return cfg, nil
		}
	}
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if path != "" {
		rules.ExplicitPath = path
	}
	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig: %w", err)
	}
	return cfg, nil
}

// NewClientset builds a clientset from RESTConfig(path).
func NewClientset(path string) (kubernetes.Interface, error) {
	cfg, err := RESTConfig(path)
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(cfg)
}

// New creates a pod driver.
func New(client kubernetes.Interface, opts Options) *Driver {
	if opts.Namespace == "" {
		opts.Namespace = "default"
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 5 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.HydrateImage == "" {
		opts.HydrateImage = "amazon/aws-cli:2.17.0"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Driver{client: client, opts: opts}
}

// Name returns the backend identifier.
func (d *Driver) Name() string { return Name }

// PodName is the deterministic pod name for a session.
func PodName(sess *compute.Session) string {
	return "sandbox-" + sess.ShortID
}

// Create creates the pod and waits until it is Running, Ready and has an IP.
func (d *Driver) Create(ctx context.Context, sess *compute.Session, h compute.Hydration) error {
	pod, err := d.PodSpec(sess, h)
	if err != nil {
		return &compute.StartupError{Backend: Name, Unit: PodName(sess), Err: err}
	}
	sess.UnitName = pod.Name
	logger := d.opts.Logger.With("pod", pod.Name, "namespace", d.opts.Namespace, "session_id", sess.ID)

	pods := d.client.CoreV1().Pods(d.opts.Namespace)
	if _, err := pods.Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return &compute.StartupError{Backend: Name, Unit: pod.Name, Err: err}
	}
	logger.Info("pod created", "hydrate", h.Enabled())

	var podIP string
	err = compute.WaitReady(ctx, d.opts.PollInterval, d.opts.ReadyTimeout, func(ctx context.Context) (bool, error) {
		p, err := pods.Get(ctx, pod.Name, metav1.GetOptions{})
		if err != nil {
			logger.Debug("pod get failed", "error", err)
			return false, nil
		}
		switch p.Status.Phase {
		case corev1.PodFailed:
			return false, &compute.StartupError{Backend: Name, Unit: pod.Name, Err: fmt.Errorf("pod failed: %s", podFailureReason(p))}
		case corev1.PodRunning:
		default:
			return false, nil
		}
		if !podReady(p) || p.Status.PodIP == "" {
			return false, nil
		}
		podIP = p.Status.PodIP
		return true, nil
	})
	if err != nil {
		if compute.IsStartTimeout(err) {
			logger.Warn("pod never became ready, deleting")
		}
		if derr := d.deletePod(context.WithoutCancel(ctx), pod.Name); derr != nil {
			logger.Warn("delete unready pod failed", "error", derr)
		}
		return err
	}

	sess.Address = podIP
	return nil
}

// PodSpec builds the pod for sess. It is exported for the manifest command.
func (d *Driver) PodSpec(sess *compute.Session, h compute.Hydration) (*corev1.Pod, error) {
	res, err := Resources(d.opts.CPURequest, d.opts.MemoryRequest, d.opts.CPULimit, d.opts.MemoryLimit)
	if err != nil {
		return nil, err
	}

	labels := map[string]string{
		LabelManagedBy: ManagedBy,
		LabelSession:   sess.ID,
		LabelShortID:   sess.ShortID,
	}
	if sess.ProjectID != "" {
		labels[LabelProject] = sess.ProjectID
	}

	main := corev1.Container{
		Name:            "sandbox",
		Image:           d.opts.Image,
		ImagePullPolicy: corev1.PullIfNotPresent,
		Ports: []corev1.ContainerPort{
			{Name: "preview", ContainerPort: int32(sess.PreviewPort)},
			{Name: "agent", ContainerPort: int32(sess.AgentPort)},
		},
		Env:       sessionEnv(sess, d.opts.Env),
		Resources: res,
		VolumeMounts: []corev1.VolumeMount{
			{Name: workspaceVolume, MountPath: workspaceMount},
			{Name: agentVolume, MountPath: agentMount},
		},
		ReadinessProbe: &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				HTTPGet: &corev1.HTTPGetAction{
					Path: "/health",
					Port: intstr.FromInt32(int32(sess.AgentPort)),
				},
			},
			PeriodSeconds:    2,
			FailureThreshold: 3,
		},
	}
	if d.opts.SecretName != "" {
		main.EnvFrom = []corev1.EnvFromSource{{
			SecretRef: &corev1.SecretEnvSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: d.opts.SecretName},
				Optional:             ptr.To(true),
			},
		}}
	}

	pod := &corev1.Pod{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "Pod"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      PodName(sess),
			Namespace: d.opts.Namespace,
			Labels:    labels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy:      corev1.RestartPolicyNever,
			ServiceAccountName: d.opts.ServiceAccount,
			Containers:         []corev1.Container{main},
			Volumes: []corev1.Volume{
				{Name: workspaceVolume, VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
				{Name: agentVolume, VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
			},
		},
	}
	if h.Enabled() {
		pod.Spec.InitContainers = []corev1.Container{d.hydrateContainer(h)}
	}
	return pod, nil
}

func (d *Driver) hydrateContainer(h compute.Hydration) corev1.Container {
	endpoint := ""
	if d.opts.S3Endpoint != "" {
		endpoint = " --endpoint-url " + d.opts.S3Endpoint
	}
	script := fmt.Sprintf(
		"aws s3 sync%[1]s s3://%[2]s/%[3]s %[4]s && aws s3 sync%[1]s s3://%[2]s/%[5]s %[6]s",
		endpoint, d.opts.Bucket, h.SourcePrefix, workspaceMount, h.AgentPrefix, agentMount,
	)
	c := corev1.Container{
		Name:    "hydrate",
		Image:   d.opts.HydrateImage,
		Command: []string{"sh", "-c", script},
		VolumeMounts: []corev1.VolumeMount{
			{Name: workspaceVolume, MountPath: workspaceMount},
			{Name: agentVolume, MountPath: agentMount},
		},
	}
	if d.opts.SecretName != "" {
		c.EnvFrom = []corev1.EnvFromSource{{
			SecretRef: &corev1.SecretEnvSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: d.opts.SecretName},
				Optional:             ptr.To(true),
			},
		}}
	}
	return c
}

// Delete removes the pod immediately. A missing pod is not an error.
func (d *Driver) Delete(ctx context.Context, sess *compute.Session) error {
	name := sess.UnitName
	if name == "" {
		name = PodName(sess)
	}
	return d.deletePod(ctx, name)
}

func (d *Driver) deletePod(ctx context.Context, name string) error {
	err := d.client.CoreV1().Pods(d.opts.Namespace).Delete(ctx, name, metav1.DeleteOptions{
		GracePeriodSeconds: ptr.To[int64](0),
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete pod %s: %w", name, err)
	}
	return nil
}

// PreviewURL returns the ingress host for the session.
func (d *Driver) PreviewURL(sess *compute.Session) string {
	return fmt.Sprintf("https://%s.%s", sess.ShortID, d.opts.PreviewDomain)
}

// AgentBaseURL returns the pod-network address of the agent.
func (d *Driver) AgentBaseURL(sess *compute.Session) string {
	return fmt.Sprintf("http://%s:%d", sess.Address, sess.AgentPort)
}

func podReady(p *corev1.Pod) bool {
	for _, c := range p.Status.Conditions {
		if c.Type == corev1.PodReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}

func podFailureReason(p *corev1.Pod) string {
	if p.Status.Reason != "" || p.Status.Message != "" {
		return p.Status.Reason + " " + p.Status.Message
	}
	for _, cs := range append(p.Status.InitContainerStatuses, p.Status.ContainerStatuses...) {
		if t := cs.State.Terminated; t != nil && t.ExitCode != 0 {
			return fmt.Sprintf("container %s exited %d (%s)", cs.Name, t.ExitCode, t.Reason)
		}
	}
	return "unknown"
}

func sessionEnv(sess *compute.Session, static map[string]string) []corev1.EnvVar {
	env := make(map[string]string, len(static)+4)
	for k, v := range static {
		env[k] = v
	}
	env["SESSION_ID"] = sess.ID
	env["PROJECT_ID"] = sess.ProjectID
	env["PREVIEW_PORT"] = strconv.Itoa(sess.PreviewPort)
	env["AGENT_PORT"] = strconv.Itoa(sess.AgentPort)

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]corev1.EnvVar, 0, len(keys))
	for _, k := range keys {
		out = append(out, corev1.EnvVar{Name: k, Value: env[k]})
	}
	return out
}

// Resources parses request and limit quantities; empty values are omitted.
func Resources(cpuReq, memReq, cpuLim, memLim string) (corev1.ResourceRequirements, error) {
	var rr corev1.ResourceRequirements
	set := func(list *corev1.ResourceList, name corev1.ResourceName, v string) error {
		if v == "" {
			return nil
		}
		q, err := resource.ParseQuantity(v)
		if err != nil {
			return fmt.Errorf("parse %s quantity %q: %w", name, v, err)
		}
		if *list == nil {
			*list = corev1.ResourceList{}
		}
		(*list)[name] = q
		return nil
	}
	for _, s := range []struct {
		list *corev1.ResourceList
		name corev1.ResourceName
		v    string
	}{
		{&rr.Requests, corev1.ResourceCPU, cpuReq},
		{&rr.Requests, corev1.ResourceMemory, memReq},
		{&rr.Limits, corev1.ResourceCPU, cpuLim},
		{&rr.Limits, corev1.ResourceMemory, memLim},
	} {
		if err := set(s.list, s.name, s.v); err != nil {
			return rr, err
		}
	}
	return rr, nil
}
