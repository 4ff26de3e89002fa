package kube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"

	"github.com/incidentfox/incidentfox/pkg/config"
)

// Outcome strings reported per resource by reconcile and delete calls.
const (
	OutcomeCreated     = "created"
	OutcomeUpdated     = "updated"
	OutcomeDeleted     = "deleted"
	OutcomeNotFound    = "not_found"
	OutcomeWouldDelete = "would_delete"
)

// Reconciler applies create-or-update semantics to the per-team
// workloads. Every call carries its own deadline so a wedged API
// server cannot stall a provisioning run indefinitely.
type Reconciler struct {
	client        kubernetes.Interface
	namespace     string
	agentImage    string
	pipelineImage string
	timeout       time.Duration
	logger        *slog.Logger
}

// NewReconciler creates a reconciler over an existing clientset.
func NewReconciler(client kubernetes.Interface, cfg *config.KubernetesConfig) *Reconciler {
	if client == nil {
		panic("kubernetes client cannot be nil")
	}
	return &Reconciler{
		client:        client,
		namespace:     cfg.Namespace,
		agentImage:    cfg.AgentImage,
		pipelineImage: cfg.PipelineImage,
		timeout:       cfg.CallTimeout,
		logger:        slog.Default().With("component", "kube"),
	}
}

func (r *Reconciler) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

// EnsureCronJob creates or updates the pipeline CronJob for one team
// and component (pipeline or discovery). Returns OutcomeCreated or
// OutcomeUpdated.
func (r *Reconciler) EnsureCronJob(ctx context.Context, org, team, component, schedule string) (string, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	name := ObjectName(org, team, component)
	desired := r.buildCronJob(name, org, team, component, schedule)
	client := r.client.BatchV1().CronJobs(r.namespace)

	existing, err := client.Get(ctx, name, metav1.GetOptions{})
	if kerrors.IsNotFound(err) {
		if _, err := client.Create(ctx, desired, metav1.CreateOptions{}); err != nil {
			return "", fmt.Errorf("create cronjob %s: %w", name, err)
		}
		r.logger.Info("Created cronjob", "name", name, "schedule", schedule)
		return OutcomeCreated, nil
	}
	if err != nil {
		return "", fmt.Errorf("get cronjob %s: %w", name, err)
	}

	existing.Labels = desired.Labels
	existing.Spec = desired.Spec
	if _, err := client.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return "", fmt.Errorf("update cronjob %s: %w", name, err)
	}
	r.logger.Info("Updated cronjob", "name", name, "schedule", schedule)
	return OutcomeUpdated, nil
}

// CreateOneOffJob launches a single pipeline Job for one team, used by
// the bootstrap step and manual triggers. The suffix keeps repeated
// launches from colliding; finished Jobs are garbage-collected by the
// TTL controller.
func (r *Reconciler) CreateOneOffJob(ctx context.Context, org, team, component, suffix string) (string, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	name := ObjectName(org, team, component)
	if suffix != "" {
		name = capName(name + "-" + SanitizeName(suffix))
	}
	labels := Labels(org, team, component)

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: r.namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            int32p(2),
			TTLSecondsAfterFinished: int32p(3600),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{{
						Name:  component,
						Image: r.pipelineImage,
						Env:   teamEnv(org, team, component),
					}},
				},
			},
		},
	}

	if _, err := r.client.BatchV1().Jobs(r.namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return "", fmt.Errorf("create job %s: %w", name, err)
	}
	r.logger.Info("Created one-off job", "name", name)
	return name, nil
}

// DeleteCronJob removes a team's CronJob. A missing object is not an
// error; found reports whether anything was deleted.
func (r *Reconciler) DeleteCronJob(ctx context.Context, org, team, component string) (bool, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	name := ObjectName(org, team, component)
	err := r.client.BatchV1().CronJobs(r.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if kerrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete cronjob %s: %w", name, err)
	}
	r.logger.Info("Deleted cronjob", "name", name)
	return true, nil
}

// EnsureAgentDeployment creates or updates the dedicated agent
// Deployment and its ClusterIP Service, returning the in-cluster
// service URL for the team config patch.
func (r *Reconciler) EnsureAgentDeployment(ctx context.Context, org, team string) (string, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	name := ObjectName(org, team, ComponentAgent)

	desired := r.buildDeployment(name, org, team)
	deployments := r.client.AppsV1().Deployments(r.namespace)
	existing, err := deployments.Get(ctx, name, metav1.GetOptions{})
	switch {
	case kerrors.IsNotFound(err):
		if _, err := deployments.Create(ctx, desired, metav1.CreateOptions{}); err != nil {
			return "", fmt.Errorf("create deployment %s: %w", name, err)
		}
		r.logger.Info("Created dedicated deployment", "name", name)
	case err != nil:
		return "", fmt.Errorf("get deployment %s: %w", name, err)
	default:
		existing.Labels = desired.Labels
		existing.Spec.Replicas = desired.Spec.Replicas
		existing.Spec.Template = desired.Spec.Template
		if _, err := deployments.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
			return "", fmt.Errorf("update deployment %s: %w", name, err)
		}
		r.logger.Info("Updated dedicated deployment", "name", name)
	}

	desiredSvc := r.buildService(name, org, team)
	services := r.client.CoreV1().Services(r.namespace)
	existingSvc, err := services.Get(ctx, name, metav1.GetOptions{})
	switch {
	case kerrors.IsNotFound(err):
		if _, err := services.Create(ctx, desiredSvc, metav1.CreateOptions{}); err != nil {
			return "", fmt.Errorf("create service %s: %w", name, err)
		}
	case err != nil:
		return "", fmt.Errorf("get service %s: %w", name, err)
	default:
		// ClusterIP is immutable; carry it over on update.
		clusterIP := existingSvc.Spec.ClusterIP
		existingSvc.Labels = desiredSvc.Labels
		existingSvc.Spec = desiredSvc.Spec
		existingSvc.Spec.ClusterIP = clusterIP
		if _, err := services.Update(ctx, existingSvc, metav1.UpdateOptions{}); err != nil {
			return "", fmt.Errorf("update service %s: %w", name, err)
		}
	}

	return fmt.Sprintf("http://%s.%s.svc.cluster.local", name, r.namespace), nil
}

// DeleteTeamResources removes (or, in a dry run, inventories) everything
// the platform manages for one team: both CronJobs, the dedicated
// Deployment and its Service. Missing objects report OutcomeNotFound.
// API failures are recorded per resource and joined into the returned
// error; deletion continues past them.
func (r *Reconciler) DeleteTeamResources(ctx context.Context, org, team string, dryRun bool) (map[string]string, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	agentName := ObjectName(org, team, ComponentAgent)
	var errs []error
	out := make(map[string]string)

	record := func(key string, deleted bool, err error) {
		switch {
		case err != nil:
			out[key] = "error"
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		case !deleted:
			out[key] = OutcomeNotFound
		case dryRun:
			out[key] = OutcomeWouldDelete
		default:
			out[key] = OutcomeDeleted
		}
	}

	for _, component := range []string{ComponentPipeline, ComponentDiscovery} {
		name := ObjectName(org, team, component)
		key := "cronjob/" + name
		if dryRun {
			_, err := r.client.BatchV1().CronJobs(r.namespace).Get(ctx, name, metav1.GetOptions{})
			record(key, err == nil, ignoreNotFound(err))
			continue
		}
		err := r.client.BatchV1().CronJobs(r.namespace).Delete(ctx, name, metav1.DeleteOptions{})
		record(key, err == nil, ignoreNotFound(err))
	}

	deployKey := "deployment/" + agentName
	if dryRun {
		_, err := r.client.AppsV1().Deployments(r.namespace).Get(ctx, agentName, metav1.GetOptions{})
		record(deployKey, err == nil, ignoreNotFound(err))
	} else {
		err := r.client.AppsV1().Deployments(r.namespace).Delete(ctx, agentName, metav1.DeleteOptions{})
		record(deployKey, err == nil, ignoreNotFound(err))
	}

	svcKey := "service/" + agentName
	if dryRun {
		_, err := r.client.CoreV1().Services(r.namespace).Get(ctx, agentName, metav1.GetOptions{})
		record(svcKey, err == nil, ignoreNotFound(err))
	} else {
		err := r.client.CoreV1().Services(r.namespace).Delete(ctx, agentName, metav1.DeleteOptions{})
		record(svcKey, err == nil, ignoreNotFound(err))
	}

	return out, errors.Join(errs...)
}

// ignoreNotFound filters the one error class delete/get treat as a
// normal outcome.
func ignoreNotFound(err error) error {
	if kerrors.IsNotFound(err) {
		return nil
	}
	return err
}

func (r *Reconciler) buildCronJob(name, org, team, component, schedule string) *batchv1.CronJob {
	labels := Labels(org, team, component)
	return &batchv1.CronJob{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: r.namespace,
			Labels:    labels,
		},
		Spec: batchv1.CronJobSpec{
			Schedule:                   schedule,
			ConcurrencyPolicy:          batchv1.ForbidConcurrent,
			SuccessfulJobsHistoryLimit: int32p(3),
			FailedJobsHistoryLimit:     int32p(3),
			JobTemplate: batchv1.JobTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: batchv1.JobSpec{
					BackoffLimit: int32p(2),
					Template: corev1.PodTemplateSpec{
						ObjectMeta: metav1.ObjectMeta{Labels: labels},
						Spec: corev1.PodSpec{
							RestartPolicy: corev1.RestartPolicyNever,
							Containers: []corev1.Container{{
								Name:  component,
								Image: r.pipelineImage,
								Env:   teamEnv(org, team, component),
							}},
						},
					},
				},
			},
		},
	}
}

func (r *Reconciler) buildDeployment(name, org, team string) *appsv1.Deployment {
	labels := Labels(org, team, ComponentAgent)
	labels[nameLabel] = name
	// Selector must stay minimal: it is immutable once created.
	selector := map[string]string{nameLabel: name}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: r.namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: int32p(1),
			Selector: &metav1.LabelSelector{MatchLabels: selector},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:  ComponentAgent,
						Image: r.agentImage,
						Env:   teamEnv(org, team, ComponentAgent),
						Ports: []corev1.ContainerPort{{
							Name:          "http",
							ContainerPort: 8080,
						}},
					}},
				},
			},
		},
	}
}

func (r *Reconciler) buildService(name, org, team string) *corev1.Service {
	labels := Labels(org, team, ComponentAgent)
	labels[nameLabel] = name

	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: r.namespace,
			Labels:    labels,
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{nameLabel: name},
			Ports: []corev1.ServicePort{{
				Name:       "http",
				Port:       80,
				TargetPort: intstr.FromInt32(8080),
			}},
		},
	}
}

func teamEnv(org, team, component string) []corev1.EnvVar {
	return []corev1.EnvVar{
		{Name: "IFOX_ORG", Value: org},
		{Name: "IFOX_TEAM", Value: team},
		{Name: "IFOX_COMPONENT", Value: component},
	}
}

func int32p(i int32) *int32 { return &i }

// capName enforces the DNS-1123 length limit on composed names.
func capName(name string) string {
	if len(name) > maxNameLength {
		return strings.TrimRight(name[:maxNameLength], "-")
	}
	return name
}
