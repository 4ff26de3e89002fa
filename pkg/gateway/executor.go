package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

const (
	kubeCallTimeout = 15 * time.Second
	defaultLogTail  = int64(100)
	maxLogBytes     = 256 * 1024
)

// KubeExecutor maps gateway commands onto the local Kubernetes API.
// Result shapes are compact JSON the control-plane toolset expects.
type KubeExecutor struct {
	client kubernetes.Interface
	logger *slog.Logger
}

func NewKubeExecutor(client kubernetes.Interface) *KubeExecutor {
	if client == nil {
		panic("kubernetes client cannot be nil")
	}
	return &KubeExecutor{
		client: client,
		logger: slog.Default().With("component", "kube-executor"),
	}
}

// Execute dispatches one command from the closed handler set. Every
// handler runs under its own Kubernetes API deadline.
func (e *KubeExecutor) Execute(ctx context.Context, command string, params map[string]any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, kubeCallTimeout)
	defer cancel()

	var (
		out any
		err error
	)
	switch command {
	case "list_pods":
		out, err = e.listPods(ctx, params)
	case "get_pod_logs":
		out, err = e.podLogs(ctx, params)
	case "describe_pod":
		out, err = e.describePod(ctx, params)
	case "get_pod_events":
		out, err = e.podEvents(ctx, params)
	case "describe_deployment":
		out, err = e.describeDeployment(ctx, params)
	case "list_namespaces":
		out, err = e.listNamespaces(ctx)
	default:
		return nil, fmt.Errorf("unknown command")
	}
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", command, err)
	}
	return raw, nil
}

func (e *KubeExecutor) listPods(ctx context.Context, params map[string]any) (any, error) {
	namespace := stringParam(params, "namespace", metav1.NamespaceDefault)
	opts := metav1.ListOptions{LabelSelector: stringParam(params, "label_selector", "")}

	pods, err := e.client.CoreV1().Pods(namespace).List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list pods in %s: %w", namespace, err)
	}

	items := make([]map[string]any, 0, len(pods.Items))
	for i := range pods.Items {
		pod := &pods.Items[i]
		ready := 0
		restarts := int32(0)
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.Ready {
				ready++
			}
			restarts += cs.RestartCount
		}
		items = append(items, map[string]any{
			"name":     pod.Name,
			"phase":    string(pod.Status.Phase),
			"ready":    fmt.Sprintf("%d/%d", ready, len(pod.Spec.Containers)),
			"restarts": restarts,
			"node":     pod.Spec.NodeName,
			"age":      age(pod.CreationTimestamp.Time),
		})
	}
	return map[string]any{"namespace": namespace, "count": len(items), "pods": items}, nil
}

func (e *KubeExecutor) podLogs(ctx context.Context, params map[string]any) (any, error) {
	pod := stringParam(params, "pod", "")
	if pod == "" {
		return nil, fmt.Errorf("pod is required")
	}
	namespace := stringParam(params, "namespace", metav1.NamespaceDefault)
	container := stringParam(params, "container", "")
	tail := int64Param(params, "tail_lines", defaultLogTail)

	opts := &corev1.PodLogOptions{TailLines: &tail}
	if container != "" {
		opts.Container = container
	}
	raw, err := e.client.CoreV1().Pods(namespace).GetLogs(pod, opts).Do(ctx).Raw()
	if err != nil {
		return nil, fmt.Errorf("get logs for %s/%s: %w", namespace, pod, err)
	}
	if len(raw) > maxLogBytes {
		raw = raw[len(raw)-maxLogBytes:]
	}

	result := map[string]any{"namespace": namespace, "pod": pod, "logs": string(raw)}
	if container != "" {
		result["container"] = container
	}
	return result, nil
}

func (e *KubeExecutor) describePod(ctx context.Context, params map[string]any) (any, error) {
	name := stringParam(params, "pod", "")
	if name == "" {
		return nil, fmt.Errorf("pod is required")
	}
	namespace := stringParam(params, "namespace", metav1.NamespaceDefault)

	pod, err := e.client.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("get pod %s/%s: %w", namespace, name, err)
	}

	containers := make([]map[string]any, 0, len(pod.Status.ContainerStatuses))
	for _, cs := range pod.Status.ContainerStatuses {
		containers = append(containers, map[string]any{
			"name":          cs.Name,
			"image":         cs.Image,
			"ready":         cs.Ready,
			"restart_count": cs.RestartCount,
			"state":         containerState(cs.State),
		})
	}
	conditions := make([]map[string]any, 0, len(pod.Status.Conditions))
	for _, cond := range pod.Status.Conditions {
		entry := map[string]any{"type": string(cond.Type), "status": string(cond.Status)}
		if cond.Reason != "" {
			entry["reason"] = cond.Reason
		}
		if cond.Message != "" {
			entry["message"] = cond.Message
		}
		conditions = append(conditions, entry)
	}

	return map[string]any{
		"name":       pod.Name,
		"namespace":  pod.Namespace,
		"phase":      string(pod.Status.Phase),
		"node":       pod.Spec.NodeName,
		"labels":     pod.Labels,
		"containers": containers,
		"conditions": conditions,
		"age":        age(pod.CreationTimestamp.Time),
	}, nil
}

func (e *KubeExecutor) podEvents(ctx context.Context, params map[string]any) (any, error) {
	pod := stringParam(params, "pod", "")
	if pod == "" {
		return nil, fmt.Errorf("pod is required")
	}
	namespace := stringParam(params, "namespace", metav1.NamespaceDefault)

	events, err := e.client.CoreV1().Events(namespace).List(ctx, metav1.ListOptions{
		FieldSelector: fmt.Sprintf("involvedObject.name=%s,involvedObject.kind=Pod", pod),
	})
	if err != nil {
		return nil, fmt.Errorf("list events for %s/%s: %w", namespace, pod, err)
	}

	items := make([]map[string]any, 0, len(events.Items))
	for _, ev := range events.Items {
		items = append(items, map[string]any{
			"type":      ev.Type,
			"reason":    ev.Reason,
			"message":   ev.Message,
			"count":     ev.Count,
			"last_seen": ev.LastTimestamp.Time.UTC().Format(time.RFC3339),
		})
	}
	return map[string]any{"namespace": namespace, "pod": pod, "count": len(items), "events": items}, nil
}

func (e *KubeExecutor) describeDeployment(ctx context.Context, params map[string]any) (any, error) {
	name := stringParam(params, "deployment", "")
	if name == "" {
		return nil, fmt.Errorf("deployment is required")
	}
	namespace := stringParam(params, "namespace", metav1.NamespaceDefault)

	dep, err := e.client.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("get deployment %s/%s: %w", namespace, name, err)
	}

	images := make([]string, 0, len(dep.Spec.Template.Spec.Containers))
	for _, ctr := range dep.Spec.Template.Spec.Containers {
		images = append(images, ctr.Image)
	}
	conditions := make([]map[string]any, 0, len(dep.Status.Conditions))
	for _, cond := range dep.Status.Conditions {
		conditions = append(conditions, map[string]any{
			"type":    string(cond.Type),
			"status":  string(cond.Status),
			"reason":  cond.Reason,
			"message": cond.Message,
		})
	}

	desired := int32(0)
	if dep.Spec.Replicas != nil {
		desired = *dep.Spec.Replicas
	}
	return map[string]any{
		"name":      dep.Name,
		"namespace": dep.Namespace,
		"replicas": map[string]any{
			"desired":   desired,
			"ready":     dep.Status.ReadyReplicas,
			"updated":   dep.Status.UpdatedReplicas,
			"available": dep.Status.AvailableReplicas,
		},
		"strategy":   string(dep.Spec.Strategy.Type),
		"images":     images,
		"conditions": conditions,
		"age":        age(dep.CreationTimestamp.Time),
	}, nil
}

func (e *KubeExecutor) listNamespaces(ctx context.Context) (any, error) {
	namespaces, err := e.client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	items := make([]map[string]any, 0, len(namespaces.Items))
	for _, ns := range namespaces.Items {
		items = append(items, map[string]any{
			"name":  ns.Name,
			"phase": string(ns.Status.Phase),
		})
	}
	return map[string]any{"count": len(items), "namespaces": items}, nil
}

func containerState(state corev1.ContainerState) string {
	switch {
	case state.Running != nil:
		return "running"
	case state.Waiting != nil:
		return "waiting: " + state.Waiting.Reason
	case state.Terminated != nil:
		return fmt.Sprintf("terminated: %s (exit %d)", state.Terminated.Reason, state.Terminated.ExitCode)
	}
	return "unknown"
}

func age(created time.Time) string {
	if created.IsZero() {
		return ""
	}
	return time.Since(created).Truncate(time.Second).String()
}

func stringParam(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// int64Param reads a numeric param. JSON numbers decode as float64.
func int64Param(params map[string]any, key string, fallback int64) int64 {
	switch v := params[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return fallback
}
