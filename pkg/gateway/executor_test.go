package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func seededExecutor() *KubeExecutor {
	created := metav1.NewTime(time.Now().Add(-90 * time.Minute))
	replicas := int32(3)

	runningPod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:              "api-0",
			Namespace:         "payments",
			Labels:            map[string]string{"app": "api"},
			CreationTimestamp: created,
		},
		Spec: corev1.PodSpec{
			NodeName:   "node-1",
			Containers: []corev1.Container{{Name: "api", Image: "registry.local/api:v12"}},
		},
		Status: corev1.PodStatus{
			Phase: corev1.PodRunning,
			ContainerStatuses: []corev1.ContainerStatus{{
				Name:         "api",
				Image:        "registry.local/api:v12",
				Ready:        true,
				RestartCount: 3,
				State:        corev1.ContainerState{Running: &corev1.ContainerStateRunning{}},
			}},
			Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionTrue}},
		},
	}
	crashingPod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:              "api-1",
			Namespace:         "payments",
			Labels:            map[string]string{"app": "api"},
			CreationTimestamp: created,
		},
		Spec: corev1.PodSpec{
			NodeName:   "node-2",
			Containers: []corev1.Container{{Name: "api", Image: "registry.local/api:v12"}},
		},
		Status: corev1.PodStatus{
			Phase: corev1.PodRunning,
			ContainerStatuses: []corev1.ContainerStatus{{
				Name:         "api",
				Ready:        false,
				RestartCount: 17,
				State: corev1.ContainerState{
					Waiting: &corev1.ContainerStateWaiting{Reason: "CrashLoopBackOff"},
				},
			}},
		},
	}
	cronPod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "cron-1",
			Namespace: "payments",
			Labels:    map[string]string{"app": "cron"},
		},
		Status: corev1.PodStatus{Phase: corev1.PodSucceeded},
	}
	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "api", Namespace: "payments", CreationTimestamp: created},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Strategy: appsv1.DeploymentStrategy{Type: appsv1.RollingUpdateDeploymentStrategyType},
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{Name: "api", Image: "registry.local/api:v12"}},
				},
			},
		},
		Status: appsv1.DeploymentStatus{
			ReadyReplicas:     2,
			UpdatedReplicas:   3,
			AvailableReplicas: 2,
			Conditions: []appsv1.DeploymentCondition{{
				Type:   appsv1.DeploymentAvailable,
				Status: corev1.ConditionTrue,
				Reason: "MinimumReplicasAvailable",
			}},
		},
	}
	backoffEvent := &corev1.Event{
		ObjectMeta:     metav1.ObjectMeta{Name: "api-0.evt1", Namespace: "payments"},
		InvolvedObject: corev1.ObjectReference{Kind: "Pod", Name: "api-0", Namespace: "payments"},
		Type:           "Warning",
		Reason:         "BackOff",
		Message:        "Back-off restarting failed container",
		Count:          12,
		LastTimestamp:  metav1.NewTime(time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)),
	}
	defaultNS := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: "default"},
		Status:     corev1.NamespaceStatus{Phase: corev1.NamespaceActive},
	}
	paymentsNS := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: "payments"},
		Status:     corev1.NamespaceStatus{Phase: corev1.NamespaceActive},
	}

	client := fake.NewClientset(
		runningPod, crashingPod, cronPod, deployment, backoffEvent, defaultNS, paymentsNS)
	return NewKubeExecutor(client)
}

func decodeResult(t *testing.T, raw json.RawMessage, into any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(raw, into))
}

func TestExecutorListPods(t *testing.T) {
	exec := seededExecutor()

	raw, err := exec.Execute(context.Background(), "list_pods", map[string]any{"namespace": "payments"})
	require.NoError(t, err)
	var all struct {
		Namespace string `json:"namespace"`
		Count     int    `json:"count"`
		Pods      []struct {
			Name     string `json:"name"`
			Phase    string `json:"phase"`
			Ready    string `json:"ready"`
			Restarts int32  `json:"restarts"`
			Node     string `json:"node"`
			Age      string `json:"age"`
		} `json:"pods"`
	}
	decodeResult(t, raw, &all)
	assert.Equal(t, "payments", all.Namespace)
	assert.Equal(t, 3, all.Count)

	byName := map[string]int{}
	for i, pod := range all.Pods {
		byName[pod.Name] = i
	}
	api0 := all.Pods[byName["api-0"]]
	assert.Equal(t, "Running", api0.Phase)
	assert.Equal(t, "1/1", api0.Ready)
	assert.Equal(t, int32(3), api0.Restarts)
	assert.Equal(t, "node-1", api0.Node)
	assert.NotEmpty(t, api0.Age)

	raw, err = exec.Execute(context.Background(), "list_pods",
		map[string]any{"namespace": "payments", "label_selector": "app=api"})
	require.NoError(t, err)
	decodeResult(t, raw, &all)
	assert.Equal(t, 2, all.Count)

	// No namespace falls back to default, which holds no pods.
	raw, err = exec.Execute(context.Background(), "list_pods", nil)
	require.NoError(t, err)
	decodeResult(t, raw, &all)
	assert.Equal(t, "default", all.Namespace)
	assert.Equal(t, 0, all.Count)
}

func TestExecutorPodLogs(t *testing.T) {
	exec := seededExecutor()

	raw, err := exec.Execute(context.Background(), "get_pod_logs",
		map[string]any{"namespace": "payments", "pod": "api-0", "container": "api", "tail_lines": float64(50)})
	require.NoError(t, err)
	var logs struct {
		Namespace string `json:"namespace"`
		Pod       string `json:"pod"`
		Container string `json:"container"`
		Logs      string `json:"logs"`
	}
	decodeResult(t, raw, &logs)
	assert.Equal(t, "payments", logs.Namespace)
	assert.Equal(t, "api-0", logs.Pod)
	assert.Equal(t, "api", logs.Container)
	// The fake clientset serves canned log content.
	assert.Equal(t, "fake logs", logs.Logs)

	_, err = exec.Execute(context.Background(), "get_pod_logs", map[string]any{"namespace": "payments"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pod is required")
}

func TestExecutorDescribePod(t *testing.T) {
	exec := seededExecutor()

	raw, err := exec.Execute(context.Background(), "describe_pod",
		map[string]any{"namespace": "payments", "pod": "api-1"})
	require.NoError(t, err)
	var described struct {
		Name       string            `json:"name"`
		Namespace  string            `json:"namespace"`
		Phase      string            `json:"phase"`
		Node       string            `json:"node"`
		Labels     map[string]string `json:"labels"`
		Containers []struct {
			Name         string `json:"name"`
			Ready        bool   `json:"ready"`
			RestartCount int32  `json:"restart_count"`
			State        string `json:"state"`
		} `json:"containers"`
	}
	decodeResult(t, raw, &described)
	assert.Equal(t, "api-1", described.Name)
	assert.Equal(t, "node-2", described.Node)
	assert.Equal(t, map[string]string{"app": "api"}, described.Labels)
	require.Len(t, described.Containers, 1)
	assert.False(t, described.Containers[0].Ready)
	assert.Equal(t, int32(17), described.Containers[0].RestartCount)
	assert.Equal(t, "waiting: CrashLoopBackOff", described.Containers[0].State)

	_, err = exec.Execute(context.Background(), "describe_pod",
		map[string]any{"namespace": "payments", "pod": "ghost"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get pod payments/ghost")
}

func TestExecutorPodEvents(t *testing.T) {
	exec := seededExecutor()

	raw, err := exec.Execute(context.Background(), "get_pod_events",
		map[string]any{"namespace": "payments", "pod": "api-0"})
	require.NoError(t, err)
	var events struct {
		Pod    string `json:"pod"`
		Count  int    `json:"count"`
		Events []struct {
			Type     string `json:"type"`
			Reason   string `json:"reason"`
			Message  string `json:"message"`
			Count    int32  `json:"count"`
			LastSeen string `json:"last_seen"`
		} `json:"events"`
	}
	decodeResult(t, raw, &events)
	assert.Equal(t, "api-0", events.Pod)
	require.Equal(t, 1, events.Count)
	assert.Equal(t, "Warning", events.Events[0].Type)
	assert.Equal(t, "BackOff", events.Events[0].Reason)
	assert.Equal(t, int32(12), events.Events[0].Count)
	assert.Equal(t, "2026-08-25T10:00:00Z", events.Events[0].LastSeen)
}

func TestExecutorDescribeDeployment(t *testing.T) {
	exec := seededExecutor()

	raw, err := exec.Execute(context.Background(), "describe_deployment",
		map[string]any{"namespace": "payments", "deployment": "api"})
	require.NoError(t, err)
	var dep struct {
		Name     string `json:"name"`
		Replicas struct {
			Desired   int32 `json:"desired"`
			Ready     int32 `json:"ready"`
			Updated   int32 `json:"updated"`
			Available int32 `json:"available"`
		} `json:"replicas"`
		Strategy   string   `json:"strategy"`
		Images     []string `json:"images"`
		Conditions []struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"conditions"`
	}
	decodeResult(t, raw, &dep)
	assert.Equal(t, "api", dep.Name)
	assert.Equal(t, int32(3), dep.Replicas.Desired)
	assert.Equal(t, int32(2), dep.Replicas.Ready)
	assert.Equal(t, "RollingUpdate", dep.Strategy)
	assert.Equal(t, []string{"registry.local/api:v12"}, dep.Images)
	require.Len(t, dep.Conditions, 1)
	assert.Equal(t, "MinimumReplicasAvailable", dep.Conditions[0].Reason)

	_, err = exec.Execute(context.Background(), "describe_deployment",
		map[string]any{"namespace": "payments"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deployment is required")
}

func TestExecutorListNamespaces(t *testing.T) {
	exec := seededExecutor()

	raw, err := exec.Execute(context.Background(), "list_namespaces", nil)
	require.NoError(t, err)
	var namespaces struct {
		Count      int `json:"count"`
		Namespaces []struct {
			Name  string `json:"name"`
			Phase string `json:"phase"`
		} `json:"namespaces"`
	}
	decodeResult(t, raw, &namespaces)
	assert.Equal(t, 2, namespaces.Count)
	names := make([]string, 0, len(namespaces.Namespaces))
	for _, ns := range namespaces.Namespaces {
		names = append(names, ns.Name)
	}
	assert.ElementsMatch(t, []string{"default", "payments"}, names)
}

func TestExecutorUnknownCommand(t *testing.T) {
	exec := seededExecutor()
	_, err := exec.Execute(context.Background(), "drain_node", nil)
	require.Error(t, err)
	assert.EqualError(t, err, "unknown command")
}
