package kube

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/incidentfox/incidentfox/pkg/config"
)

func newTestReconciler(t *testing.T) (*Reconciler, *fake.Clientset) {
	t.Helper()
	client := fake.NewClientset()
	rec := NewReconciler(client, &config.KubernetesConfig{
		Namespace:     "incidentfox",
		AgentImage:    "ghcr.io/incidentfox/agent:latest",
		PipelineImage: "ghcr.io/incidentfox/pipeline:latest",
		CallTimeout:   15 * time.Second,
	})
	return rec, client
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Payments", "payments"},
		{"ACME Corp", "acme-corp"},
		{"team_one/two", "team-one-two"},
		{"--weird--", "weird"},
		{"emoji💥name", "emojiname"},
		{"a..b", "a-b"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeName(tt.in), "input %q", tt.in)
	}
}

func TestObjectName(t *testing.T) {
	assert.Equal(t, "ifox-acme-payments-pipeline", ObjectName("acme", "payments", ComponentPipeline))
	assert.Equal(t, "ifox-acme-corp-checkout-team-agent", ObjectName("ACME Corp", "Checkout Team", ComponentAgent))

	long := ObjectName("organization-with-a-very-long-name", "team-with-an-even-longer-name", ComponentDiscovery)
	assert.LessOrEqual(t, len(long), 63)
	assert.NotEqual(t, "-", long[len(long)-1:])
}

func TestEnsureCronJob(t *testing.T) {
	rec, client := newTestReconciler(t)
	ctx := context.Background()

	outcome, err := rec.EnsureCronJob(ctx, "acme", "payments", ComponentPipeline, "0 3 * * *")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)

	cj, err := client.BatchV1().CronJobs("incidentfox").Get(ctx, "ifox-acme-payments-pipeline", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "0 3 * * *", cj.Spec.Schedule)
	assert.Equal(t, "incidentfox", cj.Labels["app.kubernetes.io/managed-by"])
	assert.Equal(t, "acme", cj.Labels["incidentfox.ai/org"])
	assert.Equal(t, "payments", cj.Labels["incidentfox.ai/team"])

	// A second apply with a new schedule updates in place.
	outcome, err = rec.EnsureCronJob(ctx, "acme", "payments", ComponentPipeline, "30 4 * * *")
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)

	cj, err = client.BatchV1().CronJobs("incidentfox").Get(ctx, "ifox-acme-payments-pipeline", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "30 4 * * *", cj.Spec.Schedule)

	list, err := client.BatchV1().CronJobs("incidentfox").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, list.Items, 1, "re-apply must not duplicate the cronjob")
}

func TestDeleteCronJob(t *testing.T) {
	rec, _ := newTestReconciler(t)
	ctx := context.Background()

	found, err := rec.DeleteCronJob(ctx, "acme", "payments", ComponentPipeline)
	require.NoError(t, err)
	assert.False(t, found, "missing cronjob is not an error")

	_, err = rec.EnsureCronJob(ctx, "acme", "payments", ComponentPipeline, "0 3 * * *")
	require.NoError(t, err)

	found, err = rec.DeleteCronJob(ctx, "acme", "payments", ComponentPipeline)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestEnsureAgentDeployment(t *testing.T) {
	rec, client := newTestReconciler(t)
	ctx := context.Background()

	url, err := rec.EnsureAgentDeployment(ctx, "acme", "payments")
	require.NoError(t, err)
	assert.Equal(t, "http://ifox-acme-payments-agent.incidentfox.svc.cluster.local", url)

	dep, err := client.AppsV1().Deployments("incidentfox").Get(ctx, "ifox-acme-payments-agent", metav1.GetOptions{})
	require.NoError(t, err)
	require.NotNil(t, dep.Spec.Replicas)
	assert.Equal(t, int32(1), *dep.Spec.Replicas)
	assert.Equal(t, "ghcr.io/incidentfox/agent:latest", dep.Spec.Template.Spec.Containers[0].Image)

	svc, err := client.CoreV1().Services("incidentfox").Get(ctx, "ifox-acme-payments-agent", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(80), svc.Spec.Ports[0].Port)

	// Second apply is an update, not a duplicate.
	_, err = rec.EnsureAgentDeployment(ctx, "acme", "payments")
	require.NoError(t, err)

	deps, err := client.AppsV1().Deployments("incidentfox").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, deps.Items, 1)
}

func TestCreateOneOffJob(t *testing.T) {
	rec, client := newTestReconciler(t)
	ctx := context.Background()

	name, err := rec.CreateOneOffJob(ctx, "acme", "payments", ComponentBootstrap, "20260825120000")
	require.NoError(t, err)
	assert.Equal(t, "ifox-acme-payments-bootstrap-20260825120000", name)

	job, err := client.BatchV1().Jobs("incidentfox").Get(ctx, name, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ghcr.io/incidentfox/pipeline:latest", job.Spec.Template.Spec.Containers[0].Image)
	require.NotNil(t, job.Spec.TTLSecondsAfterFinished)
	assert.Equal(t, int32(3600), *job.Spec.TTLSecondsAfterFinished)
}

func TestDeleteTeamResources(t *testing.T) {
	ctx := context.Background()

	t.Run("missing resources report not_found", func(t *testing.T) {
		rec, _ := newTestReconciler(t)
		out, err := rec.DeleteTeamResources(ctx, "acme", "payments", false)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{
			"cronjob/ifox-acme-payments-pipeline":  OutcomeNotFound,
			"cronjob/ifox-acme-payments-discovery": OutcomeNotFound,
			"deployment/ifox-acme-payments-agent":  OutcomeNotFound,
			"service/ifox-acme-payments-agent":     OutcomeNotFound,
		}, out)
	})

	t.Run("existing resources are deleted", func(t *testing.T) {
		rec, client := newTestReconciler(t)
		_, err := rec.EnsureCronJob(ctx, "acme", "payments", ComponentPipeline, "0 3 * * *")
		require.NoError(t, err)
		_, err = rec.EnsureAgentDeployment(ctx, "acme", "payments")
		require.NoError(t, err)

		out, err := rec.DeleteTeamResources(ctx, "acme", "payments", false)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDeleted, out["cronjob/ifox-acme-payments-pipeline"])
		assert.Equal(t, OutcomeNotFound, out["cronjob/ifox-acme-payments-discovery"])
		assert.Equal(t, OutcomeDeleted, out["deployment/ifox-acme-payments-agent"])
		assert.Equal(t, OutcomeDeleted, out["service/ifox-acme-payments-agent"])

		list, err := client.BatchV1().CronJobs("incidentfox").List(ctx, metav1.ListOptions{})
		require.NoError(t, err)
		assert.Empty(t, list.Items)
	})

	t.Run("dry run reports without deleting", func(t *testing.T) {
		rec, client := newTestReconciler(t)
		_, err := rec.EnsureCronJob(ctx, "acme", "payments", ComponentPipeline, "0 3 * * *")
		require.NoError(t, err)

		out, err := rec.DeleteTeamResources(ctx, "acme", "payments", true)
		require.NoError(t, err)
		assert.Equal(t, OutcomeWouldDelete, out["cronjob/ifox-acme-payments-pipeline"])
		assert.Equal(t, OutcomeNotFound, out["deployment/ifox-acme-payments-agent"])

		list, err := client.BatchV1().CronJobs("incidentfox").List(ctx, metav1.ListOptions{})
		require.NoError(t, err)
		assert.Len(t, list.Items, 1, "dry run must not delete anything")
	})
}
