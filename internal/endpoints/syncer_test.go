package endpoints

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/kahf-io/maintenance-operator/internal/metrics"
	"github.com/kahf-io/maintenance-operator/internal/resources"
)

const workerSelector = "app.kubernetes.io/name=maintenance-server"

func tableSelector(t *testing.T) labels.Selector {
	t.Helper()

	selector, err := labels.Parse(
		resources.ManagedByLabel + "=" + resources.ManagedByValue +
			"," + resources.RoleLabel + "=" + resources.RoleProxy)
	require.NoError(t, err)

	return selector
}

func workerPod(name, ip string, phase corev1.PodPhase) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "operator-ns",
			Labels:    map[string]string{"app.kubernetes.io/name": "maintenance-server"},
		},
		Status: corev1.PodStatus{Phase: phase, PodIP: ip},
	}
}

func proxyTable(namespace string, addresses ...string) *corev1.Endpoints {
	return &corev1.Endpoints{
		ObjectMeta: metav1.ObjectMeta{
			Name:      resources.ProxyTableName,
			Namespace: namespace,
			Labels: map[string]string{
				resources.ManagedByLabel: resources.ManagedByValue,
				resources.RoleLabel:      resources.RoleProxy,
			},
		},
		Subsets: resources.ProxySubsets(addresses),
	}
}

func newSyncer(t *testing.T, objs ...client.Object) (*Syncer, client.Client) {
	t.Helper()

	scheme := runtime.NewScheme()
	require.NoError(t, corev1.AddToScheme(scheme))

	fakeClient := fake.NewClientBuilder().
		WithScheme(scheme).
		WithObjects(objs...).
		Build()

	podSelector, err := labels.Parse(workerSelector)
	require.NoError(t, err)

	discovery := NewDiscovery(fakeClient, "operator-ns", podSelector)
	syncer := NewSyncer(fakeClient, discovery, tableSelector(t), time.Minute,
		metrics.NewNoopCollector())

	return syncer, fakeClient
}

func getTable(t *testing.T, c client.Client, namespace string) *corev1.Endpoints {
	t.Helper()

	var eps corev1.Endpoints
	require.NoError(t, c.Get(context.Background(),
		types.NamespacedName{Namespace: namespace, Name: resources.ProxyTableName}, &eps))

	return &eps
}

func TestDiscovery_ListWorkerAddresses(t *testing.T) {
	t.Parallel()

	scheme := runtime.NewScheme()
	require.NoError(t, corev1.AddToScheme(scheme))

	fakeClient := fake.NewClientBuilder().
		WithScheme(scheme).
		WithObjects(
			workerPod("w1", "10.0.0.3", corev1.PodRunning),
			workerPod("w2", "10.0.0.1", corev1.PodRunning),
			workerPod("w3", "", corev1.PodRunning),
			workerPod("w4", "10.0.0.9", corev1.PodPending),
			&corev1.Pod{
				ObjectMeta: metav1.ObjectMeta{
					Name:      "unrelated",
					Namespace: "operator-ns",
					Labels:    map[string]string{"app.kubernetes.io/name": "other"},
				},
				Status: corev1.PodStatus{Phase: corev1.PodRunning, PodIP: "10.0.0.8"},
			},
		).
		Build()

	podSelector, err := labels.Parse(workerSelector)
	require.NoError(t, err)

	discovery := NewDiscovery(fakeClient, "operator-ns", podSelector)

	addresses, err := discovery.ListWorkerAddresses(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.3"}, addresses)
}

func TestSyncer_SyncUpdatesDriftedTables(t *testing.T) {
	t.Parallel()

	syncer, fakeClient := newSyncer(t,
		workerPod("w1", "10.0.0.1", corev1.PodRunning),
		workerPod("w2", "10.0.0.2", corev1.PodRunning),
		proxyTable("prod", "10.0.0.9"),
		proxyTable("staging", "10.0.0.1", "10.0.0.2"),
	)

	syncer.Sync(context.Background())

	want := resources.ProxySubsets([]string{"10.0.0.1", "10.0.0.2"})
	assert.Equal(t, want, getTable(t, fakeClient, "prod").Subsets)
	assert.Equal(t, want, getTable(t, fakeClient, "staging").Subsets)
}

func TestSyncer_SyncSkipsCycleWithoutWorkers(t *testing.T) {
	t.Parallel()

	syncer, fakeClient := newSyncer(t,
		proxyTable("prod", "10.0.0.9"),
	)

	syncer.Sync(context.Background())

	// No live workers: the stale table is preserved, not wiped.
	assert.Equal(t, resources.ProxySubsets([]string{"10.0.0.9"}),
		getTable(t, fakeClient, "prod").Subsets)
}

func TestSyncer_SyncIgnoresUnmanagedEndpoints(t *testing.T) {
	t.Parallel()

	unmanaged := &corev1.Endpoints{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "some-app",
			Namespace: "prod",
		},
		Subsets: resources.ProxySubsets([]string{"10.0.0.7"}),
	}

	syncer, fakeClient := newSyncer(t,
		workerPod("w1", "10.0.0.1", corev1.PodRunning),
		unmanaged,
	)

	syncer.Sync(context.Background())

	var eps corev1.Endpoints
	require.NoError(t, fakeClient.Get(context.Background(),
		types.NamespacedName{Namespace: "prod", Name: "some-app"}, &eps))
	assert.Equal(t, resources.ProxySubsets([]string{"10.0.0.7"}), eps.Subsets)
}

func TestSyncer_SyncWithNoTablesIsHarmless(t *testing.T) {
	t.Parallel()

	syncer, _ := newSyncer(t,
		workerPod("w1", "10.0.0.1", corev1.PodRunning),
	)

	syncer.Sync(context.Background())
}

func TestSyncer_StartRunsUntilCancelled(t *testing.T) {
	t.Parallel()

	syncer, fakeClient := newSyncer(t,
		workerPod("w1", "10.0.0.1", corev1.PodRunning),
		proxyTable("prod", "10.0.0.9"),
	)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() {
		done <- syncer.Start(ctx)
	}()

	// The startup sync runs before the first tick.
	assert.Eventually(t, func() bool {
		table := getTable(t, fakeClient, "prod")

		return len(table.Subsets) == 1 &&
			len(table.Subsets[0].Addresses) == 1 &&
			table.Subsets[0].Addresses[0].IP == "10.0.0.1"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("syncer did not stop after context cancellation")
	}
}

func TestSyncer_NeedLeaderElection(t *testing.T) {
	t.Parallel()

	syncer, _ := newSyncer(t)

	assert.True(t, syncer.NeedLeaderElection())
}
