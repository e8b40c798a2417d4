package maintenance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/kahf-io/maintenance-operator/internal/backup"
	"github.com/kahf-io/maintenance-operator/internal/metrics"
	"github.com/kahf-io/maintenance-operator/internal/resources"
	"github.com/kahf-io/maintenance-operator/internal/route"
)

// fixedRenderer serves one payload per page so content hashes are stable
// across a test without depending on ConfigMap fixtures.
type fixedRenderer struct {
	pages map[string]string
}

func (r *fixedRenderer) Render(_ context.Context, page string) ([]byte, error) {
	if html, ok := r.pages[page]; ok {
		return []byte(html), nil
	}

	return []byte("<html>fallback</html>"), nil
}

type harness struct {
	client     client.Client
	reconciler *Reconciler
	keys       Keys
}

func newHarness(t *testing.T, objs ...client.Object) *harness {
	t.Helper()

	scheme := runtime.NewScheme()
	require.NoError(t, corev1.AddToScheme(scheme))
	require.NoError(t, networkingv1.AddToScheme(scheme))

	fakeClient := fake.NewClientBuilder().
		WithScheme(scheme).
		WithObjects(objs...).
		Build()

	collector := metrics.NewNoopCollector()
	renderer := &fixedRenderer{pages: map[string]string{
		"":        "<html>default</html>",
		"holiday": "<html>holiday</html>",
	}}

	backups := backup.NewStore(fakeClient, "maintenance-backup", collector)
	resourceManager := resources.NewManager(
		fakeClient, renderer, nil, resources.ModeLocal, 80, "nginx:alpine", collector)

	keys := KeysForDomain("maintenance.example.com")

	return &harness{
		client:     fakeClient,
		reconciler: NewReconciler(fakeClient, backups, resourceManager, keys, collector),
		keys:       keys,
	}
}

func maintIngress(name string, annotations map[string]string) *networkingv1.Ingress {
	pathType := networkingv1.PathTypePrefix

	return &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   "prod",
			Annotations: annotations,
		},
		Spec: networkingv1.IngressSpec{
			Rules: []networkingv1.IngressRule{
				{
					Host: name + ".example.com",
					IngressRuleValue: networkingv1.IngressRuleValue{
						HTTP: &networkingv1.HTTPIngressRuleValue{
							Paths: []networkingv1.HTTPIngressPath{
								{
									Path:     "/",
									PathType: &pathType,
									Backend: networkingv1.IngressBackend{
										Service: &networkingv1.IngressServiceBackend{
											Name: name + "-backend",
											Port: networkingv1.ServiceBackendPort{Number: 8080},
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}
}

func (h *harness) getIngress(t *testing.T, name string) *networkingv1.Ingress {
	t.Helper()

	var ing networkingv1.Ingress
	require.NoError(t, h.client.Get(context.Background(),
		types.NamespacedName{Namespace: "prod", Name: name}, &ing))

	return &ing
}

func (h *harness) reconcile(t *testing.T, name string) error {
	t.Helper()

	return h.reconciler.Reconcile(context.Background(), route.NewIngressAdapter(h.getIngress(t, name)))
}

// setAnnotation patches one annotation on the live object, the way a user
// would toggle maintenance mode.
func (h *harness) setAnnotation(t *testing.T, name, key, value string) {
	t.Helper()

	ing := h.getIngress(t, name)
	if ing.Annotations == nil {
		ing.Annotations = map[string]string{}
	}

	ing.Annotations[key] = value
	require.NoError(t, h.client.Update(context.Background(), ing))
}

func (h *harness) backendService(t *testing.T, name string) string {
	t.Helper()

	ing := h.getIngress(t, name)
	require.NotEmpty(t, ing.Spec.Rules)
	require.NotNil(t, ing.Spec.Rules[0].HTTP)
	require.NotEmpty(t, ing.Spec.Rules[0].HTTP.Paths)

	return ing.Spec.Rules[0].HTTP.Paths[0].Backend.Service.Name
}

func (h *harness) resourceSetExists(t *testing.T, name string) bool {
	t.Helper()

	var cm corev1.ConfigMap
	err := h.client.Get(context.Background(),
		types.NamespacedName{Namespace: "prod", Name: name}, &cm)

	return err == nil
}

func TestReconciler_NormalStateIsNoOp(t *testing.T) {
	t.Parallel()

	h := newHarness(t, maintIngress("shop", nil))

	require.NoError(t, h.reconcile(t, "shop"))

	ing := h.getIngress(t, "shop")
	assert.Equal(t, "shop-backend", h.backendService(t, "shop"))
	assert.NotContains(t, ing.Annotations, h.keys.Backup)
}

func TestReconciler_EnableBacksUpAndRedirects(t *testing.T) {
	t.Parallel()

	h := newHarness(t, maintIngress("shop", map[string]string{
		"maintenance.example.com/enabled": "true",
	}))

	require.NoError(t, h.reconcile(t, "shop"))

	ing := h.getIngress(t, "shop")
	assert.Equal(t, "true", ing.Annotations[h.keys.Backup])
	assert.Equal(t, "default", ing.Annotations[h.keys.ActivePage])

	resourceName := ing.Annotations[h.keys.ResourceName]
	require.NotEmpty(t, resourceName)
	assert.Equal(t, resourceName, h.backendService(t, "shop"))
	assert.True(t, h.resourceSetExists(t, resourceName))

	// The backup record holds the original rules.
	var backupCM corev1.ConfigMap
	require.NoError(t, h.client.Get(context.Background(),
		types.NamespacedName{Namespace: "prod", Name: "maintenance-backup-shop"}, &backupCM))
	assert.Contains(t, backupCM.Data["backup"], "shop-backend")

	// Hosts and paths are untouched by the redirect.
	assert.Equal(t, "shop.example.com", ing.Spec.Rules[0].Host)
	assert.Equal(t, "/", ing.Spec.Rules[0].HTTP.Paths[0].Path)
}

func TestReconciler_EnableIsIdempotentAcrossRedelivery(t *testing.T) {
	t.Parallel()

	h := newHarness(t, maintIngress("shop", map[string]string{
		"maintenance.example.com/enabled": "true",
	}))

	require.NoError(t, h.reconcile(t, "shop"))

	first := h.getIngress(t, "shop")

	// Redelivered event for the now-active route changes nothing.
	require.NoError(t, h.reconcile(t, "shop"))

	second := h.getIngress(t, "shop")
	assert.Equal(t, first.Annotations, second.Annotations)
	assert.Equal(t, first.Spec, second.Spec)
}

func TestReconciler_TwoRoutesShareOneResourceSet(t *testing.T) {
	t.Parallel()

	h := newHarness(t,
		maintIngress("shop", map[string]string{"maintenance.example.com/enabled": "true"}),
		maintIngress("blog", map[string]string{"maintenance.example.com/enabled": "true"}),
	)

	require.NoError(t, h.reconcile(t, "shop"))
	require.NoError(t, h.reconcile(t, "blog"))

	shopSet := h.getIngress(t, "shop").Annotations[h.keys.ResourceName]
	blogSet := h.getIngress(t, "blog").Annotations[h.keys.ResourceName]
	assert.Equal(t, shopSet, blogSet)

	var holder corev1.ConfigMap
	require.NoError(t, h.client.Get(context.Background(),
		types.NamespacedName{Namespace: "prod", Name: shopSet}, &holder))
	assert.Equal(t, "blog,shop", holder.Annotations[resources.UsedByAnnotation])
}

func TestReconciler_DisableRestoresAndRetainsSharedSet(t *testing.T) {
	t.Parallel()

	h := newHarness(t,
		maintIngress("shop", map[string]string{"maintenance.example.com/enabled": "true"}),
		maintIngress("blog", map[string]string{"maintenance.example.com/enabled": "true"}),
	)

	require.NoError(t, h.reconcile(t, "shop"))
	require.NoError(t, h.reconcile(t, "blog"))

	sharedSet := h.getIngress(t, "shop").Annotations[h.keys.ResourceName]

	// First route leaves maintenance.
	h.setAnnotation(t, "shop", h.keys.Enabled, "false")
	require.NoError(t, h.reconcile(t, "shop"))

	shop := h.getIngress(t, "shop")
	assert.Equal(t, "shop-backend", h.backendService(t, "shop"))
	assert.NotContains(t, shop.Annotations, h.keys.Backup)
	assert.NotContains(t, shop.Annotations, h.keys.ResourceName)
	assert.NotContains(t, shop.Annotations, h.keys.ActivePage)

	var backupCM corev1.ConfigMap
	err := h.client.Get(context.Background(),
		types.NamespacedName{Namespace: "prod", Name: "maintenance-backup-shop"}, &backupCM)
	assert.Error(t, err)

	// The shared set survives for the remaining referent.
	assert.True(t, h.resourceSetExists(t, sharedSet))
	assert.Equal(t, sharedSet, h.backendService(t, "blog"))

	// Second route leaves maintenance: full teardown.
	h.setAnnotation(t, "blog", h.keys.Enabled, "false")
	require.NoError(t, h.reconcile(t, "blog"))

	assert.Equal(t, "blog-backend", h.backendService(t, "blog"))
	assert.False(t, h.resourceSetExists(t, sharedSet))
}

func TestReconciler_SwitchPageReplacesResourceSet(t *testing.T) {
	t.Parallel()

	h := newHarness(t, maintIngress("shop", map[string]string{
		"maintenance.example.com/enabled": "true",
	}))

	require.NoError(t, h.reconcile(t, "shop"))

	oldSet := h.getIngress(t, "shop").Annotations[h.keys.ResourceName]

	h.setAnnotation(t, "shop", h.keys.CustomPage, "holiday")
	require.NoError(t, h.reconcile(t, "shop"))

	ing := h.getIngress(t, "shop")
	newSet := ing.Annotations[h.keys.ResourceName]

	assert.NotEqual(t, oldSet, newSet)
	assert.Equal(t, "holiday", ing.Annotations[h.keys.ActivePage])
	assert.Equal(t, newSet, h.backendService(t, "shop"))

	// Backup record and marker are untouched by a page switch.
	assert.Equal(t, "true", ing.Annotations[h.keys.Backup])

	var backupCM corev1.ConfigMap
	assert.NoError(t, h.client.Get(context.Background(),
		types.NamespacedName{Namespace: "prod", Name: "maintenance-backup-shop"}, &backupCM))

	// The old set had no other referent and is gone.
	assert.False(t, h.resourceSetExists(t, oldSet))
	assert.True(t, h.resourceSetExists(t, newSet))
}

func TestReconciler_SwitchPagePreservesSharedSetForOthers(t *testing.T) {
	t.Parallel()

	h := newHarness(t,
		maintIngress("shop", map[string]string{"maintenance.example.com/enabled": "true"}),
		maintIngress("blog", map[string]string{"maintenance.example.com/enabled": "true"}),
	)

	require.NoError(t, h.reconcile(t, "shop"))
	require.NoError(t, h.reconcile(t, "blog"))

	sharedSet := h.getIngress(t, "shop").Annotations[h.keys.ResourceName]

	h.setAnnotation(t, "shop", h.keys.CustomPage, "holiday")
	require.NoError(t, h.reconcile(t, "shop"))

	// Blog still points at the shared set, which must survive.
	assert.True(t, h.resourceSetExists(t, sharedSet))
	assert.Equal(t, sharedSet, h.backendService(t, "blog"))
}

func TestReconciler_ActiveUnchangedPageIsNoOp(t *testing.T) {
	t.Parallel()

	h := newHarness(t, maintIngress("shop", map[string]string{
		"maintenance.example.com/enabled": "true",
	}))

	require.NoError(t, h.reconcile(t, "shop"))

	before := h.getIngress(t, "shop")

	// Equivalent spellings of the default selection do not count as a
	// page switch.
	h.setAnnotation(t, "shop", h.keys.CustomPage, "Default")
	require.NoError(t, h.reconcile(t, "shop"))

	after := h.getIngress(t, "shop")
	assert.Equal(t, before.Annotations[h.keys.ResourceName], after.Annotations[h.keys.ResourceName])
	assert.Equal(t, before.Spec, after.Spec)
}

func TestReconciler_DisableWithMissingBackupStillClears(t *testing.T) {
	t.Parallel()

	h := newHarness(t, maintIngress("shop", map[string]string{
		"maintenance.example.com/enabled": "true",
	}))

	require.NoError(t, h.reconcile(t, "shop"))

	resourceName := h.getIngress(t, "shop").Annotations[h.keys.ResourceName]

	// Someone deleted the backup record out from under the operator.
	backupCM := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: "maintenance-backup-shop", Namespace: "prod"},
	}
	require.NoError(t, h.client.Delete(context.Background(), backupCM))

	h.setAnnotation(t, "shop", h.keys.Enabled, "false")
	require.NoError(t, h.reconcile(t, "shop"))

	ing := h.getIngress(t, "shop")
	assert.NotContains(t, ing.Annotations, h.keys.Backup)
	assert.NotContains(t, ing.Annotations, h.keys.ResourceName)

	// Rules stay pointed at the maintenance target; only the marker state
	// is cleared, and the resource set is released.
	assert.Equal(t, resourceName, h.backendService(t, "shop"))
	assert.False(t, h.resourceSetExists(t, resourceName))
}

func TestReconciler_DisableIsIdempotentAcrossRedelivery(t *testing.T) {
	t.Parallel()

	h := newHarness(t, maintIngress("shop", map[string]string{
		"maintenance.example.com/enabled": "true",
	}))

	require.NoError(t, h.reconcile(t, "shop"))

	h.setAnnotation(t, "shop", h.keys.Enabled, "false")
	require.NoError(t, h.reconcile(t, "shop"))

	// Redelivery after the transition finished observes Normal.
	require.NoError(t, h.reconcile(t, "shop"))

	assert.Equal(t, "shop-backend", h.backendService(t, "shop"))
}
