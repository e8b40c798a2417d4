package route

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

func testIngressRoute() *unstructured.Unstructured {
	obj := &unstructured.Unstructured{
		Object: map[string]any{
			"apiVersion": "traefik.io/v1alpha1",
			"kind":       "IngressRoute",
			"metadata": map[string]any{
				"name":      "shop",
				"namespace": "prod",
				"annotations": map[string]any{
					"example.com/enabled": "true",
				},
			},
			"spec": map[string]any{
				"entryPoints": []any{"websecure"},
				"routes": []any{
					map[string]any{
						"match":       "Host(`shop.example.com`)",
						"kind":        "Rule",
						"middlewares": []any{map[string]any{"name": "rate-limit"}},
						"services": []any{
							map[string]any{"name": "shop-frontend", "port": int64(8080)},
						},
					},
					map[string]any{
						"match": "Host(`shop.example.com`) && PathPrefix(`/api`)",
						"kind":  "Rule",
						"services": []any{
							map[string]any{"name": "shop-api", "port": int64(9090)},
							map[string]any{"name": "shop-api-canary", "port": int64(9090)},
						},
					},
				},
			},
		},
	}
	obj.SetGroupVersionKind(IngressRouteGVK)

	return obj
}

func TestIngressRouteAdapter_Identity(t *testing.T) {
	t.Parallel()

	adapter := NewIngressRouteAdapter(testIngressRoute())

	assert.Equal(t, KindIngressRoute, adapter.Kind())
	assert.Equal(t, "prod", adapter.NamespacedName().Namespace)
	assert.Equal(t, "shop", adapter.NamespacedName().Name)
	assert.Equal(t, "true", adapter.Annotations()["example.com/enabled"])
}

func TestIngressRouteAdapter_RoutingDocument(t *testing.T) {
	t.Parallel()

	doc := NewIngressRouteAdapter(testIngressRoute()).RoutingDocument()

	routes, ok := doc["routes"].([]any)
	require.True(t, ok)
	require.Len(t, routes, 2)

	first := routes[0].(map[string]any)
	assert.Equal(t, "Host(`shop.example.com`)", first["match"])

	services := first["services"].([]any)
	require.Len(t, services, 1)
	assert.Equal(t, "shop-frontend", services[0].(map[string]any)["name"])
}

func TestIngressRouteAdapter_RoutingDocumentMissingRoutes(t *testing.T) {
	t.Parallel()

	obj := &unstructured.Unstructured{
		Object: map[string]any{
			"apiVersion": "traefik.io/v1alpha1",
			"kind":       "IngressRoute",
			"metadata": map[string]any{
				"name":      "bare",
				"namespace": "prod",
			},
			"spec": map[string]any{},
		},
	}

	doc := NewIngressRouteAdapter(obj).RoutingDocument()

	routes, ok := doc["routes"].([]any)
	require.True(t, ok)
	assert.Empty(t, routes)
}

func TestIngressRouteAdapter_MaintenanceSpecRewritesAllRoutes(t *testing.T) {
	t.Parallel()

	adapter := NewIngressRouteAdapter(testIngressRoute())
	target := Target{Service: "maintenance-abc12345", Port: 80}

	spec := adapter.MaintenanceSpec(target)

	routes := spec["routes"].([]any)
	require.Len(t, routes, 2)

	for _, r := range routes {
		routeMap := r.(map[string]any)

		services := routeMap["services"].([]any)
		require.Len(t, services, 1)

		service := services[0].(map[string]any)
		assert.Equal(t, "maintenance-abc12345", service["name"])
		assert.Equal(t, int64(80), service["port"])
	}

	// Match expressions and middlewares survive the rewrite.
	first := routes[0].(map[string]any)
	assert.Equal(t, "Host(`shop.example.com`)", first["match"])
	assert.Len(t, first["middlewares"], 1)
}

func TestIngressRouteAdapter_MaintenanceSpecDoesNotMutateOriginal(t *testing.T) {
	t.Parallel()

	obj := testIngressRoute()
	adapter := NewIngressRouteAdapter(obj)

	_ = adapter.MaintenanceSpec(Target{Service: "maintenance-abc12345", Port: 80})

	routes, found, err := unstructured.NestedSlice(obj.Object, "spec", "routes")
	require.NoError(t, err)
	require.True(t, found)

	services := routes[0].(map[string]any)["services"].([]any)
	assert.Equal(t, "shop-frontend", services[0].(map[string]any)["name"])
}
