package route

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// IngressRouteGVK is the GroupVersionKind of the Traefik IngressRoute CRD.
var IngressRouteGVK = schema.GroupVersionKind{
	Group:   "traefik.io",
	Version: "v1alpha1",
	Kind:    "IngressRoute",
}

// IngressRouteAdapter adapts a traefik.io/v1alpha1 IngressRoute, handled as
// unstructured, to the abstract model.
type IngressRouteAdapter struct {
	obj *unstructured.Unstructured
}

// NewIngressRouteAdapter creates an adapter over the given IngressRoute.
func NewIngressRouteAdapter(obj *unstructured.Unstructured) *IngressRouteAdapter {
	return &IngressRouteAdapter{obj: obj}
}

// Kind returns KindIngressRoute.
func (a *IngressRouteAdapter) Kind() Kind {
	return KindIngressRoute
}

// NamespacedName returns the IngressRoute identity.
func (a *IngressRouteAdapter) NamespacedName() types.NamespacedName {
	return types.NamespacedName{Namespace: a.obj.GetNamespace(), Name: a.obj.GetName()}
}

// Annotations returns the IngressRoute annotations.
func (a *IngressRouteAdapter) Annotations() map[string]string {
	return a.obj.GetAnnotations()
}

// RoutingDocument returns the spec.routes list as a deep copy. A missing or
// malformed routes field yields an empty list.
func (a *IngressRouteAdapter) RoutingDocument() map[string]any {
	routes, found, err := unstructured.NestedSlice(a.obj.Object, "spec", "routes")
	if err != nil || !found {
		routes = []any{}
	}

	return map[string]any{"routes": routes}
}

// MaintenanceSpec replaces every route's services list with a single entry
// pointing at target. Match expressions, middlewares and any other route
// fields are untouched.
func (a *IngressRouteAdapter) MaintenanceSpec(target Target) map[string]any {
	doc := a.RoutingDocument()

	routes, _ := doc["routes"].([]any)
	for _, r := range routes {
		routeMap, ok := r.(map[string]any)
		if !ok {
			continue
		}

		routeMap["services"] = []any{
			map[string]any{
				"name": target.Service,
				"port": int64(target.Port),
			},
		}
	}

	return doc
}

// Object returns the underlying unstructured object.
func (a *IngressRouteAdapter) Object() client.Object {
	return a.obj
}
