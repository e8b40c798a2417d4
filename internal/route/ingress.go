package route

import (
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// IngressAdapter adapts a networking.k8s.io/v1 Ingress to the abstract model.
type IngressAdapter struct {
	ingress *networkingv1.Ingress
}

// NewIngressAdapter creates an adapter over the given Ingress.
func NewIngressAdapter(ingress *networkingv1.Ingress) *IngressAdapter {
	return &IngressAdapter{ingress: ingress}
}

// Kind returns KindIngress.
func (a *IngressAdapter) Kind() Kind {
	return KindIngress
}

// NamespacedName returns the Ingress identity.
func (a *IngressAdapter) NamespacedName() types.NamespacedName {
	return types.NamespacedName{Namespace: a.ingress.Namespace, Name: a.ingress.Name}
}

// Annotations returns the Ingress annotations.
func (a *IngressAdapter) Annotations() map[string]string {
	return a.ingress.GetAnnotations()
}

// RoutingDocument returns the Ingress rules and defaultBackend as a JSON-ready
// map. The defaultBackend key is always present so that restoring an Ingress
// that originally had none clears a backend set during maintenance.
func (a *IngressAdapter) RoutingDocument() map[string]any {
	rules := make([]any, 0, len(a.ingress.Spec.Rules))

	for i := range a.ingress.Spec.Rules {
		rule, err := runtime.DefaultUnstructuredConverter.ToUnstructured(&a.ingress.Spec.Rules[i])
		if err != nil {
			// Malformed rule: skipped rather than fatal.
			continue
		}

		rules = append(rules, rule)
	}

	doc := map[string]any{
		"rules":          rules,
		"defaultBackend": nil,
	}

	if a.ingress.Spec.DefaultBackend != nil {
		backend, err := runtime.DefaultUnstructuredConverter.ToUnstructured(a.ingress.Spec.DefaultBackend)
		if err == nil {
			doc["defaultBackend"] = backend
		}
	}

	return doc
}

// MaintenanceSpec rewrites every path backend to target. An Ingress without
// rules is redirected via its defaultBackend instead.
func (a *IngressAdapter) MaintenanceSpec(target Target) map[string]any {
	doc := a.RoutingDocument()

	rules, _ := doc["rules"].([]any)
	if len(rules) == 0 {
		doc["defaultBackend"] = ingressBackend(target)

		return doc
	}

	for _, r := range rules {
		rule, ok := r.(map[string]any)
		if !ok {
			continue
		}

		httpRule, ok := rule["http"].(map[string]any)
		if !ok {
			continue
		}

		paths, ok := httpRule["paths"].([]any)
		if !ok {
			continue
		}

		for _, p := range paths {
			path, ok := p.(map[string]any)
			if !ok {
				continue
			}

			path["backend"] = ingressBackend(target)
		}
	}

	return doc
}

// Object returns the underlying Ingress.
func (a *IngressAdapter) Object() client.Object {
	return a.ingress
}

func ingressBackend(target Target) map[string]any {
	return map[string]any{
		"service": map[string]any{
			"name": target.Service,
			"port": map[string]any{
				"number": int64(target.Port),
			},
		},
	}
}
