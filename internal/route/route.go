// Package route normalizes the two watched traffic object kinds into one
// abstract model consumed by the maintenance state machine.
//
// # Overview
//
// The operator rewrites routing rules on two heterogeneous kinds:
//
//   - networking.k8s.io/v1 Ingress (typed)
//   - traefik.io/v1alpha1 IngressRoute (unstructured, no Go types exist
//     for Traefik CRDs in this module)
//
// An Adapter presents either kind as an ordered sequence of opaque rule
// records whose only mutable field is the backend target. Everything else in
// a rule is preserved verbatim, which is what makes the backup/restore
// round-trip exact.
//
// Adapters are pure: they never call the cluster API. Malformed input yields
// an empty rule list rather than an error, so partial objects can never block
// maintenance toggling.
package route

import (
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// Kind identifies one of the supported watched object kinds.
type Kind string

const (
	// KindIngress is the networking.k8s.io/v1 Ingress kind.
	KindIngress Kind = "Ingress"

	// KindIngressRoute is the traefik.io/v1alpha1 IngressRoute kind.
	KindIngressRoute Kind = "IngressRoute"
)

// Target is the service reference written into every rule when traffic is
// redirected to a maintenance backend.
type Target struct {
	// Service is the name of the backend Service, in the route's namespace.
	Service string

	// Port is the Service port traffic is sent to.
	Port int32
}

// Adapter presents one watched object to the maintenance reconciler.
//
// RoutingDocument and MaintenanceSpec return JSON-ready fragments of the
// object's spec. RoutingDocument is what gets persisted as a backup and
// patched back verbatim on restore; MaintenanceSpec is the same document with
// every rule target rewritten to the given Target.
type Adapter interface {
	Kind() Kind
	NamespacedName() types.NamespacedName
	Annotations() map[string]string

	// RoutingDocument returns the kind-specific routing fields as a deep
	// copy. Keys whose absence matters for restore (such as the Ingress
	// defaultBackend) are always present, with a nil value when unset, so
	// that a merge patch of the document removes fields the maintenance
	// rewrite introduced.
	RoutingDocument() map[string]any

	// MaintenanceSpec returns RoutingDocument with every rule's backend
	// rewritten to target. Fields other than the targets are untouched.
	MaintenanceSpec(target Target) map[string]any

	// Object returns the underlying client object for patch calls.
	Object() client.Object
}
