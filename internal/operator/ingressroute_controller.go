package operator

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	"github.com/kahf-io/maintenance-operator/internal/maintenance"
	"github.com/kahf-io/maintenance-operator/internal/route"
)

// IngressRouteReconciler watches traefik.io/v1alpha1 IngressRoute resources,
// handled as unstructured, and runs the maintenance state machine on every
// spec or annotation change.
type IngressRouteReconciler struct {
	client.Client

	// Scheme is the runtime scheme for API type registration.
	Scheme *runtime.Scheme

	// Maintenance executes the transition for one route event.
	Maintenance *maintenance.Reconciler
}

//nolint:noinlineerr // inline error handling for controller pattern
func (r *IngressRouteReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := slog.Default().With("ingressroute", req.NamespacedName)

	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(route.IngressRouteGVK)

	if err := r.Get(ctx, req.NamespacedName, obj); err != nil {
		if apierrors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}

		return ctrl.Result{}, errors.Wrap(err, "failed to get ingressroute")
	}

	if obj.GetDeletionTimestamp() != nil {
		return ctrl.Result{}, nil
	}

	logger.Debug("reconciling ingressroute")

	if err := r.Maintenance.Reconcile(ctx, route.NewIngressRouteAdapter(obj)); err != nil {
		logger.Error("ingressroute reconciliation failed", "error", err)

		return ctrl.Result{}, err
	}

	return ctrl.Result{}, nil
}

// SetupWithManager registers the controller over the unstructured CRD shape.
func (r *IngressRouteReconciler) SetupWithManager(mgr ctrl.Manager) error {
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(route.IngressRouteGVK)

	err := ctrl.NewControllerManagedBy(mgr).
		For(obj).
		WithEventFilter(predicate.Or[client.Object](
			predicate.GenerationChangedPredicate{},
			predicate.AnnotationChangedPredicate{},
		)).
		Complete(r)

	return errors.Wrap(err, "failed to setup ingressroute controller")
}
