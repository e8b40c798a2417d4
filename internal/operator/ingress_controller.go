package operator

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	"github.com/kahf-io/maintenance-operator/internal/maintenance"
	"github.com/kahf-io/maintenance-operator/internal/route"
)

// IngressReconciler watches networking.k8s.io/v1 Ingress resources and runs
// the maintenance state machine on every spec or annotation change.
//
// Errors propagate to controller-runtime, which redelivers the event; all
// transition sub-operations are idempotent, so redelivery converges.
type IngressReconciler struct {
	client.Client

	// Scheme is the runtime scheme for API type registration.
	Scheme *runtime.Scheme

	// Maintenance executes the transition for one route event.
	Maintenance *maintenance.Reconciler
}

//nolint:noinlineerr // inline error handling for controller pattern
func (r *IngressReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := slog.Default().With("ingress", req.NamespacedName)

	var ingress networkingv1.Ingress
	if err := r.Get(ctx, req.NamespacedName, &ingress); err != nil {
		if apierrors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}

		return ctrl.Result{}, errors.Wrap(err, "failed to get ingress")
	}

	if !ingress.DeletionTimestamp.IsZero() {
		return ctrl.Result{}, nil
	}

	logger.Debug("reconciling ingress")

	if err := r.Maintenance.Reconcile(ctx, route.NewIngressAdapter(&ingress)); err != nil {
		logger.Error("ingress reconciliation failed", "error", err)

		return ctrl.Result{}, err
	}

	return ctrl.Result{}, nil
}

// SetupWithManager registers the controller. Status-only updates are
// filtered out; maintenance toggling arrives as annotation changes.
func (r *IngressReconciler) SetupWithManager(mgr ctrl.Manager) error {
	err := ctrl.NewControllerManagedBy(mgr).
		For(&networkingv1.Ingress{}).
		WithEventFilter(predicate.Or[client.Object](
			predicate.GenerationChangedPredicate{},
			predicate.AnnotationChangedPredicate{},
		)).
		Complete(r)

	return errors.Wrap(err, "failed to setup ingress controller")
}
