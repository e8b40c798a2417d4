package maintenance

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kahf-io/maintenance-operator/internal/backup"
	"github.com/kahf-io/maintenance-operator/internal/content"
	"github.com/kahf-io/maintenance-operator/internal/metrics"
	"github.com/kahf-io/maintenance-operator/internal/resources"
	"github.com/kahf-io/maintenance-operator/internal/route"
)

// Reconciler executes maintenance transitions for a single route event.
//
// A failed transition is returned to the caller without internal retries or
// partial rollback; redelivery of the same event converges because every
// sub-operation tolerates being repeated with identical arguments.
type Reconciler struct {
	client    client.Client
	backups   *backup.Store
	resources *resources.Manager
	keys      Keys
	metrics   metrics.Collector
}

// NewReconciler creates a Reconciler.
func NewReconciler(
	c client.Client,
	backups *backup.Store,
	resourceManager *resources.Manager,
	keys Keys,
	collector metrics.Collector,
) *Reconciler {
	return &Reconciler{
		client:    c,
		backups:   backups,
		resources: resourceManager,
		keys:      keys,
		metrics:   collector,
	}
}

// Reconcile classifies the route's transition and executes it. Routes in a
// steady state (Normal, or Active with an unchanged page selection) require
// no action.
func (r *Reconciler) Reconcile(ctx context.Context, ad route.Adapter) error {
	snap := r.keys.Snapshot(ad.Annotations())
	state := snap.State()

	start := time.Now()

	var (
		transition string
		err        error
	)

	switch state {
	case StateEnabling:
		transition = "enable"
		err = r.enable(ctx, ad, snap)
	case StateActive:
		if !snap.PageChanged() {
			return nil
		}

		transition = "switch"
		err = r.switchPage(ctx, ad, snap)
	case StateDisabling:
		transition = "disable"
		err = r.disable(ctx, ad, snap)
	case StateNormal:
		return nil
	}

	status := "success"
	if err != nil {
		status = "error"
	}

	r.metrics.RecordTransition(ctx, string(ad.Kind()), transition, status)
	r.metrics.RecordTransitionDuration(ctx, transition, time.Since(start))

	return err
}

// enable handles Normal -> Active: back up the original rules, acquire a
// resource set for the selected page, rewrite every rule target to it, and
// record the state annotations. Backup strictly precedes the patch so a
// failure in between leaves the route untouched and the event retryable.
func (r *Reconciler) enable(ctx context.Context, ad route.Adapter, snap Snapshot) error {
	nn := ad.NamespacedName()
	logger := slog.Default().With("kind", ad.Kind(), "route", nn.String())
	logger.Info("enabling maintenance mode")

	if err := r.backups.Save(ctx, nn.Name, nn.Namespace, ad.RoutingDocument()); err != nil {
		return errors.Wrap(err, "failed to save backup record")
	}

	handle, err := r.resources.Acquire(ctx, nn.Namespace, nn.Name, snap.CustomPage)
	if err != nil {
		return errors.Wrap(err, "failed to acquire maintenance resources")
	}

	patch := patchDocument(
		map[string]string{
			r.keys.Backup:       "true",
			r.keys.ResourceName: handle.Name,
			r.keys.ActivePage:   content.Normalize(snap.CustomPage),
		},
		nil,
		ad.MaintenanceSpec(handle.Target()),
	)

	if err := r.applyPatch(ctx, ad, patch); err != nil {
		return errors.Wrap(err, "failed to patch route for maintenance")
	}

	logger.Info("maintenance mode enabled", "resource", handle.Name)

	return nil
}

// switchPage handles Active -> Active with a changed page selection: release
// the previous resource set, acquire one for the new page, rewrite targets.
// The backup record is untouched. Release precedes acquire so a set whose
// last referent is switching away gets torn down before its replacement is
// built.
func (r *Reconciler) switchPage(ctx context.Context, ad route.Adapter, snap Snapshot) error {
	nn := ad.NamespacedName()
	logger := slog.Default().With("kind", ad.Kind(), "route", nn.String())
	logger.Info("switching maintenance page",
		"from", content.Normalize(snap.ActivePage), "to", content.Normalize(snap.CustomPage))

	if snap.ResourceName != "" {
		if err := r.resources.Release(ctx, nn.Namespace, nn.Name, snap.ResourceName); err != nil {
			return errors.Wrap(err, "failed to release previous maintenance resources")
		}
	}

	handle, err := r.resources.Acquire(ctx, nn.Namespace, nn.Name, snap.CustomPage)
	if err != nil {
		return errors.Wrap(err, "failed to acquire maintenance resources")
	}

	patch := patchDocument(
		map[string]string{
			r.keys.ResourceName: handle.Name,
			r.keys.ActivePage:   content.Normalize(snap.CustomPage),
		},
		nil,
		ad.MaintenanceSpec(handle.Target()),
	)

	if err := r.applyPatch(ctx, ad, patch); err != nil {
		return errors.Wrap(err, "failed to patch route for new maintenance page")
	}

	logger.Info("maintenance page switched", "resource", handle.Name)

	return nil
}

// disable handles Active -> Normal: restore the backed-up rules, clear the
// state annotations, drop the backup record and release the resource set.
// A missing backup record skips the restore but still clears annotations and
// releases resources, so a route can never be stuck in maintenance.
func (r *Reconciler) disable(ctx context.Context, ad route.Adapter, snap Snapshot) error {
	nn := ad.NamespacedName()
	logger := slog.Default().With("kind", ad.Kind(), "route", nn.String())
	logger.Info("disabling maintenance mode")

	doc, found, err := r.backups.Load(ctx, nn.Name, nn.Namespace)
	if err != nil {
		return errors.Wrap(err, "failed to load backup record")
	}

	if !found {
		logger.Warn("backup record missing, leaving current rules in place")
	}

	patch := patchDocument(
		nil,
		[]string{r.keys.Backup, r.keys.ResourceName, r.keys.ActivePage},
		doc,
	)

	if err := r.applyPatch(ctx, ad, patch); err != nil {
		return errors.Wrap(err, "failed to restore route")
	}

	if err := r.backups.Delete(ctx, nn.Name, nn.Namespace); err != nil {
		return errors.Wrap(err, "failed to delete backup record")
	}

	if snap.ResourceName != "" {
		if err := r.resources.Release(ctx, nn.Namespace, nn.Name, snap.ResourceName); err != nil {
			return errors.Wrap(err, "failed to release maintenance resources")
		}
	}

	logger.Info("maintenance mode disabled")

	return nil
}

func (r *Reconciler) applyPatch(ctx context.Context, ad route.Adapter, patch map[string]any) error {
	data, err := json.Marshal(patch)
	if err != nil {
		return errors.Wrap(err, "failed to encode patch")
	}

	return r.client.Patch(ctx, ad.Object(), client.RawPatch(types.MergePatchType, data))
}

// patchDocument builds a JSON merge patch: annotations in set are written,
// annotations in clear are removed via null, and spec (when non-nil) fully
// replaces the targeted routing fields.
func patchDocument(set map[string]string, clear []string, spec map[string]any) map[string]any {
	annotations := map[string]any{}

	for key, value := range set {
		annotations[key] = value
	}

	for _, key := range clear {
		annotations[key] = nil
	}

	patch := map[string]any{
		"metadata": map[string]any{
			"annotations": annotations,
		},
	}

	if spec != nil {
		patch["spec"] = spec
	}

	return patch
}
