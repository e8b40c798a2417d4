// Package backup persists a route's original routing rules across a
// maintenance window so they can be restored verbatim when it ends.
package backup

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/cockroachdb/errors"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kahf-io/maintenance-operator/internal/metrics"
)

const (
	// dataKey is the single well-known ConfigMap key holding the JSON blob.
	dataKey = "backup"

	managedByLabel = "app.kubernetes.io/managed-by"
	managedByValue = "maintenance-operator"
	backupForLabel = "maintenance-operator.kahf.io/backup-for"
)

// Store saves, loads and deletes backup records, one ConfigMap per route.
// All operations key strictly on the route name scoped to its namespace and
// are idempotent.
type Store struct {
	client  client.Client
	prefix  string
	metrics metrics.Collector
}

// NewStore creates a Store. prefix is prepended to the route name to form
// the ConfigMap name.
func NewStore(c client.Client, prefix string, collector metrics.Collector) *Store {
	return &Store{
		client:  c,
		prefix:  prefix,
		metrics: collector,
	}
}

// Save creates or overwrites the backup record for the route. Re-saving with
// the same key updates the existing record rather than duplicating it.
func (s *Store) Save(ctx context.Context, routeName, namespace string, doc map[string]any) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to encode backup record")
	}

	name := s.name(routeName)

	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels: map[string]string{
				managedByLabel: managedByValue,
				backupForLabel: routeName,
			},
		},
		Data: map[string]string{dataKey: string(payload)},
	}

	createErr := s.client.Create(ctx, cm)
	if createErr == nil {
		s.metrics.RecordBackupOperation(ctx, "save", "created")

		return nil
	}

	if !apierrors.IsAlreadyExists(createErr) {
		s.metrics.RecordBackupOperation(ctx, "save", "error")

		return errors.Wrapf(createErr, "failed to create backup configmap %s/%s", namespace, name)
	}

	// Converge by updating the existing record.
	err = retry.RetryOnConflict(retry.DefaultRetry, func() error {
		var existing corev1.ConfigMap

		getErr := s.client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, &existing)
		if getErr != nil {
			return getErr
		}

		existing.Data = map[string]string{dataKey: string(payload)}

		return s.client.Update(ctx, &existing)
	})
	if err != nil {
		s.metrics.RecordBackupOperation(ctx, "save", "error")

		return errors.Wrapf(err, "failed to update backup configmap %s/%s", namespace, name)
	}

	s.metrics.RecordBackupOperation(ctx, "save", "updated")

	return nil
}

// Load returns the backup record for the route, or ok=false when no record
// exists. A record that fails to parse is treated as absent, never as a
// fatal error: disabling maintenance must not be blocked by unreadable
// backup data.
func (s *Store) Load(ctx context.Context, routeName, namespace string) (map[string]any, bool, error) {
	name := s.name(routeName)

	var cm corev1.ConfigMap

	err := s.client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, &cm)
	if err != nil {
		if apierrors.IsNotFound(err) {
			s.metrics.RecordBackupOperation(ctx, "load", "absent")

			return nil, false, nil
		}

		s.metrics.RecordBackupOperation(ctx, "load", "error")

		return nil, false, errors.Wrapf(err, "failed to read backup configmap %s/%s", namespace, name)
	}

	var doc map[string]any

	unmarshalErr := json.Unmarshal([]byte(cm.Data[dataKey]), &doc)
	if unmarshalErr != nil {
		slog.Default().Warn("backup record is unreadable, treating as absent",
			"configmap", name, "namespace", namespace, "error", unmarshalErr)
		s.metrics.RecordBackupOperation(ctx, "load", "corrupt")

		return nil, false, nil
	}

	s.metrics.RecordBackupOperation(ctx, "load", "found")

	return doc, true, nil
}

// Delete removes the backup record, tolerating absence.
func (s *Store) Delete(ctx context.Context, routeName, namespace string) error {
	name := s.name(routeName)

	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
	}

	err := s.client.Delete(ctx, cm)
	if err != nil && !apierrors.IsNotFound(err) {
		s.metrics.RecordBackupOperation(ctx, "delete", "error")

		return errors.Wrapf(err, "failed to delete backup configmap %s/%s", namespace, name)
	}

	s.metrics.RecordBackupOperation(ctx, "delete", "deleted")

	return nil
}

func (s *Store) name(routeName string) string {
	return s.prefix + "-" + routeName
}
