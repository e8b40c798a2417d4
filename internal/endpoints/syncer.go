// Package endpoints keeps every namespace's proxy routing table pointing at
// the live set of maintenance server pods.
//
// Route-level reconciliation never observes worker pod restarts or
// rescheduling, so the address lists in proxy routing tables drift. The
// Syncer corrects that drift on a fixed period and once at process startup,
// independently of any route's lifecycle.
package endpoints

import (
	"context"
	"log/slog"
	"sort"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/equality"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kahf-io/maintenance-operator/internal/metrics"
	"github.com/kahf-io/maintenance-operator/internal/resources"
)

// Discovery lists the addresses of live maintenance server pods.
type Discovery struct {
	reader    client.Reader
	namespace string
	selector  labels.Selector
}

// NewDiscovery creates a Discovery over the given namespace and pod selector.
func NewDiscovery(reader client.Reader, namespace string, selector labels.Selector) *Discovery {
	return &Discovery{
		reader:    reader,
		namespace: namespace,
		selector:  selector,
	}
}

// ListWorkerAddresses returns the sorted pod IPs of running maintenance
// server pods. Pods without an assigned IP are skipped.
func (d *Discovery) ListWorkerAddresses(ctx context.Context) ([]string, error) {
	var pods corev1.PodList

	err := d.reader.List(ctx, &pods,
		client.InNamespace(d.namespace),
		client.MatchingLabelsSelector{Selector: d.selector},
	)
	if err != nil {
		return nil, err
	}

	addresses := make([]string, 0, len(pods.Items))

	for i := range pods.Items {
		pod := &pods.Items[i]
		if pod.Status.Phase != corev1.PodRunning || pod.Status.PodIP == "" {
			continue
		}

		addresses = append(addresses, pod.Status.PodIP)
	}

	sort.Strings(addresses)

	return addresses, nil
}

// Syncer is the endpoint reconciliation worker. It runs as a single
// long-lived manager runnable, strictly decoupled from route handling.
//
// Every cycle's errors are logged and swallowed; a failed cycle never
// terminates the loop. Tables are patched, never created: provisioning is
// route-level acquisition's job.
type Syncer struct {
	client    client.Client
	discovery *Discovery
	selector  labels.Selector
	interval  time.Duration
	metrics   metrics.Collector
}

// NewSyncer creates a Syncer. selector matches the proxy routing tables'
// Endpoints objects across all namespaces.
func NewSyncer(
	c client.Client,
	discovery *Discovery,
	selector labels.Selector,
	interval time.Duration,
	collector metrics.Collector,
) *Syncer {
	return &Syncer{
		client:    c,
		discovery: discovery,
		selector:  selector,
		interval:  interval,
		metrics:   collector,
	}
}

// Start runs one sync immediately, then one per interval until the context
// is cancelled. It implements manager.Runnable.
func (s *Syncer) Start(ctx context.Context) error {
	logger := slog.Default().With("component", "endpoint-syncer")
	logger.Info("starting endpoint reconciliation", "interval", s.interval)

	s.Sync(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("stopping endpoint reconciliation")

			return nil
		case <-ticker.C:
			s.Sync(ctx)
		}
	}
}

// NeedLeaderElection makes the syncer run only on the elected leader.
func (s *Syncer) NeedLeaderElection() bool {
	return true
}

// Sync runs one reconciliation cycle: list worker addresses, list all proxy
// routing tables cluster-wide, and overwrite each table's address list.
//
// An empty worker address list skips the cycle entirely; existing tables are
// never wiped based on a transient empty read.
func (s *Syncer) Sync(ctx context.Context) {
	logger := slog.Default().With("component", "endpoint-syncer")
	start := time.Now()

	addresses, err := s.discovery.ListWorkerAddresses(ctx)
	if err != nil {
		logger.Error("failed to list worker addresses", "error", err)
		s.metrics.RecordEndpointSync(ctx, "error", time.Since(start))

		return
	}

	s.metrics.RecordWorkerAddresses(ctx, len(addresses))

	if len(addresses) == 0 {
		logger.Warn("no live worker addresses, skipping cycle")
		s.metrics.RecordEndpointSync(ctx, "skipped", time.Since(start))

		return
	}

	var tables corev1.EndpointsList

	err = s.client.List(ctx, &tables, client.MatchingLabelsSelector{Selector: s.selector})
	if err != nil {
		logger.Error("failed to list proxy routing tables", "error", err)
		s.metrics.RecordEndpointSync(ctx, "error", time.Since(start))

		return
	}

	s.metrics.RecordProxyTables(ctx, len(tables.Items))

	status := "success"

	for i := range tables.Items {
		table := &tables.Items[i]

		if err := s.syncTable(ctx, table, addresses); err != nil {
			logger.Error("failed to sync proxy routing table",
				"namespace", table.Namespace, "name", table.Name, "error", err)

			status = "partial"
		}
	}

	s.metrics.RecordEndpointSync(ctx, status, time.Since(start))
	logger.Debug("endpoint reconciliation cycle complete",
		"tables", len(tables.Items), "addresses", len(addresses))
}

func (s *Syncer) syncTable(ctx context.Context, table *corev1.Endpoints, addresses []string) error {
	desired := resources.ProxySubsets(addresses)
	if equality.Semantic.DeepEqual(table.Subsets, desired) {
		return nil
	}

	key := types.NamespacedName{Namespace: table.Namespace, Name: table.Name}

	//nolint:wrapcheck // per-table errors are logged by the caller
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		var fresh corev1.Endpoints

		getErr := s.client.Get(ctx, key, &fresh)
		if apierrors.IsNotFound(getErr) {
			// Table deleted mid-cycle; nothing to patch.
			return nil
		}

		if getErr != nil {
			return getErr
		}

		fresh.Subsets = desired

		return s.client.Update(ctx, &fresh)
	})
}
