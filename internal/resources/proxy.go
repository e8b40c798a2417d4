package resources

import (
	"context"
	"log/slog"
	"sort"

	"github.com/cockroachdb/errors"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
)

const (
	// ProxyTableName is the fixed per-namespace name of the proxy routing
	// table: a selectorless Service plus its manually managed Endpoints.
	ProxyTableName = "maintenance-proxy"

	// WorkerPort is the port the central maintenance server pods listen on.
	WorkerPort = 8080
)

// acquireProxy provisions the namespace's proxy routing table, forwarding to
// the central maintenance server pool. Content is not duplicated per
// namespace in this mode; every route in the namespace shares the table, so
// no reference counting is done.
//
// The table's address list is seeded from the currently live workers and
// kept converged afterwards by the endpoint reconciliation worker.
func (m *Manager) acquireProxy(ctx context.Context, namespace string) (Handle, error) {
	handle := Handle{
		Name:      ProxyTableName,
		Namespace: namespace,
		Port:      m.port,
	}

	if err := m.ensureProxyService(ctx, namespace); err != nil {
		return Handle{}, errors.Wrapf(err, "failed to ensure proxy service %s/%s", namespace, ProxyTableName)
	}

	if err := m.ensureProxyEndpoints(ctx, namespace); err != nil {
		return Handle{}, errors.Wrapf(err, "failed to ensure proxy endpoints %s/%s", namespace, ProxyTableName)
	}

	m.metrics.RecordResourceAcquire(ctx, "proxy")
	slog.Default().Info("ensured proxy routing table", "namespace", namespace)

	return handle, nil
}

func (m *Manager) ensureProxyService(ctx context.Context, namespace string) error {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ProxyTableName,
			Namespace: namespace,
			Labels:    proxyLabels(),
		},
		Spec: corev1.ServiceSpec{
			// No selector: the Endpoints object is managed manually and
			// points at pods in the operator's namespace.
			Type: corev1.ServiceTypeClusterIP,
			Ports: []corev1.ServicePort{
				{
					Name:       "http",
					Port:       m.port,
					TargetPort: intstr.FromInt32(WorkerPort),
					Protocol:   corev1.ProtocolTCP,
				},
			},
		},
	}

	err := m.client.Create(ctx, svc)
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return err
	}

	return nil
}

func (m *Manager) ensureProxyEndpoints(ctx context.Context, namespace string) error {
	addresses, err := m.discovery.ListWorkerAddresses(ctx)
	if err != nil {
		return err
	}

	endpoints := &corev1.Endpoints{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ProxyTableName,
			Namespace: namespace,
			Labels:    proxyLabels(),
		},
		Subsets: ProxySubsets(addresses),
	}

	createErr := m.client.Create(ctx, endpoints)
	if createErr != nil && !apierrors.IsAlreadyExists(createErr) {
		return createErr
	}

	// An existing table is left alone; the endpoint reconciliation worker
	// refreshes its address list independently of route transitions.
	return nil
}

// ProxySubsets builds the Endpoints subsets for the given worker addresses.
// Addresses are sorted so repeated builds compare equal. An empty address
// list yields nil subsets.
func ProxySubsets(addresses []string) []corev1.EndpointSubset {
	if len(addresses) == 0 {
		return nil
	}

	sorted := make([]string, len(addresses))
	copy(sorted, addresses)
	sort.Strings(sorted)

	endpointAddresses := make([]corev1.EndpointAddress, 0, len(sorted))
	for _, addr := range sorted {
		endpointAddresses = append(endpointAddresses, corev1.EndpointAddress{IP: addr})
	}

	return []corev1.EndpointSubset{
		{
			Addresses: endpointAddresses,
			Ports: []corev1.EndpointPort{
				{Name: "http", Port: WorkerPort, Protocol: corev1.ProtocolTCP},
			},
		},
	}
}

func proxyLabels() map[string]string {
	return map[string]string{
		ManagedByLabel: ManagedByValue,
		RoleLabel:      RoleProxy,
	}
}
