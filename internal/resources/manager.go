// Package resources manages the shared, content-addressed maintenance
// resource sets: a content holder (ConfigMap), a serving process (Pod) and a
// network entry point (Service), deduplicated by content hash and
// reference-counted across the routes that use them.
package resources

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kahf-io/maintenance-operator/internal/content"
	"github.com/kahf-io/maintenance-operator/internal/metrics"
	"github.com/kahf-io/maintenance-operator/internal/route"
)

const (
	// resourcePrefix prefixes the deterministic name of every sub-resource
	// of a maintenance resource set.
	resourcePrefix = "maintenance-"

	// UsedByAnnotation stores the encoded RefSet on the content holder.
	UsedByAnnotation = "maintenance-operator.kahf.io/used-by"

	// pageAnnotation records which page selection produced the content.
	pageAnnotation = "maintenance-operator.kahf.io/custom-page"

	// contentKey is the data key the serving process reads the page from.
	contentKey = "index.html"

	// ManagedByLabel marks every object this manager creates.
	ManagedByLabel = "app.kubernetes.io/managed-by"

	// ManagedByValue is the value of ManagedByLabel.
	ManagedByValue = "maintenance-operator"

	// ContentHashLabel carries the content hash on every sub-resource.
	ContentHashLabel = "maintenance-operator.kahf.io/content-hash"

	// RoleLabel distinguishes page-serving sets from proxy routing tables.
	RoleLabel = "maintenance-operator.kahf.io/role"

	// RolePage marks per-namespace content-serving resource sets.
	RolePage = "page"

	// RoleProxy marks namespace-scoped proxy routing tables.
	RoleProxy = "proxy"

	// serverContainerPort is the port the serving container listens on.
	serverContainerPort = 80
)

// Mode selects how maintenance traffic is served.
type Mode string

const (
	// ModeLocal duplicates content per namespace as content-addressed sets.
	ModeLocal Mode = "local"

	// ModeProxy forwards traffic through a fixed per-namespace routing
	// table to the central maintenance server pool.
	ModeProxy Mode = "proxy"
)

// Renderer renders the content bytes for a page selection.
type Renderer interface {
	Render(ctx context.Context, page string) ([]byte, error)
}

// WorkerDiscovery lists the addresses of the central maintenance server pods.
type WorkerDiscovery interface {
	ListWorkerAddresses(ctx context.Context) ([]string, error)
}

// Handle identifies an acquired maintenance resource set.
type Handle struct {
	// Name is the deterministic name shared by all sub-resources.
	Name string

	// Namespace is the route's namespace.
	Namespace string

	// ContentHash is the dedup key; empty in proxy mode.
	ContentHash string

	// Port is the Service port traffic is redirected to.
	Port int32
}

// Target returns the route target for this handle.
func (h Handle) Target() route.Target {
	return route.Target{Service: h.Name, Port: h.Port}
}

// Manager implements the acquire/release lifecycle of maintenance resource
// sets. Both operations are idempotent: repeated calls with identical
// arguments converge to the same state without duplicating or re-deleting
// sub-resources.
type Manager struct {
	client    client.Client
	renderer  Renderer
	discovery WorkerDiscovery
	mode      Mode
	port      int32
	image     string
	metrics   metrics.Collector
}

// NewManager creates a Manager.
//
// port is the Service port routes are rewritten to. image is the container
// image of the serving process in local mode. discovery is only consulted in
// proxy mode and may be nil otherwise.
func NewManager(
	c client.Client,
	renderer Renderer,
	discovery WorkerDiscovery,
	mode Mode,
	port int32,
	image string,
	collector metrics.Collector,
) *Manager {
	return &Manager{
		client:    c,
		renderer:  renderer,
		discovery: discovery,
		mode:      mode,
		port:      port,
		image:     image,
		metrics:   collector,
	}
}

// Acquire makes maintenance content for the given page reachable in the
// route's namespace and records routeName as a referent.
//
// In local mode, routes selecting identical content share exactly one
// resource set: if a set keyed by the content hash already exists, only its
// used-by set is extended. Acquire is safe to call repeatedly with the same
// arguments.
func (m *Manager) Acquire(ctx context.Context, namespace, routeName, page string) (Handle, error) {
	if m.mode == ModeProxy {
		return m.acquireProxy(ctx, namespace)
	}

	rendered, err := m.renderer.Render(ctx, page)
	if err != nil {
		return Handle{}, errors.Wrap(err, "failed to render maintenance content")
	}

	hash := content.Hash(rendered)
	handle := Handle{
		Name:        resourcePrefix + hash,
		Namespace:   namespace,
		ContentHash: hash,
		Port:        m.port,
	}

	created, err := m.ensureHolder(ctx, handle, routeName, page, rendered)
	if err != nil {
		return Handle{}, errors.Wrapf(err, "failed to ensure content holder %s/%s", namespace, handle.Name)
	}

	if err := m.ensureServer(ctx, handle); err != nil {
		return Handle{}, errors.Wrapf(err, "failed to ensure serving pod %s/%s", namespace, handle.Name)
	}

	if err := m.ensureService(ctx, handle); err != nil {
		return Handle{}, errors.Wrapf(err, "failed to ensure service %s/%s", namespace, handle.Name)
	}

	outcome := "shared"
	if created {
		outcome = "created"
	}

	m.metrics.RecordResourceAcquire(ctx, outcome)
	slog.Default().Info("acquired maintenance resource set",
		"namespace", namespace, "name", handle.Name, "route", routeName, "outcome", outcome)

	return handle, nil
}

// Release removes routeName from the set's referents. The sub-resources are
// torn down only when the last referent is gone. Releasing an already
// released or nonexistent set is a no-op.
func (m *Manager) Release(ctx context.Context, namespace, routeName, name string) error {
	if m.mode == ModeProxy {
		// The proxy table is namespace-shared and not reference-counted.
		m.metrics.RecordResourceRelease(ctx, "skipped")

		return nil
	}

	outcome := "absent"

	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		var holder corev1.ConfigMap

		getErr := m.client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, &holder)
		if apierrors.IsNotFound(getErr) {
			return nil
		}

		if getErr != nil {
			return getErr
		}

		refs := ParseRefSet(holder.Annotations[UsedByAnnotation])
		refs.Remove(routeName)

		if len(refs) > 0 {
			holder.Annotations[UsedByAnnotation] = refs.Encode()
			outcome = "retained"

			return m.client.Update(ctx, &holder)
		}

		outcome = "deleted"

		return m.teardown(ctx, namespace, name, holder.ResourceVersion)
	})
	if err != nil {
		return errors.Wrapf(err, "failed to release maintenance resource set %s/%s", namespace, name)
	}

	m.metrics.RecordResourceRelease(ctx, outcome)
	slog.Default().Info("released maintenance resource set",
		"namespace", namespace, "name", name, "route", routeName, "outcome", outcome)

	return nil
}

// ensureHolder creates the content holder or extends its used-by set,
// reporting whether it created a fresh holder. The read-modify-write of the
// used-by set is guarded by the holder's resource version: a conflicting
// concurrent update triggers a retry instead of overwriting.
func (m *Manager) ensureHolder(
	ctx context.Context,
	handle Handle,
	routeName, page string,
	rendered []byte,
) (bool, error) {
	var created bool

	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		var holder corev1.ConfigMap

		getErr := m.client.Get(ctx, types.NamespacedName{Namespace: handle.Namespace, Name: handle.Name}, &holder)
		if apierrors.IsNotFound(getErr) {
			fresh := m.newHolder(handle, routeName, page, rendered)

			createErr := m.client.Create(ctx, fresh)
			if apierrors.IsAlreadyExists(createErr) {
				// Lost the create race: retry as an update.
				return apierrors.NewConflict(
					schema.GroupResource{Resource: "configmaps"}, handle.Name, createErr)
			}

			created = createErr == nil

			return createErr
		}

		if getErr != nil {
			return getErr
		}

		refs := ParseRefSet(holder.Annotations[UsedByAnnotation])
		if !refs.Add(routeName) {
			return nil
		}

		if holder.Annotations == nil {
			holder.Annotations = map[string]string{}
		}

		holder.Annotations[UsedByAnnotation] = refs.Encode()

		return m.client.Update(ctx, &holder)
	})

	return created, err
}

func (m *Manager) ensureServer(ctx context.Context, handle Handle) error {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      handle.Name,
			Namespace: handle.Namespace,
			Labels:    m.labels(handle),
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyAlways,
			Containers: []corev1.Container{
				{
					Name:  "server",
					Image: m.image,
					Ports: []corev1.ContainerPort{
						{ContainerPort: serverContainerPort, Protocol: corev1.ProtocolTCP},
					},
					VolumeMounts: []corev1.VolumeMount{
						{
							Name:      "content",
							MountPath: "/usr/share/nginx/html",
							ReadOnly:  true,
						},
					},
					Resources: corev1.ResourceRequirements{
						Requests: corev1.ResourceList{
							corev1.ResourceCPU:    resource.MustParse("10m"),
							corev1.ResourceMemory: resource.MustParse("16Mi"),
						},
						Limits: corev1.ResourceList{
							corev1.ResourceCPU:    resource.MustParse("50m"),
							corev1.ResourceMemory: resource.MustParse("32Mi"),
						},
					},
				},
			},
			Volumes: []corev1.Volume{
				{
					Name: "content",
					VolumeSource: corev1.VolumeSource{
						ConfigMap: &corev1.ConfigMapVolumeSource{
							LocalObjectReference: corev1.LocalObjectReference{Name: handle.Name},
						},
					},
				},
			},
		},
	}

	err := m.client.Create(ctx, pod)
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return err
	}

	return nil
}

func (m *Manager) ensureService(ctx context.Context, handle Handle) error {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      handle.Name,
			Namespace: handle.Namespace,
			Labels:    m.labels(handle),
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: m.labels(handle),
			Ports: []corev1.ServicePort{
				{
					Name:       "http",
					Port:       m.port,
					TargetPort: intstr.FromInt32(serverContainerPort),
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

// teardown deletes the serving process, the network entry point and the
// content holder, in that order, tolerating absence of each independently.
// The holder delete is preconditioned on the resource version observed when
// the used-by set was found empty, so a racing acquire that re-adds a
// referent turns the delete into a conflict and the release re-evaluates.
func (m *Manager) teardown(ctx context.Context, namespace, name, resourceVersion string) error {
	pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace}}

	err := m.client.Delete(ctx, pod)
	if err != nil && !apierrors.IsNotFound(err) {
		return err
	}

	svc := &corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace}}

	err = m.client.Delete(ctx, svc)
	if err != nil && !apierrors.IsNotFound(err) {
		return err
	}

	holder := &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace}}

	err = m.client.Delete(ctx, holder, client.Preconditions{ResourceVersion: &resourceVersion})
	if err != nil && !apierrors.IsNotFound(err) {
		return err
	}

	return nil
}

func (m *Manager) newHolder(handle Handle, routeName, page string, rendered []byte) *corev1.ConfigMap {
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      handle.Name,
			Namespace: handle.Namespace,
			Labels:    m.labels(handle),
			Annotations: map[string]string{
				UsedByAnnotation: RefSet{routeName: {}}.Encode(),
				pageAnnotation:   content.Normalize(page),
			},
		},
		Data: map[string]string{contentKey: string(rendered)},
	}
}

func (m *Manager) labels(handle Handle) map[string]string {
	return map[string]string{
		ManagedByLabel:   ManagedByValue,
		ContentHashLabel: handle.ContentHash,
		RoleLabel:        RolePage,
	}
}
