package operator

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"k8s.io/apimachinery/pkg/labels"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
	"sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/kahf-io/maintenance-operator/internal/backup"
	"github.com/kahf-io/maintenance-operator/internal/content"
	"github.com/kahf-io/maintenance-operator/internal/endpoints"
	"github.com/kahf-io/maintenance-operator/internal/maintenance"
	"github.com/kahf-io/maintenance-operator/internal/metrics"
	"github.com/kahf-io/maintenance-operator/internal/resources"
)

// Config holds all configuration options for the operator manager.
// Values are typically populated from CLI flags or environment variables.
type Config struct {
	// Namespace is the operator's own namespace: where page ConfigMaps
	// live and where the maintenance server pool runs.
	Namespace string

	// AnnotationDomain is the prefix of all annotations the state machine
	// reads and writes.
	AnnotationDomain string

	// DefaultPagesConfigMap names the ConfigMap holding the default page.
	DefaultPagesConfigMap string

	// BackupPrefix prefixes backup ConfigMap names.
	BackupPrefix string

	// ServicePort is the Service port routes are rewritten to.
	ServicePort int32

	// ServeMode selects local (per-namespace content) or proxy
	// (central server pool) serving.
	ServeMode string

	// ServerImage is the container image of per-namespace serving pods in
	// local mode.
	ServerImage string

	// WorkerSelector is the label selector matching maintenance server
	// pods in the operator's namespace.
	WorkerSelector string

	// SyncInterval is the endpoint reconciliation period.
	SyncInterval time.Duration

	// EnableIngressRoute enables watching Traefik IngressRoute resources.
	// Requires the CRD to be installed.
	EnableIngressRoute bool

	// MetricsAddr is the address for the Prometheus metrics endpoint.
	MetricsAddr string

	// HealthAddr is the address for health and readiness probe endpoints.
	HealthAddr string

	// LeaderElect enables leader election for high availability.
	LeaderElect bool

	// LeaderElectNS is the namespace for the leader election lease.
	LeaderElectNS string

	// LeaderElectName is the name of the leader election lease.
	LeaderElectName string
}

// Run initializes and starts the operator manager with the provided
// configuration. It wires the content renderer, backup store, resource
// lifecycle manager and maintenance reconciler into one controller per
// watched route kind, adds the endpoint reconciliation worker, and blocks
// until the context is cancelled or an error occurs.
//
//nolint:funlen // operator setup requires multiple steps
func Run(ctx context.Context, cfg *Config) error {
	logger := log.FromContext(ctx).WithName("manager")
	logger.Info("initializing operator manager")

	mode := resources.Mode(cfg.ServeMode)
	if mode != resources.ModeLocal && mode != resources.ModeProxy {
		return errors.Newf("unknown serve mode %q (expected %q or %q)",
			cfg.ServeMode, resources.ModeLocal, resources.ModeProxy)
	}

	workerSelector, err := labels.Parse(cfg.WorkerSelector)
	if err != nil {
		return errors.Wrapf(err, "invalid worker selector %q", cfg.WorkerSelector)
	}

	mgrOptions := ctrl.Options{
		Metrics: server.Options{
			BindAddress: cfg.MetricsAddr,
		},
		HealthProbeBindAddress: cfg.HealthAddr,
	}

	if cfg.LeaderElect {
		mgrOptions.LeaderElection = true
		mgrOptions.LeaderElectionID = cfg.LeaderElectName
		mgrOptions.LeaderElectionNamespace = cfg.LeaderElectNS

		logger.Info("leader election enabled",
			"id", cfg.LeaderElectName,
			"namespace", cfg.LeaderElectNS,
		)
	}

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), mgrOptions)
	if err != nil {
		return errors.Wrap(err, "failed to create manager")
	}

	collector := metrics.NewCollector(ctrlmetrics.Registry)

	renderer := content.NewRenderer(mgr.GetClient(), cfg.Namespace, cfg.DefaultPagesConfigMap)
	backups := backup.NewStore(mgr.GetClient(), cfg.BackupPrefix, collector)
	discovery := endpoints.NewDiscovery(mgr.GetClient(), cfg.Namespace, workerSelector)

	resourceManager := resources.NewManager(
		mgr.GetClient(),
		renderer,
		discovery,
		mode,
		cfg.ServicePort,
		cfg.ServerImage,
		collector,
	)

	keys := maintenance.KeysForDomain(cfg.AnnotationDomain)
	reconciler := maintenance.NewReconciler(mgr.GetClient(), backups, resourceManager, keys, collector)

	ingressReconciler := &IngressReconciler{
		Client:      mgr.GetClient(),
		Scheme:      mgr.GetScheme(),
		Maintenance: reconciler,
	}

	if err := ingressReconciler.SetupWithManager(mgr); err != nil {
		return errors.Wrap(err, "failed to setup ingress controller")
	}

	if cfg.EnableIngressRoute {
		ingressRouteReconciler := &IngressRouteReconciler{
			Client:      mgr.GetClient(),
			Scheme:      mgr.GetScheme(),
			Maintenance: reconciler,
		}

		if err := ingressRouteReconciler.SetupWithManager(mgr); err != nil {
			return errors.Wrap(err, "failed to setup ingressroute controller")
		}
	}

	tableSelector := labels.SelectorFromSet(labels.Set{
		resources.ManagedByLabel: resources.ManagedByValue,
		resources.RoleLabel:      resources.RoleProxy,
	})

	syncer := endpoints.NewSyncer(mgr.GetClient(), discovery, tableSelector, cfg.SyncInterval, collector)

	if err := mgr.Add(syncer); err != nil {
		return errors.Wrap(err, "failed to add endpoint syncer")
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return errors.Wrap(err, "failed to set up health check")
	}

	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		return errors.Wrap(err, "failed to set up ready check")
	}

	logger.Info("starting manager", "serveMode", mode)

	if err := mgr.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start manager")
	}

	return nil
}
