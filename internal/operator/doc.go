// Package operator wires the maintenance mode controllers into a
// controller-runtime manager.
//
// The package provides two controllers and one background worker:
//
//   - IngressReconciler: watches networking.k8s.io/v1 Ingress resources and
//     drives the maintenance state machine for each event.
//
//   - IngressRouteReconciler: the same for traefik.io/v1alpha1 IngressRoute
//     resources, handled as unstructured so no Traefik dependency is needed.
//
//   - endpoints.Syncer: a periodic runnable that keeps proxy routing tables
//     converged with the live maintenance server pool, independent of any
//     route's lifecycle.
//
// # State machine
//
// A route's maintenance state is derived from its annotations on every
// event, never stored: the enabled toggle plus the backup marker classify
// the event as enable, disable, content switch or no-op. The transition
// executor lives in the maintenance package; controllers only fetch the
// object, adapt it and hand it over.
//
// # Configuration
//
// Controllers are configured via the Config struct which accepts settings
// from CLI flags or environment variables (MAINT_* prefix).
//
// # Leader Election
//
// When running multiple replicas for high availability, enable leader
// election via --leader-elect to ensure only one replica reconciles at a
// time. The endpoint syncer only runs on the elected leader.
package operator
