// Package maintenance implements the annotation-driven maintenance mode
// state machine and the transition executor that drives the backup store,
// the resource lifecycle manager and route patching.
package maintenance

import (
	"strings"

	"github.com/kahf-io/maintenance-operator/internal/content"
)

// State is the maintenance state of one route, fully derived from its
// annotation snapshot on every event. It is never persisted as an explicit
// field.
type State string

const (
	// StateNormal: maintenance disabled, no backup marker.
	StateNormal State = "Normal"

	// StateEnabling: maintenance enabled but no backup yet. Transient,
	// observed only on the triggering event.
	StateEnabling State = "Enabling"

	// StateActive: maintenance enabled and backup present.
	StateActive State = "Active"

	// StateDisabling: maintenance disabled but backup still present.
	// Transient.
	StateDisabling State = "Disabling"
)

// Keys holds the annotation keys the state machine reads and writes.
type Keys struct {
	// Enabled is the maintenance toggle key; maintenance is on iff its
	// value equals EnabledValue.
	Enabled string

	// EnabledValue is the designated truthy value of Enabled.
	EnabledValue string

	// Backup marks that a backup record exists for the route.
	Backup string

	// CustomPage optionally names an alternate content variant.
	CustomPage string

	// ResourceName records the acquired resource set's name for release.
	ResourceName string

	// ActivePage records the normalized page selection the current
	// resource set was acquired for. Comparing it with CustomPage detects
	// content switches without an old-object snapshot.
	ActivePage string
}

// DefaultKeys returns the annotation keys under the default domain.
func DefaultKeys() Keys {
	return KeysForDomain("maintenance-operator.kahf.io")
}

// KeysForDomain builds the annotation keys under the given domain.
func KeysForDomain(domain string) Keys {
	return Keys{
		Enabled:      domain + "/enabled",
		EnabledValue: "true",
		Backup:       domain + "/original-config",
		CustomPage:   domain + "/custom-page",
		ResourceName: domain + "/resource-name",
		ActivePage:   domain + "/active-page",
	}
}

// Snapshot is the derived annotation state of one route.
type Snapshot struct {
	Enabled      bool
	HasBackup    bool
	CustomPage   string
	ResourceName string
	ActivePage   string
}

// Snapshot derives the state inputs from an annotation map. A nil map is a
// valid snapshot with everything unset.
func (k Keys) Snapshot(annotations map[string]string) Snapshot {
	if annotations == nil {
		return Snapshot{}
	}

	_, hasBackup := annotations[k.Backup]

	return Snapshot{
		Enabled:      annotations[k.Enabled] == k.EnabledValue,
		HasBackup:    hasBackup,
		CustomPage:   strings.TrimSpace(annotations[k.CustomPage]),
		ResourceName: annotations[k.ResourceName],
		ActivePage:   annotations[k.ActivePage],
	}
}

// State derives the maintenance state from the snapshot.
func (s Snapshot) State() State {
	switch {
	case s.Enabled && !s.HasBackup:
		return StateEnabling
	case s.Enabled && s.HasBackup:
		return StateActive
	case !s.Enabled && s.HasBackup:
		return StateDisabling
	default:
		return StateNormal
	}
}

// PageChanged reports whether the route's page selection differs from the
// one its current resource set was acquired for. Comparison is on normalized
// values: case-sensitive for named pages, with any default-equivalent value
// folding to "default".
func (s Snapshot) PageChanged() bool {
	return content.Normalize(s.CustomPage) != content.Normalize(s.ActivePage)
}
