package reconciler

import (
	"sort"
	"time"

	"github.com/trafegodns/trafegodns/internal/provider"
	"github.com/trafegodns/trafegodns/internal/storage"
	"github.com/trafegodns/trafegodns/internal/types"
)

// ActionType names one step of an action plan.
type ActionType string

const (
	ActionCreate  ActionType = "create"
	ActionUpdate  ActionType = "update"
	ActionRestore ActionType = "restore"
	ActionOrphan  ActionType = "orphan"
	ActionDelete  ActionType = "delete"
)

// Action is one planned provider or tracking mutation. Desired is nil
// for orphan and delete actions; Tracked is nil for first-time creates.
type Action struct {
	Type    ActionType
	Desired *types.DesiredRecord
	Tracked *storage.Record

	// Recreate marks an update whose provider-side record vanished;
	// the executor must call Create and adopt the new external ID.
	Recreate bool
}

// Plan is the ordered set of actions for one provider cycle. Execution
// order is fixed (creates, updates, restores, orphans, deletes) so a
// rename never leaves a hostname without any record.
type Plan struct {
	Creates  []Action
	Updates  []Action
	Restores []Action
	Orphans  []Action
	Deletes  []Action
}

// Empty reports whether the plan contains no actions.
func (p *Plan) Empty() bool {
	return len(p.Creates) == 0 && len(p.Updates) == 0 && len(p.Restores) == 0 &&
		len(p.Orphans) == 0 && len(p.Deletes) == 0
}

// Len returns the total number of planned actions.
func (p *Plan) Len() int {
	return len(p.Creates) + len(p.Updates) + len(p.Restores) + len(p.Orphans) + len(p.Deletes)
}

// planInput gathers everything the planner compares.
type planInput struct {
	ProviderID string
	Features   types.ProviderFeatures

	// Desired is the intent for this provider.
	Desired []*types.DesiredRecord

	// Tracked is every stored record for the provider, active and
	// orphaned.
	Tracked []*storage.Record

	// Remote is the provider's current record list, keyed by
	// (hostname, type). Nil means the listing failed and drift
	// repair is skipped this cycle.
	Remote map[remoteKey]provider.Record
	// HaveRemote distinguishes an empty zone from a failed listing.
	HaveRemote bool

	Preserved       []*storage.PreservedHostname
	GracePeriod     time.Duration
	CleanupOrphaned bool
	Now             time.Time
}

type remoteKey struct {
	Hostname string
	Type     types.RecordType
}

// buildPlan classifies desired against tracked and remote state and
// returns the ordered action plan. Unmanaged remote records (present
// at the provider, absent from tracking) are never touched.
func buildPlan(in planInput) *Plan {
	plan := &Plan{}

	active := make(map[remoteKey]*storage.Record)
	orphaned := make(map[remoteKey]*storage.Record)
	for _, t := range in.Tracked {
		key := remoteKey{Hostname: t.Hostname, Type: types.RecordType(t.RecordType)}
		if t.Orphaned() {
			orphaned[key] = t
		} else {
			active[key] = t
		}
	}

	desiredKeys := make(map[remoteKey]bool, len(in.Desired))
	for _, d := range in.Desired {
		key := remoteKey{Hostname: d.Hostname, Type: d.Type}
		desiredKeys[key] = true

		if t, ok := active[key]; ok {
			if changed, recreate := needsWrite(d, t, in); changed {
				plan.Updates = append(plan.Updates, Action{
					Type: ActionUpdate, Desired: d, Tracked: t, Recreate: recreate,
				})
			}
			continue
		}
		if t, ok := orphaned[key]; ok {
			plan.Restores = append(plan.Restores, Action{Type: ActionRestore, Desired: d, Tracked: t})
			continue
		}
		plan.Creates = append(plan.Creates, Action{Type: ActionCreate, Desired: d})
	}

	for key, t := range active {
		if !desiredKeys[key] {
			plan.Orphans = append(plan.Orphans, Action{Type: ActionOrphan, Tracked: t})
		}
	}

	if in.CleanupOrphaned {
		cutoff := in.Now.Add(-in.GracePeriod)
		for key, t := range orphaned {
			if desiredKeys[key] {
				continue
			}
			if t.OrphanedAt.After(cutoff) {
				continue
			}
			if hostnamePreserved(t.Hostname, in.Preserved) {
				continue
			}
			plan.Deletes = append(plan.Deletes, Action{Type: ActionDelete, Tracked: t})
		}
	}

	sortActions(plan.Creates)
	sortActions(plan.Updates)
	sortActions(plan.Restores)
	sortActions(plan.Orphans)
	sortActions(plan.Deletes)
	return plan
}

// needsWrite reports whether a provider write is needed for d given
// its tracked state and the remote view, and whether the write must
// recreate a vanished remote record.
func needsWrite(d *types.DesiredRecord, t *storage.Record, in planInput) (changed, recreate bool) {
	if recordDiffers(d, t) {
		return true, false
	}
	if !in.HaveRemote {
		return false, false
	}
	key := remoteKey{Hostname: d.Hostname, Type: d.Type}
	remote, ok := in.Remote[key]
	if !ok {
		// Tracked but gone at the provider: recreate it.
		return true, true
	}
	if remoteDiffers(d, remote) {
		return true, false
	}
	return false, false
}

// recordDiffers compares intent with the tracked copy.
func recordDiffers(d *types.DesiredRecord, t *storage.Record) bool {
	if types.CanonicalContent(d.Type, t.Content) != d.Content {
		return true
	}
	if t.TTL != d.TTL {
		return true
	}
	if d.Proxied != nil && t.Proxied != *d.Proxied {
		return true
	}
	if t.Priority != d.Priority || t.Weight != d.Weight || t.Port != d.Port {
		return true
	}
	if t.Flags != d.Flags || t.Tag != d.Tag {
		return true
	}
	return false
}

// remoteDiffers compares intent with the provider's live record. The
// engine writes the intent's content when they disagree, regardless of
// which side drifted.
func remoteDiffers(d *types.DesiredRecord, r provider.Record) bool {
	if types.CanonicalContent(d.Type, r.Content) != d.Content {
		return true
	}
	if r.TTL != d.TTL {
		return true
	}
	if d.Proxied != nil && r.Proxied != *d.Proxied {
		return true
	}
	return false
}

func hostnamePreserved(hostname string, preserved []*storage.PreservedHostname) bool {
	for _, p := range preserved {
		m := types.PreservedHostname{Pattern: p.Pattern}
		if m.MatchesHostname(hostname) {
			return true
		}
	}
	return false
}

func sortActions(actions []Action) {
	sort.Slice(actions, func(i, j int) bool {
		hi, ti := actionKey(actions[i])
		hj, tj := actionKey(actions[j])
		if hi != hj {
			return hi < hj
		}
		return ti < tj
	})
}

func actionKey(a Action) (string, string) {
	if a.Desired != nil {
		return a.Desired.Hostname, string(a.Desired.Type)
	}
	return a.Tracked.Hostname, a.Tracked.RecordType
}
