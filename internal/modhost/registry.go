package modhost

import "fmt"

// ChangeKind enumerates the module registry mutations a ModuleChangeSet may
// carry, embedded inside a governance Manifest per §3.
type ChangeKind string

const (
	ChangeInstall    ChangeKind = "Install"
	ChangeActivate   ChangeKind = "Activate"
	ChangeDeactivate ChangeKind = "Deactivate"
	ChangeUpgrade    ChangeKind = "Upgrade"
)

// Change is one mutation within a ModuleChangeSet.
type Change struct {
	Kind        ChangeKind `cbor:"kind" json:"kind"`
	Manifest    *Manifest  `cbor:"manifest,omitempty" json:"manifest,omitempty"`
	ModuleID    string     `cbor:"module_id,omitempty" json:"module_id,omitempty"`
	Version     string     `cbor:"version,omitempty" json:"version,omitempty"`
	FromVersion string     `cbor:"from_version,omitempty" json:"from_version,omitempty"`
}

// ChangeSet is an ordered list of module registry changes, as embedded in a
// governance Manifest.
type ChangeSet struct {
	Changes []Change `cbor:"changes" json:"changes"`
}

// Record is one registered module version.
type Record struct {
	Manifest Manifest
	Active   bool
}

// Registry holds module records keyed by "module_id@version", enforcing at
// most one active version per module_id.
type Registry struct {
	records map[string]*Record
	active  map[string]string // module_id -> active version
}

// NewRegistry constructs an empty module registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*Record), active: make(map[string]string)}
}

// Get returns the record for "module_id@version", if any.
func (r *Registry) Get(moduleID, version string) (*Record, bool) {
	rec, ok := r.records[moduleID+"@"+version]
	return rec, ok
}

// ActiveVersion returns the currently active version for moduleID, if any.
func (r *Registry) ActiveVersion(moduleID string) (string, bool) {
	v, ok := r.active[moduleID]
	return v, ok
}

// ValidateChangeSet checks the registry-level invariants from §4.2/§8 for
// every change in cs against the registry's current state, without
// mutating it. It processes changes in order so that, e.g., an Install
// followed by an Activate of the same module in one change-set validates.
func (r *Registry) ValidateChangeSet(cs ChangeSet) error {
	sim := r.clone()
	for i, c := range cs.Changes {
		if err := sim.apply(c); err != nil {
			return fmt.Errorf("modhost: change %d (%s): %w", i, c.Kind, err)
		}
	}
	return nil
}

// Apply mutates the registry by cs. Callers must call ValidateChangeSet
// first; Apply does not re-validate.
func (r *Registry) Apply(cs ChangeSet) error {
	for _, c := range cs.Changes {
		if err := r.apply(c); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) clone() *Registry {
	cp := NewRegistry()
	for k, v := range r.records {
		rec := *v
		cp.records[k] = &rec
	}
	for k, v := range r.active {
		cp.active[k] = v
	}
	return cp
}

func (r *Registry) apply(c Change) error {
	switch c.Kind {
	case ChangeInstall:
		if c.Manifest == nil {
			return fmt.Errorf("install requires a manifest")
		}
		key := c.Manifest.Key()
		if _, exists := r.records[key]; exists {
			return fmt.Errorf("module %s already installed", key)
		}
		r.records[key] = &Record{Manifest: *c.Manifest}
		return nil
	case ChangeActivate:
		key := c.ModuleID + "@" + c.Version
		rec, ok := r.records[key]
		if !ok {
			return fmt.Errorf("activate target %s does not exist", key)
		}
		if prev, ok := r.active[c.ModuleID]; ok && prev != c.Version {
			if prevRec, ok := r.records[c.ModuleID+"@"+prev]; ok {
				prevRec.Active = false
			}
		}
		rec.Active = true
		r.active[c.ModuleID] = c.Version
		return nil
	case ChangeDeactivate:
		active, ok := r.active[c.ModuleID]
		if !ok || active != c.Version {
			return fmt.Errorf("deactivate target %s@%s is not currently active", c.ModuleID, c.Version)
		}
		if rec, ok := r.records[c.ModuleID+"@"+c.Version]; ok {
			rec.Active = false
		}
		delete(r.active, c.ModuleID)
		return nil
	case ChangeUpgrade:
		if c.Manifest == nil {
			return fmt.Errorf("upgrade requires a manifest")
		}
		active, ok := r.active[c.ModuleID]
		if !ok || active != c.FromVersion {
			return fmt.Errorf("upgrade from_version %q does not match active version", c.FromVersion)
		}
		key := c.Manifest.Key()
		if _, exists := r.records[key]; exists {
			return fmt.Errorf("module %s already installed", key)
		}
		r.records[key] = &Record{Manifest: *c.Manifest}
		if prevRec, ok := r.records[c.ModuleID+"@"+active]; ok {
			prevRec.Active = false
		}
		r.records[key].Active = true
		r.active[c.ModuleID] = c.Manifest.Version
		return nil
	default:
		return fmt.Errorf("unknown change kind %q", c.Kind)
	}
}
