// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package forwarding

import (
	"strings"
	"sync"

	vmerrors "vmark-noded/internal/errors"
)

// IfindexResolver resolves an OS interface name to its kernel ifindex, as
// the Kernel Binding does. Table needs it only to project MapKeys for
// conflict detection; it never issues kernel calls itself.
type IfindexResolver interface {
	ResolveIfindex(name string) (uint32, error)
}

// Table is the authoritative in-memory model of named forwarding rules. It
// is an ordered mapping (insertion order, for display stability) from name
// to Rule, including the computed inverse rows. All mutating operations
// are serialized by a single mutex (spec §5): every mutation is atomic
// across validate/insert. Persist runs outside that write lock; ordering
// persistence and reconciliation with mutations is ruleapi.Engine's job.
type Table struct {
	mu       sync.RWMutex
	rules    map[string]*Rule
	order    []string
	resolver IfindexResolver
}

// NewTable creates an empty Table. resolver is used only for conflict
// detection's MapKey projection.
func NewTable(resolver IfindexResolver) *Table {
	return &Table{
		rules:    make(map[string]*Rule),
		resolver: resolver,
	}
}

// Upsert validates rule, inserts or replaces it, and regenerates its
// inverse sibling. Conflict detection runs against every other active
// rule's projected MapKey.
func (t *Table) Upsert(rule *Rule) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.upsertLocked(rule)
}

func (t *Table) upsertLocked(rule *Rule) error {
	opts := ValidateOptions{}
	if err := rule.Validate(opts); err != nil {
		return err
	}

	if !rule.AutoInverse {
		if existing, ok := t.rules[EgressPrefix+rule.Name]; ok && existing.AutoInverse && existing.OriginName != rule.Name {
			return vmerrors.Errorf(vmerrors.KindInvalidArgument,
				"name %q collides with the reserved inverse namespace", rule.Name)
		}
	}

	if rule.Active {
		if name, ok := t.findConflict(rule); ok {
			return vmerrors.Attr(vmerrors.Attr(
				vmerrors.Errorf(vmerrors.KindConflict, "rule %q conflicts with rule %q", rule.Name, name),
				"rule_a", name), "rule_b", rule.Name)
		}
	}

	t.insertLocked(rule.Clone())

	if !rule.AutoInverse {
		t.regenerateInverseLocked(rule.Name)
	}

	return nil
}

func (t *Table) insertLocked(rule *Rule) {
	if _, exists := t.rules[rule.Name]; !exists {
		t.order = append(t.order, rule.Name)
	}
	t.rules[rule.Name] = rule
}

// regenerateInverseLocked recomputes egress-<name> from the current state
// of the named user rule (authoritative regeneration, never trusted from
// disk — spec §4.2).
func (t *Table) regenerateInverseLocked(name string) {
	origin, ok := t.rules[name]
	if !ok {
		return
	}
	inv := origin.Inverse()

	if existing, exists := t.rules[inv.Name]; exists && !existing.AutoInverse {
		// A targeted override cleared auto_inverse; the operator owns this
		// row now and it is not regenerated from origin.
		return
	}

	t.insertLocked(inv)
}

// findConflict reports the name of the first other active rule whose
// projected MapKey equals rule's, if any.
func (t *Table) findConflict(rule *Rule) (string, bool) {
	if t.resolver == nil {
		return "", false
	}
	ifindex, err := t.resolver.ResolveIfindex(rule.InInterface)
	if err != nil {
		// Unresolvable interfaces can't collide in the kernel map yet;
		// the reconciler will surface the missing interface separately.
		return "", false
	}
	key := rule.ProjectKey(ifindex)

	for _, other := range t.rules {
		if other.Name == rule.Name || !other.Active {
			continue
		}
		otherIfindex, err := t.resolver.ResolveIfindex(other.InInterface)
		if err != nil {
			continue
		}
		if other.ProjectKey(otherIfindex) == key {
			return other.Name, true
		}
	}
	return "", false
}

// Delete removes name and its inverse. It fails if the rule is still
// active, and always fails for an auto-generated inverse (its origin must
// be deleted instead).
func (t *Table) Delete(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rule, ok := t.rules[name]
	if !ok {
		return vmerrors.Errorf(vmerrors.KindNotFound, "rule %q not found", name)
	}
	if rule.AutoInverse {
		return vmerrors.Errorf(vmerrors.KindStateViolation,
			"%q is an auto-generated inverse of %q; delete the origin instead", name, rule.OriginName)
	}
	if rule.Active {
		return vmerrors.Errorf(vmerrors.KindStateViolation, "rule %q is active; disable it before deleting", name)
	}

	t.removeLocked(name)
	t.removeLocked(EgressPrefix + name)
	return nil
}

func (t *Table) removeLocked(name string) {
	if _, ok := t.rules[name]; !ok {
		return
	}
	delete(t.rules, name)
	for i, n := range t.order {
		if n == name {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Enable flips name's active flag on, cascading to its inverse, after
// re-running conflict detection.
func (t *Table) Enable(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setActiveLocked(name, true)
}

// Disable flips name's active flag off, cascading to its inverse.
func (t *Table) Disable(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setActiveLocked(name, false)
}

func (t *Table) setActiveLocked(name string, active bool) error {
	rule, ok := t.rules[name]
	if !ok {
		return vmerrors.Errorf(vmerrors.KindNotFound, "rule %q not found", name)
	}
	origin := rule
	if rule.AutoInverse {
		origin, ok = t.rules[rule.OriginName]
		if !ok {
			return vmerrors.Errorf(vmerrors.KindNotFound, "origin rule %q not found", rule.OriginName)
		}
	}

	if origin.Active == active {
		return vmerrors.Errorf(vmerrors.KindStateViolation, "rule %q is already %s", origin.Name, activeWord(active))
	}

	candidate := origin.Clone()
	candidate.Active = active
	if active {
		if name, ok := t.findConflictExcluding(candidate, origin.Name); ok {
			return vmerrors.Attr(vmerrors.Attr(
				vmerrors.Errorf(vmerrors.KindConflict, "rule %q conflicts with rule %q", origin.Name, name),
				"rule_a", name), "rule_b", origin.Name)
		}
	}

	origin.Active = active
	if inv, ok := t.rules[EgressPrefix+origin.Name]; ok {
		inv.Active = active
	}
	return nil
}

func (t *Table) findConflictExcluding(rule *Rule, exclude string) (string, bool) {
	if t.resolver == nil {
		return "", false
	}
	ifindex, err := t.resolver.ResolveIfindex(rule.InInterface)
	if err != nil {
		return "", false
	}
	key := rule.ProjectKey(ifindex)

	for _, other := range t.rules {
		if other.Name == rule.Name || other.Name == exclude || !other.Active {
			continue
		}
		otherIfindex, err := t.resolver.ResolveIfindex(other.InInterface)
		if err != nil {
			continue
		}
		if other.ProjectKey(otherIfindex) == key {
			return other.Name, true
		}
	}
	return "", false
}

func activeWord(active bool) string {
	if active {
		return "enabled"
	}
	return "disabled"
}

// List returns an insertion-ordered snapshot of every rule, including
// inverses.
func (t *Table) List() []*Rule {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Rule, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.rules[name].Clone())
	}
	return out
}

// Get returns a copy of the named rule.
func (t *Table) Get(name string) (*Rule, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rule, ok := t.rules[name]
	if !ok {
		return nil, vmerrors.Errorf(vmerrors.KindNotFound, "rule %q not found", name)
	}
	return rule.Clone(), nil
}

// UserRules returns an insertion-ordered snapshot of only the user-created
// rules (no inverses) — the shape persisted to disk.
func (t *Table) UserRules() []*Rule {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Rule, 0, len(t.order))
	for _, name := range t.order {
		r := t.rules[name]
		if !r.AutoInverse {
			out = append(out, r.Clone())
		}
	}
	return out
}

// snapshotLocked returns a deep copy of the entire internal state, used by
// the reconciler to roll back a failed mutation.
func (t *Table) snapshotLocked() ([]string, map[string]*Rule) {
	order := append([]string(nil), t.order...)
	rules := make(map[string]*Rule, len(t.rules))
	for k, v := range t.rules {
		rules[k] = v.Clone()
	}
	return order, rules
}

// Snapshot captures the current state for later restoration via Restore.
func (t *Table) Snapshot() TableSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	order, rules := t.snapshotLocked()
	return TableSnapshot{order: order, rules: rules}
}

// Restore replaces the table's contents with a previously captured
// Snapshot. Used by the reconciler to roll back after a kernel failure.
func (t *Table) Restore(snap TableSnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.order = append([]string(nil), snap.order...)
	t.rules = make(map[string]*Rule, len(snap.rules))
	for k, v := range snap.rules {
		t.rules[k] = v.Clone()
	}
}

// TableSnapshot is an opaque, restorable copy of a Table's state.
type TableSnapshot struct {
	order []string
	rules map[string]*Rule
}

// ShowFilter selects which rows ShowForwarding-style queries return.
type ShowFilter struct {
	Name string // rule name, matched case-insensitively, or "" for all
}

// Filtered returns List() narrowed by filter.
func (t *Table) Filtered(filter ShowFilter) []*Rule {
	all := t.List()
	if filter.Name == "" {
		return all
	}
	out := make([]*Rule, 0, 1)
	for _, r := range all {
		if r.Name == filter.Name || strings.EqualFold(r.Name, filter.Name) {
			out = append(out, r)
		}
	}
	return out
}
