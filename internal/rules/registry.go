package rules

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"sentinel/pkg/models"
)

// Snapshot is an immutable view of the rule set. Evaluation always runs
// against exactly one snapshot.
type Snapshot struct {
	Rules   []models.Rule
	Version int64
}

// Len returns the number of rules in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Rules)
}

// Registry holds the live rule set. Writers are serialized and publish a
// fresh snapshot; readers load the current pointer without locking.
type Registry struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
}

// NewRegistry creates a registry seeded with rules. Every rule must pass
// validation.
func NewRegistry(initial []models.Rule) (*Registry, error) {
	r := &Registry{}
	r.current.Store(&Snapshot{})
	if len(initial) > 0 {
		if err := r.Replace(initial); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Snapshot returns the current rule set.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Get returns a copy of one rule.
func (r *Registry) Get(id string) (models.Rule, bool) {
	for _, rule := range r.Snapshot().Rules {
		if rule.ID == id {
			return rule.Clone(), true
		}
	}
	return models.Rule{}, false
}

// List returns copies of all rules ordered by ID.
func (r *Registry) List() []models.Rule {
	snap := r.Snapshot()
	out := make([]models.Rule, 0, len(snap.Rules))
	for _, rule := range snap.Rules {
		out = append(out, rule.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Create adds a new rule.
func (r *Registry) Create(rule models.Rule) error {
	if err := Validate(rule); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.current.Load()
	for _, existing := range snap.Rules {
		if existing.ID == rule.ID {
			return fmt.Errorf("%w: %s", ErrRuleExists, rule.ID)
		}
	}
	next := make([]models.Rule, 0, len(snap.Rules)+1)
	next = append(next, snap.Rules...)
	next = append(next, rule.Clone())
	r.publish(snap, next)
	return nil
}

// Update replaces the rule with the given ID.
func (r *Registry) Update(id string, rule models.Rule) error {
	if rule.ID == "" {
		rule.ID = id
	}
	if rule.ID != id {
		return &ValidationError{RuleID: id, Field: "id", Message: "rule ID cannot change"}
	}
	if err := Validate(rule); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.current.Load()
	idx := indexOf(snap.Rules, id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	next := append([]models.Rule(nil), snap.Rules...)
	next[idx] = rule.Clone()
	r.publish(snap, next)
	return nil
}

// SetActive toggles a rule without touching its definition.
func (r *Registry) SetActive(id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.current.Load()
	idx := indexOf(snap.Rules, id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	next := append([]models.Rule(nil), snap.Rules...)
	updated := next[idx].Clone()
	updated.Active = active
	next[idx] = updated
	r.publish(snap, next)
	return nil
}

// Delete removes a rule.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.current.Load()
	idx := indexOf(snap.Rules, id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	next := make([]models.Rule, 0, len(snap.Rules)-1)
	next = append(next, snap.Rules[:idx]...)
	next = append(next, snap.Rules[idx+1:]...)
	r.publish(snap, next)
	return nil
}

// Replace swaps the whole rule set atomically. Nothing changes if any
// rule is invalid or IDs repeat.
func (r *Registry) Replace(rules []models.Rule) error {
	seen := make(map[string]struct{}, len(rules))
	next := make([]models.Rule, 0, len(rules))
	for _, rule := range rules {
		if err := Validate(rule); err != nil {
			return err
		}
		if _, dup := seen[rule.ID]; dup {
			return fmt.Errorf("%w: %s", ErrRuleExists, rule.ID)
		}
		seen[rule.ID] = struct{}{}
		next = append(next, rule.Clone())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.publish(r.current.Load(), next)
	return nil
}

func (r *Registry) publish(prev *Snapshot, rules []models.Rule) {
	r.current.Store(&Snapshot{Rules: rules, Version: prev.Version + 1})
}

func indexOf(rules []models.Rule, id string) int {
	for i, rule := range rules {
		if rule.ID == id {
			return i
		}
	}
	return -1
}
