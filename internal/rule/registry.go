package rule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/cadencelabs/autopath/internal/fault"
)

// Store persists rule versions. Implemented by internal/store.
type Store interface {
	// InsertRuleVersion appends a new immutable version row.
	InsertRuleVersion(ctx context.Context, r *Rule) error

	// UpdateRuleMode patches the mode of one version. This is the only
	// non-append write in the registry, used when operators disable a rule.
	UpdateRuleMode(ctx context.Context, id string, version int, mode Mode) error

	// ListRuleVersions returns all versions of a rule, oldest first.
	ListRuleVersions(ctx context.Context, id string) ([]*Rule, error)

	// ListAllRules returns every stored version, used to rebuild the
	// registry at startup.
	ListAllRules(ctx context.Context) ([]*Rule, error)
}

// Snapshot is an immutable view of the latest rule versions. Evaluators
// hold a snapshot for the duration of one evaluation and never observe
// a partially updated registry.
type Snapshot struct {
	rules     map[string]*Rule
	byTrigger map[string][]*Rule
}

// Rule returns the latest version of a rule.
func (s *Snapshot) Rule(id string) (*Rule, bool) {
	r, ok := s.rules[id]
	return r, ok
}

// ByTrigger returns the latest rule versions whose trigger type matches
// the given fact type.
func (s *Snapshot) ByTrigger(factType string) []*Rule {
	return s.byTrigger[factType]
}

// All returns the latest version of every rule.
func (s *Snapshot) All() []*Rule {
	out := make([]*Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	return out
}

// Registry is the versioned rule store. Reads go through copy-on-write
// snapshots; the only serialized mutations are version inserts and
// operator mode changes.
type Registry struct {
	store  Store
	logger *zap.Logger

	mu       sync.Mutex // serializes mutations
	snapshot atomic.Pointer[Snapshot]
}

// NewRegistry creates an empty registry backed by the given store.
func NewRegistry(store Store, logger *zap.Logger) (*Registry, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{store: store, logger: logger}
	r.snapshot.Store(&Snapshot{
		rules:     map[string]*Rule{},
		byTrigger: map[string][]*Rule{},
	})
	return r, nil
}

// Load rebuilds the in-memory snapshot from the store. Called once at
// startup before the engine starts evaluating.
func (g *Registry) Load(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	all, err := g.store.ListAllRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	latest := make(map[string]*Rule)
	for _, r := range all {
		if cur, ok := latest[r.ID]; !ok || r.Version > cur.Version {
			latest[r.ID] = r
		}
	}
	g.swap(latest)

	g.logger.Info("loaded rule registry", zap.Int("rules", len(latest)))
	return nil
}

// Snapshot returns the current immutable view.
func (g *Registry) Snapshot() *Snapshot {
	return g.snapshot.Load()
}

// NextVersion returns the version number the next insert for this rule
// ID must carry.
func (g *Registry) NextVersion(id string) int {
	if r, ok := g.Snapshot().Rule(id); ok {
		return r.Version + 1
	}
	return 1
}

// Insert appends a new rule version. The version must be exactly one
// past the latest; anything else is a fault.ConcurrencyConflict and the
// caller must recompute against the latest snapshot.
func (g *Registry) Insert(ctx context.Context, r *Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	snap := g.snapshot.Load()
	latestVersion := 0
	if cur, ok := snap.rules[r.ID]; ok {
		latestVersion = cur.Version
	}
	if r.Version != latestVersion+1 {
		return &fault.ConcurrencyConflict{
			RuleID:        r.ID,
			LatestVersion: latestVersion,
			Detail:        fmt.Sprintf("version %d is not latest+1", r.Version),
		}
	}

	if err := g.store.InsertRuleVersion(ctx, r); err != nil {
		return fmt.Errorf("failed to persist rule version: %w", err)
	}

	latest := copyRules(snap.rules)
	latest[r.ID] = r
	g.swap(latest)

	g.logger.Info("inserted rule version",
		zap.String("rule_id", r.ID),
		zap.Int("version", r.Version),
		zap.String("mode", string(r.Mode)),
		zap.String("trigger", r.Trigger.String()))
	return nil
}

// SetMode applies an operator mode change to the latest version.
//
// Allowed transitions: any → disabled. Promotion to auto goes through
// the promotion gate, which inserts a new version; re-enabling a
// disabled rule requires recompilation. Everything else is rejected.
func (g *Registry) SetMode(ctx context.Context, id string, mode Mode, operatorID string) error {
	if mode != ModeDisabled {
		return fmt.Errorf("mode %q cannot be set directly: promotion to auto goes through the gate", mode)
	}
	if operatorID == "" {
		return errors.New("operator_id is required to disable a rule")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	snap := g.snapshot.Load()
	cur, ok := snap.rules[id]
	if !ok {
		return errors.New("rule not found: " + id)
	}
	if cur.Mode == ModeDisabled {
		return nil // idempotent
	}

	if err := g.store.UpdateRuleMode(ctx, id, cur.Version, ModeDisabled); err != nil {
		return fmt.Errorf("failed to persist mode change: %w", err)
	}

	updated := cur.Clone()
	updated.Mode = ModeDisabled

	latest := copyRules(snap.rules)
	latest[id] = updated
	g.swap(latest)

	g.logger.Warn("rule disabled",
		zap.String("rule_id", id),
		zap.Int("version", cur.Version),
		zap.String("operator_id", operatorID))
	return nil
}

// Versions returns the full audit history of a rule, oldest first.
func (g *Registry) Versions(ctx context.Context, id string) ([]*Rule, error) {
	return g.store.ListRuleVersions(ctx, id)
}

// ListByMode returns the latest version of every rule in the given
// mode; an empty mode returns all.
func (g *Registry) ListByMode(mode Mode) []*Rule {
	var out []*Rule
	for _, r := range g.Snapshot().All() {
		if mode == "" || r.Mode == mode {
			out = append(out, r)
		}
	}
	return out
}

// swap publishes a new snapshot built from the latest-version map.
// Callers hold g.mu.
func (g *Registry) swap(latest map[string]*Rule) {
	byTrigger := make(map[string][]*Rule)
	for _, r := range latest {
		byTrigger[r.TriggerType] = append(byTrigger[r.TriggerType], r)
	}
	g.snapshot.Store(&Snapshot{rules: latest, byTrigger: byTrigger})
}

func copyRules(in map[string]*Rule) map[string]*Rule {
	out := make(map[string]*Rule, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
