package chain

import (
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/drblury/ruleflow/internal/runtime/logging"
	"github.com/drblury/ruleflow/internal/runtime/rules"
)

// Entry pairs a registered rule with its chain.
type Entry struct {
	Rule  rules.Rule
	Chain *Chain
}

type entries map[string]Entry

// Registry maps rules to compiled chains. Reads load an immutable snapshot;
// writers copy it, so a reader never observes a partial update.
type Registry struct {
	steps *StepRegistry
	log   logging.ServiceLogger

	current atomic.Pointer[entries]
	writeMu sync.Mutex
	builds  singleflight.Group
}

// NewRegistry creates an empty registry that builds steps from steps
// (DefaultSteps when nil).
func NewRegistry(steps *StepRegistry, logger logging.ServiceLogger) *Registry {
	if steps == nil {
		steps = DefaultSteps
	}
	if logger == nil {
		logger = logging.Nop()
	}
	r := &Registry{steps: steps, log: logging.Component(logger, "chain.registry")}
	empty := entries{}
	r.current.Store(&empty)
	return r
}

func (r *Registry) load() entries {
	return *r.current.Load()
}

// InitOrUpdate compiles and registers every rule of ruleSets that is not
// registered yet. Registered rules are left untouched. If any new rule fails
// to compile, nothing from this call is registered and the build errors are
// returned joined.
func (r *Registry) InitOrUpdate(ruleSets map[string][]rules.Rule) error {
	snapshot := r.load()

	pending := make(map[string]rules.Rule)
	for _, set := range ruleSets {
		for _, rule := range set {
			if _, ok := snapshot[rule.Key()]; ok {
				continue
			}
			pending[rule.Key()] = rule
		}
	}
	if len(pending) == 0 {
		return nil
	}

	keys := make([]string, 0, len(pending))
	for key := range pending {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	built := make([]Entry, 0, len(keys))
	var errs []error
	for _, key := range keys {
		rule := pending[key]
		v, err, _ := r.builds.Do(key, func() (any, error) {
			return Build(rule, r.steps)
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		built = append(built, Entry{Rule: rule, Chain: v.(*Chain)})
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		r.log.Error("Rejected rule registration", err, logging.LogFields{"rules": len(keys)})
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	next := make(entries, len(r.load())+len(built))
	for key, entry := range r.load() {
		next[key] = entry
	}
	added := 0
	for _, entry := range built {
		if _, ok := next[entry.Rule.Key()]; ok {
			continue
		}
		next[entry.Rule.Key()] = entry
		added++
	}
	r.current.Store(&next)

	if added > 0 {
		r.log.Info("Registered transform chains", logging.LogFields{"added": added, "total": len(next)})
	}
	return nil
}

// Get returns the chain registered for rule.
func (r *Registry) Get(rule rules.Rule) (*Chain, bool) {
	entry, ok := r.load()[rule.Key()]
	return entry.Chain, ok
}

// Has reports whether rule is registered.
func (r *Registry) Has(rule rules.Rule) bool {
	_, ok := r.load()[rule.Key()]
	return ok
}

// Snapshot returns every entry ordered by rule key.
func (r *Registry) Snapshot() []Entry {
	snapshot := r.load()
	out := make([]Entry, 0, len(snapshot))
	for _, entry := range snapshot {
		out = append(out, entry)
	}
	slices.SortFunc(out, func(a, b Entry) int {
		return strings.Compare(a.Rule.Key(), b.Rule.Key())
	})
	return out
}

// Range calls fn for every entry of the current snapshot, in no particular
// order, until fn returns false. Entries registered or evicted meanwhile are
// not observed.
func (r *Registry) Range(fn func(Entry) bool) {
	for _, entry := range r.load() {
		if !fn(entry) {
			return
		}
	}
}

// Len returns the number of registered rules.
func (r *Registry) Len() int {
	return len(r.load())
}

// Evict removes the given rules and returns how many were registered.
func (r *Registry) Evict(toEvict ...rules.Rule) int {
	if len(toEvict) == 0 {
		return 0
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	current := r.load()
	next := make(entries, len(current))
	for key, entry := range current {
		next[key] = entry
	}
	removed := 0
	for _, rule := range toEvict {
		if _, ok := next[rule.Key()]; ok {
			delete(next, rule.Key())
			removed++
		}
	}
	if removed == 0 {
		return 0
	}
	r.current.Store(&next)
	r.log.Info("Evicted transform chains", logging.LogFields{"removed": removed, "total": len(next)})
	return removed
}
