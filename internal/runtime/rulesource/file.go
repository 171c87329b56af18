// Package rulesource loads routing rules from a file and turns later edits of
// that file into rule-change notifications.
package rulesource

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/drblury/ruleflow/internal/runtime/logging"
	"github.com/drblury/ruleflow/internal/runtime/rules"
)

// RulesKey is the top-level key holding the rule sets.
const RulesKey = "rules"

// DefaultDebounce coalesces the burst of events an editor save produces.
const DefaultDebounce = 100 * time.Millisecond

// File is a rule source backed by a YAML, JSON or TOML file:
//
//	rules:
//	  audit:
//	    - topic: orders
//	      transforms: only-eu
//	      transforms.only-eu.type: filter
//	      transforms.only-eu.path: region
//	      transforms.only-eu.value: eu
//
// Set names are case-insensitive and reported in lower case.
type File struct {
	path     string
	log      logging.ServiceLogger
	Debounce time.Duration

	mu      sync.Mutex
	current map[string][]rules.Rule
}

// NewFile returns a source for path. Nothing is read until Load or Watch.
func NewFile(path string, logger logging.ServiceLogger) (*File, error) {
	if path == "" {
		return nil, errors.New("ruleflow: rules file path is required")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve rules file %s: %w", path, err)
	}
	return &File{
		path:     abs,
		log:      logging.Component(logger, "rulesource").With(logging.LogFields{"path": abs}),
		Debounce: DefaultDebounce,
	}, nil
}

// Path returns the absolute path of the file.
func (f *File) Path() string { return f.path }

// Load reads the file and remembers the result as the baseline for Watch.
func (f *File) Load() (map[string][]rules.Rule, error) {
	sets, err := read(f.path)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.current = sets
	f.mu.Unlock()
	return cloneSets(sets), nil
}

func read(path string) (map[string][]rules.Rule, error) {
	// Rule keys contain dots, so viper must not treat them as nesting.
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read rules file %s: %w", path, err)
	}

	var raw map[string][]map[string]string
	if err := v.UnmarshalKey(RulesKey, &raw); err != nil {
		return nil, fmt.Errorf("decode rules file %s: %w", path, err)
	}

	sets := make(map[string][]rules.Rule, len(raw))
	for name, entries := range raw {
		configs := make([][]rules.KeyValue, 0, len(entries))
		for _, entry := range entries {
			pairs := make([]rules.KeyValue, 0, len(entry))
			for k, v := range entry {
				pairs = append(pairs, rules.KeyValue{Key: k, Value: v})
			}
			configs = append(configs, pairs)
		}
		sets[name] = rules.NewRuleSet(name, configs).Rules
	}
	return sets, nil
}

// Watch reports every change to the file as ADD, UPDATE and DELETE
// notifications relative to the last successful read, until ctx is done.
// A file that fails to parse is logged and ignored.
func (f *File) Watch(ctx context.Context, observer rules.Observer) error {
	if observer == nil {
		return errors.New("ruleflow: rule observer is required")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	// Watch the directory: editors often replace the file instead of writing it.
	if err := w.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watch %q: %w", f.path, err)
	}

	debounce := f.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != f.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			f.log.Error("Rules file watcher error", err, nil)
		case <-timer.C:
			f.reload(observer)
		}
	}
}

func (f *File) reload(observer rules.Observer) {
	next, err := read(f.path)
	if err != nil {
		f.log.Error("Ignoring unreadable rules file", err, nil)
		return
	}

	f.mu.Lock()
	changes := Diff(f.current, next)
	f.current = next
	f.mu.Unlock()

	for _, c := range changes {
		f.log.Info("Rule set changed", logging.LogFields{
			"rule_set": c.Set.Name,
			"kind":     c.Kind.String(),
			"rules":    len(c.Set.Rules),
		})
		observer.OnRuleChanged(c.Set.Name, rules.Configs(c.Set.Rules), c.Kind)
	}
}

// Diff returns the notifications that turn prev into next, ordered by set
// name. A set whose rules changed in any way is one UPDATE; a removed set is
// a DELETE carrying its last rules.
func Diff(prev, next map[string][]rules.Rule) []rules.Change {
	names := make([]string, 0, len(prev)+len(next))
	for name := range prev {
		names = append(names, name)
	}
	for name := range next {
		if _, ok := prev[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var changes []rules.Change
	for _, name := range names {
		before, had := prev[name]
		after, has := next[name]
		switch {
		case !had:
			changes = append(changes, rules.Change{Set: rules.RuleSet{Name: name, Rules: after}, Kind: rules.Add})
		case !has:
			changes = append(changes, rules.Change{Set: rules.RuleSet{Name: name, Rules: before}, Kind: rules.Delete})
		case !sameRules(before, after):
			changes = append(changes, rules.Change{Set: rules.RuleSet{Name: name, Rules: after}, Kind: rules.Update})
		}
	}
	return changes
}

func sameRules(a, b []rules.Rule) bool {
	return slices.Equal(ruleKeys(a), ruleKeys(b))
}

func ruleKeys(rs []rules.Rule) []string {
	keys := make([]string, 0, len(rs))
	for _, r := range rs {
		keys = append(keys, r.Key())
	}
	sort.Strings(keys)
	return slices.Compact(keys)
}

func cloneSets(in map[string][]rules.Rule) map[string][]rules.Rule {
	out := make(map[string][]rules.Rule, len(in))
	for name, rs := range in {
		out[name] = slices.Clone(rs)
	}
	return out
}
