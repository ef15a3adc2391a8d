// Package xds holds the gateway's target/policy config sources: the
// collaborators responsible for keeping the Target Registry (C1) and RBAC
// Engine (C2) current as the outside world changes. Watcher is the default,
// file-based implementation; it has no dependency on a running cluster.
package xds

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/latticemcp/gateway/internal/rbac"
	"github.com/latticemcp/gateway/internal/registry"
)

// debounceInterval coalesces bursts of filesystem events (an editor's
// write-then-rename save pattern) into a single reload.
const debounceInterval = 300 * time.Millisecond

// document is the on-disk shape of the target/policy file.
type document struct {
	Targets []targetSpec `yaml:"targets"`
	Rules   []ruleSpec   `yaml:"rules"`
}

type targetSpec struct {
	Name    string   `yaml:"name"`
	Kind    string   `yaml:"kind"` // "sse" or "stdio"
	Host    string   `yaml:"host"`
	Port    int      `yaml:"port"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
}

func (t targetSpec) toTarget() (registry.Target, error) {
	switch t.Kind {
	case "sse", "":
		return registry.Target{Name: t.Name, Kind: registry.KindSSE, Host: t.Host, Port: t.Port}, nil
	case "stdio":
		return registry.Target{Name: t.Name, Kind: registry.KindStdio, Command: t.Command, Args: t.Args, Env: t.Env}, nil
	default:
		return registry.Target{}, fmt.Errorf("target %q: unknown kind %q", t.Name, t.Kind)
	}
}

type ruleSpec struct {
	Effect               string `yaml:"effect"` // "allow" or "deny"
	Kind                 string `yaml:"kind"`    // "tool", "prompt", "resource"; empty = any
	IDPattern            string `yaml:"id_pattern"`
	RequiredClaimKey     string `yaml:"required_claim_key"`
	RequiredClaimValue   string `yaml:"required_claim_value"`
	RequiredPeerIdentity string `yaml:"required_peer_identity"`
}

func (r ruleSpec) toRule() (rbac.Rule, error) {
	rule := rbac.Rule{
		IDPattern:            r.IDPattern,
		RequiredClaimKey:     r.RequiredClaimKey,
		RequiredClaimValue:   r.RequiredClaimValue,
		RequiredPeerIdentity: r.RequiredPeerIdentity,
	}
	switch r.Effect {
	case "allow":
		rule.Effect = rbac.Allow
	case "deny", "":
		rule.Effect = rbac.Deny
	default:
		return rbac.Rule{}, fmt.Errorf("rule: unknown effect %q", r.Effect)
	}
	switch r.Kind {
	case "":
		// HasKind left false: unconstrained.
	case "tool":
		rule.HasKind, rule.Kind = true, rbac.KindTool
	case "prompt":
		rule.HasKind, rule.Kind = true, rbac.KindPrompt
	case "resource":
		rule.HasKind, rule.Kind = true, rbac.KindResource
	default:
		return rbac.Rule{}, fmt.Errorf("rule: unknown kind %q", r.Kind)
	}
	return rule, nil
}

// Watcher loads a YAML target/policy document from disk and keeps the
// Target Registry and RBAC Engine synchronized with it: an initial load on
// Start, then a debounced reload on every write to the file, grounded on the
// same fsnotify-plus-debounce-timer shape as a hot-reloadable cert watcher.
type Watcher struct {
	path string
	reg  *registry.Registry
	rbac *rbac.Engine

	fsWatcher *fsnotify.Watcher
	stopCh    chan struct{}

	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	mu      sync.Mutex
	current map[string]registry.Target
}

// New builds a Watcher that will reconcile reg and rbacEngine from the
// document at path.
func New(reg *registry.Registry, rbacEngine *rbac.Engine, path string) *Watcher {
	return &Watcher{
		path:    path,
		reg:     reg,
		rbac:    rbacEngine,
		current: make(map[string]registry.Target),
	}
}

// Start performs the initial load and, if possible, begins watching path's
// parent directory for changes. fsnotify failures are logged and otherwise
// ignored: the gateway still runs with whatever configuration loaded, it
// simply won't pick up further edits.
func (w *Watcher) Start() error {
	if err := w.reload(); err != nil {
		return fmt.Errorf("initial load of %s: %w", w.path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("xds: fsnotify unavailable, target/policy file will not hot-reload")
		return nil
	}

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("xds: failed to watch config directory, target/policy file will not hot-reload")
		watcher.Close()
		return nil
	}

	w.fsWatcher = watcher
	w.stopCh = make(chan struct{})
	go w.run()

	log.Info().Str("path", w.path).Msg("xds: watching target/policy file for changes")
	return nil
}

// Stop releases the fsnotify watch. Safe to call on a Watcher that never
// successfully started one.
func (w *Watcher) Stop() {
	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceMu.Unlock()

	if w.fsWatcher == nil {
		return
	}
	close(w.stopCh)
	if err := w.fsWatcher.Close(); err != nil {
		log.Warn().Err(err).Msg("xds: error closing fsnotify watcher")
	}
}

func (w *Watcher) run() {
	base := filepath.Base(w.path)
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("xds: fsnotify error")
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(debounceInterval, func() {
		if err := w.reload(); err != nil {
			log.Error().Err(err).Str("path", w.path).Msg("xds: reload failed, keeping previous configuration")
		}
	})
}

// reload parses the document at w.path and reconciles the registry and RBAC
// engine to match it: targets present before but absent now are removed,
// new or changed targets are put (add or replace), targets whose spec is
// unchanged since the previous load are left as they are, and the rule
// set is swapped in full (§4.2's first-match-wins order is the document's
// own rule order).
func (w *Watcher) reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", w.path, err)
	}

	next := make(map[string]registry.Target, len(doc.Targets))
	for _, spec := range doc.Targets {
		if spec.Name == "" {
			return fmt.Errorf("target with empty name")
		}
		t, err := spec.toTarget()
		if err != nil {
			return err
		}
		next[t.Name] = t
	}

	rules := make([]rbac.Rule, 0, len(doc.Rules))
	for _, spec := range doc.Rules {
		r, err := spec.toRule()
		if err != nil {
			return err
		}
		rules = append(rules, r)
	}

	w.mu.Lock()
	previous := w.current
	w.current = next
	w.mu.Unlock()

	for name := range previous {
		if _, ok := next[name]; !ok {
			w.reg.Remove(name)
			log.Info().Str("target", name).Msg("xds: target removed")
		}
	}
	for name, t := range next {
		old, existed := previous[name]
		if existed && reflect.DeepEqual(old, t) {
			continue
		}
		w.reg.Put(t)
		log.Info().Str("target", name).Bool("replace", existed).Msg("xds: target added or replaced")
	}

	w.rbac.Reload(rules)
	log.Info().Int("rule_count", len(rules)).Msg("xds: policy reloaded")
	return nil
}
