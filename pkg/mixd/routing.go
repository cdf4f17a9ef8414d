package mixd

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// OverrideStore persists user routing overrides. Satisfied by ConfigManager
type OverrideStore interface {
	SaveOverrides(overrides map[string]string) error
}

// Router decides which sink a newly observed stream belongs on.
// The user override table always wins; failing that, built-in substring
// patterns are scanned in their configured priority order; failing that,
// the configured default sink applies
type Router struct {
	logger *zap.SugaredLogger
	store  OverrideStore

	mu          sync.RWMutex
	overrides   map[string]string
	rules       []RuleConfig
	defaultSink string
}

func NewRouter(logger *zap.SugaredLogger, store OverrideStore, conf *Config) *Router {
	logger = logger.Named("routing")

	r := &Router{
		logger: logger,
		store:  store,
	}
	r.ReloadFrom(conf)

	logger.Debugw("Created router instance",
		"rules", len(conf.Routing.Rules), "overrides", len(conf.Overrides))

	return r
}

// ReloadFrom replaces the rule set and override table from a freshly
// loaded configuration
func (r *Router) ReloadFrom(conf *Config) {
	overrides := make(map[string]string, len(conf.Overrides))
	for app, sink := range conf.Overrides {
		overrides[strings.ToLower(app)] = sink
	}

	rules := make([]RuleConfig, len(conf.Routing.Rules))
	copy(rules, conf.Routing.Rules)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.overrides = overrides
	r.rules = rules
	r.defaultSink = conf.Routing.DefaultSink
}

// Route picks the target sink for a process identity. Called at most once
// per stream lifetime - any later move is user-initiated and goes through
// SetOverride instead
func (r *Router) Route(identity string) string {
	key := strings.ToLower(identity)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if sink, ok := r.overrides[key]; ok {
		r.logger.Debugw("Routing by user override", "app", identity, "sink", sink)
		return sink
	}

	for _, rule := range r.rules {
		if strings.Contains(key, rule.Pattern) {
			r.logger.Debugw("Routing by built-in rule",
				"app", identity, "pattern", rule.Pattern, "sink", rule.Sink)
			return rule.Sink
		}
	}

	r.logger.Debugw("Routing to default sink", "app", identity, "sink", r.defaultSink)

	return r.defaultSink
}

// SetOverride records a user-initiated routing decision and persists it
// immediately, last-writer-wins
func (r *Router) SetOverride(app, sink string) error {
	key := strings.ToLower(app)

	r.mu.Lock()
	r.overrides[key] = sink

	persisted := make(map[string]string, len(r.overrides))
	for k, v := range r.overrides {
		persisted[k] = v
	}
	r.mu.Unlock()

	if err := r.store.SaveOverrides(persisted); err != nil {
		return fmt.Errorf("persist routing override: %w", err)
	}

	return nil
}

// Override reports the persisted override for an identity, if any
func (r *Router) Override(identity string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sink, ok := r.overrides[strings.ToLower(identity)]

	return sink, ok
}
