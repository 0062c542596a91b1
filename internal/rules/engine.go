// Package rules runs scheduled automations: each rule has a cron schedule
// and, on firing, publishes a rule.fired event that the uplink and gateway
// translate into device actions.
package rules

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"hearth/internal/config"
	"hearth/internal/eventbus"
	logx "hearth/pkg/logx"
)

// Firing is the bus payload for rule.fired events.
type Firing struct {
	Rule    string
	Target  string
	Action  string
	Payload map[string]any
	At      time.Time
}

type Engine struct {
	bus eventbus.Bus
	log logx.Logger

	parser cron.Parser

	mu      sync.Mutex
	c       *cron.Cron
	running bool
	rules   []config.RuleConfig
	tz      string
}

func New(bus eventbus.Bus, log logx.Logger) *Engine {
	return &Engine{
		bus:    bus,
		log:    log,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate checks every rule's schedule without starting anything. The config
// manager uses it as a pre-commit validator.
func (e *Engine) Validate(cfg config.RulesConfig) error {
	if _, err := loadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("rules.timezone: %w", err)
	}
	for _, r := range cfg.Rules {
		if _, err := e.parser.Parse(r.Schedule); err != nil {
			return fmt.Errorf("rule %q: bad schedule %q: %w", r.Name, r.Schedule, err)
		}
	}
	return nil
}

// Start builds the cron runner from the given rules and starts it.
func (e *Engine) Start(cfg config.RulesConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	if err := e.rebuildLocked(cfg); err != nil {
		return err
	}
	e.c.Start()
	e.running = true
	return nil
}

// Stop halts the runner and waits for in-flight jobs.
func (e *Engine) Stop() {
	e.mu.Lock()
	c := e.c
	e.running = false
	e.c = nil
	e.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// Apply swaps the rule set atomically on config reload. Unchanged inputs are
// a no-op so editor touch events don't restart schedules mid-interval.
func (e *Engine) Apply(cfg config.RulesConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		e.rules = cfg.Rules
		e.tz = cfg.Timezone
		return nil
	}
	if sameRules(e.rules, cfg.Rules) && e.tz == cfg.Timezone {
		return nil
	}

	old := e.c
	if err := e.rebuildLocked(cfg); err != nil {
		e.c = old
		return err
	}
	if old != nil {
		old.Stop()
	}
	e.c.Start()
	if !e.log.IsZero() {
		e.log.Info("rules reloaded", logx.Int("rules", len(cfg.Rules)))
	}
	return nil
}

func (e *Engine) rebuildLocked(cfg config.RulesConfig) error {
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return err
	}
	// SkipIfStillRunning suppresses overlapping firings of the same rule.
	c := cron.New(
		cron.WithParser(e.parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	for _, r := range cfg.Rules {
		rule := r
		if _, err := c.AddFunc(rule.Schedule, func() { e.fire(rule) }); err != nil {
			return fmt.Errorf("rule %q: %w", rule.Name, err)
		}
	}
	e.c = c
	e.rules = cfg.Rules
	e.tz = cfg.Timezone
	return nil
}

func (e *Engine) fire(r config.RuleConfig) {
	if !e.log.IsZero() {
		e.log.Debug("rule fired",
			logx.String("rule", r.Name),
			logx.String("target", r.Target),
			logx.String("action", r.Action))
	}
	e.bus.Publish(eventbus.Event{Kind: eventbus.KindRuleFired, Data: Firing{
		Rule:    r.Name,
		Target:  r.Target,
		Action:  r.Action,
		Payload: r.Payload,
		At:      time.Now(),
	}})
}

// Fire triggers a rule by name immediately, outside its schedule.
func (e *Engine) Fire(name string) bool {
	e.mu.Lock()
	var found *config.RuleConfig
	for i := range e.rules {
		if e.rules[i].Name == name {
			found = &e.rules[i]
			break
		}
	}
	e.mu.Unlock()

	if found == nil {
		return false
	}
	e.fire(*found)
	return true
}

// Rules returns the active rule names.
func (e *Engine) Rules() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.Name
	}
	return out
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

func sameRules(a, b []config.RuleConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name ||
			a[i].Schedule != b[i].Schedule ||
			a[i].Target != b[i].Target ||
			a[i].Action != b[i].Action ||
			len(a[i].Payload) != len(b[i].Payload) {
			return false
		}
	}
	return true
}
