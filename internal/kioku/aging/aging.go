// Package aging advances slow property changes (rust, wear, decay) on a
// timer. Every change is an ordinary property modification made by the
// "time" actor, so it shows up in object history like any other.
package aging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bdobrica/Kioku/internal/kioku/settings"
	"github.com/bdobrica/Kioku/internal/kioku/world"
)

// Rule raises a numeric property by Step on every tick until it reaches Max.
// Objects without the property are left alone. Set lists extra properties
// written together with the increment.
type Rule struct {
	Property string         `yaml:"property"`
	Step     float64        `yaml:"step"`
	Max      float64        `yaml:"max"`
	Set      map[string]any `yaml:"set"`
}

// DefaultRules is rust_level +2 per tick up to 5, marking the object as
// more rusty.
func DefaultRules() []Rule {
	return []Rule{{
		Property: "rust_level",
		Step:     2,
		Max:      5,
		Set:      map[string]any{"condition": "more_rusty"},
	}}
}

// Validate checks a rule.
func (r Rule) Validate() error {
	if r.Property == "" {
		return &world.ValidationError{Field: "property", Reason: "must not be empty"}
	}
	if r.Step <= 0 {
		return &world.ValidationError{Field: r.Property + ".step", Reason: "must be positive"}
	}
	return nil
}

// World is what the runner reads and writes. *store.Store satisfies it.
type World interface {
	ListObjects(ctx context.Context) ([]world.Object, error)
	ModifyObjectPropertiesFunc(ctx context.Context, objectID, actor string, compute func(world.Object) world.Properties) (bool, error)
}

// Runner applies the rules to every object on each tick.
type Runner struct {
	world    World
	rules    []Rule
	settings settings.Store
	actor    string
	interval time.Duration
	logger   *slog.Logger

	stopMu sync.Mutex
	stopCh chan struct{}
}

// Option configures a Runner.
type Option func(*Runner)

// WithSettings lets aging.<property>.step and aging.<property>.max override
// the configured rule magnitudes at runtime.
func WithSettings(s settings.Store) Option {
	return func(r *Runner) { r.settings = s }
}

// WithActor overrides the actor recorded on aging events.
func WithActor(actor string) Option {
	return func(r *Runner) {
		if actor != "" {
			r.actor = actor
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRunner creates a runner. If interval is zero it defaults to one minute;
// if rules is empty DefaultRules is used.
func NewRunner(w World, rules []Rule, interval time.Duration, opts ...Option) *Runner {
	if interval <= 0 {
		interval = time.Minute
	}
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	r := &Runner{
		world:    w,
		rules:    rules,
		actor:    world.ActorTime,
		interval: interval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run ticks until ctx is cancelled or Stop is called. Call this in a
// goroutine.
func (r *Runner) Run(ctx context.Context) {
	r.stopMu.Lock()
	r.stopCh = make(chan struct{})
	stop := r.stopCh
	r.stopMu.Unlock()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if _, err := r.Tick(ctx); err != nil {
				r.logger.Warn("aging runner: tick failed", "err", err)
			}
		}
	}
}

// Stop signals the runner to stop. Safe to call multiple times.
func (r *Runner) Stop() {
	r.stopMu.Lock()
	defer r.stopMu.Unlock()

	if r.stopCh != nil {
		select {
		case <-r.stopCh:
		default:
			close(r.stopCh)
		}
	}
}

// Tick applies every rule once and returns the number of objects changed.
func (r *Runner) Tick(ctx context.Context) (int, error) {
	objects, err := r.world.ListObjects(ctx)
	if err != nil {
		return 0, fmt.Errorf("aging: list objects: %w", err)
	}

	rules := r.effectiveRules(ctx)
	changed := 0
	for _, obj := range objects {
		// The increment is computed from the object as it is at commit time,
		// so a write made since ListObjects is never overwritten.
		var applied world.Properties
		ok, err := r.world.ModifyObjectPropertiesFunc(ctx, obj.ID, r.actor, func(current world.Object) world.Properties {
			applied = ageUpdates(current, rules)
			return applied
		})
		if err != nil {
			return changed, fmt.Errorf("aging: modify %s: %w", obj.ID, err)
		}
		if ok {
			changed++
			r.logger.Debug("aging runner: aged object", "object_id", obj.ID, "updates", applied.Keys())
		}
	}
	if changed > 0 {
		r.logger.Info("aging runner: tick", "changed", changed)
	}
	return changed, nil
}

// ageUpdates returns the properties rules would write on obj, or nil when no
// rule applies.
func ageUpdates(obj world.Object, rules []Rule) world.Properties {
	var updates world.Properties
	for _, rule := range rules {
		current, ok := obj.Properties.Number(rule.Property)
		if !ok || current >= rule.Max {
			continue
		}
		if updates == nil {
			updates = world.Properties{}
		}
		updates[rule.Property] = min(current+rule.Step, rule.Max)
		for k, v := range rule.Set {
			updates[k] = v
		}
	}
	return updates
}

func (r *Runner) effectiveRules(ctx context.Context) []Rule {
	out := make([]Rule, len(r.rules))
	for i, rule := range r.rules {
		rule.Step = settings.Float(ctx, r.settings, settings.AgingStepKey(rule.Property), rule.Step)
		rule.Max = settings.Float(ctx, r.settings, settings.AgingMaxKey(rule.Property), rule.Max)
		out[i] = rule
	}
	return out
}
