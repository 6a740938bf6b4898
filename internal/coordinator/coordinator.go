// Package coordinator assembles every component into one running
// instance, the way bd's createIssuesCommand wires a storage backend,
// an event bus, and a policy engine into a single object a caller can
// invoke operations against.
package coordinator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/steveyegge/swarmguard/internal/claimmanager"
	"github.com/steveyegge/swarmguard/internal/claimstore"
	"github.com/steveyegge/swarmguard/internal/clock"
	"github.com/steveyegge/swarmguard/internal/config"
	"github.com/steveyegge/swarmguard/internal/eventbus"
	"github.com/steveyegge/swarmguard/internal/eventlog"
	"github.com/steveyegge/swarmguard/internal/expirydriver"
	"github.com/steveyegge/swarmguard/internal/idgen"
	"github.com/steveyegge/swarmguard/internal/keyedmutex"
	"github.com/steveyegge/swarmguard/internal/loadindex"
	"github.com/steveyegge/swarmguard/internal/rebalancer"
	"github.com/steveyegge/swarmguard/internal/stealengine"
	"github.com/steveyegge/swarmguard/internal/toolsurface"
)

// Coordinator is the fully wired instance: every component sharing the
// same ClaimStore, EventLog, LoadIndex, EventBus, Clock, and
// per-issue lock map, fronted by the ToolSurface.
type Coordinator struct {
	Cfg     *config.Config
	Store   *claimstore.Store
	Log     *eventlog.Log
	Load    *loadindex.Index
	Bus     *eventbus.Bus
	Clock   clock.Clock
	Locks   *keyedmutex.Map
	Manager *claimmanager.Manager
	Steal   *stealengine.Engine
	Reb     *rebalancer.Rebalancer
	Expiry  *expirydriver.Driver
	Surface *toolsurface.Surface
}

// Option customizes construction; New applies defaults first.
type Option func(*options)

type options struct {
	clock     clock.Clock
	meter     metric.Meter
	idPrefix  string
	tick      time.Duration
}

// WithClock overrides the real clock, for deterministic tests.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithMeter wires an OpenTelemetry meter for the LoadIndex's
// observable gauges. Omitted, metrics are simply not recorded.
func WithMeter(m metric.Meter) Option {
	return func(o *options) { o.meter = m }
}

// WithIDPrefix sets the claim/event id prefix (default "sg").
func WithIDPrefix(prefix string) Option {
	return func(o *options) { o.idPrefix = prefix }
}

// WithScanInterval overrides the ExpiryDriver's tick (default 1s).
func WithScanInterval(d time.Duration) Option {
	return func(o *options) { o.tick = d }
}

// New assembles a Coordinator from cfg and the given options.
func New(cfg config.Config, opts ...Option) *Coordinator {
	o := &options{idPrefix: "sg"}
	for _, apply := range opts {
		apply(o)
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}

	store := claimstore.New()
	log_ := eventlog.New()
	load := loadindex.New(cfg.OverloadedPercent, cfg.UnderloadedPercent, o.meter)
	bus := eventbus.New()
	locks := keyedmutex.New()
	ids := idgen.New(o.idPrefix)
	cfgPtr := &cfg

	mgr := claimmanager.New(store, log_, load, bus, o.clock, ids, cfgPtr, locks)
	steal := stealengine.New(store, log_, load, bus, o.clock, ids, cfgPtr, locks)
	reb := rebalancer.New(store, log_, load, bus, o.clock, ids, cfgPtr, locks)
	expiry := expirydriver.New(store, mgr, steal, load, o.clock, cfgPtr, o.tick)
	surface := toolsurface.New(mgr, steal, reb, load, log_, store, cfgPtr)

	return &Coordinator{
		Cfg:     cfgPtr,
		Store:   store,
		Log:     log_,
		Load:    load,
		Bus:     bus,
		Clock:   o.clock,
		Locks:   locks,
		Manager: mgr,
		Steal:   steal,
		Reb:     reb,
		Expiry:  expiry,
		Surface: surface,
	}
}

// Run starts the ExpiryDriver's scan loop and blocks until ctx is
// canceled. Callers that want the timer-driven rebalance pass on top
// of demand-triggered swarm_rebalance calls should run RunRebalanceLoop
// alongside this in its own goroutine.
func (c *Coordinator) Run(ctx context.Context) {
	c.Expiry.Run(ctx)
}

// RunRebalanceLoop fires RunPass on the configured interval until ctx
// is canceled, the timer-driven half of spec §4.4 (alongside the
// on-demand swarm_rebalance operation the ToolSurface exposes).
func (c *Coordinator) RunRebalanceLoop(ctx context.Context) {
	interval := c.Cfg.RebalanceInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Clock.After(interval):
			if _, err := c.Reb.RunPass(ctx, c.Cfg.DefaultStrategy, false); err != nil {
				// A cooldown-in-progress error just means the timer fired
				// again before the last applied pass's cooldown expired.
				continue
			}
		}
	}
}
