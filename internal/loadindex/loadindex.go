// Package loadindex tracks per-claimant counters and the derived
// load classification spec §4.6 describes. It is the one component
// explicitly allowed to be a derived index rather than a pure
// function of the event log (spec §9) — it is rebuilt from ClaimStore
// on demand by the consistency check.
package loadindex

import (
	"context"
	"log"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/steveyegge/swarmguard/internal/claimtypes"
)

// ClaimSource is the subset of claimstore.Store the LoadIndex needs to
// recount from, kept narrow so tests can fake it.
type ClaimSource interface {
	All() []*claimtypes.Claim
}

// Counters is one claimant's raw tallies.
type Counters struct {
	Active    int
	Paused    int
	Blocked   int
	Completed int
}

// Sample is the derived, not-stored LoadSample from spec §3.
type Sample struct {
	ClaimantID     string
	Counters       Counters
	MaxConcurrent  int
	LoadPercentage float64
	Overloaded     bool
	Underloaded    bool
}

// Index maintains incremental per-claimant counters.
type Index struct {
	mu sync.RWMutex

	counts     map[string]*Counters
	maxConcurrent map[string]int

	overloadedPercent  int
	underloadedPercent int

	meter            metric.Meter
	activeGauge      metric.Int64ObservableGauge
	loadPctGauge     metric.Float64ObservableGauge
}

// New creates an Index. overloadedPercent/underloadedPercent are load
// percentages (0-100) at or above / at or below which a claimant is
// classified overloaded/underloaded.
func New(overloadedPercent, underloadedPercent int, meter metric.Meter) *Index {
	idx := &Index{
		counts:             make(map[string]*Counters),
		maxConcurrent:      make(map[string]int),
		overloadedPercent:  overloadedPercent,
		underloadedPercent: underloadedPercent,
		meter:              meter,
	}
	idx.registerMetrics()
	return idx
}

// registerMetrics wires the OTel observable gauges a reader or
// exporter attached to the meter's provider can collect. Registration
// failures are logged, never fatal — telemetry is supplementary.
func (idx *Index) registerMetrics() {
	if idx.meter == nil {
		return
	}
	activeGauge, err := idx.meter.Int64ObservableGauge("swarmguard.claims.active")
	if err != nil {
		log.Printf("loadindex: register active gauge: %v", err)
		return
	}
	loadGauge, err := idx.meter.Float64ObservableGauge("swarmguard.load.percentage")
	if err != nil {
		log.Printf("loadindex: register load gauge: %v", err)
		return
	}
	idx.activeGauge = activeGauge
	idx.loadPctGauge = loadGauge

	_, err = idx.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		idx.mu.RLock()
		defer idx.mu.RUnlock()
		for claimant, c := range idx.counts {
			attr := metric.WithAttributes(attribute.String("claimant", claimant))
			o.ObserveInt64(idx.activeGauge, int64(c.Active), attr)
			o.ObserveFloat64(idx.loadPctGauge, loadPercentage(c, idx.maxConcurrent[claimant]), attr)
		}
		return nil
	}, idx.activeGauge, idx.loadPctGauge)
	if err != nil {
		log.Printf("loadindex: register callback: %v", err)
	}
}

// SetMaxConcurrent records a claimant's concurrency cap, read from
// Claimant.MaxConcurrentClaims at claim time.
func (idx *Index) SetMaxConcurrent(claimantID string, max int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.maxConcurrent[claimantID] = max
}

// OnClaimOpened increments the claimant's active count.
func (idx *Index) OnClaimOpened(claimantID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.counterFor(claimantID).Active++
}

// OnStatusChanged moves a claimant's tally from one status bucket to
// another. Terminal statuses (other than completed) simply drop the
// claim from the active bucket.
func (idx *Index) OnStatusChanged(claimantID string, from, to claimtypes.Status) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	c := idx.counterFor(claimantID)
	idx.decrementBucket(c, from)
	idx.incrementBucket(c, to)
}

// OnClaimClosed removes claimantID's tally for a claim that left the
// live set entirely (release/expire/steal-out), recording a completion
// if it closed via completed.
func (idx *Index) OnClaimClosed(claimantID string, from claimtypes.Status, completed bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	c := idx.counterFor(claimantID)
	idx.decrementBucket(c, from)
	if completed {
		c.Completed++
	}
}

func (idx *Index) counterFor(claimantID string) *Counters {
	c, ok := idx.counts[claimantID]
	if !ok {
		c = &Counters{}
		idx.counts[claimantID] = c
	}
	return c
}

func (idx *Index) incrementBucket(c *Counters, status claimtypes.Status) {
	switch status {
	case claimtypes.StatusActive, claimtypes.StatusHandoffPending, claimtypes.StatusReviewRequested, claimtypes.StatusStealable:
		c.Active++
	case claimtypes.StatusPaused:
		c.Paused++
	case claimtypes.StatusBlocked:
		c.Blocked++
	case claimtypes.StatusCompleted:
		c.Completed++
	}
}

func (idx *Index) decrementBucket(c *Counters, status claimtypes.Status) {
	switch status {
	case claimtypes.StatusActive, claimtypes.StatusHandoffPending, claimtypes.StatusReviewRequested, claimtypes.StatusStealable:
		if c.Active > 0 {
			c.Active--
		}
	case claimtypes.StatusPaused:
		if c.Paused > 0 {
			c.Paused--
		}
	case claimtypes.StatusBlocked:
		if c.Blocked > 0 {
			c.Blocked--
		}
	}
}

// AgentLoad returns the current Sample for claimantID.
func (idx *Index) AgentLoad(claimantID string) Sample {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.sampleLocked(claimantID)
}

// Snapshot returns a Sample for every claimant with a tracked claim or
// a recorded concurrency cap, so an idle claimant with a cap shows up
// at 0% load.
func (idx *Index) Snapshot() []Sample {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]Sample, 0, len(idx.counts))
	for claimant := range idx.counts {
		out = append(out, idx.sampleLocked(claimant))
	}
	for claimant := range idx.maxConcurrent {
		if _, counted := idx.counts[claimant]; !counted {
			out = append(out, idx.sampleLocked(claimant))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClaimantID < out[j].ClaimantID })
	return out
}

func (idx *Index) sampleLocked(claimantID string) Sample {
	c := idx.counts[claimantID]
	if c == nil {
		c = &Counters{}
	}
	max := idx.maxConcurrent[claimantID]
	pct := loadPercentage(c, max)
	return Sample{
		ClaimantID:     claimantID,
		Counters:       *c,
		MaxConcurrent:  max,
		LoadPercentage: pct,
		Overloaded:     pct*100 >= float64(idx.overloadedPercent),
		Underloaded:    pct*100 <= float64(idx.underloadedPercent),
	}
}

func loadPercentage(c *Counters, max int) float64 {
	if max <= 0 {
		return 0
	}
	return float64(c.Active) / float64(max)
}

// Overloaded returns every claimant currently classified overloaded.
func (idx *Index) Overloaded() []Sample {
	return filterSamples(idx.Snapshot(), func(s Sample) bool { return s.Overloaded })
}

// Underloaded returns every claimant currently classified
// underloaded.
func (idx *Index) Underloaded() []Sample {
	return filterSamples(idx.Snapshot(), func(s Sample) bool { return s.Underloaded })
}

func filterSamples(in []Sample, keep func(Sample) bool) []Sample {
	out := make([]Sample, 0, len(in))
	for _, s := range in {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

// Reconcile recounts active claims per claimant directly from source
// and heals any drift, logging a warning when it finds one (spec
// §4.6). Max-concurrent caps are left untouched since ClaimSource
// doesn't carry claimant records.
func (idx *Index) Reconcile(source ClaimSource) {
	fresh := make(map[string]*Counters)
	for _, c := range source.All() {
		if c.Status.Terminal() && c.Status != claimtypes.StatusCompleted {
			continue
		}
		fc, ok := fresh[c.Claimant.ID]
		if !ok {
			fc = &Counters{}
			fresh[c.Claimant.ID] = fc
		}
		idx.incrementBucketStatic(fc, c.Status)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	for claimant, fc := range fresh {
		cur := idx.counts[claimant]
		if cur == nil || *cur != *fc {
			log.Printf("loadindex: healed drift for claimant %s: had %+v, recounted %+v", claimant, cur, fc)
			idx.counts[claimant] = fc
		}
	}
	for claimant, cur := range idx.counts {
		if _, recounted := fresh[claimant]; !recounted && *cur != (Counters{}) {
			log.Printf("loadindex: healed drift for claimant %s: had %+v, recounted none", claimant, cur)
			idx.counts[claimant] = &Counters{}
		}
	}
}

func (idx *Index) incrementBucketStatic(c *Counters, status claimtypes.Status) {
	idx.incrementBucket(c, status)
}
