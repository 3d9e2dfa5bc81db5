// --- ARCHITECTURAL OVERVIEW: Cycling ---
//
// Cycling keeps a destination from filling up. After a successful upload the
// job asks the cycler to apply the destination's policy:
//
//   1. List the destination afresh (or read the history when it cannot list).
//   2. Sort by the timestamp embedded in each generation name, newest first.
//   3. Build the keep set:
//        - the generation just uploaded, always;
//        - the newest Keep generations;
//        - everything younger than KeepWithin;
//        - calendar slots: N hourly, daily, ISO-weekly, monthly and yearly
//          generations. A generation fills the shortest slot it qualifies for
//          and is not considered for longer ones ("promotion").
//   4. Delete everything else through a small worker pool.
//
// Slots are computed on UTC timestamps, so the same history produces the same
// plan no matter where the cycler runs. Because the list is fetched on every
// call, running the cycler twice without a new upload deletes nothing the
// second time.

// Package cycler applies retention policies to the generations on a storage.
package cycler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-dump/pkg/hints"
	"github.com/paulschiretz/pgl-dump/pkg/history"
	"github.com/paulschiretz/pgl-dump/pkg/plog"
	"github.com/paulschiretz/pgl-dump/pkg/storage"
)

const defaultNumWorkers = 4

// ErrKeepAll is returned when the policy keeps every generation.
var ErrKeepAll = hints.New("retention policy keeps all generations")

// Policy decides which generations survive. The zero value keeps everything.
type Policy struct {
	Keep       int
	KeepWithin time.Duration
	Hours      int
	Days       int
	Weeks      int
	Months     int
	Years      int
}

// KeepAll reports whether the policy deletes nothing.
func (p Policy) KeepAll() bool {
	return p.Keep <= 0 && p.KeepWithin <= 0 && p.Hours <= 0 && p.Days <= 0 &&
		p.Weeks <= 0 && p.Months <= 0 && p.Years <= 0
}

// String describes the policy for logs.
func (p Policy) String() string {
	var parts []string
	add := func(n int, label string) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, label))
		}
	}
	add(p.Keep, "newest")
	if p.KeepWithin > 0 {
		parts = append(parts, "within "+p.KeepWithin.String())
	}
	add(p.Hours, "hourly")
	add(p.Days, "daily")
	add(p.Weeks, "weekly")
	add(p.Months, "monthly")
	add(p.Years, "yearly")
	if len(parts) == 0 {
		return "keep all"
	}
	return strings.Join(parts, ", ")
}

// FailedDeletion is a generation that could not be deleted.
type FailedDeletion struct {
	Generation storage.Generation
	Err        error
}

// CyclingError reports a cycling pass that did not complete cleanly. Err is set
// when the generations could not be listed at all.
type CyclingError struct {
	DestinationID string
	Failed        []FailedDeletion
	Err           error
}

func (e *CyclingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cycling %q failed: %v", e.DestinationID, e.Err)
	}
	keys := make([]string, len(e.Failed))
	for i, f := range e.Failed {
		keys[i] = fmt.Sprintf("%s (%v)", f.Generation.Key(), f.Err)
	}
	return fmt.Sprintf("cycling %q could not delete %d generation(s): %s", e.DestinationID, len(e.Failed), strings.Join(keys, ", "))
}

func (e *CyclingError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed)+1)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	for _, f := range e.Failed {
		errs = append(errs, f.Err)
	}
	return errs
}

// Report is the outcome of one cycling pass over one destination.
type Report struct {
	DestinationID string
	DryRun        bool
	Kept          []storage.Generation
	// Deleted lists the generations removed, or the ones that would be in a dry run.
	Deleted []storage.Generation
	Failed  []FailedDeletion
}

// Cycler applies policies. It keeps no state between calls and is safe for
// concurrent use across destinations.
type Cycler struct {
	// History is consulted when a storage cannot list and is updated after deletions. Optional.
	History    history.Store
	NumWorkers int
	DryRun     bool
	// Metrics enables counters and periodic progress logging per pass.
	Metrics bool
	Log     plog.Logger
}

// Cycle applies policy to the generations of trigger on st. current is the
// generation just uploaded and is never deleted; it may be nil for a
// standalone pass. now anchors KeepWithin.
func (c *Cycler) Cycle(ctx context.Context, st storage.Storage, trigger string, current *storage.Generation, policy Policy, now time.Time) (*Report, error) {
	log := plog.OrGlobal(c.Log)
	if policy.KeepAll() {
		log.Debug("Retention policy keeps all generations, skipping", "destination", st.ID())
		return nil, ErrKeepAll
	}

	gens, err := c.fetch(ctx, st, trigger)
	if err != nil {
		return nil, &CyclingError{DestinationID: st.ID(), Err: err}
	}
	if current != nil && !containsKey(gens, current.Key()) {
		// Listings can lag behind an upload on eventually consistent stores.
		gens = append(gens, *current)
	}
	storage.SortNewestFirst(gens)

	var m Metrics = &NoopMetrics{}
	if c.Metrics {
		m = &CyclerMetrics{}
	}
	numWorkers := c.NumWorkers
	if numWorkers <= 0 {
		numWorkers = defaultNumWorkers
	}

	t := &task{
		Cycler:      c,
		ctx:         ctx,
		log:         log,
		storage:     st,
		trigger:     trigger,
		policy:      policy,
		now:         now,
		generations: gens,
		current:     current,
		metrics:     m,
		numWorkers:  numWorkers,
		report:      &Report{DestinationID: st.ID(), DryRun: c.DryRun},
	}
	if err := t.execute(); err != nil {
		return t.report, &CyclingError{DestinationID: st.ID(), Err: err}
	}
	if len(t.report.Failed) > 0 {
		return t.report, &CyclingError{DestinationID: st.ID(), Failed: t.report.Failed}
	}
	return t.report, nil
}

// fetch lists the destination, falling back to the history when the backend cannot list.
func (c *Cycler) fetch(ctx context.Context, st storage.Storage, trigger string) ([]storage.Generation, error) {
	gens, err := st.ListGenerations(ctx, trigger)
	if err == nil {
		return gens, nil
	}
	if !hints.Is(err, storage.ErrListUnsupported) || c.History == nil {
		return nil, err
	}
	recs, herr := c.History.List(ctx, trigger, st.ID())
	if herr != nil {
		return nil, errors.Join(err, herr)
	}
	gens = make([]storage.Generation, len(recs))
	for i, r := range recs {
		gens[i] = r.Generation()
	}
	return gens, nil
}

func containsKey(gens []storage.Generation, key string) bool {
	for _, g := range gens {
		if g.Key() == key {
			return true
		}
	}
	return false
}
