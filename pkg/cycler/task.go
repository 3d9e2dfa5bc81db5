package cycler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/paulschiretz/pgl-dump/pkg/plog"
	"github.com/paulschiretz/pgl-dump/pkg/storage"
)

// Bucket layouts for calendar slots.
const (
	hourFormat  = "2006-01-02-15"
	dayFormat   = "2006-01-02"
	weekFormat  = "%d-%d" // ISO year and week; time has no layout for it
	monthFormat = "2006-01"
	yearFormat  = "2006"
)

// task holds the state of one pass so the Cycler itself stays stateless.
type task struct {
	*Cycler

	ctx     context.Context
	log     plog.Logger
	storage storage.Storage
	trigger string
	policy  Policy
	now     time.Time

	// generations is sorted newest first.
	generations []storage.Generation
	current     *storage.Generation

	metrics    Metrics
	numWorkers int

	mu     sync.Mutex
	report *Report
}

func (t *task) execute() error {
	toKeep := t.filterToKeep()

	var toDelete []storage.Generation
	for _, g := range t.generations {
		if toKeep[g.Key()] {
			t.report.Kept = append(t.report.Kept, g)
		} else {
			toDelete = append(toDelete, g)
		}
	}

	if len(toDelete) == 0 {
		if t.DryRun {
			t.log.Debug("[DRY RUN] No generations need deletion", "destination", t.storage.ID())
		} else {
			t.log.Debug("No generations need deletion", "destination", t.storage.ID())
		}
		return nil
	}

	t.log.Info("Deleting outdated generations", "destination", t.storage.ID(), "policy", t.policy.String(), "count", len(toDelete))

	t.metrics.StartProgress("Delete progress", 10*time.Second)
	defer func() {
		t.metrics.StopProgress()
		t.metrics.LogSummary("Delete finished")
	}()

	// Buffered to 2x the workers to keep them busy without holding the whole list.
	tasks := make(chan storage.Generation, t.numWorkers*2)
	var wg sync.WaitGroup
	for range t.numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.deleteWorker(tasks)
		}()
	}

	go func() {
		defer close(tasks)
		for _, g := range toDelete {
			select {
			case <-t.ctx.Done():
				t.log.Debug("Cancellation received, stopping deletion feeding")
				return
			case tasks <- g:
			}
		}
	}()

	wg.Wait()
	return t.ctx.Err()
}

func (t *task) deleteWorker(tasks <-chan storage.Generation) {
	for g := range tasks {
		if t.ctx.Err() != nil {
			return
		}

		if t.DryRun {
			t.log.Notice("[DRY RUN] DELETE", "destination", t.storage.ID(), "generation", g.Key())
			t.record(g, nil)
			continue
		}

		t.log.Notice("DELETE", "destination", t.storage.ID(), "generation", g.Key())
		err := t.storage.DeleteGeneration(t.ctx, g)
		if errors.Is(err, storage.ErrGenerationNotFound) {
			t.log.Debug("Generation already gone", "destination", t.storage.ID(), "generation", g.Key())
			err = nil
		}
		if err != nil {
			t.metrics.AddGenerationsFailed(1)
			t.log.Warn("Failed to delete outdated generation", "destination", t.storage.ID(), "generation", g.Key(), "error", err)
		} else {
			t.metrics.AddGenerationsDeleted(1)
		}

		// The generation is processed either way; a half deleted generation must not
		// be offered for restore from the history.
		if t.History != nil {
			if herr := t.History.Remove(t.ctx, t.trigger, t.storage.ID(), g.Timestamp); herr != nil {
				t.log.Warn("Failed to update history", "destination", t.storage.ID(), "generation", g.Key(), "error", herr)
			}
		}
		t.record(g, err)
	}
}

func (t *task) record(g storage.Generation, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.report.Failed = append(t.report.Failed, FailedDeletion{Generation: g, Err: err})
		return
	}
	t.report.Deleted = append(t.report.Deleted, g)
}

// filterToKeep returns the keys of the generations the policy retains.
func (t *task) filterToKeep() map[string]bool {
	toKeep := make(map[string]bool)

	if t.current != nil {
		toKeep[t.current.Key()] = true
	}

	for i, g := range t.generations {
		if i < t.policy.Keep {
			toKeep[g.Key()] = true
		}
		if t.policy.KeepWithin > 0 && !g.Timestamp.Before(t.now.Add(-t.policy.KeepWithin)) {
			toKeep[g.Key()] = true
		}
	}

	savedHourly := make(map[string]bool)
	savedDaily := make(map[string]bool)
	savedWeekly := make(map[string]bool)
	savedMonthly := make(map[string]bool)
	savedYearly := make(map[string]bool)

	for _, g := range t.generations {
		ts := g.Timestamp.UTC()

		// Shortest slot first; a generation kept for one slot is not counted for longer ones.
		hourKey := ts.Format(hourFormat)
		if t.policy.Hours > 0 && len(savedHourly) < t.policy.Hours && !savedHourly[hourKey] {
			toKeep[g.Key()] = true
			savedHourly[hourKey] = true
			continue
		}

		dayKey := ts.Format(dayFormat)
		if t.policy.Days > 0 && len(savedDaily) < t.policy.Days && !savedDaily[dayKey] {
			toKeep[g.Key()] = true
			savedDaily[dayKey] = true
			continue
		}

		year, week := ts.ISOWeek()
		weekKey := fmt.Sprintf(weekFormat, year, week)
		if t.policy.Weeks > 0 && len(savedWeekly) < t.policy.Weeks && !savedWeekly[weekKey] {
			toKeep[g.Key()] = true
			savedWeekly[weekKey] = true
			continue
		}

		monthKey := ts.Format(monthFormat)
		if t.policy.Months > 0 && len(savedMonthly) < t.policy.Months && !savedMonthly[monthKey] {
			toKeep[g.Key()] = true
			savedMonthly[monthKey] = true
			continue
		}

		yearKey := ts.Format(yearFormat)
		if t.policy.Years > 0 && len(savedYearly) < t.policy.Years && !savedYearly[yearKey] {
			toKeep[g.Key()] = true
			savedYearly[yearKey] = true
		}
	}

	var planParts []string
	for _, p := range []struct {
		n     int
		saved map[string]bool
		label string
	}{
		{t.policy.Hours, savedHourly, "hourly"},
		{t.policy.Days, savedDaily, "daily"},
		{t.policy.Weeks, savedWeekly, "weekly"},
		{t.policy.Months, savedMonthly, "monthly"},
		{t.policy.Years, savedYearly, "yearly"},
	} {
		if p.n > 0 {
			planParts = append(planParts, fmt.Sprintf("%d %s", len(p.saved), p.label))
		}
	}
	if len(planParts) > 0 {
		t.log.Debug("Calendar slots", "destination", t.storage.ID(), "details", strings.Join(planParts, ", "))
	}
	t.log.Debug("Total generations to keep", "destination", t.storage.ID(), "count", len(toKeep))
	return toKeep
}
