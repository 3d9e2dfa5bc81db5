package cycler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-dump/pkg/hints"
	"github.com/paulschiretz/pgl-dump/pkg/history"
	"github.com/paulschiretz/pgl-dump/pkg/packager"
	"github.com/paulschiretz/pgl-dump/pkg/storage"
)

// memStorage keeps generations in memory.
type memStorage struct {
	mu          sync.Mutex
	gens        map[string]storage.Generation
	failDelete  map[string]bool
	unsupported bool
	deletes     int
}

func newMemStorage(ts ...time.Time) *memStorage {
	m := &memStorage{gens: make(map[string]storage.Generation), failDelete: make(map[string]bool)}
	for _, t := range ts {
		m.add(t)
	}
	return m
}

func (m *memStorage) add(ts time.Time) storage.Generation {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := storage.Generation{Trigger: "nightly", Timestamp: ts.UTC(), DestinationID: "mem"}
	m.gens[g.Key()] = g
	return g
}

func (m *memStorage) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.gens {
		keys = append(keys, k)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	return keys
}

func (m *memStorage) ID() string { return "mem" }

func (m *memStorage) Upload(ctx context.Context, pkg *packager.Package) (storage.Generation, error) {
	return m.add(pkg.Timestamp), nil
}

func (m *memStorage) ListGenerations(ctx context.Context, trigger string) ([]storage.Generation, error) {
	if m.unsupported {
		return nil, storage.ErrListUnsupported
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Generation
	for _, g := range m.gens {
		out = append(out, g)
	}
	storage.SortNewestFirst(out)
	return out, nil
}

func (m *memStorage) DeleteGeneration(ctx context.Context, gen storage.Generation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	if m.failDelete[gen.Key()] {
		return errors.New("permission denied")
	}
	if _, ok := m.gens[gen.Key()]; !ok {
		return storage.ErrGenerationNotFound
	}
	delete(m.gens, gen.Key())
	return nil
}

var base = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func hoursAgo(h int) time.Time { return base.Add(-time.Duration(h) * time.Hour) }

func TestCycle_KeepNewest(t *testing.T) {
	st := newMemStorage(hoursAgo(3), hoursAgo(2), hoursAgo(1))
	current := storage.Generation{Trigger: "nightly", Timestamp: hoursAgo(1)}

	c := &Cycler{}
	rep, err := c.Cycle(context.Background(), st, "nightly", &current, Policy{Keep: 2}, base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rep.Deleted) != 1 || rep.Deleted[0].Key() != packager.FormatTimestamp(hoursAgo(3)) {
		t.Errorf("expected the oldest generation to be deleted, got %+v", rep.Deleted)
	}
	if len(rep.Kept) != 2 {
		t.Errorf("expected 2 kept, got %d", len(rep.Kept))
	}
	if got := st.keys(); len(got) != 2 || got[1] != packager.FormatTimestamp(hoursAgo(2)) {
		t.Errorf("unexpected remaining generations: %v", got)
	}
}

func TestCycle_NeverDeletesCurrent(t *testing.T) {
	// The current generation is older than the others, e.g. after a clock correction.
	st := newMemStorage(hoursAgo(1), hoursAgo(2), hoursAgo(10))
	current := storage.Generation{Trigger: "nightly", Timestamp: hoursAgo(10)}

	rep, err := (&Cycler{}).Cycle(context.Background(), st, "nightly", &current, Policy{Keep: 1}, base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	remaining := st.keys()
	if len(remaining) != 2 {
		t.Fatalf("expected newest and current to remain, got %v", remaining)
	}
	for _, d := range rep.Deleted {
		if d.Key() == current.Key() {
			t.Fatal("current generation was deleted")
		}
	}
}

func TestCycle_CurrentMissingFromListing(t *testing.T) {
	st := newMemStorage(hoursAgo(5), hoursAgo(4))
	current := storage.Generation{Trigger: "nightly", Timestamp: hoursAgo(1)}

	rep, err := (&Cycler{}).Cycle(context.Background(), st, "nightly", &current, Policy{Keep: 2}, base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rep.Deleted) != 1 || rep.Deleted[0].Key() != packager.FormatTimestamp(hoursAgo(5)) {
		t.Errorf("expected current to count towards keep, got deleted %+v", rep.Deleted)
	}
}

func TestCycle_Idempotent(t *testing.T) {
	st := newMemStorage(hoursAgo(4), hoursAgo(3), hoursAgo(2), hoursAgo(1))
	c := &Cycler{}
	if _, err := c.Cycle(context.Background(), st, "nightly", nil, Policy{Keep: 2}, base); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	deletes := st.deletes
	rep, err := c.Cycle(context.Background(), st, "nightly", nil, Policy{Keep: 2}, base)
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if len(rep.Deleted) != 0 || st.deletes != deletes {
		t.Errorf("expected second pass to delete nothing, deleted %d", len(rep.Deleted))
	}
}

func TestCycle_KeepAll(t *testing.T) {
	st := newMemStorage(hoursAgo(2), hoursAgo(1))
	_, err := (&Cycler{}).Cycle(context.Background(), st, "nightly", nil, Policy{}, base)
	if !errors.Is(err, ErrKeepAll) || !hints.IsHint(err) {
		t.Errorf("expected ErrKeepAll hint, got %v", err)
	}
	if len(st.keys()) != 2 {
		t.Error("expected nothing to be deleted")
	}
}

func TestCycle_DeleteFailureIsReported(t *testing.T) {
	st := newMemStorage(hoursAgo(4), hoursAgo(3), hoursAgo(2), hoursAgo(1))
	st.failDelete[packager.FormatTimestamp(hoursAgo(4))] = true

	hist := history.NewYAMLStore(t.TempDir())
	for _, h := range []int{4, 3, 2, 1} {
		rec := history.Record{Trigger: "nightly", Destination: "mem", Timestamp: hoursAgo(h)}
		if err := hist.Append(context.Background(), rec); err != nil {
			t.Fatal(err)
		}
	}

	rep, err := (&Cycler{History: hist}).Cycle(context.Background(), st, "nightly", nil, Policy{Keep: 2}, base)
	var ce *CyclingError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CyclingError, got %v", err)
	}
	if len(ce.Failed) != 1 || ce.Failed[0].Generation.Key() != packager.FormatTimestamp(hoursAgo(4)) {
		t.Errorf("unexpected failures: %+v", ce.Failed)
	}
	if len(rep.Deleted) != 1 {
		t.Errorf("expected the other deletion to proceed, got %d", len(rep.Deleted))
	}

	recs, _ := hist.List(context.Background(), "nightly", "mem")
	if len(recs) != 2 {
		t.Errorf("expected failed and deleted generations to leave the history, got %d records", len(recs))
	}
}

func TestCycle_AlreadyGoneCountsAsDeleted(t *testing.T) {
	st := newMemStorage(hoursAgo(2), hoursAgo(1))
	st.unsupported = true

	hist := history.NewYAMLStore(t.TempDir())
	for _, h := range []int{3, 2, 1} {
		if err := hist.Append(context.Background(), history.Record{Trigger: "nightly", Destination: "mem", Timestamp: hoursAgo(h)}); err != nil {
			t.Fatal(err)
		}
	}

	// The history still knows hoursAgo(3), the storage does not.
	rep, err := (&Cycler{History: hist}).Cycle(context.Background(), st, "nightly", nil, Policy{Keep: 1}, base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rep.Deleted) != 2 {
		t.Errorf("expected 2 deletions, got %+v", rep.Deleted)
	}
	recs, _ := hist.List(context.Background(), "nightly", "mem")
	if len(recs) != 1 {
		t.Errorf("expected history to keep only the newest, got %d", len(recs))
	}
}

func TestCycle_ListFailureWithoutHistory(t *testing.T) {
	st := newMemStorage(hoursAgo(1))
	st.unsupported = true
	_, err := (&Cycler{}).Cycle(context.Background(), st, "nightly", nil, Policy{Keep: 1}, base)
	var ce *CyclingError
	if !errors.As(err, &ce) || ce.Err == nil {
		t.Fatalf("expected listing CyclingError, got %v", err)
	}
}

func TestCycle_DryRun(t *testing.T) {
	st := newMemStorage(hoursAgo(3), hoursAgo(2), hoursAgo(1))
	rep, err := (&Cycler{DryRun: true}).Cycle(context.Background(), st, "nightly", nil, Policy{Keep: 1}, base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rep.DryRun || len(rep.Deleted) != 2 {
		t.Errorf("expected 2 would-be deletions, got %+v", rep)
	}
	if len(st.keys()) != 3 || st.deletes != 0 {
		t.Error("dry run must not delete")
	}
}

func TestCycle_KeepWithin(t *testing.T) {
	st := newMemStorage(hoursAgo(50), hoursAgo(30), hoursAgo(10), hoursAgo(1))
	rep, err := (&Cycler{}).Cycle(context.Background(), st, "nightly", nil, Policy{KeepWithin: 24 * time.Hour}, base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rep.Deleted) != 2 || len(rep.Kept) != 2 {
		t.Errorf("expected generations older than 24h to go, got kept=%d deleted=%d", len(rep.Kept), len(rep.Deleted))
	}
}

func TestCycle_Metrics(t *testing.T) {
	st := newMemStorage(hoursAgo(3), hoursAgo(2), hoursAgo(1))
	rep, err := (&Cycler{Metrics: true, NumWorkers: 1}).Cycle(context.Background(), st, "nightly", nil, Policy{Keep: 1}, base)
	if err != nil || len(rep.Deleted) != 2 {
		t.Fatalf("unexpected result: %+v, %v", rep, err)
	}
}

func TestFilterToKeep_Calendar(t *testing.T) {
	named := map[string]time.Time{
		"hourly_1":  base.Add(-1 * time.Hour),
		"hourly_2":  base.Add(-2 * time.Hour),
		"daily_1":   base.Add(-25 * time.Hour),
		"daily_2":   base.Add(-50 * time.Hour),
		"weekly_1":  base.Add(-8 * 24 * time.Hour),
		"weekly_2":  base.Add(-16 * 24 * time.Hour),
		"monthly_1": base.Add(-35 * 24 * time.Hour),
		"monthly_2": base.Add(-70 * 24 * time.Hour),
		"yearly_1":  base.Add(-400 * 24 * time.Hour),
		"yearly_2":  base.Add(-800 * 24 * time.Hour),
		"old_1":     base.Add(-1200 * 24 * time.Hour),
		"old_2":     base.Add(-1600 * 24 * time.Hour),
	}
	var gens []storage.Generation
	for _, ts := range named {
		gens = append(gens, storage.Generation{Timestamp: ts})
	}
	storage.SortNewestFirst(gens)

	tk := &task{
		Cycler:      &Cycler{},
		log:         plogDiscard{},
		storage:     newMemStorage(),
		policy:      Policy{Hours: 2, Days: 2, Weeks: 2, Months: 2, Years: 2},
		now:         base,
		generations: gens,
	}
	kept := tk.filterToKeep()

	if len(kept) != 10 {
		t.Errorf("expected to keep 10 generations, got %d", len(kept))
	}
	for name, ts := range named {
		want := name != "old_1" && name != "old_2"
		if kept[packager.FormatTimestamp(ts)] != want {
			t.Errorf("%s: expected kept=%v", name, want)
		}
	}
}

func TestFilterToKeep_Promotion(t *testing.T) {
	gens := []storage.Generation{
		{Timestamp: base.Add(-1 * time.Hour)},
		{Timestamp: base.Add(-25 * time.Hour)},
		{Timestamp: base.Add(-8 * 24 * time.Hour)},
		{Timestamp: base.Add(-35 * 24 * time.Hour)},
		{Timestamp: base.Add(-400 * 24 * time.Hour)},
		{Timestamp: base.Add(-800 * 24 * time.Hour)},
	}
	tk := &task{
		Cycler:      &Cycler{},
		log:         plogDiscard{},
		storage:     newMemStorage(),
		policy:      Policy{Hours: 1, Days: 1, Weeks: 1, Months: 1, Years: 1},
		now:         base,
		generations: gens,
	}
	kept := tk.filterToKeep()
	if len(kept) != 5 {
		t.Errorf("expected to keep 5 generations, got %d", len(kept))
	}
	if kept[gens[5].Key()] {
		t.Error("expected the oldest generation to be deleted")
	}
}

func TestPolicy(t *testing.T) {
	if !(Policy{}).KeepAll() {
		t.Error("zero policy should keep all")
	}
	if (Policy{Keep: 1}).KeepAll() || (Policy{Years: 1}).KeepAll() || (Policy{KeepWithin: time.Hour}).KeepAll() {
		t.Error("non-zero policies should not keep all")
	}
	if got := (Policy{Keep: 3, Days: 7}).String(); got != "3 newest, 7 daily" {
		t.Errorf("unexpected policy string %q", got)
	}
}

type plogDiscard struct{}

func (plogDiscard) Debug(string, ...any)  {}
func (plogDiscard) Notice(string, ...any) {}
func (plogDiscard) Info(string, ...any)   {}
func (plogDiscard) Warn(string, ...any)   {}
func (plogDiscard) Error(string, ...any)  {}
