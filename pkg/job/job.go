// --- ARCHITECTURAL OVERVIEW: Job Runs ---
//
// A Model is one trigger with everything resolved: sources, stage adapters,
// destinations and the collaborators that do the work. Perform drives a run
// through fixed, sequential phases:
//
//   pending -> packaging -> transferring -> cycling -> finished
//                  \             \             \
//                   +-------------+-------------+--> failed
//
// Fatal errors (lock backend down, before hooks, packaging, every destination
// failing, cancellation) end the run in "failed". Everything else is a warning:
// the run continues and the parallel warned flag turns success into
// success_with_warnings. Inside the transfer and cycling phases destinations are
// processed concurrently; they share nothing but the read-only package, so one
// failing destination never affects another.
//
// After hooks, cleanup, metrics and notifications run on every path once the
// lock is held. None of them can change the status.

// Package job runs one backup trigger from packaging to notification.
package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-dump/pkg/compressor"
	"github.com/paulschiretz/pgl-dump/pkg/cycler"
	"github.com/paulschiretz/pgl-dump/pkg/encryptor"
	"github.com/paulschiretz/pgl-dump/pkg/hints"
	"github.com/paulschiretz/pgl-dump/pkg/history"
	"github.com/paulschiretz/pgl-dump/pkg/hook"
	"github.com/paulschiretz/pgl-dump/pkg/metrics"
	"github.com/paulschiretz/pgl-dump/pkg/notifier"
	"github.com/paulschiretz/pgl-dump/pkg/packager"
	"github.com/paulschiretz/pgl-dump/pkg/pipeline"
	"github.com/paulschiretz/pgl-dump/pkg/plog"
	"github.com/paulschiretz/pgl-dump/pkg/preflight"
	"github.com/paulschiretz/pgl-dump/pkg/report"
	"github.com/paulschiretz/pgl-dump/pkg/runlock"
	"github.com/paulschiretz/pgl-dump/pkg/source"
	"github.com/paulschiretz/pgl-dump/pkg/storage"
)

// ErrAllDestinationsFailed is the fatal error of a run that stored nothing.
var ErrAllDestinationsFailed = errors.New("upload failed on every destination")

// Destination is a storage with its retention policy.
type Destination struct {
	Storage storage.Storage
	Policy  cycler.Policy
}

// Model is one resolved trigger.
type Model struct {
	Trigger     string
	Description string
	WorkDir     string

	Sources      []source.Source
	Compressor   compressor.Compressor
	Encryptor    encryptor.Encryptor
	ChunkSize    int64
	SuffixLength int
	Destinations []Destination
	Hooks        *hook.Plan
	Notifiers    []notifier.Entry

	DryRun bool

	Packager *packager.Packager
	HookRun  *hook.Runner
	Cycler   *cycler.Cycler
	History  history.Store     // optional
	Locker   runlock.Locker    // optional
	Metrics  *metrics.Recorder // optional

	// Clock returns the run timestamp. Defaults to time.Now.
	Clock func() time.Time

	mu     sync.Mutex
	state  State
	warned bool
}

// State returns the current phase.
func (m *Model) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Warned reports whether the last run recorded a non-fatal problem.
func (m *Model) Warned() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.warned
}

func (m *Model) setState(s State, log plog.Logger) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	log.Debug("Run state changed", "state", s)
}

func (m *Model) now() time.Time {
	if m.Clock != nil {
		return m.Clock()
	}
	return time.Now()
}

// run is the mutable state of one Perform call.
type run struct {
	id        string
	timestamp time.Time
	log       *plog.Recorder
	rep       *report.Report
	plan      *packager.Plan
	pkg       *packager.Package

	// results is indexed like Model.Destinations.
	results []destResult
}

type destResult struct {
	gen      storage.Generation
	err      error
	uploaded bool
	deleted  int
}

// Perform runs the trigger once and returns the report. It never panics on
// collaborator errors; the outcome is in the report's Status.
func (m *Model) Perform(ctx context.Context) *report.Report {
	r := &run{
		id:        uuid.NewString(),
		timestamp: m.now().UTC().Truncate(time.Second),
	}
	r.log = plog.NewRecorder("trigger", m.Trigger, "run_id", r.id)
	r.rep = &report.Report{RunID: r.id, Trigger: m.Trigger, Description: m.Description, Started: m.now(), DryRun: m.DryRun}
	r.results = make([]destResult, len(m.Destinations))

	m.mu.Lock()
	m.warned = false
	m.mu.Unlock()
	m.setState(Pending, r.log)

	if m.DryRun {
		m.dryRun(ctx, r)
		return m.finish(ctx, r, nil)
	}

	if m.Locker != nil {
		release, err := m.Locker.Acquire(ctx, m.Trigger, r.id)
		if errors.Is(err, runlock.ErrHeld) {
			// Another run of this trigger is active; this one is skipped.
			r.log.Warn("Skipping run, trigger is locked", "reason", err)
			return m.finish(ctx, r, nil)
		}
		if err != nil {
			return m.finish(ctx, r, fmt.Errorf("failed to acquire run lock: %w", err))
		}
		defer release()
	}

	err := m.perform(ctx, r)
	m.runAfterHooks(ctx, r)
	m.cleanup(r, err)
	return m.finish(ctx, r, err)
}

func (m *Model) perform(ctx context.Context, r *run) error {
	if err := preflight.CheckDirWritable(m.WorkDir); err != nil {
		return fmt.Errorf("work directory check failed: %w", err)
	}
	if err := m.runHooks(ctx, hook.Before, r); err != nil {
		return fmt.Errorf("before hook failed: %w", err)
	}

	// Packaging
	m.setState(Packaging, r.log)
	r.plan = &packager.Plan{
		RunID:        r.id,
		Trigger:      m.Trigger,
		Timestamp:    r.timestamp,
		WorkDir:      m.WorkDir,
		Sources:      m.Sources,
		Compressor:   m.Compressor,
		Encryptor:    m.Encryptor,
		ChunkSize:    m.ChunkSize,
		SuffixLength: m.SuffixLength,
		Log:          r.log,
	}
	pkg, err := m.Packager.Package(ctx, r.plan)
	if err != nil {
		return err
	}
	r.pkg = pkg
	r.rep.PackageSize = pkg.Size()

	// Transferring
	m.setState(Transferring, r.log)
	if err := m.transfer(ctx, r); err != nil {
		return err
	}

	// Cycling
	m.setState(Cycling, r.log)
	m.cycle(ctx, r)
	return ctx.Err()
}

func (m *Model) hookPlan(r *run) *hook.Plan {
	p := hook.Plan{}
	if m.Hooks != nil {
		p = *m.Hooks
	}
	p.Env = append(p.Env[:len(p.Env):len(p.Env)],
		"PGL_DUMP_TRIGGER="+m.Trigger,
		"PGL_DUMP_RUN_ID="+r.id,
		"PGL_DUMP_TIMESTAMP="+packager.FormatTimestamp(r.timestamp),
	)
	return &p
}

// transfer uploads the package to every destination concurrently.
func (m *Model) transfer(ctx context.Context, r *run) error {
	var g errgroup.Group
	for i, d := range m.Destinations {
		g.Go(func() error {
			id := d.Storage.ID()
			r.log.Info("Uploading package", "destination", id, "files", len(r.pkg.Files), "bytes", r.pkg.Size())
			gen, err := d.Storage.Upload(ctx, r.pkg)
			if m.Metrics != nil {
				m.Metrics.AddTransfer(m.Trigger, id, err == nil)
			}
			if err != nil {
				r.log.Warn("Upload failed", "destination", id, "error", err)
				r.results[i] = destResult{err: err}
				return nil
			}
			r.log.Info("Upload finished", "destination", id, "generation", gen.Key())
			r.results[i] = destResult{gen: gen, uploaded: true}

			if m.History != nil {
				if err := m.History.Append(ctx, history.FromGeneration(gen, r.pkg.ChunkSuffixLength)); err != nil {
					r.log.Warn("Failed to record generation in history", "destination", id, "error", err)
				}
			}
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	for _, res := range r.results {
		if res.uploaded {
			return nil
		}
	}
	if len(r.results) == 0 {
		return errors.New("no destinations configured")
	}
	return ErrAllDestinationsFailed
}

// cycle applies the retention policy of every destination that received the package.
func (m *Model) cycle(ctx context.Context, r *run) {
	var g errgroup.Group
	for i, d := range m.Destinations {
		if !r.results[i].uploaded {
			continue
		}
		g.Go(func() error {
			id := d.Storage.ID()
			current := r.results[i].gen
			var c cycler.Cycler
			if m.Cycler != nil {
				c = *m.Cycler
			}
			c.Log = r.log
			rep, err := c.Cycle(ctx, d.Storage, m.Trigger, &current, d.Policy, r.timestamp)
			if rep != nil {
				r.results[i].deleted = len(rep.Deleted)
				if m.Metrics != nil {
					m.Metrics.AddGenerationsDeleted(m.Trigger, id, len(rep.Deleted))
				}
			}
			switch {
			case err == nil:
			case hints.IsHint(err):
				r.log.Debug("Cycling skipped", "destination", id, "reason", err)
			default:
				r.log.Warn("Cycling incomplete", "destination", id, "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

func (m *Model) runAfterHooks(ctx context.Context, r *run) {
	if err := m.runHooks(ctx, hook.After, r); err != nil {
		r.log.Warn("After hook failed", "error", err)
	}
}

func (m *Model) runHooks(ctx context.Context, phase hook.Phase, r *run) error {
	if m.HookRun == nil || m.Hooks == nil {
		return nil
	}
	err := m.HookRun.Run(ctx, phase, m.hookPlan(r), r.log)
	if hints.IsHint(err) {
		return nil
	}
	return err
}

// cleanup removes the local run directory. Packaging failures keep their
// partial output for inspection, and a package that did not reach every
// destination is kept so no copy of the backup is lost.
func (m *Model) cleanup(r *run, runErr error) {
	if r.plan == nil {
		return
	}
	var pkgErr *packager.Error
	if errors.As(runErr, &pkgErr) {
		r.log.Info("Keeping partial output for inspection", "path", r.plan.RunDir())
		return
	}
	if r.pkg != nil {
		for i, res := range r.results {
			if !res.uploaded {
				r.log.Warn("Keeping local package after failed upload", "path", r.plan.RunDir(), "destination", m.Destinations[i].Storage.ID())
				return
			}
		}
	}
	if err := os.RemoveAll(r.plan.RunDir()); err != nil {
		r.log.Warn("Failed to remove local package", "path", r.plan.RunDir(), "error", err)
	}
}

func (m *Model) dryRun(ctx context.Context, r *run) {
	r.log.Info("[DRY RUN] Resolved job", "trigger", m.Trigger, "work_dir", m.WorkDir)
	var commands []string
	for _, src := range m.Sources {
		var stages []pipeline.Stage
		st, err := src.Stage(ctx)
		if err != nil {
			r.log.Info("[DRY RUN] Source cannot be resolved", "source", src.Name(), "error", err)
			continue
		}
		stages = append(stages, st)
		if m.Compressor != nil {
			if st, err := m.Compressor.Stage(); err == nil {
				stages = append(stages, st)
			}
		}
		desc := make([]string, len(stages))
		for i, st := range stages {
			desc[i] = describeStage(st)
			if st.Command != "" {
				commands = append(commands, st.Command)
			}
		}
		r.log.Info("[DRY RUN] Source pipeline", "source", src.Name(), "kind", src.Kind(), "stages", strings.Join(desc, " | "))
	}
	if err := preflight.CheckCommands(commands...); err != nil {
		r.log.Info("[DRY RUN] Pipeline programs missing", "error", err)
	}
	if m.Encryptor != nil {
		r.log.Info("[DRY RUN] Encryptor", "name", m.Encryptor.Name())
	}
	if m.ChunkSize > 0 {
		r.log.Info("[DRY RUN] Splitting package", "chunk_bytes", m.ChunkSize)
	}
	for _, d := range m.Destinations {
		r.log.Info("[DRY RUN] Destination", "destination", d.Storage.ID(), "retention", d.Policy.String())
	}
}

// Check verifies the job can run on this host without running it: the work
// directory is writable, every source resolves and every pipeline program is
// on PATH. It reports all problems found.
func (m *Model) Check(ctx context.Context) error {
	var errs []error
	if err := preflight.CheckDirWritable(m.WorkDir); err != nil {
		errs = append(errs, fmt.Errorf("work directory: %w", err))
	}
	var commands []string
	for _, src := range m.Sources {
		st, err := src.Stage(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("source %q: %w", src.Name(), err))
			continue
		}
		if st.Command != "" {
			commands = append(commands, st.Command)
		}
	}
	if m.Compressor != nil {
		st, err := m.Compressor.Stage()
		if err != nil {
			errs = append(errs, fmt.Errorf("compressor: %w", err))
		} else if st.Command != "" {
			commands = append(commands, st.Command)
		}
	}
	if err := preflight.CheckCommands(commands...); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func describeStage(st pipeline.Stage) string {
	if st.Command != "" {
		return st.Command
	}
	return st.Name
}

// finish settles the status and reports it. runErr is the fatal error, if any.
func (m *Model) finish(ctx context.Context, r *run, runErr error) *report.Report {
	rep := r.rep
	rep.Finished = m.now()
	for i, d := range m.Destinations {
		res := r.results[i]
		dest := report.Destination{ID: d.Storage.ID(), Uploaded: res.uploaded, Deleted: res.deleted}
		if res.uploaded {
			dest.Generation = res.gen.Key()
		}
		if res.err != nil {
			dest.Error = res.err.Error()
		}
		rep.Destinations = append(rep.Destinations, dest)
	}

	switch {
	case runErr != nil:
		rep.Status = report.Failure
		rep.Err = runErr
		var stageErr *pipeline.StageError
		if errors.As(runErr, &stageErr) {
			rep.FailedStage = stageErr.Stage.Name
		}
		r.log.Error("Run failed", "error", runErr)
		m.setState(Failed, r.log)
	case r.log.Warned():
		rep.Status = report.Warning
		m.setState(Finished, r.log)
	default:
		rep.Status = report.Success
		m.setState(Finished, r.log)
	}

	m.mu.Lock()
	m.warned = r.log.Warned()
	m.mu.Unlock()

	r.log.Info("Run finished", "status", rep.Status, "duration", rep.Finished.Sub(rep.Started).Round(time.Millisecond))
	rep.Lines = r.log.Strings()

	if m.Metrics != nil {
		m.Metrics.ObserveRun(rep)
	}
	// Notifications must go out even when the run itself was canceled.
	notifier.Dispatch(context.WithoutCancel(ctx), m.Notifiers, rep, r.log)
	return rep
}
