package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/paulschiretz/pgl-dump/pkg/packager"
	"github.com/paulschiretz/pgl-dump/pkg/pipeline"
	"github.com/paulschiretz/pgl-dump/pkg/util"
)

// notFoundExitCode is what the remote delete script exits with when the
// generation directory does not exist.
const notFoundExitCode = 66

// RSync copies generations with rsync. With a Host it goes over ssh and uses
// ssh for listing and deleting; without one Path is a local directory.
type RSync struct {
	Name              string
	Host              string
	Port              int
	User              string
	Path              string
	SSHOptions        []string
	AdditionalOptions []string

	Executor *pipeline.Executor
}

func (r *RSync) ID() string { return r.Name }

func (r *RSync) remote() bool { return r.Host != "" }

func (r *RSync) login() string {
	if r.User != "" {
		return r.User + "@" + r.Host
	}
	return r.Host
}

func (r *RSync) sshCommand() string {
	parts := []string{"ssh"}
	if r.Port > 0 {
		parts = append(parts, "-p", strconv.Itoa(r.Port))
	}
	parts = append(parts, r.SSHOptions...)
	return strings.Join(parts, " ")
}

// shellCommand renders a command that runs script on the destination host.
func (r *RSync) shellCommand(script string) string {
	if !r.remote() {
		return script
	}
	return r.sshCommand() + " " + util.ShellQuote(r.login()) + " " + util.ShellQuote(script)
}

func (r *RSync) triggerPath(trigger string) string {
	return path.Join(r.Path, util.SanitizeName(trigger))
}

// uploadCommand renders the rsync invocation copying pkg into dest.
func (r *RSync) uploadCommand(pkg *packager.Package, dest string) string {
	parts := []string{"rsync", "-a"}
	if r.remote() {
		parts = append(parts, "-e", util.ShellQuote(r.sshCommand()))
	}
	for _, o := range r.AdditionalOptions {
		parts = append(parts, util.ShellQuote(o))
	}
	parts = append(parts, util.ShellQuote(strings.TrimSuffix(pkg.Dir, "/")+"/"))
	target := dest + "/"
	if r.remote() {
		target = r.login() + ":" + target
	}
	parts = append(parts, util.ShellQuote(target))
	return strings.Join(parts, " ")
}

func (r *RSync) executor() *pipeline.Executor {
	if r.Executor == nil {
		r.Executor = pipeline.NewExecutor(nil)
	}
	return r.Executor
}

// Upload copies the package directory (files and manifest) into a temporary
// directory and renames it into place once rsync succeeded.
func (r *RSync) Upload(ctx context.Context, pkg *packager.Package) (Generation, error) {
	trgPath := r.triggerPath(pkg.Trigger)
	genPath := path.Join(trgPath, pkg.TimestampString())
	tmpPath := path.Join(trgPath, "."+pkg.TimestampString()+partialSuffix)

	prepare := fmt.Sprintf("mkdir -p %s", util.ShellQuote(tmpPath))
	if err := r.run(ctx, "rsync:prepare", r.shellCommand(prepare), nil); err != nil {
		return Generation{}, &TransferError{DestinationID: r.Name, Err: err}
	}

	if err := r.run(ctx, "rsync:upload", r.uploadCommand(pkg, tmpPath), nil); err != nil {
		files := make([]FileError, len(pkg.Files))
		for i, f := range pkg.Files {
			files[i] = FileError{Name: f.Name, Err: errors.New("not confirmed by rsync")}
		}
		_ = r.run(context.WithoutCancel(ctx), "rsync:cleanup", r.shellCommand("rm -rf "+util.ShellQuote(tmpPath)), nil)
		return Generation{}, &TransferError{DestinationID: r.Name, Files: files, Err: err}
	}

	finalize := fmt.Sprintf("[ ! -e %[2]s ] && mv %[1]s %[2]s", util.ShellQuote(tmpPath), util.ShellQuote(genPath))
	if err := r.run(ctx, "rsync:finalize", r.shellCommand(finalize), nil); err != nil {
		return Generation{}, &TransferError{DestinationID: r.Name, Err: err}
	}

	ids := make([]string, len(pkg.Files))
	for i, f := range pkg.Files {
		ids[i] = r.identifier(path.Join(genPath, f.Name))
	}
	return newGeneration(r.Name, pkg, ids), nil
}

func (r *RSync) identifier(p string) string {
	if r.remote() {
		return r.login() + ":" + p
	}
	return p
}

func (r *RSync) ListGenerations(ctx context.Context, trigger string) ([]Generation, error) {
	trgPath := r.triggerPath(trigger)
	script := fmt.Sprintf("[ -d %[1]s ] || exit 0; ls -1 %[1]s", util.ShellQuote(trgPath))
	var out bytes.Buffer
	if err := r.run(ctx, "rsync:list", r.shellCommand(script), &out); err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", trgPath, err)
	}

	var gens []Generation
	for _, line := range strings.Split(out.String(), "\n") {
		gen, ok := parseGeneration(trigger, r.Name, strings.TrimSpace(line))
		if !ok {
			continue
		}
		gen.RemoteIdentifiers = []string{r.identifier(path.Join(trgPath, gen.Key()))}
		gens = append(gens, gen)
	}
	SortNewestFirst(gens)
	return gens, nil
}

func (r *RSync) DeleteGeneration(ctx context.Context, gen Generation) error {
	genPath := path.Join(r.triggerPath(gen.Trigger), gen.Key())
	script := fmt.Sprintf("[ -d %[1]s ] || exit %[2]d; rm -rf %[1]s", util.ShellQuote(genPath), notFoundExitCode)
	res, err := r.executor().RunCommand(ctx, "rsync:delete", r.shellCommand(script), nil)
	if err != nil {
		return err
	}
	if res.Success() {
		return nil
	}
	if res.Stages[0].ExitCode == notFoundExitCode {
		return fmt.Errorf("%w: %s", ErrGenerationNotFound, r.identifier(genPath))
	}
	return res.Err()
}

func (r *RSync) run(ctx context.Context, name, command string, stdout io.Writer) error {
	res, err := r.executor().RunCommand(ctx, name, command, stdout)
	if err != nil {
		return err
	}
	return res.Err()
}

var _ Storage = (*RSync)(nil)
