package source

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/paulschiretz/pgl-dump/pkg/pipeline"
	"github.com/paulschiretz/pgl-dump/pkg/util"
)

// PostgreSQL dumps a database with pg_dump, or the whole cluster with pg_dumpall.
type PostgreSQL struct {
	DumpName          string
	Database          string
	Username          string
	Password          string
	Host              string
	Port              int
	Socket            string
	OnlyTables        []string
	SkipTables        []string
	DumpAll           bool
	UseSudo           bool
	AdditionalOptions []string
}

func (p *PostgreSQL) Name() string {
	if p.DumpName != "" {
		return p.DumpName
	}
	if p.DumpAll {
		return "PostgreSQL"
	}
	return p.Database
}
func (p *PostgreSQL) Kind() string      { return KindDatabases }
func (p *PostgreSQL) Extension() string { return ".sql" }

func (p *PostgreSQL) Stage(ctx context.Context) (pipeline.Stage, error) {
	if !p.DumpAll && p.Database == "" {
		return pipeline.Stage{}, missing("postgresql", "database")
	}

	bin := "pg_dump"
	if p.DumpAll {
		bin = "pg_dumpall"
	}
	cmd := (&command{}).raw(sudoPrefix(p.UseSudo), bin)
	cmd.flag("--username", p.Username)
	host := p.Host
	if p.Socket != "" {
		host = p.Socket
	}
	cmd.flag("--host", host)
	if p.Port > 0 {
		cmd.flag("--port", strconv.Itoa(p.Port))
	}
	cmd.raw(p.AdditionalOptions...)
	if !p.DumpAll {
		for _, t := range p.OnlyTables {
			cmd.flag("--table", t)
		}
		for _, t := range p.SkipTables {
			cmd.flag("--exclude-table", t)
		}
		cmd.arg(p.Database)
	}

	stage := pipeline.Stage{Name: "dump:" + p.Name(), Command: cmd.String()}
	if p.Password != "" {
		stage.Env = []string{"PGPASSWORD=" + p.Password}
	}
	return stage, nil
}

// MySQL dumps a database with mysqldump.
type MySQL struct {
	DumpName          string
	Database          string
	Username          string
	Password          string
	Host              string
	Port              int
	Socket            string
	OnlyTables        []string
	SkipTables        []string
	AdditionalOptions []string
}

func (m *MySQL) Name() string {
	if m.DumpName != "" {
		return m.DumpName
	}
	return m.Database
}
func (m *MySQL) Kind() string      { return KindDatabases }
func (m *MySQL) Extension() string { return ".sql" }

func (m *MySQL) Stage(ctx context.Context) (pipeline.Stage, error) {
	if m.Database == "" {
		return pipeline.Stage{}, missing("mysql", "database")
	}
	cmd := (&command{}).raw("mysqldump")
	cmd.flag("--user", m.Username)
	cmd.flag("--host", m.Host)
	if m.Port > 0 {
		cmd.flag("--port", strconv.Itoa(m.Port))
	}
	cmd.flag("--socket", m.Socket)
	cmd.raw(m.AdditionalOptions...)
	for _, t := range m.SkipTables {
		cmd.flag("--ignore-table", m.Database+"."+t)
	}
	cmd.arg(m.Database)
	cmd.arg(m.OnlyTables...)

	stage := pipeline.Stage{Name: "dump:" + m.Name(), Command: cmd.String()}
	if m.Password != "" {
		stage.Env = []string{"MYSQL_PWD=" + m.Password}
	}
	return stage, nil
}

// MongoDB dumps a database as a mongodump archive stream.
type MongoDB struct {
	DumpName          string
	Database          string
	Username          string
	Password          string
	Host              string
	Port              int
	AuthDatabase      string
	AdditionalOptions []string
}

func (m *MongoDB) Name() string {
	if m.DumpName != "" {
		return m.DumpName
	}
	if m.Database != "" {
		return m.Database
	}
	return "MongoDB"
}
func (m *MongoDB) Kind() string      { return KindDatabases }
func (m *MongoDB) Extension() string { return ".archive" }

// Stage returns the dump stage without the password. Runs go through Prepare,
// which hands the password to mongodump in a config file.
func (m *MongoDB) Stage(ctx context.Context) (pipeline.Stage, error) {
	return m.stage(""), nil
}

// Prepare writes the password to a private mongodump config file in dir, so
// it never shows up in the process list.
func (m *MongoDB) Prepare(ctx context.Context, dir string) (pipeline.Stage, func() error, error) {
	noop := func() error { return nil }
	if m.Password == "" {
		return m.stage(""), noop, nil
	}
	if err := os.MkdirAll(dir, util.UserOnlyDirPerms); err != nil {
		return pipeline.Stage{}, noop, fmt.Errorf("mongodb: failed to create secrets directory: %w", err)
	}
	data, err := yaml.Marshal(map[string]string{"password": m.Password})
	if err != nil {
		return pipeline.Stage{}, noop, fmt.Errorf("mongodb: failed to render config: %w", err)
	}
	// CreateTemp opens the file with 0600.
	f, err := os.CreateTemp(dir, "mongodump-*.yaml")
	if err != nil {
		return pipeline.Stage{}, noop, fmt.Errorf("mongodb: failed to create config file: %w", err)
	}
	path := f.Name()
	_, werr := f.Write(data)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	cleanup := func() error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	if werr != nil {
		_ = cleanup()
		return pipeline.Stage{}, noop, fmt.Errorf("mongodb: failed to write config file: %w", werr)
	}
	return m.stage(path), cleanup, nil
}

func (m *MongoDB) stage(configPath string) pipeline.Stage {
	cmd := (&command{}).raw("mongodump", "--archive")
	cmd.flag("--config", configPath)
	cmd.flag("--db", m.Database)
	cmd.flag("--host", m.Host)
	if m.Port > 0 {
		cmd.flag("--port", strconv.Itoa(m.Port))
	}
	cmd.flag("--username", m.Username)
	cmd.flag("--authenticationDatabase", m.AuthDatabase)
	cmd.raw(m.AdditionalOptions...)
	return pipeline.Stage{Name: "dump:" + m.Name(), Command: cmd.String()}
}

// SQLite dumps a database file as SQL text.
type SQLite struct {
	DumpName string
	Path     string
	Binary   string
	UseSudo  bool
}

func (s *SQLite) Name() string {
	if s.DumpName != "" {
		return s.DumpName
	}
	return "SQLite"
}
func (s *SQLite) Kind() string      { return KindDatabases }
func (s *SQLite) Extension() string { return ".sql" }

func (s *SQLite) Stage(ctx context.Context) (pipeline.Stage, error) {
	if s.Path == "" {
		return pipeline.Stage{}, missing("sqlite", "path")
	}
	bin := s.Binary
	if bin == "" {
		bin = "sqlite3"
	}
	cmd := (&command{}).raw(sudoPrefix(s.UseSudo), bin).arg(s.Path).raw(".dump")
	return pipeline.Stage{Name: "dump:" + s.Name(), Command: cmd.String()}, nil
}

// Command runs a user supplied dump command writing to stdout.
type Command struct {
	DumpName        string
	SourceKind      string
	Run             string
	Ext             string
	AcceptExitCodes []int
}

func (c *Command) Name() string { return c.DumpName }
func (c *Command) Kind() string {
	if c.SourceKind != "" {
		return c.SourceKind
	}
	return KindDatabases
}
func (c *Command) Extension() string { return c.Ext }

func (c *Command) Stage(ctx context.Context) (pipeline.Stage, error) {
	if c.DumpName == "" {
		return pipeline.Stage{}, missing("command", "name")
	}
	if c.Run == "" {
		return pipeline.Stage{}, missing("command", "command")
	}
	return pipeline.Stage{Name: "dump:" + c.DumpName, Command: c.Run, AcceptExitCodes: c.AcceptExitCodes}, nil
}

var _ Source = (*PostgreSQL)(nil)
var _ Source = (*MySQL)(nil)
var _ Source = (*MongoDB)(nil)
var _ Source = (*SQLite)(nil)
var _ Source = (*Command)(nil)
var _ Preparer = (*MongoDB)(nil)
