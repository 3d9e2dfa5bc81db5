// --- ARCHITECTURAL OVERVIEW: Configuration ---
//
// The configuration is assembled from three layers, later layers winning:
//
//  1. Struct defaults from NewDefault.
//  2. The YAML config file (pgl-dump.yaml unless --config names another).
//  3. PGL_DUMP_* environment variables, mapped explicitly onto top-level keys.
//
// The merged tree is unmarshalled into Config and validated in two passes. Struct
// tags catch missing and out-of-range values; the manual pass checks what tags
// cannot express, such as unique triggers or type-specific required fields.
// Every failure surfaces as a *ValidationError, which the CLI turns into exit
// code 3 before any job runs.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/paulschiretz/pgl-dump/pkg/buildinfo"
	"github.com/paulschiretz/pgl-dump/pkg/compressor"
	"github.com/paulschiretz/pgl-dump/pkg/plog"
	"github.com/paulschiretz/pgl-dump/pkg/util"
)

// ConfigFileName is the config file looked up in the working directory.
const ConfigFileName = "pgl-dump.yaml"

// EnvPrefix marks environment variables that override config keys.
const EnvPrefix = "PGL_DUMP_"

// envKeys maps environment variables onto koanf paths.
var envKeys = map[string]string{
	"PGL_DUMP_LOG_LEVEL":        "logLevel",
	"PGL_DUMP_WORK_DIR":         "workDir",
	"PGL_DUMP_DATA_DIR":         "dataDir",
	"PGL_DUMP_LOCK_DRIVER":      "lock.driver",
	"PGL_DUMP_LOCK_REDIS_URL":   "lock.redisURL",
	"PGL_DUMP_HISTORY_DRIVER":   "history.driver",
	"PGL_DUMP_METRICS_TEXTFILE": "metrics.textfile",
}

// ValidationError reports an invalid configuration value. Field is the dotted
// path of the offending key, e.g. "jobs[0].storages[1].bucket".
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

type LockConfig struct {
	Driver    string `json:"driver" validate:"oneof=file redis none"`
	Dir       string `json:"dir"`
	RedisURL  string `json:"redisURL"`
	KeyPrefix string `json:"keyPrefix"`
}

type HistoryConfig struct {
	Driver string `json:"driver" validate:"oneof=yaml sqlite none"`
}

type MetricsConfig struct {
	// Textfile is written in the node-exporter textfile format after every run.
	Textfile string `json:"textfile"`
}

type PerformanceConfig struct {
	DeleteWorkers int `json:"deleteWorkers" validate:"min=1"`
	// ParallelJobs bounds how many triggers run at once with --parallel.
	ParallelJobs int `json:"parallelJobs" validate:"min=1"`
}

type RuntimeConfig struct {
	ConfigPath string
	DryRun     bool
}

type Config struct {
	Version     string            `json:"version"`
	LogLevel    string            `json:"logLevel" validate:"oneof=debug notice info warn error"`
	WorkDir     string            `json:"workDir" validate:"required"`
	DataDir     string            `json:"dataDir" validate:"required"`
	Metrics     MetricsConfig     `json:"metrics"`
	Lock        LockConfig        `json:"lock"`
	History     HistoryConfig     `json:"history"`
	Performance PerformanceConfig `json:"performance"`
	Jobs        []JobConfig       `json:"jobs" validate:"dive"`
	Runtime     RuntimeConfig     `json:"-"` // Never read from the config file
}

type JobConfig struct {
	Trigger         string           `json:"trigger" validate:"required"`
	Description     string           `json:"description"`
	Sources         []SourceConfig   `json:"sources" validate:"required,min=1,dive"`
	Compressor      CompressorConfig `json:"compressor"`
	Encryptor       EncryptorConfig  `json:"encryptor"`
	Splitter        SplitterConfig   `json:"splitter"`
	Storages        []StorageConfig  `json:"storages" validate:"required,min=1,dive"`
	Notifiers       []NotifierConfig `json:"notifiers" validate:"dive"`
	Hooks           HooksConfig      `json:"hooks"`
	PipelineTimeout time.Duration    `json:"pipelineTimeout" validate:"min=0"`
}

// SourceConfig is the union of every source type's settings.
type SourceConfig struct {
	Type string `json:"type" validate:"required,oneof=archive postgresql mysql mongodb sqlite command"`
	Name string `json:"name" validate:"required"`

	// archive
	Paths           []string `json:"paths"`
	Excludes        []string `json:"excludes"`
	Root            string   `json:"root"`
	TolerateChanges bool     `json:"tolerateChanges"`
	TarOptions      []string `json:"tarOptions"`

	// databases
	Database     string   `json:"database"`
	Username     string   `json:"username"`
	Password     string   `json:"password"`
	Host         string   `json:"host"`
	Port         int      `json:"port" validate:"min=0,max=65535"`
	Socket       string   `json:"socket"`
	OnlyTables   []string `json:"onlyTables"`
	SkipTables   []string `json:"skipTables"`
	DumpAll      bool     `json:"dumpAll"`
	AuthDatabase string   `json:"authDatabase"`

	// sqlite
	Path   string `json:"path"`
	Binary string `json:"binary"`

	// command
	Command         string `json:"command"`
	Extension       string `json:"extension"`
	Kind            string `json:"kind" validate:"omitempty,oneof=databases archives"`
	AcceptExitCodes []int  `json:"acceptExitCodes"`

	UseSudo           bool     `json:"useSudo"`
	AdditionalOptions []string `json:"additionalOptions"`
}

type CompressorConfig struct {
	Type        string `json:"type" validate:"omitempty,oneof=gzip bzip2 zstd pgzip custom"`
	Level       string `json:"level"`
	Rsyncable   bool   `json:"rsyncable"`
	Concurrency int    `json:"concurrency" validate:"min=0"`
	Command     string `json:"command"`
	Extension   string `json:"extension"`
}

type PassphraseConfig struct {
	Value          string `json:"value"`
	Env            string `json:"env"`
	File           string `json:"file"`
	KeyringService string `json:"keyringService"`
	KeyringUser    string `json:"keyringUser"`
}

func (p PassphraseConfig) empty() bool {
	return p.Value == "" && p.Env == "" && p.File == "" && p.KeyringService == ""
}

type EncryptorConfig struct {
	Type       string           `json:"type" validate:"omitempty,oneof=openssl gpg"`
	Passphrase PassphraseConfig `json:"passphrase"`
	Base64     bool             `json:"base64"`
	Iterations int              `json:"iterations" validate:"min=0"`
	Cipher     string           `json:"cipher"`
	Homedir    string           `json:"homedir"`
}

type SplitterConfig struct {
	ChunkSizeMB  int `json:"chunkSizeMB" validate:"min=0"`
	SuffixLength int `json:"suffixLength" validate:"min=0,max=10"`
}

// StorageConfig is the union of every storage type's settings plus the
// retention policy applied to it.
type StorageConfig struct {
	Type string `json:"type" validate:"required,oneof=local rsync s3"`
	ID   string `json:"id" validate:"required"`

	// local and rsync
	Path             string `json:"path"`
	BandwidthLimitKB int    `json:"bandwidthLimitKB" validate:"min=0"`
	RequireMount     bool   `json:"requireMount"`

	// rsync
	Host              string   `json:"host"`
	Port              int      `json:"port" validate:"min=0,max=65535"`
	User              string   `json:"user"`
	SSHOptions        []string `json:"sshOptions"`
	AdditionalOptions []string `json:"additionalOptions"`

	// s3
	Bucket          string `json:"bucket"`
	Prefix          string `json:"prefix"`
	Region          string `json:"region"`
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"accessKeyID"`
	SecretAccessKey string `json:"secretAccessKey"`
	PathStyle       bool   `json:"pathStyle"`
	StorageClass    string `json:"storageClass"`

	// retention; all zero keeps everything
	Keep       int           `json:"keep" validate:"min=0"`
	KeepWithin time.Duration `json:"keepWithin" validate:"min=0"`
	Hours      int           `json:"hours" validate:"min=0"`
	Days       int           `json:"days" validate:"min=0"`
	Weeks      int           `json:"weeks" validate:"min=0"`
	Months     int           `json:"months" validate:"min=0"`
	Years      int           `json:"years" validate:"min=0"`

	RetryCount       int `json:"retryCount" validate:"min=0"`
	RetryWaitSeconds int `json:"retryWaitSeconds" validate:"min=0"`
}

// NotifierConfig is the union of every notifier type's settings. With none of
// the On* flags set, the notifier fires for every status.
type NotifierConfig struct {
	Type string `json:"type" validate:"required,oneof=log webhook slack command nats"`

	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers"`
	Channel   string            `json:"channel"`
	Username  string            `json:"username"`
	Command   string            `json:"command"`
	Subject   string            `json:"subject"`
	CredsFile string            `json:"credsFile"`

	OnSuccess bool `json:"onSuccess"`
	OnWarning bool `json:"onWarning"`
	OnFailure bool `json:"onFailure"`

	MaxRetries       int `json:"maxRetries" validate:"min=0"`
	RetryWaitSeconds int `json:"retryWaitSeconds" validate:"min=0"`
	TimeoutSeconds   int `json:"timeoutSeconds" validate:"min=0"`
}

type HooksConfig struct {
	// SECURITY: These commands are executed as provided. Ensure they are from a trusted source.
	Before   []string `json:"before"`
	After    []string `json:"after"`
	FailFast bool     `json:"failFast"`
}

// NewDefault returns the settings every config file starts from.
func NewDefault() Config {
	return Config{
		Version:  buildinfo.Version,
		LogLevel: "info",
		WorkDir:  "/var/tmp/pgl-dump",
		DataDir:  "/var/lib/pgl-dump",
		Lock: LockConfig{
			Driver:    "file",
			KeyPrefix: "pgl-dump:lock:",
		},
		History: HistoryConfig{
			Driver: "yaml",
		},
		Performance: PerformanceConfig{
			DeleteWorkers: 4,
			ParallelJobs:  2,
		},
	}
}

// Load merges defaults, the config file at path and the environment. An empty
// path uses ConfigFileName in the current directory. The result is not yet
// validated.
func Load(path string) (Config, error) {
	if path == "" {
		path = ConfigFileName
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("could not determine absolute path for config file %s: %w", path, err)
	}
	if _, err := os.Stat(absPath); err != nil {
		return Config{}, fmt.Errorf("error opening config file %s: %w", absPath, err)
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(NewDefault(), "json"), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load defaults: %w", err)
	}

	plog.Info("Loading configuration", "path", absPath)
	if err := k.Load(file.Provider(absPath), yaml.Parser()); err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", absPath, err)
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	cfg := Config{}
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return Config{}, &ValidationError{Reason: err.Error()}
	}
	cfg.Runtime.ConfigPath = absPath

	// The file's version is informational; a migration step would go here.
	cfg.Version = buildinfo.Version
	return cfg, nil
}

// envTransform maps a PGL_DUMP_ variable onto its koanf path. Unknown
// variables return "" and are skipped.
func envTransform(key string) string {
	return envKeys[key]
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func init() {
	// Report keys by their config file names.
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

// Validate checks the configuration. Paths are expanded and cleaned in place.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			field := strings.TrimPrefix(fe.Namespace(), "Config.")
			return invalid(field, "failed on '%s' check (value %v)", tagDescription(fe), fe.Value())
		}
		return &ValidationError{Reason: err.Error()}
	}

	var err error
	if c.WorkDir, err = cleanPath(c.WorkDir); err != nil {
		return invalid("workDir", "%v", err)
	}
	if c.DataDir, err = cleanPath(c.DataDir); err != nil {
		return invalid("dataDir", "%v", err)
	}
	if c.Lock.Dir == "" {
		c.Lock.Dir = filepath.Join(c.DataDir, "locks")
	} else if c.Lock.Dir, err = cleanPath(c.Lock.Dir); err != nil {
		return invalid("lock.dir", "%v", err)
	}
	if c.Lock.Driver == "redis" && c.Lock.RedisURL == "" {
		return invalid("lock.redisURL", "required when lock.driver is 'redis'")
	}
	if len(c.Jobs) == 0 {
		return invalid("jobs", "at least one job must be configured")
	}

	triggers := make(map[string]int)
	for i := range c.Jobs {
		job := &c.Jobs[i]
		prefix := fmt.Sprintf("jobs[%d]", i)
		key := util.SanitizeName(job.Trigger)
		if key == "" {
			return invalid(prefix+".trigger", "%q has no usable characters", job.Trigger)
		}
		if j, dup := triggers[key]; dup {
			return invalid(prefix+".trigger", "%q collides with jobs[%d]", job.Trigger, j)
		}
		triggers[key] = i
		if err := job.validate(prefix); err != nil {
			return err
		}
	}
	return nil
}

func (j *JobConfig) validate(prefix string) error {
	sources := make(map[string]bool)
	for i := range j.Sources {
		s := &j.Sources[i]
		field := fmt.Sprintf("%s.sources[%d]", prefix, i)
		if err := s.validate(field); err != nil {
			return err
		}
		key := s.kind() + "/" + util.SanitizeName(s.Name)
		if sources[key] {
			return invalid(field+".name", "duplicate source %q", s.Name)
		}
		sources[key] = true
	}

	c := j.Compressor
	if _, err := compressor.ParseLevel(c.Level); err != nil {
		return invalid(prefix+".compressor.level", "%v", err)
	}
	if c.Type == "custom" && (c.Command == "" || c.Extension == "") {
		return invalid(prefix+".compressor", "custom compressor needs 'command' and 'extension'")
	}
	if j.Encryptor.Type != "" && j.Encryptor.Passphrase.empty() {
		return invalid(prefix+".encryptor.passphrase", "one of value, env, file or keyringService is required")
	}
	if j.Encryptor.Passphrase.KeyringService != "" && j.Encryptor.Passphrase.KeyringUser == "" {
		return invalid(prefix+".encryptor.passphrase.keyringUser", "required with keyringService")
	}

	ids := make(map[string]bool)
	for i := range j.Storages {
		s := &j.Storages[i]
		field := fmt.Sprintf("%s.storages[%d]", prefix, i)
		if ids[s.ID] {
			return invalid(field+".id", "duplicate storage id %q", s.ID)
		}
		ids[s.ID] = true
		if err := s.validate(field); err != nil {
			return err
		}
	}

	for i, n := range j.Notifiers {
		field := fmt.Sprintf("%s.notifiers[%d]", prefix, i)
		switch n.Type {
		case "webhook", "slack", "nats":
			if n.URL == "" {
				return invalid(field+".url", "required for %s notifiers", n.Type)
			}
		case "command":
			if n.Command == "" {
				return invalid(field+".command", "required for command notifiers")
			}
		}
	}
	return nil
}

func (s *SourceConfig) kind() string {
	switch s.Type {
	case "archive":
		return "archives"
	case "command":
		if s.Kind != "" {
			return s.Kind
		}
	}
	return "databases"
}

func (s *SourceConfig) validate(field string) error {
	switch s.Type {
	case "archive":
		if len(s.Paths) == 0 {
			return invalid(field+".paths", "archive sources need at least one path")
		}
	case "postgresql":
		if s.Database == "" && !s.DumpAll {
			return invalid(field+".database", "required unless dumpAll is set")
		}
	case "mysql", "mongodb":
		if s.Database == "" {
			return invalid(field+".database", "required for %s sources", s.Type)
		}
	case "sqlite":
		if s.Path == "" {
			return invalid(field+".path", "required for sqlite sources")
		}
	case "command":
		if s.Command == "" {
			return invalid(field+".command", "required for command sources")
		}
		if s.Extension == "" {
			return invalid(field+".extension", "required for command sources")
		}
	}
	return nil
}

func (s *StorageConfig) validate(field string) error {
	var err error
	switch s.Type {
	case "local":
		if s.Path == "" {
			return invalid(field+".path", "required for local storages")
		}
		if s.Path, err = cleanPath(s.Path); err != nil {
			return invalid(field+".path", "%v", err)
		}
	case "rsync":
		if s.Path == "" {
			return invalid(field+".path", "required for rsync storages")
		}
	case "s3":
		if s.Bucket == "" {
			return invalid(field+".bucket", "required for s3 storages")
		}
		if (s.AccessKeyID == "") != (s.SecretAccessKey == "") {
			return invalid(field+".secretAccessKey", "accessKeyID and secretAccessKey must be set together")
		}
	}
	return nil
}

func cleanPath(p string) (string, error) {
	expanded, err := util.ExpandPath(p)
	if err != nil {
		return "", err
	}
	return filepath.Clean(expanded), nil
}

func tagDescription(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

// Select returns the jobs for triggers in the given order. No triggers selects all jobs.
func (c *Config) Select(triggers []string) ([]JobConfig, error) {
	if len(triggers) == 0 {
		return c.Jobs, nil
	}
	var out []JobConfig
	for _, t := range triggers {
		found := false
		for _, j := range c.Jobs {
			if j.Trigger == t {
				out = append(out, j)
				found = true
				break
			}
		}
		if !found {
			return nil, invalid("trigger", "no job with trigger %q", t)
		}
	}
	return out, nil
}

// Generate writes the starter configuration to path. An existing file is only
// replaced with force.
func Generate(path string, force bool) error {
	if path == "" {
		path = ConfigFileName
	}
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file %s already exists, use --force to overwrite", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(StarterConfig()), util.UserOnlyFilePerms); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	plog.Info("Successfully saved config file", "path", path)
	return nil
}

// LogSummary logs the effective settings.
func (c *Config) LogSummary() {
	triggers := make([]string, len(c.Jobs))
	for i, j := range c.Jobs {
		triggers[i] = j.Trigger
	}
	logArgs := []any{
		"config", c.Runtime.ConfigPath,
		"log_level", c.LogLevel,
		"work_dir", c.WorkDir,
		"data_dir", c.DataDir,
		"lock", c.Lock.Driver,
		"history", c.History.Driver,
		"delete_workers", c.Performance.DeleteWorkers,
		"dry_run", c.Runtime.DryRun,
		"triggers", strings.Join(triggers, ", "),
	}
	if c.Metrics.Textfile != "" {
		logArgs = append(logArgs, "metrics_textfile", c.Metrics.Textfile)
	}
	plog.Info("Configuration loaded", logArgs...)

	for _, j := range c.Jobs {
		storages := make([]string, len(j.Storages))
		for i, s := range j.Storages {
			storages[i] = fmt.Sprintf("%s(%s keep:%d)", s.ID, s.Type, s.Keep)
		}
		jobArgs := []any{
			"trigger", j.Trigger,
			"sources", len(j.Sources),
			"storages", strings.Join(storages, ", "),
		}
		if j.Compressor.Type != "" {
			jobArgs = append(jobArgs, "compressor", j.Compressor.Type)
		}
		if j.Encryptor.Type != "" {
			jobArgs = append(jobArgs, "encryptor", j.Encryptor.Type)
		}
		if j.Splitter.ChunkSizeMB > 0 {
			jobArgs = append(jobArgs, "chunk_size_mb", j.Splitter.ChunkSizeMB)
		}
		if len(j.Hooks.Before) > 0 {
			jobArgs = append(jobArgs, "before_hooks", strings.Join(j.Hooks.Before, "; "))
		}
		if len(j.Hooks.After) > 0 {
			jobArgs = append(jobArgs, "after_hooks", strings.Join(j.Hooks.After, "; "))
		}
		plog.Debug("Job configured", jobArgs...)
	}
}
