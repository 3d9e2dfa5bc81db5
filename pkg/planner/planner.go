// Package planner resolves a validated configuration into runnable job models.
//
// Each configured type name maps onto a constructor in a static registry.
// Nothing is registered at runtime, so the set of supported sources, stages,
// storages and notifiers is exactly what this file lists.
package planner

import (
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-dump/pkg/compressor"
	"github.com/paulschiretz/pgl-dump/pkg/config"
	"github.com/paulschiretz/pgl-dump/pkg/cycler"
	"github.com/paulschiretz/pgl-dump/pkg/encryptor"
	"github.com/paulschiretz/pgl-dump/pkg/history"
	"github.com/paulschiretz/pgl-dump/pkg/hook"
	"github.com/paulschiretz/pgl-dump/pkg/job"
	"github.com/paulschiretz/pgl-dump/pkg/metrics"
	"github.com/paulschiretz/pgl-dump/pkg/notifier"
	"github.com/paulschiretz/pgl-dump/pkg/packager"
	"github.com/paulschiretz/pgl-dump/pkg/pipeline"
	"github.com/paulschiretz/pgl-dump/pkg/runlock"
	"github.com/paulschiretz/pgl-dump/pkg/source"
	"github.com/paulschiretz/pgl-dump/pkg/storage"
)

const defaultNotifyTimeout = 30 * time.Second

// Deps are the collaborators shared by every job of one invocation. All are optional.
type Deps struct {
	History history.Store
	Locker  runlock.Locker
	Metrics *metrics.Recorder
	// Clock overrides the run timestamp source of every job.
	Clock func() time.Time
}

type (
	sourceFactory     func(c config.SourceConfig) (source.Source, error)
	compressorFactory func(c config.CompressorConfig) (compressor.Compressor, error)
	encryptorFactory  func(c config.EncryptorConfig) (encryptor.Encryptor, error)
	storageFactory    func(c config.StorageConfig, exec *pipeline.Executor) (storage.Storage, error)
	notifierFactory   func(c config.NotifierConfig, exec *pipeline.Executor) (notifier.Notifier, error)
)

var sourceRegistry = map[string]sourceFactory{
	"archive": func(c config.SourceConfig) (source.Source, error) {
		return &source.Archive{
			ArchiveName:     c.Name,
			Paths:           c.Paths,
			Excludes:        c.Excludes,
			Root:            c.Root,
			UseSudo:         c.UseSudo,
			TolerateChanges: c.TolerateChanges,
			TarOptions:      c.TarOptions,
		}, nil
	},
	"postgresql": func(c config.SourceConfig) (source.Source, error) {
		return &source.PostgreSQL{
			DumpName:          c.Name,
			Database:          c.Database,
			Username:          c.Username,
			Password:          c.Password,
			Host:              c.Host,
			Port:              c.Port,
			Socket:            c.Socket,
			OnlyTables:        c.OnlyTables,
			SkipTables:        c.SkipTables,
			DumpAll:           c.DumpAll,
			UseSudo:           c.UseSudo,
			AdditionalOptions: c.AdditionalOptions,
		}, nil
	},
	"mysql": func(c config.SourceConfig) (source.Source, error) {
		return &source.MySQL{
			DumpName:          c.Name,
			Database:          c.Database,
			Username:          c.Username,
			Password:          c.Password,
			Host:              c.Host,
			Port:              c.Port,
			Socket:            c.Socket,
			OnlyTables:        c.OnlyTables,
			SkipTables:        c.SkipTables,
			AdditionalOptions: c.AdditionalOptions,
		}, nil
	},
	"mongodb": func(c config.SourceConfig) (source.Source, error) {
		return &source.MongoDB{
			DumpName:          c.Name,
			Database:          c.Database,
			Username:          c.Username,
			Password:          c.Password,
			Host:              c.Host,
			Port:              c.Port,
			AuthDatabase:      c.AuthDatabase,
			AdditionalOptions: c.AdditionalOptions,
		}, nil
	},
	"sqlite": func(c config.SourceConfig) (source.Source, error) {
		return &source.SQLite{DumpName: c.Name, Path: c.Path, Binary: c.Binary, UseSudo: c.UseSudo}, nil
	},
	"command": func(c config.SourceConfig) (source.Source, error) {
		return &source.Command{
			DumpName:        c.Name,
			SourceKind:      c.Kind,
			Run:             c.Command,
			Ext:             c.Extension,
			AcceptExitCodes: c.AcceptExitCodes,
		}, nil
	},
}

var compressorRegistry = map[string]compressorFactory{
	"gzip": func(c config.CompressorConfig) (compressor.Compressor, error) {
		lvl, err := compressor.ParseLevel(c.Level)
		return &compressor.Gzip{Level: lvl, Rsyncable: c.Rsyncable}, err
	},
	"bzip2": func(c config.CompressorConfig) (compressor.Compressor, error) {
		lvl, err := compressor.ParseLevel(c.Level)
		return &compressor.Bzip2{Level: lvl}, err
	},
	"zstd": func(c config.CompressorConfig) (compressor.Compressor, error) {
		lvl, err := compressor.ParseLevel(c.Level)
		return &compressor.Zstd{Level: lvl, Concurrency: c.Concurrency}, err
	},
	"pgzip": func(c config.CompressorConfig) (compressor.Compressor, error) {
		lvl, err := compressor.ParseLevel(c.Level)
		return &compressor.Pgzip{Level: lvl, Blocks: c.Concurrency}, err
	},
	"custom": func(c config.CompressorConfig) (compressor.Compressor, error) {
		return &compressor.Custom{Command: c.Command, Ext: c.Extension}, nil
	},
}

func passphrase(c config.PassphraseConfig) encryptor.Passphrase {
	p := encryptor.Passphrase{Value: c.Value, Env: c.Env, File: c.File}
	if c.KeyringService != "" {
		p.Keyring = &encryptor.KeyringRef{Service: c.KeyringService, User: c.KeyringUser}
	}
	return p
}

var encryptorRegistry = map[string]encryptorFactory{
	"openssl": func(c config.EncryptorConfig) (encryptor.Encryptor, error) {
		return &encryptor.OpenSSL{Passphrase: passphrase(c.Passphrase), Base64: c.Base64, Iterations: c.Iterations}, nil
	},
	"gpg": func(c config.EncryptorConfig) (encryptor.Encryptor, error) {
		return &encryptor.GPG{Passphrase: passphrase(c.Passphrase), Cipher: c.Cipher, Homedir: c.Homedir}, nil
	},
}

var storageRegistry = map[string]storageFactory{
	"local": func(c config.StorageConfig, _ *pipeline.Executor) (storage.Storage, error) {
		return &storage.Local{Name: c.ID, Path: c.Path, BandwidthLimitKB: c.BandwidthLimitKB, RequireMount: c.RequireMount}, nil
	},
	"rsync": func(c config.StorageConfig, exec *pipeline.Executor) (storage.Storage, error) {
		return &storage.RSync{
			Name:              c.ID,
			Host:              c.Host,
			Port:              c.Port,
			User:              c.User,
			Path:              c.Path,
			SSHOptions:        c.SSHOptions,
			AdditionalOptions: c.AdditionalOptions,
			Executor:          exec,
		}, nil
	},
	"s3": func(c config.StorageConfig, _ *pipeline.Executor) (storage.Storage, error) {
		return &storage.S3{
			Name:            c.ID,
			Bucket:          c.Bucket,
			Prefix:          c.Prefix,
			Region:          c.Region,
			Endpoint:        c.Endpoint,
			AccessKeyID:     c.AccessKeyID,
			SecretAccessKey: c.SecretAccessKey,
			PathStyle:       c.PathStyle,
			StorageClass:    c.StorageClass,
		}, nil
	},
}

var notifierRegistry = map[string]notifierFactory{
	"log": func(config.NotifierConfig, *pipeline.Executor) (notifier.Notifier, error) {
		return notifier.Log{}, nil
	},
	"webhook": func(c config.NotifierConfig, _ *pipeline.Executor) (notifier.Notifier, error) {
		return &notifier.Webhook{URL: c.URL, Headers: c.Headers}, nil
	},
	"slack": func(c config.NotifierConfig, _ *pipeline.Executor) (notifier.Notifier, error) {
		return &notifier.Slack{WebhookURL: c.URL, Channel: c.Channel, Username: c.Username}, nil
	},
	"command": func(c config.NotifierConfig, exec *pipeline.Executor) (notifier.Notifier, error) {
		return &notifier.Command{Run: c.Command, Executor: exec}, nil
	},
	"nats": func(c config.NotifierConfig, _ *pipeline.Executor) (notifier.Notifier, error) {
		return &notifier.NATS{URL: c.URL, Subject: c.Subject, CredsFile: c.CredsFile}, nil
	},
}

func unknownType(field, kind, name string) error {
	return &config.ValidationError{Field: field, Reason: fmt.Sprintf("unknown %s type %q", kind, name)}
}

// Build resolves jobs into models. cfg supplies the global settings; jobs is
// usually the result of cfg.Select.
func Build(cfg *config.Config, jobs []config.JobConfig, deps Deps) ([]*job.Model, error) {
	models := make([]*job.Model, 0, len(jobs))
	for i, jc := range jobs {
		m, err := buildJob(cfg, jc, fmt.Sprintf("jobs[%d]", i), deps)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, nil
}

func buildJob(cfg *config.Config, jc config.JobConfig, field string, deps Deps) (*job.Model, error) {
	exec := pipeline.NewExecutor(nil)
	exec.Timeout = jc.PipelineTimeout

	m := &job.Model{
		Trigger:      jc.Trigger,
		Description:  jc.Description,
		WorkDir:      cfg.WorkDir,
		ChunkSize:    int64(jc.Splitter.ChunkSizeMB) * 1024 * 1024,
		SuffixLength: jc.Splitter.SuffixLength,
		DryRun:       cfg.Runtime.DryRun,
		Packager:     packager.New(exec),
		HookRun:      hook.NewRunner(exec),
		Cycler: &cycler.Cycler{
			History:    deps.History,
			NumWorkers: cfg.Performance.DeleteWorkers,
			DryRun:     cfg.Runtime.DryRun,
			Metrics:    true,
		},
		History: deps.History,
		Locker:  deps.Locker,
		Metrics: deps.Metrics,
		Clock:   deps.Clock,
	}
	if len(jc.Hooks.Before) > 0 || len(jc.Hooks.After) > 0 {
		m.Hooks = &hook.Plan{
			Before:   jc.Hooks.Before,
			After:    jc.Hooks.After,
			DryRun:   cfg.Runtime.DryRun,
			FailFast: jc.Hooks.FailFast,
		}
	}

	for i, sc := range jc.Sources {
		f, ok := sourceRegistry[sc.Type]
		if !ok {
			return nil, unknownType(fmt.Sprintf("%s.sources[%d].type", field, i), "source", sc.Type)
		}
		src, err := f(sc)
		if err != nil {
			return nil, &config.ValidationError{Field: fmt.Sprintf("%s.sources[%d]", field, i), Reason: err.Error()}
		}
		m.Sources = append(m.Sources, src)
	}

	if t := jc.Compressor.Type; t != "" {
		f, ok := compressorRegistry[t]
		if !ok {
			return nil, unknownType(field+".compressor.type", "compressor", t)
		}
		c, err := f(jc.Compressor)
		if err != nil {
			return nil, &config.ValidationError{Field: field + ".compressor", Reason: err.Error()}
		}
		m.Compressor = c
	}

	if t := jc.Encryptor.Type; t != "" {
		f, ok := encryptorRegistry[t]
		if !ok {
			return nil, unknownType(field+".encryptor.type", "encryptor", t)
		}
		e, err := f(jc.Encryptor)
		if err != nil {
			return nil, &config.ValidationError{Field: field + ".encryptor", Reason: err.Error()}
		}
		m.Encryptor = e
	}

	for i, sc := range jc.Storages {
		f, ok := storageRegistry[sc.Type]
		if !ok {
			return nil, unknownType(fmt.Sprintf("%s.storages[%d].type", field, i), "storage", sc.Type)
		}
		st, err := f(sc, exec)
		if err != nil {
			return nil, &config.ValidationError{Field: fmt.Sprintf("%s.storages[%d]", field, i), Reason: err.Error()}
		}
		st = storage.Retrying(st, sc.RetryCount, time.Duration(sc.RetryWaitSeconds)*time.Second, nil)
		m.Destinations = append(m.Destinations, job.Destination{
			Storage: st,
			Policy: cycler.Policy{
				Keep:       sc.Keep,
				KeepWithin: sc.KeepWithin,
				Hours:      sc.Hours,
				Days:       sc.Days,
				Weeks:      sc.Weeks,
				Months:     sc.Months,
				Years:      sc.Years,
			},
		})
	}

	for i, nc := range jc.Notifiers {
		f, ok := notifierRegistry[nc.Type]
		if !ok {
			return nil, unknownType(fmt.Sprintf("%s.notifiers[%d].type", field, i), "notifier", nc.Type)
		}
		n, err := f(nc, exec)
		if err != nil {
			return nil, &config.ValidationError{Field: fmt.Sprintf("%s.notifiers[%d]", field, i), Reason: err.Error()}
		}
		m.Notifiers = append(m.Notifiers, notifier.Entry{
			Notifier:   n,
			Filter:     notifyFilter(nc),
			MaxRetries: nc.MaxRetries,
			RetryWait:  time.Duration(nc.RetryWaitSeconds) * time.Second,
			Timeout:    notifyTimeout(nc),
		})
	}
	return m, nil
}

func notifyFilter(c config.NotifierConfig) notifier.Filter {
	f := notifier.Filter{OnSuccess: c.OnSuccess, OnWarning: c.OnWarning, OnFailure: c.OnFailure}
	if f == (notifier.Filter{}) {
		return notifier.AllStatuses
	}
	return f
}

func notifyTimeout(c config.NotifierConfig) time.Duration {
	if c.TimeoutSeconds <= 0 {
		return defaultNotifyTimeout
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}
