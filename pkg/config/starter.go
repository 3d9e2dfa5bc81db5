package config

import (
	"fmt"

	"github.com/paulschiretz/pgl-dump/pkg/buildinfo"
)

// StarterConfig returns the commented config written by "init".
func StarterConfig() string {
	d := NewDefault()
	return fmt.Sprintf(starterTemplate, buildinfo.Name, buildinfo.Version, d.LogLevel, d.WorkDir, d.DataDir, d.Lock.Driver, d.History.Driver)
}

const starterTemplate = `# %s configuration (version %s)
#
# Every top-level key can be overridden from the environment, e.g.
# PGL_DUMP_LOG_LEVEL=debug or PGL_DUMP_LOCK_REDIS_URL=redis://host:6379/0.

logLevel: %s          # debug, notice, info, warn, error
workDir: %s   # packages are built here, one directory per run
dataDir: %s   # history and lock files

lock:
  driver: %s              # file, redis or none
  # redisURL: redis://localhost:6379/0

history:
  driver: %s              # yaml, sqlite or none

metrics:
  textfile: ""            # e.g. /var/lib/node_exporter/textfile/pgl_dump.prom

performance:
  deleteWorkers: 4
  parallelJobs: 2

jobs:
  - trigger: nightly
    description: Nightly database and config backup
    sources:
      - type: postgresql
        name: main_db
        database: app
        username: backup
        host: localhost
      - type: archive
        name: etc
        paths: [/etc]
        tolerateChanges: true
    compressor:
      type: zstd          # gzip, bzip2, zstd, pgzip or custom
      level: default      # default, fastest, better, best
    # encryptor:
    #   type: openssl     # openssl or gpg
    #   passphrase:
    #     env: PGL_DUMP_PASSPHRASE
    splitter:
      chunkSizeMB: 0      # 0 disables splitting
    storages:
      - type: local
        id: local
        path: /backups
        keep: 7
      # - type: s3
      #   id: offsite
      #   bucket: my-backups
      #   region: eu-central-1
      #   keep: 30
      #   retryCount: 3
      #   retryWaitSeconds: 10
    notifiers:
      - type: log
    hooks:
      before: []
      after: []
`
