// Package encryptor provides the encryption stage of a backup pipeline.
//
// Encryptors need a secret before they can produce their command. Prepare writes
// the passphrase to a user-only file inside the run directory and hands the stage
// a path to it, so the secret never shows up in a process listing. The returned
// cleanup removes the file again.
package encryptor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"

	"github.com/paulschiretz/pgl-dump/pkg/pipeline"
	"github.com/paulschiretz/pgl-dump/pkg/util"
)

// Encryptor turns a plain stream into an encrypted one.
type Encryptor interface {
	Name() string
	Extension() string
	// Prepare performs the key setup in dir and returns the stage plus a cleanup func.
	Prepare(ctx context.Context, dir string) (pipeline.Stage, func() error, error)
}

// ErrNoPassphrase is returned when no passphrase source yields a value.
var ErrNoPassphrase = errors.New("no passphrase configured")

// Passphrase describes where the secret comes from. The first non-empty source wins,
// in field order.
type Passphrase struct {
	Value   string
	Env     string
	File    string
	Keyring *KeyringRef
}

// KeyringRef points at a secret in the OS keyring.
type KeyringRef struct {
	Service string
	User    string
}

// Resolve returns the passphrase.
func (p Passphrase) Resolve() (string, error) {
	if p.Value != "" {
		return p.Value, nil
	}
	if p.Env != "" {
		if v := os.Getenv(p.Env); v != "" {
			return v, nil
		}
		return "", fmt.Errorf("%w: environment variable %s is empty", ErrNoPassphrase, p.Env)
	}
	if p.File != "" {
		path, err := util.ExpandPath(p.File)
		if err != nil {
			return "", err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read passphrase file: %w", err)
		}
		if v := strings.TrimRight(string(data), "\r\n"); v != "" {
			return v, nil
		}
		return "", fmt.Errorf("%w: passphrase file %s is empty", ErrNoPassphrase, path)
	}
	if p.Keyring != nil {
		v, err := keyring.Get(p.Keyring.Service, p.Keyring.User)
		if err != nil {
			return "", fmt.Errorf("failed to read passphrase from keyring (%s/%s): %w", p.Keyring.Service, p.Keyring.User, err)
		}
		return v, nil
	}
	return "", ErrNoPassphrase
}

// writeSecret stores the passphrase in a user-only temp file inside dir.
func writeSecret(dir, prefix, secret string) (string, func() error, error) {
	if err := os.MkdirAll(dir, util.UserOnlyDirPerms); err != nil {
		return "", nil, fmt.Errorf("failed to create secret directory: %w", err)
	}
	f, err := os.CreateTemp(dir, prefix+"-*.pass")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create passphrase file: %w", err)
	}
	path := f.Name()
	cleanup := func() error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	if err := f.Chmod(util.UserOnlyFilePerms); err != nil {
		f.Close()
		cleanup()
		return "", nil, err
	}
	if _, err := f.WriteString(secret); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("failed to write passphrase file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	return abs, cleanup, nil
}
