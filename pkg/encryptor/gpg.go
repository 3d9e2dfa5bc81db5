package encryptor

import (
	"context"

	"github.com/paulschiretz/pgl-dump/pkg/pipeline"
	"github.com/paulschiretz/pgl-dump/pkg/util"
)

// GPG encrypts symmetrically with gpg.
type GPG struct {
	Passphrase Passphrase
	Cipher     string // defaults to AES256
	// Homedir isolates gpg from the invoking user's keyring when set.
	Homedir string
}

func (g *GPG) Name() string      { return "gpg" }
func (g *GPG) Extension() string { return ".gpg" }

func (g *GPG) Prepare(ctx context.Context, dir string) (pipeline.Stage, func() error, error) {
	secret, err := g.Passphrase.Resolve()
	if err != nil {
		return pipeline.Stage{}, nil, err
	}
	path, cleanup, err := writeSecret(dir, "gpg", secret)
	if err != nil {
		return pipeline.Stage{}, nil, err
	}

	cipher := g.Cipher
	if cipher == "" {
		cipher = "AES256"
	}
	cmd := "gpg --batch --yes --no-tty --pinentry-mode loopback"
	if g.Homedir != "" {
		cmd += " --homedir " + util.ShellQuote(g.Homedir)
	}
	cmd += " --symmetric --cipher-algo " + util.ShellQuote(cipher)
	cmd += " --passphrase-file " + util.ShellQuote(path)
	cmd += " --output -"
	return pipeline.Stage{Name: "encrypt:gpg", Command: cmd}, cleanup, nil
}

var _ Encryptor = (*GPG)(nil)
