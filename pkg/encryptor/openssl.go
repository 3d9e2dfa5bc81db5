package encryptor

import (
	"context"
	"strconv"

	"github.com/paulschiretz/pgl-dump/pkg/pipeline"
	"github.com/paulschiretz/pgl-dump/pkg/util"
)

// OpenSSL encrypts with `openssl enc` using AES-256-CBC and PBKDF2 key derivation.
type OpenSSL struct {
	Passphrase Passphrase
	Base64     bool
	// Iterations of PBKDF2; 0 uses openssl's default.
	Iterations int
}

func (o *OpenSSL) Name() string      { return "openssl" }
func (o *OpenSSL) Extension() string { return ".enc" }

func (o *OpenSSL) Prepare(ctx context.Context, dir string) (pipeline.Stage, func() error, error) {
	secret, err := o.Passphrase.Resolve()
	if err != nil {
		return pipeline.Stage{}, nil, err
	}
	path, cleanup, err := writeSecret(dir, "openssl", secret)
	if err != nil {
		return pipeline.Stage{}, nil, err
	}

	cmd := "openssl enc -aes-256-cbc -salt -pbkdf2"
	if o.Iterations > 0 {
		cmd += " -iter " + strconv.Itoa(o.Iterations)
	}
	if o.Base64 {
		cmd += " -base64"
	}
	cmd += " -pass " + util.ShellQuote("file:"+path)
	return pipeline.Stage{Name: "encrypt:openssl", Command: cmd}, cleanup, nil
}

var _ Encryptor = (*OpenSSL)(nil)
