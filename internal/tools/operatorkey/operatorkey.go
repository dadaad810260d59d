// Package operatorkey provisions the operator keypair for a keystore. It is
// the out-of-band setup step the issuer requires before it will start.
package operatorkey

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/relaymesh/credserver/internal/services/issuer/domain"
	"github.com/relaymesh/credserver/internal/services/issuer/keystore"
)

// Config holds configuration for operator provisioning.
type Config struct {
	Name        string
	KeystoreDir string
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{
		Name:        "operator",
		KeystoreDir: "data/keystore",
	}
	fs.StringVar(&cfg.Name, "name", cfg.Name, "operator name")
	fs.StringVar(&cfg.KeystoreDir, "keystore-dir", cfg.KeystoreDir, "directory rooting the key hierarchy")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run generates the operator keypair into the keystore and reports the
// public key on out.
func Run(cfg Config, out io.Writer) error {
	if out == nil {
		return errors.New("output is required")
	}
	store, err := keystore.Open(cfg.KeystoreDir)
	if err != nil {
		return err
	}
	operator, err := store.ProvisionOperator(cfg.Name)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "provisioned operator %s\npublic key: %s\n", operator.Name, domain.EncodeKey(operator.PublicKey))
	return err
}
