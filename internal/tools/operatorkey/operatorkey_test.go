package operatorkey

import (
	"bytes"
	"flag"
	"strings"
	"testing"

	apperrors "github.com/relaymesh/credserver/internal/platform/errors"
	"github.com/relaymesh/credserver/internal/services/issuer/keystore"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("operator-key", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Name != "operator" {
		t.Fatalf("expected default name, got %q", cfg.Name)
	}
	if cfg.KeystoreDir != "data/keystore" {
		t.Fatalf("expected default keystore dir, got %q", cfg.KeystoreDir)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	fs := flag.NewFlagSet("operator-key", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-name", "rootco", "-keystore-dir", "/tmp/ks"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Name != "rootco" || cfg.KeystoreDir != "/tmp/ks" {
		t.Fatalf("expected overrides, got %+v", cfg)
	}
}

func TestRunProvisionsOperator(t *testing.T) {
	dir := t.TempDir()
	out := &bytes.Buffer{}
	if err := Run(Config{Name: "rootco", KeystoreDir: dir}, out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "rootco") {
		t.Fatalf("expected operator name in output, got %q", out.String())
	}

	store, err := keystore.Open(dir)
	if err != nil {
		t.Fatalf("open keystore: %v", err)
	}
	operator, err := store.LoadOperator()
	if err != nil {
		t.Fatalf("load operator: %v", err)
	}
	if operator.Name != "rootco" {
		t.Fatalf("expected provisioned operator rootco, got %q", operator.Name)
	}
}

func TestRunRefusesSecondProvision(t *testing.T) {
	dir := t.TempDir()
	if err := Run(Config{Name: "rootco", KeystoreDir: dir}, &bytes.Buffer{}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	err := Run(Config{Name: "rootco", KeystoreDir: dir}, &bytes.Buffer{})
	if apperrors.CodeOf(err) != apperrors.CodeIdentityExists {
		t.Fatalf("expected IDENTITY_EXISTS, got %v", err)
	}
}

func TestRunRequiresOutput(t *testing.T) {
	if err := Run(Config{Name: "rootco", KeystoreDir: t.TempDir()}, nil); err == nil {
		t.Fatal("expected error for nil output")
	}
}
