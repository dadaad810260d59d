package keystore

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	apperrors "github.com/relaymesh/credserver/internal/platform/errors"
	"github.com/relaymesh/credserver/internal/services/issuer/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func staticAccountSigner(claim string) SignAccountFunc {
	return func(domain.Account) (string, error) { return claim, nil }
}

func staticUserSigner(claim string) SignUserFunc {
	return func(domain.User) (string, error) { return claim, nil }
}

func TestOpenRequiresRoot(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for blank root")
	}
}

func TestLoadOperatorNotProvisioned(t *testing.T) {
	store := openTestStore(t)
	_, err := store.LoadOperator()
	if apperrors.CodeOf(err) != apperrors.CodeOperatorNotProvisioned {
		t.Fatalf("expected OPERATOR_NOT_PROVISIONED, got %v", err)
	}
}

func TestProvisionOperatorRoundTrips(t *testing.T) {
	store := openTestStore(t)
	provisioned, err := store.ProvisionOperator("rootco")
	if err != nil {
		t.Fatalf("provision operator: %v", err)
	}

	loaded, err := store.LoadOperator()
	if err != nil {
		t.Fatalf("load operator: %v", err)
	}
	if loaded.Name != "rootco" {
		t.Fatalf("expected operator name rootco, got %q", loaded.Name)
	}
	if !bytes.Equal(loaded.PublicKey, provisioned.PublicKey) {
		t.Fatal("expected loaded operator key to match provisioned key")
	}
}

func TestProvisionOperatorTwice(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.ProvisionOperator("rootco"); err != nil {
		t.Fatalf("provision operator: %v", err)
	}
	_, err := store.ProvisionOperator("rootco")
	if apperrors.CodeOf(err) != apperrors.CodeIdentityExists {
		t.Fatalf("expected IDENTITY_EXISTS, got %v", err)
	}
}

func TestGetAccountNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.GetAccount(context.Background(), "missing")
	if apperrors.CodeOf(err) != apperrors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestCreateAccountRoundTrips(t *testing.T) {
	store := openTestStore(t)
	created, ok, err := store.CreateAccount(context.Background(), "myapp", staticAccountSigner("claim-a"))
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if !ok {
		t.Fatal("expected first create to report the account as created")
	}
	if created.Claim != "claim-a" {
		t.Fatalf("expected signed claim, got %q", created.Claim)
	}

	loaded, err := store.GetAccount(context.Background(), "myapp")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !bytes.Equal(loaded.PublicKey, created.PublicKey) {
		t.Fatal("expected persisted public key to match created key")
	}
	if loaded.Claim != "claim-a" {
		t.Fatalf("expected persisted claim, got %q", loaded.Claim)
	}
	if !bytes.Equal(loaded.PrivateKey.Seed(), created.PrivateKey.Seed()) {
		t.Fatal("expected persisted seed to match created seed")
	}
}

func TestCreateAccountIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	first, firstCreated, err := store.CreateAccount(context.Background(), "myapp", staticAccountSigner("claim-a"))
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, secondCreated, err := store.CreateAccount(context.Background(), "myapp", staticAccountSigner("claim-b"))
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if !firstCreated || secondCreated {
		t.Fatalf("expected created flags (true, false), got (%t, %t)", firstCreated, secondCreated)
	}
	if !bytes.Equal(first.PublicKey, second.PublicKey) {
		t.Fatal("expected second create to observe the existing keypair")
	}
	if second.Claim != "claim-a" {
		t.Fatalf("expected original claim, got %q", second.Claim)
	}
}

func TestCreateAccountConcurrent(t *testing.T) {
	store := openTestStore(t)
	const workers = 16

	var wg sync.WaitGroup
	results := make([]domain.Account, workers)
	createdFlags := make([]bool, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], createdFlags[i], errs[i] = store.CreateAccount(context.Background(), "shared", staticAccountSigner("claim"))
		}(i)
	}
	wg.Wait()

	creators := 0
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if createdFlags[i] {
			creators++
		}
		if !bytes.Equal(results[i].PublicKey, results[0].PublicKey) {
			t.Fatal("expected all workers to observe one keypair")
		}
	}
	if creators != 1 {
		t.Fatalf("expected exactly one worker to create the account, got %d", creators)
	}
}

func TestCreateAccountSignFailureLeavesNoState(t *testing.T) {
	store := openTestStore(t)
	signErr := errors.New("bad key")
	_, _, err := store.CreateAccount(context.Background(), "myapp", func(domain.Account) (string, error) {
		return "", signErr
	})
	if !errors.Is(err, signErr) {
		t.Fatalf("expected sign error, got %v", err)
	}
	if _, err := store.GetAccount(context.Background(), "myapp"); apperrors.CodeOf(err) != apperrors.CodeNotFound {
		t.Fatalf("expected no persisted account, got %v", err)
	}
}

func TestCreateUserRequiresAccount(t *testing.T) {
	store := openTestStore(t)
	_, _, err := store.CreateUser(context.Background(), "ghost", "client1", staticUserSigner("claim"))
	if apperrors.CodeOf(err) != apperrors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND for missing account, got %v", err)
	}
}

func TestCreateUserRoundTrips(t *testing.T) {
	store := openTestStore(t)
	if _, _, err := store.CreateAccount(context.Background(), "myapp", staticAccountSigner("claim-a")); err != nil {
		t.Fatalf("create account: %v", err)
	}
	created, ok, err := store.CreateUser(context.Background(), "myapp", "client1", staticUserSigner("claim-u"))
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if !ok {
		t.Fatal("expected first create to report the user as created")
	}
	loaded, err := store.GetUser(context.Background(), "myapp", "client1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if !bytes.Equal(loaded.PublicKey, created.PublicKey) {
		t.Fatal("expected persisted user key to match created key")
	}
	if loaded.Claim != "claim-u" {
		t.Fatalf("expected persisted user claim, got %q", loaded.Claim)
	}
	if loaded.Account != "myapp" {
		t.Fatalf("expected user scoped to myapp, got %q", loaded.Account)
	}
}

func TestCreateUserIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	if _, _, err := store.CreateAccount(context.Background(), "myapp", staticAccountSigner("claim-a")); err != nil {
		t.Fatalf("create account: %v", err)
	}
	first, firstCreated, err := store.CreateUser(context.Background(), "myapp", "client1", staticUserSigner("claim-u"))
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, secondCreated, err := store.CreateUser(context.Background(), "myapp", "client1", staticUserSigner("claim-x"))
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if !firstCreated || secondCreated {
		t.Fatalf("expected created flags (true, false), got (%t, %t)", firstCreated, secondCreated)
	}
	if !bytes.Equal(first.PublicKey, second.PublicKey) {
		t.Fatal("expected second create to observe the existing user keypair")
	}
}

func TestDiscardAccountRemovesState(t *testing.T) {
	store := openTestStore(t)
	if _, _, err := store.CreateAccount(context.Background(), "myapp", staticAccountSigner("claim-a")); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if err := store.DiscardAccount(context.Background(), "myapp"); err != nil {
		t.Fatalf("discard account: %v", err)
	}
	if _, err := store.GetAccount(context.Background(), "myapp"); apperrors.CodeOf(err) != apperrors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND after discard, got %v", err)
	}
	// A retry after discard must be able to create the account cleanly.
	if _, _, err := store.CreateAccount(context.Background(), "myapp", staticAccountSigner("claim-b")); err != nil {
		t.Fatalf("recreate after discard: %v", err)
	}
}

func TestCreateRejectsUnsafeNames(t *testing.T) {
	store := openTestStore(t)
	for _, name := range []string{"", "..", "a/b"} {
		if _, _, err := store.CreateAccount(context.Background(), name, staticAccountSigner("c")); apperrors.CodeOf(err) != apperrors.CodeIdentityInvalid {
			t.Fatalf("expected IDENTITY_INVALID for %q, got %v", name, err)
		}
	}
	entries, err := os.ReadDir(filepath.Join(store.Root(), "accounts"))
	if err != nil {
		t.Fatalf("read accounts dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no storage mutation, found %d entries", len(entries))
	}
}

func TestNoStageDirsLeftBehind(t *testing.T) {
	store := openTestStore(t)
	if _, _, err := store.CreateAccount(context.Background(), "myapp", staticAccountSigner("claim-a")); err != nil {
		t.Fatalf("create account: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(store.Root(), "accounts"))
	if err != nil {
		t.Fatalf("read accounts dir: %v", err)
	}
	for _, entry := range entries {
		if entry.Name() != "myapp" {
			t.Fatalf("unexpected entry %q in accounts dir", entry.Name())
		}
	}
}

func TestHalfWrittenStageIsInvisible(t *testing.T) {
	store := openTestStore(t)
	// Simulate a crash mid-creation: a stage directory with a seed but no
	// published identity.
	stage := filepath.Join(store.Root(), "accounts", ".tmp-deadbeef")
	if err := os.MkdirAll(stage, 0o755); err != nil {
		t.Fatalf("mkdir stage: %v", err)
	}
	seed := domain.EncodeKey(make([]byte, ed25519.SeedSize))
	if err := os.WriteFile(filepath.Join(stage, "account.seed"), []byte(seed), 0o600); err != nil {
		t.Fatalf("write stage seed: %v", err)
	}

	if _, err := store.GetAccount(context.Background(), "myapp"); apperrors.CodeOf(err) != apperrors.CodeNotFound {
		t.Fatalf("expected stage dir to stay invisible, got %v", err)
	}
	// The name can still be created cleanly after the simulated crash.
	if _, _, err := store.CreateAccount(context.Background(), "myapp", staticAccountSigner("claim")); err != nil {
		t.Fatalf("create after simulated crash: %v", err)
	}
}

func TestSeedFilePermissions(t *testing.T) {
	store := openTestStore(t)
	if _, _, err := store.CreateAccount(context.Background(), "myapp", staticAccountSigner("claim-a")); err != nil {
		t.Fatalf("create account: %v", err)
	}
	info, err := os.Stat(filepath.Join(store.Root(), "accounts", "myapp", "account.seed"))
	if err != nil {
		t.Fatalf("stat seed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected seed mode 0600, got %o", perm)
	}
}
