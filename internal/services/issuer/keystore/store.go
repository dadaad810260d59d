// Package keystore persists the operator/account/user signing-key hierarchy
// on the local filesystem.
//
// Every identity lives in its own directory. Creation stages the directory
// under a temporary name and renames it into place, so a crash mid-write
// never leaves a half-written keypair visible to a later read, and two
// concurrent creators can never persist divergent keypairs under one name.
package keystore

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	apperrors "github.com/relaymesh/credserver/internal/platform/errors"
	"github.com/relaymesh/credserver/internal/services/issuer/domain"
)

const (
	operatorDir  = "operator"
	accountsDir  = "accounts"
	usersDir     = "users"
	seedFileMode = 0o600
	fileMode     = 0o644
	dirMode      = 0o755
)

// SignAccountFunc produces the signed claim for a freshly generated account.
// Signing stays outside the keystore so private operator material is only
// touched by the claim builder.
type SignAccountFunc func(account domain.Account) (string, error)

// SignUserFunc produces the signed claim for a freshly generated user.
type SignUserFunc func(user domain.User) (string, error)

// Store is a filesystem-backed keystore rooted at a single directory.
//
// All mutation goes through the Create and Provision methods, which hold a
// per-identity lock and publish atomically via rename. The lock makes the
// duplicate-safety contract hold even if a buggy caller races itself.
type Store struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Open prepares a keystore rooted at the given directory, creating it when
// absent.
func Open(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("keystore root is required")
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(filepath.Join(root, accountsDir), dirMode); err != nil {
		return nil, fmt.Errorf("create keystore root: %w", err)
	}
	return &Store{
		root:  root,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the keystore root directory.
func (s *Store) Root() string {
	return s.root
}

// lockFor returns the creation lock for a single identity, creating it
// lazily. Locks are never removed; the map is bounded by identity count.
func (s *Store) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

// LoadOperator reads the operator identity provisioned out-of-band.
func (s *Store) LoadOperator() (domain.Operator, error) {
	dir := filepath.Join(s.root, operatorDir)
	name, err := os.ReadFile(filepath.Join(dir, "operator.name"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.Operator{}, apperrors.New(apperrors.CodeOperatorNotProvisioned, "operator is not provisioned")
		}
		return domain.Operator{}, fmt.Errorf("read operator name: %w", err)
	}
	private, err := readSeed(filepath.Join(dir, "operator.seed"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.Operator{}, apperrors.New(apperrors.CodeOperatorNotProvisioned, "operator seed is missing")
		}
		return domain.Operator{}, fmt.Errorf("read operator seed: %w", err)
	}
	return domain.Operator{
		Name:       strings.TrimSpace(string(name)),
		PublicKey:  private.Public().(ed25519.PublicKey),
		PrivateKey: private,
	}, nil
}

// ProvisionOperator generates and persists the operator keypair. It is the
// out-of-band provisioning step and fails if an operator already exists.
func (s *Store) ProvisionOperator(name string) (domain.Operator, error) {
	if err := domain.ValidateName(name); err != nil {
		return domain.Operator{}, err
	}
	lock := s.lockFor("operator")
	lock.Lock()
	defer lock.Unlock()

	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return domain.Operator{}, fmt.Errorf("generate operator keypair: %w", err)
	}
	files := map[string]stagedFile{
		"operator.name": {data: []byte(name + "\n"), mode: fileMode},
		"operator.seed": {data: []byte(domain.EncodeKey(private.Seed()) + "\n"), mode: seedFileMode},
		"operator.pub":  {data: []byte(domain.EncodeKey(public) + "\n"), mode: fileMode},
	}
	if err := s.publishDir(filepath.Join(s.root, operatorDir), files); err != nil {
		if errors.Is(err, errDirExists) {
			return domain.Operator{}, apperrors.New(apperrors.CodeIdentityExists, "operator is already provisioned")
		}
		return domain.Operator{}, fmt.Errorf("persist operator: %w", err)
	}
	return domain.Operator{Name: name, PublicKey: public, PrivateKey: private}, nil
}

// GetAccount loads an account by name.
func (s *Store) GetAccount(ctx context.Context, name string) (domain.Account, error) {
	if err := domain.ValidateName(name); err != nil {
		return domain.Account{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.Account{}, err
	}
	dir := s.accountDir(name)
	private, claim, err := readIdentity(dir, "account")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.Account{}, apperrors.WithMetadata(apperrors.CodeNotFound, "account not found", map[string]string{"Account": name})
		}
		return domain.Account{}, fmt.Errorf("load account %s: %w", name, err)
	}
	return domain.Account{
		Name:       name,
		PublicKey:  private.Public().(ed25519.PublicKey),
		PrivateKey: private,
		Claim:      claim,
	}, nil
}

// CreateAccount generates a keypair for name, obtains its signed claim from
// sign, and persists both atomically. When a concurrent creator already
// persisted the account, the existing account is returned with created
// false; two divergent keypairs can never be published under one name. The
// created flag tells the caller whether it owns the new account, and with
// it the right to roll it back.
func (s *Store) CreateAccount(ctx context.Context, name string, sign SignAccountFunc) (domain.Account, bool, error) {
	if err := domain.ValidateName(name); err != nil {
		return domain.Account{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return domain.Account{}, false, err
	}
	lock := s.lockFor("account/" + name)
	lock.Lock()
	defer lock.Unlock()

	if existing, err := s.GetAccount(ctx, name); err == nil {
		return existing, false, nil
	} else if apperrors.CodeOf(err) != apperrors.CodeNotFound {
		return domain.Account{}, false, err
	}

	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return domain.Account{}, false, fmt.Errorf("generate account keypair: %w", err)
	}
	account := domain.Account{
		Name:       name,
		PublicKey:  public,
		PrivateKey: private,
	}
	claim, err := sign(account)
	if err != nil {
		return domain.Account{}, false, err
	}
	account.Claim = claim

	files := map[string]stagedFile{
		"account.seed": {data: []byte(domain.EncodeKey(private.Seed()) + "\n"), mode: seedFileMode},
		"account.pub":  {data: []byte(domain.EncodeKey(public) + "\n"), mode: fileMode},
		"account.jwt":  {data: []byte(claim + "\n"), mode: fileMode},
	}
	if err := s.publishDir(s.accountDir(name), files); err != nil {
		if errors.Is(err, errDirExists) {
			// Lost the race to another process sharing the store.
			existing, err := s.GetAccount(ctx, name)
			return existing, false, err
		}
		return domain.Account{}, false, fmt.Errorf("persist account %s: %w", name, err)
	}
	return account, true, nil
}

// DiscardAccount removes a persisted account. It exists solely so the
// issuance coordinator can roll back an account it created and the broker
// never learned about; callers must only discard accounts CreateAccount
// reported as created by them. There is no user-facing deletion path.
func (s *Store) DiscardAccount(ctx context.Context, name string) error {
	if err := domain.ValidateName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := s.lockFor("account/" + name)
	lock.Lock()
	defer lock.Unlock()
	if err := os.RemoveAll(s.accountDir(name)); err != nil {
		return fmt.Errorf("discard account %s: %w", name, err)
	}
	return nil
}

// GetUser loads a user within an account.
func (s *Store) GetUser(ctx context.Context, account, name string) (domain.User, error) {
	if err := domain.ValidateName(account); err != nil {
		return domain.User{}, err
	}
	if err := domain.ValidateName(name); err != nil {
		return domain.User{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.User{}, err
	}
	dir := s.userDir(account, name)
	private, claim, err := readIdentity(dir, "user")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.User{}, apperrors.WithMetadata(apperrors.CodeNotFound, "user not found", map[string]string{"Account": account, "User": name})
		}
		return domain.User{}, fmt.Errorf("load user %s/%s: %w", account, name, err)
	}
	return domain.User{
		Account:    account,
		Name:       name,
		PublicKey:  private.Public().(ed25519.PublicKey),
		PrivateKey: private,
		Claim:      claim,
	}, nil
}

// CreateUser generates a keypair for a user scoped to account, obtains its
// signed claim from sign, and persists both atomically. Duplicate safety
// and the created flag match CreateAccount.
func (s *Store) CreateUser(ctx context.Context, account, name string, sign SignUserFunc) (domain.User, bool, error) {
	if err := domain.ValidateName(account); err != nil {
		return domain.User{}, false, err
	}
	if err := domain.ValidateName(name); err != nil {
		return domain.User{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return domain.User{}, false, err
	}
	if _, err := os.Stat(s.accountDir(account)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.User{}, false, apperrors.WithMetadata(apperrors.CodeNotFound, "account not found", map[string]string{"Account": account})
		}
		return domain.User{}, false, fmt.Errorf("stat account %s: %w", account, err)
	}

	lock := s.lockFor("user/" + account + "/" + name)
	lock.Lock()
	defer lock.Unlock()

	if existing, err := s.GetUser(ctx, account, name); err == nil {
		return existing, false, nil
	} else if apperrors.CodeOf(err) != apperrors.CodeNotFound {
		return domain.User{}, false, err
	}

	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return domain.User{}, false, fmt.Errorf("generate user keypair: %w", err)
	}
	user := domain.User{
		Account:    account,
		Name:       name,
		PublicKey:  public,
		PrivateKey: private,
	}
	claim, err := sign(user)
	if err != nil {
		return domain.User{}, false, err
	}
	user.Claim = claim

	files := map[string]stagedFile{
		"user.seed": {data: []byte(domain.EncodeKey(private.Seed()) + "\n"), mode: seedFileMode},
		"user.pub":  {data: []byte(domain.EncodeKey(public) + "\n"), mode: fileMode},
		"user.jwt":  {data: []byte(claim + "\n"), mode: fileMode},
	}
	if err := s.publishDir(s.userDir(account, name), files); err != nil {
		if errors.Is(err, errDirExists) {
			existing, err := s.GetUser(ctx, account, name)
			return existing, false, err
		}
		return domain.User{}, false, fmt.Errorf("persist user %s/%s: %w", account, name, err)
	}
	return user, true, nil
}

func (s *Store) accountDir(name string) string {
	return filepath.Join(s.root, accountsDir, name)
}

func (s *Store) userDir(account, name string) string {
	return filepath.Join(s.accountDir(account), usersDir, name)
}

type stagedFile struct {
	data []byte
	mode os.FileMode
}

// errDirExists signals that the target identity directory was already
// published by a concurrent creator.
var errDirExists = errors.New("identity directory already exists")

// publishDir writes files into a temporary sibling directory, syncs them,
// and renames the directory into place. Rename onto an existing non-empty
// directory fails, which is the compare-and-create that guarantees
// at-most-one persisted keypair per name.
func (s *Store) publishDir(target string, files map[string]stagedFile) error {
	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, dirMode); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	if _, err := os.Stat(target); err == nil {
		return errDirExists
	}

	suffix := make([]byte, 6)
	if _, err := rand.Read(suffix); err != nil {
		return fmt.Errorf("stage suffix: %w", err)
	}
	stage := filepath.Join(parent, ".tmp-"+hex.EncodeToString(suffix))
	if err := os.Mkdir(stage, dirMode); err != nil {
		return fmt.Errorf("create stage dir: %w", err)
	}
	defer os.RemoveAll(stage)

	for name, file := range files {
		if err := writeFileSync(filepath.Join(stage, name), file.data, file.mode); err != nil {
			return fmt.Errorf("stage %s: %w", name, err)
		}
	}

	if err := os.Rename(stage, target); err != nil {
		if _, statErr := os.Stat(target); statErr == nil {
			return errDirExists
		}
		return fmt.Errorf("publish dir: %w", err)
	}
	syncDir(parent)
	return nil
}

// writeFileSync writes data and flushes it to durable storage before the
// surrounding create reports success.
func writeFileSync(path string, data []byte, mode os.FileMode) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

// syncDir flushes a directory entry table. Best-effort: some filesystems do
// not support syncing directories.
func syncDir(path string) {
	dir, err := os.Open(path)
	if err != nil {
		return
	}
	_ = dir.Sync()
	_ = dir.Close()
}

// readIdentity loads the seed and claim files for one identity directory.
func readIdentity(dir, prefix string) (ed25519.PrivateKey, string, error) {
	private, err := readSeed(filepath.Join(dir, prefix+".seed"))
	if err != nil {
		return nil, "", err
	}
	claim, err := os.ReadFile(filepath.Join(dir, prefix+".jwt"))
	if err != nil {
		return nil, "", err
	}
	return private, strings.TrimSpace(string(claim)), nil
}

func readSeed(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	seed, err := domain.DecodeKey(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
