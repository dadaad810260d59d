// Package claims builds and verifies the signed identity claims of the key
// hierarchy: account claims signed by the operator, user claims signed by
// the owning account.
package claims

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/relaymesh/credserver/internal/platform/errors"
	"github.com/relaymesh/credserver/internal/services/issuer/domain"
)

const (
	// TypeAccount marks a claim asserting an account identity.
	TypeAccount = "account"
	// TypeUser marks a claim asserting a user identity.
	TypeUser = "user"
)

// IdentityClaims is the claim body shared by accounts and users. Subject is
// the asserted identity's public key, Issuer the signer's public key, both
// base64-encoded.
type IdentityClaims struct {
	jwt.RegisteredClaims
	Name string `json:"name"`
	Type string `json:"type"`
}

// Builder signs identity claims. The zero value is not usable; construct
// with NewBuilder.
type Builder struct {
	now func() time.Time
}

// NewBuilder creates a claim builder. A nil clock defaults to time.Now.
func NewBuilder(now func() time.Time) *Builder {
	if now == nil {
		now = time.Now
	}
	return &Builder{now: now}
}

// BuildAccountClaim encodes the account's name and public key and signs the
// claim with the operator's private key.
func (b *Builder) BuildAccountClaim(account domain.Account, operator domain.Operator) (string, error) {
	return b.sign(
		TypeAccount,
		account.Name,
		account.PublicKey,
		operator.PublicKey,
		operator.PrivateKey,
	)
}

// BuildUserClaim encodes the user's name and public key and signs the claim
// with the owning account's private key.
func (b *Builder) BuildUserClaim(user domain.User, account domain.Account) (string, error) {
	return b.sign(
		TypeUser,
		user.Name,
		user.PublicKey,
		account.PublicKey,
		account.PrivateKey,
	)
}

func (b *Builder) sign(kind, name string, subject ed25519.PublicKey, issuer ed25519.PublicKey, key ed25519.PrivateKey) (string, error) {
	if len(key) != ed25519.PrivateKeySize {
		return "", apperrors.WithMetadata(
			apperrors.CodeSigningFailed,
			fmt.Sprintf("%s signing key is malformed or absent", kind),
			map[string]string{"Name": name},
		)
	}
	if len(subject) != ed25519.PublicKeySize || len(issuer) != ed25519.PublicKeySize {
		return "", apperrors.New(apperrors.CodeSigningFailed, "claim public key is malformed or absent")
	}

	jti, err := newClaimID()
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeSigningFailed, "generate claim id", err)
	}
	body := IdentityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   domain.EncodeKey(issuer),
			Subject:  domain.EncodeKey(subject),
			IssuedAt: jwt.NewNumericDate(b.now().UTC()),
			ID:       jti,
		},
		Name: name,
		Type: kind,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, body)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeSigningFailed, fmt.Sprintf("sign %s claim", kind), err)
	}
	return signed, nil
}

// VerifyAccountClaim checks an account claim against the operator's public
// key and returns its validated body.
func VerifyAccountClaim(claim string, operatorKey ed25519.PublicKey) (IdentityClaims, error) {
	return verify(claim, TypeAccount, operatorKey)
}

// VerifyUserClaim checks a user claim against the owning account's public
// key and returns its validated body.
func VerifyUserClaim(claim string, accountKey ed25519.PublicKey) (IdentityClaims, error) {
	return verify(claim, TypeUser, accountKey)
}

func verify(claim, kind string, key ed25519.PublicKey) (IdentityClaims, error) {
	if len(key) != ed25519.PublicKeySize {
		return IdentityClaims{}, errors.New("verification key is malformed")
	}
	var parsed IdentityClaims
	_, err := jwt.ParseWithClaims(claim, &parsed, func(*jwt.Token) (any, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
	)
	if err != nil {
		return IdentityClaims{}, fmt.Errorf("parse %s claim: %w", kind, err)
	}
	if parsed.Type != kind {
		return IdentityClaims{}, fmt.Errorf("expected %s claim, got %q", kind, parsed.Type)
	}
	if parsed.Issuer != domain.EncodeKey(key) {
		return IdentityClaims{}, fmt.Errorf("%s claim issuer does not match verification key", kind)
	}
	if parsed.Name == "" || parsed.Subject == "" {
		return IdentityClaims{}, fmt.Errorf("%s claim is missing identity fields", kind)
	}
	return parsed, nil
}

// SubjectKey decodes the claim subject back into a public key.
func (c IdentityClaims) SubjectKey() (ed25519.PublicKey, error) {
	raw, err := domain.DecodeKey(c.Subject)
	if err != nil {
		return nil, fmt.Errorf("decode claim subject: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("claim subject must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

func newClaimID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
