// Package domain defines the identity entities of the signing-key hierarchy.
package domain

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	apperrors "github.com/relaymesh/credserver/internal/platform/errors"
)

// MaxNameLength bounds account and user names. Names become directory
// entries, so the bound keeps paths portable.
const MaxNameLength = 64

// Operator is the root trust anchor for the deployment. It is provisioned
// out-of-band, loaded once at startup, and never mutated afterwards.
type Operator struct {
	Name       string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// Account is a namespace for users. Its claim is signed by the operator.
type Account struct {
	Name       string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	Claim      string
}

// User is a client identity within an account. Its claim is signed by the
// owning account.
type User struct {
	Account    string
	Name       string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	Claim      string
}

// ValidateName rejects names that are empty, too long, or outside the
// identifier charset (letters, digits, '-', '_'). The charset rules out
// path traversal, so validated names are safe as directory entries.
func ValidateName(name string) error {
	if name == "" {
		return apperrors.New(apperrors.CodeIdentityInvalid, "identity name is required")
	}
	if len(name) > MaxNameLength {
		return apperrors.WithMetadata(
			apperrors.CodeIdentityInvalid,
			fmt.Sprintf("identity name exceeds %d characters", MaxNameLength),
			map[string]string{"Name": name},
		)
	}
	for _, char := range name {
		if (char >= 'a' && char <= 'z') || (char >= 'A' && char <= 'Z') ||
			(char >= '0' && char <= '9') || char == '-' || char == '_' {
			continue
		}
		return apperrors.WithMetadata(
			apperrors.CodeIdentityInvalid,
			fmt.Sprintf("invalid character %q in identity name", char),
			map[string]string{"Name": name},
		)
	}
	return nil
}

// EncodeKey renders key material as unpadded standard base64, the encoding
// used in claims and seed files.
func EncodeKey(key []byte) string {
	return base64.RawStdEncoding.EncodeToString(key)
}

// EncodeKeyURL renders key material with the unpadded URL-safe base64
// alphabet, for key-addressed paths like the broker's account resolver.
func EncodeKeyURL(key []byte) string {
	return base64.RawURLEncoding.EncodeToString(key)
}

// DecodeKey reverses EncodeKey, accepting padded input for compatibility.
func DecodeKey(value string) ([]byte, error) {
	if value == "" {
		return nil, fmt.Errorf("empty key value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
