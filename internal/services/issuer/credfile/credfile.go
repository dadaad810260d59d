// Package credfile serializes the client-facing credential bundle: the
// signed user claim followed by the user's private seed, each wrapped in a
// boundary marker, in the plain-text layout broker clients consume.
package credfile

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/relaymesh/credserver/internal/services/issuer/domain"
)

const (
	claimHeader = "-----BEGIN BROKER USER CLAIM-----"
	claimFooter = "------END BROKER USER CLAIM------"
	seedHeader  = "-----BEGIN USER PRIVATE SEED-----"
	seedFooter  = "------END USER PRIVATE SEED------"

	seedWarning = "*** Keep the seed private: anyone holding it can authenticate as this user. ***"
)

// Package combines a signed user claim and the user's private key into the
// credential bundle. Pure serialization: no network or disk access.
func Package(claim string, key ed25519.PrivateKey) ([]byte, error) {
	claim = strings.TrimSpace(claim)
	if claim == "" {
		return nil, fmt.Errorf("user claim is required")
	}
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("user private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(key))
	}

	var b strings.Builder
	b.WriteString(claimHeader + "\n")
	b.WriteString(claim + "\n")
	b.WriteString(claimFooter + "\n")
	b.WriteString("\n")
	b.WriteString(seedWarning + "\n")
	b.WriteString(seedHeader + "\n")
	b.WriteString(domain.EncodeKey(key.Seed()) + "\n")
	b.WriteString(seedFooter + "\n")
	return []byte(b.String()), nil
}

// Parse extracts the claim and private key from a credential bundle. It is
// the inverse of Package and accepts surrounding free text, so bundles may
// carry comments.
func Parse(bundle []byte) (string, ed25519.PrivateKey, error) {
	text := string(bundle)
	claim, err := extractBlock(text, claimHeader, claimFooter)
	if err != nil {
		return "", nil, err
	}
	encodedSeed, err := extractBlock(text, seedHeader, seedFooter)
	if err != nil {
		return "", nil, err
	}
	seed, err := domain.DecodeKey(encodedSeed)
	if err != nil {
		return "", nil, fmt.Errorf("decode bundle seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return "", nil, fmt.Errorf("bundle seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return claim, ed25519.NewKeyFromSeed(seed), nil
}

func extractBlock(text, header, footer string) (string, error) {
	start := strings.Index(text, header)
	if start == -1 {
		return "", fmt.Errorf("bundle is missing %q", header)
	}
	rest := text[start+len(header):]
	end := strings.Index(rest, footer)
	if end == -1 {
		return "", fmt.Errorf("bundle is missing %q", footer)
	}
	body := strings.TrimSpace(rest[:end])
	if body == "" {
		return "", fmt.Errorf("bundle block %q is empty", header)
	}
	return body, nil
}
