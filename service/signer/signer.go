// Package signer produces signatures over transaction messages. Key material
// stays inside the Signer; only public keys and signatures leave it.
package signer

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"

	"github.com/brojonat/txconfirm/service/txerr"
	solanago "github.com/gagliardetto/solana-go"
)

// Signer signs messages for one account.
type Signer interface {
	PublicKey() solanago.PublicKey
	Sign(ctx context.Context, message []byte) (solanago.Signature, error)
}

// KeypairSigner holds an ed25519 keypair in memory.
type KeypairSigner struct {
	key solanago.PrivateKey
}

// NewKeypairSigner wraps a private key.
func NewKeypairSigner(key solanago.PrivateKey) (*KeypairSigner, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, txerr.Signing("load",
			fmt.Sprintf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(key)), nil)
	}
	return &KeypairSigner{key: key}, nil
}

// LoadKeygenFile reads a keypair written by `solana-keygen new`.
func LoadKeygenFile(path string) (*KeypairSigner, error) {
	key, err := solanago.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, txerr.Signing("load", fmt.Sprintf("failed to read keypair file %s", path), err)
	}
	return NewKeypairSigner(key)
}

// Generate creates a signer with a fresh random keypair.
func Generate() (*KeypairSigner, error) {
	key, err := solanago.NewRandomPrivateKey()
	if err != nil {
		return nil, txerr.Signing("generate", "failed to generate keypair", err)
	}
	return &KeypairSigner{key: key}, nil
}

func (s *KeypairSigner) PublicKey() solanago.PublicKey {
	return s.key.PublicKey()
}

func (s *KeypairSigner) Sign(ctx context.Context, message []byte) (solanago.Signature, error) {
	if err := ctx.Err(); err != nil {
		return solanago.Signature{}, txerr.Signing("sign", "context done", err)
	}
	sig, err := s.key.Sign(message)
	if err != nil {
		return solanago.Signature{}, txerr.Signing("sign", "ed25519 sign failed", err)
	}
	return sig, nil
}

// String prints the public key only.
func (s *KeypairSigner) String() string {
	return "keypair(" + s.PublicKey().String() + ")"
}

// GoString keeps %#v from dumping the key.
func (s *KeypairSigner) GoString() string {
	return s.String()
}

// LogValue keeps slog from dumping the key.
func (s *KeypairSigner) LogValue() slog.Value {
	return slog.StringValue(s.PublicKey().String())
}
