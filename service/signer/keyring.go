package signer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/brojonat/txconfirm/service/message"
	"github.com/brojonat/txconfirm/service/txerr"
	solanago "github.com/gagliardetto/solana-go"
)

// Keyring is a set of signers indexed by public key.
type Keyring struct {
	signers map[solanago.PublicKey]Signer
}

// NewKeyring builds a keyring. Later signers for the same key replace earlier ones.
func NewKeyring(signers ...Signer) *Keyring {
	k := &Keyring{signers: make(map[solanago.PublicKey]Signer, len(signers))}
	for _, s := range signers {
		k.signers[s.PublicKey()] = s
	}
	return k
}

// Has reports whether the keyring can sign for pk.
func (k *Keyring) Has(pk solanago.PublicKey) bool {
	_, ok := k.signers[pk]
	return ok
}

// PublicKeys returns the keys the keyring holds.
func (k *Keyring) PublicKeys() []solanago.PublicKey {
	out := make([]solanago.PublicKey, 0, len(k.signers))
	for pk := range k.signers {
		out = append(out, pk)
	}
	return out
}

// SignMessage signs every signer slot of msg in slot order. It checks that a
// credential exists for every slot before producing any signature, so an
// incomplete signer set fails without side effects.
func (k *Keyring) SignMessage(ctx context.Context, msg *message.Message) (*message.SignedTransaction, error) {
	slots := msg.SignerSlots()
	for _, slot := range slots {
		if !k.Has(slot.PublicKey) {
			return nil, txerr.Signing("sign",
				fmt.Sprintf("no credential for signer slot %d (%s)", slot.Index, slot.PublicKey), nil)
		}
	}

	payload, err := msg.Encode()
	if err != nil {
		return nil, txerr.Signing("sign", "failed to encode message", err)
	}

	stx := message.NewSignedTransaction(msg)
	for _, slot := range slots {
		sig, err := k.signers[slot.PublicKey].Sign(ctx, payload)
		if err != nil {
			return nil, txerr.Signing("sign", fmt.Sprintf("signer %s failed", slot.PublicKey), err)
		}
		if err := stx.Attach(slot.Index, slot.PublicKey, sig); err != nil {
			return nil, err
		}
	}
	return stx, nil
}

// LogValue lists the public keys only.
func (k *Keyring) LogValue() slog.Value {
	keys := k.PublicKeys()
	strs := make([]string, len(keys))
	for i, pk := range keys {
		strs[i] = pk.String()
	}
	return slog.AnyValue(strs)
}
