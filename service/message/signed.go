package message

import (
	"fmt"

	"github.com/brojonat/txconfirm/service/txerr"
	solanago "github.com/gagliardetto/solana-go"
)

// SignedTransaction collects one signature per signer slot of a Message.
// It yields a wire transaction only once every slot is filled.
type SignedTransaction struct {
	message *Message
	slots   []SignerSlot
	sigs    []solanago.Signature
	filled  []bool
}

// NewSignedTransaction starts an empty signature set for m.
func NewSignedTransaction(m *Message) *SignedTransaction {
	slots := m.SignerSlots()
	return &SignedTransaction{
		message: m,
		slots:   slots,
		sigs:    make([]solanago.Signature, len(slots)),
		filled:  make([]bool, len(slots)),
	}
}

// Message returns the message being signed.
func (s *SignedTransaction) Message() *Message {
	return s.message
}

// Slots returns the signer slots in order.
func (s *SignedTransaction) Slots() []SignerSlot {
	return append([]SignerSlot(nil), s.slots...)
}

// Attach places sig into slot index. The slot must belong to signer and the
// signature must verify against the message bytes.
func (s *SignedTransaction) Attach(index int, signer solanago.PublicKey, sig solanago.Signature) error {
	if index < 0 || index >= len(s.slots) {
		return txerr.Signing("attach", fmt.Sprintf("slot %d out of range (%d signers)", index, len(s.slots)), nil)
	}
	slot := s.slots[index]
	if !slot.PublicKey.Equals(signer) {
		return txerr.Signing("attach",
			fmt.Sprintf("slot %d belongs to %s, not %s", index, slot.PublicKey, signer), nil)
	}
	if !sig.Verify(signer, s.message.raw) {
		return txerr.Signing("attach", fmt.Sprintf("signature for slot %d (%s) does not verify", index, signer), nil)
	}
	s.sigs[index] = sig
	s.filled[index] = true
	return nil
}

// Missing returns the slots still waiting for a signature.
func (s *SignedTransaction) Missing() []SignerSlot {
	var out []SignerSlot
	for i, ok := range s.filled {
		if !ok {
			out = append(out, s.slots[i])
		}
	}
	return out
}

// Complete reports whether every slot holds a verified signature.
func (s *SignedTransaction) Complete() bool {
	return len(s.Missing()) == 0 && len(s.slots) > 0
}

// Signature returns the transaction id, the fee payer's signature.
func (s *SignedTransaction) Signature() solanago.Signature {
	if len(s.sigs) == 0 {
		return solanago.Signature{}
	}
	return s.sigs[0]
}

// Transaction returns the wire transaction. It refuses to build one from an
// incomplete signature set.
func (s *SignedTransaction) Transaction() (*solanago.Transaction, error) {
	if missing := s.Missing(); len(missing) > 0 {
		return nil, txerr.Signing("transaction",
			fmt.Sprintf("missing signature for slot %d (%s)", missing[0].Index, missing[0].PublicKey), nil)
	}
	if len(s.slots) == 0 {
		return nil, txerr.Signing("transaction", "message declares no signers", nil)
	}
	return &solanago.Transaction{
		Signatures: append([]solanago.Signature(nil), s.sigs...),
		Message:    s.message.compiled(),
	}, nil
}
