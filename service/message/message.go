// Package message compiles instructions into the signable wire message and
// pairs each required signature with its signer slot.
package message

import (
	"bytes"
	"fmt"

	"github.com/brojonat/txconfirm/service/instruction"
	"github.com/brojonat/txconfirm/service/solana"
	"github.com/brojonat/txconfirm/service/txerr"
	bin "github.com/gagliardetto/binary"
	solanago "github.com/gagliardetto/solana-go"
)

// SignerSlot is a required signature position. Index is the position in the
// message's account keys and in the transaction's signature list.
type SignerSlot struct {
	Index     int
	PublicKey solanago.PublicKey
}

// Message is a compiled, immutable transaction message bound to a freshness token.
type Message struct {
	msg   solanago.Message
	raw   []byte
	token solana.FreshnessToken
}

// New compiles instructions into a message. All instructions must agree on
// the fee payer, which becomes the first account key and first signer.
func New(token solana.FreshnessToken, ixs ...*instruction.Instruction) (*Message, error) {
	if len(ixs) == 0 {
		return nil, txerr.Validation("message", "at least one instruction is required")
	}
	if token.Blockhash.IsZero() {
		return nil, txerr.Validation("message", "freshness token has no blockhash")
	}

	payer := ixs[0].FeePayer()
	generic := make([]solanago.Instruction, len(ixs))
	for i, ix := range ixs {
		if !ix.FeePayer().Equals(payer) {
			return nil, txerr.Validation("message",
				fmt.Sprintf("instruction %d pays from %s, instruction 0 from %s", i, ix.FeePayer(), payer))
		}
		generic[i] = ix
	}

	tx, err := solanago.NewTransaction(generic, token.Blockhash, solanago.TransactionPayer(payer))
	if err != nil {
		return nil, txerr.Validation("message", err.Error())
	}
	return fromCompiled(tx.Message, token)
}

func fromCompiled(msg solanago.Message, token solana.FreshnessToken) (*Message, error) {
	raw, err := msg.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	token.Blockhash = msg.RecentBlockhash
	return &Message{msg: msg, raw: raw, token: token}, nil
}

// Decode parses the wire form produced by Encode. Only the blockhash of the
// freshness token survives the wire; its block height and fetch time are zero.
func Decode(data []byte) (*Message, error) {
	var msg solanago.Message
	dec := bin.NewBinDecoder(data)
	if err := msg.UnmarshalWithDecoder(dec); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if dec.Remaining() > 0 {
		return nil, fmt.Errorf("failed to decode message: %d trailing bytes", dec.Remaining())
	}
	return fromCompiled(msg, solana.FreshnessToken{Blockhash: msg.RecentBlockhash})
}

// Encode returns the canonical wire encoding. These are the bytes signers sign.
func (m *Message) Encode() ([]byte, error) {
	return bytes.Clone(m.raw), nil
}

// Token returns the freshness token the message was built with.
func (m *Message) Token() solana.FreshnessToken {
	return m.token
}

// FeePayer returns the account that pays the fee.
func (m *Message) FeePayer() solanago.PublicKey {
	if len(m.msg.AccountKeys) == 0 {
		return solanago.PublicKey{}
	}
	return m.msg.AccountKeys[0]
}

// AccountKeys returns a copy of the compiled account key list.
func (m *Message) AccountKeys() []solanago.PublicKey {
	return append([]solanago.PublicKey(nil), m.msg.AccountKeys...)
}

// NumInstructions returns how many instructions the message carries.
func (m *Message) NumInstructions() int {
	return len(m.msg.Instructions)
}

// SignerSlots returns the required signers in signature order.
func (m *Message) SignerSlots() []SignerSlot {
	n := int(m.msg.Header.NumRequiredSignatures)
	slots := make([]SignerSlot, 0, n)
	for i := 0; i < n && i < len(m.msg.AccountKeys); i++ {
		slots = append(slots, SignerSlot{Index: i, PublicKey: m.msg.AccountKeys[i]})
	}
	return slots
}

// Equal reports whether two messages have the same wire encoding.
func (m *Message) Equal(other *Message) bool {
	return other != nil && bytes.Equal(m.raw, other.raw)
}

// compiled returns a copy of the underlying solana-go message.
func (m *Message) compiled() solanago.Message {
	return m.msg
}
