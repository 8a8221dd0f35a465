// Package instruction assembles a single program call: a program id, an
// ordered account list with read/write and signer flags, and opaque argument
// bytes. Build is pure and performs no I/O.
package instruction

import (
	"fmt"

	"github.com/brojonat/txconfirm/service/txerr"
	"github.com/gagliardetto/solana-go"
)

// AccountRef is one account an instruction touches.
type AccountRef struct {
	PublicKey solana.PublicKey
	Writable  bool
	Signer    bool
	// FeePayer marks the account that pays the transaction fee. Exactly one
	// account per instruction carries it, and it must also be a Signer.
	FeePayer bool
}

// Instruction is an immutable, validated program call.
// It satisfies solana.Instruction.
type Instruction struct {
	programID solana.PublicKey
	accounts  []AccountRef
	data      []byte
}

var _ solana.Instruction = (*Instruction)(nil)

// ProgramID returns the target program.
func (i *Instruction) ProgramID() solana.PublicKey {
	return i.programID
}

// Accounts returns the account metas in declaration order. The slice is a copy.
func (i *Instruction) Accounts() []*solana.AccountMeta {
	out := make([]*solana.AccountMeta, len(i.accounts))
	for idx, a := range i.accounts {
		out[idx] = &solana.AccountMeta{
			PublicKey:  a.PublicKey,
			IsWritable: a.Writable,
			IsSigner:   a.Signer,
		}
	}
	return out
}

// Data returns a copy of the argument bytes.
func (i *Instruction) Data() ([]byte, error) {
	return append([]byte(nil), i.data...), nil
}

// Refs returns a copy of the typed account list.
func (i *Instruction) Refs() []AccountRef {
	return append([]AccountRef(nil), i.accounts...)
}

// FeePayer returns the fee-paying account.
func (i *Instruction) FeePayer() solana.PublicKey {
	for _, a := range i.accounts {
		if a.FeePayer {
			return a.PublicKey
		}
	}
	return solana.PublicKey{}
}

// Signers returns the keys that must sign, in declaration order.
func (i *Instruction) Signers() []solana.PublicKey {
	var out []solana.PublicKey
	for _, a := range i.accounts {
		if a.Signer {
			out = append(out, a.PublicKey)
		}
	}
	return out
}

type buildOptions struct {
	minAccounts int
}

// Option configures Build.
type Option func(*buildOptions)

// RequireAccounts declares how many accounts the target instruction needs at
// minimum. The fee payer counts.
func RequireAccounts(n int) Option {
	return func(o *buildOptions) {
		o.minAccounts = n
	}
}

// Build validates and assembles an instruction. It fails with a
// txerr.KindValidation error when the program id is zero, when fewer accounts
// than required are given, when there is not exactly one fee payer, when the
// fee payer is not a signer, or when an account appears twice.
func Build(programID solana.PublicKey, accounts []AccountRef, args []byte, opts ...Option) (*Instruction, error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	if programID.IsZero() {
		return nil, txerr.Validation("build", "program id is required")
	}
	if o.minAccounts > 0 && len(accounts) == 0 {
		return nil, txerr.Validation("build", "instruction requires accounts, got none")
	}
	if len(accounts) < o.minAccounts {
		return nil, txerr.Validation("build",
			fmt.Sprintf("instruction requires at least %d accounts, got %d", o.minAccounts, len(accounts)))
	}

	payers := 0
	seen := make(map[solana.PublicKey]int, len(accounts))
	refs := make([]AccountRef, len(accounts))
	for idx, a := range accounts {
		if a.PublicKey.IsZero() {
			return nil, txerr.Validation("build", fmt.Sprintf("account %d has a zero public key", idx))
		}
		if prev, ok := seen[a.PublicKey]; ok {
			return nil, txerr.Validation("build",
				fmt.Sprintf("account %s appears at %d and %d", a.PublicKey, prev, idx))
		}
		seen[a.PublicKey] = idx

		if a.FeePayer {
			payers++
			if !a.Signer {
				return nil, txerr.Validation("build",
					fmt.Sprintf("fee payer %s must be a signer", a.PublicKey))
			}
			// the fee is debited from the payer
			a.Writable = true
		}
		refs[idx] = a
	}

	switch {
	case payers == 0:
		return nil, txerr.Validation("build", "no account is marked as fee payer")
	case payers > 1:
		return nil, txerr.Validation("build", fmt.Sprintf("%d accounts are marked as fee payer, want exactly one", payers))
	}

	return &Instruction{
		programID: programID,
		accounts:  refs,
		data:      append([]byte(nil), args...),
	}, nil
}
