// Package program describes the on-chain market program this client talks to:
// its id, the instructions it exposes, and its error codes.
package program

import (
	"github.com/brojonat/txconfirm/service/instruction"
	"github.com/gagliardetto/solana-go"
)

// ProgramID is the deployed market program.
var ProgramID = solana.MustPublicKeyFromBase58("2j64V9Te3wcmWZnkZDDSd3iA5YYfwErPAGeD9ip7i5BD")

// MethodInitialize is the program's initialize entrypoint.
const MethodInitialize = "initialize"

// Initialize builds the initialize call. It takes no arguments and declares
// no accounts of its own; the fee payer rides along as the only signer.
func Initialize(feePayer solana.PublicKey) (*instruction.Instruction, error) {
	return InitializeFor(ProgramID, feePayer)
}

// InitializeFor builds the initialize call against a program deployed under
// a different id (e.g. a localnet build).
func InitializeFor(programID, feePayer solana.PublicKey) (*instruction.Instruction, error) {
	data, err := instruction.AnchorData(MethodInitialize, nil)
	if err != nil {
		return nil, err
	}
	return instruction.Build(programID, []instruction.AccountRef{
		{PublicKey: feePayer, Signer: true, Writable: true, FeePayer: true},
	}, data, instruction.RequireAccounts(1))
}
