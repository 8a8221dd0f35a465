package message

import (
	"testing"

	"github.com/brojonat/txconfirm/service/instruction"
	"github.com/brojonat/txconfirm/service/txerr"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoSignerMessage(t *testing.T) (*Message, solanago.PrivateKey, solanago.PrivateKey) {
	t.Helper()
	payer := solanago.NewWallet().PrivateKey
	cosigner := solanago.NewWallet().PrivateKey
	ix := buildIx(t,
		instruction.AccountRef{PublicKey: payer.PublicKey(), Signer: true, FeePayer: true},
		instruction.AccountRef{PublicKey: cosigner.PublicKey(), Signer: true},
	)
	msg, err := New(testToken(), ix)
	require.NoError(t, err)
	return msg, payer, cosigner
}

func sign(t *testing.T, key solanago.PrivateKey, msg *Message) solanago.Signature {
	t.Helper()
	payload, err := msg.Encode()
	require.NoError(t, err)
	sig, err := key.Sign(payload)
	require.NoError(t, err)
	return sig
}

func TestSignedTransactionComplete(t *testing.T) {
	msg, payer, cosigner := twoSignerMessage(t)
	stx := NewSignedTransaction(msg)

	assert.False(t, stx.Complete())
	assert.Len(t, stx.Missing(), 2)

	require.NoError(t, stx.Attach(0, payer.PublicKey(), sign(t, payer, msg)))
	assert.False(t, stx.Complete())

	_, err := stx.Transaction()
	assert.ErrorIs(t, err, txerr.ErrSigning)

	require.NoError(t, stx.Attach(1, cosigner.PublicKey(), sign(t, cosigner, msg)))
	assert.True(t, stx.Complete())

	tx, err := stx.Transaction()
	require.NoError(t, err)
	require.Len(t, tx.Signatures, 2)
	assert.Equal(t, stx.Signature(), tx.Signatures[0])
	require.NoError(t, tx.VerifySignatures())
}

func TestAttachRejectsMisorderedSignatures(t *testing.T) {
	msg, payer, cosigner := twoSignerMessage(t)
	stx := NewSignedTransaction(msg)

	err := stx.Attach(0, cosigner.PublicKey(), sign(t, cosigner, msg))
	assert.ErrorIs(t, err, txerr.ErrSigning)

	err = stx.Attach(1, cosigner.PublicKey(), sign(t, payer, msg))
	assert.ErrorIs(t, err, txerr.ErrSigning, "signature by the wrong key must not verify")

	err = stx.Attach(2, payer.PublicKey(), sign(t, payer, msg))
	assert.ErrorIs(t, err, txerr.ErrSigning)

	assert.Len(t, stx.Missing(), 2)
}
