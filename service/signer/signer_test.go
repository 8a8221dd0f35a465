package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brojonat/txconfirm/service/instruction"
	"github.com/brojonat/txconfirm/service/message"
	"github.com/brojonat/txconfirm/service/solana"
	"github.com/brojonat/txconfirm/service/txerr"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testProgram = solanago.MustPublicKeyFromBase58("2j64V9Te3wcmWZnkZDDSd3iA5YYfwErPAGeD9ip7i5BD")

func newMessage(t *testing.T, accounts ...instruction.AccountRef) *message.Message {
	t.Helper()
	ix, err := instruction.Build(testProgram, accounts, nil)
	require.NoError(t, err)
	msg, err := message.New(solana.FreshnessToken{Blockhash: solanago.Hash{9}, FetchedAt: time.Now()}, ix)
	require.NoError(t, err)
	return msg
}

func TestKeypairSignerSigns(t *testing.T) {
	s, err := Generate()
	require.NoError(t, err)

	payload := []byte("hello")
	sig, err := s.Sign(context.Background(), payload)
	require.NoError(t, err)
	assert.True(t, sig.Verify(s.PublicKey(), payload))
}

func TestKeypairSignerHonorsContext(t *testing.T) {
	s, err := Generate()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Sign(ctx, []byte("x"))
	assert.ErrorIs(t, err, txerr.ErrSigning)
}

func TestNewKeypairSignerRejectsShortKey(t *testing.T) {
	_, err := NewKeypairSigner(solanago.PrivateKey(make([]byte, 10)))
	assert.ErrorIs(t, err, txerr.ErrSigning)
}

func TestKeypairSignerNeverPrintsKey(t *testing.T) {
	key := solanago.NewWallet().PrivateKey
	s, err := NewKeypairSigner(key)
	require.NoError(t, err)

	secret := key.String()
	for _, out := range []string{
		fmt.Sprint(s),
		fmt.Sprintf("%v", s),
		fmt.Sprintf("%+v", s),
		fmt.Sprintf("%#v", s),
	} {
		assert.NotContains(t, out, secret)
		assert.Contains(t, out, key.PublicKey().String())
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("signer", "signer", s, "keyring", NewKeyring(s))
	assert.NotContains(t, buf.String(), secret)
	assert.Contains(t, buf.String(), key.PublicKey().String())
}

func TestLoadKeygenFile(t *testing.T) {
	key := solanago.NewWallet().PrivateKey

	// solana-keygen writes the key as a JSON array of numbers
	ints := make([]int, len(key))
	for i, b := range key {
		ints[i] = int(b)
	}
	raw, err := json.Marshal(ints)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "id.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	s, err := LoadKeygenFile(path)
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), s.PublicKey())

	_, err = LoadKeygenFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, txerr.ErrSigning)
}

func TestKeyringSignMessage(t *testing.T) {
	payer, err := Generate()
	require.NoError(t, err)
	cosigner, err := Generate()
	require.NoError(t, err)

	msg := newMessage(t,
		instruction.AccountRef{PublicKey: cosigner.PublicKey(), Signer: true},
		instruction.AccountRef{PublicKey: payer.PublicKey(), Signer: true, FeePayer: true},
	)

	stx, err := NewKeyring(cosigner, payer).SignMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, stx.Complete())

	tx, err := stx.Transaction()
	require.NoError(t, err)
	require.NoError(t, tx.VerifySignatures())
	assert.Equal(t, payer.PublicKey(), tx.Message.AccountKeys[0])
}

// countingSigner records whether it was asked to sign.
type countingSigner struct {
	Signer
	calls int
}

func (c *countingSigner) Sign(ctx context.Context, msg []byte) (solanago.Signature, error) {
	c.calls++
	return c.Signer.Sign(ctx, msg)
}

func TestKeyringIncompleteSignerSet(t *testing.T) {
	payer, err := Generate()
	require.NoError(t, err)
	absent, err := Generate()
	require.NoError(t, err)

	msg := newMessage(t,
		instruction.AccountRef{PublicKey: payer.PublicKey(), Signer: true, FeePayer: true},
		instruction.AccountRef{PublicKey: absent.PublicKey(), Signer: true},
	)

	counting := &countingSigner{Signer: payer}
	_, err = NewKeyring(counting).SignMessage(context.Background(), msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, txerr.ErrSigning)
	assert.Contains(t, txerr.ReasonOf(err), absent.PublicKey().String())
	assert.Zero(t, counting.calls, "no signature is produced when a credential is missing")
}

// wrongKeySigner claims one key and signs with another.
type wrongKeySigner struct {
	claimed solanago.PublicKey
	actual  *KeypairSigner
}

func (w *wrongKeySigner) PublicKey() solanago.PublicKey { return w.claimed }

func (w *wrongKeySigner) Sign(ctx context.Context, msg []byte) (solanago.Signature, error) {
	return w.actual.Sign(ctx, msg)
}

func TestKeyringRejectsInvalidSignature(t *testing.T) {
	payer, err := Generate()
	require.NoError(t, err)
	other, err := Generate()
	require.NoError(t, err)

	msg := newMessage(t, instruction.AccountRef{PublicKey: payer.PublicKey(), Signer: true, FeePayer: true})

	_, err = NewKeyring(&wrongKeySigner{claimed: payer.PublicKey(), actual: other}).SignMessage(context.Background(), msg)
	assert.ErrorIs(t, err, txerr.ErrSigning)
}
