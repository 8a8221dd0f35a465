package main

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brojonat/txconfirm/service/confirm"
	"github.com/brojonat/txconfirm/service/solana"
	"github.com/brojonat/txconfirm/service/submitter"
	"github.com/brojonat/txconfirm/service/txerr"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAccounts(t *testing.T) {
	a := solanago.NewWallet().PublicKey()
	b := solanago.NewWallet().PublicKey()

	refs, err := parseAccounts([]string{a.String() + ":w", b.String() + ":w:s"})
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.True(t, refs[0].Writable)
	assert.False(t, refs[0].Signer)
	assert.True(t, refs[1].Writable)
	assert.True(t, refs[1].Signer)

	_, err = parseAccounts([]string{"not-a-key"})
	assert.Error(t, err)

	_, err = parseAccounts([]string{a.String() + ":x"})
	assert.ErrorContains(t, err, "unknown flag")
}

func TestWithFeePayer(t *testing.T) {
	payer := solanago.NewWallet().PublicKey()
	other := solanago.NewWallet().PublicKey()

	t.Run("prepends missing payer", func(t *testing.T) {
		refs, err := parseAccounts([]string{other.String() + ":w"})
		require.NoError(t, err)
		refs = withFeePayer(refs, payer)
		require.Len(t, refs, 2)
		assert.Equal(t, payer, refs[0].PublicKey)
		assert.True(t, refs[0].FeePayer)
		assert.True(t, refs[0].Signer)
	})

	t.Run("marks listed payer in place", func(t *testing.T) {
		refs, err := parseAccounts([]string{other.String(), payer.String()})
		require.NoError(t, err)
		refs = withFeePayer(refs, payer)
		require.Len(t, refs, 2)
		assert.Equal(t, payer, refs[1].PublicKey)
		assert.True(t, refs[1].FeePayer)
		assert.False(t, refs[0].FeePayer)
	})
}

func TestParseClientAccounts(t *testing.T) {
	accounts, err := parseClientAccounts([]string{"Payer111:p", "Vault111:w", "Auth111:s:w"})
	require.NoError(t, err)
	require.Len(t, accounts, 3)
	assert.True(t, accounts[0].FeePayer)
	assert.True(t, accounts[0].Signer, "fee payer implies signer")
	assert.True(t, accounts[1].Writable)
	assert.True(t, accounts[2].Signer)
	assert.True(t, accounts[2].Writable)

	_, err = parseClientAccounts([]string{":w"})
	assert.Error(t, err)
	_, err = parseClientAccounts([]string{"Key111:z"})
	assert.Error(t, err)
}

func TestOutputJQ(t *testing.T) {
	out := submissionOutput{Signature: "sig123", Outcome: "confirmed", Attempts: 3}

	tests := []struct {
		name   string
		filter string
		want   string
	}{
		{"string result is raw", ".signature", "sig123\n"},
		{"number result is json", ".attempts", "3\n"},
		{"object result", "{outcome}", "{\n  \"outcome\": \"confirmed\"\n}\n"},
		{"boolean", ".outcome == \"confirmed\"", "true\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, outputJQ(&buf, out, tt.filter))
			assert.Equal(t, tt.want, buf.String())
		})
	}

	var buf bytes.Buffer
	assert.ErrorContains(t, outputJQ(&buf, out, ".["), "failed to parse jq filter")
	assert.ErrorContains(t, outputJQ(&buf, out, ".signature | tonumber"), "jq filter error")
}

func TestToSubmissionOutput(t *testing.T) {
	sig := solanago.Signature{4}
	res := &submitter.Result{
		Signature: sig,
		Status:    solana.ConfirmationStatus{Level: solana.LevelProcessed},
		State:     confirm.StateTimedOut,
		Attempts:  6,
		Elapsed:   30 * time.Second,
	}
	err := txerr.TimedOut("await", "no confirmation within 30s")

	out := toSubmissionOutput(res, err)
	assert.Equal(t, sig.String(), out.Signature)
	assert.Equal(t, "timed_out", out.Outcome)
	assert.Equal(t, "processed", out.Status)
	assert.True(t, out.Indeterminate)
	assert.Equal(t, int64(30000), out.ElapsedMS)
	assert.Equal(t, 2, exitCode(err))

	out = toSubmissionOutput(nil, txerr.Rejected("send", "insufficient funds", nil))
	assert.Empty(t, out.Signature)
	assert.Equal(t, "rejected", out.Outcome)
	assert.Equal(t, "insufficient funds", out.Reason)
	assert.Equal(t, 1, exitCode(errors.New("x")))
}

func TestServerHealthCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.Write([]byte("OK"))
	}))
	defer srv.Close()

	err := newApp().Run([]string{"txconfirm", "--server-url", srv.URL, "server", "health"})
	assert.NoError(t, err)

	srv.Close()
	err = newApp().Run([]string{"txconfirm", "--server-url", srv.URL, "server", "health", "--timeout", "1s"})
	assert.ErrorContains(t, err, "health check failed")
}

func TestSubmitRequiresKeypair(t *testing.T) {
	t.Setenv("KEYPAIR_PATH", "")
	err := newApp().Run([]string{"txconfirm", "submit", "initialize"})
	assert.ErrorContains(t, err, "--keypair is required")
}
