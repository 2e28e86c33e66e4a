package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaulBabatuyi/swipepay/internal/apperr"
)

const (
	sender    = "HdB8sender1111111111111111111111111111111111"
	platform  = "PLATFORM11111111111111111111111111111111111"
	testMemo  = "MSG:C"
	minAmount = 500000
)

func testSig(b byte) string {
	return base58.Encode(bytes.Repeat([]byte{b}, 64))
}

type fakeFetcher struct {
	txs   map[string]*Transaction
	err   error
	calls int
}

func (f *fakeFetcher) GetTransaction(_ context.Context, sig string) (*Transaction, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.txs[sig], nil
}

func transferIx(from, to string, lamports uint64) Instruction {
	raw, _ := json.Marshal(map[string]any{
		"type": "transfer",
		"info": map[string]any{"source": from, "destination": to, "lamports": lamports},
	})
	return Instruction{Program: "system", ProgramID: SystemProgramID, Parsed: raw}
}

func memoIx(text string) Instruction {
	raw, _ := json.Marshal(text)
	return Instruction{Program: "spl-memo", ProgramID: MemoProgramID, Parsed: raw}
}

func paidTx(ixs ...Instruction) *Transaction {
	return &Transaction{
		Meta:        &Meta{},
		Transaction: TransactionBody{Message: Message{Instructions: ixs}},
	}
}

func expectation(sig string) Expectation {
	return Expectation{Signature: sig, Sender: sender, Recipient: platform, MinLamports: minAmount, MemoContains: testMemo}
}

func verify(t *testing.T, tx *Transaction) Result {
	t.Helper()
	sig := testSig(1)
	v := NewVerifier(&fakeFetcher{txs: map[string]*Transaction{sig: tx}}, 0, nil, nil)
	res, err := v.Verify(context.Background(), expectation(sig))
	require.NoError(t, err)
	return res
}

func TestVerifyAcceptsMatchingPayment(t *testing.T) {
	res := verify(t, paidTx(transferIx(sender, platform, minAmount), memoIx(testMemo)))
	assert.True(t, res.Valid)
	assert.Empty(t, res.Reason)
	assert.Equal(t, sender, res.ObservedSender)
	assert.Equal(t, platform, res.ObservedRecipient)
	assert.Equal(t, uint64(minAmount), res.ObservedLamports)
	assert.Equal(t, testMemo, res.ObservedMemo)
}

func TestVerifyRejectionsAreIndependent(t *testing.T) {
	cases := []struct {
		name string
		tx   *Transaction
		want Reason
	}{
		{"wrong sender", paidTx(transferIx("SOMEONEELSE", platform, minAmount), memoIx(testMemo)), ReasonSenderMismatch},
		{"wrong recipient", paidTx(transferIx(sender, "ATTACKER", minAmount), memoIx(testMemo)), ReasonRecipientMismatch},
		{"underpaid", paidTx(transferIx(sender, platform, minAmount-1), memoIx(testMemo)), ReasonInsufficientAmount},
		{"other conversation", paidTx(transferIx(sender, platform, minAmount), memoIx("MSG:OTHERCONVO")), ReasonMemoMismatch},
		{"no memo", paidTx(transferIx(sender, platform, minAmount)), ReasonMemoMismatch},
		{"no transfer", paidTx(memoIx(testMemo)), ReasonNoTransfer},
		{"absent", nil, ReasonNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := verify(t, tc.tx)
			assert.False(t, res.Valid)
			assert.Equal(t, tc.want, res.Reason)
		})
	}
}

func TestVerifyExecutionErrorKeepsObservedValues(t *testing.T) {
	tx := paidTx(transferIx(sender, platform, minAmount), memoIx(testMemo))
	tx.Meta.Err = map[string]any{"InstructionError": []any{0, "Custom"}}

	res := verify(t, tx)
	assert.Equal(t, ReasonExecutionFailed, res.Reason)
	assert.Equal(t, sender, res.ObservedSender)
	assert.Equal(t, testMemo, res.ObservedMemo)
}

func TestVerifyObservedValuesOnMismatch(t *testing.T) {
	res := verify(t, paidTx(transferIx(sender, platform, 1), memoIx("MSG:OTHERCONVO")))
	assert.Equal(t, ReasonInsufficientAmount, res.Reason)
	assert.Equal(t, "MSG:OTHERCONVO", res.ObservedMemo)
	assert.Equal(t, uint64(1), res.ObservedLamports)
}

func TestVerifyMemoFromRawData(t *testing.T) {
	ix := Instruction{ProgramID: MemoProgramV1ID, Data: base58.Encode([]byte(testMemo))}
	res := verify(t, paidTx(transferIx(sender, platform, minAmount), ix))
	assert.True(t, res.Valid, "reason: %s", res.Reason)
}

func TestVerifyMemoFromLogs(t *testing.T) {
	tx := paidTx(transferIx(sender, platform, minAmount))
	tx.Meta.LogMessages = []string{
		"Program MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr invoke [1]",
		`Program log: Memo (len 5): "MSG:C"`,
	}
	res := verify(t, tx)
	assert.True(t, res.Valid, "reason: %s", res.Reason)
	assert.Equal(t, testMemo, res.ObservedMemo)
}

func TestVerifyInnerInstructions(t *testing.T) {
	tx := paidTx(Instruction{ProgramID: "SomeWalletProgram"})
	tx.Meta.InnerInstructions = []InnerInstructions{{
		Index:        0,
		Instructions: []Instruction{transferIx(sender, platform, minAmount), memoIx(testMemo)},
	}}
	res := verify(t, tx)
	assert.True(t, res.Valid, "reason: %s", res.Reason)
}

func TestVerifyPicksTransferToRecipient(t *testing.T) {
	// a fee transfer to someone else comes first
	res := verify(t, paidTx(
		transferIx(sender, "TIPJAR", 5),
		transferIx(sender, platform, minAmount),
		memoIx(testMemo),
	))
	assert.True(t, res.Valid, "reason: %s", res.Reason)
	assert.Equal(t, platform, res.ObservedRecipient)
}

func TestVerifyMalformedSignatureSkipsRPC(t *testing.T) {
	f := &fakeFetcher{}
	v := NewVerifier(f, 0, nil, nil)
	for _, sig := range []string{"", "SIGXYZ", base58.Encode([]byte("short"))} {
		_, err := v.Verify(context.Background(), expectation(sig))
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), "sig %q", sig)
	}
	assert.Zero(t, f.calls)
}

func TestVerifyRPCFailureIsRetryable(t *testing.T) {
	v := NewVerifier(&fakeFetcher{err: errors.New("connection refused")}, 0, nil, nil)
	_, err := v.Verify(context.Background(), expectation(testSig(2)))
	assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))
}

func TestVerifyIsRepeatable(t *testing.T) {
	sig := testSig(3)
	f := &fakeFetcher{txs: map[string]*Transaction{sig: paidTx(transferIx(sender, platform, minAmount), memoIx(testMemo))}}
	v := NewVerifier(f, 0, nil, nil)
	for i := 0; i < 3; i++ {
		res, err := v.Verify(context.Background(), expectation(sig))
		require.NoError(t, err)
		assert.True(t, res.Valid, fmt.Sprintf("attempt %d", i))
	}
}
