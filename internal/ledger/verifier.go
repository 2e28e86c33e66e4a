// Package ledger verifies that a Solana transaction paid an expected amount to
// an expected recipient with an expected memo.
package ledger

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/swipepay/internal/apperr"
	"github.com/PaulBabatuyi/swipepay/internal/logger"
	"github.com/PaulBabatuyi/swipepay/internal/metrics"
)

// TransactionFetcher returns a confirmed transaction, or nil when it is
// unknown or still pending.
type TransactionFetcher interface {
	GetTransaction(ctx context.Context, signature string) (*Transaction, error)
}

// Reason explains why a transaction was rejected.
type Reason string

const (
	ReasonNotFound           Reason = "NOT_FOUND"
	ReasonExecutionFailed    Reason = "EXECUTION_FAILED"
	ReasonNoTransfer         Reason = "NO_TRANSFER"
	ReasonSenderMismatch     Reason = "SENDER_MISMATCH"
	ReasonRecipientMismatch  Reason = "RECIPIENT_MISMATCH"
	ReasonInsufficientAmount Reason = "INSUFFICIENT_AMOUNT"
	ReasonMemoMismatch       Reason = "MEMO_MISMATCH"
)

// Expectation is what the payment must satisfy.
type Expectation struct {
	Signature    string
	Sender       string
	Recipient    string
	MinLamports  uint64
	MemoContains string
}

// Result holds the verdict and everything observed on chain. Observed values
// are filled even when the payment is rejected.
type Result struct {
	Valid             bool   `json:"valid"`
	Reason            Reason `json:"reason,omitempty"`
	ObservedSender    string `json:"observedSender,omitempty"`
	ObservedRecipient string `json:"observedRecipient,omitempty"`
	ObservedLamports  uint64 `json:"observedLamports"`
	ObservedMemo      string `json:"observedMemo,omitempty"`
}

var memoLogPattern = regexp.MustCompile(`Memo \(len \d+\): "(.*)"`)

// Verifier checks transactions against expectations. It never mutates state
// and is safe to call again for the same signature.
type Verifier struct {
	rpc     TransactionFetcher
	timeout time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewVerifier(rpc TransactionFetcher, timeout time.Duration, log *zap.Logger, m *metrics.Metrics) *Verifier {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Verifier{rpc: rpc, timeout: timeout, log: logger.OrNop(log), metrics: metrics.OrNew(m)}
}

// ValidSignature reports whether sig looks like a transaction signature:
// base58 encoding of 64 bytes.
func ValidSignature(sig string) bool {
	raw, err := base58.Decode(sig)
	return err == nil && len(raw) == 64
}

// Verify fetches exp.Signature and validates it. Rejections are reported in
// Result; an error means the ledger could not be asked (retryable) or the
// signature is malformed.
func (v *Verifier) Verify(ctx context.Context, exp Expectation) (Result, error) {
	if !ValidSignature(exp.Signature) {
		return Result{}, apperr.Validation("payment signature must be a base58 encoded 64 byte signature")
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	tx, err := v.rpc.GetTransaction(ctx, exp.Signature)
	if err != nil {
		v.metrics.Verifications.WithLabelValues("rpc_error").Inc()
		v.log.Warn("ledger rpc failed", zap.String("signature", exp.Signature), zap.Error(err))
		return Result{}, apperr.Unavailable("ledger rpc unavailable", err)
	}

	res := evaluate(tx, exp)
	if res.Valid {
		v.metrics.Verifications.WithLabelValues("valid").Inc()
	} else {
		v.metrics.Verifications.WithLabelValues(strings.ToLower(string(res.Reason))).Inc()
		v.log.Info("payment rejected",
			zap.String("signature", exp.Signature),
			zap.String("reason", string(res.Reason)),
			zap.String("observed_sender", res.ObservedSender),
			zap.String("observed_recipient", res.ObservedRecipient),
			zap.Uint64("observed_lamports", res.ObservedLamports),
			zap.String("observed_memo", res.ObservedMemo),
		)
	}
	return res, nil
}

func evaluate(tx *Transaction, exp Expectation) Result {
	if tx == nil || tx.Meta == nil {
		return Result{Reason: ReasonNotFound}
	}

	transfers, memos := collect(tx)
	if len(memos) == 0 {
		memos = memosFromLogs(tx.Meta.LogMessages)
	}

	var res Result
	res.ObservedMemo = strings.Join(memos, "\n")
	if t, ok := pickTransfer(transfers, exp); ok {
		res.ObservedSender = t.Source
		res.ObservedRecipient = t.Destination
		res.ObservedLamports = t.Lamports
	}

	switch {
	case tx.Meta.Err != nil:
		res.Reason = ReasonExecutionFailed
	case len(transfers) == 0:
		res.Reason = ReasonNoTransfer
	case res.ObservedSender != exp.Sender:
		res.Reason = ReasonSenderMismatch
	case res.ObservedRecipient != exp.Recipient:
		res.Reason = ReasonRecipientMismatch
	case res.ObservedLamports < exp.MinLamports:
		res.Reason = ReasonInsufficientAmount
	case !memoMatches(memos, exp.MemoContains):
		res.Reason = ReasonMemoMismatch
	default:
		res.Valid = true
	}
	return res
}

// collect walks outer then inner instructions.
func collect(tx *Transaction) ([]transferInfo, []string) {
	var transfers []transferInfo
	var memos []string

	visit := func(ix Instruction) {
		switch ix.ProgramID {
		case SystemProgramID:
			if t, ok := decodeTransfer(ix); ok {
				transfers = append(transfers, t)
			}
		case MemoProgramID, MemoProgramV1ID:
			if m, ok := decodeMemo(ix); ok {
				memos = append(memos, m)
			}
		}
	}

	for _, ix := range tx.Transaction.Message.Instructions {
		visit(ix)
	}
	for _, inner := range tx.Meta.InnerInstructions {
		for _, ix := range inner.Instructions {
			visit(ix)
		}
	}
	return transfers, memos
}

func decodeTransfer(ix Instruction) (transferInfo, bool) {
	if len(ix.Parsed) == 0 {
		return transferInfo{}, false
	}
	var p parsedInstruction
	if err := json.Unmarshal(ix.Parsed, &p); err != nil {
		return transferInfo{}, false
	}
	if p.Type != "transfer" && p.Type != "transferWithSeed" {
		return transferInfo{}, false
	}
	var t transferInfo
	if err := json.Unmarshal(p.Info, &t); err != nil {
		return transferInfo{}, false
	}
	return t, t.Destination != ""
}

func decodeMemo(ix Instruction) (string, bool) {
	if len(ix.Parsed) > 0 {
		var s string
		if err := json.Unmarshal(ix.Parsed, &s); err == nil {
			return s, true
		}
	}
	if ix.Data != "" {
		raw, err := base58.Decode(ix.Data)
		if err == nil && utf8.Valid(raw) {
			return string(raw), true
		}
	}
	return "", false
}

func memosFromLogs(logs []string) []string {
	var out []string
	for _, line := range logs {
		m := memoLogPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		// the runtime logs the memo as a quoted, escaped string
		if s, err := strconv.Unquote(`"` + m[1] + `"`); err == nil {
			out = append(out, s)
		} else {
			out = append(out, m[1])
		}
	}
	return out
}

// pickTransfer prefers the transfer that matches both ends, then one that
// reaches the recipient, then the first one seen.
func pickTransfer(ts []transferInfo, exp Expectation) (transferInfo, bool) {
	if len(ts) == 0 {
		return transferInfo{}, false
	}
	for _, t := range ts {
		if t.Source == exp.Sender && t.Destination == exp.Recipient {
			return t, true
		}
	}
	for _, t := range ts {
		if t.Destination == exp.Recipient {
			return t, true
		}
	}
	return ts[0], true
}

func memoMatches(memos []string, want string) bool {
	if want == "" {
		return true
	}
	for _, m := range memos {
		if strings.Contains(m, want) {
			return true
		}
	}
	return false
}
