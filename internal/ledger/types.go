package ledger

import (
	"encoding/json"
	"strconv"
)

// Program ids the verifier recognises.
const (
	SystemProgramID = "11111111111111111111111111111111"
	MemoProgramID   = "MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr"
	MemoProgramV1ID = "Memo1UhkJRfHyvLMcVucJwxXeuD728EqVDDwQDxFMNo"
)

// Transaction is the subset of a jsonParsed getTransaction result the
// verifier reads.
type Transaction struct {
	Slot        uint64          `json:"slot"`
	BlockTime   *int64          `json:"blockTime"`
	Meta        *Meta           `json:"meta"`
	Transaction TransactionBody `json:"transaction"`
}

type TransactionBody struct {
	Signatures []string `json:"signatures"`
	Message    Message  `json:"message"`
}

type Message struct {
	AccountKeys  []AccountKey  `json:"accountKeys"`
	Instructions []Instruction `json:"instructions"`
}

type AccountKey struct {
	Pubkey   string `json:"pubkey"`
	Signer   bool   `json:"signer"`
	Writable bool   `json:"writable"`
}

// Meta carries the execution status. Err is null on success and an
// arbitrary JSON value otherwise.
type Meta struct {
	Err               any                 `json:"err"`
	Fee               uint64              `json:"fee"`
	LogMessages       []string            `json:"logMessages"`
	InnerInstructions []InnerInstructions `json:"innerInstructions"`
}

type InnerInstructions struct {
	Index        int           `json:"index"`
	Instructions []Instruction `json:"instructions"`
}

// Instruction is either parsed (Program + Parsed) or raw (Data, base58).
// Parsed is an object for system instructions and a plain string for memos.
type Instruction struct {
	Program   string          `json:"program,omitempty"`
	ProgramID string          `json:"programId"`
	Parsed    json.RawMessage `json:"parsed,omitempty"`
	Data      string          `json:"data,omitempty"`
}

type parsedInstruction struct {
	Type string          `json:"type"`
	Info json.RawMessage `json:"info"`
}

type transferInfo struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Lamports    uint64 `json:"lamports"`
}

// JSON-RPC envelope.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// RPCError is a JSON-RPC error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return "rpc error " + strconv.Itoa(e.Code) + ": " + e.Message }
