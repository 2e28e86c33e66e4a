package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixtureTx = `{
  "jsonrpc": "2.0",
  "id": 1,
  "result": {
    "slot": 250000000,
    "blockTime": 1700000000,
    "meta": {
      "err": null,
      "fee": 5000,
      "innerInstructions": [],
      "logMessages": ["Program log: Memo (len 5): \"MSG:C\""]
    },
    "transaction": {
      "signatures": ["abc"],
      "message": {
        "accountKeys": [{"pubkey": "HdB8sender1111111111111111111111111111111111", "signer": true, "writable": true}],
        "instructions": [
          {"program": "system", "programId": "11111111111111111111111111111111",
           "parsed": {"type": "transfer", "info": {"source": "HdB8sender1111111111111111111111111111111111", "destination": "PLATFORM11111111111111111111111111111111111", "lamports": 500000}}},
          {"program": "spl-memo", "programId": "MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr", "parsed": "MSG:C"}
        ]
      }
    }
  }
}`

func TestRPCClientGetTransaction(t *testing.T) {
	var got rpcRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(fixtureTx))
	}))
	defer srv.Close()

	c := NewRPCClient(srv.URL, time.Second, nil)
	tx, err := c.GetTransaction(context.Background(), "sig")
	require.NoError(t, err)
	require.NotNil(t, tx)

	assert.Equal(t, "getTransaction", got.Method)
	require.Len(t, got.Params, 2)
	opts := got.Params[1].(map[string]any)
	assert.Equal(t, "jsonParsed", opts["encoding"])
	assert.Equal(t, "confirmed", opts["commitment"])

	res := evaluate(tx, Expectation{
		Sender:       "HdB8sender1111111111111111111111111111111111",
		Recipient:    "PLATFORM11111111111111111111111111111111111",
		MinLamports:  500000,
		MemoContains: "MSG:C",
	})
	assert.True(t, res.Valid, "reason: %s", res.Reason)
}

func TestRPCClientNullResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":null}`))
	}))
	defer srv.Close()

	tx, err := NewRPCClient(srv.URL, time.Second, nil).GetTransaction(context.Background(), "sig")
	require.NoError(t, err)
	assert.Nil(t, tx)
}

func TestRPCClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rpcerr":
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"Invalid param"}}`))
		case "/garbage":
			_, _ = w.Write([]byte(`{not json`))
		default:
			w.WriteHeader(http.StatusTooManyRequests)
		}
	}))
	defer srv.Close()

	for _, path := range []string{"/rpcerr", "/garbage", "/status"} {
		_, err := NewRPCClient(srv.URL+path, time.Second, nil).GetTransaction(context.Background(), "sig")
		assert.Error(t, err, path)
	}
}

func TestRPCClientHonoursTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	start := time.Now()
	_, err := NewRPCClient(srv.URL, 100*time.Millisecond, nil).GetTransaction(context.Background(), "sig")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
