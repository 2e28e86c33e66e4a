package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/PaulBabatuyi/swipepay/internal/logger"
)

// maxResponseBytes caps how much of an RPC response is read.
const maxResponseBytes = 4 << 20

// RPCClient fetches transactions from a Solana JSON-RPC endpoint.
type RPCClient struct {
	endpoint string
	http     *http.Client
	log      *zap.Logger
	nextID   atomic.Int64
}

func NewRPCClient(endpoint string, timeout time.Duration, log *zap.Logger) *RPCClient {
	return &RPCClient{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
		log:      logger.OrNop(log),
	}
}

// GetTransaction returns the transaction at confirmed commitment, or nil when
// the node does not know it (unknown or not yet confirmed).
func (c *RPCClient) GetTransaction(ctx context.Context, signature string) (*Transaction, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  "getTransaction",
		Params: []any{
			signature,
			map[string]any{
				"encoding":                       "jsonParsed",
				"commitment":                     "confirmed",
				"maxSupportedTransactionVersion": 0,
			},
		},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("getTransaction: %w", err)
	}
	defer resp.Body.Close()

	c.log.Debug("rpc call",
		zap.String("method", req.Method),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("getTransaction: unexpected status %d", resp.StatusCode)
	}

	var out rpcResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return nil, fmt.Errorf("getTransaction: decode response: %w", err)
	}
	if out.Error != nil {
		return nil, out.Error
	}
	if len(out.Result) == 0 || string(out.Result) == "null" {
		return nil, nil
	}

	var tx Transaction
	if err := json.Unmarshal(out.Result, &tx); err != nil {
		return nil, fmt.Errorf("getTransaction: decode transaction: %w", err)
	}
	return &tx, nil
}
