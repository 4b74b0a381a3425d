package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

var ErrTxNotFound = errors.New("transaction not found")

// RPCClient speaks Ethereum-style JSON-RPC to a single Celo node.
type RPCClient struct {
	baseURL string
	client  *http.Client
	nextID  atomic.Uint64
}

func NewRPCClient(baseURL string) *RPCClient {
	return &RPCClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// CallMsg is the subset of eth_call / eth_estimateGas arguments we send.
type CallMsg struct {
	From        string       `json:"from,omitempty"`
	To          string       `json:"to"`
	Data        string       `json:"data,omitempty"`
	Value       *hexutil.Big `json:"value,omitempty"`
	FeeCurrency string       `json:"feeCurrency,omitempty"`
}

type Tx struct {
	Hash        string         `json:"hash"`
	From        string         `json:"from"`
	To          string         `json:"to"`
	Input       hexutil.Bytes  `json:"input"`
	BlockNumber *hexutil.Big   `json:"blockNumber"`
	Nonce       hexutil.Uint64 `json:"nonce"`
}

// Pending reports whether the node has seen the tx but not mined it.
func (t *Tx) Pending() bool {
	return t.BlockNumber == nil
}

func (c *RPCClient) ChainID(ctx context.Context) (*big.Int, error) {
	var out hexutil.Big
	if err := c.call(ctx, "eth_chainId", nil, &out); err != nil {
		return nil, err
	}
	return out.ToInt(), nil
}

func (c *RPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	var out hexutil.Uint64
	if err := c.call(ctx, "eth_blockNumber", nil, &out); err != nil {
		return 0, err
	}
	return uint64(out), nil
}

func (c *RPCClient) NonceAt(ctx context.Context, address string) (uint64, error) {
	var out hexutil.Uint64
	if err := c.call(ctx, "eth_getTransactionCount", []any{address, "pending"}, &out); err != nil {
		return 0, err
	}
	return uint64(out), nil
}

func (c *RPCClient) EstimateGas(ctx context.Context, msg CallMsg) (uint64, error) {
	var out hexutil.Uint64
	if err := c.call(ctx, "eth_estimateGas", []any{msg}, &out); err != nil {
		return 0, err
	}
	return uint64(out), nil
}

func (c *RPCClient) CallContract(ctx context.Context, msg CallMsg) ([]byte, error) {
	var out hexutil.Bytes
	if err := c.call(ctx, "eth_call", []any{msg, "latest"}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RPCClient) SendRawTransaction(ctx context.Context, raw string) (string, error) {
	if !strings.HasPrefix(raw, "0x") {
		raw = "0x" + raw
	}
	var hash string
	if err := c.call(ctx, "eth_sendRawTransaction", []any{raw}, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

func (c *RPCClient) TransactionByHash(ctx context.Context, hash string) (*Tx, error) {
	var out *Tx
	if err := c.call(ctx, "eth_getTransactionByHash", []any{hash}, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrTxNotFound
	}
	return out, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (c *RPCClient) call(ctx context.Context, method string, params []any, out any) error {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(b))
		if msg != "" {
			return fmt.Errorf("rpc http status %d: %s", resp.StatusCode, msg)
		}
		return fmt.Errorf("rpc http status %d", resp.StatusCode)
	}
	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return err
	}
	if decoded.Error != nil {
		return decoded.Error
	}
	if len(decoded.Result) == 0 {
		return fmt.Errorf("rpc %s: empty result", method)
	}
	return json.Unmarshal(decoded.Result, out)
}
