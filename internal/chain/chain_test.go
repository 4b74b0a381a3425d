package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"ValoraRamp/internal/models"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

const (
	walletAddr = "0x1111111111111111111111111111111111111111"
	sinkAddr   = "0x2222222222222222222222222222222222222222"
)

type rpcCall struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type methodLog struct {
	mu      sync.Mutex
	methods []string
}

func (l *methodLog) add(m string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.methods = append(l.methods, m)
}

func (l *methodLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.methods...)
}

// fakeNode answers JSON-RPC requests from a method → result table.
func fakeNode(t *testing.T, results map[string]any, seen *methodLog) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call rpcCall
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
			t.Errorf("decode rpc request: %v", err)
		}
		if seen != nil {
			seen.add(call.Method)
		}
		res, ok := results[call.Method]
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0", "id": 1,
				"error": map[string]any{"code": -32601, "message": "method not found"},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": 1, "result": res})
	}))
}

func balanceWord(tokens int64) string {
	wei := new(big.Int).Mul(big.NewInt(tokens), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	return hexutil.Encode(common.LeftPadBytes(wei.Bytes(), 32))
}

func TestTransferDataLayout(t *testing.T) {
	data := TransferData(common.HexToAddress(sinkAddr), big.NewInt(1))
	got := hex.EncodeToString(data)
	want := "a9059cbb" +
		strings.Repeat("0", 24) + strings.TrimPrefix(strings.ToLower(sinkAddr), "0x") +
		strings.Repeat("0", 63) + "1"
	if got != want {
		t.Fatalf("unexpected calldata\n got %s\nwant %s", got, want)
	}
}

func TestWeiConversions(t *testing.T) {
	amt := decimal.RequireFromString("1.5")
	wei := ToWei(amt)
	if wei.String() != "1500000000000000000" {
		t.Fatalf("unexpected wei %s", wei)
	}
	if !FromWei(wei).Equal(amt) {
		t.Fatalf("expected round trip, got %s", FromWei(wei))
	}
}

func TestBalance(t *testing.T) {
	node := fakeNode(t, map[string]any{"eth_call": balanceWord(5)}, nil)
	defer node.Close()

	celo, err := NewCelo(NewRPCClient(node.URL), nil)
	if err != nil {
		t.Fatalf("new celo: %v", err)
	}
	bal, err := celo.Balance(context.Background(), walletAddr, models.TokenCELO)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !bal.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected 5, got %s", bal)
	}

	if _, err := celo.Balance(context.Background(), walletAddr, ""); !errors.Is(err, ErrTokenNotSpecified) {
		t.Fatalf("expected ErrTokenNotSpecified, got %v", err)
	}
	if _, err := celo.Balance(context.Background(), "", models.TokenCUSD); !errors.Is(err, ErrAddressNotSpecified) {
		t.Fatalf("expected ErrAddressNotSpecified, got %v", err)
	}
}

func TestPrepareTransfer(t *testing.T) {
	seen := &methodLog{}
	node := fakeNode(t, map[string]any{
		"eth_call":                balanceWord(20),
		"eth_getTransactionCount": "0x7",
		"eth_estimateGas":         "0x186a0",
	}, seen)
	defer node.Close()

	celo, _ := NewCelo(NewRPCClient(node.URL), nil)
	tx, err := celo.PrepareTransfer(context.Background(), walletAddr, sinkAddr, models.TokenCUSD, decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if tx.Nonce != 7 || tx.Gas != 100000 {
		t.Fatalf("unexpected nonce/gas %d/%d", tx.Nonce, tx.Gas)
	}
	if tx.To != common.HexToAddress(MainnetTokens[models.TokenCUSD]).Hex() {
		t.Fatalf("expected transfer against the cUSD contract, got %s", tx.To)
	}
	if tx.FeeCurrency != tx.To {
		t.Fatalf("expected fees in cUSD, got %s", tx.FeeCurrency)
	}
	if !strings.HasPrefix(tx.Data, "0xa9059cbb") {
		t.Fatalf("expected transfer calldata, got %s", tx.Data)
	}
	if got := seen.list(); len(got) != 3 {
		t.Fatalf("expected balance, nonce and gas calls, got %v", got)
	}
}

func TestPrepareTransferRequiresHeadroom(t *testing.T) {
	node := fakeNode(t, map[string]any{"eth_call": balanceWord(10)}, nil)
	defer node.Close()

	celo, _ := NewCelo(NewRPCClient(node.URL), nil)
	_, err := celo.PrepareTransfer(context.Background(), walletAddr, sinkAddr, models.TokenCELO, decimal.NewFromInt(10))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	_, err = celo.PrepareTransfer(context.Background(), walletAddr, sinkAddr, models.TokenCELO, decimal.Zero)
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestMultiRPCFailsOver(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer down.Close()
	up := fakeNode(t, map[string]any{"eth_sendRawTransaction": "0xabc"}, nil)
	defer up.Close()

	m, err := NewMultiRPCClient([]string{down.URL, up.URL, up.URL + "/"}, 1)
	if err != nil {
		t.Fatalf("new multi: %v", err)
	}
	hash, err := m.SendRawTransaction(context.Background(), "f86b")
	if err != nil {
		t.Fatalf("expected failover to succeed, got %v", err)
	}
	if hash != "0xabc" {
		t.Fatalf("unexpected hash %s", hash)
	}
	if m.BaseURL() != up.URL {
		t.Fatalf("expected healthy node to be current, got %s", m.BaseURL())
	}
}

func TestMultiRPCDoesNotRotateOnNodeError(t *testing.T) {
	node := fakeNode(t, map[string]any{}, nil)
	defer node.Close()
	other := fakeNode(t, map[string]any{"eth_blockNumber": "0x10"}, nil)
	defer other.Close()

	m, _ := NewMultiRPCClient([]string{node.URL, other.URL}, 1)
	_, err := m.BlockNumber(context.Background())
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected rpc error from the first node, got %v", err)
	}
	if m.BaseURL() != node.URL {
		t.Fatalf("expected no rotation, current is %s", m.BaseURL())
	}
}

func TestTransactionByHashNotFound(t *testing.T) {
	node := fakeNode(t, map[string]any{"eth_getTransactionByHash": nil}, nil)
	defer node.Close()
	_, err := NewRPCClient(node.URL).TransactionByHash(context.Background(), "0xdead")
	if !errors.Is(err, ErrTxNotFound) {
		t.Fatalf("expected ErrTxNotFound, got %v", err)
	}
}

func TestDeriverProducesStableAddresses(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("master: %v", err)
	}
	pub, err := master.Neuter()
	if err != nil {
		t.Fatalf("neuter: %v", err)
	}
	d := AddressDeriver{XPub: pub.String()}

	a0, err := d.Derive(0)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	again, _ := d.Derive(0)
	a1, _ := d.Derive(1)
	if !common.IsHexAddress(a0) || a0 != again || a0 == a1 {
		t.Fatalf("unexpected derivation results %s %s %s", a0, again, a1)
	}

	if _, err := (AddressDeriver{}).Derive(0); !errors.Is(err, ErrXPubNotConfigured) {
		t.Fatalf("expected ErrXPubNotConfigured, got %v", err)
	}
}
