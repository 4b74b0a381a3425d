package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// MultiRPCClient spreads calls over several nodes and moves to the next one
// after failThreshold consecutive failures on the current node.
type MultiRPCClient struct {
	clients       []*RPCClient
	index         int
	failCount     int
	failThreshold int
	mu            sync.Mutex
}

func NewMultiRPCClient(endpoints []string, failThreshold int) (*MultiRPCClient, error) {
	list := sanitizeEndpoints(endpoints)
	if len(list) == 0 {
		return nil, errors.New("rpc endpoints is empty")
	}
	if failThreshold <= 0 {
		failThreshold = 3
	}
	clients := make([]*RPCClient, 0, len(list))
	for _, ep := range list {
		clients = append(clients, NewRPCClient(ep))
	}
	return &MultiRPCClient{clients: clients, failThreshold: failThreshold}, nil
}

func (m *MultiRPCClient) BaseURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.index].baseURL
}

func (m *MultiRPCClient) ChainID(ctx context.Context) (*big.Int, error) {
	return withFailover(m, func(c *RPCClient) (*big.Int, error) { return c.ChainID(ctx) })
}

func (m *MultiRPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	return withFailover(m, func(c *RPCClient) (uint64, error) { return c.BlockNumber(ctx) })
}

func (m *MultiRPCClient) NonceAt(ctx context.Context, address string) (uint64, error) {
	return withFailover(m, func(c *RPCClient) (uint64, error) { return c.NonceAt(ctx, address) })
}

func (m *MultiRPCClient) EstimateGas(ctx context.Context, msg CallMsg) (uint64, error) {
	return withFailover(m, func(c *RPCClient) (uint64, error) { return c.EstimateGas(ctx, msg) })
}

func (m *MultiRPCClient) CallContract(ctx context.Context, msg CallMsg) ([]byte, error) {
	return withFailover(m, func(c *RPCClient) ([]byte, error) { return c.CallContract(ctx, msg) })
}

// SendRawTransaction is not retried on other nodes once a node answered
// with a JSON-RPC error: the tx may already be in its pool.
func (m *MultiRPCClient) SendRawTransaction(ctx context.Context, raw string) (string, error) {
	return withFailover(m, func(c *RPCClient) (string, error) { return c.SendRawTransaction(ctx, raw) })
}

func (m *MultiRPCClient) TransactionByHash(ctx context.Context, hash string) (*Tx, error) {
	return withFailover(m, func(c *RPCClient) (*Tx, error) { return c.TransactionByHash(ctx, hash) })
}

func withFailover[T any](m *MultiRPCClient, fn func(*RPCClient) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempts := 0; attempts < len(m.clients); attempts++ {
		client, idx := m.currentClient()
		out, err := fn(client)
		if err == nil {
			m.resetFailures(idx)
			return out, nil
		}
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) || errors.Is(err, ErrTxNotFound) {
			// the node answered; another node would say the same
			m.resetFailures(idx)
			return zero, err
		}
		lastErr = err
		m.noteFailure(idx)
		if m.shouldRotate() || len(m.clients) > 1 {
			m.rotate()
			log.Warn().Err(err).Str("from", client.baseURL).Str("to", m.BaseURL()).Msg("rpc failover")
		}
	}
	return zero, lastErr
}

func (m *MultiRPCClient) currentClient() (*RPCClient, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.index], m.index
}

func (m *MultiRPCClient) resetFailures(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount = 0
	}
}

func (m *MultiRPCClient) noteFailure(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount++
	}
}

func (m *MultiRPCClient) shouldRotate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failCount >= m.failThreshold
}

func (m *MultiRPCClient) rotate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index = (m.index + 1) % len(m.clients)
	m.failCount = 0
}

func sanitizeEndpoints(endpoints []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			continue
		}
		ep = strings.TrimRight(ep, "/")
		if _, ok := seen[ep]; ok {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out
}
