package head

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/driftwatch/driftwatch/internal/config"
)

// BlockClient captures the subset of ethclient used to resolve a chain tip.
type BlockClient interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// RPCClient is a thin wrapper over ethclient.Client that satisfies BlockClient.
type RPCClient struct {
	*ethclient.Client
}

// NewRPCClient builds an RPC client to an EVM node.
func NewRPCClient(rpcURL string) (*RPCClient, error) {
	c, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", err)
	}
	return &RPCClient{Client: c}, nil
}

// Source resolves best-known chain tips for the configured chains.
type Source struct {
	clients map[uint64]BlockClient
	log     *slog.Logger
}

// NewSource dials every configured chain endpoint.
func NewSource(chains []config.Chain, log *slog.Logger) (*Source, error) {
	clients := make(map[uint64]BlockClient, len(chains))
	for _, ch := range chains {
		cli, err := NewRPCClient(ch.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("chain %d: %w", ch.ID, err)
		}
		clients[ch.ID] = cli
	}
	return &Source{clients: clients, log: log}, nil
}

// NewSourceWithClients wires pre-built clients, keyed by chain id.
func NewSourceWithClients(clients map[uint64]BlockClient, log *slog.Logger) *Source {
	return &Source{clients: clients, log: log}
}

// Head returns the chain's latest block number. ok is false when the chain
// has no configured endpoint or the endpoint cannot be reached; callers fall
// back to a conservative tip.
func (s *Source) Head(ctx context.Context, chainID uint64) (uint64, bool) {
	cli, ok := s.clients[chainID]
	if !ok {
		return 0, false
	}
	h, err := cli.HeaderByNumber(ctx, nil)
	if err != nil {
		s.log.Warn("resolve chain head failed", "chain", chainID, "error", err)
		return 0, false
	}
	return h.Number.Uint64(), true
}

// Ping checks every configured endpoint and returns the last failure.
func (s *Source) Ping(ctx context.Context) error {
	var lastErr error
	for id, cli := range s.clients {
		if _, err := cli.HeaderByNumber(ctx, nil); err != nil {
			lastErr = fmt.Errorf("chain %d rpc: %w", id, err)
		}
	}
	return lastErr
}
