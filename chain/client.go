package chain

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"descrow/order"
)

// Streamer is the supervisor's view of a blockchain node: a live log
// subscription, a historical point-query for gap replay, and a direct state
// read used only for inconsistency reconciliation.
type Streamer interface {
	SubscribeLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	EscrowState(ctx context.Context, contract string) (order.Status, error)
	Close()
}

// getStateSelector is the 4-byte selector of the contract's getState() view.
var getStateSelector = crypto.Keccak256([]byte("getState()"))[:4]

// contract state enum, in declaration order, mapped onto mirror statuses.
var stateByIndex = []order.Status{
	order.StatusCreated,
	order.StatusFunded,
	order.StatusShipped,
	order.StatusDelivered,
	order.StatusCompleted,
	order.StatusDisputed,
}

// EthStreamer adapts ethclient.Client to the Streamer interface.
type EthStreamer struct {
	ec *ethclient.Client
}

// Dial connects to the node over the given endpoint (ws:// for live
// subscriptions).
func Dial(ctx context.Context, endpoint string) (*EthStreamer, error) {
	ec, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", endpoint, err)
	}
	return &EthStreamer{ec: ec}, nil
}

func (s *EthStreamer) SubscribeLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return s.ec.SubscribeFilterLogs(ctx, q, ch)
}

func (s *EthStreamer) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return s.ec.FilterLogs(ctx, q)
}

// EscrowState reads the contract's authoritative state via getState().
func (s *EthStreamer) EscrowState(ctx context.Context, contract string) (order.Status, error) {
	if !common.IsHexAddress(contract) {
		return "", fmt.Errorf("chain: invalid contract address %q", contract)
	}
	addr := common.HexToAddress(contract)

	out, err := s.ec.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: getStateSelector}, nil)
	if err != nil {
		return "", fmt.Errorf("chain: getState call: %w", err)
	}
	if len(out) == 0 {
		return "", fmt.Errorf("chain: getState returned no data")
	}
	idx := int(out[len(out)-1])
	if idx >= len(stateByIndex) {
		return "", fmt.Errorf("chain: unknown contract state %d", idx)
	}
	return stateByIndex[idx], nil
}

func (s *EthStreamer) Close() {
	s.ec.Close()
}

// ParseAddresses validates and canonicalizes the configured contract
// addresses. A malformed address is a fatal configuration error.
func ParseAddresses(raw []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if !common.IsHexAddress(r) {
			return nil, fmt.Errorf("chain: malformed contract address %q", r)
		}
		out = append(out, common.HexToAddress(r))
	}
	return out, nil
}
