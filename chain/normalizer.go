// Package chain maintains the event stream from the escrow contracts: a
// supervisor owning the streaming connection and a normalizer converting raw
// logs into the engine's uniform event type.
package chain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"descrow/order"
)

var (
	// ErrUnhandledTopic marks logs that are valid contract events but carry
	// no lifecycle transition (FundsReleased) or foreign topics matched by a
	// wide subscription. Callers skip them quietly.
	ErrUnhandledTopic = errors.New("chain: log topic carries no lifecycle event")
	// ErrRemovedLog marks logs retracted by a chain reorg. The forward-only
	// mirror cannot un-apply, so these are dropped before normalization.
	ErrRemovedLog = errors.New("chain: log removed by reorg")
)

const escrowEventsJSON = `[
  {"type":"event","name":"Funded","inputs":[{"name":"buyer","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"Shipped","inputs":[{"name":"trackingNumber","type":"string","indexed":false}]},
  {"type":"event","name":"Delivered","inputs":[]},
  {"type":"event","name":"GoodsConfirmed","inputs":[{"name":"buyer","type":"address","indexed":true}]},
  {"type":"event","name":"DisputeOpened","inputs":[{"name":"deadline","type":"uint256","indexed":false}]},
  {"type":"event","name":"DisputeResolved","inputs":[{"name":"winner","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"FundsReleased","inputs":[{"name":"seller","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]}
]`

var escrowABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(escrowEventsJSON))
	if err != nil {
		panic(fmt.Sprintf("chain: parse escrow ABI: %v", err))
	}
	return parsed
}()

// kindByTopic maps topic0 hashes to lifecycle event kinds.
var kindByTopic = map[common.Hash]order.EventKind{
	escrowABI.Events["Funded"].ID:          order.KindFunded,
	escrowABI.Events["Shipped"].ID:         order.KindShipped,
	escrowABI.Events["Delivered"].ID:       order.KindDelivered,
	escrowABI.Events["GoodsConfirmed"].ID:  order.KindGoodsConfirmed,
	escrowABI.Events["DisputeOpened"].ID:   order.KindDisputeOpened,
	escrowABI.Events["DisputeResolved"].ID: order.KindDisputeResolved,
}

// EventTopics returns the topic0 filter for the lifecycle events, used by the
// supervisor's subscription and historical queries.
func EventTopics() []common.Hash {
	topics := make([]common.Hash, 0, len(kindByTopic))
	for _, name := range []string{"Funded", "Shipped", "Delivered", "GoodsConfirmed", "DisputeOpened", "DisputeResolved"} {
		topics = append(topics, escrowABI.Events[name].ID)
	}
	return topics
}

// Normalize converts one raw log into the engine's uniform event type. The
// contract address is lowercased so it matches the ledger key, and the source
// sequence packs (block, log index) into the per-source total order.
func Normalize(lg types.Log) (order.ContractEvent, error) {
	if lg.Removed {
		return order.ContractEvent{}, ErrRemovedLog
	}
	if len(lg.Topics) == 0 {
		return order.ContractEvent{}, fmt.Errorf("chain: log without topics (block=%d idx=%d)", lg.BlockNumber, lg.Index)
	}

	kind, ok := kindByTopic[lg.Topics[0]]
	if !ok {
		return order.ContractEvent{}, ErrUnhandledTopic
	}

	ev := order.ContractEvent{
		Contract:   strings.ToLower(lg.Address.Hex()),
		Kind:       kind,
		SourceSeq:  order.SourceSeq(lg.BlockNumber, lg.Index),
		ObservedAt: time.Now().UTC(),
	}

	switch kind {
	case order.KindFunded:
		buyer, err := indexedAddress(lg, 1)
		if err != nil {
			return order.ContractEvent{}, err
		}
		amount, err := unpackBig(lg, "Funded")
		if err != nil {
			return order.ContractEvent{}, err
		}
		ev.Buyer = buyer
		ev.Amount = amount.String()

	case order.KindShipped:
		vals, err := escrowABI.Unpack("Shipped", lg.Data)
		if err != nil {
			return order.ContractEvent{}, fmt.Errorf("chain: unpack Shipped: %w", err)
		}
		tracking, ok := vals[0].(string)
		if !ok {
			return order.ContractEvent{}, fmt.Errorf("chain: Shipped tracking number has type %T", vals[0])
		}
		ev.TrackingNumber = tracking

	case order.KindGoodsConfirmed:
		buyer, err := indexedAddress(lg, 1)
		if err != nil {
			return order.ContractEvent{}, err
		}
		ev.Buyer = buyer

	case order.KindDisputeOpened:
		deadline, err := unpackBig(lg, "DisputeOpened")
		if err != nil {
			return order.ContractEvent{}, err
		}
		ev.Deadline = deadline.Uint64()

	case order.KindDisputeResolved:
		winner, err := indexedAddress(lg, 1)
		if err != nil {
			return order.ContractEvent{}, err
		}
		amount, err := unpackBig(lg, "DisputeResolved")
		if err != nil {
			return order.ContractEvent{}, err
		}
		ev.Winner = winner
		ev.Amount = amount.String()
	}

	return ev, nil
}

func indexedAddress(lg types.Log, pos int) (string, error) {
	if len(lg.Topics) <= pos {
		return "", fmt.Errorf("chain: %s log missing indexed topic %d", lg.Topics[0].Hex(), pos)
	}
	return strings.ToLower(common.BytesToAddress(lg.Topics[pos].Bytes()).Hex()), nil
}

func unpackBig(lg types.Log, name string) (*big.Int, error) {
	vals, err := escrowABI.Unpack(name, lg.Data)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", name, err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("chain: %s carries no data fields", name)
	}
	n, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: %s field has type %T", name, vals[0])
	}
	return n, nil
}
