package chain

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"descrow/order"
)

var (
	testContract = common.HexToAddress("0xDEaDbeEf00000000000000000000000000000001")
	testBuyer    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testSeller   = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

// makeLog builds a raw log the way the node would emit it: topic0 is the
// event signature hash, indexed arguments follow as topics, and the
// remaining arguments are ABI-packed into Data.
func makeLog(t *testing.T, name string, addr common.Address, block uint64, idx uint, indexed []common.Hash, args ...interface{}) types.Log {
	t.Helper()
	ev, ok := escrowABI.Events[name]
	if !ok {
		t.Fatalf("unknown event %s", name)
	}
	data, err := ev.Inputs.NonIndexed().Pack(args...)
	if err != nil {
		t.Fatalf("pack %s: %v", name, err)
	}
	return types.Log{
		Address:     addr,
		Topics:      append([]common.Hash{ev.ID}, indexed...),
		Data:        data,
		BlockNumber: block,
		Index:       idx,
	}
}

func addressTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

func TestNormalizeFunded(t *testing.T) {
	lg := makeLog(t, "Funded", testContract, 100, 2, []common.Hash{addressTopic(testBuyer)}, big.NewInt(1_500_000))

	ev, err := Normalize(lg)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.Kind != order.KindFunded {
		t.Errorf("kind = %s, want %s", ev.Kind, order.KindFunded)
	}
	if want := "0xdeadbeef00000000000000000000000000000001"; ev.Contract != want {
		t.Errorf("contract = %s, want %s", ev.Contract, want)
	}
	if want := order.SourceSeq(100, 2); ev.SourceSeq != want {
		t.Errorf("source seq = %d, want %d", ev.SourceSeq, want)
	}
	if want := "0x1111111111111111111111111111111111111111"; ev.Buyer != want {
		t.Errorf("buyer = %s, want %s", ev.Buyer, want)
	}
	if ev.Amount != "1500000" {
		t.Errorf("amount = %s, want 1500000", ev.Amount)
	}
}

func TestNormalizeShipped(t *testing.T) {
	lg := makeLog(t, "Shipped", testContract, 101, 0, nil, "TRK-20260831-001")

	ev, err := Normalize(lg)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.Kind != order.KindShipped {
		t.Errorf("kind = %s", ev.Kind)
	}
	if ev.TrackingNumber != "TRK-20260831-001" {
		t.Errorf("tracking = %q", ev.TrackingNumber)
	}
}

func TestNormalizeDelivered(t *testing.T) {
	lg := makeLog(t, "Delivered", testContract, 102, 1, nil)

	ev, err := Normalize(lg)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.Kind != order.KindDelivered {
		t.Errorf("kind = %s", ev.Kind)
	}
}

func TestNormalizeDisputeOpened(t *testing.T) {
	lg := makeLog(t, "DisputeOpened", testContract, 103, 0, nil, big.NewInt(1767225600))

	ev, err := Normalize(lg)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.Kind != order.KindDisputeOpened {
		t.Errorf("kind = %s", ev.Kind)
	}
	if ev.Deadline != 1767225600 {
		t.Errorf("deadline = %d", ev.Deadline)
	}
}

func TestNormalizeDisputeResolved(t *testing.T) {
	lg := makeLog(t, "DisputeResolved", testContract, 104, 0, []common.Hash{addressTopic(testBuyer)}, big.NewInt(900))

	ev, err := Normalize(lg)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.Kind != order.KindDisputeResolved {
		t.Errorf("kind = %s", ev.Kind)
	}
	if want := "0x1111111111111111111111111111111111111111"; ev.Winner != want {
		t.Errorf("winner = %s, want %s", ev.Winner, want)
	}
	if ev.Amount != "900" {
		t.Errorf("amount = %s", ev.Amount)
	}
}

func TestNormalizeSkipsFundsReleased(t *testing.T) {
	lg := makeLog(t, "FundsReleased", testContract, 105, 0, []common.Hash{addressTopic(testSeller)}, big.NewInt(900))

	if _, err := Normalize(lg); !errors.Is(err, ErrUnhandledTopic) {
		t.Fatalf("err = %v, want ErrUnhandledTopic", err)
	}
}

func TestNormalizeSkipsForeignTopics(t *testing.T) {
	lg := types.Log{
		Address:     testContract,
		Topics:      []common.Hash{common.HexToHash("0x01")},
		BlockNumber: 106,
	}
	if _, err := Normalize(lg); !errors.Is(err, ErrUnhandledTopic) {
		t.Fatalf("err = %v, want ErrUnhandledTopic", err)
	}
}

func TestNormalizeRejectsReorgedLog(t *testing.T) {
	lg := makeLog(t, "Delivered", testContract, 107, 0, nil)
	lg.Removed = true

	if _, err := Normalize(lg); !errors.Is(err, ErrRemovedLog) {
		t.Fatalf("err = %v, want ErrRemovedLog", err)
	}
}

func TestNormalizeRejectsTruncatedData(t *testing.T) {
	lg := makeLog(t, "Funded", testContract, 108, 0, []common.Hash{addressTopic(testBuyer)}, big.NewInt(1))
	lg.Data = lg.Data[:8]

	if _, err := Normalize(lg); err == nil {
		t.Fatal("expected unpack error for truncated data")
	}
}

func TestEventTopicsCoverLifecycleOnly(t *testing.T) {
	topics := EventTopics()
	if len(topics) != 6 {
		t.Fatalf("topics = %d, want 6", len(topics))
	}
	for _, topic := range topics {
		if topic == escrowABI.Events["FundsReleased"].ID {
			t.Error("FundsReleased must not be subscribed")
		}
	}
}

func TestParseAddresses(t *testing.T) {
	good, err := ParseAddresses([]string{" 0xDEaDbeEf00000000000000000000000000000001 ", "", "0x2222222222222222222222222222222222222222"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(good) != 2 {
		t.Fatalf("parsed = %d, want 2", len(good))
	}
	if good[0] != testContract {
		t.Errorf("address = %s", good[0].Hex())
	}

	if _, err := ParseAddresses([]string{"not-an-address"}); err == nil {
		t.Fatal("expected error for malformed address")
	}
}
