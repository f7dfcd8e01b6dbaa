package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeLedger mirrors the repository's transactional semantics in memory:
// lazy row creation, duplicate discard by source seq, and transition
// validation against the same table the engine relies on.
type fakeLedger struct {
	mu          sync.Mutex
	rows        map[string]*Order
	reports     []InconsistencyReport
	failApplies int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{rows: make(map[string]*Order)}
}

var errLedgerDown = errors.New("ledger down")

func (f *fakeLedger) Apply(_ context.Context, ev ContractEvent) (ApplyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failApplies > 0 {
		f.failApplies--
		return ApplyResult{}, errLedgerDown
	}

	rec, ok := f.rows[ev.Contract]
	if !ok {
		contract := ev.Contract
		rec = &Order{ContractAddress: &contract, Status: StatusCreated}
		f.rows[ev.Contract] = rec
	}

	if ev.SourceSeq <= rec.LastAppliedEventSeq {
		return ApplyResult{Duplicate: true, Order: *rec}, nil
	}

	next, ok := NextStatus(rec.Status, ev.Kind)
	if !ok {
		return ApplyResult{}, &InapplicableError{Contract: ev.Contract, Current: rec.Status, Kind: ev.Kind, Seq: ev.SourceSeq}
	}

	rec.Status = next
	rec.LastAppliedEventSeq = ev.SourceSeq
	if ev.TrackingNumber != "" {
		tn := ev.TrackingNumber
		rec.TrackingNumber = &tn
	}
	if ev.Outcome != "" {
		rec.SettlementOutcome = ev.Outcome
	}
	rec.UpdatedAt = time.Now()
	return ApplyResult{Order: *rec}, nil
}

func (f *fakeLedger) RecordInconsistency(_ context.Context, rep InconsistencyReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, rep)
	return nil
}

func (f *fakeLedger) GetByContract(_ context.Context, contract string) (Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rows[contract]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return *rec, nil
}

func (f *fakeLedger) status(t *testing.T, contract string) Status {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rows[contract]
	if !ok {
		t.Fatalf("no mirror row for %s", contract)
	}
	return rec.Status
}

type fakeStateReader struct {
	state Status
	err   error
}

func (f *fakeStateReader) EscrowState(context.Context, string) (Status, error) {
	return f.state, f.err
}

func TestEngineAppliesLifecycleInOrder(t *testing.T) {
	ledger := newFakeLedger()
	eng := NewEngine(ledger, zap.NewNop())
	ctx := context.Background()

	const contract = "0xaaa0000000000000000000000000000000000001"
	steps := []struct {
		ev   ContractEvent
		want Status
	}{
		{ContractEvent{Contract: contract, Kind: KindFunded, SourceSeq: SourceSeq(10, 0), Buyer: "0xb1", Amount: "5000"}, StatusFunded},
		{ContractEvent{Contract: contract, Kind: KindShipped, SourceSeq: SourceSeq(11, 0), TrackingNumber: "TRK-1"}, StatusShipped},
		{ContractEvent{Contract: contract, Kind: KindDelivered, SourceSeq: SourceSeq(12, 3)}, StatusDelivered},
		{ContractEvent{Contract: contract, Kind: KindGoodsConfirmed, SourceSeq: SourceSeq(13, 0), Buyer: "0xb1"}, StatusCompleted},
	}
	for _, step := range steps {
		eng.handleEvent(ctx, step.ev)
		if got := ledger.status(t, contract); got != step.want {
			t.Fatalf("after %s: status = %s, want %s", step.ev.Kind, got, step.want)
		}
	}
	if n := eng.PendingCount(); n != 0 {
		t.Errorf("pending count = %d, want 0", n)
	}
}

func TestEngineDiscardsDuplicates(t *testing.T) {
	ledger := newFakeLedger()
	eng := NewEngine(ledger, zap.NewNop())
	ctx := context.Background()

	const contract = "0xaaa0000000000000000000000000000000000002"
	funded := ContractEvent{Contract: contract, Kind: KindFunded, SourceSeq: SourceSeq(20, 1)}
	eng.handleEvent(ctx, funded)
	eng.handleEvent(ctx, funded)

	if got := ledger.status(t, contract); got != StatusFunded {
		t.Fatalf("status = %s, want %s", got, StatusFunded)
	}
	if n := eng.PendingCount(); n != 0 {
		t.Errorf("duplicate was buffered: pending count = %d", n)
	}
}

func TestEngineBuffersOutOfOrderEvents(t *testing.T) {
	ledger := newFakeLedger()
	eng := NewEngine(ledger, zap.NewNop())
	ctx := context.Background()

	const contract = "0xaaa0000000000000000000000000000000000003"
	shipped := ContractEvent{Contract: contract, Kind: KindShipped, SourceSeq: SourceSeq(31, 0), TrackingNumber: "TRK-9"}
	delivered := ContractEvent{Contract: contract, Kind: KindDelivered, SourceSeq: SourceSeq(32, 0)}
	funded := ContractEvent{Contract: contract, Kind: KindFunded, SourceSeq: SourceSeq(30, 0)}

	eng.handleEvent(ctx, delivered)
	eng.handleEvent(ctx, shipped)
	if got := ledger.status(t, contract); got != StatusCreated {
		t.Fatalf("mirror advanced without predecessor: status = %s", got)
	}
	if n := eng.PendingCount(); n != 2 {
		t.Fatalf("pending count = %d, want 2", n)
	}

	// The missing predecessor arrives; the drain applies the buffered
	// successors in source order.
	eng.handleEvent(ctx, funded)
	if got := ledger.status(t, contract); got != StatusDelivered {
		t.Fatalf("status = %s, want %s", got, StatusDelivered)
	}
	if n := eng.PendingCount(); n != 0 {
		t.Errorf("pending count = %d, want 0", n)
	}
}

func TestEngineRetriesTransientFailures(t *testing.T) {
	ledger := newFakeLedger()
	ledger.failApplies = 1
	eng := NewEngine(ledger, zap.NewNop())
	ctx := context.Background()

	const contract = "0xaaa0000000000000000000000000000000000004"
	eng.handleEvent(ctx, ContractEvent{Contract: contract, Kind: KindFunded, SourceSeq: SourceSeq(40, 0)})
	if n := eng.PendingCount(); n != 1 {
		t.Fatalf("pending count = %d, want 1", n)
	}

	eng.flushPending(ctx)
	if got := ledger.status(t, contract); got != StatusFunded {
		t.Fatalf("status = %s, want %s", got, StatusFunded)
	}
}

func TestEngineEscalatesAfterRetryBudget(t *testing.T) {
	ledger := newFakeLedger()
	reader := &fakeStateReader{state: StatusDisputed}
	eng := NewEngine(ledger, zap.NewNop(), WithRetryBudget(2), WithStateReader(reader))
	ctx := context.Background()

	const contract = "0xaaa0000000000000000000000000000000000005"
	eng.handleEvent(ctx, ContractEvent{Contract: contract, Kind: KindFunded, SourceSeq: SourceSeq(50, 0)})

	// A resolution with no open dispute never becomes applicable.
	stray := ContractEvent{Contract: contract, Kind: KindDisputeResolved, SourceSeq: SourceSeq(51, 0), Winner: "0xb1"}
	eng.handleEvent(ctx, stray)

	for i := 0; i < 3; i++ {
		eng.flushPending(ctx)
	}

	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	if len(ledger.reports) != 1 {
		t.Fatalf("inconsistency reports = %d, want 1", len(ledger.reports))
	}
	rep := ledger.reports[0]
	if rep.Contract != contract || rep.Kind != KindDisputeResolved {
		t.Errorf("report = %+v", rep)
	}
	if rep.MirrorStatus != StatusFunded {
		t.Errorf("mirror status = %s, want %s", rep.MirrorStatus, StatusFunded)
	}
	if rep.ChainStatus != string(StatusDisputed) {
		t.Errorf("chain status = %q, want %q", rep.ChainStatus, StatusDisputed)
	}
	if ledger.rows[contract].Status != StatusFunded {
		t.Errorf("mirror mutated by escalation: status = %s", ledger.rows[contract].Status)
	}
}

func TestEngineSettlesDisputeAsCompleted(t *testing.T) {
	ledger := newFakeLedger()
	eng := NewEngine(ledger, zap.NewNop())
	ctx := context.Background()

	const contract = "0xaaa0000000000000000000000000000000000006"
	events := []ContractEvent{
		{Contract: contract, Kind: KindFunded, SourceSeq: SourceSeq(60, 0)},
		{Contract: contract, Kind: KindDisputeOpened, SourceSeq: SourceSeq(61, 0), Deadline: 1767225600},
		{Contract: contract, Kind: KindDisputeResolved, SourceSeq: SourceSeq(62, 0), Winner: "0xb1", Outcome: OutcomeRefundedToBuyer},
	}
	for _, ev := range events {
		eng.handleEvent(ctx, ev)
	}

	rec, err := ledger.GetByContract(ctx, contract)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s", rec.Status, StatusCompleted)
	}
	if rec.SettlementOutcome != OutcomeRefundedToBuyer {
		t.Errorf("outcome = %s, want %s", rec.SettlementOutcome, OutcomeRefundedToBuyer)
	}
}

func TestEngineProcessesContractsConcurrently(t *testing.T) {
	ledger := newFakeLedger()
	notifier := NewNotifier()
	eng := NewEngine(ledger, zap.NewNop(), WithWorkers(4), WithNotifier(notifier), WithRetryInterval(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, unsubscribe := notifier.Subscribe(256)
	defer unsubscribe()

	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	contracts := []string{
		"0xccc0000000000000000000000000000000000001",
		"0xccc0000000000000000000000000000000000002",
		"0xccc0000000000000000000000000000000000003",
		"0xccc0000000000000000000000000000000000004",
	}
	for _, c := range contracts {
		if err := eng.Submit(ctx, ContractEvent{Contract: c, Kind: KindFunded, SourceSeq: SourceSeq(70, 0)}); err != nil {
			t.Fatalf("submit: %v", err)
		}
		if err := eng.Submit(ctx, ContractEvent{Contract: c, Kind: KindShipped, SourceSeq: SourceSeq(71, 0), TrackingNumber: "TRK-7"}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	want := len(contracts) * 2
	deadline := time.After(5 * time.Second)
	for seen := 0; seen < want; {
		select {
		case <-changes:
			seen++
		case <-deadline:
			t.Fatalf("saw %d notifications, want %d", seen, want)
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	for _, c := range contracts {
		if got := ledger.status(t, c); got != StatusShipped {
			t.Errorf("%s: status = %s, want %s", c, got, StatusShipped)
		}
	}
}
