package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkers       = 4
	defaultQueueSize     = 256
	defaultRetryBudget   = 5
	defaultRetryInterval = 2 * time.Second
	applyTimeout         = 10 * time.Second
)

// Ledger is the engine's view of the durable store.
type Ledger interface {
	Apply(ctx context.Context, ev ContractEvent) (ApplyResult, error)
	RecordInconsistency(ctx context.Context, rep InconsistencyReport) error
}

// StateReader performs a direct read of the contract's authoritative state,
// used only when escalating an inconsistency.
type StateReader interface {
	EscrowState(ctx context.Context, contract string) (Status, error)
}

// Engine consumes normalized contract events and applies legal forward
// transitions to the ledger. It is the ledger's only writer. Events for
// different contracts are processed concurrently; events for the same
// contract are serialized.
type Engine struct {
	ledger   Ledger
	state    StateReader
	notifier *Notifier
	logger   *zap.Logger

	workers       int
	retryBudget   int
	retryInterval time.Duration

	events chan ContractEvent

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	pendingMu sync.Mutex
	pending   map[string][]pendingEvent
}

type pendingEvent struct {
	ev       ContractEvent
	attempts int
}

// EngineOption customizes engine construction.
type EngineOption func(*Engine)

func WithWorkers(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

func WithQueueSize(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.events = make(chan ContractEvent, n)
		}
	}
}

func WithRetryBudget(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.retryBudget = n
		}
	}
}

func WithRetryInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.retryInterval = d
		}
	}
}

// WithStateReader wires the direct contract read used in escalation.
func WithStateReader(sr StateReader) EngineOption {
	return func(e *Engine) { e.state = sr }
}

func WithNotifier(n *Notifier) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

func NewEngine(ledger Ledger, logger *zap.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		ledger:        ledger,
		logger:        logger,
		workers:       defaultWorkers,
		retryBudget:   defaultRetryBudget,
		retryInterval: defaultRetryInterval,
		events:        make(chan ContractEvent, defaultQueueSize),
		locks:         make(map[string]*sync.Mutex),
		pending:       make(map[string][]pendingEvent),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit enqueues a normalized event for reconciliation. It blocks when the
// queue is full, giving the subscription side backpressure.
func (e *Engine) Submit(ctx context.Context, ev ContractEvent) error {
	select {
	case e.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes events until ctx is cancelled. In-flight ledger writes are
// allowed to complete; the queue is not drained past cancellation.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < e.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev := <-e.events:
					e.handleEvent(ctx, ev)
				}
			}
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(e.retryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				e.flushPending(ctx)
			}
		}
	})

	return g.Wait()
}

// handleEvent applies one event under the per-contract lock, then drains any
// buffered successors that the apply may have unblocked.
func (e *Engine) handleEvent(ctx context.Context, ev ContractEvent) {
	lock := e.contractLock(ev.Contract)
	lock.Lock()
	defer lock.Unlock()

	if applied := e.applyOne(ctx, ev, 0); applied {
		e.drainPendingLocked(ctx, ev.Contract)
	}
}

// applyOne runs a single ledger apply. It returns true when the ledger
// advanced (the event was neither a duplicate nor deferred).
func (e *Engine) applyOne(ctx context.Context, ev ContractEvent, attempts int) bool {
	// Cancellation must not abort a write mid-flight; the apply gets its own
	// deadline detached from the run context.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), applyTimeout)
	defer cancel()

	res, err := e.ledger.Apply(writeCtx, ev)
	switch {
	case err == nil:
		if res.Duplicate {
			e.logger.Debug("duplicate event discarded",
				zap.String("contract", ev.Contract),
				zap.String("kind", string(ev.Kind)),
				zap.Uint64("source_seq", ev.SourceSeq),
			)
			return false
		}
		e.logger.Info("order transition applied",
			zap.String("contract", ev.Contract),
			zap.String("kind", string(ev.Kind)),
			zap.String("status", string(res.Order.Status)),
			zap.Uint64("source_seq", ev.SourceSeq),
		)
		e.publish(res.Order)
		return true

	case isInapplicable(err):
		// The predecessor may still be in flight; park the event for retry.
		e.buffer(ev, attempts)
		e.logger.Warn("inapplicable event buffered",
			zap.String("contract", ev.Contract),
			zap.String("kind", string(ev.Kind)),
			zap.Uint64("source_seq", ev.SourceSeq),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return false

	default:
		// Transient store failure: requeue through the pending buffer without
		// charging the retry budget an extra pass.
		e.buffer(ev, attempts)
		e.logger.Warn("ledger apply failed, will retry",
			zap.String("contract", ev.Contract),
			zap.Uint64("source_seq", ev.SourceSeq),
			zap.Error(err),
		)
		return false
	}
}

// flushPending retries every buffered event once, escalating those that have
// exhausted the retry budget.
func (e *Engine) flushPending(ctx context.Context) {
	e.pendingMu.Lock()
	contracts := make([]string, 0, len(e.pending))
	for c := range e.pending {
		contracts = append(contracts, c)
	}
	e.pendingMu.Unlock()

	for _, contract := range contracts {
		lock := e.contractLock(contract)
		lock.Lock()
		e.drainPendingLocked(ctx, contract)
		lock.Unlock()
	}
}

// drainPendingLocked re-applies buffered events for one contract in source
// order. The caller holds the contract lock.
func (e *Engine) drainPendingLocked(ctx context.Context, contract string) {
	pending := e.takePending(contract)
	if len(pending) == 0 {
		return
	}

	for i, p := range pending {
		attempts := p.attempts + 1
		if attempts > e.retryBudget {
			e.escalate(ctx, p.ev)
			continue
		}
		if e.applyOne(ctx, p.ev, attempts) {
			continue
		}
		// Still blocked: later events cannot apply either, put the rest back
		// untouched so they do not burn budget on a known-blocked pass.
		e.pendingMu.Lock()
		for _, rest := range pending[i+1:] {
			e.pending[contract] = append(e.pending[contract], rest)
		}
		e.pendingMu.Unlock()
		return
	}
}

// escalate reports an event the mirror could not reconcile. When a state
// reader is wired, the authoritative contract state is included.
func (e *Engine) escalate(ctx context.Context, ev ContractEvent) {
	rep := InconsistencyReport{
		Contract:  ev.Contract,
		Kind:      ev.Kind,
		SourceSeq: ev.SourceSeq,
		Detail:    fmt.Sprintf("retry budget (%d) exhausted", e.retryBudget),
	}

	readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), applyTimeout)
	defer cancel()

	if cur, err := e.mirrorStatus(readCtx, ev.Contract); err == nil {
		rep.MirrorStatus = cur
	}
	if e.state != nil {
		if st, err := e.state.EscrowState(readCtx, ev.Contract); err == nil {
			rep.ChainStatus = string(st)
		} else {
			e.logger.Warn("authoritative state read failed during escalation",
				zap.String("contract", ev.Contract), zap.Error(err))
		}
	}

	if err := e.ledger.RecordInconsistency(readCtx, rep); err != nil {
		e.logger.Error("failed to record inconsistency", zap.Error(err))
	}
	e.logger.Error("order mirror inconsistency",
		zap.String("contract", ev.Contract),
		zap.String("kind", string(ev.Kind)),
		zap.Uint64("source_seq", ev.SourceSeq),
		zap.String("mirror_status", string(rep.MirrorStatus)),
		zap.String("chain_status", rep.ChainStatus),
	)
}

func (e *Engine) mirrorStatus(ctx context.Context, contract string) (Status, error) {
	type byContract interface {
		GetByContract(ctx context.Context, contract string) (Order, error)
	}
	if r, ok := e.ledger.(byContract); ok {
		rec, err := r.GetByContract(ctx, contract)
		if err != nil {
			return "", err
		}
		return rec.Status, nil
	}
	return "", errors.New("order: ledger does not expose reads")
}

// PendingCount reports how many events are parked awaiting predecessors.
func (e *Engine) PendingCount() int {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	n := 0
	for _, evs := range e.pending {
		n += len(evs)
	}
	return n
}

func (e *Engine) buffer(ev ContractEvent, attempts int) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	e.pending[ev.Contract] = append(e.pending[ev.Contract], pendingEvent{ev: ev, attempts: attempts})
}

// takePending removes and returns the contract's buffer sorted by source seq.
func (e *Engine) takePending(contract string) []pendingEvent {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	pending := e.pending[contract]
	if len(pending) == 0 {
		return nil
	}
	delete(e.pending, contract)
	sort.Slice(pending, func(i, j int) bool { return pending[i].ev.SourceSeq < pending[j].ev.SourceSeq })
	return pending
}

func (e *Engine) contractLock(contract string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	lock, ok := e.locks[contract]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[contract] = lock
	}
	return lock
}

func (e *Engine) publish(rec Order) {
	if e.notifier == nil || rec.ContractAddress == nil {
		return
	}
	e.notifier.Publish(Change{
		ContractAddress: *rec.ContractAddress,
		Status:          rec.Status,
		TrackingNumber:  rec.TrackingNumber,
		UpdatedAt:       rec.UpdatedAt,
	})
}

func isInapplicable(err error) bool {
	var ie *InapplicableError
	return errors.As(err, &ie)
}
