package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"descrow/order"
)

const (
	defaultBackoffBase = 1 * time.Second
	defaultBackoffCap  = 30 * time.Second
	logBuffer          = 128
)

// DialFunc establishes a fresh connection to the event source. The
// supervisor calls it on every (re)connect so a dead websocket is replaced,
// not reused.
type DialFunc func(ctx context.Context) (Streamer, error)

// OnEvent receives each normalized event in delivery order. A non-nil error
// stops the current stream and triggers a reconnect.
type OnEvent func(ctx context.Context, ev order.ContractEvent) error

// SupervisorConfig configures one subscription supervisor.
type SupervisorConfig struct {
	// Endpoint is the node's streaming RPC URL. Ignored when Dial is set.
	Endpoint string
	// Addresses restricts the subscription to specific escrow contracts.
	// Empty means all contracts matching the lifecycle event topics, the
	// factory-deployment setup where per-order contracts appear over time.
	Addresses []string
	// Dial overrides connection establishment (tests, alternative clients).
	Dial    DialFunc
	OnEvent OnEvent
	Logger  *zap.Logger

	BackoffBase time.Duration
	BackoffCap  time.Duration

	// StartSeq seeds gap replay after a process restart; typically the
	// ledger's highest applied sequence.
	StartSeq uint64
}

// Supervisor owns the streaming connection lifecycle: it subscribes, feeds
// raw logs through the normalizer to OnEvent, and on any stream failure
// reconnects with jittered exponential backoff, replaying the gap since the
// last delivered sequence from historical logs before resuming live.
type Supervisor struct {
	dial      DialFunc
	onEvent   OnEvent
	logger    *zap.Logger
	addresses []common.Address
	base      time.Duration
	cap       time.Duration

	lastSeq atomic.Uint64
}

// NewSupervisor validates the subscription target. A malformed contract
// address or missing endpoint is a fatal configuration error reported here,
// once, rather than retried.
func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	if cfg.OnEvent == nil {
		return nil, errors.New("chain: supervisor requires an OnEvent sink")
	}
	addresses, err := ParseAddresses(cfg.Addresses)
	if err != nil {
		return nil, err
	}

	dial := cfg.Dial
	if dial == nil {
		if cfg.Endpoint == "" {
			return nil, errors.New("chain: supervisor requires an endpoint")
		}
		endpoint := cfg.Endpoint
		dial = func(ctx context.Context) (Streamer, error) {
			return Dial(ctx, endpoint)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	base := cfg.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}
	capd := cfg.BackoffCap
	if capd <= 0 {
		capd = defaultBackoffCap
	}

	s := &Supervisor{
		dial:      dial,
		onEvent:   cfg.OnEvent,
		logger:    logger,
		addresses: addresses,
		base:      base,
		cap:       capd,
	}
	s.lastSeq.Store(cfg.StartSeq)
	return s, nil
}

// LastSeq reports the highest source sequence delivered so far.
func (s *Supervisor) LastSeq() uint64 {
	return s.lastSeq.Load()
}

// Run maintains the stream until ctx is cancelled. Transient failures are
// retried indefinitely; Run only returns on shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		st, err := s.dial(ctx)
		if err != nil {
			s.logger.Warn("event source dial failed", zap.Error(err))
			if !s.sleep(ctx, attempt) {
				return nil
			}
			attempt++
			continue
		}

		delivered, err := s.stream(ctx, st)
		st.Close()
		if ctx.Err() != nil {
			return nil
		}

		if delivered > 0 {
			attempt = 0
		}
		s.logger.Warn("event stream interrupted, reconnecting",
			zap.Uint64("last_seq", s.lastSeq.Load()),
			zap.Int("delivered", delivered),
			zap.Error(err),
		)
		if !s.sleep(ctx, attempt) {
			return nil
		}
		attempt++
	}
}

// stream replays any gap since the last delivered sequence, then follows the
// live subscription until it fails or ctx is cancelled. It returns how many
// events were delivered on this connection.
func (s *Supervisor) stream(ctx context.Context, st Streamer) (int, error) {
	delivered := 0

	// Subscribe before replaying so nothing emitted between the historical
	// query and the live stream can slip through; live logs queue in ch while
	// replay catches up and the sequence watermark drops any overlap.
	ch := make(chan types.Log, logBuffer)
	sub, err := st.SubscribeLogs(ctx, s.filterQuery(nil), ch)
	if err != nil {
		return delivered, fmt.Errorf("chain: subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	if last := s.lastSeq.Load(); last > 0 {
		n, err := s.replay(ctx, st, last)
		delivered += n
		if err != nil {
			return delivered, fmt.Errorf("chain: gap replay: %w", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return delivered, ctx.Err()
		case err := <-sub.Err():
			return delivered, fmt.Errorf("chain: subscription closed: %w", err)
		case lg := <-ch:
			ok, err := s.deliver(ctx, lg)
			if err != nil {
				return delivered, err
			}
			if ok {
				delivered++
			}
		}
	}
}

// replay closes the at-least-once gap a naive resubscribe would leave: query
// historical logs from the block of the last delivered sequence forward and
// feed them through the same normalizer. Events at or below the watermark
// are skipped here and deduplicated again by the ledger.
func (s *Supervisor) replay(ctx context.Context, st Streamer, fromSeq uint64) (int, error) {
	fromBlock := new(big.Int).SetUint64(order.BlockOf(fromSeq))
	logs, err := st.FilterLogs(ctx, s.filterQuery(fromBlock))
	if err != nil {
		return 0, err
	}

	s.logger.Info("replaying historical events",
		zap.Uint64("from_seq", fromSeq),
		zap.Uint64("from_block", fromBlock.Uint64()),
		zap.Int("logs", len(logs)),
	)

	delivered := 0
	for _, lg := range logs {
		ok, err := s.deliver(ctx, lg)
		if err != nil {
			return delivered, err
		}
		if ok {
			delivered++
		}
	}
	return delivered, nil
}

// deliver normalizes one log and hands it to the sink. Malformed or
// non-lifecycle logs are skipped, never fatal.
func (s *Supervisor) deliver(ctx context.Context, lg types.Log) (bool, error) {
	ev, err := Normalize(lg)
	switch {
	case errors.Is(err, ErrUnhandledTopic):
		s.logger.Debug("skipping non-lifecycle log",
			zap.Uint64("block", lg.BlockNumber), zap.Uint("index", lg.Index))
		return false, nil
	case errors.Is(err, ErrRemovedLog):
		s.logger.Warn("skipping reorged log",
			zap.String("contract", lg.Address.Hex()),
			zap.Uint64("block", lg.BlockNumber), zap.Uint("index", lg.Index))
		return false, nil
	case err != nil:
		s.logger.Warn("skipping malformed log", zap.Error(err))
		return false, nil
	}

	if ev.SourceSeq <= s.lastSeq.Load() {
		return false, nil
	}

	if err := s.onEvent(ctx, ev); err != nil {
		return false, fmt.Errorf("chain: deliver event seq=%d: %w", ev.SourceSeq, err)
	}
	s.lastSeq.Store(ev.SourceSeq)
	return true, nil
}

func (s *Supervisor) filterQuery(fromBlock *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: s.addresses,
		FromBlock: fromBlock,
		Topics:    [][]common.Hash{EventTopics()},
	}
}

// sleep waits for the jittered backoff delay. It returns false on shutdown.
func (s *Supervisor) sleep(ctx context.Context, attempt int) bool {
	d := s.base << uint(attempt)
	if d <= 0 || d > s.cap {
		d = s.cap
	}
	// full jitter over [d/2, d]
	d = d/2 + time.Duration(rand.Int63n(int64(d/2)+1))

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
