// Package indexer follows the settlement contract's logs and folds them into
// local escrow state.
package indexer

import (
	"context"
	"database/sql"
	"errors"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"fieldproof/internal/chain"
	"fieldproof/internal/config"
	"fieldproof/internal/escrow"
	"fieldproof/internal/events"
	"fieldproof/internal/lock"
	"fieldproof/internal/metrics"
	"fieldproof/internal/repo"
)

var _ escrow.Applier = (*Indexer)(nil)

// Skip reasons reported on the events-skipped metric.
const (
	SkipDecode    = "decode"
	SkipDuplicate = "duplicate"
	SkipUnmatched = "unmatched"
	SkipForeign   = "foreign"
	SkipRemoved   = "removed"
)

type Indexer struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Source   chain.LogSource
	Contract *chain.Contract
	Config   config.Chain
	Locker   lock.Locker
	Limiter  *rate.Limiter
	Metrics  *metrics.Metrics
	Log      logrus.FieldLogger
	Now      func() time.Time

	poll   sync.Mutex
	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(db *sql.DB, source chain.LogSource, contract *chain.Contract, cfg config.Chain, m *metrics.Metrics, log logrus.FieldLogger) *Indexer {
	limit := rate.Inf
	if cfg.RPCRatePerSecond > 0 {
		limit = rate.Limit(cfg.RPCRatePerSecond)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Indexer{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Source:   source,
		Contract: contract,
		Config:   cfg,
		Locker:   lock.Noop{},
		Limiter:  rate.NewLimiter(limit, 1),
		Metrics:  m,
		Log:      log.WithField("chain_id", cfg.ChainID),
		Now:      time.Now,
	}
}

func (ix *Indexer) now() time.Time {
	if ix.Now != nil {
		return ix.Now().UTC()
	}
	return time.Now().UTC()
}

// PollResult summarises one poll cycle.
type PollResult struct {
	Skipped bool   `json:"skipped"`
	From    uint64 `json:"from"`
	To      uint64 `json:"to"`
	Logs    int    `json:"logs"`
	Applied int    `json:"applied"`
}

// Start runs PollOnce every poll interval until ctx is cancelled or Stop is
// called. Starting a running indexer is a no-op.
func (ix *Indexer) Start(ctx context.Context) {
	ix.runMu.Lock()
	defer ix.runMu.Unlock()
	if ix.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	ix.cancel = cancel
	ix.done = make(chan struct{})
	go ix.run(ctx, ix.done)
}

// Stop cancels the loop and waits for the in-flight poll to finish.
func (ix *Indexer) Stop() {
	ix.runMu.Lock()
	cancel, done := ix.cancel, ix.done
	ix.cancel, ix.done = nil, nil
	ix.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (ix *Indexer) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	interval := ix.Config.PollInterval
	if interval <= 0 {
		interval = 12 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ix.Log.WithField("interval", interval).Info("chain indexer started")
	for {
		if _, err := ix.PollOnce(ctx); err != nil && ctx.Err() == nil {
			ix.Log.WithError(err).Error("poll failed")
		}
		select {
		case <-ctx.Done():
			ix.Log.Info("chain indexer stopped")
			return
		case <-ticker.C:
		}
	}
}

// PollOnce scans from the cursor to the chain head. Concurrent calls in this
// process, or in other replicas holding the lock, return Skipped.
func (ix *Indexer) PollOnce(ctx context.Context) (PollResult, error) {
	if !ix.poll.TryLock() {
		return PollResult{Skipped: true}, nil
	}
	defer ix.poll.Unlock()

	if ix.Locker != nil {
		release, ok, err := ix.Locker.TryAcquire(ctx)
		if err != nil {
			return PollResult{}, err
		}
		if !ok {
			ix.Log.Debug("another replica holds the indexer lock")
			return PollResult{Skipped: true}, nil
		}
		defer release()
	}

	if err := ix.Limiter.Wait(ctx); err != nil {
		return PollResult{}, err
	}
	head, err := ix.Source.BlockNumber(ctx)
	if err != nil {
		return PollResult{}, err
	}
	cursor, err := ix.cursor(ctx, head)
	if err != nil {
		return PollResult{}, err
	}
	if cursor+1 > head {
		return PollResult{From: cursor + 1, To: head}, nil
	}

	res := PollResult{From: cursor + 1, To: head}
	var logs []types.Log
	step := ix.Config.MaxBlockRange
	if step == 0 {
		step = 2000
	}
	for from := cursor + 1; from <= head; {
		to := from + step - 1
		if to > head {
			to = head
		}
		if err := ix.Limiter.Wait(ctx); err != nil {
			return res, err
		}
		query := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{ix.Contract.Address},
			Topics:    [][]common.Hash{ix.Contract.Topics()},
		}
		chunk, err := ix.Source.FilterLogs(ctx, query)
		if err != nil {
			ix.Log.WithError(err).WithFields(logrus.Fields{"from": from, "to": to}).Warn("filter logs failed")
			return res, err
		}
		logs = append(logs, chunk...)
		from = to + 1
	}
	res.Logs = len(logs)

	applied, err := ix.Apply(ctx, logs)
	res.Applied = applied
	if err != nil {
		return res, err
	}
	if err := ix.advance(ctx, head); err != nil {
		return res, err
	}
	if ix.Metrics != nil {
		ix.Metrics.BlocksScanned.Add(float64(head - cursor))
		ix.Metrics.Cursor.WithLabelValues(strconv.FormatInt(ix.Config.ChainID, 10)).Set(float64(head))
	}
	ix.Log.WithFields(logrus.Fields{"from": res.From, "to": res.To, "logs": res.Logs, "applied": applied}).Debug("poll complete")
	return res, nil
}

// cursor returns the last processed block, initialising it behind head by
// the backfill window on first run.
func (ix *Indexer) cursor(ctx context.Context, head uint64) (uint64, error) {
	c, err := ix.Repo.GetCursor(ctx, ix.Config.ChainID)
	if err == nil {
		return c.LastBlock, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return 0, err
	}
	var start uint64
	if head > ix.Config.BackfillBlocks {
		start = head - ix.Config.BackfillBlocks
	}
	if err := ix.advance(ctx, start); err != nil {
		return 0, err
	}
	ix.Log.WithField("block", start).Info("initialised chain cursor")
	return start, nil
}

func (ix *Indexer) advance(ctx context.Context, block uint64) error {
	tx, err := ix.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := ix.Repo.SetCursor(ctx, tx, ix.Config.ChainID, block, ix.now()); err != nil {
		return err
	}
	return tx.Commit()
}

// Cursor reports the stored cursor, or ok=false before the first poll.
func (ix *Indexer) Cursor(ctx context.Context) (block uint64, ok bool, err error) {
	c, err := ix.Repo.GetCursor(ctx, ix.Config.ChainID)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return c.LastBlock, true, nil
}

func (ix *Indexer) skip(reason string, fields logrus.Fields, msg string) {
	if ix.Metrics != nil {
		ix.Metrics.EventsSkipped.WithLabelValues(reason).Inc()
	}
	ix.Log.WithFields(fields).WithField("reason", reason).Warn(msg)
}
