package indexer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"fieldproof/internal/chain"
	"fieldproof/internal/domain"
	"fieldproof/internal/escrow"
	"fieldproof/internal/events"
)

// Apply ingests logs in order. Each log is recorded and applied in its own
// transaction keyed by (chain id, tx hash, log index), so replays are no-ops.
// It returns the number of logs that changed an escrow.
func (ix *Indexer) Apply(ctx context.Context, logs []types.Log) (int, error) {
	applied := 0
	for _, l := range logs {
		fields := logrus.Fields{"tx_hash": l.TxHash.Hex(), "log_index": l.Index, "block": l.BlockNumber}
		if l.Removed {
			ix.skip(SkipRemoved, fields, "skipping removed log")
			continue
		}
		if ix.Contract.Address != (common.Address{}) && l.Address != ix.Contract.Address {
			if ix.Metrics != nil {
				ix.Metrics.EventsSkipped.WithLabelValues(SkipForeign).Inc()
			}
			continue
		}
		ev, err := ix.Contract.Decode(l)
		if err != nil {
			ix.skip(SkipDecode, fields, err.Error())
			continue
		}
		ok, err := ix.applyEvent(ctx, ev)
		if err != nil {
			return applied, fmt.Errorf("apply %s %s/%d: %w", ev.Name, ev.TxHash, ev.LogIndex, err)
		}
		if ok {
			applied++
		}
	}
	return applied, nil
}

func (ix *Indexer) applyEvent(ctx context.Context, ev chain.Event) (bool, error) {
	fields := logrus.Fields{"event": ev.Name, "settlement_id": ev.SettlementID, "tx_hash": ev.TxHash, "log_index": ev.LogIndex}
	tx, err := ix.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	now := ix.now()
	id, inserted, err := ix.Repo.InsertChainEvent(ctx, tx, domain.ChainEvent{
		ChainID:      ix.Config.ChainID,
		TxHash:       ev.TxHash,
		LogIndex:     ev.LogIndex,
		BlockNumber:  ev.BlockNumber,
		Name:         ev.Name,
		SettlementID: ev.SettlementID,
		PayloadJSON:  ev.PayloadJSON(),
		CreatedAt:    now,
	})
	if err != nil {
		return false, err
	}
	if !inserted {
		if ix.Metrics != nil {
			ix.Metrics.EventsSkipped.WithLabelValues(SkipDuplicate).Inc()
		}
		ix.Log.WithFields(fields).Debug("event already ingested")
		return false, nil
	}

	e, err := ix.Repo.EscrowBySettlementIDTx(ctx, tx, ev.SettlementID)
	if errors.Is(err, domain.ErrEscrowNotFound) {
		e, err = ix.Repo.EscrowByProviderRefTx(ctx, tx, ev.SettlementID)
		if err == nil {
			ix.Log.WithFields(fields).WithField("escrow_id", e.ID).Warn("matched escrow by provider_ref")
		}
	}
	if errors.Is(err, domain.ErrEscrowNotFound) {
		ix.skip(SkipUnmatched, fields, "no escrow for settlement id")
		return false, tx.Commit()
	}
	if err != nil {
		return false, err
	}

	changed, err := ix.handle(ctx, tx, &e, ev)
	if err != nil {
		return false, err
	}
	if changed {
		e.UpdatedAt = now
		if err := ix.Repo.UpdateEscrow(ctx, tx, e); err != nil {
			return false, err
		}
	}
	if err := ix.Repo.MarkChainEventProcessed(ctx, tx, id, now); err != nil {
		return false, err
	}
	if err := ix.Events.Append(ctx, tx, "chain."+strings.ToLower(ev.Name), "escrow", e.ID, "", events.EventPayload{
		"task_id": e.TaskID, "tx_hash": ev.TxHash, "log_index": ev.LogIndex, "block": ev.BlockNumber, "status": e.Status,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	fields["task_id"], fields["status"] = e.TaskID, e.Status
	if !changed {
		ix.Log.WithFields(fields).Debug("chain event recorded without change")
		return false, nil
	}
	if ix.Metrics != nil {
		ix.Metrics.EventsIngested.WithLabelValues(ev.Name).Inc()
	}
	ix.Log.WithFields(fields).Info("chain event applied")
	return true, nil
}

// handle moves e to the state ev describes. The chain is authoritative, so
// money-moving events apply whatever the local status is. Ledger rows are
// skipped only when e already sits in the event's target state, which means
// another log recorded the same transition.
func (ix *Indexer) handle(ctx context.Context, tx *sql.Tx, e *domain.Escrow, ev chain.Event) (bool, error) {
	now := ix.now()
	log := ix.Log.WithFields(logrus.Fields{"event": ev.Name, "escrow_id": e.ID, "status": e.Status, "tx_hash": ev.TxHash})
	insert := func(kind string, amount int64, to string) error {
		return ix.Repo.InsertLedgerEntry(ctx, tx, escrow.Entry(*e, kind, domain.DirectionOut, amount, domain.PartyEscrow, to, ev.TxHash, now))
	}
	entry := func(kind string, amount int64, to string) error {
		if amount <= 0 {
			return nil
		}
		return insert(kind, amount, to)
	}
	// settled reports whether the transition to target was already recorded.
	settled := func(target string) bool {
		if e.Status == target {
			log.Warn("settlement already recorded by another log")
			return true
		}
		if e.Status != domain.EscrowFunded {
			log.WithField("target", target).Warn("chain settlement overrides local escrow status")
		}
		return false
	}

	switch ev.Name {
	case chain.EventDeposited:
		if ev.Amount != e.Amount {
			log.WithFields(logrus.Fields{"expected": e.Amount, "deposited": ev.Amount}).Warn("deposit amount differs from escrow")
		}
		if e.FundedAt != nil {
			log.Warn("deposit already recorded by another log")
			return false, nil
		}
		if e.Status == domain.EscrowPending {
			e.Status = domain.EscrowFunded
		} else {
			log.Warn("deposit arrived after settlement")
		}
		e.FundedAt = &now
		return true, ix.Repo.InsertLedgerEntry(ctx, tx, escrow.Entry(*e, domain.EntryFund, domain.DirectionIn, ev.Amount, e.RequesterID, domain.PartyEscrow, ev.TxHash, now))

	case chain.EventWorkerAssigned:
		if e.WorkerAddress == ev.Worker {
			return false, nil
		}
		e.WorkerAddress = ev.Worker
		return true, nil

	case chain.EventAccepted, chain.EventDisputeOpened:
		return false, nil

	case chain.EventReleased:
		if settled(domain.EscrowReleased) {
			return false, nil
		}
		e.Status = domain.EscrowReleased
		e.ReleasedAt = &now
		e.PendingTx = ""
		e.WorkerAddress = ev.Worker
		if err := insert(domain.EntryRelease, ev.WorkerAmount, ev.Worker); err != nil {
			return false, err
		}
		return true, insert(domain.EntryFee, ev.Fee, domain.PartyPlatform)

	case chain.EventRefunded:
		if settled(domain.EscrowRefunded) {
			return false, nil
		}
		e.Status = domain.EscrowRefunded
		e.RefundedAt = &now
		e.PendingTx = ""
		return true, insert(domain.EntryRefund, ev.Amount, e.RequesterID)

	case chain.EventDisputeResolved:
		target := domain.EscrowReleased
		if ev.Outcome == chain.OutcomeRequester {
			target = domain.EscrowRefunded
		}
		if settled(target) {
			return false, nil
		}
		e.Status = target
		if target == domain.EscrowRefunded {
			e.RefundedAt = &now
		} else {
			e.ReleasedAt = &now
		}
		e.PendingTx = ""
		worker := e.WorkerAddress
		if worker == "" {
			worker = "worker"
		}
		if err := entry(domain.EntryDisputeResolution, ev.WorkerAmount, worker); err != nil {
			return false, err
		}
		if err := entry(domain.EntryDisputeResolution, ev.RequesterAmount, e.RequesterID); err != nil {
			return false, err
		}
		return true, entry(domain.EntryDisputeResolution, ev.Fee, domain.PartyPlatform)
	}
	return false, fmt.Errorf("%w: unhandled event %s", domain.ErrDecodeFailure, ev.Name)
}
