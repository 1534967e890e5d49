package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"fieldproof/internal/domain"
	"fieldproof/internal/events"
)

// LedgerProvider settles synchronously against ledger_entries. Every
// mutation, its entries and its audit event commit in one transaction.
type LedgerProvider struct {
	Deps
	FeeBps int64
}

func NewLedger(deps Deps, feeBps int64) *LedgerProvider {
	return &LedgerProvider{Deps: deps, FeeBps: feeBps}
}

func (p *LedgerProvider) Name() string { return domain.ProviderLedger }

// CreateEscrow funds a new escrow. Calling it again for a task whose escrow is
// still open returns that escrow when the amount matches.
func (p *LedgerProvider) CreateEscrow(ctx context.Context, task domain.Task, amount int64, currency, requesterID string) (created Created, err error) {
	defer func() { p.observe(p.Name(), "create", err) }()
	if amount <= 0 {
		return Created{}, domain.ErrInsufficientAmount
	}
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return Created{}, err
	}
	defer tx.Rollback()

	existing, err := p.Repo.EscrowForTaskTx(ctx, tx, task.ID)
	switch {
	case err == nil && !domain.IsTerminalEscrow(existing.Status):
		if existing.Amount != amount || existing.Currency != currency {
			return Created{}, fmt.Errorf("%w: task %s already has an open escrow of %d %s", domain.ErrInvalidEscrowStatus, task.ID, existing.Amount, existing.Currency)
		}
		return createdFrom(existing), nil
	case err != nil && !errors.Is(err, domain.ErrEscrowNotFound):
		return Created{}, err
	}

	now := p.now()
	id := uuid.NewString()
	e := domain.Escrow{
		ID:           id,
		TaskID:       task.ID,
		Amount:       amount,
		Currency:     currency,
		Provider:     domain.ProviderLedger,
		SettlementID: id,
		ProviderRef:  "ledger:" + id,
		RequesterID:  requesterID,
		Status:       domain.EscrowFunded,
		FundedAt:     &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := p.Repo.InsertEscrow(ctx, tx, e); err != nil {
		return Created{}, err
	}
	if err := p.Repo.InsertLedgerEntry(ctx, tx, Entry(e, domain.EntryFund, domain.DirectionIn, amount, requesterID, domain.PartyEscrow, "", now)); err != nil {
		return Created{}, err
	}
	if err := p.Events.Append(ctx, tx, "escrow.fund", "escrow", e.ID, requesterID, events.EventPayload{
		"task_id": task.ID, "amount": amount, "currency": currency, "provider": p.Name(),
	}); err != nil {
		return Created{}, err
	}
	if err := tx.Commit(); err != nil {
		return Created{}, err
	}
	return createdFrom(e), nil
}

// ReleaseToWorker pays the bounty less the platform fee to the worker.
func (p *LedgerProvider) ReleaseToWorker(ctx context.Context, task domain.Task, workerID, workerAddress string) (rc Receipt, err error) {
	defer func() { p.observe(p.Name(), "release", err) }()
	return p.settle(ctx, task.ID, func(tx *sql.Tx, e *domain.Escrow) error {
		now := p.now()
		fee := Fee(e.Amount, p.FeeBps)
		net := e.Amount - fee
		e.Status = domain.EscrowReleased
		e.ReleasedAt = &now
		if workerAddress != "" {
			e.WorkerAddress = workerAddress
		}
		if err := p.Repo.InsertLedgerEntry(ctx, tx, Entry(*e, domain.EntryRelease, domain.DirectionOut, net, domain.PartyEscrow, workerID, "", now)); err != nil {
			return err
		}
		if err := p.Repo.InsertLedgerEntry(ctx, tx, Entry(*e, domain.EntryFee, domain.DirectionOut, fee, domain.PartyEscrow, domain.PartyPlatform, "", now)); err != nil {
			return err
		}
		return p.Events.Append(ctx, tx, "escrow.release", "escrow", e.ID, "", events.EventPayload{
			"task_id": e.TaskID, "worker_id": workerID, "worker_amount": net, "fee": fee,
		})
	})
}

// RefundToRequester returns the full amount to the requester.
func (p *LedgerProvider) RefundToRequester(ctx context.Context, task domain.Task) (rc Receipt, err error) {
	defer func() { p.observe(p.Name(), "refund", err) }()
	return p.settle(ctx, task.ID, func(tx *sql.Tx, e *domain.Escrow) error {
		now := p.now()
		e.Status = domain.EscrowRefunded
		e.RefundedAt = &now
		if err := p.Repo.InsertLedgerEntry(ctx, tx, Entry(*e, domain.EntryRefund, domain.DirectionOut, e.Amount, domain.PartyEscrow, e.RequesterID, "", now)); err != nil {
			return err
		}
		return p.Events.Append(ctx, tx, "escrow.refund", "escrow", e.ID, "", events.EventPayload{
			"task_id": e.TaskID, "amount": e.Amount,
		})
	})
}

func (p *LedgerProvider) GetStatus(ctx context.Context, taskID string) (*domain.EscrowStatus, error) {
	return p.status(ctx, taskID)
}

func (p *LedgerProvider) settle(ctx context.Context, taskID string, apply func(tx *sql.Tx, e *domain.Escrow) error) (Receipt, error) {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return Receipt{}, err
	}
	defer tx.Rollback()
	e, err := p.Repo.EscrowForTaskTx(ctx, tx, taskID)
	if err != nil {
		return Receipt{}, err
	}
	if e.Status != domain.EscrowFunded {
		return Receipt{}, fmt.Errorf("%w: escrow %s is %s", domain.ErrInvalidEscrowStatus, e.ID, e.Status)
	}
	if err := apply(tx, &e); err != nil {
		return Receipt{}, err
	}
	e.UpdatedAt = p.now()
	if err := p.Repo.UpdateEscrow(ctx, tx, e); err != nil {
		return Receipt{}, err
	}
	if err := tx.Commit(); err != nil {
		return Receipt{}, err
	}
	p.logger().WithFields(logrus.Fields{"task_id": taskID, "escrow_id": e.ID, "status": e.Status}).Info("escrow settled")
	return Receipt{EscrowID: e.ID, ProviderRef: e.ProviderRef, Status: e.Status}, nil
}

func createdFrom(e domain.Escrow) Created {
	return Created{EscrowID: e.ID, SettlementID: e.SettlementID, ProviderRef: e.ProviderRef, Status: e.Status}
}
