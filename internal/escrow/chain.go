package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"fieldproof/internal/chain"
	"fieldproof/internal/domain"
	"fieldproof/internal/events"
)

// Applier ingests contract logs into local state. The chain indexer
// implements it; receipts and polled logs share one code path so an event is
// applied once no matter which side sees it first.
type Applier interface {
	Apply(ctx context.Context, logs []types.Log) (int, error)
}

// ChainProvider settles through the escrow contract. Local status only
// changes from contract events.
type ChainProvider struct {
	Deps
	Contract       *chain.Contract
	Operator       chain.Transactor
	Applier        Applier
	ConfirmTimeout time.Duration
	PollEvery      time.Duration
}

func NewChain(deps Deps, contract *chain.Contract, operator chain.Transactor, applier Applier, confirmTimeout time.Duration) *ChainProvider {
	return &ChainProvider{
		Deps:           deps,
		Contract:       contract,
		Operator:       operator,
		Applier:        applier,
		ConfirmTimeout: confirmTimeout,
		PollEvery:      2 * time.Second,
	}
}

func (p *ChainProvider) Name() string { return domain.ProviderChain }

// CreateEscrow records a pending escrow keyed by its settlement id. It is
// funded when the Deposited event for that id is indexed.
func (p *ChainProvider) CreateEscrow(ctx context.Context, task domain.Task, amount int64, currency, requesterID string) (created Created, err error) {
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
	sid := chain.SettlementID(task.ID, now).Hex()
	e := domain.Escrow{
		ID:           sid,
		TaskID:       task.ID,
		Amount:       amount,
		Currency:     currency,
		Provider:     domain.ProviderChain,
		SettlementID: sid,
		ProviderRef:  sid,
		RequesterID:  requesterID,
		Status:       domain.EscrowPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := p.Repo.InsertEscrow(ctx, tx, e); err != nil {
		return Created{}, err
	}
	if err := p.Events.Append(ctx, tx, "escrow.create", "escrow", e.ID, requesterID, events.EventPayload{
		"task_id": task.ID, "amount": amount, "currency": currency, "provider": p.Name(), "settlement_id": sid,
	}); err != nil {
		return Created{}, err
	}
	if err := tx.Commit(); err != nil {
		return Created{}, err
	}
	return createdFrom(e), nil
}

func (p *ChainProvider) ReleaseToWorker(ctx context.Context, task domain.Task, workerID, workerAddress string) (rc Receipt, err error) {
	defer func() { p.observe(p.Name(), "release", err) }()
	return p.submit(ctx, task.ID, "release", workerAddress, func(e domain.Escrow, id common.Hash) (common.Hash, error) {
		addr := workerAddress
		if addr == "" {
			addr = e.WorkerAddress
		}
		if !common.IsHexAddress(addr) {
			return common.Hash{}, fmt.Errorf("%w: worker %s", domain.ErrMissingWorkerAddress, workerID)
		}
		return p.Operator.Release(ctx, id, common.HexToAddress(addr))
	})
}

func (p *ChainProvider) RefundToRequester(ctx context.Context, task domain.Task) (rc Receipt, err error) {
	defer func() { p.observe(p.Name(), "refund", err) }()
	return p.submit(ctx, task.ID, "refund", "", func(e domain.Escrow, id common.Hash) (common.Hash, error) {
		return p.Operator.Refund(ctx, id)
	})
}

func (p *ChainProvider) GetStatus(ctx context.Context, taskID string) (*domain.EscrowStatus, error) {
	return p.status(ctx, taskID)
}

func (p *ChainProvider) submit(ctx context.Context, taskID, op, workerAddress string, call func(domain.Escrow, common.Hash) (common.Hash, error)) (Receipt, error) {
	if p.Operator == nil {
		return Receipt{}, domain.ErrOperatorUnavailable
	}
	e, err := p.Repo.EscrowForTask(ctx, taskID)
	if err != nil {
		return Receipt{}, err
	}
	if e.PendingTx != "" {
		return p.confirm(ctx, e, common.HexToHash(e.PendingTx))
	}
	if e.Status != domain.EscrowFunded {
		return Receipt{}, fmt.Errorf("%w: escrow %s is %s", domain.ErrInvalidEscrowStatus, e.ID, e.Status)
	}
	id, err := chain.ParseSettlementID(e.SettlementID)
	if err != nil {
		id, err = chain.ParseSettlementID(e.ProviderRef)
		if err != nil {
			return Receipt{}, fmt.Errorf("escrow %s has no on-chain id: %w", e.ID, err)
		}
	}
	hash, err := call(e, id)
	if err != nil {
		return Receipt{}, err
	}
	p.logger().WithFields(logrus.Fields{"task_id": taskID, "escrow_id": e.ID, "op": op, "tx_hash": hash.Hex()}).Info("settlement submitted")

	if err := p.setPending(ctx, e.ID, hash.Hex(), workerAddress, "escrow.submit", events.EventPayload{"op": op, "tx_hash": hash.Hex()}); err != nil {
		return Receipt{}, err
	}
	e.PendingTx = hash.Hex()
	return p.confirm(ctx, e, hash)
}

// confirm waits for hash under ConfirmTimeout and applies the receipt logs.
// Once hash is submitted, running out of time on either ConfirmTimeout or the
// caller's ctx reports ErrSettlementPending and leaves pending_tx in place so
// the next call or the indexer picks it up.
func (p *ChainProvider) confirm(ctx context.Context, e domain.Escrow, hash common.Hash) (Receipt, error) {
	rc := Receipt{EscrowID: e.ID, ProviderRef: e.ProviderRef, Status: e.Status, TxHash: hash.Hex()}
	timeout := p.ConfirmTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	receipt, err := chain.WaitReceipt(cctx, p.Operator, hash, p.PollEvery)
	switch {
	case errors.Is(err, domain.ErrTransactionReverted):
		p.logger().WithFields(logrus.Fields{"escrow_id": e.ID, "tx_hash": hash.Hex()}).Warn("settlement reverted")
		if cerr := p.setPending(ctx, e.ID, "", "", "escrow.reverted", events.EventPayload{"tx_hash": hash.Hex()}); cerr != nil {
			return rc, cerr
		}
		return rc, err
	case err != nil && (cctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)):
		p.logger().WithFields(logrus.Fields{"escrow_id": e.ID, "tx_hash": hash.Hex()}).WithError(err).Info("settlement still unconfirmed")
		return rc, fmt.Errorf("%w: %s", domain.ErrSettlementPending, hash.Hex())
	case err != nil:
		return rc, err
	}

	logs := make([]types.Log, 0, len(receipt.Logs))
	for _, l := range receipt.Logs {
		logs = append(logs, *l)
	}
	if p.Applier != nil {
		if _, err := p.Applier.Apply(ctx, logs); err != nil {
			if ctx.Err() != nil {
				return rc, fmt.Errorf("%w: %s", domain.ErrSettlementPending, hash.Hex())
			}
			return rc, fmt.Errorf("apply receipt %s: %w", hash.Hex(), err)
		}
	}
	updated, err := p.Repo.GetEscrow(ctx, e.ID)
	if err != nil {
		return rc, err
	}
	if updated.PendingTx == hash.Hex() {
		// mined without a settlement event for this escrow
		if err := p.setPending(ctx, e.ID, "", "", "escrow.unmatched_receipt", events.EventPayload{"tx_hash": hash.Hex()}); err != nil {
			return rc, err
		}
	}
	rc.Status = updated.Status
	return rc, nil
}

func (p *ChainProvider) setPending(ctx context.Context, escrowID, txHash, workerAddress, evtType string, payload events.EventPayload) error {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	e, err := p.Repo.GetEscrowTx(ctx, tx, escrowID)
	if err != nil {
		return err
	}
	e.PendingTx = txHash
	if workerAddress != "" {
		e.WorkerAddress = workerAddress
	}
	e.UpdatedAt = p.now()
	if err := p.Repo.UpdateEscrow(ctx, tx, e); err != nil {
		return err
	}
	if err := p.Events.Append(ctx, tx, evtType, "escrow", e.ID, "", payload); err != nil {
		return err
	}
	return tx.Commit()
}
