// Package escrow moves bounty funds for a task. Two providers implement the
// same contract: an internal double-entry ledger and an on-chain settlement
// contract. Which one runs is deployment config; callers never branch on it.
package escrow

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"fieldproof/internal/domain"
	"fieldproof/internal/events"
	"fieldproof/internal/metrics"
	"fieldproof/internal/repo"
)

// Created describes a newly opened (or already open) escrow.
type Created struct {
	EscrowID     string `json:"escrow_id"`
	SettlementID string `json:"settlement_id"`
	ProviderRef  string `json:"provider_ref"`
	Status       string `json:"status"`
}

// Receipt describes the outcome of a release or refund.
type Receipt struct {
	EscrowID    string `json:"escrow_id"`
	ProviderRef string `json:"provider_ref"`
	Status      string `json:"status"`
	TxHash      string `json:"tx_hash,omitempty"`
}

type Provider interface {
	Name() string
	CreateEscrow(ctx context.Context, task domain.Task, amount int64, currency, requesterID string) (Created, error)
	ReleaseToWorker(ctx context.Context, task domain.Task, workerID, workerAddress string) (Receipt, error)
	RefundToRequester(ctx context.Context, task domain.Task) (Receipt, error)
	GetStatus(ctx context.Context, taskID string) (*domain.EscrowStatus, error)
}

// Deps are the collaborators shared by both providers.
type Deps struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Metrics *metrics.Metrics
	Log     logrus.FieldLogger
	Now     func() time.Time
}

func NewDeps(db *sql.DB, m *metrics.Metrics, log logrus.FieldLogger) Deps {
	return Deps{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Metrics: m,
		Log:     log,
		Now:     time.Now,
	}
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

func (d Deps) observe(provider, op string, err error) {
	if d.Metrics != nil {
		d.Metrics.EscrowOps.WithLabelValues(provider, op, metrics.Result(err)).Inc()
	}
}

func (d Deps) logger() logrus.FieldLogger {
	if d.Log == nil {
		return logrus.StandardLogger()
	}
	return d.Log
}

func (d Deps) status(ctx context.Context, taskID string) (*domain.EscrowStatus, error) {
	e, err := d.Repo.EscrowForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &domain.EscrowStatus{
		EscrowID:    e.ID,
		Status:      e.Status,
		Amount:      e.Amount,
		Currency:    e.Currency,
		Provider:    e.Provider,
		ProviderRef: e.ProviderRef,
		PendingTx:   e.PendingTx,
	}, nil
}

// Entry builds a ledger row against escrow e.
func Entry(e domain.Escrow, kind, direction string, amount int64, from, to, externalTx string, at time.Time) domain.LedgerEntry {
	return domain.LedgerEntry{
		ID:         uuid.NewString(),
		TaskID:     e.TaskID,
		EscrowID:   e.ID,
		Kind:       kind,
		Direction:  direction,
		Amount:     amount,
		Currency:   e.Currency,
		FromParty:  from,
		ToParty:    to,
		ExternalTx: externalTx,
		CreatedAt:  at,
	}
}

// Fee is the platform cut of amount at bps, rounded down.
func Fee(amount, bps int64) int64 {
	return amount * bps / 10000
}
