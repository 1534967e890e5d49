package engine

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"fieldproof/internal/domain"
	"fieldproof/internal/events"
	"fieldproof/internal/staking"
)

// WorkerProfile is what the profile collaborator knows about a worker.
type WorkerProfile struct {
	ID            string
	ReputationBps int64
	WalletAddress string
}

// UpsertWorker records reputation and payout wallet. Strikes are only ever
// changed by slashing and ResetStrikes.
func (e Engine) UpsertWorker(ctx context.Context, p WorkerProfile, actorID string) (domain.Worker, error) {
	if p.ID == "" {
		return domain.Worker{}, fmt.Errorf("worker id is required")
	}
	if p.ReputationBps < 0 || p.ReputationBps > 10000 {
		return domain.Worker{}, fmt.Errorf("%w: reputation %d bps", domain.ErrInvalidPercentage, p.ReputationBps)
	}
	if p.WalletAddress != "" && !common.IsHexAddress(p.WalletAddress) {
		return domain.Worker{}, fmt.Errorf("%w: %q", domain.ErrMissingWorkerAddress, p.WalletAddress)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Worker{}, err
	}
	defer tx.Rollback()
	w := domain.Worker{ID: p.ID, ReputationBps: p.ReputationBps, WalletAddress: p.WalletAddress, UpdatedAt: e.now()}
	if err := e.Repo.UpsertWorkerProfile(ctx, tx, w); err != nil {
		return domain.Worker{}, err
	}
	if err := e.Events.Append(ctx, tx, "worker.profile", "worker", p.ID, actorID, events.EventPayload{
		"reputation_bps": p.ReputationBps, "wallet_address": p.WalletAddress,
	}); err != nil {
		return domain.Worker{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Worker{}, err
	}
	return e.Repo.GetWorker(ctx, p.ID)
}

func (e Engine) ResetStrikes(ctx context.Context, workerID, actorID string) error {
	return e.Stakes.ResetStrikes(ctx, workerID, actorID)
}

func (e Engine) StakeQuote(ctx context.Context, bounty int64, workerID string) (staking.Quote, error) {
	return e.Stakes.Quote(ctx, bounty, workerID)
}
