package staking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"fieldproof/internal/domain"
	"fieldproof/internal/events"
	"fieldproof/internal/repo"
)

// Service persists stakes. The XxxTx methods run inside a caller's
// transaction; the others open their own.
type Service struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Params Params
	Log    logrus.FieldLogger
	Now    func() time.Time
}

func NewService(db *sql.DB, params Params, log logrus.FieldLogger) Service {
	return Service{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Params: params,
		Log:    log,
		Now:    time.Now,
	}
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Quote is the stake a worker would need to post for a bounty.
type Quote struct {
	WorkerID      string `json:"worker_id"`
	Bounty        int64  `json:"bounty"`
	Strikes       int64  `json:"strikes"`
	ReputationBps int64  `json:"reputation_bps"`
	StakeBps      int64  `json:"stake_bps"`
	Amount        int64  `json:"amount"`
}

func (s Service) Quote(ctx context.Context, bounty int64, workerID string) (Quote, error) {
	if bounty <= 0 {
		return Quote{}, domain.ErrInsufficientAmount
	}
	w, err := s.Repo.GetWorker(ctx, workerID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return Quote{}, err
	}
	amount, bps := s.Params.RequiredStake(bounty, w.Strikes, w.ReputationBps)
	return Quote{WorkerID: workerID, Bounty: bounty, Strikes: w.Strikes, ReputationBps: w.ReputationBps, StakeBps: bps, Amount: amount}, nil
}

// LockTx records the worker's stake for a task at the currently required amount.
func (s Service) LockTx(ctx context.Context, tx *sql.Tx, task domain.Task, workerID string) (domain.Stake, error) {
	w, err := s.Repo.WorkerTx(ctx, tx, workerID)
	if err != nil {
		return domain.Stake{}, err
	}
	amount, bps := s.Params.RequiredStake(task.Bounty.Amount, w.Strikes, w.ReputationBps)
	if amount <= 0 {
		return domain.Stake{}, fmt.Errorf("%w: stake for bounty %d is zero", domain.ErrInsufficientAmount, task.Bounty.Amount)
	}
	now := s.now()
	st := domain.Stake{
		TaskID:       task.ID,
		WorkerID:     workerID,
		BountyAmount: task.Bounty.Amount,
		StakeBps:     bps,
		Amount:       amount,
		Currency:     task.Bounty.Currency,
		Status:       domain.StakeActive,
		CreatedAt:    now,
	}
	ok, err := s.Repo.UpsertStake(ctx, tx, st)
	if err != nil {
		return domain.Stake{}, fmt.Errorf("lock stake: %w", err)
	}
	if !ok {
		return domain.Stake{}, fmt.Errorf("%w: worker already holds a stake on task %s", domain.ErrInvalidStakeStatus, task.ID)
	}
	stored, err := s.Repo.GetStakeTx(ctx, tx, task.ID, workerID)
	if err != nil {
		return domain.Stake{}, err
	}
	if err := s.entry(ctx, tx, stored, domain.EntryStakeLock, domain.DirectionIn, amount, workerID, "stake"); err != nil {
		return domain.Stake{}, err
	}
	if err := s.Events.Append(ctx, tx, "stake.lock", "stake", stakeKey(stored), workerID, events.EventPayload{"amount": amount, "stake_bps": bps}); err != nil {
		return domain.Stake{}, err
	}
	return stored, nil
}

// ReleaseRequest describes who asks for a release and on what grounds.
// Force skips the caller and delay rules for releases the orchestrator makes
// on its own, such as a cancelled task or an expired claim.
type ReleaseRequest struct {
	TaskID             string
	WorkerID           string
	Caller             string
	AcceptedUndisputed bool
	Force              bool
}

func (s Service) ReleaseTx(ctx context.Context, tx *sql.Tx, req ReleaseRequest) (domain.Stake, error) {
	st, err := s.activeStake(ctx, tx, req.TaskID, req.WorkerID)
	if err != nil {
		return st, err
	}
	now := s.now()
	if !req.Force && !CanRelease(st, req.Caller, req.AcceptedUndisputed, now, s.Params.ReleaseDelay) {
		return st, domain.ErrReleaseLocked
	}
	st.Status = domain.StakeReleased
	st.WorkerReturn = st.Amount
	st.ReleasedAt = &now
	if err := s.Repo.UpdateStake(ctx, tx, st); err != nil {
		return st, err
	}
	if err := s.entry(ctx, tx, st, domain.EntryStakeRelease, domain.DirectionOut, st.Amount, "stake", st.WorkerID); err != nil {
		return st, err
	}
	if err := s.Events.Append(ctx, tx, "stake.release", "stake", stakeKey(st), actorOr(req.Caller), events.EventPayload{"amount": st.Amount, "forced": req.Force}); err != nil {
		return st, err
	}
	return st, nil
}

func (s Service) Release(ctx context.Context, req ReleaseRequest) (domain.Stake, error) {
	return inTx(ctx, s.DB, func(tx *sql.Tx) (domain.Stake, error) { return s.ReleaseTx(ctx, tx, req) })
}

// SlashFullTx forfeits the whole stake and adds one strike to the worker.
func (s Service) SlashFullTx(ctx context.Context, tx *sql.Tx, taskID, workerID, requesterID string, requesterShareBps int64, actor string) (domain.Stake, error) {
	st, err := s.activeStake(ctx, tx, taskID, workerID)
	if err != nil {
		return st, err
	}
	split, err := FullSlash(st.Amount, requesterShareBps)
	if err != nil {
		return st, err
	}
	return s.applySlash(ctx, tx, st, split, domain.StakeSlashedFull, requesterID, actor)
}

// SlashPartialTx returns part of the stake to the worker, splits the rest and
// adds one strike to the worker.
func (s Service) SlashPartialTx(ctx context.Context, tx *sql.Tx, taskID, workerID, requesterID string, workerReturnBps, requesterShareBps int64, actor string) (domain.Stake, error) {
	st, err := s.activeStake(ctx, tx, taskID, workerID)
	if err != nil {
		return st, err
	}
	split, err := PartialSlash(st.Amount, workerReturnBps, requesterShareBps)
	if err != nil {
		return st, err
	}
	return s.applySlash(ctx, tx, st, split, domain.StakeSlashedPartial, requesterID, actor)
}

func (s Service) SlashFull(ctx context.Context, taskID, workerID, requesterID string, requesterShareBps int64, actor string) (domain.Stake, error) {
	return inTx(ctx, s.DB, func(tx *sql.Tx) (domain.Stake, error) {
		return s.SlashFullTx(ctx, tx, taskID, workerID, requesterID, requesterShareBps, actor)
	})
}

func (s Service) SlashPartial(ctx context.Context, taskID, workerID, requesterID string, workerReturnBps, requesterShareBps int64, actor string) (domain.Stake, error) {
	return inTx(ctx, s.DB, func(tx *sql.Tx) (domain.Stake, error) {
		return s.SlashPartialTx(ctx, tx, taskID, workerID, requesterID, workerReturnBps, requesterShareBps, actor)
	})
}

func (s Service) applySlash(ctx context.Context, tx *sql.Tx, st domain.Stake, split Split, status, requesterID, actor string) (domain.Stake, error) {
	now := s.now()
	st.Status = status
	st.WorkerReturn = split.Worker
	st.RequesterAmount = split.Requester
	st.PlatformAmount = split.Platform
	st.SlashedAt = &now
	if err := s.Repo.UpdateStake(ctx, tx, st); err != nil {
		return st, err
	}
	if split.Worker > 0 {
		if err := s.entry(ctx, tx, st, domain.EntryStakeRelease, domain.DirectionOut, split.Worker, "stake", st.WorkerID); err != nil {
			return st, err
		}
	}
	if split.Requester > 0 {
		if err := s.entry(ctx, tx, st, domain.EntryStakeSlash, domain.DirectionOut, split.Requester, "stake", requesterID); err != nil {
			return st, err
		}
	}
	if split.Platform > 0 {
		if err := s.entry(ctx, tx, st, domain.EntryStakeSlash, domain.DirectionOut, split.Platform, "stake", domain.PartyPlatform); err != nil {
			return st, err
		}
	}
	strikes, err := s.Repo.AddStrike(ctx, tx, st.WorkerID, now)
	if err != nil {
		return st, fmt.Errorf("add strike: %w", err)
	}
	if err := s.Events.Append(ctx, tx, "stake.slash", "stake", stakeKey(st), actorOr(actor), events.EventPayload{
		"status": status, "worker": split.Worker, "requester": split.Requester, "platform": split.Platform, "strikes": strikes,
	}); err != nil {
		return st, err
	}
	if s.Log != nil {
		s.Log.WithFields(logrus.Fields{"task_id": st.TaskID, "worker_id": st.WorkerID, "status": status, "strikes": strikes}).Info("stake slashed")
	}
	return st, nil
}

// ResetStrikes is the administrative reset of a worker's strike counter.
func (s Service) ResetStrikes(ctx context.Context, workerID, actor string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := s.Repo.ResetStrikes(ctx, tx, workerID, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return repo.ErrNotFound
	}
	if err := s.Events.Append(ctx, tx, "worker.strikes_reset", "worker", workerID, actorOr(actor), nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (s Service) activeStake(ctx context.Context, tx *sql.Tx, taskID, workerID string) (domain.Stake, error) {
	st, err := s.Repo.GetStakeTx(ctx, tx, taskID, workerID)
	if err != nil {
		return st, err
	}
	if st.Status != domain.StakeActive {
		return st, fmt.Errorf("%w: stake is %s", domain.ErrInvalidStakeStatus, st.Status)
	}
	return st, nil
}

func (s Service) entry(ctx context.Context, tx *sql.Tx, st domain.Stake, kind, direction string, amount int64, from, to string) error {
	return s.Repo.InsertLedgerEntry(ctx, tx, domain.LedgerEntry{
		ID:        uuid.NewString(),
		TaskID:    st.TaskID,
		Kind:      kind,
		Direction: direction,
		Amount:    amount,
		Currency:  st.Currency,
		FromParty: from,
		ToParty:   to,
		CreatedAt: s.now(),
	})
}

func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) (domain.Stake, error)) (domain.Stake, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stake{}, err
	}
	defer tx.Rollback()
	st, err := fn(tx)
	if err != nil {
		return st, err
	}
	return st, tx.Commit()
}

func stakeKey(s domain.Stake) string {
	return s.TaskID + "/" + s.WorkerID
}

func actorOr(a string) string {
	if a == "" {
		return "system"
	}
	return a
}
