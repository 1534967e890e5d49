package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"fieldproof/internal/domain"
	"fieldproof/internal/events"
	"fieldproof/internal/statemachine"
)

// ClaimResult is a new claim and the stake locked for it.
type ClaimResult struct {
	Claim domain.Claim `json:"claim"`
	Stake domain.Stake `json:"stake"`
	Task  domain.Task  `json:"task"`
}

// ClaimTask gives workerID the exclusive right to submit. The posted->claimed
// move is a conditional update, so of two racing workers one gets
// ErrClaimConflict.
func (e Engine) ClaimTask(ctx context.Context, taskID, workerID string) (ClaimResult, error) {
	if workerID == "" {
		return ClaimResult{}, fmt.Errorf("%w: worker is required", domain.ErrForbidden)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ClaimResult{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return ClaimResult{}, err
	}
	if t.RequesterID == workerID {
		return ClaimResult{}, fmt.Errorf("%w: requesters cannot claim their own task", domain.ErrForbidden)
	}
	if t.Status == domain.TaskClaimed {
		return ClaimResult{}, domain.ErrClaimConflict
	}
	now := e.now()
	if !now.Before(t.TimeEnd) {
		return ClaimResult{}, fmt.Errorf("%w: task window closed at %s", domain.ErrInvalidTransition, t.TimeEnd.Format(time.RFC3339))
	}
	if err := statemachine.Ensure(statemachine.Task, t.Status, domain.TaskClaimed); err != nil {
		return ClaimResult{}, err
	}
	ok, err := e.Repo.TransitionTask(ctx, tx, t.ID, domain.TaskPosted, domain.TaskClaimed, now)
	if err != nil {
		return ClaimResult{}, err
	}
	if !ok {
		return ClaimResult{}, domain.ErrClaimConflict
	}
	t.Status = domain.TaskClaimed
	t.UpdatedAt = now

	c := domain.Claim{
		ID:        uuid.NewString(),
		TaskID:    t.ID,
		WorkerID:  workerID,
		ClaimedAt: now,
		ExpiresAt: now.Add(e.claimDuration()),
		Status:    domain.ClaimActive,
	}
	if err := e.Repo.InsertClaim(ctx, tx, c); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ClaimResult{}, domain.ErrClaimConflict
		}
		return ClaimResult{}, err
	}
	st, err := e.Stakes.LockTx(ctx, tx, t, workerID)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("lock stake: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "claim.create", "claim", c.ID, workerID, events.EventPayload{
		"task_id": t.ID, "expires_at": c.ExpiresAt, "stake": st.Amount,
	}); err != nil {
		return ClaimResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ClaimResult{}, err
	}
	return ClaimResult{Claim: c, Stake: st, Task: t}, nil
}

// ReleaseClaim lets the worker walk away before submitting. The task goes
// back to posted and the stake is returned.
func (e Engine) ReleaseClaim(ctx context.Context, claimID, actorID string) (Outcome, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, err
	}
	defer tx.Rollback()
	c, err := e.Repo.GetClaimTx(ctx, tx, claimID)
	if err != nil {
		return Outcome{}, err
	}
	if c.WorkerID != actorID {
		return Outcome{}, fmt.Errorf("%w: claim belongs to another worker", domain.ErrForbidden)
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, c.TaskID)
	if err != nil {
		return Outcome{}, err
	}
	if err := e.moveClaim(ctx, tx, &c, domain.ClaimReleased); err != nil {
		return Outcome{}, err
	}
	if err := e.moveTask(ctx, tx, &t, domain.TaskPosted); err != nil {
		return Outcome{}, err
	}
	if err := e.releaseStake(ctx, tx, t.ID, c.WorkerID, actorID, false); err != nil {
		return Outcome{}, err
	}
	if err := e.Events.Append(ctx, tx, "claim.release", "claim", c.ID, actorID, events.EventPayload{"task_id": t.ID}); err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}
	return Outcome{Task: t}, nil
}

func (e Engine) claimDuration() time.Duration {
	if e.Config != nil && e.Config.Claims.Duration > 0 {
		return e.Config.Claims.Duration
	}
	return 4 * time.Hour
}
