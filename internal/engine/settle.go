package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"fieldproof/internal/domain"
	"fieldproof/internal/events"
	"fieldproof/internal/statemachine"
)

const sweepActor = "system"

// Settle retries the escrow movement a terminal task is owed. It is safe to
// call repeatedly: an escrow already released or refunded is reported as is.
func (e Engine) Settle(ctx context.Context, taskID, actorID string) (Outcome, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return Outcome{}, err
	}
	var action string
	switch t.Status {
	case domain.TaskAccepted:
		action = SettleRelease
	case domain.TaskCancelled, domain.TaskExpired:
		action = SettleRefund
	default:
		return Outcome{}, fmt.Errorf("%w: task %s is %s and has nothing to settle", domain.ErrInvalidTransition, t.ID, t.Status)
	}
	esc, err := e.Repo.EscrowForTaskTx(ctx, tx, t.ID)
	if errors.Is(err, domain.ErrEscrowNotFound) {
		return Outcome{Task: t}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	if domain.IsTerminalEscrow(esc.Status) {
		return Outcome{Task: t, Settlement: &Settlement{Action: action, Status: esc.Status}}, nil
	}
	var workerID, addr string
	if action == SettleRelease {
		s, err := e.Repo.LatestSubmissionTx(ctx, tx, t.ID)
		if err != nil {
			return Outcome{}, fmt.Errorf("find accepted submission: %w", err)
		}
		workerID = s.WorkerID
		if addr, err = e.workerAddress(ctx, tx, workerID); err != nil {
			return Outcome{}, err
		}
	}
	// Reads only; release the connection before the provider needs it.
	if err := tx.Rollback(); err != nil {
		return Outcome{}, err
	}
	e.Log.WithFields(logrus.Fields{"task_id": t.ID, "action": action, "actor_id": actorID}).Info("settlement retry")
	return Outcome{Task: t, Settlement: e.settle(ctx, t, action, workerID, addr)}, nil
}

// SweepResult counts what one sweep changed. Settlements holds the escrow
// outcome of every task the sweep expired or closed.
type SweepResult struct {
	ExpiredClaims  int                    `json:"expired_claims"`
	ExpiredTasks   int                    `json:"expired_tasks"`
	ClosedRejected int                    `json:"closed_rejected"`
	Settlements    map[string]*Settlement `json:"settlements,omitempty"`
	Errors         int                    `json:"errors"`
}

// Sweep expires overdue claims and tasks and closes rejected submissions
// whose dispute window has passed. A failure on one item is logged and
// counted; the sweep carries on with the rest.
func (e Engine) Sweep(ctx context.Context) (SweepResult, error) {
	res := SweepResult{Settlements: map[string]*Settlement{}}
	now := e.now()

	claims, err := e.Repo.ListExpiredClaims(ctx, now)
	if err != nil {
		return res, fmt.Errorf("list expired claims: %w", err)
	}
	for _, c := range claims {
		if err := e.expireClaim(ctx, c.ID); err != nil {
			e.sweepFailed(&res, err, "claim_id", c.ID)
			continue
		}
		res.ExpiredClaims++
	}

	tasks, err := e.Repo.ListOverdueTasks(ctx, now)
	if err != nil {
		return res, fmt.Errorf("list overdue tasks: %w", err)
	}
	for _, t := range tasks {
		out, err := e.expireTask(ctx, t.ID)
		if err != nil {
			e.sweepFailed(&res, err, "task_id", t.ID)
			continue
		}
		res.ExpiredTasks++
		if out.Settlement != nil {
			res.Settlements[t.ID] = out.Settlement
		}
	}

	stale, err := e.Repo.ListStaleRejected(ctx, now.Add(-e.disputeWindow()))
	if err != nil {
		return res, fmt.Errorf("list rejected submissions: %w", err)
	}
	for _, s := range stale {
		out, err := e.CloseRejected(ctx, s.ID, sweepActor)
		if err != nil {
			e.sweepFailed(&res, err, "submission_id", s.ID)
			continue
		}
		res.ClosedRejected++
		if out.Settlement != nil {
			res.Settlements[s.TaskID] = out.Settlement
		}
	}
	if res.ExpiredClaims+res.ExpiredTasks+res.ClosedRejected > 0 {
		e.Log.WithFields(logrus.Fields{
			"expired_claims": res.ExpiredClaims, "expired_tasks": res.ExpiredTasks, "closed_rejected": res.ClosedRejected,
		}).Info("sweep complete")
	}
	return res, nil
}

func (e Engine) sweepFailed(res *SweepResult, err error, key, id string) {
	var te *statemachine.TransitionError
	if errors.As(err, &te) {
		// Another caller moved it first.
		return
	}
	res.Errors++
	e.Log.WithError(err).WithField(key, id).Warn("sweep item failed")
}

func (e Engine) expireClaim(ctx context.Context, claimID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	c, err := e.Repo.GetClaimTx(ctx, tx, claimID)
	if err != nil {
		return err
	}
	if err := e.moveClaim(ctx, tx, &c, domain.ClaimExpired); err != nil {
		return err
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, c.TaskID)
	if err != nil {
		return err
	}
	if t.Status == domain.TaskClaimed {
		if err := e.moveTask(ctx, tx, &t, domain.TaskPosted); err != nil {
			return err
		}
	}
	if err := e.releaseStake(ctx, tx, c.TaskID, c.WorkerID, sweepActor, false); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "claim.expire", "claim", c.ID, sweepActor, events.EventPayload{
		"task_id": c.TaskID, "worker_id": c.WorkerID, "expires_at": c.ExpiresAt,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) expireTask(ctx context.Context, taskID string) (Outcome, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return Outcome{}, err
	}
	if _, err := e.releaseActiveClaim(ctx, tx, t.ID, domain.ClaimExpired, sweepActor); err != nil {
		return Outcome{}, err
	}
	if err := e.moveTask(ctx, tx, &t, domain.TaskExpired); err != nil {
		return Outcome{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.expire", "task", t.ID, sweepActor, events.EventPayload{"time_end": t.TimeEnd}); err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}
	return Outcome{Task: t, Settlement: e.settle(ctx, t, SettleRefund, "", "")}, nil
}
