package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fieldproof/internal/domain"
	"fieldproof/internal/events"
	"fieldproof/internal/statemachine"
)

func (e Engine) disputeWindow() time.Duration {
	if e.Config != nil && e.Config.Disputes.Window > 0 {
		return e.Config.Disputes.Window
	}
	return 24 * time.Hour
}

// rejectedAt is when the newest reject decision was recorded, falling back to
// the submission's last update.
func rejectedAt(s domain.Submission) time.Time {
	at := time.Time{}
	for _, d := range s.Decisions {
		if d.Action == domain.DecisionReject && d.CreatedAt.After(at) {
			at = d.CreatedAt
		}
	}
	if at.IsZero() {
		return s.UpdatedAt
	}
	return at
}

// OpenDispute lets the worker contest a rejection while the dispute window
// is open.
func (e Engine) OpenDispute(ctx context.Context, submissionID, workerID, reason string) (domain.Dispute, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dispute{}, err
	}
	defer tx.Rollback()
	s, err := e.Repo.GetSubmissionTx(ctx, tx, submissionID)
	if err != nil {
		return domain.Dispute{}, err
	}
	if s.WorkerID != workerID {
		return domain.Dispute{}, fmt.Errorf("%w: only the submitting worker can dispute", domain.ErrForbidden)
	}
	if err := statemachine.Ensure(statemachine.Submission, s.Status, domain.SubmissionDisputed); err != nil {
		return domain.Dispute{}, err
	}
	now := e.now()
	if closes := rejectedAt(s).Add(e.disputeWindow()); !now.Before(closes) {
		return domain.Dispute{}, fmt.Errorf("%w: closed at %s", domain.ErrDisputeWindowClosed, closes.Format(time.RFC3339))
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, s.TaskID)
	if err != nil {
		return domain.Dispute{}, err
	}
	if err := e.moveSubmission(ctx, tx, &s, domain.SubmissionDisputed); err != nil {
		return domain.Dispute{}, err
	}
	if err := e.moveTask(ctx, tx, &t, domain.TaskDisputed); err != nil {
		return domain.Dispute{}, err
	}
	d := domain.Dispute{
		ID:           uuid.NewString(),
		SubmissionID: s.ID,
		TaskID:       t.ID,
		OpenedBy:     workerID,
		Reason:       reason,
		Status:       domain.DisputeOpened,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.Repo.InsertDispute(ctx, tx, d); err != nil {
		return domain.Dispute{}, err
	}
	if err := e.Events.Append(ctx, tx, "dispute.open", "dispute", d.ID, workerID, events.EventPayload{
		"submission_id": s.ID, "task_id": t.ID, "reason": reason,
	}); err != nil {
		return domain.Dispute{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Dispute{}, err
	}
	return d, nil
}

// AdvanceDispute moves a dispute toward review. Parties to the task cannot
// act as arbiter.
func (e Engine) AdvanceDispute(ctx context.Context, disputeID, to, actorID string) (domain.Dispute, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dispute{}, err
	}
	defer tx.Rollback()
	d, _, err := e.arbitrated(ctx, tx, disputeID, actorID)
	if err != nil {
		return domain.Dispute{}, err
	}
	from := d.Status
	if err := e.moveDispute(ctx, tx, &d, to); err != nil {
		return domain.Dispute{}, err
	}
	if err := e.Events.Append(ctx, tx, "dispute.advance", "dispute", d.ID, actorID, events.EventPayload{"from": from, "to": to}); err != nil {
		return domain.Dispute{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Dispute{}, err
	}
	return d, nil
}

// ResolveOptions carries an arbiter's ruling. The bps fields only matter for
// the outcomes that slash.
type ResolveOptions struct {
	Outcome           string
	WorkerReturnBps   int64
	RequesterShareBps *int64
	ActorID           string
	Comment           string
}

// ResolveDispute closes an under_review dispute and settles the task the
// way the outcome dictates.
func (e Engine) ResolveDispute(ctx context.Context, disputeID string, opts ResolveOptions) (Outcome, error) {
	switch opts.Outcome {
	case domain.OutcomeWorker, domain.OutcomeRequester, domain.OutcomeSplit:
	default:
		return Outcome{}, fmt.Errorf("unknown dispute outcome %q", opts.Outcome)
	}
	share := e.requesterShare(opts.RequesterShareBps)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, err
	}
	defer tx.Rollback()
	d, s, err := e.arbitrated(ctx, tx, disputeID, opts.ActorID)
	if err != nil {
		return Outcome{}, err
	}
	if err := statemachine.Ensure(statemachine.Dispute, d.Status, domain.DisputeResolved); err != nil {
		return Outcome{}, err
	}
	now := e.now()
	ok, err := e.Repo.ResolveDispute(ctx, tx, d.ID, opts.Outcome, now)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{}, &statemachine.TransitionError{Kind: statemachine.Dispute, From: d.Status, To: domain.DisputeResolved}
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, d.TaskID)
	if err != nil {
		return Outcome{}, err
	}
	if err := e.moveSubmission(ctx, tx, &s, domain.SubmissionResolved); err != nil {
		return Outcome{}, err
	}
	if err := e.decide(ctx, tx, s.ID, opts.ActorID, domain.DecisionResolve, opts.Outcome, opts.Comment); err != nil {
		return Outcome{}, err
	}

	action := SettleRefund
	var addr string
	switch opts.Outcome {
	case domain.OutcomeWorker:
		action = SettleRelease
		if err := e.moveTask(ctx, tx, &t, domain.TaskAccepted); err != nil {
			return Outcome{}, err
		}
		if err := e.releaseStake(ctx, tx, t.ID, s.WorkerID, opts.ActorID, false); err != nil {
			return Outcome{}, err
		}
		if addr, err = e.workerAddress(ctx, tx, s.WorkerID); err != nil {
			return Outcome{}, err
		}
	case domain.OutcomeRequester:
		if err := e.moveTask(ctx, tx, &t, domain.TaskCancelled); err != nil {
			return Outcome{}, err
		}
		if _, err := e.Stakes.SlashFullTx(ctx, tx, t.ID, s.WorkerID, t.RequesterID, share, opts.ActorID); err != nil {
			return Outcome{}, fmt.Errorf("slash stake: %w", err)
		}
	case domain.OutcomeSplit:
		if err := e.moveTask(ctx, tx, &t, domain.TaskCancelled); err != nil {
			return Outcome{}, err
		}
		if _, err := e.Stakes.SlashPartialTx(ctx, tx, t.ID, s.WorkerID, t.RequesterID, opts.WorkerReturnBps, share, opts.ActorID); err != nil {
			return Outcome{}, fmt.Errorf("slash stake: %w", err)
		}
	}
	if err := e.Events.Append(ctx, tx, "dispute.resolve", "dispute", d.ID, opts.ActorID, events.EventPayload{
		"task_id": t.ID, "submission_id": s.ID, "outcome": opts.Outcome,
		"worker_return_bps": opts.WorkerReturnBps, "requester_share_bps": share,
	}); err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}
	return Outcome{Task: t, Settlement: e.settle(ctx, t, action, s.WorkerID, addr)}, nil
}

// CloseRejected ends a rejected submission nobody disputed in time: the task
// is cancelled, the stake returned and the bounty refunded.
func (e Engine) CloseRejected(ctx context.Context, submissionID, actorID string) (Outcome, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, err
	}
	defer tx.Rollback()
	s, err := e.Repo.GetSubmissionTx(ctx, tx, submissionID)
	if err != nil {
		return Outcome{}, err
	}
	if s.Status != domain.SubmissionRejected {
		return Outcome{}, fmt.Errorf("%w: submission is %s", domain.ErrInvalidTransition, s.Status)
	}
	if closes := rejectedAt(s).Add(e.disputeWindow()); e.now().Before(closes) {
		return Outcome{}, fmt.Errorf("%w: dispute window open until %s", domain.ErrInvalidTransition, closes.Format(time.RFC3339))
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, s.TaskID)
	if err != nil {
		return Outcome{}, err
	}
	if err := e.moveTask(ctx, tx, &t, domain.TaskCancelled); err != nil {
		return Outcome{}, err
	}
	if err := e.releaseStake(ctx, tx, t.ID, s.WorkerID, actorID, false); err != nil {
		return Outcome{}, err
	}
	if err := e.Events.Append(ctx, tx, "submission.close", "submission", s.ID, actorID, events.EventPayload{"task_id": t.ID}); err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}
	return Outcome{Task: t, Settlement: e.settle(ctx, t, SettleRefund, "", "")}, nil
}

func (e Engine) requesterShare(v *int64) int64 {
	if v != nil {
		return *v
	}
	if e.Config != nil {
		return e.Config.Staking.DefaultRequesterShareBps
	}
	return 7000
}

func (e Engine) arbitrated(ctx context.Context, tx *sql.Tx, disputeID, actorID string) (domain.Dispute, domain.Submission, error) {
	d, err := e.Repo.GetDisputeTx(ctx, tx, disputeID)
	if err != nil {
		return d, domain.Submission{}, err
	}
	s, err := e.Repo.GetSubmissionTx(ctx, tx, d.SubmissionID)
	if err != nil {
		return d, s, err
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, d.TaskID)
	if err != nil {
		return d, s, err
	}
	if actorID == "" || actorID == t.RequesterID || actorID == s.WorkerID {
		return d, s, fmt.Errorf("%w: parties to the task cannot arbitrate", domain.ErrForbidden)
	}
	return d, s, nil
}
