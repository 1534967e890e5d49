package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"fieldproof/internal/domain"
	"fieldproof/internal/events"
	"fieldproof/internal/statemachine"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID            string
	RequesterID   string
	Title         string
	Location      domain.GeoPoint
	RadiusM       float64
	TimeStart     time.Time
	TimeEnd       time.Time
	Requirements  domain.Requirements
	Bounty        domain.Bounty
	AssuranceMode string
}

// CreateTask stores a draft task. Nothing is funded until PublishTask.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.RequesterID == "" {
		return domain.Task{}, errors.New("requester is required")
	}
	if opts.RadiusM <= 0 {
		return domain.Task{}, errors.New("radius_m must be positive")
	}
	if opts.Location.Lat < -90 || opts.Location.Lat > 90 || opts.Location.Lon < -180 || opts.Location.Lon > 180 {
		return domain.Task{}, fmt.Errorf("location %v is out of range", opts.Location)
	}
	if !opts.TimeEnd.After(opts.TimeStart) {
		return domain.Task{}, errors.New("time_end must be after time_start")
	}
	if opts.Bounty.Amount < 0 {
		return domain.Task{}, domain.ErrInsufficientAmount
	}
	if opts.Bounty.Currency == "" && e.Config != nil {
		opts.Bounty.Currency = e.Config.Platform.Currency
	}
	switch opts.AssuranceMode {
	case "":
		opts.AssuranceMode = domain.AssuranceSingle
	case domain.AssuranceSingle, domain.AssuranceQuorum:
	default:
		return domain.Task{}, fmt.Errorf("unknown assurance mode %q", opts.AssuranceMode)
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}

	now := e.now()
	t := domain.Task{
		ID:            opts.ID,
		RequesterID:   opts.RequesterID,
		Title:         strings.TrimSpace(opts.Title),
		Location:      opts.Location,
		RadiusM:       opts.RadiusM,
		TimeStart:     opts.TimeStart.UTC(),
		TimeEnd:       opts.TimeEnd.UTC(),
		Requirements:  opts.Requirements,
		Bounty:        opts.Bounty,
		AssuranceMode: opts.AssuranceMode,
		Status:        domain.TaskDraft,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "task.create", "task", t.ID, opts.RequesterID, events.EventPayload{
		"title": t.Title, "bounty": t.Bounty.Amount, "currency": t.Bounty.Currency,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// PublishTask funds the bounty in escrow and moves the task to posted. The
// escrow is opened first so a posted task always has one; a retried publish
// reuses it.
func (e Engine) PublishTask(ctx context.Context, taskID, actorID string) (Outcome, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return Outcome{}, err
	}
	if actorID != t.RequesterID {
		return Outcome{}, fmt.Errorf("%w: only the requester can publish", domain.ErrForbidden)
	}
	if err := statemachine.Ensure(statemachine.Task, t.Status, domain.TaskPosted); err != nil {
		return Outcome{}, err
	}
	if t.Bounty.Amount <= 0 {
		return Outcome{}, fmt.Errorf("%w: bounty must be positive", domain.ErrInsufficientAmount)
	}

	var created string
	if e.Escrow != nil {
		c, err := e.Escrow.CreateEscrow(ctx, t, t.Bounty.Amount, t.Bounty.Currency, t.RequesterID)
		if err != nil {
			return Outcome{}, fmt.Errorf("fund escrow: %w", err)
		}
		created = c.Status
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, err
	}
	defer tx.Rollback()
	if err := e.moveTask(ctx, tx, &t, domain.TaskPosted); err != nil {
		return Outcome{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.publish", "task", t.ID, actorID, events.EventPayload{
		"bounty": t.Bounty.Amount, "escrow_status": created,
	}); err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}
	return Outcome{Task: t}, nil
}

// CancelTask withdraws a task that has no submission under review. Any active
// claim is released with its stake and the escrow is refunded.
func (e Engine) CancelTask(ctx context.Context, taskID, actorID, reason string) (Outcome, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return Outcome{}, err
	}
	if actorID != t.RequesterID {
		return Outcome{}, fmt.Errorf("%w: only the requester can cancel", domain.ErrForbidden)
	}
	switch t.Status {
	case domain.TaskDraft, domain.TaskPosted, domain.TaskClaimed:
	default:
		return Outcome{}, &statemachine.TransitionError{Kind: statemachine.Task, From: t.Status, To: domain.TaskCancelled}
	}
	claim, err := e.releaseActiveClaim(ctx, tx, t.ID, domain.ClaimReleased, actorID)
	if err != nil {
		return Outcome{}, err
	}
	if err := e.moveTask(ctx, tx, &t, domain.TaskCancelled); err != nil {
		return Outcome{}, err
	}
	payload := events.EventPayload{"reason": reason}
	if claim != nil {
		payload["claim_id"] = claim.ID
	}
	if err := e.Events.Append(ctx, tx, "task.cancel", "task", t.ID, actorID, payload); err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}
	return Outcome{Task: t, Settlement: e.settle(ctx, t, SettleRefund, "", "")}, nil
}
