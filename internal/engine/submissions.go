package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"fieldproof/internal/domain"
	"fieldproof/internal/events"
	"fieldproof/internal/verify"
)

// StartSubmission converts the worker's active claim into an empty
// submission.
func (e Engine) StartSubmission(ctx context.Context, claimID, workerID string) (domain.Submission, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Submission{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetClaimTx(ctx, tx, claimID)
	if err != nil {
		return domain.Submission{}, err
	}
	if c.WorkerID != workerID {
		return domain.Submission{}, fmt.Errorf("%w: claim belongs to another worker", domain.ErrForbidden)
	}
	now := e.now()
	if c.Status == domain.ClaimActive && now.After(c.ExpiresAt) {
		return domain.Submission{}, fmt.Errorf("%w: claim expired at %s", domain.ErrInvalidTransition, c.ExpiresAt.Format(time.RFC3339))
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, c.TaskID)
	if err != nil {
		return domain.Submission{}, err
	}
	if err := e.moveClaim(ctx, tx, &c, domain.ClaimConverted); err != nil {
		return domain.Submission{}, err
	}
	if err := e.moveTask(ctx, tx, &t, domain.TaskSubmitted); err != nil {
		return domain.Submission{}, err
	}
	st, err := e.Repo.GetStakeTx(ctx, tx, t.ID, workerID)
	switch {
	case err == nil:
		st.Converted = true
		if err := e.Repo.UpdateStake(ctx, tx, st); err != nil {
			return domain.Submission{}, err
		}
	case !errors.Is(err, domain.ErrStakeNotFound):
		return domain.Submission{}, err
	}

	s := domain.Submission{
		ID:        uuid.NewString(),
		TaskID:    t.ID,
		ClaimID:   c.ID,
		WorkerID:  workerID,
		Status:    domain.SubmissionCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertSubmission(ctx, tx, s); err != nil {
		return domain.Submission{}, err
	}
	if err := e.Events.Append(ctx, tx, "submission.create", "submission", s.ID, workerID, events.EventPayload{
		"task_id": t.ID, "claim_id": c.ID,
	}); err != nil {
		return domain.Submission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Submission{}, err
	}
	return s, nil
}

// ArtefactInput is what the storage collaborator reports for an uploaded file.
type ArtefactInput struct {
	Kind           string
	StorageKey     string
	ContentHash    string
	DeclaredWidth  int
	DeclaredHeight int
	MeasuredWidth  *int
	MeasuredHeight *int
	Location       *domain.GeoPoint
	Bearing        *float64
	CapturedAt     *time.Time
}

// AddArtefact appends a file to an open submission. Once finalised the
// bundle is sealed and this fails with ErrSubmissionSealed.
func (e Engine) AddArtefact(ctx context.Context, submissionID, workerID string, in ArtefactInput) (domain.Artefact, error) {
	if in.Kind == "" {
		in.Kind = domain.ArtefactPhoto
	}
	if in.Kind != domain.ArtefactPhoto && in.Kind != domain.ArtefactVideo {
		return domain.Artefact{}, fmt.Errorf("unknown artefact kind %q", in.Kind)
	}
	in.ContentHash = strings.ToLower(strings.TrimSpace(in.ContentHash))
	if in.ContentHash == "" || in.StorageKey == "" {
		return domain.Artefact{}, errors.New("content hash and storage key are required")
	}
	if in.DeclaredWidth < 0 || in.DeclaredHeight < 0 {
		return domain.Artefact{}, errors.New("dimensions must not be negative")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Artefact{}, err
	}
	defer tx.Rollback()
	s, err := e.Repo.GetSubmissionTx(ctx, tx, submissionID)
	if err != nil {
		return domain.Artefact{}, err
	}
	if s.WorkerID != workerID {
		return domain.Artefact{}, fmt.Errorf("%w: submission belongs to another worker", domain.ErrForbidden)
	}
	switch s.Status {
	case domain.SubmissionCreated:
		if err := e.moveSubmission(ctx, tx, &s, domain.SubmissionUploading); err != nil {
			return domain.Artefact{}, err
		}
	case domain.SubmissionUploading:
	default:
		return domain.Artefact{}, fmt.Errorf("%w: submission is %s", domain.ErrSubmissionSealed, s.Status)
	}
	pos, err := e.Repo.CountArtefactsTx(ctx, tx, s.ID)
	if err != nil {
		return domain.Artefact{}, err
	}
	a := domain.Artefact{
		ID:             uuid.NewString(),
		SubmissionID:   s.ID,
		Position:       pos,
		Kind:           in.Kind,
		StorageKey:     in.StorageKey,
		ContentHash:    in.ContentHash,
		DeclaredWidth:  in.DeclaredWidth,
		DeclaredHeight: in.DeclaredHeight,
		MeasuredWidth:  in.MeasuredWidth,
		MeasuredHeight: in.MeasuredHeight,
		Location:       in.Location,
		Bearing:        in.Bearing,
		CapturedAt:     in.CapturedAt,
		CreatedAt:      e.now(),
	}
	if err := e.Repo.InsertArtefact(ctx, tx, a); err != nil {
		return domain.Artefact{}, fmt.Errorf("insert artefact: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "artefact.add", "submission", s.ID, workerID, events.EventPayload{
		"artefact_id": a.ID, "position": pos, "content_hash": a.ContentHash,
	}); err != nil {
		return domain.Artefact{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Artefact{}, err
	}
	return a, nil
}

// FinaliseSubmission seals the bundle, runs verification against the
// platform-wide hash set and stores the result once. A second call fails
// with ErrAlreadyFinalised.
func (e Engine) FinaliseSubmission(ctx context.Context, submissionID, workerID string) (domain.Submission, error) {
	if e.finalise == nil {
		return domain.Submission{}, errNotBuilt
	}
	unlock := e.finalise.Lock(submissionID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Submission{}, err
	}
	defer tx.Rollback()
	s, err := e.Repo.GetSubmissionTx(ctx, tx, submissionID)
	if err != nil {
		return domain.Submission{}, err
	}
	if s.WorkerID != workerID {
		return domain.Submission{}, fmt.Errorf("%w: submission belongs to another worker", domain.ErrForbidden)
	}
	if s.ProofBundleHash != "" || s.Verification != nil {
		return domain.Submission{}, domain.ErrAlreadyFinalised
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, s.TaskID)
	if err != nil {
		return domain.Submission{}, err
	}

	hashes := make([]string, 0, len(s.Artefacts))
	for _, a := range s.Artefacts {
		hashes = append(hashes, a.ContentHash)
	}
	seen, err := e.Repo.SeenHashesTx(ctx, tx, s.ID, hashes)
	if err != nil {
		return domain.Submission{}, err
	}
	now := e.now()
	result := verify.Run(verify.InputFor(t, s.Artefacts, now), verify.HashSet(seen))
	bundle, err := verify.BundleHash(s.Artefacts)
	if err != nil {
		return domain.Submission{}, err
	}

	if err := e.moveSubmission(ctx, tx, &s, domain.SubmissionFinalised); err != nil {
		return domain.Submission{}, err
	}
	if err := e.Repo.SealSubmission(ctx, tx, s.ID, bundle, result, now); err != nil {
		return domain.Submission{}, err
	}
	s.ProofBundleHash = bundle
	s.Verification = &result
	s.FinalisedAt = &now
	if err := e.Events.Append(ctx, tx, "submission.finalise", "submission", s.ID, workerID, events.EventPayload{
		"task_id": t.ID, "bundle_hash": bundle, "score": result.Score, "failed": result.Failed, "flags": result.Flags,
	}); err != nil {
		return domain.Submission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Submission{}, err
	}
	e.observeScore(result.Score)
	e.Log.WithFields(logrus.Fields{"submission_id": s.ID, "task_id": t.ID, "score": result.Score}).Info("submission finalised")
	return s, nil
}

// AcceptSubmission closes the task in the worker's favour: the stake is
// returned and the escrow released.
func (e Engine) AcceptSubmission(ctx context.Context, submissionID, actorID, comment string) (Outcome, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, err
	}
	defer tx.Rollback()
	s, t, err := e.reviewable(ctx, tx, submissionID, actorID)
	if err != nil {
		return Outcome{}, err
	}
	if err := e.moveSubmission(ctx, tx, &s, domain.SubmissionAccepted); err != nil {
		return Outcome{}, err
	}
	if err := e.moveTask(ctx, tx, &t, domain.TaskAccepted); err != nil {
		return Outcome{}, err
	}
	if err := e.decide(ctx, tx, s.ID, actorID, domain.DecisionAccept, "", comment); err != nil {
		return Outcome{}, err
	}
	if err := e.releaseStake(ctx, tx, t.ID, s.WorkerID, actorID, true); err != nil {
		return Outcome{}, err
	}
	addr, err := e.workerAddress(ctx, tx, s.WorkerID)
	if err != nil {
		return Outcome{}, err
	}
	if err := e.Events.Append(ctx, tx, "submission.accept", "submission", s.ID, actorID, events.EventPayload{"task_id": t.ID}); err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}
	return Outcome{Task: t, Settlement: e.settle(ctx, t, SettleRelease, s.WorkerID, addr)}, nil
}

// RejectSubmission records the requester's rejection. The task stays
// submitted until a dispute resolves it or the dispute window closes.
func (e Engine) RejectSubmission(ctx context.Context, submissionID, actorID, reasonCode, comment string) (domain.Submission, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Submission{}, err
	}
	defer tx.Rollback()
	s, t, err := e.reviewable(ctx, tx, submissionID, actorID)
	if err != nil {
		return domain.Submission{}, err
	}
	if err := e.moveSubmission(ctx, tx, &s, domain.SubmissionRejected); err != nil {
		return domain.Submission{}, err
	}
	if err := e.decide(ctx, tx, s.ID, actorID, domain.DecisionReject, reasonCode, comment); err != nil {
		return domain.Submission{}, err
	}
	if err := e.Events.Append(ctx, tx, "submission.reject", "submission", s.ID, actorID, events.EventPayload{
		"task_id": t.ID, "reason_code": reasonCode,
	}); err != nil {
		return domain.Submission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Submission{}, err
	}
	return e.Repo.GetSubmission(ctx, s.ID)
}

func (e Engine) reviewable(ctx context.Context, tx *sql.Tx, submissionID, actorID string) (domain.Submission, domain.Task, error) {
	s, err := e.Repo.GetSubmissionTx(ctx, tx, submissionID)
	if err != nil {
		return s, domain.Task{}, err
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, s.TaskID)
	if err != nil {
		return s, t, err
	}
	if t.RequesterID != actorID {
		return s, t, fmt.Errorf("%w: only the requester can review", domain.ErrForbidden)
	}
	return s, t, nil
}

func (e Engine) decide(ctx context.Context, tx *sql.Tx, submissionID, actorID, action, reasonCode, comment string) error {
	return e.Repo.InsertDecisionTx(ctx, tx, domain.Decision{
		ID:           uuid.NewString(),
		SubmissionID: submissionID,
		ActorID:      actorID,
		Action:       action,
		ReasonCode:   reasonCode,
		Comment:      comment,
		CreatedAt:    e.now(),
	})
}
