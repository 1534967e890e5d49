package repo

import (
	"context"
	"database/sql"
	"time"

	"fieldproof/internal/domain"
)

const disputeColumns = `id,submission_id,task_id,opened_by,COALESCE(reason,''),status,COALESCE(outcome,''),created_at,updated_at,resolved_at`

func scanDispute(row rowScanner) (domain.Dispute, error) {
	var (
		d          domain.Dispute
		cat, uat   string
		resolvedAt sql.NullString
	)
	err := row.Scan(&d.ID, &d.SubmissionID, &d.TaskID, &d.OpenedBy, &d.Reason, &d.Status, &d.Outcome, &cat, &uat, &resolvedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	d.CreatedAt = parseTime(cat)
	d.UpdatedAt = parseTime(uat)
	d.ResolvedAt = parseNullTime(resolvedAt)
	return d, err
}

func (r Repo) InsertDispute(ctx context.Context, tx *sql.Tx, d domain.Dispute) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO disputes(id,submission_id,task_id,opened_by,reason,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		d.ID, d.SubmissionID, d.TaskID, d.OpenedBy, nullable(d.Reason), d.Status, TS(d.CreatedAt), TS(d.UpdatedAt))
	return err
}

func (r Repo) GetDispute(ctx context.Context, id string) (domain.Dispute, error) {
	return scanDispute(r.DB.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id=?`, id))
}

func (r Repo) GetDisputeTx(ctx context.Context, tx *sql.Tx, id string) (domain.Dispute, error) {
	return scanDispute(tx.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id=?`, id))
}

func (r Repo) DisputeForSubmission(ctx context.Context, submissionID string) (domain.Dispute, error) {
	return scanDispute(r.DB.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE submission_id=?`, submissionID))
}

func (r Repo) TransitionDispute(ctx context.Context, tx *sql.Tx, id, from, to string, now time.Time) (bool, error) {
	return affected(tx.ExecContext(ctx, `UPDATE disputes SET status=?, updated_at=? WHERE id=? AND status=?`, to, TS(now), id, from))
}

// ResolveDispute closes an under_review dispute with its outcome.
func (r Repo) ResolveDispute(ctx context.Context, tx *sql.Tx, id, outcome string, now time.Time) (bool, error) {
	return affected(tx.ExecContext(ctx, `UPDATE disputes SET status='resolved', outcome=?, resolved_at=?, updated_at=? WHERE id=? AND status='under_review'`,
		outcome, TS(now), TS(now), id))
}
