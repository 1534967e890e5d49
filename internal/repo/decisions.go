package repo

import (
	"context"
	"database/sql"

	"fieldproof/internal/domain"
)

// Decisions are append-only; the schema rejects UPDATE and DELETE.

func (r Repo) InsertDecisionTx(ctx context.Context, tx *sql.Tx, d domain.Decision) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO decisions(id,submission_id,actor_id,action,reason_code,comment,created_at) VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.SubmissionID, d.ActorID, d.Action, nullable(d.ReasonCode), nullable(d.Comment), TS(d.CreatedAt))
	return err
}

func (r Repo) ListDecisions(ctx context.Context, submissionID string) ([]domain.Decision, error) {
	return listDecisions(ctx, r.DB, submissionID)
}

func listDecisions(ctx context.Context, q Querier, submissionID string) ([]domain.Decision, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,submission_id,actor_id,action,COALESCE(reason_code,''),COALESCE(comment,''),created_at FROM decisions WHERE submission_id=? ORDER BY created_at, rowid`, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Decision
	for rows.Next() {
		var (
			d   domain.Decision
			cat string
		)
		if err := rows.Scan(&d.ID, &d.SubmissionID, &d.ActorID, &d.Action, &d.ReasonCode, &d.Comment, &cat); err != nil {
			return nil, err
		}
		d.CreatedAt = parseTime(cat)
		res = append(res, d)
	}
	return res, rows.Err()
}
