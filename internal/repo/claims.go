package repo

import (
	"context"
	"database/sql"
	"time"

	"fieldproof/internal/domain"
)

const claimColumns = `id,task_id,worker_id,claimed_at,expires_at,status`

func scanClaim(row rowScanner) (domain.Claim, error) {
	var (
		c        domain.Claim
		cat, eat string
	)
	err := row.Scan(&c.ID, &c.TaskID, &c.WorkerID, &cat, &eat, &c.Status)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	c.ClaimedAt = parseTime(cat)
	c.ExpiresAt = parseTime(eat)
	return c, err
}

func (r Repo) InsertClaim(ctx context.Context, tx *sql.Tx, c domain.Claim) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO claims(`+claimColumns+`) VALUES (?,?,?,?,?,?)`,
		c.ID, c.TaskID, c.WorkerID, TS(c.ClaimedAt), TS(c.ExpiresAt), c.Status)
	return err
}

func (r Repo) GetClaim(ctx context.Context, id string) (domain.Claim, error) {
	return scanClaim(r.DB.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE id=?`, id))
}

func (r Repo) GetClaimTx(ctx context.Context, tx *sql.Tx, id string) (domain.Claim, error) {
	return scanClaim(tx.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE id=?`, id))
}

// ActiveClaimTx returns the single active claim of a task.
func (r Repo) ActiveClaimTx(ctx context.Context, tx *sql.Tx, taskID string) (domain.Claim, error) {
	return scanClaim(tx.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE task_id=? AND status='active'`, taskID))
}

func (r Repo) ActiveClaim(ctx context.Context, taskID string) (domain.Claim, error) {
	return scanClaim(r.DB.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE task_id=? AND status='active'`, taskID))
}

func (r Repo) TransitionClaim(ctx context.Context, tx *sql.Tx, id, from, to string) (bool, error) {
	return affected(tx.ExecContext(ctx, `UPDATE claims SET status=? WHERE id=? AND status=?`, to, id, from))
}

func (r Repo) ListClaims(ctx context.Context, taskID string) ([]domain.Claim, error) {
	return queryClaims(ctx, r.DB, `SELECT `+claimColumns+` FROM claims WHERE task_id=? ORDER BY claimed_at, id`, taskID)
}

// ListExpiredClaims returns active claims whose expiry is before now.
func (r Repo) ListExpiredClaims(ctx context.Context, now time.Time) ([]domain.Claim, error) {
	return queryClaims(ctx, r.DB, `SELECT `+claimColumns+` FROM claims WHERE status='active' AND expires_at < ? ORDER BY expires_at`, TS(now))
}

func queryClaims(ctx context.Context, q Querier, query string, args ...any) ([]domain.Claim, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
