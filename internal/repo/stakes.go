package repo

import (
	"context"
	"database/sql"

	"fieldproof/internal/domain"
)

const stakeColumns = `task_id,worker_id,bounty_amount,stake_bps,amount,currency,status,worker_return,requester_amount,platform_amount,converted,created_at,released_at,slashed_at`

func scanStake(row rowScanner) (domain.Stake, error) {
	var (
		s                 domain.Stake
		converted         int
		cat               string
		released, slashed sql.NullString
	)
	err := row.Scan(&s.TaskID, &s.WorkerID, &s.BountyAmount, &s.StakeBps, &s.Amount, &s.Currency, &s.Status,
		&s.WorkerReturn, &s.RequesterAmount, &s.PlatformAmount, &converted, &cat, &released, &slashed)
	if err == sql.ErrNoRows {
		return s, domain.ErrStakeNotFound
	}
	s.Converted = converted == 1
	s.CreatedAt = parseTime(cat)
	s.ReleasedAt = parseNullTime(released)
	s.SlashedAt = parseNullTime(slashed)
	return s, err
}

// UpsertStake inserts a stake or resets a previously released one for the same
// task and worker back to its new values.
// The bool is false when an unreleased stake already holds the key.
func (r Repo) UpsertStake(ctx context.Context, tx *sql.Tx, s domain.Stake) (bool, error) {
	return affected(tx.ExecContext(ctx, `INSERT INTO stakes(`+stakeColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(task_id,worker_id) DO UPDATE SET bounty_amount=excluded.bounty_amount, stake_bps=excluded.stake_bps,
  amount=excluded.amount, currency=excluded.currency, status=excluded.status, worker_return=0, requester_amount=0,
  platform_amount=0, converted=0, created_at=excluded.created_at, released_at=NULL, slashed_at=NULL
WHERE stakes.status='released'`,
		s.TaskID, s.WorkerID, s.BountyAmount, s.StakeBps, s.Amount, s.Currency, s.Status, s.WorkerReturn,
		s.RequesterAmount, s.PlatformAmount, boolInt(s.Converted), TS(s.CreatedAt), nullableTime(s.ReleasedAt), nullableTime(s.SlashedAt)))
}

func (r Repo) UpdateStake(ctx context.Context, tx *sql.Tx, s domain.Stake) error {
	_, err := tx.ExecContext(ctx, `UPDATE stakes SET status=?, worker_return=?, requester_amount=?, platform_amount=?, converted=?, released_at=?, slashed_at=? WHERE task_id=? AND worker_id=?`,
		s.Status, s.WorkerReturn, s.RequesterAmount, s.PlatformAmount, boolInt(s.Converted), nullableTime(s.ReleasedAt),
		nullableTime(s.SlashedAt), s.TaskID, s.WorkerID)
	return err
}

func (r Repo) GetStake(ctx context.Context, taskID, workerID string) (domain.Stake, error) {
	return scanStake(r.DB.QueryRowContext(ctx, `SELECT `+stakeColumns+` FROM stakes WHERE task_id=? AND worker_id=?`, taskID, workerID))
}

func (r Repo) GetStakeTx(ctx context.Context, tx *sql.Tx, taskID, workerID string) (domain.Stake, error) {
	return scanStake(tx.QueryRowContext(ctx, `SELECT `+stakeColumns+` FROM stakes WHERE task_id=? AND worker_id=?`, taskID, workerID))
}

type StakeFilters struct {
	TaskID   string
	WorkerID string
	Status   string
}

func (r Repo) ListStakes(ctx context.Context, f StakeFilters) ([]domain.Stake, error) {
	query := `SELECT ` + stakeColumns + ` FROM stakes WHERE 1=1`
	var args []any
	if f.TaskID != "" {
		query += ` AND task_id=?`
		args = append(args, f.TaskID)
	}
	if f.WorkerID != "" {
		query += ` AND worker_id=?`
		args = append(args, f.WorkerID)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stake
	for rows.Next() {
		s, err := scanStake(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
