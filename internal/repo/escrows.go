package repo

import (
	"context"
	"database/sql"
	"fmt"

	"fieldproof/internal/domain"
)

const escrowColumns = `id,task_id,amount,currency,provider,settlement_id,provider_ref,requester_id,COALESCE(worker_address,''),COALESCE(pending_tx,''),status,funded_at,released_at,refunded_at,created_at,updated_at`

func scanEscrow(row rowScanner) (domain.Escrow, error) {
	var (
		e                     domain.Escrow
		funded, rel, refunded sql.NullString
		cat, uat              string
	)
	err := row.Scan(&e.ID, &e.TaskID, &e.Amount, &e.Currency, &e.Provider, &e.SettlementID, &e.ProviderRef, &e.RequesterID,
		&e.WorkerAddress, &e.PendingTx, &e.Status, &funded, &rel, &refunded, &cat, &uat)
	if err == sql.ErrNoRows {
		return e, domain.ErrEscrowNotFound
	}
	e.FundedAt = parseNullTime(funded)
	e.ReleasedAt = parseNullTime(rel)
	e.RefundedAt = parseNullTime(refunded)
	e.CreatedAt = parseTime(cat)
	e.UpdatedAt = parseTime(uat)
	return e, err
}

func (r Repo) InsertEscrow(ctx context.Context, tx *sql.Tx, e domain.Escrow) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO escrows(id,task_id,amount,currency,provider,settlement_id,provider_ref,requester_id,worker_address,pending_tx,status,funded_at,released_at,refunded_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.TaskID, e.Amount, e.Currency, e.Provider, e.SettlementID, e.ProviderRef, e.RequesterID,
		nullable(e.WorkerAddress), nullable(e.PendingTx), e.Status, nullableTime(e.FundedAt), nullableTime(e.ReleasedAt),
		nullableTime(e.RefundedAt), TS(e.CreatedAt), TS(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert escrow: %w", err)
	}
	return nil
}

// UpdateEscrow writes the mutable fields of e.
func (r Repo) UpdateEscrow(ctx context.Context, tx *sql.Tx, e domain.Escrow) error {
	_, err := tx.ExecContext(ctx, `UPDATE escrows SET status=?, worker_address=?, pending_tx=?, funded_at=?, released_at=?, refunded_at=?, updated_at=? WHERE id=?`,
		e.Status, nullable(e.WorkerAddress), nullable(e.PendingTx), nullableTime(e.FundedAt), nullableTime(e.ReleasedAt),
		nullableTime(e.RefundedAt), TS(e.UpdatedAt), e.ID)
	return err
}

// EscrowForTask returns the newest escrow of a task.
func (r Repo) EscrowForTask(ctx context.Context, taskID string) (domain.Escrow, error) {
	return escrowForTask(ctx, r.DB, taskID)
}

func (r Repo) EscrowForTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (domain.Escrow, error) {
	return escrowForTask(ctx, tx, taskID)
}

func escrowForTask(ctx context.Context, q Querier, taskID string) (domain.Escrow, error) {
	return scanEscrow(q.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE task_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1`, taskID))
}

func (r Repo) GetEscrow(ctx context.Context, id string) (domain.Escrow, error) {
	return scanEscrow(r.DB.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id=?`, id))
}

func (r Repo) GetEscrowTx(ctx context.Context, tx *sql.Tx, id string) (domain.Escrow, error) {
	return scanEscrow(tx.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id=?`, id))
}

func (r Repo) EscrowBySettlementIDTx(ctx context.Context, tx *sql.Tx, settlementID string) (domain.Escrow, error) {
	return scanEscrow(tx.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE settlement_id=?`, settlementID))
}

func (r Repo) EscrowByProviderRefTx(ctx context.Context, tx *sql.Tx, ref string) (domain.Escrow, error) {
	return scanEscrow(tx.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE provider_ref=? ORDER BY created_at DESC LIMIT 1`, ref))
}

type EscrowFilters struct {
	Status   string
	Provider string
	Limit    int
}

func (r Repo) ListEscrows(ctx context.Context, f EscrowFilters) ([]domain.Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	if f.Provider != "" {
		query += ` AND provider=?`
		args = append(args, f.Provider)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
