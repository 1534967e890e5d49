package repo

import (
	"context"
	"database/sql"
	"time"

	"fieldproof/internal/domain"
)

func scanWorker(row rowScanner) (domain.Worker, error) {
	var (
		w   domain.Worker
		uat string
	)
	err := row.Scan(&w.ID, &w.ReputationBps, &w.Strikes, &w.WalletAddress, &uat)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	w.UpdatedAt = parseTime(uat)
	return w, err
}

const workerColumns = `id,reputation_bps,strikes,COALESCE(wallet_address,''),updated_at`

func (r Repo) GetWorker(ctx context.Context, id string) (domain.Worker, error) {
	return scanWorker(r.DB.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id=?`, id))
}

// WorkerTx returns the worker row, or a zero-strike profile when the worker
// has never been seen.
func (r Repo) WorkerTx(ctx context.Context, tx *sql.Tx, id string) (domain.Worker, error) {
	w, err := scanWorker(tx.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id=?`, id))
	if err == ErrNotFound {
		return domain.Worker{ID: id}, nil
	}
	return w, err
}

// UpsertWorkerProfile stores reputation and wallet supplied by the profile
// collaborator. Strikes are left alone.
func (r Repo) UpsertWorkerProfile(ctx context.Context, tx *sql.Tx, w domain.Worker) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workers(id,reputation_bps,strikes,wallet_address,updated_at) VALUES (?,?,0,?,?)
ON CONFLICT(id) DO UPDATE SET reputation_bps=excluded.reputation_bps, wallet_address=excluded.wallet_address, updated_at=excluded.updated_at`,
		w.ID, w.ReputationBps, nullable(w.WalletAddress), TS(w.UpdatedAt))
	return err
}

// AddStrike increments strikes by exactly one and returns the new count.
func (r Repo) AddStrike(ctx context.Context, tx *sql.Tx, id string, now time.Time) (int64, error) {
	if _, err := tx.ExecContext(ctx, `INSERT INTO workers(id,reputation_bps,strikes,updated_at) VALUES (?,0,1,?)
ON CONFLICT(id) DO UPDATE SET strikes=strikes+1, updated_at=excluded.updated_at`, id, TS(now)); err != nil {
		return 0, err
	}
	var strikes int64
	err := tx.QueryRowContext(ctx, `SELECT strikes FROM workers WHERE id=?`, id).Scan(&strikes)
	return strikes, err
}

func (r Repo) ResetStrikes(ctx context.Context, tx *sql.Tx, id string, now time.Time) (bool, error) {
	return affected(tx.ExecContext(ctx, `UPDATE workers SET strikes=0, updated_at=? WHERE id=?`, TS(now), id))
}
