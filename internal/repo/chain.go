package repo

import (
	"context"
	"database/sql"
	"time"

	"fieldproof/internal/domain"
)

func (r Repo) GetCursor(ctx context.Context, chainID int64) (domain.ChainCursor, error) {
	var (
		c   domain.ChainCursor
		uat string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT chain_id,last_block,updated_at FROM chain_cursors WHERE chain_id=?`, chainID).Scan(&c.ChainID, &c.LastBlock, &uat)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	c.UpdatedAt = parseTime(uat)
	return c, err
}

// SetCursor stores the last fully processed block. The chain_cursors_monotonic
// trigger rejects a move backwards.
func (r Repo) SetCursor(ctx context.Context, tx *sql.Tx, chainID int64, block uint64, now time.Time) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO chain_cursors(chain_id,last_block,updated_at) VALUES (?,?,?)
ON CONFLICT(chain_id) DO UPDATE SET last_block=excluded.last_block, updated_at=excluded.updated_at`, chainID, block, TS(now))
	return err
}

// InsertChainEvent records a log once. inserted is false when the
// (chain_id, tx_hash, log_index) key already exists.
func (r Repo) InsertChainEvent(ctx context.Context, tx *sql.Tx, ev domain.ChainEvent) (id int64, inserted bool, err error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO chain_events(chain_id,tx_hash,log_index,block_number,name,settlement_id,payload_json,processed,created_at)
VALUES (?,?,?,?,?,?,?,0,?) ON CONFLICT(chain_id,tx_hash,log_index) DO NOTHING`,
		ev.ChainID, ev.TxHash, ev.LogIndex, ev.BlockNumber, ev.Name, ev.SettlementID, ev.PayloadJSON, TS(ev.CreatedAt))
	if err != nil {
		return 0, false, err
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return 0, false, err
	}
	id, err = res.LastInsertId()
	return id, err == nil, err
}

func (r Repo) MarkChainEventProcessed(ctx context.Context, tx *sql.Tx, id int64, now time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE chain_events SET processed=1, processed_at=? WHERE id=?`, TS(now), id)
	return err
}

type ChainEventFilters struct {
	ChainID      int64
	SettlementID string
	Unprocessed  bool
	Limit        int
}

func (r Repo) ListChainEvents(ctx context.Context, f ChainEventFilters) ([]domain.ChainEvent, error) {
	query := `SELECT id,chain_id,tx_hash,log_index,block_number,name,settlement_id,payload_json,processed,processed_at,created_at FROM chain_events WHERE 1=1`
	var args []any
	if f.ChainID != 0 {
		query += ` AND chain_id=?`
		args = append(args, f.ChainID)
	}
	if f.SettlementID != "" {
		query += ` AND settlement_id=?`
		args = append(args, f.SettlementID)
	}
	if f.Unprocessed {
		query += ` AND processed=0`
	}
	query += ` ORDER BY block_number, log_index`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChainEvent
	for rows.Next() {
		var (
			ev          domain.ChainEvent
			processed   int
			processedAt sql.NullString
			cat         string
		)
		if err := rows.Scan(&ev.ID, &ev.ChainID, &ev.TxHash, &ev.LogIndex, &ev.BlockNumber, &ev.Name, &ev.SettlementID,
			&ev.PayloadJSON, &processed, &processedAt, &cat); err != nil {
			return nil, err
		}
		ev.Processed = processed == 1
		ev.ProcessedAt = parseNullTime(processedAt)
		ev.CreatedAt = parseTime(cat)
		res = append(res, ev)
	}
	return res, rows.Err()
}
