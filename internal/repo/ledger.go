package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"fieldproof/internal/domain"
)

// Ledger entries are append-only; the schema rejects UPDATE and DELETE.

func (r Repo) InsertLedgerEntry(ctx context.Context, tx *sql.Tx, e domain.LedgerEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO ledger_entries(id,task_id,escrow_id,kind,direction,amount,currency,from_party,to_party,external_tx,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.TaskID, nullable(e.EscrowID), e.Kind, e.Direction, e.Amount, e.Currency, e.FromParty, e.ToParty,
		nullable(e.ExternalTx), TS(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert ledger entry %s: %w", e.Kind, err)
	}
	return nil
}

type LedgerFilters struct {
	TaskID   string
	EscrowID string
	Kinds    []string
	Limit    int
}

func (r Repo) ListLedgerEntries(ctx context.Context, f LedgerFilters) ([]domain.LedgerEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.EscrowID != "" {
		clauses = append(clauses, "escrow_id=?")
		args = append(args, f.EscrowID)
	}
	if len(f.Kinds) > 0 {
		clauses = append(clauses, "kind IN ("+strings.TrimSuffix(strings.Repeat("?,", len(f.Kinds)), ",")+")")
		for _, k := range f.Kinds {
			args = append(args, k)
		}
	}
	query := `SELECT id,task_id,COALESCE(escrow_id,''),kind,direction,amount,currency,from_party,to_party,COALESCE(external_tx,''),created_at FROM ledger_entries WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at, rowid`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LedgerEntry
	for rows.Next() {
		var (
			e   domain.LedgerEntry
			cat string
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &e.EscrowID, &e.Kind, &e.Direction, &e.Amount, &e.Currency,
			&e.FromParty, &e.ToParty, &e.ExternalTx, &cat); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(cat)
		res = append(res, e)
	}
	return res, rows.Err()
}

// EscrowBalance returns the signed sum of entries booked against an escrow.
func (r Repo) EscrowBalance(ctx context.Context, escrowID string) (int64, error) {
	var bal int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(CASE direction WHEN 'in' THEN amount ELSE -amount END),0) FROM ledger_entries WHERE escrow_id=?`, escrowID).Scan(&bal)
	return bal, err
}
