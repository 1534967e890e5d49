package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"fieldproof/internal/domain"
)

const taskColumns = `id,requester_id,title,lat,lon,radius_m,time_start,time_end,requirements_json,bounty_amount,currency,assurance_mode,status,created_at,updated_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t                          domain.Task
		start, end, reqs, cat, uat string
	)
	err := row.Scan(&t.ID, &t.RequesterID, &t.Title, &t.Location.Lat, &t.Location.Lon, &t.RadiusM,
		&start, &end, &reqs, &t.Bounty.Amount, &t.Bounty.Currency, &t.AssuranceMode, &t.Status, &cat, &uat)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(reqs), &t.Requirements); err != nil {
		return t, fmt.Errorf("decode task %s requirements: %w", t.ID, err)
	}
	t.TimeStart = parseTime(start)
	t.TimeEnd = parseTime(end)
	t.CreatedAt = parseTime(cat)
	t.UpdatedAt = parseTime(uat)
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	reqs, err := json.Marshal(t.Requirements)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.RequesterID, t.Title, t.Location.Lat, t.Location.Lon, t.RadiusM, TS(t.TimeStart), TS(t.TimeEnd),
		string(reqs), t.Bounty.Amount, t.Bounty.Currency, t.AssuranceMode, t.Status, TS(t.CreatedAt), TS(t.UpdatedAt))
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return getTask(ctx, r.DB, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return getTask(ctx, tx, id)
}

func getTask(ctx context.Context, q Querier, id string) (domain.Task, error) {
	return scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// TransitionTask moves a task from one status to another only if it is still
// in from. The bool is false when another writer got there first.
func (r Repo) TransitionTask(ctx context.Context, tx *sql.Tx, id, from, to string, now time.Time) (bool, error) {
	return affected(tx.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=? AND status=?`, to, TS(now), id, from))
}

type TaskFilters struct {
	Status      string
	RequesterID string
	Limit       int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.RequesterID != "" {
		clauses = append(clauses, "requester_id=?")
		args = append(args, f.RequesterID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return queryTasks(ctx, r.DB, query, args...)
}

// ListOverdueTasks returns posted or claimed tasks whose window closed before now.
func (r Repo) ListOverdueTasks(ctx context.Context, now time.Time) ([]domain.Task, error) {
	return queryTasks(ctx, r.DB, `SELECT `+taskColumns+` FROM tasks WHERE status IN ('posted','claimed') AND time_end < ? ORDER BY time_end`, TS(now))
}

func queryTasks(ctx context.Context, q Querier, query string, args ...any) ([]domain.Task, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
