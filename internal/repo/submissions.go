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

const submissionColumns = `id,task_id,claim_id,worker_id,status,proof_bundle_hash,verification_json,created_at,updated_at,finalised_at`

func scanSubmission(row rowScanner) (domain.Submission, error) {
	var (
		s           domain.Submission
		hash, vjson sql.NullString
		cat, uat    string
		finalisedAt sql.NullString
	)
	err := row.Scan(&s.ID, &s.TaskID, &s.ClaimID, &s.WorkerID, &s.Status, &hash, &vjson, &cat, &uat, &finalisedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.ProofBundleHash = hash.String
	if vjson.Valid && vjson.String != "" {
		var v domain.VerificationResult
		if err := json.Unmarshal([]byte(vjson.String), &v); err != nil {
			return s, fmt.Errorf("decode submission %s verification: %w", s.ID, err)
		}
		s.Verification = &v
	}
	s.CreatedAt = parseTime(cat)
	s.UpdatedAt = parseTime(uat)
	s.FinalisedAt = parseNullTime(finalisedAt)
	return s, nil
}

func (r Repo) InsertSubmission(ctx context.Context, tx *sql.Tx, s domain.Submission) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO submissions(id,task_id,claim_id,worker_id,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.TaskID, s.ClaimID, s.WorkerID, s.Status, TS(s.CreatedAt), TS(s.UpdatedAt))
	return err
}

// GetSubmission loads a submission with its artefacts and decisions.
func (r Repo) GetSubmission(ctx context.Context, id string) (domain.Submission, error) {
	return getSubmission(ctx, r.DB, id)
}

func (r Repo) GetSubmissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Submission, error) {
	return getSubmission(ctx, tx, id)
}

func getSubmission(ctx context.Context, q Querier, id string) (domain.Submission, error) {
	s, err := scanSubmission(q.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id=?`, id))
	if err != nil {
		return s, err
	}
	if s.Artefacts, err = listArtefacts(ctx, q, id); err != nil {
		return s, err
	}
	if s.Decisions, err = listDecisions(ctx, q, id); err != nil {
		return s, err
	}
	return s, nil
}

func (r Repo) ListSubmissions(ctx context.Context, taskID string) ([]domain.Submission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE task_id=? ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ListStaleRejected returns rejected submissions last touched before cutoff,
// i.e. those whose dispute window has closed.
func (r Repo) ListStaleRejected(ctx context.Context, cutoff time.Time) ([]domain.Submission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE status='rejected' AND updated_at < ? ORDER BY updated_at`, TS(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// LatestSubmissionTx returns the newest submission for a task.
func (r Repo) LatestSubmissionTx(ctx context.Context, tx *sql.Tx, taskID string) (domain.Submission, error) {
	return scanSubmission(tx.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE task_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1`, taskID))
}

func (r Repo) TransitionSubmission(ctx context.Context, tx *sql.Tx, id, from, to string, now time.Time) (bool, error) {
	return affected(tx.ExecContext(ctx, `UPDATE submissions SET status=?, updated_at=? WHERE id=? AND status=?`, to, TS(now), id, from))
}

// SealSubmission stores the bundle hash and verification result. The
// submissions_sealed trigger rejects any later change to either.
func (r Repo) SealSubmission(ctx context.Context, tx *sql.Tx, id, bundleHash string, result domain.VerificationResult, now time.Time) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE submissions SET proof_bundle_hash=?, verification_json=?, finalised_at=?, updated_at=? WHERE id=?`,
		bundleHash, string(data), TS(now), TS(now), id)
	return err
}

const artefactColumns = `id,submission_id,position,kind,storage_key,content_hash,declared_width,declared_height,measured_width,measured_height,lat,lon,bearing,captured_at,created_at`

func (r Repo) InsertArtefact(ctx context.Context, tx *sql.Tx, a domain.Artefact) error {
	var lat, lon any
	if a.Location != nil {
		lat, lon = a.Location.Lat, a.Location.Lon
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO artefacts(`+artefactColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.SubmissionID, a.Position, a.Kind, a.StorageKey, a.ContentHash, a.DeclaredWidth, a.DeclaredHeight,
		nullableIntPtr(a.MeasuredWidth), nullableIntPtr(a.MeasuredHeight), lat, lon, nullableFloatPtr(a.Bearing),
		nullableTime(a.CapturedAt), TS(a.CreatedAt))
	return err
}

func (r Repo) CountArtefactsTx(ctx context.Context, tx *sql.Tx, submissionID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM artefacts WHERE submission_id=?`, submissionID).Scan(&n)
	return n, err
}

func listArtefacts(ctx context.Context, q Querier, submissionID string) ([]domain.Artefact, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+artefactColumns+` FROM artefacts WHERE submission_id=? ORDER BY position`, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artefact
	for rows.Next() {
		var (
			a              domain.Artefact
			mw, mh         sql.NullInt64
			lat, lon, bear sql.NullFloat64
			capturedAt     sql.NullString
			cat            string
		)
		if err := rows.Scan(&a.ID, &a.SubmissionID, &a.Position, &a.Kind, &a.StorageKey, &a.ContentHash,
			&a.DeclaredWidth, &a.DeclaredHeight, &mw, &mh, &lat, &lon, &bear, &capturedAt, &cat); err != nil {
			return nil, err
		}
		if mw.Valid {
			v := int(mw.Int64)
			a.MeasuredWidth = &v
		}
		if mh.Valid {
			v := int(mh.Int64)
			a.MeasuredHeight = &v
		}
		if lat.Valid && lon.Valid {
			a.Location = &domain.GeoPoint{Lat: lat.Float64, Lon: lon.Float64}
		}
		if bear.Valid {
			v := bear.Float64
			a.Bearing = &v
		}
		a.CapturedAt = parseNullTime(capturedAt)
		a.CreatedAt = parseTime(cat)
		res = append(res, a)
	}
	return res, rows.Err()
}

// SeenHashesTx returns which of hashes already appear in artefacts of other
// submissions.
func (r Repo) SeenHashesTx(ctx context.Context, tx *sql.Tx, submissionID string, hashes []string) (map[string]struct{}, error) {
	seen := map[string]struct{}{}
	if len(hashes) == 0 {
		return seen, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(hashes)), ",")
	args := []any{submissionID}
	for _, h := range hashes {
		args = append(args, h)
	}
	rows, err := tx.QueryContext(ctx, `SELECT DISTINCT content_hash FROM artefacts WHERE submission_id<>? AND content_hash IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		seen[h] = struct{}{}
	}
	return seen, rows.Err()
}
