package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/proctord/internal/model"
)

// ViolationRepository persists proctoring violations in PostgreSQL.
type ViolationRepository struct {
	pool *pgxpool.Pool
}

// NewViolationRepository creates a new ViolationRepository.
func NewViolationRepository(pool *pgxpool.Pool) *ViolationRepository {
	return &ViolationRepository{pool: pool}
}

var violationColumns = []string{
	"id", "test_id", "user_id", "attempt_id", "session_id",
	"type", "severity", "description", "session_info", "recorded_at",
}

func violationRow(v model.ViolationRecord) []any {
	var attemptID *string
	if v.AttemptID != "" {
		attemptID = &v.AttemptID
	}
	info := v.SessionInfo
	if len(info) == 0 {
		info = []byte("{}")
	}
	return []any{
		v.ID, v.TestID, v.UserID, attemptID, v.SessionID,
		string(v.Type), string(v.Severity), v.Description, string(info), v.RecordedAt,
	}
}

// CopyViolations bulk-loads records with COPY. The whole batch fails on the
// first bad row, including a duplicate id.
func (r *ViolationRepository) CopyViolations(ctx context.Context, records []model.ViolationRecord) (int64, error) {
	rows := make([][]any, 0, len(records))
	for _, v := range records {
		rows = append(rows, violationRow(v))
	}
	return r.pool.CopyFrom(ctx, pgx.Identifier{"proctor_violations"}, violationColumns, pgx.CopyFromRows(rows))
}

// InsertViolation stores one record. Re-inserting an id is a no-op, so a
// requeued record is never stored twice.
func (r *ViolationRepository) InsertViolation(ctx context.Context, v model.ViolationRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO proctor_violations (`+strings.Join(violationColumns, ", ")+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10)
		 ON CONFLICT (id) DO NOTHING`,
		violationRow(v)...,
	)
	return err
}

// ListViolations returns one page of a test's violations, newest first, and
// the total number of matching rows.
func (r *ViolationRepository) ListViolations(ctx context.Context, testID string, q model.ListViolationsQuery) ([]model.ViolationRecord, int, error) {
	where := []string{"test_id = $1"}
	args := []any{testID}
	if q.UserID != "" {
		args = append(args, q.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if q.Severity != "" {
		args = append(args, q.Severity)
		where = append(where, fmt.Sprintf("severity = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM proctor_violations WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count violations: %w", err)
	}

	args = append(args, q.PerPage, (q.Page-1)*q.PerPage)
	rows, err := r.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, test_id, user_id, COALESCE(attempt_id, ''), session_id,
		        type, severity, description, session_info, recorded_at
		 FROM proctor_violations
		 WHERE %s
		 ORDER BY recorded_at DESC, id
		 LIMIT $%d OFFSET $%d`, cond, len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list violations: %w", err)
	}
	defer rows.Close()

	out := make([]model.ViolationRecord, 0, q.PerPage)
	for rows.Next() {
		var (
			v             model.ViolationRecord
			typ, severity string
		)
		if err := rows.Scan(&v.ID, &v.TestID, &v.UserID, &v.AttemptID, &v.SessionID,
			&typ, &severity, &v.Description, &v.SessionInfo, &v.RecordedAt); err != nil {
			return nil, 0, err
		}
		v.Type = model.ViolationType(typ)
		v.Severity = model.Severity(severity)
		out = append(out, v)
	}
	return out, total, rows.Err()
}

// CountByUser returns the number of violations per user on a test.
func (r *ViolationRepository) CountByUser(ctx context.Context, testID string) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, COUNT(*)
		 FROM proctor_violations
		 WHERE test_id = $1
		 GROUP BY user_id`,
		testID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var uid string
		var count int64
		if err := rows.Scan(&uid, &count); err != nil {
			return nil, err
		}
		counts[uid] = count
	}
	return counts, rows.Err()
}
