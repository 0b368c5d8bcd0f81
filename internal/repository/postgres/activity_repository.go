package postgres

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/circlecloud/circle/internal/activity"
	"github.com/circlecloud/circle/internal/domain"
)

var _ activity.Repository = (*ActivityRepository)(nil)

const activityColumns = `id, parent_id, subject_kind, subject_id, activity_code, user_id, task_id,
	started, finished, succeeded, result, resultant_kind, resultant_state`

// ActivityRepository implements activity.Repository using PostgreSQL.
// Rows are never deleted.
type ActivityRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewActivityRepository creates a new PostgreSQL activity repository.
func NewActivityRepository(db *DB, logger *zap.Logger) *ActivityRepository {
	return &ActivityRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "activity")),
	}
}

// Create inserts a new activity row.
func (r *ActivityRepository) Create(ctx context.Context, a *domain.Activity) error {
	kind, state := resultantColumns(a.ResultantState)
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO activities (`+activityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, nullString(a.ParentID), string(a.SubjectKind), a.SubjectID, a.Code,
		a.UserID, a.TaskID, a.Started, a.Finished, a.Succeeded, a.Result, kind, state,
	)
	if err != nil {
		r.logger.Error("Failed to create activity", zap.String("code", a.Code), zap.Error(err))
		return mapError(err, "insert activity")
	}
	return nil
}

// Update writes the mutable columns of an activity.
func (r *ActivityRepository) Update(ctx context.Context, a *domain.Activity) error {
	kind, state := resultantColumns(a.ResultantState)
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE activities SET task_id = $2, finished = $3, succeeded = $4, result = $5,
			resultant_kind = $6, resultant_state = $7
		WHERE id = $1`,
		a.ID, a.TaskID, a.Finished, a.Succeeded, a.Result, kind, state,
	)
	if err != nil {
		return mapError(err, "update activity")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Get retrieves an activity by ID.
func (r *ActivityRepository) Get(ctx context.Context, id string) (*domain.Activity, error) {
	a, err := scanActivity(r.db.pool.QueryRow(ctx, `SELECT `+activityColumns+` FROM activities WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "get activity")
	}
	return a, nil
}

// List returns activities matching filter ordered by start time, newest first.
func (r *ActivityRepository) List(ctx context.Context, filter domain.ActivityFilter) ([]*domain.Activity, error) {
	where, args := activityWhere(filter)
	query := `SELECT ` + activityColumns + ` FROM activities` + where + ` ORDER BY started DESC, seq DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "list activities")
	}
	defer rows.Close()

	var result []*domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// Count returns the number of activities matching filter.
func (r *ActivityRepository) Count(ctx context.Context, filter domain.ActivityFilter) (int, error) {
	where, args := activityWhere(filter)
	var n int
	if err := r.db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM activities`+where, args...).Scan(&n); err != nil {
		return 0, mapError(err, "count activities")
	}
	return n, nil
}

func activityWhere(filter domain.ActivityFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.SubjectKind != "" {
		add("subject_kind = $%d", string(filter.SubjectKind))
	}
	if filter.SubjectID != "" {
		add("subject_id = $%d", filter.SubjectID)
	}
	if filter.ParentID != "" {
		add("parent_id = $%d", filter.ParentID)
	}
	if filter.RootsOnly {
		conds = append(conds, "parent_id IS NULL")
	}
	if filter.Unfinished {
		conds = append(conds, "finished IS NULL")
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func resultantColumns(rs domain.ResultantState) (string, string) {
	kind := rs.Kind
	if kind == "" {
		kind = domain.OutcomeNoChange
	}
	return string(kind), string(rs.State)
}

func scanActivity(row rowScanner) (*domain.Activity, error) {
	a := &domain.Activity{}
	var (
		parentID    *string
		subjectKind string
		kind, state string
	)
	err := row.Scan(&a.ID, &parentID, &subjectKind, &a.SubjectID, &a.Code, &a.UserID, &a.TaskID,
		&a.Started, &a.Finished, &a.Succeeded, &a.Result, &kind, &state)
	if err != nil {
		return nil, err
	}
	a.ParentID = derefString(parentID)
	a.SubjectKind = domain.SubjectKind(subjectKind)
	if a.ResultantState, err = domain.ParseResultantState(kind, state); err != nil {
		return nil, fmt.Errorf("activity %s: %w", a.ID, err)
	}
	return a, nil
}
