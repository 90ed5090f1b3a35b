package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/localize/internal/models"
)

// TaskRepo is the Postgres task store. Iterations are stored as one JSONB
// record per (task, language, number).
type TaskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

const taskColumns = `id, status, source_content, guidelines, target_languages, max_iterations, confidence_threshold, progress, error, summary, created_at, updated_at, completed_at`

const subTaskColumns = `task_id, language, status, current_iteration, max_iterations, confidence_threshold, translated_text, batch_id, study_id, final_reason, error, started_at, completed_at, updated_at`

func (r *TaskRepo) CreateTask(ctx context.Context, t *models.Task) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO tasks (id, status, source_content, guidelines, target_languages, max_iterations, confidence_threshold, progress, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`, t.ID, t.Status, t.SourceContent, t.Guidelines, t.TargetLanguages, t.MaxIterations, t.ConfidenceThreshold, t.Progress, t.Error).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return err
	}
	for _, st := range t.SubTasks {
		err := tx.QueryRow(ctx, `
			INSERT INTO language_subtasks (task_id, language, status, current_iteration, max_iterations, confidence_threshold)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING updated_at
		`, t.ID, st.Language, st.Status, st.CurrentIteration, st.MaxIterations, st.ConfidenceThreshold).Scan(&st.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert sub-task %s: %w", st.Language, err)
		}
	}
	return tx.Commit(ctx)
}

func (r *TaskRepo) GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	t, err := scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	subs, err := r.listSubTasks(ctx, id, "")
	if err != nil {
		return nil, err
	}
	t.SubTasks = subs
	deliveries, err := r.listDeliveries(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Deliveries = deliveries
	return t, nil
}

func (r *TaskRepo) DeleteTask(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, "DELETE FROM tasks WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTasksByStatus returns task rows, newest first. An empty status lists
// every task. Sub-tasks are not loaded.
func (r *TaskRepo) ListTasksByStatus(ctx context.Context, status string) ([]*models.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE $1 = '' OR status = $1
		ORDER BY created_at DESC
	`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

func (r *TaskRepo) UpdateTaskStatus(ctx context.Context, id uuid.UUID, to string, from ...string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, updated_at = now()
		WHERE id = $1 AND (COALESCE(cardinality($3::text[]), 0) = 0 OR status = ANY($3))
	`, id, to, from)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, r.ensureTask(ctx, id)
	}
	return true, nil
}

// CompleteTask moves a running task to completed with its summary. It
// succeeds at most once per task.
func (r *TaskRepo) CompleteTask(ctx context.Context, id uuid.UUID, summary *models.TaskSummary) (bool, error) {
	raw, err := json.Marshal(summary)
	if err != nil {
		return false, fmt.Errorf("marshal summary: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, summary = $3, progress = 100, completed_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ($4, $5)
	`, id, models.TaskStatusCompleted, raw, models.TaskStatusPending, models.TaskStatusProcessing)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, r.ensureTask(ctx, id)
	}
	return true, nil
}

// SetTaskProgress raises the progress of a running task. Lower values and
// finished tasks are left as they are.
func (r *TaskRepo) SetTaskProgress(ctx context.Context, id uuid.UUID, progress float64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks SET progress = $2, updated_at = now()
		WHERE id = $1 AND status IN ($3, $4) AND progress < $2
	`, id, progress, models.TaskStatusPending, models.TaskStatusProcessing)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.ensureTask(ctx, id)
	}
	return nil
}

// SetTaskError records a task-level error and fails the task unless it has
// already completed.
func (r *TaskRepo) SetTaskError(ctx context.Context, id uuid.UUID, msg string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks SET error = $2, status = CASE WHEN status = $3 THEN status ELSE $4 END, updated_at = now()
		WHERE id = $1
	`, id, msg, models.TaskStatusCompleted, models.TaskStatusFailed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *TaskRepo) GetSubTask(ctx context.Context, taskID uuid.UUID, language string) (*models.SubTask, error) {
	subs, err := r.listSubTasks(ctx, taskID, language)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, ErrNotFound
	}
	return subs[0], nil
}

// UpdateSubTask applies upd when the sub-task's status is one of from (any
// status when from is empty). It reports false, with no change, otherwise.
func (r *TaskRepo) UpdateSubTask(ctx context.Context, taskID uuid.UUID, language string, upd models.SubTaskUpdate, from ...string) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `
		SELECT status FROM language_subtasks WHERE task_id = $1 AND language = $2 FOR UPDATE
	`, taskID, language).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if !statusMatches(status, from) {
		return false, nil
	}
	if upd.Status != nil {
		if err := checkTransition(status, *upd.Status); err != nil {
			return false, err
		}
	}

	sets := []string{"updated_at = now()"}
	args := []any{taskID, language}
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if upd.Status != nil {
		set("status", *upd.Status)
	}
	if upd.CurrentIteration != nil {
		set("current_iteration", *upd.CurrentIteration)
	}
	if upd.TranslatedText != nil {
		set("translated_text", *upd.TranslatedText)
	}
	if upd.BatchID != nil {
		set("batch_id", *upd.BatchID)
	}
	if upd.StudyID != nil {
		args = append(args, *upd.StudyID)
		sets = append(sets, fmt.Sprintf("study_id = NULLIF($%d, '')", len(args)))
	}
	if upd.FinalReason != nil {
		set("final_reason", *upd.FinalReason)
	}
	if upd.Error != nil {
		set("error", *upd.Error)
	}
	if upd.StartedAt != nil {
		set("started_at", *upd.StartedAt)
	}
	if upd.CompletedAt != nil {
		set("completed_at", *upd.CompletedAt)
	}
	_, err = tx.Exec(ctx, `UPDATE language_subtasks SET `+strings.Join(sets, ", ")+` WHERE task_id = $1 AND language = $2`, args...)
	if err != nil {
		return false, err
	}

	if it := upd.ReplaceIteration; it != nil {
		raw, err := json.Marshal(it)
		if err != nil {
			return false, err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE subtask_iterations SET record = $4, completed = $5
			WHERE task_id = $1 AND language = $2 AND number = $3 AND NOT completed
		`, taskID, language, it.Number, raw, it.Completed())
		if err != nil {
			return false, err
		}
		if tag.RowsAffected() == 0 {
			return false, errClosedIteration(it.Number)
		}
	}
	if it := upd.AppendIteration; it != nil {
		raw, err := json.Marshal(it)
		if err != nil {
			return false, err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO subtask_iterations (task_id, language, number, record, completed)
			VALUES ($1, $2, $3, $4, $5)
		`, taskID, language, it.Number, raw, it.Completed())
		if err != nil {
			return false, fmt.Errorf("append iteration %d: %w", it.Number, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// FindSubTasksByStudy returns the sub-tasks attached to a review study.
func (r *TaskRepo) FindSubTasksByStudy(ctx context.Context, studyID string) ([]*models.SubTask, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+subTaskColumns+` FROM language_subtasks WHERE study_id = $1 ORDER BY task_id, language`, studyID)
	if err != nil {
		return nil, err
	}
	subs, err := scanSubTasks(rows)
	if err != nil {
		return nil, err
	}
	for _, st := range subs {
		if err := r.loadIterations(ctx, st); err != nil {
			return nil, err
		}
	}
	return subs, nil
}

// AppendDelivery stores d and assigns its attempt number within
// (task, event type, language).
func (r *TaskRepo) AppendDelivery(ctx context.Context, d *models.Delivery) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var locked uuid.UUID
	err = tx.QueryRow(ctx, `SELECT id FROM tasks WHERE id = $1 FOR UPDATE`, d.TaskID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO task_deliveries (id, task_id, event_type, language, destination, attempt, outcome, status_code, error, payload, attempted_at, completed_at)
		SELECT $1, $2, $3, $4, $5, COALESCE(MAX(attempt), 0) + 1, $6, $7, $8, $9, $10, $11
		FROM task_deliveries WHERE task_id = $2 AND event_type = $3 AND language = $4
		RETURNING attempt
	`, d.ID, d.TaskID, d.EventType, d.Language, d.Destination, d.Outcome, d.StatusCode, d.Error, d.Payload, d.AttemptedAt, d.CompletedAt).Scan(&d.Attempt)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// LastDelivery returns the most recent delivery for the task, restricted to
// language when it is not empty.
func (r *TaskRepo) LastDelivery(ctx context.Context, taskID uuid.UUID, language string) (*models.Delivery, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, task_id, event_type, language, destination, attempt, outcome, status_code, error, payload, attempted_at, completed_at
		FROM task_deliveries
		WHERE task_id = $1 AND ($2 = '' OR language = $2)
		ORDER BY attempted_at DESC
		LIMIT 1
	`, taskID, language)
	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (r *TaskRepo) ensureTask(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func (r *TaskRepo) listSubTasks(ctx context.Context, taskID uuid.UUID, language string) ([]*models.SubTask, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+subTaskColumns+` FROM language_subtasks
		WHERE task_id = $1 AND ($2 = '' OR language = $2)
		ORDER BY language
	`, taskID, language)
	if err != nil {
		return nil, err
	}
	subs, err := scanSubTasks(rows)
	if err != nil {
		return nil, err
	}
	for _, st := range subs {
		if err := r.loadIterations(ctx, st); err != nil {
			return nil, err
		}
	}
	return subs, nil
}

func (r *TaskRepo) loadIterations(ctx context.Context, st *models.SubTask) error {
	rows, err := r.pool.Query(ctx, `
		SELECT record FROM subtask_iterations WHERE task_id = $1 AND language = $2 ORDER BY number
	`, st.TaskID, st.Language)
	if err != nil {
		return err
	}
	defer rows.Close()
	st.Iterations = []models.Iteration{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return err
		}
		var it models.Iteration
		if err := json.Unmarshal(raw, &it); err != nil {
			return fmt.Errorf("decode iteration for %s/%s: %w", st.TaskID, st.Language, err)
		}
		st.Iterations = append(st.Iterations, it)
	}
	return rows.Err()
}

func (r *TaskRepo) listDeliveries(ctx context.Context, taskID uuid.UUID) ([]models.Delivery, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, task_id, event_type, language, destination, attempt, outcome, status_code, error, payload, attempted_at, completed_at
		FROM task_deliveries WHERE task_id = $1 ORDER BY attempted_at
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *d)
	}
	return list, rows.Err()
}

func scanTask(row pgx.Row) (*models.Task, error) {
	var (
		t       models.Task
		summary []byte
	)
	err := row.Scan(&t.ID, &t.Status, &t.SourceContent, &t.Guidelines, &t.TargetLanguages, &t.MaxIterations, &t.ConfidenceThreshold, &t.Progress, &t.Error, &summary, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(summary) > 0 {
		t.Summary = &models.TaskSummary{}
		if err := json.Unmarshal(summary, t.Summary); err != nil {
			return nil, fmt.Errorf("decode summary for %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func scanSubTasks(rows pgx.Rows) ([]*models.SubTask, error) {
	defer rows.Close()
	var subs []*models.SubTask
	for rows.Next() {
		var (
			st      models.SubTask
			studyID *string
		)
		if err := rows.Scan(&st.TaskID, &st.Language, &st.Status, &st.CurrentIteration, &st.MaxIterations, &st.ConfidenceThreshold, &st.TranslatedText, &st.BatchID, &studyID, &st.FinalReason, &st.Error, &st.StartedAt, &st.CompletedAt, &st.UpdatedAt); err != nil {
			return nil, err
		}
		if studyID != nil {
			st.StudyID = *studyID
		}
		subs = append(subs, &st)
	}
	return subs, rows.Err()
}

func scanDelivery(row pgx.Row) (*models.Delivery, error) {
	var d models.Delivery
	err := row.Scan(&d.ID, &d.TaskID, &d.EventType, &d.Language, &d.Destination, &d.Attempt, &d.Outcome, &d.StatusCode, &d.Error, &d.Payload, &d.AttemptedAt, &d.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
