package worklog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NotifyChannel is the Postgres channel signalled on every append.
const NotifyChannel = "worklog_entries"

// PGStore keeps the work log in Postgres. Consumer-group delivery state lives
// in worklog_deliveries, one row per (group, entry).
type PGStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPGStore(pool *pgxpool.Pool, logger *slog.Logger) *PGStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PGStore{pool: pool, logger: logger}
}

const entryColumns = `e.id, e.task_id, e.language, e.step, e.created_at, e.retry_count, e.max_retries, e.payload, e.last_error, e.visible_at`

func (s *PGStore) Append(ctx context.Context, e *Entry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO worklog_entries (task_id, language, step, created_at, retry_count, max_retries, payload, last_error, visible_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, e.TaskID, e.Language, string(e.Step), e.Timestamp, e.RetryCount, e.MaxRetries, nullJSON(e.Payload), e.LastError, e.VisibleAt).Scan(&id)
	if err != nil {
		return err
	}
	e.ID = strconv.FormatInt(id, 10)
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, e.ID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) ReadNew(ctx context.Context, group, consumer string, n int, now time.Time) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
		WITH next AS (
			SELECT e.id FROM worklog_entries e
			WHERE e.visible_at <= $3
			  AND NOT EXISTS (SELECT 1 FROM worklog_deliveries d WHERE d.group_name = $1 AND d.entry_id = e.id)
			ORDER BY e.id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		), taken AS (
			INSERT INTO worklog_deliveries (group_name, entry_id, consumer, delivered_at)
			SELECT $1, id, $2, $3 FROM next
			ON CONFLICT DO NOTHING
			RETURNING entry_id
		)
		SELECT `+entryColumns+`
		FROM worklog_entries e JOIN taken t ON t.entry_id = e.id
		ORDER BY e.id
	`, group, consumer, now, n)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (s *PGStore) Ack(ctx context.Context, group, consumer, id string) error {
	entryID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad id %q", ErrEntryNotPending, id)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE worklog_deliveries SET acked_at = now()
		WHERE group_name = $1 AND entry_id = $2 AND consumer = $3 AND acked_at IS NULL
	`, group, entryID, consumer)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotPending
	}
	return nil
}

func (s *PGStore) Claim(ctx context.Context, group, consumer string, idleBefore time.Time, n int, now time.Time) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
		WITH idle AS (
			SELECT entry_id FROM worklog_deliveries
			WHERE group_name = $1 AND acked_at IS NULL AND delivered_at <= $3
			ORDER BY entry_id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		), moved AS (
			UPDATE worklog_deliveries d
			SET consumer = $2, delivered_at = $5, delivery_count = d.delivery_count + 1
			FROM idle
			WHERE d.group_name = $1 AND d.entry_id = idle.entry_id
			RETURNING d.entry_id
		)
		SELECT `+entryColumns+`
		FROM worklog_entries e JOIN moved m ON m.entry_id = e.id
		ORDER BY e.id
	`, group, consumer, idleBefore, n, now)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (s *PGStore) Stats(ctx context.Context, group string) (Stats, error) {
	st := Stats{Group: group, Pending: make(map[string]int)}
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM worklog_entries e
		WHERE NOT EXISTS (SELECT 1 FROM worklog_deliveries d WHERE d.group_name = $1 AND d.entry_id = e.id)
	`, group).Scan(&st.Length)
	if err != nil {
		return Stats{}, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT consumer, count(*) FROM worklog_deliveries
		WHERE group_name = $1 AND acked_at IS NULL
		GROUP BY consumer
	`, group)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var consumer string
		var count int
		if err := rows.Scan(&consumer, &count); err != nil {
			return Stats{}, err
		}
		st.Pending[consumer] = count
	}
	return st, rows.Err()
}

// Subscribe holds one pooled connection in LISTEN until ctx is done. Lost
// connections are re-acquired after a short pause.
func (s *PGStore) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		for ctx.Err() == nil {
			if err := s.listen(ctx, ch); err != nil && ctx.Err() == nil {
				s.logger.Warn("work log listener lost", "error", err)
				select {
				case <-ctx.Done():
				case <-time.After(time.Second):
				}
			}
		}
	}()
	return ch, nil
}

func (s *PGStore) listen(ctx context.Context, ch chan<- struct{}) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		return err
	}
	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			id        int64
			step      string
			payload   []byte
			lastError *string
		)
		if err := rows.Scan(&id, &e.TaskID, &e.Language, &step, &e.Timestamp, &e.RetryCount, &e.MaxRetries, &payload, &lastError, &e.VisibleAt); err != nil {
			return nil, err
		}
		e.ID = strconv.FormatInt(id, 10)
		e.Step = Step(step)
		e.Payload = payload
		if lastError != nil {
			e.LastError = *lastError
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
