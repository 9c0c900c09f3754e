package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/LeventeLantos/message-dispatcher/internal/model"
)

// SQLStore is the queue store shared by the Postgres and SQLite backends.
// Queries are written with ? placeholders and rebound for the driver.
// Timestamps are stored as unix milliseconds.
type SQLStore struct {
	db *sqlx.DB
}

var _ QueueRepository = (*SQLStore)(nil)

func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const queueColumns = `id, recipient_address, recipient_label, body, status, attempts, max_attempts,
	next_attempt_at, last_error, claimed_by, claimed_at, created_at, updated_at`

type queueRow struct {
	ID               int64          `db:"id"`
	RecipientAddress string         `db:"recipient_address"`
	RecipientLabel   sql.NullString `db:"recipient_label"`
	Body             string         `db:"body"`
	Status           string         `db:"status"`
	Attempts         int            `db:"attempts"`
	MaxAttempts      int            `db:"max_attempts"`
	NextAttemptAt    int64          `db:"next_attempt_at"`
	LastError        sql.NullString `db:"last_error"`
	ClaimedBy        sql.NullString `db:"claimed_by"`
	ClaimedAt        sql.NullInt64  `db:"claimed_at"`
	CreatedAt        int64          `db:"created_at"`
	UpdatedAt        int64          `db:"updated_at"`
}

func (r queueRow) toModel() model.QueueEntry {
	return model.QueueEntry{
		ID:               r.ID,
		RecipientAddress: r.RecipientAddress,
		RecipientLabel:   fromNullString(r.RecipientLabel),
		Body:             r.Body,
		Status:           model.Status(r.Status),
		Attempts:         r.Attempts,
		MaxAttempts:      r.MaxAttempts,
		NextAttemptAt:    fromMillis(r.NextAttemptAt),
		LastError:        fromNullString(r.LastError),
		ClaimedBy:        fromNullString(r.ClaimedBy),
		ClaimedAt:        fromNullMillis(r.ClaimedAt),
		CreatedAt:        fromMillis(r.CreatedAt),
		UpdatedAt:        fromMillis(r.UpdatedAt),
	}
}

func (s *SQLStore) selectQueue(ctx context.Context, query string, args ...any) ([]model.QueueEntry, error) {
	var rows []queueRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	out := make([]model.QueueEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// FetchDue returns up to limit pending rows whose next attempt is due,
// oldest first.
func (s *SQLStore) FetchDue(ctx context.Context, limit int, now time.Time) ([]model.QueueEntry, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}
	msgs, err := s.selectQueue(ctx, `
		SELECT `+queueColumns+`
		FROM message_queue
		WHERE status = ? AND next_attempt_at <= ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, string(model.Pending), toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("fetching due messages: %w", err)
	}
	return msgs, nil
}

func (s *SQLStore) Update(ctx context.Context, id int64, u model.QueueUpdate) error {
	if u.IsEmpty() {
		return nil
	}

	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if u.Status != nil {
		if !u.Status.IsValid() {
			return fmt.Errorf("invalid status %q", *u.Status)
		}
		set("status", string(*u.Status))
	}
	if u.Attempts != nil {
		set("attempts", *u.Attempts)
	}
	if u.NextAttemptAt != nil {
		set("next_attempt_at", toMillis(*u.NextAttemptAt))
	}
	if u.LastError != nil {
		set("last_error", nullStr(*u.LastError))
	}
	if u.ClaimedBy != nil {
		set("claimed_by", nullStr(*u.ClaimedBy))
	}
	if u.ClaimedAt != nil {
		set("claimed_at", nullMillis(*u.ClaimedAt))
	}
	set("updated_at", toMillis(time.Now()))
	args = append(args, id)

	query := "UPDATE message_queue SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	if u.If != nil {
		query += " AND status = ? AND COALESCE(claimed_by, '') = ?"
		args = append(args, string(u.If.Status), u.If.ClaimedBy)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("updating message %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating message %d: %w", id, err)
	}
	if n == 0 {
		if u.If != nil {
			return fmt.Errorf("updating message %d: %w", id, ErrConflict)
		}
		return fmt.Errorf("updating message %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) AppendLog(ctx context.Context, e model.LogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO message_log (queue_id, recipient_address, recipient_label, body, status,
		                         provider_message_id, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`),
		e.QueueID, e.RecipientAddress, nullPtr(e.RecipientLabel), e.Body, string(e.Status),
		nullPtr(e.ProviderMessageID), nullPtr(e.Error), toMillis(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("appending log for message %d: %w", e.QueueID, err)
	}
	return nil
}

func (s *SQLStore) GetConfigValue(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.GetContext(ctx, &v, s.db.Rebind(`SELECT value FROM config WHERE key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading config %q: %w", key, err)
	}
	if strings.TrimSpace(v) == "" {
		return "", false, nil
	}
	return v, true, nil
}

func (s *SQLStore) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`), key, value)
	if err != nil {
		return fmt.Errorf("writing config %q: %w", key, err)
	}
	return nil
}

// Enqueue inserts entries in one transaction and returns them with their
// stored ids and timestamps.
func (s *SQLStore) Enqueue(ctx context.Context, entries []model.QueueEntry) ([]model.QueueEntry, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	query := tx.Rebind(`
		INSERT INTO message_queue (recipient_address, recipient_label, body, status, attempts,
		                           max_attempts, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`)

	out := make([]model.QueueEntry, 0, len(entries))
	for _, e := range entries {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now()
		}
		if e.NextAttemptAt.IsZero() {
			e.NextAttemptAt = e.CreatedAt
		}
		if e.Status == "" {
			e.Status = model.Pending
		}
		e.CreatedAt = fromMillis(toMillis(e.CreatedAt))
		e.NextAttemptAt = fromMillis(toMillis(e.NextAttemptAt))
		e.UpdatedAt = e.CreatedAt

		if err := tx.QueryRowxContext(ctx, query,
			e.RecipientAddress, nullPtr(e.RecipientLabel), e.Body, string(e.Status), e.Attempts,
			e.MaxAttempts, toMillis(e.NextAttemptAt), toMillis(e.CreatedAt), toMillis(e.UpdatedAt),
		).Scan(&e.ID); err != nil {
			return nil, fmt.Errorf("enqueueing message for %s: %w", e.RecipientAddress, err)
		}
		out = append(out, e)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) Get(ctx context.Context, id int64) (model.QueueEntry, error) {
	var r queueRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT `+queueColumns+` FROM message_queue WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.QueueEntry{}, ErrNotFound
	}
	if err != nil {
		return model.QueueEntry{}, fmt.Errorf("reading message %d: %w", id, err)
	}
	return r.toModel(), nil
}

// List returns queue rows newest first, optionally filtered by status.
func (s *SQLStore) List(ctx context.Context, status model.Status, limit, offset int) ([]model.QueueEntry, error) {
	limit, offset = page(limit, offset)

	if status == "" {
		return s.selectQueue(ctx, `
			SELECT `+queueColumns+`
			FROM message_queue
			ORDER BY created_at DESC, id DESC
			LIMIT ? OFFSET ?
		`, limit, offset)
	}
	return s.selectQueue(ctx, `
		SELECT `+queueColumns+`
		FROM message_queue
		WHERE status = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, string(status), limit, offset)
}

type logRow struct {
	ID                int64          `db:"id"`
	QueueID           int64          `db:"queue_id"`
	RecipientAddress  string         `db:"recipient_address"`
	RecipientLabel    sql.NullString `db:"recipient_label"`
	Body              string         `db:"body"`
	Status            string         `db:"status"`
	ProviderMessageID sql.NullString `db:"provider_message_id"`
	Error             sql.NullString `db:"error"`
	CreatedAt         int64          `db:"created_at"`
}

func (s *SQLStore) ListLog(ctx context.Context, limit, offset int) ([]model.LogEntry, error) {
	limit, offset = page(limit, offset)

	var rows []logRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT id, queue_id, recipient_address, recipient_label, body, status,
		       provider_message_id, error, created_at
		FROM message_log
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing message log: %w", err)
	}

	out := make([]model.LogEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.LogEntry{
			ID:                r.ID,
			QueueID:           r.QueueID,
			RecipientAddress:  r.RecipientAddress,
			RecipientLabel:    fromNullString(r.RecipientLabel),
			Body:              r.Body,
			Status:            model.LogStatus(r.Status),
			ProviderMessageID: fromNullString(r.ProviderMessageID),
			Error:             fromNullString(r.Error),
			CreatedAt:         fromMillis(r.CreatedAt),
		})
	}
	return out, nil
}

// ListStale returns rows left in sending whose claim is older than
// claimedBefore.
func (s *SQLStore) ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]model.QueueEntry, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}
	msgs, err := s.selectQueue(ctx, `
		SELECT `+queueColumns+`
		FROM message_queue
		WHERE status = ? AND COALESCE(claimed_at, updated_at) < ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, string(model.Sending), toMillis(claimedBefore), limit)
	if err != nil {
		return nil, fmt.Errorf("listing stale messages: %w", err)
	}
	return msgs, nil
}

func (s *SQLStore) Stats(ctx context.Context) (model.Stats, error) {
	var counts []struct {
		Status string `db:"status"`
		N      int64  `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &counts,
		`SELECT status, COUNT(*) AS n FROM message_queue GROUP BY status`); err != nil {
		return model.Stats{}, fmt.Errorf("counting queue: %w", err)
	}

	var st model.Stats
	for _, c := range counts {
		switch model.Status(c.Status) {
		case model.Pending:
			st.Pending = c.N
		case model.Sending:
			st.Sending = c.N
		case model.Failed:
			st.Failed = c.N
		}
	}

	if err := s.db.GetContext(ctx, &st.TotalSent, s.db.Rebind(
		`SELECT COUNT(*) FROM message_log WHERE status = ?`), string(model.LogSent)); err != nil {
		return model.Stats{}, fmt.Errorf("counting sent log: %w", err)
	}
	return st, nil
}

func (s *SQLStore) SaveSessionState(ctx context.Context, st model.SessionState) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	var lastConnected any
	if st.LastConnectedAt != nil {
		lastConnected = toMillis(*st.LastConnectedAt)
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO session_state (id, status, phone_number, last_connected_at, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			phone_number = excluded.phone_number,
			last_connected_at = excluded.last_connected_at,
			updated_at = excluded.updated_at
	`), string(st.Status), nullPtr(st.PhoneNumber), lastConnected, toMillis(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving session state: %w", err)
	}
	return nil
}

func (s *SQLStore) GetSessionState(ctx context.Context) (model.SessionState, bool, error) {
	var r struct {
		Status          string         `db:"status"`
		PhoneNumber     sql.NullString `db:"phone_number"`
		LastConnectedAt sql.NullInt64  `db:"last_connected_at"`
		UpdatedAt       int64          `db:"updated_at"`
	}
	err := s.db.GetContext(ctx, &r,
		`SELECT status, phone_number, last_connected_at, updated_at FROM session_state WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SessionState{}, false, nil
	}
	if err != nil {
		return model.SessionState{}, false, fmt.Errorf("reading session state: %w", err)
	}

	status, _ := model.ParseSessionStatus(r.Status)
	return model.SessionState{
		Status:          status,
		PhoneNumber:     fromNullString(r.PhoneNumber),
		LastConnectedAt: fromNullMillis(r.LastConnectedAt),
		UpdatedAt:       fromMillis(r.UpdatedAt),
	}, true, nil
}

func page(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return toMillis(t)
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullPtr(v *string) any {
	if v == nil {
		return nil
	}
	return nullStr(*v)
}

func fromNullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
