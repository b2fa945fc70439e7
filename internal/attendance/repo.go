package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Repository persists attendance logs and camera devices in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const recordColumns = `id, session_id, person_id, room, log_date, status, occurred_at, course, college, created_at`

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var (
		rec    Record
		day    time.Time
		status string
	)
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.PersonID, &rec.Room, &day, &status,
		&rec.Timestamp, &rec.Course, &rec.College, &rec.CreatedAt); err != nil {
		return Record{}, err
	}
	rec.Date = day.Format("2006-01-02")
	rec.Status = Status(status)
	return rec, nil
}

// Exists implements LogStore.
func (r *Repository) Exists(ctx context.Context, sessionID, date string, statuses []Status) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM attendance_logs
			WHERE session_id = $1 AND log_date = $2 AND status = ANY($3)
		)
	`, sessionID, date, statusStrings(statuses)).Scan(&exists)
	return exists, err
}

// Latest implements LogStore.
func (r *Repository) Latest(ctx context.Context, sessionID, date string, statuses []Status) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_logs
		WHERE session_id = $1 AND log_date = $2 AND status = ANY($3)
		ORDER BY occurred_at DESC
		LIMIT 1
	`, sessionID, date, statusStrings(statuses))
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// Append implements LogStore. The partial unique indexes on attendance_logs
// reject a second arrival or end record for the same meeting.
func (r *Repository) Append(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if !rec.Status.Valid() {
		return Record{}, fmt.Errorf("invalid status %q", rec.Status)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_logs (id, session_id, person_id, room, log_date, status, occurred_at, course, college)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at
	`, rec.ID, rec.SessionID, rec.PersonID, rec.Room, rec.Date, string(rec.Status), rec.Timestamp, rec.Course, rec.College)
	if err := row.Scan(&rec.CreatedAt); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// List implements LogStore.
func (r *Repository) List(ctx context.Context, f Filter) ([]Record, error) {
	limit, offset := normalizePage(f.Limit, f.Offset)
	query := `SELECT ` + recordColumns + ` FROM attendance_logs`
	args := []any{}
	clauses := []string{}
	add := func(column string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if f.SessionID != "" {
		add("session_id", f.SessionID)
	}
	if f.PersonID != "" {
		add("person_id", f.PersonID)
	}
	if f.Date != "" {
		add("log_date", f.Date)
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY occurred_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// RegisterDevice ensures a camera device exists and is bound to room.
func (r *Repository) RegisterDevice(ctx context.Context, deviceID, room string) error {
	if deviceID == "" || room == "" {
		return errors.New("device id and room required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (device_id, room)
		VALUES ($1, $2)
		ON CONFLICT (device_id) DO UPDATE SET room = EXCLUDED.room
	`, deviceID, room)
	return err
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (device_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, deviceID, token, expiresAt)
	return err
}
