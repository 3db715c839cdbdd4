package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// ErrNotFound is returned when a single-row lookup matches nothing.
var ErrNotFound = errors.New("not found")

// Repository persists users and attendance records in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const recordColumns = `r.id, r.user_id, COALESCE(u.name, ''), r.check_in_time, r.detection_duration, r.status, r.snapshot_url, r.created_at`

// FindUserByName returns the user with exactly this name, or nil when absent.
// When several rows share the name the oldest one wins.
func (r *Repository) FindUserByName(ctx context.Context, name string) (*User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, email, face_descriptor IS NOT NULL, created_at
		FROM users
		WHERE name = $1
		ORDER BY created_at
		LIMIT 1
	`, name)
	var u User
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.HasDescriptor, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a user and returns it with the generated id.
func (r *Repository) CreateUser(ctx context.Context, u User) (User, error) {
	if strings.TrimSpace(u.Name) == "" {
		return User{}, errors.New("user name required")
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	var descriptor any
	if len(u.Descriptor) > 0 {
		descriptor = pgvector.NewVector(u.Descriptor)
		u.HasDescriptor = true
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO users (id, name, email, face_descriptor)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, u.ID, u.Name, u.Email, descriptor)
	if err := row.Scan(&u.CreatedAt); err != nil {
		return User{}, err
	}
	return u, nil
}

// GetUser returns a user including its stored descriptor.
func (r *Repository) GetUser(ctx context.Context, id string) (User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, email, face_descriptor, created_at
		FROM users WHERE id = $1
	`, id)
	var (
		u   User
		vec *pgvector.Vector
	)
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &vec, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	if vec != nil {
		u.Descriptor = vec.Slice()
		u.HasDescriptor = true
	}
	return u, nil
}

// ListUsers returns all users, newest first.
func (r *Repository) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, email, face_descriptor IS NOT NULL, created_at
		FROM users
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.HasDescriptor, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// InsertRecord writes a new attendance record. check_in_time defaults to now.
func (r *Repository) InsertRecord(ctx context.Context, rec Record) (Record, error) {
	if rec.UserID == "" {
		return Record{}, errors.New("user id required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CheckInTime.IsZero() {
		rec.CheckInTime = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = StatusPresent
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records (id, user_id, check_in_time, detection_duration, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, rec.ID, rec.UserID, rec.CheckInTime, rec.DetectionDuration, rec.Status)
	if err := row.Scan(&rec.CreatedAt); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// GetRecord returns a single record by id.
func (r *Repository) GetRecord(ctx context.Context, id string) (Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records r
		LEFT JOIN users u ON u.id = r.user_id
		WHERE r.id = $1
	`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// SetSnapshotURL stores the uploaded confirmation frame location.
func (r *Repository) SetSnapshotURL(ctx context.Context, id, url string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE attendance_records SET snapshot_url = $2 WHERE id = $1`, id, url)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecentRecords returns the latest records by check-in time.
func (r *Repository) RecentRecords(ctx context.Context, limit int) ([]Record, error) {
	return r.ListRecords(ctx, "", limit, 0)
}

// ListRecords returns records with an optional user filter.
func (r *Repository) ListRecords(ctx context.Context, userID string, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + recordColumns + ` FROM attendance_records r LEFT JOIN users u ON u.id = r.user_id`
	args := []any{}
	if userID != "" {
		args = append(args, userID)
		query += fmt.Sprintf(" WHERE r.user_id = $%d", len(args))
	}
	query += fmt.Sprintf(" ORDER BY r.check_in_time DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var rec Record
	err := s.Scan(&rec.ID, &rec.UserID, &rec.UserName, &rec.CheckInTime, &rec.DetectionDuration, &rec.Status, &rec.SnapshotURL, &rec.CreatedAt)
	return rec, err
}
