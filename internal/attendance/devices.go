package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrTokenRevoked is returned for refresh tokens that are unknown, expired or revoked.
var ErrTokenRevoked = errors.New("refresh token revoked")

// UpsertDevice ensures a kiosk device record exists.
func (r *Repository) UpsertDevice(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return errors.New("device id required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (device_id)
		VALUES ($1)
		ON CONFLICT (device_id) DO NOTHING
	`, deviceID)
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

// ConsumeRefreshToken revokes a live token and returns its device. A token can
// be consumed once.
func (r *Repository) ConsumeRefreshToken(ctx context.Context, token string) (string, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE refresh_tokens
		SET revoked = TRUE
		WHERE token = $1 AND revoked = FALSE AND expires_at > NOW()
		RETURNING device_id
	`, token)
	var deviceID string
	if err := row.Scan(&deviceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrTokenRevoked
		}
		return "", err
	}
	return deviceID, nil
}
