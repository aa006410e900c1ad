package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/scopehq/scope-client/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_history (
	id          BIGSERIAL PRIMARY KEY,
	session_id  TEXT NOT NULL UNIQUE,
	user_id     TEXT NOT NULL,
	device_info TEXT NOT NULL DEFAULT '',
	ip_address  TEXT NOT NULL DEFAULT '',
	login_at    TIMESTAMPTZ NOT NULL,
	logout_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_session_history_user ON session_history (user_id, login_at DESC);
`

// Open connects to Postgres, applies the history schema and configures the
// pool.
func Open(connStr string, maxOpenConns, maxIdleConns int, connMaxLifetime time.Duration) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize session history schema: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	return db, nil
}

// HistoryRepo is the durable session audit trail backing the "manage
// devices" history view. Live session state stays in Redis; these rows
// outlive it.
type HistoryRepo struct {
	DB *sql.DB
}

func NewHistoryRepo(db *sql.DB) *HistoryRepo {
	return &HistoryRepo{DB: db}
}

// RecordLogin inserts the audit row for a freshly created session.
func (r *HistoryRepo) RecordLogin(ctx context.Context, s *domain.Session) error {
	query := `
	INSERT INTO session_history (session_id, user_id, device_info, ip_address, login_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (session_id) DO NOTHING;
	`
	deviceInfo := s.UserAgent
	if s.DeviceID != "" {
		deviceInfo = s.DeviceID + " " + s.UserAgent
	}
	_, err := r.DB.ExecContext(ctx, query, s.SessionID, s.UserID, deviceInfo, s.IPAddress, s.LoginTime)
	if err != nil {
		return fmt.Errorf("failed to record login: %w", err)
	}
	return nil
}

// RecordLogout stamps the logout time on an existing row. Unknown session
// ids are ignored (the row may have been pruned).
func (r *HistoryRepo) RecordLogout(ctx context.Context, sessionID string, at time.Time) error {
	query := `
	UPDATE session_history
	SET logout_at = $2
	WHERE session_id = $1 AND logout_at IS NULL;
	`
	if _, err := r.DB.ExecContext(ctx, query, sessionID, at); err != nil {
		return fmt.Errorf("failed to record logout: %w", err)
	}
	return nil
}

// ListRecent returns the most recent login records for a user.
func (r *HistoryRepo) ListRecent(ctx context.Context, userID string, limit int) ([]domain.SessionRecord, error) {
	query := `
	SELECT id, session_id, user_id, device_info, ip_address, login_at, logout_at
	FROM session_history
	WHERE user_id = $1
	ORDER BY login_at DESC
	LIMIT $2;
	`
	rows, err := r.DB.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query session history: %w", err)
	}
	defer rows.Close()

	var records []domain.SessionRecord
	for rows.Next() {
		var rec domain.SessionRecord
		var logoutAt sql.NullTime
		if err := rows.Scan(
			&rec.ID,
			&rec.SessionID,
			&rec.UserID,
			&rec.DeviceInfo,
			&rec.IPAddress,
			&rec.LoginAt,
			&logoutAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session history row: %w", err)
		}
		if logoutAt.Valid {
			t := logoutAt.Time
			rec.LogoutAt = &t
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session history rows: %w", err)
	}
	return records, nil
}

// Prune deletes closed history rows older than the retention window and
// returns how many were removed.
func (r *HistoryRepo) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
	DELETE FROM session_history
	WHERE logout_at IS NOT NULL AND login_at < NOW() - $1::interval;
	`
	result, err := r.DB.ExecContext(ctx, query, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("failed to prune session history: %w", err)
	}
	return result.RowsAffected()
}
