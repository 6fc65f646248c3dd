package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wagate/internal/domain"
)

const userColumns = `id, username, role, status, message_limit, message_usage, limit_frequency, last_usage_reset, created_at`

func (s *SQLiteStore) CreateUser(ctx context.Context, u domain.NewUser) (*domain.User, error) {
	if u.Role == "" {
		u.Role = domain.RoleAgent
	}
	if u.Frequency == "" {
		u.Frequency = domain.FrequencyDaily
	}
	now := s.utcNow()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, role, status, message_limit, message_usage, limit_frequency, last_usage_reset, created_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		u.Username, string(u.Role), string(domain.AccountActive), u.Limit, string(u.Frequency), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetUser(ctx, id)
}

func (s *SQLiteStore) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	return s.queryUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	return s.queryUser(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
}

func (s *SQLiteStore) queryUser(ctx context.Context, query string, arg any) (*domain.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetUserStatus(ctx context.Context, id int64, status domain.AccountStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// SetUserQuota replaces the limit and frequency of a user without touching usage.
func (s *SQLiteStore) SetUserQuota(ctx context.Context, id int64, limit int64, freq domain.LimitFrequency) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET message_limit = ?, limit_frequency = ? WHERE id = ?`,
		limit, string(freq), id,
	)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (s *SQLiteStore) GetUserQuota(ctx context.Context, id int64) (*domain.UserQuota, error) {
	u, err := s.GetUser(ctx, id)
	if err != nil || u == nil {
		return nil, err
	}
	q := u.Quota
	return &q, nil
}

// IncrementUsage counts one sent message in a single statement. When the
// user's reset window has elapsed the counter restarts at 1 and the reset
// timestamp moves to now, so concurrent sends never lose an increment.
func (s *SQLiteStore) IncrementUsage(ctx context.Context, id int64, now time.Time) error {
	now = now.UTC()
	daily, _ := domain.ResetCutoff(domain.FrequencyDaily, now)
	monthly, _ := domain.ResetCutoff(domain.FrequencyMonthly, now)

	const elapsed = `((limit_frequency = 'daily' AND (last_usage_reset IS NULL OR last_usage_reset < ?))
		OR (limit_frequency = 'monthly' AND (last_usage_reset IS NULL OR last_usage_reset < ?)))`

	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET
			message_usage = CASE WHEN `+elapsed+` THEN 1 ELSE message_usage + 1 END,
			last_usage_reset = CASE WHEN `+elapsed+` THEN ? ELSE last_usage_reset END
		 WHERE id = ?`,
		daily, monthly, daily, monthly, now, id,
	)
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	return checkAffected(res)
}

func scanUser(r rowScanner) (*domain.User, error) {
	var u domain.User
	var lastReset, created sql.NullTime
	if err := r.Scan(&u.ID, &u.Username, &u.Role, &u.Status,
		&u.Quota.Limit, &u.Quota.Usage, &u.Quota.Frequency, &lastReset, &created); err != nil {
		return nil, err
	}
	u.CreatedAt = created.Time
	u.Quota.UserID = u.ID
	u.Quota.LastReset = nullTime(lastReset)
	u.Quota.Status = u.Status
	return &u, nil
}
