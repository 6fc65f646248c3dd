package store

import (
	"context"
	"database/sql"
	"fmt"

	"wagate/internal/domain"
)

// CreateToken stores the token hash and its instance scope in one transaction.
func (s *SQLiteStore) CreateToken(ctx context.Context, userID int64, name, tokenHash string, instances []int64) (*domain.APIToken, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := s.utcNow()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO api_tokens (assigned_user_id, name, token_hash, created_at) VALUES (?, ?, ?, ?)`,
		userID, name, tokenHash, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert token: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	for _, iid := range instances {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO token_instances (token_id, instance_id) VALUES (?, ?)`, id, iid,
		); err != nil {
			return nil, fmt.Errorf("map token to instance %d: %w", iid, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &domain.APIToken{ID: id, UserID: userID, Name: name, Instances: instances, CreatedAt: now}, nil
}

// ResolveToken looks up the caller behind a token hash and refreshes last_used_at.
// Token callers are always instance-scoped; a token with no mapped instances reaches none.
func (s *SQLiteStore) ResolveToken(ctx context.Context, tokenHash string) (*domain.Identity, error) {
	var id domain.Identity
	err := s.db.QueryRowContext(ctx,
		`SELECT t.id, t.assigned_user_id, u.username, u.role
		 FROM api_tokens t JOIN users u ON t.assigned_user_id = u.id
		 WHERE t.token_hash = ?`, tokenHash,
	).Scan(&id.TokenID, &id.UserID, &id.Username, &id.Role)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE api_tokens SET last_used_at = ? WHERE id = ?`, s.utcNow(), id.TokenID,
	); err != nil {
		s.logger.Warn("token last_used_at update failed", "token_id", id.TokenID, "err", err)
	}

	instances, err := s.tokenInstances(ctx, id.TokenID)
	if err != nil {
		return nil, err
	}
	id.AllowedInstances = instances
	if id.AllowedInstances == nil {
		id.AllowedInstances = []int64{}
	}
	id.ActorType = "user"
	id.AuthType = "api_token"
	return &id, nil
}

func (s *SQLiteStore) tokenInstances(ctx context.Context, tokenID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_id FROM token_instances WHERE token_id = ? ORDER BY instance_id`, tokenID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var iid int64
		if err := rows.Scan(&iid); err != nil {
			return nil, err
		}
		ids = append(ids, iid)
	}
	return ids, rows.Err()
}

// ListTokens lists tokens of one user, or of all users when userID is 0.
func (s *SQLiteStore) ListTokens(ctx context.Context, userID int64) ([]domain.APIToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, assigned_user_id, name, last_used_at, created_at FROM api_tokens
		 WHERE ? = 0 OR assigned_user_id = ? ORDER BY id`, userID, userID)
	if err != nil {
		return nil, err
	}

	var tokens []domain.APIToken
	for rows.Next() {
		var t domain.APIToken
		var lastUsed, created sql.NullTime
		if err := rows.Scan(&t.ID, &t.UserID, &t.Name, &lastUsed, &created); err != nil {
			rows.Close()
			return nil, err
		}
		t.LastUsedAt = nullTime(lastUsed)
		t.CreatedAt = created.Time
		tokens = append(tokens, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Single connection: the rows above must be closed before the next query.
	for i := range tokens {
		instances, err := s.tokenInstances(ctx, tokens[i].ID)
		if err != nil {
			return nil, err
		}
		tokens[i].Instances = instances
	}
	return tokens, nil
}

func (s *SQLiteStore) RevokeToken(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM token_instances WHERE token_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM api_tokens WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := checkAffected(res); err != nil {
		return err
	}
	return tx.Commit()
}
