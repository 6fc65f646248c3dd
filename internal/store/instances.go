package store

import (
	"context"
	"database/sql"
	"fmt"

	"wagate/internal/domain"
)

const instanceColumns = `id, name, status, last_error, stop_reason, owner_user_id, created_at, updated_at`

func (s *SQLiteStore) CreateInstance(ctx context.Context, name string, ownerUserID int64) (*domain.Instance, error) {
	now := s.utcNow()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO instances (name, status, owner_user_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		name, string(domain.InstanceStopped), ownerUserID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert instance: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &domain.Instance{
		ID:          id,
		Name:        name,
		Status:      domain.InstanceStopped,
		OwnerUserID: ownerUserID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (s *SQLiteStore) GetInstance(ctx context.Context, id int64) (*domain.Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func (s *SQLiteStore) ListInstances(ctx context.Context) ([]domain.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+instanceColumns+` FROM instances ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteInstance(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := checkAffected(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM token_instances WHERE instance_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateInstanceStatus persists a connection-state transition. Moving to
// running clears the last error and stop reason.
func (s *SQLiteStore) UpdateInstanceStatus(ctx context.Context, id int64, u domain.StatusUpdate) error {
	lastError, stopReason := u.LastError, string(u.StopReason)
	if u.Status == domain.InstanceRunning {
		lastError, stopReason = "", ""
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE instances SET status = ?, last_error = ?, stop_reason = ?, updated_at = ? WHERE id = ?`,
		string(u.Status), lastError, stopReason, s.utcNow(), id,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(r rowScanner) (*domain.Instance, error) {
	var inst domain.Instance
	var lastError, stopReason sql.NullString
	var created, updated sql.NullTime
	if err := r.Scan(&inst.ID, &inst.Name, &inst.Status, &lastError, &stopReason,
		&inst.OwnerUserID, &created, &updated); err != nil {
		return nil, err
	}
	inst.LastError = lastError.String
	inst.StopReason = domain.StopReason(stopReason.String)
	inst.CreatedAt = created.Time
	inst.UpdatedAt = updated.Time
	return &inst, nil
}
