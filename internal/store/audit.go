package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"wagate/internal/domain"
)

func (s *SQLiteStore) InsertAudit(ctx context.Context, e domain.AuditEntry) error {
	var details []byte
	if len(e.Details) > 0 {
		var err error
		if details, err = json.Marshal(e.Details); err != nil {
			return err
		}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.utcNow()
	}
	var instanceID sql.NullInt64
	if e.InstanceID != nil {
		instanceID = sql.NullInt64{Int64: *e.InstanceID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (user_id, instance_id, action, details, severity, actor_type, auth_type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, instanceID, e.Action, string(details), string(e.Severity), e.ActorType, e.AuthType, e.CreatedAt.UTC(),
	)
	return err
}

// ListAudit returns the newest entries first.
func (s *SQLiteStore) ListAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, instance_id, action, details, severity, actor_type, auth_type, created_at
		 FROM audit_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var instanceID sql.NullInt64
		var details, actor, auth sql.NullString
		var created sql.NullTime
		if err := rows.Scan(&e.ID, &e.UserID, &instanceID, &e.Action, &details,
			&e.Severity, &actor, &auth, &created); err != nil {
			return nil, err
		}
		if instanceID.Valid {
			v := instanceID.Int64
			e.InstanceID = &v
		}
		if details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				s.logger.Warn("audit details not valid JSON", "id", e.ID, "err", err)
			}
		}
		e.ActorType = actor.String
		e.AuthType = auth.String
		e.CreatedAt = created.Time
		out = append(out, e)
	}
	return out, rows.Err()
}
