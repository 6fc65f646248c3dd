package store

import (
	"context"
	"database/sql"
	"fmt"

	"wagate/internal/domain"
)

func (s *SQLiteStore) GetTemplate(ctx context.Context, name string) (*domain.Template, error) {
	var t domain.Template
	var created sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, body, variable_count, created_at FROM templates WHERE name = ?`, name,
	).Scan(&t.ID, &t.Name, &t.Body, &t.VariableCount, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.CreatedAt = created.Time
	return &t, nil
}

func (s *SQLiteStore) ListTemplates(ctx context.Context) ([]domain.Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, body, variable_count, created_at FROM templates ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Template
	for rows.Next() {
		var t domain.Template
		var created sql.NullTime
		if err := rows.Scan(&t.ID, &t.Name, &t.Body, &t.VariableCount, &created); err != nil {
			return nil, err
		}
		t.CreatedAt = created.Time
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertTemplate(ctx context.Context, t domain.Template) error {
	if t.Name == "" {
		return fmt.Errorf("template name is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO templates (name, body, variable_count, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET body = excluded.body, variable_count = excluded.variable_count`,
		t.Name, t.Body, t.VariableCount, s.utcNow(),
	)
	return err
}

func (s *SQLiteStore) DeleteTemplate(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE name = ?`, name)
	if err != nil {
		return err
	}
	return checkAffected(res)
}
