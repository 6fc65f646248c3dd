package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wagate/internal/domain"
)

const contactColumns = `id, name, phone, email, tags, notes, source, suppressed, last_inbound_at, created_at`

func (s *SQLiteStore) GetContact(ctx context.Context, phone string) (*domain.Contact, error) {
	c, err := scanContact(s.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE phone = ?`, phone))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *SQLiteStore) ListContacts(ctx context.Context, limit int) ([]domain.Contact, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// TouchInbound records an inbound message from phone. Concurrent calls for
// the same phone converge on one row; last_inbound_at never moves backwards.
func (s *SQLiteStore) TouchInbound(ctx context.Context, phone string, at time.Time) error {
	at = at.UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts (name, phone, source, last_inbound_at, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(phone) DO UPDATE SET
			last_inbound_at = CASE
				WHEN contacts.last_inbound_at IS NULL OR contacts.last_inbound_at < excluded.last_inbound_at
				THEN excluded.last_inbound_at
				ELSE contacts.last_inbound_at
			END`,
		domain.UnknownContactName(phone), phone, string(domain.SourceInbound), at, s.utcNow(),
	)
	if err != nil {
		return fmt.Errorf("touch inbound %s: %w", phone, err)
	}
	return nil
}

func (s *SQLiteStore) EnsureContact(ctx context.Context, c domain.Contact) (bool, error) {
	if c.Name == "" {
		c.Name = domain.UnknownContactName(c.Phone)
	}
	if c.Source == "" {
		c.Source = domain.SourceAuto
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts (name, phone, email, tags, notes, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(phone) DO NOTHING`,
		c.Name, c.Phone, c.Email, c.Tags, c.Notes, string(c.Source), s.utcNow(),
	)
	if err != nil {
		return false, fmt.Errorf("ensure contact %s: %w", c.Phone, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) SetSuppressed(ctx context.Context, phone string, suppressed bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE contacts SET suppressed = ? WHERE phone = ?`, suppressed, phone)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// ImportContacts upserts contacts in one transaction; either all rows land or none.
// Existing contacts keep their suppression flag and inbound timestamp.
func (s *SQLiteStore) ImportContacts(ctx context.Context, contacts []domain.Contact) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO contacts (name, phone, email, tags, notes, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(phone) DO UPDATE SET
			name = excluded.name, email = excluded.email, tags = excluded.tags, notes = excluded.notes`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := s.utcNow()
	for i, c := range contacts {
		if c.Phone == "" {
			return 0, fmt.Errorf("contact %d: phone is required", i)
		}
		if c.Name == "" {
			c.Name = domain.UnknownContactName(c.Phone)
		}
		if _, err := stmt.ExecContext(ctx, c.Name, c.Phone, c.Email, c.Tags, c.Notes, string(domain.SourceImport), now); err != nil {
			return 0, fmt.Errorf("import contact %s: %w", c.Phone, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(contacts), nil
}

func scanContact(r rowScanner) (*domain.Contact, error) {
	var c domain.Contact
	var email, tags, notes sql.NullString
	var lastInbound, created sql.NullTime
	if err := r.Scan(&c.ID, &c.Name, &c.Phone, &email, &tags, &notes, &c.Source,
		&c.Suppressed, &lastInbound, &created); err != nil {
		return nil, err
	}
	c.Email = email.String
	c.Tags = tags.String
	c.Notes = notes.String
	c.LastInboundAt = nullTime(lastInbound)
	c.CreatedAt = created.Time
	return &c, nil
}
