// Package authstate persists per-instance protocol credentials and the
// key material the protocol client reads and writes incrementally.
package authstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// keyBatchSize bounds the number of ids per lookup query.
const keyBatchSize = 50

// KeyMap holds key material by type, then by id.
type KeyMap map[string]map[string]json.RawMessage

// Credentials is the full persisted auth state of one instance.
// Creds is nil for an instance that has never paired.
type Credentials struct {
	Creds json.RawMessage `json:"creds"`
	Keys  KeyMap          `json:"keys"`
}

// Empty reports whether the instance has no stored identity and must pair.
func (c Credentials) Empty() bool {
	return len(c.Creds) == 0
}

// Store implements the credential store on the shared SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func New(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Load returns the stored credentials of an instance, or empty credentials if none exist.
func (s *Store) Load(ctx context.Context, instanceID int64) (Credentials, error) {
	out := Credentials{Keys: KeyMap{}}

	var creds string
	err := s.db.QueryRowContext(ctx, `SELECT creds FROM wa_creds WHERE instance_id = ?`, instanceID).Scan(&creds)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return out, fmt.Errorf("load creds %d: %w", instanceID, err)
	default:
		out.Creds = json.RawMessage(creds)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT type, key_id, value FROM wa_keys WHERE instance_id = ?`, instanceID)
	if err != nil {
		return out, fmt.Errorf("load keys %d: %w", instanceID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ, id, value string
		if err := rows.Scan(&typ, &id, &value); err != nil {
			return out, err
		}
		if out.Keys[typ] == nil {
			out.Keys[typ] = make(map[string]json.RawMessage)
		}
		out.Keys[typ][id] = json.RawMessage(value)
	}
	return out, rows.Err()
}

// Save replaces the stored credentials and key material of an instance.
func (s *Store) Save(ctx context.Context, instanceID int64, c Credentials) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := saveCreds(ctx, tx, instanceID, c.Creds); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM wa_keys WHERE instance_id = ?`, instanceID); err != nil {
		return fmt.Errorf("clear keys %d: %w", instanceID, err)
	}
	if err := setKeys(ctx, tx, instanceID, c.Keys); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveCreds updates only the creds record, as on a credential-update event.
func (s *Store) SaveCreds(ctx context.Context, instanceID int64, creds json.RawMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := saveCreds(ctx, tx, instanceID, creds); err != nil {
		return err
	}
	return tx.Commit()
}

// Purge deletes everything stored for an instance. It is a no-op when nothing is stored.
func (s *Store) Purge(ctx context.Context, instanceID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM wa_creds WHERE instance_id = ?`, instanceID); err != nil {
		return fmt.Errorf("purge creds %d: %w", instanceID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM wa_keys WHERE instance_id = ?`, instanceID); err != nil {
		return fmt.Errorf("purge keys %d: %w", instanceID, err)
	}
	return tx.Commit()
}

// GetKeys returns the stored values for the given ids of one key type.
// Missing ids are absent from the result. Lookups are issued in batches.
func (s *Store) GetKeys(ctx context.Context, instanceID int64, typ string, ids []string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(ids))
	for start := 0; start < len(ids); start += keyBatchSize {
		end := min(start+keyBatchSize, len(ids))
		if err := s.getKeyBatch(ctx, instanceID, typ, ids[start:end], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) getKeyBatch(ctx context.Context, instanceID int64, typ string, ids []string, out map[string]json.RawMessage) error {
	args := make([]any, 0, len(ids)+2)
	args = append(args, instanceID, typ)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	rows, err := s.db.QueryContext(ctx,
		`SELECT key_id, value FROM wa_keys WHERE instance_id = ? AND type = ? AND key_id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("get keys %s: %w", typ, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, value string
		if err := rows.Scan(&id, &value); err != nil {
			return err
		}
		out[id] = json.RawMessage(value)
	}
	return rows.Err()
}

// SetKeys writes key material in one transaction. A nil or JSON null value deletes the entry.
func (s *Store) SetKeys(ctx context.Context, instanceID int64, keys KeyMap) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := setKeys(ctx, tx, instanceID, keys); err != nil {
		return err
	}
	return tx.Commit()
}

func saveCreds(ctx context.Context, tx *sql.Tx, instanceID int64, creds json.RawMessage) error {
	if len(creds) == 0 {
		_, err := tx.ExecContext(ctx, `DELETE FROM wa_creds WHERE instance_id = ?`, instanceID)
		return err
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO wa_creds (instance_id, creds, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(instance_id) DO UPDATE SET creds = excluded.creds, updated_at = excluded.updated_at`,
		instanceID, string(creds), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save creds %d: %w", instanceID, err)
	}
	return nil
}

func setKeys(ctx context.Context, tx *sql.Tx, instanceID int64, keys KeyMap) error {
	for typ, entries := range keys {
		for id, value := range entries {
			var err error
			if isNull(value) {
				_, err = tx.ExecContext(ctx,
					`DELETE FROM wa_keys WHERE instance_id = ? AND type = ? AND key_id = ?`, instanceID, typ, id)
			} else {
				_, err = tx.ExecContext(ctx,
					`INSERT INTO wa_keys (instance_id, type, key_id, value) VALUES (?, ?, ?, ?)
					 ON CONFLICT(instance_id, type, key_id) DO UPDATE SET value = excluded.value`,
					instanceID, typ, id, string(value))
			}
			if err != nil {
				return fmt.Errorf("set key %s/%s: %w", typ, id, err)
			}
		}
	}
	return nil
}

func isNull(v json.RawMessage) bool {
	return len(v) == 0 || strings.TrimSpace(string(v)) == "null"
}
