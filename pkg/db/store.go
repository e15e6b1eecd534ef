// Package db persists instance metadata and runtime configuration.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Store wraps a SQLite connection holding the instance registry's durable
// half: which instances exist, their captured identity, and the configured
// webhook endpoint. Session credentials live elsewhere, one directory per
// instance.
type Store struct {
	db *sqlx.DB
}

// InstanceRecord is one persisted instance.
type InstanceRecord struct {
	Name        string    `db:"name"`
	JID         string    `db:"jid"`
	PhoneNumber string    `db:"phone_number"`
	ProfileName string    `db:"profile_name"`
	CreatedAt   time.Time `db:"created_at"`
}

// NewStore opens (and if needed initializes) the store at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite: %w", err)
	}

	// WAL mode for better concurrency
	if _, err = db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS instances (
			name TEXT PRIMARY KEY,
			jid TEXT NOT NULL DEFAULT '',
			phone_number TEXT NOT NULL DEFAULT '',
			profile_name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) CreateInstance(ctx context.Context, name string, createdAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instances (name, created_at) VALUES (?, ?)`, name, createdAt)
	return err
}

func (s *Store) GetInstance(ctx context.Context, name string) (*InstanceRecord, error) {
	var rec InstanceRecord
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM instances WHERE name = ?`, name)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (s *Store) ListInstances(ctx context.Context) ([]InstanceRecord, error) {
	var records []InstanceRecord
	err := s.db.SelectContext(ctx, &records, `SELECT * FROM instances ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) DeleteInstance(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE name = ?`, name)
	return err
}

// SetInstanceIdentity records the identity captured on a successful
// connection.
func (s *Store) SetInstanceIdentity(ctx context.Context, name, jid, phoneNumber, profileName string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE instances SET jid = ?, phone_number = ?, profile_name = ? WHERE name = ?`,
		jid, phoneNumber, profileName, name)
	return err
}

// ClearInstanceIdentity wipes identity fields after a logout.
func (s *Store) ClearInstanceIdentity(ctx context.Context, name string) error {
	return s.SetInstanceIdentity(ctx, name, "", "", "")
}

const webhookURLKey = "webhook_url"

func (s *Store) GetWebhookURL(ctx context.Context) (string, error) {
	var url string
	err := s.db.GetContext(ctx, &url, `SELECT value FROM config WHERE key = ?`, webhookURLKey)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return url, nil
}

func (s *Store) SetWebhookURL(ctx context.Context, url string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, webhookURLKey, url)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
