// Package db provides database connection helpers, schema migration, and small data access helpers.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/nekomoe/bilirec/crypto"
)

var (
	encryptor     crypto.Encryptor
	encryptorOnce sync.Once
	encryptorErr  error
)

// initEncryptor initializes the credential encryptor from ENCRYPTION_KEY.
// If ENCRYPTION_KEY is not set, the credential is stored in plaintext.
func initEncryptor() {
	encryptorOnce.Do(func() {
		key := os.Getenv("ENCRYPTION_KEY")
		if key == "" {
			slog.Warn("ENCRYPTION_KEY not set, stored credential will be plaintext (not recommended for production)", slog.String("component", "db_encryption"))
			return
		}
		enc, err := crypto.NewAESEncryptor(key)
		if err != nil {
			encryptorErr = fmt.Errorf("init encryption: %w", err)
			slog.Error("encryption initialization failed", slog.Any("err", encryptorErr), slog.String("component", "db_encryption"))
			return
		}
		encryptor = enc
		slog.Info("credential encryption enabled (AES-256-GCM)", slog.String("component", "db_encryption"))
	})
}

func getEncryptor() (crypto.Encryptor, error) {
	initEncryptor()
	if encryptorErr != nil {
		return nil, encryptorErr
	}
	return encryptor, nil
}

// Connect opens a Postgres connection for the given DSN. Defaulting lives in
// the config package so there is exactly one place that decides it.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty database DSN")
	}
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for all required tables and indices.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
			room_id BIGINT PRIMARY KEY,
			short_id BIGINT DEFAULT 0,
			user_name TEXT,
			title TEXT,
			is_live BOOLEAN DEFAULT FALSE,
			last_checked_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS recordings (
			id SERIAL PRIMARY KEY,
			room_id BIGINT NOT NULL,
			path TEXT,
			started_at TIMESTAMPTZ DEFAULT NOW(),
			ended_at TIMESTAMPTZ,
			state TEXT DEFAULT 'recording',
			error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS title_history (
			id SERIAL PRIMARY KEY,
			room_id BIGINT NOT NULL,
			title TEXT,
			changed_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			encryption_version INTEGER DEFAULT 0,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`ALTER TABLE kv ADD COLUMN IF NOT EXISTS encryption_version INTEGER DEFAULT 0`,
		`CREATE INDEX IF NOT EXISTS idx_rooms_short_id ON rooms(short_id)`,
		`CREATE INDEX IF NOT EXISTS idx_recordings_room ON recordings(room_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_title_history_room ON title_history(room_id, changed_at)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// RoomRow is the persisted form of a monitored room.
type RoomRow struct {
	RoomID        int64
	ShortID       int64
	UserName      string
	Title         string
	IsLive        bool
	LastCheckedAt time.Time
}

// UpsertRoom stores or updates a room row.
func UpsertRoom(ctx context.Context, dbx *sql.DB, r RoomRow) error {
	_, err := dbx.ExecContext(ctx, `INSERT INTO rooms (room_id, short_id, user_name, title, is_live, updated_at)
		VALUES ($1,$2,$3,$4,$5,NOW())
		ON CONFLICT (room_id) DO UPDATE SET short_id=EXCLUDED.short_id, user_name=EXCLUDED.user_name,
			title=EXCLUDED.title, is_live=EXCLUDED.is_live, updated_at=NOW()`,
		r.RoomID, r.ShortID, r.UserName, r.Title, r.IsLive)
	return err
}

// DeleteRoom removes a room row. Recording and title history rows are kept for audit.
func DeleteRoom(ctx context.Context, dbx *sql.DB, roomID int64) error {
	_, err := dbx.ExecContext(ctx, `DELETE FROM rooms WHERE room_id=$1`, roomID)
	return err
}

// ListRooms returns all persisted rooms.
func ListRooms(ctx context.Context, dbx *sql.DB) ([]RoomRow, error) {
	rows, err := dbx.QueryContext(ctx, `SELECT room_id, short_id, COALESCE(user_name,''), COALESCE(title,''), COALESCE(is_live,FALSE), COALESCE(last_checked_at, to_timestamp(0)) FROM rooms ORDER BY room_id`)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	var out []RoomRow
	for rows.Next() {
		var r RoomRow
		if err := rows.Scan(&r.RoomID, &r.ShortID, &r.UserName, &r.Title, &r.IsLive, &r.LastCheckedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateRoomStatus refreshes the mutable fields after a status check.
func UpdateRoomStatus(ctx context.Context, dbx *sql.DB, roomID int64, title string, isLive bool) error {
	_, err := dbx.ExecContext(ctx, `UPDATE rooms SET title=$1, is_live=$2, last_checked_at=NOW(), updated_at=NOW() WHERE room_id=$3`,
		title, isLive, roomID)
	return err
}

// InsertTitleChange appends a title-history row for a room.
func InsertTitleChange(ctx context.Context, dbx *sql.DB, roomID int64, title string) error {
	_, err := dbx.ExecContext(ctx, `INSERT INTO title_history (room_id, title, changed_at) VALUES ($1,$2,NOW())`,
		roomID, title)
	return err
}

// InsertRecording creates a recording row in state 'recording' and returns its id.
func InsertRecording(ctx context.Context, dbx *sql.DB, roomID int64, path string) (int64, error) {
	var id int64
	err := dbx.QueryRowContext(ctx, `INSERT INTO recordings (room_id, path, started_at, state) VALUES ($1,$2,NOW(),'recording') RETURNING id`,
		roomID, path).Scan(&id)
	return id, err
}

// CompleteRecording marks a recording row finished with its final path.
func CompleteRecording(ctx context.Context, dbx *sql.DB, id int64, path string) error {
	_, err := dbx.ExecContext(ctx, `UPDATE recordings SET path=$1, ended_at=NOW(), state='completed' WHERE id=$2`, path, id)
	return err
}

// FailRecording marks a recording row failed with the underlying error text.
func FailRecording(ctx context.Context, dbx *sql.DB, id int64, cause string) error {
	_, err := dbx.ExecContext(ctx, `UPDATE recordings SET ended_at=NOW(), state='failed', error=$1 WHERE id=$2`, cause, id)
	return err
}

// SetKV stores a plain key/value pair.
func SetKV(ctx context.Context, dbx *sql.DB, key, value string) error {
	_, err := dbx.ExecContext(ctx, `INSERT INTO kv (key, value, encryption_version, updated_at) VALUES ($1,$2,0,NOW())
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, encryption_version=0, updated_at=NOW()`, key, value)
	return err
}

// GetKV returns the stored value for key, or empty string when absent.
func GetKV(ctx context.Context, dbx *sql.DB, key string) (string, error) {
	var v string
	err := dbx.QueryRowContext(ctx, `SELECT COALESCE(value,'') FROM kv WHERE key=$1`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

// DeleteKV removes a key.
func DeleteKV(ctx context.Context, dbx *sql.DB, key string) error {
	_, err := dbx.ExecContext(ctx, `DELETE FROM kv WHERE key=$1`, key)
	return err
}

const credentialKey = "api_credential"

// SetCredential stores the API credential, encrypted when ENCRYPTION_KEY is configured.
func SetCredential(ctx context.Context, dbx *sql.DB, cred string) error {
	enc, err := getEncryptor()
	if err != nil {
		return err
	}
	version := 0
	toStore := cred
	if enc != nil && cred != "" {
		version = 1
		toStore, err = crypto.EncryptString(enc, cred)
		if err != nil {
			return fmt.Errorf("encrypt credential: %w", err)
		}
	}
	_, err = dbx.ExecContext(ctx, `INSERT INTO kv (key, value, encryption_version, updated_at) VALUES ($1,$2,$3,NOW())
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, encryption_version=EXCLUDED.encryption_version, updated_at=NOW()`,
		credentialKey, toStore, version)
	return err
}

// GetCredential returns the stored credential, decrypting when it was stored encrypted.
// Returns empty string when no credential is stored.
func GetCredential(ctx context.Context, dbx *sql.DB) (string, error) {
	var value string
	var version int
	err := dbx.QueryRowContext(ctx, `SELECT COALESCE(value,''), COALESCE(encryption_version,0) FROM kv WHERE key=$1`, credentialKey).Scan(&value, &version)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if version == 0 || value == "" {
		return value, nil
	}
	enc, err := getEncryptor()
	if err != nil {
		return "", err
	}
	if enc == nil {
		return "", fmt.Errorf("credential is encrypted but ENCRYPTION_KEY not configured")
	}
	dec, err := crypto.DecryptString(enc, value)
	if err != nil {
		return "", fmt.Errorf("decrypt credential: %w", err)
	}
	return dec, nil
}

// ClearCredential removes the stored credential.
func ClearCredential(ctx context.Context, dbx *sql.DB) error {
	return DeleteKV(ctx, dbx, credentialKey)
}
