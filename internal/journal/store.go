// Package journal durably records transfer attempts and vault snapshots in
// sqlite. Transfer records are append-only: once a record reaches a terminal
// status it can no longer change.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/yieldvault/internal/errors"
	"github.com/ggonzalez94/yieldvault/internal/model"
	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

func OpenStore(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create journal lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS transfers (
			tx_ref TEXT PRIMARY KEY,
			vault_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			batch_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			dest_chain INTEGER NOT NULL,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_transfers_status_updated ON transfers(status, updated_at_ms DESC);",
		"CREATE INDEX IF NOT EXISTS idx_transfers_vault_updated ON transfers(vault_id, updated_at_ms DESC);",
		`CREATE TABLE IF NOT EXISTS vault_snapshots (
			vault_id TEXT PRIMARY KEY,
			updated_at_ms INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init journal schema: %w", err)
		}
	}
	return &Store{db: db, lock: flock.New(lockPath)}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) withLock(fn func() error) error {
	locked, err := s.lock.TryLockContext(context.Background(), 5*time.Second)
	if err != nil {
		return fmt.Errorf("lock journal: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock journal: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

// Append records a new transfer. A reference can only be appended once.
func (s *Store) Append(rec model.TransferRecord) error {
	return s.AppendAll([]model.TransferRecord{rec})
}

// AppendAll records every transfer in one transaction: either all of recs are
// journaled or none are.
func (s *Store) AppendAll(recs []model.TransferRecord) error {
	payloads := make([][]byte, len(recs))
	for i, rec := range recs {
		if strings.TrimSpace(rec.TxRef) == "" {
			return fmt.Errorf("append transfer: missing tx ref")
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal transfer: %w", err)
		}
		payloads[i] = payload
	}
	return s.withLock(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin journal append: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for i, rec := range recs {
			_, err := tx.Exec(`
				INSERT INTO transfers (tx_ref, vault_id, kind, batch_id, status, dest_chain, created_at_ms, updated_at_ms, payload)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, rec.TxRef, rec.VaultID, string(rec.Kind), rec.BatchID, string(rec.Status), int64(rec.DestChain),
				rec.CreatedAt.UTC().UnixMilli(), rec.UpdatedAt.UTC().UnixMilli(), payloads[i])
			if err != nil {
				if strings.Contains(strings.ToLower(err.Error()), "unique") {
					return clierr.New(clierr.CodeUsage, fmt.Sprintf("transfer %s already recorded", rec.TxRef))
				}
				return fmt.Errorf("append transfer: %w", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit journal append: %w", err)
		}
		return nil
	})
}

// Update applies mutate to a pending record and stores the result. Records
// in a terminal status are never rewritten.
func (s *Store) Update(txRef string, at time.Time, mutate func(*model.TransferRecord) error) (model.TransferRecord, error) {
	var out model.TransferRecord
	err := s.withLock(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin journal update: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rec, err := getTx(tx, txRef)
		if err != nil {
			return err
		}
		if rec.Status.Terminal() {
			return clierr.New(clierr.CodeUsage, fmt.Sprintf("transfer %s is already %s", txRef, rec.Status))
		}
		if err := mutate(&rec); err != nil {
			return err
		}
		rec.UpdatedAt = at
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal transfer: %w", err)
		}
		if _, err := tx.Exec(`UPDATE transfers SET status = ?, updated_at_ms = ?, payload = ? WHERE tx_ref = ?`,
			string(rec.Status), at.UTC().UnixMilli(), payload, txRef); err != nil {
			return fmt.Errorf("update transfer: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit journal update: %w", err)
		}
		out = rec
		return nil
	})
	return out, err
}

// Transition moves a pending record to status, recording reason for failures.
func (s *Store) Transition(txRef string, status model.TransferStatus, reason string, at time.Time) (model.TransferRecord, error) {
	if !status.Terminal() {
		return model.TransferRecord{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("cannot transition transfer to %s", status))
	}
	return s.Update(txRef, at, func(rec *model.TransferRecord) error {
		rec.Status = status
		if status == model.TransferStatusFailed {
			rec.Error = reason
		}
		return nil
	})
}

type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

func getTx(q queryRower, txRef string) (model.TransferRecord, error) {
	var payload []byte
	err := q.QueryRow("SELECT payload FROM transfers WHERE tx_ref = ?", txRef).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.TransferRecord{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("transfer not found: %s", txRef))
		}
		return model.TransferRecord{}, fmt.Errorf("read transfer: %w", err)
	}
	var rec model.TransferRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return model.TransferRecord{}, fmt.Errorf("decode transfer payload: %w", err)
	}
	return rec, nil
}

func (s *Store) Get(txRef string) (model.TransferRecord, error) {
	return getTx(s.db, txRef)
}

type Filter struct {
	VaultID string
	Status  model.TransferStatus
	BatchID string
	Limit   int
}

// List returns matching records, most recently updated first.
func (s *Store) List(f Filter) ([]model.TransferRecord, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	var (
		where []string
		args  []any
	)
	if f.VaultID != "" {
		where = append(where, "vault_id = ?")
		args = append(args, f.VaultID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, f.BatchID)
	}
	query := "SELECT payload FROM transfers"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at_ms DESC, tx_ref ASC LIMIT ?"
	args = append(args, f.Limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	out := make([]model.TransferRecord, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		var rec model.TransferRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("decode transfer row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return out, nil
}

// SaveSnapshot stores the JSON form of v as the latest snapshot of vaultID.
func (s *Store) SaveSnapshot(vaultID string, v any, at time.Time) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal vault snapshot: %w", err)
	}
	return s.withLock(func() error {
		_, err := s.db.Exec(`
			INSERT INTO vault_snapshots (vault_id, updated_at_ms, payload)
			VALUES (?, ?, ?)
			ON CONFLICT(vault_id) DO UPDATE SET
				updated_at_ms=excluded.updated_at_ms,
				payload=excluded.payload
		`, vaultID, at.UTC().UnixMilli(), payload)
		if err != nil {
			return fmt.Errorf("save vault snapshot: %w", err)
		}
		return nil
	})
}

// LoadSnapshot decodes the latest snapshot of vaultID into out. It reports
// false when the vault has never been saved.
func (s *Store) LoadSnapshot(vaultID string, out any) (bool, error) {
	var payload []byte
	err := s.db.QueryRow("SELECT payload FROM vault_snapshots WHERE vault_id = ?", vaultID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("read vault snapshot: %w", err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return false, fmt.Errorf("decode vault snapshot: %w", err)
	}
	return true, nil
}
