package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const createFileRefsTable = `
CREATE TABLE IF NOT EXISTS file_refs (
	namespace TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	object_id TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (namespace, fingerprint)
);
`

// SQLiteIndex 将引用记录保存在本地 SQLite 文件中。
type SQLiteIndex struct {
	db *sql.DB
}

// NewSQLiteIndex 打开（必要时创建）dbPath 并完成建表。
func NewSQLiteIndex(dbPath string) (*SQLiteIndex, error) {
	if dbPath == "" {
		return nil, errors.New("sqlite path required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open metadata db: %w", err)
	}
	// 单连接，避免 SQLITE_BUSY。
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createFileRefsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate metadata db: %w", err)
	}
	return &SQLiteIndex{db: db}, nil
}

func (s *SQLiteIndex) Lookup(ctx context.Context, namespace, fingerprint string) (string, bool, error) {
	if err := checkKeys(namespace, fingerprint); err != nil {
		return "", false, err
	}
	var objectID string
	err := s.db.QueryRowContext(ctx,
		`SELECT object_id FROM file_refs WHERE namespace = ? AND fingerprint = ?`,
		namespace, fingerprint,
	).Scan(&objectID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("metadata lookup: %w", err)
	}
	return objectID, true, nil
}

func (s *SQLiteIndex) Insert(ctx context.Context, ref FileRef) error {
	if err := checkKeys(ref.Namespace, ref.Fingerprint, ref.ObjectID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_refs (namespace, fingerprint, object_id, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, fingerprint) DO UPDATE SET
		   object_id = excluded.object_id,
		   created_at = excluded.created_at`,
		ref.Namespace, ref.Fingerprint, ref.ObjectID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("metadata insert: %w", err)
	}
	return nil
}

func (s *SQLiteIndex) DeleteAll(ctx context.Context, namespace string) error {
	if err := checkKeys(namespace); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM file_refs WHERE namespace = ?`, namespace); err != nil {
		return fmt.Errorf("metadata delete: %w", err)
	}
	return nil
}

// Count 返回 namespace 下的引用数量。
func (s *SQLiteIndex) Count(ctx context.Context, namespace string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM file_refs WHERE namespace = ?`, namespace).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("metadata count: %w", err)
	}
	return count, nil
}

func (s *SQLiteIndex) Backend() string {
	return "sqlite"
}

func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}
