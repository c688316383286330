package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_generations (
	scope      TEXT    NOT NULL,
	version    TEXT    NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (scope, version)
);
CREATE TABLE IF NOT EXISTS cache_entries (
	scope     TEXT    NOT NULL,
	version   TEXT    NOT NULL,
	key       TEXT    NOT NULL,
	method    TEXT    NOT NULL,
	url       TEXT    NOT NULL,
	status    INTEGER NOT NULL,
	header    TEXT    NOT NULL,
	body      BLOB    NOT NULL,
	stored_at INTEGER NOT NULL,
	PRIMARY KEY (scope, version, key)
);`

// sqliteStore 将全部代际存放在单个 SQLite 文件中，适合不希望产生大量小文件的部署。
type sqliteStore struct {
	sqlDB *sql.DB
}

type sqliteGeneration struct {
	store   *sqliteStore
	scope   string
	version string
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// NewSQLiteStore 打开（必要时创建）path 指向的数据库并初始化表结构。
func NewSQLiteStore(path string) (Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	dsn := cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &sqliteStore{sqlDB: sqlDB}, nil
}

func (s *sqliteStore) Open(ctx context.Context, scope, version string) (Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateSegment("scope", scope); err != nil {
		return nil, err
	}
	if err := validateSegment("version", version); err != nil {
		return nil, err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO cache_generations (scope, version, created_at) VALUES (?, ?, ?)`,
		scope, version, toMillis(time.Now()),
	)
	if err != nil {
		return nil, storageErr("open", err)
	}
	return &sqliteGeneration{store: s, scope: scope, version: version}, nil
}

func (s *sqliteStore) Versions(ctx context.Context, scope string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT version FROM cache_generations WHERE scope = ? ORDER BY version`, scope)
	if err != nil {
		return nil, storageErr("versions", err)
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, storageErr("versions", err)
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("versions", err)
	}
	return versions, nil
}

func (s *sqliteStore) DeleteVersion(ctx context.Context, scope, version string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("delete_version", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE scope = ? AND version = ?`, scope, version); err != nil {
		return storageErr("delete_version", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_generations WHERE scope = ? AND version = ?`, scope, version); err != nil {
		return storageErr("delete_version", err)
	}
	return storageErr("delete_version", tx.Commit())
}

func (s *sqliteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (g *sqliteGeneration) Version() string {
	return g.version
}

func (g *sqliteGeneration) Put(ctx context.Context, id RequestID, snapshot *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snapshot == nil {
		return errors.New("snapshot required")
	}
	header, err := json.Marshal(snapshot.Header)
	if err != nil {
		return storageErr("put", err)
	}
	storedAt := snapshot.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}
	body := snapshot.Body
	if body == nil {
		body = []byte{}
	}
	result, err := g.store.sqlDB.ExecContext(ctx,
		`INSERT INTO cache_entries (scope, version, key, method, url, status, header, body, stored_at)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?
		 WHERE EXISTS (SELECT 1 FROM cache_generations WHERE scope = ? AND version = ?)
		 ON CONFLICT (scope, version, key) DO UPDATE SET
		   method = excluded.method,
		   url = excluded.url,
		   status = excluded.status,
		   header = excluded.header,
		   body = excluded.body,
		   stored_at = excluded.stored_at`,
		g.scope, g.version, id.Key(), id.Method, id.URL, snapshot.Status, string(header), body, toMillis(storedAt),
		g.scope, g.version,
	)
	if err != nil {
		return storageErr("put", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storageErr("put", err)
	}
	if affected == 0 {
		return ErrGenerationDeleted
	}
	return nil
}

func (g *sqliteGeneration) Match(ctx context.Context, id RequestID) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		method, rawURL, header string
		status                 int
		body                   []byte
		storedAt               int64
	)
	err := g.store.sqlDB.QueryRowContext(ctx,
		`SELECT method, url, status, header, body, stored_at FROM cache_entries
		 WHERE scope = ? AND version = ? AND key = ?`,
		g.scope, g.version, id.Key(),
	).Scan(&method, &rawURL, &status, &header, &body, &storedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageErr("match", err)
	}
	var decoded http.Header
	if err := json.Unmarshal([]byte(header), &decoded); err != nil {
		return nil, storageErr("match", err)
	}
	return &Snapshot{
		Request:  RequestID{Method: method, URL: rawURL},
		Status:   status,
		Header:   decoded,
		Body:     body,
		StoredAt: fromMillis(storedAt),
	}, nil
}

func (g *sqliteGeneration) Keys(ctx context.Context) ([]RequestID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := g.store.sqlDB.QueryContext(ctx,
		`SELECT method, url FROM cache_entries WHERE scope = ? AND version = ?`, g.scope, g.version)
	if err != nil {
		return nil, storageErr("keys", err)
	}
	defer rows.Close()

	var ids []RequestID
	for rows.Next() {
		var id RequestID
		if err := rows.Scan(&id.Method, &id.URL); err != nil {
			return nil, storageErr("keys", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("keys", err)
	}
	sortRequestIDs(ids)
	return ids, nil
}

func (g *sqliteGeneration) Delete(ctx context.Context, id RequestID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := g.store.sqlDB.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE scope = ? AND version = ? AND key = ?`,
		g.scope, g.version, id.Key())
	return storageErr("delete", err)
}
