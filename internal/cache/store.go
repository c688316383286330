package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"
)

// Store 管理所有 scope 的缓存代际（generation），每个 CacheVersion 对应一个代际。
type Store interface {
	// Open 打开（不存在时创建）scope 下指定版本的代际句柄。
	Open(ctx context.Context, scope, version string) (Generation, error)

	// Versions 列出 scope 下当前存在的全部版本，按名称排序。
	Versions(ctx context.Context, scope string) ([]string, error)

	// DeleteVersion 删除整个代际及其全部条目，版本不存在时视为成功。
	DeleteVersion(ctx context.Context, scope, version string) error

	// Close 释放底层资源。
	Close() error
}

// Generation 是单个版本的键值视图：RequestID → Snapshot。
type Generation interface {
	Version() string

	// Put 写入或覆盖条目，同一 RequestID 以最后一次写入为准。
	Put(ctx context.Context, id RequestID, snapshot *Snapshot) error

	// Match 返回已存储的快照，不存在时返回 ErrNotFound。
	Match(ctx context.Context, id RequestID) (*Snapshot, error)

	// Keys 返回代际中全部请求标识，按 URL 排序。
	Keys(ctx context.Context) ([]RequestID, error)

	// Delete 删除单个条目，不存在时视为成功。
	Delete(ctx context.Context, id RequestID) error
}

// Snapshot 是一次 200 响应的完整副本，可重复读取。
type Snapshot struct {
	Request  RequestID
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Clone 返回与原快照互不共享内存的副本。
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	cloned := *s
	cloned.Header = s.Header.Clone()
	cloned.Body = append([]byte(nil), s.Body...)
	return &cloned
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrGenerationDeleted 表示写入目标代际已被删除（例如被新版本激活清理），写入被拒绝。
var ErrGenerationDeleted = errors.New("cache generation deleted")

// StorageError 包装后端读写失败，Op 标识失败的操作。
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrGenerationDeleted) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// Backend 名称，对应配置中的 StorageBackend。
const (
	BackendFS     = "fs"
	BackendSQLite = "sqlite"
)

// sqliteFileName 是 sqlite 后端在 StoragePath 下使用的数据库文件名。
const sqliteFileName = "offline-cache.db"

// NewBackend 根据配置的后端名称构建 Store，空值默认使用磁盘布局。
func NewBackend(backend, basePath string) (Store, error) {
	switch backend {
	case "", BackendFS:
		return NewStore(basePath)
	case BackendSQLite:
		if basePath == "" {
			return nil, errors.New("storage path required")
		}
		return NewSQLiteStore(filepath.Join(basePath, sqliteFileName))
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", backend)
	}
}
