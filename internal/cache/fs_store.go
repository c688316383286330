package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	bodySuffix = ".body"
	metaSuffix = ".meta"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入，同时复用 basePath。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// fileGeneration 是 <basePath>/<scope>/<version> 目录的句柄，按操作打开、不持有锁。
type fileGeneration struct {
	store   *fileStore
	scope   string
	version string
	dir     string
}

// entryMeta 与正文分离存放，最后写入，作为条目完整性的提交标记。
type entryMeta struct {
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Size     int64       `json:"size"`
	StoredAt time.Time   `json:"stored_at"`
}

func (s *fileStore) Open(ctx context.Context, scope, version string) (Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.generationDir(scope, version)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, storageErr("open", err)
	}
	return &fileGeneration{store: s, scope: scope, version: version, dir: dir}, nil
}

func (s *fileStore) Versions(ctx context.Context, scope string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateSegment("scope", scope); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.basePath, scope))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, storageErr("versions", err)
	}
	var versions []string
	for _, entry := range entries {
		if entry.IsDir() {
			versions = append(versions, entry.Name())
		}
	}
	sort.Strings(versions)
	return versions, nil
}

func (s *fileStore) DeleteVersion(ctx context.Context, scope, version string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.generationDir(scope, version)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return storageErr("delete_version", err)
	}
	return nil
}

func (s *fileStore) Close() error {
	return nil
}

func (g *fileGeneration) Version() string {
	return g.version
}

func (g *fileGeneration) Put(ctx context.Context, id RequestID, snapshot *Snapshot) error {
	if snapshot == nil {
		return errors.New("snapshot required")
	}
	key := id.Key()
	unlock := g.store.lockEntry(g.lockKey(key))
	defer unlock()

	// 目录仅由 Open 创建，被删除后的写入直接拒绝，避免复活旧代际
	if _, err := os.Stat(g.dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrGenerationDeleted
		}
		return storageErr("put", err)
	}

	written, err := writeAtomic(ctx, g.dir, g.entryPath(key, bodySuffix), bytes.NewReader(snapshot.Body))
	if err != nil {
		return storageErr("put", err)
	}

	storedAt := snapshot.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	meta := entryMeta{
		Method:   id.Method,
		URL:      id.URL,
		Status:   snapshot.Status,
		Header:   snapshot.Header,
		Size:     written,
		StoredAt: storedAt,
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return storageErr("put", err)
	}
	if _, err := writeAtomic(ctx, g.dir, g.entryPath(key, metaSuffix), bytes.NewReader(raw)); err != nil {
		return storageErr("put", err)
	}
	return nil
}

func (g *fileGeneration) Match(ctx context.Context, id RequestID) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := id.Key()
	unlock := g.store.lockEntry(g.lockKey(key))
	defer unlock()

	meta, err := readMeta(g.entryPath(key, metaSuffix))
	if err != nil {
		return nil, storageErr("match", err)
	}
	body, err := os.ReadFile(g.entryPath(key, bodySuffix))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, storageErr("match", err)
	}
	return &Snapshot{
		Request:  RequestID{Method: meta.Method, URL: meta.URL},
		Status:   meta.Status,
		Header:   meta.Header,
		Body:     body,
		StoredAt: meta.StoredAt,
	}, nil
}

func (g *fileGeneration) Keys(ctx context.Context) ([]RequestID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(g.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, storageErr("keys", err)
	}
	var ids []RequestID
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}
		meta, err := readMeta(filepath.Join(g.dir, entry.Name()))
		if err != nil {
			// 被并发删除的条目直接跳过
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, storageErr("keys", err)
		}
		ids = append(ids, RequestID{Method: meta.Method, URL: meta.URL})
	}
	sortRequestIDs(ids)
	return ids, nil
}

func (g *fileGeneration) Delete(ctx context.Context, id RequestID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := id.Key()
	unlock := g.store.lockEntry(g.lockKey(key))
	defer unlock()

	for _, suffix := range []string{metaSuffix, bodySuffix} {
		if err := os.Remove(g.entryPath(key, suffix)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return storageErr("delete", err)
		}
	}
	return nil
}

func (g *fileGeneration) entryPath(key, suffix string) string {
	return filepath.Join(g.dir, key+suffix)
}

func (g *fileGeneration) lockKey(key string) string {
	return g.scope + "::" + g.version + "::" + key
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) generationDir(scope, version string) (string, error) {
	if err := validateSegment("scope", scope); err != nil {
		return "", err
	}
	if err := validateSegment("version", version); err != nil {
		return "", err
	}
	dir := filepath.Join(s.basePath, scope, version)
	if !strings.HasPrefix(dir, s.basePath+string(filepath.Separator)) {
		return "", errors.New("invalid cache path")
	}
	return dir, nil
}

func validateSegment(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s required", field)
	}
	if value == "." || value == ".." || strings.ContainsAny(value, `/\`) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}

func readMeta(path string) (entryMeta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return entryMeta{}, ErrNotFound
		}
		return entryMeta{}, err
	}
	var meta entryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return entryMeta{}, fmt.Errorf("decode meta %s: %w", filepath.Base(path), err)
	}
	return meta, nil
}

// writeAtomic 先写入同目录临时文件再 rename，失败时清理临时文件。
func writeAtomic(ctx context.Context, dir, target string, body io.Reader) (int64, error) {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return 0, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return 0, err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return 0, err
	}
	return written, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

func sortRequestIDs(ids []RequestID) {
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].URL == ids[j].URL {
			return ids[i].Method < ids[j].Method
		}
		return ids[i].URL < ids[j].URL
	})
}
