package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	bodySuffix = ".body"
	metaSuffix = ".json"
)

// ErrStoreDeleted 表示缓存已被 Storage.Delete 移除，旧句柄不再可写。
var ErrStoreDeleted = errors.New("cache store deleted")

// fileStore 通过 entryLock 避免同一条目并发写入，所有条目平铺在 dir 下。
type fileStore struct {
	name    string
	dir     string
	memory  *memoryLayer
	deleted atomic.Bool

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func newFileStore(name, dir string, memory *memoryLayer) *fileStore {
	return &fileStore{
		name:   name,
		dir:    dir,
		memory: memory,
		locks:  make(map[string]*entryLock),
	}
}

func (s *fileStore) Name() string {
	return s.name
}

func (s *fileStore) Match(ctx context.Context, key RequestKey) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !key.Cacheable() || s.deleted.Load() {
		return nil, ErrNotFound
	}
	if cached, ok := s.memory.get(s.name, key); ok {
		return cached, nil
	}

	unlock := s.lockEntry(key)
	defer unlock()

	bodyPath, metaPath := s.entryPaths(key)
	entry, err := readMeta(metaPath)
	if err != nil {
		return nil, err
	}
	if entry.Key != key {
		// sha256 冲突或元数据损坏，按未命中处理
		return nil, ErrNotFound
	}

	f, err := os.Open(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	entry.SizeBytes = info.Size()
	entry.FilePath = bodyPath

	if s.memory.accepts(entry.SizeBytes) {
		body, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		s.memory.add(s.name, entry, body)
		return &ReadResult{Entry: entry, Reader: newBytesReadCloser(body)}, nil
	}

	return &ReadResult{Entry: entry, Reader: f}, nil
}

func (s *fileStore) Put(ctx context.Context, key RequestKey, resp Response) (*Entry, error) {
	if !key.Cacheable() {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotCacheable, key.Method)
	}
	if s.deleted.Load() {
		return nil, ErrStoreDeleted
	}

	unlock := s.lockEntry(key)
	defer unlock()

	// 目录由 Storage 创建；若此时已被删除，CreateTemp 会失败而不会重建目录。
	if s.deleted.Load() {
		return nil, ErrStoreDeleted
	}

	bodyPath, metaPath := s.entryPaths(key)
	body := resp.Body
	if body == nil {
		body = bytes.NewReader(nil)
	}
	written, err := writeAtomic(s.dir, bodyPath, func(w io.Writer) (int64, error) {
		return copyWithContext(ctx, w, body)
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", ErrStoreDeleted, err)
		}
		return nil, err
	}

	status := resp.StatusCode
	if status == 0 {
		status = 200
	}
	entry := Entry{
		Key:        key,
		StatusCode: status,
		Header:     resp.Header.Clone(),
		SizeBytes:  written,
		StoredAt:   time.Now().UTC(),
		FilePath:   bodyPath,
	}
	meta, err := json.Marshal(entry)
	if err != nil {
		os.Remove(bodyPath)
		return nil, err
	}
	if _, err := writeAtomic(s.dir, metaPath, func(w io.Writer) (int64, error) {
		n, err := w.Write(meta)
		return int64(n), err
	}); err != nil {
		os.Remove(bodyPath)
		return nil, err
	}

	s.memory.remove(s.name, key)
	return &entry, nil
}

func (s *fileStore) Delete(ctx context.Context, key RequestKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	unlock := s.lockEntry(key)
	defer unlock()

	s.memory.remove(s.name, key)

	bodyPath, metaPath := s.entryPaths(key)
	existed := true
	if err := os.Remove(metaPath); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
		existed = false
	}
	if err := os.Remove(bodyPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return existed, err
	}
	return existed, nil
}

func (s *fileStore) Keys(ctx context.Context) ([]RequestKey, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	keys := make([]RequestKey, 0, len(entries))
	for _, item := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := item.Name()
		if item.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		entry, err := readMeta(filepath.Join(s.dir, name))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		keys = append(keys, entry.Key)
	}
	return keys, nil
}

func (s *fileStore) entryPaths(key RequestKey) (string, string) {
	sum := sha256.Sum256([]byte(key.String()))
	base := filepath.Join(s.dir, hex.EncodeToString(sum[:]))
	return base + bodySuffix, base + metaSuffix
}

func (s *fileStore) lockEntry(key RequestKey) func() {
	lockKey := key.String()
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

func readMeta(metaPath string) (Entry, error) {
	data, err := os.ReadFile(metaPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("decode cache metadata %s: %w", filepath.Base(metaPath), err)
	}
	return entry, nil
}

// writeAtomic 先写入同目录临时文件，再 rename 到目标路径。
func writeAtomic(dir, target string, write func(io.Writer) (int64, error)) (int64, error) {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return 0, err
	}
	tempName := tempFile.Name()

	written, err := write(tempFile)
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
