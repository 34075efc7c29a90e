package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// markerFile 记录缓存代际的名称与创建时间，Keys 依此保持创建顺序。
const markerFile = ".cache.json"

// Options 控制 Storage 的可选行为。
type Options struct {
	// MaxMemoryEntries 为内存层容量，<= 0 时关闭内存层。
	MaxMemoryEntries int
}

// Storage 管理 basePath 下所有按名称区分的缓存代际，整站复用一份实例。
type Storage struct {
	basePath string
	memory   *memoryLayer

	mu     sync.Mutex
	stores map[string]*fileStore
}

type marker struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// NewStorage 以 basePath 为根目录构建磁盘缓存。
func NewStorage(basePath string, opts Options) (*Storage, error) {
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

	memory, err := newMemoryLayer(opts.MaxMemoryEntries)
	if err != nil {
		return nil, fmt.Errorf("create memory layer: %w", err)
	}

	return &Storage{
		basePath: abs,
		memory:   memory,
		stores:   make(map[string]*fileStore),
	}, nil
}

// ValidateName 限制缓存名称只能作为单级目录名使用。
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidCacheName)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidCacheName, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidCacheName, name)
	case strings.TrimSpace(name) != name:
		return fmt.Errorf("%w: %q has surrounding whitespace", ErrInvalidCacheName, name)
	}
	return nil
}

// Open 打开（必要时创建）指定名称的缓存，同名缓存始终返回同一实例。
func (s *Storage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(name, true)
}

// openLocked 返回缓存实例；create 为 false 且目录不存在时返回 ErrNotFound。
func (s *Storage) openLocked(name string, create bool) (*fileStore, error) {
	if store, ok := s.stores[name]; ok {
		return store, nil
	}

	dir := filepath.Join(s.basePath, name)
	if !create {
		info, err := os.Stat(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		if !info.IsDir() {
			return nil, ErrNotFound
		}
	} else if err := s.createDir(name, dir); err != nil {
		return nil, err
	}

	store := newFileStore(name, dir, s.memory)
	s.stores[name] = store
	return store, nil
}

func (s *Storage) createDir(name, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache %s: %w", name, err)
	}
	markerPath := filepath.Join(dir, markerFile)
	if _, err := os.Stat(markerPath); !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	data, err := json.Marshal(marker{Name: name, CreatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if _, err := writeAtomic(dir, markerPath, func(w io.Writer) (int64, error) {
		n, err := w.Write(data)
		return int64(n), err
	}); err != nil {
		return fmt.Errorf("write cache marker %s: %w", name, err)
	}
	return nil
}

// Has 返回指定名称的缓存是否存在。
func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := ValidateName(name); err != nil {
		return false, err
	}
	info, err := os.Stat(filepath.Join(s.basePath, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

// Keys 按创建顺序返回所有缓存名称。
func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}

	type named struct {
		name    string
		created time.Time
	}
	found := make([]named, 0, len(items))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !item.IsDir() || ValidateName(item.Name()) != nil {
			continue
		}
		created, err := s.createdAt(item)
		if err != nil {
			return nil, err
		}
		found = append(found, named{name: item.Name(), created: created})
	}

	sort.SliceStable(found, func(i, j int) bool {
		if found[i].created.Equal(found[j].created) {
			return found[i].name < found[j].name
		}
		return found[i].created.Before(found[j].created)
	})

	names := make([]string, len(found))
	for i, item := range found {
		names[i] = item.name
	}
	return names, nil
}

func (s *Storage) createdAt(item fs.DirEntry) (time.Time, error) {
	data, err := os.ReadFile(filepath.Join(s.basePath, item.Name(), markerFile))
	if err == nil {
		var m marker
		if jsonErr := json.Unmarshal(data, &m); jsonErr == nil && !m.CreatedAt.IsZero() {
			return m.CreatedAt, nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, err
	}
	info, err := item.Info()
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime().UTC(), nil
}

// Delete 删除指定名称的缓存及其全部条目，返回缓存此前是否存在。
// 目录会先被移入临时回收目录，避免 Keys 观察到删除一半的缓存。
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := ValidateName(name); err != nil {
		return false, nil
	}

	trash, existed, err := s.detach(name)
	if err != nil || !existed {
		return existed, err
	}
	// 回收目录以点号开头，Keys 不可见；删除内容时不持有 s.mu。
	if err := os.RemoveAll(trash); err != nil {
		return true, fmt.Errorf("cleanup cache %s: %w", name, err)
	}
	return true, nil
}

// detach 在 s.mu 保护下使缓存句柄失效，并把目录 rename 到回收目录，返回回收目录路径。
func (s *Storage) detach(name string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.basePath, name)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			delete(s.stores, name)
			return "", false, nil
		}
		return "", false, err
	}

	if store, ok := s.stores[name]; ok {
		store.deleted.Store(true)
		delete(s.stores, name)
	}
	s.memory.purge(name)

	trash, err := os.MkdirTemp(s.basePath, ".trash-*")
	if err != nil {
		return "", false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	if err := os.Rename(dir, filepath.Join(trash, name)); err != nil {
		os.Remove(trash)
		return "", false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	return trash, true, nil
}

// Match 按创建顺序在所有缓存中查找请求，返回第一条命中结果。
func (s *Storage) Match(ctx context.Context, key RequestKey) (*ReadResult, error) {
	if !key.Cacheable() {
		return nil, ErrNotFound
	}
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		s.mu.Lock()
		store, err := s.openLocked(name, false)
		s.mu.Unlock()
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result, err := store.Match(ctx, key)
		switch {
		case err == nil:
			return result, nil
		case errors.Is(err, ErrNotFound):
			continue
		default:
			return nil, err
		}
	}
	return nil, ErrNotFound
}
