package cache

import (
	"bytes"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// maxMemoryBodyBytes 限制进入内存层的单条正文大小，较大的条目始终从磁盘流式读取。
const maxMemoryBodyBytes = 1 << 20

// memoryLayer 在磁盘缓存之前保存最近命中的小条目，所有方法允许 nil 接收者。
type memoryLayer struct {
	entries *lru.Cache[string, memoryEntry]
}

type memoryEntry struct {
	entry Entry
	body  []byte
}

func newMemoryLayer(size int) (*memoryLayer, error) {
	if size <= 0 {
		return nil, nil
	}
	entries, err := lru.New[string, memoryEntry](size)
	if err != nil {
		return nil, err
	}
	return &memoryLayer{entries: entries}, nil
}

func memoryKey(cacheName string, key RequestKey) string {
	return cacheName + "\x00" + key.String()
}

func (m *memoryLayer) accepts(size int64) bool {
	return m != nil && size <= maxMemoryBodyBytes
}

func (m *memoryLayer) get(cacheName string, key RequestKey) (*ReadResult, bool) {
	if m == nil {
		return nil, false
	}
	item, ok := m.entries.Get(memoryKey(cacheName, key))
	if !ok {
		return nil, false
	}
	entry := item.entry
	entry.Header = entry.Header.Clone()
	return &ReadResult{Entry: entry, Reader: newBytesReadCloser(item.body)}, true
}

func (m *memoryLayer) add(cacheName string, entry Entry, body []byte) {
	if m == nil {
		return
	}
	entry.Header = entry.Header.Clone()
	m.entries.Add(memoryKey(cacheName, entry.Key), memoryEntry{entry: entry, body: body})
}

func (m *memoryLayer) remove(cacheName string, key RequestKey) {
	if m == nil {
		return
	}
	m.entries.Remove(memoryKey(cacheName, key))
}

// purge 移除某个缓存代际的全部内存条目。
func (m *memoryLayer) purge(cacheName string) {
	if m == nil {
		return
	}
	prefix := cacheName + "\x00"
	for _, k := range m.entries.Keys() {
		if strings.HasPrefix(k, prefix) {
			m.entries.Remove(k)
		}
	}
}

func (m *memoryLayer) len() int {
	if m == nil {
		return 0
	}
	return m.entries.Len()
}

type bytesReadCloser struct {
	*bytes.Reader
}

func newBytesReadCloser(body []byte) bytesReadCloser {
	return bytesReadCloser{Reader: bytes.NewReader(body)}
}

func (bytesReadCloser) Close() error {
	return nil
}
