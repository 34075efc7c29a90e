// Package cache implements the named, disk-backed cache storage behind the
// offline cache manager. A Storage holds one Store per cache generation
// (StoragePath/<name>/), each mapping a GET request identity to a stored
// response (status, headers, body). Writes go through temp file + rename so a
// reader never observes a partial body, and a small LRU layer keeps recently
// matched entries in memory. Storage.Delete removes a whole generation, which
// is how stale caches are purged after a version upgrade.
package cache
