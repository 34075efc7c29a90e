package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/uni-sync/uni-sync-cache/internal/cache"
	"github.com/uni-sync/uni-sync-cache/internal/logging"
	"github.com/uni-sync/uni-sync-cache/internal/metrics"
)

// CacheStorage 是 Manager 依赖的缓存存储能力，*cache.Storage 满足该接口。
type CacheStorage interface {
	Open(ctx context.Context, name string) (cache.Store, error)
	Keys(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) (bool, error)
	Match(ctx context.Context, key cache.RequestKey) (*cache.ReadResult, error)
}

// Options 描述 Manager 的全部依赖；缓存名称与资源列表来自配置而非全局常量。
type Options struct {
	CacheName string
	Assets    []string
	Upstream  *url.URL
	Storage   CacheStorage
	Client    cache.Doer
	Logger    *logrus.Logger
	Metrics   *metrics.Metrics
}

// Manager 将 install/activate/fetch 三种信号桥接到缓存操作，自身不保存事件间状态。
type Manager struct {
	cacheName string
	assets    []string
	upstream  *url.URL
	storage   CacheStorage
	client    cache.Doer
	logger    *logrus.Logger
	metrics   *metrics.Metrics
}

// NewManager 校验依赖并构造 Manager。
func NewManager(opts Options) (*Manager, error) {
	if err := cache.ValidateName(opts.CacheName); err != nil {
		return nil, err
	}
	if opts.Upstream == nil {
		return nil, errors.New("upstream url is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Client == nil {
		return nil, errors.New("http client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		cacheName: opts.CacheName,
		assets:    append([]string(nil), opts.Assets...),
		upstream:  opts.Upstream,
		storage:   opts.Storage,
		client:    opts.Client,
		logger:    logger,
		metrics:   opts.Metrics,
	}, nil
}

// CacheName 返回当前缓存代际名称。
func (m *Manager) CacheName() string {
	return m.cacheName
}

// Install 打开当前缓存并预取全部静态资源，任一资源失败即整体失败且不重试。
func (m *Manager) Install(ctx context.Context) error {
	return m.dispatch(ctx, EventInstall, m.precache)
}

// Activate 删除白名单之外的所有缓存代际，等待全部删除结束后返回。
func (m *Manager) Activate(ctx context.Context) error {
	return m.dispatch(ctx, EventActivate, m.purgeStale)
}

func (m *Manager) dispatch(ctx context.Context, typ EventType, handler func(context.Context) error) error {
	started := time.Now()
	event := NewEvent(typ)
	if err := event.WaitUntil(Go(ctx, handler)); err != nil {
		return err
	}
	err := event.Settle(ctx)
	elapsed := time.Since(started)
	m.metrics.ObserveLifecycle(string(typ), err, elapsed)

	fields := logging.LifecycleFields(string(typ), m.cacheName)
	fields["elapsed_ms"] = elapsed.Milliseconds()
	if err != nil {
		m.logger.WithFields(fields).WithError(err).Error(string(typ) + "_failed")
		return err
	}
	m.logger.WithFields(fields).Info(string(typ) + "_complete")
	return nil
}

func (m *Manager) precache(ctx context.Context) error {
	store, err := m.storage.Open(ctx, m.cacheName)
	if err != nil {
		return fmt.Errorf("open cache %s: %w", m.cacheName, err)
	}
	m.logger.WithFields(logging.LifecycleFields(string(EventInstall), m.cacheName)).Info("cache_opened")

	requests, err := m.assetRequests(ctx)
	if err != nil {
		return err
	}
	stored, err := cache.AddAll(ctx, store, m.client, requests)
	if err != nil {
		return fmt.Errorf("precache %s: %w", m.cacheName, err)
	}
	m.metrics.AddAssetsCached(stored)

	fields := logging.LifecycleFields(string(EventInstall), m.cacheName)
	fields["assets"] = len(m.assets)
	fields["stored"] = stored
	if dup := len(m.assets) - stored; dup > 0 {
		fields["duplicates"] = dup
	}
	m.logger.WithFields(fields).Debug("assets_cached")
	return nil
}

func (m *Manager) assetRequests(ctx context.Context) ([]*http.Request, error) {
	requests := make([]*http.Request, 0, len(m.assets))
	for _, asset := range m.assets {
		target, err := m.ResolveURL(asset)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("build request for %s: %w", asset, err)
		}
		requests = append(requests, req)
	}
	return requests, nil
}

// ResolveURL 将站内路径（可带 query）解析为上游绝对地址。
func (m *Manager) ResolveURL(ref string) (*url.URL, error) {
	parsed, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("parse asset path %s: %w", ref, err)
	}
	return m.upstream.ResolveReference(parsed), nil
}

func (m *Manager) purgeStale(ctx context.Context) error {
	names, err := m.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list caches: %w", err)
	}

	var (
		group errgroup.Group
		mu    sync.Mutex
		errs  []error
	)
	for _, name := range names {
		if m.whitelisted(name) {
			continue
		}
		group.Go(func() error {
			deleted, err := m.storage.Delete(ctx, name)
			fields := logging.LifecycleFields(string(EventActivate), m.cacheName)
			fields["stale_cache"] = name
			if err != nil {
				m.logger.WithFields(fields).WithError(err).Warn("cache_delete_failed")
				mu.Lock()
				errs = append(errs, fmt.Errorf("delete cache %s: %w", name, err))
				mu.Unlock()
				return nil
			}
			if deleted {
				m.metrics.IncCachesDeleted()
				m.logger.WithFields(fields).Info("cache_deleted")
			}
			return nil
		})
	}
	_ = group.Wait()
	return errors.Join(errs...)
}

func (m *Manager) whitelisted(name string) bool {
	return name == m.cacheName
}

// FetchResult 是一次 fetch 的应答；CacheHit 为 true 时 Response 来自缓存。
type FetchResult struct {
	Response *http.Response
	CacheHit bool
}

// Fetch 优先返回缓存中的响应，未命中时恰好发起一次网络请求并原样返回结果。
// req 必须是指向上游的完整请求；缓存标识只取其方法与 path + query。
func (m *Manager) Fetch(ctx context.Context, req *http.Request) (*FetchResult, error) {
	key := cache.KeyFromRequest(req)
	if key.Cacheable() {
		cached, err := m.storage.Match(ctx, key)
		switch {
		case err == nil:
			m.metrics.ObserveFetch(metrics.SourceCache)
			return &FetchResult{Response: cached.HTTPResponse(req), CacheHit: true}, nil
		case errors.Is(err, cache.ErrNotFound):
			// miss, continue
		default:
			m.logger.WithError(err).
				WithFields(logrus.Fields{"action": string(EventFetch), "key": key.String()}).
				Warn("cache_match_failed")
		}
	}

	resp, err := m.client.Do(req.WithContext(ctx))
	if err != nil {
		m.metrics.ObserveFetch(metrics.SourceError)
		return nil, err
	}
	m.metrics.ObserveFetch(metrics.SourceNetwork)
	return &FetchResult{Response: resp, CacheHit: false}, nil
}

// CacheInfo 描述一个缓存代际的诊断信息。
type CacheInfo struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Current bool   `json:"current"`
}

// Snapshot 汇总当前缓存名称与所有缓存代际。
type Snapshot struct {
	Current string      `json:"current"`
	Assets  []string    `json:"assets"`
	Caches  []CacheInfo `json:"caches"`
}

// Snapshot 返回诊断快照，供 /-/caches 输出。
func (m *Manager) Snapshot(ctx context.Context) (Snapshot, error) {
	names, err := m.storage.Keys(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list caches: %w", err)
	}
	snap := Snapshot{
		Current: m.cacheName,
		Assets:  append([]string(nil), m.assets...),
		Caches:  make([]CacheInfo, 0, len(names)),
	}
	for _, name := range names {
		store, err := m.storage.Open(ctx, name)
		if err != nil {
			return Snapshot{}, err
		}
		keys, err := store.Keys(ctx)
		if err != nil {
			return Snapshot{}, fmt.Errorf("list entries of %s: %w", name, err)
		}
		snap.Caches = append(snap.Caches, CacheInfo{
			Name:    name,
			Entries: len(keys),
			Current: name == m.cacheName,
		})
	}
	return snap, nil
}
