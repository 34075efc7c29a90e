package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/sync/errgroup"
)

// Doer 执行网络请求，*http.Client 满足该接口。
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// FetchError 描述 AddAll 中单个资源的获取失败：网络错误或非 OK 状态码。
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

type fetched struct {
	key  RequestKey
	resp Response
	body []byte
}

// AddAll 并发获取全部请求并写入 store，返回写入的条目数。
//
// 任一请求失败（网络错误、非 2xx 或 206）都会取消其余请求并返回 *FetchError，
// 此时不会写入任何条目；写入阶段失败时，已覆盖的原有条目会被恢复。
// 请求标识相同的重复项只获取一次。
func AddAll(ctx context.Context, store Store, client Doer, requests []*http.Request) (int, error) {
	unique := make([]*http.Request, 0, len(requests))
	seen := make(map[RequestKey]struct{}, len(requests))
	for _, req := range requests {
		key := KeyFromRequest(req)
		if !key.Cacheable() {
			return 0, fmt.Errorf("%w: %s %s", ErrMethodNotCacheable, key.Method, key.URL)
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, req)
	}

	results := make([]fetched, len(unique))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, req := range unique {
		group.Go(func() error {
			item, err := fetchForCache(groupCtx, client, req)
			if err != nil {
				return err
			}
			results[i] = item
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return 0, err
	}

	written := make([]previous, 0, len(results))
	for _, item := range results {
		prior, err := snapshotEntry(ctx, store, item.key)
		if err != nil {
			rollback(store, written)
			return 0, fmt.Errorf("snapshot %s: %w", item.key, err)
		}
		item.resp.Body = bytes.NewReader(item.body)
		if _, err := store.Put(ctx, item.key, item.resp); err != nil {
			rollback(store, append(written, prior))
			return 0, fmt.Errorf("store %s: %w", item.key, err)
		}
		written = append(written, prior)
	}
	return len(written), nil
}

// previous 记录 AddAll 覆盖前的条目；existed 为 false 表示此前没有该条目。
type previous struct {
	key     RequestKey
	existed bool
	resp    Response
	body    []byte
}

func snapshotEntry(ctx context.Context, store Store, key RequestKey) (previous, error) {
	result, err := store.Match(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return previous{key: key}, nil
	}
	if err != nil {
		return previous{}, err
	}
	defer result.Reader.Close()
	body, err := io.ReadAll(result.Reader)
	if err != nil {
		return previous{}, err
	}
	return previous{
		key:     key,
		existed: true,
		resp: Response{
			StatusCode: result.Entry.StatusCode,
			Header:     result.Entry.Header.Clone(),
		},
		body: body,
	}, nil
}

func fetchForCache(ctx context.Context, client Doer, req *http.Request) (fetched, error) {
	key := KeyFromRequest(req)
	target := req.URL.String()

	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return fetched{}, &FetchError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	if !okForCache(resp.StatusCode) {
		return fetched{}, &FetchError{URL: target, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fetched{}, &FetchError{URL: target, StatusCode: resp.StatusCode, Err: err}
	}
	return fetched{
		key: key,
		resp: Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header.Clone(),
		},
		body: body,
	}, nil
}

func okForCache(status int) bool {
	return status >= 200 && status < 300 && status != http.StatusPartialContent
}

// rollback 把本次写入的条目恢复到 AddAll 之前的状态：原有条目写回，新增条目删除。
func rollback(store Store, entries []previous) {
	ctx := context.Background()
	for _, prior := range entries {
		if !prior.existed {
			_, _ = store.Delete(ctx, prior.key)
			continue
		}
		resp := prior.resp
		resp.Body = bytes.NewReader(prior.body)
		_, _ = store.Put(ctx, prior.key, resp)
	}
}
