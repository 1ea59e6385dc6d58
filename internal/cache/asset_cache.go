package cache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"

	"github.com/socketkill/nebula/internal/metrics"
)

// Source 说明一次 GetOrFetch 成功时的数据来源。
type Source string

const (
	SourceDisk     Source = "disk"
	SourceOrigin   Source = "origin"
	SourceJoined   Source = "joined"
	SourceNegative Source = "negative"
)

// AssetRequest 由 HTTP 层根据路由派生：Key 全局唯一，LocalPath 位于 DiskStore
// 管理的目录下，RemoteURL 为源站地址。
type AssetRequest struct {
	Key       string
	LocalPath string
	RemoteURL string
}

// Options 描述 AssetCache 的依赖。Disk/Registry/Fetcher 必填。
type Options struct {
	Disk     *DiskStore
	Registry *PendingFetchRegistry
	Fetcher  *RemoteFetcher
	Logger   *logrus.Logger
	Metrics  *metrics.Metrics
	// NegativeTTL > 0 时，源站/网络失败会在该时间内直接返回，不再回源。
	NegativeTTL time.Duration
}

// AssetCache 保证同一 key 同时最多只有一次回源落盘，并将结果广播给所有等待者。
type AssetCache struct {
	disk     *DiskStore
	registry *PendingFetchRegistry
	fetcher  *RemoteFetcher
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	negative *ttlcache.Cache[string, error]
}

// NewAssetCache 校验依赖并构造 AssetCache。启用负缓存时需在退出前调用 Close。
func NewAssetCache(opts Options) (*AssetCache, error) {
	if opts.Disk == nil {
		return nil, errors.New("disk store is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("pending fetch registry is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("remote fetcher is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}

	c := &AssetCache{
		disk:     opts.Disk,
		registry: opts.Registry,
		fetcher:  opts.Fetcher,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
	if opts.NegativeTTL > 0 {
		c.negative = ttlcache.New[string, error](
			ttlcache.WithTTL[string, error](opts.NegativeTTL),
			ttlcache.WithDisableTouchOnHit[string, error](),
		)
		go c.negative.Start()
	}
	return c, nil
}

// Close 停止负缓存的过期清理协程。
func (c *AssetCache) Close() {
	if c.negative != nil {
		c.negative.Stop()
	}
}

// Pending 返回进行中的回源数量。
func (c *AssetCache) Pending() int {
	return c.registry.Len()
}

// GetOrFetch 确保 req.LocalPath 上存在完整的资源文件。
//
// 已落盘时直接返回；否则原子地 claim 或 join req.Key 对应的回源。join 的调用方不会重试，
// 只观察 owner 的结果。owner 的回源不受调用方 ctx 取消影响，完成后先移除注册表条目，
// 再唤醒等待者。
func (c *AssetCache) GetOrFetch(ctx context.Context, req AssetRequest) (Source, error) {
	if err := c.validate(req); err != nil {
		return "", err
	}

	if c.disk.Exists(req.LocalPath) {
		c.metrics.AssetRequests.WithLabelValues(metrics.ResultDisk).Inc()
		return SourceDisk, nil
	}

	if c.negative != nil {
		if item := c.negative.Get(req.Key); item != nil {
			c.metrics.AssetRequests.WithLabelValues(metrics.ResultNegative).Inc()
			return SourceNegative, item.Value()
		}
	}

	fetch, owner := c.registry.TryClaim(req.Key)
	if !owner {
		err := fetch.Wait(ctx)
		c.record(metrics.ResultJoined, err)
		return SourceJoined, err
	}

	source, err := c.own(ctx, req)
	c.registry.Resolve(req.Key, err)
	if err != nil {
		c.rememberFailure(req.Key, err)
	}
	if source == SourceDisk {
		c.record(metrics.ResultDisk, err)
	} else {
		c.record(metrics.ResultOrigin, err)
	}
	return source, err
}

func (c *AssetCache) own(ctx context.Context, req AssetRequest) (source Source, err error) {
	// claim 之前可能刚好有另一次回源完成并释放了 key。
	if c.disk.Exists(req.LocalPath) {
		return SourceDisk, nil
	}

	c.metrics.PendingFetches.Inc()
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = storageError(req.RemoteURL, fmt.Errorf("fetch panic: %v", r))
		}
		c.metrics.PendingFetches.Dec()
		c.metrics.FetchDuration.Observe(time.Since(started).Seconds())
		c.logFetch(req, started, err)
	}()

	err = c.fetcher.FetchAndPersist(context.WithoutCancel(ctx), req.RemoteURL, req.LocalPath)
	return SourceOrigin, err
}

func (c *AssetCache) validate(req AssetRequest) error {
	if strings.TrimSpace(req.Key) == "" {
		return fmt.Errorf("%w: key required", ErrInvalidRequest)
	}
	if req.LocalPath == "" || !c.disk.Manages(req.LocalPath) {
		return fmt.Errorf("%w: local path %q outside storage", ErrInvalidRequest, req.LocalPath)
	}
	parsed, err := url.Parse(req.RemoteURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("%w: remote url %q", ErrInvalidRequest, req.RemoteURL)
	}
	return nil
}

func (c *AssetCache) rememberFailure(key string, err error) {
	if c.negative == nil {
		return
	}
	switch KindOf(err) {
	case KindUpstream, KindNetwork:
		c.negative.Set(key, err, ttlcache.DefaultTTL)
	}
}

func (c *AssetCache) record(result string, err error) {
	if err != nil {
		result = metrics.ResultFailed
	}
	c.metrics.AssetRequests.WithLabelValues(result).Inc()
}

func (c *AssetCache) logFetch(req AssetRequest, started time.Time, err error) {
	fields := logrus.Fields{
		"action":     "origin_fetch",
		"key":        req.Key,
		"upstream":   req.RemoteURL,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	if err != nil {
		kind := KindOf(err)
		fields["error_kind"] = string(kind)
		fields["error"] = err.Error()
		c.metrics.OriginFetches.WithLabelValues(string(kind)).Inc()
		c.logger.WithFields(fields).Warn("origin_fetch_failed")
		return
	}
	c.metrics.OriginFetches.WithLabelValues("ok").Inc()
	c.logger.WithFields(fields).Info("origin_fetch_complete")
}
