package stats

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/socketkill/nebula/internal/cache"
	"github.com/socketkill/nebula/internal/metrics"
)

// maxPayload 限制单次 ESI 响应的解码大小。
const maxPayload = 8 << 20

// Options 描述 Poller 的依赖。
type Options struct {
	Origin   cache.Origin
	Disk     *cache.DiskStore
	BaseURL  string
	Interval time.Duration
	Logger   *logrus.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Poller 定期拉取 ESI 服务器状态与 NPC 击杀数据，并以原子方式写入统计快照。
type Poller struct {
	origin   cache.Origin
	disk     *cache.DiskStore
	baseURL  string
	interval time.Duration
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu       sync.Mutex
	lifetime Lifetime
}

// NewPoller 校验依赖并载入已有的累计击杀数。
func NewPoller(opts Options) (*Poller, error) {
	if opts.Origin == nil {
		return nil, errors.New("stats origin is required")
	}
	if opts.Disk == nil {
		return nil, errors.New("disk store is required")
	}
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New("stats base url is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	lifetime, err := loadLifetime(opts.Disk.Root())
	if err != nil {
		return nil, err
	}

	return &Poller{
		origin:   opts.Origin,
		disk:     opts.Disk,
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		interval: opts.Interval,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Now,
		lifetime: lifetime,
	}, nil
}

// Run 立即执行一次轮询，随后按 Interval 重复，直到 ctx 取消。单次失败只记录日志。
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.WithError(err).WithField("action", "stats_poll").Warn("stats_poll_failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce 依次刷新服务器状态与击杀快照，返回合并后的错误。
func (p *Poller) PollOnce(ctx context.Context) error {
	return errors.Join(
		p.pollServerStatus(ctx),
		p.pollKills(ctx),
	)
}

// Lifetime 返回当前累计值的副本。
func (p *Poller) Lifetime() Lifetime {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lifetime
}

func (p *Poller) pollServerStatus(ctx context.Context) (err error) {
	defer func() { p.record(SnapshotServerStatus, err) }()

	var status ServerStatus
	if _, err := p.fetchJSON(ctx, "/status/", &status); err != nil {
		return err
	}
	status.FetchedAt = p.now().UTC()
	return p.write(ctx, SnapshotServerStatus, status)
}

func (p *Poller) pollKills(ctx context.Context) (err error) {
	defer func() { p.record(SnapshotNPCKills, err) }()

	var rows []SystemKills
	lastModified, err := p.fetchJSON(ctx, "/universe/system_kills/", &rows)
	if err != nil {
		return err
	}
	now := p.now().UTC()
	snapshot := KillsSnapshot{
		LastModified:  lastModified,
		TotalNPCKills: sumNPCKills(rows),
		Systems:       rows,
		FetchedAt:     now,
	}
	if err := p.write(ctx, SnapshotNPCKills, snapshot); err != nil {
		return err
	}
	return p.accumulate(ctx, snapshot, now)
}

// accumulate 在出现新的 Last-Modified 窗口时把击杀数累加进 npc_lifetime.json。
// 没有 Last-Modified 的响应无法去重，直接跳过。
func (p *Poller) accumulate(ctx context.Context, snapshot KillsSnapshot, now time.Time) (err error) {
	defer func() { p.record(SnapshotNPCLifetime, err) }()

	if snapshot.LastModified == "" {
		p.logger.WithField("action", "stats_poll").Warn("stats_window_unknown")
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if snapshot.LastModified == p.lifetime.LastWindow {
		return nil
	}
	next := Lifetime{
		TotalNPCKills: p.lifetime.TotalNPCKills + snapshot.TotalNPCKills,
		Windows:       p.lifetime.Windows + 1,
		LastWindow:    snapshot.LastModified,
		UpdatedAt:     now,
	}
	if err := p.write(ctx, SnapshotNPCLifetime, next); err != nil {
		return err
	}
	p.lifetime = next
	p.logger.WithFields(logrus.Fields{
		"action":          "stats_poll",
		"window":          next.LastWindow,
		"window_kills":    snapshot.TotalNPCKills,
		"lifetime_kills":  next.TotalNPCKills,
		"lifetime_window": next.Windows,
	}).Info("stats_window_added")
	return nil
}

func (p *Poller) fetchJSON(ctx context.Context, path string, dst any) (string, error) {
	rawURL := p.baseURL + path
	stream, err := p.origin.Open(ctx, rawURL)
	if err != nil {
		return "", err
	}
	defer stream.Body.Close()

	data, err := io.ReadAll(io.LimitReader(stream.Body, maxPayload))
	if err != nil {
		return "", &cache.FetchError{Kind: cache.KindNetwork, URL: rawURL, Err: err}
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return "", &cache.FetchError{Kind: cache.KindUpstream, URL: rawURL, Err: fmt.Errorf("decode payload: %w", err)}
	}
	return stream.LastModified, nil
}

func (p *Poller) write(ctx context.Context, name string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	path := filepath.Join(p.disk.Root(), name+".json")
	if _, err := p.disk.Persist(ctx, path, bytes.NewReader(data), int64(len(data))); err != nil {
		return &cache.FetchError{Kind: cache.KindStorage, URL: path, Err: err}
	}
	return nil
}

func (p *Poller) record(snapshot string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(cache.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	p.metrics.StatsPolls.WithLabelValues(snapshot, outcome).Inc()
}
