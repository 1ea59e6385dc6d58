package cache

import (
	"context"
	"sync"
)

// PendingFetch 是某个 key 正在进行的回源操作的共享结果，所有 join 的调用方等待同一个 done。
type PendingFetch struct {
	done chan struct{}
	err  error
}

func newPendingFetch() *PendingFetch {
	return &PendingFetch{done: make(chan struct{})}
}

// Done 在结果就绪后关闭。
func (p *PendingFetch) Done() <-chan struct{} {
	return p.done
}

// Wait 阻塞到结果就绪并返回回源结果；ctx 结束时仅放弃等待，不影响回源本身。
func (p *PendingFetch) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PendingFetchRegistry 维护 key → PendingFetch 的映射，claim-or-join 在同一把锁内完成。
// 由调用方创建并注入 AssetCache，不使用包级全局状态。
type PendingFetchRegistry struct {
	mu      sync.Mutex
	pending map[string]*PendingFetch
}

// NewPendingFetchRegistry 返回空注册表。
func NewPendingFetchRegistry() *PendingFetchRegistry {
	return &PendingFetchRegistry{pending: make(map[string]*PendingFetch)}
}

// TryClaim 原子地查询并占用 key：不存在时创建新的 PendingFetch 并返回 owner=true；
// 已存在时返回现有句柄与 owner=false。
func (r *PendingFetchRegistry) TryClaim(key string) (*PendingFetch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.pending[key]; ok {
		return existing, false
	}
	fetch := newPendingFetch()
	r.pending[key] = fetch
	return fetch, true
}

// Resolve 先从注册表移除 key，再唤醒全部等待者。之后到达的新请求会重新 claim，
// 而不会复用本次的失败结果。key 不存在时为空操作。
func (r *PendingFetchRegistry) Resolve(key string, err error) {
	r.mu.Lock()
	fetch, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	fetch.err = err
	close(fetch.done)
}

// Pending 报告 key 当前是否存在进行中的回源。
func (r *PendingFetchRegistry) Pending(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[key]
	return ok
}

// Len 返回进行中的回源数量，供诊断接口使用。
func (r *PendingFetchRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
