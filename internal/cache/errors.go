package cache

import (
	"errors"
	"fmt"
)

// Kind 对缓存失败进行分类，HTTP 层与日志据此区分来源。
type Kind string

const (
	// KindUpstream 表示源站可达但返回了非 200 状态。
	KindUpstream Kind = "upstream"
	// KindNetwork 表示连接、DNS、超时或读取中断等传输层失败。
	KindNetwork Kind = "network"
	// KindStorage 表示本地写入、rename 等文件系统失败。
	KindStorage Kind = "storage"
	// KindConfig 表示启动阶段目录初始化失败，属于致命错误。
	KindConfig Kind = "config"
)

var (
	// ErrInvalidRequest 表示 AssetRequest 字段缺失或不合法。
	ErrInvalidRequest = errors.New("invalid asset request")
	// ErrUpstreamStatus 作为 KindUpstream 的底层错误。
	ErrUpstreamStatus = errors.New("unexpected upstream status")
)

// FetchError 描述一次回源落盘失败，所有等待同一 key 的调用方拿到的是同一个实例。
type FetchError struct {
	Kind   Kind
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s fetch %s: status %d: %v", e.Kind, e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("%s fetch %s: %v", e.Kind, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// BootstrapError 表示 DiskStore 无法建立目录，调用方应直接退出。
type BootstrapError struct {
	Dir string
	Err error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("create storage dir %s: %v", e.Dir, e.Err)
}

func (e *BootstrapError) Unwrap() error {
	return e.Err
}

// KindOf 返回错误链中第一个可识别的分类，未知错误返回空字符串。
func KindOf(err error) Kind {
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Kind
	}
	var bootErr *BootstrapError
	if errors.As(err, &bootErr) {
		return KindConfig
	}
	return ""
}

func networkError(url string, err error) error {
	return &FetchError{Kind: KindNetwork, URL: url, Err: err}
}

func storageError(url string, err error) error {
	return &FetchError{Kind: KindStorage, URL: url, Err: err}
}
