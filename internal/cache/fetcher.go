package cache

import (
	"context"
	"errors"
)

// RemoteFetcher 负责“打开源站流 → 原子落盘”，不做任何重试。
type RemoteFetcher struct {
	origin Origin
	disk   *DiskStore
}

// NewRemoteFetcher 组合 Origin 与 DiskStore。
func NewRemoteFetcher(origin Origin, disk *DiskStore) *RemoteFetcher {
	return &RemoteFetcher{origin: origin, disk: disk}
}

// FetchAndPersist 将 remoteURL 的正文写入 localPath。失败时 localPath 不会出现残缺文件，
// 返回的错误均为 *FetchError。
func (f *RemoteFetcher) FetchAndPersist(ctx context.Context, remoteURL, localPath string) error {
	stream, err := f.origin.Open(ctx, remoteURL)
	if err != nil {
		var fetchErr *FetchError
		if errors.As(err, &fetchErr) {
			return err
		}
		return networkError(remoteURL, err)
	}
	defer stream.Body.Close()

	_, err = f.disk.Persist(ctx, localPath, stream.Body, stream.Size)
	if err != nil {
		var srcErr *sourceError
		if errors.As(err, &srcErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return networkError(remoteURL, err)
		}
		return storageError(remoteURL, err)
	}

	return nil
}
