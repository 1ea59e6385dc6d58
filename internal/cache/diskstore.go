package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const tempPattern = ".nebula-*"

// DiskStore 在启动时建立固定的目录集合，并提供存在性检查与原子落盘。
// 磁盘布局遵循：
//
//	<root>/<subdir>/<id><ext>    # 资源正文
//	<root>/<name>.json           # 统计快照
type DiskStore struct {
	root    string
	dirs    []string
	created []string
}

// NewDiskStore 以 root 为根目录创建 DiskStore，root 与 subdirs 缺失时递归创建。
// 任意目录创建失败都返回 *BootstrapError，进程不应在此之后继续对外服务。
func NewDiskStore(root string, subdirs ...string) (*DiskStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, &BootstrapError{Dir: root, Err: errors.New("storage path required")}
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, &BootstrapError{Dir: root, Err: fmt.Errorf("resolve storage path: %w", err)}
	}

	store := &DiskStore{root: abs, dirs: []string{abs}}
	for _, sub := range subdirs {
		dir := filepath.Join(abs, filepath.FromSlash(sub))
		if !withinDir(abs, dir) {
			return nil, &BootstrapError{Dir: sub, Err: errors.New("directory escapes storage root")}
		}
		store.dirs = append(store.dirs, dir)
	}

	for _, dir := range store.dirs {
		created, err := ensureDir(dir)
		if err != nil {
			return nil, &BootstrapError{Dir: dir, Err: err}
		}
		if created {
			store.created = append(store.created, dir)
		}
	}
	return store, nil
}

func ensureDir(dir string) (bool, error) {
	info, err := os.Stat(dir)
	switch {
	case err == nil:
		if !info.IsDir() {
			return false, fmt.Errorf("%s is not a directory", dir)
		}
		return false, nil
	case errors.Is(err, fs.ErrNotExist):
		return true, os.MkdirAll(dir, 0o755)
	default:
		return false, err
	}
}

// Root 返回绝对根目录。
func (s *DiskStore) Root() string {
	return s.root
}

// Dir 返回 root 下的子目录绝对路径，不检查是否由本 store 管理。
func (s *DiskStore) Dir(sub string) string {
	return filepath.Join(s.root, filepath.FromSlash(sub))
}

// Created 返回本次启动新建的目录，便于输出 storage_init 日志。
func (s *DiskStore) Created() []string {
	return append([]string(nil), s.created...)
}

// Exists 仅在 path 为普通文件时返回 true；目录或无法 stat 的路径都视为不存在。
func (s *DiskStore) Exists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

// Manages 判断 path 的父目录是否为 DiskStore 创建的目录之一。
func (s *DiskStore) Manages(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	parent := filepath.Dir(abs)
	for _, dir := range s.dirs {
		if parent == dir {
			return true
		}
	}
	return false
}

// Persist 将 body 写入 path 同目录下的临时文件，完整写入并关闭后再 rename 到位。
// size >= 0 时实际写入长度必须与之相等。任意失败都会删除临时文件，path 上要么没有文件，
// 要么是完整内容。读取 body 产生的错误以 *sourceError 返回，便于调用方区分网络与磁盘故障。
func (s *DiskStore) Persist(ctx context.Context, path string, body io.Reader, size int64) (int64, error) {
	dir := filepath.Dir(path)
	tempFile, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return 0, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	if err == nil && size >= 0 && written != size {
		err = &sourceError{err: fmt.Errorf("short body: got %d of %d bytes: %w", written, size, io.ErrUnexpectedEOF)}
	}
	if err == nil {
		err = tempFile.Sync()
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return written, err
	}

	if err := os.Chmod(tempName, 0o644); err != nil {
		os.Remove(tempName)
		return written, err
	}
	if err := os.Rename(tempName, path); err != nil {
		os.Remove(tempName)
		return written, err
	}
	return written, nil
}

// sourceError 标记读取源数据时的失败。
type sourceError struct {
	err error
}

func (e *sourceError) Error() string { return e.err.Error() }

func (e *sourceError) Unwrap() error { return e.err }

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, &sourceError{err: err}
		}
	}
}

func withinDir(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
