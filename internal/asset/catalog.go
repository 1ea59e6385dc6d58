package asset

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/socketkill/nebula/internal/cache"
	"github.com/socketkill/nebula/internal/config"
)

var (
	// ErrUnknownKind 表示路由中的资源类型未在配置中声明。
	ErrUnknownKind = errors.New("unknown asset kind")
	// ErrInvalidID 表示资源 ID 不是正整数。
	ErrInvalidID = errors.New("invalid asset id")
)

// Kind 描述一种资源类型及其磁盘目录与回源模板。
type Kind struct {
	Name      string
	Directory string
	Upstream  string
	Extension string
	Summary   string
}

// Key 返回全局唯一的缓存键，例如 ship_603。类型名仅含小写字母，ID 仅含数字，
// 因此不同类型之间不会冲突。
func (k Kind) Key(id string) string {
	return k.Name + "_" + id
}

// RemoteURL 将 Upstream 模板中的 {id} 替换为实际 ID。
func (k Kind) RemoteURL(id string) string {
	return strings.ReplaceAll(k.Upstream, config.IDPlaceholder, id)
}

// Request 是一次渲染请求解析后的结果，Asset 可直接交给 AssetCache。
type Request struct {
	Kind  Kind
	ID    string
	Asset cache.AssetRequest
}

// Catalog 提供类型名到 Kind 的查询能力，启动时由配置构建一次并在请求间共享。
type Catalog struct {
	root    string
	kinds   map[string]*Kind
	ordered []*Kind
}

// NewCatalog 根据配置构建资源目录，要求配置已通过 Validate。
func NewCatalog(cfg *config.Config) (*Catalog, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	root, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	catalog := &Catalog{
		root:  root,
		kinds: make(map[string]*Kind, len(cfg.Assets)),
	}
	for _, asset := range cfg.Assets {
		name := normalizeKind(asset.Kind)
		if name == "" {
			return nil, errors.New("asset kind is required")
		}
		if _, exists := catalog.kinds[name]; exists {
			return nil, fmt.Errorf("asset kind %s already registered", name)
		}
		kind := &Kind{
			Name:      name,
			Directory: asset.Directory,
			Upstream:  asset.Upstream,
			Extension: asset.Extension,
			Summary:   asset.Summary,
		}
		catalog.kinds[name] = kind
		catalog.ordered = append(catalog.ordered, kind)
	}
	return catalog, nil
}

// Lookup 返回指定类型名的 Kind，大小写不敏感。
func (c *Catalog) Lookup(name string) (Kind, bool) {
	if c == nil {
		return Kind{}, false
	}
	kind, ok := c.kinds[normalizeKind(name)]
	if !ok {
		return Kind{}, false
	}
	return *kind, true
}

// Resolve 将路由参数转换为 AssetRequest。ID 必须是不带前导零的正整数，
// 保证同一资源只有一个缓存键与一个磁盘路径。
func (c *Catalog) Resolve(kindName, rawID string) (Request, error) {
	kind, ok := c.Lookup(kindName)
	if !ok {
		return Request{}, fmt.Errorf("%w: %s", ErrUnknownKind, kindName)
	}
	id, err := canonicalID(rawID)
	if err != nil {
		return Request{}, err
	}
	return Request{
		Kind: kind,
		ID:   id,
		Asset: cache.AssetRequest{
			Key:       kind.Key(id),
			LocalPath: filepath.Join(c.root, filepath.FromSlash(kind.Directory), id+kind.Extension),
			RemoteURL: kind.RemoteURL(id),
		},
	}, nil
}

// List 返回按类型名排序的 Kind 列表。
func (c *Catalog) List() []Kind {
	if c == nil || len(c.ordered) == 0 {
		return nil
	}
	result := make([]Kind, len(c.ordered))
	for i, kind := range c.ordered {
		result[i] = *kind
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

// Directories 返回 DiskStore 需要在启动时创建的子目录（配置顺序）。
func (c *Catalog) Directories() []string {
	if c == nil {
		return nil
	}
	dirs := make([]string, len(c.ordered))
	for i, kind := range c.ordered {
		dirs[i] = kind.Directory
	}
	return dirs
}

func canonicalID(raw string) (string, error) {
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || value == 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, raw)
	}
	id := strconv.FormatUint(value, 10)
	if id != raw {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, raw)
	}
	return id, nil
}

func normalizeKind(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
