package stats

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// 快照名称，对应 StoragePath 下的 <name>.json。
const (
	SnapshotServerStatus = "server_status"
	SnapshotNPCKills     = "npc_kills"
	SnapshotNPCLifetime  = "npc_lifetime"
)

// ErrUnknownSnapshot 表示请求的快照名不在白名单内。
var ErrUnknownSnapshot = errors.New("unknown snapshot")

// Names 返回可对外提供的快照名。
func Names() []string {
	return []string{SnapshotServerStatus, SnapshotNPCKills, SnapshotNPCLifetime}
}

// FileName 返回快照文件名；name 必须来自 Names。
func FileName(name string) (string, error) {
	for _, known := range Names() {
		if name == known {
			return name + ".json", nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownSnapshot, name)
}

// ServerStatus mirrors the ESI /status/ payload plus the time it was fetched.
type ServerStatus struct {
	Players       int       `json:"players"`
	ServerVersion string    `json:"server_version,omitempty"`
	StartTime     time.Time `json:"start_time"`
	VIP           bool      `json:"vip,omitempty"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// SystemKills is one row of /universe/system_kills/.
type SystemKills struct {
	SystemID  int64 `json:"system_id"`
	NPCKills  int64 `json:"npc_kills"`
	PodKills  int64 `json:"pod_kills"`
	ShipKills int64 `json:"ship_kills"`
}

// KillsSnapshot 是最近一个统计窗口（ESI 每小时刷新）的 NPC 击杀数据。
type KillsSnapshot struct {
	LastModified  string        `json:"last_modified,omitempty"`
	TotalNPCKills int64         `json:"total_npc_kills"`
	Systems       []SystemKills `json:"systems"`
	FetchedAt     time.Time     `json:"fetched_at"`
}

// Lifetime 累计所有已观察窗口的 NPC 击杀总数。LastWindow 记录最近一次累加时的
// Last-Modified，用于避免同一窗口被重复计数。
type Lifetime struct {
	TotalNPCKills int64     `json:"total_npc_kills"`
	Windows       int64     `json:"windows"`
	LastWindow    string    `json:"last_window,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

func sumNPCKills(rows []SystemKills) int64 {
	var total int64
	for _, row := range rows {
		total += row.NPCKills
	}
	return total
}

// loadLifetime 读取已有累计值；文件不存在时返回零值。
func loadLifetime(dir string) (Lifetime, error) {
	var lifetime Lifetime
	data, err := os.ReadFile(filepath.Join(dir, SnapshotNPCLifetime+".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return lifetime, nil
	}
	if err != nil {
		return lifetime, fmt.Errorf("read lifetime snapshot: %w", err)
	}
	if err := json.Unmarshal(data, &lifetime); err != nil {
		return lifetime, fmt.Errorf("decode lifetime snapshot: %w", err)
	}
	return lifetime, nil
}
