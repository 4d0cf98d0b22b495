package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/BaSui01/grantflow/types"
)

// Key 缓存键：实体 + 属性命名空间
type Key struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Namespace  string `json:"namespace"`
}

// NewKey 根据实体与命名空间构造缓存键
func NewKey(ref types.EntityRef, namespace string) Key {
	return Key{EntityType: ref.Type, EntityID: ref.ID, Namespace: namespace}
}

// Entity 返回键所属实体
func (k Key) Entity() types.EntityRef {
	return types.EntityRef{Type: k.EntityType, ID: k.EntityID}
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s/%s", k.EntityType, k.EntityID, k.Namespace)
}

// Entry 缓存条目。Payload 为 JSON；落冷层时按命名空间策略可能被压缩。
type Entry struct {
	EntityType string     `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	Namespace  string     `json:"namespace"`
	Payload    []byte     `json:"payload"`
	Compressed bool       `json:"compressed,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Size       int        `json:"size"`
}

// entryOverhead 粗略估计键与元数据占用
const entryOverhead = 96

func newEntry(k Key, payload []byte, createdAt time.Time, ttl time.Duration) *Entry {
	e := &Entry{
		EntityType: k.EntityType,
		EntityID:   k.EntityID,
		Namespace:  k.Namespace,
		Payload:    payload,
		CreatedAt:  createdAt,
	}
	if ttl > 0 {
		exp := createdAt.Add(ttl)
		e.ExpiresAt = &exp
	}
	e.Size = len(payload) + len(k.EntityType) + len(k.EntityID) + len(k.Namespace) + entryOverhead
	return e
}

// Key 返回条目的缓存键
func (e *Entry) Key() Key {
	return Key{EntityType: e.EntityType, EntityID: e.EntityID, Namespace: e.Namespace}
}

// Expired 判断条目在 now 时刻是否已过期
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// Decode 将 JSON 载荷解码到 dest
func (e *Entry) Decode(dest any) error {
	if e.Compressed {
		return fmt.Errorf("cache: entry %s is still compressed", e.Key())
	}
	return json.Unmarshal(e.Payload, dest)
}

// Clone 深拷贝条目，调用方可任意修改返回值
func (e *Entry) Clone() *Entry {
	cp := *e
	cp.Payload = append([]byte(nil), e.Payload...)
	if e.ExpiresAt != nil {
		exp := *e.ExpiresAt
		cp.ExpiresAt = &exp
	}
	return &cp
}
