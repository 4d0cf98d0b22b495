package cache

import (
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// shard 一个分片：热层 LRU + write-behind 缓冲。
//
// mu 只保护内存结构，绝不跨越存储 I/O 持有；ioMu 串行化同一分片的冷层变更
// （落盘与删除），保证冷层最终状态与最后一次内存写入一致。
type shard struct {
	mu   sync.Mutex
	ioMu sync.Mutex

	hot      *simplelru.LRU[Key, *Entry]
	bytes    int64
	maxBytes int64

	// pending 尚未落冷层的最新条目，独立于 LRU，热层淘汰不会丢数据
	pending map[Key]*Entry

	// writeSeq 每次 Put/Invalidate 递增，read-through 据此放弃过时的回填
	writeSeq uint64

	explicit  bool
	evictions uint64
	onEvict   func(Key)
}

func newShard(maxItems int, maxBytes int64, onEvict func(Key)) *shard {
	if maxItems <= 0 {
		maxItems = math.MaxInt32
	}
	s := &shard{
		maxBytes: maxBytes,
		pending:  make(map[Key]*Entry),
		onEvict:  onEvict,
	}
	// size > 0 时 NewLRU 不会返回错误
	s.hot, _ = simplelru.NewLRU[Key, *Entry](maxItems, s.evicted)
	return s
}

// evicted 是 LRU 的移除回调：所有移除都要更新字节数，只有容量淘汰才计数
func (s *shard) evicted(k Key, e *Entry) {
	s.bytes -= int64(e.Size)
	if !s.explicit {
		s.evictions++
		if s.onEvict != nil {
			s.onEvict(k)
		}
	}
}

// addHot 写入热层并按字节上限淘汰；调用方持有 mu
func (s *shard) addHot(k Key, e *Entry) {
	s.removeHot(k)
	s.hot.Add(k, e)
	s.bytes += int64(e.Size)
	if s.maxBytes <= 0 {
		return
	}
	for s.bytes > s.maxBytes && s.hot.Len() > 0 {
		s.hot.RemoveOldest()
	}
}

// removeHot 主动移除，不计入淘汰；调用方持有 mu
func (s *shard) removeHot(k Key) {
	s.explicit = true
	s.hot.Remove(k)
	s.explicit = false
}

// removeEntity 移除实体在热层与缓冲中的全部条目；调用方持有 mu
func (s *shard) removeEntity(entityType, entityID string) {
	for _, k := range s.hot.Keys() {
		if k.EntityType == entityType && k.EntityID == entityID {
			s.removeHot(k)
		}
	}
	for k := range s.pending {
		if k.EntityType == entityType && k.EntityID == entityID {
			delete(s.pending, k)
		}
	}
}

func (s *shard) pendingKeys() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]Key, 0, len(s.pending))
	for k := range s.pending {
		keys = append(keys, k)
	}
	return keys
}
