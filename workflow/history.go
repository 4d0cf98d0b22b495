package workflow

import (
	"slices"
	"sync"
	"time"
)

// HistoryStore 保存已结束运行的结果，超过容量时淘汰最早的记录
type HistoryStore struct {
	results map[string]*Result
	order   []string
	limit   int
	mu      sync.RWMutex
}

// NewHistoryStore 创建历史存储，limit <= 0 表示不限
func NewHistoryStore(limit int) *HistoryStore {
	return &HistoryStore{
		results: make(map[string]*Result),
		limit:   limit,
	}
}

// Save 保存结果副本
func (s *HistoryStore) Save(r *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.results[r.RunID]; !exists {
		s.order = append(s.order, r.RunID)
	}
	s.results[r.RunID] = r.Clone()

	for s.limit > 0 && len(s.order) > s.limit {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.results, oldest)
	}
}

// Get 按运行 ID 查找
func (s *HistoryStore) Get(runID string) (*Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[runID]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Len 当前保存的记录数
func (s *HistoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// List 按开始时间返回全部记录
func (s *HistoryStore) List() []*Result {
	return s.filter(func(*Result) bool { return true })
}

// ListByWorkflow 返回某个工作流的记录
func (s *HistoryStore) ListByWorkflow(workflow string) []*Result {
	return s.filter(func(r *Result) bool { return r.Workflow == workflow })
}

// ListByStatus 返回指定总体状态的记录
func (s *HistoryStore) ListByStatus(status Status) []*Result {
	return s.filter(func(r *Result) bool { return r.Status == status })
}

// ListByTimeRange 返回开始时间落在 [start, end] 内的记录
func (s *HistoryStore) ListByTimeRange(start, end time.Time) []*Result {
	return s.filter(func(r *Result) bool {
		return !r.StartedAt.Before(start) && !r.StartedAt.After(end)
	})
}

func (s *HistoryStore) filter(keep func(*Result) bool) []*Result {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Result
	for _, id := range s.order {
		if r := s.results[id]; keep(r) {
			out = append(out, r.Clone())
		}
	}
	slices.SortStableFunc(out, func(a, b *Result) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}
