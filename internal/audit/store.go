package audit

import (
	"context"
	"sync"

	"operative/pkg/types"
)

// Store 审计记录持久化，只追加
type Store interface {
	// Append 写入一条记录；同一租户的 Sequence 冲突必须返回错误
	Append(ctx context.Context, rec types.AuditRecord) error
	// Latest 返回租户最后一条记录，不存在时返回 nil, nil
	Latest(ctx context.Context, tenantID string) (*types.AuditRecord, error)
	// List 返回租户最新的 limit 条记录，按链顺序（旧到新）；limit <= 0 返回全部
	List(ctx context.Context, tenantID string, limit int) ([]types.AuditRecord, error)
}

// MemoryStore 进程内存储，每个租户最多保留 retention 条最新记录
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string][]types.AuditRecord
	retention int
}

// NewMemoryStore retention <= 0 表示不限制
func NewMemoryStore(retention int) *MemoryStore {
	return &MemoryStore{
		records:   make(map[string][]types.AuditRecord),
		retention: retention,
	}
}

func (s *MemoryStore) Append(_ context.Context, rec types.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.records[rec.TenantID]
	if n := len(list); n > 0 && list[n-1].Sequence >= rec.Sequence {
		return ErrSequenceConflict
	}
	list = append(list, rec)
	if s.retention > 0 && len(list) > s.retention {
		list = append([]types.AuditRecord(nil), list[len(list)-s.retention:]...)
	}
	s.records[rec.TenantID] = list
	return nil
}

func (s *MemoryStore) Latest(_ context.Context, tenantID string) (*types.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.records[tenantID]
	if len(list) == 0 {
		return nil, nil
	}
	rec := list[len(list)-1]
	return &rec, nil
}

func (s *MemoryStore) List(_ context.Context, tenantID string, limit int) ([]types.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.records[tenantID]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]types.AuditRecord, len(list))
	copy(out, list)
	return out, nil
}
