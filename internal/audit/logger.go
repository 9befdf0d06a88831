package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"operative/internal/metrics"
	"operative/pkg/types"

	"go.uber.org/zap"
)

// ErrSequenceConflict 同一租户的序号已被占用（通常是另一个实例并发写入）
var ErrSequenceConflict = errors.New("audit sequence conflict")

// Trail 按租户维护的哈希链审计日志。
//
// 每个租户有独立的追加锁，保证同一租户的两次追加不会读到同一个 previousHash；
// 不同租户之间互不阻塞。
type Trail struct {
	store  Store
	sinks  []Sink
	now    func() time.Time
	logger *zap.Logger

	mu     sync.Mutex
	chains map[string]*chainHead
}

type chainHead struct {
	mu       sync.Mutex
	loaded   bool
	sequence int64
	lastHash string
}

// Option 自定义配置
type Option func(*Trail)

// WithSinks 追加旁路输出
func WithSinks(sinks ...Sink) Option {
	return func(t *Trail) { t.sinks = append(t.sinks, sinks...) }
}

// WithClock 注入时间源
func WithClock(now func() time.Time) Option {
	return func(t *Trail) { t.now = now }
}

// WithLogger 注入日志器
func WithLogger(l *zap.Logger) Option {
	return func(t *Trail) { t.logger = l }
}

// NewTrail 创建审计链，store 为空时使用不限量的内存存储
func NewTrail(store Store, opts ...Option) *Trail {
	if store == nil {
		store = NewMemoryStore(0)
	}
	t := &Trail{
		store:  store,
		now:    time.Now,
		logger: zap.NewNop(),
		chains: make(map[string]*chainHead),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

func (t *Trail) head(tenantID string) *chainHead {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.chains[tenantID]
	if !ok {
		h = &chainHead{}
		t.chains[tenantID] = h
	}
	return h
}

// CreateEntry 追加一条记录并返回其 selfHash
func (t *Trail) CreateEntry(ctx context.Context, tenantID string, actionType types.ActionType, status types.ExecutionStatus, input, output any) (string, error) {
	inputHash, err := HashPayload(input)
	if err != nil {
		return "", fmt.Errorf("计算输入哈希失败: %w", err)
	}
	outputHash, err := HashPayload(output)
	if err != nil {
		return "", fmt.Errorf("计算输出哈希失败: %w", err)
	}

	h := t.head(tenantID)
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.loaded {
		if err := t.resume(ctx, tenantID, h); err != nil {
			return "", err
		}
	}

	rec := types.AuditRecord{
		Sequence:     h.sequence + 1,
		Timestamp:    t.now().UTC().Format(time.RFC3339Nano),
		TenantID:     tenantID,
		ActionType:   actionType,
		Status:       status,
		InputHash:    inputHash,
		OutputHash:   outputHash,
		PreviousHash: h.lastHash,
	}
	if rec.SelfHash, err = ComputeSelfHash(rec); err != nil {
		return "", err
	}

	if err := t.store.Append(ctx, rec); err != nil {
		// 链头可能已被其他实例推进，任何写入失败后都在下次追加前重新加载
		h.loaded = false
		return "", fmt.Errorf("追加审计记录失败: %w", err)
	}
	h.sequence = rec.Sequence
	h.lastHash = rec.SelfHash
	metrics.AuditRecordsTotal.WithLabelValues(string(status)).Inc()

	for _, s := range t.sinks {
		if err := s.Emit(ctx, rec); err != nil {
			metrics.AuditSinkErrorsTotal.WithLabelValues(s.Name()).Inc()
			t.logger.Warn("审计旁路输出失败",
				zap.String("sink", s.Name()),
				zap.String("tenant_id", tenantID),
				zap.Int64("sequence", rec.Sequence),
				zap.Error(err),
			)
		}
	}

	return rec.SelfHash, nil
}

// resume 从存储恢复链头，调用方需持有 h.mu
func (t *Trail) resume(ctx context.Context, tenantID string, h *chainHead) error {
	last, err := t.store.Latest(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("加载审计链头失败: %w", err)
	}
	if last == nil {
		h.sequence = 0
		h.lastHash = GenesisHash
	} else {
		h.sequence = last.Sequence
		h.lastHash = last.SelfHash
	}
	h.loaded = true
	return nil
}

// List 返回租户最新的 limit 条记录（旧到新）
func (t *Trail) List(ctx context.Context, tenantID string, limit int) ([]types.AuditRecord, error) {
	return t.store.List(ctx, tenantID, limit)
}

// Verify 校验租户存储中的全部记录
func (t *Trail) Verify(ctx context.Context, tenantID string) (VerifyResult, error) {
	records, err := t.store.List(ctx, tenantID, 0)
	if err != nil {
		return VerifyResult{}, err
	}
	return Verify(records), nil
}
