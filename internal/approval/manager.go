package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"operative/internal/metrics"
	"operative/internal/worker/tasks"
	"operative/pkg/types"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrNotFound 审批记录不存在或不属于该租户
	ErrNotFound = errors.New("approval: not found")
	// ErrNotPending 审批记录已处理过
	ErrNotPending = errors.New("approval: not pending")
	// ErrNotApproved 审批记录尚未批准，不能执行
	ErrNotApproved = errors.New("approval: not approved")
)

// Dispatcher 投递审批通过后的执行任务
type Dispatcher interface {
	EnqueueExecuteApproved(ctx context.Context, payload tasks.ExecuteApprovedPayload) error
}

// SubmitRequest 网关延后一个动作时提交的内容
type SubmitRequest struct {
	TenantID   string
	ActionType types.ActionType
	Input      map[string]any
	Analysis   types.AnalysisResult
	Reason     string
	AuditHash  string
}

// Manager 审批队列
type Manager struct {
	db         *gorm.DB
	dispatcher Dispatcher
	now        func() time.Time
	logger     *zap.Logger
}

// ManagerOption 自定义配置
type ManagerOption func(*Manager)

// WithDispatcher 注入任务投递器，未注入时批准只更新状态
func WithDispatcher(d Dispatcher) ManagerOption {
	return func(m *Manager) { m.dispatcher = d }
}

// WithClock 注入时间源
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithManagerLogger 注入自定义日志器
func WithManagerLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager 创建审批管理器
func NewManager(db *gorm.DB, opts ...ManagerOption) *Manager {
	m := &Manager{
		db:     db,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// AutoMigrate 自动迁移表结构
func (m *Manager) AutoMigrate() error {
	return m.db.AutoMigrate(&PendingAction{})
}

// Submit 保存被延后的动作并返回审批 ID
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	action := &PendingAction{
		TenantID:   req.TenantID,
		ActionType: string(req.ActionType),
		Input:      datatypes.JSONMap(req.Input),
		Analysis:   datatypes.JSONMap(req.Analysis.ToMap()),
		Confidence: req.Analysis.Confidence,
		RiskLevel:  string(req.Analysis.RiskLevel),
		Reason:     req.Reason,
		AuditHash:  req.AuditHash,
		Status:     StatusPending,
	}
	if err := m.db.WithContext(ctx).Create(action).Error; err != nil {
		return "", fmt.Errorf("创建审批请求失败: %w", err)
	}

	metrics.ApprovalPendingGauge.WithLabelValues(req.TenantID).Inc()
	m.logger.Info("动作等待审批",
		zap.String("approval_id", action.ID),
		zap.String("tenant_id", req.TenantID),
		zap.String("action_type", string(req.ActionType)),
		zap.String("reason", req.Reason),
	)
	return action.ID, nil
}

// Get 按租户读取审批记录
func (m *Manager) Get(ctx context.Context, tenantID, id string) (*PendingAction, error) {
	var action PendingAction
	err := m.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Take(&action).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询审批请求失败: %w", err)
	}
	return &action, nil
}

// List 按创建时间倒序列出租户的审批记录，status 为空表示全部
func (m *Manager) List(ctx context.Context, tenantID string, status Status, limit int) ([]PendingAction, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q := m.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if status != "" {
		q = q.Where("status = ?", status)
	}

	var actions []PendingAction
	if err := q.Order("created_at DESC").Limit(limit).Find(&actions).Error; err != nil {
		return nil, fmt.Errorf("查询审批列表失败: %w", err)
	}
	return actions, nil
}

// Approve 批准动作并在提交后投递执行任务；投递失败时状态恢复为 pending
func (m *Manager) Approve(ctx context.Context, tenantID, id, decidedBy, comment string) (*PendingAction, error) {
	action, err := m.resolve(ctx, m.db, tenantID, id, StatusApproved, decidedBy, comment)
	if err != nil {
		return nil, err
	}

	if m.dispatcher != nil {
		err := m.dispatcher.EnqueueExecuteApproved(ctx, tasks.ExecuteApprovedPayload{
			ApprovalID: action.ID,
			TenantID:   action.TenantID,
			ApprovedBy: decidedBy,
		})
		if err != nil {
			m.revertToPending(ctx, tenantID, id)
			return nil, fmt.Errorf("投递执行任务失败: %w", err)
		}
	}

	m.recordDecision(action.TenantID, "approved")
	m.logger.Info("审批通过", zap.String("approval_id", id), zap.String("tenant_id", tenantID), zap.String("decided_by", decidedBy))
	return action, nil
}

// revertToPending 投递失败后的补偿更新，仅作用于仍为 approved 的记录
func (m *Manager) revertToPending(ctx context.Context, tenantID, id string) {
	err := m.db.WithContext(ctx).Model(&PendingAction{}).
		Where("id = ? AND tenant_id = ? AND status = ?", id, tenantID, StatusApproved).
		Updates(map[string]any{
			"status":      StatusPending,
			"decided_by":  "",
			"comment":     "",
			"resolved_at": nil,
			"updated_at":  m.now().UTC(),
		}).Error
	if err != nil {
		m.logger.Error("恢复审批状态失败", zap.String("approval_id", id), zap.Error(err))
	}
}

// Reject 拒绝动作，拒绝后不会执行
func (m *Manager) Reject(ctx context.Context, tenantID, id, decidedBy, reason string) (*PendingAction, error) {
	action, err := m.resolve(ctx, m.db, tenantID, id, StatusRejected, decidedBy, reason)
	if err != nil {
		return nil, err
	}
	m.recordDecision(action.TenantID, "rejected")
	m.logger.Info("审批拒绝", zap.String("approval_id", id), zap.String("tenant_id", tenantID), zap.String("decided_by", decidedBy))
	return action, nil
}

// resolve 仅当记录仍为 pending 时更新状态
func (m *Manager) resolve(ctx context.Context, db *gorm.DB, tenantID, id string, to Status, decidedBy, comment string) (*PendingAction, error) {
	now := m.now().UTC()
	res := db.WithContext(ctx).Model(&PendingAction{}).
		Where("id = ? AND tenant_id = ? AND status = ?", id, tenantID, StatusPending).
		Updates(map[string]any{
			"status":      to,
			"decided_by":  decidedBy,
			"comment":     comment,
			"resolved_at": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("更新审批状态失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := m.getWith(ctx, db, tenantID, id); err != nil {
			return nil, err
		}
		return nil, ErrNotPending
	}
	return m.getWith(ctx, db, tenantID, id)
}

func (m *Manager) getWith(ctx context.Context, db *gorm.DB, tenantID, id string) (*PendingAction, error) {
	var action PendingAction
	err := db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).Take(&action).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询审批请求失败: %w", err)
	}
	return &action, nil
}

// MarkExecuted 记录执行结果；只有已批准的记录可以写入
func (m *Manager) MarkExecuted(ctx context.Context, tenantID, id string, result *types.OperativeResult) error {
	status := StatusFailed
	if result.Status == types.StatusSuccess {
		status = StatusExecuted
	}
	errText := result.Error
	if errText == "" && result.Status != types.StatusSuccess {
		errText = fmt.Sprintf("%s: %s", result.Status, result.Reason)
	}

	now := m.now().UTC()
	res := m.db.WithContext(ctx).Model(&PendingAction{}).
		Where("id = ? AND tenant_id = ? AND status = ?", id, tenantID, StatusApproved).
		Updates(map[string]any{
			"status":      status,
			"result":      datatypes.JSONMap(result.ExecutionResult),
			"error":       errText,
			"audit_hash":  result.AuditHash,
			"executed_at": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return fmt.Errorf("记录执行结果失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := m.Get(ctx, tenantID, id); err != nil {
			return err
		}
		return ErrNotApproved
	}
	return nil
}

func (m *Manager) recordDecision(tenantID, decision string) {
	metrics.ApprovalPendingGauge.WithLabelValues(tenantID).Dec()
	metrics.ApprovalDecisionsTotal.WithLabelValues(decision).Inc()
}
