package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"operative/internal/approval"
	"operative/internal/logger"
	"operative/internal/worker/tasks"
	"operative/pkg/types"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// ApprovalStore 读取审批记录并回写执行结果
type ApprovalStore interface {
	Get(ctx context.Context, tenantID, id string) (*approval.PendingAction, error)
	MarkExecuted(ctx context.Context, tenantID, id string, result *types.OperativeResult) error
}

// ActionRunner 执行动作的网关入口
type ActionRunner interface {
	Execute(ctx context.Context, tenantID string, input map[string]any, actionType types.ActionType, forceExecute bool) (*types.OperativeResult, error)
}

// ApprovedActionHandler 执行已批准的动作。
// 人工批准视为强制执行，但熔断、安全过滤与每日配额仍然生效。
type ApprovedActionHandler struct {
	store  ApprovalStore
	runner ActionRunner
	logger *zap.Logger
}

// NewApprovedActionHandler 创建处理器
func NewApprovedActionHandler(store ApprovalStore, runner ActionRunner, log *zap.Logger) *ApprovedActionHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ApprovedActionHandler{store: store, runner: runner, logger: log}
}

// HandleExecuteApproved 处理 operative:execute_approved 任务
func (h *ApprovedActionHandler) HandleExecuteApproved(ctx context.Context, t *asynq.Task) error {
	var p tasks.ExecuteApprovedPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("解析任务载荷失败: %v: %w", err, asynq.SkipRetry)
	}
	if p.ApprovalID == "" || p.TenantID == "" {
		return fmt.Errorf("任务载荷缺少 approval_id 或 tenant_id: %w", asynq.SkipRetry)
	}

	ctx = logger.WithTenantID(ctx, p.TenantID)
	log := logger.FromContext(ctx, h.logger).With(zap.String("approval_id", p.ApprovalID))

	action, err := h.store.Get(ctx, p.TenantID, p.ApprovalID)
	if errors.Is(err, approval.ErrNotFound) {
		log.Warn("审批记录不存在，跳过")
		return nil
	}
	if err != nil {
		return err
	}
	if action.Status != approval.StatusApproved {
		// 重复投递或已处理
		log.Info("审批记录不处于已批准状态，跳过", zap.String("status", string(action.Status)))
		return nil
	}

	actionType, err := types.ParseActionType(action.ActionType)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	result, err := h.runner.Execute(ctx, action.TenantID, map[string]any(action.Input), actionType, true)
	if err != nil {
		log.Error("执行已批准动作失败", zap.Error(err))
		return err
	}

	if err := h.store.MarkExecuted(ctx, action.TenantID, action.ID, result); err != nil {
		log.Error("回写执行结果失败", zap.Error(err))
		return err
	}

	log.Info("已批准动作执行完成",
		zap.String("status", string(result.Status)),
		zap.String("audit_hash", result.AuditHash),
	)
	return nil
}
