package operative

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	response "operative/api/handlers/common"
	"operative/internal/approval"
	"operative/internal/audit"
	"operative/internal/auth"
	"operative/internal/logger"
	gateway "operative/internal/operative"
	"operative/internal/tenant"
	"operative/pkg/types"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// 角色
const (
	RoleApprover = "approver"
	RoleAdmin    = "admin"
)

const (
	defaultAuditLimit    = 100
	maxAuditLimit        = 10000
	defaultApprovalLimit = 50
)

// Gateway 网关操作
type Gateway interface {
	Execute(ctx context.Context, tenantID string, input map[string]any, actionType types.ActionType, forceExecute bool) (*types.OperativeResult, error)
	CircuitState(tenantID string) types.CircuitState
	AuditTrail(ctx context.Context, tenantID string, limit int) ([]types.AuditRecord, error)
	VerifyAuditTrail(ctx context.Context, tenantID string) (audit.VerifyResult, error)
}

// Approvals 审批队列操作
type Approvals interface {
	Get(ctx context.Context, tenantID, id string) (*approval.PendingAction, error)
	List(ctx context.Context, tenantID string, status approval.Status, limit int) ([]approval.PendingAction, error)
	Approve(ctx context.Context, tenantID, id, decidedBy, comment string) (*approval.PendingAction, error)
	Reject(ctx context.Context, tenantID, id, decidedBy, reason string) (*approval.PendingAction, error)
}

// Policies 租户策略读写
type Policies interface {
	Load(ctx context.Context, tenantID string) (types.TenantPolicy, error)
	Save(ctx context.Context, p types.TenantPolicy) (types.TenantPolicy, error)
}

// Handler 网关 HTTP 处理器
type Handler struct {
	gateway   Gateway
	approvals Approvals
	policies  Policies
	now       func() time.Time
	logger    *zap.Logger
}

// NewHandler 创建处理器；approvals 为 nil 时审批接口返回 503
func NewHandler(gw Gateway, approvals Approvals, policies Policies, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		gateway:   gw,
		approvals: approvals,
		policies:  policies,
		now:       time.Now,
		logger:    log,
	}
}

// ExecuteRequest 执行请求
type ExecuteRequest struct {
	ActionType   string         `json:"actionType" binding:"required"`
	Input        map[string]any `json:"input"`
	ForceExecute bool           `json:"forceExecute"`
}

// DecisionRequest 审批决定
type DecisionRequest struct {
	Comment string `json:"comment"`
	Reason  string `json:"reason"`
}

// Execute 提交一次动作
// @Summary 提交动作到执行网关
// @Tags Operative
// @Router /api/operative/execute [post]
func (h *Handler) Execute(c *gin.Context) {
	tc, ok := tenantOf(c)
	if !ok {
		return
	}

	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "参数错误: "+err.Error())
		return
	}
	actionType, err := types.ParseActionType(req.ActionType)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.ForceExecute && !hasRole(tc, RoleApprover, RoleAdmin) {
		c.JSON(http.StatusForbidden, response.ErrorResponse{Success: false, Code: "FORBIDDEN", Message: "强制执行需要审批权限"})
		return
	}

	result, err := h.gateway.Execute(c.Request.Context(), tc.TenantID, req.Input, actionType, req.ForceExecute)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: result})
}

// CircuitState 查询租户熔断状态
// @Router /api/operative/circuit [get]
func (h *Handler) CircuitState(c *gin.Context) {
	tc, ok := tenantOf(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: h.gateway.CircuitState(tc.TenantID)})
}

// AuditTrail 查询或导出审计记录
// @Router /api/operative/audit [get]
func (h *Handler) AuditTrail(c *gin.Context) {
	tc, ok := tenantOf(c)
	if !ok {
		return
	}
	limit, err := queryLimit(c, defaultAuditLimit, maxAuditLimit)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	records, err := h.gateway.AuditTrail(c.Request.Context(), tc.TenantID, limit)
	if err != nil {
		h.fail(c, err)
		return
	}

	format := c.Query("format")
	if format == "" {
		c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: gin.H{
			"tenantId": tc.TenantID,
			"records":  records,
			"count":    len(records),
		}})
		return
	}

	exported, err := audit.Export(tc.TenantID, records, audit.ExportFormat(format), h.now())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", exported.Filename))
	c.Data(http.StatusOK, exported.ContentType, exported.Data)
}

// VerifyAuditTrail 校验租户审计链
// @Router /api/operative/audit/verify [get]
func (h *Handler) VerifyAuditTrail(c *gin.Context) {
	tc, ok := tenantOf(c)
	if !ok {
		return
	}
	result, err := h.gateway.VerifyAuditTrail(c.Request.Context(), tc.TenantID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: result})
}

// ListApprovals 列出审批记录
// @Router /api/operative/approvals [get]
func (h *Handler) ListApprovals(c *gin.Context) {
	tc, ok := h.approvalTenant(c)
	if !ok {
		return
	}
	limit, err := queryLimit(c, defaultApprovalLimit, 500)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	status := approval.Status(c.DefaultQuery("status", string(approval.StatusPending)))

	actions, err := h.approvals.List(c.Request.Context(), tc.TenantID, status, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: actions})
}

// GetApproval 查询单条审批记录
// @Router /api/operative/approvals/{id} [get]
func (h *Handler) GetApproval(c *gin.Context) {
	tc, ok := h.approvalTenant(c)
	if !ok {
		return
	}
	action, err := h.approvals.Get(c.Request.Context(), tc.TenantID, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: action})
}

// Approve 批准延后的动作
// @Router /api/operative/approvals/{id}/approve [post]
func (h *Handler) Approve(c *gin.Context) {
	tc, ok := h.approvalTenant(c)
	if !ok {
		return
	}
	var req DecisionRequest
	_ = c.ShouldBindJSON(&req)

	action, err := h.approvals.Approve(c.Request.Context(), tc.TenantID, c.Param("id"), tc.UserID, req.Comment)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Message: "已批准", Data: action})
}

// Reject 拒绝延后的动作
// @Router /api/operative/approvals/{id}/reject [post]
func (h *Handler) Reject(c *gin.Context) {
	tc, ok := h.approvalTenant(c)
	if !ok {
		return
	}
	var req DecisionRequest
	_ = c.ShouldBindJSON(&req)
	reason := req.Reason
	if reason == "" {
		reason = req.Comment
	}

	action, err := h.approvals.Reject(c.Request.Context(), tc.TenantID, c.Param("id"), tc.UserID, reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Message: "已拒绝", Data: action})
}

// GetPolicy 查询当前租户策略
// @Router /api/operative/policy [get]
func (h *Handler) GetPolicy(c *gin.Context) {
	tc, ok := tenantOf(c)
	if !ok {
		return
	}
	p, err := h.policies.Load(c.Request.Context(), tc.TenantID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: p})
}

// UpdatePolicy 更新当前租户策略
// @Router /api/operative/policy [put]
func (h *Handler) UpdatePolicy(c *gin.Context) {
	tc, ok := tenantOf(c)
	if !ok {
		return
	}
	var p types.TenantPolicy
	if err := c.ShouldBindJSON(&p); err != nil {
		badRequest(c, "参数错误: "+err.Error())
		return
	}
	// 只能修改自己租户的策略
	p.TenantID = tc.TenantID

	saved, err := h.policies.Save(c.Request.Context(), p)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Message: "策略已更新", Data: saved})
}

func (h *Handler) approvalTenant(c *gin.Context) (tenant.TenantContext, bool) {
	if h.approvals == nil {
		c.JSON(http.StatusServiceUnavailable, response.ErrorResponse{Success: false, Code: "APPROVALS_DISABLED", Message: "审批队列未启用"})
		return tenant.TenantContext{}, false
	}
	return tenantOf(c)
}

// fail 将错误映射为 HTTP 状态码
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		c.JSON(http.StatusNotFound, response.ErrorResponse{Success: false, Code: "NOT_FOUND", Message: "审批记录不存在"})
	case errors.Is(err, approval.ErrNotPending):
		c.JSON(http.StatusConflict, response.ErrorResponse{Success: false, Code: "NOT_PENDING", Message: "审批记录已处理"})
	case errors.Is(err, types.ErrInvalidPolicy):
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Code: "INVALID_POLICY", Message: err.Error()})
	case errors.Is(err, gateway.ErrInvalidActionType):
		badRequest(c, err.Error())
	default:
		logger.FromContext(c.Request.Context(), h.logger).Error("请求处理失败",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Code: "INTERNAL", Message: "内部错误"})
	}
}

func tenantOf(c *gin.Context) (tenant.TenantContext, bool) {
	tc, ok := tenant.FromContext(c.Request.Context())
	if !ok || tc.TenantID == "" {
		c.JSON(http.StatusUnauthorized, response.ErrorResponse{Success: false, Message: "未认证"})
		return tenant.TenantContext{}, false
	}
	return tc, true
}

func hasRole(tc tenant.TenantContext, roles ...string) bool {
	u := auth.UserContext{Roles: tc.Roles}
	return u.HasRole(roles...)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Code: "BAD_REQUEST", Message: msg})
}

func queryLimit(c *gin.Context, def, max int) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit 必须为正整数")
	}
	if n > max {
		n = max
	}
	return n, nil
}
