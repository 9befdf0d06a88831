package operative

import (
	"context"
	"errors"
	"fmt"
	"time"

	"operative/internal/approval"
	"operative/internal/audit"
	"operative/internal/autonomy"
	"operative/internal/circuit"
	"operative/internal/metrics"
	"operative/internal/quota"
	"operative/internal/safety"
	"operative/internal/tenant"
	"operative/pkg/types"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrInvalidActionType 动作类型不在封闭枚举内
var ErrInvalidActionType = errors.New("operative: invalid action type")

// Analyzer 分析器：评估输入并给出置信度与风险等级
type Analyzer interface {
	Analyze(ctx context.Context, input map[string]any) (types.AnalysisResult, error)
}

// Executor 执行器：完成真实的副作用动作
type Executor interface {
	Execute(ctx context.Context, actionType types.ActionType, payload map[string]any, tenantID string) (map[string]any, error)
}

// ApprovalQueue 保存被延后的动作，返回审批 ID
type ApprovalQueue interface {
	Submit(ctx context.Context, req approval.SubmitRequest) (string, error)
}

// Config 网关超时配置
type Config struct {
	AnalyzeTimeout time.Duration
	ExecuteTimeout time.Duration
}

// DefaultConfig 默认分析 30 秒、执行 60 秒
func DefaultConfig() Config {
	return Config{
		AnalyzeTimeout: 30 * time.Second,
		ExecuteTimeout: 60 * time.Second,
	}
}

// Gateway 执行网关：分析 → 熔断 → 安全过滤 → 自治判定 → 执行 → 审计
type Gateway struct {
	analyzer  Analyzer
	executor  Executor
	policies  tenant.Loader
	breaker   *circuit.Breaker
	filter    *safety.Filter
	trail     *audit.Trail
	approvals ApprovalQueue
	quota     quota.Counter
	cfg       Config
	now       func() time.Time
	logger    *zap.Logger
	tracer    trace.Tracer
}

// Option 自定义配置
type Option func(*Gateway)

// WithBreaker 注入熔断器
func WithBreaker(b *circuit.Breaker) Option {
	return func(g *Gateway) { g.breaker = b }
}

// WithSafetyFilter 注入安全过滤器
func WithSafetyFilter(f *safety.Filter) Option {
	return func(g *Gateway) { g.filter = f }
}

// WithAuditTrail 注入审计链
func WithAuditTrail(t *audit.Trail) Option {
	return func(g *Gateway) { g.trail = t }
}

// WithApprovalQueue 注入审批队列
func WithApprovalQueue(q ApprovalQueue) Option {
	return func(g *Gateway) { g.approvals = q }
}

// WithQuota 注入每日配额计数器
func WithQuota(c quota.Counter) Option {
	return func(g *Gateway) { g.quota = c }
}

// WithConfig 覆盖超时配置，非正数保留默认值
func WithConfig(cfg Config) Option {
	return func(g *Gateway) {
		if cfg.AnalyzeTimeout > 0 {
			g.cfg.AnalyzeTimeout = cfg.AnalyzeTimeout
		}
		if cfg.ExecuteTimeout > 0 {
			g.cfg.ExecuteTimeout = cfg.ExecuteTimeout
		}
	}
}

// WithClock 注入时间源
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithLogger 注入日志器
func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// New 创建网关；分析器、执行器和策略加载器必须提供
func New(analyzer Analyzer, executor Executor, policies tenant.Loader, opts ...Option) (*Gateway, error) {
	if analyzer == nil || executor == nil || policies == nil {
		return nil, errors.New("operative: analyzer, executor and policy loader are required")
	}
	g := &Gateway{
		analyzer: analyzer,
		executor: executor,
		policies: policies,
		cfg:      DefaultConfig(),
		now:      time.Now,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("operative/internal/operative"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	if g.breaker == nil {
		g.breaker = circuit.New(circuit.DefaultConfig(), circuit.WithLogger(g.logger))
	}
	if g.filter == nil {
		g.filter = safety.New(safety.DefaultConfig())
	}
	if g.trail == nil {
		g.trail = audit.NewTrail(nil, audit.WithLogger(g.logger))
	}
	return g, nil
}

// Execute 处理一次请求。
// 只有策略加载失败或动作类型非法会返回 error；其余结果（包括拦截与执行失败）都以状态返回。
func (g *Gateway) Execute(ctx context.Context, tenantID string, input map[string]any, actionType types.ActionType, forceExecute bool) (*types.OperativeResult, error) {
	start := g.now()
	ctx, span := g.tracer.Start(ctx, "Gateway.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("action.type", string(actionType)),
		attribute.Bool("force_execute", forceExecute),
	)

	if !actionType.Valid() {
		err := fmt.Errorf("%w: %q", ErrInvalidActionType, actionType)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	policy, err := g.policies.Load(ctx, tenantID)
	if err == nil {
		err = policy.Validate()
	}
	if err != nil {
		err = fmt.Errorf("加载租户策略失败: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if input == nil {
		input = map[string]any{}
	}

	analysis := g.analyze(ctx, tenantID, input)
	res := &types.OperativeResult{
		Analysis:   analysis,
		Confidence: analysis.Confidence,
		RiskLevel:  analysis.RiskLevel,
		Timestamp:  start.UTC(),
	}
	log := g.logger.With(
		zap.String("tenant_id", tenantID),
		zap.String("action_type", string(actionType)),
	)

	// 1. 熔断
	if ok, reason := g.breaker.CanExecute(tenantID); !ok {
		res.Status = types.StatusBlockedCircuit
		res.Reason = reason
		log.Warn("熔断拦截", zap.String("reason", reason))
		return g.finish(span, start, actionType, res), nil
	}

	// 2. 安全过滤
	content := resolveContent(analysis, input)
	if ok, reason := g.checkSafety(actionType, input, content, policy); !ok {
		g.breaker.Release(tenantID)
		res.Status = types.StatusBlockedSafety
		res.Reason = reason
		res.AuditHash = g.record(ctx, log, tenantID, actionType, res.Status, input, map[string]any{"reason": reason})
		log.Warn("安全过滤拦截", zap.String("reason", reason))
		return g.finish(span, start, actionType, res), nil
	}

	// 3. 自治判定
	decision := autonomy.ForPolicy(policy, analysis)
	if !forceExecute && !decision.AutoExecute {
		g.breaker.Release(tenantID)
		res.Status = types.StatusPendingApproval
		res.RequiresApproval = true
		res.Reason = decision.Reason
		res.AuditHash = g.record(ctx, log, tenantID, actionType, res.Status, input, map[string]any{
			"reason":   decision.Reason,
			"analysis": analysis.ToMap(),
		})
		res.ApprovalID = g.submitApproval(ctx, log, tenantID, actionType, input, analysis, decision.Reason, res.AuditHash)
		log.Info("动作等待审批", zap.String("reason", decision.Reason), zap.String("approval_id", res.ApprovalID))
		return g.finish(span, start, actionType, res), nil
	}

	// 4. 每日配额
	if ok, reason := g.reserveQuota(ctx, log, tenantID, policy); !ok {
		g.breaker.Release(tenantID)
		res.Status = types.StatusBlockedSafety
		res.Reason = reason
		res.AuditHash = g.record(ctx, log, tenantID, actionType, res.Status, input, map[string]any{"reason": reason})
		log.Warn("每日配额拦截", zap.String("reason", reason))
		return g.finish(span, start, actionType, res), nil
	}

	// 5. 执行
	payload := buildPayload(content, analysis, input, actionType, tenantID, g.now())
	out, execErr := g.execute(ctx, actionType, payload, tenantID)
	if execErr != nil {
		g.breaker.RecordFailure(tenantID)
		res.Status = types.StatusFailed
		res.Error = execErr.Error()
		res.AuditHash = g.record(ctx, log, tenantID, actionType, res.Status, input, map[string]any{"error": execErr.Error()})
		log.Error("动作执行失败", zap.Error(execErr))
		return g.finish(span, start, actionType, res), nil
	}

	g.breaker.RecordSuccess(tenantID)
	res.Status = types.StatusSuccess
	res.ExecutionResult = out
	res.AuditHash = g.record(ctx, log, tenantID, actionType, res.Status, input, out)
	log.Info("动作执行成功", zap.Bool("force_execute", forceExecute))
	return g.finish(span, start, actionType, res), nil
}

// analyze 分析失败、超时或 panic 都降级为 0.5/medium
func (g *Gateway) analyze(ctx context.Context, tenantID string, input map[string]any) (result types.AnalysisResult) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.AnalyzeTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			result = g.degrade(tenantID, fmt.Errorf("analyzer panic: %v", r))
		}
	}()

	res, err := g.analyzer.Analyze(ctx, input)
	if err != nil {
		return g.degrade(tenantID, err)
	}
	return res.Normalize()
}

func (g *Gateway) degrade(tenantID string, err error) types.AnalysisResult {
	metrics.AnalysisDegradedTotal.Inc()
	g.logger.Warn("分析失败，使用降级结果", zap.String("tenant_id", tenantID), zap.Error(err))
	return types.DegradedAnalysis(err)
}

// execute 取消、超时与 panic 都作为普通执行失败返回
func (g *Gateway) execute(ctx context.Context, actionType types.ActionType, payload map[string]any, tenantID string) (out map[string]any, err error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.ExecuteTimeout)
	defer cancel()

	err = metrics.RecordExecutorCall(string(actionType), func() (callErr error) {
		defer func() {
			if r := recover(); r != nil {
				callErr = fmt.Errorf("executor panic: %v", r)
			}
		}()
		out, callErr = g.executor.Execute(ctx, actionType, payload, tenantID)
		if callErr == nil && ctx.Err() != nil {
			callErr = ctx.Err()
		}
		return callErr
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// checkSafety 校验原始输入；若实际要执行的内容来自分析结果，再校验一次该内容。
// 结构化内容（map / slice）按其中全部字符串拼接后检查。
func (g *Gateway) checkSafety(actionType types.ActionType, input map[string]any, content any, policy types.TenantPolicy) (bool, string) {
	if ok, reason := g.filter.Check(actionType, input, policy); !ok {
		return false, reason
	}
	text := safety.FlattenText(content)
	if text == "" || text == safety.TextContent(input) {
		return true, ""
	}
	proposed := make(map[string]any, len(input)+1)
	for k, v := range input {
		proposed[k] = v
	}
	proposed["content"] = text
	return g.filter.Check(actionType, proposed, policy)
}

// reserveQuota 配额后端不可用时拒绝执行
func (g *Gateway) reserveQuota(ctx context.Context, log *zap.Logger, tenantID string, policy types.TenantPolicy) (bool, string) {
	if policy.DailyActionCap <= 0 || g.quota == nil {
		return true, ""
	}
	ok, _, err := g.quota.Reserve(ctx, tenantID, policy.DailyActionCap)
	if err != nil {
		log.Error("每日配额检查失败", zap.Error(err))
		return false, "daily action cap check failed"
	}
	if !ok {
		return false, fmt.Sprintf("daily action cap reached: %d", policy.DailyActionCap)
	}
	return true, ""
}

// record 写审计；失败只记录日志，返回空哈希
func (g *Gateway) record(ctx context.Context, log *zap.Logger, tenantID string, actionType types.ActionType, status types.ExecutionStatus, input, output any) string {
	hash, err := g.trail.CreateEntry(ctx, tenantID, actionType, status, input, output)
	if err != nil {
		log.Error("写入审计记录失败", zap.String("status", string(status)), zap.Error(err))
		return ""
	}
	return hash
}

func (g *Gateway) submitApproval(ctx context.Context, log *zap.Logger, tenantID string, actionType types.ActionType, input map[string]any, analysis types.AnalysisResult, reason, auditHash string) string {
	if g.approvals == nil {
		return ""
	}
	id, err := g.approvals.Submit(ctx, approval.SubmitRequest{
		TenantID:   tenantID,
		ActionType: actionType,
		Input:      input,
		Analysis:   analysis,
		Reason:     reason,
		AuditHash:  auditHash,
	})
	if err != nil {
		log.Error("提交审批失败", zap.Error(err))
		return ""
	}
	return id
}

func (g *Gateway) finish(span trace.Span, start time.Time, actionType types.ActionType, res *types.OperativeResult) *types.OperativeResult {
	res.ProcessingTime = g.now().Sub(start)
	metrics.RecordRequest(string(res.Status), string(actionType), res.ProcessingTime)

	span.SetAttributes(
		attribute.String("operative.status", string(res.Status)),
		attribute.Float64("analysis.confidence", res.Confidence),
		attribute.String("analysis.risk_level", string(res.RiskLevel)),
	)
	if res.Status == types.StatusFailed {
		span.SetStatus(codes.Error, res.Error)
	}
	return res
}

// CircuitState 租户熔断状态
func (g *Gateway) CircuitState(tenantID string) types.CircuitState {
	return g.breaker.State(tenantID)
}

// AuditTrail 租户最新的 limit 条审计记录（旧到新）
func (g *Gateway) AuditTrail(ctx context.Context, tenantID string, limit int) ([]types.AuditRecord, error) {
	return g.trail.List(ctx, tenantID, limit)
}

// VerifyAuditTrail 校验租户的整条审计链
func (g *Gateway) VerifyAuditTrail(ctx context.Context, tenantID string) (audit.VerifyResult, error) {
	return g.trail.Verify(ctx, tenantID)
}
