package types

import (
	"fmt"
	"math"
	"time"
)

// ActionType 网关可拦截的动作类型（编译期固定的封闭枚举）
type ActionType string

const (
	ActionPublishContent ActionType = "publish_content" // 发布内容
	ActionSendMessage    ActionType = "send_message"    // 发送消息
	ActionPostSocial     ActionType = "post_social"     // 社交媒体发帖
	ActionReply          ActionType = "reply"           // 回复
	ActionUpdateCampaign ActionType = "update_campaign" // 修改营销活动
	ActionPersonalize    ActionType = "personalize"     // 个性化
	ActionOrchestrate    ActionType = "orchestrate"     // 编排
	ActionAnalyzeOnly    ActionType = "analyze_only"    // 仅分析
)

// AllActionTypes 返回全部动作类型
func AllActionTypes() []ActionType {
	return []ActionType{
		ActionPublishContent,
		ActionSendMessage,
		ActionPostSocial,
		ActionReply,
		ActionUpdateCampaign,
		ActionPersonalize,
		ActionOrchestrate,
		ActionAnalyzeOnly,
	}
}

// Valid 是否为已定义的动作类型
func (a ActionType) Valid() bool {
	for _, t := range AllActionTypes() {
		if t == a {
			return true
		}
	}
	return false
}

// IsMessaging 是否为需要校验收件人数量的消息类动作
func (a ActionType) IsMessaging() bool {
	return a == ActionSendMessage
}

// ParseActionType 解析动作类型，未知值返回错误
func ParseActionType(s string) (ActionType, error) {
	a := ActionType(s)
	if !a.Valid() {
		return "", fmt.Errorf("未知的动作类型: %q", s)
	}
	return a, nil
}

// AutonomyLevel 租户自治级别
type AutonomyLevel string

const (
	AutonomyManual   AutonomyLevel = "manual"    // 从不自动执行
	AutonomySemi     AutonomyLevel = "semi"      // 置信度达标且风险不高时自动执行
	AutonomyFullAuto AutonomyLevel = "full_auto" // 安全与熔断检查通过即执行
)

// Valid 是否为已定义的自治级别
func (l AutonomyLevel) Valid() bool {
	switch l {
	case AutonomyManual, AutonomySemi, AutonomyFullAuto:
		return true
	}
	return false
}

// RiskLevel 风险等级
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Valid 是否为已定义的风险等级
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// IsElevated high 与 critical 视为高风险
func (r RiskLevel) IsElevated() bool {
	return r == RiskHigh || r == RiskCritical
}

// ExecutionStatus 请求的终态
type ExecutionStatus string

const (
	StatusSuccess         ExecutionStatus = "success"
	StatusFailed          ExecutionStatus = "failed"
	StatusPendingApproval ExecutionStatus = "pending_approval"
	StatusBlockedSafety   ExecutionStatus = "blocked_safety"
	StatusBlockedCircuit  ExecutionStatus = "blocked_circuit"
)

// 分析结果缺失字段时使用的默认值
const (
	DefaultConfidence = 0.5
	DefaultRiskLevel  = RiskMedium
)

// AnalysisResult 分析器的输出。
// Confidence 与 RiskLevel 是网关唯一关心的字段，其余字段原样透传。
type AnalysisResult struct {
	Confidence float64        `json:"confidence"`
	RiskLevel  RiskLevel      `json:"riskLevel"`
	Fields     map[string]any `json:"fields,omitempty"`
	Degraded   bool           `json:"degraded,omitempty"` // 分析失败后使用了降级结果
	Error      string         `json:"error,omitempty"`
}

// DegradedAnalysis 分析失败时的降级结果
func DegradedAnalysis(err error) AnalysisResult {
	res := AnalysisResult{
		Confidence: DefaultConfidence,
		RiskLevel:  DefaultRiskLevel,
		Degraded:   true,
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// Normalize 补齐缺失、越界或非有限值的置信度与风险等级
func (a AnalysisResult) Normalize() AnalysisResult {
	if math.IsNaN(a.Confidence) || math.IsInf(a.Confidence, 0) || a.Confidence < 0 || a.Confidence > 1 {
		a.Confidence = DefaultConfidence
	}
	if !a.RiskLevel.Valid() {
		a.RiskLevel = DefaultRiskLevel
	}
	return a
}

// ToMap 转换为透传给执行器和审计的通用结构
func (a AnalysisResult) ToMap() map[string]any {
	m := make(map[string]any, len(a.Fields)+4)
	for k, v := range a.Fields {
		m[k] = v
	}
	m["confidence"] = a.Confidence
	m["riskLevel"] = string(a.RiskLevel)
	if a.Degraded {
		m["degraded"] = true
	}
	if a.Error != "" {
		m["error"] = a.Error
	}
	return m
}

// OperativeResult 网关对一次请求的响应，返回后不可变
type OperativeResult struct {
	Status           ExecutionStatus `json:"status"`
	Analysis         AnalysisResult  `json:"analysis"`
	ExecutionResult  map[string]any  `json:"executionResult,omitempty"`
	Error            string          `json:"error,omitempty"`
	Reason           string          `json:"reason,omitempty"`
	Confidence       float64         `json:"confidence"`
	RiskLevel        RiskLevel       `json:"riskLevel"`
	RequiresApproval bool            `json:"requiresApproval"`
	ApprovalID       string          `json:"approvalId,omitempty"`
	AuditHash        string          `json:"auditHash"`
	Timestamp        time.Time       `json:"timestamp"`
	ProcessingTime   time.Duration   `json:"processingTime"`
}

// CircuitPhase 熔断器阶段
type CircuitPhase string

const (
	CircuitClosed   CircuitPhase = "closed"
	CircuitOpen     CircuitPhase = "open"
	CircuitHalfOpen CircuitPhase = "half_open"
)

// CircuitState 单个租户熔断状态快照
type CircuitState struct {
	TenantID        string       `json:"tenantId"`
	Phase           CircuitPhase `json:"phase"`
	Failures        int          `json:"failures"`
	LastFailureTime *time.Time   `json:"lastFailureTime,omitempty"`
	ProbeInFlight   bool         `json:"probeInFlight,omitempty"`
}

// AuditRecord 哈希链审计记录，只追加、不可修改
type AuditRecord struct {
	Sequence     int64           `json:"sequence"`
	Timestamp    string          `json:"timestamp"` // RFC3339Nano, UTC
	TenantID     string          `json:"tenantId"`
	ActionType   ActionType      `json:"actionType"`
	Status       ExecutionStatus `json:"status"`
	InputHash    string          `json:"inputHash"`
	OutputHash   string          `json:"outputHash"`
	PreviousHash string          `json:"previousHash"`
	SelfHash     string          `json:"selfHash"`
}
