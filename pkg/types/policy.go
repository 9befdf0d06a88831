package types

import (
	"errors"
	"fmt"
)

// ErrInvalidPolicy 租户策略格式错误，属于无法在请求内恢复的配置问题
var ErrInvalidPolicy = errors.New("invalid tenant policy")

// 租户未配置策略时使用的默认值
const (
	DefaultAutonomyLevel       = AutonomySemi
	DefaultConfidenceThreshold = 0.75
)

// CustomRule 租户自定义规则，Expression 为布尔表达式，结果为 false 时拒绝
type CustomRule struct {
	Name       string `json:"name" yaml:"name"`
	Expression string `json:"expression" yaml:"expression"`
}

// TenantPolicy 租户执行策略，请求内只读
type TenantPolicy struct {
	TenantID            string        `json:"tenantId" yaml:"tenant_id"`
	AutonomyLevel       AutonomyLevel `json:"autonomyLevel" yaml:"autonomy_level"`
	ConfidenceThreshold float64       `json:"confidenceThreshold" yaml:"confidence_threshold"`
	DailyActionCap      int           `json:"dailyActionCap" yaml:"daily_action_cap"` // 0 表示不限制
	AllowedActions      []ActionType  `json:"allowedActions,omitempty" yaml:"allowed_actions"`
	BlockedActions      []ActionType  `json:"blockedActions,omitempty" yaml:"blocked_actions"`
	BlockedKeywords     []string      `json:"blockedKeywords,omitempty" yaml:"blocked_keywords"`
	MaxContentLength    int           `json:"maxContentLength,omitempty" yaml:"max_content_length"` // 0 表示使用全局配置
	MaxRecipients       int           `json:"maxRecipients,omitempty" yaml:"max_recipients"`        // 0 表示使用全局配置
	CustomRules         []CustomRule  `json:"customRules,omitempty" yaml:"custom_rules"`
}

// DefaultPolicy 租户无存储策略时的默认策略
func DefaultPolicy(tenantID string) TenantPolicy {
	return TenantPolicy{
		TenantID:            tenantID,
		AutonomyLevel:       DefaultAutonomyLevel,
		ConfidenceThreshold: DefaultConfidenceThreshold,
	}
}

// Validate 校验策略，错误均包装 ErrInvalidPolicy
func (p TenantPolicy) Validate() error {
	if p.TenantID == "" {
		return fmt.Errorf("%w: tenant id is empty", ErrInvalidPolicy)
	}
	if !p.AutonomyLevel.Valid() {
		return fmt.Errorf("%w: unknown autonomy level %q", ErrInvalidPolicy, p.AutonomyLevel)
	}
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		return fmt.Errorf("%w: confidence threshold %v out of range [0,1]", ErrInvalidPolicy, p.ConfidenceThreshold)
	}
	if p.DailyActionCap < 0 || p.MaxContentLength < 0 || p.MaxRecipients < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidPolicy)
	}
	for _, a := range append(append([]ActionType{}, p.AllowedActions...), p.BlockedActions...) {
		if !a.Valid() {
			return fmt.Errorf("%w: unknown action type %q", ErrInvalidPolicy, a)
		}
	}
	for _, r := range p.CustomRules {
		if r.Name == "" || r.Expression == "" {
			return fmt.Errorf("%w: custom rule requires name and expression", ErrInvalidPolicy)
		}
	}
	return nil
}

// IsBlocked 动作是否在黑名单中
func (p TenantPolicy) IsBlocked(a ActionType) bool {
	return containsAction(p.BlockedActions, a)
}

// IsAllowed 白名单为空时放行所有动作
func (p TenantPolicy) IsAllowed(a ActionType) bool {
	if len(p.AllowedActions) == 0 {
		return true
	}
	return containsAction(p.AllowedActions, a)
}

func containsAction(list []ActionType, a ActionType) bool {
	for _, v := range list {
		if v == a {
			return true
		}
	}
	return false
}
