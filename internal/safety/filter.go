package safety

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"unicode/utf8"

	"operative/pkg/types"

	"github.com/Knetic/govaluate"
)

// 默认限制
const (
	DefaultMaxContentLength = 10000
	DefaultMaxRecipients    = 1000
)

// Config 全局安全规则，租户策略可在此基础上追加关键词或覆盖上限
type Config struct {
	BlockedKeywords  []string
	MaxContentLength int
	MaxRecipients    int
}

// DefaultConfig 返回默认安全规则
func DefaultConfig() Config {
	return Config{
		MaxContentLength: DefaultMaxContentLength,
		MaxRecipients:    DefaultMaxRecipients,
	}
}

// Filter 无状态安全过滤器。
// 唯一的内部状态是已编译表达式的缓存，不影响 Check 的结果。
type Filter struct {
	cfg Config

	mu       sync.RWMutex
	compiled map[string]*govaluate.EvaluableExpression
}

// New 创建安全过滤器，非正数上限回落到默认值
func New(cfg Config) *Filter {
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = DefaultMaxContentLength
	}
	if cfg.MaxRecipients <= 0 {
		cfg.MaxRecipients = DefaultMaxRecipients
	}
	return &Filter{
		cfg:      cfg,
		compiled: make(map[string]*govaluate.EvaluableExpression),
	}
}

// Check 依次校验动作黑白名单、敏感词、内容长度、收件人数量和租户自定义规则，
// 命中第一条即返回拒绝原因。
func (f *Filter) Check(actionType types.ActionType, payload map[string]any, policy types.TenantPolicy) (bool, string) {
	if policy.IsBlocked(actionType) {
		return false, "action blocked for tenant"
	}
	if !policy.IsAllowed(actionType) {
		return false, "action not allowed for tenant"
	}

	contentLength := 0
	for _, text := range TextFields(payload) {
		if kw, hit := f.matchKeyword(text, policy.BlockedKeywords); hit {
			return false, fmt.Sprintf("blocked keyword detected: %s", kw)
		}
		contentLength += utf8.RuneCountInString(text)
	}

	maxLen := f.cfg.MaxContentLength
	if policy.MaxContentLength > 0 {
		maxLen = policy.MaxContentLength
	}
	if contentLength > maxLen {
		return false, fmt.Sprintf("content length %d exceeds maximum %d", contentLength, maxLen)
	}

	recipients := RecipientCount(payload)
	if actionType.IsMessaging() {
		maxRecipients := f.cfg.MaxRecipients
		if policy.MaxRecipients > 0 {
			maxRecipients = policy.MaxRecipients
		}
		if recipients > maxRecipients {
			return false, fmt.Sprintf("recipient count %d exceeds maximum %d", recipients, maxRecipients)
		}
	}

	if len(policy.CustomRules) > 0 {
		params := ruleParameters(actionType, payload, contentLength, recipients)
		for _, rule := range policy.CustomRules {
			if !f.evaluate(rule.Expression, params) {
				return false, fmt.Sprintf("custom rule violated: %s", rule.Name)
			}
		}
	}

	return true, ""
}

// matchKeyword 大小写不敏感的子串匹配，先全局后租户
func (f *Filter) matchKeyword(text string, tenantKeywords []string) (string, bool) {
	if text == "" {
		return "", false
	}
	lower := strings.ToLower(text)
	for _, list := range [][]string{f.cfg.BlockedKeywords, tenantKeywords} {
		for _, kw := range list {
			if kw == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(kw)) {
				return kw, true
			}
		}
	}
	return "", false
}

// evaluate 规则无法解析、求值出错或结果不是 true 均视为违反
func (f *Filter) evaluate(expr string, params map[string]any) bool {
	expression, err := f.expression(expr)
	if err != nil {
		return false
	}

	vars := make(map[string]any, len(params))
	for k, v := range params {
		vars[k] = v
	}
	for _, v := range expression.Vars() {
		if _, ok := vars[v]; !ok {
			vars[v] = nil
		}
	}

	result, err := expression.Evaluate(vars)
	if err != nil {
		return false
	}
	ok, isBool := result.(bool)
	return isBool && ok
}

func (f *Filter) expression(expr string) (*govaluate.EvaluableExpression, error) {
	f.mu.RLock()
	e, ok := f.compiled[expr]
	f.mu.RUnlock()
	if ok {
		return e, nil
	}

	e, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		return nil, fmt.Errorf("解析规则表达式失败: %w", err)
	}
	f.mu.Lock()
	f.compiled[expr] = e
	f.mu.Unlock()
	return e, nil
}

// ValidateRule 检查规则表达式能否被解析，供策略保存前校验
func ValidateRule(rule types.CustomRule) error {
	if _, err := govaluate.NewEvaluableExpression(rule.Expression); err != nil {
		return fmt.Errorf("规则 %s 表达式无效: %w", rule.Name, err)
	}
	return nil
}

// TextContent 取载荷中的文本内容，content 优先于 message
func TextContent(payload map[string]any) string {
	for _, key := range []string{"content", "message"} {
		if s, ok := payload[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// TextFields 载荷中需要检查的全部文本字段；content 与 message 同时存在时都要检查，长度合并计算
func TextFields(payload map[string]any) []string {
	var out []string
	for _, key := range []string{"content", "message"} {
		if s, ok := payload[key].(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// FlattenText 收集任意嵌套结构中的字符串叶子节点，按 map 键排序后用换行连接
func FlattenText(v any) string {
	var parts []string
	collectText(v, &parts)
	return strings.Join(parts, "\n")
}

func collectText(v any, parts *[]string) {
	switch val := v.(type) {
	case string:
		if val != "" {
			*parts = append(*parts, val)
		}
	case map[string]any:
		for _, k := range slices.Sorted(maps.Keys(val)) {
			collectText(val[k], parts)
		}
	case []any:
		for _, item := range val {
			collectText(item, parts)
		}
	case []string:
		for _, item := range val {
			collectText(item, parts)
		}
	case []map[string]any:
		for _, item := range val {
			collectText(item, parts)
		}
	}
}

// RecipientCount 收件人列表长度，字段缺失时为 0
func RecipientCount(payload map[string]any) int {
	switch v := payload["recipients"].(type) {
	case []any:
		return len(v)
	case []string:
		return len(v)
	case []map[string]any:
		return len(v)
	}
	return 0
}

func ruleParameters(actionType types.ActionType, payload map[string]any, contentLength, recipients int) map[string]any {
	params := make(map[string]any, len(payload)+3)
	for k, v := range payload {
		switch val := v.(type) {
		case string, bool, float64:
			params[k] = val
		case int:
			params[k] = float64(val)
		case int64:
			params[k] = float64(val)
		}
	}
	params["contentLength"] = float64(contentLength)
	params["recipientCount"] = float64(recipients)
	params["actionType"] = string(actionType)
	return params
}
