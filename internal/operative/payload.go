package operative

import (
	"time"

	"operative/pkg/types"
)

// contentKeys 分析结果中可作为执行内容的字段，按优先级排列
var contentKeys = []string{"generatedContent", "content", "recommendation", "output"}

// resolveContent 取分析结果中第一个非空的内容字段，都没有时回退到输入的 content
func resolveContent(analysis types.AnalysisResult, input map[string]any) any {
	for _, k := range contentKeys {
		v, ok := analysis.Fields[k]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && s == "" {
			continue
		}
		return v
	}
	return input["content"]
}

// buildPayload 组装交给执行器的载荷
func buildPayload(content any, analysis types.AnalysisResult, input map[string]any, actionType types.ActionType, tenantID string, now time.Time) map[string]any {
	return map[string]any{
		"content":       content,
		"analysis":      analysis.ToMap(),
		"originalInput": input,
		"actionType":    string(actionType),
		"metadata": map[string]any{
			"tenantId":  tenantID,
			"timestamp": now.UTC().Format(time.RFC3339Nano),
		},
	}
}
