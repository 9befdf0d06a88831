package analysis

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"operative/pkg/types"
)

// PassthroughAnalyzer 直接读取上游已经给出的评分。
// 输入中的 confidence / riskLevel（或 risk_level）被提取，其余字段原样透传。
type PassthroughAnalyzer struct{}

// NewPassthroughAnalyzer 创建透传分析器
func NewPassthroughAnalyzer() *PassthroughAnalyzer {
	return &PassthroughAnalyzer{}
}

func (PassthroughAnalyzer) Analyze(_ context.Context, input map[string]any) (types.AnalysisResult, error) {
	return FromMap(input), nil
}

// FromMap 将任意结构转换为分析结果，缺失或非法的评分使用默认值
func FromMap(m map[string]any) types.AnalysisResult {
	res := types.AnalysisResult{
		Confidence: types.DefaultConfidence,
		RiskLevel:  types.DefaultRiskLevel,
		Fields:     make(map[string]any, len(m)),
	}
	for k, v := range m {
		switch k {
		case "confidence":
			if f, ok := toFloat(v); ok {
				res.Confidence = f
			}
		case "riskLevel", "risk_level":
			if s, ok := v.(string); ok {
				res.RiskLevel = types.RiskLevel(strings.ToLower(strings.TrimSpace(s)))
			}
		default:
			res.Fields[k] = v
		}
	}
	return res.Normalize()
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
