package autonomy

import (
	"fmt"

	"operative/pkg/types"
)

// Decision 自治判定结果
type Decision struct {
	AutoExecute bool
	Reason      string
}

// ShouldAutoExecute 根据自治级别、置信度阈值和风险等级判断是否无需人工审批。
// manual 从不自动执行；full_auto 总是执行（安全过滤已在此前完成）；
// semi 要求置信度不低于阈值且风险不是 high/critical。
func ShouldAutoExecute(level types.AutonomyLevel, threshold, confidence float64, risk types.RiskLevel) bool {
	return Decide(level, threshold, confidence, risk).AutoExecute
}

// Decide 与 ShouldAutoExecute 相同，并附带可读的原因
func Decide(level types.AutonomyLevel, threshold, confidence float64, risk types.RiskLevel) Decision {
	switch level {
	case types.AutonomyFullAuto:
		return Decision{AutoExecute: true, Reason: "full_auto autonomy"}
	case types.AutonomySemi:
		// NaN 与任何阈值比较都为 false，需按不满足处理
		if !(confidence >= threshold) {
			return Decision{Reason: fmt.Sprintf("confidence %.2f below threshold %.2f", confidence, threshold)}
		}
		if risk.IsElevated() {
			return Decision{Reason: fmt.Sprintf("risk level %s requires approval", risk)}
		}
		return Decision{AutoExecute: true, Reason: "confidence and risk within semi autonomy limits"}
	default:
		return Decision{Reason: "manual autonomy requires approval"}
	}
}

// ForPolicy 使用租户策略与分析结果判定
func ForPolicy(policy types.TenantPolicy, analysis types.AnalysisResult) Decision {
	return Decide(policy.AutonomyLevel, policy.ConfidenceThreshold, analysis.Confidence, analysis.RiskLevel)
}
