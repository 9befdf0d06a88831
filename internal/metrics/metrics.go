package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// API 指标
var (
	// APIRequestsTotal API 请求总数
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "operative_api_requests_total",
			Help: "API 请求总数",
		},
		[]string{"method", "path", "status"},
	)

	// APIRequestDuration API 请求延迟（秒）
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "operative_api_request_duration_seconds",
			Help:    "API 请求延迟分布",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// 网关决策指标
var (
	// RequestsTotal 网关请求总数，按终态统计
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "operative_requests_total",
			Help: "网关请求总数",
		},
		[]string{"status", "action_type"},
	)

	// RequestDuration 网关处理耗时（秒）
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "operative_request_duration_seconds",
			Help:    "网关单次请求处理耗时分布",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"action_type"},
	)

	// AnalysisDegradedTotal 分析失败后降级次数
	AnalysisDegradedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "operative_analysis_degraded_total",
			Help: "分析器失败并使用降级结果的次数",
		},
	)

	// ExecutorCallsTotal 执行器调用次数
	ExecutorCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "operative_executor_calls_total",
			Help: "执行器调用总数",
		},
		[]string{"action_type", "status"},
	)

	// ExecutorCallDuration 执行器调用耗时（秒）
	ExecutorCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "operative_executor_call_duration_seconds",
			Help:    "执行器调用耗时分布",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"action_type"},
	)
)

// 熔断与审计指标
var (
	// CircuitState 熔断状态：0=closed 1=half_open 2=open
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "operative_circuit_state",
			Help: "租户熔断状态（0 关闭，1 半开，2 打开）",
		},
		[]string{"tenant_id"},
	)

	// CircuitTransitionsTotal 熔断状态切换次数
	CircuitTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "operative_circuit_transitions_total",
			Help: "熔断状态切换次数",
		},
		[]string{"to"},
	)

	// AuditRecordsTotal 写入的审计记录数
	AuditRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "operative_audit_records_total",
			Help: "写入的审计记录总数",
		},
		[]string{"status"},
	)

	// AuditSinkErrorsTotal 审计旁路输出失败次数
	AuditSinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "operative_audit_sink_errors_total",
			Help: "审计旁路输出失败次数",
		},
		[]string{"sink"},
	)
)

// 审批指标
var (
	// ApprovalPendingGauge 当前待审批动作数量
	ApprovalPendingGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "operative_approval_pending",
			Help: "当前待审批动作数量",
		},
		[]string{"tenant_id"},
	)

	// ApprovalDecisionsTotal 审批决策次数
	ApprovalDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "operative_approval_decisions_total",
			Help: "审批决策次数",
		},
		[]string{"decision"},
	)
)

// 数据库指标
var (
	// DBConnections 数据库连接数
	DBConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "operative_db_connections",
			Help: "数据库连接数",
		},
		[]string{"state"}, // state: open, in_use, idle
	)
)

// RecordExecutorCall 包装一次执行器调用并记录耗时与结果
func RecordExecutorCall(actionType string, fn func() error) error {
	start := time.Now()
	err := fn()
	ExecutorCallDuration.WithLabelValues(actionType).Observe(time.Since(start).Seconds())

	status := "success"
	if err != nil {
		status = "failed"
	}
	ExecutorCallsTotal.WithLabelValues(actionType, status).Inc()
	return err
}

// RecordRequest 记录一次网关请求的终态与耗时
func RecordRequest(status, actionType string, elapsed time.Duration) {
	RequestsTotal.WithLabelValues(status, actionType).Inc()
	RequestDuration.WithLabelValues(actionType).Observe(elapsed.Seconds())
}
