package circuit

import (
	"fmt"
	"sync"
	"time"

	"operative/internal/metrics"
	"operative/pkg/types"

	"go.uber.org/zap"
)

// Clock 时间源，测试中可替换为模拟时钟
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Config 熔断器参数
type Config struct {
	FailureThreshold int           // 连续失败多少次后打开
	ResetTimeout     time.Duration // 打开后多久进入半开
}

// DefaultConfig 默认 5 次失败、60 秒冷却
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
	}
}

// Breaker 按租户维护熔断状态。
//
// 同一租户的读写由该租户自己的锁串行化，不同租户之间互不竞争；
// states 表本身只在懒创建租户状态时加写锁。
type Breaker struct {
	cfg    Config
	clock  Clock
	logger *zap.Logger

	mu     sync.RWMutex
	states map[string]*tenantState
}

type tenantState struct {
	mu            sync.Mutex
	phase         types.CircuitPhase
	failures      int
	lastFailure   time.Time
	probeInFlight bool
}

// Option 自定义配置
type Option func(*Breaker)

// WithClock 注入时钟
func WithClock(c Clock) Option {
	return func(b *Breaker) { b.clock = c }
}

// WithLogger 注入日志器
func WithLogger(l *zap.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

// New 创建熔断器，非法参数回落到默认值
func New(cfg Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	b := &Breaker{
		cfg:    cfg,
		clock:  wallClock{},
		logger: zap.NewNop(),
		states: make(map[string]*tenantState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Config 返回生效的参数
func (b *Breaker) Config() Config {
	return b.cfg
}

func (b *Breaker) state(tenantID string) *tenantState {
	b.mu.RLock()
	st, ok := b.states[tenantID]
	b.mu.RUnlock()
	if ok {
		return st
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok = b.states[tenantID]; ok {
		return st
	}
	st = &tenantState{phase: types.CircuitClosed}
	b.states[tenantID] = st
	return st
}

// CanExecute 判断本次尝试是否放行。
// 打开状态超过 ResetTimeout 后转为半开，并且只放行接下来的一次探测。
func (b *Breaker) CanExecute(tenantID string) (bool, string) {
	st := b.state(tenantID)
	st.mu.Lock()
	defer st.mu.Unlock()

	switch st.phase {
	case types.CircuitOpen:
		if b.clock.Now().Sub(st.lastFailure) < b.cfg.ResetTimeout {
			return false, fmt.Sprintf("circuit breaker open: %d failures", st.failures)
		}
		b.transition(tenantID, st, types.CircuitHalfOpen)
		st.probeInFlight = true
		return true, ""
	case types.CircuitHalfOpen:
		if st.probeInFlight {
			return false, fmt.Sprintf("circuit breaker half-open: probe in flight after %d failures", st.failures)
		}
		st.probeInFlight = true
		return true, ""
	default:
		return true, ""
	}
}

// RecordSuccess 一次执行成功：关闭熔断并清零计数
func (b *Breaker) RecordSuccess(tenantID string) {
	st := b.state(tenantID)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.failures = 0
	st.probeInFlight = false
	if st.phase != types.CircuitClosed {
		b.transition(tenantID, st, types.CircuitClosed)
	}
}

// RecordFailure 一次执行失败：半开探测失败立即重新打开，关闭状态累计到阈值后打开
func (b *Breaker) RecordFailure(tenantID string) {
	st := b.state(tenantID)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.failures++
	st.lastFailure = b.clock.Now()
	st.probeInFlight = false

	switch st.phase {
	case types.CircuitHalfOpen:
		b.transition(tenantID, st, types.CircuitOpen)
	case types.CircuitClosed:
		if st.failures >= b.cfg.FailureThreshold {
			b.transition(tenantID, st, types.CircuitOpen)
		}
	}
}

// Release 归还未被使用的半开探测名额（请求在执行前被安全过滤或审批拦截时调用）
func (b *Breaker) Release(tenantID string) {
	st := b.state(tenantID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.phase == types.CircuitHalfOpen {
		st.probeInFlight = false
	}
}

// State 返回租户状态快照
func (b *Breaker) State(tenantID string) types.CircuitState {
	st := b.state(tenantID)
	st.mu.Lock()
	defer st.mu.Unlock()

	snap := types.CircuitState{
		TenantID:      tenantID,
		Phase:         st.phase,
		Failures:      st.failures,
		ProbeInFlight: st.probeInFlight,
	}
	if !st.lastFailure.IsZero() {
		t := st.lastFailure
		snap.LastFailureTime = &t
	}
	return snap
}

// transition 调用方需持有 st.mu
func (b *Breaker) transition(tenantID string, st *tenantState, to types.CircuitPhase) {
	from := st.phase
	st.phase = to
	metrics.CircuitState.WithLabelValues(tenantID).Set(phaseValue(to))
	metrics.CircuitTransitionsTotal.WithLabelValues(string(to)).Inc()
	b.logger.Info("熔断状态变更",
		zap.String("tenant_id", tenantID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("failures", st.failures),
	)
}

func phaseValue(p types.CircuitPhase) float64 {
	switch p {
	case types.CircuitOpen:
		return 2
	case types.CircuitHalfOpen:
		return 1
	default:
		return 0
	}
}
