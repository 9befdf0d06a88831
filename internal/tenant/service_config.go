package tenant

import (
	"context"
	"errors"
	"fmt"

	"operative/pkg/types"

	"go.uber.org/zap"
)

// Loader resolves the execution policy for a tenant.
type Loader interface {
	Load(ctx context.Context, tenantID string) (types.TenantPolicy, error)
}

// RuleValidator checks a custom rule before a policy is stored.
type RuleValidator func(types.CustomRule) error

// PolicyService reads policies through the cache, falls back to the documented
// default when nothing is stored, and validates policies on write.
type PolicyService struct {
	repo         Repository
	cache        PolicyCache
	validateRule RuleValidator
	logger       *zap.Logger
}

// ServiceOption 自定义配置
type ServiceOption func(*PolicyService)

// WithCache sets the policy cache.
func WithCache(c PolicyCache) ServiceOption {
	return func(s *PolicyService) { s.cache = c }
}

// WithRuleValidator sets the custom rule validator used by Save.
func WithRuleValidator(v RuleValidator) ServiceOption {
	return func(s *PolicyService) { s.validateRule = v }
}

// WithLogger 注入日志器
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *PolicyService) { s.logger = l }
}

// NewPolicyService constructs a PolicyService over the given repository.
func NewPolicyService(repo Repository, opts ...ServiceOption) *PolicyService {
	s := &PolicyService{repo: repo, logger: zap.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Load returns the tenant's policy, or DefaultPolicy when none is stored.
// A malformed stored policy is reported as ErrInvalidPolicy.
func (s *PolicyService) Load(ctx context.Context, tenantID string) (types.TenantPolicy, error) {
	if tenantID == "" {
		return types.TenantPolicy{}, fmt.Errorf("%w: tenant id is empty", ErrInvalidPolicy)
	}

	// 先查缓存
	if s.cache != nil {
		if p, ok := s.cache.Get(ctx, tenantID); ok {
			return *p, nil
		}
	}

	var policy types.TenantPolicy
	stored, err := s.repo.Get(ctx, tenantID)
	switch {
	case errors.Is(err, ErrNotFound):
		policy = types.DefaultPolicy(tenantID)
	case err != nil:
		return types.TenantPolicy{}, fmt.Errorf("加载租户策略失败: %w", err)
	default:
		policy = *stored
	}

	if err := policy.Validate(); err != nil {
		s.logger.Error("租户策略无效", zap.String("tenant_id", tenantID), zap.Error(err))
		return types.TenantPolicy{}, err
	}

	if s.cache != nil {
		s.cache.Set(ctx, policy)
	}
	return policy, nil
}

// Save validates and stores a policy, then drops the cached copy.
func (s *PolicyService) Save(ctx context.Context, p types.TenantPolicy) (types.TenantPolicy, error) {
	if err := p.Validate(); err != nil {
		return types.TenantPolicy{}, err
	}
	if s.validateRule != nil {
		for _, r := range p.CustomRules {
			if err := s.validateRule(r); err != nil {
				return types.TenantPolicy{}, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
			}
		}
	}

	if err := s.repo.Save(ctx, p); err != nil {
		return types.TenantPolicy{}, err
	}
	if s.cache != nil {
		s.cache.Invalidate(ctx, p.TenantID)
	}
	s.logger.Info("租户策略已更新",
		zap.String("tenant_id", p.TenantID),
		zap.String("autonomy_level", string(p.AutonomyLevel)),
		zap.Float64("confidence_threshold", p.ConfidenceThreshold),
	)
	return p, nil
}

// List returns all stored policies.
func (s *PolicyService) List(ctx context.Context) ([]types.TenantPolicy, error) {
	return s.repo.List(ctx)
}
