package tenant

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"operative/pkg/types"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

// MockRepository Mock实现
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Get(ctx context.Context, tenantID string) (*types.TenantPolicy, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.TenantPolicy), args.Error(1)
}

func (m *MockRepository) Save(ctx context.Context, p types.TenantPolicy) error {
	return m.Called(ctx, p).Error(0)
}

func (m *MockRepository) List(ctx context.Context) ([]types.TenantPolicy, error) {
	args := m.Called(ctx)
	return args.Get(0).([]types.TenantPolicy), args.Error(1)
}

func initTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:tenant_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	return db
}

func TestPolicyService_LoadDefaultsWhenMissing(t *testing.T) {
	repo := new(MockRepository)
	repo.On("Get", mock.Anything, "t1").Return(nil, ErrNotFound)
	svc := NewPolicyService(repo, WithLogger(zaptest.NewLogger(t)))

	p, err := svc.Load(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, types.AutonomySemi, p.AutonomyLevel)
	assert.Equal(t, 0.75, p.ConfidenceThreshold)
	assert.Equal(t, "t1", p.TenantID)
	repo.AssertExpectations(t)
}

func TestPolicyService_LoadRejectsMalformedPolicy(t *testing.T) {
	repo := new(MockRepository)
	repo.On("Get", mock.Anything, "t1").Return(&types.TenantPolicy{
		TenantID:            "t1",
		AutonomyLevel:       "yolo",
		ConfidenceThreshold: 0.5,
	}, nil)
	svc := NewPolicyService(repo)

	_, err := svc.Load(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestPolicyService_LoadPropagatesRepositoryError(t *testing.T) {
	repo := new(MockRepository)
	repo.On("Get", mock.Anything, "t1").Return(nil, errors.New("db down"))
	svc := NewPolicyService(repo)

	_, err := svc.Load(context.Background(), "t1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestPolicyService_CacheHitSkipsRepository(t *testing.T) {
	repo := new(MockRepository)
	repo.On("Get", mock.Anything, "t1").Return(&types.TenantPolicy{
		TenantID:            "t1",
		AutonomyLevel:       types.AutonomyManual,
		ConfidenceThreshold: 0.9,
	}, nil).Once()
	svc := NewPolicyService(repo, WithCache(NewInMemoryPolicyCache(time.Minute)))

	for i := 0; i < 3; i++ {
		p, err := svc.Load(context.Background(), "t1")
		require.NoError(t, err)
		assert.Equal(t, types.AutonomyManual, p.AutonomyLevel)
	}
	repo.AssertNumberOfCalls(t, "Get", 1)
}

func TestPolicyService_SaveInvalidatesCache(t *testing.T) {
	repo := NewMemoryRepository()
	svc := NewPolicyService(repo, WithCache(NewInMemoryPolicyCache(time.Minute)))
	ctx := context.Background()

	p, err := svc.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.AutonomySemi, p.AutonomyLevel)

	p.AutonomyLevel = types.AutonomyFullAuto
	_, err = svc.Save(ctx, p)
	require.NoError(t, err)

	p, err = svc.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.AutonomyFullAuto, p.AutonomyLevel)
}

func TestPolicyService_SaveValidatesRules(t *testing.T) {
	svc := NewPolicyService(NewMemoryRepository(), WithRuleValidator(func(r types.CustomRule) error {
		return errors.New("bad expression")
	}))
	p := types.DefaultPolicy("t1")
	p.CustomRules = []types.CustomRule{{Name: "r", Expression: "x >"}}

	_, err := svc.Save(context.Background(), p)
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestGormRepository_RoundTrip(t *testing.T) {
	repo := NewGormRepository(initTestDB(t))
	require.NoError(t, repo.AutoMigrate())
	ctx := context.Background()

	_, err := repo.Get(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotFound)

	p := types.TenantPolicy{
		TenantID:            "t1",
		AutonomyLevel:       types.AutonomyFullAuto,
		ConfidenceThreshold: 0.6,
		DailyActionCap:      10,
		AllowedActions:      []types.ActionType{types.ActionReply, types.ActionPostSocial},
		BlockedActions:      []types.ActionType{types.ActionSendMessage},
		BlockedKeywords:     []string{"casino"},
		CustomRules:         []types.CustomRule{{Name: "short", Expression: "contentLength < 280"}},
	}
	require.NoError(t, repo.Save(ctx, p))

	got, err := repo.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, p, *got)

	p.AutonomyLevel = types.AutonomyManual
	require.NoError(t, repo.Save(ctx, p))
	got, err = repo.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.AutonomyManual, got.AutonomyLevel)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRedisPolicyCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewRedisPolicyCache(client, time.Minute, nil)
	ctx := context.Background()

	_, ok := cache.Get(ctx, "t1")
	assert.False(t, ok)

	p := types.DefaultPolicy("t1")
	p.BlockedKeywords = []string{"spam"}
	cache.Set(ctx, p)

	got, ok := cache.Get(ctx, "t1")
	require.True(t, ok)
	assert.Equal(t, p, *got)

	mr.FastForward(2 * time.Minute)
	_, ok = cache.Get(ctx, "t1")
	assert.False(t, ok)

	cache.Set(ctx, p)
	cache.Invalidate(ctx, "t1")
	_, ok = cache.Get(ctx, "t1")
	assert.False(t, ok)
}

func TestParseSeed(t *testing.T) {
	raw := []byte(`
policies:
  - tenant_id: acme
    autonomy_level: full_auto
    confidence_threshold: 0.9
    daily_action_cap: 100
    blocked_actions: [send_message]
    blocked_keywords: [casino]
    custom_rules:
      - name: short
        expression: contentLength < 280
  - tenant_id: beta
`)
	policies, err := ParseSeed(raw)
	require.NoError(t, err)
	require.Len(t, policies, 2)
	assert.Equal(t, types.AutonomyFullAuto, policies[0].AutonomyLevel)
	assert.Equal(t, []types.ActionType{types.ActionSendMessage}, policies[0].BlockedActions)
	assert.Equal(t, "short", policies[0].CustomRules[0].Name)
	assert.Equal(t, types.AutonomySemi, policies[1].AutonomyLevel)
	assert.Equal(t, 0.75, policies[1].ConfidenceThreshold)

	_, err = ParseSeed([]byte("policies:\n  - tenant_id: x\n    autonomy_level: nope\n"))
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}
