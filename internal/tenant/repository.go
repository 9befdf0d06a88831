package tenant

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"operative/pkg/types"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when no policy is stored for a tenant.
	ErrNotFound = errors.New("tenant: not found")
	// ErrInvalidPolicy is returned when a stored or submitted policy is malformed.
	ErrInvalidPolicy = types.ErrInvalidPolicy
)

// Repository persists tenant execution policies.
type Repository interface {
	Get(ctx context.Context, tenantID string) (*types.TenantPolicy, error)
	Save(ctx context.Context, p types.TenantPolicy) error
	List(ctx context.Context) ([]types.TenantPolicy, error)
}

// PolicyModel is the gorm row for a tenant policy. List columns are stored as JSON.
type PolicyModel struct {
	TenantID            string  `gorm:"type:varchar(64);primaryKey"`
	AutonomyLevel       string  `gorm:"type:varchar(20);not null"`
	ConfidenceThreshold float64 `gorm:"not null"`
	DailyActionCap      int     `gorm:"not null;default:0"`
	MaxContentLength    int     `gorm:"not null;default:0"`
	MaxRecipients       int     `gorm:"not null;default:0"`
	AllowedActions      datatypes.JSONSlice[string]
	BlockedActions      datatypes.JSONSlice[string]
	BlockedKeywords     datatypes.JSONSlice[string]
	CustomRules         datatypes.JSONSlice[types.CustomRule]
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// TableName 指定表名
func (PolicyModel) TableName() string {
	return "operative_tenant_policies"
}

func toModel(p types.TenantPolicy) *PolicyModel {
	return &PolicyModel{
		TenantID:            p.TenantID,
		AutonomyLevel:       string(p.AutonomyLevel),
		ConfidenceThreshold: p.ConfidenceThreshold,
		DailyActionCap:      p.DailyActionCap,
		MaxContentLength:    p.MaxContentLength,
		MaxRecipients:       p.MaxRecipients,
		AllowedActions:      datatypes.NewJSONSlice(actionStrings(p.AllowedActions)),
		BlockedActions:      datatypes.NewJSONSlice(actionStrings(p.BlockedActions)),
		BlockedKeywords:     datatypes.NewJSONSlice(append([]string{}, p.BlockedKeywords...)),
		CustomRules:         datatypes.NewJSONSlice(append([]types.CustomRule{}, p.CustomRules...)),
	}
}

func (m *PolicyModel) toPolicy() types.TenantPolicy {
	p := types.TenantPolicy{
		TenantID:            m.TenantID,
		AutonomyLevel:       types.AutonomyLevel(m.AutonomyLevel),
		ConfidenceThreshold: m.ConfidenceThreshold,
		DailyActionCap:      m.DailyActionCap,
		MaxContentLength:    m.MaxContentLength,
		MaxRecipients:       m.MaxRecipients,
		AllowedActions:      parseActions(m.AllowedActions),
		BlockedActions:      parseActions(m.BlockedActions),
	}
	if len(m.BlockedKeywords) > 0 {
		p.BlockedKeywords = append([]string{}, m.BlockedKeywords...)
	}
	if len(m.CustomRules) > 0 {
		p.CustomRules = append([]types.CustomRule{}, m.CustomRules...)
	}
	return p
}

func actionStrings(actions []types.ActionType) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		out = append(out, string(a))
	}
	return out
}

func parseActions(list []string) []types.ActionType {
	if len(list) == 0 {
		return nil
	}
	out := make([]types.ActionType, 0, len(list))
	for _, s := range list {
		out = append(out, types.ActionType(s))
	}
	return out
}

// GormRepository stores policies through gorm.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository constructs a Repository backed by the given gorm handle.
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// AutoMigrate 自动迁移表结构
func (r *GormRepository) AutoMigrate() error {
	return r.db.AutoMigrate(&PolicyModel{})
}

func (r *GormRepository) Get(ctx context.Context, tenantID string) (*types.TenantPolicy, error) {
	var m PolicyModel
	err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询租户策略失败: %w", err)
	}
	p := m.toPolicy()
	return &p, nil
}

func (r *GormRepository) Save(ctx context.Context, p types.TenantPolicy) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}},
		UpdateAll: true,
	}).Create(toModel(p)).Error
	if err != nil {
		return fmt.Errorf("保存租户策略失败: %w", err)
	}
	return nil
}

func (r *GormRepository) List(ctx context.Context) ([]types.TenantPolicy, error) {
	var models []PolicyModel
	if err := r.db.WithContext(ctx).Order("tenant_id").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("查询租户策略失败: %w", err)
	}
	out := make([]types.TenantPolicy, 0, len(models))
	for i := range models {
		out = append(out, models[i].toPolicy())
	}
	return out, nil
}

// MemoryRepository keeps policies in process memory; used when no database is configured.
type MemoryRepository struct {
	mu       sync.RWMutex
	policies map[string]types.TenantPolicy
}

// NewMemoryRepository constructs an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{policies: make(map[string]types.TenantPolicy)}
}

func (r *MemoryRepository) Get(_ context.Context, tenantID string) (*types.TenantPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) Save(_ context.Context, p types.TenantPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[p.TenantID] = p
	return nil
}

func (r *MemoryRepository) List(_ context.Context) ([]types.TenantPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.TenantPolicy, 0, len(r.policies))
	for _, p := range r.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}
