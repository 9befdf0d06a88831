package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"operative/pkg/types"

	"gorm.io/gorm"
)

// RecordModel 审计记录表，(tenant_id, sequence) 唯一，防止多实例并发写入导致链分叉
type RecordModel struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement"`
	TenantID     string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_operative_audit_tenant_seq,priority:1"`
	Sequence     int64     `gorm:"not null;uniqueIndex:idx_operative_audit_tenant_seq,priority:2"`
	Timestamp    string    `gorm:"type:varchar(40);not null"`
	ActionType   string    `gorm:"type:varchar(50);not null"`
	Status       string    `gorm:"type:varchar(30);not null;index"`
	InputHash    string    `gorm:"type:char(64);not null"`
	OutputHash   string    `gorm:"type:char(64);not null"`
	PreviousHash string    `gorm:"type:char(64);not null"`
	SelfHash     string    `gorm:"type:char(64);not null;index"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
}

// TableName 指定表名
func (RecordModel) TableName() string {
	return "operative_audit_records"
}

func (m *RecordModel) toRecord() types.AuditRecord {
	return types.AuditRecord{
		Sequence:     m.Sequence,
		Timestamp:    m.Timestamp,
		TenantID:     m.TenantID,
		ActionType:   types.ActionType(m.ActionType),
		Status:       types.ExecutionStatus(m.Status),
		InputHash:    m.InputHash,
		OutputHash:   m.OutputHash,
		PreviousHash: m.PreviousHash,
		SelfHash:     m.SelfHash,
	}
}

// GormStore 基于 GORM 的审计存储
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建数据库存储
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate 自动迁移表结构
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(&RecordModel{})
}

func (s *GormStore) Append(ctx context.Context, rec types.AuditRecord) error {
	m := &RecordModel{
		TenantID:     rec.TenantID,
		Sequence:     rec.Sequence,
		Timestamp:    rec.Timestamp,
		ActionType:   string(rec.ActionType),
		Status:       string(rec.Status),
		InputHash:    rec.InputHash,
		OutputHash:   rec.OutputHash,
		PreviousHash: rec.PreviousHash,
		SelfHash:     rec.SelfHash,
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		if s.isDuplicateKey(err) {
			return ErrSequenceConflict
		}
		return fmt.Errorf("写入审计记录失败: %w", err)
	}
	return nil
}

// isDuplicateKey 连接未开启 TranslateError 时由方言自行翻译驱动错误
func (s *GormStore) isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	if tr, ok := s.db.Dialector.(gorm.ErrorTranslator); ok {
		return errors.Is(tr.Translate(err), gorm.ErrDuplicatedKey)
	}
	return false
}

func (s *GormStore) Latest(ctx context.Context, tenantID string) (*types.AuditRecord, error) {
	var m RecordModel
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("sequence DESC").
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询最新审计记录失败: %w", err)
	}
	rec := m.toRecord()
	return &rec, nil
}

func (s *GormStore) List(ctx context.Context, tenantID string, limit int) ([]types.AuditRecord, error) {
	var models []RecordModel
	q := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("sequence DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("查询审计记录失败: %w", err)
	}

	out := make([]types.AuditRecord, len(models))
	for i := range models {
		out[len(models)-1-i] = models[i].toRecord()
	}
	return out, nil
}
