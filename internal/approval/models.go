package approval

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Status 待审批动作状态
type Status string

const (
	StatusPending  Status = "pending"  // 等待人工审批
	StatusApproved Status = "approved" // 已批准，等待执行
	StatusRejected Status = "rejected" // 已拒绝
	StatusExecuted Status = "executed" // 已执行成功
	StatusFailed   Status = "failed"   // 执行未成功
)

// PendingAction 被网关延后、等待人工决定的动作
type PendingAction struct {
	ID         string            `gorm:"type:varchar(36);primaryKey" json:"id"`
	TenantID   string            `gorm:"type:varchar(64);not null;index:idx_pending_tenant_status,priority:1" json:"tenantId"`
	ActionType string            `gorm:"type:varchar(50);not null" json:"actionType"`
	Input      datatypes.JSONMap `json:"input"`
	Analysis   datatypes.JSONMap `json:"analysis"`
	Confidence float64           `json:"confidence"`
	RiskLevel  string            `gorm:"type:varchar(20)" json:"riskLevel"`
	Reason     string            `gorm:"type:text" json:"reason"`
	AuditHash  string            `gorm:"type:varchar(64)" json:"auditHash"`
	Status     Status            `gorm:"type:varchar(20);not null;index:idx_pending_tenant_status,priority:2" json:"status"`
	DecidedBy  string            `gorm:"type:varchar(64)" json:"decidedBy,omitempty"`
	Comment    string            `gorm:"type:text" json:"comment,omitempty"`
	Result     datatypes.JSONMap `json:"result,omitempty"`
	Error      string            `gorm:"type:text" json:"error,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
	ResolvedAt *time.Time        `json:"resolvedAt,omitempty"`
	ExecutedAt *time.Time        `json:"executedAt,omitempty"`
}

// TableName 指定表名
func (PendingAction) TableName() string {
	return "operative_pending_actions"
}

// BeforeCreate GORM 钩子：创建前设置 ID
func (p *PendingAction) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}
