package tasks

// Task Types
const (
	TypeExecuteApproved = "operative:execute_approved"
)

// ExecuteApprovedPayload 审批通过后执行动作的任务载荷
type ExecuteApprovedPayload struct {
	ApprovalID string `json:"approval_id"`
	TenantID   string `json:"tenant_id"`
	ApprovedBy string `json:"approved_by,omitempty"`
}
