package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"operative/pkg/types"

	"github.com/gowebpki/jcs"
)

// GenesisHash 每个租户第一条记录的 previousHash
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Canonicalize 按 RFC 8785 输出规范化 JSON（键排序、固定数字格式）
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("序列化审计载荷失败: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("规范化审计载荷失败: %w", err)
	}
	return out, nil
}

// HashPayload 计算载荷规范化 JSON 的 SHA-256，十六进制小写
func HashPayload(v any) (string, error) {
	canonical, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// chainedFields 参与 selfHash 计算的字段，selfHash 本身除外
type chainedFields struct {
	Sequence     int64                 `json:"sequence"`
	Timestamp    string                `json:"timestamp"`
	TenantID     string                `json:"tenantId"`
	ActionType   types.ActionType      `json:"actionType"`
	Status       types.ExecutionStatus `json:"status"`
	InputHash    string                `json:"inputHash"`
	OutputHash   string                `json:"outputHash"`
	PreviousHash string                `json:"previousHash"`
}

// ComputeSelfHash 只依赖记录自身字段与 PreviousHash
func ComputeSelfHash(rec types.AuditRecord) (string, error) {
	return HashPayload(chainedFields{
		Sequence:     rec.Sequence,
		Timestamp:    rec.Timestamp,
		TenantID:     rec.TenantID,
		ActionType:   rec.ActionType,
		Status:       rec.Status,
		InputHash:    rec.InputHash,
		OutputHash:   rec.OutputHash,
		PreviousHash: rec.PreviousHash,
	})
}

// VerifyResult 哈希链校验结果
type VerifyResult struct {
	Valid       bool   `json:"valid"`
	Checked     int    `json:"checked"`
	BrokenIndex int    `json:"brokenIndex"` // 第一条损坏记录的下标，-1 表示完整
	Reason      string `json:"reason,omitempty"`
}

// Verify 按链顺序重算每条记录的哈希。
// 列表首条记录若 Sequence 为 1 必须指向 GenesisHash；否则视为截断后的片段，以其 PreviousHash 为锚点。
func Verify(records []types.AuditRecord) VerifyResult {
	res := VerifyResult{Valid: true, BrokenIndex: -1}
	for i, rec := range records {
		res.Checked = i + 1

		switch {
		case i == 0 && rec.Sequence == 1 && rec.PreviousHash != GenesisHash:
			return broken(res, i, "first record does not link to genesis")
		case i > 0 && rec.PreviousHash != records[i-1].SelfHash:
			return broken(res, i, fmt.Sprintf("previous hash mismatch at sequence %d", rec.Sequence))
		case i > 0 && rec.Sequence != records[i-1].Sequence+1:
			return broken(res, i, fmt.Sprintf("sequence gap at %d", rec.Sequence))
		}

		want, err := ComputeSelfHash(rec)
		if err != nil {
			return broken(res, i, err.Error())
		}
		if want != rec.SelfHash {
			return broken(res, i, fmt.Sprintf("self hash mismatch at sequence %d", rec.Sequence))
		}
	}
	return res
}

func broken(res VerifyResult, idx int, reason string) VerifyResult {
	res.Valid = false
	res.BrokenIndex = idx
	res.Reason = reason
	return res
}
