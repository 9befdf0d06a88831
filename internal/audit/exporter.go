package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"operative/pkg/types"
)

// ExportFormat 导出格式
type ExportFormat string

const (
	FormatCSV  ExportFormat = "csv"
	FormatJSON ExportFormat = "json"
)

// ExportResult 导出结果
type ExportResult struct {
	Data        []byte `json:"data,omitempty"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	TotalCount  int    `json:"totalCount"`
}

// Export 将审计记录导出为文件内容，未知格式按 JSON 处理
func Export(tenantID string, records []types.AuditRecord, format ExportFormat, now time.Time) (*ExportResult, error) {
	timestamp := now.Format("20060102_150405")
	switch format {
	case FormatCSV:
		return exportCSV(tenantID, records, timestamp)
	default:
		return exportJSON(tenantID, records, now, timestamp)
	}
}

func exportCSV(tenantID string, records []types.AuditRecord, timestamp string) (*ExportResult, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{"sequence", "timestamp", "tenant_id", "action_type", "status", "input_hash", "output_hash", "previous_hash", "self_hash"}
	if err := writer.Write(header); err != nil {
		return nil, err
	}
	for _, r := range records {
		row := []string{
			strconv.FormatInt(r.Sequence, 10),
			r.Timestamp,
			r.TenantID,
			string(r.ActionType),
			string(r.Status),
			r.InputHash,
			r.OutputHash,
			r.PreviousHash,
			r.SelfHash,
		}
		if err := writer.Write(row); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}

	return &ExportResult{
		Data:        buf.Bytes(),
		Filename:    fmt.Sprintf("audit_%s_%s.csv", tenantID, timestamp),
		ContentType: "text/csv; charset=utf-8",
		TotalCount:  len(records),
	}, nil
}

type exportEnvelope struct {
	TenantID     string              `json:"tenantId"`
	ExportedAt   string              `json:"exportedAt"`
	TotalCount   int                 `json:"totalCount"`
	Verification VerifyResult        `json:"verification"`
	Records      []types.AuditRecord `json:"records"`
}

func exportJSON(tenantID string, records []types.AuditRecord, now time.Time, timestamp string) (*ExportResult, error) {
	if records == nil {
		records = []types.AuditRecord{}
	}
	data, err := json.MarshalIndent(exportEnvelope{
		TenantID:     tenantID,
		ExportedAt:   now.UTC().Format(time.RFC3339),
		TotalCount:   len(records),
		Verification: Verify(records),
		Records:      records,
	}, "", "  ")
	if err != nil {
		return nil, err
	}

	return &ExportResult{
		Data:        data,
		Filename:    fmt.Sprintf("audit_%s_%s.json", tenantID, timestamp),
		ContentType: "application/json; charset=utf-8",
		TotalCount:  len(records),
	}, nil
}
