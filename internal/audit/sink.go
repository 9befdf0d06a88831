package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"operative/pkg/types"
)

// Sink 审计记录的旁路输出（日志流、文件等），只发送不读取
type Sink interface {
	Name() string
	Emit(ctx context.Context, rec types.AuditRecord) error
}

// JSONLSink 每条记录写一行 JSON
type JSONLSink struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

// NewJSONLSink 写入任意 io.Writer
func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{w: w}
}

// OpenJSONLFile 以追加模式打开文件
func OpenJSONLFile(path string) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("打开审计文件失败: %w", err)
	}
	return &JSONLSink{w: f, closer: f}, nil
}

func (s *JSONLSink) Name() string { return "jsonl" }

func (s *JSONLSink) Emit(_ context.Context, rec types.AuditRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(line)
	return err
}

// Close 关闭底层文件（如有）
func (s *JSONLSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
