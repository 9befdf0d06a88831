package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"operative/internal/worker/handlers"
	"operative/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// ErrDispatcherClosed 已停止接收任务
var ErrDispatcherClosed = errors.New("worker: local dispatcher closed")

// LocalDispatcher 未配置 Redis 时在进程内执行已批准的动作
type LocalDispatcher struct {
	mu      sync.Mutex
	handler *handlers.ApprovedActionHandler
	closed  bool
	wg      sync.WaitGroup
	logger  *zap.Logger
}

// NewLocalDispatcher 创建进程内投递器，需在使用前 Bind 处理器
func NewLocalDispatcher(log *zap.Logger) *LocalDispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &LocalDispatcher{logger: log}
}

// Bind 绑定处理器
func (d *LocalDispatcher) Bind(h *handlers.ApprovedActionHandler) {
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
}

// EnqueueExecuteApproved 异步执行任务
func (d *LocalDispatcher) EnqueueExecuteApproved(_ context.Context, payload tasks.ExecuteApprovedPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	if d.handler == nil {
		return errors.New("worker: local dispatcher has no handler")
	}

	h := d.handler
	task := asynq.NewTask(tasks.TypeExecuteApproved, data)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := h.HandleExecuteApproved(context.Background(), task); err != nil {
			d.logger.Error("任务执行失败",
				zap.String("type", task.Type()),
				zap.String("approval_id", payload.ApprovalID),
				zap.Error(err),
			)
		}
	}()
	return nil
}

// Close 停止接收新任务并等待进行中的任务结束
func (d *LocalDispatcher) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
	return nil
}
