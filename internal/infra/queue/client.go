package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"operative/internal/config"
	"operative/internal/worker/tasks"

	"github.com/hibiken/asynq"
)

// QueueOperative 审批后执行任务使用的队列
const QueueOperative = "operative"

// Client 任务队列客户端接口
type Client interface {
	EnqueueExecuteApproved(ctx context.Context, payload tasks.ExecuteApprovedPayload) error
	Close() error
}

type asynqClient struct {
	client *asynq.Client
}

// RedisOpt 将 Redis 配置转换为 asynq 连接参数
func RedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// NewClient 创建任务队列客户端
func NewClient(cfg config.RedisConfig) Client {
	return &asynqClient{client: asynq.NewClient(RedisOpt(cfg))}
}

// NewClientFromOpt 使用已有连接参数创建客户端
func NewClientFromOpt(opt asynq.RedisConnOpt) Client {
	return &asynqClient{client: asynq.NewClient(opt)}
}

func (c *asynqClient) EnqueueExecuteApproved(ctx context.Context, payload tasks.ExecuteApprovedPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(tasks.TypeExecuteApproved, data)

	// 网关内部不重试，执行失败由熔断器计数；同一审批只投递一次
	_, err = c.client.EnqueueContext(ctx, task,
		asynq.MaxRetry(0),
		asynq.Timeout(5*time.Minute),
		asynq.Queue(QueueOperative),
		asynq.TaskID("approval:"+payload.ApprovalID),
	)
	if err != nil {
		return fmt.Errorf("enqueue task failed: %w", err)
	}
	return nil
}

func (c *asynqClient) Close() error {
	return c.client.Close()
}
