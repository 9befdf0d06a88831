package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"operative/pkg/httputil"
	"operative/pkg/types"
)

// ErrNoRoute 没有为该动作类型配置执行器
var ErrNoRoute = errors.New("executor: no route for action type")

// WebhookExecutor 将执行载荷 POST 到外部系统，由外部系统完成真实动作。
// 不做重试，失败交由网关熔断器计数。
type WebhookExecutor struct {
	url    string
	client *httputil.Client
}

// NewWebhookExecutor 创建 webhook 执行器
func NewWebhookExecutor(url string, timeout time.Duration, headers map[string]string) *WebhookExecutor {
	opts := []httputil.ClientOption{httputil.WithRetries(0), httputil.WithHeaders(headers)}
	if timeout > 0 {
		opts = append(opts, httputil.WithTimeout(timeout))
	}
	return &WebhookExecutor{url: url, client: httputil.NewClient(opts...)}
}

type webhookRequest struct {
	TenantID   string           `json:"tenantId"`
	ActionType types.ActionType `json:"actionType"`
	Payload    map[string]any   `json:"payload"`
}

func (w *WebhookExecutor) Execute(ctx context.Context, actionType types.ActionType, payload map[string]any, tenantID string) (map[string]any, error) {
	var out map[string]any
	err := w.client.PostJSON(ctx, w.url, webhookRequest{
		TenantID:   tenantID,
		ActionType: actionType,
		Payload:    payload,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("webhook %s: %w", actionType, err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// Executor 与网关使用的执行器接口一致
type Executor interface {
	Execute(ctx context.Context, actionType types.ActionType, payload map[string]any, tenantID string) (map[string]any, error)
}

// Func 函数适配器
type Func func(ctx context.Context, actionType types.ActionType, payload map[string]any, tenantID string) (map[string]any, error)

func (f Func) Execute(ctx context.Context, actionType types.ActionType, payload map[string]any, tenantID string) (map[string]any, error) {
	return f(ctx, actionType, payload, tenantID)
}

// Router 按动作类型分发到不同执行器，未配置时使用 fallback
type Router struct {
	routes   map[types.ActionType]Executor
	fallback Executor
}

// NewRouter 创建路由执行器
func NewRouter(fallback Executor) *Router {
	return &Router{routes: make(map[types.ActionType]Executor), fallback: fallback}
}

// Handle 注册动作类型对应的执行器
func (r *Router) Handle(actionType types.ActionType, e Executor) *Router {
	r.routes[actionType] = e
	return r
}

func (r *Router) Execute(ctx context.Context, actionType types.ActionType, payload map[string]any, tenantID string) (map[string]any, error) {
	if e, ok := r.routes[actionType]; ok {
		return e.Execute(ctx, actionType, payload, tenantID)
	}
	if r.fallback != nil {
		return r.fallback.Execute(ctx, actionType, payload, tenantID)
	}
	return nil, fmt.Errorf("%w: %s", ErrNoRoute, actionType)
}

// AnalyzeOnly analyze_only 动作不产生外部副作用，只回显内容
func AnalyzeOnly() Executor {
	return Func(func(_ context.Context, _ types.ActionType, payload map[string]any, _ string) (map[string]any, error) {
		return map[string]any{"analyzed": true, "content": payload["content"]}, nil
	})
}
