package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"operative/pkg/types"

	openai "github.com/sashabaranov/go-openai"
)

const defaultSystemPrompt = `你是营销动作的风险评估员。阅读用户提供的 JSON 输入，评估直接执行该动作的把握与风险。
只输出一个 JSON 对象，格式：{"confidence":0到1之间的小数,"riskLevel":"low|medium|high|critical","recommendation":"建议执行的内容","rationale":"简要理由"}`

// LLMConfig 大模型分析器配置
type LLMConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	Temperature  float32
	MaxTokens    int
}

// LLMAnalyzer 通过 OpenAI 兼容接口评估输入
type LLMAnalyzer struct {
	client *openai.Client
	cfg    LLMConfig
}

// NewLLMAnalyzer 创建大模型分析器
func NewLLMAnalyzer(cfg LLMConfig) (*LLMAnalyzer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("analysis: API Key 不能为空")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 512
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &LLMAnalyzer{client: openai.NewClientWithConfig(clientConfig), cfg: cfg}, nil
}

// Analyze 单次调用，不重试；失败由网关降级处理
func (a *LLMAnalyzer) Analyze(ctx context.Context, input map[string]any) (types.AnalysisResult, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return types.AnalysisResult{}, fmt.Errorf("序列化分析输入失败: %w", err)
	}

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: a.cfg.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: string(payload)},
		},
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
	})
	if err != nil {
		return types.AnalysisResult{}, fmt.Errorf("调用分析模型失败: %w", err)
	}
	if len(resp.Choices) == 0 {
		return types.AnalysisResult{}, errors.New("分析模型返回空响应")
	}

	verdict, err := extractJSON(resp.Choices[0].Message.Content)
	if err != nil {
		return types.AnalysisResult{}, err
	}
	res := FromMap(verdict)
	res.Fields["model"] = resp.Model
	return res, nil
}

// extractJSON 取回复中第一个 { 到最后一个 } 之间的内容
func extractJSON(content string) (map[string]any, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("分析模型回复中没有 JSON: %q", truncate(content, 120))
	}

	var out map[string]any
	dec := json.NewDecoder(strings.NewReader(content[start : end+1]))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("解析分析模型回复失败: %w", err)
	}
	return out, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
