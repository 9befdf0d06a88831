package safety

import (
	"strings"
	"testing"

	"operative/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func policyFor(tenantID string) types.TenantPolicy {
	return types.DefaultPolicy(tenantID)
}

func TestCheck_BlockedAction(t *testing.T) {
	f := New(DefaultConfig())
	p := policyFor("t1")
	p.BlockedActions = []types.ActionType{types.ActionSendMessage}

	ok, reason := f.Check(types.ActionSendMessage, map[string]any{"content": "hi"}, p)
	assert.False(t, ok)
	assert.Equal(t, "action blocked for tenant", reason)

	ok, _ = f.Check(types.ActionPublishContent, map[string]any{"content": "hi"}, p)
	assert.True(t, ok)
}

func TestCheck_AllowList(t *testing.T) {
	f := New(DefaultConfig())
	p := policyFor("t1")
	p.AllowedActions = []types.ActionType{types.ActionReply}

	ok, reason := f.Check(types.ActionPostSocial, map[string]any{}, p)
	assert.False(t, ok)
	assert.Equal(t, "action not allowed for tenant", reason)

	ok, _ = f.Check(types.ActionReply, map[string]any{}, p)
	assert.True(t, ok)
}

func TestCheck_BlockListWinsOverAllowList(t *testing.T) {
	f := New(DefaultConfig())
	p := policyFor("t1")
	p.AllowedActions = []types.ActionType{types.ActionReply}
	p.BlockedActions = []types.ActionType{types.ActionReply}

	_, reason := f.Check(types.ActionReply, map[string]any{}, p)
	assert.Equal(t, "action blocked for tenant", reason)
}

func TestCheck_BlockedKeywordCaseInsensitive(t *testing.T) {
	f := New(Config{BlockedKeywords: []string{"Casino"}})
	p := policyFor("t1")
	p.BlockedKeywords = []string{"spam"}

	ok, reason := f.Check(types.ActionPublishContent, map[string]any{"content": "Visit our CASINO today"}, p)
	assert.False(t, ok)
	assert.Equal(t, "blocked keyword detected: Casino", reason)

	ok, reason = f.Check(types.ActionReply, map[string]any{"message": "this is SPAM"}, p)
	assert.False(t, ok)
	assert.Equal(t, "blocked keyword detected: spam", reason)

	ok, _ = f.Check(types.ActionReply, map[string]any{"content": "all good"}, p)
	assert.True(t, ok)
}

func TestCheck_ContentLength(t *testing.T) {
	f := New(DefaultConfig())
	p := policyFor("t1")

	ok, _ := f.Check(types.ActionPublishContent, map[string]any{"content": strings.Repeat("a", 10000)}, p)
	assert.True(t, ok)

	ok, reason := f.Check(types.ActionPublishContent, map[string]any{"content": strings.Repeat("a", 10001)}, p)
	assert.False(t, ok)
	assert.Equal(t, "content length 10001 exceeds maximum 10000", reason)

	// 按字符而非字节计数
	ok, _ = f.Check(types.ActionPublishContent, map[string]any{"content": strings.Repeat("中", 10000)}, p)
	assert.True(t, ok)
}

func TestCheck_ScansContentAndMessage(t *testing.T) {
	f := New(Config{BlockedKeywords: []string{"casino"}, MaxContentLength: 10})
	p := policyFor("t1")

	ok, reason := f.Check(types.ActionSendMessage, map[string]any{"content": "ok", "message": "visit the casino"}, p)
	assert.False(t, ok)
	assert.Equal(t, "blocked keyword detected: casino", reason)

	// 两个字段长度合并计算
	ok, reason = f.Check(types.ActionSendMessage, map[string]any{"content": "123456", "message": "78901"}, p)
	assert.False(t, ok)
	assert.Equal(t, "content length 11 exceeds maximum 10", reason)

	ok, _ = f.Check(types.ActionSendMessage, map[string]any{"content": "12345", "message": "67890"}, p)
	assert.True(t, ok)
}

func TestFlattenText(t *testing.T) {
	assert.Equal(t, "", FlattenText(nil))
	assert.Equal(t, "plain", FlattenText("plain"))
	assert.Equal(t, "a\nc\nd\nb", FlattenText(map[string]any{
		"title": "b",
		"body":  "a",
		"tags":  []any{"c", 3, map[string]any{"x": "d"}},
		"count": 2,
	}))
	assert.Equal(t, "x\ny", FlattenText([]string{"x", "", "y"}))
}

func TestCheck_TenantLengthOverride(t *testing.T) {
	f := New(DefaultConfig())
	p := policyFor("t1")
	p.MaxContentLength = 5

	ok, reason := f.Check(types.ActionPublishContent, map[string]any{"content": "123456"}, p)
	assert.False(t, ok)
	assert.Equal(t, "content length 6 exceeds maximum 5", reason)
}

func TestCheck_Recipients(t *testing.T) {
	f := New(Config{MaxRecipients: 2})
	p := policyFor("t1")
	payload := map[string]any{
		"content":    "hello",
		"recipients": []any{"a@x.io", "b@x.io", "c@x.io"},
	}

	ok, reason := f.Check(types.ActionSendMessage, payload, p)
	assert.False(t, ok)
	assert.Equal(t, "recipient count 3 exceeds maximum 2", reason)

	// 非消息类动作不校验收件人
	ok, _ = f.Check(types.ActionPublishContent, payload, p)
	assert.True(t, ok)
}

func TestCheck_CustomRules(t *testing.T) {
	f := New(DefaultConfig())
	p := policyFor("t1")
	p.CustomRules = []types.CustomRule{
		{Name: "short_posts", Expression: "contentLength <= 20"},
		{Name: "modest_discount", Expression: "discount < 50"},
	}

	ok, _ := f.Check(types.ActionPostSocial, map[string]any{"content": "short", "discount": 10}, p)
	assert.True(t, ok)

	ok, reason := f.Check(types.ActionPostSocial, map[string]any{"content": strings.Repeat("x", 21), "discount": 10}, p)
	assert.False(t, ok)
	assert.Equal(t, "custom rule violated: short_posts", reason)

	ok, reason = f.Check(types.ActionPostSocial, map[string]any{"content": "sale", "discount": 70}, p)
	assert.False(t, ok)
	assert.Equal(t, "custom rule violated: modest_discount", reason)

	// 引用缺失字段的规则求值失败，按违反处理
	ok, reason = f.Check(types.ActionPostSocial, map[string]any{"content": "sale"}, p)
	assert.False(t, ok)
	assert.Equal(t, "custom rule violated: modest_discount", reason)
}

func TestCheck_InvalidCustomRuleRejects(t *testing.T) {
	f := New(DefaultConfig())
	p := policyFor("t1")
	p.CustomRules = []types.CustomRule{{Name: "broken", Expression: "((("}}

	ok, reason := f.Check(types.ActionPostSocial, map[string]any{"content": "x"}, p)
	assert.False(t, ok)
	assert.Equal(t, "custom rule violated: broken", reason)
	require.Error(t, ValidateRule(p.CustomRules[0]))
}

func TestCheck_Deterministic(t *testing.T) {
	f := New(Config{BlockedKeywords: []string{"forbidden"}})
	p := policyFor("t1")
	p.CustomRules = []types.CustomRule{{Name: "len", Expression: "contentLength < 100"}}
	payload := map[string]any{"content": "something forbidden here"}

	ok1, r1 := f.Check(types.ActionReply, payload, p)
	for i := 0; i < 10; i++ {
		ok, r := f.Check(types.ActionReply, payload, p)
		assert.Equal(t, ok1, ok)
		assert.Equal(t, r1, r)
	}
}

func TestRecipientCount(t *testing.T) {
	assert.Equal(t, 0, RecipientCount(map[string]any{}))
	assert.Equal(t, 2, RecipientCount(map[string]any{"recipients": []string{"a", "b"}}))
	assert.Equal(t, 0, RecipientCount(map[string]any{"recipients": "a"}))
}
