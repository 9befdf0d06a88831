package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"operative/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func fixedClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
}

func newTestTrail(t *testing.T, store Store, opts ...Option) *Trail {
	opts = append([]Option{WithClock(fixedClock()), WithLogger(zaptest.NewLogger(t))}, opts...)
	return NewTrail(store, opts...)
}

func appendN(t *testing.T, trail *Trail, tenantID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		_, err := trail.CreateEntry(ctx, tenantID, types.ActionPublishContent, types.StatusSuccess,
			map[string]any{"content": "post", "n": i},
			map[string]any{"ok": true},
		)
		require.NoError(t, err)
	}
}

func TestTrail_FirstRecordLinksToGenesis(t *testing.T) {
	store := NewMemoryStore(0)
	trail := newTestTrail(t, store)

	hash, err := trail.CreateEntry(context.Background(), "t1", types.ActionReply, types.StatusPendingApproval, map[string]any{"a": 1}, nil)
	require.NoError(t, err)
	assert.Len(t, hash, 64)

	records, err := trail.List(context.Background(), "t1", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, GenesisHash, records[0].PreviousHash)
	assert.Equal(t, int64(1), records[0].Sequence)
	assert.Equal(t, hash, records[0].SelfHash)
	assert.True(t, strings.HasSuffix(records[0].Timestamp, "Z"))
}

func TestTrail_ChainIntegrity(t *testing.T) {
	trail := newTestTrail(t, NewMemoryStore(0))
	appendN(t, trail, "t1", 20)

	records, err := trail.List(context.Background(), "t1", 0)
	require.NoError(t, err)
	require.Len(t, records, 20)

	for i := 1; i < len(records); i++ {
		assert.Equal(t, records[i-1].SelfHash, records[i].PreviousHash)
	}
	res := Verify(records)
	assert.True(t, res.Valid)
	assert.Equal(t, 20, res.Checked)
	assert.Equal(t, -1, res.BrokenIndex)
}

func TestVerify_TamperDetected(t *testing.T) {
	trail := newTestTrail(t, NewMemoryStore(0))
	appendN(t, trail, "t1", 10)
	records, err := trail.List(context.Background(), "t1", 0)
	require.NoError(t, err)

	mutations := map[string]func(r *types.AuditRecord){
		"status":     func(r *types.AuditRecord) { r.Status = types.StatusFailed },
		"timestamp":  func(r *types.AuditRecord) { r.Timestamp = "2020-01-01T00:00:00Z" },
		"tenant":     func(r *types.AuditRecord) { r.TenantID = "other" },
		"action":     func(r *types.AuditRecord) { r.ActionType = types.ActionSendMessage },
		"input hash": func(r *types.AuditRecord) { r.InputHash = strings.Repeat("a", 64) },
		"output":     func(r *types.AuditRecord) { r.OutputHash = strings.Repeat("b", 64) },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			tampered := append([]types.AuditRecord(nil), records...)
			mutate(&tampered[4])

			res := Verify(tampered)
			assert.False(t, res.Valid)
			assert.Equal(t, 4, res.BrokenIndex)

			// 损坏之前的前缀仍然可以通过校验
			assert.True(t, Verify(tampered[:4]).Valid)
		})
	}
}

func TestVerify_RehashedTamperBreaksNextRecord(t *testing.T) {
	trail := newTestTrail(t, NewMemoryStore(0))
	appendN(t, trail, "t1", 5)
	records, err := trail.List(context.Background(), "t1", 0)
	require.NoError(t, err)

	records[2].Status = types.StatusFailed
	records[2].SelfHash, err = ComputeSelfHash(records[2])
	require.NoError(t, err)

	res := Verify(records)
	assert.False(t, res.Valid)
	assert.Equal(t, 3, res.BrokenIndex)
}

func TestVerify_TruncatedWindowAnchorsOnFirstRecord(t *testing.T) {
	trail := newTestTrail(t, NewMemoryStore(0))
	appendN(t, trail, "t1", 8)

	window, err := trail.List(context.Background(), "t1", 3)
	require.NoError(t, err)
	require.Len(t, window, 3)
	assert.Equal(t, int64(6), window[0].Sequence)
	assert.True(t, Verify(window).Valid)
}

func TestTrail_TenantsHaveSeparateChains(t *testing.T) {
	trail := newTestTrail(t, NewMemoryStore(0))
	appendN(t, trail, "t1", 3)
	appendN(t, trail, "t2", 1)

	t2, err := trail.List(context.Background(), "t2", 0)
	require.NoError(t, err)
	require.Len(t, t2, 1)
	assert.Equal(t, GenesisHash, t2[0].PreviousHash)
	assert.Equal(t, int64(1), t2[0].Sequence)
}

func TestTrail_ConcurrentAppendsDoNotFork(t *testing.T) {
	trail := newTestTrail(t, NewMemoryStore(0))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := trail.CreateEntry(ctx, "t1", types.ActionReply, types.StatusSuccess, map[string]any{"i": i}, nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	res, err := trail.Verify(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 50, res.Checked)
}

func TestTrail_ResumesFromStore(t *testing.T) {
	store := NewMemoryStore(0)
	appendN(t, newTestTrail(t, store), "t1", 3)

	// 新实例（如进程重启）接着已有链头追加
	restarted := newTestTrail(t, store)
	appendN(t, restarted, "t1", 2)

	res, err := restarted.Verify(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 5, res.Checked)
}

func TestHashPayload_KeyOrderIndependent(t *testing.T) {
	a, err := HashPayload(map[string]any{"b": 1, "a": "x", "c": []any{1.0, "y"}})
	require.NoError(t, err)
	b, err := HashPayload(map[string]any{"c": []any{1, "y"}, "a": "x", "b": 1.0})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestHashPayload_Unserializable(t *testing.T) {
	_, err := HashPayload(map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
}

type failingSink struct{}

func (failingSink) Name() string { return "failing" }

func (failingSink) Emit(context.Context, types.AuditRecord) error { return errors.New("disk full") }

func TestTrail_SinksReceiveRecordsAndFailuresAreIgnored(t *testing.T) {
	var buf bytes.Buffer
	trail := newTestTrail(t, NewMemoryStore(0), WithSinks(NewJSONLSink(&buf), failingSink{}))
	appendN(t, trail, "t1", 2)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var rec types.AuditRecord
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec))
	assert.Equal(t, int64(2), rec.Sequence)
}

func TestMemoryStore_Retention(t *testing.T) {
	store := NewMemoryStore(3)
	trail := newTestTrail(t, store)
	appendN(t, trail, "t1", 5)

	records, err := store.List(context.Background(), "t1", 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, int64(3), records[0].Sequence)
	assert.True(t, Verify(records).Valid)
}

func TestMemoryStore_RejectsSequenceReuse(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, types.AuditRecord{TenantID: "t1", Sequence: 1}))
	assert.ErrorIs(t, store.Append(ctx, types.AuditRecord{TenantID: "t1", Sequence: 1}), ErrSequenceConflict)
}

func TestExport(t *testing.T) {
	trail := newTestTrail(t, NewMemoryStore(0))
	appendN(t, trail, "t1", 2)
	records, err := trail.List(context.Background(), "t1", 0)
	require.NoError(t, err)
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	csvOut, err := Export("t1", records, FormatCSV, now)
	require.NoError(t, err)
	assert.Equal(t, "audit_t1_20240301_000000.csv", csvOut.Filename)
	assert.Len(t, strings.Split(strings.TrimSpace(string(csvOut.Data)), "\n"), 3)

	jsonOut, err := Export("t1", records, FormatJSON, now)
	require.NoError(t, err)
	var env struct {
		TotalCount   int          `json:"totalCount"`
		Verification VerifyResult `json:"verification"`
	}
	require.NoError(t, json.Unmarshal(jsonOut.Data, &env))
	assert.Equal(t, 2, env.TotalCount)
	assert.True(t, env.Verification.Valid)
}

// flakyStore 在指定次数内写入失败，失败时由另一个写入者推进链头
type flakyStore struct {
	*MemoryStore
	failures int
	onFail   func()
}

func (s *flakyStore) Append(ctx context.Context, rec types.AuditRecord) error {
	if s.failures > 0 {
		s.failures--
		if s.onFail != nil {
			s.onFail()
		}
		return errors.New("connection reset")
	}
	return s.MemoryStore.Append(ctx, rec)
}

func TestTrail_ReloadsHeadAfterAnyAppendError(t *testing.T) {
	mem := NewMemoryStore(0)
	other := newTestTrail(t, mem)
	store := &flakyStore{MemoryStore: mem, onFail: func() { appendN(t, other, "t1", 1) }}
	trail := newTestTrail(t, store)

	appendN(t, trail, "t1", 1)
	store.failures = 1

	_, err := trail.CreateEntry(context.Background(), "t1", types.ActionReply, types.StatusSuccess,
		map[string]any{"content": "retry"}, map[string]any{"ok": true})
	require.Error(t, err)

	appendN(t, trail, "t1", 1)
	res, err := trail.Verify(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 3, res.Checked)
}
