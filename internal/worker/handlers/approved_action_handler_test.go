package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"operative/internal/approval"
	"operative/internal/worker/tasks"
	"operative/pkg/types"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/datatypes"
)

type fakeStore struct {
	action   *approval.PendingAction
	getErr   error
	marked   *types.OperativeResult
	markErr  error
	markedID string
}

func (s *fakeStore) Get(_ context.Context, tenantID, id string) (*approval.PendingAction, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	if s.action == nil || s.action.TenantID != tenantID || s.action.ID != id {
		return nil, approval.ErrNotFound
	}
	return s.action, nil
}

func (s *fakeStore) MarkExecuted(_ context.Context, _, id string, result *types.OperativeResult) error {
	s.markedID = id
	s.marked = result
	return s.markErr
}

type fakeRunner struct {
	called     bool
	force      bool
	input      map[string]any
	actionType types.ActionType
	result     *types.OperativeResult
	retErr     error
}

func (f *fakeRunner) Execute(_ context.Context, _ string, input map[string]any, actionType types.ActionType, force bool) (*types.OperativeResult, error) {
	f.called = true
	f.force = force
	f.input = input
	f.actionType = actionType
	if f.retErr != nil {
		return nil, f.retErr
	}
	return f.result, nil
}

func approvedAction() *approval.PendingAction {
	return &approval.PendingAction{
		ID:         "appr-1",
		TenantID:   "t1",
		ActionType: "send_message",
		Input:      datatypes.JSONMap{"content": "hello"},
		Status:     approval.StatusApproved,
	}
}

func newTask(t *testing.T, p tasks.ExecuteApprovedPayload) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	return asynq.NewTask(tasks.TypeExecuteApproved, data)
}

func TestHandleExecuteApproved_Success(t *testing.T) {
	store := &fakeStore{action: approvedAction()}
	runner := &fakeRunner{result: &types.OperativeResult{Status: types.StatusSuccess, AuditHash: "abc"}}
	h := NewApprovedActionHandler(store, runner, zaptest.NewLogger(t))

	err := h.HandleExecuteApproved(context.Background(), newTask(t, tasks.ExecuteApprovedPayload{ApprovalID: "appr-1", TenantID: "t1"}))
	require.NoError(t, err)

	assert.True(t, runner.called)
	assert.True(t, runner.force)
	assert.Equal(t, types.ActionSendMessage, runner.actionType)
	assert.Equal(t, "hello", runner.input["content"])
	assert.Equal(t, "appr-1", store.markedID)
	assert.Equal(t, types.StatusSuccess, store.marked.Status)
}

func TestHandleExecuteApproved_SkipsWhenNotApproved(t *testing.T) {
	action := approvedAction()
	action.Status = approval.StatusExecuted
	runner := &fakeRunner{}
	h := NewApprovedActionHandler(&fakeStore{action: action}, runner, zaptest.NewLogger(t))

	err := h.HandleExecuteApproved(context.Background(), newTask(t, tasks.ExecuteApprovedPayload{ApprovalID: "appr-1", TenantID: "t1"}))
	require.NoError(t, err)
	assert.False(t, runner.called)
}

func TestHandleExecuteApproved_MissingRecord(t *testing.T) {
	runner := &fakeRunner{}
	h := NewApprovedActionHandler(&fakeStore{}, runner, zaptest.NewLogger(t))

	err := h.HandleExecuteApproved(context.Background(), newTask(t, tasks.ExecuteApprovedPayload{ApprovalID: "nope", TenantID: "t1"}))
	require.NoError(t, err)
	assert.False(t, runner.called)
}

func TestHandleExecuteApproved_InvalidPayload(t *testing.T) {
	runner := &fakeRunner{}
	h := NewApprovedActionHandler(&fakeStore{}, runner, zaptest.NewLogger(t))

	err := h.HandleExecuteApproved(context.Background(), asynq.NewTask(tasks.TypeExecuteApproved, []byte("not-json")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = h.HandleExecuteApproved(context.Background(), newTask(t, tasks.ExecuteApprovedPayload{ApprovalID: "x"}))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.False(t, runner.called)
}

func TestHandleExecuteApproved_RunnerError(t *testing.T) {
	expected := errors.New("policy store down")
	store := &fakeStore{action: approvedAction()}
	h := NewApprovedActionHandler(store, &fakeRunner{retErr: expected}, zaptest.NewLogger(t))

	err := h.HandleExecuteApproved(context.Background(), newTask(t, tasks.ExecuteApprovedPayload{ApprovalID: "appr-1", TenantID: "t1"}))
	assert.ErrorIs(t, err, expected)
	assert.Nil(t, store.marked)
}

func TestHandleExecuteApproved_RecordsBlockedOutcome(t *testing.T) {
	store := &fakeStore{action: approvedAction()}
	runner := &fakeRunner{result: &types.OperativeResult{Status: types.StatusBlockedCircuit, Reason: "circuit breaker open: 5 failures"}}
	h := NewApprovedActionHandler(store, runner, zaptest.NewLogger(t))

	err := h.HandleExecuteApproved(context.Background(), newTask(t, tasks.ExecuteApprovedPayload{ApprovalID: "appr-1", TenantID: "t1"}))
	require.NoError(t, err)
	assert.Equal(t, types.StatusBlockedCircuit, store.marked.Status)
}
