package gscript

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/script/v1"

	"qm/internal/model"
	"qm/internal/retry"
)

type MockAPI struct {
	RunFunc func(ctx context.Context, scriptID string, req *script.ExecutionRequest) (*script.Operation, error)
}

func (m *MockAPI) Run(ctx context.Context, scriptID string, req *script.ExecutionRequest) (*script.Operation, error) {
	return m.RunFunc(ctx, scriptID, req)
}

func TestProvision(t *testing.T) {
	mock := &MockAPI{}
	mock.RunFunc = func(_ context.Context, scriptID string, req *script.ExecutionRequest) (*script.Operation, error) {
		assert.Equal(t, "script-1", scriptID)
		assert.Equal(t, "createForm", req.Function)
		require.Len(t, req.Parameters, 3)
		assert.Equal(t, "Lab 1", req.Parameters[0])
		assert.Equal(t, []string{"ta@example.com"}, req.Parameters[1])
		assert.Equal(t, "Name", req.Parameters[2])
		return &script.Operation{
			Done: true,
			Response: googleapi.RawMessage(`{
				"@type": "type.googleapis.com/google.apps.script.v1.ExecutionResponse",
				"result": {"formId": "form-1", "formUrl": "https://forms.example/1", "spreadsheetUrl": "https://sheets.example/1"}
			}`),
		}, nil
	}

	art, err := NewForms(mock, "script-1").Provision(context.Background(), "Lab 1", []string{"ta@example.com"}, "Name")
	require.NoError(t, err)
	assert.Equal(t, "form-1", art.ID)
	assert.Equal(t, []model.Link{
		{Title: "Form", URL: "https://forms.example/1"},
		{Title: "Responses", URL: "https://sheets.example/1"},
	}, art.Links)
}

func TestProvision_RejectsIncompleteResult(t *testing.T) {
	mock := &MockAPI{}
	mock.RunFunc = func(context.Context, string, *script.ExecutionRequest) (*script.Operation, error) {
		return &script.Operation{Done: true, Response: googleapi.RawMessage(`{"result": {"formUrl": "https://forms.example/1"}}`)}, nil
	}
	_, err := NewForms(mock, "script-1").Provision(context.Background(), "Lab 1", nil, "Name")
	require.Error(t, err)
	assert.Equal(t, retry.KindPermanent, retry.KindOf(err))
}

func TestRun_ScriptErrorIsPermanent(t *testing.T) {
	mock := &MockAPI{}
	mock.RunFunc = func(context.Context, string, *script.ExecutionRequest) (*script.Operation, error) {
		return &script.Operation{Done: true, Error: &script.Status{Code: 3, Message: "ScriptError"}}, nil
	}
	err := NewForms(mock, "script-1").Open(context.Background(), "form-1")
	require.Error(t, err)
	assert.Equal(t, retry.KindPermanent, retry.KindOf(err))
	assert.Contains(t, err.Error(), "ScriptError")
}

func TestOpen(t *testing.T) {
	calls := 0
	mock := &MockAPI{}
	mock.RunFunc = func(_ context.Context, _ string, req *script.ExecutionRequest) (*script.Operation, error) {
		calls++
		assert.Equal(t, "openForm", req.Function)
		assert.Equal(t, []any{"form-1"}, req.Parameters)
		return &script.Operation{Done: true}, nil
	}
	require.NoError(t, NewForms(mock, "script-1").Open(context.Background(), "form-1"))
	assert.Equal(t, 1, calls)

	assert.Error(t, NewForms(mock, "script-1").Open(context.Background(), ""))
	assert.Equal(t, 1, calls)
}

func TestRun_ClassifiesTransportErrors(t *testing.T) {
	mock := &MockAPI{}
	mock.RunFunc = func(context.Context, string, *script.ExecutionRequest) (*script.Operation, error) {
		return nil, &googleapi.Error{Code: http.StatusUnauthorized}
	}
	err := NewForms(mock, "script-1").Open(context.Background(), "form-1")
	assert.Equal(t, retry.KindAuthExpired, retry.KindOf(err))

	mock.RunFunc = func(context.Context, string, *script.ExecutionRequest) (*script.Operation, error) {
		return nil, errors.New("weird")
	}
	err = NewForms(mock, "script-1").Open(context.Background(), "form-1")
	assert.Equal(t, retry.KindPermanent, retry.KindOf(err))
}
