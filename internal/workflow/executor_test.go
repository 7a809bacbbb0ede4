package workflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seiforesti/scancore/internal/domain"
)

func TestResolveTemplateSubstitutesKnownVars(t *testing.T) {
	got := resolveTemplate("https://svc/{{id}}?tag={{tag}}", map[string]any{"id": "abc123", "tag": "prod"})
	assert.Equal(t, "https://svc/abc123?tag=prod", got)
}

func TestResolveTemplateLeavesUnknownPlaceholders(t *testing.T) {
	got := resolveTemplate("{{missing}}", map[string]any{})
	assert.Equal(t, "{{missing}}", got)
}

func TestHTTPExecutorResolvesTemplateAndParsesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/scans/ds-1", r.URL.Path)
		assert.Equal(t, "task-1", r.Header.Get("X-Task-ID"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"accepted": true})
	}))
	defer srv.Close()

	executor := NewHTTPExecutor(srv.Client())
	task := domain.WorkflowTask{
		ID:   "task-1",
		Type: "http",
		Params: map[string]any{
			"url":    srv.URL + "/scans/{{data_source_id}}",
			"method": http.MethodGet,
		},
	}
	result, err := executor.Execute(context.Background(), task, map[string]any{"data_source_id": "ds-1"})
	require.NoError(t, err)
	assert.Equal(t, true, result["accepted"])
	assert.Equal(t, http.StatusOK, result["status_code"])
}

func TestHTTPExecutorErrorsOnStatusGE400(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	executor := NewHTTPExecutor(srv.Client())
	task := domain.WorkflowTask{ID: "task-1", Type: "http", Params: map[string]any{"url": srv.URL, "method": http.MethodGet}}
	_, err := executor.Execute(context.Background(), task, nil)
	assert.Error(t, err)
}

func TestShellExecutorCapturesStdout(t *testing.T) {
	executor := NewShellExecutor()
	task := domain.WorkflowTask{
		ID:     "task-2",
		Type:   "shell",
		Params: map[string]any{"command": "echo {{greeting}}"},
	}
	result, err := executor.Execute(context.Background(), task, map[string]any{"greeting": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", result["stdout"])
}

func TestShellExecutorMissingCommandErrors(t *testing.T) {
	executor := NewShellExecutor()
	_, err := executor.Execute(context.Background(), domain.WorkflowTask{ID: "task-3", Type: "shell"}, nil)
	assert.Error(t, err)
}

func TestScanExecutorSucceedsOnCompletedTerminalStatus(t *testing.T) {
	submit := func(ctx context.Context, params map[string]any) (string, domain.ExecutionStatus, error) {
		return "exec-1", domain.ExecCompleted, nil
	}
	executor := NewScanExecutor(submit)
	result, err := executor.Execute(context.Background(), domain.WorkflowTask{ID: "task-4", Type: "scan"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "exec-1", result["execution_id"])
}

func TestScanExecutorErrorsOnNonCompletedTerminalStatus(t *testing.T) {
	submit := func(ctx context.Context, params map[string]any) (string, domain.ExecutionStatus, error) {
		return "exec-2", domain.ExecFailed, nil
	}
	executor := NewScanExecutor(submit)
	_, err := executor.Execute(context.Background(), domain.WorkflowTask{ID: "task-5", Type: "scan"}, nil)
	assert.Error(t, err)
}

func TestRegistryRoutesByTaskType(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Execute(context.Background(), domain.WorkflowTask{ID: "t", Type: "unknown-type"}, nil)
	assert.Error(t, err)
}

func TestRegistryOmitsScanExecutorWithoutSubmitFunc(t *testing.T) {
	r := NewRegistry(nil)
	_, ok := r.executors["scan"]
	assert.False(t, ok)
}

func TestRegistryWiresScanExecutorWhenSubmitFuncProvided(t *testing.T) {
	r := NewRegistry(func(ctx context.Context, params map[string]any) (string, domain.ExecutionStatus, error) {
		return "x", domain.ExecCompleted, nil
	})
	_, ok := r.executors["scan"]
	assert.True(t, ok)
}
