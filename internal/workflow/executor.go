package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/seiforesti/scancore/internal/domain"
)

// TaskResult is the structured output of one executed WorkflowTask, stored
// into the workflow's variable map under its task id for downstream
// template resolution (§4.3).
type TaskResult map[string]any

// TaskExecutor runs one WorkflowTask kind. Grounded on
// services/orchestrator/task_executor.go's MultiTaskExecutor dispatch.
type TaskExecutor interface {
	Execute(ctx context.Context, task domain.WorkflowTask, vars map[string]any) (TaskResult, error)
}

// ScanSubmitFunc hands a "scan" task to the orchestrator and blocks until
// the execution reaches a terminal status (the implementation supplied at
// construction does the waiting; cmd/orchestratord's polls Status) — the hook by which Processing/Analysis stages submit scan
// requests and wait on them (§4.3).
type ScanSubmitFunc func(ctx context.Context, params map[string]any) (executionID string, terminalStatus domain.ExecutionStatus, err error)

// Registry routes a WorkflowTask to its executor by Type. Unknown types
// fail the task, which the caller treats per Critical/optional rules.
type Registry struct {
	executors map[string]TaskExecutor
	tracer    trace.Tracer
}

// NewRegistry builds a Registry with the built-in executors wired: "http"
// and "shell" (kept from the teacher's HTTPPlugin/ShellPlugin shape), and
// "scan" backed by submitScan. GRPCPlugin/SQLPlugin/KafkaPlugin are
// intentionally not carried forward — spec §4.3 names no such task types.
func NewRegistry(submitScan ScanSubmitFunc) *Registry {
	r := &Registry{executors: make(map[string]TaskExecutor), tracer: otel.Tracer("scancore-workflow-executor")}
	r.Register("http", NewHTTPExecutor(nil))
	r.Register("shell", NewShellExecutor())
	if submitScan != nil {
		r.Register("scan", NewScanExecutor(submitScan))
	}
	return r
}

func (r *Registry) Register(taskType string, executor TaskExecutor) {
	r.executors[taskType] = executor
}

func (r *Registry) Execute(ctx context.Context, task domain.WorkflowTask, vars map[string]any) (TaskResult, error) {
	executor, ok := r.executors[task.Type]
	if !ok {
		return nil, fmt.Errorf("unsupported task type: %s", task.Type)
	}
	ctx, span := r.tracer.Start(ctx, "workflow.task.execute", trace.WithAttributes(
		attribute.String("task_id", task.ID),
		attribute.String("task_type", task.Type),
	))
	defer span.End()
	return executor.Execute(ctx, task, vars)
}

// HTTPExecutor posts task.Params["url"]/["method"]/["body"] with
// {{var}} template resolution against the workflow's variable map,
// grounded on plugins.go's HTTPPlugin connection-pool settings.
type HTTPExecutor struct {
	client *http.Client
	tracer trace.Tracer
}

func NewHTTPExecutor(client *http.Client) *HTTPExecutor {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPExecutor{client: client, tracer: otel.Tracer("scancore-workflow-http")}
}

func (e *HTTPExecutor) Execute(ctx context.Context, task domain.WorkflowTask, vars map[string]any) (TaskResult, error) {
	url, _ := task.Params["url"].(string)
	url = resolveTemplate(url, vars)
	method, _ := task.Params["method"].(string)
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if payload, ok := task.Params["body"]; ok {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal task body: %w", err)
		}
		body = strings.NewReader(resolveTemplate(string(raw), vars))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Task-ID", task.ID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http error %d: %s", resp.StatusCode, string(respBody))
	}

	result := TaskResult{"status_code": resp.StatusCode}
	if len(respBody) > 0 {
		var parsed map[string]any
		if err := json.Unmarshal(respBody, &parsed); err == nil {
			for k, v := range parsed {
				result[k] = v
			}
		} else {
			result["body"] = string(respBody)
		}
	}
	return result, nil
}

// resolveTemplate replaces {{name}} placeholders with the string form of
// vars[name], the same minimal substitution plugins.go uses.
func resolveTemplate(template string, vars map[string]any) string {
	result := template
	for name, value := range vars {
		placeholder := fmt.Sprintf("{{%s}}", name)
		result = strings.ReplaceAll(result, placeholder, fmt.Sprint(value))
	}
	return result
}

// ShellExecutor runs task.Params["command"] via the shell, capturing
// stdout. Kept from the teacher's ShellPlugin shape.
type ShellExecutor struct {
	tracer trace.Tracer
}

func NewShellExecutor() *ShellExecutor {
	return &ShellExecutor{tracer: otel.Tracer("scancore-workflow-shell")}
}

func (e *ShellExecutor) Execute(ctx context.Context, task domain.WorkflowTask, vars map[string]any) (TaskResult, error) {
	command, _ := task.Params["command"].(string)
	command = resolveTemplate(command, vars)
	if command == "" {
		return nil, fmt.Errorf("shell task %s missing command", task.ID)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("shell command failed: %w: %s", err, stderr.String())
	}
	return TaskResult{"stdout": stdout.String()}, nil
}

// ScanExecutor submits a "scan" task to the orchestrator and waits for its
// terminal status, the bridge named in §4.3 ("stages may submit scan
// requests to the orchestrator via tasks and wait for their terminal
// status").
type ScanExecutor struct {
	submit ScanSubmitFunc
}

func NewScanExecutor(submit ScanSubmitFunc) *ScanExecutor {
	return &ScanExecutor{submit: submit}
}

func (e *ScanExecutor) Execute(ctx context.Context, task domain.WorkflowTask, vars map[string]any) (TaskResult, error) {
	execID, status, err := e.submit(ctx, task.Params)
	if err != nil {
		return nil, err
	}
	if status != domain.ExecCompleted {
		return nil, fmt.Errorf("scan execution %s terminated as %s", execID, status)
	}
	return TaskResult{"execution_id": execID, "status": string(status)}, nil
}
