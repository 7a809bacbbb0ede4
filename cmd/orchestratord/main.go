// Command orchestratord is the HTTP adapter exposing the core's external
// interface (§6): SubmitScan, GetExecutionStatus, CancelExecution,
// ListActiveExecutions, GetMetrics, ScheduleScan, ListHistory,
// StreamExecutionStatus and BulkExecute. Grounded on
// services/orchestrator/main.go's bootstrap shape (signal-driven shutdown,
// otelinit wiring, a bare net/http ServeMux).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/seiforesti/scancore/internal/adapters"
	"github.com/seiforesti/scancore/internal/clockwork"
	"github.com/seiforesti/scancore/internal/config"
	"github.com/seiforesti/scancore/internal/domain"
	"github.com/seiforesti/scancore/internal/eventbus"
	"github.com/seiforesti/scancore/internal/logging"
	"github.com/seiforesti/scancore/internal/orchestrator"
	"github.com/seiforesti/scancore/internal/otelinit"
	"github.com/seiforesti/scancore/internal/ports"
	"github.com/seiforesti/scancore/internal/scheduler"
	"github.com/seiforesti/scancore/internal/storage"
	"github.com/seiforesti/scancore/internal/workflow"
)

const maxBulkParallel = 20
const maxBulkRequests = 50

func main() {
	const service = "orchestratord"
	log := logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, promHandler, _ := otelinit.InitMetrics(ctx, service)
	meter := otel.GetMeterProvider().Meter(service)

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", "error", err)
		return
	}

	store, err := storage.Open(cfg.BBoltPath, meter)
	if err != nil {
		log.Error("storage open failed", "error", err)
		return
	}
	defer store.Close()

	var bus *eventbus.Bus
	if cfg.NATSURL != "" {
		bus, err = eventbus.Connect(cfg.NATSURL)
		if err != nil {
			log.Warn("eventbus connect failed, continuing without it", "error", err)
			bus = nil
		} else {
			defer bus.Close()
		}
	}

	clock := clockwork.System{}
	dsRegistry := adapters.NewDataSourceRegistry()
	ruleCatalog := adapters.NewRuleCatalog()
	rbac := adapters.NewRoleHierarchy([]string{"team-lead", "security-director", "ciso"})
	notifier := adapters.NewLogNotifier(log)

	orch := orchestrator.New(cfg, store, clock, dsRegistry, ruleCatalog, nil, bus, meter, log)
	go orch.RunSweeper(ctx)

	var sched *scheduler.Scheduler
	admit := func(ctx context.Context, request *domain.ScanRequest) (string, error) {
		execID, _, err := orch.Submit(ctx, request, domain.PlanAdaptive)
		if err != nil {
			return "", err
		}
		// Report the execution's eventual terminal outcome back to the
		// scheduler, the same polling pattern submitScan uses below — this
		// is what drives RecordOutcome's retry-requeue, dependency
		// promotion, and cron-recurrence paths in production.
		go func(execID string) {
			for {
				st, ok := orch.Status(execID)
				if ok && st.State.IsTerminal() {
					sched.RecordOutcomeForExecution(context.Background(), execID, st.State == domain.ExecCompleted)
					return
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(200 * time.Millisecond):
				}
			}
		}(execID)
		return execID, nil
	}
	sched = scheduler.New(cfg, store, clock, nil, admit, meter)
	sched.Start()
	defer func() { _ = sched.Stop(context.Background()) }()
	go sched.RunLoop(ctx, time.Minute)

	submitScan := func(ctx context.Context, params map[string]any) (string, domain.ExecutionStatus, error) {
		request := requestFromParams(params)
		execID, _, err := orch.Submit(ctx, request, domain.PlanAdaptive)
		if err != nil {
			return "", "", err
		}
		for {
			st, ok := orch.Status(execID)
			if ok && st.State.IsTerminal() {
				return execID, st.State, nil
			}
			select {
			case <-ctx.Done():
				return execID, "", ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
		}
	}
	engine := workflow.New(cfg, store, clock, rbac, notifier, submitScan, meter, log)
	go engine.RunTimeoutSweeper(ctx)

	srv := &server{
		cfg:         cfg,
		store:       store,
		orch:        orch,
		sched:       sched,
		engine:      engine,
		dsRegistry:  dsRegistry,
		ruleCatalog: ruleCatalog,
		log:         log,
	}

	mux := http.NewServeMux()
	srv.routes(mux)
	if h, ok := promHandler.(http.Handler); ok && h != nil {
		mux.Handle("/metrics", h)
	}

	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "error", err)
			cancel()
		}
	}()
	log.Info("orchestratord started", "addr", cfg.HTTPAddr)

	<-ctx.Done()
	log.Info("shutdown initiated")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	log.Info("shutdown complete")
}

// requestFromParams builds a domain.ScanRequest from a workflow "scan"
// task's params map — the bridge used by workflow.ScanSubmitFunc.
func requestFromParams(params map[string]any) *domain.ScanRequest {
	req := &domain.ScanRequest{
		ID:          fmt.Sprintf("wf-scan-%d", time.Now().UnixNano()),
		Priority:    domain.PriorityNormal,
		MaxAttempts: 1,
		CreatedAt:   time.Now(),
		ScanType:    domain.ScanFull,
	}
	if v, ok := params["dataSourceId"].(string); ok {
		req.DataSourceID = v
	}
	if v, ok := params["ruleIds"].([]any); ok {
		for _, r := range v {
			if s, ok := r.(string); ok {
				req.RuleIDs = append(req.RuleIDs, s)
			}
		}
	}
	if v, ok := params["priority"].(string); ok {
		req.Priority = domain.Priority(v)
	}
	return req
}

type server struct {
	cfg         *config.Config
	store       *storage.Store
	orch        *orchestrator.Orchestrator
	sched       *scheduler.Scheduler
	engine      *workflow.Engine
	dsRegistry  *adapters.DataSourceRegistry
	ruleCatalog *adapters.RuleCatalog
	log         interface {
		Info(string, ...any)
		Warn(string, ...any)
		Error(string, ...any)
	}
}

func (s *server) routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/scans", s.handleSubmitScan)
	mux.HandleFunc("/v1/scans/bulk", s.handleBulkExecute)
	mux.HandleFunc("/v1/executions", s.handleListActive)
	mux.HandleFunc("/v1/executions/", s.handleExecutionByID)
	mux.HandleFunc("/v1/schedules", s.handleScheduleScan)
	mux.HandleFunc("/v1/history", s.handleListHistory)
	mux.HandleFunc("/v1/metrics", s.handleGetMetrics)
}

type submitScanRequest struct {
	DataSourceID string         `json:"dataSourceId"`
	ScanType     string         `json:"scanType"`
	RuleIDs      []string       `json:"ruleIds"`
	Priority     string         `json:"priority"`
	TimeoutMs    int64          `json:"timeoutMs"`
	Params       map[string]any `json:"params"`
	Strategy     string         `json:"strategy"`
}

func (req submitScanRequest) toDomain() *domain.ScanRequest {
	r := &domain.ScanRequest{
		DataSourceID: req.DataSourceID,
		ScanType:     domain.ScanType(req.ScanType),
		RuleIDs:      req.RuleIDs,
		Priority:     domain.Priority(req.Priority),
		TimeoutMs:    req.TimeoutMs,
		MaxAttempts:  1,
		Params:       req.Params,
		CreatedAt:    time.Now(),
	}
	if r.ScanType == "" {
		r.ScanType = domain.ScanFull
	}
	if r.Priority == "" {
		r.Priority = domain.PriorityNormal
	}
	return r
}

func (s *server) handleSubmitScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req submitScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	strategy := domain.ExecutionPlanStrategy(req.Strategy)
	if strategy == "" {
		strategy = domain.PlanAdaptive
	}
	execID, status, err := s.orch.Submit(r.Context(), req.toDomain(), strategy)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"executionId": execID, "status": status})
}

func (s *server) handleBulkExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Requests []submitScanRequest `json:"requests"`
		Mode     string              `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(body.Requests) > maxBulkRequests {
		writeError(w, http.StatusBadRequest, fmt.Errorf("bulk request list exceeds %d", maxBulkRequests))
		return
	}
	type outcome struct {
		ExecutionID string `json:"executionId,omitempty"`
		Error       string `json:"error,omitempty"`
	}
	outcomes := make([]outcome, len(body.Requests))
	bulkID := fmt.Sprintf("bulk-%d", time.Now().UnixNano())

	run := func(i int) {
		execID, _, err := s.orch.Submit(r.Context(), body.Requests[i].toDomain(), domain.PlanAdaptive)
		if err != nil {
			outcomes[i] = outcome{Error: err.Error()}
			return
		}
		outcomes[i] = outcome{ExecutionID: execID}
	}

	if body.Mode == "Sequential" {
		for i := range body.Requests {
			run(i)
		}
	} else {
		sem := make(chan struct{}, maxBulkParallel)
		var wg sync.WaitGroup
		for i := range body.Requests {
			wg.Add(1)
			sem <- struct{}{}
			go func(i int) {
				defer wg.Done()
				defer func() { <-sem }()
				run(i)
			}(i)
		}
		wg.Wait()
	}

	writeJSON(w, http.StatusOK, map[string]any{"bulkId": bulkID, "outcomes": outcomes})
}

func (s *server) handleListActive(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.orch.ActiveExecutions(limit))
}

func (s *server) handleExecutionByID(w http.ResponseWriter, r *http.Request) {
	executionID := r.URL.Path[len("/v1/executions/"):]
	if stream := r.URL.Query().Get("stream"); stream == "1" {
		s.handleStream(w, r, executionID)
		return
	}
	switch r.Method {
	case http.MethodGet:
		st, ok := s.orch.Status(executionID)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, st)
	case http.MethodDelete:
		reason := r.URL.Query().Get("reason")
		if reason == "" {
			reason = "cancelled via API"
		}
		if err := s.orch.Cancel(r.Context(), executionID, reason); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *server) handleStream(w http.ResponseWriter, r *http.Request, executionID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	ch, err := s.orch.Stream(r.Context(), executionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	for st := range ch {
		_ = json.NewEncoder(w).Encode(st)
		flusher.Flush()
	}
}

func (s *server) handleScheduleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		submitScanRequest
		Strategy      string     `json:"schedulingStrategy"`
		ScheduledTime *time.Time `json:"scheduledTime"`
		Cron          string     `json:"cron"`
		Dependencies  []string   `json:"dependencies"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	strategy := domain.SchedulingStrategy(body.Strategy)
	if strategy == "" {
		strategy = domain.StrategyImmediate
	}
	request := body.toDomain()
	scheduleID, err := s.sched.Schedule(r.Context(), request, strategy, request.Priority, body.ScheduledTime, body.Cron, body.Dependencies)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"scheduleId": scheduleID})
}

func (s *server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	from := uint64(0)
	if v := r.URL.Query().Get("from"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			from = n
		}
	}
	entries, err := s.store.ListAudit(from, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *server) handleGetMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Metrics())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch domain.KindOf(err) {
	case domain.KindInvalidRequest:
		status = http.StatusBadRequest
	case domain.KindQueueFull:
		status = http.StatusServiceUnavailable
	case domain.KindCancelled:
		status = http.StatusConflict
	case domain.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	writeError(w, status, err)
}

var _ ports.RuleSvc = (*adapters.RuleCatalog)(nil)
var _ ports.DataSourceSvc = (*adapters.DataSourceRegistry)(nil)
