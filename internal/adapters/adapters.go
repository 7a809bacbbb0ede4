// Package adapters provides default, in-process implementations of the
// narrow ports the core consumes (§6): DataSourceSvc, RuleSvc, RBAC and
// NotifierSvc. Concrete production implementations are expected to live
// outside this module (a real catalog service, a real rule engine, a real
// identity provider); these adapters exist so cmd/orchestratord boots into
// a usable, self-contained default. Grounded on services/orchestrator/
// main.go's in-memory workflowStore pattern.
package adapters

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/seiforesti/scancore/internal/domain"
	"github.com/seiforesti/scancore/internal/ports"
)

// DataSourceRegistry is a process-local registry of known data sources and
// their metadata; Validate/Metadata read from it under a single RWMutex.
type DataSourceRegistry struct {
	mu    sync.RWMutex
	known map[string]ports.DataSourceMetadata
}

func NewDataSourceRegistry() *DataSourceRegistry {
	return &DataSourceRegistry{known: make(map[string]ports.DataSourceMetadata)}
}

// Register adds or replaces a data source's metadata.
func (r *DataSourceRegistry) Register(dataSourceID string, meta ports.DataSourceMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.known[dataSourceID] = meta
}

func (r *DataSourceRegistry) Validate(ctx context.Context, dataSourceID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.known[dataSourceID]
	return ok, nil
}

func (r *DataSourceRegistry) Metadata(ctx context.Context, dataSourceID string) (ports.DataSourceMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.known[dataSourceID]
	if !ok {
		return ports.DataSourceMetadata{}, fmt.Errorf("unknown data source: %s", dataSourceID)
	}
	return meta, nil
}

// RuleCatalog is a process-local registry of known rule ids; ExecuteRule
// reports success for every registered rule without performing real scan
// work — a real RuleSvc implementation is expected to replace this.
type RuleCatalog struct {
	mu    sync.RWMutex
	known map[string]bool
}

func NewRuleCatalog() *RuleCatalog {
	return &RuleCatalog{known: make(map[string]bool)}
}

func (c *RuleCatalog) Register(ruleID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.known[ruleID] = true
}

func (c *RuleCatalog) Validate(ctx context.Context, ruleIDs []string) (ports.RuleValidation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var errs []string
	for _, id := range ruleIDs {
		if !c.known[id] {
			errs = append(errs, fmt.Sprintf("unknown rule: %s", id))
		}
	}
	return ports.RuleValidation{OK: len(errs) == 0, Errors: errs}, nil
}

func (c *RuleCatalog) ExecuteRule(ctx context.Context, ruleID string, request *domain.ScanRequest) (any, error) {
	c.mu.RLock()
	ok := c.known[ruleID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown rule: %s", ruleID)
	}
	return map[string]any{"rule_id": ruleID, "data_source_id": request.DataSourceID}, nil
}

// RoleHierarchy is a static ordered approver chain per workflow type.
// ResolveApprovers returns the approvers after the currentApproverID cursor
// (the whole chain when it is empty) and nil once the chain is exhausted;
// it does not wrap around.
type RoleHierarchy struct {
	mu     sync.RWMutex
	chains map[string][]string
	def    []string
}

func NewRoleHierarchy(defaultChain []string) *RoleHierarchy {
	return &RoleHierarchy{chains: make(map[string][]string), def: defaultChain}
}

func (h *RoleHierarchy) SetChain(workflowType string, approvers []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chains[workflowType] = approvers
}

func (h *RoleHierarchy) ResolveApprovers(ctx context.Context, workflowType, organizationID, currentApproverID string) ([]string, error) {
	h.mu.RLock()
	chain, ok := h.chains[workflowType]
	if !ok {
		chain = h.def
	}
	h.mu.RUnlock()

	if currentApproverID == "" {
		return chain, nil
	}
	for i, approver := range chain {
		if approver == currentApproverID && i+1 < len(chain) {
			return chain[i+1:], nil
		}
	}
	return nil, nil
}

// LogNotifier delivers notifications via structured logging; a real
// deployment substitutes a Slack/email/webhook NotifierSvc.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(ctx context.Context, channel, message string) error {
	n.log.Info("notification", "channel", channel, "message", message)
	return nil
}
