// Package reporting summarizes reconcile attempts after the fact.
package reporting

import (
	"slices"
	"sync"
	"time"

	"github.com/yourorg/billing-bridge/internal/orchestrator"
)

// Entry statuses.
const (
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
	StatusRetry   = "RETRY"
)

// LogEntry is one step attempt.
type LogEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	ReconcileID  string    `json:"reconcileId"`
	StepID       string    `json:"stepId"`
	Status       string    `json:"status"`
	Operation    string    `json:"operation"`
	Sku          string    `json:"productId"`
	ErrorCode    string    `json:"errorCode,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	LatencyMs    int64     `json:"latencyMs"`
}

// RetrospectiveReport summarizes a set of log entries.
type RetrospectiveReport struct {
	TotalAttempts      int            `json:"totalAttempts"`
	SuccessfulSteps    int            `json:"successfulSteps"`
	FailedSteps        int            `json:"failedSteps"`
	RetriedAttempts    int            `json:"retriedAttempts"`
	TotalLatencyMs     int64          `json:"totalLatencyMs"`
	ErrorBreakdown     map[string]int `json:"errorBreakdown"`
	OperationUsage     map[string]int `json:"operationUsage"`
	DateFrom           time.Time      `json:"dateFrom"`
	DateTo             time.Time      `json:"dateTo"`
	ProcessingDuration time.Duration  `json:"processingDuration"`
}

// EntriesFrom turns a reconcile result into log entries. Every attempt but the
// last of a failed step is a retry.
func EntriesFrom(res orchestrator.ReconcileResult) []LogEntry {
	entries := make([]LogEntry, 0, len(res.Attempts))
	for i, a := range res.Attempts {
		status := StatusFailure
		switch {
		case a.Success:
			status = StatusSuccess
		case i+1 < len(res.Attempts) && res.Attempts[i+1].StepID == a.StepID:
			status = StatusRetry
		}
		ts := a.CompletedAt
		if ts.IsZero() {
			ts = res.FinishedAt
		}
		entries = append(entries, LogEntry{
			Timestamp:    ts,
			ReconcileID:  res.ReconcileID,
			StepID:       a.StepID,
			Status:       status,
			Operation:    string(a.Action),
			Sku:          a.Sku,
			ErrorCode:    a.ErrorCode,
			ErrorMessage: a.ErrorMessage,
			LatencyMs:    a.LatencyMs,
		})
	}
	return entries
}

// RetrospectiveReporter keeps the most recent entries and reports over them.
type RetrospectiveReporter struct {
	mu      sync.Mutex
	limit   int
	entries []LogEntry
}

// NewRetrospectiveReporter creates a reporter that retains up to limit
// entries. A non-positive limit retains everything.
func NewRetrospectiveReporter(limit int) *RetrospectiveReporter {
	return &RetrospectiveReporter{limit: limit}
}

// Record appends entries, dropping the oldest beyond the limit.
func (rr *RetrospectiveReporter) Record(entries ...LogEntry) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.entries = append(rr.entries, entries...)
	if rr.limit > 0 && len(rr.entries) > rr.limit {
		rr.entries = slices.Clone(rr.entries[len(rr.entries)-rr.limit:])
	}
}

// Report summarizes everything recorded so far.
func (rr *RetrospectiveReporter) Report() *RetrospectiveReport {
	rr.mu.Lock()
	logs := slices.Clone(rr.entries)
	rr.mu.Unlock()
	return GenerateRetrospective(logs)
}

// GenerateRetrospective summarizes logs.
func GenerateRetrospective(logs []LogEntry) *RetrospectiveReport {
	report := &RetrospectiveReport{
		ErrorBreakdown: make(map[string]int),
		OperationUsage: make(map[string]int),
	}
	for i, log := range logs {
		report.TotalAttempts++
		report.TotalLatencyMs += log.LatencyMs

		if i == 0 || log.Timestamp.Before(report.DateFrom) {
			report.DateFrom = log.Timestamp
		}
		if i == 0 || log.Timestamp.After(report.DateTo) {
			report.DateTo = log.Timestamp
		}
		if log.Operation != "" {
			report.OperationUsage[log.Operation]++
		}

		switch log.Status {
		case StatusSuccess:
			report.SuccessfulSteps++
		case StatusFailure:
			report.FailedSteps++
			if log.ErrorCode != "" {
				report.ErrorBreakdown[log.ErrorCode]++
			}
		case StatusRetry:
			report.RetriedAttempts++
		}
	}
	report.ProcessingDuration = report.DateTo.Sub(report.DateFrom)
	return report
}
