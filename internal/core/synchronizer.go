package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	// DestinationTable is the data extension mirroring automation statuses.
	DestinationTable = "Automation_Status"
	// SentinelColumn marks the rows removed before each refresh.
	SentinelColumn = "flag"
	// SentinelValue is the SentinelColumn value of removable rows.
	SentinelValue = 1
)

// Table is a handle on one data extension.
type Table interface {
	RemoveRows(ctx context.Context, keyColumns []string, keyValues []any) (int64, error)
	AddRow(ctx context.Context, fields map[string]any) error
}

// Tables resolves data extensions by name.
type Tables interface {
	Init(ctx context.Context, name string) (Table, error)
}

// Fetcher returns the complete automation set.
type Fetcher interface {
	FetchAll(ctx context.Context) ([]AutomationRecord, error)
}

// SyncState is the phase a synchronization run is in or ended in.
type SyncState string

const (
	SyncStateIdle       SyncState = "idle"
	SyncStateClearing   SyncState = "clearing"
	SyncStateRetrieving SyncState = "retrieving"
	SyncStateWriting    SyncState = "writing"
	SyncStateDone       SyncState = "done"
	SyncStatePartial    SyncState = "partial"
	SyncStateFailed     SyncState = "failed"
)

// RowFailure is one insert that did not succeed.
type RowFailure struct {
	CustomerKey string
	Err         error
}

// SyncResult summarizes one synchronization run.
type SyncResult struct {
	State       SyncState
	StartedAt   time.Time
	EndedAt     time.Time
	Cleared     int64
	Retrieved   int
	Written     int
	ClearErr    error
	RetrieveErr error
	Failures    []RowFailure
}

// RecordsFailed is the number of rows that could not be written.
func (r SyncResult) RecordsFailed() int {
	return len(r.Failures)
}

// FailedKeys lists the CustomerKey of every failed row in write order.
func (r SyncResult) FailedKeys() []string {
	keys := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		keys = append(keys, f.CustomerKey)
	}
	return keys
}

// Err joins every error the run recorded, or returns nil for a clean run.
func (r SyncResult) Err() error {
	errs := make([]error, 0, len(r.Failures)+2)
	if r.ClearErr != nil {
		errs = append(errs, fmt.Errorf("clear: %w", r.ClearErr))
	}
	if r.RetrieveErr != nil {
		errs = append(errs, fmt.Errorf("retrieve: %w", r.RetrieveErr))
	}
	for _, f := range r.Failures {
		errs = append(errs, fmt.Errorf("write %s: %w", f.CustomerKey, f.Err))
	}
	return errors.Join(errs...)
}

// Report renders a human-readable diagnostic of the run.
func (r SyncResult) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "state=%s retrieved=%d written=%d failed=%d duration=%s\n",
		r.State, r.Retrieved, r.Written, r.RecordsFailed(), r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond))
	if r.ClearErr != nil {
		fmt.Fprintf(&b, "clear failed: %v\n", r.ClearErr)
	}
	if r.RetrieveErr != nil {
		fmt.Fprintf(&b, "retrieve failed: %v\n", r.RetrieveErr)
	}
	for _, f := range r.Failures {
		fmt.Fprintf(&b, "write failed: %s: %v\n", f.CustomerKey, f.Err)
	}
	return b.String()
}

// Synchronizer refreshes the destination table from the platform.
type Synchronizer struct {
	fetcher Fetcher
	tables  Tables
	table   string
	logger  *slog.Logger
	now     func() time.Time
}

// NewSynchronizer creates a synchronizer writing to DestinationTable.
func NewSynchronizer(fetcher Fetcher, tables Tables, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		fetcher: fetcher,
		tables:  tables,
		table:   DestinationTable,
		logger:  logger,
		now:     time.Now,
	}
}

// Sync clears the table, retrieves every automation and writes one row each.
// It never returns an error; failures are recorded on the result.
func (s *Synchronizer) Sync(ctx context.Context) (result SyncResult) {
	result = SyncResult{State: SyncStateIdle, StartedAt: s.now().UTC()}
	defer func() {
		result.EndedAt = s.now().UTC()
	}()

	s.transition(&result, SyncStateClearing)
	table, err := s.tables.Init(ctx, s.table)
	if err == nil {
		result.Cleared, err = table.RemoveRows(ctx, []string{SentinelColumn}, []any{SentinelValue})
	}
	if err != nil {
		result.ClearErr = err
		s.logger.Warn("clear destination table", "table", s.table, "err", err)
	}

	s.transition(&result, SyncStateRetrieving)
	records, err := s.fetcher.FetchAll(ctx)
	if err != nil {
		result.RetrieveErr = err
		s.logger.Error("retrieve automations", "err", err)
		s.transition(&result, SyncStateFailed)
		return result
	}
	result.Retrieved = len(records)

	s.transition(&result, SyncStateWriting)
	if table == nil {
		table, err = s.tables.Init(ctx, s.table)
		if err != nil {
			for _, rec := range records {
				result.Failures = append(result.Failures, RowFailure{CustomerKey: rec.CustomerKey, Err: err})
			}
			s.logger.Error("open destination table", "table", s.table, "err", err)
			s.transition(&result, SyncStateFailed)
			return result
		}
	}
	s.writeRows(ctx, table, records, &result)

	if result.ClearErr != nil || len(result.Failures) > 0 {
		s.transition(&result, SyncStatePartial)
	} else {
		s.transition(&result, SyncStateDone)
	}
	return result
}

func (s *Synchronizer) writeRows(ctx context.Context, table Table, records []AutomationRecord, result *SyncResult) {
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			for _, rest := range records[i:] {
				result.Failures = append(result.Failures, RowFailure{CustomerKey: rest.CustomerKey, Err: err})
			}
			s.logger.Warn("write phase canceled", "remaining", len(records)-i, "err", err)
			return
		}
		row := NewStatusRow(rec)
		if err := table.AddRow(ctx, row.Fields()); err != nil {
			result.Failures = append(result.Failures, RowFailure{CustomerKey: rec.CustomerKey, Err: err})
			s.logger.Warn("write automation row", "customer_key", rec.CustomerKey, "err", err)
			continue
		}
		result.Written++
	}
}

func (s *Synchronizer) transition(result *SyncResult, next SyncState) {
	s.logger.Debug("sync state", "from", result.State, "to", next)
	result.State = next
}
