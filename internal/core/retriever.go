package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
)

// AutomationObjectType is the platform object the retriever pages through.
const AutomationObjectType = "Automation"

// AutomationColumns is the fixed projection requested for every automation.
var AutomationColumns = []string{
	"Name",
	"Description",
	"CustomerKey",
	"IsActive",
	"CreatedDate",
	"ModifiedDate",
	"Status",
	"ProgramID",
	"CategoryID",
	"LastRunTime",
	"ScheduledTime",
	"LastSaveDate",
	"ModifiedBy",
	"LastSavedBy",
	"CreatedBy",
	"AutomationType",
	"RecurrenceID",
}

// ErrMissingRequestID is returned when a page claims more rows but carries no continuation identifier.
var ErrMissingRequestID = errors.New("more rows available but no request id returned")

// Filter is a simple property filter, e.g. Status IN (-1, 0, 1).
type Filter struct {
	Property       string
	SimpleOperator string
	Values         []string
}

// AllStatusesFilter selects automations in any known status.
func AllStatusesFilter() Filter {
	values := make([]string, 0, len(AllStatusCodes))
	for _, code := range AllStatusCodes {
		values = append(values, strconv.Itoa(code))
	}
	return Filter{Property: "Status", SimpleOperator: "IN", Values: values}
}

// Page is one server page of a retrieve call.
type Page struct {
	Results     []AutomationRecord
	HasMoreRows bool
	RequestID   string
}

// RetrieveAPI is the platform's paged retrieval protocol. A nil page with a nil
// error means the server had nothing more to return.
type RetrieveAPI interface {
	Retrieve(ctx context.Context, objectType string, properties []string, filter Filter) (*Page, error)
	GetNextBatch(ctx context.Context, objectType, requestID string) (*Page, error)
}

// RetrievalError wraps a failed page fetch.
type RetrievalError struct {
	Page int
	Op   string
	Err  error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("%s page %d: %v", e.Op, e.Page, e.Err)
}

func (e *RetrievalError) Unwrap() error {
	return e.Err
}

// RetryOptions bounds the retries around each page call.
type RetryOptions struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryOptions returns the retry policy used when none is configured.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// Retriever pages through every automation record.
type Retriever struct {
	api    RetrieveAPI
	retry  RetryOptions
	logger *slog.Logger
}

// NewRetriever creates a retriever over the given API.
func NewRetriever(api RetrieveAPI, retry RetryOptions, logger *slog.Logger) *Retriever {
	return &Retriever{
		api:    api,
		retry:  retry,
		logger: logger,
	}
}

// pageState is the accumulator threaded through the pagination loop.
type pageState struct {
	records   []AutomationRecord
	requestID string
	pages     int
	more      bool
}

// FetchAll returns every automation matching the all-statuses filter in the
// order the server returned them. Either the full set is returned or an error.
func (r *Retriever) FetchAll(ctx context.Context) ([]AutomationRecord, error) {
	state := pageState{more: true}
	for state.more {
		if err := ctx.Err(); err != nil {
			return nil, &RetrievalError{Page: state.pages + 1, Op: opName(state), Err: err}
		}
		next, err := r.step(ctx, state)
		if err != nil {
			return nil, err
		}
		state = next
	}
	r.logger.Debug("retrieved automations", "count", len(state.records), "pages", state.pages)
	return state.records, nil
}

func (r *Retriever) step(ctx context.Context, state pageState) (pageState, error) {
	op := opName(state)
	page, err := r.fetchPage(ctx, state)
	if err != nil {
		return state, &RetrievalError{Page: state.pages + 1, Op: op, Err: err}
	}
	if page == nil {
		state.more = false
		return state, nil
	}
	if page.HasMoreRows && page.RequestID == "" {
		return state, &RetrievalError{Page: state.pages + 1, Op: op, Err: ErrMissingRequestID}
	}
	records := make([]AutomationRecord, 0, len(state.records)+len(page.Results))
	records = append(records, state.records...)
	records = append(records, page.Results...)
	return pageState{
		records:   records,
		requestID: page.RequestID,
		pages:     state.pages + 1,
		more:      page.HasMoreRows,
	}, nil
}

func (r *Retriever) fetchPage(ctx context.Context, state pageState) (*Page, error) {
	var page *Page
	operation := func() error {
		var err error
		if state.pages == 0 {
			page, err = r.api.Retrieve(ctx, AutomationObjectType, AutomationColumns, AllStatusesFilter())
		} else {
			page, err = r.api.GetNextBatch(ctx, AutomationObjectType, state.requestID)
		}
		if err != nil && !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("automation page fetch failed, retrying", "page", state.pages+1, "wait", wait, "err", err)
	}
	if err := backoff.RetryNotify(operation, r.backOff(ctx), notify); err != nil {
		return nil, err
	}
	return page, nil
}

func (r *Retriever) backOff(ctx context.Context) backoff.BackOff {
	if r.retry.MaxRetries == 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	exp := backoff.NewExponentialBackOff()
	if r.retry.InitialInterval > 0 {
		exp.InitialInterval = r.retry.InitialInterval
	}
	if r.retry.MaxInterval > 0 {
		exp.MaxInterval = r.retry.MaxInterval
	}
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, r.retry.MaxRetries), ctx)
}

func opName(state pageState) string {
	if state.pages == 0 {
		return "retrieve"
	}
	return "get next batch"
}

// isRetryable reports whether a failed call may succeed if repeated. Errors
// that implement Retryable() decide for themselves; cancellation and a missing
// continuation identifier never retry.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrMissingRequestID) {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}
