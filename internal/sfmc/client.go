package sfmc

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"automationsync/internal/core"
)

// maxResponseBytes caps a single SOAP response body.
const maxResponseBytes = 64 << 20

// TokenSource supplies the access token sent with every call.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

func (t StaticToken) Token(ctx context.Context) (string, error) {
	if t == "" {
		return "", errors.New("access token is empty")
	}
	return string(t), nil
}

// APIError is a failed SOAP call.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("sfmc api: %s: %s (http %d)", e.Code, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("sfmc api: %s (http %d)", e.Message, e.StatusCode)
}

// Retryable reports whether repeating the call could succeed. SOAP faults and
// error statuses in a well-formed response are permanent.
func (e *APIError) Retryable() bool {
	if e.Code != "" {
		return false
	}
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// DecodeError is a response body that could not be understood.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode sfmc response: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) Retryable() bool {
	return false
}

// TokenError is a failure to obtain an access token. It is never retried.
type TokenError struct {
	Err error
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("get access token: %v", e.Err)
}

func (e *TokenError) Unwrap() error {
	return e.Err
}

func (e *TokenError) Retryable() bool {
	return false
}

// Client calls the Marketing Cloud SOAP retrieve endpoint.
type Client struct {
	endpoint string
	tokens   TokenSource
	client   *http.Client
	location *time.Location
}

// NewClient creates a SOAP client. Timestamps without a zone are read in location (UTC when nil).
func NewClient(endpoint string, tokens TokenSource, timeout time.Duration, location *time.Location) (*Client, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("sfmc soap endpoint is empty")
	}
	if tokens == nil {
		return nil, fmt.Errorf("sfmc token source is nil")
	}
	if location == nil {
		location = time.UTC
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		tokens:   tokens,
		client: &http.Client{
			Timeout: timeout,
		},
		location: location,
	}, nil
}

// Retrieve issues the initial retrieve call for objectType.
func (c *Client) Retrieve(ctx context.Context, objectType string, properties []string, filter core.Filter) (*core.Page, error) {
	req := retrieveRequest{
		ObjectType: objectType,
		Properties: properties,
	}
	if filter.Property != "" {
		req.Filter = newFilter(filter)
	}
	return c.call(ctx, req)
}

// GetNextBatch continues a previous retrieve identified by requestID.
func (c *Client) GetNextBatch(ctx context.Context, objectType, requestID string) (*core.Page, error) {
	if requestID == "" {
		return nil, core.ErrMissingRequestID
	}
	return c.call(ctx, retrieveRequest{
		ObjectType:      objectType,
		ContinueRequest: requestID,
	})
}

func (c *Client) call(ctx context.Context, req retrieveRequest) (*core.Page, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, &TokenError{Err: err}
	}
	payload, err := xml.Marshal(newEnvelope(token, req))
	if err != nil {
		return nil, fmt.Errorf("encode retrieve request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(append([]byte(xml.Header), payload...)))
	if err != nil {
		return nil, fmt.Errorf("create retrieve request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "text/xml; charset=utf-8")
	httpReq.Header.Set("SOAPAction", "Retrieve")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send retrieve request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read retrieve response: %w", err)
	}

	var env responseEnvelope
	if err := xml.Unmarshal(body, &env); err != nil {
		if resp.StatusCode >= 400 {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return nil, &DecodeError{Err: err}
	}
	if fault := env.Body.Fault; fault != nil {
		return nil, &APIError{StatusCode: resp.StatusCode, Code: fault.Code, Message: fault.String}
	}
	if resp.StatusCode >= 400 {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	msg := env.Body.Response
	if msg == nil {
		return nil, nil
	}
	return c.page(resp.StatusCode, msg)
}

func (c *Client) page(statusCode int, msg *retrieveResponseMsg) (*core.Page, error) {
	page := &core.Page{RequestID: msg.RequestID}
	switch msg.OverallStatus {
	case statusOK:
	case statusMoreDataAvailable:
		page.HasMoreRows = true
	default:
		return nil, &APIError{StatusCode: statusCode, Code: "OverallStatus", Message: msg.OverallStatus}
	}
	page.Results = make([]core.AutomationRecord, 0, len(msg.Results))
	for _, result := range msg.Results {
		rec, err := result.record(c.location)
		if err != nil {
			return nil, &DecodeError{Err: err}
		}
		page.Results = append(page.Results, rec)
	}
	return page, nil
}
