package sfmc

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"automationsync/internal/core"
	"automationsync/internal/logging"
)

type capturedRequest struct {
	Token   string `xml:"Header>fueloauth"`
	Request struct {
		ObjectType string   `xml:"ObjectType"`
		Properties []string `xml:"Properties"`
		Filter     *struct {
			Type           string   `xml:"type,attr"`
			Property       string   `xml:"Property"`
			SimpleOperator string   `xml:"SimpleOperator"`
			Value          []string `xml:"Value"`
		} `xml:"Filter"`
		ContinueRequest string `xml:"ContinueRequest"`
	} `xml:"Body>RetrieveRequestMsg>RetrieveRequest"`
}

type soapServer struct {
	mu        sync.Mutex
	requests  []capturedRequest
	headers   []http.Header
	responses []soapResponse
}

type soapResponse struct {
	status int
	body   string
}

func (s *soapServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, _ := io.ReadAll(r.Body)
	var req capturedRequest
	if err := xml.Unmarshal(raw, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.requests = append(s.requests, req)
	s.headers = append(s.headers, r.Header.Clone())
	if len(s.responses) == 0 {
		http.Error(w, "no scripted response", http.StatusTeapot)
		return
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(resp.status)
	_, _ = io.WriteString(w, resp.body)
}

func newTestClient(t *testing.T, responses ...soapResponse) (*Client, *soapServer) {
	t.Helper()
	srv := &soapServer{responses: responses}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	c, err := NewClient(ts.URL+"/Service.asmx", StaticToken("secret-token"), 5*time.Second, nil)
	require.NoError(t, err)
	return c, srv
}

func envelope(body string) string {
	return `<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
  <soap:Header/>
  <soap:Body>` + body + `</soap:Body>
</soap:Envelope>`
}

func retrieveResponse(status, requestID string, results ...string) string {
	return envelope(fmt.Sprintf(`<RetrieveResponseMsg xmlns="http://exacttarget.com/wsdl/partnerAPI">
    <OverallStatus>%s</OverallStatus>
    <RequestID>%s</RequestID>%s
  </RetrieveResponseMsg>`, status, requestID, strings.Join(results, "")))
}

func automationResultXML(key, name, status string) string {
	return fmt.Sprintf(`
    <Results xsi:type="Automation" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance">
      <Name>%s</Name>
      <CustomerKey>%s</CustomerKey>
      <IsActive>true</IsActive>
      <Status>%s</Status>
      <ModifiedDate>2024-02-10T14:05:00.123</ModifiedDate>
      <LastRunTime>2024-02-11T01:00:00Z</LastRunTime>
    </Results>`, name, key, status)
}

func TestNewClient_Validates(t *testing.T) {
	_, err := NewClient("", StaticToken("x"), time.Second, nil)
	assert.Error(t, err)
	_, err = NewClient("https://example.test", nil, time.Second, nil)
	assert.Error(t, err)
}

func TestClient_Retrieve_SendsRequestAndParsesPage(t *testing.T) {
	c, srv := newTestClient(t, soapResponse{
		status: http.StatusOK,
		body: retrieveResponse("MoreDataAvailable", "req-42",
			automationResultXML("key-1", "Daily Import", "3"),
			automationResultXML("key-2", "Weekly Export", "-1")),
	})

	page, err := c.Retrieve(context.Background(), core.AutomationObjectType, core.AutomationColumns, core.AllStatusesFilter())
	require.NoError(t, err)
	require.NotNil(t, page)
	assert.True(t, page.HasMoreRows)
	assert.Equal(t, "req-42", page.RequestID)
	require.Len(t, page.Results, 2)

	first := page.Results[0]
	assert.Equal(t, "Daily Import", first.Name)
	assert.Equal(t, "key-1", first.CustomerKey)
	assert.Equal(t, 3, first.Status)
	assert.True(t, first.IsActive)
	require.NotNil(t, first.ModifiedDate)
	assert.Equal(t, time.Date(2024, 2, 10, 14, 5, 0, 123000000, time.UTC), *first.ModifiedDate)
	require.NotNil(t, first.LastRunTime)
	assert.Equal(t, time.Date(2024, 2, 11, 1, 0, 0, 0, time.UTC), *first.LastRunTime)
	assert.Nil(t, first.CreatedDate)
	assert.Equal(t, -1, page.Results[1].Status)

	require.Len(t, srv.requests, 1)
	req := srv.requests[0]
	assert.Equal(t, "secret-token", req.Token)
	assert.Equal(t, "Automation", req.Request.ObjectType)
	assert.Equal(t, core.AutomationColumns, req.Request.Properties)
	require.NotNil(t, req.Request.Filter)
	assert.Equal(t, "SimpleFilterPart", req.Request.Filter.Type)
	assert.Equal(t, "Status", req.Request.Filter.Property)
	assert.Equal(t, "IN", req.Request.Filter.SimpleOperator)
	assert.Equal(t, []string{"-1", "0", "1", "2", "3", "4", "5", "6", "7", "8"}, req.Request.Filter.Value)
	assert.Empty(t, req.Request.ContinueRequest)
	assert.Equal(t, "Retrieve", srv.headers[0].Get("SOAPAction"))
	assert.Contains(t, srv.headers[0].Get("Content-Type"), "text/xml")
}

func TestClient_GetNextBatch_SendsContinueRequest(t *testing.T) {
	c, srv := newTestClient(t, soapResponse{
		status: http.StatusOK,
		body:   retrieveResponse("OK", "req-42", automationResultXML("key-3", "Last", "2")),
	})

	page, err := c.GetNextBatch(context.Background(), core.AutomationObjectType, "req-42")
	require.NoError(t, err)
	assert.False(t, page.HasMoreRows)
	require.Len(t, page.Results, 1)

	req := srv.requests[0]
	assert.Equal(t, "req-42", req.Request.ContinueRequest)
	assert.Empty(t, req.Request.Properties)
	assert.Nil(t, req.Request.Filter)
}

func TestClient_GetNextBatch_RequiresRequestID(t *testing.T) {
	c, srv := newTestClient(t)
	_, err := c.GetNextBatch(context.Background(), core.AutomationObjectType, "")
	assert.ErrorIs(t, err, core.ErrMissingRequestID)
	assert.Empty(t, srv.requests)
}

func TestClient_EmptyBodyIsNilPage(t *testing.T) {
	c, _ := newTestClient(t, soapResponse{status: http.StatusOK, body: envelope("")})
	page, err := c.Retrieve(context.Background(), core.AutomationObjectType, core.AutomationColumns, core.AllStatusesFilter())
	assert.NoError(t, err)
	assert.Nil(t, page)
}

func TestClient_Errors(t *testing.T) {
	fault := envelope(`<soap:Fault><faultcode>soap:Client</faultcode><faultstring>Login failed</faultstring></soap:Fault>`)
	tests := []struct {
		name      string
		response  soapResponse
		retryable bool
		decode    bool
	}{
		{name: "soap fault", response: soapResponse{status: http.StatusInternalServerError, body: fault}},
		{name: "unavailable", response: soapResponse{status: http.StatusServiceUnavailable, body: "upstream down"}, retryable: true},
		{name: "throttled", response: soapResponse{status: http.StatusTooManyRequests, body: ""}, retryable: true},
		{name: "unauthorized", response: soapResponse{status: http.StatusUnauthorized, body: "nope"}},
		{name: "error status", response: soapResponse{status: http.StatusOK, body: retrieveResponse("Error: invalid filter", "")}},
		{name: "garbage", response: soapResponse{status: http.StatusOK, body: "<html>"}, decode: true},
		{name: "invalid status code", response: soapResponse{status: http.StatusOK, body: retrieveResponse("OK", "", automationResultXML("k", "n", "abc"))}, decode: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, tt.response)
			page, err := c.Retrieve(context.Background(), core.AutomationObjectType, core.AutomationColumns, core.AllStatusesFilter())
			assert.Nil(t, page)
			require.Error(t, err)

			var retry interface{ Retryable() bool }
			require.True(t, errors.As(err, &retry), "error %v is not classified", err)
			assert.Equal(t, tt.retryable, retry.Retryable())

			var decodeErr *DecodeError
			assert.Equal(t, tt.decode, errors.As(err, &decodeErr))
		})
	}
}

func TestClient_FaultDetails(t *testing.T) {
	c, _ := newTestClient(t, soapResponse{
		status: http.StatusInternalServerError,
		body:   envelope(`<soap:Fault><faultcode>soap:Client</faultcode><faultstring>Login failed</faultstring></soap:Fault>`),
	})
	_, err := c.Retrieve(context.Background(), core.AutomationObjectType, core.AutomationColumns, core.AllStatusesFilter())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "soap:Client", apiErr.Code)
	assert.Equal(t, "Login failed", apiErr.Message)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
}

func TestClient_ZonelessTimesUseLocation(t *testing.T) {
	srv := &soapServer{responses: []soapResponse{{
		status: http.StatusOK,
		body:   retrieveResponse("OK", "", automationResultXML("key-1", "Import", "2")),
	}}}
	ts := httptest.NewServer(srv)
	defer ts.Close()
	cst := time.FixedZone("CST", -6*60*60)
	c, err := NewClient(ts.URL, StaticToken("t"), time.Second, cst)
	require.NoError(t, err)

	page, err := c.Retrieve(context.Background(), core.AutomationObjectType, core.AutomationColumns, core.AllStatusesFilter())
	require.NoError(t, err)
	rec := page.Results[0]
	assert.Equal(t, time.Date(2024, 2, 10, 20, 5, 0, 123000000, time.UTC), *rec.ModifiedDate)
	assert.Equal(t, time.Date(2024, 2, 11, 1, 0, 0, 0, time.UTC), *rec.LastRunTime)
}

func TestClient_WithRetriever(t *testing.T) {
	c, srv := newTestClient(t,
		soapResponse{status: http.StatusOK, body: retrieveResponse("MoreDataAvailable", "req-7",
			automationResultXML("a", "A", "1"), automationResultXML("b", "B", "2"))},
		soapResponse{status: http.StatusServiceUnavailable, body: "busy"},
		soapResponse{status: http.StatusOK, body: retrieveResponse("OK", "req-7", automationResultXML("c", "C", "8"))},
	)
	retry := core.RetryOptions{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	records, err := core.NewRetriever(c, retry, logging.Discard()).FetchAll(context.Background())
	require.NoError(t, err)

	keys := make([]string, 0, len(records))
	for _, rec := range records {
		keys = append(keys, rec.CustomerKey)
	}
	assert.Equal(t, []string{"a", "b", "c"}, keys)
	require.Len(t, srv.requests, 3)
	assert.Equal(t, "req-7", srv.requests[1].Request.ContinueRequest)
	assert.Equal(t, "req-7", srv.requests[2].Request.ContinueRequest)
}

func TestClient_EmptyTokenIsPermanent(t *testing.T) {
	srv := &soapServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()
	c, err := NewClient(ts.URL, StaticToken(""), time.Second, nil)
	require.NoError(t, err)

	_, err = c.Retrieve(context.Background(), core.AutomationObjectType, core.AutomationColumns, core.AllStatusesFilter())
	var tokenErr *TokenError
	require.ErrorAs(t, err, &tokenErr)
	assert.False(t, tokenErr.Retryable())
	assert.Empty(t, srv.requests)

	retry := core.RetryOptions{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	records, err := core.NewRetriever(c, retry, logging.Discard()).FetchAll(context.Background())
	assert.Nil(t, records)
	assert.ErrorAs(t, err, &tokenErr)
}
