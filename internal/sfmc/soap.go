package sfmc

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"automationsync/internal/core"
)

const (
	soapEnvelopeNS = "http://schemas.xmlsoap.org/soap/envelope/"
	xsiNS          = "http://www.w3.org/2001/XMLSchema-instance"
	exactTargetNS  = "http://exacttarget.com"
	partnerAPINS   = "http://exacttarget.com/wsdl/partnerAPI"

	statusOK                = "OK"
	statusMoreDataAvailable = "MoreDataAvailable"
)

type requestEnvelope struct {
	XMLName xml.Name      `xml:"soap:Envelope"`
	SoapNS  string        `xml:"xmlns:soap,attr"`
	XsiNS   string        `xml:"xmlns:xsi,attr"`
	Header  requestHeader `xml:"soap:Header"`
	Body    requestBody   `xml:"soap:Body"`
}

type requestHeader struct {
	FuelOAuth fuelOAuth `xml:"fueloauth"`
}

type fuelOAuth struct {
	XMLNS string `xml:"xmlns,attr"`
	Token string `xml:",chardata"`
}

type requestBody struct {
	Retrieve retrieveRequestMsg `xml:"RetrieveRequestMsg"`
}

type retrieveRequestMsg struct {
	XMLNS   string          `xml:"xmlns,attr"`
	Request retrieveRequest `xml:"RetrieveRequest"`
}

type retrieveRequest struct {
	ObjectType      string            `xml:"ObjectType"`
	Properties      []string          `xml:"Properties,omitempty"`
	Filter          *simpleFilterPart `xml:"Filter,omitempty"`
	ContinueRequest string            `xml:"ContinueRequest,omitempty"`
}

type simpleFilterPart struct {
	Type           string   `xml:"xsi:type,attr"`
	Property       string   `xml:"Property"`
	SimpleOperator string   `xml:"SimpleOperator"`
	Value          []string `xml:"Value"`
}

func newEnvelope(token string, req retrieveRequest) requestEnvelope {
	return requestEnvelope{
		SoapNS: soapEnvelopeNS,
		XsiNS:  xsiNS,
		Header: requestHeader{FuelOAuth: fuelOAuth{XMLNS: exactTargetNS, Token: token}},
		Body: requestBody{Retrieve: retrieveRequestMsg{
			XMLNS:   partnerAPINS,
			Request: req,
		}},
	}
}

func newFilter(f core.Filter) *simpleFilterPart {
	return &simpleFilterPart{
		Type:           "SimpleFilterPart",
		Property:       f.Property,
		SimpleOperator: strings.ToUpper(f.SimpleOperator),
		Value:          f.Values,
	}
}

type responseEnvelope struct {
	Body struct {
		Fault    *soapFault           `xml:"Fault"`
		Response *retrieveResponseMsg `xml:"RetrieveResponseMsg"`
	} `xml:"Body"`
}

type soapFault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
}

type retrieveResponseMsg struct {
	OverallStatus string             `xml:"OverallStatus"`
	RequestID     string             `xml:"RequestID"`
	Results       []automationResult `xml:"Results"`
}

type automationResult struct {
	Name           string `xml:"Name"`
	Description    string `xml:"Description"`
	CustomerKey    string `xml:"CustomerKey"`
	IsActive       string `xml:"IsActive"`
	CreatedDate    string `xml:"CreatedDate"`
	ModifiedDate   string `xml:"ModifiedDate"`
	Status         string `xml:"Status"`
	ProgramID      string `xml:"ProgramID"`
	CategoryID     string `xml:"CategoryID"`
	LastRunTime    string `xml:"LastRunTime"`
	ScheduledTime  string `xml:"ScheduledTime"`
	LastSaveDate   string `xml:"LastSaveDate"`
	ModifiedBy     string `xml:"ModifiedBy"`
	LastSavedBy    string `xml:"LastSavedBy"`
	CreatedBy      string `xml:"CreatedBy"`
	AutomationType string `xml:"AutomationType"`
	RecurrenceID   string `xml:"RecurrenceID"`
}

// timeLayouts are tried in order; layouts without a zone use the client location.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

func (r automationResult) record(loc *time.Location) (core.AutomationRecord, error) {
	rec := core.AutomationRecord{
		Name:           r.Name,
		Description:    r.Description,
		CustomerKey:    r.CustomerKey,
		ProgramID:      r.ProgramID,
		CategoryID:     r.CategoryID,
		ModifiedBy:     r.ModifiedBy,
		LastSavedBy:    r.LastSavedBy,
		CreatedBy:      r.CreatedBy,
		AutomationType: r.AutomationType,
		RecurrenceID:   r.RecurrenceID,
	}
	status, err := strconv.Atoi(strings.TrimSpace(r.Status))
	if err != nil {
		return rec, fmt.Errorf("automation %q: invalid status %q", r.CustomerKey, r.Status)
	}
	rec.Status = status
	if v := strings.TrimSpace(r.IsActive); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			return rec, fmt.Errorf("automation %q: invalid IsActive %q", r.CustomerKey, r.IsActive)
		}
		rec.IsActive = active
	}
	times := []struct {
		name  string
		value string
		dst   **time.Time
	}{
		{"CreatedDate", r.CreatedDate, &rec.CreatedDate},
		{"ModifiedDate", r.ModifiedDate, &rec.ModifiedDate},
		{"LastRunTime", r.LastRunTime, &rec.LastRunTime},
		{"ScheduledTime", r.ScheduledTime, &rec.ScheduledTime},
		{"LastSaveDate", r.LastSaveDate, &rec.LastSaveDate},
	}
	for _, field := range times {
		t, err := parseTime(field.value, loc)
		if err != nil {
			return rec, fmt.Errorf("automation %q: invalid %s: %w", r.CustomerKey, field.name, err)
		}
		*field.dst = t
	}
	return rec, nil
}

func parseTime(value string, loc *time.Location) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	var lastErr error
	for _, layout := range timeLayouts {
		t, err := time.ParseInLocation(layout, value, loc)
		if err == nil {
			utc := t.UTC()
			return &utc, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
