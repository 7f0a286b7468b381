package models

import (
	"time"
)

// Trace is a captured dispatch: the inbound request and the emitted response
type Trace struct {
	ID           string        `json:"id"`
	MockID       string        `json:"mock_id,omitempty"`
	APIName      string        `json:"api_name"`
	VariantIndex int           `json:"variant_index"` // -1 when no variant was chosen
	Timestamp    time.Time     `json:"timestamp"`
	Duration     int64         `json:"duration"` // nanoseconds
	Request      TraceRequest  `json:"request"`
	Response     TraceResponse `json:"response"`
	Error        string        `json:"error,omitempty"`
}

// TraceRequest represents the captured request
type TraceRequest struct {
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Query   map[string][]string `json:"query"`
	Headers map[string][]string `json:"headers"`
	Body    string              `json:"body"`
}

// TraceResponse represents the captured response
type TraceResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// TraceFilter narrows a trace listing; zero values match everything
type TraceFilter struct {
	MockID     string    `json:"mock_id,omitempty"`
	APIName    string    `json:"api_name,omitempty"`
	Method     string    `json:"method,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	StartTime  time.Time `json:"start_time,omitempty"`
	EndTime    time.Time `json:"end_time,omitempty"`
	Limit      int       `json:"limit,omitempty"`
	Offset     int       `json:"offset,omitempty"`
}

// Matches reports whether t passes every set field of f
func (f TraceFilter) Matches(t *Trace) bool {
	if f.MockID != "" && t.MockID != f.MockID {
		return false
	}
	if f.APIName != "" && t.APIName != f.APIName {
		return false
	}
	if f.Method != "" && t.Request.Method != f.Method {
		return false
	}
	if f.StatusCode != 0 && t.Response.StatusCode != f.StatusCode {
		return false
	}
	if !f.StartTime.IsZero() && t.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && t.Timestamp.After(f.EndTime) {
		return false
	}
	return true
}
