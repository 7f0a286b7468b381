package models

import (
	"sync/atomic"
	"time"
)

// GlobalStats is the process-wide dispatch summary
type GlobalStats struct {
	TotalRequests     int64        `json:"total_requests"`
	TotalErrors       int64        `json:"total_errors"`
	ActiveMocks       int          `json:"active_mocks"`
	AvgResponseTimeMs float64      `json:"avg_response_time_ms"`
	RequestsPerSecond float64      `json:"requests_per_second"`
	StartTime         time.Time    `json:"start_time"`
	Uptime            string       `json:"uptime"`
	TopMocks          []MockStat   `json:"top_mocks"`
	RecentErrors      []ErrorStat  `json:"recent_errors"`
	RequestsByHour    []HourlyStat `json:"requests_by_hour"`
}

// MockStat is the dispatch summary of a single mock
type MockStat struct {
	MockID            string  `json:"mock_id"`
	APIName           string  `json:"api_name"`
	Method            string  `json:"method"`
	TotalRequests     int64   `json:"total_requests"`
	TotalErrors       int64   `json:"total_errors"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	MinResponseTimeMs float64 `json:"min_response_time_ms"`
	MaxResponseTimeMs float64 `json:"max_response_time_ms"`
	LastRequestTime   string  `json:"last_request_time,omitempty"`
}

// ErrorStat records one failed dispatch
type ErrorStat struct {
	Timestamp  time.Time `json:"timestamp"`
	MockID     string    `json:"mock_id,omitempty"`
	APIName    string    `json:"api_name"`
	Method     string    `json:"method"`
	StatusCode int       `json:"status_code"`
	Error      string    `json:"error"`
}

// HourlyStat represents hourly request statistics
type HourlyStat struct {
	Hour     string `json:"hour"`
	Requests int64  `json:"requests"`
	Errors   int64  `json:"errors"`
}

// AtomicMockStat accumulates per-mock counters without a lock
type AtomicMockStat struct {
	MockID          string
	APIName         string
	Method          string
	TotalRequests   atomic.Int64
	TotalErrors     atomic.Int64
	TotalTimeNs     atomic.Int64
	MinTimeNs       atomic.Int64
	MaxTimeNs       atomic.Int64
	LastRequestTime atomic.Value // time.Time
}

// ToMockStat snapshots the counters
func (a *AtomicMockStat) ToMockStat() MockStat {
	total := a.TotalRequests.Load()
	var avgMs float64
	if total > 0 {
		avgMs = float64(a.TotalTimeNs.Load()) / float64(total) / 1e6
	}

	var last string
	if t, ok := a.LastRequestTime.Load().(time.Time); ok && !t.IsZero() {
		last = t.Format(time.RFC3339)
	}

	return MockStat{
		MockID:            a.MockID,
		APIName:           a.APIName,
		Method:            a.Method,
		TotalRequests:     total,
		TotalErrors:       a.TotalErrors.Load(),
		AvgResponseTimeMs: avgMs,
		MinResponseTimeMs: float64(a.MinTimeNs.Load()) / 1e6,
		MaxResponseTimeMs: float64(a.MaxTimeNs.Load()) / 1e6,
		LastRequestTime:   last,
	}
}
