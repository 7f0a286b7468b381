package stats

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prasenjit/omock/internal/models"
)

const (
	defaultMaxErrors   = 100
	defaultHourlySlots = 168 // one week
	topMocksLimit      = 10
	hourKeyLayout      = "2006-01-02-15"
)

// Collector aggregates dispatch statistics per mock
type Collector struct {
	mu           sync.RWMutex
	startTime    time.Time
	mocks        map[string]*models.AtomicMockStat // keyed by mock id, or api name when unmatched
	recentErrors []models.ErrorStat
	hourly       map[string]*models.HourlyStat
	maxErrors    int
	hourlySlots  int
	now          func() time.Time
}

// NewCollector creates a new statistics collector
func NewCollector() *Collector {
	return &Collector{
		startTime:    time.Now(),
		mocks:        make(map[string]*models.AtomicMockStat),
		recentErrors: make([]models.ErrorStat, 0),
		hourly:       make(map[string]*models.HourlyStat),
		maxErrors:    defaultMaxErrors,
		hourlySlots:  defaultHourlySlots,
		now:          time.Now,
	}
}

// RecordRequest records one dispatch of a mock
func (c *Collector) RecordRequest(mockID, apiName, method string, duration time.Duration, isError bool) {
	key := mockID
	if key == "" {
		key = apiName
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	stat, ok := c.mocks[key]
	if !ok {
		stat = &models.AtomicMockStat{
			MockID:  mockID,
			APIName: apiName,
			Method:  method,
		}
		stat.MinTimeNs.Store(duration.Nanoseconds())
		c.mocks[key] = stat
	}
	// a renamed mock reports its latest name
	stat.APIName = apiName
	stat.Method = method

	ns := duration.Nanoseconds()
	stat.TotalRequests.Add(1)
	stat.TotalTimeNs.Add(ns)
	stat.LastRequestTime.Store(c.now())
	storeMin(&stat.MinTimeNs, ns)
	storeMax(&stat.MaxTimeNs, ns)
	if isError {
		stat.TotalErrors.Add(1)
	}

	hourKey := c.now().Format(hourKeyLayout)
	h, ok := c.hourly[hourKey]
	if !ok {
		h = &models.HourlyStat{Hour: hourKey}
		c.hourly[hourKey] = h
		c.pruneHourly()
	}
	h.Requests++
	if isError {
		h.Errors++
	}
}

// RecordError keeps a bounded list of recent failures
func (c *Collector) RecordError(mockID, apiName, method string, statusCode int, err string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.recentErrors = append(c.recentErrors, models.ErrorStat{
		Timestamp:  c.now(),
		MockID:     mockID,
		APIName:    apiName,
		Method:     method,
		StatusCode: statusCode,
		Error:      err,
	})
	if over := len(c.recentErrors) - c.maxErrors; over > 0 {
		c.recentErrors = c.recentErrors[over:]
	}
}

// GetGlobalStats returns the process-wide summary
func (c *Collector) GetGlobalStats(activeMocks int) *models.GlobalStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var totalRequests, totalErrors, totalTimeNs int64
	all := make([]models.MockStat, 0, len(c.mocks))
	for _, m := range c.mocks {
		s := m.ToMockStat()
		all = append(all, s)
		totalRequests += s.TotalRequests
		totalErrors += s.TotalErrors
		totalTimeNs += m.TotalTimeNs.Load()
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].TotalRequests != all[j].TotalRequests {
			return all[i].TotalRequests > all[j].TotalRequests
		}
		return all[i].APIName < all[j].APIName
	})
	if len(all) > topMocksLimit {
		all = all[:topMocksLimit]
	}

	var avgMs, rps float64
	if totalRequests > 0 {
		avgMs = float64(totalTimeNs) / float64(totalRequests) / 1e6
	}
	uptime := c.now().Sub(c.startTime)
	if uptime > 0 {
		rps = float64(totalRequests) / uptime.Seconds()
	}

	errs := make([]models.ErrorStat, len(c.recentErrors))
	copy(errs, c.recentErrors)

	return &models.GlobalStats{
		TotalRequests:     totalRequests,
		TotalErrors:       totalErrors,
		ActiveMocks:       activeMocks,
		AvgResponseTimeMs: avgMs,
		RequestsPerSecond: rps,
		StartTime:         c.startTime,
		Uptime:            formatDuration(uptime),
		TopMocks:          all,
		RecentErrors:      errs,
		RequestsByHour:    c.last24Hours(),
	}
}

// GetMockStats returns the summary of one mock, or nil if it was never dispatched
func (c *Collector) GetMockStats(mockID string) *models.MockStat {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.mocks[mockID]
	if !ok {
		return nil
	}
	s := m.ToMockStat()
	return &s
}

// Forget drops the counters of a removed mock
func (c *Collector) Forget(mockID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.mocks, mockID)
}

// Reset resets all statistics
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.startTime = c.now()
	c.mocks = make(map[string]*models.AtomicMockStat)
	c.recentErrors = make([]models.ErrorStat, 0)
	c.hourly = make(map[string]*models.HourlyStat)
}

// last24Hours lists hourly counters oldest first. Caller holds mu.
func (c *Collector) last24Hours() []models.HourlyStat {
	now := c.now()
	out := make([]models.HourlyStat, 0, 24)
	for i := 23; i >= 0; i-- {
		hour := now.Add(-time.Duration(i) * time.Hour)
		s := models.HourlyStat{Hour: hour.Format("15:00")}
		if h, ok := c.hourly[hour.Format(hourKeyLayout)]; ok {
			s.Requests = h.Requests
			s.Errors = h.Errors
		}
		out = append(out, s)
	}
	return out
}

// pruneHourly drops the oldest slots beyond the retention window. Caller holds mu.
func (c *Collector) pruneHourly() {
	if len(c.hourly) <= c.hourlySlots {
		return
	}
	keys := make([]string, 0, len(c.hourly))
	for k := range c.hourly {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys[:len(keys)-c.hourlySlots] {
		delete(c.hourly, k)
	}
}

func storeMin(v *atomic.Int64, ns int64) {
	for {
		cur := v.Load()
		if ns >= cur || v.CompareAndSwap(cur, ns) {
			return
		}
	}
}

func storeMax(v *atomic.Int64, ns int64) {
	for {
		cur := v.Load()
		if ns <= cur || v.CompareAndSwap(cur, ns) {
			return
		}
	}
}

func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		return d.Round(time.Minute).String()
	case d >= time.Minute:
		return d.Round(time.Second).String()
	default:
		return d.Round(time.Millisecond).String()
	}
}
