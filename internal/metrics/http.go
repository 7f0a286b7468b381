package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Endpoint labels for routes that would otherwise carry one label per path
const (
	EndpointMock      = "/mock"
	EndpointUnmatched = "unmatched"
)

// endpointLabel keys a request by its route pattern. Every mock name shares
// one label.
func endpointLabel(c *gin.Context) string {
	route := c.FullPath()
	switch {
	case route == "":
		return EndpointUnmatched
	case route == EndpointMock || strings.HasPrefix(route, EndpointMock+"/"):
		return EndpointMock
	}
	return route
}

// GinMiddleware counts and times every request by method and route. Non-2xx
// responses are also counted as errors with their status.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	if m == nil {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		method := c.Request.Method
		endpoint := endpointLabel(c)
		status := c.Writer.Status()

		m.HTTPRequests.WithLabelValues(method, endpoint).Inc()
		m.HTTPDuration.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())
		if status < 200 || status > 299 {
			m.HTTPErrors.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
		}
	}
}
