package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prasenjit/omock/internal/logging"
	"github.com/prasenjit/omock/internal/mocks"
	"github.com/prasenjit/omock/internal/models"
	"github.com/prasenjit/omock/internal/parser"
	"github.com/prasenjit/omock/internal/peersync"
	"github.com/prasenjit/omock/internal/stats"
	"github.com/prasenjit/omock/internal/storage"
	"github.com/prasenjit/omock/internal/template"
	"github.com/prasenjit/omock/internal/tracing"
	"go.uber.org/zap"
)

// SyncController is the part of the peer synchronizer the API exposes
type SyncController interface {
	SyncNow(ctx context.Context) (*peersync.CycleResult, error)
	Status() peersync.Status
	Ready() bool
}

// Handler handles API requests
type Handler struct {
	mocks          *mocks.Service
	statsCollector *stats.Collector
	tracingService *tracing.Service
	syncer         SyncController
	parser         *parser.Parser
	logger         *zap.Logger
}

// NewHandler creates a new API handler. statsCollector, tracingService and
// syncer may be nil.
func NewHandler(svc *mocks.Service, statsCollector *stats.Collector, tracingService *tracing.Service, syncer SyncController, logger *zap.Logger) *Handler {
	return &Handler{
		mocks:          svc,
		statsCollector: statsCollector,
		tracingService: tracingService,
		syncer:         syncer,
		parser:         parser.NewParser(),
		logger:         logging.OrNop(logger),
	}
}

// ListMocks returns every definition sorted by name
func (h *Handler) ListMocks(c *gin.Context) {
	c.JSON(http.StatusOK, h.mocks.List())
}

// CreateMock stores a new definition and returns it with its id and timestamp
func (h *Handler) CreateMock(c *gin.Context) {
	var input models.DefinitionInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	def, err := h.mocks.Create(&input)
	if err != nil {
		c.JSON(mutationStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, def)
}

// GetMock returns a single definition
func (h *Handler) GetMock(c *gin.Context) {
	id, ok := mockID(c)
	if !ok {
		return
	}

	def, err := h.mocks.Get(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Mock not found"})
		return
	}

	c.JSON(http.StatusOK, def)
}

// UpdateMock replaces an existing definition
func (h *Handler) UpdateMock(c *gin.Context) {
	id, ok := mockID(c)
	if !ok {
		return
	}

	var input models.DefinitionInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	def, err := h.mocks.Update(id, &input)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Mock not found"})
			return
		}
		c.JSON(mutationStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, def)
}

// DeleteMock removes a definition
func (h *Handler) DeleteMock(c *gin.Context) {
	id, ok := mockID(c)
	if !ok {
		return
	}

	if !h.mocks.Delete(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Mock not found"})
		return
	}
	if h.statsCollector != nil {
		h.statsCollector.Forget(id.String())
	}

	c.JSON(http.StatusOK, gin.H{"message": "Mock deleted"})
}

// DeleteAllMocks removes every definition
func (h *Handler) DeleteAllMocks(c *gin.Context) {
	n := h.mocks.DeleteAll()
	c.JSON(http.StatusOK, gin.H{"message": "All mocks deleted", "deleted": n})
}

type importInput struct {
	Content string `json:"content" binding:"required"`
	Prefix  string `json:"prefix"`
}

type importFailure struct {
	APIName string `json:"api_name"`
	Method  string `json:"method"`
	Error   string `json:"error"`
}

// ImportOpenAPI creates one definition per operation of an OpenAPI 3 document
func (h *Handler) ImportOpenAPI(c *gin.Context) {
	var input importInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.parser.Parse(input.Content, input.Prefix)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid OpenAPI document: " + err.Error()})
		return
	}

	created := make([]*models.Definition, 0, len(result.Definitions))
	failed := make([]importFailure, 0)
	for _, in := range result.Definitions {
		def, err := h.mocks.Create(in)
		if err != nil {
			failed = append(failed, importFailure{APIName: in.APIName, Method: in.Method, Error: err.Error()})
			continue
		}
		created = append(created, def)
	}

	h.logger.Info("openapi document imported",
		zap.String("title", result.Title),
		zap.Int("created", len(created)),
		zap.Int("failed", len(failed)),
	)

	status := http.StatusCreated
	if len(created) == 0 && len(failed) > 0 {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{
		"title":   result.Title,
		"version": result.Version,
		"created": created,
		"failed":  failed,
		"skipped": result.Skipped,
	})
}

// GetGlobalStats returns global statistics
func (h *Handler) GetGlobalStats(c *gin.Context) {
	if h.statsCollector == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Statistics disabled"})
		return
	}
	c.JSON(http.StatusOK, h.statsCollector.GetGlobalStats(h.mocks.Count()))
}

// GetMockStats returns statistics for one mock
func (h *Handler) GetMockStats(c *gin.Context) {
	if h.statsCollector == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Statistics disabled"})
		return
	}

	s := h.statsCollector.GetMockStats(c.Param("id"))
	if s == nil {
		c.JSON(http.StatusOK, gin.H{"message": "No statistics available"})
		return
	}

	c.JSON(http.StatusOK, s)
}

// ResetStats resets all statistics
func (h *Handler) ResetStats(c *gin.Context) {
	if h.statsCollector != nil {
		h.statsCollector.Reset()
	}
	c.JSON(http.StatusOK, gin.H{"message": "Statistics reset"})
}

// ListTraces returns traces, newest first
func (h *Handler) ListTraces(c *gin.Context) {
	if h.tracingService == nil {
		c.JSON(http.StatusOK, []*models.Trace{})
		return
	}

	filter := &models.TraceFilter{
		MockID:  c.Query("mockId"),
		APIName: c.Query("apiName"),
		Method:  strings.ToUpper(c.Query("method")),
		Limit:   100,
	}
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		filter.Limit = v
	}
	if v, err := strconv.Atoi(c.Query("offset")); err == nil && v > 0 {
		filter.Offset = v
	}
	if v, err := strconv.Atoi(c.Query("statusCode")); err == nil {
		filter.StatusCode = v
	}

	c.JSON(http.StatusOK, h.tracingService.GetTraces(filter))
}

// GetTrace returns a single trace
func (h *Handler) GetTrace(c *gin.Context) {
	if h.tracingService == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Trace not found"})
		return
	}

	trace := h.tracingService.GetTrace(c.Param("id"))
	if trace == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Trace not found"})
		return
	}

	c.JSON(http.StatusOK, trace)
}

// ClearTraces clears all traces, or only those of ?mockId=
func (h *Handler) ClearTraces(c *gin.Context) {
	if h.tracingService != nil {
		if id := c.Query("mockId"); id != "" {
			h.tracingService.ClearTracesByMock(id)
		} else {
			h.tracingService.ClearTraces()
		}
	}
	c.JSON(http.StatusOK, gin.H{"message": "Traces cleared"})
}

// GetPeers reports the synchronizer state
func (h *Handler) GetPeers(c *gin.Context) {
	if h.syncer == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, h.syncer.Status())
}

// TriggerSync runs a pull cycle now, sharing any cycle already in flight
func (h *Handler) TriggerSync(c *gin.Context) {
	if h.syncer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Peer synchronization disabled"})
		return
	}

	res, err := h.syncer.SyncNow(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, res)
}

// HealthCheck returns health status
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// ReadyCheck fails until the instance has synchronized with a peer
func (h *Handler) ReadyCheck(c *gin.Context) {
	if h.syncer != nil && !h.syncer.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"error":  "Not synchronized with peers yet",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "mocks": h.mocks.Count()})
}

func mockID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Mock not found"})
		return uuid.Nil, false
	}
	return id, true
}

// mutationStatus maps a create/update error to its HTTP status
func mutationStatus(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidDefinition), errors.Is(err, template.ErrSyntax):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNameConflict):
		return http.StatusConflict
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
