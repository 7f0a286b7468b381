package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prasenjit/omock/internal/logging"
	"github.com/prasenjit/omock/internal/models"
	"go.uber.org/zap"
)

// RequireSecret admits requests whose header carries secret. An empty
// secret rejects everything.
func RequireSecret(secret, header string, logger *zap.Logger) gin.HandlerFunc {
	logger = logging.OrNop(logger)
	want := []byte(secret)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(header))
		if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			logger.Warn("internal request rejected",
				zap.String("path", c.Request.URL.Path),
				zap.String("client_ip", c.ClientIP()),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

// InternalCreate applies a definition pushed by a peer
func (h *Handler) InternalCreate(c *gin.Context) {
	var def models.Definition
	if err := c.ShouldBindJSON(&def); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.applyRemote(c, &def)
}

// InternalUpdate applies a replacement pushed by a peer
func (h *Handler) InternalUpdate(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid mock id"})
		return
	}

	var def models.Definition
	if err := c.ShouldBindJSON(&def); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if def.ID == uuid.Nil {
		def.ID = id
	}
	if def.ID != id {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mock id does not match path"})
		return
	}
	h.applyRemote(c, &def)
}

// InternalDelete removes a definition on behalf of a peer
func (h *Handler) InternalDelete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid mock id"})
		return
	}

	if !h.mocks.RemoveRemote(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Mock not found"})
		return
	}
	if h.statsCollector != nil {
		h.statsCollector.Forget(id.String())
	}
	c.JSON(http.StatusOK, gin.H{"message": "Mock deleted internally"})
}

// InternalClear removes every definition on behalf of a peer
func (h *Handler) InternalClear(c *gin.Context) {
	n := h.mocks.ClearRemote()
	c.JSON(http.StatusOK, gin.H{"message": "All mocks deleted internally", "deleted": n})
}

func (h *Handler) applyRemote(c *gin.Context, def *models.Definition) {
	applied, err := h.mocks.ApplyRemote(def)
	if err != nil {
		c.JSON(mutationStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": applied})
}
