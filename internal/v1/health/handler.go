package health

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parleychat/parley/internal/v1/logging"
	"github.com/parleychat/parley/internal/v1/room"
)

// AddrReporter reports the bound address of a network listener. The chat
// server satisfies it; tests substitute a stub.
type AddrReporter interface {
	Addr() net.Addr
}

// Handler manages health check endpoints
type Handler struct {
	manager  *room.Manager
	listener AddrReporter
}

// NewHandler creates a new health check handler. listener may be nil when
// the probe runs in a deployment without the TCP chat listener.
func NewHandler(manager *room.Manager, listener AddrReporter) *Handler {
	return &Handler{
		manager:  manager,
		listener: listener,
	}
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint
// GET /health/live
// Returns 200 if the process is alive (no dependency checks)
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint
// GET /health/ready
// Returns 200 only if the room catalog is seeded and the chat listener is
// bound; 503 otherwise so the orchestrator holds traffic back
func (h *Handler) Readiness(c *gin.Context) {
	ctx := c.Request.Context()

	checks := make(map[string]string)
	allHealthy := true

	roomsStatus := h.checkRooms(ctx)
	checks["rooms"] = roomsStatus
	if roomsStatus != "healthy" {
		allHealthy = false
	}

	// Check the chat listener (if this deployment runs one)
	if h.listener != nil {
		listenerStatus := h.checkListener(ctx)
		checks["chat_listener"] = listenerStatus
		if listenerStatus != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(statusCode, response)
}

// checkRooms verifies the fixed room catalog was seeded
func (h *Handler) checkRooms(ctx context.Context) string {
	if h.manager == nil {
		logging.Error(ctx, "readiness probed before the room manager was built")
		return "unhealthy"
	}
	if len(h.manager.Rooms()) == 0 {
		logging.Error(ctx, "room manager holds no rooms")
		return "unhealthy"
	}
	return "healthy"
}

// checkListener verifies the chat listener is bound to a port
func (h *Handler) checkListener(ctx context.Context) string {
	if h.listener.Addr() == nil {
		logging.Warn(ctx, "chat listener is not bound yet")
		return "unhealthy"
	}
	return "healthy"
}
