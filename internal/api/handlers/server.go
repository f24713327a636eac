// Package handlers implements the HTTP surface of the engine.
//
// Handlers translate requests into service calls and report failures via
// c.Error(); the ErrorHandler middleware turns structured errors into
// consistent JSON responses. Guarded endpoints run under the idempotency
// guard with the scope derived from the endpoint and target resource.
package handlers

import (
	"context"
	"encoding/json"

	"github.com/gin-gonic/gin"

	"wo-foreman.io/foreman/internal/allocator"
	"wo-foreman.io/foreman/internal/api/middleware"
	"wo-foreman.io/foreman/internal/domain"
	"wo-foreman.io/foreman/internal/executor"
	"wo-foreman.io/foreman/internal/idempotency"
	"wo-foreman.io/foreman/internal/lease"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
	"wo-foreman.io/foreman/internal/repository"
)

// Server implements all API handlers.
type Server struct {
	store      repository.Store
	alloc      *allocator.Service
	exec       *executor.Service
	leases     *lease.Service
	guard      *idempotency.Guard
	dispatcher *domain.EventDispatcher
	ready      func(ctx context.Context) error
}

// ServerDeps holds all dependencies for creating a Server.
// Manual DI, no Wire/Dig.
type ServerDeps struct {
	Store      repository.Store
	Allocator  *allocator.Service
	Executor   *executor.Service
	Leases     *lease.Service
	Guard      *idempotency.Guard
	Dispatcher *domain.EventDispatcher

	// Ready is the readiness probe dependency check (database ping).
	// Optional; nil means always ready.
	Ready func(ctx context.Context) error
}

// NewServer creates a new Server with all dependencies.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		store:      deps.Store,
		alloc:      deps.Allocator,
		exec:       deps.Executor,
		leases:     deps.Leases,
		guard:      deps.Guard,
		dispatcher: deps.Dispatcher,
		ready:      deps.Ready,
	}
}

// RegisterRoutes mounts the API under /api/v1 plus the health probes.
func (s *Server) RegisterRoutes(r gin.IRouter) {
	r.GET("/health/live", s.GetLiveness)
	r.GET("/health/ready", s.GetReadiness)

	v1 := r.Group("/api/v1")

	v1.POST("/orders", s.ProposeOrder)
	v1.GET("/orders", s.ListOrders)
	v1.GET("/orders/:id", s.GetOrder)
	v1.GET("/orders/:id/events", s.GetOrderEvents)
	v1.POST("/orders/:id/approve", s.ApproveOrder)
	v1.POST("/orders/:id/reject", s.RejectOrder)
	v1.POST("/orders/:id/fail", s.FailOrder)

	v1.POST("/items/checkout", s.CheckoutItem)
	v1.GET("/items/:id", s.GetItem)
	v1.GET("/items/:id/events", s.GetItemEvents)
	v1.GET("/items/:id/parts", s.GetItemParts)
	v1.POST("/items/:id/heartbeat", s.HeartbeatItem)
	v1.POST("/items/:id/release", s.ReleaseItem)
	v1.POST("/items/:id/submit", s.SubmitItem)
	v1.POST("/items/:id/fail", s.FailItem)
	v1.POST("/items/:id/parts", s.SubmitItemPart)
	v1.POST("/items/:id/finalize", s.FinalizeItem)
}

// guarded runs op under the idempotency guard. The returned snapshot is
// the response body; ok=false means an error was already reported.
func (s *Server) guarded(c *gin.Context, endpoint, scope string, op idempotency.Op) (json.RawMessage, bool, bool) {
	key := c.GetHeader(middleware.IdempotencyKeyHeader)
	if key == "" && s.guard.Required(endpoint) {
		_ = c.Error(apperrors.IdempotencyRequired(endpoint))
		return nil, false, false
	}

	snapshot, replayed, err := s.guard.Do(c.Request.Context(), scope, key, op)
	if err != nil {
		_ = c.Error(err)
		return nil, false, false
	}
	if replayed {
		c.Header("Idempotent-Replay", "true")
	}
	return snapshot, replayed, true
}

// dispatch fans an audit event out to registered consumers after the
// operation committed. Best-effort; failures are logged by the dispatcher.
func (s *Server) dispatch(ctx context.Context, event *domain.Event) {
	if s.dispatcher == nil || event == nil {
		return
	}
	_ = s.dispatcher.Dispatch(ctx, event)
}

// agentID resolves the executing agent from the body field or the
// X-Agent-ID header, body first.
func agentID(c *gin.Context, body string) string {
	if body != "" {
		return body
	}
	return c.GetHeader(middleware.AgentIDHeader)
}

// actorOrDefault fills in an anonymous user actor when the request
// carries none. Audit only, never authorization.
func actorOrDefault(actor domain.Actor) domain.Actor {
	if actor.Type == "" {
		actor.Type = domain.ActorUser
	}
	if actor.ID == "" {
		actor.ID = "anonymous"
	}
	return actor
}
