package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"wo-foreman.io/foreman/internal/domain"
	"wo-foreman.io/foreman/internal/executor"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
	"wo-foreman.io/foreman/internal/repository"
)

// ApproveOrder handles POST /orders/:id/approve. Approval and apply run
// in one guarded transaction; a failed apply leaves the order approved
// and reports apply_error in the body.
func (s *Server) ApproveOrder(c *gin.Context) {
	var req executor.ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, "invalid request body"))
		return
	}
	req.OrderID = c.Param("id")
	req.Actor = actorOrDefault(req.Actor)

	var result *executor.ApproveResult
	snapshot, _, ok := s.guarded(c, "approve", "approve:"+req.OrderID, func(ctx context.Context, tx repository.Store) (interface{}, error) {
		res, err := s.exec.Approve(ctx, tx, req)
		if err != nil {
			return nil, err
		}
		result = res
		return res, nil
	})
	if !ok {
		return
	}

	if result != nil {
		event := domain.EventApplied
		if result.ApplyError != "" {
			event = domain.EventApplyFailed
		}
		s.dispatch(c.Request.Context(), &domain.Event{
			OrderID:   req.OrderID,
			Event:     event,
			ActorType: req.Actor.Type,
			ActorID:   req.Actor.ID,
		})
	}
	c.Data(http.StatusOK, "application/json", snapshot)
}

// RejectOrder handles POST /orders/:id/reject. With rework=true the
// order and its items return to queued with results preserved.
func (s *Server) RejectOrder(c *gin.Context) {
	var req executor.RejectRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, "invalid request body"))
		return
	}
	req.OrderID = c.Param("id")
	req.Actor = actorOrDefault(req.Actor)

	var rejected *domain.Order
	snapshot, _, ok := s.guarded(c, "reject", "reject:"+req.OrderID, func(ctx context.Context, tx repository.Store) (interface{}, error) {
		order, err := s.exec.Reject(ctx, tx, req)
		if err != nil {
			return nil, err
		}
		rejected = order
		return gin.H{"order": order}, nil
	})
	if !ok {
		return
	}

	if rejected != nil {
		s.dispatch(c.Request.Context(), &domain.Event{
			OrderID:   req.OrderID,
			Event:     domain.EventRejected,
			ActorType: req.Actor.Type,
			ActorID:   req.Actor.ID,
		})
	}
	c.Data(http.StatusOK, "application/json", snapshot)
}

// FailOrder handles POST /orders/:id/fail: operator-initiated terminal
// failure of a stuck order.
func (s *Server) FailOrder(c *gin.Context) {
	var req executor.FailRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, "invalid request body"))
		return
	}
	req.OrderID = c.Param("id")
	req.Actor = actorOrDefault(req.Actor)

	var order *domain.Order
	err := s.store.WithinTx(c.Request.Context(), func(ctx context.Context, tx repository.Store) error {
		var err error
		order, err = s.exec.Fail(ctx, tx, req)
		return err
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	s.dispatch(c.Request.Context(), &domain.Event{
		OrderID:   req.OrderID,
		Event:     domain.EventFailed,
		ActorType: req.Actor.Type,
		ActorID:   req.Actor.ID,
	})
	c.JSON(http.StatusOK, gin.H{"order": order})
}
