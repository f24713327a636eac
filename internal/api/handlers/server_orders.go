package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"wo-foreman.io/foreman/internal/allocator"
	"wo-foreman.io/foreman/internal/domain"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
	"wo-foreman.io/foreman/internal/query"
	"wo-foreman.io/foreman/internal/repository"
)

// ProposeOrder handles POST /orders: validate, plan, and queue an order.
func (s *Server) ProposeOrder(c *gin.Context) {
	var req allocator.ProposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, "invalid request body"))
		return
	}
	req.Actor = actorOrDefault(req.Actor)

	var created *domain.Order
	snapshot, _, ok := s.guarded(c, "propose", "propose", func(ctx context.Context, tx repository.Store) (interface{}, error) {
		order, err := s.alloc.Propose(ctx, tx, req)
		if err != nil {
			return nil, err
		}
		created = order
		return order, nil
	})
	if !ok {
		return
	}

	if created != nil {
		s.dispatch(c.Request.Context(), &domain.Event{
			OrderID:   created.ID,
			Event:     domain.EventProposed,
			ActorType: req.Actor.Type,
			ActorID:   req.Actor.ID,
		})
	}
	c.Data(http.StatusCreated, "application/json", snapshot)
}

// ListOrders handles GET /orders with the full query surface.
func (s *Server) ListOrders(c *gin.Context) {
	q, err := query.Parse(c.Request.URL.Query())
	if err != nil {
		_ = c.Error(err)
		return
	}

	orders, total, err := s.store.ListOrders(c.Request.Context(), q)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if orders == nil {
		orders = []*domain.Order{}
	}

	totalPages := (total + q.PageSize - 1) / q.PageSize
	c.JSON(http.StatusOK, gin.H{
		"orders": orders,
		"pagination": gin.H{
			"page":        q.Page,
			"page_size":   q.PageSize,
			"total":       total,
			"total_pages": totalPages,
		},
	})
}

// GetOrder handles GET /orders/:id; include=items,events expands the
// response.
func (s *Server) GetOrder(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	q, err := query.Parse(c.Request.URL.Query())
	if err != nil {
		_ = c.Error(err)
		return
	}

	order, err := s.store.GetOrder(ctx, id)
	if err != nil {
		_ = c.Error(orderLookupError(id, err))
		return
	}

	body := gin.H{"order": order}
	if q.IncludeItems {
		items, err := s.store.ItemsByOrder(ctx, id)
		if err != nil {
			_ = c.Error(err)
			return
		}
		order.Items = items
	}
	if q.IncludeEvents {
		events, err := s.store.EventsByOrder(ctx, id, q.EventsLimit)
		if err != nil {
			_ = c.Error(err)
			return
		}
		body["events"] = events
	}
	c.JSON(http.StatusOK, body)
}

// GetOrderEvents handles GET /orders/:id/events.
func (s *Server) GetOrderEvents(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	q, err := query.Parse(c.Request.URL.Query())
	if err != nil {
		_ = c.Error(err)
		return
	}

	// Existence check keeps "no events" distinct from "no such order".
	if _, err := s.store.GetOrder(ctx, id); err != nil {
		_ = c.Error(orderLookupError(id, err))
		return
	}

	events, err := s.store.EventsByOrder(ctx, id, q.EventsLimit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if events == nil {
		events = []*domain.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func orderLookupError(id string, err error) error {
	if errors.Is(err, apperrors.ErrNotFound) {
		return apperrors.OrderNotFound(id)
	}
	return err
}

func itemLookupError(id string, err error) error {
	if errors.Is(err, apperrors.ErrNotFound) {
		return apperrors.ItemNotFound(id)
	}
	return err
}
