package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"wo-foreman.io/foreman/internal/api/middleware"
	"wo-foreman.io/foreman/internal/domain"
	"wo-foreman.io/foreman/internal/executor"
	"wo-foreman.io/foreman/internal/lease"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
	"wo-foreman.io/foreman/internal/repository"
)

type checkoutRequest struct {
	AgentID string        `json:"agent_id"`
	Filters lease.Filters `json:"filters"`
}

// CheckoutItem handles POST /items/checkout: lease the best matching
// queued item to the calling agent.
func (s *Server) CheckoutItem(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, "invalid request body"))
		return
	}
	agent := agentID(c, req.AgentID)
	if agent == "" {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, "agent_id is required"))
		return
	}

	grant, err := s.leases.Checkout(c.Request.Context(), agent, req.Filters)
	if err != nil {
		_ = c.Error(err)
		return
	}

	s.dispatch(c.Request.Context(), &domain.Event{
		OrderID:   grant.Item.OrderID,
		ItemID:    grant.Item.ID,
		Event:     domain.EventLeased,
		ActorType: domain.ActorAgent,
		ActorID:   agent,
	})
	c.JSON(http.StatusOK, gin.H{
		"item":                    grant.Item,
		"order":                   grant.Order,
		"lease_expires_at":        grant.LeaseExpiresAt,
		"heartbeat_every_seconds": int(grant.HeartbeatEvery / time.Second),
	})
}

// GetItem handles GET /items/:id.
func (s *Server) GetItem(c *gin.Context) {
	item, err := s.store.GetItem(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(itemLookupError(c.Param("id"), err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"item": item})
}

// GetItemEvents handles GET /items/:id/events.
func (s *Server) GetItemEvents(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := s.store.GetItem(ctx, id); err != nil {
		_ = c.Error(itemLookupError(id, err))
		return
	}
	events, err := s.store.EventsByItem(ctx, id, repository.MaxPageSize)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if events == nil {
		events = []*domain.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// GetItemParts handles GET /items/:id/parts.
func (s *Server) GetItemParts(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := s.store.GetItem(ctx, id); err != nil {
		_ = c.Error(itemLookupError(id, err))
		return
	}
	parts, err := s.store.PartsByItem(ctx, id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if parts == nil {
		parts = []*domain.ItemPart{}
	}
	c.JSON(http.StatusOK, gin.H{"parts": parts})
}

type heartbeatRequest struct {
	AgentID string `json:"agent_id"`
}

// HeartbeatItem handles POST /items/:id/heartbeat: extend the lease.
func (s *Server) HeartbeatItem(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, "invalid request body"))
		return
	}
	agent := agentID(c, req.AgentID)

	hb, err := s.leases.Heartbeat(c.Request.Context(), c.Param("id"), agent)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"lease_expires_at":        hb.LeaseExpiresAt,
		"heartbeat_every_seconds": int(hb.HeartbeatEvery / time.Second),
	})
}

// ReleaseItem handles POST /items/:id/release: voluntary give-back
// without charging an attempt.
func (s *Server) ReleaseItem(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, "invalid request body"))
		return
	}
	agent := agentID(c, req.AgentID)

	if err := s.leases.Release(c.Request.Context(), c.Param("id"), agent); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": true})
}

// SubmitItem handles POST /items/:id/submit: record the holder's result
// and consume the lease.
func (s *Server) SubmitItem(c *gin.Context) {
	var req executor.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, "invalid request body"))
		return
	}
	req.ItemID = c.Param("id")
	req.AgentID = agentID(c, req.AgentID)

	var submitted *domain.Item
	snapshot, _, ok := s.guarded(c, "submit", "submit:"+req.ItemID, func(ctx context.Context, tx repository.Store) (interface{}, error) {
		item, err := s.exec.Submit(ctx, tx, req)
		if err != nil {
			return nil, err
		}
		submitted = item
		return gin.H{"item": item}, nil
	})
	if !ok {
		return
	}

	if submitted != nil {
		s.dispatch(c.Request.Context(), &domain.Event{
			OrderID:   submitted.OrderID,
			ItemID:    submitted.ID,
			Event:     domain.EventSubmitted,
			ActorType: domain.ActorAgent,
			ActorID:   req.AgentID,
		})
	}
	c.Data(http.StatusOK, "application/json", snapshot)
}

// FailItem handles POST /items/:id/fail: the holder reports a failed
// attempt. The item retries or, with attempts exhausted, fails.
func (s *Server) FailItem(c *gin.Context) {
	var req executor.FailItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, "invalid request body"))
		return
	}
	req.ItemID = c.Param("id")
	req.AgentID = agentID(c, req.AgentID)

	snapshot, _, ok := s.guarded(c, "fail", "fail:"+req.ItemID, func(ctx context.Context, tx repository.Store) (interface{}, error) {
		item, err := s.exec.FailItem(ctx, tx, req)
		if err != nil {
			return nil, err
		}
		return gin.H{"item": item}, nil
	})
	if !ok {
		return
	}
	c.Data(http.StatusOK, "application/json", snapshot)
}

// SubmitItemPart handles POST /items/:id/parts: append one partial
// result. A rejected part is recorded, then reported as a validation
// failure; the error response is snapshotted for replays.
func (s *Server) SubmitItemPart(c *gin.Context) {
	var req executor.SubmitPartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, "invalid request body"))
		return
	}
	req.ItemID = c.Param("id")
	req.AgentID = agentID(c, req.AgentID)

	scope := "submit-part:" + req.ItemID
	if key := c.GetHeader(middleware.IdempotencyKeyHeader); key != "" {
		req.IdempotencyKeyHash = s.guard.KeyHash(scope, key)
	}

	snapshot, _, ok := s.guarded(c, "submit-part", scope, func(ctx context.Context, tx repository.Store) (interface{}, error) {
		part, err := s.exec.SubmitPart(ctx, tx, req)
		if err != nil {
			appErr, isApp := apperrors.IsAppError(err)
			if part == nil || !isApp {
				return nil, err
			}
			// The rejected row and its events commit; the error body
			// becomes the snapshot so a replay reproduces it.
			return appErr.ResponseBody(), nil
		}
		return gin.H{"part": part}, nil
	})
	if !ok {
		return
	}
	c.Data(partStatus(snapshot), "application/json", snapshot)
}

// partStatus distinguishes a snapshotted part rejection from a stored
// part. Rejections carry the validation-failed code at the top level.
func partStatus(snapshot json.RawMessage) int {
	var envelope struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(snapshot, &envelope); err == nil && envelope.Code == apperrors.CodeValidationFailed {
		return http.StatusUnprocessableEntity
	}
	return http.StatusOK
}

// FinalizeItem handles POST /items/:id/finalize: assemble validated
// parts into the item result and submit it.
func (s *Server) FinalizeItem(c *gin.Context) {
	var req executor.FinalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, "invalid request body"))
		return
	}
	req.ItemID = c.Param("id")
	req.AgentID = agentID(c, req.AgentID)

	snapshot, _, ok := s.guarded(c, "finalize", "finalize:"+req.ItemID, func(ctx context.Context, tx repository.Store) (interface{}, error) {
		item, err := s.exec.Finalize(ctx, tx, req)
		if err != nil {
			return nil, err
		}
		return gin.H{"item": item}, nil
	})
	if !ok {
		return
	}
	c.Data(http.StatusOK, "application/json", snapshot)
}
