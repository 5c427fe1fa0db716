// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves a read-only HTTP view of running response
// operations: planner status, per-host agents and process trees, and
// severity scores.
package api

import (
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianResponder/services/responder/planner"
)

// ServiceVersion is reported by the health endpoint.
const ServiceVersion = "0.1.0"

// Operations indexes planners by operation ID.
//
// Thread Safety: safe for concurrent use.
type Operations struct {
	mu       sync.RWMutex
	planners map[string]*planner.Planner
}

// NewOperations creates an empty index.
func NewOperations() *Operations {
	return &Operations{planners: make(map[string]*planner.Planner)}
}

// Register exposes p under its operation's ID, replacing any previous
// planner for that operation.
func (o *Operations) Register(p *planner.Planner) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.planners[p.Operation().ID] = p
}

// Lookup returns the planner for operation id.
func (o *Operations) Lookup(id string) (*planner.Planner, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.planners[id]
	return p, ok
}

// Len returns the number of registered operations.
func (o *Operations) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.planners)
}

// Handlers contains the HTTP handlers for the responder.
type Handlers struct {
	ops    *Operations
	logger *slog.Logger
}

// NewHandlers creates handlers over ops. A nil logger uses slog.Default().
func NewHandlers(ops *Operations, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{ops: ops, logger: logger}
}

// HandleHealth handles GET /v1/responder/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:     "healthy",
		Version:    ServiceVersion,
		Operations: h.ops.Len(),
	})
}

// HandleStatus handles GET /v1/responder/operations/:id.
//
// Description:
//
//	Reports where the operation's planner is in its bucket cycle, how
//	many links it has run and which detections it has addressed.
//
// Response:
//
//	200 OK: StatusResponse
//	404 Not Found: unknown operation
func (h *Handlers) HandleStatus(c *gin.Context) {
	p, ok := h.lookup(c)
	if !ok {
		return
	}
	op := p.Operation()
	state := p.Snapshot()
	c.JSON(http.StatusOK, StatusResponse{
		OperationID:    op.ID,
		Name:           op.Name,
		NextBucket:     state.NextBucket,
		Finished:       state.NextBucket == "",
		Cycles:         state.Cycles,
		ChainLength:    op.ChainLen(),
		Agents:         len(op.Agents()),
		LinksHunted:    len(state.LinksHunted),
		LinksResponded: len(state.LinksResponded),
		Severity:       state.Severity,
		UpdatedAt:      state.UpdatedAt,
	})
}

// HandleHosts handles GET /v1/responder/operations/:id/hosts.
//
// Description:
//
//	Groups the operation's agents by host, with each agent's severity and
//	the roots of the process tree discovered on that host. Hosts are
//	sorted by name.
//
// Response:
//
//	200 OK: HostsResponse
//	404 Not Found: unknown operation
func (h *Handlers) HandleHosts(c *gin.Context) {
	p, ok := h.lookup(c)
	if !ok {
		return
	}
	op := p.Operation()
	severity := p.Snapshot().Severity
	trees := p.ProcessTrees()

	byHost := make(map[string]*HostView)
	for _, agent := range op.Agents() {
		view, ok := byHost[agent.Host]
		if !ok {
			view = &HostView{Host: agent.Host, Agents: []AgentView{}}
			if tree, found := trees.Lookup(agent.Host); found {
				view.Processes = tree.Len()
				view.ProcessRoots = tree.Roots()
			}
			byHost[agent.Host] = view
		}
		score := severity[agent.Paw]
		view.Agents = append(view.Agents, AgentView{Paw: agent.Paw, Platform: agent.Platform, Severity: score})
		if score > view.MaxSeverity {
			view.MaxSeverity = score
		}
	}

	hosts := make([]HostView, 0, len(byHost))
	for _, view := range byHost {
		hosts = append(hosts, *view)
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Host < hosts[j].Host })
	c.JSON(http.StatusOK, HostsResponse{OperationID: op.ID, Hosts: hosts})
}

// HandleSeverity handles GET /v1/responder/operations/:id/severity.
func (h *Handlers) HandleSeverity(c *gin.Context) {
	p, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, SeverityResponse{
		OperationID: p.Operation().ID,
		Severity:    p.Snapshot().Severity,
	})
}

// lookup resolves the :id path parameter, writing a 404 when unknown.
func (h *Handlers) lookup(c *gin.Context) (*planner.Planner, bool) {
	id := c.Param("id")
	p, ok := h.ops.Lookup(id)
	if !ok {
		h.logger.Debug("operation not found",
			slog.String("request_id", getOrCreateRequestID(c)),
			slog.String("operation", id),
		)
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "operation not found",
			Code:  "OPERATION_NOT_FOUND",
		})
		return nil, false
	}
	return p, true
}

func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
