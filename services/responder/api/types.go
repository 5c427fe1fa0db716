// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import "time"

// HealthResponse is returned by GET /v1/responder/health.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Operations int    `json:"operations"`
}

// StatusResponse summarises one operation's planner.
type StatusResponse struct {
	OperationID    string             `json:"operation_id"`
	Name           string             `json:"name"`
	NextBucket     string             `json:"next_bucket"`
	Finished       bool               `json:"finished"`
	Cycles         int                `json:"cycles"`
	ChainLength    int                `json:"chain_length"`
	Agents         int                `json:"agents"`
	LinksHunted    int                `json:"links_hunted"`
	LinksResponded int                `json:"links_responded"`
	Severity       map[string]float64 `json:"severity"`
	UpdatedAt      time.Time          `json:"updated_at,omitempty"`
}

// AgentView is an agent as shown in the host view.
type AgentView struct {
	Paw      string  `json:"paw"`
	Platform string  `json:"platform,omitempty"`
	Severity float64 `json:"severity"`
}

// HostView is one host: its agents and the process tree observed on it.
type HostView struct {
	Host         string      `json:"host"`
	Agents       []AgentView `json:"agents"`
	MaxSeverity  float64     `json:"max_severity"`
	Processes    int         `json:"processes"`
	ProcessRoots []string    `json:"process_roots,omitempty"`
}

// HostsResponse is returned by GET /v1/responder/operations/:id/hosts.
type HostsResponse struct {
	OperationID string     `json:"operation_id"`
	Hosts       []HostView `json:"hosts"`
}

// SeverityResponse is returned by GET /v1/responder/operations/:id/severity.
type SeverityResponse struct {
	OperationID string             `json:"operation_id"`
	Severity    map[string]float64 `json:"severity"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine-readable error code.
	Code string `json:"code,omitempty"`
}
