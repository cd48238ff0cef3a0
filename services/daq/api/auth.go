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

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianDAQ/pkg/extensions"
)

const (
	authInfoKey = "daq.auth"

	// DefaultAuditLimit is the number of audit events returned when no
	// limit is given.
	DefaultAuditLimit = 50
)

// auditSource is satisfied by audit loggers that keep recent events.
type auditSource interface {
	Recent(limit int) []extensions.AuditEvent
}

// requireRole authenticates the bearer token and rejects callers without
// role. Rejections are audited under action.
func (h *Handlers) requireRole(action, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := getOrCreateRequestID(c)
		info, err := h.ext.AuthProvider.Validate(c.Request.Context(), bearerToken(c))
		if err != nil {
			h.audit(c, extensions.AuditEvent{
				Action: action, Subject: "anonymous", RequestID: requestID,
				Outcome: extensions.OutcomeDenied, Detail: err.Error(),
			})
			c.Header("WWW-Authenticate", `Bearer realm="daq"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid or missing bearer token", Code: "UNAUTHORIZED"})
			return
		}
		if !info.HasRole(role) {
			h.audit(c, extensions.AuditEvent{
				Action: action, Subject: info.Subject, RequestID: requestID,
				Outcome: extensions.OutcomeDenied, Detail: "missing role " + role,
			})
			c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{Error: "role " + role + " required", Code: "FORBIDDEN"})
			return
		}
		c.Set(authInfoKey, info)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func subjectOf(c *gin.Context) string {
	if v, ok := c.Get(authInfoKey); ok {
		if info, ok := v.(*extensions.AuthInfo); ok {
			return info.Subject
		}
	}
	return "anonymous"
}

func (h *Handlers) audit(c *gin.Context, e extensions.AuditEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := h.ext.AuditLogger.Log(c.Request.Context(), e); err != nil {
		h.logger.Warn("Audit log write failed", "action", e.Action, "error", err)
	}
}

// HandleAudit handles GET /v1/audit.
//
// Description:
//
//	Returns recent control actions, newest first, when the service keeps
//	an in-memory audit trail.
//
// Query Parameters:
//
//	limit: maximum events (optional, default 50)
//
// Response:
//
//	200 OK: AuditResponse
//	400 Bad Request: invalid limit
//	404 Not Found: no audit trail configured
func (h *Handlers) HandleAudit(c *gin.Context) {
	src, ok := h.ext.AuditLogger.(auditSource)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no audit trail configured", Code: "NO_AUDIT_TRAIL"})
		return
	}
	limit := DefaultAuditLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer", Code: "INVALID_LIMIT"})
			return
		}
		limit = n
	}
	events := src.Recent(limit)
	c.JSON(http.StatusOK, AuditResponse{Count: len(events), Events: events})
}
