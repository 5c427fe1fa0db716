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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// shutdownTimeout bounds graceful shutdown in Serve.
const shutdownTimeout = 10 * time.Second

// RegisterRoutes registers the responder endpoints under rg.
//
// Endpoints:
//
//	GET /v1/responder/health - Health check
//	GET /v1/responder/operations/:id - Planner status
//	GET /v1/responder/operations/:id/hosts - Hosts, agents and process trees
//	GET /v1/responder/operations/:id/severity - Severity per agent
//
// Example:
//
//	v1 := router.Group("/v1")
//	api.RegisterRoutes(v1, api.NewHandlers(ops, logger))
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	responder := rg.Group("/responder")
	{
		responder.GET("/health", handlers.HandleHealth)

		ops := responder.Group("/operations")
		ops.GET("/:id", handlers.HandleStatus)
		ops.GET("/:id/hosts", handlers.HandleHosts)
		ops.GET("/:id/severity", handlers.HandleSeverity)
	}
}

// NewRouter builds the gin engine: recovery, tracing, request IDs, the
// responder routes and, when metrics is non-nil, GET /metrics.
func NewRouter(serviceName string, handlers *Handlers, metrics http.Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(func(c *gin.Context) {
		getOrCreateRequestID(c)
		c.Next()
	})

	RegisterRoutes(router.Group("/v1"), handlers)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}
	return router
}

// Serve runs handler on addr until ctx is done, then shuts down
// gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("status API listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status API: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down status API: %w", err)
	}
	logger.Info("status API stopped")
	return nil
}
