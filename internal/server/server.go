// Package server assembles the HTTP surface: health, metrics, pool status and
// the fetch entrypoint. Handlers stay thin; everything interesting happens in
// the pool and fetcher underneath.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"telepool-go/internal/config"
	"telepool-go/internal/fetcher"
	"telepool-go/internal/middleware"
	"telepool-go/internal/pool"
	"telepool-go/internal/storage"
)

// PoolController is the slice of the pool the management surface needs.
type PoolController interface {
	Status() pool.Status
	Shutdown(ctx context.Context)
}

// Dependencies encapsulates the runtime services required to build the engine.
type Dependencies struct {
	Pool    PoolController
	Fetcher *fetcher.Service
	Storage storage.Backend
}

// BuildEngine constructs the gin engine with all routes and middleware.
func BuildEngine(cfg *config.Config, deps Dependencies) *gin.Engine {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(middleware.RequestID())
	engine.Use(middleware.RequestLogger())
	engine.Use(middleware.Recovery())
	if cfg.RateLimitEnabled {
		engine.Use(middleware.RateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst))
	}

	engine.GET("/healthz", func(c *gin.Context) {
		if deps.Storage != nil {
			if err := deps.Storage.Health(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "storage": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := engine.Group("/v1")
	{
		v1.GET("/pool/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, deps.Pool.Status())
		})
		v1.POST("/fetch", fetchHandler(deps.Fetcher))
		v1.GET("/jobs/:id", jobHandler(deps.Fetcher))

		mgmt := v1.Group("", middleware.ManagementAuth(cfg.ManagementKey))
		mgmt.POST("/pool/shutdown", func(c *gin.Context) {
			deps.Pool.Shutdown(c.Request.Context())
			c.JSON(http.StatusOK, gin.H{"status": "shutdown"})
		})
	}

	return engine
}

type fetchRequest struct {
	Peer  string `json:"peer" binding:"required"`
	Limit int    `json:"limit"`
}

func fetchHandler(svc *fetcher.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req fetchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{"message": err.Error(), "type": "invalid_request"},
			})
			return
		}

		res, err := svc.FetchHistory(c.Request.Context(), req.Peer, req.Limit)
		if err != nil {
			status, kind := classifyFetchError(err)
			c.JSON(status, gin.H{
				"error": gin.H{"message": err.Error(), "type": kind},
			})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func jobHandler(svc *fetcher.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := svc.Job(c.Request.Context(), c.Param("id"))
		if err != nil {
			var notFound *storage.ErrNotFound
			if errors.As(err, &notFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"error": gin.H{"message": err.Error(), "type": "not_found"},
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": gin.H{"message": err.Error(), "type": "storage_error"},
			})
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// classifyFetchError maps pool terminal errors to HTTP statuses: a pool that
// is merely busy is 503 and worth retrying, a pool whose credentials are all
// gone is 502 and needs an operator.
func classifyFetchError(err error) (int, string) {
	var exhausted *pool.ExhaustedError
	var allInvalid *pool.AllInvalidatedError
	switch {
	case errors.As(err, &allInvalid):
		return http.StatusBadGateway, "all_credentials_invalidated"
	case errors.As(err, &exhausted):
		return http.StatusServiceUnavailable, "pool_exhausted"
	case errors.Is(err, pool.ErrClosed):
		return http.StatusServiceUnavailable, "pool_closed"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// Run serves the engine until ctx is canceled, then drains with a timeout.
func Run(ctx context.Context, cfg *config.Config, engine *gin.Engine) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
